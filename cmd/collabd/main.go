package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"ltoc/collab/db"
	"ltoc/collab/internal/app"
	"ltoc/collab/internal/archive"
	"ltoc/collab/internal/blob"
	"ltoc/collab/internal/config"
	"ltoc/collab/internal/discovery"
	"ltoc/collab/internal/logging"
	"ltoc/collab/internal/metrics"
	"ltoc/collab/internal/search"
	"ltoc/collab/internal/signaling"
	"ltoc/collab/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("collabd failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()
	collector := metrics.New("ltoc")

	hubOpts := signaling.HubOptions{Logger: logger, Metrics: collector}
	var redisBus *signaling.RedisBus
	if strings.TrimSpace(cfg.RedisURL) != "" {
		bus, err := signaling.NewRedisBus(cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		redisBus = bus
		hubOpts.Bus = bus
		logger.Info("relay fanout through redis")
	}
	hub := signaling.NewHub(hubOpts)
	defer hub.Close()

	svcOpts := app.Options{Live: hub, ShareBase: cfg.PublicURL}
	if redisBus != nil {
		svcOpts.Redis = redisBus
	}

	var (
		conn    *sql.DB
		pgStore *store.PostgresStore
		pgfts   *search.PgFTS
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		var err error
		conn, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := migrate(ctx, conn, cfg.MigrationsDir); err != nil {
			return err
		}
		pgStore = store.NewPostgresStore(conn)
		pgfts = search.NewPgFTS(conn)
		svcOpts.Rooms = pgStore
	} else {
		logger.Warn("DATABASE_URL is not set, rooms are not archived in postgres")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	defer searchService.Close()
	if meiliClient != nil || pgfts != nil {
		svcOpts.Search = searchService
	}
	go searchService.ReindexAllFromPG(ctx)

	var snapshots archive.Snapshotter
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, blob.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Warn("object storage unavailable, snapshots are not uploaded", zap.Error(err))
		} else {
			snapshots = minioStore
		}
	}

	var archivist *archive.Archivist
	if cfg.Archive && (pgStore != nil || snapshots != nil) {
		opts := archive.Options{
			Signaling:   []string{cfg.SignalingURL()},
			Snapshots:   snapshots,
			Index:       searchService,
			IdleTimeout: cfg.ArchiveIdleTimeout,
			Metrics:     collector,
			Logger:      logger,
		}
		if pgStore != nil {
			opts.Adapter = pgStore
		}
		var err error
		archivist, err = archive.New(opts)
		if err != nil {
			return err
		}
		hub.OnTopicOpened(archivist.Open)
		logger.Info("archiving rooms", zap.String("relay", cfg.SignalingURL()))
	}

	if cfg.MDNS {
		port, err := listenPort(cfg.Addr)
		if err != nil {
			return err
		}
		host, _ := os.Hostname()
		advertiser, err := discovery.Advertise("ltoc-"+host, port, discovery.DefaultPath)
		if err != nil {
			logger.Warn("mdns advertisement failed", zap.Error(err))
		} else {
			defer advertiser.Shutdown()
			logger.Info("relay advertised on the local network", zap.Int("port", port))
		}
	}

	httpServer := app.NewHTTPServer(app.NewService(svcOpts), app.HTTPOptions{
		Signal:     hub,
		CORSOrigin: cfg.CORSOrigin,
		Metrics:    collector,
		Logger:     logger,
	})
	// websocket connections manage their own read and write deadlines
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collabd listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	if archivist != nil {
		archivist.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hub.Close(); err != nil {
		logger.Warn("close relay", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

// migrate prefers a migrations directory on disk and falls back to the copy
// built into the binary.
func migrate(ctx context.Context, conn *sql.DB, dir string) error {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return store.ApplyMigrations(ctx, conn, dir)
	}
	return store.ApplyMigrationsFS(ctx, conn, db.Migrations, "migrations")
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

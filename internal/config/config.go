package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr          string
	PublicURL     string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	LogLevel      string
	LogDev        bool
	// Relay fanout across instances, empty keeps fanout in-process
	RedisURL string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Snapshot backups
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Archiving peer
	Archive            bool
	ArchiveIdleTimeout time.Duration
	// LAN advertisement of the relay
	MDNS bool
	// Participant defaults used by cmd/collab
	CachePath string
	Signaling []string
}

func Load() Config {
	return Config{
		Addr:               getenv("COLLAB_ADDR", ":4444"),
		PublicURL:          getenv("COLLAB_PUBLIC_URL", ""),
		DatabaseURL:        getenv("DATABASE_URL", ""),
		MigrationsDir:      getenv("COLLAB_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:         getenv("COLLAB_CORS_ORIGIN", "*"),
		LogLevel:           getenv("COLLAB_LOG_LEVEL", "info"),
		LogDev:             getenvBool("COLLAB_LOG_DEV", false),
		RedisURL:           getenv("REDIS_URL", ""),
		MeiliURL:           getenv("MEILI_URL", ""),
		MeiliMasterKey:     getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:      getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:     getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:        getenv("MINIO_BUCKET", "ltoc-rooms"),
		MinioUseSSL:        getenvBool("MINIO_USE_SSL", false),
		Archive:            getenvBool("COLLAB_ARCHIVE", true),
		ArchiveIdleTimeout: getenvDuration("COLLAB_ARCHIVE_IDLE_SECONDS", 60),
		MDNS:               getenvBool("COLLAB_MDNS", false),
		CachePath:          getenv("COLLAB_CACHE_PATH", "./data/collab-cache.db"),
		Signaling:          getenvList("COLLAB_SIGNALING"),
	}
}

// SignalingURL is the relay's own websocket endpoint, used by the archiving peer.
func (c Config) SignalingURL() string {
	if c.PublicURL != "" {
		base := strings.TrimSuffix(c.PublicURL, "/")
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
		return base + "/signal"
	}
	addr := c.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "ws://" + addr + "/signal"
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getenvInt(key, fallbackSeconds)) * time.Second
}

func getenvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

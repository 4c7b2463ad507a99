// Command collab joins a room from the terminal. Edits and presence sync with
// every other participant through the configured relays.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"ltoc/collab/internal/collab"
	"ltoc/collab/internal/config"
	"ltoc/collab/internal/discovery"
	"ltoc/collab/internal/logging"
	"ltoc/collab/internal/persistence"
	"ltoc/collab/internal/transport"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()

	room := flag.String("room", "", "room id to join, a new one is created when empty")
	name := flag.String("name", os.Getenv("USER"), "display name shown to other participants")
	userID := flag.String("user", "", "stable user id, drives the presence color")
	signalList := flag.String("signal", strings.Join(cfg.Signaling, ","), "comma separated signaling relay urls")
	password := flag.String("password", "", "room password, peers without it cannot read the room")
	cachePath := flag.String("cache", cfg.CachePath, "local cache file, empty disables offline resume")
	initial := flag.String("initial", "", "HTML used to seed an empty room")
	discover := flag.Bool("discover", false, "look for relays on the local network")
	discoverFor := flag.Duration("discover-timeout", 3*time.Second, "how long to browse for relays")
	flag.Parse()

	logger, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	signaling := splitList(*signalList)
	if *discover {
		ctx, cancel := context.WithTimeout(context.Background(), *discoverFor)
		found, err := discovery.Browse(ctx)
		cancel()
		if err != nil {
			logger.Warn("relay discovery failed", zap.Error(err))
		}
		signaling = append(found, signaling...)
	}
	if len(signaling) == 0 {
		signaling = transport.DefaultSignaling
	}

	if *room == "" {
		*room = collab.NewRoomID()
	}
	if *userID == "" {
		*userID = "user-" + *name
	}

	mcfg := collab.Config{
		RoomID:    *room,
		User:      collab.User{ID: *userID, DisplayName: *name},
		Signaling: signaling,
		Password:  *password,
		Logger:    logger,
	}
	if *cachePath != "" {
		cache, err := persistence.OpenBolt(*cachePath)
		if err != nil {
			logger.Warn("local cache unavailable, editing without offline resume", zap.Error(err))
		} else {
			defer cache.Close()
			mcfg.Persistence = cache
		}
	}

	manager, err := collab.New(context.Background(), mcfg)
	if err != nil {
		logger.Fatal("join room", zap.Error(err))
	}

	out := bufio.NewWriter(os.Stdout)
	s, err := newSession(manager, *initial, out)
	if err != nil {
		manager.Destroy()
		logger.Fatal("mount editor", zap.Error(err))
	}
	defer s.close()

	fmt.Fprintf(out, "joined %s as %s (%s) via %s\n", *room, *name, manager.Color(), strings.Join(signaling, ", "))
	fmt.Fprintln(out, `type "help" for commands`)
	out.Flush()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sigCh:
			return
		case line, ok := <-lines:
			if !ok || !s.exec(line) {
				return
			}
		}
	}
}

func splitList(value string) []string {
	var items []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

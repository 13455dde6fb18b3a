package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/cyp0633/caldora-scheduling/config"
	caldav "github.com/cyp0633/caldora-scheduling/server"
	"github.com/cyp0633/caldora-scheduling/server/scheduling"
	"github.com/cyp0633/caldora-scheduling/server/storage"
	"github.com/cyp0633/caldora-scheduling/server/storage/memory"
)

const (
	caldavPrefix = "/caldav/"
	serverRealm  = "Caldora Scheduling"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "listen address")
		configPath = flag.String("config", "", "path to the YAML config file")
		debug      = flag.Bool("debug", false, "enable debug logging")
		seed       = flag.Bool("seed", false, "seed the in-memory store with demo users")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.New(config.Default())
	}

	store := memory.New()
	if *seed {
		seedStore(store)
		logger.Info("seeded demo users", "users", []string{"alice", "bob", "room-1"})
	}

	var remote scheduling.RemoteTransport
	if cfg.Snapshot().NATS.URL != "" {
		transport, err := scheduling.NewNATSTransport(cfg, logger)
		if err != nil {
			logger.Error("failed to set up nats transport", "error", err)
			os.Exit(1)
		}
		defer transport.Close()
		remote = transport
	}

	engine := scheduling.NewEngine(store, cfg, remote, logger)
	handler := caldav.NewHandler(caldavPrefix, serverRealm, store, engine, cfg, logger)
	http.Handle(caldavPrefix, handler)

	logger.Info("starting scheduling server",
		"addr", *addr,
		"endpoint", fmt.Sprintf("http://localhost%s%s", *addr, caldavPrefix))
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func seedStore(store *memory.Store) {
	store.AddUser(&storage.User{
		ID:              "alice",
		DisplayName:     "Alice",
		UserAddress:     "mailto:alice@example.com",
		Path:            "/caldav/alice/",
		ScheduleEnabled: true,
	})
	store.AddUser(&storage.User{
		ID:              "bob",
		DisplayName:     "Bob",
		UserAddress:     "mailto:bob@example.com",
		Path:            "/caldav/bob/",
		ScheduleEnabled: true,
	})
	store.AddUser(&storage.User{
		ID:               "room-1",
		DisplayName:      "Conference Room 1",
		UserAddress:      "mailto:room-1@example.com",
		Path:             "/caldav/room-1/",
		CalendarUserType: "ROOM",
		ScheduleEnabled:  true,
		AutoSchedule:     storage.AutoScheduleAutomatic,
	})
}

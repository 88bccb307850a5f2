package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/duocall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/duocall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/duocall/internal/adapter/driven/persistence/sqlite"
	handler "github.com/Wyydra/duocall/internal/adapter/driving/http"
	"github.com/Wyydra/duocall/internal/config"
	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/port"
	"github.com/Wyydra/duocall/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type store interface {
	port.CallRecordStore
	port.RecordFeed
	port.UserDirectory
}

func main() {
	configPath := flag.String("config", "", "path to config.toml")
	addr := flag.String("addr", "", "listen address, overrides server.addr")
	dbPath := flag.String("db", "", "sqlite database path, overrides server.db_path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		l = l.Level(lvl)
	}
	log.Logger = l

	users := make(map[domain.UserID]string, len(cfg.Users))
	for id, name := range cfg.Users {
		users[domain.UserID(id)] = name
	}

	var repo store
	if cfg.Server.DBPath == "" {
		repo = memory.NewCallRepository(users)
		l.Info().Msg("Using in-memory call history")
	} else {
		db, err := sqlite.Open(cfg.Server.DBPath)
		if err != nil {
			l.Fatal().Err(err).Str("path", cfg.Server.DBPath).Msg("Failed to open database")
		}
		defer db.Close()
		if err := db.SeedUsers(context.Background(), users); err != nil {
			l.Fatal().Err(err).Msg("Failed to seed users")
		}
		repo = db
		l.Info().Str("path", cfg.Server.DBPath).Msg("Using sqlite call history")
	}

	registry := ws.NewRegistry()
	relay := service.NewRelayService(registry, l)
	h := handler.NewHandler(relay, repo, repo, repo, handler.Options{
		StaticDir:    cfg.Server.StaticDir,
		SendQueue:    cfg.Server.SendQueue,
		ReadLimit:    cfg.Server.ReadLimit,
		WriteTimeout: cfg.Server.WriteTimeout,
		PingInterval: cfg.Server.PingInterval,
		PongWait:     cfg.Server.PongWait,
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.Server.Addr).Msg("Starting relay server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	registry.CloseAll(handler.ShutdownReason)

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	l.Info().Msg("Server exited")
}

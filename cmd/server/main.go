package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/supportchat/internal/auth"
	"github.com/Tyrowin/supportchat/internal/config"
	"github.com/Tyrowin/supportchat/internal/identity"
	"github.com/Tyrowin/supportchat/internal/logging"
	"github.com/Tyrowin/supportchat/internal/presence"
	"github.com/Tyrowin/supportchat/internal/relay"
	"github.com/Tyrowin/supportchat/internal/server"
	"github.com/Tyrowin/supportchat/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "supportchat",
	})
	l := logging.L()

	if l.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	// Durable store. Without it the relay keeps running on the transient log.
	var messages store.MessageStore
	var users store.UserStore
	db, err := store.Open(cfg.Database)
	if err != nil {
		l.Warn().Err(err).Str("driver", cfg.Database.Driver).Msg("database unavailable, using transient log only")
		messages, users = store.Unavailable{}, store.Unavailable{}
	} else {
		gs := store.NewGormStore(db)
		messages, users = gs, gs
		l.Info().Str("driver", cfg.Database.Driver).Msg("connected to database")
	}

	// Presence
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pres presence.Registry = presence.Noop{}
	if cfg.Redis.Enabled {
		reg, err := presence.NewRedisRegistry(cfg.Redis, cfg.Server.Addr())
		if err != nil {
			l.Warn().Err(err).Str("address", cfg.Redis.Address).Msg("presence disabled")
		} else {
			if err := reg.StartHeartbeat(ctx); err != nil {
				l.Warn().Err(err).Msg("failed to start presence heartbeat")
			}
			pres = reg
			l.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")
		}
	}

	ids := identity.NewRegistry(users, cfg.Store.Timeout)
	transient := store.NewTransientLog()
	rooms := relay.NewRoomRegistry(ids, pres, cfg.Store.Timeout)
	hub := server.NewHub()
	router := relay.NewRouter(messages, transient, rooms, ids, hub, relay.RouterConfig{
		StoreTimeout: cfg.Store.Timeout,
		DefaultRoom:  cfg.Relay.DefaultRoom,
	})
	history := relay.NewHistoryService(messages, transient, ids, pres, cfg.Store.Timeout)

	srv := server.New(*cfg, server.Deps{
		Hub:         hub,
		Relay:       &server.Relay{Rooms: rooms, Router: router, History: history},
		Identity:    ids,
		Credentials: auth.NewStaticCredentials(cfg.Admin),
	})

	go func() {
		if err := srv.Start(); err != nil {
			l.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("forced shutdown")
	}
	rooms.Close()
	if err := pres.Close(); err != nil {
		l.Warn().Err(err).Msg("failed to close presence registry")
	}

	l.Info().Msg("stopped")
}

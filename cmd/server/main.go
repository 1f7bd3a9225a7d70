package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/GetStream/chat-fanout/api"
	"github.com/GetStream/chat-fanout/api/validator"
	"github.com/GetStream/chat-fanout/config"
	"github.com/GetStream/chat-fanout/logging"
	"github.com/GetStream/chat-fanout/mongodb"
	"github.com/GetStream/chat-fanout/postgres"
	"github.com/GetStream/chat-fanout/reaction"
	"github.com/GetStream/chat-fanout/realtime"
	"github.com/GetStream/chat-fanout/redis"
	"github.com/GetStream/chat-fanout/retry"
)

// A store holds messages and their reaction sets.
type store interface {
	api.DB
	reaction.Store
}

func setupStore(ctx context.Context, cfg *config.Config) (store, func(context.Context) error, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.Store {
	case config.StoreMongoDB:
		m, err := mongodb.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		if err := m.Migrate(ctx); err != nil {
			_ = m.Close(ctx)
			return nil, nil, fmt.Errorf("migrate mongodb: %w", err)
		}
		return m, m.Close, nil
	default:
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return pg, func(context.Context) error { return pg.Close() }, nil
	}
}

// newHandler serves /metrics next to the API and applies CORS. Requests
// are logged by the API itself.
func newHandler(a http.Handler, origins []string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", a)

	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-User-ID"}),
	)
	return cors(mux)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// slog is not set up yet
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := setupStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setup %s: %w", cfg.Store, err)
	}
	defer func() {
		if err := closeDB(context.Background()); err != nil {
			logger.Error("Could not close store", "error", err.Error())
		}
	}()

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	cache, err := redis.Connect(rctx, cfg.RedisAddr, cfg.CacheSize)
	cancel()
	if err != nil {
		return err
	}
	defer cache.Close()

	var bus realtime.Bus = cache.Bus()
	if cfg.Bus == config.BusMemory {
		bus = realtime.NewMemoryBus()
	}

	clock := clockwork.NewRealClock()
	hub := realtime.NewHub(bus, realtime.Options{
		Logger:       logger,
		SendBuffer:   cfg.WSSendBuffer,
		WriteTimeout: cfg.WSWriteTimeout,
		BackoffBase:  cfg.BusBackoffBase,
		BackoffMax:   cfg.BusBackoffMax,
		Clock:        clock,
	})

	a := &api.API{
		Logger: logger,
		DB:     db,
		Cache:  cache,
		Val:    validator.New(),
		Hub:    hub,
		Reactions: &reaction.Aggregator{
			Store:       db,
			Publisher:   hub,
			Logger:      logger,
			MaxAttempts: cfg.ReactionMaxAttempts,
			Clock:       clock,
		},
		Mode: api.BroadcastMode(cfg.BroadcastMode),
		WS: api.WebSocketOptions{
			PongWait:       cfg.WSPongWait,
			WriteWait:      cfg.WSWriteTimeout,
			MaxFrame:       cfg.WSMaxFrame,
			FrameRate:      rate.Limit(cfg.WSFrameRate),
			FrameBurst:     cfg.WSFrameBurst,
			AllowedOrigins: cfg.Origins(),
		},
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(a, cfg.Origins()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	presence := &realtime.PresenceObserver{
		Bus:     bus,
		Logger:  logger,
		Clock:   clock,
		Backoff: retry.Backoff{Base: cfg.BusBackoffBase, Max: cfg.BusBackoffMax},
		Handle: func(p realtime.PresenceBody) {
			logger.Debug("Presence changed", "user_id", p.UserID, "type", string(p.Type))
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", "addr", cfg.Addr, "store", cfg.Store, "bus", cfg.Bus, "mode", cfg.BroadcastMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		presence.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown; the
		// hub closes them.
		err := srv.Shutdown(sctx)
		return errors.Join(err, hub.Close(sctx))
	})
	return g.Wait()
}

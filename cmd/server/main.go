// Command server runs the tileclash battle backend.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/tileclash/internal/auth"
	"github.com/jason-s-yu/tileclash/internal/cache"
	"github.com/jason-s-yu/tileclash/internal/config"
	"github.com/jason-s-yu/tileclash/internal/game"
	"github.com/jason-s-yu/tileclash/internal/logging"
	"github.com/jason-s-yu/tileclash/internal/ratelimit"
	"github.com/jason-s-yu/tileclash/internal/reconnect"
	"github.com/jason-s-yu/tileclash/internal/ruleset"
	"github.com/jason-s-yu/tileclash/internal/ws"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	var (
		limitStore   ratelimit.Store
		sessionStore reconnect.Store
		publisher    game.Publisher
	)
	if cfg.RedisURL != "" {
		cctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		client, err := cache.Connect(cctx, cfg.RedisURL)
		cancel()
		if err != nil {
			return err
		}
		defer func(c *redis.Client) {
			if err := c.Close(); err != nil {
				log.WithError(err).Warn("closing redis client")
			}
		}(client)
		limitStore = ratelimit.NewRedisStore(client)
		sessionStore = reconnect.NewRedisStore(client)
		publisher = cache.NewPublisher(client, log)
		log.Info("using redis stores")
	} else {
		limitStore = ratelimit.NewMemoryStore(time.Now)
		sessionStore = reconnect.NewMemoryStore(time.Now)
		log.Warn("no redis configured, using in-memory stores")
	}

	limiter := ratelimit.New(limitStore, cfg.RateLimits(), ratelimit.WithLogger(log))
	sessions := reconnect.NewManager(sessionStore,
		reconnect.WithLogger(log),
		reconnect.WithDefaultGracePeriod(cfg.GracePeriod),
	)
	rulesets, err := ruleset.NewStatic()
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(cfg.TicketSecret)
	if err != nil {
		return err
	}

	hub := ws.NewHub(0, log)
	registry := game.NewRegistry(game.RegistryConfig{
		Rulesets:        rulesets,
		Limiter:         limiter,
		Sessions:        sessions,
		Transport:       hub,
		Publisher:       publisher,
		QueueCapacity:   cfg.QueueCapacity,
		BatchSize:       cfg.DrainBatch,
		TickInterval:    cfg.TickInterval,
		GracePeriod:     cfg.GracePeriod,
		StoreTimeout:    cfg.StoreTimeout,
		CleanupInterval: cfg.CleanupInterval,
		Logger:          log,
	})
	if _, err := registry.Create(cfg.DefaultInstance, ""); err != nil {
		return err
	}

	handler := ws.NewHandler(ws.HandlerConfig{
		Hub:       hub,
		Instances: registry,
		Verifier:  verifier,
		Limiter:   limiter,
		Logger:    log,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           ws.NewMux(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return registry.Run(gctx)
	})
	g.Go(func() error {
		log.WithField("addr", cfg.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		registry.Shutdown("server shutdown")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

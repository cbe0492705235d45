package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/sethvargo/go-envconfig"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"fieldpilot/hub/internal"
)

type Env struct {
	Port       int    `env:"PORT,default=8080"`
	InstanceID string `env:"INSTANCE_ID"`

	// ServiceDomain switches the listener to ACME TLS; it needs
	// REDIS_URL set so instances share certificate storage.
	ServiceDomain string `env:"SERVICE_DOMAIN"`
	RedisURL      string `env:"REDIS_URL"`

	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL,default=2s"`
	StaleAfter       time.Duration `env:"STALE_AFTER,default=5s"`
	AckTimeout       time.Duration `env:"ACK_TIMEOUT,default=5s"`
}

func doMain(logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env := Env{}
	if err := envconfig.Process(ctx, &env); err != nil {
		return err
	}

	if env.InstanceID == "" {
		kid, err := ksuid.NewRandom()
		if err != nil {
			return err
		}

		env.InstanceID = kid.String()
	}

	logger = logger.With(slog.String("instance", env.InstanceID))

	var rdb *redis.Client
	if env.RedisURL != "" {
		rOpts, err := redis.ParseURL(env.RedisURL)
		if err != nil {
			return err
		}

		rdb = redis.NewClient(rOpts)
		if err := rdb.Info(ctx).Err(); err != nil {
			return err
		}
	}

	cfg := internal.Config{
		HandshakeTimeout: env.HandshakeTimeout,
		SweepInterval:    env.SweepInterval,
		StaleAfter:       env.StaleAfter,
		AckTimeout:       env.AckTimeout,
	}

	router, hub := internal.Main(logger, cfg, env.InstanceID, rdb)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%v", env.Port),
		Handler: router,
	}

	if env.ServiceDomain != "" {
		if rdb == nil {
			return errors.New("SERVICE_DOMAIN requires REDIS_URL for certificate storage")
		}

		tlsConfig, err := TLSConfig(ctx, env.ServiceDomain, rdb)
		if err != nil {
			return err
		}

		server.TLSConfig = tlsConfig
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		logger.Debug("starting...", slog.String("address", server.Addr))

		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Warn("shutting down")

		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()

		return server.Shutdown(sctx)
	})

	return g.Wait()
}

func main() {
	opts := &slog.HandlerOptions{AddSource: true, Level: slog.LevelDebug}
	logger := slog.New(slog.NewTextHandler(os.Stdout, opts))

	if err := doMain(logger); err != nil {
		logger.Error("failed to start", slog.Any("error", err))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/incident-sync/internal/collab"
	"github.com/tbourn/incident-sync/internal/config"
	httpapi "github.com/tbourn/incident-sync/internal/http"
	"github.com/tbourn/incident-sync/internal/http/middleware"
	"github.com/tbourn/incident-sync/internal/loopback"
	"github.com/tbourn/incident-sync/internal/observability"
	"github.com/tbourn/incident-sync/internal/push"
	"github.com/tbourn/incident-sync/internal/repo"
	"github.com/tbourn/incident-sync/internal/retry"
	"github.com/tbourn/incident-sync/internal/sysutil"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepEvery      = time.Minute
)

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Port = sysutil.FirstNonEmpty(port, cfg.Port)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

// openTransport builds the configured push transport. A nil transport
// means the engine polls every topic. bus is the transport the loopback
// store echoes writes onto, nil when a remote server does that.
func openTransport(pc config.PushConfig, log zerolog.Logger) (tr push.Transport, bus push.Transport, err error) {
	switch pc.Driver {
	case config.PushMemory:
		t := push.NewInProcess(log)
		t.Start()
		return t, t, nil
	case config.PushRedis:
		t, err := push.NewRedisStreams(pc.RedisAddr, pc.RedisPingEvery, log)
		if err != nil {
			return nil, nil, fmt.Errorf("redis push: %w", err)
		}
		t.Start()
		return t, t, nil
	case config.PushWebsocket:
		t := push.NewWebsocket(push.WebsocketConfig{
			URL:            pc.WSURL,
			MaxReconnects:  pc.WSMaxReconnects,
			ReconnectDelay: pc.WSReconnectDelay,
		}, log)
		t.Start()
		return t, nil, nil
	case config.PushNone:
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown push driver %q", pc.Driver)
}

func engineOptions(sc config.SyncConfig, log zerolog.Logger) collab.Options {
	return collab.Options{
		LocalActorID:  sc.LocalActorID,
		DwellWindow:   sc.DwellWindow,
		PollInterval:  sc.PollInterval,
		PollPageSize:  sc.PollPageSize,
		PollMaxPages:  sc.PollMaxPages,
		PollRPS:       sc.PollRPS,
		PollBurst:     sc.PollBurst,
		TypingTimeout: sc.TypingTimeout,
		ConfirmGrace:  sc.ConfirmGrace,
		TickInterval:  sc.TickInterval,
		Retry: retry.Policy{
			MaxAttempts: sc.RetryMaxAttempts,
			BaseDelay:   sc.RetryBaseDelay,
			MaxDelay:    sc.RetryMaxDelay,
			Jitter:      sc.RetryJitter,
		},
		Logger: log,
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := sysutil.InitLogger(cfg.LogLevel, cfg.LogPretty, os.Stdout)
	gin.SetMode(cfg.GinMode)

	host, _ := os.Hostname()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Identity{
		Version:  version,
		Instance: sysutil.FirstNonEmpty(cfg.Sync.LocalActorID, host),
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			return fmt.Errorf("db tracing: %w", err)
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	transport, bus, err := openTransport(cfg.Push, logger)
	if err != nil {
		return err
	}
	if transport != nil {
		defer func() {
			if err := transport.Close(); err != nil {
				logger.Warn().Err(err).Msg("push transport close")
			}
		}()
	}

	events := repo.NewEventRepo(db)
	store := loopback.New(events, bus, logger)
	engine := collab.New(store, repo.NewOutboxRepo(db), transport, engineOptions(cfg.Sync, logger))
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Stop()

	engine.OnDeliveryFailure(func(f collab.DeliveryFailure) {
		logger.Warn().Str("local_id", f.Item.LocalID).Str("topic", f.Item.Topic.String()).Err(f.Err).Msg("delivery failed")
	})
	engine.OnConflict(func(c collab.ReconciliationConflict) {
		logger.Warn().Str("provisional_id", c.ProvisionalID).Str("topic", c.Topic.String()).Msg("write never confirmed")
	})

	r := gin.New()
	rl := httpapi.RegisterRoutes(r, httpapi.Deps{
		Engine:      engine,
		History:     events,
		Idempotency: middleware.NewIdempotencyCache(cfg.IdempotencyTTL),
	}, cfg)

	// request contexts derive from base so shutdown can end open streams
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	go func() {
		tk := time.NewTicker(sweepEvery)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				rl.Sweep()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("push", cfg.Push.Driver).Str("db", cfg.DBPath).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	cancelBase()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

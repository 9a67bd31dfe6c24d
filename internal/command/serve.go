package command

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"replidraw/internal/httpapi"
	"replidraw/internal/pubsub"
	"replidraw/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// ServeCommand returns the serve command: the push/pull server, its poke
// fan-out and the WebSocket relay.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the replidraw sync server",
		Flags: []cli.Flag{
			ConfigFlag,
			LogLevelFlag,
			RedisURLFlag,
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides server.addr)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite database path (overrides storage.path)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	opts := httpapi.Options{
		Store:       store,
		TopicPrefix: cfg.Redis.TopicPrefix,
		Logger:      logger,
	}
	if cfg.Redis.URL != "" {
		redis, err := pubsub.NewRedis(pubsub.RedisConfig{
			URL:     cfg.Redis.URL,
			Retries: pubsub.DefaultRetries,
			Logger:  logger,
		})
		if err != nil {
			return cli.Exit("redis: "+err.Error(), 2)
		}
		defer redis.Close()
		if err := redis.Ping(ctx); err != nil {
			logger.Warn("redis unreachable; pokes will be retried per push", zap.Error(err))
		}
		opts.Publisher = redis
		opts.Upstream = redis
	} else {
		logger.Info("no redis url configured; clients reconcile by pulling")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewServer(opts).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.String("db", cfg.Storage.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

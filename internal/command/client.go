package command

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"replidraw/internal/bridge"
	"replidraw/internal/config"
	"replidraw/internal/engine"
	"replidraw/internal/protocol"
	"replidraw/internal/pubsub"
)

// client is one replica of a document, optionally accelerated by super pokes.
type client struct {
	replica *engine.Replica
	session *bridge.Session
	closers []func() error
	logger  *zap.Logger
}

func endpointURL(server, path, docID string) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(server, "/"))
	if err != nil {
		return "", err
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", errors.New("server must be an http(s) URL")
	}
	u := base.JoinPath(path)
	u.RawQuery = url.Values{"docID": {docID}}.Encode()
	return u.String(), nil
}

// openClient builds a replica for --doc on --server, pulls once and, unless
// --no-poke is set, opens a bridge session. A push channel that cannot be
// opened is logged and the client carries on with pulls alone.
func openClient(ctx context.Context, c *cli.Context, cfg *config.Config, logger *zap.Logger) (*client, error) {
	server := c.String(ServerFlag.Name)
	docID := c.String(DocFlag.Name)
	pullURL, err := endpointURL(server, "replicache-pull", docID)
	if err != nil {
		return nil, cli.Exit("invalid --server: "+err.Error(), 2)
	}
	pushURL, err := endpointURL(server, "replicache-push", docID)
	if err != nil {
		return nil, cli.Exit("invalid --server: "+err.Error(), 2)
	}

	httpClient := &http.Client{Timeout: pubsub.DefaultTimeout}
	replica, err := engine.New(engine.Options{
		Name:         docID,
		ClientID:     c.String(ClientIDFlag.Name),
		Puller:       protocol.NewHTTPPuller(httpClient, pullURL),
		Pusher:       protocol.NewHTTPPusher(httpClient, pushURL),
		PullInterval: cfg.Sync.PullInterval.Duration,
		PushDelay:    cfg.Sync.PushDelay.Duration,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	cl := &client{replica: replica, logger: logger}
	cl.closers = append(cl.closers, func() error {
		replica.Close()
		return nil
	})

	if err := replica.Pull(ctx); err != nil {
		_ = cl.Close()
		return nil, err
	}

	if c.Bool(NoPokeFlag.Name) {
		return cl, nil
	}
	transport, err := cl.transport(server, cfg)
	if err != nil {
		logger.Warn("push channel unavailable, pulling only", zap.Error(err))
		return cl, nil
	}
	session, err := bridge.Open(ctx, bridge.Config{
		DocID:       docID,
		ClientID:    replica.ClientID(),
		Engine:      replica,
		Transport:   transport,
		TopicPrefix: cfg.Redis.TopicPrefix,
		PullDelay:   cfg.Sync.PokeDelay.Duration,
		Logger:      logger,
	})
	if err != nil {
		logger.Warn("subscribe failed, pulling only", zap.Error(err))
		return cl, nil
	}
	cl.session = session
	cl.closers = append(cl.closers, session.Close)
	return cl, nil
}

// transport prefers a direct Redis subscription and falls back to the
// server's WebSocket relay.
func (cl *client) transport(server string, cfg *config.Config) (pubsub.Transport, error) {
	if cfg.Redis.URL == "" {
		return pubsub.NewWebSocket(server, cl.logger), nil
	}
	redis, err := pubsub.NewRedis(pubsub.RedisConfig{
		URL:     cfg.Redis.URL,
		Retries: pubsub.DefaultRetries,
		Logger:  cl.logger,
	})
	if err != nil {
		return nil, err
	}
	cl.closers = append(cl.closers, redis.Close)
	return redis, nil
}

// Close releases resources in reverse order of acquisition.
func (cl *client) Close() error {
	var errs []error
	for i := len(cl.closers) - 1; i >= 0; i-- {
		if err := cl.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	cl.closers = nil
	return errors.Join(errs...)
}

func (cl *client) stats() *bridge.Stats {
	if cl.session == nil {
		return nil
	}
	stats := cl.session.Stats()
	return &stats
}

package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"replidraw/internal/log"
)

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of publish retry attempts.
const DefaultRetries = 3

type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of publish retry attempts; zero disables them.
	Retries int
	Logger  *zap.Logger
}

// Redis carries events over Redis PUBLISH/SUBSCRIBE. It is both the server's
// Publisher and a client Transport.
type Redis struct {
	config RedisConfig
	client *goredis.Client
	logger *zap.Logger
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis transport requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis transport: invalid URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	return &Redis{
		config: cfg,
		client: goredis.NewClient(opts),
		logger: log.OrNop(cfg.Logger),
	}, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Publish frames data as event and publishes it on topic, retrying with
// exponential backoff.
func (r *Redis) Publish(ctx context.Context, topic, event string, data []byte) error {
	body, err := EncodeEnvelope(event, data)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	var lastErr error
	attempts := 1 + r.config.Retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		lastErr = r.client.Publish(publishCtx, topic, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("redis: publish failed after %d attempts: %w", attempts, lastErr)
}

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Channel, error) {
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", topic, err)
	}
	ch := &redisChannel{
		ps:     ps,
		done:   make(chan struct{}),
		logger: r.logger.With(zap.String("topic", topic)),
	}
	go ch.run(ps.Channel())
	return ch, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisChannel struct {
	handlers
	ps     *goredis.PubSub
	done   chan struct{}
	logger *zap.Logger
}

func (c *redisChannel) Bind(event string, handler Handler) {
	c.bind(event, handler)
}

func (c *redisChannel) run(messages <-chan *goredis.Message) {
	defer close(c.done)
	for msg := range messages {
		env, err := DecodeEnvelope([]byte(msg.Payload))
		if err != nil {
			c.logger.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

// Close unsubscribes and waits for the delivery goroutine. It must not be
// called from a handler.
func (c *redisChannel) Close() error {
	err := c.ps.Close()
	<-c.done
	return err
}

var (
	_ Transport = (*Redis)(nil)
	_ Publisher = (*Redis)(nil)
)

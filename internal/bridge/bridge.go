// Package bridge connects a sync engine to a push channel. The server pushes
// complete pull responses ("super pokes") ahead of time; the bridge caches
// them by the cookie they answer and serves the engine's next pull from the
// cache, so the client reaches the new state without a network round trip.
//
// Every pre-delivered payload is a hint. Stale, duplicate, reordered or
// missing payloads leave the engine on its ordinary network pull path.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"replidraw/internal/log"
	"replidraw/internal/protocol"
	"replidraw/internal/pubsub"
)

// DefaultPullDelay is how long after a payload arrives the bridge asks the
// engine to pull.
const DefaultPullDelay = time.Millisecond

// DefaultTopicPrefix prefixes per-client topics.
const DefaultTopicPrefix = "replidraw"

// Engine is the part of the sync engine the bridge drives.
type Engine interface {
	Puller() protocol.Puller
	SetPuller(protocol.Puller)
	Pull(ctx context.Context) error
}

type Config struct {
	DocID    string
	ClientID string
	Engine   Engine
	// Transport delivers super pokes. Required.
	Transport   pubsub.Transport
	TopicPrefix string
	// PullDelay defaults to DefaultPullDelay.
	PullDelay time.Duration
	// MaxPending defaults to DefaultMaxPending.
	MaxPending int
	Logger     *zap.Logger
}

func (c *Config) validate() error {
	switch {
	case c.DocID == "":
		return errors.New("bridge: doc ID is required")
	case c.ClientID == "":
		return errors.New("bridge: client ID is required")
	case c.Engine == nil:
		return errors.New("bridge: engine is required")
	case c.Transport == nil:
		return errors.New("bridge: transport is required")
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.PullDelay <= 0 {
		c.PullDelay = DefaultPullDelay
	}
	return nil
}

// Stats counts what the session has seen since Open.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Failures  int64 `json:"failures"`
	Stored    int64 `json:"stored"`
	Replaced  int64 `json:"replaced"`
	Stale     int64 `json:"stale"`
	Malformed int64 `json:"malformed"`
	Evicted   int64 `json:"evicted"`
	Scheduled int64 `json:"scheduled"`
}

type counters struct {
	hits, misses, failures            atomic.Int64
	stored, replaced, stale           atomic.Int64
	malformed, evicted, scheduledPull atomic.Int64
}

// Session is one open bridge between an engine and its push topic.
type Session struct {
	cfg         Config
	topic       string
	cache       *PayloadCache
	tracker     *CookieTracker
	interceptor *Interceptor
	original    protocol.Puller
	channel     pubsub.Channel
	logger      *zap.Logger
	stats       counters

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// Open installs the pull interceptor on the engine and subscribes to the
// client's topic. On failure the engine is left as it was.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := log.ForSession(log.OrNop(cfg.Logger), cfg.DocID, cfg.ClientID).Named("bridge")

	original := cfg.Engine.Puller()
	if original == nil {
		return nil, errors.New("bridge: engine has no puller")
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		topic:    pubsub.Topic(cfg.TopicPrefix, cfg.DocID, cfg.ClientID),
		cache:    NewPayloadCache(cfg.MaxPending),
		tracker:  NewCookieTracker(),
		original: original,
		logger:   logger,
		ctx:      sctx,
		cancel:   cancel,
		timers:   make(map[*time.Timer]struct{}),
	}
	s.interceptor = NewInterceptor(s.cache, original, s.tracker, logger)
	s.interceptor.onResult = s.countPull
	cfg.Engine.SetPuller(s.interceptor.Pull)

	channel, err := cfg.Transport.Subscribe(ctx, s.topic)
	if err != nil {
		cfg.Engine.SetPuller(original)
		cancel()
		return nil, fmt.Errorf("bridge: subscribe %s: %w", s.topic, err)
	}
	s.channel = channel
	channel.Bind(protocol.SuperPokeEvent, s.handlePoke)

	logger.Info("bridge open", zap.String("topic", s.topic))
	return s, nil
}

func (s *Session) Topic() string           { return s.topic }
func (s *Session) Cache() *PayloadCache    { return s.cache }
func (s *Session) Tracker() *CookieTracker { return s.tracker }

func (s *Session) Stats() Stats {
	return Stats{
		Hits:      s.stats.hits.Load(),
		Misses:    s.stats.misses.Load(),
		Failures:  s.stats.failures.Load(),
		Stored:    s.stats.stored.Load(),
		Replaced:  s.stats.replaced.Load(),
		Stale:     s.stats.stale.Load(),
		Malformed: s.stats.malformed.Load(),
		Evicted:   s.stats.evicted.Load(),
		Scheduled: s.stats.scheduledPull.Load(),
	}
}

func (s *Session) countPull(source string) {
	switch source {
	case SourceCache:
		s.stats.hits.Add(1)
	case SourceNetwork:
		s.stats.misses.Add(1)
	default:
		s.stats.failures.Add(1)
	}
}

// handlePoke runs on the transport's delivery goroutine.
func (s *Session) handlePoke(data []byte) {
	var poke protocol.SuperPoke
	if err := pubsub.Unmarshal(data, &poke); err != nil {
		s.stats.malformed.Add(1)
		s.logger.Warn("dropping undecodable super poke", zap.Error(err))
		return
	}
	if reason := malformed(&poke); reason != "" {
		s.stats.malformed.Add(1)
		s.logger.Warn("dropping malformed super poke", zap.String("reason", reason))
		return
	}

	based := s.tracker.Field("based_on", poke.LastCookie)
	result := s.tracker.Field("result", poke.Response.Cookie)

	outcome, evicted := s.cache.Offer(poke.LastCookie, poke.Response)
	switch outcome {
	case Stale:
		s.stats.stale.Add(1)
		s.logger.Debug("ignoring stale super poke", based, result)
		return
	case Replaced:
		s.stats.replaced.Add(1)
		// The server should never answer one cookie twice.
		s.logger.Warn("super poke replaced a waiting payload", based, result)
	default:
		s.stats.stored.Add(1)
		s.logger.Debug("cached super poke", based, result)
	}
	if evicted != "" {
		s.stats.evicted.Add(1)
		s.logger.Info("evicted unclaimed super poke", s.tracker.Field("evicted", evicted))
	}
	s.schedulePull()
}

func malformed(poke *protocol.SuperPoke) string {
	switch {
	case poke.LastCookie == "":
		return "missing basedOn cookie"
	case poke.Response == nil:
		return "missing response"
	case poke.Response.Cookie == "":
		return "missing response cookie"
	}
	return ""
}

func (s *Session) schedulePull() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stats.scheduledPull.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(s.cfg.PullDelay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()
		if err := s.cfg.Engine.Pull(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("scheduled pull failed", zap.Error(err))
		}
	})
	s.timers[timer] = struct{}{}
}

// Close unsubscribes, cancels scheduled pulls and restores the engine's
// original puller. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for timer := range s.timers {
		timer.Stop()
	}
	clear(s.timers)
	s.mu.Unlock()

	s.cancel()
	err := s.channel.Close()
	s.cfg.Engine.SetPuller(s.original)
	s.cache.Reset()
	s.logger.Info("bridge closed", zap.Int64("hits", s.stats.hits.Load()), zap.Int64("misses", s.stats.misses.Load()))
	if err != nil {
		return fmt.Errorf("bridge: close channel: %w", err)
	}
	return nil
}

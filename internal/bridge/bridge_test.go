package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"replidraw/internal/protocol"
	"replidraw/internal/pubsub"
)

// network is the engine's real puller: it always answers with next.
type network struct {
	mu    sync.Mutex
	calls atomic.Int64
	next  *protocol.PullResponse
	fail  bool
}

func (n *network) pull(_ context.Context, _ *protocol.PullRequest) (protocol.PullerResult, error) {
	n.calls.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return protocol.PullerResult{HTTPRequestInfo: protocol.HTTPRequestInfo{HTTPStatusCode: http.StatusInternalServerError}}, nil
	}
	return protocol.PullerResult{
		Response:        n.next,
		HTTPRequestInfo: protocol.HTTPRequestInfo{HTTPStatusCode: http.StatusOK},
	}, nil
}

// fakeEngine pulls through whatever puller is installed and adopts the
// returned cookie.
type fakeEngine struct {
	mu     sync.Mutex
	puller protocol.Puller
	cookie protocol.Cookie
	pulls  int
}

func (e *fakeEngine) Puller() protocol.Puller {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.puller
}

func (e *fakeEngine) SetPuller(p protocol.Puller) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.puller = p
}

func (e *fakeEngine) Pull(ctx context.Context) error {
	e.mu.Lock()
	puller := e.puller
	req := &protocol.PullRequest{ClientID: "client-a", Cookie: e.cookie}
	e.mu.Unlock()

	result, err := puller(ctx, req)
	if err != nil {
		return err
	}
	if !result.OK() {
		return errors.New("pull failed")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cookie = result.Response.Cookie
	e.pulls++
	return nil
}

func (e *fakeEngine) Cookie() protocol.Cookie {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cookie
}

func (e *fakeEngine) Pulls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pulls
}

type fakeTransport struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	err      error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{channels: make(map[string]*fakeChannel)}
}

func (t *fakeTransport) Subscribe(_ context.Context, topic string) (pubsub.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	ch := &fakeChannel{handlers: make(map[string]pubsub.Handler)}
	t.channels[topic] = ch
	return ch, nil
}

func (t *fakeTransport) channel(topic string) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[topic]
}

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string]pubsub.Handler
	closed   bool
}

func (c *fakeChannel) Bind(event string, handler pubsub.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) deliver(event string, data []byte) {
	c.mu.Lock()
	handler, closed := c.handlers[event], c.closed
	c.mu.Unlock()
	if closed || handler == nil {
		return
	}
	handler(data)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type harness struct {
	net       *network
	engine    *fakeEngine
	transport *fakeTransport
	session   *Session
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		net:       &network{next: response("net-4")},
		transport: newFakeTransport(),
	}
	h.engine = &fakeEngine{puller: h.net.pull, cookie: "3"}
	cfg := Config{
		DocID:     "doc",
		ClientID:  "client-a",
		Engine:    h.engine,
		Transport: h.transport,
		Logger:    zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h.session = s
	return h
}

func (h *harness) poke(t *testing.T, lastCookie string, resp *protocol.PullResponse) {
	t.Helper()
	data, err := pubsub.Marshal(protocol.SuperPoke{LastCookie: protocol.Cookie(lastCookie), Response: resp})
	require.NoError(t, err)
	h.deliver(t, data)
}

func (h *harness) deliver(t *testing.T, data []byte) {
	t.Helper()
	ch := h.transport.channel(h.session.Topic())
	require.NotNil(t, ch)
	ch.deliver(protocol.SuperPokeEvent, data)
}

func TestOpenSubscribesToClientTopic(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, "replidraw-doc-client-a", h.session.Topic())
	assert.NotNil(t, h.transport.channel("replidraw-doc-client-a"))

	h = newHarness(t, func(c *Config) { c.TopicPrefix = "canvas" })
	assert.Equal(t, "canvas-doc-client-a", h.session.Topic())
}

func TestPokeIsConsumedWithoutNetwork(t *testing.T) {
	h := newHarness(t, nil)

	h.poke(t, "3", &protocol.PullResponse{
		Cookie:         "4",
		LastMutationID: 2,
		Patch:          []protocol.PatchOp{{Op: protocol.OpPut, Key: "shape/s1", Value: []byte(`{"id":"s1"}`)}},
	})

	require.Eventually(t, func() bool { return h.engine.Cookie() == "4" }, time.Second, time.Millisecond)
	assert.Zero(t, h.net.calls.Load())
	assert.True(t, h.session.Cache().Done("3"))

	stats := h.session.Stats()
	assert.Equal(t, int64(1), stats.Stored)
	assert.Equal(t, int64(1), stats.Scheduled)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestInterceptorHitLooksLikeNetworkSuccess(t *testing.T) {
	cache := NewPayloadCache(0)
	net := &network{next: response("net")}
	i := NewInterceptor(cache, net.pull, nil, nil)
	want := response("4")
	cache.Offer("3", want)

	result, err := i.Pull(context.Background(), &protocol.PullRequest{Cookie: "3"})
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, http.StatusOK, result.HTTPRequestInfo.HTTPStatusCode)
	assert.Empty(t, result.HTTPRequestInfo.ErrorMessage)
	assert.Same(t, want, result.Response)
	assert.Zero(t, net.calls.Load())
}

func TestPullFallsBackToNetworkUnmodified(t *testing.T) {
	h := newHarness(t, nil)
	want := h.net.next

	result, err := h.engine.Puller()(context.Background(), &protocol.PullRequest{Cookie: "3"})
	require.NoError(t, err)
	assert.Same(t, want, result.Response)
	assert.Equal(t, http.StatusOK, result.HTTPRequestInfo.HTTPStatusCode)
	assert.Equal(t, int64(1), h.net.calls.Load())
	assert.Equal(t, int64(1), h.session.Stats().Misses)
}

func TestNetworkFailureIsPassedThrough(t *testing.T) {
	h := newHarness(t, nil)
	h.net.fail = true

	result, err := h.engine.Puller()(context.Background(), &protocol.PullRequest{Cookie: "3"})
	require.NoError(t, err)
	assert.False(t, result.OK())
	assert.Equal(t, http.StatusInternalServerError, result.HTTPRequestInfo.HTTPStatusCode)
	assert.False(t, h.session.Cache().Done("3"), "a failed pull does not move the engine")

	stats := h.session.Stats()
	assert.Zero(t, stats.Misses)
	assert.Equal(t, int64(1), stats.Failures)
}

func TestNetworkTransportErrorCountsAsFailure(t *testing.T) {
	cache := NewPayloadCache(0)
	var sources []string
	i := NewInterceptor(cache, func(context.Context, *protocol.PullRequest) (protocol.PullerResult, error) {
		return protocol.PullerResult{}, errors.New("connection refused")
	}, nil, nil)
	i.onResult = func(source string) { sources = append(sources, source) }

	_, err := i.Pull(context.Background(), &protocol.PullRequest{Cookie: "3"})
	require.Error(t, err)
	assert.Equal(t, []string{SourceFailed}, sources)
}

func TestNetworkPullMakesLatePokeStale(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.Pull(context.Background()))
	require.Equal(t, protocol.Cookie("net-4"), h.engine.Cookie())

	h.poke(t, "3", response("4"))

	stats := h.session.Stats()
	assert.Equal(t, int64(1), stats.Stale)
	assert.Zero(t, stats.Scheduled)
	assert.Zero(t, h.session.Cache().Len())
}

func TestConsumedPokeRedeliveredIsStale(t *testing.T) {
	h := newHarness(t, nil)

	h.poke(t, "3", response("4"))
	require.Eventually(t, func() bool { return h.engine.Cookie() == "4" }, time.Second, time.Millisecond)

	h.poke(t, "3", response("4"))
	stats := h.session.Stats()
	assert.Equal(t, int64(1), stats.Stale)
	assert.Equal(t, int64(1), stats.Scheduled, "only the first delivery schedules a pull")
	assert.Equal(t, 1, h.engine.Pulls())
}

func TestSameCookiePokeLastWriteWins(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PullDelay = time.Hour })

	h.poke(t, "3", response("4a"))
	h.poke(t, "3", response("4b"))
	assert.Equal(t, int64(1), h.session.Stats().Replaced)

	require.NoError(t, h.engine.Pull(context.Background()))
	assert.Equal(t, protocol.Cookie("4b"), h.engine.Cookie())
	assert.Zero(t, h.net.calls.Load())
}

func TestMalformedPokesAreDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, func(c *Config) { c.Logger = zap.New(core) })

	h.deliver(t, []byte{0xc1})
	h.poke(t, "", response("4"))
	h.poke(t, "3", nil)
	h.poke(t, "3", &protocol.PullResponse{})

	stats := h.session.Stats()
	assert.Equal(t, int64(4), stats.Malformed)
	assert.Zero(t, stats.Stored)
	assert.Zero(t, stats.Scheduled)
	assert.Zero(t, h.session.Cache().Len())
	assert.Equal(t, 4, logs.FilterMessageSnippet("dropping").Len())
}

func TestEvictionEndsCookieLifecycle(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxPending = 1
		c.PullDelay = time.Hour
	})

	h.poke(t, "10", response("11"))
	h.poke(t, "20", response("21"))

	stats := h.session.Stats()
	assert.Equal(t, int64(1), stats.Evicted)
	assert.True(t, h.session.Cache().Done("10"))

	h.poke(t, "10", response("11"))
	assert.Equal(t, int64(1), h.session.Stats().Stale)
}

func TestCloseRestoresEngineAndStopsTimers(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PullDelay = time.Hour })
	ch := h.transport.channel(h.session.Topic())

	h.poke(t, "3", response("4"))
	require.NoError(t, h.session.Close())
	require.NoError(t, h.session.Close())

	assert.True(t, ch.isClosed())
	assert.Zero(t, h.session.Cache().Len())
	assert.Equal(t, 0, h.engine.Pulls())

	// The restored puller goes straight to the network.
	require.NoError(t, h.engine.Pull(context.Background()))
	assert.Equal(t, protocol.Cookie("net-4"), h.engine.Cookie())
	assert.Equal(t, int64(1), h.net.calls.Load())
	assert.Zero(t, h.session.Stats().Misses)
}

func TestOpenFailureLeavesEngineUntouched(t *testing.T) {
	net := &network{next: response("net-4")}
	engine := &fakeEngine{puller: net.pull, cookie: "3"}
	transport := newFakeTransport()
	transport.err = errors.New("connection refused")

	_, err := Open(context.Background(), Config{DocID: "doc", ClientID: "client-a", Engine: engine, Transport: transport})
	require.ErrorContains(t, err, "connection refused")

	require.NoError(t, engine.Pull(context.Background()))
	assert.Equal(t, int64(1), net.calls.Load())
}

func TestOpenValidatesConfig(t *testing.T) {
	engine := &fakeEngine{}
	transport := newFakeTransport()

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing doc", Config{ClientID: "c", Engine: engine, Transport: transport}, "doc ID"},
		{"missing client", Config{DocID: "d", Engine: engine, Transport: transport}, "client ID"},
		{"missing engine", Config{DocID: "d", ClientID: "c", Transport: transport}, "engine is required"},
		{"missing transport", Config{DocID: "d", ClientID: "c", Engine: engine}, "transport"},
		{"missing puller", Config{DocID: "d", ClientID: "c", Engine: engine, Transport: transport}, "no puller"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), tt.cfg)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

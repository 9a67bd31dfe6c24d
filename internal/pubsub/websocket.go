package pubsub

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"replidraw/internal/log"
)

// SubscribedEvent is sent by the relay once its upstream subscription is
// live. WebSocket.Subscribe waits for it.
const SubscribedEvent = "pubsub:subscribed"

const (
	relayBuffer  = 32
	writeTimeout = 10 * time.Second
)

// Relay forwards one topic of an upstream Transport to a WebSocket client.
// Browsers and clients without Redis access subscribe through it.
type Relay struct {
	upstream Transport
	events   []string
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewRelay relays the given events from upstream.
func NewRelay(upstream Transport, events []string, logger *zap.Logger) *Relay {
	return &Relay{
		upstream: upstream,
		events:   events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.OrNop(logger),
	}
}

// Serve upgrades the request and relays topic until either side goes away.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, topic string) {
	logger := r.logger.With(zap.String("topic", topic))
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Warn("relay upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, err := r.upstream.Subscribe(req.Context(), topic)
	if err != nil {
		logger.Error("relay subscribe failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeTimeout))
		return
	}
	defer ch.Close()

	out := make(chan []byte, relayBuffer)
	for _, event := range r.events {
		ch.Bind(event, func(data []byte) {
			frame, err := EncodeEnvelope(event, data)
			if err != nil {
				logger.Warn("relay encode failed", zap.Error(err))
				return
			}
			select {
			case out <- frame:
			default:
				logger.Warn("relay buffer full, dropping event", zap.String("event", event))
			}
		})
	}

	ready, err := EncodeEnvelope(SubscribedEvent, nil)
	if err != nil {
		logger.Error("relay encode failed", zap.Error(err))
		return
	}
	if err := r.write(conn, ready); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame := <-out:
			if err := r.write(conn, frame); err != nil {
				logger.Debug("relay write failed", zap.Error(err))
				return
			}
		case <-closed:
			return
		case <-req.Context().Done():
			return
		}
	}
}

func (r *Relay) write(conn *websocket.Conn, frame []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// WebSocket is a client Transport subscribing through a server Relay
// mounted at <baseURL>/poke/<topic>.
type WebSocket struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

func NewWebSocket(baseURL string, logger *zap.Logger) *WebSocket {
	return &WebSocket{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dialer:  websocket.DefaultDialer,
		logger:  log.OrNop(logger),
	}
}

func (t *WebSocket) endpoint(topic string) (string, error) {
	u, err := url.Parse(t.baseURL + "/poke/" + url.PathEscape(topic))
	if err != nil {
		return "", fmt.Errorf("websocket: invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// Subscribe dials the relay and returns once the relay reports its upstream
// subscription is live.
func (t *WebSocket) Subscribe(ctx context.Context, topic string) (Channel, error) {
	endpoint, err := t.endpoint(topic)
	if err != nil {
		return nil, err
	}
	conn, _, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", endpoint, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	env, err := readEnvelope(conn)
	if err != nil || env.Event != SubscribedEvent {
		_ = conn.Close()
		if err == nil {
			err = fmt.Errorf("unexpected first event %q", env.Event)
		}
		return nil, fmt.Errorf("websocket: subscribe %s: %w", topic, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	ch := &wsChannel{
		conn:   conn,
		done:   make(chan struct{}),
		logger: t.logger.With(zap.String("topic", topic)),
	}
	go ch.run()
	return ch, nil
}

func readEnvelope(conn *websocket.Conn) (Envelope, error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return Envelope{}, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return DecodeEnvelope(data)
	}
}

type wsChannel struct {
	handlers
	conn   *websocket.Conn
	done   chan struct{}
	logger *zap.Logger
}

func (c *wsChannel) Bind(event string, handler Handler) {
	c.bind(event, handler)
}

func (c *wsChannel) run() {
	defer close(c.done)
	for {
		env, err := readEnvelope(c.conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("relay connection lost", zap.Error(err))
			}
			return
		}
		c.dispatch(env)
	}
}

// Close disconnects from the relay. It must not be called from a handler.
func (c *wsChannel) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	err := c.conn.Close()
	<-c.done
	return err
}

var _ Transport = (*WebSocket)(nil)

// Package pubsub is the push-notification transport: subscribe to a named
// topic and invoke handlers for the events published on it.
//
// Implementations make no ordering or exactly-once promises. Consumers must
// tolerate duplicates, gaps and reordering.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Handler receives the payload of one event.
type Handler func(data []byte)

// Channel is one topic subscription.
type Channel interface {
	// Bind registers handler for event. Handlers run on the transport's
	// delivery goroutine.
	Bind(event string, handler Handler)
	Close() error
}

type Transport interface {
	Subscribe(ctx context.Context, topic string) (Channel, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic, event string, data []byte) error
}

// Topic names the per-document, per-client topic: "<prefix>-<doc>-<client>".
func Topic(prefix, docID, clientID string) string {
	return prefix + "-" + docID + "-" + clientID
}

// Envelope frames one event on the wire.
type Envelope struct {
	Event string             `msgpack:"event"`
	Data  msgpack.RawMessage `msgpack:"data"`
}

// Marshal encodes an event payload.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes an event payload.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// EncodeEnvelope frames data, which must already be Marshal output.
func EncodeEnvelope(event string, data []byte) ([]byte, error) {
	raw, err := msgpack.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// handlers is the event → handler table shared by channel implementations.
type handlers struct {
	mu    sync.RWMutex
	table map[string][]Handler
}

func (h *handlers) bind(event string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.table == nil {
		h.table = make(map[string][]Handler)
	}
	h.table[event] = append(h.table[event], handler)
}

// dispatch delivers env to the handlers bound for its event and reports
// whether any were.
func (h *handlers) dispatch(env Envelope) bool {
	h.mu.RLock()
	bound := h.table[env.Event]
	h.mu.RUnlock()
	for _, handler := range bound {
		handler(env.Data)
	}
	return len(bound) > 0
}

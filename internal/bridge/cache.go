package bridge

import (
	"sync"

	"replidraw/internal/protocol"
)

// DefaultMaxPending bounds how many pre-delivered payloads wait for a pull.
const DefaultMaxPending = 64

// doneFactor sizes the finished-cookie memory relative to maxPending.
const doneFactor = 4

// Offer outcomes.
type OfferResult int

const (
	// Stored: the payload is cached under a cookie seen for the first time.
	Stored OfferResult = iota
	// Replaced: a payload for the same cookie was already waiting and the new
	// one won.
	Replaced
	// Stale: the cookie was already consumed or discarded.
	Stale
)

func (r OfferResult) String() string {
	switch r {
	case Stored:
		return "stored"
	case Replaced:
		return "replaced"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// PayloadCache holds pull responses that arrived over the push channel,
// keyed by the request cookie they answer, plus the set of cookies whose
// lifecycle has ended.
//
// A cookie moves absent → cached → consumed, or to discarded from absent or
// cached. Consumed and discarded are terminal.
type PayloadCache struct {
	maxPending int

	mu      sync.Mutex
	pending map[protocol.Cookie]*protocol.PullResponse
	order   []protocol.Cookie
	// done is the consumed-or-discarded set, oldest first in doneOrder and
	// bounded by maxDone.
	done      map[protocol.Cookie]struct{}
	doneOrder []protocol.Cookie
	maxDone   int
}

// NewPayloadCache returns an empty cache that evicts the oldest payload once
// more than maxPending are waiting. maxPending <= 0 means DefaultMaxPending.
// It remembers the last doneFactor*maxPending finished cookies.
func NewPayloadCache(maxPending int) *PayloadCache {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &PayloadCache{
		maxPending: maxPending,
		pending:    make(map[protocol.Cookie]*protocol.PullResponse),
		done:       make(map[protocol.Cookie]struct{}),
		maxDone:    doneFactor * maxPending,
	}
}

// Offer caches resp as the answer to a pull carrying basedOn. It returns the
// evicted cookie, if the bound forced one out.
func (c *PayloadCache) Offer(basedOn protocol.Cookie, resp *protocol.PullResponse) (OfferResult, protocol.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.done[basedOn]; ok {
		return Stale, ""
	}
	if _, ok := c.pending[basedOn]; ok {
		c.pending[basedOn] = resp
		return Replaced, ""
	}
	c.pending[basedOn] = resp
	c.order = append(c.order, basedOn)

	var evicted protocol.Cookie
	if len(c.order) > c.maxPending {
		evicted = c.order[0]
		c.order = c.order[1:]
		delete(c.pending, evicted)
		c.markDoneLocked(evicted)
	}
	return Stored, evicted
}

// Take removes and returns the payload cached for cookie, marking it
// consumed.
func (c *PayloadCache) Take(cookie protocol.Cookie) (*protocol.PullResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, ok := c.pending[cookie]
	if !ok {
		return nil, false
	}
	c.removeLocked(cookie)
	c.markDoneLocked(cookie)
	return resp, true
}

// Discard ends cookie's lifecycle without consuming it. Any waiting payload
// is dropped and later offers for cookie are stale.
func (c *PayloadCache) Discard(cookie protocol.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(cookie)
	c.markDoneLocked(cookie)
}

// Done reports whether cookie was consumed or discarded.
func (c *PayloadCache) Done(cookie protocol.Cookie) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.done[cookie]
	return ok
}

// Pending reports whether a payload waits under cookie.
func (c *PayloadCache) Pending(cookie protocol.Cookie) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[cookie]
	return ok
}

func (c *PayloadCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reset forgets everything. Used at session teardown.
func (c *PayloadCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.pending)
	clear(c.done)
	c.order = nil
	c.doneOrder = nil
}

// markDoneLocked records cookie as finished and forgets the oldest finished
// cookie past maxDone. A poke for a forgotten cookie is cached again and
// never claimed, since the engine's cookie only moves forward; the pending
// bound evicts it.
func (c *PayloadCache) markDoneLocked(cookie protocol.Cookie) {
	if _, ok := c.done[cookie]; ok {
		return
	}
	c.done[cookie] = struct{}{}
	c.doneOrder = append(c.doneOrder, cookie)
	if len(c.doneOrder) > c.maxDone {
		delete(c.done, c.doneOrder[0])
		c.doneOrder = c.doneOrder[1:]
	}
}

// DoneLen reports how many finished cookies are remembered.
func (c *PayloadCache) DoneLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.done)
}

func (c *PayloadCache) removeLocked(cookie protocol.Cookie) {
	if _, ok := c.pending[cookie]; !ok {
		return
	}
	delete(c.pending, cookie)
	for i, queued := range c.order {
		if queued == cookie {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

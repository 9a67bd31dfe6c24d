package bridge

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"replidraw/internal/protocol"
)

// CookieTracker gives opaque cookies short aliases (A, B, ... Z, A1, B1, ...)
// so reconciliation logs from different clients can be compared by eye.
// Aliases have no behavioral role.
type CookieTracker struct {
	mu      sync.Mutex
	aliases map[protocol.Cookie]string
	next    int
}

func NewCookieTracker() *CookieTracker {
	return &CookieTracker{aliases: make(map[protocol.Cookie]string)}
}

// Alias returns the alias for cookie, assigning one on first sight. The
// empty cookie is "-".
func (t *CookieTracker) Alias(cookie protocol.Cookie) string {
	if cookie == "" {
		return "-"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if alias, ok := t.aliases[cookie]; ok {
		return alias
	}
	alias := string(rune('A' + t.next%26))
	if round := t.next / 26; round > 0 {
		alias += strconv.Itoa(round)
	}
	t.next++
	t.aliases[cookie] = alias
	return alias
}

// Field is a zap field carrying both the cookie and its alias.
func (t *CookieTracker) Field(key string, cookie protocol.Cookie) zap.Field {
	return zap.Dict(key, zap.String("alias", t.Alias(cookie)), zap.String("cookie", string(cookie)))
}

// Round sources.
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
	SourceFailed  = "failed"
)

// Round traces one reconciliation attempt from request to result.
type Round struct {
	tracker *CookieTracker
	id      string
	request protocol.Cookie
	started time.Time
}

func (t *CookieTracker) StartRound(request protocol.Cookie) *Round {
	return &Round{tracker: t, id: uuid.NewString(), request: request, started: time.Now()}
}

// Fields describes the finished round.
func (r *Round) Fields(source string, result protocol.Cookie) []zap.Field {
	return []zap.Field{
		zap.String("round_id", r.id),
		zap.String("source", source),
		r.tracker.Field("request_cookie", r.request),
		r.tracker.Field("result_cookie", result),
		zap.Duration("duration", time.Since(r.started)),
	}
}

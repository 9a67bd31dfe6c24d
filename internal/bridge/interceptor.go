package bridge

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"replidraw/internal/log"
	"replidraw/internal/protocol"
)

// Interceptor wraps the engine's network puller. A pull whose request cookie
// has a pre-delivered payload is answered from the cache; anything else goes
// to the network untouched.
type Interceptor struct {
	cache    *PayloadCache
	next     protocol.Puller
	tracker  *CookieTracker
	logger   *zap.Logger
	onResult func(source string)
}

func NewInterceptor(cache *PayloadCache, next protocol.Puller, tracker *CookieTracker, logger *zap.Logger) *Interceptor {
	if tracker == nil {
		tracker = NewCookieTracker()
	}
	return &Interceptor{cache: cache, next: next, tracker: tracker, logger: log.OrNop(logger)}
}

// Pull satisfies protocol.Puller. A cache hit is shaped exactly like a
// successful network answer.
func (i *Interceptor) Pull(ctx context.Context, req *protocol.PullRequest) (protocol.PullerResult, error) {
	round := i.tracker.StartRound(req.Cookie)

	if resp, ok := i.cache.Take(req.Cookie); ok {
		i.logger.Debug("pull answered from pre-delivered payload", round.Fields(SourceCache, resp.Cookie)...)
		i.observe(SourceCache)
		return protocol.PullerResult{
			Response:        resp,
			HTTPRequestInfo: protocol.HTTPRequestInfo{HTTPStatusCode: http.StatusOK},
		}, nil
	}

	result, err := i.next(ctx, req)
	if err == nil && result.OK() {
		// The engine moves past req.Cookie with this answer; a push for it
		// arriving later is stale.
		i.cache.Discard(req.Cookie)
		i.logger.Debug("pull answered by network", round.Fields(SourceNetwork, result.Response.Cookie)...)
		i.observe(SourceNetwork)
		return result, err
	}
	i.observe(SourceFailed)
	return result, err
}

func (i *Interceptor) observe(source string) {
	if i.onResult != nil {
		i.onResult(source)
	}
}

package engine

import (
	"context"
	"reflect"

	"go.uber.org/zap"

	"replidraw/internal/document"
)

// Subscribe evaluates query now and after every change to the replica's
// view, calling onData whenever the result differs from the last one
// delivered. The returned function cancels the subscription.
//
// onData runs with the subscription list locked; it must not call Mutate,
// Pull or Subscribe on the same replica synchronously.
func Subscribe[T any](r *Replica, query func(ctx context.Context, tx document.ReadTx) (T, error), onData func(T)) func() {
	var (
		last      T
		delivered bool
	)
	run := func(ctx context.Context, tx memStore) {
		value, err := query(ctx, tx)
		if err != nil {
			r.logger.Warn("subscription query failed", zap.Error(err))
			return
		}
		if delivered && reflect.DeepEqual(value, last) {
			return
		}
		last, delivered = value, true
		onData(value)
	}

	r.subMu.Lock()
	r.mu.Lock()
	snapshot := r.view.clone()
	r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = run
	run(context.Background(), snapshot)
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

// notify delivers snapshot to subscribers unless a newer generation was
// already delivered.
func (r *Replica) notify(ctx context.Context, gen uint64, snapshot memStore) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if gen <= r.notified {
		return
	}
	r.notified = gen
	for _, run := range r.subs {
		run(ctx, snapshot)
	}
}

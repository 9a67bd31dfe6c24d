// Package engine is a small client-side sync engine. A Replica keeps a
// server-confirmed base plus a queue of pending local mutations, applies
// mutations optimistically, pushes them to the server and reconciles through
// cookie-ordered pulls, replaying whatever the server has not yet confirmed.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"replidraw/internal/document"
	"replidraw/internal/log"
	"replidraw/internal/protocol"
)

const DefaultPushDelay = 10 * time.Millisecond

var ErrClosed = errors.New("replica closed")

type Options struct {
	// Name identifies the document the replica mirrors.
	Name     string
	ClientID string
	Mutators document.Registry
	Puller   protocol.Puller
	Pusher   protocol.Pusher
	// PullInterval drives Run; zero disables periodic pulls.
	PullInterval time.Duration
	// PushDelay batches mutations before an automatic push. Zero means
	// DefaultPushDelay; negative disables automatic pushes.
	PushDelay time.Duration
	Logger    *zap.Logger
}

type Replica struct {
	name         string
	clientID     string
	mutators     document.Registry
	pullInterval time.Duration
	pushDelay    time.Duration
	logger       *zap.Logger

	mu             sync.Mutex
	base           memStore
	view           memStore
	generation     uint64
	pending        []protocol.Mutation
	nextMutationID int64
	lastMutationID int64
	cookie         protocol.Cookie
	puller         protocol.Puller
	pusher         protocol.Pusher
	pushTimer      *time.Timer
	closed         bool

	pullMu sync.Mutex
	pushMu sync.Mutex

	subMu    sync.Mutex
	subs     map[int]func(context.Context, memStore)
	nextSub  int
	notified uint64
}

func New(opts Options) (*Replica, error) {
	if opts.Name == "" {
		return nil, errors.New("replica name is required")
	}
	if opts.Puller == nil {
		return nil, errors.New("replica puller is required")
	}
	if opts.Mutators == nil {
		opts.Mutators = document.Mutators()
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.PushDelay == 0 {
		opts.PushDelay = DefaultPushDelay
	}
	return &Replica{
		name:         opts.Name,
		clientID:     opts.ClientID,
		mutators:     opts.Mutators,
		pullInterval: opts.PullInterval,
		pushDelay:    opts.PushDelay,
		logger:       log.ForSession(log.OrNop(opts.Logger), opts.Name, opts.ClientID),
		base:         memStore{},
		view:         memStore{},
		puller:       opts.Puller,
		pusher:       opts.Pusher,
		subs:         make(map[int]func(context.Context, memStore)),
	}, nil
}

func (r *Replica) Name() string     { return r.name }
func (r *Replica) ClientID() string { return r.clientID }

// Cookie returns the checkpoint of the confirmed base.
func (r *Replica) Cookie() protocol.Cookie {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cookie
}

// LastMutationID returns the highest mutation id the server has confirmed.
func (r *Replica) LastMutationID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMutationID
}

func (r *Replica) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Puller returns the puller the next Pull will use.
func (r *Replica) Puller() protocol.Puller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.puller
}

// SetPuller replaces the puller, typically to wrap the network puller.
func (r *Replica) SetPuller(p protocol.Puller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puller = p
}

// Mutate applies the named mutator to the local view immediately and queues
// it for the server.
func (r *Replica) Mutate(ctx context.Context, name string, args any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("mutate %s: encode args: %w", name, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	id := r.nextMutationID + 1
	if err := r.mutators.Apply(ctx, r.view, name, raw); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("mutate %s: %w", name, err)
	}
	r.nextMutationID = id
	r.pending = append(r.pending, protocol.Mutation{ID: id, Name: name, Args: raw})
	r.schedulePushLocked()
	gen, snapshot := r.bumpLocked()
	r.mu.Unlock()

	r.notify(ctx, gen, snapshot)
	return nil
}

// Pull fetches a reconciliation payload through the current puller and
// rebases pending mutations onto it. Pulls are serialized.
func (r *Replica) Pull(ctx context.Context) error {
	r.pullMu.Lock()
	defer r.pullMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	req := &protocol.PullRequest{
		ClientID:       r.clientID,
		Cookie:         r.cookie,
		LastMutationID: r.lastMutationID,
		PullVersion:    protocol.PullVersion,
		SchemaVersion:  protocol.SchemaVersion,
	}
	puller := r.puller
	r.mu.Unlock()

	result, err := puller(ctx, req)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if !result.OK() {
		return fmt.Errorf("pull: status %d: %s", result.HTTPRequestInfo.HTTPStatusCode, result.HTTPRequestInfo.ErrorMessage)
	}
	resp := result.Response

	r.mu.Lock()
	if r.cookie != req.Cookie {
		r.mu.Unlock()
		r.logger.Debug("dropping superseded pull response", zap.String("cookie", string(resp.Cookie)))
		return nil
	}
	if resp.LastMutationID < r.lastMutationID {
		r.mu.Unlock()
		r.logger.Warn("dropping pull response behind confirmed mutations",
			zap.Int64("response_last_mutation_id", resp.LastMutationID),
			zap.Int64("last_mutation_id", r.lastMutationID))
		return nil
	}
	r.base.applyPatch(resp.Patch)
	r.cookie = resp.Cookie
	r.lastMutationID = resp.LastMutationID
	// A client rejoining under a known id continues the server's sequence.
	if r.nextMutationID < r.lastMutationID {
		r.nextMutationID = r.lastMutationID
	}
	r.pending = slices.DeleteFunc(r.pending, func(m protocol.Mutation) bool {
		return m.ID <= resp.LastMutationID
	})
	r.rebaseLocked(ctx)
	gen, snapshot := r.bumpLocked()
	r.mu.Unlock()

	r.notify(ctx, gen, snapshot)
	return nil
}

// Push sends every pending mutation. Mutations stay pending until a pull
// confirms them.
func (r *Replica) Push(ctx context.Context) error {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	r.mu.Lock()
	if r.pusher == nil || len(r.pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	req := &protocol.PushRequest{
		ClientID:      r.clientID,
		Mutations:     slices.Clone(r.pending),
		PushVersion:   protocol.PushVersion,
		SchemaVersion: protocol.SchemaVersion,
	}
	pusher := r.pusher
	r.mu.Unlock()

	info, err := pusher(ctx, req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if info.HTTPStatusCode != 200 {
		return fmt.Errorf("push: status %d: %s", info.HTTPStatusCode, info.ErrorMessage)
	}
	return nil
}

// Sync pushes pending mutations, then pulls.
func (r *Replica) Sync(ctx context.Context) error {
	if err := r.Push(ctx); err != nil {
		return err
	}
	return r.Pull(ctx)
}

// Run syncs every PullInterval until ctx is done. Failures are logged and
// retried on the next tick.
func (r *Replica) Run(ctx context.Context) error {
	if r.pullInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.pullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("sync failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops background pushes. Later mutations and pulls fail with ErrClosed.
func (r *Replica) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.pushTimer != nil {
		r.pushTimer.Stop()
		r.pushTimer = nil
	}
}

// Query runs fn against a snapshot of the local view.
func (r *Replica) Query(ctx context.Context, fn func(ctx context.Context, tx document.ReadTx) error) error {
	r.mu.Lock()
	snapshot := r.view.clone()
	r.mu.Unlock()
	return fn(ctx, snapshot)
}

func (r *Replica) rebaseLocked(ctx context.Context) {
	r.view = r.base.clone()
	for _, m := range r.pending {
		if err := r.mutators.Apply(ctx, r.view, m.Name, m.Args); err != nil {
			r.logger.Warn("replay failed", zap.Int64("mutation_id", m.ID), zap.String("mutator", m.Name), zap.Error(err))
		}
	}
}

func (r *Replica) bumpLocked() (uint64, memStore) {
	r.generation++
	return r.generation, r.view.clone()
}

func (r *Replica) schedulePushLocked() {
	if r.pusher == nil || r.pushDelay < 0 || r.pushTimer != nil {
		return
	}
	r.pushTimer = time.AfterFunc(r.pushDelay, func() {
		r.mu.Lock()
		r.pushTimer = nil
		r.mu.Unlock()
		if err := r.Push(context.Background()); err != nil {
			r.logger.Warn("push failed", zap.Error(err))
		}
	})
}

package storage

import (
	"context"

	"replidraw/internal/document"
	"replidraw/internal/protocol"
)

// ApplyFunc runs one pushed mutation against the document inside the push
// transaction. A returned error rolls back that mutation's writes only.
type ApplyFunc func(ctx context.Context, tx document.WriteTx, m protocol.Mutation) error

// Store defines the persistence contract for the authoritative document state.
//
// Every document has a version that increases by one per push that processed
// at least one mutation. Entries remember the version that last wrote them,
// tombstones included, so pulls can be answered incrementally.
type Store interface {
	// Init prepares schema/connection state needed before serving requests.
	Init(ctx context.Context) error

	// Close releases resources held by the storage backend.
	Close() error

	// ApplyPush applies mutations in order in one transaction. Mutations at or
	// below the client's last mutation id are skipped; the batch stops at the
	// first gap. A mutation whose apply fails still consumes its id.
	ApplyPush(ctx context.Context, docID, clientID string, mutations []protocol.Mutation, apply ApplyFunc) (PushResult, error)

	// GetChangesSince returns the patch that moves the client's replica at
	// version since to the current version, together with the client's last
	// mutation id as of that version. since < 0, or a version the document has
	// not reached, yields a full snapshot starting with a clear.
	GetChangesSince(ctx context.Context, docID, clientID string, since int64) (Changes, error)

	// TouchClient upserts client presence without advancing the cursor.
	TouchClient(ctx context.Context, docID, clientID string) error

	// UpdateClientCursor records that the client has been sent the document at
	// version (monotonic, never regressing).
	UpdateClientCursor(ctx context.Context, docID, clientID string, version int64) error

	// ListClientCursors returns every client known for the document.
	ListClientCursors(ctx context.Context, docID string) ([]ClientCursor, error)
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"replidraw/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS docs (
	doc_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
	doc_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL,
	PRIMARY KEY (doc_id, key)
);

CREATE INDEX IF NOT EXISTS idx_entries_version
ON entries(doc_id, version);

CREATE TABLE IF NOT EXISTS clients (
	doc_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	last_mutation_id INTEGER NOT NULL DEFAULT 0,
	last_seen_version INTEGER,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (doc_id, client_id)
);
`

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes pushes.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ApplyPush(ctx context.Context, docID, clientID string, mutations []protocol.Mutation, apply ApplyFunc) (PushResult, error) {
	if docID == "" || clientID == "" {
		return PushResult{}, fmt.Errorf("invalid push: doc=%q client=%q", docID, clientID)
	}
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PushResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = transaction.Rollback() }()

	version, err := docVersion(ctx, transaction, docID)
	if err != nil {
		return PushResult{}, err
	}
	lmid, err := lastMutationID(ctx, transaction, docID, clientID)
	if err != nil {
		return PushResult{}, err
	}

	result := PushResult{Version: version, LastMutationID: lmid}
	docTx := &sqlDocTx{tx: transaction, docID: docID, version: version + 1}
	for i, m := range mutations {
		if m.ID <= result.LastMutationID {
			continue
		}
		if m.ID > result.LastMutationID+1 {
			result.Deferred = len(mutations) - i
			break
		}
		if _, err := transaction.ExecContext(ctx, "SAVEPOINT mutation"); err != nil {
			return PushResult{}, fmt.Errorf("savepoint: %w", err)
		}
		if applyErr := apply(ctx, docTx, m); applyErr != nil {
			if err := ctx.Err(); err != nil {
				return PushResult{}, fmt.Errorf("apply mutation %d: %w", m.ID, err)
			}
			if _, err := transaction.ExecContext(ctx, "ROLLBACK TO SAVEPOINT mutation"); err != nil {
				return PushResult{}, fmt.Errorf("rollback mutation %d: %w", m.ID, err)
			}
			result.Failures = append(result.Failures, MutationFailure{ID: m.ID, Name: m.Name, Err: applyErr})
		}
		if _, err := transaction.ExecContext(ctx, "RELEASE SAVEPOINT mutation"); err != nil {
			return PushResult{}, fmt.Errorf("release savepoint: %w", err)
		}
		result.LastMutationID = m.ID
		result.Processed++
	}
	if result.Processed == 0 {
		return result, nil
	}

	result.Version = version + 1
	now := time.Now().Unix()
	if _, err := transaction.ExecContext(ctx, `
		INSERT INTO docs (doc_id, version)
		VALUES (?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET version = excluded.version
	`, docID, result.Version); err != nil {
		return PushResult{}, fmt.Errorf("bump doc version: %w", err)
	}
	if _, err := transaction.ExecContext(ctx, `
		INSERT INTO clients (doc_id, client_id, last_mutation_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(doc_id, client_id) DO UPDATE SET
			last_mutation_id = excluded.last_mutation_id,
			updated_at = excluded.updated_at
	`, docID, clientID, result.LastMutationID, now); err != nil {
		return PushResult{}, fmt.Errorf("update last mutation id: %w", err)
	}
	if err := transaction.Commit(); err != nil {
		return PushResult{}, fmt.Errorf("commit push: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) GetChangesSince(ctx context.Context, docID, clientID string, since int64) (Changes, error) {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Changes{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = transaction.Rollback() }()

	version, err := docVersion(ctx, transaction, docID)
	if err != nil {
		return Changes{}, err
	}
	lmid, err := lastMutationID(ctx, transaction, docID, clientID)
	if err != nil {
		return Changes{}, err
	}
	changes := Changes{Version: version, LastMutationID: lmid, Patch: make([]protocol.PatchOp, 0)}

	var rows *sql.Rows
	if since < 0 || since > version {
		changes.Full = true
		changes.Patch = append(changes.Patch, protocol.PatchOp{Op: protocol.OpClear})
		rows, err = transaction.QueryContext(ctx, `
			SELECT key, value, deleted
			FROM entries
			WHERE doc_id = ? AND deleted = 0
			ORDER BY key ASC
		`, docID)
	} else {
		rows, err = transaction.QueryContext(ctx, `
			SELECT key, value, deleted
			FROM entries
			WHERE doc_id = ? AND version > ?
			ORDER BY key ASC
		`, docID, since)
	}
	if err != nil {
		return Changes{}, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		var deleted bool
		if err := rows.Scan(&key, &value, &deleted); err != nil {
			return Changes{}, fmt.Errorf("scan entry: %w", err)
		}
		if deleted {
			changes.Patch = append(changes.Patch, protocol.PatchOp{Op: protocol.OpDel, Key: key})
			continue
		}
		changes.Patch = append(changes.Patch, protocol.PatchOp{Op: protocol.OpPut, Key: key, Value: []byte(value)})
	}
	if err := rows.Err(); err != nil {
		return Changes{}, fmt.Errorf("iterate entries: %w", err)
	}
	return changes, nil
}

func (s *SQLiteStore) TouchClient(ctx context.Context, docID, clientID string) error {
	if docID == "" || clientID == "" {
		return errors.New("docId and clientId are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (doc_id, client_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(doc_id, client_id) DO UPDATE SET
			updated_at = excluded.updated_at
	`, docID, clientID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateClientCursor(ctx context.Context, docID, clientID string, version int64) error {
	if docID == "" || clientID == "" {
		return errors.New("docId and clientId are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (doc_id, client_id, last_seen_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(doc_id, client_id) DO UPDATE SET
			last_seen_version = MAX(COALESCE(clients.last_seen_version, -1), excluded.last_seen_version),
			updated_at = excluded.updated_at
	`, docID, clientID, version, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update client cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListClientCursors(ctx context.Context, docID string) ([]ClientCursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, doc_id, last_mutation_id, last_seen_version
		FROM clients
		WHERE doc_id = ?
		ORDER BY client_id ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	cursors := make([]ClientCursor, 0)
	for rows.Next() {
		var cursor ClientCursor
		var seen sql.NullInt64
		if err := rows.Scan(&cursor.ClientID, &cursor.DocID, &cursor.LastMutationID, &seen); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		if seen.Valid {
			cursor.LastSeenVersion = &seen.Int64
		}
		cursors = append(cursors, cursor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return cursors, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func docVersion(ctx context.Context, q queryer, docID string) (int64, error) {
	var version int64
	row := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM docs WHERE doc_id = ?", docID)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("doc version: %w", err)
	}
	return version, nil
}

func lastMutationID(ctx context.Context, q queryer, docID, clientID string) (int64, error) {
	var id int64
	row := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(last_mutation_id), 0) FROM clients WHERE doc_id = ? AND client_id = ?", docID, clientID)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("last mutation id: %w", err)
	}
	return id, nil
}

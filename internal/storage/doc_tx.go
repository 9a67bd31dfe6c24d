package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"replidraw/internal/document"
)

// sqlDocTx exposes one document inside a push transaction to the mutators.
// Writes are stamped with the version the push will commit as.
type sqlDocTx struct {
	tx      *sql.Tx
	docID   string
	version int64
}

var _ document.WriteTx = (*sqlDocTx)(nil)

func (t *sqlDocTx) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := t.tx.QueryRowContext(ctx, `
		SELECT value FROM entries
		WHERE doc_id = ? AND key = ? AND deleted = 0
	`, t.docID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

func (t *sqlDocTx) Scan(ctx context.Context, prefix string) ([]document.Entry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT key, value FROM entries
		WHERE doc_id = ? AND deleted = 0 AND substr(key, 1, ?) = ?
		ORDER BY key ASC
	`, t.docID, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []document.Entry
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, document.Entry{Key: key, Value: json.RawMessage(value)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func (t *sqlDocTx) Put(ctx context.Context, key string, value json.RawMessage) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entries (doc_id, key, value, deleted, version)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(doc_id, key) DO UPDATE SET
			value = excluded.value,
			deleted = 0,
			version = excluded.version
	`, t.docID, key, string(value), t.version)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *sqlDocTx) Del(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE entries SET deleted = 1, version = ?
		WHERE doc_id = ? AND key = ? AND deleted = 0
	`, t.version, t.docID, key)
	if err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

package document

import (
	"context"
	"encoding/json"
	"fmt"
)

// Entry is one key/value pair returned by a scan.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// ReadTx is read access to a document's key space.
type ReadTx interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	// Scan returns every entry whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
}

// WriteTx is the only way mutators change a document. The client replica and
// the server store both implement it.
type WriteTx interface {
	ReadTx
	Put(ctx context.Context, key string, value json.RawMessage) error
	Del(ctx context.Context, key string) error
}

func getJSON(ctx context.Context, tx ReadTx, key string, target any) (bool, error) {
	raw, ok, err := tx.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func putJSON(ctx context.Context, tx WriteTx, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := tx.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

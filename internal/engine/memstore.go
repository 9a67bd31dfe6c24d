package engine

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"replidraw/internal/document"
	"replidraw/internal/protocol"
)

// memStore is an in-memory document key space.
type memStore map[string]json.RawMessage

var _ document.WriteTx = memStore(nil)

func (m memStore) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	value, ok := m[key]
	return value, ok, nil
}

func (m memStore) Scan(_ context.Context, prefix string) ([]document.Entry, error) {
	entries := make([]document.Entry, 0)
	for _, key := range slices.Sorted(maps.Keys(m)) {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, document.Entry{Key: key, Value: m[key]})
		}
	}
	return entries, nil
}

func (m memStore) Put(_ context.Context, key string, value json.RawMessage) error {
	m[key] = value
	return nil
}

func (m memStore) Del(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func (m memStore) clone() memStore {
	return maps.Clone(m)
}

func (m memStore) applyPatch(patch []protocol.PatchOp) {
	for _, op := range patch {
		switch op.Op {
		case protocol.OpClear:
			clear(m)
		case protocol.OpPut:
			m[op.Key] = op.Value
		case protocol.OpDel:
			delete(m, op.Key)
		}
	}
}

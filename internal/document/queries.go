package document

import "context"

// ShapeIDs lists the ids of all shapes in key order.
func ShapeIDs(ctx context.Context, tx ReadTx) ([]string, error) {
	entries, err := tx.Scan(ctx, shapePrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if id, ok := ShapeIDFromKey(entry.Key); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func GetShape(ctx context.Context, tx ReadTx, id string) (Shape, bool, error) {
	var shape Shape
	ok, err := getJSON(ctx, tx, ShapeKey(id), &shape)
	return shape, ok, err
}

func GetClientState(ctx context.Context, tx ReadTx, id string) (ClientState, bool, error) {
	var state ClientState
	ok, err := getJSON(ctx, tx, ClientStateKey(id), &state)
	return state, ok, err
}

// OverShapeID returns the shape clientID hovers, or "" when it hovers nothing
// or the hovered shape no longer exists.
func OverShapeID(ctx context.Context, tx ReadTx, clientID string) (string, error) {
	state, ok, err := GetClientState(ctx, tx, clientID)
	if err != nil || !ok || state.OverID == "" {
		return "", err
	}
	_, exists, err := tx.Get(ctx, ShapeKey(state.OverID))
	if err != nil || !exists {
		return "", err
	}
	return state.OverID, nil
}

// CollaboratorIDs lists every client with presence state except self.
func CollaboratorIDs(ctx context.Context, tx ReadTx, self string) ([]string, error) {
	entries, err := tx.Scan(ctx, clientStatePrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		id, ok := ClientIDFromKey(entry.Key)
		if ok && id != self {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Mutator names as registered with the sync engine and the server.
const (
	CreateShape     = "createShape"
	MoveShape       = "moveShape"
	OverShape       = "overShape"
	SetCursor       = "setCursor"
	InitClientState = "initClientState"
)

var ErrUnknownMutator = errors.New("unknown mutator")

// Mutator applies one named operation to tx. It must be deterministic in
// (tx, args) and touch nothing but tx, because the engine replays it against
// bases the caller never saw.
type Mutator func(ctx context.Context, tx WriteTx, args json.RawMessage) error

// Registry maps mutator names to implementations.
type Registry map[string]Mutator

// Mutators returns the canvas mutators.
func Mutators() Registry {
	return Registry{
		CreateShape:     typed(createShape),
		MoveShape:       typed(moveShape),
		OverShape:       typed(overShape),
		SetCursor:       typed(setCursor),
		InitClientState: typed(initClientState),
	}
}

// Apply runs the mutator registered under name.
func (r Registry) Apply(ctx context.Context, tx WriteTx, name string, args json.RawMessage) error {
	m, ok := r[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMutator, name)
	}
	return m(ctx, tx, args)
}

func typed[A any](fn func(context.Context, WriteTx, A) error) Mutator {
	return func(ctx context.Context, tx WriteTx, raw json.RawMessage) error {
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("decode args: %w", err)
		}
		return fn(ctx, tx, args)
	}
}

type CreateShapeArgs struct {
	ID    string `json:"id"`
	Shape Shape  `json:"shape"`
}

type MoveShapeArgs struct {
	ID string  `json:"id"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

type OverShapeArgs struct {
	ClientID string `json:"clientID"`
	ShapeID  string `json:"shapeID"`
}

type SetCursorArgs struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

type InitClientStateArgs struct {
	ID              string   `json:"id"`
	DefaultUserInfo UserInfo `json:"defaultUserInfo"`
}

// createShape is a no-op when the id is taken, so a replayed create never
// resets a shape that others have since moved.
func createShape(ctx context.Context, tx WriteTx, args CreateShapeArgs) error {
	if args.ID == "" {
		return errors.New("createShape: id is required")
	}
	_, exists, err := tx.Get(ctx, ShapeKey(args.ID))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	shape := args.Shape
	shape.ID = args.ID
	return putJSON(ctx, tx, ShapeKey(args.ID), shape)
}

// moveShape adds the delta to the shape as it is now. Two concurrent drags of
// the same shape therefore sum.
func moveShape(ctx context.Context, tx WriteTx, args MoveShapeArgs) error {
	var shape Shape
	ok, err := getJSON(ctx, tx, ShapeKey(args.ID), &shape)
	if err != nil || !ok {
		return err
	}
	shape.X += args.DX
	shape.Y += args.DY
	return putJSON(ctx, tx, ShapeKey(args.ID), shape)
}

func overShape(ctx context.Context, tx WriteTx, args OverShapeArgs) error {
	var state ClientState
	ok, err := getJSON(ctx, tx, ClientStateKey(args.ClientID), &state)
	if err != nil || !ok {
		return err
	}
	state.OverID = args.ShapeID
	return putJSON(ctx, tx, ClientStateKey(args.ClientID), state)
}

func setCursor(ctx context.Context, tx WriteTx, args SetCursorArgs) error {
	var state ClientState
	ok, err := getJSON(ctx, tx, ClientStateKey(args.ID), &state)
	if err != nil || !ok {
		return err
	}
	state.Cursor = Cursor{X: args.X, Y: args.Y}
	return putJSON(ctx, tx, ClientStateKey(args.ID), state)
}

// initClientState never overwrites: a reconnecting client replays its own join.
func initClientState(ctx context.Context, tx WriteTx, args InitClientStateArgs) error {
	if args.ID == "" {
		return errors.New("initClientState: id is required")
	}
	_, exists, err := tx.Get(ctx, ClientStateKey(args.ID))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return putJSON(ctx, tx, ClientStateKey(args.ID), ClientState{
		ID:       args.ID,
		UserInfo: args.DefaultUserInfo,
	})
}

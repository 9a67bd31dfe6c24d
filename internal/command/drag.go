package command

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"replidraw/internal/bridge"
	"replidraw/internal/document"
	"replidraw/internal/protocol"
)

const settleTimeout = 10 * time.Second

// DragResponse is what drag prints once its mutations are confirmed.
type DragResponse struct {
	ClientID string          `json:"clientID"`
	Cookie   protocol.Cookie `json:"cookie"`
	Shape    document.Shape  `json:"shape"`
	Bridge   *bridge.Stats   `json:"bridge,omitempty"`
}

// DragCommand returns the drag command. It joins a document, creates the
// shape when missing, moves it in steps while publishing cursor and hover
// presence, and prints the shape as confirmed by the server.
func DragCommand() *cli.Command {
	flags := append(ClientFlags(),
		&cli.StringFlag{
			Name:  "shape",
			Usage: "Shape id (a new shape is created when empty or missing)",
		},
		&cli.Float64Flag{Name: "dx", Usage: "Total horizontal move"},
		&cli.Float64Flag{Name: "dy", Usage: "Total vertical move"},
		&cli.IntFlag{
			Name:  "steps",
			Usage: "Number of moveShape mutations the drag is split into",
			Value: 10,
		},
	)
	return &cli.Command{
		Name:   "drag",
		Usage:  "Create or move a shape and print the confirmed result",
		Flags:  flags,
		Action: dragAction,
	}
}

func dragAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	steps := c.Int("steps")
	if steps < 1 {
		return cli.Exit("--steps must be at least 1", 2)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := c.Context
	cl, err := openClient(ctx, c, cfg, logger)
	if err != nil {
		return err
	}
	defer cl.Close()
	replica := cl.replica
	clientID := replica.ClientID()

	shapeID := c.String("shape")
	if shapeID == "" {
		shapeID = uuid.NewString()
	}
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))

	if err := replica.Mutate(ctx, document.InitClientState, document.InitClientStateArgs{
		ID:              clientID,
		DefaultUserInfo: document.RandUserInfo(rng),
	}); err != nil {
		return err
	}
	if _, ok, err := queryShape(ctx, cl, shapeID); err != nil {
		return err
	} else if !ok {
		if err := replica.Mutate(ctx, document.CreateShape, document.CreateShapeArgs{
			ID:    shapeID,
			Shape: document.RandomShape(rng, shapeID),
		}); err != nil {
			return err
		}
	}

	if err := replica.Mutate(ctx, document.OverShape, document.OverShapeArgs{ClientID: clientID, ShapeID: shapeID}); err != nil {
		return err
	}
	dx := c.Float64("dx") / float64(steps)
	dy := c.Float64("dy") / float64(steps)
	for range steps {
		if err := replica.Mutate(ctx, document.MoveShape, document.MoveShapeArgs{ID: shapeID, DX: dx, DY: dy}); err != nil {
			return err
		}
		shape, _, err := queryShape(ctx, cl, shapeID)
		if err != nil {
			return err
		}
		if err := replica.Mutate(ctx, document.SetCursor, document.SetCursorArgs{ID: clientID, X: shape.X, Y: shape.Y}); err != nil {
			return err
		}
	}
	if err := replica.Mutate(ctx, document.OverShape, document.OverShapeArgs{ClientID: clientID}); err != nil {
		return err
	}

	if err := settle(ctx, cl); err != nil {
		return err
	}
	shape, _, err := queryShape(ctx, cl, shapeID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(DragResponse{
		ClientID: clientID,
		Cookie:   replica.Cookie(),
		Shape:    shape,
		Bridge:   cl.stats(),
	})
}

func queryShape(ctx context.Context, cl *client, id string) (document.Shape, bool, error) {
	var (
		shape document.Shape
		ok    bool
	)
	err := cl.replica.Query(ctx, func(ctx context.Context, tx document.ReadTx) error {
		var err error
		shape, ok, err = document.GetShape(ctx, tx, id)
		return err
	})
	return shape, ok, err
}

// settle syncs until the server has confirmed every local mutation.
func settle(ctx context.Context, cl *client) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := cl.replica.Sync(ctx); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if cl.replica.PendingCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d mutations still pending: %w", cl.replica.PendingCount(), ctx.Err())
		case <-ticker.C:
		}
	}
}

package command

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"replidraw/internal/document"
	"replidraw/internal/engine"
)

// WatchEvent is one line of watch output.
type WatchEvent struct {
	Shapes        []document.Shape       `json:"shapes,omitempty"`
	Collaborators []document.ClientState `json:"collaborators,omitempty"`
}

// WatchCommand returns the watch command. It prints the document's shapes
// and the other clients' presence as JSON lines whenever either changes.
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:   "watch",
		Usage:  "Print shapes and collaborators as they change",
		Flags:  ClientFlags(),
		Action: watchAction,
	}
}

func watchAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 2)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl, err := openClient(ctx, c, cfg, logger)
	if err != nil {
		return err
	}
	defer cl.Close()

	var mu sync.Mutex
	enc := json.NewEncoder(c.App.Writer)
	emit := func(event WatchEvent) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(event); err != nil {
			logger.Warn("write event failed", zap.Error(err))
		}
	}

	self := cl.replica.ClientID()
	stopShapes := engine.Subscribe(cl.replica, allShapes, func(shapes []document.Shape) {
		emit(WatchEvent{Shapes: shapes})
	})
	defer stopShapes()
	stopCollaborators := engine.Subscribe(cl.replica, func(ctx context.Context, tx document.ReadTx) ([]document.ClientState, error) {
		return collaborators(ctx, tx, self)
	}, func(states []document.ClientState) {
		emit(WatchEvent{Collaborators: states})
	})
	defer stopCollaborators()

	return cl.replica.Run(ctx)
}

func allShapes(ctx context.Context, tx document.ReadTx) ([]document.Shape, error) {
	ids, err := document.ShapeIDs(ctx, tx)
	if err != nil {
		return nil, err
	}
	shapes := make([]document.Shape, 0, len(ids))
	for _, id := range ids {
		shape, ok, err := document.GetShape(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			shapes = append(shapes, shape)
		}
	}
	return shapes, nil
}

func collaborators(ctx context.Context, tx document.ReadTx, self string) ([]document.ClientState, error) {
	ids, err := document.CollaboratorIDs(ctx, tx, self)
	if err != nil {
		return nil, err
	}
	states := make([]document.ClientState, 0, len(ids))
	for _, id := range ids {
		state, ok, err := document.GetClientState(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			states = append(states, state)
		}
	}
	return states, nil
}

package command

import (
	"io"

	"github.com/urfave/cli/v2"
)

// Version is the replidraw release reported by --version.
const Version = "0.1.0"

// NewApp assembles the replidraw CLI writing command output to w.
func NewApp(w io.Writer) *cli.App {
	return &cli.App{
		Name:    "replidraw",
		Usage:   "Collaborative shape canvas sync server and clients",
		Version: Version,
		Writer:  w,
		Commands: []*cli.Command{
			ServeCommand(),
			DragCommand(),
			WatchCommand(),
		},
	}
}

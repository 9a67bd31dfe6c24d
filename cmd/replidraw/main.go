// Package main provides the replidraw CLI entrypoint.
//
// Usage:
//
//	replidraw serve [--config replidraw.yaml] [--addr :8080] [--db replidraw.db] [--redis-url redis://...]
//	replidraw drag --server http://localhost:8080 --shape s1 --dx 10 --dy 0
//	replidraw watch --server http://localhost:8080
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"replidraw/internal/command"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := command.NewApp(os.Stdout)
	app.Version = fmt.Sprintf("%s (commit: %s)", command.Version, commit)
	app.ExitErrHandler = exitErrHandler

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

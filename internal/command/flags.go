// Package command provides the replidraw CLI commands.
package command

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"replidraw/internal/config"
	"replidraw/internal/log"
)

// Shared flags.
var (
	// ConfigFlag points at a replidraw.yaml. Without it built-in defaults apply.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to replidraw.yaml",
		EnvVars: []string{"REPLIDRAW_CONFIG"},
	}

	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
	}

	// RedisURLFlag enables super pokes. Empty leaves clients on periodic pulls.
	RedisURLFlag = &cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Redis URL for the push channel (redis://host:port/db)",
		EnvVars: []string{"REDIS_URL"},
	}

	ServerFlag = &cli.StringFlag{
		Name:  "server",
		Usage: "Base URL of the replidraw server",
		Value: "http://localhost:8080",
	}

	DocFlag = &cli.StringFlag{
		Name:  "doc",
		Usage: "Document id",
		Value: "default",
	}

	ClientIDFlag = &cli.StringFlag{
		Name:  "client-id",
		Usage: "Client id (random when empty)",
	}

	NoPokeFlag = &cli.BoolFlag{
		Name:  "no-poke",
		Usage: "Do not subscribe to super pokes; reconcile through pulls only",
	}
)

// ClientFlags returns the flags shared by commands that join a document.
func ClientFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		LogLevelFlag,
		RedisURLFlag,
		ServerFlag,
		DocFlag,
		ClientIDFlag,
		NoPokeFlag,
	}
}

// loadConfig reads --config when given and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(ConfigFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if c.IsSet(LogLevelFlag.Name) {
		cfg.Log.Level = c.String(LogLevelFlag.Name)
	}
	if c.IsSet(RedisURLFlag.Name) {
		cfg.Redis.URL = c.String(RedisURLFlag.Name)
	}
	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("db") {
		cfg.Storage.Path = c.String("db")
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := log.NewStderr(cfg.Log.Level)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("log: %v", err), 2)
	}
	return logger, nil
}

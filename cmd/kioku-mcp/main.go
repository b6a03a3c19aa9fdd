// Command kioku-mcp serves the MCP protocol on stdin/stdout for editor and
// assistant integrations. All logging goes to stderr; stdout belongs to the
// protocol.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/ashita-ai/kioku"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	app, err := kioku.New(context.Background(),
		kioku.WithVersion(version),
		kioku.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	return app.ServeMCPStdio()
}

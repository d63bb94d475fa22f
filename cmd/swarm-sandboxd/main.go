// swarm-sandboxd is the control service that runs inside the scan container.
// It authenticates requests with the token injected at container creation
// and executes sandbox tools against the mounted workspace.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/swarmsec/swarm/pkg/sandbox/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	token := os.Getenv("SWARM_CONTROL_TOKEN")
	if token == "" {
		logger.Error("SWARM_CONTROL_TOKEN is not set")
		os.Exit(1)
	}
	workspace := os.Getenv("SWARM_WORKSPACE")
	if workspace == "" {
		workspace = "/workspace"
	}
	addr := os.Getenv("SWARM_LISTEN_ADDR")
	if addr == "" {
		addr = ":4500"
	}

	srv, err := server.New(token, workspace, server.WithLogger(logger))
	if err != nil {
		logger.Error("server init failed", "error", err)
		os.Exit(1)
	}
	server.RegisterDefaults(srv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sandboxd listening", "addr", addr, "workspace", workspace)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	oplogfuse "github.com/systemshift/oplog/internal/fuse"
	"github.com/systemshift/oplog/internal/repo"
)

func mount(ctx context.Context, r *repo.Repo, mountpoint string, debug bool) error {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}
	logger := r.Logger()
	server, err := oplogfuse.Mount(mountpoint, r, debug)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}

	// Unmount when the command context is cancelled by a signal.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := server.Unmount(); err != nil {
			logger.Warn("unmount failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("mounted", slog.String("mountpoint", mountpoint), slog.Int("pid", os.Getpid()))
	server.Wait()
	logger.Info("stopped")
	return nil
}

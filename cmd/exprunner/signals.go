package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// watchInterrupt cancels the run on the first SIGINT or SIGTERM. Signal
// capture stops right after, so a second interrupt gets the default action.
func watchInterrupt(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *atomic.Bool {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return handleInterrupt(ctx, sigCh, func() { signal.Stop(sigCh) }, cancel, logger)
}

func handleInterrupt(ctx context.Context, sigCh <-chan os.Signal, stop func(), cancel context.CancelFunc, logger *zap.Logger) *atomic.Bool {
	var interrupted atomic.Bool
	go func() {
		defer stop()
		select {
		case sig := <-sigCh:
			logger.Warn("Received interrupt, stopping experiment", zap.String("signal", sig.String()))
			interrupted.Store(true)
			cancel()
		case <-ctx.Done():
		}
	}()
	return &interrupted
}

package main

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHandleInterrupt_CancelsAndReleasesSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	var stopped atomic.Bool
	interrupted := handleInterrupt(ctx, sigCh, func() { stopped.Store(true) }, cancel, zaptest.NewLogger(t))

	sigCh <- syscall.SIGINT

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not cancel the run")
	}
	require.Eventually(t, stopped.Load, time.Second, 10*time.Millisecond)
	assert.True(t, interrupted.Load())
}

func TestHandleInterrupt_RunEndsFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	var stopped atomic.Bool
	interrupted := handleInterrupt(ctx, sigCh, func() { stopped.Store(true) }, cancel, zaptest.NewLogger(t))

	cancel()
	require.Eventually(t, stopped.Load, time.Second, 10*time.Millisecond)
	assert.False(t, interrupted.Load())
}

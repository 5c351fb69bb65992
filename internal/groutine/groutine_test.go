package groutine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoNamesContext(t *testing.T) {
	got := make(chan string, 1)
	Go(nil, "worker-1", func(ctx context.Context) {
		got <- GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "worker-1", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGetNameWithoutName(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	assert.Equal(t, "", GetName(nil)) //nolint:staticcheck // nil context is handled explicitly
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	done := Every(ctx, "ticker", 5*time.Millisecond, func(ctx context.Context) {
		assert.Equal(t, "ticker", GetName(ctx))
		runs.Add(1)
	})

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond,
		"periodic function MUST run repeatedly")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop MUST exit after cancellation")
	}

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no run MUST happen after the loop exited")
}

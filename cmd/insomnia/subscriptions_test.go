package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingSource counts starts and records whether its last run has returned.
type blockingSource struct {
	starts  atomic.Int32
	running atomic.Int32
	stopped atomic.Bool
}

func (b *blockingSource) run(ctx context.Context) error {
	b.starts.Add(1)
	b.running.Add(1)
	b.stopped.Store(false)
	<-ctx.Done()
	// Simulate teardown work Set(false) has to wait for.
	time.Sleep(20 * time.Millisecond)
	b.running.Add(-1)
	b.stopped.Store(true)
	return ctx.Err()
}

func TestSubscriptions_SetIsIdempotent(t *testing.T) {
	subs := NewSubscriptions(context.Background(), quietLogger())
	defer subs.Close()

	src := &blockingSource{}
	subs.Provide(subDownloads, src.run)

	require.NoError(t, subs.Set(subDownloads, true))
	require.NoError(t, subs.Set(subDownloads, true))
	waitUntil(t, time.Second, func() bool { return src.running.Load() == 1 }, "source never started")

	assert.Equal(t, int32(1), src.starts.Load())
	assert.True(t, subs.Active(subDownloads))
}

func TestSubscriptions_SetFalseCancelsAndWaits(t *testing.T) {
	subs := NewSubscriptions(context.Background(), quietLogger())
	defer subs.Close()

	src := &blockingSource{}
	subs.Provide(subDownloads, src.run)

	require.NoError(t, subs.Set(subDownloads, true))
	waitUntil(t, time.Second, func() bool { return src.running.Load() == 1 }, "source never started")

	require.NoError(t, subs.Set(subDownloads, false))
	assert.True(t, src.stopped.Load(), "Set(false) returned before the source finished")
	assert.Equal(t, int32(0), src.running.Load())
	assert.False(t, subs.Active(subDownloads))

	// Stopping again is a no-op.
	require.NoError(t, subs.Set(subDownloads, false))
}

func TestSubscriptions_SelfExitedSourceRestarts(t *testing.T) {
	subs := NewSubscriptions(context.Background(), quietLogger())
	defer subs.Close()

	var starts atomic.Int32
	subs.Provide(subDownloads, func(ctx context.Context) error {
		if starts.Add(1) == 1 {
			return errors.New("directory vanished")
		}
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, subs.Set(subDownloads, true))
	waitUntil(t, time.Second, func() bool { return !subs.Active(subDownloads) }, "exited source still marked active")

	require.NoError(t, subs.Set(subDownloads, true))
	waitUntil(t, time.Second, func() bool { return starts.Load() == 2 }, "source was not restarted")
	assert.True(t, subs.Active(subDownloads))
}

func TestSubscriptions_UnregisteredName(t *testing.T) {
	subs := NewSubscriptions(context.Background(), quietLogger())
	defer subs.Close()

	assert.Error(t, subs.Set("bluetooth", true))
	assert.NoError(t, subs.Set("bluetooth", false))
	assert.False(t, subs.Active("bluetooth"))
}

func TestSubscriptions_CloseStopsEverything(t *testing.T) {
	subs := NewSubscriptions(context.Background(), quietLogger())

	src := &blockingSource{}
	subs.Provide(subDownloads, src.run)
	require.NoError(t, subs.Set(subDownloads, true))
	waitUntil(t, time.Second, func() bool { return src.running.Load() == 1 }, "source never started")

	subs.Close()
	assert.True(t, src.stopped.Load())
	assert.False(t, subs.Active(subDownloads))
}

func TestWithRetry_RestartsFailedSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	run := withRetry("test", time.Millisecond, 5*time.Millisecond, quietLogger(), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("watch failed")
		}
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	waitUntil(t, time.Second, func() bool { return calls.Load() == 3 }, "source not retried")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry loop did not stop on cancel")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestWithRetry_CleanExitEnds(t *testing.T) {
	var calls atomic.Int32
	run := withRetry("test", time.Millisecond, 5*time.Millisecond, quietLogger(), func(context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.NoError(t, run(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

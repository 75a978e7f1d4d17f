package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(ctx context.Context) error { return errors.New("boom") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorContains(t, err, "failing: boom")
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorContains(t, s.Wait(ctx), "panic: oops")

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.EqualValues(t, 1, snap[0].Panics)
	require.False(t, snap[0].Active)
}

func TestGoRestartUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	require.EqualValues(t, 3, calls.Load())
	require.EqualValues(t, 2, s.Snapshot()[0].Restarts)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	s.GoRestart("broken", func(ctx context.Context) error { return errors.New("nope") },
		WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorContains(t, s.Wait(ctx), "broken: nope")
	require.EqualValues(t, 3, s.Snapshot()[0].Starts)
}

func TestStopIsClean(t *testing.T) {
	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return errors.New("exited after cancel")
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

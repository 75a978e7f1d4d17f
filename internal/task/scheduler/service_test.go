package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resultwatch/internal/eventbus"
	logx "resultwatch/pkg/logx"
)

func TestRunOnStartFiresAndReports(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{Enabled: true, RunOnStart: true}, logx.Nop(), bus)
	var runs atomic.Int32
	require.NoError(t, s.AddSchedule("check", "1m", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("source down")
	}))

	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case ev := <-events:
		require.Equal(t, EventRun, ev.Type)
		re := ev.Data.(RunEvent)
		require.Equal(t, "check", re.Name)
		require.Equal(t, "source down", re.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no run event")
	}
	require.EqualValues(t, 1, runs.Load())

	snap := s.Snapshot()
	require.True(t, snap.Running)
	require.Len(t, snap.Schedules, 1)
	require.Equal(t, "@every 1m0s", snap.Schedules[0].Spec)
	require.Equal(t, "source down", snap.Schedules[0].LastErr)
	require.False(t, snap.Schedules[0].Next.IsZero())
}

func TestFireSkipsWhileRunning(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.AddSchedule("check", "* * * * *", 0, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	d := s.defs[0]

	done := make(chan struct{})
	go func() {
		s.fire(d)
		close(done)
	}()
	<-started
	s.fire(d)
	require.EqualValues(t, 1, d.skipped.Load())

	close(release)
	<-done
	require.EqualValues(t, 1, d.runs.Load())
	require.False(t, d.running.Load())
}

func TestTimeoutBoundsRun(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	var got error
	require.NoError(t, s.AddSchedule("slow", "1m", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		got = ctx.Err()
		return got
	}))
	s.fire(s.defs[0])
	require.ErrorIs(t, got, context.DeadlineExceeded)
}

func TestAddScheduleReplacesAndValidates(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	job := func(ctx context.Context) error { return nil }

	require.NoError(t, s.AddSchedule("check", "1m", 0, job))
	require.NoError(t, s.AddSchedule("check", "*/2 * * * *", 0, job))
	require.Len(t, s.Snapshot().Schedules, 1)
	require.Equal(t, "*/2 * * * *", s.Snapshot().Schedules[0].Spec)

	require.Error(t, s.AddSchedule("bad", "61 * * * *", 0, job))
	require.Error(t, s.AddSchedule("", "1m", 0, job))
	require.Error(t, s.AddSchedule("nil", "1m", 0, nil))

	require.True(t, s.Remove("check"))
	require.False(t, s.Remove("check"))
}

func TestDisabledDoesNotStart(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	require.False(t, s.Snapshot().Running)
	s.Stop(context.Background())
}

func TestStopCancelsRunsAfterDeadline(t *testing.T) {
	s := New(Config{Enabled: true, RunOnStart: true}, logx.Nop(), nil)
	canceled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.AddSchedule("stuck", "1m", 0, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}))
	s.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Stop(ctx)
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("run not canceled")
	}
}

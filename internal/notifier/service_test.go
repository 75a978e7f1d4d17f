package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resultwatch/internal/eventbus"
	"resultwatch/internal/results"
	logx "resultwatch/pkg/logx"
)

// fakeTransport fails deliveries for ids listed in failIDs; transient[id]
// counts how many attempts fail before one succeeds.
type fakeTransport struct {
	mu        sync.Mutex
	failIDs   map[string]bool
	transient map[string]int
	openErr   error
	opens     int
	closes    int
	sent      []Message
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Open(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeSession{f: f}, nil
}

type fakeSession struct{ f *fakeTransport }

func (s *fakeSession) Deliver(ctx context.Context, m Message) error {
	f := s.f
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range m.IDs {
		if f.failIDs[id] {
			return errors.New("rejected " + id)
		}
		if f.transient[id] > 0 {
			f.transient[id]--
			return errors.New("temporary failure")
		}
	}
	f.sent = append(f.sent, m)
	return nil
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	s.f.closes++
	s.f.mu.Unlock()
	return nil
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		From:          "sender@example.com",
		To:            "fan@example.com",
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func record(id, athlete string, pr bool) results.Record {
	return results.NewRecord(id, results.Result{
		AthleteID:   "1",
		AthleteName: athlete,
		Sport:       "xc",
		Event:       "8K",
		Mark:        "25:01.2",
		Place:       "3",
		MeetName:    "Invite",
		MeetDate:    "2025-09-20",
		PR:          pr,
	}, time.Unix(0, 0))
}

func TestSendPerResult(t *testing.T) {
	tr := &fakeTransport{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(testConfig(), tr, logx.Nop(), bus)
	outs, err := s.Send(context.Background(), []results.Record{record("A", "Chase", true), record("B", "Dylan", false)})
	require.NoError(t, err)
	require.Equal(t, []Outcome{{ID: "A"}, {ID: "B"}}, outs)

	require.Len(t, tr.sent, 2)
	require.Equal(t, "🏃 Chase: 25:01.2 in 8K - PR!", tr.sent[0].Subject)
	require.Equal(t, "fan@example.com", tr.sent[0].To)
	require.Equal(t, 1, tr.opens, "one session per Send")
	require.Equal(t, 1, tr.closes)

	require.Len(t, s.Snapshot(), 2)
	ev := <-ch
	require.Equal(t, EventSent, ev.Type)
	require.Equal(t, []string{"A"}, ev.Data.(NotificationEvent).IDs)
}

func TestSendPartialFailure(t *testing.T) {
	tr := &fakeTransport{failIDs: map[string]bool{"B": true}}
	s := New(testConfig(), tr, logx.Nop(), nil)

	outs, err := s.Send(context.Background(), []results.Record{record("A", "x", false), record("B", "y", false), record("C", "z", false)})
	require.NoError(t, err)
	require.Len(t, outs, 3)
	require.True(t, outs[0].Delivered())
	require.False(t, outs[1].Delivered())
	require.True(t, outs[2].Delivered())

	hist := s.Snapshot()
	require.Len(t, hist, 3)
	require.Equal(t, 3, hist[1].Attempts)
	require.NotEmpty(t, hist[1].Error)
}

func TestSendRetriesOnFreshSession(t *testing.T) {
	tr := &fakeTransport{transient: map[string]int{"A": 1}}
	s := New(testConfig(), tr, logx.Nop(), nil)

	outs, err := s.Send(context.Background(), []results.Record{record("A", "x", false)})
	require.NoError(t, err)
	require.True(t, outs[0].Delivered())
	require.Equal(t, 2, tr.opens)
	require.Equal(t, 2, s.Snapshot()[0].Attempts)
}

func TestSendNothingDelivered(t *testing.T) {
	tr := &fakeTransport{openErr: errors.New("dial tcp: refused")}
	s := New(testConfig(), tr, logx.Nop(), nil)

	outs, err := s.Send(context.Background(), []results.Record{record("A", "x", false), record("B", "y", false)})
	require.ErrorIs(t, err, ErrUndelivered)
	require.ErrorContains(t, err, "refused")
	for _, o := range outs {
		require.False(t, o.Delivered())
	}
}

func TestSendDigest(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModeDigest
	tr := &fakeTransport{}
	s := New(cfg, tr, logx.Nop(), nil)

	outs, err := s.Send(context.Background(), []results.Record{record("A", "x", true), record("B", "y", false)})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	require.Len(t, tr.sent, 1)
	require.Equal(t, []string{"A", "B"}, tr.sent[0].IDs)
	require.Equal(t, "🏃 2 new results (1 PR)", tr.sent[0].Subject)

	tr.failIDs = map[string]bool{"C": true}
	outs, err = s.Send(context.Background(), []results.Record{record("C", "x", false), record("D", "y", false)})
	require.ErrorIs(t, err, ErrUndelivered)
	require.False(t, outs[1].Delivered(), "digest outcome applies to every record")
}

func TestSendDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeTransport{}, logx.Nop(), nil)
	outs, err := s.Send(context.Background(), []results.Record{record("A", "x", false)})
	require.ErrorIs(t, err, ErrDisabled)
	require.ErrorIs(t, outs[0].Err, ErrDisabled)

	outs, err = s.Send(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, outs)
}

func TestSendCanceled(t *testing.T) {
	tr := &fakeTransport{failIDs: map[string]bool{"A": true}}
	cfg := testConfig()
	cfg.RetryBase = time.Hour
	cfg.RetryMaxDelay = time.Hour
	s := New(cfg, tr, logx.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Send(ctx, []results.Record{record("A", "x", false)})
	require.Error(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestSendTest(t *testing.T) {
	tr := &fakeTransport{}
	s := New(testConfig(), tr, logx.Nop(), nil)
	require.NoError(t, s.SendTest(context.Background()))
	require.Len(t, tr.sent, 1)
	require.Equal(t, testSubject, tr.sent[0].Subject)
	require.Contains(t, tr.sent[0].HTML, "notifications are working")
}

func TestLogTransport(t *testing.T) {
	var buf strings.Builder
	log := logx.NewJSON(&buf, "debug")
	s := New(testConfig(), NewLog(log), log, nil)
	outs, err := s.Send(context.Background(), []results.Record{record("A", "x", false)})
	require.NoError(t, err)
	require.True(t, outs[0].Delivered())
	require.Contains(t, buf.String(), "email (not sent)")
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
	require.GreaterOrEqual(t, retryDelay(cfg, 1), 70*time.Millisecond)
	require.LessOrEqual(t, retryDelay(cfg, 1), 130*time.Millisecond)
}

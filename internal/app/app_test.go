package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resultwatch/internal/config"
	"resultwatch/internal/notifier"
	"resultwatch/internal/watch"
)

type feed struct {
	mark atomic.Value // string
	down atomic.Bool
}

func newFeed(t *testing.T) (*feed, *httptest.Server) {
	t.Helper()
	f := &feed{}
	f.mark.Store("16:02.4")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprintf(w, `{"resultsXC":[{"MeetID":1,"IDResult":10,"Result":%q,"Distance":5000,"MeetName":"Opener","MeetDate":"2025-09-01","Place":3}]}`,
			f.mark.Load().(string))
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestApp(t *testing.T, baseURL string, extra string) *App {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
watched_athletes:
  - id: "42"
    name: Sam
source:
  base_url: %q
email:
  transport: log
  sender: me@example.com
storage:
  driver: sqlite
  path: %q
logging:
  level: error
%s`, baseURL, filepath.Join(dir, "state.db"), extra)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	env := config.EnvFromMap(nil)
	a, err := New(Options{ConfigPath: cfgPath, Env: &env})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestInitializeThenCheck(t *testing.T) {
	f, srv := newFeed(t)
	a := newTestApp(t, srv.URL, "")
	ctx := context.Background()

	seeded, err := a.Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, seeded.Seeded)

	rep, err := a.Check(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Delta)
	require.Empty(t, a.notif.Snapshot())

	f.mark.Store("15:58.0")
	rep, err = a.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Delivered)

	hist := a.notif.Snapshot()
	require.Len(t, hist, 1)
	require.Equal(t, []string{"42:1_10"}, hist[0].IDs)

	state, err := a.State(ctx)
	require.NoError(t, err)
	require.True(t, state["42:1_10"].Notified)

	// delivered once; nothing new on the next run
	rep, err = a.Check(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Delta)
}

func TestCheckSourceDown(t *testing.T) {
	f, srv := newFeed(t)
	a := newTestApp(t, srv.URL, "")
	f.down.Store(true)

	_, err := a.Check(context.Background())
	require.ErrorIs(t, err, watch.ErrSourceUnavailable)

	state, err := a.State(context.Background())
	require.NoError(t, err)
	require.Empty(t, state)
}

func TestNewFailsOnInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"watched_athletes":[]}`), 0o644))
	env := config.EnvFromMap(nil)
	_, err := New(Options{ConfigPath: p, Env: &env})
	require.ErrorContains(t, err, "watched_athletes")
}

func TestTransportOverride(t *testing.T) {
	_, srv := newFeed(t)
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	body := fmt.Sprintf(`{"watched_athletes":[{"id":"1"}],"source":{"base_url":%q},"email":{"sender":"me@example.com"},"storage":{"driver":"memory"}}`, srv.URL)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))

	env := config.EnvFromMap(nil)
	// smtp without GMAIL_APP_PASSWORD is rejected
	_, err := New(Options{ConfigPath: p, Env: &env})
	require.ErrorContains(t, err, config.EnvPassword)

	a, err := New(Options{ConfigPath: p, Env: &env, Transport: "log", LogLevel: "error"})
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, "error", a.Config().Logging.Level)
	require.NoError(t, a.SendTest(context.Background()))
}

func TestServeRunsScheduledChecksAndStops(t *testing.T) {
	_, srv := newFeed(t)
	a := newTestApp(t, srv.URL, `
scheduler:
  schedule: "1s"
  run_on_start: true
server:
  listen: "127.0.0.1:0"
`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	require.Eventually(t, func() bool {
		state, err := a.State(context.Background())
		return err == nil && len(state) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Len(t, a.notif.Snapshot(), 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestApplyReloadsAthletesAndNotifier(t *testing.T) {
	_, srv := newFeed(t)
	a := newTestApp(t, srv.URL, "")

	prev := a.Config()
	next := *prev
	next.WatchedAthletes = []config.AthleteConfig{{ID: "7", Sports: []string{"tf"}}}
	next.Notifier.Mode = "digest"
	a.apply(context.Background(), prev, &next)

	require.Equal(t, "7", a.source.Athletes()[0].ID)
	require.Equal(t, notifier.ModeDigest, a.notif.Config().Mode)
}

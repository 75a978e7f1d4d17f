package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"resultwatch/internal/storage"
	"resultwatch/internal/watch"
	logx "resultwatch/pkg/logx"
)

type fakeWatcher struct {
	check    watch.CheckReport
	checkErr error
	init     watch.InitReport
	initErr  error
	calls    int
}

func (f *fakeWatcher) Check(context.Context) (watch.CheckReport, error) {
	f.calls++
	return f.check, f.checkErr
}

func (f *fakeWatcher) Initialize(context.Context) (watch.InitReport, error) {
	f.calls++
	return f.init, f.initErr
}

type fakeState struct {
	entries map[string]storage.Entry
	err     error
}

func (f fakeState) GetAll(context.Context) (map[string]storage.Entry, error) {
	return f.entries, f.err
}

func do(t *testing.T, s *Server, method, target string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestCheckStatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		outcome string
	}{
		{"ok", nil, http.StatusOK, "ok"},
		{"partial", &watch.PartialDeliveryError{Failed: []string{"a"}, Delivered: 1}, http.StatusMultiStatus, "partial"},
		{"source", fmt.Errorf("%w: boom", watch.ErrSourceUnavailable), http.StatusServiceUnavailable, "source_unavailable"},
		{"store", fmt.Errorf("%w: locked", watch.ErrStoreUnavailable), http.StatusServiceUnavailable, "store_unavailable"},
		{"other", errors.New("weird"), http.StatusInternalServerError, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := &fakeWatcher{check: watch.CheckReport{Fetched: 3, Delta: 2}, checkErr: tc.err}
			s := New(Config{}, Deps{Watch: w}, logx.Nop())

			for _, method := range []string{http.MethodGet, http.MethodPost} {
				rec, body := do(t, s, method, "/check-results")
				require.Equal(t, tc.status, rec.Code)
				require.Equal(t, tc.outcome, body["outcome"])
				report := body["report"].(map[string]any)
				require.EqualValues(t, 3, report["fetched"])
			}
			require.Equal(t, 2, w.calls)
		})
	}
}

func TestCheckPartialListsFailedIDs(t *testing.T) {
	w := &fakeWatcher{checkErr: &watch.PartialDeliveryError{Failed: []string{"1:a", "1:b"}}}
	s := New(Config{}, Deps{Watch: w}, logx.Nop())

	rec, body := do(t, s, http.MethodPost, "/check-results")
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	require.Equal(t, []any{"1:a", "1:b"}, body["failed_ids"])
}

func TestInitializeReportsNoop(t *testing.T) {
	w := &fakeWatcher{init: watch.InitReport{Fetched: 4, Existing: 4}}
	s := New(Config{}, Deps{Watch: w}, logx.Nop())

	rec, body := do(t, s, http.MethodPost, "/initialize-state")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["noop"])

	w.initErr = fmt.Errorf("%w: empty", watch.ErrSourceUnavailable)
	rec, body = do(t, s, http.MethodGet, "/initialize-state")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "source_unavailable", body["outcome"])
}

func TestTokenGuardsInvocationEndpoints(t *testing.T) {
	w := &fakeWatcher{}
	s := New(Config{Token: "s3cret"}, Deps{Watch: w}, logx.Nop())

	rec, _ := do(t, s, http.MethodPost, "/check-results")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec, _ = do(t, s, http.MethodPost, "/check-results", "Authorization", "Bearer nope")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, w.calls)

	rec, _ = do(t, s, http.MethodPost, "/check-results", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, s, http.MethodGet, "/initialize-state?token=s3cret")
	require.Equal(t, http.StatusOK, rec.Code)

	// health stays open
	rec, _ = do(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestStateCountsEntriesAndStatusSections(t *testing.T) {
	state := fakeState{entries: map[string]storage.Entry{
		"a": {ID: "a", Notified: true},
		"b": {ID: "b"},
	}}
	s := New(Config{}, Deps{
		Watch:  &fakeWatcher{},
		State:  state,
		Status: map[string]func() any{"scheduler": func() any { return map[string]bool{"running": true} }},
	}, logx.Nop())

	rec, body := do(t, s, http.MethodGet, "/state")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, body["entries"])
	require.EqualValues(t, 1, body["notified"])
	require.Equal(t, map[string]any{"running": true}, body["scheduler"])
}

func TestStateStoreFailureIs503(t *testing.T) {
	s := New(Config{}, Deps{
		Watch: &fakeWatcher{},
		State: fakeState{err: storage.ErrUnavailable},
	}, logx.Nop())

	rec, body := do(t, s, http.MethodGet, "/state")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotEmpty(t, body["error"])
}

func TestMetricsUsesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "resultwatch_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := New(Config{}, Deps{Watch: &fakeWatcher{}, Gatherer: reg}, logx.Nop())
	rec, _ := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "resultwatch_test_total 1")
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	off := New(Config{}, Deps{Watch: &fakeWatcher{}}, logx.Nop())
	rec, _ := do(t, off, http.MethodGet, "/debug/pprof/")
	require.Equal(t, http.StatusNotFound, rec.Code)

	on := New(Config{Pprof: true, Token: "t"}, Deps{Watch: &fakeWatcher{}}, logx.Nop())
	rec, _ = do(t, on, http.MethodGet, "/debug/pprof/")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = do(t, on, http.MethodGet, "/debug/pprof/?token=t")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s := New(Config{}, Deps{Watch: &fakeWatcher{}}, logx.Nop())
	rec, _ := do(t, s, http.MethodGet, "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{ShutdownTimeout: time.Second}, Deps{Watch: &fakeWatcher{}}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

// brokenListener fails every Accept.
type brokenListener struct{ net.Listener }

func (brokenListener) Accept() (net.Conn, error) { return nil, errors.New("accept: too many open files") }

func TestServeReturnsListenerErrorWithoutLeaking(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := New(Config{ShutdownTimeout: time.Second}, Deps{Watch: &fakeWatcher{}}, logx.Nop())
	// ctx stays live: serve only returns once its shutdown watcher has exited.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, brokenListener{ln}) }()
	select {
	case err := <-done:
		require.ErrorContains(t, err, "too many open files")
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after a listener failure")
	}
}

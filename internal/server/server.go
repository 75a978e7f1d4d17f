// Package server exposes the invocation endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"resultwatch/internal/storage"
	"resultwatch/internal/watch"
	logx "resultwatch/pkg/logx"
)

const defaultShutdownTimeout = 10 * time.Second

// Watcher runs the two invocation kinds.
type Watcher interface {
	Check(ctx context.Context) (watch.CheckReport, error)
	Initialize(ctx context.Context) (watch.InitReport, error)
}

// StateReader is the read side of the state store used by /state.
type StateReader interface {
	GetAll(ctx context.Context) (map[string]storage.Entry, error)
}

type Config struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Token, when set, is required on the invocation and pprof endpoints.
	Token string
	Pprof bool
}

// Deps are the collaborators behind the routes. Watch is required.
type Deps struct {
	Watch    Watcher
	State    StateReader
	Gatherer prometheus.Gatherer
	// Status adds named sections to /state.
	Status map[string]func() any
}

// Server holds the Echo instance.
type Server struct {
	e    *echo.Echo
	cfg  Config
	deps Deps
	log  logx.Logger
}

// New creates a server with every route registered.
func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{e: e, cfg: cfg, deps: deps, log: log}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(log))

	auth := bearerAuth(cfg.Token)
	for _, m := range []string{http.MethodGet, http.MethodPost} {
		e.Add(m, "/check-results", s.handleCheck, auth)
		e.Add(m, "/initialize-state", s.handleInit, auth)
	}
	e.GET("/healthz", s.handleHealth)
	e.GET("/state", s.handleState, auth)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if cfg.Pprof {
		registerPprof(e, auth)
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Serve listens on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Listen)
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.e,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	served := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-served:
			return
		case <-ctx.Done():
		}
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("http shutdown incomplete", logx.Err(err))
			_ = srv.Close()
		}
	}()

	s.log.Info("http server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err := srv.Serve(ln)
	close(served)
	<-stopped
	if errors.Is(err, http.ErrServerClosed) {
		s.log.Info("http server stopped")
		return nil
	}
	_ = srv.Close()
	return err
}

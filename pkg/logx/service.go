package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	defaultLogFile = "resultwatch.log"
)

type Config struct {
	Level string
	// Format selects how stdout is rendered: console (human readable) or
	// json (one object per line, for log collectors).
	Format  string
	Console bool
	File    FileConfig
}

// FileConfig appends JSON lines to Path.
type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the process log sinks.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]

	stdout io.Writer
	stderr io.Writer
}

// New applies cfg and returns the service with a live root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{stdout: os.Stdout, stderr: os.Stderr}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sinks from cfg. Loggers handed out earlier pick up the
// change on their next event.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.file
	s.file = nil

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, s.stdoutSink(cfg.Format))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(s.stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, s.stdoutSink(cfg.Format))
	}

	zl := newRoot(zerolog.MultiLevelWriter(sinks...), parseLevel(cfg.Level, LevelInfo))
	s.root.Store(&zl)

	if prev != nil {
		_ = prev.Close()
	}
}

// Close releases the log file, if one is open. Later events still reach
// the console sink.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func (s *Service) stdoutSink(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		return s.stdout
	}
	return zerolog.ConsoleWriter{
		Out:          s.stdout,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			v, _ := i.(string)
			return v
		},
	}
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

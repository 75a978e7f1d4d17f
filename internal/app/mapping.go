package app

import (
	"fmt"
	"strings"
	"time"

	"resultwatch/internal/config"
	"resultwatch/internal/notifier"
	"resultwatch/internal/server"
	"resultwatch/internal/source/athleticnet"
	"resultwatch/internal/storage"
	"resultwatch/internal/task/scheduler"
	"resultwatch/internal/watch"
	logx "resultwatch/pkg/logx"
)

const defaultRetryMax = 2

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case storage.DriverMemory:
		return storage.Config{Driver: driver}, nil
	case storage.DriverFile:
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: storage.DriverSQLite, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAthletes(cfg *config.Config) []athleticnet.Athlete {
	out := make([]athleticnet.Athlete, 0, len(cfg.WatchedAthletes))
	for _, a := range cfg.WatchedAthletes {
		out = append(out, athleticnet.Athlete{
			ID:     a.ID,
			Name:   a.Name,
			Sports: append([]string(nil), a.Sports...),
		})
	}
	return out
}

func mapSourceOptions(cfg *config.Config) (athleticnet.Options, error) {
	timeout, err := config.ParseDurationOrDefault("source.request_timeout", cfg.Source.RequestTimeout, athleticnet.DefaultRequestTimeout)
	if err != nil {
		return athleticnet.Options{}, err
	}
	return athleticnet.Options{
		BaseURL:        cfg.Source.BaseURL,
		RequestTimeout: timeout,
		UserAgent:      cfg.Source.UserAgent,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	retryBase, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax := nc.RetryMax
	switch {
	case retryMax == 0:
		retryMax = defaultRetryMax
	case retryMax < 0:
		retryMax = 0
	}
	mode := notifier.Mode(strings.ToLower(strings.TrimSpace(nc.Mode)))
	switch mode {
	case "", notifier.ModePerResult, notifier.ModeDigest:
	default:
		return notifier.Config{}, fmt.Errorf("notifier.mode: unknown %q", nc.Mode)
	}
	return notifier.Config{
		Enabled:       config.Bool(nc.Enabled, true),
		Mode:          mode,
		From:          cfg.Email.Sender,
		To:            cfg.Email.Recipient,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SendTimeout:   sendTimeout,
		HistorySize:   nc.HistorySize,
	}, nil
}

// newTransport builds the configured transport. override replaces
// email.transport when non-empty.
func newTransport(cfg *config.Config, override string, log logx.Logger) (notifier.Transport, error) {
	kind := strings.ToLower(strings.TrimSpace(override))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(cfg.Email.Transport))
	}
	switch kind {
	case "log":
		return notifier.NewLog(log), nil
	case "", "smtp":
		timeout, err := config.ParseDurationField("email.timeout", cfg.Email.Timeout)
		if err != nil {
			return nil, err
		}
		return notifier.NewSMTP(notifier.SMTPConfig{
			Host:     cfg.Email.SMTPServer,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			TLS:      cfg.Email.TLS,
			Timeout:  timeout,
		})
	default:
		return nil, fmt.Errorf("unknown email transport %q", kind)
	}
}

func mapWatchConfig(cfg *config.Config) (watch.Config, error) {
	inv, err := config.ParseDurationOrDefault("watch.invocation_timeout", cfg.Watch.InvocationTimeout, watch.DefaultInvocationTimeout)
	if err != nil {
		return watch.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("watch.claim_ttl", cfg.Watch.ClaimTTL, watch.DefaultClaimTTL)
	if err != nil {
		return watch.Config{}, err
	}
	if ttl <= inv {
		return watch.Config{}, fmt.Errorf("watch.claim_ttl (%s) must exceed watch.invocation_timeout (%s)", ttl, inv)
	}
	return watch.Config{InvocationTimeout: inv, ClaimTTL: ttl}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:    config.Bool(cfg.Scheduler.Enabled, true),
		Timezone:   strings.TrimSpace(cfg.Scheduler.Timezone),
		RunOnStart: cfg.Scheduler.RunOnStart,
	}
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	sc := cfg.Server
	read, err := config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	// Must outlive one invocation.
	write, err := config.ParseDurationOrDefault("server.write_timeout", sc.WriteTimeout, 2*time.Minute)
	if err != nil {
		return server.Config{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", sc.ShutdownTimeout, time.Minute)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Listen:          sc.Listen,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
		Token:           sc.Token,
		Pprof:           sc.Pprof,
	}, nil
}

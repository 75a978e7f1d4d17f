package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"resultwatch/internal/task/scheduler"
)

// Validate checks a config after defaults and the env overlay are applied.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if len(cfg.WatchedAthletes) == 0 {
		add("watched_athletes: at least one athlete is required")
	}
	seen := make(map[string]bool, len(cfg.WatchedAthletes))
	for i, a := range cfg.WatchedAthletes {
		if a.ID == "" {
			add("watched_athletes[%d].id: required", i)
			continue
		}
		if seen[a.ID] {
			add("watched_athletes[%d].id: duplicate %q", i, a.ID)
		}
		seen[a.ID] = true
		for _, s := range a.Sports {
			if s != "xc" && s != "tf" {
				add("watched_athletes[%d].sports: unknown sport %q (want xc or tf)", i, s)
			}
		}
	}

	e := cfg.Email
	switch e.Transport {
	case "smtp":
		if e.Password == "" && Bool(cfg.Notifier.Enabled, true) {
			add("email: %s is required for the smtp transport", EnvPassword)
		}
		fallthrough
	case "log":
		if _, err := mail.ParseAddress(e.Sender); err != nil {
			add("email.sender: %v", err)
		}
		if _, err := mail.ParseAddress(e.Recipient); err != nil {
			add("email.recipient: %v", err)
		}
	default:
		add("email.transport: unknown %q (want smtp or log)", e.Transport)
	}
	switch strings.ToLower(e.TLS) {
	case "", "starttls", "opportunistic", "ssl", "none":
	default:
		add("email.tls: unknown %q", e.TLS)
	}
	if e.SMTPPort < 0 || e.SMTPPort > 65535 {
		add("email.smtp_port: out of range")
	}

	switch cfg.Notifier.Mode {
	case "per_result", "digest":
	default:
		add("notifier.mode: unknown %q (want per_result or digest)", cfg.Notifier.Mode)
	}
	if cfg.Notifier.RatePerSec < 0 || cfg.Notifier.RetryMax < -1 || cfg.Notifier.HistorySize < 0 {
		add("notifier: negative values are not allowed")
	}

	switch cfg.Storage.Driver {
	case "sqlite", "file":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path: required for driver %q", cfg.Storage.Driver)
		}
	case "memory":
	default:
		add("storage.driver: unknown %q (want sqlite, file or memory)", cfg.Storage.Driver)
	}

	durations := []struct{ path, raw string }{
		{"source.request_timeout", cfg.Source.RequestTimeout},
		{"email.timeout", e.Timeout},
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"notifier.send_timeout", cfg.Notifier.SendTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"watch.invocation_timeout", cfg.Watch.InvocationTimeout},
		{"watch.claim_ttl", cfg.Watch.ClaimTTL},
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	inv, _ := ParseDurationField("", cfg.Watch.InvocationTimeout)
	ttl, _ := ParseDurationField("", cfg.Watch.ClaimTTL)
	if inv > 0 && ttl > 0 && ttl <= inv {
		add("watch.claim_ttl (%s) must exceed watch.invocation_timeout (%s)", ttl, inv)
	}

	if Bool(cfg.Scheduler.Enabled, true) {
		if _, err := scheduler.ParseSchedule(cfg.Scheduler.Schedule); err != nil {
			add("scheduler.schedule: %v", err)
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add("scheduler.timezone: %v", err)
			}
		}
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "", "console", "json":
	default:
		add("logging.format: unknown %q (want console or json)", cfg.Logging.Format)
	}

	return errors.Join(errs...)
}

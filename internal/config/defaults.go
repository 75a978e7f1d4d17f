package config

import "strings"

const (
	DefaultSchedule          = "1m"
	DefaultListen            = ":8080"
	DefaultStorePath         = "data/state.db"
	DefaultInvocationTimeout = "50s"
	DefaultClaimTTL          = "5m"
	DefaultRequestTimeout    = "10s"
	DefaultSMTPServer        = "smtp.gmail.com"
	DefaultSMTPPort          = 587
)

// Default returns a config with every default applied and no athletes.
func Default() *Config {
	cfg := &Config{Logging: LoggingConfig{Console: true}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every empty field in place. It is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	for i := range cfg.WatchedAthletes {
		a := &cfg.WatchedAthletes[i]
		a.ID = strings.TrimSpace(a.ID)
		if len(a.Sports) == 0 {
			a.Sports = []string{"xc"}
		}
		for j, s := range a.Sports {
			a.Sports[j] = strings.ToLower(strings.TrimSpace(s))
		}
	}

	if cfg.Source.RequestTimeout == "" {
		cfg.Source.RequestTimeout = DefaultRequestTimeout
	}

	e := &cfg.Email
	if e.Transport == "" {
		e.Transport = "smtp"
	}
	if e.SMTPServer == "" {
		e.SMTPServer = DefaultSMTPServer
	}
	if e.SMTPPort == 0 {
		e.SMTPPort = DefaultSMTPPort
	}
	if e.Username == "" {
		e.Username = e.Sender
	}
	if e.Recipient == "" {
		e.Recipient = e.Sender
	}

	if cfg.Notifier.Enabled == nil {
		on := true
		cfg.Notifier.Enabled = &on
	}
	if cfg.Notifier.Mode == "" {
		cfg.Notifier.Mode = "per_result"
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" && cfg.Storage.Driver != "memory" {
		cfg.Storage.Path = DefaultStorePath
	}

	if cfg.Watch.InvocationTimeout == "" {
		cfg.Watch.InvocationTimeout = DefaultInvocationTimeout
	}
	if cfg.Watch.ClaimTTL == "" {
		cfg.Watch.ClaimTTL = DefaultClaimTTL
	}

	if cfg.Scheduler.Enabled == nil {
		on := true
		cfg.Scheduler.Enabled = &on
	}
	if cfg.Scheduler.Schedule == "" {
		cfg.Scheduler.Schedule = DefaultSchedule
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Bool dereferences an optional flag.
func Bool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

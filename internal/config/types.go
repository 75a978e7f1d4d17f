package config

// Config is the file configuration. Secrets never live here; they come from
// the environment (see ApplyEnv).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	WatchedAthletes []AthleteConfig `json:"watched_athletes"`

	Source    SourceConfig    `json:"source"`
	Email     EmailConfig     `json:"email"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Watch     WatchConfig     `json:"watch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
}

// AthleteConfig is one watched athlete. Sports are "xc" and/or "tf";
// empty means ["xc"].
type AthleteConfig struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Sports []string `json:"sports,omitempty"`
}

type SourceConfig struct {
	BaseURL        string `json:"base_url,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
}

// EmailConfig describes the single subscriber and the submission server.
//
// Example:
//
//	"email": { "sender": "me@gmail.com", "recipient": "fan@example.com" }
type EmailConfig struct {
	// Transport is "smtp" (default) or "log" (render only, never send).
	Transport  string `json:"transport,omitempty"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	SMTPServer string `json:"smtp_server,omitempty"`
	SMTPPort   int    `json:"smtp_port,omitempty"`
	// Username defaults to Sender.
	Username string `json:"username,omitempty"`
	// TLS is "starttls" (default), "opportunistic", "ssl" or "none".
	TLS     string `json:"tls,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	// Password is only read from GMAIL_APP_PASSWORD.
	Password string `json:"-"`
}

// NotifierConfig controls delivery policy.
//
// Enabled is a pointer so an omitted section defaults to enabled.
type NotifierConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Mode          string `json:"mode,omitempty"` // per_result | digest
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	// RetryMax is the number of retries after the first attempt. Omitted
	// means 2; -1 disables retries.
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// StorageConfig selects the state backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/state.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite | file | memory
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type WatchConfig struct {
	InvocationTimeout string `json:"invocation_timeout,omitempty"`
	ClaimTTL          string `json:"claim_ttl,omitempty"`
}

// SchedulerConfig drives the in-process trigger used by `serve`.
type SchedulerConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

type ServerConfig struct {
	Listen          string `json:"listen,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/, behind Token when set.
	Pprof bool `json:"pprof,omitempty"`
	// Token, when set, is required as a bearer token on the invocation
	// endpoints. Read from RESULTWATCH_TOKEN.
	Token string `json:"-"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"`
	// Format is console or json and applies to stdout only.
	Format  string      `json:"format,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

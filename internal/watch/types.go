package watch

import "time"

type Config struct {
	// InvocationTimeout bounds one Check or Initialize.
	InvocationTimeout time.Duration
	// ClaimTTL is how long a claimed id stays reserved for the claiming
	// invocation. After it lapses another invocation may retry the id.
	ClaimTTL time.Duration
	// FinalizeTimeout bounds the commit and release that follow a send.
	// They run even when the invocation deadline has passed.
	FinalizeTimeout time.Duration
}

const (
	DefaultInvocationTimeout = 50 * time.Second
	DefaultClaimTTL          = 5 * time.Minute
	defaultFinalizeTimeout   = 10 * time.Second
)

type CheckReport struct {
	Fetched   int           `json:"fetched"`
	Delta     int           `json:"delta"`
	Claimed   int           `json:"claimed"`
	Skipped   int           `json:"skipped"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	FailedIDs []string      `json:"failed_ids,omitempty"`
	Took      time.Duration `json:"took"`
}

type InitReport struct {
	Fetched  int           `json:"fetched"`
	Seeded   int           `json:"seeded"`
	Existing int           `json:"existing"`
	Took     time.Duration `json:"took"`
}

const (
	EventCheck = "watch.check"
	EventInit  = "watch.init"
)

// CheckEvent is published after every Check.
type CheckEvent struct {
	Report CheckReport `json:"report"`
	Error  string      `json:"error,omitempty"`
	// Outcome is one of "ok", "partial", "source_unavailable",
	// "store_unavailable" or "error".
	Outcome string `json:"outcome"`
}

type InitEvent struct {
	Report  InitReport `json:"report"`
	Error   string     `json:"error,omitempty"`
	Outcome string     `json:"outcome"`
}

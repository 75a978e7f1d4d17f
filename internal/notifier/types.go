package notifier

import (
	"context"
	"time"

	"resultwatch/internal/results"
)

type Mode string

const (
	ModePerResult Mode = "per_result"
	ModeDigest    Mode = "digest"
)

const (
	EventSent   = "notifier.sent"
	EventFailed = "notifier.failed"
)

// Config controls rendering and the delivery policy.
type Config struct {
	Enabled       bool
	Mode          Mode
	From          string
	To            string
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

// Notifier delivers records to the subscriber.
//
// Outcomes are returned in input order, one per record. A non-nil error means
// nothing was delivered.
type Notifier interface {
	Send(ctx context.Context, recs []results.Record) ([]Outcome, error)
}

type Outcome struct {
	ID  string
	Err error
}

func (o Outcome) Delivered() bool { return o.Err == nil }

// Message is one rendered email. IDs lists the records it covers.
type Message struct {
	IDs     []string
	From    string
	To      string
	Subject string
	HTML    string
}

// Transport opens delivery sessions. A session is discarded after any failed
// delivery and a fresh one is opened for the next attempt.
type Transport interface {
	Name() string
	Open(ctx context.Context) (Session, error)
}

type Session interface {
	Deliver(ctx context.Context, m Message) error
	Close() error
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Subject  string    `json:"subject"`
	IDs      []string  `json:"ids"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for every message outcome.
type NotificationEvent struct {
	Transport string        `json:"transport"`
	Subject   string        `json:"subject"`
	IDs       []string      `json:"ids"`
	Attempts  int           `json:"attempts"`
	Took      time.Duration `json:"took"`
	At        time.Time     `json:"at"`
	Error     string        `json:"error,omitempty"`
}

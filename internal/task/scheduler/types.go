package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"resultwatch/internal/eventbus"
	logx "resultwatch/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "America/Chicago"
	// RunOnStart fires every schedule once right after Start.
	RunOnStart bool
}

type Job func(ctx context.Context) error

const EventRun = "scheduler.run"

// RunEvent is published after every run and every skipped firing.
type RunEvent struct {
	Name    string        `json:"name"`
	Took    time.Duration `json:"took"`
	Skipped bool          `json:"skipped,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	lastErr atomic.Value // string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	c    *cron.Cron
	defs []*scheduleDef

	runCtx    context.Context
	runCancel context.CancelFunc
	inflight  sync.WaitGroup
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
	Running bool          `json:"running"`
	Runs    uint64        `json:"runs"`
	Skipped uint64        `json:"skipped"`
	LastErr string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

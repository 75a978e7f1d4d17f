package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks failures of the underlying store (I/O, locking, closed).
// Callers abort the current invocation when they see it.
var ErrUnavailable = errors.New("state store unavailable")

// Drivers accepted by Open.
const (
	DriverSQLite = "sqlite" // SQLite database file (default)
	DriverFile   = "file"   // snapshot + journal files sharing the Path prefix
	DriverMemory = "memory" // nothing persisted
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is the durable state of one result id.
type Entry struct {
	ID            string    `json:"id"`
	LastSignature string    `json:"last_signature"`
	Notified      bool      `json:"notified"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ClaimRequest asks for the right to notify ID at Signature until Until.
type ClaimRequest struct {
	ID        string    `json:"id"`
	Signature string    `json:"signature"`
	Token     string    `json:"token"`
	Until     time.Time `json:"until"`
}

// Store is the state store contract used by the watcher.
type Store interface {
	Get(ctx context.Context, id string) (Entry, bool, error)
	GetAll(ctx context.Context) (map[string]Entry, error)

	// Commit writes entries as one batch and drops their claims.
	//
	// With a non-empty token an entry is only written while the store still
	// holds a claim for its id under that token; entries whose claim was lost
	// to another invocation are skipped. An empty token writes unconditionally.
	// An empty batch is a no-op.
	Commit(ctx context.Context, token string, entries []Entry) error

	// Claim grants, atomically and per id, the claims whose id still needs a
	// notification for the requested signature and carries no live claim of
	// another token. Granted ids are returned in request order.
	Claim(ctx context.Context, reqs []ClaimRequest) ([]string, error)

	// Release drops the claims held by token for ids.
	Release(ctx context.Context, token string, ids []string) error

	// Seed inserts entries whose id is not present yet and returns how many
	// were inserted. Existing entries are never touched.
	Seed(ctx context.Context, entries []Entry) (int, error)

	Close() error
}

// claimRow is a stored claim.
type claimRow struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
	Until     int64  `json:"until"` // unix milli
}

// grantable decides whether req may be claimed given the stored entry and claim.
func grantable(req ClaimRequest, e Entry, hasEntry bool, c claimRow, hasClaim bool, now time.Time) bool {
	if hasEntry && e.Notified && e.LastSignature == req.Signature {
		return false
	}
	if hasClaim && c.Token != req.Token && now.UnixMilli() < c.Until {
		return false
	}
	return true
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("storage %s: %w: %w", op, ErrUnavailable, err)
}

func stamp(entries []Entry, now time.Time) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		out = append(out, e)
	}
	return out
}

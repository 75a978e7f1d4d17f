package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// batch is the effect of one mutating call. The file backend journals it
// verbatim, so applying a batch must be deterministic.
type batch struct {
	Put    []Entry             `json:"put,omitempty"`
	Claims map[string]claimRow `json:"claims,omitempty"`
	Drop   []string            `json:"drop,omitempty"` // claim ids
}

func (b batch) empty() bool { return len(b.Put) == 0 && len(b.Claims) == 0 && len(b.Drop) == 0 }

// memState is the shared in-memory model behind the memory and file backends.
// Callers hold the owning store's lock.
type memState struct {
	entries map[string]Entry
	claims  map[string]claimRow
}

func newMemState() *memState {
	return &memState{entries: map[string]Entry{}, claims: map[string]claimRow{}}
}

func (m *memState) apply(b batch) {
	for id, c := range b.Claims {
		m.claims[id] = c
	}
	for _, id := range b.Drop {
		delete(m.claims, id)
	}
	for _, e := range b.Put {
		m.entries[e.ID] = e
	}
}

func (m *memState) planCommit(token string, entries []Entry, now time.Time) batch {
	var b batch
	for _, e := range stamp(entries, now) {
		if token != "" {
			c, ok := m.claims[e.ID]
			if !ok || c.Token != token {
				continue
			}
		}
		b.Put = append(b.Put, e)
		b.Drop = append(b.Drop, e.ID)
	}
	return b
}

func (m *memState) planClaim(reqs []ClaimRequest, now time.Time) (batch, []string) {
	b := batch{Claims: map[string]claimRow{}}
	granted := make([]string, 0, len(reqs))
	seen := map[string]struct{}{}
	for _, r := range reqs {
		if r.ID == "" {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		e, hasEntry := m.entries[r.ID]
		c, hasClaim := m.claims[r.ID]
		if !grantable(r, e, hasEntry, c, hasClaim, now) {
			continue
		}
		b.Claims[r.ID] = claimRow{Token: r.Token, Signature: r.Signature, Until: r.Until.UnixMilli()}
		granted = append(granted, r.ID)
	}
	if len(b.Claims) == 0 {
		b.Claims = nil
	}
	return b, granted
}

func (m *memState) planRelease(token string, ids []string) batch {
	var b batch
	for _, id := range ids {
		if c, ok := m.claims[id]; ok && c.Token == token {
			b.Drop = append(b.Drop, id)
		}
	}
	return b
}

func (m *memState) planSeed(entries []Entry, now time.Time) batch {
	var b batch
	seen := map[string]struct{}{}
	for _, e := range stamp(entries, now) {
		if _, ok := m.entries[e.ID]; ok {
			continue
		}
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		b.Put = append(b.Put, e)
	}
	return b
}

func (m *memState) snapshot() map[string]Entry {
	out := make(map[string]Entry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

var errClosed = errors.New("store closed")

// memoryStore keeps state in process memory only.
type memoryStore struct {
	mu     sync.Mutex
	state  *memState
	closed bool
	now    func() time.Time
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return &memoryStore{state: newMemState(), now: time.Now}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, unavailable("get", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false, unavailable("get", errClosed)
	}
	e, ok := s.state.entries[id]
	return e, ok, nil
}

func (s *memoryStore) GetAll(ctx context.Context) (map[string]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("get all", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("get all", errClosed)
	}
	return s.state.snapshot(), nil
}

func (s *memoryStore) Commit(ctx context.Context, token string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.mutate(ctx, "commit", func(now time.Time) batch {
		return s.state.planCommit(token, entries, now)
	})
}

func (s *memoryStore) Claim(ctx context.Context, reqs []ClaimRequest) ([]string, error) {
	var granted []string
	err := s.mutate(ctx, "claim", func(now time.Time) batch {
		b, g := s.state.planClaim(reqs, now)
		granted = g
		return b
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

func (s *memoryStore) Release(ctx context.Context, token string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.mutate(ctx, "release", func(time.Time) batch {
		return s.state.planRelease(token, ids)
	})
}

func (s *memoryStore) Seed(ctx context.Context, entries []Entry) (int, error) {
	var n int
	err := s.mutate(ctx, "seed", func(now time.Time) batch {
		b := s.state.planSeed(entries, now)
		n = len(b.Put)
		return b
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *memoryStore) mutate(ctx context.Context, op string, plan func(now time.Time) batch) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable(op, errClosed)
	}
	s.state.apply(plan(s.now()))
	return nil
}

// Scratch returns a memory store holding a copy of src's entries. Writes to
// it never reach src.
func Scratch(ctx context.Context, src Store) (Store, error) {
	all, err := src.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	dst := NewMemory()
	entries := make([]Entry, 0, len(all))
	for _, e := range all {
		entries = append(entries, e)
	}
	if err := dst.Commit(ctx, "", entries); err != nil {
		return nil, err
	}
	return dst, nil
}

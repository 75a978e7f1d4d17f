package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "resultwatch/pkg/logx"
)

const compactEvery = 200

// journalFile is the part of *os.File the journal needs.
type journalFile interface {
	io.Writer
	io.Seeker
	Sync() error
	Truncate(size int64) error
	Close() error
	Name() string
}

// fileStore persists state without a database.
//
// Files:
//   - <prefix>.state.snapshot.json (periodic snapshot)
//   - <prefix>.state.journal.jsonl (append-only journal, one batch per line)
//
// A batch is applied in memory only after its journal line is synced, and a
// torn trailing line is cut off on open, so every batch is all-or-nothing.
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      journalFile
	// broken is set when a failed append could not be rolled back; the
	// journal tail is then unknown and every call fails.
	broken       error
	state        *memState
	writes       int
	now          func() time.Time
}

type fileSnapshot struct {
	Entries map[string]Entry    `json:"entries"`
	Claims  map[string]claimRow `json:"claims,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	st := newMemState()
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	good, err := replayJournal(journalPath, st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	// Drop a torn trailing batch so the next append starts on a clean line.
	if err := jf.Truncate(good); err != nil {
		_ = jf.Close()
		return nil, err
	}
	if _, err := jf.Seek(0, io.SeekEnd); err != nil {
		_ = jf.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("journal", journalPath), logx.Int("entries", len(st.entries)))

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		state:        st,
		now:          time.Now,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked("get"); err != nil {
		return Entry{}, false, err
	}
	e, ok := s.state.entries[id]
	return e, ok, nil
}

func (s *fileStore) GetAll(ctx context.Context) (map[string]Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked("get all"); err != nil {
		return nil, err
	}
	return s.state.snapshot(), nil
}

func (s *fileStore) Commit(ctx context.Context, token string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.mutate(ctx, "commit", func(now time.Time) batch {
		return s.state.planCommit(token, entries, now)
	})
}

func (s *fileStore) Claim(ctx context.Context, reqs []ClaimRequest) ([]string, error) {
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

func (s *fileStore) Release(ctx context.Context, token string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.mutate(ctx, "release", func(time.Time) batch {
		return s.state.planRelease(token, ids)
	})
}

func (s *fileStore) Seed(ctx context.Context, entries []Entry) (int, error) {
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

func (s *fileStore) mutate(ctx context.Context, op string, plan func(now time.Time) batch) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(op); err != nil {
		return err
	}

	b := plan(s.now())
	if b.empty() {
		return nil
	}

	line, err := json.Marshal(b)
	if err != nil {
		return unavailable(op, err)
	}
	line = append(line, '\n')
	if err := s.appendLocked(line); err != nil {
		return unavailable(op, err)
	}
	s.state.apply(b)

	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) usableLocked(op string) error {
	switch {
	case s.journal == nil:
		return unavailable(op, errClosed)
	case s.broken != nil:
		return unavailable(op, s.broken)
	}
	return nil
}

// appendLocked writes one journal line. A failed write or sync is cut back
// off so later batches never land behind a partial line.
func (s *fileStore) appendLocked(line []byte) error {
	off, err := s.journal.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	_, err = s.journal.Write(line)
	if err == nil {
		err = s.journal.Sync()
	}
	if err == nil {
		return nil
	}
	if rerr := s.rollbackLocked(off); rerr != nil {
		s.broken = fmt.Errorf("journal rollback after %v: %w", err, rerr)
		s.log.Error("file store unusable", logx.Err(s.broken))
		return s.broken
	}
	return err
}

func (s *fileStore) rollbackLocked(off int64) error {
	if err := s.journal.Truncate(off); err != nil {
		return err
	}
	_, err := s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	snap := fileSnapshot{Entries: s.state.entries, Claims: s.state.claims}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, st *memState) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for k, v := range snap.Entries {
		st.entries[k] = v
	}
	for k, v := range snap.Claims {
		st.claims[k] = v
	}
	return nil
}

// replayJournal applies every complete batch and returns the byte offset just
// past the last one.
func replayJournal(path string, st *memState) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var good int64
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		var b batch
		if err := json.Unmarshal(data[:i], &b); err != nil {
			break
		}
		st.apply(b)
		good += int64(i + 1)
		data = data[i+1:]
	}
	return good, nil
}

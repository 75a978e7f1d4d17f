package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	logx "resultwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// Immediate transactions take the write lock up front, so the read half of
	// a claim and its write cannot interleave with another process.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Entry, bool, error) {
	e, ok, err := getEntry(ctx, s.db, id)
	if err != nil {
		return Entry{}, false, unavailable("get", err)
	}
	return e, ok, nil
}

func (s *sqliteStore) GetAll(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, last_signature, notified, updated_at FROM entries`)
	if err != nil {
		return nil, unavailable("get all", err)
	}
	defer rows.Close()

	out := map[string]Entry{}
	for rows.Next() {
		var (
			e  Entry
			n  int
			ts string
		)
		if err := rows.Scan(&e.ID, &e.LastSignature, &n, &ts); err != nil {
			return nil, unavailable("get all", err)
		}
		e.Notified = n != 0
		e.UpdatedAt = parseTime(ts)
		out[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("get all", err)
	}
	return out, nil
}

func (s *sqliteStore) Commit(ctx context.Context, token string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTx(ctx, "commit", func(tx *sql.Tx) error {
		for _, e := range stamp(entries, s.now()) {
			if token != "" {
				held, err := claimHeldBy(ctx, tx, e.ID, token)
				if err != nil {
					return err
				}
				if !held {
					s.log.Debug("commit skipped; claim lost", logx.String("id", e.ID))
					continue
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entries(id, last_signature, notified, updated_at) VALUES(?,?,?,?)
				 ON CONFLICT(id) DO UPDATE SET last_signature=excluded.last_signature,
				   notified=excluded.notified, updated_at=excluded.updated_at`,
				e.ID, e.LastSignature, boolInt(e.Notified), e.UpdatedAt.UTC().Format(time.RFC3339Nano),
			); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE id = ?`, e.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) Claim(ctx context.Context, reqs []ClaimRequest) ([]string, error) {
	var granted []string
	err := s.inTx(ctx, "claim", func(tx *sql.Tx) error {
		granted = granted[:0]
		now := s.now()
		seen := map[string]struct{}{}
		for _, r := range reqs {
			if r.ID == "" {
				continue
			}
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}

			e, hasEntry, err := getEntry(ctx, tx, r.ID)
			if err != nil {
				return err
			}
			c, hasClaim, err := getClaim(ctx, tx, r.ID)
			if err != nil {
				return err
			}
			if !grantable(r, e, hasEntry, c, hasClaim, now) {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO claims(id, token, signature, until_ms) VALUES(?,?,?,?)
				 ON CONFLICT(id) DO UPDATE SET token=excluded.token, signature=excluded.signature, until_ms=excluded.until_ms`,
				r.ID, r.Token, r.Signature, r.Until.UnixMilli(),
			); err != nil {
				return err
			}
			granted = append(granted, r.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return granted, nil
}

func (s *sqliteStore) Release(ctx context.Context, token string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, "release", func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE id = ? AND token = ?`, id, token); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) Seed(ctx context.Context, entries []Entry) (int, error) {
	var n int
	err := s.inTx(ctx, "seed", func(tx *sql.Tx) error {
		n = 0
		for _, e := range stamp(entries, s.now()) {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO entries(id, last_signature, notified, updated_at) VALUES(?,?,?,?)
				 ON CONFLICT(id) DO NOTHING`,
				e.ID, e.LastSignature, boolInt(e.Notified), e.UpdatedAt.UTC().Format(time.RFC3339Nano),
			)
			if err != nil {
				return err
			}
			if k, err := res.RowsAffected(); err == nil {
				n += int(k)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return unavailable(op, errClosed)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntry(ctx context.Context, q querier, id string) (Entry, bool, error) {
	var (
		e  Entry
		n  int
		ts string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, last_signature, notified, updated_at FROM entries WHERE id = ?`, id,
	).Scan(&e.ID, &e.LastSignature, &n, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.Notified = n != 0
	e.UpdatedAt = parseTime(ts)
	return e, true, nil
}

func getClaim(ctx context.Context, q querier, id string) (claimRow, bool, error) {
	var c claimRow
	err := q.QueryRowContext(ctx,
		`SELECT token, signature, until_ms FROM claims WHERE id = ?`, id,
	).Scan(&c.Token, &c.Signature, &c.Until)
	if errors.Is(err, sql.ErrNoRows) {
		return claimRow{}, false, nil
	}
	if err != nil {
		return claimRow{}, false, err
	}
	return c, true, nil
}

func claimHeldBy(ctx context.Context, q querier, id, token string) (bool, error) {
	c, ok, err := getClaim(ctx, q, id)
	if err != nil || !ok {
		return false, err
	}
	return c.Token == token, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

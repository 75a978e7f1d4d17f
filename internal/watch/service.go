// Package watch runs the two invocations of the service: Check, which
// notifies the subscriber about new or changed results, and Initialize,
// which seeds state so existing results are never notified.
//
// Invocations keep no state between runs. Overlapping invocations
// coordinate only through the store: ids are claimed before sending and
// committed with the claiming token afterwards.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"resultwatch/internal/diff"
	"resultwatch/internal/eventbus"
	"resultwatch/internal/notifier"
	"resultwatch/internal/results"
	"resultwatch/internal/storage"
	logx "resultwatch/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	log      logx.Logger
	source   results.Source
	store    storage.Store
	notifier notifier.Notifier
	bus      eventbus.Bus

	now      func() time.Time
	newToken func() string
}

type Option func(*Service)

// WithClock overrides the clock used for claim expiry and entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTokens(next func() string) Option {
	return func(s *Service) {
		if next != nil {
			s.newToken = next
		}
	}
}

func New(cfg Config, src results.Source, store storage.Store, n notifier.Notifier, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log.With(logx.Component("watch")),
		source:   src,
		store:    store,
		notifier: n,
		bus:      bus,
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = DefaultInvocationTimeout
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Check fetches the current results, notifies about the delta and commits
// what was delivered.
func (s *Service) Check(ctx context.Context) (rep CheckReport, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := s.config()
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, cfg.InvocationTimeout)
	defer cancel()

	defer func() {
		rep.Took = time.Since(start)
		s.publishCheck(rep, err)
	}()

	recs, err := s.fetch(ctx)
	if err != nil {
		return rep, err
	}
	rep.Fetched = len(recs)

	state, err := s.store.GetAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	delta := diff.Compute(recs, state)
	rep.Delta = delta.Len()
	if delta.Duplicates > 0 {
		s.log.Warn("source returned duplicate ids", logx.Int("duplicates", delta.Duplicates))
	}
	if delta.Empty() {
		s.log.Debug("no new results", logx.Int("fetched", rep.Fetched), logx.Int("unchanged", delta.Unchanged))
		return rep, nil
	}

	token := s.newToken()
	until := s.now().Add(cfg.ClaimTTL)
	reqs := make([]storage.ClaimRequest, 0, delta.Len())
	for _, c := range delta.Changes {
		reqs = append(reqs, storage.ClaimRequest{ID: c.Record.ID, Signature: c.Record.Signature, Token: token, Until: until})
	}
	granted, err := s.store.Claim(ctx, reqs)
	if err != nil {
		return rep, fmt.Errorf("%w: claim: %w", ErrStoreUnavailable, err)
	}
	rep.Claimed = len(granted)
	rep.Skipped = delta.Len() - len(granted)
	if len(granted) == 0 {
		s.log.Info("delta already claimed elsewhere", logx.Int("delta", rep.Delta))
		return rep, nil
	}

	owned := make(map[string]struct{}, len(granted))
	for _, id := range granted {
		owned[id] = struct{}{}
	}
	toSend := make([]results.Record, 0, len(granted))
	for _, c := range delta.Changes {
		if _, ok := owned[c.Record.ID]; ok {
			toSend = append(toSend, c.Record)
		}
	}

	outcomes, sendErr := s.notifier.Send(ctx, toSend)
	byID := make(map[string]error, len(outcomes))
	for _, o := range outcomes {
		byID[o.ID] = o.Err
	}

	var (
		commit    []storage.Entry
		failed    []string
		firstFail error
	)
	for _, r := range toSend {
		ferr, ok := byID[r.ID]
		if !ok {
			ferr = sendErr
			if ferr == nil {
				ferr = errors.New("no delivery outcome")
			}
		}
		if ferr != nil {
			failed = append(failed, r.ID)
			if firstFail == nil {
				firstFail = ferr
			}
			continue
		}
		commit = append(commit, storage.Entry{ID: r.ID, LastSignature: r.Signature, Notified: true, UpdatedAt: s.now()})
	}
	rep.Delivered = len(commit)
	rep.Failed = len(failed)
	rep.FailedIDs = failed

	// Delivery already happened; record it even if the invocation deadline
	// passed while sending.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.FinalizeTimeout)
	defer fcancel()

	if len(failed) > 0 {
		if rerr := s.store.Release(fctx, token, failed); rerr != nil {
			s.log.Warn("release claims failed; ids retry after claim expiry",
				logx.Strings("ids", failed), logx.Duration("claim_ttl", cfg.ClaimTTL), logx.Err(rerr))
		}
	}
	if len(commit) > 0 {
		if cerr := s.store.Commit(fctx, token, commit); cerr != nil {
			s.log.Error("commit after delivery failed; delivered results may be notified again",
				logx.Int("delivered", len(commit)), logx.Err(cerr))
			// The entries are unchanged, so the next invocation sends again
			// either way; dropping the claims lets it do so before they expire.
			if rerr := s.store.Release(fctx, token, results.IDs(toSend)); rerr != nil {
				s.log.Warn("release claims failed", logx.Err(rerr))
			}
			return rep, fmt.Errorf("%w: commit: %w", ErrStoreUnavailable, cerr)
		}
	}

	if len(failed) > 0 {
		return rep, &PartialDeliveryError{Failed: failed, Delivered: rep.Delivered, Cause: firstFail}
	}
	s.log.Info("results notified", logx.Int("delivered", rep.Delivered), logx.Int("skipped", rep.Skipped))
	return rep, nil
}

// Initialize records every currently visible result as already notified.
// Ids already in state are left untouched. It never notifies.
func (s *Service) Initialize(ctx context.Context) (rep InitReport, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := s.config()
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, cfg.InvocationTimeout)
	defer cancel()

	defer func() {
		rep.Took = time.Since(start)
		s.publishInit(rep, err)
	}()

	recs, err := s.fetch(ctx)
	if err != nil {
		return rep, err
	}
	rep.Fetched = len(recs)

	now := s.now()
	entries := make([]storage.Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, storage.Entry{ID: r.ID, LastSignature: r.Signature, Notified: true, UpdatedAt: now})
	}
	n, err := s.store.Seed(ctx, entries)
	if err != nil {
		return rep, fmt.Errorf("%w: seed: %w", ErrStoreUnavailable, err)
	}
	rep.Seeded = n
	rep.Existing = len(uniqueIDs(recs)) - n

	if n == 0 {
		s.log.Info("state already initialized", logx.Int("fetched", rep.Fetched))
	} else {
		s.log.Info("state initialized", logx.Int("seeded", n), logx.Int("existing", rep.Existing))
	}
	return rep, nil
}

func (s *Service) fetch(ctx context.Context) ([]results.Record, error) {
	recs, err := s.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: empty read", ErrSourceUnavailable)
	}
	return recs, nil
}

func uniqueIDs(recs []results.Record) map[string]struct{} {
	out := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		out[r.ID] = struct{}{}
	}
	return out
}

// Outcome classifies an invocation error for logs, metrics and HTTP status.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsPartialDelivery(err):
		return "partial"
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

func (s *Service) publishCheck(rep CheckReport, err error) {
	outcome := Outcome(err)
	if err != nil {
		s.log.Warn("check failed", logx.String("outcome", outcome), logx.Duration("took", rep.Took), logx.Err(err))
	}
	if s.bus == nil {
		return
	}
	ev := CheckEvent{Report: rep, Outcome: outcome}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: EventCheck, Data: ev})
}

func (s *Service) publishInit(rep InitReport, err error) {
	outcome := Outcome(err)
	if err != nil {
		s.log.Warn("initialize failed", logx.String("outcome", outcome), logx.Err(err))
	}
	if s.bus == nil {
		return
	}
	ev := InitEvent{Report: rep, Outcome: outcome}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: EventInit, Data: ev})
}

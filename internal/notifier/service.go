package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"resultwatch/internal/eventbus"
	"resultwatch/internal/results"
	logx "resultwatch/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled    = errors.New("notifier disabled")
	ErrNoTransport = errors.New("notifier has no transport")
	// ErrUndelivered is returned by Send when no message could be delivered.
	ErrUndelivered = errors.New("notification undelivered")
)

// Service implements Notifier over a Transport:
// render + rate limit + retry with backoff + history.
//
// Send is synchronous so the caller learns which records were delivered.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log       logx.Logger
	transport Transport
	bus       eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	// In-memory history (for /state)
	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, transport Transport, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		transport: transport,
		log:       log.With(logx.Component("notifier")),
		bus:       bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModePerResult
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send renders and delivers recs. Outcomes always cover every record; the
// returned error classifies the whole call (disabled, no transport, or
// nothing delivered).
func (s *Service) Send(ctx context.Context, recs []results.Record) ([]Outcome, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	tr := s.transport
	s.mu.Unlock()

	if !cfg.Enabled {
		return failAll(recs, ErrDisabled), ErrDisabled
	}
	if tr == nil {
		return failAll(recs, ErrNoTransport), ErrNoTransport
	}

	msgs, owner, outcomes := compose(cfg, recs)

	d := &delivery{svc: s, cfg: cfg, lim: lim, tr: tr}
	defer d.close()

	delivered := 0
	var firstErr error
	for i, m := range msgs {
		err := d.deliver(ctx, m)
		if err == nil {
			delivered++
		} else if firstErr == nil {
			firstErr = err
		}
		for _, ri := range owner[i] {
			outcomes[ri].Err = err
		}
	}

	for _, o := range outcomes {
		if o.Err != nil && firstErr == nil {
			firstErr = o.Err
		}
	}
	if delivered == 0 && firstErr != nil {
		return outcomes, fmt.Errorf("%w: %w", ErrUndelivered, firstErr)
	}
	return outcomes, nil
}

// SendTest delivers the configuration test email.
func (s *Service) SendTest(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	tr := s.transport
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if tr == nil {
		return ErrNoTransport
	}
	body, err := renderTest()
	if err != nil {
		return err
	}
	d := &delivery{svc: s, cfg: cfg, lim: lim, tr: tr}
	defer d.close()
	return d.deliver(ctx, Message{From: cfg.From, To: cfg.To, Subject: testSubject, HTML: body})
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(item HistoryItem, max int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if max > 0 && len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	s.hmu.Unlock()
}

// compose renders recs into messages. owner[i] lists the record indexes
// message i covers. Records that fail to render get their outcome error set
// here and are not part of any message.
func compose(cfg Config, recs []results.Record) ([]Message, [][]int, []Outcome) {
	outcomes := make([]Outcome, len(recs))
	for i, r := range recs {
		outcomes[i] = Outcome{ID: r.ID}
	}

	if cfg.Mode == ModeDigest {
		body, err := renderDigest(recs)
		if err != nil {
			for i := range outcomes {
				outcomes[i].Err = err
			}
			return nil, nil, outcomes
		}
		idx := make([]int, len(recs))
		for i := range recs {
			idx[i] = i
		}
		m := Message{IDs: results.IDs(recs), From: cfg.From, To: cfg.To, Subject: DigestSubject(recs), HTML: body}
		return []Message{m}, [][]int{idx}, outcomes
	}

	msgs := make([]Message, 0, len(recs))
	owner := make([][]int, 0, len(recs))
	for i, r := range recs {
		body, err := renderResult(r)
		if err != nil {
			outcomes[i].Err = err
			continue
		}
		msgs = append(msgs, Message{IDs: []string{r.ID}, From: cfg.From, To: cfg.To, Subject: Subject(r.Result), HTML: body})
		owner = append(owner, []int{i})
	}
	return msgs, owner, outcomes
}

func failAll(recs []results.Record, err error) []Outcome {
	out := make([]Outcome, len(recs))
	for i, r := range recs {
		out[i] = Outcome{ID: r.ID, Err: err}
	}
	return out
}

// delivery reuses one transport session across the messages of a Send call.
type delivery struct {
	svc  *Service
	cfg  Config
	lim  *rate.Limiter
	tr   Transport
	sess Session
}

func (d *delivery) close() {
	if d.sess != nil {
		if err := d.sess.Close(); err != nil {
			d.svc.log.Debug("close transport session", logx.Err(err))
		}
		d.sess = nil
	}
}

func (d *delivery) deliver(ctx context.Context, m Message) error {
	start := time.Now()
	maxAttempts := 1
	if d.cfg.RetryMax > 0 {
		maxAttempts = 1 + d.cfg.RetryMax
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Rate limit (honor cancellation).
		if d.lim != nil {
			if err := d.lim.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}
		attempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.attempt(callCtx, m)
		cancel()
		if err == nil {
			d.record(m, attempts, time.Since(start), nil)
			return nil
		}
		lastErr = err
		d.svc.log.Debug("notify send failed",
			logx.Err(err),
			logx.String("subject", m.Subject),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
		)

		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := retryDelay(d.cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			lastErr = ctx.Err()
			attempt = maxAttempts
		}
	}

	d.record(m, attempts, time.Since(start), lastErr)
	return lastErr
}

func (d *delivery) attempt(ctx context.Context, m Message) error {
	if d.sess == nil {
		sess, err := d.tr.Open(ctx)
		if err != nil {
			return fmt.Errorf("open %s session: %w", d.tr.Name(), err)
		}
		d.sess = sess
	}
	if err := d.sess.Deliver(ctx, m); err != nil {
		// The session may be half-broken; start over on the next attempt.
		d.close()
		return err
	}
	return nil
}

func (d *delivery) record(m Message, attempts int, took time.Duration, err error) {
	now := time.Now()
	item := HistoryItem{At: now, Subject: m.Subject, IDs: m.IDs, Attempts: attempts}
	ev := NotificationEvent{Transport: d.tr.Name(), Subject: m.Subject, IDs: m.IDs, Attempts: attempts, Took: took, At: now}
	typ := EventSent
	if err != nil {
		item.Error = err.Error()
		ev.Error = err.Error()
		typ = EventFailed
		d.svc.log.Warn("notification failed",
			logx.String("subject", m.Subject),
			logx.String("ids", strings.Join(m.IDs, ",")),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
	} else {
		d.svc.log.Info("notification sent",
			logx.String("subject", m.Subject),
			logx.Int("results", len(m.IDs)),
			logx.Duration("took", took),
		)
	}
	d.svc.appendHistory(item, d.cfg.HistorySize)
	if d.svc.bus != nil {
		d.svc.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

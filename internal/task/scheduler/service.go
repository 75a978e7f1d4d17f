package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"resultwatch/internal/eventbus"
	logx "resultwatch/pkg/logx"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.Component("scheduler")),
		bus: bus,
	}
}

// Enabled reports the current config flag. Apply may run concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. A timezone change restarts the cron runner.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil || oldTZ == newTZ {
		return
	}
	old := s.c
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	old.Stop()
	s.log.Info("timezone changed", logx.String("tz", s.loc.String()))
}

// AddSchedule registers job under name, replacing any schedule with the
// same name. timeout <= 0 means the run is bounded only by Stop.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.registerLocked(d)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// Start begins triggering. Runs derive their context from ctx.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()

	if s.cfg.RunOnStart {
		for _, d := range s.defs {
			d := d
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.fire(d)
			}()
		}
	}
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering and waits for in-flight runs until ctx is done, then
// cancels them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop deadline reached; canceling runs")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tz := s.cfg.Timezone
	if s.loc != nil {
		tz = s.loc.String()
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: tz}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
		}
		if v, ok := d.lastErr.Load().(string); ok {
			it.LastErr = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	return out
}

func (s *Service) newCronLocked() *cron.Cron {
	return cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
}

func (s *Service) registerLocked(d *scheduleDef) {
	id, err := s.c.AddFunc(d.spec, func() { s.fire(d) })
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = id
	s.log.Debug("schedule registered",
		logx.String("name", d.name),
		logx.String("spec", d.spec),
		logx.Time("next", s.c.Entry(id).Schedule.Next(time.Now().In(s.loc))),
	)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// fire runs d unless its previous run is still in flight.
func (s *Service) fire(d *scheduleDef) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Warn("previous run still in progress; firing skipped", logx.String("name", d.name))
		s.publish(RunEvent{Name: d.name, Skipped: true})
		return
	}
	defer d.running.Store(false)

	s.mu.Lock()
	base := s.runCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx := base
	cancel := context.CancelFunc(func() {})
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(base, d.timeout)
	}
	defer cancel()

	start := time.Now()
	err := d.job(ctx)
	took := time.Since(start)
	d.runs.Add(1)

	ev := RunEvent{Name: d.name, Took: took}
	if err != nil {
		d.lastErr.Store(err.Error())
		ev.Error = err.Error()
		s.log.Debug("scheduled run failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
	} else {
		d.lastErr.Store("")
		s.log.Debug("scheduled run done", logx.String("name", d.name), logx.Duration("took", took))
	}
	s.publish(ev)
}

func (s *Service) publish(ev RunEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventRun, Data: ev})
	}
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := append(kvFields(keysAndValues), logx.Err(err))
	l.log.Error("cron: "+msg, fields...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

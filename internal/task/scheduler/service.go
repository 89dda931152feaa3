package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"adsync/internal/task/engine"
	logx "adsync/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		loc:         time.UTC,
		ctx:         context.Background(),
		lastEnqWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// AddCron registers (or replaces, by name) a cron trigger.
func (s *Service) AddCron(name, spec string, fire FireFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if fire == nil {
		return errors.New("fire func required")
	}
	if _, err := ParseSchedule(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, scheduleDef{name: name, spec: strings.TrimSpace(spec), fire: fire})
	if s.c == nil {
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Info("schedule registered",
		logx.String("name", name),
		logx.String("spec", d.spec),
		logx.Time("next", s.c.Entry(d.entryID).Next),
	)
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	kept := s.defs[:0]
	removed := false
	for _, d := range s.defs {
		if d.name != name {
			kept = append(kept, d)
			continue
		}
		removed = true
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
	}
	for i := len(kept); i < len(s.defs); i++ {
		s.defs[i] = scheduleDef{}
	}
	s.defs = kept
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	loc := s.loc
	ctx := s.ctx
	id, err := s.c.AddFunc(def.spec, func() {
		at := time.Now().In(loc).Truncate(time.Second)
		s.log.Debug("schedule fired", logx.String("name", def.name), logx.Time("at", at))
		if err := def.fire(ctx, at); err != nil {
			s.reportEnqueueError(def.name, err)
		}
	})
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// Start begins triggering when the scheduler is enabled. ctx is handed to fire callbacks.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if s.c != nil || !s.cfg.Enabled {
		if !s.cfg.Enabled {
			s.log.Info("scheduler disabled; manual dispatch only")
		}
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	loc, err := LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		loc = time.UTC
	}
	s.loc = loc
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) stopLocked() *cron.Cron {
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	return c
}

// Apply swaps config. Enabling starts triggering, disabling stops it and a
// timezone change restarts cron with the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg

	switch {
	case s.c == nil && cfg.Enabled:
		s.startLocked()
	case s.c != nil && !cfg.Enabled:
		s.stopLocked().Stop()
		s.log.Info("scheduler disabled")
	case s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone):
		s.stopLocked().Stop()
		s.startLocked()
	}
}

// Stop halts triggering and waits for running callbacks or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.stopLocked()
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: tz}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

func (s *Service) reportEnqueueError(name string, err error) {
	// Overlap skips are normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Info("schedule trigger skipped; previous run still active", logx.String("schedule", name))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule trigger failed", logx.String("schedule", name), logx.Err(err))
}

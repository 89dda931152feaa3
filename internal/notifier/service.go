package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"adsync/internal/eventbus"
	"adsync/internal/metrics"
	rtsup "adsync/internal/runtime/supervisor"
	"adsync/internal/storage"
	logx "adsync/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSinks   = errors.New("notifier has no sinks")
)

type job struct {
	m Message
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements an async notification pipeline:
// queue + worker + rate limit + retry + dedup, fanned out to every sink.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sinks   []Sink
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Optional persistent dedup writes (best-effort)
	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

// New builds the service. store and m may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store, m *metrics.Metrics, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sinks:   sinks,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		metrics: m,
		dedup:   map[string]time.Time{},
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

func (s *Service) NotifyOn() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.NotifyOn
}

// Apply swaps config and sinks. Queue size changes take effect on restart.
func (s *Service) Apply(cfg Config, sinks ...Sink) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.sinks = sinks
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.NotifyOn == "" {
		cfg.NotifyOn = "failure"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
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
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 256)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup, q, pch, st := s.sup, s.queue, s.persistCh, s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitReason(c, "notifier persist loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitReason(c, "notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("sinks", len(s.currentSinks())), logx.String("notify_on", s.NotifyOn()))
}

// exitReason classifies a loop exit: clean exits happen on shutdown.
func (s *Service) exitReason(c context.Context, msg string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New(msg)
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
		s.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue, s.persistCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify queues m for delivery. A message identical to one sent within the
// dedup window is dropped silently.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	dedupWindow, dedupMax := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	persist, st, pch := s.cfg.PersistDedup, s.store, s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(m)
	if dedupWindow > 0 && key != "" {
		if !s.dedupAllow(ctx, key, dedupWindow, dedupMax, persist, st, pch) {
			s.publish("notifier.deduped", m, "", key, nil)
			return nil
		}
	}
	s.publish("notifier.queued", m, "", key, nil)

	select {
	case q <- job{m: m, dedupKey: key}:
		return nil
	default:
		s.publish("notifier.dropped", m, "", key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(m Message) {
	item := HistoryItem{At: time.Now(), Kind: m.Kind, Title: m.Title}
	if m.Run != nil {
		item.RunID = m.Run.ID
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) currentSinks() []Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sink(nil), s.sinks...)
}

func (s *Service) publish(topic string, m Message, sink, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Kind: m.Kind, Sink: sink, Key: key, At: now}
	if m.Run != nil {
		ev.RunID = m.Run.ID
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: now, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

// sendWithRetry delivers j to every sink, retrying only the sinks that failed.
func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, log := s.cfg, s.limiter, s.log
	s.mu.Unlock()

	pending := s.currentSinks()
	if len(pending) == 0 {
		log.Warn("notification dropped", logx.Err(ErrNoSinks), logx.String("title", j.m.Title))
		return
	}
	maxAttempts := 1 + max(cfg.RetryMax, 0)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}
		pending = s.sendOnce(runCtx, j, pending)
		if len(pending) == 0 {
			s.appendHistory(j.m)
			return
		}
		log.Debug("notify send failed", logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Int("failed_sinks", len(pending)))
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}
	for _, sk := range pending {
		log.Warn("notification failed", logx.String("sink", sk.Name()), logx.String("title", j.m.Title))
	}
}

// sendOnce fans out to sinks concurrently and returns the ones that failed.
func (s *Service) sendOnce(ctx context.Context, j job, sinks []Sink) []Sink {
	failed := make([]bool, len(sinks))
	var g errgroup.Group
	for i, sk := range sinks {
		g.Go(func() error {
			// Bound per-send call. Keep tight to avoid hanging workers.
			cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			err := sk.Send(cctx, j.m)
			if s.metrics != nil {
				s.metrics.NotificationSent(sk.Name(), err)
			}
			if err != nil {
				failed[i] = true
				s.publish("notifier.failed", j.m, sk.Name(), j.dedupKey, err)
				s.log.Debug("sink send failed", logx.String("sink", sk.Name()), logx.Err(err))
				return err
			}
			s.publish("notifier.sent", j.m, sk.Name(), j.dedupKey, nil)
			return nil
		})
	}
	_ = g.Wait()

	var out []Sink
	for i, f := range failed {
		if f {
			out = append(out, sinks[i])
		}
	}
	return out
}

func dedupKey(m Message) string {
	if m.Kind == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.Kind))
	_, _ = h.Write([]byte("|" + m.Workflow + "|"))
	if m.Run != nil {
		_, _ = h.Write([]byte(m.Run.ID))
	}
	_, _ = h.Write([]byte("|" + m.Title))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Persistent check (best-effort) for cross-restart dedup.
	if persist && st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if persist && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, cfg.RetryMaxDelay)
}

package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"newsflow/internal/models"
	"newsflow/internal/types"
)

// RunFunc executes one full fetch-and-process pass for a source. The
// returned error marks the run failed for backoff purposes.
type RunFunc func(ctx context.Context, src models.Source) error

// Config bounds scheduler-wide concurrency and failure handling.
type Config struct {
	GlobalConcurrency int
	Tick              time.Duration
	Jitter            float64 // fraction of cadence added as random delay
	MaxBackoff        time.Duration
	FailureThreshold  int // consecutive failures before auto-disable
	ShutdownGrace     time.Duration
}

type entry struct {
	src       models.Source
	nextDue   time.Time
	fails     int
	running   int // in-flight runs, bounded by the source's concurrency cap
	disabled  bool
	autoDisab bool
}

// maxRuns is the per-source overlap cap, normally 1.
func maxRuns(src models.Source) int {
	if src.Concurrency > 1 {
		return src.Concurrency
	}
	return 1
}

// Scheduler triggers periodic runs per source under a global concurrency
// cap. A source never overlaps itself; a slow source delays only its own
// next run. Consecutive failures back the source off exponentially and
// eventually disable it.
type Scheduler struct {
	cfg     Config
	run     RunFunc
	logger  *slog.Logger
	metrics types.MetricsSink

	mu      sync.Mutex
	entries map[string]*entry

	sem chan struct{}
	wg  sync.WaitGroup
	now func() time.Time
}

// New builds a Scheduler around run.
func New(cfg Config, run RunFunc, metrics types.MetricsSink, logger *slog.Logger) *Scheduler {
	if cfg.GlobalConcurrency < 1 {
		cfg.GlobalConcurrency = 4
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		run:     run,
		logger:  logger,
		metrics: metrics,
		entries: map[string]*entry{},
		sem:     make(chan struct{}, cfg.GlobalConcurrency),
		now:     time.Now,
	}
}

// Schedule registers sources, each due immediately with a jittered
// offset so a fleet restart does not stampede upstreams.
func (s *Scheduler) Schedule(sources []models.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range sources {
		s.entries[src.ID] = &entry{
			src:      src,
			nextDue:  s.now().Add(s.jitter(src.Cadence)),
			disabled: !src.Enabled,
		}
	}
}

// UpdateSources applies a reloaded source list. Existing entries keep
// their due time and failure state; removed sources are dropped once
// their current run finishes.
func (s *Scheduler) UpdateSources(sources []models.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(sources))
	for _, src := range sources {
		keep[src.ID] = true
		if e, ok := s.entries[src.ID]; ok {
			e.src = src
			if !src.Enabled {
				e.disabled = true
			} else if e.disabled && !e.autoDisab {
				e.disabled = false
			}
			continue
		}
		s.entries[src.ID] = &entry{
			src:      src,
			nextDue:  s.now().Add(s.jitter(src.Cadence)),
			disabled: !src.Enabled,
		}
	}
	for id, e := range s.entries {
		if !keep[id] && e.running == 0 {
			delete(s.entries, id)
		}
	}
}

// Disable stops future runs for a source without forgetting it.
func (s *Scheduler) Disable(id string) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.disabled = true
	}
	s.mu.Unlock()
}

// Enable re-admits a source and clears its failure streak.
func (s *Scheduler) Enable(id string) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		e.disabled = false
		e.autoDisab = false
		e.fails = 0
		e.nextDue = s.now()
	}
	s.mu.Unlock()
}

// Run drives the tick loop until ctx is cancelled, then waits up to the
// shutdown grace for in-flight runs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("shutdown grace elapsed with runs still in flight")
	}
}

// dispatchDue starts every due, enabled source that is below its own
// overlap cap and can claim a global concurrency slot. When the
// semaphore is full the source simply stays due and is retried next
// tick.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.disabled || e.running >= maxRuns(e.src) || now.Before(e.nextDue) {
			continue
		}
		due = append(due, e)
	}

	for _, e := range due {
		select {
		case s.sem <- struct{}{}:
		default:
			s.mu.Unlock()
			s.metrics.Count("scheduler.slot_contention", 1)
			return
		}
		e.running++
		s.wg.Add(1)
		go s.runOne(ctx, e.src)
	}
	s.mu.Unlock()
}

func (s *Scheduler) runOne(ctx context.Context, src models.Source) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	started := s.now()
	err := s.run(ctx, src)
	elapsed := s.now().Sub(started)
	s.metrics.Observe("scheduler.run", elapsed)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[src.ID]
	if !ok {
		return
	}
	e.running--

	if err != nil && ctx.Err() == nil {
		e.fails++
		s.metrics.Count("scheduler.run_failed", 1)
		backoff := s.backoff(e.src.Cadence, e.fails)
		e.nextDue = s.now().Add(backoff)
		s.logger.Warn("source run failed",
			"source", src.ID, "consecutive", e.fails, "backoff", backoff, "error", err)
		if e.fails >= s.cfg.FailureThreshold {
			e.disabled = true
			e.autoDisab = true
			s.logger.Error("source disabled after repeated failures", "source", src.ID, "failures", e.fails)
		}
		return
	}

	if err == nil {
		e.fails = 0
		e.autoDisab = false
	}
	e.nextDue = s.now().Add(e.src.Cadence + s.jitter(e.src.Cadence))
}

// backoff doubles the cadence per consecutive failure, capped.
func (s *Scheduler) backoff(cadence time.Duration, fails int) time.Duration {
	d := cadence
	for i := 1; i < fails; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

func (s *Scheduler) jitter(cadence time.Duration) time.Duration {
	if s.cfg.Jitter <= 0 || cadence <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * s.cfg.Jitter * float64(cadence))
}

package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Sink is a fire-and-forget metrics recorder. Producers never block: when
// the buffer is full the event is dropped and counted. A background
// goroutine folds events into counters/timers and periodically logs a
// snapshot; an external time-series adapter can replace this by
// implementing types.MetricsSink directly.
type Sink struct {
	ch      chan event
	dropped atomic.Int64
	logger  *slog.Logger

	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
	timings  map[string]*timing

	done chan struct{}
	once sync.Once
}

type event struct {
	kind  int // 0 count, 1 observe, 2 gauge
	name  string
	delta int64
	dur   time.Duration
	value float64
}

type timing struct {
	count int64
	total time.Duration
	max   time.Duration
}

// New starts a sink with the given buffer. flushEvery <= 0 disables the
// periodic snapshot log.
func New(logger *slog.Logger, buffer int, flushEvery time.Duration) *Sink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &Sink{
		ch:       make(chan event, buffer),
		logger:   logger,
		counters: map[string]int64{},
		gauges:   map[string]float64{},
		timings:  map[string]*timing{},
		done:     make(chan struct{}),
	}
	go s.loop(flushEvery)
	return s
}

// Count adds delta to the named counter.
func (s *Sink) Count(name string, delta int64) {
	s.send(event{kind: 0, name: name, delta: delta})
}

// Observe records one duration sample.
func (s *Sink) Observe(name string, d time.Duration) {
	s.send(event{kind: 1, name: name, dur: d})
}

// Gauge sets the named gauge.
func (s *Sink) Gauge(name string, value float64) {
	s.send(event{kind: 2, name: name, value: value})
}

func (s *Sink) send(e event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded under overload.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Snapshot returns the folded counters and gauges for the status server.
func (s *Sink) Snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64, len(s.counters)+len(s.gauges)+len(s.timings))
	for name, v := range s.counters {
		out[name] = float64(v)
	}
	for name, v := range s.gauges {
		out[name] = v
	}
	for name, t := range s.timings {
		if t.count > 0 {
			out[name+".avg_ms"] = float64(t.total.Milliseconds()) / float64(t.count)
			out[name+".max_ms"] = float64(t.max.Milliseconds())
		}
	}
	out["metrics.dropped"] = float64(s.dropped.Load())
	return out
}

// Close stops the background goroutine after draining buffered events.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Sink) loop(flushEvery time.Duration) {
	var flush <-chan time.Time
	if flushEvery > 0 {
		ticker := time.NewTicker(flushEvery)
		defer ticker.Stop()
		flush = ticker.C
	}

	for {
		select {
		case e := <-s.ch:
			s.apply(e)
		case <-flush:
			s.logSnapshot()
		case <-s.done:
			for {
				select {
				case e := <-s.ch:
					s.apply(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) apply(e event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.kind {
	case 0:
		s.counters[e.name] += e.delta
	case 1:
		t := s.timings[e.name]
		if t == nil {
			t = &timing{}
			s.timings[e.name] = t
		}
		t.count++
		t.total += e.dur
		if e.dur > t.max {
			t.max = e.dur
		}
	case 2:
		s.gauges[e.name] = e.value
	}
}

func (s *Sink) logSnapshot() {
	if s.logger == nil {
		return
	}
	snap := s.Snapshot()

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]any, 0, len(names)*2)
	for _, name := range names {
		args = append(args, name, snap[name])
	}
	s.logger.Info("metrics", args...)
}

// Nop is a sink that discards everything, for tests and one-shot runs.
type Nop struct{}

func (Nop) Count(string, int64)           {}
func (Nop) Observe(string, time.Duration) {}
func (Nop) Gauge(string, float64)         {}

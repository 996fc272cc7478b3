package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsflow/internal/models"
	"newsflow/pkg/logging"
	"newsflow/pkg/metrics"
)

func testSchedConfig() Config {
	return Config{
		GlobalConcurrency: 4,
		Tick:              5 * time.Millisecond,
		MaxBackoff:        time.Minute,
		FailureThreshold:  3,
		ShutdownGrace:     time.Second,
	}
}

func source(id string, cadence time.Duration) models.Source {
	return models.Source{
		ID:      id,
		Kind:    models.SourceFeed,
		Cadence: cadence,
		Enabled: true,
	}
}

func TestSchedulerRunsDueSources(t *testing.T) {
	var runs atomic.Int32
	s := New(testSchedConfig(), func(ctx context.Context, src models.Source) error {
		runs.Add(1)
		return nil
	}, metrics.Nop{}, logging.New("error"))

	s.Schedule([]models.Source{source("a", 20*time.Millisecond)})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	got := runs.Load()
	assert.GreaterOrEqual(t, got, int32(3), "source should run repeatedly on its cadence")
}

func TestSchedulerNoSelfOverlap(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	s := New(testSchedConfig(), func(ctx context.Context, src models.Source) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond) // slower than the cadence
		inFlight.Add(-1)
		return nil
	}, metrics.Nop{}, logging.New("error"))

	s.Schedule([]models.Source{source("slow", 5*time.Millisecond)})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Equal(t, int32(1), maxInFlight.Load(), "a source must never overlap itself")
}

func TestSchedulerPerSourceOverlapCap(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	s := New(testSchedConfig(), func(ctx context.Context, src models.Source) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond) // slower than the cadence
		inFlight.Add(-1)
		return nil
	}, metrics.Nop{}, logging.New("error"))

	wide := source("wide", time.Millisecond)
	wide.Concurrency = 2
	s.Schedule([]models.Source{wide})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Equal(t, int32(2), maxInFlight.Load(), "a source may overlap itself up to its configured cap")
}

func TestSchedulerGlobalConcurrencyCap(t *testing.T) {
	cfg := testSchedConfig()
	cfg.GlobalConcurrency = 2

	var inFlight, maxInFlight atomic.Int32
	s := New(cfg, func(ctx context.Context, src models.Source) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, metrics.Nop{}, logging.New("error"))

	s.Schedule([]models.Source{
		source("a", 5*time.Millisecond),
		source("b", 5*time.Millisecond),
		source("c", 5*time.Millisecond),
		source("d", 5*time.Millisecond),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.LessOrEqual(t, maxInFlight.Load(), int32(2), "the global cap bounds concurrent runs")
}

func TestSchedulerSlowSourceDoesNotStarveOthers(t *testing.T) {
	var fastRuns atomic.Int32
	s := New(testSchedConfig(), func(ctx context.Context, src models.Source) error {
		if src.ID == "slow" {
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Second):
			}
			return nil
		}
		fastRuns.Add(1)
		return nil
	}, metrics.Nop{}, logging.New("error"))

	s.Schedule([]models.Source{
		source("slow", 5*time.Millisecond),
		source("fast", 10*time.Millisecond),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.GreaterOrEqual(t, fastRuns.Load(), int32(3), "the fast source keeps running while the slow one is stuck")
}

func TestSchedulerBackoffAfterFailures(t *testing.T) {
	var mu sync.Mutex
	var runTimes []time.Time
	s := New(testSchedConfig(), func(ctx context.Context, src models.Source) error {
		mu.Lock()
		runTimes = append(runTimes, time.Now())
		mu.Unlock()
		return errors.New("upstream broken")
	}, metrics.Nop{}, logging.New("error"))

	s.Schedule([]models.Source{source("failing", 10*time.Millisecond)})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	// FailureThreshold is 3, so the source is disabled after 3 failures.
	require.LessOrEqual(t, len(runTimes), 3)
	require.GreaterOrEqual(t, len(runTimes), 2)

	if len(runTimes) >= 3 {
		first := runTimes[1].Sub(runTimes[0])
		second := runTimes[2].Sub(runTimes[1])
		assert.Greater(t, second, first, "the retry gap grows with consecutive failures")
	}
}

func TestSchedulerAutoDisableAndReEnable(t *testing.T) {
	var runs atomic.Int32
	s := New(testSchedConfig(), func(ctx context.Context, src models.Source) error {
		runs.Add(1)
		return errors.New("broken")
	}, metrics.Nop{}, logging.New("error"))

	s.Schedule([]models.Source{source("bad", time.Millisecond)})

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Equal(t, int32(3), runs.Load(), "the source stops after hitting the failure threshold")

	s.mu.Lock()
	e := s.entries["bad"]
	assert.True(t, e.disabled)
	assert.True(t, e.autoDisab)
	s.mu.Unlock()

	s.Enable("bad")
	s.mu.Lock()
	assert.False(t, s.entries["bad"].disabled)
	assert.Equal(t, 0, s.entries["bad"].fails)
	s.mu.Unlock()
}

func TestSchedulerDisable(t *testing.T) {
	var runs atomic.Int32
	s := New(testSchedConfig(), func(ctx context.Context, src models.Source) error {
		runs.Add(1)
		return nil
	}, metrics.Nop{}, logging.New("error"))

	s.Schedule([]models.Source{source("a", time.Millisecond)})
	s.Disable("a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Equal(t, int32(0), runs.Load())
}

func TestSchedulerUpdateSources(t *testing.T) {
	s := New(testSchedConfig(), func(ctx context.Context, src models.Source) error {
		return nil
	}, metrics.Nop{}, logging.New("error"))

	s.Schedule([]models.Source{
		source("keep", time.Minute),
		source("drop", time.Minute),
	})

	updated := source("keep", time.Second)
	fresh := source("fresh", time.Minute)
	s.UpdateSources([]models.Source{updated, fresh})

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Contains(t, s.entries, "keep")
	require.Contains(t, s.entries, "fresh")
	assert.NotContains(t, s.entries, "drop")
	assert.Equal(t, time.Second, s.entries["keep"].src.Cadence, "reload applies the new cadence")
}

func TestSchedulerDisabledSourceStaysDisabledOnReload(t *testing.T) {
	s := New(testSchedConfig(), func(ctx context.Context, src models.Source) error {
		return nil
	}, metrics.Nop{}, logging.New("error"))

	s.Schedule([]models.Source{source("a", time.Minute)})

	// Simulate the failure path marking the source auto-disabled.
	s.mu.Lock()
	s.entries["a"].disabled = true
	s.entries["a"].autoDisab = true
	s.mu.Unlock()

	s.UpdateSources([]models.Source{source("a", time.Minute)})

	s.mu.Lock()
	assert.True(t, s.entries["a"].disabled, "reload does not resurrect an auto-disabled source")
	s.mu.Unlock()
}

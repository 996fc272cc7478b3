package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"newsflow/pkg/logging"
)

func flushed(s *Sink, name string) float64 {
	// The background loop folds events asynchronously; poll briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v, ok := s.Snapshot()[name]; ok {
			return v
		}
		time.Sleep(time.Millisecond)
	}
	return -1
}

func TestSinkCounters(t *testing.T) {
	s := New(logging.New("error"), 64, 0)
	defer s.Close()

	s.Count("pipeline.accepted", 1)
	s.Count("pipeline.accepted", 2)
	s.Gauge("dedup.index_size", 42)

	assert.Equal(t, 3.0, flushed(s, "pipeline.accepted"))
	assert.Equal(t, 42.0, flushed(s, "dedup.index_size"))
}

func TestSinkTimings(t *testing.T) {
	s := New(logging.New("error"), 64, 0)
	defer s.Close()

	s.Observe("fetch.duration", 10*time.Millisecond)
	s.Observe("fetch.duration", 30*time.Millisecond)

	assert.Equal(t, 20.0, flushed(s, "fetch.duration.avg_ms"))
	assert.Equal(t, 30.0, flushed(s, "fetch.duration.max_ms"))
}

func TestSinkNeverBlocks(t *testing.T) {
	s := New(logging.New("error"), 1, 0)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100000; i++ {
			s.Count("spam", 1)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producers must never block on the metrics sink")
	}
}

func TestSinkConcurrentProducers(t *testing.T) {
	s := New(logging.New("error"), 8192, 0)
	defer s.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Count("total", 1)
			}
		}()
	}
	wg.Wait()

	// All 800 events fit in the buffer, so nothing may be dropped.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Snapshot()["total"] == 800 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 800.0, s.Snapshot()["total"])
	assert.Equal(t, int64(0), s.Dropped())
}

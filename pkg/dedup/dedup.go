package dedup

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"newsflow/internal/models"
	"newsflow/internal/types"
)

// EmbedErrorPolicy decides what happens when the embedding capability is
// unavailable after retries.
type EmbedErrorPolicy string

const (
	// FailOpen accepts the document without the approximate check and
	// flags the result as dedup-skipped.
	FailOpen EmbedErrorPolicy = "fail_open"
	// FailClosed conservatively rejects the document as a duplicate.
	FailClosed EmbedErrorPolicy = "fail_closed"
)

// Config bounds the retention window and sets the similarity policy.
type Config struct {
	SimilarityThreshold float64
	Retention           time.Duration // time bound; zero disables the sweep
	MaxRecords          int           // capacity bound, oldest evicted first
	OnEmbedError        EmbedErrorPolicy
}

// DefaultConfig mirrors the system defaults: 0.85 cosine threshold,
// 14-day window.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.85,
		Retention:           14 * 24 * time.Hour,
		MaxRecords:          100000,
		OnEmbedError:        FailOpen,
	}
}

// Decision is the outcome of one duplicate check.
type Decision struct {
	Duplicate bool
	Skipped   bool // approximate tier skipped (embedder unavailable, fail-open)
	Reason    string
	Vector    []float32 // set when an embedding was produced
}

// Deduplicator performs the two-tier novelty check: an exact content-hash
// lookup, then a cosine-similarity scan over the retained records.
//
// Concurrency: similarity scans run under a read lock so unrelated
// documents never block each other; the insert for an accepted document
// happens under the write lock together with a re-check, so two
// near-identical documents racing through the pipeline cannot both pass.
type Deduplicator struct {
	cfgMu sync.RWMutex
	cfg   Config

	embedder types.Embedder
	metrics  types.MetricsSink

	mu      sync.RWMutex
	records *lru.Cache[string, models.EmbeddingRecord]
	now     func() time.Time
}

// New builds a Deduplicator over the given embedding capability.
func New(cfg Config, embedder types.Embedder, metrics types.MetricsSink) (*Deduplicator, error) {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.85
	}
	if cfg.MaxRecords == 0 {
		cfg.MaxRecords = 100000
	}
	if cfg.OnEmbedError == "" {
		cfg.OnEmbedError = FailOpen
	}

	records, err := lru.New[string, models.EmbeddingRecord](cfg.MaxRecords)
	if err != nil {
		return nil, fmt.Errorf("dedup index: %w", err)
	}

	return &Deduplicator{
		cfg:      cfg,
		embedder: embedder,
		metrics:  metrics,
		records:  records,
		now:      time.Now,
	}, nil
}

// SetConfig applies a reloaded threshold/retention between scheduler
// ticks. Capacity changes apply to new indexes only.
func (d *Deduplicator) SetConfig(cfg Config) {
	d.cfgMu.Lock()
	if cfg.SimilarityThreshold != 0 {
		d.cfg.SimilarityThreshold = cfg.SimilarityThreshold
	}
	d.cfg.Retention = cfg.Retention
	if cfg.OnEmbedError != "" {
		d.cfg.OnEmbedError = cfg.OnEmbedError
	}
	d.cfgMu.Unlock()
}

func (d *Deduplicator) config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// CheckAndRecord classifies doc against the retained set and, when it is
// novel, records it before returning so no concurrent check can miss it.
func (d *Deduplicator) CheckAndRecord(ctx context.Context, doc models.NormalizedDocument) (Decision, error) {
	cfg := d.config()

	d.mu.Lock()
	d.sweepLocked(cfg)
	if d.records.Contains(doc.ContentHash) {
		d.mu.Unlock()
		return Decision{Duplicate: true, Reason: "content hash already retained"}, nil
	}
	d.mu.Unlock()

	vector, err := d.embedder.Embed(ctx, doc.Text)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		if cfg.OnEmbedError == FailClosed {
			return Decision{Duplicate: true, Reason: fmt.Sprintf("embedding unavailable, fail-closed: %v", err)}, nil
		}
		// Fail-open: record the hash alone so at least exact re-ingests
		// keep being caught.
		d.mu.Lock()
		d.records.Add(doc.ContentHash, models.EmbeddingRecord{
			ContentHash: doc.ContentHash,
			InsertedAt:  d.now(),
		})
		size := d.records.Len()
		d.mu.Unlock()
		d.metrics.Gauge("dedup.index_size", float64(size))
		return Decision{Skipped: true, Reason: fmt.Sprintf("embedding unavailable, fail-open: %v", err)}, nil
	}

	// Fast path: scan the snapshot under the read lock.
	d.mu.RLock()
	hash, sim := d.nearestLocked(vector, cfg)
	d.mu.RUnlock()
	if sim >= cfg.SimilarityThreshold {
		return Decision{
			Duplicate: true,
			Vector:    vector,
			Reason:    fmt.Sprintf("cosine similarity %.3f to %s", sim, hash),
		}, nil
	}

	// Check-then-insert critical section: re-verify against records
	// published since the snapshot, then insert atomically.
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.records.Contains(doc.ContentHash) {
		return Decision{Duplicate: true, Vector: vector, Reason: "content hash already retained"}, nil
	}
	hash, sim = d.nearestLocked(vector, cfg)
	if sim >= cfg.SimilarityThreshold {
		return Decision{
			Duplicate: true,
			Vector:    vector,
			Reason:    fmt.Sprintf("cosine similarity %.3f to %s", sim, hash),
		}, nil
	}

	d.records.Add(doc.ContentHash, models.EmbeddingRecord{
		ContentHash: doc.ContentHash,
		Vector:      vector,
		InsertedAt:  d.now(),
	})
	d.metrics.Gauge("dedup.index_size", float64(d.records.Len()))

	return Decision{Vector: vector}, nil
}

// Forget removes a record, used when a recorded document later fails
// permanently and should become eligible again.
func (d *Deduplicator) Forget(contentHash string) {
	d.mu.Lock()
	d.records.Remove(contentHash)
	d.mu.Unlock()
}

// Len reports the current index size.
func (d *Deduplicator) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.records.Len()
}

// nearestLocked scans retained vectors for the highest cosine similarity.
// Brute force is deliberate: the retention window keeps the index small
// and the scan runs lock-free for writers only during the re-check.
func (d *Deduplicator) nearestLocked(vector []float32, cfg Config) (string, float64) {
	bestHash := ""
	bestSim := -1.0
	cutoff := time.Time{}
	if cfg.Retention > 0 {
		cutoff = d.now().Add(-cfg.Retention)
	}

	for _, key := range d.records.Keys() {
		rec, ok := d.records.Peek(key)
		if !ok || len(rec.Vector) == 0 {
			continue
		}
		if !cutoff.IsZero() && rec.InsertedAt.Before(cutoff) {
			continue
		}
		if sim := cosine(vector, rec.Vector); sim > bestSim {
			bestSim = sim
			bestHash = rec.ContentHash
		}
	}
	return bestHash, bestSim
}

// sweepLocked applies the time bound. The capacity bound is enforced by
// the LRU itself; records are only ever read with Peek/Contains, so its
// eviction order stays insertion order and oldest-first eviction is
// deterministic.
func (d *Deduplicator) sweepLocked(cfg Config) {
	if cfg.Retention <= 0 {
		return
	}
	cutoff := d.now().Add(-cfg.Retention)
	for {
		_, rec, ok := d.records.GetOldest()
		if !ok || !rec.InsertedAt.Before(cutoff) {
			return
		}
		d.records.RemoveOldest()
	}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

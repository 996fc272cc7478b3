package types

import (
	"context"
	"errors"
	"time"

	"newsflow/internal/models"
)

// Core interfaces wired through the pipeline. Collaborators outside the
// ingestion core (vector index, time-series store) are reached only
// through these.

// Fetcher pulls raw documents for one source. A fetch is finite per call,
// rate-limited, and must discard partial results when ctx is cancelled.
type Fetcher interface {
	Kind() models.SourceKind
	Fetch(ctx context.Context, src models.Source) ([]models.RawDocument, error)
}

// Embedder is the external embedding capability. Deterministic for
// identical input within one model version; failures are transient.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DocumentStore persists accepted documents and per-document outcomes.
// Upsert is keyed by content hash so retried writes stay idempotent.
type DocumentStore interface {
	Upsert(ctx context.Context, doc models.ScoredDocument, embedding []float32) error
	SaveResult(ctx context.Context, res models.IngestionResult) error
	Close()
}

// MetricsSink records counters and timings. Implementations must never
// block the pipeline; dropping under overload is acceptable.
type MetricsSink interface {
	Count(name string, delta int64)
	Observe(name string, d time.Duration)
	Gauge(name string, value float64)
}

// Sentinel errors shared across packages.
var (
	// ErrMalformedContent marks a payload that cannot be parsed into text.
	// The document is dropped; the batch continues.
	ErrMalformedContent = errors.New("malformed content")

	// ErrSourceDisabled is returned when a run is requested for a source
	// that has been disabled at runtime.
	ErrSourceDisabled = errors.New("source disabled")
)

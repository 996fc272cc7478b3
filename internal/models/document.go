package models

import "time"

// SourceKind selects the fetch strategy for a source.
type SourceKind string

const (
	SourceFeed   SourceKind = "feed"
	SourceWeb    SourceKind = "web"
	SourceSocial SourceKind = "social"
)

// Source is a configured origin of documents. Built from configuration at
// startup, immutable during a run, replaceable on reload.
type Source struct {
	ID          string
	Kind        SourceKind
	Cadence     time.Duration
	Concurrency int     // overlapping runs allowed for this source, normally 1
	RateKey     string  // limiter bucket key; sources sharing an upstream API share a key
	RatePerSec  float64 // token refill rate
	RateBurst   int
	TrustWeight float64 // [0,1], feeds the quality score
	Enabled     bool

	Feed   FeedSource
	Web    WebSource
	Social SocialSource
}

// FeedSource configures an RSS/Atom endpoint.
type FeedSource struct {
	URL string
}

// WebSource configures a same-host HTML crawl.
type WebSource struct {
	URL            string
	MaxDepth       int
	IgnorePatterns []string
}

// SocialSource configures a JSON posts API.
type SocialSource struct {
	Endpoint string
	Query    string
	Token    string
}

// RawDocument is the opaque output of one fetch. It exists only within a
// single pipeline pass. Title and PublishedAt are optional hints the
// fetcher may already know (feed items carry both); the normalizer falls
// back to them when the payload itself has neither.
type RawDocument struct {
	SourceID    string
	URI         string
	Payload     []byte
	Title       string
	PublishedAt time.Time
	FetchedAt   time.Time
}

// NormalizedDocument is the canonical record derived deterministically
// from a RawDocument. Never mutated after creation.
type NormalizedDocument struct {
	SourceID    string
	URI         string
	Title       string
	Text        string
	Language    string
	ContentHash string
	PublishedAt time.Time
	FetchedAt   time.Time
}

// ScoredDocument carries the quality verdict for a normalized document.
type ScoredDocument struct {
	NormalizedDocument
	Score  float64
	Passed bool
}

// EmbeddingRecord is one entry in the deduplication index. Evicted only by
// the retention policy, never silently.
type EmbeddingRecord struct {
	ContentHash string
	Vector      []float32
	InsertedAt  time.Time
}

// Status is the terminal state of one document's pipeline pass.
type Status string

const (
	StatusAccepted           Status = "accepted"
	StatusRejectedDuplicate  Status = "rejected_duplicate"
	StatusRejectedLowQuality Status = "rejected_low_quality"
	StatusMalformed          Status = "malformed"
	StatusPersistFailed      Status = "persist_failed"
	StatusInterrupted        Status = "interrupted"
)

// QualityLevel buckets a score for observability.
type QualityLevel string

const (
	QualityHigh    QualityLevel = "high"
	QualityMedium  QualityLevel = "medium"
	QualityLow     QualityLevel = "low"
	QualityVeryLow QualityLevel = "very_low"
)

// LevelForScore maps a quality score to its band.
func LevelForScore(score float64) QualityLevel {
	switch {
	case score >= 0.8:
		return QualityHigh
	case score >= 0.6:
		return QualityMedium
	case score >= 0.3:
		return QualityLow
	default:
		return QualityVeryLow
	}
}

// IngestionResult is the terminal outcome of one document's pipeline pass,
// persisted for observability.
type IngestionResult struct {
	ID           string        `json:"id"`
	SourceID     string        `json:"source_id"`
	URI          string        `json:"uri"`
	ContentHash  string        `json:"content_hash"`
	Status       Status        `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	Score        float64       `json:"score"`
	Quality      QualityLevel  `json:"quality"`
	DedupSkipped bool          `json:"dedup_skipped,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	CompletedAt  time.Time     `json:"completed_at"`
}

package scorer

import (
	"strings"
	"sync"

	"newsflow/internal/models"
)

// Weights control the relative contribution of each quality signal. The
// score is the weighted mean, so it stays in [0,1] for any non-negative
// weights.
type Weights struct {
	Length   float64
	Language float64
	Spam     float64
	Trust    float64
}

// Config is the externally supplied scoring surface. All thresholds and
// weights are configuration so a threshold change never requires a
// re-fetch, only a re-score.
type Config struct {
	MinLength      int // below this the length signal degrades linearly
	MaxLength      int // above this the length signal degrades as max/n
	TargetLanguage string
	SpamMarkers    []string
	Weights        Weights
	MinScore       float64 // pass threshold
}

// DefaultConfig mirrors the processing defaults of the wider system:
// minimum useful article length 100, quality floor 0.7.
func DefaultConfig() Config {
	return Config{
		MinLength:      100,
		MaxLength:      50000,
		TargetLanguage: "en",
		SpamMarkers:    []string{"buy now", "click here", "limited offer", "subscribe today"},
		Weights:        Weights{Length: 0.35, Language: 0.25, Spam: 0.2, Trust: 0.2},
		MinScore:       0.7,
	}
}

// Scorer computes a deterministic quality score. Score has no side
// effects; identical input always yields the same score.
type Scorer struct {
	mu  sync.RWMutex
	cfg Config
}

// New builds a Scorer with cfg, falling back to defaults for zero fields.
func New(cfg Config) *Scorer {
	if cfg.MinLength == 0 {
		cfg.MinLength = 100
	}
	if cfg.MaxLength == 0 {
		cfg.MaxLength = 50000
	}
	if cfg.TargetLanguage == "" {
		cfg.TargetLanguage = "en"
	}
	w := cfg.Weights
	if w.Length+w.Language+w.Spam+w.Trust == 0 {
		cfg.Weights = DefaultConfig().Weights
	}
	if cfg.MinScore == 0 {
		cfg.MinScore = 0.7
	}
	return &Scorer{cfg: cfg}
}

// SetConfig swaps the scoring configuration between scheduler ticks.
// All-zero weights would make the weighted mean divide by zero, so they
// fall back to the defaults the same way New does.
func (s *Scorer) SetConfig(cfg Config) {
	w := cfg.Weights
	if w.Length+w.Language+w.Spam+w.Trust == 0 {
		cfg.Weights = DefaultConfig().Weights
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// MinScore returns the current pass threshold.
func (s *Scorer) MinScore() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MinScore
}

// Score combines the length, language, spam and source-trust signals into
// one weighted mean and applies the pass threshold.
func (s *Scorer) Score(doc models.NormalizedDocument, trustWeight float64) models.ScoredDocument {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	w := cfg.Weights
	total := w.Length + w.Language + w.Spam + w.Trust

	score := (w.Length*lengthSignal(len(doc.Text), cfg.MinLength, cfg.MaxLength) +
		w.Language*languageSignal(doc.Language, cfg.TargetLanguage) +
		w.Spam*spamSignal(doc.Text, cfg.SpamMarkers) +
		w.Trust*clamp01(trustWeight)) / total

	score = clamp01(score)

	return models.ScoredDocument{
		NormalizedDocument: doc,
		Score:              score,
		Passed:             score >= cfg.MinScore,
	}
}

// lengthSignal is 1 inside the acceptable band, n/min below it and max/n
// above it.
func lengthSignal(n, min, max int) float64 {
	switch {
	case n <= 0:
		return 0
	case n < min:
		return float64(n) / float64(min)
	case n > max:
		return float64(max) / float64(n)
	default:
		return 1
	}
}

func languageSignal(lang, target string) float64 {
	if lang == target {
		return 1
	}
	return 0
}

// spamSignal loses a third per distinct marker hit.
func spamSignal(text string, markers []string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, marker := range markers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			hits++
		}
	}
	signal := 1 - float64(hits)/3
	if signal < 0 {
		return 0
	}
	return signal
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

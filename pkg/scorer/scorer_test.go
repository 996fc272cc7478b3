package scorer

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"newsflow/internal/models"
)

func normalized(text, lang string) models.NormalizedDocument {
	return models.NormalizedDocument{
		SourceID: "src",
		URI:      "https://example.com/a",
		Text:     text,
		Language: lang,
	}
}

func goodArticle() models.NormalizedDocument {
	return normalized(strings.Repeat("a sentence with useful reporting in it ", 20), "en")
}

func TestScoreDeterministic(t *testing.T) {
	s := New(DefaultConfig())
	doc := goodArticle()

	a := s.Score(doc, 0.9)
	b := s.Score(doc, 0.9)
	assert.Equal(t, a.Score, b.Score)
}

func TestScoreRange(t *testing.T) {
	s := New(DefaultConfig())

	docs := []models.NormalizedDocument{
		goodArticle(),
		normalized("tiny", "und"),
		normalized(strings.Repeat("x", 100000), "de"),
		normalized("buy now click here limited offer subscribe today", "en"),
	}
	for _, doc := range docs {
		for _, trust := range []float64{0, 0.5, 1, 2, -1} {
			got := s.Score(doc, trust)
			assert.GreaterOrEqual(t, got.Score, 0.0)
			assert.LessOrEqual(t, got.Score, 1.0)
		}
	}
}

func TestScorePassesGoodContent(t *testing.T) {
	s := New(DefaultConfig())

	got := s.Score(goodArticle(), 0.9)
	assert.True(t, got.Passed)
	assert.GreaterOrEqual(t, got.Score, 0.7)
}

func TestScoreRejectsShortContent(t *testing.T) {
	s := New(DefaultConfig())

	got := s.Score(normalized("too short", "en"), 0.9)
	assert.False(t, got.Passed)
	assert.Less(t, got.Score, 0.7)
}

func TestScoreRejectsSpam(t *testing.T) {
	s := New(DefaultConfig())

	spam := strings.Repeat("great deal ", 30) + "buy now click here limited offer"
	clean := strings.Repeat("great deal ", 30) + "and nothing else besides"

	spamScore := s.Score(normalized(spam, "en"), 0.9).Score
	cleanScore := s.Score(normalized(clean, "en"), 0.9).Score
	assert.Less(t, spamScore, cleanScore)
}

func TestScoreLanguageMismatch(t *testing.T) {
	s := New(DefaultConfig())
	text := strings.Repeat("the same words again and again for padding ", 10)

	en := s.Score(normalized(text, "en"), 0.9).Score
	und := s.Score(normalized(text, "und"), 0.9).Score
	assert.Greater(t, en, und)
}

func TestScoreTrustWeightContributes(t *testing.T) {
	s := New(DefaultConfig())
	doc := goodArticle()

	trusted := s.Score(doc, 1.0).Score
	untrusted := s.Score(doc, 0.0).Score
	assert.Greater(t, trusted, untrusted)
}

func TestLengthSignal(t *testing.T) {
	assert.Equal(t, 0.0, lengthSignal(0, 100, 1000))
	assert.Equal(t, 0.5, lengthSignal(50, 100, 1000))
	assert.Equal(t, 1.0, lengthSignal(100, 100, 1000))
	assert.Equal(t, 1.0, lengthSignal(1000, 100, 1000))
	assert.Equal(t, 0.5, lengthSignal(2000, 100, 1000))
}

func TestSetConfigZeroWeightsFallBack(t *testing.T) {
	s := New(DefaultConfig())

	cfg := DefaultConfig()
	cfg.Weights = Weights{}
	s.SetConfig(cfg)

	got := s.Score(goodArticle(), 0.9)
	assert.False(t, math.IsNaN(got.Score))
	assert.GreaterOrEqual(t, got.Score, 0.0)
	assert.LessOrEqual(t, got.Score, 1.0)
}

func TestSetConfigAppliesThreshold(t *testing.T) {
	s := New(DefaultConfig())
	doc := goodArticle()

	before := s.Score(doc, 0.9)
	assert.True(t, before.Passed)

	cfg := DefaultConfig()
	cfg.MinScore = 0.99
	s.SetConfig(cfg)

	after := s.Score(doc, 0.9)
	assert.Equal(t, before.Score, after.Score, "score is unchanged by the threshold")
	assert.False(t, after.Passed)
}

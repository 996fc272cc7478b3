package normalizer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"newsflow/internal/models"
	"newsflow/internal/types"
)

// Normalizer canonicalizes raw documents. Normalize is pure: identical
// raw input always yields an identical NormalizedDocument, including the
// content hash.
type Normalizer struct{}

// New builds a Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Normalize strips markup, extracts a best-effort title and publish time,
// and computes a stable hash over the cleaned text. Returns
// types.ErrMalformedContent when the payload cannot yield any text; the
// caller drops the document and continues the batch.
func (n *Normalizer) Normalize(raw models.RawDocument) (models.NormalizedDocument, error) {
	if len(raw.Payload) == 0 {
		return models.NormalizedDocument{}, fmt.Errorf("%w: empty payload from %s", types.ErrMalformedContent, raw.URI)
	}
	if !utf8.Valid(raw.Payload) {
		return models.NormalizedDocument{}, fmt.Errorf("%w: binary payload from %s", types.ErrMalformedContent, raw.URI)
	}

	text := string(raw.Payload)
	title := raw.Title
	published := raw.PublishedAt

	if looksLikeHTML(raw.Payload) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Payload))
		if err != nil {
			return models.NormalizedDocument{}, fmt.Errorf("%w: %v", types.ErrMalformedContent, err)
		}
		text = extractMainContent(doc)
		if title == "" {
			title = strings.TrimSpace(doc.Find("title").First().Text())
		}
		if published.IsZero() {
			published = extractPublishedTime(doc)
		}
	}

	text = cleanText(text)
	if text == "" {
		return models.NormalizedDocument{}, fmt.Errorf("%w: no text content in %s", types.ErrMalformedContent, raw.URI)
	}

	if title == "" {
		title = firstWords(text, 12)
	}
	if published.IsZero() {
		published = raw.FetchedAt
	}

	sum := sha256.Sum256([]byte(text))

	return models.NormalizedDocument{
		SourceID:    raw.SourceID,
		URI:         raw.URI,
		Title:       title,
		Text:        text,
		Language:    detectLanguage(text),
		ContentHash: hex.EncodeToString(sum[:]),
		PublishedAt: published.UTC(),
		FetchedAt:   raw.FetchedAt.UTC(),
	}, nil
}

func looksLikeHTML(payload []byte) bool {
	head := payload
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(head)
	return bytes.Contains(lower, []byte("<html")) ||
		bytes.Contains(lower, []byte("<!doctype")) ||
		bytes.Contains(lower, []byte("<p>")) ||
		bytes.Contains(lower, []byte("<div")) ||
		bytes.Contains(lower, []byte("<body"))
}

// extractMainContent prefers the article body over navigation chrome.
func extractMainContent(doc *goquery.Document) string {
	doc.Find("script, style, nav, header, footer, aside").Remove()

	selectors := []string{
		"article",
		"main",
		".content",
		"#content",
		".post-body",
	}
	for _, selector := range selectors {
		if sel := doc.Find(selector); sel.Length() > 0 {
			return sel.Text()
		}
	}
	return doc.Find("body").Text()
}

func extractPublishedTime(doc *goquery.Document) time.Time {
	metas := []string{
		`meta[property="article:published_time"]`,
		`meta[name="date"]`,
		`meta[name="pubdate"]`,
	}
	for _, selector := range metas {
		if content, ok := doc.Find(selector).First().Attr("content"); ok {
			for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02T15:04:05"} {
				if t, err := time.Parse(layout, strings.TrimSpace(content)); err == nil {
					return t.UTC()
				}
			}
		}
	}
	if dt, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(dt)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func cleanText(text string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}

func firstWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// English function words used by the language heuristic. Deterministic by
// construction; anything that does not look like English is tagged "und"
// and judged by the scorer's language signal.
var englishMarkers = []string{" the ", " and ", " of ", " to ", " in ", " is ", " that ", " for ", " with "}

func detectLanguage(text string) string {
	sample := " " + strings.ToLower(text) + " "
	if len(sample) > 2048 {
		sample = sample[:2048]
	}

	hits := 0
	for _, marker := range englishMarkers {
		if strings.Contains(sample, marker) {
			hits++
		}
	}
	if hits >= 3 {
		return "en"
	}
	return "und"
}

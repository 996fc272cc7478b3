package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"newsflow/internal/models"
)

// WebFetcher crawls same-host HTML pages up to a configured depth. Every
// reachable page becomes one RawDocument with the full HTML as payload;
// extraction happens later in the normalizer so fetch output stays opaque.
type WebFetcher struct {
	cfg      Config
	client   *http.Client
	limiters *Limiters
}

// NewWebFetcher wires an HTTP client and the shared limiter pool.
func NewWebFetcher(cfg Config, limiters *Limiters) *WebFetcher {
	cfg = cfg.withDefaults()
	return &WebFetcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiters: limiters,
	}
}

func (w *WebFetcher) Kind() models.SourceKind { return models.SourceWeb }

// Fetch walks the site breadth-first from the configured URL. On
// cancellation the partial crawl is discarded.
func (w *WebFetcher) Fetch(ctx context.Context, src models.Source) ([]models.RawDocument, error) {
	if src.Web.URL == "" {
		return nil, fmt.Errorf("source %s: web url not configured", src.ID)
	}

	base, err := url.Parse(src.Web.URL)
	if err != nil {
		return nil, fmt.Errorf("source %s: invalid url: %w", src.ID, err)
	}

	maxDepth := src.Web.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 1
	}

	crawl := &webCrawl{
		fetcher:  w,
		src:      src,
		baseHost: base.Host,
		visited:  map[string]bool{},
		limiter:  w.limiters.For(src),
	}

	var docs []models.RawDocument
	if err := crawl.walk(ctx, src.Web.URL, 0, maxDepth, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

type webCrawl struct {
	fetcher  *WebFetcher
	src      models.Source
	baseHost string
	visited  map[string]bool
	limiter  interface {
		Wait(ctx context.Context) error
	}
}

func (c *webCrawl) walk(ctx context.Context, pageURL string, depth, maxDepth int, docs *[]models.RawDocument) error {
	if depth > maxDepth || c.visited[pageURL] {
		return nil
	}
	if !c.shouldProcess(pageURL) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.visited[pageURL] = true

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body []byte
	err := c.fetcher.cfg.policy().Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", c.fetcher.cfg.UserAgent)

		resp, err := c.fetcher.client.Do(req)
		if err != nil {
			return classifyNetErr(err, pageURL)
		}
		if err := classifyStatus(resp, pageURL); err != nil {
			drainBody(resp)
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return classifyNetErr(err, pageURL)
		}
		return nil
	})
	if err != nil {
		return err
	}

	*docs = append(*docs, models.RawDocument{
		SourceID:  c.src.ID,
		URI:       pageURL,
		Payload:   body,
		FetchedAt: time.Now().UTC(),
	})

	for _, link := range extractLinks(body, pageURL) {
		if err := c.walk(ctx, link, depth+1, maxDepth, docs); err != nil {
			return err
		}
	}
	return nil
}

func (c *webCrawl) shouldProcess(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.Host != c.baseHost {
		return false
	}

	path := strings.ToLower(parsed.Path)
	ok := path == "" || strings.HasSuffix(path, "/") ||
		strings.HasSuffix(path, ".html") || strings.HasSuffix(path, ".htm") ||
		!strings.Contains(lastSegment(path), ".")
	if !ok {
		return false
	}

	for _, pattern := range c.src.Web.IgnorePatterns {
		if strings.Contains(rawURL, pattern) {
			return false
		}
	}
	return true
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// extractLinks resolves every anchor href on the page to an absolute URL.
func extractLinks(body []byte, pageURL string) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		parsed, err := url.Parse(href)
		if err != nil {
			return
		}
		if !parsed.IsAbs() {
			parsed = base.ResolveReference(parsed)
		}
		parsed.Fragment = ""
		links = append(links, parsed.String())
	})
	return links
}

package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsflow/internal/models"
)

func webSource(id, url string, depth int, ignore ...string) models.Source {
	return models.Source{
		ID:         id,
		Kind:       models.SourceWeb,
		RatePerSec: 1000,
		RateBurst:  1000,
		Web: models.WebSource{
			URL:            url,
			MaxDepth:       depth,
			IgnorePatterns: ignore,
		},
	}
}

func crawlServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="/page1">one</a>
			<a href="/page2">two</a>
			<a href="/skip/secret">hidden</a>
			<a href="https://other-host.example/else">external</a>
		</body></html>`)
	})
	mux.HandleFunc("/page1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/deep">deeper</a><p>page one</p></body></html>`)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>page two</p></body></html>`)
	})
	mux.HandleFunc("/deep", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>deep page</p></body></html>`)
	})
	mux.HandleFunc("/skip/secret", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>should never be fetched</p></body></html>`)
	})
	return httptest.NewServer(mux)
}

func TestWebFetchCrawlsSameHost(t *testing.T) {
	srv := crawlServer(t)
	defer srv.Close()

	f := NewWebFetcher(testConfig(), NewLimiters())
	docs, err := f.Fetch(context.Background(), webSource("site", srv.URL+"/", 1, "/skip/"))
	require.NoError(t, err)

	uris := make([]string, 0, len(docs))
	for _, d := range docs {
		uris = append(uris, d.URI)
	}

	assert.Contains(t, uris, srv.URL+"/")
	assert.Contains(t, uris, srv.URL+"/page1")
	assert.Contains(t, uris, srv.URL+"/page2")
	assert.NotContains(t, uris, srv.URL+"/deep", "depth 1 stops before /deep")
	assert.NotContains(t, uris, srv.URL+"/skip/secret", "ignore patterns are honored")
	for _, uri := range uris {
		assert.NotContains(t, uri, "other-host", "crawl never leaves the source host")
	}
}

func TestWebFetchDepth(t *testing.T) {
	srv := crawlServer(t)
	defer srv.Close()

	f := NewWebFetcher(testConfig(), NewLimiters())
	docs, err := f.Fetch(context.Background(), webSource("site", srv.URL+"/", 2, "/skip/"))
	require.NoError(t, err)

	uris := make([]string, 0, len(docs))
	for _, d := range docs {
		uris = append(uris, d.URI)
	}
	assert.Contains(t, uris, srv.URL+"/deep")
}

func TestWebFetchNoRevisits(t *testing.T) {
	visits := map[string]int{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		visits[r.URL.Path]++
		// Both pages link back to each other and to the root.
		fmt.Fprint(w, `<html><body><a href="/">root</a><a href="/a">a</a><a href="/b">b</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewWebFetcher(testConfig(), NewLimiters())
	_, err := f.Fetch(context.Background(), webSource("loop", srv.URL+"/", 3))
	require.NoError(t, err)

	for path, count := range visits {
		assert.Equal(t, 1, count, "page %s fetched more than once", path)
	}
}

func TestWebFetchCancelledDiscardsPartial(t *testing.T) {
	srv := crawlServer(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewWebFetcher(testConfig(), NewLimiters())
	docs, err := f.Fetch(ctx, webSource("site", srv.URL+"/", 2))
	require.Error(t, err)
	assert.Nil(t, docs)
}

func TestShouldProcess(t *testing.T) {
	crawl := &webCrawl{
		baseHost: "example.com",
		src: models.Source{Web: models.WebSource{
			IgnorePatterns: []string{"/private/"},
		}},
	}

	assert.True(t, crawl.shouldProcess("https://example.com/"))
	assert.True(t, crawl.shouldProcess("https://example.com/docs/intro"))
	assert.True(t, crawl.shouldProcess("https://example.com/page.html"))
	assert.False(t, crawl.shouldProcess("https://example.com/logo.png"))
	assert.False(t, crawl.shouldProcess("https://elsewhere.com/"))
	assert.False(t, crawl.shouldProcess("https://example.com/private/area"))
}

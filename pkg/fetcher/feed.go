package fetcher

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"newsflow/internal/models"
)

// FeedFetcher pulls RSS 2.0 and Atom feeds. Each item becomes one
// RawDocument carrying the item body as payload and the feed-supplied
// title and publish time as hints.
type FeedFetcher struct {
	cfg      Config
	client   *http.Client
	limiters *Limiters
}

// NewFeedFetcher wires an HTTP client and the shared limiter pool.
func NewFeedFetcher(cfg Config, limiters *Limiters) *FeedFetcher {
	cfg = cfg.withDefaults()
	return &FeedFetcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiters: limiters,
	}
}

func (f *FeedFetcher) Kind() models.SourceKind { return models.SourceFeed }

// Fetch downloads and parses the configured feed. Partial results are
// discarded on error or cancellation.
func (f *FeedFetcher) Fetch(ctx context.Context, src models.Source) ([]models.RawDocument, error) {
	if src.Feed.URL == "" {
		return nil, fmt.Errorf("source %s: feed url not configured", src.ID)
	}

	if err := f.limiters.For(src).Wait(ctx); err != nil {
		return nil, err
	}

	var body []byte
	err := f.cfg.policy().Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Feed.URL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return classifyNetErr(err, src.Feed.URL)
		}
		if err := classifyStatus(resp, src.Feed.URL); err != nil {
			drainBody(resp)
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return classifyNetErr(err, src.Feed.URL)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := parseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, err)
	}

	now := time.Now().UTC()
	docs := make([]models.RawDocument, 0, len(items))
	for _, item := range items {
		docs = append(docs, models.RawDocument{
			SourceID:    src.ID,
			URI:         item.link,
			Payload:     []byte(item.body),
			Title:       item.title,
			PublishedAt: item.published,
			FetchedAt:   now,
		})
	}
	return docs, nil
}

type feedItem struct {
	title     string
	link      string
	body      string
	published time.Time
}

type rssFeed struct {
	Channel struct {
		Items []struct {
			Title       string `xml:"title"`
			Link        string `xml:"link"`
			Description string `xml:"description"`
			Encoded     string `xml:"encoded"`
			PubDate     string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
}

type atomFeed struct {
	Entries []struct {
		Title string `xml:"title"`
		Links []struct {
			Href string `xml:"href,attr"`
			Rel  string `xml:"rel,attr"`
		} `xml:"link"`
		Content string `xml:"content"`
		Summary string `xml:"summary"`
		Updated string `xml:"updated"`
	} `xml:"entry"`
}

// parseFeed tries RSS 2.0 first, then Atom.
func parseFeed(body []byte) ([]feedItem, error) {
	var rss rssFeed
	if err := xml.Unmarshal(body, &rss); err == nil && len(rss.Channel.Items) > 0 {
		items := make([]feedItem, 0, len(rss.Channel.Items))
		for _, it := range rss.Channel.Items {
			content := it.Encoded
			if content == "" {
				content = it.Description
			}
			items = append(items, feedItem{
				title:     it.Title,
				link:      it.Link,
				body:      content,
				published: parseFeedTime(it.PubDate),
			})
		}
		return items, nil
	}

	var atom atomFeed
	if err := xml.Unmarshal(body, &atom); err == nil && len(atom.Entries) > 0 {
		items := make([]feedItem, 0, len(atom.Entries))
		for _, e := range atom.Entries {
			link := ""
			for _, l := range e.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					link = l.Href
					break
				}
			}
			content := e.Content
			if content == "" {
				content = e.Summary
			}
			items = append(items, feedItem{
				title:     e.Title,
				link:      link,
				body:      content,
				published: parseFeedTime(e.Updated),
			})
		}
		return items, nil
	}

	return nil, fmt.Errorf("payload is neither RSS nor Atom")
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

func parseFeedTime(value string) time.Time {
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"newsflow/internal/models"
)

// SocialFetcher pulls posts from a JSON API. The endpoint is expected to
// return an array of post objects; auth errors surface immediately as
// permanent failures so the scheduler can flag the source.
type SocialFetcher struct {
	cfg      Config
	client   *http.Client
	limiters *Limiters
}

// NewSocialFetcher wires an HTTP client and the shared limiter pool.
func NewSocialFetcher(cfg Config, limiters *Limiters) *SocialFetcher {
	cfg = cfg.withDefaults()
	return &SocialFetcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiters: limiters,
	}
}

func (s *SocialFetcher) Kind() models.SourceKind { return models.SourceSocial }

type socialPost struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Author    string `json:"author"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

// Fetch queries the configured endpoint once per call.
func (s *SocialFetcher) Fetch(ctx context.Context, src models.Source) ([]models.RawDocument, error) {
	if src.Social.Endpoint == "" {
		return nil, fmt.Errorf("source %s: social endpoint not configured", src.ID)
	}

	endpoint := src.Social.Endpoint
	if src.Social.Query != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("source %s: invalid endpoint: %w", src.ID, err)
		}
		q := u.Query()
		q.Set("query", src.Social.Query)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	if err := s.limiters.For(src).Wait(ctx); err != nil {
		return nil, err
	}

	var posts []socialPost
	err := s.cfg.policy().Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", s.cfg.UserAgent)
		req.Header.Set("Accept", "application/json")
		if src.Social.Token != "" {
			req.Header.Set("Authorization", "Bearer "+src.Social.Token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return classifyNetErr(err, endpoint)
		}
		if err := classifyStatus(resp, endpoint); err != nil {
			drainBody(resp)
			return err
		}
		defer resp.Body.Close()

		posts = posts[:0]
		if err := json.NewDecoder(resp.Body).Decode(&posts); err != nil {
			return fmt.Errorf("decode posts from %s: %w", endpoint, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	docs := make([]models.RawDocument, 0, len(posts))
	for _, post := range posts {
		uri := post.URL
		if uri == "" {
			uri = fmt.Sprintf("%s#%s", src.Social.Endpoint, post.ID)
		}
		docs = append(docs, models.RawDocument{
			SourceID:    src.ID,
			URI:         uri,
			Payload:     []byte(post.Text),
			PublishedAt: parseFeedTime(post.CreatedAt),
			FetchedAt:   now,
		})
	}
	return docs, nil
}

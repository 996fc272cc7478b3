package fetcher

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newsflow/internal/models"
	"newsflow/internal/types"
	"newsflow/pkg/retry"
)

// Config carries shared settings for all fetch strategies.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	UserAgent   string
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "newsflow/1.0"
	}
	return c
}

func (c Config) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Jitter:      0.2,
	}
}

// Registry maps source kinds to their fetch strategies.
type Registry struct {
	fetchers map[models.SourceKind]types.Fetcher
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: map[models.SourceKind]types.Fetcher{}}
}

// Register adds or replaces the strategy for its kind.
func (r *Registry) Register(f types.Fetcher) {
	if r.fetchers == nil {
		r.fetchers = map[models.SourceKind]types.Fetcher{}
	}
	r.fetchers[f.Kind()] = f
}

// Resolve returns the strategy for a kind or an error if absent.
func (r *Registry) Resolve(kind models.SourceKind) (types.Fetcher, error) {
	if f, ok := r.fetchers[kind]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("no fetcher registered for kind %q", kind)
}

// Limiters holds one token bucket per rate key. Sources sharing an
// upstream API share a key and therefore a budget. Safe for concurrent
// acquisition.
type Limiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLimiters builds an empty limiter pool.
func NewLimiters() *Limiters {
	return &Limiters{buckets: map[string]*rate.Limiter{}}
}

// For returns the limiter for src, creating it on first use. The bucket
// is keyed by src.RateKey, falling back to the source ID. When a reload
// changes the source's rate parameters the cached bucket is adjusted in
// place so the new budget applies from the next acquisition.
func (l *Limiters) For(src models.Source) *rate.Limiter {
	key := src.RateKey
	if key == "" {
		key = src.ID
	}

	perSec := rate.Limit(src.RatePerSec)
	if perSec <= 0 {
		perSec = 1
	}
	burst := src.RateBurst
	if burst < 1 {
		burst = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.buckets[key]; ok {
		if lim.Limit() != perSec {
			lim.SetLimit(perSec)
		}
		if lim.Burst() != burst {
			lim.SetBurst(burst)
		}
		return lim
	}

	lim := rate.NewLimiter(perSec, burst)
	l.buckets[key] = lim
	return lim
}

// classifyStatus converts an HTTP status into the retry taxonomy:
// 5xx and 429 are transient, other 4xx are permanent.
func classifyStatus(resp *http.Response, uri string) error {
	switch {
	case resp.StatusCode < http.StatusBadRequest:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return retry.Transient(fmt.Errorf("%s returned %s", uri, resp.Status))
	default:
		return retry.Permanent(fmt.Errorf("%s returned %s", uri, resp.Status))
	}
}

// classifyNetErr marks connection-level failures (timeouts, resets) as
// transient.
func classifyNetErr(err error, uri string) error {
	if err == nil {
		return nil
	}
	return retry.Transient(fmt.Errorf("request %s: %w", uri, err))
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

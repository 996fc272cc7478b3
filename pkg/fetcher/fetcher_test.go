package fetcher

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"newsflow/internal/models"
	"newsflow/pkg/retry"
)

func testConfig() Config {
	return Config{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry()
	limiters := NewLimiters()
	registry.Register(NewFeedFetcher(testConfig(), limiters))
	registry.Register(NewWebFetcher(testConfig(), limiters))

	f, err := registry.Resolve(models.SourceFeed)
	require.NoError(t, err)
	assert.Equal(t, models.SourceFeed, f.Kind())

	_, err = registry.Resolve(models.SourceSocial)
	assert.Error(t, err)
}

func TestLimitersSharedByRateKey(t *testing.T) {
	limiters := NewLimiters()

	a := limiters.For(models.Source{ID: "a", RateKey: "api.example.com", RatePerSec: 1, RateBurst: 1})
	b := limiters.For(models.Source{ID: "b", RateKey: "api.example.com", RatePerSec: 1, RateBurst: 1})
	c := limiters.For(models.Source{ID: "c", RatePerSec: 1, RateBurst: 1})

	assert.Same(t, a, b, "sources sharing a rate key share a bucket")
	assert.NotSame(t, a, c, "distinct keys get distinct buckets")
}

func TestLimitersApplyReloadedRates(t *testing.T) {
	limiters := NewLimiters()

	before := limiters.For(models.Source{ID: "a", RatePerSec: 1, RateBurst: 1})
	assert.Equal(t, rate.Limit(1), before.Limit())
	assert.Equal(t, 1, before.Burst())

	// A config reload raises the budget for the same source; the cached
	// bucket must pick up the new parameters.
	after := limiters.For(models.Source{ID: "a", RatePerSec: 10, RateBurst: 5})
	assert.Same(t, before, after)
	assert.Equal(t, rate.Limit(10), after.Limit())
	assert.Equal(t, 5, after.Burst())
}

func TestLimitersEnforceBudget(t *testing.T) {
	limiters := NewLimiters()
	src := models.Source{ID: "slow", RatePerSec: 10, RateBurst: 1}

	lim := limiters.For(src)
	require.True(t, lim.Allow())
	// Burst spent; the next token arrives only after ~100ms.
	assert.False(t, lim.Allow())
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{200, false},
		{429, true},
		{500, true},
		{503, true},
		{404, false},
		{401, false},
	}

	newResponse := func(status int) *http.Response {
		return &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
			Body:       io.NopCloser(strings.NewReader("")),
		}
	}

	for _, tt := range tests {
		resp := newResponse(tt.status)
		err := classifyStatus(resp, "http://example.com")
		if tt.status < 400 {
			assert.NoError(t, err)
			continue
		}
		require.Error(t, err)
		assert.Equal(t, tt.retryable, retry.IsTransient(err), "status %d", tt.status)
	}
}

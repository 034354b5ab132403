package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/starschema-etl/internal/resilience"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent: "test-agent",
		Timeout:   5 * time.Second,
	})
}

func TestFetch_GETWithQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
		assert.Equal(t, "keep", r.URL.Query().Get("fixed"))
		w.Write([]byte(`{"data":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	f := newTestFetcher()
	body, err := f.Fetch(context.Background(), Request{
		URL:   srv.URL + "/facts?fixed=keep",
		Query: url.Values{"limit": {"100"}, "cursor": {"abc"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[]}`, string(body))
}

func TestFetch_POSTJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(2), body["page"])
		w.Write([]byte(`{"results":[{"id":1}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{APIKey: "secret"})
	body, err := f.Fetch(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Body:   map[string]any{"page": 2, "limit": 100},
	})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"id":1`)
}

func TestFetch_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	var te *resilience.TransientError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
}

func TestFetch_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such cursor")) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "no such cursor")
}

func TestFetch_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{Timeout: 50 * time.Millisecond})
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestFetch_429SlowsLimiter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{Delay: 10 * time.Millisecond})
	before := f.Limiter().Limit()
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Less(t, float64(f.Limiter().Limit()), float64(before))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_SharedDelayAcrossGoroutines(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[]`)) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{Delay: 20 * time.Millisecond})
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Four requests at one per 20ms need at least three intervals.
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())
}

func TestFetch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestFetcher().Fetch(ctx, Request{URL: "http://127.0.0.1:1"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(100 * time.Millisecond)
	assert.Equal(t, rate.Limit(10), a.Limit())

	a.OnRateLimit()
	assert.InDelta(t, 5.0, float64(a.Limit()), 0.001)

	a.OnSuccess()
	assert.InDelta(t, 6.0, float64(a.Limit()), 0.001)

	for i := 0; i < 20; i++ {
		a.OnSuccess()
	}
	assert.Equal(t, rate.Limit(10), a.Limit(), "never exceeds configured ceiling")

	for i := 0; i < 20; i++ {
		a.OnRateLimit()
	}
	assert.InDelta(t, 1.25, float64(a.Limit()), 0.001, "floors at an eighth of the ceiling")
}

func TestAdaptiveLimiter_Unpaced(t *testing.T) {
	a := NewAdaptiveLimiter(0)
	assert.Equal(t, rate.Inf, a.Limit())
	a.OnRateLimit()
	assert.InDelta(t, 10.0, float64(a.Limit()), 0.001)
}

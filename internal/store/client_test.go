package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := New(Options{BaseURL: srv.URL, Token: "secret", VersionHeader: "Store-Version", Version: "2022-06-28"}, nil)
	slept := instantTimers(c)
	c.jitter = func() time.Duration { return 0 }
	t.Cleanup(func() { _ = c.Close() })
	return c, slept
}

// instantTimer fires immediately and records each requested wait.
type instantTimer struct {
	slept *[]time.Duration
	c     chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	*t.slept = append(*t.slept, d)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func instantTimers(c *Client) *[]time.Duration {
	var slept []time.Duration
	c.newTimer = func() backoff.Timer {
		return &instantTimer{slept: &slept, c: make(chan time.Time, 1)}
	}
	return &slept
}

func TestDo_DecodesSuccessBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "2022-06-28", r.Header.Get("Store-Version"))
		assert.Equal(t, "/databases/db1/query", r.URL.Path)
		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, float64(10), in["page_size"])
		_, _ = w.Write([]byte(`{"id":"p1"}`))
	})

	var out struct{ ID string }
	err := c.Do(context.Background(), http.MethodPost, "/databases/db1/query", map[string]any{"page_size": 10}, &out)
	require.NoError(t, err)
	assert.Equal(t, "p1", out.ID)
}

func TestDo_TransientRetriedExactlyMaxAttempts(t *testing.T) {
	for _, status := range []int{429, 500, 503, 504} {
		var calls int32
		c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":"busy","message":"try later"}`))
		})

		err := c.Do(context.Background(), http.MethodGet, "pages/x", nil, nil)
		require.Error(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "status %d", status)
		assert.True(t, IsExhausted(err))
		assert.Equal(t, status, StatusOf(err))

		var se *StoreError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, CodeMaxRetries, se.Code)
		// base 1s * 2^attempt, no jitter, no sleep after the last attempt
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	}
}

func TestDo_PermanentNotRetried(t *testing.T) {
	for _, status := range []int{400, 401, 404, 409, 502} {
		var calls int32
		c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":"validation_error","message":"bad filter"}`))
		})

		err := c.Do(context.Background(), http.MethodPatch, "pages/x", map[string]any{}, nil)
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "status %d", status)
		assert.True(t, IsPermanent(err))
		assert.Empty(t, *slept)

		var se *StoreError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "validation_error", se.Code)
		assert.Equal(t, "bad filter", se.Message)
	}
}

func TestDo_RecoversAfterTransient(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	var out struct{ OK bool }
	require.NoError(t, c.Do(context.Background(), http.MethodGet, "pages/x", nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_NonJSONErrorBodyKeptAsMessage(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadRequest)
	})

	err := c.Do(context.Background(), http.MethodGet, "pages/x", nil, nil)
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "unknown_api_error", se.Code)
	assert.Equal(t, "upstream exploded", se.Message)
}

func TestDo_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Options{BaseURL: url}, nil)
	slept := instantTimers(c)

	err := c.Do(context.Background(), http.MethodGet, "pages/x", nil, nil)
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.Len(t, *slept, 2)
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c.newTimer = nil
	c.opts.BaseDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Do(ctx, http.MethodGet, "pages/x", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsExhausted(err))
}

func TestClose_RejectsLaterRequests(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	require.NoError(t, c.Do(context.Background(), http.MethodGet, "pages/x", nil, nil))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Do(context.Background(), http.MethodGet, "pages/x", nil, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestBackoff_AddsJitterUnderOneSecond(t *testing.T) {
	b := New(Options{}, nil).newBackOff()
	for attempt := 0; attempt < 3; attempt++ {
		d := b.NextBackOff()
		base := time.Second << attempt
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+time.Second)
	}
}

func TestBackOff_ResetStartsOver(t *testing.T) {
	c := New(Options{BaseDelay: 100 * time.Millisecond}, nil)
	c.jitter = func() time.Duration { return 0 }
	b := c.newBackOff()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestDo_SingleAttemptNeverWaits(t *testing.T) {
	var calls int32
	c, slept := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c.opts.MaxAttempts = 1

	err := c.Do(context.Background(), http.MethodGet, "pages/x", nil, nil)
	assert.True(t, IsExhausted(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, *slept)
}

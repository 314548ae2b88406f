package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"nudge/internal/metrics"
)

// DefaultRetryStatuses are the HTTP statuses treated as transient.
var DefaultRetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

type Options struct {
	BaseURL        string
	Token          string
	VersionHeader  string // e.g. "Notion-Version"
	Version        string
	MaxAttempts    int
	BaseDelay      time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	RetryStatuses  []int
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 8 << 20
	}
	if o.RetryStatuses == nil {
		o.RetryStatuses = DefaultRetryStatuses
	}
}

// Client executes remote store requests with bounded retry. The underlying
// connection pool is opened on first use and released by Close.
type Client struct {
	opts      Options
	retryable map[int]bool
	metrics   *metrics.Metrics

	mu        sync.Mutex
	http      *http.Client
	transport *http.Transport
	closed    bool

	jitter   func() time.Duration
	newTimer func() backoff.Timer
}

func New(opts Options, m *metrics.Metrics) *Client {
	opts.setDefaults()
	retryable := make(map[int]bool, len(opts.RetryStatuses))
	for _, s := range opts.RetryStatuses {
		retryable[s] = true
	}
	return &Client{
		opts:      opts,
		retryable: retryable,
		metrics:   m,
		jitter:    func() time.Duration { return time.Duration(rand.Float64() * float64(time.Second)) },
	}
}

// Do sends one request and decodes a 2xx JSON body into out (when non-nil).
// Transient failures are retried up to MaxAttempts; the final failure is a
// *StoreError with Code CodeMaxRetries wrapping the last attempt's error.
func (c *Client) Do(ctx context.Context, method, path string, payload, out any) error {
	hc, err := c.client()
	if err != nil {
		return err
	}

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return &StoreError{Code: "invalid_payload", Message: err.Error(), Kind: KindPermanent, Err: err}
		}
	}
	url := strings.TrimRight(c.opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")

	attempts := 0
	op := func() error {
		attempts++
		err := c.attempt(ctx, hc, method, url, body, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		c.metrics.StoreRetry()
		log.Warn().Err(err).
			Str("method", method).
			Str("path", path).
			Int("attempt", attempts).
			Dur("delay", delay).
			Msg("transient store error, retrying")
	}

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.opts.MaxAttempts-1)), ctx)
	err = backoff.RetryNotifyWithTimer(op, b, notify, timer)
	switch {
	case err == nil:
		c.metrics.StoreRequest("ok")
		return nil
	case ctx.Err() != nil:
		c.metrics.StoreRequest("canceled")
		return fmt.Errorf("store %s %s: %w", method, path, ctx.Err())
	case !IsTransient(err):
		c.metrics.StoreRequest("permanent")
		log.Error().Err(err).Str("method", method).Str("path", path).Msg("store request failed")
		return err
	}

	c.metrics.StoreRequest("exhausted")
	log.Error().Err(err).Str("method", method).Str("path", path).Int("attempts", attempts).Msg("store retries exhausted")
	return &StoreError{
		Status:  StatusOf(err),
		Code:    CodeMaxRetries,
		Message: fmt.Sprintf("request failed after %d attempts", attempts),
		Kind:    KindTransient,
		Err:     err,
	}
}

func (c *Client) attempt(ctx context.Context, hc *http.Client, method, url string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return &StoreError{Code: "invalid_request", Message: err.Error(), Kind: KindPermanent, Err: err}
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	if c.opts.VersionHeader != "" && c.opts.Version != "" {
		req.Header.Set(c.opts.VersionHeader, c.opts.Version)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		code := "connection_error"
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			code = "timeout"
		}
		return &StoreError{Code: code, Message: err.Error(), Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	data, err := readAllWithLimit(resp.Body, c.opts.MaxBodyBytes)
	if err != nil {
		return &StoreError{Status: resp.StatusCode, Code: "read_error", Message: err.Error(), Kind: KindTransient, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return &StoreError{Status: resp.StatusCode, Code: "invalid_json", Message: "response was not valid JSON", Kind: KindPermanent, Err: err}
		}
		return nil
	}

	code, msg := decodeErrorBody(data)
	kind := KindPermanent
	if c.retryable[resp.StatusCode] {
		kind = KindTransient
	}
	return &StoreError{Status: resp.StatusCode, Code: code, Message: msg, Kind: kind}
}

// doublingBackOff waits base * 2^n plus jitter before retry n.
type doublingBackOff struct {
	base   time.Duration
	jitter func() time.Duration
	n      int
}

func (b *doublingBackOff) NextBackOff() time.Duration {
	d := b.base<<b.n + b.jitter()
	b.n++
	return d
}

func (b *doublingBackOff) Reset() { b.n = 0 }

func (c *Client) newBackOff() backoff.BackOff {
	return &doublingBackOff{base: c.opts.BaseDelay, jitter: c.jitter}
}

func (c *Client) client() (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.http == nil {
		c.transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: c.opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout: c.opts.ConnectTimeout,
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		}
		c.http = &http.Client{Transport: c.transport, Timeout: c.opts.RequestTimeout}
		log.Debug().Str("base_url", c.opts.BaseURL).Msg("opened store connection pool")
	}
	return c.http, nil
}

// Close releases pooled connections. Later requests fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.transport != nil {
		c.transport.CloseIdleConnections()
		log.Debug().Msg("closed store connection pool")
	}
	c.http, c.transport = nil, nil
	return nil
}

func decodeErrorBody(data []byte) (code, msg string) {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && (body.Code != "" || body.Message != "") {
		code, msg = body.Code, body.Message
	}
	if code == "" {
		code = "unknown_api_error"
	}
	if msg == "" {
		msg = strings.TrimSpace(string(data))
		if len(msg) > 500 {
			msg = msg[:500]
		}
	}
	return code, msg
}

func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeded limit of %d bytes", limit)
	}
	return data, nil
}

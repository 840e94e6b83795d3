// Package forward executes outbound HTTP requests with a hard deadline and
// a response size cap. Redirects are surfaced as-is and nothing is retried;
// retry policy belongs to the calling agent.
package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxResponseBytes caps upstream response bodies.
const MaxResponseBytes = 10 << 20 // 10 MiB

// DefaultTimeout bounds one outbound request.
const DefaultTimeout = 30 * time.Second

// Failure classification for the orchestrator's error mapping.
var (
	ErrTimeout  = errors.New("upstream deadline exceeded")
	ErrUpstream = errors.New("upstream request failed")
	ErrTooLarge = errors.New("upstream response exceeds size limit")
)

// Response is the upstream's answer. Headers collapse to single values,
// last value winning on repeats.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Forwarder issues outbound requests.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
}

// New creates a Forwarder with the given per-request deadline.
func New(timeout time.Duration) *Forwarder {
	return NewWithTransport(timeout, nil)
}

// NewWithTransport creates a Forwarder that issues requests through rt.
// A nil rt uses the default transport.
func NewWithTransport(timeout time.Duration, rt http.RoundTripper) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Forwarder{
		client: &http.Client{
			Transport: rt,
			// Redirects are the caller's business; surface them untouched.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

// Do executes one request. Error messages never include request headers.
func (f *Forwarder) Do(ctx context.Context, method, targetURL string, headers map[string]string, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid request", ErrUpstream)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, ErrTimeout
		}
		// The transport error may carry the URL but never headers.
		return nil, fmt.Errorf("%w: %s %s", ErrUpstream, method, targetURL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.ContentLength > MaxResponseBytes {
		return nil, ErrTooLarge
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: reading response from %s", ErrUpstream, targetURL)
	}
	if len(respBody) > MaxResponseBytes {
		return nil, ErrTooLarge
	}

	flat := make(map[string]string, len(resp.Header))
	for k, values := range resp.Header {
		flat[k] = values[len(values)-1]
	}

	return &Response{Status: resp.StatusCode, Headers: flat, Body: respBody}, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

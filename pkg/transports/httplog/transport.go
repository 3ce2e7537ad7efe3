// Package httplog provides an HTTP client whose calls are recorded on the
// log of the test that made them.
package httplog

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/masking"
	"github.com/fieldtest/fieldtest/pkg/telemetry"
)

// Protocol is the LogEntry protocol of HTTP calls.
const Protocol = "http"

// DefaultMaxBodySize caps how much of each body is kept in the log.
const DefaultMaxBodySize = 1 << 20

// Transport is an http.RoundTripper that captures every round trip made
// inside a running test. Bodies are read in full and handed back to the
// caller unchanged.
type Transport struct {
	// Base performs the request. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	masker      *masking.Masker
	maxBodySize int
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the underlying round tripper.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		t.Base = rt
	}
}

// WithMasker fixes the masker instead of taking it from the request context.
func WithMasker(m *masking.Masker) Option {
	return func(t *Transport) {
		t.masker = m
	}
}

// WithMaxBodySize sets how many bytes of each body are logged.
func WithMaxBodySize(n int) Option {
	return func(t *Transport) {
		t.maxBodySize = n
	}
}

// NewTransport creates a capturing transport.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{maxBodySize: DefaultMaxBodySize}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewClient returns an http.Client using a capturing transport.
func NewClient(opts ...Option) *http.Client {
	return &http.Client{Transport: NewTransport(opts...)}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	reqBody, req, err := readRequestBody(req)
	if err != nil {
		return nil, err
	}

	entry := engine.LogEntry{
		Protocol: Protocol,
		Request: engine.LogRequest{
			Method:  req.Method,
			URL:     req.URL.String(),
			Headers: req.Header.Clone(),
			Body:    t.truncate(reqBody),
		},
		StartedAt: time.Now(),
	}

	resp, err := t.base().RoundTrip(req)
	entry.EndedAt = time.Now()
	entry.Response.Duration = entry.EndedAt.Sub(entry.StartedAt)
	if err != nil {
		entry.Error = err.Error()
		t.capture(req, entry)
		return nil, err
	}

	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	entry.Response.Status = resp.StatusCode
	entry.Response.StatusText = http.StatusText(resp.StatusCode)
	entry.Response.Headers = resp.Header.Clone()
	entry.Response.Body = t.truncate(decodeBody(resp.Header, respBody))
	if readErr != nil {
		entry.Error = readErr.Error()
	}
	t.capture(req, entry)

	if readErr != nil {
		return nil, readErr
	}
	return resp, nil
}

func (t *Transport) capture(req *http.Request, entry engine.LogEntry) {
	ctx := req.Context()
	m := t.masker
	if m == nil {
		m = masking.FromContext(ctx)
	}
	engine.CaptureLog(ctx, m.Entry(entry))
	telemetry.RecordCall(ctx, Protocol)
}

func (t *Transport) truncate(body string) string {
	return engine.TruncateBody(body, t.maxBodySize)
}

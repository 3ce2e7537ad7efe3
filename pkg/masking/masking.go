// Package masking hides credentials in captured call logs.
//
// Query parameters and headers whose names are known to carry secrets have
// their values replaced by Mask before a log entry leaves the transport.
// Names are compared case-insensitively.
package masking

import (
	"context"
	"net/url"
	"strings"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

// Mask replaces every sensitive value.
const Mask = "*****"

var sensitiveQueryParams = map[string]struct{}{
	"access_token": {},
	"api_key":      {},
	"apikey":       {},
	"token":        {},
	"secret":       {},
	"password":     {},
	"key":          {},
	"auth":         {},
}

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"x-auth-token":  {},
	"cookie":        {},
}

// IsSensitiveQueryParam reports whether values of the query parameter name are masked.
func IsSensitiveQueryParam(name string) bool {
	_, ok := sensitiveQueryParams[strings.ToLower(name)]
	return ok
}

// IsSensitiveHeader reports whether values of the header name are masked.
func IsSensitiveHeader(name string) bool {
	_, ok := sensitiveHeaders[strings.ToLower(name)]
	return ok
}

// Masker applies masking when enabled. A nil Masker masks.
type Masker struct {
	disabled bool
}

// New returns a Masker. Pass false to keep values as captured.
func New(enabled bool) *Masker {
	return &Masker{disabled: !enabled}
}

// Enabled reports whether m masks sensitive values.
func (m *Masker) Enabled() bool {
	return m == nil || !m.disabled
}

// URL masks sensitive query parameter values of raw, keeping the original
// encoding of every other parameter. Unparseable input is returned as is.
func (m *Masker) URL(raw string) string {
	if !m.Enabled() {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}

	pairs := strings.Split(u.RawQuery, "&")
	changed := false
	for i, pair := range pairs {
		key, _, hasValue := strings.Cut(pair, "=")
		if !hasValue {
			continue
		}
		if name, err := url.QueryUnescape(key); err == nil && IsSensitiveQueryParam(name) {
			pairs[i] = key + "=" + Mask
			changed = true
		}
	}
	if !changed {
		return raw
	}

	u.RawQuery = strings.Join(pairs, "&")
	return u.String()
}

// Headers returns a copy of h with sensitive values masked.
func (m *Masker) Headers(h map[string][]string) map[string][]string {
	if h == nil {
		return nil
	}

	out := make(map[string][]string, len(h))
	for name, values := range h {
		if m.Enabled() && IsSensitiveHeader(name) {
			masked := make([]string, len(values))
			for i := range masked {
				masked[i] = Mask
			}
			out[name] = masked
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

// Entry returns a copy of entry with its URL and headers masked.
func (m *Masker) Entry(entry engine.LogEntry) engine.LogEntry {
	entry.Request.URL = m.URL(entry.Request.URL)
	entry.Request.Headers = m.Headers(entry.Request.Headers)
	entry.Response.Headers = m.Headers(entry.Response.Headers)
	return entry
}

type maskerContextKey struct{}

// WithMasker returns a context whose transports use m.
func WithMasker(ctx context.Context, m *Masker) context.Context {
	return context.WithValue(ctx, maskerContextKey{}, m)
}

// FromContext returns the Masker of ctx. Without one, masking is on.
func FromContext(ctx context.Context) *Masker {
	if m, ok := ctx.Value(maskerContextKey{}).(*Masker); ok {
		return m
	}
	return nil
}

// Package reporter contains the built-in consumers of run messages: null,
// list, table and history. Use New to build them from the names given on the
// command line.
package reporter

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/stores"
)

// Reporter names accepted by New.
const (
	NameNull    = "null"
	NameList    = "list"
	NameTable   = "table"
	NameHistory = "history"
)

// DefaultName is used when no reporter is requested.
const DefaultName = NameList

// NullReporter discards every message.
type NullReporter struct {
	engine.NopReporter
}

// NewNullReporter creates a NullReporter.
func NewNullReporter() *NullReporter {
	return &NullReporter{}
}

// Options carries what the built-in reporters need.
type Options struct {
	// Out receives list and table output. Defaults to os.Stdout.
	Out io.Writer

	// CaptureHTTP prints captured calls in the list reporter.
	CaptureHTTP bool

	// Projects orders the table rows and is recorded with history runs.
	Projects []string

	// Store backs the history reporter.
	Store stores.Store

	Logger zerolog.Logger
}

// ParseNames splits a comma separated reporter list, dropping blanks and
// repeats. An empty list yields DefaultName.
func ParseNames(s string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	if len(names) == 0 {
		return []string{DefaultName}
	}
	return names
}

// New builds the named reporters in order.
func New(ctx context.Context, names []string, opts Options) ([]engine.Reporter, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	reporters := make([]engine.Reporter, 0, len(names))
	for _, name := range names {
		switch name {
		case NameNull:
			reporters = append(reporters, NewNullReporter())
		case NameList:
			reporters = append(reporters, NewListReporter(opts.Out, opts.CaptureHTTP))
		case NameTable:
			reporters = append(reporters, NewTableReporter(opts.Out, opts.Projects))
		case NameHistory:
			if opts.Store == nil {
				return nil, engine.NewConfigError("history reporter requires a history database", nil).
					WithCode(engine.ErrCodeInvalidConfig).
					WithResource(name)
			}
			h, err := NewHistoryReporter(ctx, opts.Store, opts.Projects, opts.Logger)
			if err != nil {
				return nil, err
			}
			reporters = append(reporters, h)
		default:
			return nil, engine.NewConfigError("unknown reporter", nil).
				WithCode(engine.ErrCodeInvalidConfig).
				WithResource(name).
				WithDetail("valid", []string{NameNull, NameList, NameTable, NameHistory})
		}
	}
	return reporters, nil
}

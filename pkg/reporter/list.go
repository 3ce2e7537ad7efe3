package reporter

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

// DefaultBodyWidth caps the display width of logged bodies.
const DefaultBodyWidth = 500

// ListReporter prints one numbered line per finished test as results come
// in. Failed tests are followed by their error; with captureHTTP set, the
// calls a test made are printed before its result line.
//
//	✓ 1 [staging] api::health_check (45.21ms)
//	✘ 2 [staging] auth::login (123.40ms):
//	  Error: expected 200, got 401
type ListReporter struct {
	engine.NopReporter

	out         io.Writer
	captureHTTP bool
	bodyWidth   int
	styles      styles

	buffers map[testKey]*listBuffer
	next    int
}

type listBuffer struct {
	number int
	checks []*engine.Check
	logs   []*engine.LogEntry
}

// NewListReporter creates a ListReporter writing to out.
func NewListReporter(out io.Writer, captureHTTP bool) *ListReporter {
	return &ListReporter{
		out:         out,
		captureHTTP: captureHTTP,
		bodyWidth:   DefaultBodyWidth,
		styles:      newStyles(out),
		buffers:     make(map[testKey]*listBuffer),
	}
}

// SetBodyWidth changes the display width bodies are truncated to. Zero disables truncation.
func (r *ListReporter) SetBodyWidth(n int) {
	r.bodyWidth = n
}

func (r *ListReporter) buffer(key testKey) *listBuffer {
	b, ok := r.buffers[key]
	if !ok {
		b = &listBuffer{}
		r.buffers[key] = b
	}
	return b
}

func (r *ListReporter) number(b *listBuffer) int {
	if b.number == 0 {
		r.next++
		b.number = r.next
	}
	return b.number
}

func (r *ListReporter) OnStart(project string, meta engine.TestMetadata) error {
	r.buffers[keyOf(project, meta)] = &listBuffer{}
	return nil
}

func (r *ListReporter) OnCheck(project string, meta engine.TestMetadata, check *engine.Check) error {
	if check != nil && !check.Passed {
		b := r.buffer(keyOf(project, meta))
		b.checks = append(b.checks, check)
	}
	return nil
}

func (r *ListReporter) OnHTTPCall(project string, meta engine.TestMetadata, entry *engine.LogEntry) error {
	if r.captureHTTP && entry != nil {
		b := r.buffer(keyOf(project, meta))
		b.logs = append(b.logs, entry)
	}
	return nil
}

func (r *ListReporter) OnRetry(project string, meta engine.TestMetadata, result *engine.Test) error {
	b := r.buffer(keyOf(project, meta))
	b.checks = nil

	line := fmt.Sprintf("%s %s [%s] %s: %s",
		r.styles.fail.Render(SymbolFail),
		r.styles.dim.Render(fmt.Sprint(r.number(b))),
		project,
		meta.FullName(),
		r.styles.retry.Render("retrying..."),
	)
	if result != nil && result.Err != nil {
		line += r.styles.dim.Render(fmt.Sprintf(" (attempt %d: %s)", result.Attempts, firstLine(result.Err.Message)))
	}
	_, err := fmt.Fprintln(r.out, line)
	return err
}

func (r *ListReporter) OnEnd(project string, meta engine.TestMetadata, result *engine.Test) error {
	key := keyOf(project, meta)
	b := r.buffer(key)
	delete(r.buffers, key)

	var sb strings.Builder
	for _, entry := range b.logs {
		r.writeLog(&sb, entry)
	}

	if result == nil {
		result = &engine.Test{Metadata: meta}
	}
	fmt.Fprintf(&sb, "%s %s [%s] %s %s",
		r.styles.symbol(result),
		r.styles.dim.Render(fmt.Sprint(r.number(b))),
		project,
		meta.FullName(),
		r.styles.dim.Render("("+formatDuration(result.Duration)+")"),
	)
	if result.Passed() {
		sb.WriteString("\n")
	} else {
		sb.WriteString(":\n")
		for _, line := range strings.Split("Error: "+result.Err.Message, "\n") {
			fmt.Fprintf(&sb, "  %s\n", r.styles.fail.Render(line))
		}
		for _, check := range b.checks {
			text := checkText(check)
			if text == result.Err.Message {
				continue
			}
			fmt.Fprintf(&sb, "  %s %s\n", r.styles.fail.Render(SymbolFail), text)
		}
	}

	_, err := io.WriteString(r.out, sb.String())
	return err
}

func (r *ListReporter) writeLog(sb *strings.Builder, entry *engine.LogEntry) {
	dim := r.styles.dim
	line := func(format string, args ...any) {
		sb.WriteString(dim.Render(fmt.Sprintf(format, args...)))
		sb.WriteString("\n")
	}

	line(" => %s %s", entry.Request.Method, entry.Request.URL)
	line("  > request:")
	r.writeHeaders(line, ">", entry.Request.Headers)
	if entry.Request.Body != "" {
		line("    > body: %s", r.truncate(entry.Request.Body))
	}
	if entry.Error != "" {
		line("  ! error: %s", entry.Error)
		return
	}
	line("  < response: %d %s (%s)", entry.Response.Status, entry.Response.StatusText, formatDuration(entry.Response.Duration))
	r.writeHeaders(line, "<", entry.Response.Headers)
	line("    < body: %s", r.truncate(entry.Response.Body))
}

func (r *ListReporter) writeHeaders(line func(string, ...any), arrow string, headers map[string][]string) {
	if len(headers) == 0 {
		return
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	line("    %s headers:", arrow)
	for _, name := range names {
		line("       %s %s: %s", arrow, strings.ToLower(name), strings.Join(headers[name], ", "))
	}
}

func (r *ListReporter) truncate(body string) string {
	body = strings.ReplaceAll(body, "\n", " ")
	if r.bodyWidth > 0 && runewidth.StringWidth(body) > r.bodyWidth {
		return runewidth.Truncate(body, r.bodyWidth, "…")
	}
	return body
}

func checkText(check *engine.Check) string {
	return (&engine.AssertionError{Expr: check.Expr, Detail: check.Detail}).Error()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

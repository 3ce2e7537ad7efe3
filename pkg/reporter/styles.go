package reporter

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

// Result symbols.
const (
	SymbolPass = "✓"
	SymbolFail = "✘"
)

// styles are bound to the writer they render for, so colors are dropped
// when the output is not a terminal.
type styles struct {
	pass  lipgloss.Style
	fail  lipgloss.Style
	dim   lipgloss.Style
	retry lipgloss.Style
	head  lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		pass:  r.NewStyle().Foreground(lipgloss.Color("2")),
		fail:  r.NewStyle().Foreground(lipgloss.Color("1")),
		dim:   r.NewStyle().Faint(true),
		retry: r.NewStyle().Foreground(lipgloss.Color("4")),
		head:  r.NewStyle().Bold(true),
	}
}

func (s styles) symbol(test *engine.Test) string {
	if test.Passed() {
		return s.pass.Render(SymbolPass)
	}
	return s.fail.Render(SymbolFail)
}

// formatDuration renders d with two decimals in its natural unit, e.g. 45.21ms.
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	default:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
}

type testKey struct {
	project string
	module  string
	name    string
}

func keyOf(project string, meta engine.TestMetadata) testKey {
	return testKey{project: project, module: meta.Module, name: meta.Name}
}

package reporter

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

// MaxCellWidth caps the display width of name cells in the summary table.
const MaxCellWidth = 60

// TableReporter collects results and prints a summary table once the run ends.
// Rows are ordered by project configuration order, then module and test name.
type TableReporter struct {
	engine.NopReporter

	out      io.Writer
	projects []string
	styles   styles
	results  map[testKey]*engine.Test
}

// NewTableReporter creates a TableReporter. projects gives the row order of
// projects; unknown projects sort last.
func NewTableReporter(out io.Writer, projects []string) *TableReporter {
	return &TableReporter{
		out:      out,
		projects: projects,
		styles:   newStyles(out),
		results:  make(map[testKey]*engine.Test),
	}
}

func (r *TableReporter) OnEnd(project string, meta engine.TestMetadata, result *engine.Test) error {
	if result == nil {
		result = &engine.Test{Metadata: meta}
	}
	r.results[keyOf(project, meta)] = result
	return nil
}

func (r *TableReporter) projectRank(name string) int {
	if i := slices.Index(r.projects, name); i >= 0 {
		return i
	}
	return len(r.projects)
}

// Finish prints the table and a one-line summary.
func (r *TableReporter) Finish() error {
	keys := make([]testKey, 0, len(r.results))
	for k := range r.results {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if ra, rb := r.projectRank(a.project), r.projectRank(b.project); ra != rb {
			return ra < rb
		}
		if a.project != b.project {
			return a.project < b.project
		}
		if a.module != b.module {
			return a.module < b.module
		}
		return a.name < b.name
	})

	var passed, failed, retried int
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		test := r.results[k]
		if test.Passed() {
			passed++
		} else {
			failed++
		}
		if test.Attempts > 1 {
			retried++
		}
		rows = append(rows, []string{
			cell(k.project),
			cell(k.module),
			cell(k.name),
			r.resultText(test),
			fmt.Sprint(test.Attempts),
			formatDuration(test.Duration),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.styles.dim).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return r.styles.head.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("Project", "Module", "Test", "Result", "Attempts", "Duration").
		Rows(rows...)

	var sb strings.Builder
	sb.WriteString(t.Render())
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%d tests: %d passed, %d failed", len(keys), passed, failed)
	if retried > 0 {
		fmt.Fprintf(&sb, " (%d retried)", retried)
	}
	sb.WriteString("\n")

	_, err := io.WriteString(r.out, sb.String())
	return err
}

func (r *TableReporter) resultText(test *engine.Test) string {
	return r.styles.symbol(test) + " " + string(test.Status())
}

func cell(s string) string {
	if runewidth.StringWidth(s) > MaxCellWidth {
		return runewidth.Truncate(s, MaxCellWidth, "…")
	}
	return s
}

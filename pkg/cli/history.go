package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/stores"
)

// DefaultHistoryLimit is the number of runs the history command lists.
const DefaultHistoryLimit = 20

func (a *App) newHistoryCommand() *cobra.Command {
	var (
		path    string
		limit   int
		calls   bool
		test    string
		project string
		remove  bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `Show the runs recorded by the history reporter, most recent first. With a
run ID, show the results of that run (--calls adds the captured calls, --delete
removes the run). With --test, show the latest results of one test in one
project.`,
		Example: `  fieldtest history --limit 5
  fieldtest history --calls 0b6f4b3e-2f0c-4b7e-9d43-3a1c9f0d8e21
  fieldtest history --test users::create --project staging
  fieldtest history --delete 0b6f4b3e-2f0c-4b7e-9d43-3a1c9f0d8e21`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remove && len(args) == 0 {
				return engine.NewConfigError("--delete needs a run ID", nil).WithCode(engine.ErrCodeInvalidConfig)
			}
			if test != "" && project == "" {
				return engine.NewConfigError("--test needs --project", nil).WithCode(engine.ErrCodeInvalidConfig)
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			switch {
			case remove:
				if err := store.DeleteRun(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(out, "Deleted run %s\n", args[0])
				return err
			case len(args) == 1:
				return writeRun(ctx, out, store, args[0], calls)
			case test != "":
				return writeTestHistory(ctx, out, store, project, test, limit)
			default:
				return writeRuns(ctx, out, store, limit)
			}
		},
	}

	cmd.Flags().StringVar(&path, "history-db", DefaultHistoryDB, "history database")
	cmd.Flags().IntVar(&limit, "limit", DefaultHistoryLimit, "number of runs or results to show")
	cmd.Flags().BoolVar(&calls, "calls", false, "show the calls captured by each result")
	cmd.Flags().StringVar(&test, "test", "", "show the history of one test (module::name)")
	cmd.Flags().StringVar(&project, "project", "", "project of --test")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the given run")

	return cmd
}

func newHistoryTable(w io.Writer, headers ...string) *table.Table {
	renderer := lipgloss.NewRenderer(w)
	head := renderer.NewStyle().Bold(true).Padding(0, 1)
	cell := renderer.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return head
			}
			return cell
		})
}

func writeRuns(ctx context.Context, w io.Writer, store stores.Store, limit int) error {
	runs, err := store.ListRuns(ctx, limit, 0)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded")
		return err
	}

	t := newHistoryTable(w, "Run", "Status", "Projects", "Started", "Duration", "Error")
	for _, run := range runs {
		t.Row(
			run.ID,
			string(run.Status),
			projectList(run.Projects),
			run.StartedAt.Local().Format(time.DateTime),
			runDuration(run),
			deref(run.Error),
		)
	}
	_, err = fmt.Fprintln(w, t.Render())
	return err
}

func writeRun(ctx context.Context, w io.Writer, store stores.Store, id string, withCalls bool) error {
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	results, err := store.ListResultsByRun(ctx, id)
	if err != nil {
		return err
	}
	summary, err := store.Summarize(ctx, id)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "Run %s: %s (%s)\n", run.ID, run.Status, runDuration(run)); err != nil {
		return err
	}

	t := newHistoryTable(w, "Project", "Test", "Status", "Attempts", "Duration", "Error")
	for _, r := range results {
		t.Row(
			r.Project,
			r.FullName(),
			string(r.Status),
			strconv.Itoa(r.Attempts),
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			deref(r.Error),
		)
	}
	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return err
	}

	if withCalls {
		if err := writeCalls(ctx, w, store, results); err != nil {
			return err
		}
	}

	_, err = fmt.Fprintf(w, "%d tests: %d passed, %d failed, %d panicked (%d retried, %d calls)\n",
		summary.Total, summary.Passed, summary.Failed, summary.Panicked, summary.Retried, summary.Calls)
	return err
}

// writeCalls lists the captured calls of every result that has any.
func writeCalls(ctx context.Context, w io.Writer, store stores.Store, results []*stores.TestResult) error {
	for _, r := range results {
		calls, err := store.ListCallsByResult(ctx, r.ID)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "[%s] %s\n", r.Project, r.FullName()); err != nil {
			return err
		}
		for _, c := range calls {
			line := fmt.Sprintf("  %s %s %s -> %d (%s)", c.Protocol, c.Method, c.Target, c.Status,
				time.Duration(c.DurationMs)*time.Millisecond)
			if c.Error != nil {
				line += " error: " + *c.Error
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeTestHistory(ctx context.Context, w io.Writer, store stores.Store, project, test string, limit int) error {
	module, name, ok := strings.Cut(test, "::")
	if !ok || module == "" || name == "" {
		return engine.NewConfigError("--test must be module::name", nil).
			WithCode(engine.ErrCodeInvalidConfig).
			WithResource(test)
	}

	results, err := store.TestHistory(ctx, project, module, name, limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		_, err := fmt.Fprintf(w, "No results recorded for [%s] %s\n", project, test)
		return err
	}

	t := newHistoryTable(w, "Run", "Status", "Attempts", "Duration", "Finished", "Error")
	for _, r := range results {
		t.Row(
			r.RunID,
			string(r.Status),
			strconv.Itoa(r.Attempts),
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			r.FinishedAt.Local().Format(time.DateTime),
			deref(r.Error),
		)
	}
	_, err = fmt.Fprintln(w, t.Render())
	return err
}

func projectList(raw string) string {
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return raw
	}
	return strings.Join(names, ",")
}

func runDuration(run *stores.Run) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package tui

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

// Run executes the selected tests under a live view and returns the run
// error. Quitting the view early cancels tests that have not started.
func Run(ctx context.Context, runner *engine.Runner, projects, modules, tests []string, opts ...tea.ProgramOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := NewModel(runner.List(projects, modules, tests), cancel)
	program := tea.NewProgram(model, append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)...)
	runner.AddReporter(NewReporter(program.Send))

	result := make(chan error, 1)
	go func() {
		err := runner.Run(ctx, projects, modules, tests)
		result <- err
		program.Send(runFinishedMsg{err: err})
	}()

	final, uiErr := program.Run()
	runErr := <-result

	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) {
		return fmt.Errorf("terminal ui failed: %w", uiErr)
	}
	if m, ok := final.(Model); ok && m.Done() {
		return m.Err()
	}
	return runErr
}

package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

func testUnits() []engine.Unit {
	dev := &engine.ProjectConfig{Name: "dev"}
	return []engine.Unit{
		{Project: dev, Registration: engine.NewTest("api", "health", nil)},
		{Project: dev, Registration: engine.NewTest("api", "login", nil)},
	}
}

func update(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		var ok bool
		m, ok = next.(Model)
		require.True(t, ok)
	}
	return m
}

func TestNewModelListsUnitsAsPending(t *testing.T) {
	m := NewModel(testUnits(), nil)

	require.Len(t, m.rows, 2)
	assert.Equal(t, statePending, m.rows[0].state)
	assert.Equal(t, "login", m.rows[1].key.name)

	finished, passed, failed := m.Counts()
	assert.Zero(t, finished)
	assert.Zero(t, passed)
	assert.Zero(t, failed)
}

func TestModelFoldsRunMessages(t *testing.T) {
	m := NewModel(testUnits(), nil)
	health := testKey{project: "dev", module: "api", name: "health"}
	login := testKey{project: "dev", module: "api", name: "login"}

	m = update(t, m,
		testStartedMsg{key: health},
		testCheckedMsg{key: health, check: engine.Check{Passed: true, Expr: "status == 200"}},
		testCalledMsg{key: health, entry: engine.LogEntry{Protocol: "http", Request: engine.LogRequest{Method: "GET", URL: "http://api/health"}}},
	)
	assert.Equal(t, stateRunning, m.rows[0].state)
	assert.Len(t, m.rows[0].checks, 1)
	assert.Len(t, m.rows[0].calls, 1)

	m = update(t, m,
		testEndedMsg{key: health, result: engine.Test{Attempts: 1, Duration: time.Millisecond}},
		testStartedMsg{key: login},
		testRetriedMsg{key: login},
		testEndedMsg{key: login, result: engine.Test{Attempts: 2, Err: &engine.TestError{Kind: engine.TestErrorReturned, Message: "boom"}}},
	)

	assert.Equal(t, statePassed, m.rows[0].state)
	assert.Equal(t, stateFailed, m.rows[1].state)
	assert.Equal(t, 1, m.rows[1].retries)

	finished, passed, failed := m.Counts()
	assert.Equal(t, 2, finished)
	assert.Equal(t, 1, passed)
	assert.Equal(t, 1, failed)
}

func TestModelAddsUnknownTests(t *testing.T) {
	m := NewModel(nil, nil)
	m = update(t, m, testStartedMsg{key: testKey{project: "dev", module: "late", name: "added"}})

	require.Len(t, m.rows, 1)
	assert.Equal(t, stateRunning, m.rows[0].state)
}

func TestModelRetryClearsChecks(t *testing.T) {
	m := NewModel(testUnits(), nil)
	key := testKey{project: "dev", module: "api", name: "health"}

	m = update(t, m,
		testCheckedMsg{key: key, check: engine.Check{Expr: "first"}},
		testRetriedMsg{key: key},
		testCheckedMsg{key: key, check: engine.Check{Passed: true, Expr: "second"}},
	)

	require.Len(t, m.rows[0].checks, 1)
	assert.Equal(t, "second", m.rows[0].checks[0].Expr)
}

func TestModelCursor(t *testing.T) {
	m := NewModel(testUnits(), nil)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyDown}, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.cursor)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	assert.Equal(t, 0, m.cursor)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 0, m.cursor)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("G")})
	assert.Equal(t, 1, m.cursor)
}

func TestModelQuitCancelsRunningRun(t *testing.T) {
	cancelled := false
	m := NewModel(testUnits(), func() { cancelled = true })

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})

	assert.True(t, cancelled)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestModelQuitAfterRunDoesNotCancel(t *testing.T) {
	cancelled := false
	m := NewModel(testUnits(), func() { cancelled = true })
	m = update(t, m, runFinishedMsg{})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})

	assert.False(t, cancelled)
	require.NotNil(t, cmd)
}

func TestModelRunFinished(t *testing.T) {
	m := NewModel(testUnits(), nil)
	m = update(t, m, runFinishedMsg{err: engine.ErrTestsFailed})

	assert.True(t, m.Done())
	assert.True(t, errors.Is(m.Err(), engine.ErrTestsFailed))
}

func TestModelView(t *testing.T) {
	m := NewModel(testUnits(), nil)
	key := testKey{project: "dev", module: "api", name: "health"}
	m = update(t, m,
		tea.WindowSizeMsg{Width: 100, Height: 40},
		testStartedMsg{key: key},
		testCalledMsg{key: key, entry: engine.LogEntry{
			Protocol: "http",
			Request:  engine.LogRequest{Method: "GET", URL: "http://api/health"},
			Response: engine.LogResponse{Status: 503},
		}},
		testEndedMsg{key: key, result: engine.Test{Attempts: 1, Err: &engine.TestError{Kind: engine.TestErrorReturned, Message: "check failed: status == 200"}}},
		runFinishedMsg{err: engine.ErrTestsFailed},
	)

	view := m.View()
	assert.Contains(t, view, "finished")
	assert.Contains(t, view, "1/2")
	assert.Contains(t, view, "0 passed")
	assert.Contains(t, view, "1 failed")
	assert.Contains(t, view, "[dev] api::health")
	assert.Contains(t, view, "[dev] api::login")
	assert.Contains(t, view, "failed: check failed: status == 200")
	assert.Contains(t, view, "http GET http://api/health -> 503")
	assert.Contains(t, view, "q quit")
}

func TestModelWindowKeepsCursorVisible(t *testing.T) {
	dev := &engine.ProjectConfig{Name: "dev"}
	var units []engine.Unit
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		units = append(units, engine.Unit{Project: dev, Registration: engine.NewTest("m", name, nil)})
	}
	m := NewModel(units, nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 17})
	m.cursor = 7

	start, end := m.window()
	assert.Equal(t, 5, start)
	assert.Equal(t, 8, end)
}

func TestReporterForwardsMessages(t *testing.T) {
	var got []tea.Msg
	rep := NewReporter(func(msg tea.Msg) { got = append(got, msg) })
	meta := engine.TestMetadata{Module: "api", Name: "health"}

	require.NoError(t, rep.OnStart("dev", meta))
	require.NoError(t, rep.OnCheck("dev", meta, &engine.Check{Passed: true}))
	require.NoError(t, rep.OnCheck("dev", meta, nil))
	require.NoError(t, rep.OnHTTPCall("dev", meta, &engine.LogEntry{Protocol: "http"}))
	require.NoError(t, rep.OnRetry("dev", meta, &engine.Test{}))
	require.NoError(t, rep.OnEnd("dev", meta, nil))

	require.Len(t, got, 5)
	key := testKey{project: "dev", module: "api", name: "health"}
	assert.Equal(t, testStartedMsg{key: key}, got[0])
	assert.IsType(t, testCheckedMsg{}, got[1])
	assert.IsType(t, testCalledMsg{}, got[2])
	assert.IsType(t, testRetriedMsg{}, got[3])
	end, ok := got[4].(testEndedMsg)
	require.True(t, ok)
	assert.Equal(t, meta, end.result.Metadata)
}

// Package tui is the live terminal view of a run.
//
// The view follows the Elm architecture of bubbletea: run messages arrive
// through Reporter as tea messages, Update folds them into the Model, and
// View renders the test list with a detail pane for the selected test.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

type rowState int

const (
	statePending rowState = iota
	stateRunning
	statePassed
	stateFailed
)

type row struct {
	key     testKey
	state   rowState
	retries int
	checks  []engine.Check
	calls   []engine.LogEntry
	result  *engine.Test
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#1F2937", Dark: "#F9FAFB"})
	passStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	pendingStyle = lipgloss.NewStyle().Faint(true)
	cursorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
	detailStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	helpStyle    = lipgloss.NewStyle().Faint(true)
)

// Model is the bubbletea model of a run.
type Model struct {
	rows    []*row
	index   map[testKey]int
	cursor  int
	spinner spinner.Model

	started  time.Time
	finished time.Time
	done     bool
	err      error

	width  int
	height int

	// cancel aborts the run when the user quits early.
	cancel func()
}

// NewModel creates a model listing units as pending.
func NewModel(units []engine.Unit, cancel func()) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	m := Model{
		index:   make(map[testKey]int, len(units)),
		spinner: s,
		started: time.Now(),
		cancel:  cancel,
	}
	for _, u := range units {
		m.addRow(keyOf(u.Project.Name, u.Metadata()))
	}
	return m
}

func (m *Model) addRow(key testKey) *row {
	if i, ok := m.index[key]; ok {
		return m.rows[i]
	}
	r := &row{key: key}
	m.index[key] = len(m.rows)
	m.rows = append(m.rows, r)
	return r
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update applies one message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case testStartedMsg:
		r := m.addRow(msg.key)
		r.state = stateRunning
		return m, nil

	case testCheckedMsg:
		r := m.addRow(msg.key)
		r.checks = append(r.checks, msg.check)
		return m, nil

	case testCalledMsg:
		r := m.addRow(msg.key)
		r.calls = append(r.calls, msg.entry)
		return m, nil

	case testRetriedMsg:
		r := m.addRow(msg.key)
		r.retries++
		r.checks = nil
		return m, nil

	case testEndedMsg:
		r := m.addRow(msg.key)
		result := msg.result
		r.result = &result
		if result.Passed() {
			r.state = statePassed
		} else {
			r.state = stateFailed
		}
		return m, nil

	case runFinishedMsg:
		m.done = true
		m.err = msg.err
		m.finished = time.Now()
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		if !m.done && m.cancel != nil {
			m.cancel()
		}
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
	case "home", "g":
		m.cursor = 0
	case "end", "G":
		if len(m.rows) > 0 {
			m.cursor = len(m.rows) - 1
		}
	}
	return m, nil
}

// Counts returns how many tests finished, passed and failed.
func (m Model) Counts() (finished, passed, failed int) {
	for _, r := range m.rows {
		switch r.state {
		case statePassed:
			passed++
		case stateFailed:
			failed++
		}
	}
	return passed + failed, passed, failed
}

// Done reports whether the run finished.
func (m Model) Done() bool {
	return m.done
}

// Err returns the error the run finished with.
func (m Model) Err() error {
	return m.err
}

// View renders the model.
func (m Model) View() string {
	var b strings.Builder

	finished, passed, failed := m.Counts()
	elapsed := time.Since(m.started)
	if m.done {
		elapsed = m.finished.Sub(m.started)
	}
	status := "running"
	if m.done {
		status = "finished"
	}
	b.WriteString(titleStyle.Render("fieldtest"))
	fmt.Fprintf(&b, "  %s  %d/%d  %s  %s  %s\n\n",
		status,
		finished, len(m.rows),
		passStyle.Render(fmt.Sprintf("%d passed", passed)),
		failStyle.Render(fmt.Sprintf("%d failed", failed)),
		elapsed.Round(100*time.Millisecond),
	)

	start, end := m.window()
	for i := start; i < end; i++ {
		b.WriteString(m.renderRow(i))
		b.WriteString("\n")
	}

	if len(m.rows) > 0 {
		b.WriteString("\n")
		b.WriteString(m.renderDetail(m.rows[m.cursor]))
		b.WriteString("\n")
	}

	help := "↑/↓ select • q quit"
	if !m.done {
		help = "↑/↓ select • q cancel and quit"
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

// window returns the rows that fit the terminal, keeping the cursor visible.
func (m Model) window() (int, int) {
	visible := len(m.rows)
	if m.height > 0 {
		visible = max(m.height-14, 3)
	}
	if visible >= len(m.rows) {
		return 0, len(m.rows)
	}
	start := max(m.cursor-visible/2, 0)
	end := start + visible
	if end > len(m.rows) {
		end = len(m.rows)
		start = end - visible
	}
	return start, end
}

func (m Model) renderRow(i int) string {
	r := m.rows[i]

	var symbol string
	switch r.state {
	case statePending:
		symbol = pendingStyle.Render("·")
	case stateRunning:
		symbol = m.spinner.View()
	case statePassed:
		symbol = passStyle.Render("✓")
	case stateFailed:
		symbol = failStyle.Render("✘")
	}

	line := fmt.Sprintf("%s [%s] %s::%s", symbol, r.key.project, r.key.module, r.key.name)
	if r.result != nil {
		line += pendingStyle.Render(fmt.Sprintf(" (%s)", r.result.Duration.Round(time.Millisecond)))
	}
	if r.retries > 0 {
		line += pendingStyle.Render(fmt.Sprintf(" retried %d×", r.retries))
	}

	if i == m.cursor {
		return cursorStyle.Render("> ") + line
	}
	return "  " + line
}

func (m Model) renderDetail(r *row) string {
	var lines []string
	lines = append(lines, titleStyle.Render(fmt.Sprintf("[%s] %s::%s", r.key.project, r.key.module, r.key.name)))

	switch r.state {
	case statePending:
		lines = append(lines, "waiting to start")
	case stateRunning:
		lines = append(lines, "running")
	case statePassed:
		lines = append(lines, passStyle.Render(fmt.Sprintf("passed after %d attempt(s)", r.result.Attempts)))
	case stateFailed:
		lines = append(lines, failStyle.Render(string(r.result.Status())+": "+r.result.Err.Message))
	}

	for _, c := range r.checks {
		mark := passStyle.Render("✓")
		if !c.Passed {
			mark = failStyle.Render("✘")
		}
		lines = append(lines, fmt.Sprintf("%s %s", mark, c.Expr))
	}
	for _, call := range r.calls {
		lines = append(lines, pendingStyle.Render(call.Protocol+" "+call.String()))
	}

	style := detailStyle
	if m.width > 4 {
		style = style.Width(m.width - 4)
	}
	return style.Render(strings.Join(lines, "\n"))
}

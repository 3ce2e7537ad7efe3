package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

type testKey struct {
	project string
	module  string
	name    string
}

func keyOf(project string, meta engine.TestMetadata) testKey {
	return testKey{project: project, module: meta.Module, name: meta.Name}
}

type testStartedMsg struct {
	key testKey
}

type testCheckedMsg struct {
	key   testKey
	check engine.Check
}

type testCalledMsg struct {
	key   testKey
	entry engine.LogEntry
}

type testRetriedMsg struct {
	key    testKey
	result engine.Test
}

type testEndedMsg struct {
	key    testKey
	result engine.Test
}

// runFinishedMsg is sent once Runner.Run returned.
type runFinishedMsg struct {
	err error
}

// Reporter forwards run messages into a bubbletea program. Payloads are
// copied so the model never shares memory with the bus.
type Reporter struct {
	send func(tea.Msg)
}

// NewReporter creates a Reporter delivering to send, typically tea.Program.Send.
func NewReporter(send func(tea.Msg)) *Reporter {
	return &Reporter{send: send}
}

func (r *Reporter) OnStart(project string, meta engine.TestMetadata) error {
	r.send(testStartedMsg{key: keyOf(project, meta)})
	return nil
}

func (r *Reporter) OnCheck(project string, meta engine.TestMetadata, check *engine.Check) error {
	if check != nil {
		r.send(testCheckedMsg{key: keyOf(project, meta), check: *check})
	}
	return nil
}

func (r *Reporter) OnHTTPCall(project string, meta engine.TestMetadata, entry *engine.LogEntry) error {
	if entry != nil {
		r.send(testCalledMsg{key: keyOf(project, meta), entry: *entry})
	}
	return nil
}

func (r *Reporter) OnRetry(project string, meta engine.TestMetadata, result *engine.Test) error {
	if result != nil {
		r.send(testRetriedMsg{key: keyOf(project, meta), result: *result})
	}
	return nil
}

func (r *Reporter) OnEnd(project string, meta engine.TestMetadata, result *engine.Test) error {
	msg := testEndedMsg{key: keyOf(project, meta), result: engine.Test{Metadata: meta}}
	if result != nil {
		msg.result = *result
	}
	r.send(msg)
	return nil
}

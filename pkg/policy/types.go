package policy

import (
	"time"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

// Policy is a Rego module that excludes (project, test) pairs through its deny set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Metadata contains additional policy metadata, such as the source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// LoadedAt is when the policy was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Input is the document a policy sees as input.
type Input struct {
	// Project is the project name.
	Project string `json:"project"`

	// Module is the module of the test.
	Module string `json:"module"`

	// Test is the test name.
	Test string `json:"test"`

	// FullName is "module::name".
	FullName string `json:"full_name"`

	// Data is the project configuration data.
	Data map[string]interface{} `json:"data"`
}

// NewInput builds the policy input for a (project, test) pair.
func NewInput(project *engine.ProjectConfig, meta engine.TestMetadata) *Input {
	data := project.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Input{
		Project:  project.Name,
		Module:   meta.Module,
		Test:     meta.Name,
		FullName: meta.FullName(),
		Data:     data,
	}
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that produced the entry.
	Policy string `json:"policy"`

	// Message is the deny message.
	Message string `json:"message"`
}

// Decision is the combined verdict of every enabled policy for one pair.
type Decision struct {
	// Allowed is false when any policy denied the pair.
	Allowed bool `json:"allowed"`

	// Violations lists the deny entries.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

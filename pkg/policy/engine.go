package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

// DefaultPackage is the Rego package fieldtest policies are expected to use.
const DefaultPackage = "fieldtest"

// DefaultEvalTimeout bounds the evaluation of all policies for one pair.
const DefaultEvalTimeout = 5 * time.Second

// Engine evaluates Rego policies against (project, test) pairs. A pair is
// excluded when the deny set of any enabled policy is non-empty.
//
// Engine implements engine.Filter.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	timeout  time.Duration
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an empty policy engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		timeout:  DefaultEvalTimeout,
	}
}

// SetEvalTimeout overrides the evaluation timeout used by Allow.
func (e *Engine) SetEvalTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
}

// AddPolicy compiles a policy and adds it, replacing any policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := e.compile(ctx, &policy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[policy.Name] = cp
	e.mu.Unlock()

	return nil
}

// LoadPolicies loads and compiles the policy files found under paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.AddPolicy(ctx, policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return err
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies compiles policies and swaps them in as the complete set.
// The current set stays in effect if any policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return err
		}
		next[policies[i].Name] = cp
	}

	e.mu.Lock()
	e.policies = next
	e.mu.Unlock()

	e.logger.Info().Int("count", len(next)).Msg("Policies replaced")
	return nil
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, engine.NewValidationError("failed to parse policy", err).WithResource(policy.Name)
	}

	// The deny set lives in the policy's own package.
	query := module.Package.Path.String() + ".deny"

	prepared, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, engine.NewValidationError("failed to prepare policy", err).WithResource(policy.Name)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("query", query).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    prepared,
		compiled: time.Now(),
	}, nil
}

// Evaluate evaluates every enabled policy against the pair.
func (e *Engine) Evaluate(ctx context.Context, project *engine.ProjectConfig, meta engine.TestMetadata) (*Decision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := NewInput(project, meta)
	decision := &Decision{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation error: %w", name, err)
		}

		for _, result := range results {
			if len(result.Expressions) == 0 {
				continue
			}
			denySet, ok := result.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				decision.Violations = append(decision.Violations, Violation{
					Policy:  name,
					Message: violationMessage(d),
				})
			}
		}
	}

	decision.Allowed = len(decision.Violations) == 0
	decision.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("project", project.Name).
		Str("test", meta.FullName()).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Policy evaluation completed")

	return decision, nil
}

// Allow implements engine.Filter. A pair whose evaluation fails is excluded.
func (e *Engine) Allow(project *engine.ProjectConfig, meta engine.TestMetadata) bool {
	e.mu.RLock()
	timeout := e.timeout
	e.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	decision, err := e.Evaluate(ctx, project, meta)
	if err != nil {
		e.logger.Error().Err(err).
			Str("project", project.Name).
			Str("test", meta.FullName()).
			Msg("Policy evaluation failed, excluding test")
		return false
	}

	for _, v := range decision.Violations {
		e.logger.Info().
			Str("project", project.Name).
			Str("test", meta.FullName()).
			Str("policy", v.Policy).
			Msg(v.Message)
	}

	return decision.Allowed
}

// violationMessage renders one deny entry.
func violationMessage(d interface{}) string {
	switch v := d.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", d)
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

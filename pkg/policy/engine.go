package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/telemetry"
)

// Engine evaluates Rego policies against run submissions. It implements
// engine.PolicyEvaluator.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	now      func() time.Time
}

var _ engine.PolicyEvaluator = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	settings map[string]interface{}
	now      func() time.Time
}

// WithSettings overrides keys of data.settings.
func WithSettings(settings map[string]interface{}) Option {
	return func(o *engineOptions) {
		for k, v := range settings {
			o.settings[k] = v
		}
	}
}

// WithClock overrides the evaluation clock.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	o := &engineOptions{settings: DefaultSettings(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromObject(map[string]interface{}{"settings": o.settings}),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      o.now,
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateSubmission evaluates a submission before its run is persisted.
// Blocking violations reject it with POLICY_DENIED.
func (e *Engine) EvaluateSubmission(ctx context.Context, sub *engine.Submission) error {
	input := &Input{
		Run:        sub.Run,
		Function:   sub.Function,
		Task:       sub.Task,
		Invocation: sub.Invocation,
		Context:    &Context{Operation: "submit"},
	}
	if sub.Invocation != nil {
		input.Context.Project = sub.Invocation.Project
		input.Context.Runtime = sub.Invocation.Runtime
	}

	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	run := ""
	if sub.Run != nil {
		run = sub.Run.Key().String()
	}
	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("run", run).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	for _, v := range result.Violations {
		telemetry.RecordPolicyViolation(ctx, run, v.Policy, v.Message)
	}
	first := result.Violations[0]
	return engine.NewValidationError(
		fmt.Sprintf("submission denied by policy %s: %s", first.Policy, first.Message), nil,
	).WithCode(engine.ErrCodePolicyDenied).
		WithResource(run).
		WithDetail("violations", result.Violations)
}

// Evaluate evaluates every enabled policy against input. Policies that
// fail to evaluate are reported as warnings.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	startTime := e.now()
	if input.Context == nil {
		input.Context = &Context{}
	}
	if input.Context.Timestamp.IsZero() {
		input.Context.Timestamp = startTime
	}

	doc, err := toDocument(input)
	if err != nil {
		return nil, engine.NewValidationError("policy input is not serializable", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedAt: startTime}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Violations = append(result.Violations, v)
				result.Allowed = false
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = e.now().Sub(startTime)
	e.logger.Debug().
		Str("operation", input.Context.Operation).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// LoadPolicies loads policy files and adds them next to the loaded ones.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).Load(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if cp, ok := e.policies[policies[i].Name]; ok && cp.policy.Builtin {
			return engine.NewConflictError(fmt.Sprintf("policy %s shadows a built-in policy", policies[i].Name), nil)
		}
		policies[i].Builtin = false
		if err := e.compileAndStorePolicy(ctx, &policies[i], e.policies); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps every non-builtin policy for policies. Nothing
// changes when one of them fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		policies[i].Builtin = false
		if err := e.compileAndStorePolicy(ctx, &policies[i], next); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			continue
		}
		if _, clash := next[name]; clash {
			return engine.NewConflictError(fmt.Sprintf("policy %s shadows a built-in policy", name), nil)
		}
		next[name] = cp
	}
	e.policies = next

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies replaced")
	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// deny is a set, which evaluates to an array.
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, createViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// createViolation creates a Violation from a deny element.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it in dst.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy, dst map[string]*compiledPolicy) error {
	if policy.Name == "" {
		return engine.NewValidationError("policy has no name", nil)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return engine.NewValidationError("failed to parse policy", err).WithResource(policy.Name)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return engine.NewValidationError("failed to prepare query", err).WithResource(policy.Name)
	}

	dst[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: e.now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtin := GetBuiltinPolicies()
	for i := range builtin {
		if err := e.compileAndStorePolicy(ctx, &builtin[i], e.policies); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtin[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(builtin)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewNotFoundError("policy", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies drops every loaded policy and restores the built-in ones.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltinPolicies(ctx)
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
		return engine.NewNotFoundError("policy", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

func toDocument(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

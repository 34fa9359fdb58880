package policy

import (
	"time"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// Severity of a violation. Error and critical violations deny the
// submission; info and warning violations are reported on the run.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject a submission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module evaluated against every submission. The module
// must define a "deny" set in its package; each element is a message
// string or an object with "message", "severity" and "resource" fields.
type Policy struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Rego        string   `json:"rego" yaml:"rego"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Builtin marks policies shipped with the SDK. They survive reloads.
	Builtin bool `json:"builtin,omitempty" yaml:"-"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result of evaluating every enabled policy against one input.
type Result struct {
	Allowed bool `json:"allowed"`

	// Violations are blocking. Warnings hold non-blocking violations and
	// policies that failed to evaluate.
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	Run        *engine.Entity     `json:"run,omitempty"`
	Function   *engine.Entity     `json:"function,omitempty"`
	Task       *engine.Entity     `json:"task,omitempty"`
	Invocation *engine.Invocation `json:"invocation,omitempty"`
	Context    *Context           `json:"context"`
}

// Context describes the operation being evaluated.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Project   string    `json:"project,omitempty"`
	Runtime   string    `json:"runtime,omitempty"`
}

package engine

import (
	"context"
	"time"
)

// ListFilter narrows EntityStore.List results.
type ListFilter struct {
	// Kind matches the entity kind exactly when set.
	Kind string

	// Name matches the entity name exactly when set.
	Name string

	// Limit caps the number of documents returned. Zero means no limit.
	Limit int
}

// EntityStore persists entity documents.
//
// Create assigns the version (unless the document already carries one)
// and the timestamps. List returns documents newest first by creation
// time; documents created within the same clock tick are ordered by
// insertion.
type EntityStore interface {
	// Create stores a new document and returns it with server-assigned fields.
	Create(ctx context.Context, doc *Document) (*Document, error)

	// Get returns the document at a concrete key or fails with NOT_FOUND.
	Get(ctx context.Context, key Key) (*Document, error)

	// Update replaces metadata, spec and status of an existing version.
	Update(ctx context.Context, key Key, doc *Document) (*Document, error)

	// List returns the documents of one entity type within a project.
	List(ctx context.Context, project string, entityType EntityType, filter ListFilter) ([]*Document, error)

	// Delete removes one version.
	Delete(ctx context.Context, key Key) error
}

// Correlation links a run to the native execution handle of its backend.
type Correlation struct {
	Run       string          `json:"run"`
	Runtime   string          `json:"runtime"`
	NativeID  string          `json:"native_id"`
	Handle    ExecutionHandle `json:"handle"`
	State     State           `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Pending reports whether the correlation was recorded before the backend
// accepted the run, i.e. it has no native handle yet.
func (c *Correlation) Pending() bool {
	return c.NativeID == ""
}

// CorrelationStore persists the run to native handle map so that results
// reported after a restart can still be routed to their run.
type CorrelationStore interface {
	// SaveCorrelation inserts or replaces the correlation of a run.
	SaveCorrelation(ctx context.Context, c *Correlation) error

	// GetCorrelation returns the correlation of a run key or fails with NOT_FOUND.
	GetCorrelation(ctx context.Context, run string) (*Correlation, error)

	// FindCorrelation looks a correlation up by native handle.
	FindCorrelation(ctx context.Context, runtime, nativeID string) (*Correlation, error)

	// ListCorrelations returns all correlations, or only non-terminal ones.
	ListCorrelations(ctx context.Context, activeOnly bool) ([]*Correlation, error)

	// DeleteCorrelation removes the correlation of a run.
	DeleteCorrelation(ctx context.Context, run string) error
}

// Store is the persistence the dispatcher needs.
type Store interface {
	EntityStore
	CorrelationStore
}

// Descriptor declares what a runtime adapter handles.
type Descriptor struct {
	// Runtime is the function or workflow kind the adapter executes.
	Runtime string `json:"runtime"`

	// Executable is the entity type runs of this runtime reference.
	Executable EntityType `json:"executable"`

	// Actions are the task actions, each registered as a "<runtime>-<action>" task kind.
	Actions []string `json:"actions"`

	Description string `json:"description,omitempty"`
}

// TaskKinds returns the task kinds of the runtime.
func (d Descriptor) TaskKinds() []string {
	kinds := make([]string, 0, len(d.Actions))
	for _, a := range d.Actions {
		kinds = append(kinds, TaskKind(d.Runtime, a))
	}
	return kinds
}

// ActionOf returns the action encoded in a task kind of this runtime.
func (d Descriptor) ActionOf(taskKind string) (string, bool) {
	for _, a := range d.Actions {
		if TaskKind(d.Runtime, a) == taskKind {
			return a, true
		}
	}
	return "", false
}

// Invocation is the backend-ready description of a run, produced by
// RuntimeAdapter.BuildInvocation without performing any I/O.
type Invocation struct {
	Runtime  string `json:"runtime"`
	Action   string `json:"action"`
	Project  string `json:"project"`
	Function string `json:"function"`
	Task     string `json:"task"`

	// Spec is function.spec merged with task.spec, later values winning.
	Spec map[string]interface{} `json:"spec"`

	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Payload holds backend-specific material prepared from Spec.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Digest is the SHA-256 of the canonical JSON of the fields above.
	Digest string `json:"digest"`

	// Run is the key of the run being executed. It is set by the
	// dispatcher after building and is not part of the digest.
	Run string `json:"run,omitempty"`
}

// ExecutionHandle identifies a submission on a backend.
type ExecutionHandle struct {
	Runtime   string            `json:"runtime"`
	ID        string            `json:"id"`
	Run       string            `json:"run"`
	Project   string            `json:"project"`
	Data      map[string]string `json:"data,omitempty"`
	StartedAt time.Time         `json:"started_at"`
}

// PollResult is a backend status normalized to the common states.
type PollResult struct {
	State       State                  `json:"state"`
	NativeState string                 `json:"native_state,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Results     map[string]interface{} `json:"results,omitempty"`

	// Data is merged into the handle and persisted with the correlation.
	Data map[string]string `json:"data,omitempty"`
}

// RuntimeAdapter translates runs into backend invocations and backend
// status into the common state machine.
type RuntimeAdapter interface {
	// Descriptor declares the kinds handled by the adapter.
	Descriptor() Descriptor

	// Validate rejects backend-incompatible configuration with VALIDATION_ERROR.
	Validate(function, task *Entity) error

	// BuildInvocation is pure and deterministic.
	BuildInvocation(function, task *Entity, params map[string]interface{}) (*Invocation, error)

	// Start submits the invocation. Failures are BACKEND_UNAVAILABLE
	// (retried) or REJECTED_BY_BACKEND (terminal).
	Start(ctx context.Context, inv *Invocation) (*ExecutionHandle, error)

	// Poll maps the native status of the handle to a PollResult.
	Poll(ctx context.Context, handle *ExecutionHandle) (*PollResult, error)

	// CollectOutputs lists the outputs of a completed execution as unsaved
	// entities. It must be safe to call repeatedly.
	CollectOutputs(ctx context.Context, handle *ExecutionHandle) ([]*Entity, error)
}

// Stopper is implemented by adapters able to cancel a running execution.
type Stopper interface {
	Stop(ctx context.Context, handle *ExecutionHandle) error
}

// AdapterFactory creates a runtime adapter.
type AdapterFactory func() RuntimeAdapter

// RunLocker serializes state changes of a single run.
type RunLocker interface {
	Lock(ctx context.Context, run string) (unlock func(), err error)
}

// Submission is what the policy gate evaluates before a run is persisted.
type Submission struct {
	Run        *Entity     `json:"run"`
	Function   *Entity     `json:"function"`
	Task       *Entity     `json:"task"`
	Invocation *Invocation `json:"invocation"`
}

// PolicyEvaluator accepts or rejects submissions. Rejections carry POLICY_DENIED.
type PolicyEvaluator interface {
	EvaluateSubmission(ctx context.Context, sub *Submission) error
}

// RunHandle is returned by Submit.
type RunHandle struct {
	Run      Key    `json:"run"`
	Runtime  string `json:"runtime"`
	NativeID string `json:"native_id,omitempty"`
	State    State  `json:"state"`
}

package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// State represents the lifecycle state carried by an entity status.
type State string

const (
	// StateCreated indicates the run is persisted but not yet submitted to a backend.
	StateCreated State = "CREATED"

	// StateRunning indicates the backend accepted the run and it is executing.
	StateRunning State = "RUNNING"

	// StateCompleted indicates the backend reported success.
	StateCompleted State = "COMPLETED"

	// StateError indicates the backend reported failure or rejected the submission.
	StateError State = "ERROR"

	// StateStopped indicates the run was cancelled.
	StateStopped State = "STOPPED"

	// StateReady indicates an output entity whose content is materialized.
	// It never appears on runs.
	StateReady State = "READY"
)

// IsTerminal returns true if no transition can leave the state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError || s == StateStopped
}

// IsActive returns true if the run still needs polling.
func (s State) IsActive() bool {
	return s == StateCreated || s == StateRunning
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateCreated, StateRunning, StateCompleted, StateError, StateStopped, StateReady:
		return nil
	default:
		return fmt.Errorf("invalid state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
// An empty string decodes to the zero value.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	if str == "" {
		return nil
	}
	return s.Validate()
}

// runTransitions is the run state machine. Terminal states have no entry.
// CREATED -> ERROR covers submissions the backend rejected or that
// exhausted their retries before the run ever started.
var runTransitions = map[State][]State{
	StateCreated: {StateRunning, StateStopped, StateError},
	StateRunning: {StateRunning, StateCompleted, StateError, StateStopped},
}

// CanTransition reports whether the run state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition is one entry of the append-only status history.
type Transition struct {
	From    State     `json:"from,omitempty"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

// Status is the status sub-document of an entity.
type Status struct {
	State   State  `json:"state,omitempty"`
	Message string `json:"message,omitempty"`

	// Outputs maps output names to the keys of the entities a run produced.
	// Outputs are stored by key, never by value.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Results holds partial or final scalar results reported by the backend.
	Results map[string]interface{} `json:"results,omitempty"`

	// Warnings records non-fatal problems, e.g. failed output collection.
	Warnings []string `json:"warnings,omitempty"`

	// Files is the manifest of an output entity.
	Files []FileInfo `json:"files,omitempty"`

	// History is the append-only transition log.
	History []Transition `json:"transitions,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRunStatus returns the initial status of a run.
func NewRunStatus(at time.Time) Status {
	return Status{
		State:   StateCreated,
		History: []Transition{{To: StateCreated, At: at}},
	}
}

// Transition moves the status to state to, appending a history entry.
//
// Redelivering the current terminal state is a no-op and reports
// changed=false. Any other move the state machine forbids fails with
// INVALID_TRANSITION and leaves the status untouched.
func (s *Status) Transition(to State, message string, at time.Time) (changed bool, err error) {
	from := s.State
	if from == "" {
		from = StateCreated
	}

	if from.IsTerminal() && from == to {
		return false, nil
	}
	if !CanTransition(from, to) {
		return false, NewInvalidTransitionError(from, to)
	}

	s.History = append(s.History, Transition{From: from, To: to, At: at, Message: message})
	s.State = to
	if message != "" || to != StateRunning {
		s.Message = message
	}

	switch {
	case to == StateRunning && s.StartedAt == nil:
		t := at
		s.StartedAt = &t
	case to.IsTerminal():
		t := at
		s.FinishedAt = &t
	}
	return true, nil
}

// AddWarning appends a warning unless the same text is already recorded.
func (s *Status) AddWarning(msg string) bool {
	for _, w := range s.Warnings {
		if w == msg {
			return false
		}
	}
	s.Warnings = append(s.Warnings, msg)
	return true
}

// MergeResults copies results into the status. It reports whether anything changed.
func (s *Status) MergeResults(results map[string]interface{}) bool {
	if len(results) == 0 {
		return false
	}
	if s.Results == nil {
		s.Results = make(map[string]interface{}, len(results))
	}
	changed := false
	for k, v := range results {
		if old, ok := s.Results[k]; !ok || fmt.Sprint(old) != fmt.Sprint(v) {
			s.Results[k] = v
			changed = true
		}
	}
	return changed
}

package pipeline

import (
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/kube"
)

// Step and pipeline phases.
const (
	PhasePending   = "Pending"
	PhaseRunning   = "Running"
	PhaseSucceeded = "Succeeded"
	PhaseFailed    = "Failed"
	PhaseError     = "Error"
	PhaseSkipped   = "Skipped"
	PhaseOmitted   = "Omitted"
)

// StateOf maps a pipeline phase to the run state machine. Unknown phases
// are ERROR.
func StateOf(phase string) engine.State {
	switch phase {
	case PhasePending, PhaseRunning:
		return engine.StateRunning
	case PhaseSucceeded:
		return engine.StateCompleted
	case PhaseFailed, PhaseError:
		return engine.StateError
	case PhaseSkipped, PhaseOmitted:
		return engine.StateStopped
	default:
		return engine.StateError
	}
}

// stepPhase maps the native Job state of a step.
func stepPhase(native string) string {
	switch native {
	case kube.JobPending:
		return PhasePending
	case kube.JobActive:
		return PhaseRunning
	case kube.JobComplete:
		return PhaseSucceeded
	case kube.JobFailed:
		return PhaseFailed
	case kube.JobSuspended:
		return PhaseSkipped
	default:
		return PhaseError
	}
}

func finished(phase string) bool {
	switch phase {
	case PhaseSucceeded, PhaseFailed, PhaseError, PhaseSkipped, PhaseOmitted:
		return true
	}
	return false
}

// pipelinePhase folds step phases into the phase of the pipeline: any
// failure fails it, any skipped step stops it once nothing runs, and it
// succeeds when every step succeeded.
func pipelinePhase(phases map[string]string, steps []string) string {
	var failed, errored, skipped, active bool
	succeeded := 0
	for _, name := range steps {
		switch phases[name] {
		case PhaseSucceeded:
			succeeded++
		case PhaseFailed:
			failed = true
		case PhaseError:
			errored = true
		case PhaseSkipped, PhaseOmitted:
			skipped = true
		case PhaseRunning:
			active = true
		}
	}
	switch {
	case failed:
		return PhaseFailed
	case errored:
		return PhaseError
	case succeeded == len(steps):
		return PhaseSucceeded
	case skipped && !active:
		return PhaseSkipped
	case active:
		return PhaseRunning
	default:
		return PhasePending
	}
}

package runtimeutil

import (
	"encoding/json"
	"fmt"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// MergedSpec is function.spec merged with task.spec, the latter winning,
// without the task's reference fields.
func MergedSpec(function, task *engine.Entity) map[string]interface{} {
	taskSpec := engine.MergeSpecs(task.Spec)
	delete(taskSpec, "function")
	return engine.MergeSpecs(function.Spec, taskSpec)
}

// Action returns the action a task kind encodes for desc.
func Action(desc engine.Descriptor, task *engine.Entity) (string, error) {
	action, ok := desc.ActionOf(task.Kind)
	if !ok {
		return "", engine.NewValidationError(
			fmt.Sprintf("task kind %q is not one of %v", task.Kind, desc.TaskKinds()), nil)
	}
	return action, nil
}

// EncodePayload converts v to the generic map carried by an invocation.
func EncodePayload(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, engine.NewValidationError("invocation payload is not serializable", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, engine.NewValidationError("invocation payload is not an object", err)
	}
	return out, nil
}

// DecodePayload decodes the payload of inv into out.
func DecodePayload(inv *engine.Invocation, out interface{}) error {
	if inv == nil || inv.Payload == nil {
		return engine.NewValidationError("invocation carries no payload", nil)
	}
	b, err := json.Marshal(inv.Payload)
	if err != nil {
		return engine.NewValidationError("invocation payload is not serializable", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return engine.NewValidationError("invocation payload is malformed", err)
	}
	return nil
}

// HandleOutputs stores outputs in handle data so collection does not need
// the invocation.
func HandleOutputs(data map[string]string, outputs []Output) error {
	if len(outputs) == 0 {
		return nil
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	data[DataOutputs] = string(b)
	return nil
}

// OutputsOf reads the outputs stored by HandleOutputs.
func OutputsOf(h *engine.ExecutionHandle) ([]Output, error) {
	raw := h.Data[DataOutputs]
	if raw == "" {
		return nil, nil
	}
	var outputs []Output
	if err := json.Unmarshal([]byte(raw), &outputs); err != nil {
		return nil, engine.NewPermanentError("execution handle carries malformed outputs", err).WithCode(engine.ErrCodeInternal)
	}
	return outputs, nil
}

// Handle data keys shared by adapters.
const (
	DataOutputs = "outputs"
	DataTimeout = "timeout"
	DataName    = "name"
)

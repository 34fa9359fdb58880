package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// MergeSpecs merges spec maps left to right; later values win. Nested
// maps are merged recursively. Inputs are never modified.
func MergeSpecs(specs ...map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for _, spec := range specs {
		for k, v := range spec {
			if src, ok := v.(map[string]interface{}); ok {
				if dst, ok := out[k].(map[string]interface{}); ok {
					out[k] = MergeSpecs(dst, src)
					continue
				}
				out[k] = MergeSpecs(src)
				continue
			}
			out[k] = v
		}
	}
	return out
}

// NewInvocation assembles an invocation from a function (or workflow) and
// a task and computes its digest. Reference fields of the task spec are
// not carried into the merged spec.
func NewInvocation(runtime, action string, function, task *Entity, params, payload map[string]interface{}) (*Invocation, error) {
	taskSpec := MergeSpecs(task.Spec)
	delete(taskSpec, "function")

	inv := &Invocation{
		Runtime:    runtime,
		Action:     action,
		Project:    function.Metadata.Project,
		Function:   function.Key().String(),
		Task:       task.Key().String(),
		Spec:       MergeSpecs(function.Spec, taskSpec),
		Parameters: MergeSpecs(params),
		Payload:    payload,
	}
	digest, err := inv.ComputeDigest()
	if err != nil {
		return nil, err
	}
	inv.Digest = digest
	return inv, nil
}

// ComputeDigest hashes the canonical JSON of the invocation. encoding/json
// sorts map keys, so equal invocations always hash equally.
func (inv *Invocation) ComputeDigest() (string, error) {
	canonical := struct {
		Runtime    string                 `json:"runtime"`
		Action     string                 `json:"action"`
		Project    string                 `json:"project"`
		Function   string                 `json:"function"`
		Task       string                 `json:"task"`
		Spec       map[string]interface{} `json:"spec"`
		Parameters map[string]interface{} `json:"parameters"`
		Payload    map[string]interface{} `json:"payload"`
	}{inv.Runtime, inv.Action, inv.Project, inv.Function, inv.Task, inv.Spec, inv.Parameters, inv.Payload}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", NewValidationError("invocation is not serializable", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ShortDigest returns the first n hex characters of the digest.
func (inv *Invocation) ShortDigest(n int) string {
	if n > len(inv.Digest) {
		return inv.Digest
	}
	return inv.Digest[:n]
}

// Package runtimeutil holds helpers shared by the runtime adapters: spec
// decoding, backend object naming, image checks and output collection.
package runtimeutil

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// String returns a string field of spec, or "" when absent.
func String(spec map[string]interface{}, field string) string {
	if s, ok := spec[field].(string); ok {
		return s
	}
	return ""
}

// Strings returns a list-of-strings field. A single string is returned as
// a one-element list.
func Strings(spec map[string]interface{}, field string) ([]string, error) {
	switch v := spec[field].(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return append([]string(nil), v...), nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, engine.NewValidationError(fmt.Sprintf("spec.%s[%d] must be a string", field, i), nil)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("spec.%s must be a list of strings", field), nil)
	}
}

// StringMap returns a map field with scalar values rendered as strings.
func StringMap(spec map[string]interface{}, field string) (map[string]string, error) {
	switch v := spec[field].(type) {
	case nil:
		return nil, nil
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, item := range v {
			s, err := Scalar(item)
			if err != nil {
				return nil, engine.NewValidationError(fmt.Sprintf("spec.%s.%s: %v", field, k, err), nil)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("spec.%s must be a map", field), nil)
	}
}

// Scalar renders a JSON scalar as a string. Lists and maps are rendered as
// JSON.
func Scalar(v interface{}) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case bool, int, int32, int64, float32, float64, json.Number:
		return fmt.Sprint(s), nil
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// Timeout parses the optional "timeout" field as a Go duration.
func Timeout(spec map[string]interface{}) (time.Duration, error) {
	raw := String(spec, "timeout")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, engine.NewValidationError(fmt.Sprintf("spec.timeout %q is not a duration", raw), err)
	}
	if d <= 0 {
		return 0, engine.NewValidationError("spec.timeout must be positive", nil)
	}
	return d, nil
}

// ValidateImage parses an image reference. With requireDigest the
// reference must pin a digest.
func ValidateImage(image string, requireDigest bool) error {
	if image == "" {
		return engine.NewValidationError("spec.image is required", nil)
	}
	ref, err := name.ParseReference(image)
	if err != nil {
		return engine.NewValidationError(fmt.Sprintf("spec.image %q is not a valid image reference", image), err)
	}
	if _, ok := ref.(name.Digest); requireDigest && !ok {
		return engine.NewValidationError(fmt.Sprintf("spec.image %q must be pinned by digest", image), nil)
	}
	return nil
}

// Resources is the "resources" block of a task spec.
type Resources struct {
	CPU    string            `json:"cpu,omitempty"`
	Memory string            `json:"memory,omitempty"`
	GPU    string            `json:"gpu,omitempty"`
	Limits map[string]string `json:"limits,omitempty"`
}

// DecodeResources decodes spec.resources.
func DecodeResources(spec map[string]interface{}) (Resources, error) {
	var r Resources
	raw, ok := spec["resources"]
	if !ok || raw == nil {
		return r, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return r, engine.NewValidationError("spec.resources is not serializable", err)
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, engine.NewValidationError("spec.resources is malformed", err)
	}
	return r, nil
}

// Requests returns the requested quantities keyed by Kubernetes resource name.
func (r Resources) Requests() map[string]string {
	out := make(map[string]string, 3)
	if r.CPU != "" {
		out["cpu"] = r.CPU
	}
	if r.Memory != "" {
		out["memory"] = r.Memory
	}
	if r.GPU != "" {
		out["nvidia.com/gpu"] = r.GPU
	}
	return out
}

// LimitsWithGPU returns the limits, adding the GPU request which
// Kubernetes requires as a limit too.
func (r Resources) LimitsWithGPU() map[string]string {
	out := make(map[string]string, len(r.Limits)+1)
	for k, v := range r.Limits {
		out[k] = v
	}
	if r.GPU != "" {
		if _, ok := out["nvidia.com/gpu"]; !ok {
			out["nvidia.com/gpu"] = r.GPU
		}
	}
	return out
}

// ParameterEnv renders run parameters as DHSDK_PARAM_<NAME> variables.
func ParameterEnv(params map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for k, v := range params {
		s, err := Scalar(v)
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("parameter %s cannot be rendered", k), err)
		}
		out["DHSDK_PARAM_"+envName(k)] = s
	}
	return out, nil
}

func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// SortedKeys returns the keys of m in order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// Built-in schema names.
const (
	SchemaSubmission = "submission"
	SchemaEntity     = "entity"
	SchemaStep       = "step"
)

// SchemaRegistry manages CUE schemas for validation. Each schema source
// defines one definition named after the schema, e.g. "#Submission".
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, src := range map[string]string{
		SchemaSubmission: builtinSubmissionSchema,
		SchemaEntity:     builtinEntitySchema,
		SchemaStep:       builtinStepSchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema compiles schema and registers the definition #<Name> it
// declares under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	// Every schema may reference #Step.
	src := schema
	if name != SchemaStep {
		src += builtinStepSchema
	}
	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definitionName(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, definitionName(name))
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema. Violations
// are VALIDATION_ERROR failures listing each problem in the "errors" detail.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	// A cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return engine.NewValidationError("failed to encode data", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		verrs := convertCUEErrors(err)
		return engine.NewValidationError(
			fmt.Sprintf("%s does not match schema: %s", schemaName, verrs[0].Message), err,
		).WithDetail("errors", verrs)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func definitionName(name string) string {
	if name == "" {
		return "#"
	}
	b := []byte(name)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return "#" + string(b)
}

// SchemaViolation locates one failed constraint of a schema check. Path
// is the CUE path inside the checked document, e.g. "task_spec.timeout".
type SchemaViolation struct {
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Position string `json:"position,omitempty"`
}

func convertCUEErrors(err error) []SchemaViolation {
	var out []SchemaViolation
	for _, e := range cueerrors.Errors(err) {
		v := SchemaViolation{Message: cueerrors.Details(e, nil)}
		if path := e.Path(); len(path) > 0 {
			v.Path = cue.MakePath(selectors(path)...).String()
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			v.Position = pos[0].String()
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		out = append(out, SchemaViolation{Message: err.Error()})
	}
	return out
}

func selectors(path []string) []cue.Selector {
	sel := make([]cue.Selector, 0, len(path))
	for _, p := range path {
		sel = append(sel, cue.Str(p))
	}
	return sel
}

// Built-in schema definitions

const builtinSubmissionSchema = `
#Slug: =~"^[a-z0-9][a-z0-9_-]*$"
#Key:  =~"^store://[a-z0-9][a-z0-9_-]*/[a-z]+/[a-z0-9][a-z0-9_-]*/[a-z0-9][a-z0-9_-]*(:[A-Za-z0-9][A-Za-z0-9._-]*)?$"

// Submission is a request to run a function or workflow.
#Submission: {
	function_key: #Key
	name?:        #Slug
	labels?: [...string]
	parameters?: {...}

	task_spec?: {
		kind?:    #Slug
		action?:  #Slug
		timeout?: =~"^[0-9]+(ns|us|µs|ms|s|m|h)([0-9]+(ns|us|µs|ms|s|m|h))*$"
		resources?: {
			cpu?:    string
			memory?: string
			gpu?:    string
			limits?: {...}
		}
		env?: {[string]: string}
		...
	}
}
`

const builtinEntitySchema = `
#Slug: =~"^[a-z0-9][a-z0-9_-]*$"

// Entity is a manifest entry creating one entity version.
#Entity: {
	entity_type: "project" | "function" | "workflow" | "task" | "run" | "artifact" | "dataitem" | "model"
	kind:        #Slug
	metadata: {
		project:      #Slug
		name:         #Slug
		version?:     =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"
		description?: string
		labels?: [...string]
		...
	}
	spec?: {
		steps?: [...#Step]
		...
	}
	status?: {...}
}
`

const builtinStepSchema = `
// Step is one step of a pipeline workflow.
#Step: {
	name:  =~"^[a-z0-9][a-z0-9_-]*$"
	image: string & !=""
	command?: [...string]
	args?: [...string]
	env?: {[string]: string}
	after?: [...string]
}
`

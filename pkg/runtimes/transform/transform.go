// Package transform materializes SQL transformations with dbt. Each run
// executes dbt in a Kubernetes Job against a Postgres warehouse, writing a
// table versioned by the invocation digest, and registers that table as a
// "table" DataItem.
package transform

import (
	"context"
	"fmt"
	"regexp"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/job"
	"github.com/scc-digitalhub/digitalhub-sdk/pkg/runtimes/runtimeutil"
)

// Runtime is the function kind handled by the adapter.
const Runtime = "transform"

// DefaultImage runs dbt when the function names no image.
const DefaultImage = "ghcr.io/dbt-labs/dbt-postgres:1.7.4"

// ParamOutputTable names the run parameter holding the output table.
const ParamOutputTable = "output_table"

// Handle data keys.
const (
	dataTable  = "table"
	dataOutput = "output"
)

// Table names leave room for the "_<digest8>" suffix within Postgres'
// 63 character identifier limit.
var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,53}$`)

// Payload is the backend material of a transform invocation.
type Payload struct {
	job.Payload

	// Output is the requested table name, Table its versioned name.
	Output string `json:"output"`
	Table  string `json:"table"`
}

// Adapter is the dbt transform runtime adapter.
type Adapter struct {
	exec      *job.Executor
	target    *Target
	inspector Inspector
}

var (
	_ engine.RuntimeAdapter = (*Adapter)(nil)
	_ engine.Stopper        = (*Adapter)(nil)
)

// Factory returns the adapter factory. Without a backend or a target every
// validation fails.
func Factory(backend job.Backend, target *Target, inspector Inspector) engine.AdapterFactory {
	return func() engine.RuntimeAdapter {
		return &Adapter{
			exec:      job.NewExecutor(Runtime, backend, nil),
			target:    target,
			inspector: inspector,
		}
	}
}

func (a *Adapter) Descriptor() engine.Descriptor {
	return engine.Descriptor{
		Runtime:     Runtime,
		Executable:  engine.EntityFunction,
		Actions:     []string{"transform"},
		Description: "Materializes a SQL transformation with dbt on Postgres",
	}
}

func (a *Adapter) Validate(function, task *engine.Entity) error {
	if err := a.exec.Ready(); err != nil {
		return err
	}
	if a.target == nil {
		return engine.NewValidationError("runtime "+Runtime+" requires a postgres target, none is configured", nil)
	}
	if _, err := runtimeutil.Action(a.Descriptor(), task); err != nil {
		return err
	}
	spec := runtimeutil.MergedSpec(function, task)
	if runtimeutil.String(spec, "sql") == "" {
		return engine.NewValidationError("spec.sql is required", nil)
	}
	p, err := basePayload(spec, nil)
	if err != nil {
		return err
	}
	return p.Validate(task.Spec["require_digest"] == true)
}

func (a *Adapter) BuildInvocation(function, task *engine.Entity, params map[string]interface{}) (*engine.Invocation, error) {
	action, err := runtimeutil.Action(a.Descriptor(), task)
	if err != nil {
		return nil, err
	}
	if a.target == nil {
		return nil, engine.NewValidationError("runtime "+Runtime+" requires a postgres target, none is configured", nil)
	}
	output, _ := params[ParamOutputTable].(string)
	if output == "" {
		return nil, engine.NewValidationError("run parameter "+ParamOutputTable+" is required", nil)
	}
	if !tableName.MatchString(output) {
		return nil, engine.NewValidationError(
			fmt.Sprintf("run parameter %s %q must be a lower case identifier of at most 54 characters", ParamOutputTable, output), nil)
	}

	spec := runtimeutil.MergedSpec(function, task)
	sql := runtimeutil.String(spec, "sql")
	if sql == "" {
		return nil, engine.NewValidationError("spec.sql is required", nil)
	}
	base, err := basePayload(spec, params)
	if err != nil {
		return nil, err
	}

	// The table version is the digest of everything but the generated
	// project, which itself depends on the version.
	encoded, err := runtimeutil.EncodePayload(base)
	if err != nil {
		return nil, err
	}
	pre, err := engine.NewInvocation(Runtime, action, function, task, params, encoded)
	if err != nil {
		return nil, err
	}
	table := output + "_" + pre.ShortDigest(8)

	p := &Payload{Payload: *base, Output: output, Table: table}
	if p.Files, err = projectFiles(function.Metadata.Project, table, sql, *a.target); err != nil {
		return nil, err
	}
	p.Command = command(table)
	p.Args = nil

	payload, err := runtimeutil.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	return engine.NewInvocation(Runtime, action, function, task, params, payload)
}

func (a *Adapter) Start(ctx context.Context, inv *engine.Invocation) (*engine.ExecutionHandle, error) {
	var p Payload
	if err := runtimeutil.DecodePayload(inv, &p); err != nil {
		return nil, err
	}
	if a.target == nil {
		return nil, engine.NewRejectedByBackendError("no postgres target is configured", nil)
	}
	p.Secrets = map[string]string{EnvPassword: a.target.Password}

	h, err := a.exec.Start(ctx, inv, &p.Payload)
	if err != nil {
		return nil, err
	}
	h.Data[dataTable] = p.Table
	h.Data[dataOutput] = p.Output
	return h, nil
}

func (a *Adapter) Poll(ctx context.Context, h *engine.ExecutionHandle) (*engine.PollResult, error) {
	return a.exec.Poll(ctx, h)
}

func (a *Adapter) Stop(ctx context.Context, h *engine.ExecutionHandle) error {
	return a.exec.Stop(ctx, h)
}

// CollectOutputs inspects the materialized table and returns it as a
// "table" DataItem named after the requested output table.
func (a *Adapter) CollectOutputs(ctx context.Context, h *engine.ExecutionHandle) ([]*engine.Entity, error) {
	if a.inspector == nil || a.target == nil {
		return nil, engine.NewRejectedByBackendError("no postgres connection is configured for output collection", nil)
	}
	table, output := h.Data[dataTable], h.Data[dataOutput]
	if table == "" || output == "" {
		return nil, engine.NewPermanentError("execution handle names no output table", nil).WithCode(engine.ErrCodeInternal)
	}

	info, err := a.inspector.Inspect(ctx, a.target.Schema, table)
	if err != nil {
		return nil, err
	}
	fields := make([]interface{}, 0, len(info.Columns))
	for _, c := range info.Columns {
		fields = append(fields, map[string]interface{}{"name": c.Name, "type": c.Type, "nullable": c.Nullable})
	}

	item := engine.NewEntity(engine.EntityDataItem, "table", h.Project, output, map[string]interface{}{
		"path":   a.target.Location(table),
		"table":  table,
		"schema": map[string]interface{}{"fields": fields},
		"rows":   info.Rows,
	})
	return []*engine.Entity{item}, nil
}

func basePayload(spec map[string]interface{}, params map[string]interface{}) (*job.Payload, error) {
	spec = engine.MergeSpecs(spec)
	delete(spec, "outputs")
	delete(spec, "sql")
	if runtimeutil.String(spec, "image") == "" {
		spec["image"] = DefaultImage
	}
	return job.BuildPayload(spec, params)
}

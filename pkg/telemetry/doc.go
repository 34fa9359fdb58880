// Package telemetry provides observability instrumentation for run dispatch.
//
// It combines zerolog logging, OpenTelemetry spans exported over OTLP or
// stdout, Prometheus metrics for submissions, transitions and backend
// calls, and an ordered stream of run lifecycle events.
//
// # Usage
//
// Initialize telemetry at application startup and carry it in the context:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Every helper in this package is a no-op when the context carries no
// telemetry, so library code can instrument unconditionally:
//
//	op := telemetry.StartOperation(ctx, "dispatcher.poll", telemetry.AttrRunKey.String(key))
//	defer func() { op.End(err) }()
//
//	err = telemetry.RecordBackendOperation(op.Ctx, "job", "poll", func(ctx context.Context) error {
//	    return client.Poll(ctx, handle)
//	})
//
// # Structured Logging
//
//	telemetry.FromContext(ctx).WithRunKey(runKey).WithRuntime("job").Info("run finished")
//
// Logs go to stderr by default; stdout is left to command output.
//
// # Metrics
//
// The callback server exposes the registry on GET /metrics:
//
//   - runs_submitted_total{runtime, outcome}
//   - run_transitions_total{runtime, from, to}
//   - runs_finished_total{runtime, state} and run_duration_seconds
//   - backend_calls_total, backend_call_duration_seconds, backend_errors_total{code}
//   - backend_retries_total{runtime, operation}
//   - output_collection_failures_total{runtime}
//   - policy_violations_total{policy}
//   - errors_by_class_total, errors_by_code_total
//   - active_runs
//
// # Events
//
// Subscribers receive run events in publish order:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Run, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry

package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// Metrics server is not explicitly shut down here as it may need to continue
	// serving metrics until the very end of the application lifecycle

	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}


// Context Helpers for common instrumentation patterns

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	// Start trace span
	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	// Create logger with operation field
	logger := FromContext(ctx).WithField("operation", operation)

	// Add trace context to logger if available
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if err != nil {
		if tel := FromTelemetryContext(ic.Ctx); tel != nil {
			class, code := Classify(err)
			tel.Metrics.RecordError(class, code)
		}
	}
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
			class, code := Classify(err)
			ic.Span.SetAttributes(AttrErrorClass.String(class), AttrErrorCode.String(code))
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// classified is implemented by errors that carry a class and a code.
type classified interface {
	Classification() (class, code string)
}

// Classify returns the class and code of err, or "unknown" and "" for
// errors that carry no classification.
func Classify(err error) (class, code string) {
	var c classified
	if errors.As(err, &c) {
		return c.Classification()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled", ""
	}
	return "unknown", ""
}

// RunTransition describes a run state change.
type RunTransition struct {
	Runtime  string
	Run      string
	From     string
	To       string
	Message  string
	Terminal bool
	Failed   bool

	// Duration is the time since the run started, set on terminal transitions.
	Duration time.Duration
}

// RecordTransition records a run state change on the current span, the
// transition metrics and the event stream.
func RecordTransition(ctx context.Context, t RunTransition) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		AddTransitionEvent(span, t.From, t.To, t.Message)
	}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordTransition(t.Runtime, t.From, t.To)
	if t.Terminal {
		tel.Metrics.RecordRunFinished(t.Runtime, t.To, t.Duration)
	}
	if err := tel.Events.PublishRunTransition(t); err != nil {
		FromContext(ctx).WithError(err).Debug("run transition event dropped")
	}
}

// RecordBackendOperation runs fn as a call into a runtime backend,
// recording a span, the call duration and failures.
func RecordBackendOperation(ctx context.Context, runtime, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartBackendSpan(ctx, runtime, operation)
		defer span.End()
	}

	timer := NewTimer()
	err := fn(ctx)

	if tel != nil {
		tel.Metrics.RecordBackendCall(runtime, operation, timer.Duration())
		if err != nil {
			_, code := Classify(err)
			tel.Metrics.RecordBackendError(runtime, operation, code)
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}

// RecordRetry records a retried backend call.
func RecordRetry(ctx context.Context, runtime, operation, run string, attempt int, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordBackendRetry(runtime, operation)
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	_ = tel.Events.PublishBackendRetry(runtime, operation, run, attempt, reason)
}

// RecordSubmission records the outcome of a submission.
func RecordSubmission(ctx context.Context, runtime, outcome string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordSubmission(runtime, outcome)
	if outcome != "started" {
		_ = tel.Events.PublishSubmission(runtime, outcome)
	}
}

// RecordCollectionWarning records a failed output collection of a run.
func RecordCollectionWarning(ctx context.Context, runtime, run, msg string) {
	FromContext(ctx).WithRunKey(run).WithRuntime(runtime).Warn(msg)

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordCollectionWarning(runtime)
	_ = tel.Events.PublishCollectionWarning(runtime, run, msg)
}

// RecordPolicyViolation records a submission denied by a policy.
func RecordPolicyViolation(ctx context.Context, run, policy, reason string) {
	FromContext(ctx).WithRunKey(run).WithFields(map[string]interface{}{
		"policy": policy,
		"reason": reason,
	}).Warn("submission denied by policy")

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordPolicyViolation(policy)
	_ = tel.Events.PublishPolicyViolation(run, policy, reason)
}

// SetActiveRuns publishes the number of active runs.
func SetActiveRuns(ctx context.Context, n int) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.SetActiveRuns(float64(n))
}

package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry of the run event stream.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source is the component that published the event.
	Source  string `json:"source"`
	Run     string `json:"run,omitempty"`
	Runtime string `json:"runtime,omitempty"`
	Message string `json:"message"`
	Level   string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunTransition     = "run.transition"
	EventTypeRunCompleted      = "run.completed"
	EventTypeRunFailed         = "run.failed"
	EventTypeRunStopped        = "run.stopped"
	EventTypeCollectionFailed  = "output.collection_failed"
	EventTypeBackendRetry      = "backend.retry"
	EventTypePolicyViolation   = "policy.violation"
	EventTypeSubmissionOutcome = "run.submission"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber receives events in publish order. It must not block.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

// EventPublisher fans run events out to subscribers, synchronously or
// through a buffered delivery goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher returns a publisher for cfg. A disabled publisher
// drops every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish delivers event to the matching subscribers. In async mode it
// fails instead of blocking when the buffer is full.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunTransition publishes a state change of a run. Terminal
// states are published with their dedicated type.
func (ep *EventPublisher) PublishRunTransition(t RunTransition) error {
	eventType, level := EventTypeRunTransition, EventLevelInfo
	switch {
	case t.Failed:
		eventType, level = EventTypeRunFailed, EventLevelError
	case t.Terminal && t.To == "COMPLETED":
		eventType = EventTypeRunCompleted
	case t.Terminal:
		eventType = EventTypeRunStopped
	}

	data := map[string]interface{}{
		"from": t.From,
		"to":   t.To,
	}
	if t.Duration > 0 {
		data["duration"] = t.Duration.Seconds()
	}

	msg := fmt.Sprintf("Run %s moved to %s", t.Run, t.To)
	if t.Message != "" {
		msg += ": " + t.Message
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "dispatcher",
		Run:     t.Run,
		Runtime: t.Runtime,
		Message: msg,
		Level:   level,
		Data:    data,
	})
}

// PublishSubmission publishes the outcome of a submission that did not start.
func (ep *EventPublisher) PublishSubmission(runtime, outcome string) error {
	return ep.Publish(Event{
		Type:    EventTypeSubmissionOutcome,
		Source:  "dispatcher",
		Runtime: runtime,
		Message: fmt.Sprintf("Submission to %s %s", runtime, outcome),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"outcome": outcome,
		},
	})
}

// PublishCollectionWarning publishes a failed output collection.
func (ep *EventPublisher) PublishCollectionWarning(runtime, run, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCollectionFailed,
		Source:  "dispatcher",
		Run:     run,
		Runtime: runtime,
		Message: reason,
		Level:   EventLevelWarning,
	})
}

// PublishBackendRetry publishes a retried backend call.
func (ep *EventPublisher) PublishBackendRetry(runtime, operation, run string, attempt int, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeBackendRetry,
		Source:  "dispatcher",
		Run:     run,
		Runtime: runtime,
		Message: fmt.Sprintf("%s on %s failed, retry %d: %s", operation, runtime, attempt, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(run, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		Run:     run,
		Message: fmt.Sprintf("Policy violation on %s: %s - %s", run, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe registers subscriber for the events filter accepts, or for
// every event when filter is nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer, delivering in batches of MaxBatchSize
// or every FlushInterval, whichever comes first.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-tick:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain what was accepted before shutdown
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits until the buffered ones
// are delivered or ctx is done.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	rank := map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}
	floor := rank[minLevel]
	return func(event Event) bool {
		return rank[event.Level] >= floor
	}
}

// FilterByRun accepts events of one run key.
func FilterByRun(run string) EventFilter {
	return func(event Event) bool {
		return event.Run == run
	}
}

// FilterByRuntime accepts events of one runtime.
func FilterByRuntime(runtime string) EventFilter {
	return func(event Event) bool {
		return event.Runtime == runtime
	}
}

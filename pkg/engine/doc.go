// Package engine provides the entity model and the run dispatch engine of the SDK.
//
// # Keys
//
// Every entity version is addressed by a key:
//
//	store://<project>/<entity type>/<kind>/<name>:<version>
//
// ParseKey and Key.String are inverses. A missing version or the
// "latest" sentinel is resolved by Resolver with a fresh store lookup on
// every call.
//
// # Entities
//
// Projects, functions, workflows, tasks, runs, artifacts, data items and
// models share the Entity shape (metadata, spec, status). Entity.Update
// mutates the current version; Entity.NewVersion mints a new one. The
// Catalog validates entities against the KindRegistry and persists them
// through an EntityStore as Documents.
//
// # Runs
//
// A run moves through
//
//	CREATED -> RUNNING -> COMPLETED | ERROR | STOPPED
//
// with CREATED -> STOPPED for cancellation and CREATED -> ERROR for
// rejected submissions. Every transition is appended to the status
// history; redelivering a terminal state is a no-op.
//
// # Dispatch
//
// Runtimes register a RuntimeAdapter factory per function kind in a
// Registry. The Dispatcher resolves a run's function and task, builds a
// deterministic Invocation, persists the run, starts it with bounded
// exponential backoff on BACKEND_UNAVAILABLE and stores the correlation
// between run and native handle so that polls and callbacks arriving
// after a restart still reach their run.
//
// # Error Classification
//
// Errors are *EngineError values carrying a class (transient, throttled,
// conflict, permanent) and a code (VALIDATION_ERROR, NOT_FOUND, ...):
//
//	if errors.Is(err, engine.ErrUnsupportedKind) {
//	    // registry misconfiguration
//	}
package engine

// Package stores provides the persistence layer of the SDK.
//
// SQLiteStore keeps entity documents, the run to native handle
// correlation map and an append-only journal of run transitions in a
// single SQLite database (WAL mode, pure-Go driver). The schema is
// managed with embedded golang-migrate migrations.
//
// Every version of an entity is one row keyed by its store:// URI.
// Listing returns documents newest first; rows created within the same
// clock tick fall back to insertion order, which keeps "latest"
// resolution deterministic.
package stores

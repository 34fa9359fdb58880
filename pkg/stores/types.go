package stores

import (
	"context"
	"time"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// TransitionRecord is one row of the run transition journal.
type TransitionRecord struct {
	ID       int64        `json:"id"`
	Run      string       `json:"run"`
	Position int          `json:"position"`
	From     engine.State `json:"from,omitempty"`
	To       engine.State `json:"to"`
	Message  string       `json:"message,omitempty"`
	At       time.Time    `json:"at"`
}

// Store is the engine store plus the lifecycle and journal
// operations of the SQL backend.
type Store interface {
	engine.Store

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// ListTransitions returns the journal of run in position order.
	ListTransitions(ctx context.Context, run string) ([]*TransitionRecord, error)
}

var _ Store = (*SQLiteStore)(nil)

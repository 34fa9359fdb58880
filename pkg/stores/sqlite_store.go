package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
	now  func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStore) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

const documentColumns = `id, entity_type, kind, project, name, key, metadata, spec, status, created_at, updated_at`

// Create stores a new document version. Documents without an id get a
// random version.
func (s *SQLiteStore) Create(ctx context.Context, doc *engine.Document) (*engine.Document, error) {
	cp := *doc
	if cp.ID == "" {
		cp.ID = engine.NewVersionID()
	}
	key := engine.Key{Project: cp.Project, EntityType: cp.EntityType, Kind: cp.Kind, Name: cp.Name, Version: cp.ID}
	cp.Key = key.String()
	now := s.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Metadata = orEmpty(cp.Metadata)
	cp.Spec = orEmpty(cp.Spec)
	cp.Status = orEmpty(cp.Status)

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		cp.ID,
		string(cp.EntityType),
		cp.Kind,
		cp.Project,
		cp.Name,
		cp.Key,
		string(cp.Metadata),
		string(cp.Spec),
		string(cp.Status),
		cp.CreatedAt.UnixNano(),
		cp.UpdatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return nil, engine.NewAlreadyExistsError(cp.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	if cp.EntityType == engine.EntityRun {
		if err := s.journal(ctx, tx, cp.Key, cp.Status); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit document: %w", err)
	}
	return &cp, nil
}

// Get retrieves a document by its concrete key
func (s *SQLiteStore) Get(ctx context.Context, key engine.Key) (*engine.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE key = ?`

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, key.String()))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(string(key.EntityType), key.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// Update replaces metadata, spec and status of an existing version. New
// history entries of run documents are appended to the journal.
func (s *SQLiteStore) Update(ctx context.Context, key engine.Key, doc *engine.Document) (*engine.Document, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanDocument(tx.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE key = ?`, key.String()))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(string(key.EntityType), key.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}

	cp := *doc
	cp.ID = existing.ID
	cp.EntityType = existing.EntityType
	cp.Kind = existing.Kind
	cp.Project = existing.Project
	cp.Name = existing.Name
	cp.Key = existing.Key
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = s.now()
	cp.Metadata = orEmpty(cp.Metadata)
	cp.Spec = orEmpty(cp.Spec)
	cp.Status = orEmpty(cp.Status)

	query := `
		UPDATE documents
		SET metadata = ?, spec = ?, status = ?, updated_at = ?
		WHERE key = ?
	`
	if _, err := tx.ExecContext(ctx, query,
		string(cp.Metadata), string(cp.Spec), string(cp.Status), cp.UpdatedAt.UnixNano(), cp.Key,
	); err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}

	if cp.EntityType == engine.EntityRun {
		if err := s.journal(ctx, tx, cp.Key, cp.Status); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit document: %w", err)
	}
	return &cp, nil
}

// List returns documents newest first. Rows created within the same clock
// tick keep insertion order through the sequence column.
func (s *SQLiteStore) List(ctx context.Context, project string, entityType engine.EntityType, filter engine.ListFilter) ([]*engine.Document, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + documentColumns + ` FROM documents WHERE project = ? AND entity_type = ?`)
	args := []interface{}{project, string(entityType)}

	if filter.Kind != "" {
		b.WriteString(` AND kind = ?`)
		args = append(args, filter.Kind)
	}
	if filter.Name != "" {
		b.WriteString(` AND name = ?`)
		args = append(args, filter.Name)
	}
	b.WriteString(` ORDER BY created_at DESC, seq DESC`)
	if filter.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []*engine.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}

// Delete removes one document version
func (s *SQLiteStore) Delete(ctx context.Context, key engine.Key) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return engine.NewNotFoundError(string(key.EntityType), key.String())
	}

	return nil
}

// SaveCorrelation inserts or replaces the correlation of a run
func (s *SQLiteStore) SaveCorrelation(ctx context.Context, c *engine.Correlation) error {
	handle, err := json.Marshal(c.Handle)
	if err != nil {
		return fmt.Errorf("failed to marshal handle: %w", err)
	}

	now := s.now()
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO correlations (run, runtime, native_id, handle, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run) DO UPDATE SET
			runtime = excluded.runtime,
			native_id = excluded.native_id,
			handle = excluded.handle,
			state = excluded.state,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		c.Run,
		c.Runtime,
		c.NativeID,
		string(handle),
		string(c.State),
		createdAt.UnixNano(),
		now.UnixNano(),
	)
	if isUniqueViolation(err) {
		return engine.NewAlreadyExistsError(c.Runtime + "/" + c.NativeID).
			WithDetail("reason", "native id already correlated to another run")
	}
	if err != nil {
		return fmt.Errorf("failed to save correlation: %w", err)
	}
	return nil
}

const correlationColumns = `run, runtime, native_id, handle, state, created_at, updated_at`

// GetCorrelation retrieves the correlation of a run key
func (s *SQLiteStore) GetCorrelation(ctx context.Context, run string) (*engine.Correlation, error) {
	query := `SELECT ` + correlationColumns + ` FROM correlations WHERE run = ?`

	c, err := scanCorrelation(s.db.QueryRowContext(ctx, query, run))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("correlation", run)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get correlation: %w", err)
	}
	return c, nil
}

// FindCorrelation looks a correlation up by native handle
func (s *SQLiteStore) FindCorrelation(ctx context.Context, runtime, nativeID string) (*engine.Correlation, error) {
	query := `SELECT ` + correlationColumns + ` FROM correlations WHERE runtime = ? AND native_id = ?`

	c, err := scanCorrelation(s.db.QueryRowContext(ctx, query, runtime, nativeID))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("correlation", runtime+"/"+nativeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find correlation: %w", err)
	}
	return c, nil
}

// ListCorrelations lists correlations ordered by run key
func (s *SQLiteStore) ListCorrelations(ctx context.Context, activeOnly bool) ([]*engine.Correlation, error) {
	query := `SELECT ` + correlationColumns + ` FROM correlations`
	args := []interface{}{}
	if activeOnly {
		query += ` WHERE state IN (?, ?)`
		args = append(args, string(engine.StateCreated), string(engine.StateRunning))
	}
	query += ` ORDER BY run`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	defer rows.Close()

	out := []*engine.Correlation{}
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correlations: %w", err)
	}

	return out, nil
}

// DeleteCorrelation removes the correlation of a run. Missing rows are ignored.
func (s *SQLiteStore) DeleteCorrelation(ctx context.Context, run string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM correlations WHERE run = ?`, run); err != nil {
		return fmt.Errorf("failed to delete correlation: %w", err)
	}
	return nil
}

// ListTransitions returns the journal of a run in append order
func (s *SQLiteStore) ListTransitions(ctx context.Context, run string) ([]*TransitionRecord, error) {
	query := `
		SELECT id, run, position, from_state, to_state, message, at
		FROM transitions
		WHERE run = ?
		ORDER BY position
	`

	rows, err := s.db.QueryContext(ctx, query, run)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	out := []*TransitionRecord{}
	for rows.Next() {
		var (
			r        TransitionRecord
			from, to string
			at       int64
		)
		if err := rows.Scan(&r.ID, &r.Run, &r.Position, &from, &to, &r.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		r.From = engine.State(from)
		r.To = engine.State(to)
		r.At = time.Unix(0, at).UTC()
		out = append(out, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return out, nil
}

// journal appends the history entries of status that are not yet in the
// journal. Entries already journaled are never rewritten.
func (s *SQLiteStore) journal(ctx context.Context, tx *sql.Tx, run string, status json.RawMessage) error {
	var st engine.Status
	if err := json.Unmarshal(status, &st); err != nil {
		return fmt.Errorf("failed to decode run status: %w", err)
	}

	journaled, err := journaledStates(ctx, tx, run)
	if err != nil {
		return err
	}
	if len(journaled) > len(st.History) {
		return engine.NewConflictError("run history is shorter than its journal", nil).
			WithResource(run).WithCode(engine.ErrCodeInvalidTransition)
	}
	for i, j := range journaled {
		t := st.History[i]
		if t.From != j.From || t.To != j.To || !t.At.Equal(j.At) {
			return engine.NewConflictError(
				fmt.Sprintf("run history diverges from its journal at position %d", i), nil).
				WithResource(run).WithCode(engine.ErrCodeInvalidTransition)
		}
	}
	count := len(journaled)

	query := `
		INSERT INTO transitions (run, position, from_state, to_state, message, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for i := count; i < len(st.History); i++ {
		t := st.History[i]
		if _, err := tx.ExecContext(ctx, query, run, i, string(t.From), string(t.To), t.Message, t.At.UnixNano()); err != nil {
			return fmt.Errorf("failed to append transition: %w", err)
		}
	}
	return nil
}

// journaledStates loads the journal of run in position order.
func journaledStates(ctx context.Context, tx *sql.Tx, run string) ([]engine.Transition, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT from_state, to_state, at FROM transitions WHERE run = ? ORDER BY position`, run)
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions: %w", err)
	}
	defer rows.Close()

	var out []engine.Transition
	for rows.Next() {
		var (
			from, to string
			at       int64
		)
		if err := rows.Scan(&from, &to, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, engine.Transition{From: engine.State(from), To: engine.State(to), At: time.Unix(0, at).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return out, nil
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*engine.Document, error) {
	var (
		doc                  engine.Document
		entityType           string
		meta, spec, status   string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&doc.ID,
		&entityType,
		&doc.Kind,
		&doc.Project,
		&doc.Name,
		&doc.Key,
		&meta,
		&spec,
		&status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.EntityType = engine.EntityType(entityType)
	doc.Metadata = json.RawMessage(meta)
	doc.Spec = json.RawMessage(spec)
	doc.Status = json.RawMessage(status)
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &doc, nil
}

func scanCorrelation(row rowScanner) (*engine.Correlation, error) {
	var (
		c                    engine.Correlation
		handle, state        string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.Run, &c.Runtime, &c.NativeID, &handle, &state, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(handle), &c.Handle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal handle: %w", err)
	}
	c.State = engine.State(state)
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &c, nil
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

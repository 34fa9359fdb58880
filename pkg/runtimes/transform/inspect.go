package transform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// Column describes one column of a materialized table.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// TableInfo is what collection learns about a materialized table.
type TableInfo struct {
	Columns []Column
	Rows    int64
}

// Inspector reads the schema and size of a table.
type Inspector interface {
	Inspect(ctx context.Context, schema, table string) (*TableInfo, error)
}

// PostgresInspector inspects tables over database/sql with the pgx driver.
type PostgresInspector struct {
	db *sql.DB
}

// ParseTarget reads the warehouse target from a Postgres DSN. The schema
// defaults to "public".
func ParseTarget(dsn, schema string) (Target, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return Target{}, engine.NewValidationError("invalid postgres dsn", err)
	}
	if schema == "" {
		schema = "public"
	}
	return Target{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
		Schema:   schema,
	}, nil
}

// OpenPostgres opens and pings the warehouse.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresInspector, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, engine.NewBackendUnavailableError("postgres is unreachable", err)
	}
	return &PostgresInspector{db: db}, nil
}

// Close closes the connection pool.
func (p *PostgresInspector) Close() error {
	return p.db.Close()
}

const columnsQuery = `SELECT column_name, data_type, is_nullable = 'YES'
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

// Inspect returns the columns and row count of schema.table. A table
// without columns does not exist and is NOT_FOUND.
func (p *PostgresInspector) Inspect(ctx context.Context, schema, table string) (*TableInfo, error) {
	rows, err := p.db.QueryContext(ctx, columnsQuery, schema, table)
	if err != nil {
		return nil, engine.NewBackendUnavailableError("failed to read table columns", err)
	}
	defer rows.Close()

	info := &TableInfo{}
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type, &c.Nullable); err != nil {
			return nil, engine.NewBackendUnavailableError("failed to scan table columns", err)
		}
		info.Columns = append(info.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewBackendUnavailableError("failed to read table columns", err)
	}
	if len(info.Columns) == 0 {
		return nil, engine.NewNotFoundError("table", schema+"."+table)
	}

	ident := pgx.Identifier{schema, table}.Sanitize()
	err = p.db.QueryRowContext(ctx, "SELECT count(*) FROM "+ident).Scan(&info.Rows)
	if errors.Is(err, sql.ErrNoRows) {
		return info, nil
	}
	if err != nil {
		return nil, engine.NewBackendUnavailableError("failed to count table rows", err)
	}
	return info, nil
}

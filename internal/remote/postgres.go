package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// undefinedColumn is the Postgres error code for a select against a column
// that does not exist. Probes treat it as "absent", not a fault.
const undefinedColumn = "42703"

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect opens a connection pool against the given DSN and verifies it
// with a ping.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping remote store: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping reports whether the remote store is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// ProbeColumn implements Store.ProbeColumn.
func (p *Postgres) ProbeColumn(ctx context.Context, table, column string) (bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s LIMIT 0",
		pgx.Identifier{column}.Sanitize(), pgx.Identifier{table}.Sanitize())

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedColumn {
			return false, nil
		}
		return false, fmt.Errorf("probe %s.%s: %w", table, column, err)
	}
	rows.Close()
	// Query errors can surface after Close with zero-row results.
	if err := rows.Err(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedColumn {
			return false, nil
		}
		return false, fmt.Errorf("probe %s.%s: %w", table, column, err)
	}
	return true, nil
}

// Get implements Store.Get.
func (p *Postgres) Get(ctx context.Context, table, pkColumn, id string) (map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1",
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{pkColumn}.Sanitize())

	rows, err := p.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get %s[%s]: %w", table, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get %s[%s]: %w", table, id, err)
		}
		return nil, nil
	}

	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("get %s[%s]: %w", table, id, err)
	}

	record := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		record[fd.Name] = values[i]
	}
	return record, nil
}

// Select implements Store.Select.
func (p *Postgres) Select(ctx context.Context, table, column, value string) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1",
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{column}.Sanitize())

	rows, err := p.pool.Query(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("select %s by %s: %w", table, column, err)
	}
	defer rows.Close()

	var records []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("select %s by %s: %w", table, column, err)
		}
		record := make(map[string]any, len(values))
		for i, fd := range rows.FieldDescriptions() {
			record[fd.Name] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s by %s: %w", table, column, err)
	}
	return records, nil
}

// Upsert implements Store.Upsert using INSERT ... ON CONFLICT DO UPDATE.
func (p *Postgres) Upsert(ctx context.Context, table, conflictColumn string, record map[string]any) error {
	if len(record) == 0 {
		return fmt.Errorf("upsert %s: empty record", table)
	}

	columns := make([]string, 0, len(record))
	for col := range record {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var (
		colList      []string
		placeholders []string
		updates      []string
		args         []any
	)
	for i, col := range columns {
		colList = append(colList, pgx.Identifier{col}.Sanitize())
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		if col != conflictColumn {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s",
				pgx.Identifier{col}.Sanitize(), pgx.Identifier{col}.Sanitize()))
		}
		args = append(args, record[col])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(colList, ", "),
		strings.Join(placeholders, ", "),
		pgx.Identifier{conflictColumn}.Sanitize(),
		strings.Join(updates, ", "))

	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

// Delete implements Store.Delete. A zero row count is not an error.
func (p *Postgres) Delete(ctx context.Context, table, column, value string) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{column}.Sanitize())

	tag, err := p.pool.Exec(ctx, query, value)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

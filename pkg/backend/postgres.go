package backend

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresConfig holds the connection settings for the Postgres row store.
type PostgresConfig struct {
	DSN string
}

// PostgresStore is a RowStore over Postgres. Upserts use
// INSERT ... ON CONFLICT ... RETURNING so the rows the database actually
// wrote come back for verification; under row-level security a rejected row
// is simply absent from the RETURNING set.
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgresStore opens and pings a Postgres connection.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	logger.Info().Msg("Connected to Postgres row store.")
	return &PostgresStore{
		db:     db,
		logger: logger.With().Str("component", "PostgresRowStore").Logger(),
	}, nil
}

// Select returns the rows matching the equality filter.
func (s *PostgresStore) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s", quoteIdentifier(table))
	where, args := buildWhere(filter, 1)
	if where != "" {
		query += " WHERE " + where
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	return scanRows(rows)
}

// Upsert inserts or updates rows on the conflict columns and returns the
// rows the database wrote back. Every submitted row must carry the same
// column set.
func (s *PostgresStore) Upsert(ctx context.Context, table string, rows []Row, conflictColumns []string) ([]Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if len(conflictColumns) == 0 {
		return nil, fmt.Errorf("upsert into %s: at least one conflict column is required", table)
	}

	columns := sortedColumns(rows[0])
	args := make([]any, 0, len(rows)*len(columns))
	valueGroups := make([]string, 0, len(rows))
	placeholder := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("upsert into %s: row %d has a different column set", table, i)
		}
		placeholders := make([]string, 0, len(columns))
		for _, col := range columns {
			value, ok := row[col]
			if !ok {
				return nil, fmt.Errorf("upsert into %s: row %d is missing column %q", table, i, col)
			}
			placeholders = append(placeholders, fmt.Sprintf("$%d", placeholder))
			args = append(args, value)
			placeholder++
		}
		valueGroups = append(valueGroups, "("+strings.Join(placeholders, ", ")+")")
	}

	quotedColumns := make([]string, len(columns))
	for i, col := range columns {
		quotedColumns[i] = quoteIdentifier(col)
	}
	quotedConflict := make([]string, len(conflictColumns))
	for i, col := range conflictColumns {
		quotedConflict[i] = quoteIdentifier(col)
	}

	conflictAction := "DO NOTHING"
	if updates := updateAssignments(columns, conflictColumns); len(updates) > 0 {
		conflictAction = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) %s RETURNING *",
		quoteIdentifier(table),
		strings.Join(quotedColumns, ", "),
		strings.Join(valueGroups, ", "),
		strings.Join(quotedConflict, ", "),
		conflictAction,
	)

	result, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("upsert into %s: %w", table, err)
	}
	defer func() { _ = result.Close() }()
	written, err := scanRows(result)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("table", table).Int("submitted", len(rows)).Int("written", len(written)).
		Msg("Upsert completed.")
	return written, nil
}

// Delete removes the rows matching the filter. An empty filter is refused:
// the engine never wipes a whole table.
func (s *PostgresStore) Delete(ctx context.Context, table string, filter Filter) error {
	if len(filter) == 0 {
		return fmt.Errorf("delete from %s: refusing an unfiltered delete", table)
	}
	where, args := buildWhere(filter, 1)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdentifier(table), where)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	s.logger.Info().Msg("Closing Postgres row store...")
	return s.db.Close()
}

// buildWhere renders an equality filter as a WHERE clause with placeholders
// starting at firstPlaceholder. Filter keys are sorted so queries are
// deterministic.
func buildWhere(filter Filter, firstPlaceholder int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", quoteIdentifier(k), firstPlaceholder+i))
		args = append(args, filter[k])
	}
	return strings.Join(clauses, " AND "), args
}

func sortedColumns(row Row) []string {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

func updateAssignments(columns, conflictColumns []string) []string {
	conflict := make(map[string]struct{}, len(conflictColumns))
	for _, col := range conflictColumns {
		conflict[col] = struct{}{}
	}
	var assignments []string
	for _, col := range columns {
		if _, isKey := conflict[col]; isKey {
			continue
		}
		quoted := quoteIdentifier(col)
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
	}
	return assignments
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// scanRows converts a generic result set into Rows. Text values arrive from
// the driver as []byte and are normalised to string.
func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read result columns: %w", err)
	}
	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("result row iteration: %w", err)
	}
	return out, nil
}

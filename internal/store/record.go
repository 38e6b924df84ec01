package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record is one row expressed as column -> value, the shape entity wire
// transforms produce and the default pull save consumes. Values must be
// SQLite-compatible (string, int64, float64, bool, nil) or time.Time,
// which is stored as RFC3339 text.
type Record map[string]any

// String returns the named column as a string. Missing or non-string
// columns return "".
func (r Record) String(col string) string {
	if v, ok := r[col].(string); ok {
		return v
	}
	return ""
}

// Time returns the named column parsed as RFC3339, or the zero time.
func (r Record) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Columns returns the record's column names in sorted order, so generated
// SQL is deterministic.
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// sqlValue normalizes a record value for the driver.
func sqlValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

// Execer is the subset of sql.DB / sql.Tx the generic helpers need, so
// page application can run inside a transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertRecord inserts or updates one row identified by its primary key
// columns. Non-key columns are updated on conflict; the operation is
// idempotent, which is what makes at-least-once page redelivery safe.
func UpsertRecord(ctx context.Context, ex Execer, table string, primaryKeys []string, rec Record) error {
	if len(primaryKeys) == 0 {
		return fmt.Errorf("upsert into %s: no primary keys configured", table)
	}
	for _, pk := range primaryKeys {
		if _, ok := rec[pk]; !ok {
			return fmt.Errorf("upsert into %s: record missing primary key column %q", table, pk)
		}
	}

	cols := rec.Columns()
	isKey := make(map[string]bool, len(primaryKeys))
	for _, pk := range primaryKeys {
		isKey[pk] = true
	}

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	var updates []string
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = sqlValue(rec[c])
		if !isKey[c] {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(primaryKeys, ", "),
		strings.Join(updates, ", "),
	)

	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return nil
}

// GetRecord fetches one row by primary key as a Record. Returns
// sql.ErrNoRows if absent. Column values come back as the driver's
// native types (TEXT columns as string).
func (s *Store) GetRecord(ctx context.Context, table string, primaryKeys []string, keyValues []any) (Record, error) {
	if len(primaryKeys) != len(keyValues) {
		return nil, fmt.Errorf("get from %s: %d key columns but %d values", table, len(primaryKeys), len(keyValues))
	}

	conds := make([]string, len(primaryKeys))
	for i, pk := range primaryKeys {
		conds[i] = pk + " = ?"
	}

	// #nosec G202 - table and key names come from registered entity configs
	query := "SELECT * FROM " + table + " WHERE " + strings.Join(conds, " AND ")

	rows, err := s.conn.QueryContext(ctx, query, keyValues...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
	}

	rec := make(Record, len(cols))
	for i, c := range cols {
		switch v := vals[i].(type) {
		case []byte:
			rec[c] = string(v)
		default:
			rec[c] = v
		}
	}
	return rec, nil
}

// DeleteRecord removes one row by primary key. Idempotent.
func (s *Store) DeleteRecord(ctx context.Context, table string, primaryKeys []string, keyValues []any) error {
	conds := make([]string, len(primaryKeys))
	for i, pk := range primaryKeys {
		conds[i] = pk + " = ?"
	}
	query := "DELETE FROM " + table + " WHERE " + strings.Join(conds, " AND ")
	if _, err := s.conn.ExecContext(ctx, query, keyValues...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

// MarkRowSynced stamps synced_at on one entity row to record the time of
// the last confirmed server state.
func MarkRowSynced(ctx context.Context, ex Execer, table string, primaryKeys []string, keyValues []any, syncedAt time.Time) error {
	conds := make([]string, len(primaryKeys))
	for i, pk := range primaryKeys {
		conds[i] = pk + " = ?"
	}
	query := "UPDATE " + table + " SET synced_at = ? WHERE " + strings.Join(conds, " AND ")
	args := append([]any{syncedAt.UTC().Format(time.RFC3339)}, keyValues...)
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark %s row synced: %w", table, err)
	}
	return nil
}

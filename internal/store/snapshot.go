package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// SnapshotResult contains statistics about a snapshot operation.
type SnapshotResult struct {
	RowsWritten int
	RowsRead    int
	Errors      []string
}

// ExportTable writes every row of a table to a JSONL file, one JSON
// object per line. Used to snapshot local state before a full resync.
func (s *Store) ExportTable(ctx context.Context, table, path string) (*SnapshotResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	// #nosec G202 - table names come from registered entity configs
	rows, err := s.conn.QueryContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	w := bufio.NewWriter(f)
	result := &SnapshotResult{}

	for rows.Next() {
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
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
			} else {
				rec[c] = vals[i]
			}
		}

		line, err := json.Marshal(rec)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("marshal row: %v", err))
			continue
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("failed to write snapshot line: %w", err)
		}
		result.RowsWritten++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush snapshot: %w", err)
	}
	return result, nil
}

// ImportTable reads a JSONL snapshot and upserts each line into the
// table. Malformed lines are collected as errors, not fatal, matching the
// tolerant style of a full resync against partially written snapshots.
func (s *Store) ImportTable(ctx context.Context, table string, primaryKeys []string, path string) (*SnapshotResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()

	result := &SnapshotResult{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}

		if err := UpsertRecord(ctx, s.conn, table, primaryKeys, rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}
		result.RowsRead++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan snapshot file: %w", err)
	}

	return result, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// WorkOrder is the parent entity of the field-service domain. Checklist
// instances and attachments hang off a work order, and answer sync is
// gated on the parent having synced at least once.
type WorkOrder struct {
	ID           string
	Title        string
	Status       string // SCHEDULED, IN_PROGRESS, COMPLETED, CANCELLED
	Priority     int
	AssignedTo   string
	CustomerName string
	Address      string
	Notes        string
	ScheduledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	SyncedAt     *time.Time
}

// UpsertWorkOrder inserts or updates a work order. synced_at is not
// touched here; MarkRowSynced owns that column.
func (s *Store) UpsertWorkOrder(ctx context.Context, wo *WorkOrder) error {
	if wo.ID == "" {
		return fmt.Errorf("invalid work order: id is required")
	}
	if wo.Title == "" {
		return fmt.Errorf("invalid work order: title is required")
	}

	query := `
	INSERT INTO work_orders (
		id, title, status, priority, assigned_to, customer_name,
		address, notes, scheduled_at, created_at, updated_at, synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		status = excluded.status,
		priority = excluded.priority,
		assigned_to = excluded.assigned_to,
		customer_name = excluded.customer_name,
		address = excluded.address,
		notes = excluded.notes,
		scheduled_at = excluded.scheduled_at,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		wo.ID,
		wo.Title,
		wo.Status,
		wo.Priority,
		wo.AssignedTo,
		wo.CustomerName,
		wo.Address,
		wo.Notes,
		timeToNullString(wo.ScheduledAt),
		wo.CreatedAt.UTC().Format(time.RFC3339),
		wo.UpdatedAt.UTC().Format(time.RFC3339),
		timeToNullString(wo.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert work order %s: %w", wo.ID, err)
	}
	return nil
}

// GetWorkOrder retrieves one work order by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetWorkOrder(ctx context.Context, id string) (*WorkOrder, error) {
	query := `
	SELECT id, title, status, priority, assigned_to, customer_name,
	       address, notes, scheduled_at, created_at, updated_at, synced_at
	FROM work_orders
	WHERE id = ?
	`
	return scanWorkOrder(s.conn.QueryRowContext(ctx, query, id))
}

// ListWorkOrdersFilter configures the ListWorkOrders query.
type ListWorkOrdersFilter struct {
	// Status filters by work order status (empty = all)
	Status string
	// AssignedTo filters by assignee (empty = all)
	AssignedTo string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListWorkOrders retrieves work orders matching the filter, ordered by
// priority then scheduled time.
func (s *Store) ListWorkOrders(ctx context.Context, filter ListWorkOrdersFilter) ([]*WorkOrder, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AssignedTo != "" {
		conditions = append(conditions, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}

	query := `
	SELECT id, title, status, priority, assigned_to, customer_name,
	       address, notes, scheduled_at, created_at, updated_at, synced_at
	FROM work_orders
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority ASC, scheduled_at ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work orders: %w", err)
	}
	defer rows.Close()

	var orders []*WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, wo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating work orders: %w", err)
	}
	return orders, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkOrder(row rowScanner) (*WorkOrder, error) {
	var wo WorkOrder
	var createdAt, updatedAt string
	var scheduledAt, syncedAt sql.NullString
	var assignedTo, customerName, address, notes sql.NullString

	err := row.Scan(
		&wo.ID,
		&wo.Title,
		&wo.Status,
		&wo.Priority,
		&assignedTo,
		&customerName,
		&address,
		&notes,
		&scheduledAt,
		&createdAt,
		&updatedAt,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	wo.AssignedTo = assignedTo.String
	wo.CustomerName = customerName.String
	wo.Address = address.String
	wo.Notes = notes.String

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		wo.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		wo.UpdatedAt = t
	}
	wo.ScheduledAt = nullStringToTime(scheduledAt)
	wo.SyncedAt = nullStringToTime(syncedAt)

	return &wo, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChecklistInstance is one checklist attached to a work order.
type ChecklistInstance struct {
	ID          string
	WorkOrderID string
	TemplateID  string
	Status      string // PENDING, IN_PROGRESS, COMPLETED, CANCELLED
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	SyncedAt    *time.Time
}

// ChecklistQuestion is one question of a checklist template. Questions
// are reference data pulled from the server.
type ChecklistQuestion struct {
	ID         string
	TemplateID string
	Text       string
	AnswerType string
	Required   bool
	Position   int
	UpdatedAt  time.Time
	SyncedAt   *time.Time
}

// ChecklistAnswer is one recorded answer. synced_at NULL means the answer
// has not been confirmed by the server yet.
type ChecklistAnswer struct {
	ID         string
	InstanceID string
	QuestionID string
	Value      string
	AnsweredAt *time.Time
	UpdatedAt  time.Time
	SyncedAt   *time.Time

	// SyncError holds the server's rejection reason. A rejected answer is
	// excluded from further pushes until the user edits it again.
	SyncError string
}

// UpsertChecklistInstance inserts or updates an instance.
func (s *Store) UpsertChecklistInstance(ctx context.Context, ci *ChecklistInstance) error {
	if ci.ID == "" {
		return fmt.Errorf("invalid checklist instance: id is required")
	}
	if ci.WorkOrderID == "" {
		return fmt.Errorf("invalid checklist instance: work_order_id is required")
	}

	query := `
	INSERT INTO checklist_instances (
		id, work_order_id, template_id, status, completed_at,
		created_at, updated_at, synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		work_order_id = excluded.work_order_id,
		template_id = excluded.template_id,
		status = excluded.status,
		completed_at = excluded.completed_at,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		ci.ID,
		ci.WorkOrderID,
		ci.TemplateID,
		ci.Status,
		timeToNullString(ci.CompletedAt),
		ci.CreatedAt.UTC().Format(time.RFC3339),
		ci.UpdatedAt.UTC().Format(time.RFC3339),
		timeToNullString(ci.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert checklist instance %s: %w", ci.ID, err)
	}
	return nil
}

// GetChecklistInstance retrieves one instance by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetChecklistInstance(ctx context.Context, id string) (*ChecklistInstance, error) {
	query := `
	SELECT id, work_order_id, template_id, status, completed_at,
	       created_at, updated_at, synced_at
	FROM checklist_instances
	WHERE id = ?
	`

	var ci ChecklistInstance
	var completedAt, syncedAt sql.NullString
	var createdAt, updatedAt string

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&ci.ID,
		&ci.WorkOrderID,
		&ci.TemplateID,
		&ci.Status,
		&completedAt,
		&createdAt,
		&updatedAt,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		ci.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		ci.UpdatedAt = t
	}
	ci.CompletedAt = nullStringToTime(completedAt)
	ci.SyncedAt = nullStringToTime(syncedAt)

	return &ci, nil
}

// ListInstancesForWorkOrder returns all instances for one work order.
func (s *Store) ListInstancesForWorkOrder(ctx context.Context, workOrderID string) ([]*ChecklistInstance, error) {
	query := `
	SELECT id, work_order_id, template_id, status, completed_at,
	       created_at, updated_at, synced_at
	FROM checklist_instances
	WHERE work_order_id = ?
	ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances for %s: %w", workOrderID, err)
	}
	defer rows.Close()

	var instances []*ChecklistInstance
	for rows.Next() {
		var ci ChecklistInstance
		var completedAt, syncedAt sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&ci.ID, &ci.WorkOrderID, &ci.TemplateID, &ci.Status,
			&completedAt, &createdAt, &updatedAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checklist instance: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			ci.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			ci.UpdatedAt = t
		}
		ci.CompletedAt = nullStringToTime(completedAt)
		ci.SyncedAt = nullStringToTime(syncedAt)
		instances = append(instances, &ci)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checklist instances: %w", err)
	}
	return instances, nil
}

// UpsertChecklistQuestion inserts or updates a template question.
func (s *Store) UpsertChecklistQuestion(ctx context.Context, q *ChecklistQuestion) error {
	if q.ID == "" {
		return fmt.Errorf("invalid checklist question: id is required")
	}

	query := `
	INSERT INTO checklist_questions (
		id, template_id, text, answer_type, required, position, updated_at, synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		template_id = excluded.template_id,
		text = excluded.text,
		answer_type = excluded.answer_type,
		required = excluded.required,
		position = excluded.position,
		updated_at = excluded.updated_at
	`

	required := 0
	if q.Required {
		required = 1
	}

	_, err := s.conn.ExecContext(ctx, query,
		q.ID,
		q.TemplateID,
		q.Text,
		q.AnswerType,
		required,
		q.Position,
		q.UpdatedAt.UTC().Format(time.RFC3339),
		timeToNullString(q.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert checklist question %s: %w", q.ID, err)
	}
	return nil
}

// ListQuestionsForTemplate returns a template's questions in position order.
func (s *Store) ListQuestionsForTemplate(ctx context.Context, templateID string) ([]*ChecklistQuestion, error) {
	query := `
	SELECT id, template_id, text, answer_type, required, position, updated_at
	FROM checklist_questions
	WHERE template_id = ?
	ORDER BY position ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions for template %s: %w", templateID, err)
	}
	defer rows.Close()

	var questions []*ChecklistQuestion
	for rows.Next() {
		var q ChecklistQuestion
		var required int
		var updatedAt string
		if err := rows.Scan(&q.ID, &q.TemplateID, &q.Text, &q.AnswerType,
			&required, &q.Position, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checklist question: %w", err)
		}
		q.Required = required != 0
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			q.UpdatedAt = t
		}
		questions = append(questions, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checklist questions: %w", err)
	}
	return questions, nil
}

// UpsertChecklistAnswer inserts or updates an answer. The (instance,
// question) pair is unique, so re-answering a question replaces the row.
func (s *Store) UpsertChecklistAnswer(ctx context.Context, a *ChecklistAnswer) error {
	if a.ID == "" {
		return fmt.Errorf("invalid checklist answer: id is required")
	}
	if a.InstanceID == "" || a.QuestionID == "" {
		return fmt.Errorf("invalid checklist answer: instance_id and question_id are required")
	}

	query := `
	INSERT INTO checklist_answers (
		id, instance_id, question_id, value, answered_at, updated_at, synced_at, sync_error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(instance_id, question_id) DO UPDATE SET
		value = excluded.value,
		answered_at = excluded.answered_at,
		updated_at = excluded.updated_at,
		synced_at = excluded.synced_at,
		sync_error = excluded.sync_error
	`

	_, err := s.conn.ExecContext(ctx, query,
		a.ID,
		a.InstanceID,
		a.QuestionID,
		a.Value,
		timeToNullString(a.AnsweredAt),
		a.UpdatedAt.UTC().Format(time.RFC3339),
		timeToNullString(a.SyncedAt),
		a.SyncError,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert checklist answer %s: %w", a.ID, err)
	}
	return nil
}

// ListAnswersForInstance returns all answers recorded for one instance.
func (s *Store) ListAnswersForInstance(ctx context.Context, instanceID string) ([]*ChecklistAnswer, error) {
	query := `
	SELECT id, instance_id, question_id, value, answered_at, updated_at, synced_at, sync_error
	FROM checklist_answers
	WHERE instance_id = ?
	ORDER BY updated_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers for %s: %w", instanceID, err)
	}
	defer rows.Close()

	var answers []*ChecklistAnswer
	for rows.Next() {
		var a ChecklistAnswer
		var value, syncError sql.NullString
		var answeredAt, syncedAt sql.NullString
		var updatedAt string
		if err := rows.Scan(&a.ID, &a.InstanceID, &a.QuestionID, &value,
			&answeredAt, &updatedAt, &syncedAt, &syncError); err != nil {
			return nil, fmt.Errorf("failed to scan checklist answer: %w", err)
		}
		a.Value = value.String
		a.SyncError = syncError.String
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			a.UpdatedAt = t
		}
		a.AnsweredAt = nullStringToTime(answeredAt)
		a.SyncedAt = nullStringToTime(syncedAt)
		answers = append(answers, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checklist answers: %w", err)
	}
	return answers, nil
}

// MarkAnswerRejected records the server's rejection reason on an answer.
// Rejected answers stop being pushed until the user edits them again,
// which clears the error.
func (s *Store) MarkAnswerRejected(ctx context.Context, id, reason string) error {
	if _, err := s.conn.ExecContext(ctx,
		`UPDATE checklist_answers SET sync_error = ? WHERE id = ?`, reason, id); err != nil {
		return fmt.Errorf("failed to mark answer %s rejected: %w", id, err)
	}
	return nil
}

// CountRejectedAnswers returns how many answers the server has rejected
// and are awaiting a user correction.
func (s *Store) CountRejectedAnswers(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checklist_answers WHERE sync_error IS NOT NULL AND sync_error != ''`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejected answers: %w", err)
	}
	return n, nil
}

// MarkAnswersSynced stamps synced_at on the given answers after server
// confirmation.
func (s *Store) MarkAnswersSynced(ctx context.Context, ids []string, syncedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	stamp := syncedAt.UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := s.conn.ExecContext(ctx,
			`UPDATE checklist_answers SET synced_at = ? WHERE id = ?`, stamp, id); err != nil {
			return fmt.Errorf("failed to mark answer %s synced: %w", id, err)
		}
	}
	return nil
}

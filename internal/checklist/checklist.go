// Package checklist orchestrates checklist workflows on top of the
// store and transport layers: the instance status machine, required-
// answer validation, and answer synchronization with its parent-sync
// guard.
package checklist

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/camber-io/fieldsync/internal/clock"
	"github.com/camber-io/fieldsync/internal/store"
	"github.com/camber-io/fieldsync/internal/transport"
)

// Instance statuses.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
)

// validTransitions is the instance status machine. Cancelled is
// terminal; reopening a completed checklist is allowed explicitly.
var validTransitions = map[string][]string{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {StatusInProgress},
	StatusCancelled:  {},
}

func transitionAllowed(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidationError reports required questions still unanswered when a
// completion was attempted. It is a purely local failure: nothing is
// enqueued and nothing reaches the server.
type ValidationError struct {
	InstanceID         string
	MissingQuestionIDs []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("checklist %s: %d required questions unanswered", e.InstanceID, len(e.MissingQuestionIDs))
}

// Orchestrator drives checklist workflows.
type Orchestrator struct {
	store  *store.Store
	client *transport.Client
	clock  clock.Clock
	logger *log.Logger
}

// New creates an orchestrator. Nil clock and logger fall back to the
// system clock and stderr.
func New(st *store.Store, client *transport.Client, clk clock.Clock, logger *log.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[checklist] ", log.LstdFlags)
	}
	return &Orchestrator{store: st, client: client, clock: clk, logger: logger}
}

// CreateInstance starts a checklist for a work order locally. The
// instance reaches the server with its first answer sync, which carries
// the work order and template ids for exactly this case.
func (o *Orchestrator) CreateInstance(ctx context.Context, workOrderID, templateID string) (*store.ChecklistInstance, error) {
	if workOrderID == "" || templateID == "" {
		return nil, fmt.Errorf("work order id and template id are required")
	}
	now := o.clock.Now()
	ci := &store.ChecklistInstance{
		ID:          uuid.NewString(),
		WorkOrderID: workOrderID,
		TemplateID:  templateID,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.UpsertChecklistInstance(ctx, ci); err != nil {
		return nil, err
	}
	return ci, nil
}

// SaveAnswer records one answer locally. Answering a pending checklist
// moves it to in progress; a re-answer of the same question replaces the
// previous value. Completed and cancelled checklists refuse edits.
func (o *Orchestrator) SaveAnswer(ctx context.Context, instanceID, questionID, value string) (*store.ChecklistAnswer, error) {
	ci, err := o.store.GetChecklistInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checklist %s: %w", instanceID, err)
	}
	if ci.Status == StatusCompleted || ci.Status == StatusCancelled {
		return nil, fmt.Errorf("checklist %s is %s and cannot be answered", instanceID, ci.Status)
	}

	now := o.clock.Now()
	a := &store.ChecklistAnswer{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		QuestionID: questionID,
		Value:      value,
		AnsweredAt: &now,
		UpdatedAt:  now,
	}
	if err := o.store.UpsertChecklistAnswer(ctx, a); err != nil {
		return nil, err
	}

	if ci.Status == StatusPending {
		if err := o.transition(ctx, ci, StatusInProgress); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Complete closes a checklist. All required questions of its template
// must be answered with a non-empty value; otherwise a ValidationError
// lists what is missing and nothing changes.
func (o *Orchestrator) Complete(ctx context.Context, instanceID string) error {
	ci, err := o.store.GetChecklistInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load checklist %s: %w", instanceID, err)
	}
	if !transitionAllowed(ci.Status, StatusCompleted) {
		return fmt.Errorf("checklist %s: cannot complete from %s", instanceID, ci.Status)
	}

	missing, err := o.missingRequired(ctx, ci)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &ValidationError{InstanceID: instanceID, MissingQuestionIDs: missing}
	}

	now := o.clock.Now()
	ci.CompletedAt = &now
	return o.transition(ctx, ci, StatusCompleted)
}

// Reopen returns a completed checklist to in progress for corrections.
// If the completion already reached the server, the server is told about
// the reopen too; an unreachable server does not block the local reopen,
// the re-completion push reconciles later.
func (o *Orchestrator) Reopen(ctx context.Context, instanceID string) error {
	ci, err := o.store.GetChecklistInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load checklist %s: %w", instanceID, err)
	}
	if !transitionAllowed(ci.Status, StatusInProgress) {
		return fmt.Errorf("checklist %s: cannot reopen from %s", instanceID, ci.Status)
	}
	if ci.SyncedAt != nil && o.client != nil {
		if err := o.client.ReopenChecklistInstance(ctx, instanceID); err != nil {
			o.logger.Printf("reopen %s not acknowledged by server: %v", instanceID, err)
		}
	}
	ci.CompletedAt = nil
	ci.SyncedAt = nil
	return o.transition(ctx, ci, StatusInProgress)
}

// Cancel abandons a checklist. Terminal.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) error {
	ci, err := o.store.GetChecklistInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load checklist %s: %w", instanceID, err)
	}
	if !transitionAllowed(ci.Status, StatusCancelled) {
		return fmt.Errorf("checklist %s: cannot cancel from %s", instanceID, ci.Status)
	}
	return o.transition(ctx, ci, StatusCancelled)
}

func (o *Orchestrator) transition(ctx context.Context, ci *store.ChecklistInstance, to string) error {
	ci.Status = to
	ci.UpdatedAt = o.clock.Now()
	return o.store.UpsertChecklistInstance(ctx, ci)
}

func (o *Orchestrator) missingRequired(ctx context.Context, ci *store.ChecklistInstance) ([]string, error) {
	questions, err := o.store.ListQuestionsForTemplate(ctx, ci.TemplateID)
	if err != nil {
		return nil, err
	}
	answers, err := o.store.ListAnswersForInstance(ctx, ci.ID)
	if err != nil {
		return nil, err
	}

	answered := make(map[string]bool, len(answers))
	for _, a := range answers {
		if a.Value != "" {
			answered[a.QuestionID] = true
		}
	}

	var missing []string
	for _, q := range questions {
		if q.Required && !answered[q.ID] {
			missing = append(missing, q.ID)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// PushResult reports one answer-sync pass.
type PushResult struct {
	// Deferred is true when the parent work order has not synced yet and
	// the pass was skipped without contacting the server.
	Deferred bool
	Applied  int
	Rejected int
	Skipped  int
}

// PushPendingAnswers sends every unsynced answer of one instance in a
// single request. An unsynced parent work order defers the whole pass:
// the server cannot attach answers to a work order it has never seen, so
// waiting costs nothing and burns no attempt. Completion state rides
// along once the server has the answers.
func (o *Orchestrator) PushPendingAnswers(ctx context.Context, instanceID string) (*PushResult, error) {
	ci, err := o.store.GetChecklistInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checklist %s: %w", instanceID, err)
	}

	wo, err := o.store.GetWorkOrder(ctx, ci.WorkOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load work order %s: %w", ci.WorkOrderID, err)
	}
	if wo.SyncedAt == nil {
		o.logger.Printf("checklist %s: parent work order %s not synced, deferring", instanceID, wo.ID)
		return &PushResult{Deferred: true}, nil
	}

	answers, err := o.store.ListAnswersForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var pending []*store.ChecklistAnswer
	for _, a := range answers {
		// Rejected answers wait for a user correction instead of being
		// re-sent every cycle.
		if a.SyncedAt == nil && a.SyncError == "" {
			pending = append(pending, a)
		}
	}
	if len(pending) == 0 {
		return &PushResult{}, nil
	}

	req := transport.AnswerSyncRequest{
		InstanceID: instanceID,
		// Carried for instances the server has never seen.
		WorkOrderID: ci.WorkOrderID,
		TemplateID:  ci.TemplateID,
	}
	for _, a := range pending {
		req.Answers = append(req.Answers, transport.ChecklistAnswerWire{
			ID:         a.ID,
			InstanceID: a.InstanceID,
			QuestionID: a.QuestionID,
			Value:      a.Value,
			AnsweredAt: a.AnsweredAt,
			UpdatedAt:  a.UpdatedAt,
		})
	}

	resp, err := o.client.SyncAnswers(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sync answers for %s: %w", instanceID, err)
	}

	serverTime := resp.ServerTime
	if serverTime.IsZero() {
		serverTime = o.clock.Now()
	}

	res := &PushResult{}
	var confirmed []string
	for _, r := range resp.Results {
		switch r.Status {
		case transport.ResultApplied:
			res.Applied++
			confirmed = append(confirmed, r.AnswerID)
		case transport.ResultSkipped:
			res.Skipped++
			confirmed = append(confirmed, r.AnswerID)
		case transport.ResultRejected:
			res.Rejected++
			reason := r.Error
			if reason == "" {
				reason = "rejected by server"
			}
			if err := o.store.MarkAnswerRejected(ctx, r.AnswerID, reason); err != nil {
				return res, err
			}
			o.logger.Printf("checklist %s: answer %s rejected: %s", instanceID, r.AnswerID, reason)
		}
	}
	if err := o.store.MarkAnswersSynced(ctx, confirmed, serverTime); err != nil {
		return res, err
	}

	if ci.Status == StatusCompleted && ci.SyncedAt == nil && res.Rejected == 0 {
		completedAt := serverTime
		if ci.CompletedAt != nil {
			completedAt = *ci.CompletedAt
		}
		if err := o.client.CompleteChecklistInstance(ctx, instanceID, completedAt); err != nil {
			return res, fmt.Errorf("complete checklist %s: %w", instanceID, err)
		}
		ci.SyncedAt = &serverTime
		if err := o.store.UpsertChecklistInstance(ctx, ci); err != nil {
			return res, err
		}
	}

	return res, nil
}

// PushAllPending runs PushPendingAnswers for every instance that has
// unsynced answers. Deferred instances are left for the next pass.
func (o *Orchestrator) PushAllPending(ctx context.Context) (map[string]*PushResult, error) {
	ids, err := o.instancesWithPendingAnswers(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*PushResult, len(ids))
	for _, id := range ids {
		res, err := o.PushPendingAnswers(ctx, id)
		if err != nil {
			return results, err
		}
		results[id] = res
	}
	return results, nil
}

func (o *Orchestrator) instancesWithPendingAnswers(ctx context.Context) ([]string, error) {
	rows, err := o.store.RawDB().QueryContext(ctx, `
	SELECT DISTINCT instance_id FROM checklist_answers
	WHERE synced_at IS NULL AND (sync_error IS NULL OR sync_error = '')
	ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to find instances with pending answers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RefreshInstance pulls one instance with its questions and answers and
// writes everything locally. Local unsynced answers win over the
// server's copy.
func (o *Orchestrator) RefreshInstance(ctx context.Context, instanceID string) error {
	full, err := o.client.GetChecklistInstanceFull(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("fetch checklist %s: %w", instanceID, err)
	}

	now := o.clock.Now()
	ci := &store.ChecklistInstance{
		ID:          full.Instance.ID,
		WorkOrderID: full.Instance.WorkOrderID,
		TemplateID:  full.Instance.TemplateID,
		Status:      full.Instance.Status,
		CompletedAt: full.Instance.CompletedAt,
		CreatedAt:   full.Instance.CreatedAt,
		UpdatedAt:   full.Instance.UpdatedAt,
		SyncedAt:    &now,
	}
	if err := o.store.UpsertChecklistInstance(ctx, ci); err != nil {
		return err
	}

	for _, q := range full.Questions {
		cq := &store.ChecklistQuestion{
			ID:         q.ID,
			TemplateID: q.TemplateID,
			Text:       q.Text,
			AnswerType: q.AnswerType,
			Required:   q.Required,
			Position:   q.Position,
			UpdatedAt:  q.UpdatedAt,
			SyncedAt:   &now,
		}
		if err := o.store.UpsertChecklistQuestion(ctx, cq); err != nil {
			return err
		}
	}

	local, err := o.store.ListAnswersForInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	dirty := make(map[string]bool)
	for _, a := range local {
		if a.SyncedAt == nil {
			dirty[a.QuestionID] = true
		}
	}

	for _, a := range full.Answers {
		if dirty[a.QuestionID] {
			continue
		}
		ca := &store.ChecklistAnswer{
			ID:         a.ID,
			InstanceID: a.InstanceID,
			QuestionID: a.QuestionID,
			Value:      a.Value,
			AnsweredAt: a.AnsweredAt,
			UpdatedAt:  a.UpdatedAt,
			SyncedAt:   &now,
		}
		if err := o.store.UpsertChecklistAnswer(ctx, ca); err != nil {
			return err
		}
	}
	return nil
}

// FetchForWorkOrder pulls the server's checklist instances for one work
// order and refreshes each in full.
func (o *Orchestrator) FetchForWorkOrder(ctx context.Context, workOrderID string) (int, error) {
	instances, err := o.client.GetChecklistInstances(ctx, workOrderID)
	if err != nil {
		return 0, fmt.Errorf("fetch checklists for %s: %w", workOrderID, err)
	}
	for _, ins := range instances {
		if err := o.RefreshInstance(ctx, ins.ID); err != nil {
			return 0, err
		}
	}
	return len(instances), nil
}

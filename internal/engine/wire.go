package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/camber-io/fieldsync/internal/store"
)

// Wire formats are typed per entity so a field rename breaks the build
// instead of silently dropping data.

// WorkOrderWire is the work order representation on the sync protocol.
type WorkOrderWire struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	AssignedTo   string     `json:"assignedTo,omitempty"`
	CustomerName string     `json:"customerName,omitempty"`
	Address      string     `json:"address,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	ScheduledAt  *time.Time `json:"scheduledAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func workOrderFromWire(raw json.RawMessage) (store.Record, error) {
	var w WorkOrderWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("work order: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("work order: missing id")
	}
	rec := store.Record{
		"id":            w.ID,
		"title":         w.Title,
		"status":        w.Status,
		"priority":      int64(w.Priority),
		"assigned_to":   w.AssignedTo,
		"customer_name": w.CustomerName,
		"address":       w.Address,
		"notes":         w.Notes,
		"created_at":    w.CreatedAt,
		"updated_at":    w.UpdatedAt,
	}
	if w.ScheduledAt != nil {
		rec["scheduled_at"] = *w.ScheduledAt
	}
	return rec, nil
}

// workOrderToWire encodes an outbox payload. Payloads hold only changed
// fields, so absent columns are omitted rather than zeroed.
func workOrderToWire(rec store.Record) (json.RawMessage, error) {
	if rec.String("id") == "" {
		return nil, fmt.Errorf("work order payload: missing id")
	}
	out := make(map[string]any, len(rec))
	for col, wireKey := range workOrderWireKeys {
		if v, ok := rec[col]; ok {
			out[wireKey] = v
		}
	}
	return json.Marshal(out)
}

var workOrderWireKeys = map[string]string{
	"id":            "id",
	"title":         "title",
	"status":        "status",
	"priority":      "priority",
	"assigned_to":   "assignedTo",
	"customer_name": "customerName",
	"address":       "address",
	"notes":         "notes",
	"scheduled_at":  "scheduledAt",
	"created_at":    "createdAt",
	"updated_at":    "updatedAt",
}

// ServiceTypeWire is the read-only service catalog entry.
type ServiceTypeWire struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func serviceTypeFromWire(raw json.RawMessage) (store.Record, error) {
	var w ServiceTypeWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("service type: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("service type: missing id")
	}
	return store.Record{
		"id":         w.ID,
		"name":       w.Name,
		"category":   w.Category,
		"active":     w.Active,
		"updated_at": w.UpdatedAt,
	}, nil
}

func checklistInstanceFromWire(raw json.RawMessage) (store.Record, error) {
	var w struct {
		ID          string     `json:"id"`
		WorkOrderID string     `json:"workOrderId"`
		TemplateID  string     `json:"templateId"`
		Status      string     `json:"status"`
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		CreatedAt   time.Time  `json:"createdAt"`
		UpdatedAt   time.Time  `json:"updatedAt"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("checklist instance: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("checklist instance: missing id")
	}
	rec := store.Record{
		"id":            w.ID,
		"work_order_id": w.WorkOrderID,
		"template_id":   w.TemplateID,
		"status":        w.Status,
		"created_at":    w.CreatedAt,
		"updated_at":    w.UpdatedAt,
	}
	if w.CompletedAt != nil {
		rec["completed_at"] = *w.CompletedAt
	}
	return rec, nil
}

func checklistQuestionFromWire(raw json.RawMessage) (store.Record, error) {
	var w struct {
		ID         string    `json:"id"`
		TemplateID string    `json:"templateId"`
		Text       string    `json:"text"`
		AnswerType string    `json:"answerType"`
		Required   bool      `json:"required"`
		Position   int       `json:"position"`
		UpdatedAt  time.Time `json:"updatedAt"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("checklist question: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("checklist question: missing id")
	}
	return store.Record{
		"id":          w.ID,
		"template_id": w.TemplateID,
		"text":        w.Text,
		"answer_type": w.AnswerType,
		"required":    w.Required,
		"position":    int64(w.Position),
		"updated_at":  w.UpdatedAt,
	}, nil
}

func checklistAnswerFromWire(raw json.RawMessage) (store.Record, error) {
	var w struct {
		ID         string     `json:"id"`
		InstanceID string     `json:"instanceId"`
		QuestionID string     `json:"questionId"`
		Value      string     `json:"value"`
		AnsweredAt *time.Time `json:"answeredAt,omitempty"`
		UpdatedAt  time.Time  `json:"updatedAt"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("checklist answer: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("checklist answer: missing id")
	}
	rec := store.Record{
		"id":          w.ID,
		"instance_id": w.InstanceID,
		"question_id": w.QuestionID,
		"value":       w.Value,
		"updated_at":  w.UpdatedAt,
	}
	if w.AnsweredAt != nil {
		rec["answered_at"] = *w.AnsweredAt
	}
	return rec, nil
}

// AttachmentWire is attachment metadata on the pull protocol; blob bytes
// move through the upload pipeline, never through delta pages.
type AttachmentWire struct {
	ID        string    `json:"id"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entityId"`
	FileName  string    `json:"fileName"`
	MimeType  string    `json:"mimeType,omitempty"`
	FileSize  int64     `json:"fileSize"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func attachmentFromWire(raw json.RawMessage) (store.Record, error) {
	var w AttachmentWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("attachment: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("attachment: missing id")
	}
	return store.Record{
		"id":         w.ID,
		"entity":     w.Entity,
		"entity_id":  w.EntityID,
		"file_name":  w.FileName,
		"mime_type":  w.MimeType,
		"file_size":  w.FileSize,
		"remote_url": w.URL,
		"created_at": w.CreatedAt,
		"updated_at": w.UpdatedAt,
	}, nil
}

// DefaultEntities returns the standard entity set in dependency order:
// reference data and work orders before the checklist tables that point
// at them. Work orders are the only entity pushed here; checklist
// answers ride the orchestrator's dedicated endpoint and attachments
// ride the upload pipeline.
func DefaultEntities() []EntityConfig {
	return []EntityConfig{
		{
			Name:        "service_types",
			Table:       "service_types",
			PullPath:    "/service-types/pull",
			PrimaryKeys: []string{"id"},
			Strategy:    StrategyServerWins,
			FromWire:    serviceTypeFromWire,
		},
		{
			Name:        "work_orders",
			Table:       "work_orders",
			PullPath:    "/work-orders/pull",
			PushPath:    "/work-orders/push",
			PrimaryKeys: []string{"id"},
			Strategy:    StrategyLastWriteWins,
			FromWire:    workOrderFromWire,
			ToWire:      workOrderToWire,
		},
		{
			Name:        "checklist_questions",
			Table:       "checklist_questions",
			PullPath:    "/checklist-questions/pull",
			PrimaryKeys: []string{"id"},
			Strategy:    StrategyServerWins,
			FromWire:    checklistQuestionFromWire,
		},
		{
			// Last write wins: the orchestrator bumps updated_at on every
			// status transition, so a checklist completed offline outlives
			// the stale copy a delta pull carries back before the
			// completion has been pushed.
			Name:        "checklist_instances",
			Table:       "checklist_instances",
			PullPath:    "/checklist-instances/pull",
			PrimaryKeys: []string{"id"},
			Strategy:    StrategyLastWriteWins,
			FromWire:    checklistInstanceFromWire,
		},
		{
			Name:        "checklist_answers",
			Table:       "checklist_answers",
			PullPath:    "/checklist-answers/pull",
			PrimaryKeys: []string{"id"},
			Strategy:    StrategyLastWriteWins,
			FromWire:    checklistAnswerFromWire,
		},
		{
			Name:        "attachments",
			Table:       "attachments",
			PullPath:    "/attachments/pull",
			PrimaryKeys: []string{"id"},
			Strategy:    StrategyServerWins,
			FromWire:    attachmentFromWire,
		},
	}
}

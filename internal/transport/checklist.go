package transport

import (
	"context"
	"encoding/json"
	"time"
)

// ChecklistInstanceWire is a checklist instance as the server sends it.
type ChecklistInstanceWire struct {
	ID          string     `json:"id"`
	WorkOrderID string     `json:"workOrderId"`
	TemplateID  string     `json:"templateId"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ChecklistQuestionWire is one template question on the wire.
type ChecklistQuestionWire struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"templateId"`
	Text       string    `json:"text"`
	AnswerType string    `json:"answerType"`
	Required   bool      `json:"required"`
	Position   int       `json:"position"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ChecklistAnswerWire is one answer on the wire.
type ChecklistAnswerWire struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instanceId"`
	QuestionID string     `json:"questionId"`
	Value      string     `json:"value"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ChecklistInstanceFull is the /full fetch: instance plus its template
// questions and recorded answers.
type ChecklistInstanceFull struct {
	Instance  ChecklistInstanceWire   `json:"instance"`
	Questions []ChecklistQuestionWire `json:"questions"`
	Answers   []ChecklistAnswerWire   `json:"answers"`
}

// AnswerSyncRequest pushes all pending answers for one instance as a
// unit. For instances created offline, WorkOrderID and TemplateID let
// the server create the instance on first contact.
type AnswerSyncRequest struct {
	InstanceID  string                `json:"instanceId"`
	WorkOrderID string                `json:"workOrderId,omitempty"`
	TemplateID  string                `json:"templateId,omitempty"`
	Answers     []ChecklistAnswerWire `json:"answers"`
}

// AnswerResult follows the batch push pattern plus the "skipped" outcome
// (answer already existed server-side - an idempotent no-op).
type AnswerResult struct {
	AnswerID string `json:"answerId"`
	Status   string `json:"status"` // applied | rejected | skipped
	Error    string `json:"error,omitempty"`
}

// AnswerSyncResponse resolves each answer independently.
type AnswerSyncResponse struct {
	Results    []AnswerResult `json:"results"`
	ServerTime time.Time      `json:"serverTime"`
}

// GetChecklistInstances fetches the instances attached to a work order.
func (c *Client) GetChecklistInstances(ctx context.Context, workOrderID string) ([]ChecklistInstanceWire, error) {
	var out []ChecklistInstanceWire
	if err := c.get(ctx, "/checklist-instances/work-orders/"+workOrderID, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetChecklistInstanceFull fetches one instance with questions and
// answers.
func (c *Client) GetChecklistInstanceFull(ctx context.Context, instanceID string) (*ChecklistInstanceFull, error) {
	var out ChecklistInstanceFull
	if err := c.get(ctx, "/checklist-instances/"+instanceID+"/full", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncAnswers pushes all pending answers for one instance in a single
// request.
func (c *Client) SyncAnswers(ctx context.Context, req AnswerSyncRequest) (*AnswerSyncResponse, error) {
	var out AnswerSyncResponse
	if err := c.post(ctx, "/checklist-instances/sync", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteChecklistInstance reports a completion to the server.
func (c *Client) CompleteChecklistInstance(ctx context.Context, instanceID string, completedAt time.Time) error {
	body := map[string]any{"completedAt": completedAt.UTC().Format(time.RFC3339)}
	return c.post(ctx, "/checklist-instances/"+instanceID+"/complete", body, nil)
}

// ReopenChecklistInstance reports an explicit reopen to the server.
func (c *Client) ReopenChecklistInstance(ctx context.Context, instanceID string) error {
	return c.post(ctx, "/checklist-instances/"+instanceID+"/reopen", struct{}{}, nil)
}

// DecodeInstanceWire decodes a pulled raw item into a typed instance.
func DecodeInstanceWire(raw json.RawMessage) (*ChecklistInstanceWire, error) {
	var w ChecklistInstanceWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

package jobs

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditBatch is the task type for approving or rejecting many pending audits.
	TaskAuditBatch = "audit:batch-approve"
)

// AuditBatchPayload describes one batch disposition request.
type AuditBatchPayload struct {
	RequestID string  `json:"request_id"`
	UserID    int64   `json:"user_id"`
	AuditIDs  []int64 `json:"audit_ids"`
	Approved  bool    `json:"approved"`
}

// NewAuditBatchTask constructs an Asynq task.
func NewAuditBatchTask(payload AuditBatchPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if payload.UserID <= 0 {
		return nil, errors.New("audit batch: user required")
	}
	if len(payload.AuditIDs) == 0 {
		return nil, errors.New("audit batch: no audits")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit batch: encode payload: %w", err)
	}
	return asynq.NewTask(TaskAuditBatch, data, opts...), nil
}

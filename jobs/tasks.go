package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskConflictAnalyze compares one changed policy with the active set.
	TaskConflictAnalyze = "authz:conflicts:analyze"
	// TaskConflictRescan compares every pair of active policies.
	TaskConflictRescan = "authz:conflicts:rescan"
)

// ConflictAnalyzePayload identifies the changed policy.
type ConflictAnalyzePayload struct {
	PolicyID uuid.UUID `json:"policy_id"`
}

// NewConflictAnalyzeTask constructs an Asynq task for one policy.
func NewConflictAnalyzeTask(policyID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(ConflictAnalyzePayload{PolicyID: policyID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConflictAnalyze, data), nil
}

// NewConflictRescanTask constructs the periodic full rescan task.
func NewConflictRescanTask() *asynq.Task {
	return asynq.NewTask(TaskConflictRescan, nil)
}

package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/genflow/internal/domain"
)

const TypeJobTerminal = "job:terminal"

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// TerminalPayload announces that a job reached completed or failed.
type TerminalPayload struct {
	Event      string     `json:"event"`
	Job        domain.Job `json:"job"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// EventForStatus maps a terminal status to its event name.
func EventForStatus(status domain.Status) (string, bool) {
	switch status {
	case domain.JobStatusCompleted:
		return EventJobCompleted, true
	case domain.JobStatusFailed:
		return EventJobFailed, true
	default:
		return "", false
	}
}

func NewJobTerminalTask(payload TerminalPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal terminal payload: %w", err)
	}
	return asynq.NewTask(TypeJobTerminal, body), nil
}

func ParseJobTerminalPayload(task *asynq.Task) (TerminalPayload, error) {
	var payload TerminalPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return TerminalPayload{}, fmt.Errorf("unmarshal terminal payload: %w", err)
	}
	return payload, nil
}

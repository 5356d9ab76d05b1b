package events

import (
	"testing"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
)

func TestJobTerminalTaskCarriesJob(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := domain.NewJob("job-123", "owner", "a red circle", nil, now)
	job.Begin(now)
	job.StartProcessing(nil, now)
	job.Complete(domain.Result{ImageURL: "http://minio/genflow/out.png", MIMEType: "image/png"}, now)

	task, err := NewJobTerminalTask(TerminalPayload{Event: EventJobCompleted, Job: job, OccurredAt: now})
	if err != nil {
		t.Fatalf("NewJobTerminalTask returned error: %v", err)
	}
	if task.Type() != TypeJobTerminal {
		t.Fatalf("expected task type %q, got %q", TypeJobTerminal, task.Type())
	}

	parsed, err := ParseJobTerminalPayload(task)
	if err != nil {
		t.Fatalf("ParseJobTerminalPayload returned error: %v", err)
	}
	if parsed.Event != EventJobCompleted {
		t.Fatalf("expected event %q, got %q", EventJobCompleted, parsed.Event)
	}
	if parsed.Job.ID != "job-123" || parsed.Job.Status != domain.JobStatusCompleted {
		t.Fatalf("unexpected job: id=%q status=%s", parsed.Job.ID, parsed.Job.Status)
	}
	if parsed.Job.Result == nil || parsed.Job.Result.ImageURL != "http://minio/genflow/out.png" {
		t.Fatalf("expected result image url to survive, got %+v", parsed.Job.Result)
	}
	if !now.Equal(parsed.OccurredAt) {
		t.Fatalf("expected occurred_at %v, got %v", now, parsed.OccurredAt)
	}
}

func TestEventForStatus(t *testing.T) {
	if event, ok := EventForStatus(domain.JobStatusCompleted); !ok || event != EventJobCompleted {
		t.Fatalf("expected %q for completed, got %q (ok=%v)", EventJobCompleted, event, ok)
	}
	if event, ok := EventForStatus(domain.JobStatusFailed); !ok || event != EventJobFailed {
		t.Fatalf("expected %q for failed, got %q (ok=%v)", EventJobFailed, event, ok)
	}
	if _, ok := EventForStatus(domain.JobStatusProcessing); ok {
		t.Fatal("expected no event for processing")
	}
}

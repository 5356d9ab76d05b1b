package events

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/genflow/internal/domain"
)

// Publisher hands terminal job transitions to the webhook worker.
type Publisher interface {
	PublishTerminal(ctx context.Context, job domain.Job) error
}

type Client struct {
	client *asynq.Client
	queue  string
	now    func() time.Time
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) PublishTerminal(ctx context.Context, job domain.Job) error {
	event, ok := EventForStatus(job.Status)
	if !ok {
		return fmt.Errorf("job %s is not terminal (status=%s)", job.ID, job.Status)
	}

	task, err := NewJobTerminalTask(TerminalPayload{Event: event, Job: job, OccurredAt: c.now()})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
		asynq.TaskID(event+":"+job.ID+":"+job.UpdatedAt.UTC().Format(time.RFC3339Nano)),
	)
	if err != nil {
		return fmt.Errorf("enqueue terminal task: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

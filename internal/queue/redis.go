package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	config "github.com/postpilot/postpilot/configs"
)

// RedisConnOpt builds the asynq connection options from environment config.
func RedisConnOpt(cfg config.Config) asynq.RedisClientOpt {
	opt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr(),
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opt.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return opt
}

// RedisQueue is the durable delayed queue backing the scheduler. Jobs are
// keyed by a caller-supplied id so an Add for an existing id can be
// superseded with Remove-then-Add.
type RedisQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func NewRedisQueue(opt asynq.RedisClientOpt) *RedisQueue {
	return &RedisQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}
}

func (q *RedisQueue) Add(ctx context.Context, jobID string, payload PublishPostPayload, delay time.Duration) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypePublishPost, b)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.TaskID(jobID),
		asynq.ProcessIn(delay),
	)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Remove deletes a pending job. A job that is absent, or whose queue has
// never been created, counts as removed.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	err := q.inspector.DeleteTask(QueueName, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return fmt.Errorf("remove job %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueSubscriptionRepair is the Redis list key for ledger repair jobs.
	QueueSubscriptionRepair = "worker:subscription_repair"
	// QueueDLQ is the dead-letter queue for failed jobs after retries. Operators drain it by hand.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the default delay between retries.
	RetryBackoff = 10 * time.Second
	// pollTimeout bounds each blocking pop so the worker notices shutdown.
	pollTimeout = 5 * time.Second
)

// JobType identifies the job kind.
type JobType string

// JobTypeSubscriptionRepair re-creates a subscription ledger row that failed to write after payment.
const JobTypeSubscriptionRepair JobType = "subscription_repair"

// SubscriptionRepairPayload names the party left without a ledger row and the processor subscription it paid for.
type SubscriptionRepairPayload struct {
	PartyID              uuid.UUID `json:"party_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	Reason               string    `json:"reason,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueSubscriptionRepair enqueues a ledger repair job.
func (q *Queue) EnqueueSubscriptionRepair(ctx context.Context, payload SubscriptionRepairPayload) error {
	job, err := NewJob(JobTypeSubscriptionRepair, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueSubscriptionRepair, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Info("enqueued subscription repair job",
		zap.String("job_id", job.ID),
		zap.String("party_id", payload.PartyID.String()),
		zap.String("subscription_id", payload.StripeSubscriptionID))
	return nil
}

// NewJob wraps payload in a fresh envelope.
func NewJob(t JobType, payload any) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Dequeue waits up to a few seconds for a repair job. It returns a nil job when none arrived.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, pollTimeout, QueueSubscriptionRepair).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) error {
	job.Attempt++
	if cause != nil {
		job.LastError = cause.Error()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueSubscriptionRepair, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

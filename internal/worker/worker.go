package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partyline/backend/internal/billing"
	"github.com/partyline/backend/internal/provisioning"
	"github.com/partyline/backend/pkg/queue"
)

// JobQueue is the queue surface the worker drains.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job, cause error) error
}

// Repairer writes a missing subscription ledger row.
type Repairer interface {
	RepairSubscription(ctx context.Context, partyID uuid.UUID, snap provisioning.Snapshot) error
}

// RepairProcessor processes subscription repair jobs: re-read the subscription from the
// processor and write the ledger row the provisioning run could not.
type RepairProcessor struct {
	subs     billing.Processor
	repairer Repairer
	queue    JobQueue
	backoff  time.Duration
	logger   *zap.Logger
}

// NewRepairProcessor creates a subscription repair processor.
func NewRepairProcessor(subs billing.Processor, repairer Repairer, q JobQueue, backoff time.Duration, logger *zap.Logger) *RepairProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backoff <= 0 {
		backoff = queue.RetryBackoff
	}
	return &RepairProcessor{subs: subs, repairer: repairer, queue: q, backoff: backoff, logger: logger}
}

// Process executes one repair job.
func (p *RepairProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSubscriptionRepair {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SubscriptionRepairPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	sub, err := p.subs.GetSubscription(ctx, payload.StripeSubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", payload.StripeSubscriptionID, err)
	}
	if err := p.repairer.RepairSubscription(ctx, payload.PartyID, provisioning.SnapshotFromProcessor(sub)); err != nil {
		return err
	}
	p.logger.Info("subscription repair completed",
		zap.String("job_id", job.ID),
		zap.String("party_id", payload.PartyID.String()),
		zap.String("subscription_id", payload.StripeSubscriptionID))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *RepairProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("repair worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job, err); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *RepairProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

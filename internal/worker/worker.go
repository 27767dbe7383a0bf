package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/classroom-live/backend/internal/attendance"
	"github.com/classroom-live/backend/pkg/queue"
)

// PresenceProcessor drains presence-event log jobs and writes them to the
// attendance store. Keeping this off the hot path means a slow database
// write never delays a join or a fan-out.
type PresenceProcessor struct {
	repo   *attendance.Repository
	queue  *queue.Queue
	logger *zap.Logger
}

// NewPresenceProcessor creates a presence log processor.
func NewPresenceProcessor(repo *attendance.Repository, q *queue.Queue, logger *zap.Logger) *PresenceProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceProcessor{repo: repo, queue: q, logger: logger}
}

// Process executes one presence log job.
func (p *PresenceProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypePresenceEvent {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.PresencePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.repo.Record(ctx, payload.Event()); err != nil {
		return fmt.Errorf("record presence event: %w", err)
	}
	p.logger.Debug("presence event recorded",
		zap.String("job_id", job.ID),
		zap.String("session_id", payload.SessionID.String()),
		zap.String("kind", string(payload.Kind)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *PresenceProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("presence worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			continue
		}
	}
}

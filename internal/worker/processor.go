// Package worker drives job execution: it sweeps expired locks,
// enqueues the per-tick schedule check, claims due jobs one at a time,
// and dispatches them to per-type handlers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crawl-scheduler/internal/config"
	"crawl-scheduler/internal/crawl"
	"crawl-scheduler/internal/models"
	"crawl-scheduler/internal/queue"
	"crawl-scheduler/internal/schedule"
	"crawl-scheduler/internal/telemetry"
)

// Handler executes one claimed job and returns its opaque result blob.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Processor is the polling worker loop.
type Processor struct {
	cfg       config.Config
	queue     *queue.Queue
	schedules *schedule.Service
	handlers  map[string]Handler
	log       *zap.Logger
}

func NewProcessor(cfg config.Config, q *queue.Queue, schedules *schedule.Service, log *zap.Logger) *Processor {
	p := &Processor{
		cfg:       cfg,
		queue:     q,
		schedules: schedules,
		handlers:  make(map[string]Handler),
		log:       log,
	}
	p.RegisterHandler(models.JobTypeScheduleCheck, p.handleScheduleCheck)
	return p
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run polls until context cancellation. Each tick: reap expired locks,
// enqueue the deduplicated schedule-check job for this minute, then
// claim and execute every due job.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()

	for {
		p.tick(ctx, time.Now().UTC())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) tick(ctx context.Context, now time.Time) {
	if reaped, err := p.queue.ReapExpired(ctx, now); err != nil {
		p.log.Error("reap expired locks", zap.Error(err))
	} else if reaped > 0 {
		p.log.Warn("reaped expired locks", zap.Int("count", reaped))
	}

	// One schedule-check job per minute tick; overlapping workers
	// collapse onto the same row via dedupe.
	if _, err := p.queue.FindOrCreate(ctx, models.JobTypeScheduleCheck, now.Truncate(time.Minute), nil); err != nil {
		p.log.Error("enqueue schedule check", zap.Error(err))
	}

	due, err := p.queue.Due(ctx, now)
	if err != nil {
		p.log.Error("select due jobs", zap.Error(err))
		return
	}
	telemetry.PendingJobsGauge.Set(float64(len(due)))

	for _, candidate := range due {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.MarkRunning(ctx, candidate.ID)
		if errors.Is(err, queue.ErrClaimed) {
			continue // another worker got there first
		}
		if err != nil {
			p.log.Error("claim job", zap.String("job_id", candidate.ID), zap.Error(err))
			continue
		}
		p.execute(ctx, job)
	}
}

func (p *Processor) execute(ctx context.Context, job models.Job) {
	handler, ok := p.handlers[job.JobType]
	if !ok {
		_ = p.queue.MarkFailed(ctx, job.ID, fmt.Sprintf("no handler registered for type %q", job.JobType))
		return
	}

	result, err := handler(ctx, job)
	if err != nil {
		if failErr := p.queue.MarkFailed(ctx, job.ID, err.Error()); failErr != nil {
			p.log.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return
	}
	if err := p.queue.MarkCompleted(ctx, job.ID, result); err != nil {
		p.log.Error("mark job completed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// scheduleCheckResult summarizes one pass over due schedules.
type scheduleCheckResult struct {
	Due      int `json:"due"`
	Executed int `json:"executed"`
}

// handleScheduleCheck executes every schedule definition whose
// next_run_at has arrived. A partial failure fails the job so the
// retry chain re-runs the check; already-executed definitions have been
// re-armed and will not be due again.
func (p *Processor) handleScheduleCheck(ctx context.Context, _ models.Job) (json.RawMessage, error) {
	now := time.Now().UTC()
	due, err := p.schedules.DueForRun(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}
	telemetry.SchedulesDueGauge.Set(float64(len(due)))

	res := scheduleCheckResult{Due: len(due)}
	var firstErr error
	for _, def := range due {
		if err := p.schedules.Execute(ctx, def, now); err != nil {
			p.log.Error("execute schedule", zap.String("schedule_id", def.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Executed++
	}
	if firstErr != nil {
		return nil, fmt.Errorf("executed %d of %d due schedules: %w", res.Executed, res.Due, firstErr)
	}
	return json.Marshal(res)
}

// NewSingleRunHandler returns the handler for one-off crawl jobs: it
// decodes the options blob and submits the crawl.
func NewSingleRunHandler(executor crawl.Executor) Handler {
	return func(ctx context.Context, job models.Job) (json.RawMessage, error) {
		var payload crawl.Payload
		if err := json.Unmarshal(job.Options, &payload); err != nil {
			return nil, fmt.Errorf("decode crawl options: %w", err)
		}
		if payload.SourceURL == "" {
			return nil, errors.New("source_url is required")
		}
		if err := executor.Submit(ctx, payload.SourceURL, payload.Options); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"submitted": payload.SourceURL})
	}
}

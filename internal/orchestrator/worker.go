package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alvesdmateus/instance-deployer/internal/observability"
	"github.com/alvesdmateus/instance-deployer/internal/queue"
)

// JobHandler runs one job of each type
type JobHandler interface {
	Deploy(ctx context.Context, job *queue.Job) error
	Redeploy(ctx context.Context, job *queue.Job) error
	UpdateEnv(ctx context.Context, job *queue.Job) error
	DestroyInstance(ctx context.Context, job *queue.Job) error
}

// Worker processes jobs from the queue with configurable concurrency
type Worker struct {
	queue       *queue.RedisQueue
	handler     JobHandler
	metrics     *observability.Metrics
	concurrency int
	pollTimeout time.Duration
	backoff     func(attempt int) time.Duration
	logger      zerolog.Logger
}

// NewWorker creates a new worker
func NewWorker(q *queue.RedisQueue, handler JobHandler, concurrency int, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}

	return &Worker{
		queue:       q,
		handler:     handler,
		metrics:     metrics,
		concurrency: concurrency,
		pollTimeout: 5 * time.Second,
		backoff:     calculateBackoff,
		logger:      logger.With().Str("component", "worker").Logger(),
	}
}

// SetPollTimeout changes how long each blocking pop waits
func (w *Worker) SetPollTimeout(d time.Duration) {
	if d > 0 {
		w.pollTimeout = d
	}
}

// Start runs N job processors until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().
		Int("concurrency", w.concurrency).
		Msg("Starting orchestrator worker")

	if w.metrics != nil {
		w.metrics.SetWorkersActive(float64(w.concurrency))
		defer w.metrics.SetWorkersActive(0)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i
		g.Go(func() error {
			w.processJobs(ctx, workerID)
			return nil
		})
	}
	if w.metrics != nil {
		g.Go(func() error {
			w.reportDepth(ctx)
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info().Msg("Orchestrator worker stopped")
	return err
}

// processJobs polls the type queues round-robin until ctx is cancelled
func (w *Worker) processJobs(ctx context.Context, workerID int) {
	logger := w.logger.With().Int("worker_id", workerID).Logger()
	logger.Info().Msg("Worker goroutine started")

	current := 0
	for {
		if ctx.Err() != nil {
			logger.Info().Msg("Worker goroutine stopped (context cancelled)")
			return
		}

		jobType := queue.JobTypes[current]
		current = (current + 1) % len(queue.JobTypes)

		job, err := w.queue.Dequeue(ctx, jobType, w.pollTimeout)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Str("job_type", string(jobType)).Msg("Failed to dequeue job")
			}
			continue
		}
		if job == nil {
			continue
		}

		w.process(ctx, job, logger)
	}
}

// process runs one job and settles its queue markers
func (w *Worker) process(ctx context.Context, job *queue.Job, logger zerolog.Logger) {
	logger = logger.With().
		Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("deployment_id", job.DeploymentID).
		Logger()

	if w.metrics != nil && !job.CreatedAt.IsZero() {
		w.metrics.RecordQueueLatency(string(job.Type), time.Since(job.CreatedAt).Seconds())
	}
	if err := w.queue.MarkProcessing(ctx, job.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark job as processing")
	}

	logger.Info().Int("attempt", job.Attempts+1).Msg("Processing job")
	err := w.handleJob(ctx, job)

	// markers are settled even during shutdown
	settle := context.WithoutCancel(ctx)

	if err == nil {
		logger.Info().Msg("Job processed successfully")
		w.record(job.Type, "success")
		if err := w.queue.MarkComplete(settle, job.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark job as complete")
		}
		return
	}

	logger.Error().Err(err).Msg("Job processing failed")
	job.Attempts++
	job.LastError = err.Error()

	if job.Attempts < job.MaxAttempts && ctx.Err() == nil {
		delay := w.backoff(job.Attempts)
		job.NextRetryAt = time.Now().Add(delay)

		logger.Warn().
			Int("attempt", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Dur("backoff_delay", delay).
			Time("next_retry_at", job.NextRetryAt).
			Msg("Requeueing failed job for retry with backoff")

		w.record(job.Type, "retried")
		if err := w.queue.MarkComplete(settle, job.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to clear processing marker")
		}
		go w.requeueAfter(ctx, job, delay, logger)
		return
	}

	logger.Error().
		Int("attempts", job.Attempts).
		Str("last_error", job.LastError).
		Msg("Job failed after max attempts")
	w.record(job.Type, "failed")
	if err := w.queue.MarkFailed(settle, job.ID, err); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job as failed")
	}
}

func (w *Worker) requeueAfter(ctx context.Context, job *queue.Job, delay time.Duration, logger zerolog.Logger) {
	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		// put it back immediately so the job survives shutdown
	case <-t.C:
	}

	if err := w.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		logger.Error().Err(err).Msg("Failed to requeue job after backoff")
	}
}

// handleJob routes a job to the appropriate handler based on job type
func (w *Worker) handleJob(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	switch job.Type {
	case queue.JobTypeDeploy:
		return w.handler.Deploy(ctx, job)
	case queue.JobTypeRedeploy:
		return w.handler.Redeploy(ctx, job)
	case queue.JobTypeEnvUpdate:
		return w.handler.UpdateEnv(ctx, job)
	case queue.JobTypeDestroyInstance:
		return w.handler.DestroyInstance(ctx, job)
	default:
		return errors.New("unknown job type: " + string(job.Type))
	}
}

func (w *Worker) record(jobType queue.JobType, outcome string) {
	if w.metrics != nil {
		w.metrics.RecordJob(string(jobType), outcome)
	}
}

// reportDepth refreshes the queue depth gauges until ctx is cancelled
func (w *Worker) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		lengths, _, err := w.queue.Stats(ctx)
		if err == nil {
			for name, n := range lengths {
				w.metrics.SetQueueDepth(name, float64(n))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// calculateBackoff calculates the backoff delay with exponential growth and jitter
func calculateBackoff(attempt int) time.Duration {
	delay := float64(queue.BaseBackoffDelay) * math.Pow(queue.BackoffMultiplier, float64(attempt-1))

	if delay > float64(queue.MaxBackoffDelay) {
		delay = float64(queue.MaxBackoffDelay)
	}

	// ±10% jitter
	jitter := delay * queue.BackoffJitterPercent * (2*rand.Float64() - 1)
	delay += jitter

	return time.Duration(delay)
}

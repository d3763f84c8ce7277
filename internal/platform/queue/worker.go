package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"signet/internal/pkg/ratelimit"
)

// Handler processes one job. A nil return completes the job; any error counts as a failed
// attempt, and an Unrecoverable error fails the job for good.
type Handler func(ctx context.Context, job *Job) error

type RateLimit struct {
	Max    int
	Window time.Duration
}

type WorkerOptions struct {
	Settings
	RateLimit    RateLimit
	PollInterval time.Duration
	// Limiter is shared between workers of one process; a private one is created when nil.
	Limiter *ratelimit.Limiter
	// OnFailed runs once a job has failed for good.
	OnFailed func(ctx context.Context, job *Job, err error)
	// OnCompleted runs after a job completed.
	OnCompleted func(ctx context.Context, job *Job)
}

type Worker struct {
	q       *Queue
	queue   string
	id      string
	handler Handler
	opts    WorkerOptions
	logger  zerolog.Logger
}

// RegisterWorker builds a worker for queueName. Call Run to start processing.
func (q *Queue) RegisterWorker(queueName string, handler Handler, opts WorkerOptions) (*Worker, error) {
	if err := opts.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings for queue %s: %w", queueName, err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New()
	}

	id := fmt.Sprintf("%s-%s", queueName, uuid.New().String()[:8])
	return &Worker{
		q:       q,
		queue:   queueName,
		id:      id,
		handler: handler,
		opts:    opts,
		logger:  log.With().Str("component", "queue").Str("queue", queueName).Str("worker_id", id).Logger(),
	}, nil
}

// Run processes jobs with the configured concurrency and checks for stalled jobs until ctx
// is cancelled. Jobs already running are allowed to finish within their timeout.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Int("concurrency", w.opts.Concurrency).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.stalledLoop(ctx)
	}()

	wg.Wait()
	w.logger.Info().Msg("worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error().Err(err).Msg("failed to process job")
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

func (w *Worker) stalledLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.CheckStalled(ctx); err != nil {
				w.logger.Error().Err(err).Msg("stalled job check failed")
			}
		}
	}
}

// CheckStalled recovers expired leases and reports the jobs that failed for good.
func (w *Worker) CheckStalled(ctx context.Context) error {
	failed, err := w.q.RecoverStalled(ctx, w.queue)
	for _, job := range failed {
		w.logger.Warn().Str("job_id", job.ID).Int("attempts_made", job.AttemptsMade).Msg("stalled job failed")
		if w.opts.OnFailed != nil {
			w.opts.OnFailed(ctx, job, ErrStalled)
		}
	}
	return err
}

// ProcessNext claims and processes at most one job. It reports whether a job was claimed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if w.opts.RateLimit.Max > 0 {
		if err := w.opts.Limiter.Wait(ctx, w.queue, w.opts.RateLimit.Max, w.opts.RateLimit.Window); err != nil {
			return false, err
		}
	}

	job, err := w.q.Claim(ctx, w.queue, w.id, w.opts.LockDuration)
	if err != nil || job == nil {
		return false, err
	}

	logger := w.logger.With().Str("job_id", job.ID).Str("job_name", job.Name).Int("attempt", job.AttemptsMade+1).Logger()
	// The result is recorded even if ctx is cancelled while the handler runs.
	recordCtx := context.WithoutCancel(ctx)

	handlerErr := w.run(ctx, job)
	if handlerErr == nil {
		if err := w.q.Complete(recordCtx, job); err != nil {
			return true, fmt.Errorf("job %s: %w", job.ID, err)
		}
		logger.Debug().Msg("job completed")
		if w.opts.OnCompleted != nil {
			w.opts.OnCompleted(recordCtx, job)
		}
		return true, nil
	}

	terminal, err := w.q.Fail(recordCtx, job, handlerErr)
	if err != nil {
		return true, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if !terminal {
		logger.Warn().Err(handlerErr).Int64("run_at", job.RunAt).Msg("job attempt failed, retry scheduled")
		return true, nil
	}

	logger.Error().Err(handlerErr).Int("attempts_made", job.AttemptsMade).Msg("job failed")
	if w.opts.OnFailed != nil {
		w.opts.OnFailed(recordCtx, job, handlerErr)
	}
	return true, nil
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			// Still on the panicking goroutine, so the stack includes the handler frames.
			err = withStack(fmt.Errorf("job handler panicked: %v", r), debug.Stack())
		}
	}()

	if err := w.handler(hctx, job); err != nil {
		return withStack(err, debug.Stack())
	}
	return nil
}

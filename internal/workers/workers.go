// Package workers runs the background side of the service: the queue consumers for webhook
// delivery and deadline reminders, plus the periodic reminder sweep and queue retention.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"signet/internal/engine/deadletter"
	"signet/internal/engine/reminders"
	"signet/internal/jobs"
	"signet/internal/pkg/logger"
	"signet/internal/pkg/ratelimit"
	"signet/internal/platform/config"
	"signet/internal/platform/queue"
)

const (
	cleanInterval      = time.Hour
	limiterIdleTimeout = 10 * time.Minute
)

type WebhookProcessor interface {
	ProcessWebhookEvent(ctx context.Context, eventID string) error
}

type ReminderProcessor interface {
	Process(ctx context.Context, job jobs.DeadlineReminder) (reminders.Outcome, error)
}

type ReminderSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type DeadLetters interface {
	AddFailedJob(ctx context.Context, job *queue.Job, cause error, queueName string)
	Resolve(ctx context.Context, id string) error
}

type Dependencies struct {
	Queue       *queue.Queue
	Webhooks    WebhookProcessor
	Reminders   ReminderProcessor
	Sweeper     ReminderSweeper
	DeadLetters DeadLetters
}

// Runner owns one queue worker per job queue it consumes.
type Runner struct {
	deps         Dependencies
	cfg          *config.Config
	limiter      *ratelimit.Limiter
	workers      map[string]*queue.Worker
	scanInterval time.Duration
	logger       zerolog.Logger
}

func NewRunner(deps Dependencies, cfg *config.Config) (*Runner, error) {
	r := &Runner{
		deps:         deps,
		cfg:          cfg,
		limiter:      ratelimit.New(),
		workers:      make(map[string]*queue.Worker),
		scanInterval: cfg.Reminders.ScanInterval,
		logger:       logger.Component("workers"),
	}

	webhookOpts := r.options(queue.QueueWebhookDelivery, cfg.Webhooks.Concurrency)
	webhookOpts.RateLimit = queue.RateLimit{Max: cfg.Webhooks.RateLimitMax, Window: cfg.Webhooks.RateLimitWindow}
	if err := r.register(queue.QueueWebhookDelivery, webhookOpts); err != nil {
		return nil, err
	}

	if err := r.register(queue.QueueDeadlineReminders, r.options(queue.QueueDeadlineReminders, cfg.Reminders.Concurrency)); err != nil {
		return nil, err
	}
	return r, nil
}

// options builds worker options for a queue. A concurrency set on the queue's own override
// wins over the feature-level setting.
func (r *Runner) options(queueName string, concurrency int) queue.WorkerOptions {
	settings := queue.SettingsFor(queueName, r.cfg.Queues)
	if concurrency > 0 && r.cfg.Queues[queueName].Concurrency == 0 {
		settings.Concurrency = concurrency
	}
	return queue.WorkerOptions{
		Settings:    settings,
		Limiter:     r.limiter,
		OnFailed:    r.onFailed,
		OnCompleted: r.onCompleted,
	}
}

func (r *Runner) register(queueName string, opts queue.WorkerOptions) error {
	w, err := r.deps.Queue.RegisterWorker(queueName, r.Handle, opts)
	if err != nil {
		return err
	}
	r.workers[queueName] = w
	return nil
}

// Worker returns the worker consuming queueName, or nil.
func (r *Runner) Worker(queueName string) *queue.Worker {
	return r.workers[queueName]
}

// Handle decodes a job and hands it to its processor. A payload that cannot be decoded will
// never succeed, so it fails without retries.
func (r *Runner) Handle(ctx context.Context, job *queue.Job) error {
	payload, err := jobs.Decode(job.Name, job.Payload)
	if err != nil {
		return queue.Unrecoverable(err)
	}

	switch p := payload.(type) {
	case jobs.WebhookDelivery:
		return r.deps.Webhooks.ProcessWebhookEvent(ctx, p.EventID)
	case jobs.DeadlineReminder:
		_, err := r.deps.Reminders.Process(ctx, p)
		return err
	default:
		return queue.Unrecoverable(fmt.Errorf("%w: %T", jobs.ErrUnknownKind, payload))
	}
}

func (r *Runner) onFailed(ctx context.Context, job *queue.Job, err error) {
	logger := r.logger.With().Str("job_id", job.ID).Str("queue", job.Queue).Int("attempts_made", job.AttemptsMade).Logger()

	if !queue.ShouldMoveToDeadLetterQueue(job) && !queue.IsUnrecoverable(err) {
		logger.Warn().Err(err).Msg("job failed without exhausting its attempts")
		return
	}

	logger.Error().Err(err).Msg("job failed permanently, moving to dead letter queue")
	r.deps.DeadLetters.AddFailedJob(ctx, job, err, job.Queue)
}

func (r *Runner) onCompleted(ctx context.Context, job *queue.Job) {
	if job.DeadLetterID == nil {
		return
	}

	err := r.deps.DeadLetters.Resolve(ctx, *job.DeadLetterID)
	switch {
	case err == nil:
		r.logger.Info().Str("job_id", job.ID).Str("dead_letter_id", *job.DeadLetterID).Msg("retried job completed")
	case errors.Is(err, deadletter.ErrInvalidTransition), errors.Is(err, deadletter.ErrEntryNotFound):
		r.logger.Warn().Err(err).Str("dead_letter_id", *job.DeadLetterID).Msg("dead letter entry not resolved")
	default:
		r.logger.Error().Err(err).Str("dead_letter_id", *job.DeadLetterID).Msg("failed to resolve dead letter entry")
	}
}

// Run starts every worker and the periodic tasks, and blocks until ctx is cancelled and all of
// them have stopped.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, w := range r.workers {
		wg.Add(1)
		go func(w *queue.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		r.every(ctx, r.scanInterval, true, r.SweepReminders)
	}()
	go func() {
		defer wg.Done()
		r.every(ctx, cleanInterval, false, r.CleanQueues)
	}()
	go func() {
		defer wg.Done()
		r.limiter.RunCleanup(ctx, limiterIdleTimeout, limiterIdleTimeout)
	}()

	wg.Wait()
}

func (r *Runner) every(ctx context.Context, interval time.Duration, immediate bool, task func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	if immediate {
		task(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

func (r *Runner) SweepReminders(ctx context.Context) {
	if r.deps.Sweeper == nil {
		return
	}
	n, err := r.deps.Sweeper.Sweep(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("reminder sweep failed")
		return
	}
	if n > 0 {
		r.logger.Info().Int("reminders", n).Msg("reminder sweep scheduled reminders")
	}
}

// CleanQueues trims finished jobs of every known queue to their retention.
func (r *Runner) CleanQueues(ctx context.Context) {
	for name := range queue.DefaultQueueSettings {
		removed, err := r.deps.Queue.Clean(ctx, name)
		if err != nil {
			r.logger.Error().Err(err).Str("queue", name).Msg("failed to clean queue")
			continue
		}
		if removed > 0 {
			r.logger.Debug().Str("queue", name).Int64("removed", removed).Msg("queue cleaned")
		}
	}
}

package queue

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/events"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Handler runs one job. A returned error charges an attempt.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) error
}

type HandlerFunc func(ctx context.Context, job *models.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) error { return f(ctx, job) }

// Options configure the worker pool and retention.
type Options struct {
	Concurrency         int
	RatePerSecond       float64
	Retry               RetryPolicy
	PollInterval        time.Duration
	CompletedRetention  time.Duration
	FailedRetention     time.Duration
	DeadLetterRetention time.Duration
	CleanupInterval     time.Duration
	// JobTimeout bounds one handler run. An active job whose run started
	// more than JobTimeout plus a grace period ago is considered abandoned.
	JobTimeout time.Duration
	Clock               clockwork.Clock
	Bus                 domain.EventPublisher
	Logger              *zerolog.Logger
}

// CompletedPayload is published after a job succeeds.
type CompletedPayload struct {
	JobID    string         `json:"job_id"`
	Kind     models.JobKind `json:"kind"`
	EntityID string         `json:"entity_id"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
}

// Queue owns job lifecycle: enqueue with dedup, bounded concurrent
// execution, retries with backoff and dead-lettering.
type Queue struct {
	store   Store
	handler Handler
	opts    Options
	clock   clockwork.Clock
	limiter *rate.Limiter
	logger  zerolog.Logger

	notify chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	jobCancel context.CancelFunc
	wg        sync.WaitGroup
	running   bool

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

func New(store Store, handler Handler, opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = models.DefaultConcurrency
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = models.DefaultMaxAttempts
	}
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry.InitialDelay = models.DefaultBackoffBase
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 10 * time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = models.DefaultJobTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "queue").Logger()
	}

	q := &Queue{
		store:   store,
		handler: handler,
		opts:    opts,
		clock:   opts.Clock,
		logger:  logger,
		notify:  make(chan struct{}, opts.Concurrency),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	if opts.RatePerSecond > 0 {
		burst := int(opts.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return q
}

const (
	// leaseGrace is added to JobTimeout before an active job may be taken
	// back by another worker.
	leaseGrace = 30 * time.Second
	// stopGrace is how long Stop waits for handlers to unwind after their
	// context was cancelled at the shutdown deadline.
	stopGrace = 5 * time.Second
)

func defaultPriority(kind models.JobKind) int {
	if kind == models.KindWebhook {
		return models.PriorityWebhook
	}
	return models.PrioritySingleSync
}

// Enqueue adds a job for the payload's entity. While a job for the same
// entity is waiting, delayed or active the existing job is returned and
// created is false.
func (q *Queue) Enqueue(ctx context.Context, payload models.JobPayload, opts models.EnqueueOptions) (*models.Job, bool, error) {
	if payload == nil || payload.EntityID() == "" {
		return nil, false, fmt.Errorf("enqueue: payload without entity id")
	}
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return nil, false, err
	}
	if opts.Priority <= 0 {
		opts.Priority = defaultPriority(payload.Kind())
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.opts.Retry.MaxAttempts
	}

	now := q.clock.Now()
	job := &models.Job{
		ID:          models.JobID(payload.EntityID()),
		Kind:        payload.Kind(),
		Payload:     raw,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		DelayUntil:  now.Add(opts.Delay),
	}

	stored, created, err := q.store.Add(ctx, job, now)
	if err != nil {
		return nil, false, err
	}

	if created {
		q.wake()
		q.logger.Debug().
			Str("job_id", stored.ID).
			Str("kind", string(stored.Kind)).
			Int("priority", stored.Priority).
			Dur("delay", opts.Delay).
			Msg("job enqueued")
	} else {
		q.logger.Debug().
			Str("job_id", stored.ID).
			Str("status", string(stored.Status)).
			Msg("job already outstanding")
	}
	return stored, created, nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Start recovers jobs orphaned by a previous process and launches the
// workers and the janitor. Running handlers do not observe ctx being
// cancelled; only Stop's deadline interrupts them.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	if q.handler == nil {
		return errors.New("queue: no handler configured")
	}

	if _, err := q.recoverExpired(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.jobCancel = jobCancel
	q.running = true

	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.workerLoop(runCtx, jobCtx, i)
	}
	q.wg.Add(1)
	go q.janitorLoop(runCtx)

	q.logger.Info().
		Int("concurrency", q.opts.Concurrency).
		Float64("rate_per_second", q.opts.RatePerSecond).
		Msg("queue workers started")
	return nil
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish.
// When ctx expires first the handlers are cancelled and their jobs are
// released back to waiting without being charged an attempt.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	cancel, jobCancel := q.cancel, q.jobCancel
	q.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		jobCancel()
		q.logger.Info().Msg("queue workers stopped")
		return nil
	case <-ctx.Done():
	}

	jobCancel()
	grace := q.clock.NewTimer(stopGrace)
	defer grace.Stop()
	select {
	case <-done:
		q.logger.Warn().Msg("queue workers stopped after interrupting in-flight jobs")
	case <-grace.Chan():
		q.logger.Error().Msg("queue workers did not stop in time")
	}
	return fmt.Errorf("queue shutdown: %w", ctx.Err())
}

func (q *Queue) workerLoop(ctx, jobCtx context.Context, n int) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := q.processNext(ctx, jobCtx)
		if err != nil {
			q.logger.Error().Err(err).Int("worker", n).Msg("queue worker error")
		}
		if processed {
			continue
		}
		timer := q.clock.NewTimer(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.notify:
		case <-timer.Chan():
		}
		timer.Stop()
	}
}

// ProcessNext claims and runs at most one due job. It reports whether a
// job was run.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	return q.processNext(ctx, ctx)
}

// processNext claims under ctx and runs the handler under jobCtx.
func (q *Queue) processNext(ctx, jobCtx context.Context) (bool, error) {
	job, err := q.store.Claim(ctx, q.clock.Now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			relCtx := context.WithoutCancel(ctx)
			if relErr := q.store.Release(relCtx, job, q.clock.Now()); relErr != nil {
				return false, fmt.Errorf("release %s: %w", job.ID, relErr)
			}
			return false, nil
		}
	}

	q.run(jobCtx, job)
	return true, nil
}

func (q *Queue) run(ctx context.Context, job *models.Job) {
	start := q.clock.Now()
	log := q.logger.With().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Int("attempt", job.AttemptsMade+1).
		Logger()

	runCtx, cancel := context.WithTimeout(ctx, q.opts.JobTimeout)
	err := q.invoke(runCtx, job)
	cancel()
	elapsed := q.clock.Since(start)
	// Outcome bookkeeping must land even when shutdown cancelled ctx.
	storeCtx := context.WithoutCancel(ctx)
	now := q.clock.Now()

	if err != nil && ctx.Err() != nil {
		if rerr := q.store.Release(storeCtx, job, now); rerr != nil {
			log.Error().Err(rerr).Msg("failed to release interrupted job")
			return
		}
		metrics.ObserveJob(string(job.Kind), "released", elapsed)
		log.Warn().Err(err).Msg("job interrupted by shutdown, released without charging an attempt")
		return
	}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job exceeded %s: %w", q.opts.JobTimeout, err)
	}
	job.AttemptsMade++

	if err == nil {
		if cerr := q.store.Complete(storeCtx, job, now); cerr != nil {
			log.Error().Err(cerr).Msg("failed to mark job completed")
			return
		}
		metrics.ObserveJob(string(job.Kind), "completed", elapsed)
		log.Info().Dur("duration", elapsed).Msg("job completed")
		q.publish(events.JobCompleted, CompletedPayload{
			JobID:    job.ID,
			Kind:     job.Kind,
			EntityID: entityOf(job),
			Attempts: job.AttemptsMade,
			Duration: elapsed,
		})
		return
	}

	if !q.opts.Retry.Exhausted(job.AttemptsMade, job.MaxAttempts) {
		delay := q.opts.Retry.NextDelay(job.AttemptsMade)
		if rerr := q.store.Retry(storeCtx, job, now.Add(delay), err.Error(), now); rerr != nil {
			log.Error().Err(rerr).Msg("failed to schedule retry")
			return
		}
		metrics.ObserveJob(string(job.Kind), "retry", elapsed)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retry scheduled")
		return
	}

	job.Status = models.JobFailed
	job.LastError = err.Error()
	record := models.DeadLetterRecord{
		ID:          q.newRecordID(now),
		OriginalJob: *job,
		Error:       err.Error(),
		Attempts:    job.AttemptsMade,
		FailedAt:    now,
	}
	if berr := q.store.Bury(storeCtx, job, record); berr != nil {
		log.Error().Err(berr).Msg("failed to dead-letter job")
		return
	}
	metrics.ObserveJob(string(job.Kind), "failed", elapsed)
	metrics.IncDeadLetter()
	log.Error().Err(err).Int("attempts", job.AttemptsMade).Msg("job dead-lettered")
	q.publish(events.JobDeadLettered, record)
}

func (q *Queue) invoke(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Str("job_id", job.ID).
				Bytes("stack", debug.Stack()).
				Msgf("job handler panic: %v", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler.Handle(ctx, job)
}

func (q *Queue) publish(eventType string, payload interface{}) {
	if q.opts.Bus == nil {
		return
	}
	if err := q.opts.Bus.PublishJSON(eventType, payload); err != nil {
		q.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish queue event")
	}
}

func (q *Queue) newRecordID(t time.Time) string {
	q.entropyMu.Lock()
	defer q.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), q.entropy).String()
}

func entityOf(job *models.Job) string {
	p, err := job.Decode()
	if err != nil {
		return ""
	}
	return p.EntityID()
}

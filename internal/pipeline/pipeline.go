package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookingsync/internal/config"
	"bookingsync/internal/domain"
	"bookingsync/internal/events"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"
	"bookingsync/internal/queue"
	"bookingsync/internal/scheduler"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type Deps struct {
	Queue       *queue.Queue
	Bus         domain.EventPublisher
	Mode        string
	QuietPeriod time.Duration
	Clock       clockwork.Clock
	Logger      *zerolog.Logger
}

// ResyncPayload is published when an operator asks for a booking resync.
type ResyncPayload struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
	JobID     string `json:"job_id"`
	Created   bool   `json:"created"`
}

// Pipeline connects inbound change events to the job queue. In debounce
// mode events pass through the coalescing scheduler; in queue_delay mode
// they are enqueued with a delay and job dedup coalesces them, except
// that an event for a running job goes through the scheduler.
type Pipeline struct {
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	bus       domain.EventPublisher
	mode      string
	quiet     time.Duration
	logger    zerolog.Logger

	mu        sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
}

func New(deps Deps) (*Pipeline, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("pipeline: queue is required")
	}
	if deps.Mode == "" {
		deps.Mode = config.WebhookModeDebounce
	}
	if deps.Mode != config.WebhookModeDebounce && deps.Mode != config.WebhookModeQueueDelay {
		return nil, fmt.Errorf("pipeline: unknown webhook mode %q", deps.Mode)
	}
	if deps.QuietPeriod <= 0 {
		deps.QuietPeriod = models.DefaultQuietPeriod
	}
	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = deps.Logger.With().Str("component", "pipeline").Logger()
	}

	p := &Pipeline{
		queue:  deps.Queue,
		bus:    deps.Bus,
		mode:   deps.Mode,
		quiet:  deps.QuietPeriod,
		logger: logger,
	}
	p.scheduler = scheduler.New(p, scheduler.Options{
		QuietPeriod: deps.QuietPeriod,
		Clock:       deps.Clock,
		Bus:         deps.Bus,
		Logger:      deps.Logger,
	})
	return p, nil
}

func (p *Pipeline) Mode() string { return p.mode }

// Submit is the single entry point for validated change events.
func (p *Pipeline) Submit(ctx context.Context, event models.ChangeEvent) error {
	if event.EntityID == "" {
		return scheduler.ErrMissingEntityID
	}
	metrics.IncWebhook("received")

	if p.mode == config.WebhookModeDebounce {
		return p.scheduler.Submit(event.EntityID, event)
	}

	job, created, err := p.queue.Enqueue(ctx, webhookPayload(event, 0), models.EnqueueOptions{
		Priority: models.PriorityWebhook,
		Delay:    p.quiet,
	})
	if err != nil {
		return fmt.Errorf("enqueue webhook for %s: %w", event.EntityID, err)
	}
	if !created && job.Status == models.JobActive {
		// The running job may already have read the booking; follow up
		// once it finishes.
		p.logger.Debug().
			Str("booking_id", event.EntityID).
			Msg("job active, event handed to the scheduler")
		return p.scheduler.Submit(event.EntityID, event)
	}
	if !created {
		metrics.IncWebhook("debounced")
		p.logger.Debug().
			Str("booking_id", event.EntityID).
			Str("status", string(job.Status)).
			Msg("event folded into outstanding job")
	}
	return nil
}

// Dispatch turns the latest coalesced event into a webhook job.
func (p *Pipeline) Dispatch(ctx context.Context, event models.ChangeEvent, debounceCount int) error {
	job, created, err := p.queue.Enqueue(ctx, webhookPayload(event, debounceCount), models.EnqueueOptions{
		Priority: models.PriorityWebhook,
	})
	if err != nil {
		return err
	}
	if !created && job.Status == models.JobActive {
		// The running job may have read state older than this event.
		return fmt.Errorf("%s: %w", job.ID, scheduler.ErrEntityBusy)
	}
	return nil
}

func webhookPayload(event models.ChangeEvent, debounceCount int) models.WebhookJob {
	return models.WebhookJob{
		BookingID:     event.EntityID,
		Action:        event.Action,
		Event:         event,
		DebounceCount: debounceCount,
	}
}

// ResyncBooking queues a full fetch of one booking at single-sync priority.
func (p *Pipeline) ResyncBooking(ctx context.Context, bookingID, reason string) (*models.Job, bool, error) {
	if bookingID == "" {
		return nil, false, scheduler.ErrMissingEntityID
	}
	job, created, err := p.queue.Enqueue(ctx, models.SingleSyncJob{BookingID: bookingID, Reason: reason}, models.EnqueueOptions{
		Priority: models.PrioritySingleSync,
	})
	if err != nil {
		return nil, false, fmt.Errorf("enqueue resync for %s: %w", bookingID, err)
	}
	if p.bus != nil {
		_ = p.bus.PublishJSON(events.BookingResynced, ResyncPayload{
			BookingID: bookingID,
			Reason:    reason,
			JobID:     job.ID,
			Created:   created,
		})
	}
	p.logger.Info().
		Str("booking_id", bookingID).
		Str("reason", reason).
		Bool("created", created).
		Msg("booking resync requested")
	return job, created, nil
}

// Status reports pending coalescing timers. In queue_delay mode only
// events that arrived while their booking's job was running wait here.
func (p *Pipeline) Status() models.PendingStatus {
	return p.scheduler.Status()
}

func (p *Pipeline) SchedulerStats() scheduler.Stats {
	return p.scheduler.Stats()
}

// Start launches the queue workers and the scheduler loop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runCancel != nil {
		return nil
	}
	if err := p.queue.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.runCancel = cancel
	p.runDone = make(chan struct{})
	go func() {
		defer close(p.runDone)
		p.scheduler.Run(runCtx)
	}()

	p.logger.Info().Str("mode", p.mode).Dur("quiet_period", p.quiet).Msg("pipeline started")
	return nil
}

// Shutdown stops the scheduler, dispatches every pending event so no change
// is lost, then stops the workers. Events for bookings whose job was still
// running are dispatched once the workers are gone.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.runCancel, p.runDone
	p.runCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	flushCtx := context.WithoutCancel(ctx)
	drained := p.scheduler.DrainAll(flushCtx, scheduler.DrainDispatch)
	p.logger.Info().Int("events", drained).Msg("pending events flushed to queue")

	stopErr := p.queue.Stop(ctx)

	// Events for bookings whose job was running at the first drain.
	if held := p.scheduler.Status().Count; held > 0 {
		drained = p.scheduler.DrainAll(flushCtx, scheduler.DrainDispatch)
		if left := p.scheduler.Status().Count; left > 0 {
			p.logger.Error().Strs("booking_ids", p.scheduler.Status().EntityIDs).Msg("events could not be queued before exit")
		}
		p.logger.Info().Int("events", drained).Int("held", held).Msg("held events flushed to queue")
	}
	return stopErr
}

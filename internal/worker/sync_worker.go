package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/metrics"
	"bookingsync/internal/models"
	"bookingsync/internal/upstream"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Options tune the in-job retry of transient upstream failures. These
// retries do not charge queue attempts.
type Options struct {
	LocalRetries int
	LocalBackoff time.Duration
	Clock        clockwork.Clock
	Logger       *zerolog.Logger
}

// SyncWorker reconciles one booking of the local mirror with the upstream
// platform per job.
type SyncWorker struct {
	upstream domain.UpstreamReader
	store    domain.BookingStore
	retries  int
	backoff  time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
}

func NewSyncWorker(up domain.UpstreamReader, store domain.BookingStore, opts Options) *SyncWorker {
	if opts.LocalRetries < 0 {
		opts.LocalRetries = 0
	}
	if opts.LocalBackoff <= 0 {
		opts.LocalBackoff = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "sync_worker").Logger()
	}
	return &SyncWorker{
		upstream: up,
		store:    store,
		retries:  opts.LocalRetries,
		backoff:  opts.LocalBackoff,
		clock:    opts.Clock,
		logger:   logger,
	}
}

// Handle runs a queued job. Errors are returned to the queue, which owns
// attempts and dead-lettering.
func (w *SyncWorker) Handle(ctx context.Context, job *models.Job) error {
	payload, err := job.Decode()
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	switch p := payload.(type) {
	case models.WebhookJob:
		w.logger.Debug().
			Str("booking_id", p.BookingID).
			Str("action", string(p.Action)).
			Int("debounce_count", p.DebounceCount).
			Msg("processing webhook job")
		_, err = w.SyncBooking(ctx, p.BookingID)
	case models.SingleSyncJob:
		w.logger.Debug().
			Str("booking_id", p.BookingID).
			Str("reason", p.Reason).
			Msg("processing single sync job")
		_, err = w.SyncBooking(ctx, p.BookingID)
	default:
		return fmt.Errorf("unsupported job payload %T", payload)
	}
	return err
}

// SyncBooking fetches the authoritative booking and applies it to the
// mirror. A booking the upstream no longer knows is marked cancelled, never
// deleted.
func (w *SyncWorker) SyncBooking(ctx context.Context, bookingID string) (models.UpsertOutcome, error) {
	if bookingID == "" {
		return "", errors.New("booking id is required")
	}
	log := w.logger.With().Str("booking_id", bookingID).Logger()

	remote, err := w.fetch(ctx, bookingID)
	if errors.Is(err, upstream.ErrNotFound) {
		found, err := w.store.MarkBookingCancelled(ctx, bookingID, models.SyncStatusNotFoundUpstream)
		if err != nil {
			return "", fmt.Errorf("mark booking %s cancelled: %w", bookingID, err)
		}
		if !found {
			metrics.IncUpsert(string(models.OutcomeMissing))
			log.Warn().Msg("booking missing upstream and locally, nothing to do")
			return models.OutcomeMissing, nil
		}
		metrics.IncUpsert(string(models.OutcomeCancelled))
		log.Info().Msg("booking missing upstream, marked cancelled")
		return models.OutcomeCancelled, nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch booking %s: %w", bookingID, err)
	}

	booking := remote.ToBooking()
	if booking.BookingID == "" {
		booking.BookingID = bookingID
	}
	outcome, err := w.store.UpsertBooking(ctx, &booking)
	if err != nil {
		return "", fmt.Errorf("upsert booking %s: %w", bookingID, err)
	}
	metrics.IncUpsert(string(outcome))
	log.Info().
		Str("outcome", string(outcome)).
		Str("sync_status", booking.SyncStatus).
		Msg("booking synced")
	return outcome, nil
}

func (w *SyncWorker) fetch(ctx context.Context, bookingID string) (*models.UpstreamBooking, error) {
	for attempt := 0; ; attempt++ {
		remote, err := w.upstream.GetBooking(ctx, bookingID)
		if err == nil || !upstream.IsTransient(err) || attempt >= w.retries {
			return remote, err
		}

		w.logger.Warn().
			Err(err).
			Str("booking_id", bookingID).
			Int("attempt", attempt+1).
			Dur("backoff", w.backoff).
			Msg("transient upstream error, retrying")

		timer := w.clock.NewTimer(w.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.Chan():
		}
	}
}

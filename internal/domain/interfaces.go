package domain

import (
	"context"
	"time"

	"bookingsync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BookingStore is the relational mirror as seen by the sync worker.
type BookingStore interface {
	UpsertBooking(ctx context.Context, booking *models.Booking) (models.UpsertOutcome, error)
	GetBookingByExternalID(ctx context.Context, bookingID string) (*models.Booking, error)
	MarkBookingCancelled(ctx context.Context, bookingID, syncStatus string) (bool, error)
	CountBookings(ctx context.Context) (int64, error)
}

type UpstreamReader interface {
	GetBooking(ctx context.Context, bookingID string) (*models.UpstreamBooking, error)
}

type UpstreamWriter interface {
	CancelBooking(ctx context.Context, bookingID, reason string) error
}

// SecretCache persists credential material outside process memory.
type SecretCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// QueueAdmin is the operator surface of the job queue.
type QueueAdmin interface {
	GetStats(ctx context.Context) (models.QueueStats, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	RetryFailedJobs(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, olderThan time.Duration, status models.JobStatus) (int, error)
	DeadLetters(ctx context.Context, offset, limit int64) ([]models.DeadLetterRecord, error)
}

type PendingReporter interface {
	Status() models.PendingStatus
}

type CredentialReporter interface {
	Snapshot() models.CredentialSnapshot
}

// EventSubmitter accepts validated change events from the route layer.
type EventSubmitter interface {
	Submit(ctx context.Context, event models.ChangeEvent) error
}

type BookingResyncer interface {
	ResyncBooking(ctx context.Context, bookingID, reason string) (*models.Job, bool, error)
}

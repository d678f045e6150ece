package queue

import (
	"context"
	"errors"
	"time"

	"bookingsync/internal/models"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrInvalidStatus = errors.New("status must be completed or failed")
)

// rankScale separates priority bands in the waiting order so that enqueue
// sequence breaks ties within one priority.
const rankScale = 1e12

// Store persists jobs and their transitions. Every method that moves a job
// between states is atomic with respect to other callers.
type Store interface {
	// Add inserts the job unless one with the same id is waiting, delayed or
	// active, in which case the existing job is returned with created=false.
	Add(ctx context.Context, job *models.Job, now time.Time) (*models.Job, bool, error)
	// Claim promotes due delayed jobs and locks the next waiting job. It
	// returns nil when nothing is runnable.
	Claim(ctx context.Context, now time.Time) (*models.Job, error)
	Complete(ctx context.Context, job *models.Job, now time.Time) error
	Retry(ctx context.Context, job *models.Job, delayUntil time.Time, cause string, now time.Time) error
	Bury(ctx context.Context, job *models.Job, record models.DeadLetterRecord) error
	// Release returns a claimed job to waiting without charging an attempt.
	Release(ctx context.Context, job *models.Job, now time.Time) error
	Get(ctx context.Context, id string) (*models.Job, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	RetryFailed(ctx context.Context, now time.Time) (int, error)
	Cleanup(ctx context.Context, status models.JobStatus, cutoff time.Time, limit int) (int, error)
	DeadLetters(ctx context.Context, offset, limit int64) ([]models.DeadLetterRecord, error)
	CleanupDeadLetters(ctx context.Context, cutoff time.Time) (int, error)
	// RecoverActive moves active jobs started at or before startedBefore
	// back to waiting. Their lease has expired, so no live worker owns them.
	RecoverActive(ctx context.Context, now, startedBefore time.Time) (int, error)
}

func cleanableStatus(status models.JobStatus) error {
	if status != models.JobCompleted && status != models.JobFailed {
		return ErrInvalidStatus
	}
	return nil
}

package queue

import (
	"context"
	"fmt"
	"time"

	"bookingsync/internal/metrics"
	"bookingsync/internal/models"
)

const cleanupBatch = 1000

func (q *Queue) GetStats(ctx context.Context) (models.QueueStats, error) {
	st, err := q.store.Stats(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	metrics.SetQueueDepth(string(models.JobWaiting), st.Waiting)
	metrics.SetQueueDepth(string(models.JobDelayed), st.Delayed)
	metrics.SetQueueDepth(string(models.JobActive), st.Active)
	metrics.SetQueueDepth(string(models.JobCompleted), st.Completed)
	metrics.SetQueueDepth(string(models.JobFailed), st.Failed)
	metrics.SetQueueDepth("dead_letter", st.DeadLetters)
	return st, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return q.store.Get(ctx, id)
}

// RetryFailedJobs moves every failed job back to waiting with a fresh
// attempt budget. Dead-letter records are kept.
func (q *Queue) RetryFailedJobs(ctx context.Context) (int, error) {
	n, err := q.store.RetryFailed(ctx, q.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.wake()
		q.logger.Info().Int("jobs", n).Msg("failed jobs re-queued")
	}
	return n, nil
}

// Cleanup removes completed or failed jobs that finished more than
// olderThan ago.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration, status models.JobStatus) (int, error) {
	if err := cleanableStatus(status); err != nil {
		return 0, err
	}
	cutoff := q.clock.Now().Add(-olderThan)
	total := 0
	for {
		n, err := q.store.Cleanup(ctx, status, cutoff, cleanupBatch)
		total += n
		if err != nil {
			return total, err
		}
		if n < cleanupBatch {
			return total, nil
		}
	}
}

func (q *Queue) DeadLetters(ctx context.Context, offset, limit int64) ([]models.DeadLetterRecord, error) {
	return q.store.DeadLetters(ctx, offset, limit)
}

func (q *Queue) CleanupDeadLetters(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.CleanupDeadLetters(ctx, q.clock.Now().Add(-olderThan))
}

// Sweep applies the retention windows once.
func (q *Queue) Sweep(ctx context.Context) error {
	type rule struct {
		status models.JobStatus
		keep   time.Duration
	}
	rules := []rule{
		{models.JobCompleted, q.opts.CompletedRetention},
		{models.JobFailed, q.opts.FailedRetention},
	}
	for _, r := range rules {
		if r.keep <= 0 {
			continue
		}
		n, err := q.Cleanup(ctx, r.keep, r.status)
		if err != nil {
			return fmt.Errorf("sweep %s: %w", r.status, err)
		}
		if n > 0 {
			q.logger.Debug().Str("status", string(r.status)).Int("removed", n).Msg("retention sweep")
		}
	}
	if q.opts.DeadLetterRetention > 0 {
		n, err := q.CleanupDeadLetters(ctx, q.opts.DeadLetterRetention)
		if err != nil {
			return fmt.Errorf("sweep dead letters: %w", err)
		}
		if n > 0 {
			q.logger.Debug().Int("removed", n).Msg("dead letters expired")
		}
	}
	_, err := q.GetStats(ctx)
	return err
}

// recoverExpired returns active jobs whose lease ran out to waiting. A
// lease lasts JobTimeout plus leaseGrace from the claim.
func (q *Queue) recoverExpired(ctx context.Context) (int, error) {
	now := q.clock.Now()
	n, err := q.store.RecoverActive(ctx, now, now.Add(-(q.opts.JobTimeout + leaseGrace)))
	if err != nil {
		return 0, fmt.Errorf("recover active jobs: %w", err)
	}
	if n > 0 {
		q.wake()
		q.logger.Warn().Int("jobs", n).Msg("returned active jobs with expired leases to waiting")
	}
	return n, nil
}

func (q *Queue) janitorLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := q.clock.NewTicker(q.opts.CleanupInterval)
	defer ticker.Stop()
	leases := q.clock.NewTicker(q.opts.JobTimeout)
	defer leases.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := q.Sweep(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error().Err(err).Msg("queue janitor failed")
			}
		case <-leases.Chan():
			if _, err := q.recoverExpired(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error().Err(err).Msg("lease recovery failed")
			}
		}
	}
}

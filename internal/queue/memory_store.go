package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"bookingsync/internal/models"
)

type memEntry struct {
	job  models.Job
	rank float64
}

// MemoryStore keeps jobs in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*memEntry
	seq         int64
	deadLetters []models.DeadLetterRecord // newest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memEntry)}
}

func copyJob(j models.Job) *models.Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	out.Payload = append([]byte(nil), j.Payload...)
	return &out
}

func (s *MemoryStore) toWaiting(e *memEntry, now time.Time) {
	s.seq++
	e.rank = float64(e.job.Priority)*rankScale + float64(s.seq)
	e.job.Status = models.JobWaiting
	e.job.UpdatedAt = now
}

func (s *MemoryStore) Add(_ context.Context, job *models.Job, now time.Time) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && existing.job.Status.Outstanding() {
		return copyJob(existing.job), false, nil
	}

	e := &memEntry{job: *copyJob(*job)}
	e.job.AttemptsMade = 0
	e.job.LastError = ""
	e.job.StartedAt = nil
	e.job.FinishedAt = nil
	e.job.CreatedAt = now
	e.job.UpdatedAt = now
	if e.job.DelayUntil.After(now) {
		e.job.Status = models.JobDelayed
	} else {
		s.toWaiting(e, now)
	}
	s.jobs[job.ID] = e
	return copyJob(e.job), true, nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*memEntry, 0)
	for _, e := range s.jobs {
		if e.job.Status == models.JobDelayed && !e.job.DelayUntil.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].job.DelayUntil.Before(due[j].job.DelayUntil) })
	for _, e := range due {
		s.toWaiting(e, now)
	}

	var next *memEntry
	for _, e := range s.jobs {
		if e.job.Status != models.JobWaiting {
			continue
		}
		if next == nil || e.rank < next.rank {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}

	started := now
	next.job.Status = models.JobActive
	next.job.StartedAt = &started
	next.job.UpdatedAt = now
	return copyJob(next.job), nil
}

func (s *MemoryStore) active(id string) (*memEntry, error) {
	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return e, nil
}

func (s *MemoryStore) Complete(_ context.Context, job *models.Job, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.active(job.ID)
	if err != nil {
		return err
	}
	finished := now
	e.job.Status = models.JobCompleted
	e.job.AttemptsMade = job.AttemptsMade
	e.job.FinishedAt = &finished
	e.job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, job *models.Job, delayUntil time.Time, cause string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.active(job.ID)
	if err != nil {
		return err
	}
	e.job.Status = models.JobDelayed
	e.job.AttemptsMade = job.AttemptsMade
	e.job.LastError = cause
	e.job.DelayUntil = delayUntil
	e.job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Bury(_ context.Context, job *models.Job, record models.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.active(job.ID)
	if err != nil {
		return err
	}
	finished := record.FailedAt
	e.job.Status = models.JobFailed
	e.job.AttemptsMade = job.AttemptsMade
	e.job.LastError = record.Error
	e.job.FinishedAt = &finished
	e.job.UpdatedAt = record.FailedAt
	s.deadLetters = append([]models.DeadLetterRecord{record}, s.deadLetters...)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, job *models.Job, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.active(job.ID)
	if err != nil {
		return err
	}
	if e.job.Status != models.JobActive {
		return nil
	}
	e.job.StartedAt = nil
	s.toWaiting(e, now)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(e.job), nil
}

func (s *MemoryStore) Stats(_ context.Context) (models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st models.QueueStats
	for _, e := range s.jobs {
		switch e.job.Status {
		case models.JobWaiting:
			st.Waiting++
		case models.JobDelayed:
			st.Delayed++
		case models.JobActive:
			st.Active++
		case models.JobCompleted:
			st.Completed++
		case models.JobFailed:
			st.Failed++
		}
	}
	st.DeadLetters = int64(len(s.deadLetters))
	st.Total = st.Waiting + st.Delayed + st.Active + st.Completed + st.Failed
	return st, nil
}

func (s *MemoryStore) RetryFailed(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := make([]*memEntry, 0)
	for _, e := range s.jobs {
		if e.job.Status == models.JobFailed {
			failed = append(failed, e)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].job.UpdatedAt.Before(failed[j].job.UpdatedAt) })
	for _, e := range failed {
		e.job.AttemptsMade = 0
		e.job.LastError = ""
		e.job.StartedAt = nil
		e.job.FinishedAt = nil
		e.job.DelayUntil = now
		s.toWaiting(e, now)
	}
	return len(failed), nil
}

func (s *MemoryStore) Cleanup(_ context.Context, status models.JobStatus, cutoff time.Time, limit int) (int, error) {
	if err := cleanableStatus(status); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.jobs {
		if limit > 0 && removed >= limit {
			break
		}
		if e.job.Status != status || e.job.FinishedAt == nil || e.job.FinishedAt.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) DeadLetters(_ context.Context, offset, limit int64) ([]models.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(s.deadLetters)) {
		return []models.DeadLetterRecord{}, nil
	}
	end := int64(len(s.deadLetters))
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]models.DeadLetterRecord(nil), s.deadLetters[offset:end]...), nil
}

func (s *MemoryStore) CleanupDeadLetters(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.deadLetters[:0]
	removed := 0
	for _, rec := range s.deadLetters {
		if rec.FailedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.deadLetters = kept
	return removed, nil
}

func (s *MemoryStore) RecoverActive(_ context.Context, now, startedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.jobs {
		if e.job.Status != models.JobActive {
			continue
		}
		if e.job.StartedAt == nil || !e.job.StartedAt.After(startedBefore) {
			e.job.StartedAt = nil
			s.toWaiting(e, now)
			n++
		}
	}
	return n, nil
}

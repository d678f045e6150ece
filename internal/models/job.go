package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind discriminates job payloads.
type JobKind string

const (
	KindWebhook    JobKind = "webhook"
	KindSingleSync JobKind = "single"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobDelayed   JobStatus = "delayed"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Outstanding reports whether a job with this status still holds its id.
func (s JobStatus) Outstanding() bool {
	return s == JobWaiting || s == JobDelayed || s == JobActive
}

// Terminal reports whether the status is final until an operator intervenes.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ParseJobStatus validates a status label.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch s := JobStatus(raw); s {
	case JobWaiting, JobDelayed, JobActive, JobCompleted, JobFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}

const (
	PriorityWebhook    = 1
	PrioritySingleSync = 3
)

// JobPayload is implemented by every job shape the worker understands.
type JobPayload interface {
	Kind() JobKind
	EntityID() string
}

// WebhookJob carries the latest coalesced change event for a booking.
type WebhookJob struct {
	BookingID     string      `json:"booking_id"`
	Action        Action      `json:"action"`
	Event         ChangeEvent `json:"event"`
	DebounceCount int         `json:"debounce_count"`
}

func (WebhookJob) Kind() JobKind { return KindWebhook }
func (j WebhookJob) EntityID() string { return j.BookingID }

// SingleSyncJob is an operator- or system-requested resync of one booking.
type SingleSyncJob struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason,omitempty"`
}

func (SingleSyncJob) Kind() JobKind { return KindSingleSync }
func (j SingleSyncJob) EntityID() string { return j.BookingID }

// JobID derives the deduplication key for a booking. Every job kind that
// touches the same booking shares it.
func JobID(entityID string) string {
	return "booking:" + entityID
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p JobPayload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("nil job payload")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return raw, nil
}

// DecodePayload restores the typed payload for a stored job.
func DecodePayload(kind JobKind, raw json.RawMessage) (JobPayload, error) {
	switch kind {
	case KindWebhook:
		var p WebhookJob
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode webhook payload: %w", err)
		}
		return p, nil
	case KindSingleSync:
		var p SingleSyncJob
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode single payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job kind: %s", kind)
	}
}

// Job is a unit of work owned by the queue.
type Job struct {
	ID           string          `json:"id"`
	Kind         JobKind         `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	DelayUntil   time.Time       `json:"delay_until"`
	Status       JobStatus       `json:"status"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Decode returns the typed payload of the job.
func (j *Job) Decode() (JobPayload, error) {
	return DecodePayload(j.Kind, j.Payload)
}

// DeadLetterRecord is appended once a job exhausts its attempts.
type DeadLetterRecord struct {
	ID          string    `json:"id"`
	OriginalJob Job       `json:"original_job"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

// QueueStats counts jobs by status.
type QueueStats struct {
	Waiting     int64 `json:"waiting"`
	Delayed     int64 `json:"delayed"`
	Active      int64 `json:"active"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	DeadLetters int64 `json:"dead_letters"`
	Total       int64 `json:"total"`
}

// EnqueueOptions tune a single enqueue call. Zero values use the queue defaults.
type EnqueueOptions struct {
	Priority    int           `json:"priority"`
	Delay       time.Duration `json:"delay"`
	MaxAttempts int           `json:"max_attempts"`
}

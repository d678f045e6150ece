package models

import "time"

const (
	// DefaultQuietPeriod is how long a booking must stay silent before it is synced.
	DefaultQuietPeriod = 60 * time.Second

	// DefaultMaxAttempts bounds how many times a job is run before it is dead-lettered.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the delay before the first retry.
	DefaultBackoffBase = 5 * time.Second

	// DefaultConcurrency is the number of jobs processed in parallel.
	DefaultConcurrency = 5

	// DefaultJobsPerSecond caps job starts across all workers.
	DefaultJobsPerSecond = 10

	// DefaultRefreshSecretTTL keeps the 30-day refresh secret cached for 25 days.
	DefaultRefreshSecretTTL = 25 * 24 * time.Hour

	// DefaultTokenBurstWindow is how long an access token is reused across writes.
	DefaultTokenBurstWindow = 5 * time.Minute

	DefaultRenewalMargin = time.Minute

	// DefaultJobTimeout bounds one handler run.
	DefaultJobTimeout = 5 * time.Minute

	DefaultCompletedRetention  = 24 * time.Hour
	DefaultFailedRetention     = 7 * 24 * time.Hour
	DefaultDeadLetterRetention = 30 * 24 * time.Hour

	// DefaultUpstreamRequestsPerMinute is the upstream API budget.
	DefaultUpstreamRequestsPerMinute = 100
)

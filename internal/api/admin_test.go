package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"bookingsync/internal/auth"
	"bookingsync/internal/models"
	"bookingsync/internal/queue"
	"bookingsync/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func failingHandler() queue.Handler {
	return queue.HandlerFunc(func(context.Context, *models.Job) error {
		return errors.New("upstream exploded")
	})
}

func TestQueueStats(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)
	ctx := context.Background()
	_, _, err := f.queue.Enqueue(ctx, models.SingleSyncJob{BookingID: "BK1"}, models.EnqueueOptions{})
	require.NoError(t, err)
	_, _, err = f.queue.Enqueue(ctx, models.SingleSyncJob{BookingID: "BK2"}, models.EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)

	rec := f.admin(t, http.MethodGet, "/admin/queues/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	q := body["queue"].(map[string]any)
	assert.EqualValues(t, 1, q["waiting"])
	assert.EqualValues(t, 1, q["delayed"])
	assert.EqualValues(t, 1, body["pending"])
}

func TestQueueHealth(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rec := f.admin(t, http.MethodGet, "/admin/queues/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestQueueHealth_DegradedWithManyFailures(t *testing.T) {
	f := newFixture(t, testAPIConfig(), failingHandler())
	ctx := context.Background()
	for i := 0; i < healthFailedThreshold; i++ {
		_, _, err := f.queue.Enqueue(ctx, models.SingleSyncJob{BookingID: string(rune('A' + i))}, models.EnqueueOptions{})
		require.NoError(t, err)
		processed, err := f.queue.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}

	rec := f.admin(t, http.MethodGet, "/admin/queues/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Len(t, body["alerts"], 1)
}

func TestGetJob(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)
	_, _, err := f.queue.Enqueue(context.Background(), models.SingleSyncJob{BookingID: "BK1"}, models.EnqueueOptions{})
	require.NoError(t, err)

	rec := f.admin(t, http.MethodGet, "/admin/queues/jobs/booking:BK1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "booking:BK1", decodeBody(t, rec)["id"])

	rec = f.admin(t, http.MethodGet, "/admin/queues/jobs/BK1", "")
	require.Equal(t, http.StatusOK, rec.Code, "bare booking ids resolve to their job")

	rec = f.admin(t, http.MethodGet, "/admin/queues/jobs/BK404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryFailedAndDeadLetters(t *testing.T) {
	f := newFixture(t, testAPIConfig(), failingHandler())
	ctx := context.Background()
	_, _, err := f.queue.Enqueue(ctx, models.SingleSyncJob{BookingID: "BK1"}, models.EnqueueOptions{})
	require.NoError(t, err)
	_, err = f.queue.ProcessNext(ctx)
	require.NoError(t, err)

	rec := f.admin(t, http.MethodGet, "/admin/queues/dead-letters?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	records := body["dead_letters"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "upstream exploded", records[0].(map[string]any)["error"])

	rec = f.admin(t, http.MethodPost, "/admin/queues/retry-failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["retried"])

	job, err := f.queue.GetJob(ctx, "booking:BK1")
	require.NoError(t, err)
	assert.Equal(t, models.JobWaiting, job.Status)
}

func TestDeadLetters_BadPaging(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rec := f.admin(t, http.MethodGet, "/admin/queues/dead-letters?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.admin(t, http.MethodGet, "/admin/queues/dead-letters?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanQueue(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)
	ctx := context.Background()
	_, _, err := f.queue.Enqueue(ctx, models.SingleSyncJob{BookingID: "BK1"}, models.EnqueueOptions{})
	require.NoError(t, err)
	_, err = f.queue.ProcessNext(ctx)
	require.NoError(t, err)

	rec := f.admin(t, http.MethodPost, "/admin/queues/clean?older_than=1h&status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeBody(t, rec)["removed"].(map[string]any)["completed"])

	f.clock.Advance(2 * time.Hour)
	rec = f.admin(t, http.MethodPost, "/admin/queues/clean?older_than=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	removed := decodeBody(t, rec)["removed"].(map[string]any)
	assert.EqualValues(t, 1, removed["completed"])
	assert.EqualValues(t, 0, removed["failed"])

	_, err = f.queue.GetJob(ctx, "booking:BK1")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	rec = f.admin(t, http.MethodPost, "/admin/queues/clean?status=active", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.admin(t, http.MethodPost, "/admin/queues/clean?older_than=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingAndCredentials(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rec := f.admin(t, http.MethodGet, "/admin/webhooks/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["pending"])
	assert.Equal(t, []any{"BK9"}, body["entity_ids"])
	stats := body["scheduler"].(map[string]any)
	assert.EqualValues(t, 4, stats["debounced"])
	assert.EqualValues(t, 2, stats["dispatched"])
	assert.EqualValues(t, 1, stats["rearmed"])

	rec = f.admin(t, http.MethodGet, "/admin/auth", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, true, body["has_refresh_secret"])
}

func TestGetBooking_NotConfigured(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rec := f.admin(t, http.MethodGet, "/admin/bookings/BK1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResyncBooking(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rec := f.admin(t, http.MethodPost, "/admin/bookings/BK1/resync", `{"reason":"guest called"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "booking:BK1", body["job_id"])
	assert.Equal(t, true, body["created"])

	job, err := f.queue.GetJob(context.Background(), "booking:BK1")
	require.NoError(t, err)
	assert.Equal(t, models.KindSingleSync, job.Kind)
	assert.Equal(t, models.PrioritySingleSync, job.Priority)
	payload, err := job.Decode()
	require.NoError(t, err)
	assert.Equal(t, "guest called", payload.(models.SingleSyncJob).Reason)

	rec = f.admin(t, http.MethodPost, "/admin/bookings/BK1/resync", "")
	require.Equal(t, http.StatusOK, rec.Code, "second request folds into the outstanding job")
	assert.Equal(t, false, decodeBody(t, rec)["created"])
}

func TestCancelBooking(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)
	f.upstream.On("CancelBooking", mock.Anything, "BK1", "duplicate").Return(nil).Once()

	rec := f.admin(t, http.MethodPost, "/admin/bookings/BK1/cancel", `{"reason":"duplicate"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "booking:BK1", decodeBody(t, rec)["job_id"])
	f.upstream.AssertExpectations(t)

	job, err := f.queue.GetJob(context.Background(), "booking:BK1")
	require.NoError(t, err)
	assert.Equal(t, models.KindSingleSync, job.Kind)
}

func TestCancelBooking_UpstreamErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{upstream.ErrNotFound, http.StatusNotFound},
		{auth.ErrNotConfigured, http.StatusServiceUnavailable},
		{&upstream.APIError{Op: "cancel", StatusCode: http.StatusInternalServerError}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		f := newFixture(t, testAPIConfig(), nil)
		f.upstream.On("CancelBooking", mock.Anything, "BK1", "cancelled by operator").Return(tc.err).Once()

		rec := f.admin(t, http.MethodPost, "/admin/bookings/BK1/cancel", "")
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())

		_, err := f.queue.GetJob(context.Background(), "booking:BK1")
		assert.ErrorIs(t, err, queue.ErrJobNotFound, "no resync after a failed cancel")
	}
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookingsync/internal/auth"
	"bookingsync/internal/database"
	"bookingsync/internal/models"
	"bookingsync/internal/queue"
	"bookingsync/internal/upstream"

	"github.com/labstack/echo/v4"
)

const (
	defaultDeadLetterPage = 50
	maxDeadLetterPage     = 500
	defaultCleanAge       = 24 * time.Hour

	healthFailedThreshold = 10
	healthActiveThreshold = 100
)

func errorJSON(c echo.Context, code int, msg string, err error) error {
	body := map[string]string{"error": msg}
	if err != nil {
		body["message"] = err.Error()
	}
	return c.JSON(code, body)
}

func (s *Server) handleQueueStats(c echo.Context) error {
	stats, err := s.deps.Queue.GetStats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to get queue stats")
		return errorJSON(c, http.StatusInternalServerError, "failed to get queue stats", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"timestamp": s.clock.Now().UTC(),
		"queue":     stats,
		"pending":   s.deps.Pending.Status().Count,
	})
}

// handleQueueHealth answers 503 once failures or in-flight work pile up.
func (s *Server) handleQueueHealth(c echo.Context) error {
	stats, err := s.deps.Queue.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
	}
	alerts := []string{}
	if stats.Failed >= healthFailedThreshold {
		alerts = append(alerts, "high number of failed jobs")
	}
	if stats.Active >= healthActiveThreshold {
		alerts = append(alerts, "high number of active jobs")
	}
	status, code := "healthy", http.StatusOK
	if len(alerts) > 0 {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]any{
		"status": status,
		"queue":  stats,
		"alerts": alerts,
	})
}

// handleGetJob accepts either a job id or a bare booking id.
func (s *Server) handleGetJob(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	job, err := s.deps.Queue.GetJob(c.Request().Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) && !strings.HasPrefix(id, "booking:") {
		job, err = s.deps.Queue.GetJob(c.Request().Context(), models.JobID(id))
	}
	if errors.Is(err, queue.ErrJobNotFound) {
		return errorJSON(c, http.StatusNotFound, "job not found", nil)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("failed to get job details")
		return errorJSON(c, http.StatusInternalServerError, "failed to get job details", err)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleRetryFailed(c echo.Context) error {
	n, err := s.deps.Queue.RetryFailedJobs(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to retry jobs")
		return errorJSON(c, http.StatusInternalServerError, "failed to retry jobs", err)
	}
	s.logger.Info().Int("jobs", n).Msg("manually triggered retry of failed jobs")
	return c.JSON(http.StatusOK, map[string]any{"retried": n})
}

// handleClean removes finished jobs. Without a status both completed and
// failed jobs are swept.
func (s *Server) handleClean(c echo.Context) error {
	olderThan := defaultCleanAge
	if raw := strings.TrimSpace(c.QueryParam("older_than")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return errorJSON(c, http.StatusBadRequest, "older_than must be a positive duration", nil)
		}
		olderThan = d
	}

	statuses := []models.JobStatus{models.JobCompleted, models.JobFailed}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		st, err := models.ParseJobStatus(raw)
		if err != nil || !st.Terminal() {
			return errorJSON(c, http.StatusBadRequest, "status must be completed or failed", nil)
		}
		statuses = []models.JobStatus{st}
	}

	removed := make(map[string]int, len(statuses))
	for _, st := range statuses {
		n, err := s.deps.Queue.Cleanup(c.Request().Context(), olderThan, st)
		if err != nil {
			s.logger.Error().Err(err).Str("status", string(st)).Msg("failed to clean jobs")
			return errorJSON(c, http.StatusInternalServerError, "failed to clean jobs", err)
		}
		removed[string(st)] = n
	}
	s.logger.Info().Interface("removed", removed).Dur("older_than", olderThan).Msg("manual job cleanup")
	return c.JSON(http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleDeadLetters(c echo.Context) error {
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		return errorJSON(c, http.StatusBadRequest, "offset must be a non-negative integer", nil)
	}
	limit, err := queryInt(c, "limit", defaultDeadLetterPage)
	if err != nil || limit <= 0 {
		return errorJSON(c, http.StatusBadRequest, "limit must be a positive integer", nil)
	}
	if limit > maxDeadLetterPage {
		limit = maxDeadLetterPage
	}
	records, err := s.deps.Queue.DeadLetters(c.Request().Context(), offset, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list dead letters")
		return errorJSON(c, http.StatusInternalServerError, "failed to list dead letters", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"offset":       offset,
		"limit":        limit,
		"dead_letters": records,
	})
}

func queryInt(c echo.Context, name string, def int64) (int64, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Server) handleCredentials(c echo.Context) error {
	if s.deps.Credentials == nil {
		return errorJSON(c, http.StatusNotFound, "credential manager not configured", nil)
	}
	return c.JSON(http.StatusOK, s.deps.Credentials.Snapshot())
}

func (s *Server) handleGetBooking(c echo.Context) error {
	if s.deps.Bookings == nil {
		return errorJSON(c, http.StatusNotFound, "booking mirror not configured", nil)
	}
	id := strings.TrimSpace(c.Param("id"))
	b, err := s.deps.Bookings.GetBookingByExternalID(c.Request().Context(), id)
	if errors.Is(err, database.ErrBookingNotFound) {
		return errorJSON(c, http.StatusNotFound, "booking not found", nil)
	}
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to get booking", err)
	}
	return c.JSON(http.StatusOK, b)
}

type bookingActionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) bindReason(c echo.Context, def string) string {
	var req bookingActionRequest
	if c.Request().ContentLength != 0 {
		_ = c.Bind(&req)
	}
	if r := strings.TrimSpace(req.Reason); r != "" {
		return r
	}
	return def
}

func (s *Server) handleResync(c echo.Context) error {
	if s.deps.Resync == nil {
		return errorJSON(c, http.StatusNotFound, "resync not configured", nil)
	}
	id := strings.TrimSpace(c.Param("id"))
	reason := s.bindReason(c, "manual")
	job, created, err := s.deps.Resync.ResyncBooking(c.Request().Context(), id, reason)
	if err != nil {
		s.logger.Error().Err(err).Str("booking_id", id).Msg("failed to queue resync")
		return errorJSON(c, http.StatusInternalServerError, "failed to queue resync", err)
	}
	code := http.StatusAccepted
	if !created {
		code = http.StatusOK
	}
	return c.JSON(code, map[string]any{
		"job_id":  job.ID,
		"status":  job.Status,
		"created": created,
	})
}

// handleCancel cancels the booking upstream and queues a resync so the
// mirror picks up the new state.
func (s *Server) handleCancel(c echo.Context) error {
	if s.deps.Upstream == nil || s.deps.Resync == nil {
		return errorJSON(c, http.StatusNotFound, "upstream writes not configured", nil)
	}
	id := strings.TrimSpace(c.Param("id"))
	reason := s.bindReason(c, "cancelled by operator")

	if err := s.deps.Upstream.CancelBooking(c.Request().Context(), id, reason); err != nil {
		switch {
		case errors.Is(err, upstream.ErrNotFound):
			return errorJSON(c, http.StatusNotFound, "booking not found upstream", nil)
		case errors.Is(err, auth.ErrNotConfigured), errors.Is(err, auth.ErrCredentialFailed):
			return errorJSON(c, http.StatusServiceUnavailable, "upstream credential unavailable", err)
		default:
			s.logger.Error().Err(err).Str("booking_id", id).Msg("upstream cancel failed")
			return errorJSON(c, http.StatusBadGateway, "upstream cancel failed", err)
		}
	}

	job, _, err := s.deps.Resync.ResyncBooking(c.Request().Context(), id, "cancel: "+reason)
	if err != nil {
		s.logger.Error().Err(err).Str("booking_id", id).Msg("cancelled upstream but resync failed")
		return errorJSON(c, http.StatusInternalServerError, "cancelled upstream but resync failed", err)
	}
	s.logger.Info().Str("booking_id", id).Str("reason", reason).Msg("booking cancelled upstream")
	return c.JSON(http.StatusOK, map[string]any{
		"booking_id": id,
		"cancelled":  true,
		"job_id":     job.ID,
	})
}

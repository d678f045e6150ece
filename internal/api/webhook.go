package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookingsync/internal/metrics"
	"bookingsync/internal/models"
	"bookingsync/internal/scheduler"

	"github.com/labstack/echo/v4"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const webhookSchemaURL = "https://bookingsync.local/schemas/webhook.json"

// webhookSchema accepts the legacy and v2 notification shapes. Booking ids
// may arrive as strings or numbers.
const webhookSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "$defs": {
    "bookingId": {
      "anyOf": [
        {"type": "string", "minLength": 1, "maxLength": 64},
        {"type": "integer", "minimum": 1}
      ]
    }
  },
  "properties": {
    "id": {"$ref": "#/$defs/bookingId"},
    "bookingId": {"$ref": "#/$defs/bookingId"},
    "action": {"type": "string"},
    "booking": {
      "type": "object",
      "properties": {
        "id": {"$ref": "#/$defs/bookingId"},
        "status": {"type": "string"}
      }
    }
  }
}`

func compileWebhookSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchema))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(webhookSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}
	sch, err := c.Compile(webhookSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	return sch, nil
}

// handleWebhook validates an upstream notification and hands it to the
// pipeline. Once the booking id is known the answer is always 200 so the
// upstream never retries; downstream failures are only logged.
func (s *Server) handleWebhook(c echo.Context) error {
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.IncWebhook("rejected")
			return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		metrics.IncWebhook("rejected")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}
	if err := s.schema.Validate(doc); err != nil {
		metrics.IncWebhook("rejected")
		s.logger.Warn().Err(err).Str("request_id", requestID(c)).Msg("webhook payload rejected by schema")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	}

	fields, _ := doc.(map[string]any)
	bookingID := extractBookingID(fields)
	if bookingID == "" {
		metrics.IncWebhook("rejected")
		s.logger.Warn().
			Str("request_id", requestID(c)).
			Strs("keys", keysOf(fields)).
			Msg("webhook missing booking id")
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":    "missing booking id",
			"received": keysOf(fields),
		})
	}

	event := models.ChangeEvent{
		EntityID:   bookingID,
		Action:     models.ParseAction(extractAction(fields)),
		RawPayload: json.RawMessage(body),
		ReceivedAt: s.clock.Now().UTC(),
	}

	if err := s.deps.Events.Submit(c.Request().Context(), event); err != nil {
		s.logger.Error().
			Err(err).
			Str("request_id", requestID(c)).
			Str("booking_id", bookingID).
			Msg("webhook submit failed")
	} else {
		s.logger.Info().
			Str("request_id", requestID(c)).
			Str("booking_id", bookingID).
			Str("action", string(event.Action)).
			Msg("webhook accepted")
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":     "accepted",
		"booking_id": bookingID,
	})
}

// extractBookingID looks at booking.id, then bookingId, then id.
func extractBookingID(fields map[string]any) string {
	if fields == nil {
		return ""
	}
	if booking, ok := fields["booking"].(map[string]any); ok {
		if id := idString(booking["id"]); id != "" {
			return id
		}
	}
	if id := idString(fields["bookingId"]); id != "" {
		return id
	}
	return idString(fields["id"])
}

func extractAction(fields map[string]any) string {
	if action, ok := fields["action"].(string); ok && action != "" {
		return action
	}
	if booking, ok := fields["booking"].(map[string]any); ok {
		if status, ok := booking["status"].(string); ok {
			return status
		}
	}
	return ""
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return ""
	}
}

func keysOf(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	return keys
}

type coalescingStats interface {
	SchedulerStats() scheduler.Stats
}

// handleWebhookStatus reports the coalescing timers for monitoring.
func (s *Server) handleWebhookStatus(c echo.Context) error {
	status := s.deps.Pending.Status()
	body := map[string]any{
		"pending":    status.Count,
		"entity_ids": status.EntityIDs,
		"uptime":     s.clock.Since(s.started).Round(time.Second).String(),
		"timestamp":  s.clock.Now().UTC(),
	}
	if cs, ok := s.deps.Pending.(coalescingStats); ok {
		body["scheduler"] = cs.SchedulerStats()
	}
	return c.JSON(http.StatusOK, body)
}

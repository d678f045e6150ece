package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Action is the kind of change an upstream webhook announces.
type Action string

const (
	ActionCreated   Action = "CREATED"
	ActionModified  Action = "MODIFIED"
	ActionCancelled Action = "CANCELLED"
)

// ParseAction normalizes an upstream action label. The v2 webhooks only
// announce modifications, so anything unrecognised is treated as MODIFIED.
func ParseAction(raw string) Action {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CREATED", "CREATE", "NEW":
		return ActionCreated
	case "CANCELLED", "CANCELED", "CANCEL", "DELETE", "DELETED":
		return ActionCancelled
	default:
		return ActionModified
	}
}

// ChangeEvent is a validated inbound notification for one booking.
type ChangeEvent struct {
	EntityID   string          `json:"entity_id"`
	Action     Action          `json:"action"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// PendingStatus describes the coalescing timers that have not fired yet.
type PendingStatus struct {
	Count     int      `json:"count"`
	EntityIDs []string `json:"entity_ids"`
}

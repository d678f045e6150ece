package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"bookingsync/internal/config"
	"bookingsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// TokenProvider hands out short-lived write credentials.
type TokenProvider interface {
	AccessToken(ctx context.Context) (*oauth2.Token, error)
}

// Client is the booking API of the upstream platform. Reads use the static
// read token; writes ask the token provider for a fresh access token.
type Client struct {
	*transport
	readToken string
	tokens    TokenProvider
}

func New(cfg config.UpstreamConfig, tokens TokenProvider, logger *zerolog.Logger) (*Client, error) {
	t, err := newTransport(cfg, logger, "upstream")
	if err != nil {
		return nil, err
	}
	return &Client{transport: t, readToken: cfg.ReadToken, tokens: tokens}, nil
}

// BookingFilter narrows ListBookings.
type BookingFilter struct {
	ModifiedSince string
	ArrivalFrom   string
	ArrivalTo     string
	Status        []string
	Page          int
}

func (f BookingFilter) values() url.Values {
	q := bookingIncludes()
	if f.ModifiedSince != "" {
		q.Set("modifiedFrom", f.ModifiedSince)
	}
	if f.ArrivalFrom != "" {
		q.Set("arrivalFrom", f.ArrivalFrom)
	}
	if f.ArrivalTo != "" {
		q.Set("arrivalTo", f.ArrivalTo)
	}
	for _, s := range f.Status {
		q.Add("status", s)
	}
	if f.Page > 1 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	return q
}

func bookingIncludes() url.Values {
	q := url.Values{}
	q.Set("includeInvoiceItems", "true")
	q.Set("includeInfoItems", "true")
	q.Set("includeComments", "true")
	return q
}

func (c *Client) readHeaders() map[string]string {
	return map[string]string{"token": c.readToken}
}

// GetBooking fetches the authoritative state of one booking. A missing
// booking yields ErrNotFound.
func (c *Client) GetBooking(ctx context.Context, bookingID string) (*models.UpstreamBooking, error) {
	q := bookingIncludes()
	q.Set("id", bookingID)

	data, err := c.do(ctx, "get_booking", http.MethodGet, "/bookings", q, c.readHeaders(), nil)
	if err != nil {
		return nil, err
	}

	bookings, _, err := decodeBookings("get_booking", data)
	if err != nil {
		return nil, err
	}
	for i := range bookings {
		if bookings[i].ExternalID() == bookingID {
			return &bookings[i], nil
		}
	}
	return nil, fmt.Errorf("upstream get_booking %s: %w", bookingID, ErrNotFound)
}

// ListBookings returns one page of bookings and whether another page exists.
func (c *Client) ListBookings(ctx context.Context, filter BookingFilter) ([]models.UpstreamBooking, bool, error) {
	data, err := c.do(ctx, "list_bookings", http.MethodGet, "/bookings", filter.values(), c.readHeaders(), nil)
	if err != nil {
		return nil, false, err
	}
	return decodeBookings("list_bookings", data)
}

func decodeBookings(op string, data []byte) ([]models.UpstreamBooking, bool, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("upstream %s: decode response: %w", op, err)
	}
	if env.Success != nil && !*env.Success {
		return nil, false, &APIError{Op: op, StatusCode: http.StatusOK, Code: env.Code, Message: env.Error}
	}

	out := make([]models.UpstreamBooking, 0, len(env.Data))
	for _, raw := range env.Data {
		var b models.UpstreamBooking
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, false, fmt.Errorf("upstream %s: decode booking: %w", op, err)
		}
		b.Raw = append(json.RawMessage(nil), raw...)
		out = append(out, b)
	}
	next := env.Pages != nil && env.Pages.NextPageExists
	return out, next, nil
}

// BookingUpdate is one element of a write batch. An empty ID creates a booking.
type BookingUpdate struct {
	ID     string                 `json:"id,omitempty"`
	Fields map[string]interface{} `json:"-"`
}

func (u BookingUpdate) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(u.Fields)+1)
	for k, v := range u.Fields {
		m[k] = v
	}
	if u.ID != "" {
		if n, err := strconv.ParseInt(u.ID, 10, 64); err == nil {
			m["id"] = n
		} else {
			m["id"] = u.ID
		}
	}
	return json.Marshal(m)
}

// WriteResult is the per-booking answer to a write batch.
type WriteResult struct {
	Success  bool              `json:"success"`
	New      json.RawMessage   `json:"new,omitempty"`
	Modified json.RawMessage   `json:"modified,omitempty"`
	Errors   []WriteResultItem `json:"errors,omitempty"`
	Warnings []WriteResultItem `json:"warnings,omitempty"`
}

type WriteResultItem struct {
	Action  string `json:"action"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (c *Client) writeHeaders(ctx context.Context) (map[string]string, error) {
	if c.tokens == nil {
		return nil, ErrNoTokenProvider
	}
	tok, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain write credential: %w", err)
	}
	return map[string]string{"token": tok.AccessToken}, nil
}

// UpsertBookings creates or modifies bookings in one batch. Items without an
// ID are created.
func (c *Client) UpsertBookings(ctx context.Context, updates []BookingUpdate) ([]WriteResult, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	headers, err := c.writeHeaders(ctx)
	if err != nil {
		return nil, err
	}

	creates := 0
	for _, u := range updates {
		if u.ID == "" {
			creates++
		}
	}
	c.logger.Info().Int("bookings", len(updates)).Int("creates", creates).Int("updates", len(updates)-creates).Msg("upserting bookings")

	data, err := c.do(ctx, "upsert_bookings", http.MethodPost, "/bookings", nil, headers, updates)
	if err != nil {
		return nil, err
	}

	var results []WriteResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("upstream upsert_bookings: decode response: %w", err)
	}
	for i, r := range results {
		if !r.Success {
			msg := "rejected"
			if len(r.Errors) > 0 {
				msg = r.Errors[0].Message
			}
			return results, &APIError{Op: "upsert_bookings", StatusCode: http.StatusOK, Message: fmt.Sprintf("item %d: %s", i, msg)}
		}
	}
	return results, nil
}

// UpdateBooking modifies the given fields of one booking.
func (c *Client) UpdateBooking(ctx context.Context, bookingID string, fields map[string]interface{}) error {
	_, err := c.UpsertBookings(ctx, []BookingUpdate{{ID: bookingID, Fields: fields}})
	return err
}

// CancelBooking sets the upstream status to cancelled, optionally recording a reason.
func (c *Client) CancelBooking(ctx context.Context, bookingID, reason string) error {
	fields := map[string]interface{}{"status": "cancelled"}
	if reason != "" {
		fields["notes"] = reason
	}
	c.logger.Info().Str("booking_id", bookingID).Str("reason", reason).Msg("cancelling booking")
	return c.UpdateBooking(ctx, bookingID, fields)
}

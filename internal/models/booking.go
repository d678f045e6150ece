package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Booking is the local mirror of an upstream booking, keyed by BookingID.
type Booking struct {
	ID            int64      `json:"id" db:"id"`
	BookingID     string     `json:"booking_id" db:"booking_id"`
	Status        string     `json:"status" db:"status"`
	SyncStatus    string     `json:"sync_status" db:"sync_status"`
	GuestName     string     `json:"guest_name" db:"guest_name"`
	Phone         string     `json:"phone" db:"phone"`
	Email         string     `json:"email" db:"email"`
	PropertyName  string     `json:"property_name" db:"property_name"`
	Channel       string     `json:"channel" db:"channel"`
	APIReference  string     `json:"api_reference" db:"api_reference"`
	ArrivalDate   string     `json:"arrival_date" db:"arrival_date"`
	DepartureDate string     `json:"departure_date" db:"departure_date"`
	NumNights     int        `json:"num_nights" db:"num_nights"`
	TotalPersons  int        `json:"total_persons" db:"total_persons"`
	TotalCharges  float64    `json:"total_charges" db:"total_charges"`
	TotalPayments float64    `json:"total_payments" db:"total_payments"`
	Balance       float64    `json:"balance" db:"balance"`
	BasePrice     float64    `json:"base_price" db:"base_price"`
	InternalNotes string     `json:"internal_notes" db:"internal_notes"`
	Notes         string     `json:"notes" db:"notes"`
	BookingDate   string     `json:"booking_date" db:"booking_date"`
	ModifiedDate  string     `json:"modified_date" db:"modified_date"`
	Raw           string     `json:"raw" db:"raw"`
	ContentHash   string     `json:"-" db:"content_hash"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	LastSyncedAt  time.Time  `json:"last_synced_at" db:"last_synced_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// UpsertOutcome classifies what an upsert did to the mirror.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
	OutcomeCancelled UpsertOutcome = "cancelled"
	OutcomeMissing   UpsertOutcome = "missing"
)

// Flex decodes upstream values that arrive either as JSON strings or numbers.
type Flex string

func (f *Flex) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = Flex(s)
		return nil
	}
	*f = Flex(string(data))
	return nil
}

func (f Flex) String() string { return string(f) }

// Float parses the value as an amount, ignoring currency symbols and separators.
func (f Flex) Float() float64 {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return -1
	}, string(f))
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(v) {
		return 0
	}
	return v
}

// Int parses the value as a whole number, zero when absent or malformed.
func (f Flex) Int() int {
	v, err := strconv.Atoi(strings.TrimSpace(string(f)))
	if err != nil {
		return int(f.Float())
	}
	return v
}

// LineItem is one invoice or payment row of an upstream booking.
type LineItem struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Amount      Flex   `json:"amount"`
}

// UpstreamBooking is the booking shape returned by the upstream platform.
type UpstreamBooking struct {
	BookingID      Flex       `json:"bookingId"`
	ID             Flex       `json:"id"`
	Status         string     `json:"status"`
	GuestFirstName string     `json:"guestFirstName"`
	GuestName      string     `json:"guestName"`
	FirstName      string     `json:"firstName"`
	LastName       string     `json:"lastName"`
	GuestEmail     string     `json:"guestEmail"`
	Email          string     `json:"email"`
	Phone          string     `json:"phone"`
	PropertyName   string     `json:"propertyName"`
	Arrival        string     `json:"arrival"`
	Departure      string     `json:"departure"`
	NumAdult       Flex       `json:"numAdult"`
	NumChild       Flex       `json:"numChild"`
	Price          Flex       `json:"price"`
	Referer        string     `json:"referer"`
	APIReference   string     `json:"apiReference"`
	Notes          string     `json:"notes"`
	Comments       string     `json:"comments"`
	Created        string     `json:"created"`
	Modified       string     `json:"modified"`
	Invoice        []LineItem `json:"invoice"`
	Payment        []LineItem `json:"payment"`

	Raw json.RawMessage `json:"-"`
}

// ExternalID returns the booking id whichever field the upstream filled.
func (u *UpstreamBooking) ExternalID() string {
	if u.BookingID != "" {
		return u.BookingID.String()
	}
	return u.ID.String()
}

// Sync statuses stored alongside the upstream status.
const (
	SyncStatusCancelled        = "Cancelada"
	SyncStatusConfirmed        = "Futura Confirmada"
	SyncStatusPending          = "Futura Pendiente"
	SyncStatusCheckedIn        = "Hospedado"
	SyncStatusCheckedOut       = "Finalizada"
	SyncStatusNotFoundUpstream = "not-found-upstream"
)

// DetermineSyncStatus maps an upstream booking status onto the local sync status.
// Unknown statuses map to an empty string.
func DetermineSyncStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "cancelled", "black":
		return SyncStatusCancelled
	case "confirmed":
		return SyncStatusConfirmed
	case "new", "tentative":
		return SyncStatusPending
	case "checkedin", "request":
		return SyncStatusCheckedIn
	case "checkedout":
		return SyncStatusCheckedOut
	default:
		return ""
	}
}

// ToBooking maps the upstream shape onto the mirror record. Timestamps are
// left for the store to fill.
func (u *UpstreamBooking) ToBooking() Booking {
	charges := sumPositive(u.Invoice)
	payments := sumPositive(u.Payment)

	b := Booking{
		BookingID:     u.ExternalID(),
		Status:        u.Status,
		SyncStatus:    DetermineSyncStatus(u.Status),
		GuestName:     guestName(u),
		Phone:         u.Phone,
		Email:         firstNonEmpty(u.GuestEmail, u.Email),
		PropertyName:  u.PropertyName,
		Channel:       u.Referer,
		APIReference:  u.APIReference,
		ArrivalDate:   simpleDate(u.Arrival),
		DepartureDate: simpleDate(u.Departure),
		NumNights:     nights(u.Arrival, u.Departure),
		TotalPersons:  u.NumAdult.Int() + u.NumChild.Int(),
		TotalCharges:  charges,
		TotalPayments: payments,
		Balance:       charges - payments,
		BasePrice:     u.Price.Float(),
		InternalNotes: u.Notes,
		Notes:         u.Comments,
		BookingDate:   simpleDate(u.Created),
		ModifiedDate:  simpleDate(u.Modified),
		Raw:           string(u.Raw),
	}
	return b
}

func guestName(u *UpstreamBooking) string {
	first := firstNonEmpty(u.GuestFirstName, u.FirstName)
	last := firstNonEmpty(u.GuestName, u.LastName)
	return strings.TrimSpace(first + " " + last)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func sumPositive(items []LineItem) float64 {
	var total float64
	for _, item := range items {
		if v := item.Amount.Float(); v > 0 {
			total += v
		}
	}
	return math.Round(total*100) / 100
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func simpleDate(raw string) string {
	t, ok := parseDate(raw)
	if !ok {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func nights(arrival, departure string) int {
	a, ok1 := parseDate(arrival)
	d, ok2 := parseDate(departure)
	if !ok1 || !ok2 {
		return 0
	}
	n := int(math.Ceil(d.Sub(a).Hours() / 24))
	if n < 0 {
		return 0
	}
	return n
}

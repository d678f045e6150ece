package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookingsync/internal/models"
)

const bookingColumns = `id, booking_id, status, sync_status, guest_name, phone, email, property_name,
	channel, api_reference, arrival_date, departure_date, num_nights, total_persons, total_charges,
	total_payments, balance, base_price, internal_notes, notes, booking_date, modified_date, raw,
	content_hash, cancelled_at, last_synced_at, created_at, updated_at`

const insertBooking = `INSERT INTO bookings (
		booking_id, status, sync_status, guest_name, phone, email, property_name, channel,
		api_reference, arrival_date, departure_date, num_nights, total_persons, total_charges,
		total_payments, balance, base_price, internal_notes, notes, booking_date, modified_date,
		raw, content_hash, cancelled_at, last_synced_at, created_at, updated_at
	) VALUES (
		:booking_id, :status, :sync_status, :guest_name, :phone, :email, :property_name, :channel,
		:api_reference, :arrival_date, :departure_date, :num_nights, :total_persons, :total_charges,
		:total_payments, :balance, :base_price, :internal_notes, :notes, :booking_date, :modified_date,
		:raw, :content_hash, :cancelled_at, :last_synced_at, :created_at, :updated_at
	) ON CONFLICT (booking_id) DO NOTHING`

const updateBooking = `UPDATE bookings SET
		status = :status, sync_status = :sync_status, guest_name = :guest_name, phone = :phone,
		email = :email, property_name = :property_name, channel = :channel,
		api_reference = :api_reference, arrival_date = :arrival_date,
		departure_date = :departure_date, num_nights = :num_nights,
		total_persons = :total_persons, total_charges = :total_charges,
		total_payments = :total_payments, balance = :balance, base_price = :base_price,
		internal_notes = :internal_notes, notes = :notes, booking_date = :booking_date,
		modified_date = :modified_date, raw = :raw, content_hash = :content_hash,
		cancelled_at = :cancelled_at, last_synced_at = :last_synced_at, updated_at = :updated_at
	WHERE booking_id = :booking_id`

// UpsertBooking writes the booking keyed by its external id. Identical
// content leaves the row untouched and reports OutcomeUnchanged.
func (db *DB) UpsertBooking(ctx context.Context, booking *models.Booking) (models.UpsertOutcome, error) {
	if booking.BookingID == "" {
		return "", errors.New("booking id is required")
	}

	hash, err := contentHash(booking)
	if err != nil {
		return "", err
	}

	// A concurrent insert of the same id loses ON CONFLICT and is retried as an update.
	for attempt := 0; attempt < 2; attempt++ {
		outcome, raced, err := db.upsertOnce(ctx, booking, hash)
		if err != nil {
			return "", err
		}
		if !raced {
			return outcome, nil
		}
	}
	return "", fmt.Errorf("upsert booking %s: lost insert race twice", booking.BookingID)
}

type existingRow struct {
	ID          int64        `db:"id"`
	ContentHash string       `db:"content_hash"`
	CancelledAt sql.NullTime `db:"cancelled_at"`
	CreatedAt   sql.NullTime `db:"created_at"`
}

func (db *DB) upsertOnce(ctx context.Context, booking *models.Booking, hash string) (models.UpsertOutcome, bool, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existing existingRow
	err = tx.GetContext(ctx, &existing,
		tx.Rebind(`SELECT id, content_hash, cancelled_at, created_at FROM bookings WHERE booking_id = ?`),
		booking.BookingID)

	now := db.now().UTC()
	booking.ContentHash = hash
	booking.LastSyncedAt = now
	booking.UpdatedAt = now

	switch {
	case errors.Is(err, sql.ErrNoRows):
		booking.CreatedAt = now
		booking.CancelledAt = nil
		if booking.SyncStatus == models.SyncStatusCancelled {
			booking.CancelledAt = &now
		}
		res, err := tx.NamedExecContext(ctx, insertBooking, booking)
		if err != nil {
			return "", false, fmt.Errorf("failed to insert booking %s: %w", booking.BookingID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", true, nil
		}
		if err := tx.GetContext(ctx, &booking.ID, tx.Rebind(`SELECT id FROM bookings WHERE booking_id = ?`), booking.BookingID); err != nil {
			return "", false, fmt.Errorf("failed to read booking id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("failed to commit booking insert: %w", err)
		}
		return models.OutcomeCreated, false, nil

	case err != nil:
		return "", false, fmt.Errorf("failed to load booking %s: %w", booking.BookingID, err)
	}

	booking.ID = existing.ID
	if existing.CreatedAt.Valid {
		booking.CreatedAt = existing.CreatedAt.Time
	}
	if existing.ContentHash == hash {
		return models.OutcomeUnchanged, false, nil
	}

	booking.CancelledAt = nil
	if booking.SyncStatus == models.SyncStatusCancelled {
		cancelledAt := now
		if existing.CancelledAt.Valid {
			cancelledAt = existing.CancelledAt.Time
		}
		booking.CancelledAt = &cancelledAt
	}

	if _, err := tx.NamedExecContext(ctx, updateBooking, booking); err != nil {
		return "", false, fmt.Errorf("failed to update booking %s: %w", booking.BookingID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit booking update: %w", err)
	}
	return models.OutcomeUpdated, false, nil
}

// MarkBookingCancelled flags a local booking as cancelled without deleting
// it. It reports false when no such booking exists.
func (db *DB) MarkBookingCancelled(ctx context.Context, bookingID, syncStatus string) (bool, error) {
	now := db.now().UTC()
	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE bookings
		SET status = ?, sync_status = ?, cancelled_at = COALESCE(cancelled_at, ?),
			content_hash = '', last_synced_at = ?, updated_at = ?
		WHERE booking_id = ?`),
		"cancelled", syncStatus, now, now, now, bookingID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel booking %s: %w", bookingID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func (db *DB) GetBookingByExternalID(ctx context.Context, bookingID string) (*models.Booking, error) {
	var b models.Booking
	err := db.GetContext(ctx, &b, db.Rebind(`SELECT `+bookingColumns+` FROM bookings WHERE booking_id = ?`), bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking %s: %w", bookingID, err)
	}
	return &b, nil
}

// ListBookings returns bookings ordered by most recent sync.
func (db *DB) ListBookings(ctx context.Context, syncStatus string, limit, offset int) ([]models.Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings`
	args := []interface{}{}
	if syncStatus != "" {
		query += ` WHERE sync_status = ?`
		args = append(args, syncStatus)
	}
	query += ` ORDER BY last_synced_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var out []models.Booking
	if err := db.SelectContext(ctx, &out, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return out, nil
}

func (db *DB) CountBookings(ctx context.Context) (int64, error) {
	var n int64
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM bookings`); err != nil {
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}
	return n, nil
}

// contentHash fingerprints the synced fields of a booking. Identity and
// bookkeeping timestamps are excluded.
func contentHash(b *models.Booking) (string, error) {
	c := *b
	c.ID = 0
	c.ContentHash = ""
	c.CancelledAt = nil
	c.LastSyncedAt, c.CreatedAt, c.UpdatedAt = time.Time{}, time.Time{}, time.Time{}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("hash booking %s: %w", b.BookingID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

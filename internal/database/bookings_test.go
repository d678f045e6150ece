package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bookingsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewSQLite(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleBooking(id string) *models.Booking {
	return &models.Booking{
		BookingID:     id,
		Status:        "confirmed",
		SyncStatus:    models.SyncStatusConfirmed,
		GuestName:     "Ana Lopez",
		ArrivalDate:   "2025-03-01",
		DepartureDate: "2025-03-04",
		NumNights:     3,
		TotalCharges:  300.5,
		Raw:           `{"bookingId":"` + id + `"}`,
	}
}

func TestUpsertBooking_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	outcome, err := db.UpsertBooking(ctx, sampleBooking("BK1"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, outcome)

	first, err := db.GetBookingByExternalID(ctx, "BK1")
	require.NoError(t, err)

	outcome, err = db.UpsertBooking(ctx, sampleBooking("BK1"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnchanged, outcome)

	second, err := db.GetBookingByExternalID(ctx, "BK1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt), "unchanged upsert must not write")

	n, err := db.CountBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsertBooking_Update(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertBooking(ctx, sampleBooking("BK1"))
	require.NoError(t, err)

	changed := sampleBooking("BK1")
	changed.GuestName = "Ana María Lopez"
	outcome, err := db.UpsertBooking(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUpdated, outcome)

	got, err := db.GetBookingByExternalID(ctx, "BK1")
	require.NoError(t, err)
	assert.Equal(t, "Ana María Lopez", got.GuestName)
	assert.Nil(t, got.CancelledAt)
}

func TestUpsertBooking_CancelledKeepsFirstCancellationTime(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return t0 }

	b := sampleBooking("BK1")
	b.Status, b.SyncStatus = "cancelled", models.SyncStatusCancelled
	_, err := db.UpsertBooking(ctx, b)
	require.NoError(t, err)

	db.now = func() time.Time { return t0.Add(time.Hour) }
	b = sampleBooking("BK1")
	b.Status, b.SyncStatus, b.Notes = "cancelled", models.SyncStatusCancelled, "guest called"
	outcome, err := db.UpsertBooking(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUpdated, outcome)

	got, err := db.GetBookingByExternalID(ctx, "BK1")
	require.NoError(t, err)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, got.CancelledAt.Equal(t0))
}

func TestUpsertBooking_RequiresID(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.UpsertBooking(context.Background(), &models.Booking{})
	assert.Error(t, err)
}

func TestMarkBookingCancelled(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertBooking(ctx, sampleBooking("BK1"))
	require.NoError(t, err)

	found, err := db.MarkBookingCancelled(ctx, "BK1", models.SyncStatusNotFoundUpstream)
	require.NoError(t, err)
	assert.True(t, found)

	got, err := db.GetBookingByExternalID(ctx, "BK1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)
	assert.Equal(t, models.SyncStatusNotFoundUpstream, got.SyncStatus)
	assert.NotNil(t, got.CancelledAt)

	n, err := db.CountBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "cancelled bookings are kept")

	// a later fetch that finds the booking again rewrites it
	outcome, err := db.UpsertBooking(ctx, sampleBooking("BK1"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUpdated, outcome)

	found, err = db.MarkBookingCancelled(ctx, "missing", models.SyncStatusNotFoundUpstream)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetBookingByExternalID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetBookingByExternalID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestListBookings(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := db.UpsertBooking(ctx, sampleBooking(fmt.Sprintf("BK%d", i)))
		require.NoError(t, err)
	}
	_, err := db.MarkBookingCancelled(ctx, "BK1", models.SyncStatusCancelled)
	require.NoError(t, err)

	all, err := db.ListBookings(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cancelled, err := db.ListBookings(ctx, models.SyncStatusCancelled, 10, 0)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "BK1", cancelled[0].BookingID)
}

func TestUpsertBooking_Concurrent(t *testing.T) {
	ctx := context.Background()
	db, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "concurrency.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan models.UpsertOutcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := db.UpsertBooking(ctx, sampleBooking("BK1"))
			assert.NoError(t, err)
			results <- outcome
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for o := range results {
		if o == models.OutcomeCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	n, err := db.CountBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

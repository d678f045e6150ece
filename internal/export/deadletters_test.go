package export

import (
	"path/filepath"
	"testing"
	"time"

	"bookingsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestDeadLettersToXLSX(t *testing.T) {
	payload, err := models.EncodePayload(models.WebhookJob{BookingID: "BK1", Action: models.ActionModified})
	require.NoError(t, err)
	failedAt := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

	records := []models.DeadLetterRecord{{
		ID: "01HQ0000000000000000000000",
		OriginalJob: models.Job{
			ID:       "booking:BK1",
			Kind:     models.KindWebhook,
			Payload:  payload,
			Priority: models.PriorityWebhook,
		},
		Error:    "upstream get booking: status 500",
		Attempts: 3,
		FailedAt: failedAt,
	}}

	path := filepath.Join(t.TempDir(), "out", DefaultFileName(failedAt))
	require.NoError(t, DeadLettersToXLSX(records, path))
	assert.Equal(t, "dead_letters_20250301_103000.xlsx", filepath.Base(path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(deadLetterSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, deadLetterColumns, rows[0])
	assert.Equal(t, "booking:BK1", rows[1][1])
	assert.Equal(t, "BK1", rows[1][3])
	assert.Equal(t, "3", rows[1][5])
	assert.Equal(t, "2025-03-01T10:30:00Z", rows[1][6])
	assert.Equal(t, "upstream get booking: status 500", rows[1][7])
}

func TestDeadLettersToXLSX_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, DeadLettersToXLSX(nil, path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(deadLetterSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, []string{deadLetterSheet}, f.GetSheetList())
}

package notify

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bookingsync/internal/events"
	"bookingsync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTelegramSender struct {
	mock.Mock
}

func (m *mockTelegramSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func sampleRecord(t *testing.T) models.DeadLetterRecord {
	t.Helper()
	payload, err := models.EncodePayload(models.WebhookJob{BookingID: "BK1", Action: models.ActionModified})
	require.NoError(t, err)
	return models.DeadLetterRecord{
		ID:          "01HQ0000000000000000000000",
		OriginalJob: models.Job{ID: "booking:BK1", Kind: models.KindWebhook, Payload: payload},
		Error:       "upstream get booking: status 500",
		Attempts:    3,
		FailedAt:    time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestFormatDeadLetter(t *testing.T) {
	text := FormatDeadLetter(sampleRecord(t))
	assert.Contains(t, text, "Job: booking:BK1 (webhook)")
	assert.Contains(t, text, "Booking: BK1")
	assert.Contains(t, text, "Attempts: 3")
	assert.Contains(t, text, "Failed at: 2025-03-01T10:30:00Z")

	rec := sampleRecord(t)
	rec.Error = strings.Repeat("x", 2000)
	assert.Less(t, len(FormatDeadLetter(rec)), 800)
}

func TestTelegramNotifier_SubscribesToDeadLetters(t *testing.T) {
	sender := new(mockTelegramSender)
	sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		msg, ok := c.(tgbotapi.MessageConfig)
		return ok && msg.ChatID == 42 && strings.Contains(msg.Text, "booking:BK1")
	})).Return(tgbotapi.Message{}, nil).Once()

	bus := events.NewEventBus()
	NewTelegramNotifier(sender, 42, nil).Subscribe(bus)

	require.NoError(t, bus.PublishJSON(events.JobDeadLettered, sampleRecord(t)))
	require.NoError(t, bus.PublishJSON(events.JobCompleted, map[string]string{"job_id": "booking:BK2"}))
	sender.AssertExpectations(t)
}

func TestTelegramNotifier_SendFailure(t *testing.T) {
	sender := new(mockTelegramSender)
	sender.On("Send", mock.Anything).Return(tgbotapi.Message{}, errors.New("chat not found"))

	err := NewTelegramNotifier(sender, 42, nil).NotifyDeadLetter(sampleRecord(t))
	assert.ErrorContains(t, err, "chat not found")
}

func TestTelegramNotifier_SendFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead_letters.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("xlsx"), 0o644))

	sender := new(mockTelegramSender)
	sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		doc, ok := c.(tgbotapi.DocumentConfig)
		return ok && doc.ChatID == 42 && doc.Caption == "export"
	})).Return(tgbotapi.Message{}, nil).Once()

	require.NoError(t, NewTelegramNotifier(sender, 42, nil).SendFile(path, "export"))
	sender.AssertExpectations(t)

	assert.Error(t, NewTelegramNotifier(sender, 42, nil).SendFile(filepath.Join(t.TempDir(), "missing.xlsx"), ""))
}

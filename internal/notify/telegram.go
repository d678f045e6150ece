package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bookingsync/internal/domain"
	"bookingsync/internal/events"
	"bookingsync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const maxErrorLen = 500

// NewBotSender connects to the Telegram bot API.
func NewBotSender(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return bot, nil
}

// TelegramNotifier posts operator alerts to one chat.
type TelegramNotifier struct {
	sender domain.TelegramSender
	chatID int64
	logger zerolog.Logger
}

func NewTelegramNotifier(sender domain.TelegramSender, chatID int64, logger *zerolog.Logger) *TelegramNotifier {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "telegram_notifier").Logger()
	}
	return &TelegramNotifier{sender: sender, chatID: chatID, logger: l}
}

// Subscribe alerts on every dead-lettered job published on bus.
func (n *TelegramNotifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.JobDeadLettered, func(event *events.Event) error {
		var rec models.DeadLetterRecord
		if err := event.Decode(&rec); err != nil {
			return err
		}
		return n.NotifyDeadLetter(rec)
	})
}

func (n *TelegramNotifier) NotifyDeadLetter(rec models.DeadLetterRecord) error {
	msg := tgbotapi.NewMessage(n.chatID, FormatDeadLetter(rec))
	msg.DisableWebPagePreview = true
	if _, err := n.sender.Send(msg); err != nil {
		n.logger.Error().Err(err).Str("job_id", rec.OriginalJob.ID).Msg("dead letter alert failed")
		return fmt.Errorf("send dead letter alert: %w", err)
	}
	n.logger.Debug().Str("job_id", rec.OriginalJob.ID).Msg("dead letter alert sent")
	return nil
}

// SendFile uploads a file (an export, typically) to the operator chat.
func (n *TelegramNotifier) SendFile(path, caption string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	doc := tgbotapi.NewDocument(n.chatID, tgbotapi.FileReader{
		Name:   filepath.Base(path),
		Reader: file,
	})
	doc.Caption = caption
	if _, err := n.sender.Send(doc); err != nil {
		return fmt.Errorf("send %s: %w", filepath.Base(path), err)
	}
	return nil
}

// FormatDeadLetter renders the plain-text alert for a record.
func FormatDeadLetter(rec models.DeadLetterRecord) string {
	errText := rec.Error
	if len(errText) > maxErrorLen {
		errText = errText[:maxErrorLen] + "…"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Booking sync job dead-lettered\n")
	fmt.Fprintf(&b, "Job: %s (%s)\n", rec.OriginalJob.ID, rec.OriginalJob.Kind)
	if p, err := rec.OriginalJob.Decode(); err == nil {
		fmt.Fprintf(&b, "Booking: %s\n", p.EntityID())
	}
	fmt.Fprintf(&b, "Attempts: %d\n", rec.Attempts)
	fmt.Fprintf(&b, "Failed at: %s\n", rec.FailedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Error: %s\n", errText)
	fmt.Fprintf(&b, "Record: %s", rec.ID)
	return b.String()
}

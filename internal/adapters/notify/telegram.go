package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram отправляет в служебный чат сообщения о завершённых задачах.
type Telegram struct {
	bot    sender
	chatID int64
	log    zerolog.Logger
}

var _ domain.Notifier = (*Telegram)(nil)

// NewTelegram создаёт уведомитель. Без токена или чата возвращается Noop.
func NewTelegram(token string, chatID int64, logger zerolog.Logger) (domain.Notifier, error) {
	if token == "" || chatID == 0 {
		return Noop{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID, log: logger}, nil
}

// JobFinished отправляет сводку по задаче.
func (t *Telegram) JobFinished(_ context.Context, job domain.Job) error {
	for _, part := range splitMessage(formatJob(job), messageLimit) {
		msg := tgbotapi.NewMessage(t.chatID, part)
		msg.DisableWebPagePreview = true
		start := time.Now()
		_, err := t.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(t.chatID, 10), start, err)
		if err != nil {
			t.log.Error().Err(err).Str("job_id", job.ID).Msg("notify: не удалось отправить сообщение")
			return err
		}
	}
	return nil
}

func formatJob(job domain.Job) string {
	var b strings.Builder
	switch job.Status {
	case domain.StatusCompleted:
		fmt.Fprintf(&b, "✅ Комната готова: %s\n", job.Identity)
		if job.Result != nil {
			fmt.Fprintf(&b, "%s\n", job.Result.RoomURL)
			if job.Result.PersonaSummary != "" {
				fmt.Fprintf(&b, "\n%s\n", job.Result.PersonaSummary)
			}
		}
		if job.BestScore > 0 {
			fmt.Fprintf(&b, "Оценка критика: %.2f (попыток: %d)\n", job.BestScore, len(job.Attempts))
		}
	default:
		fmt.Fprintf(&b, "❌ Задача %s (%s) завершилась ошибкой\n", job.ID, job.Identity)
		if job.Error != nil {
			fmt.Fprintf(&b, "Стадия %d: %s\n", job.Error.Stage, job.Error.Message)
		}
	}
	if job.FinishedAt != nil {
		fmt.Fprintf(&b, "Длительность: %s\n", job.FinishedAt.Sub(job.CreatedAt).Round(time.Second))
	}
	return b.String()
}

// Noop ничего не отправляет.
type Noop struct{}

// JobFinished реализует domain.Notifier.
func (Noop) JobFinished(context.Context, domain.Job) error { return nil }

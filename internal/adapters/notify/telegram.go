package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
)

// messageSender is the part of *tgbotapi.BotAPI used here.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends halted-market alerts to a chat.
type Telegram struct {
	bot            messageSender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

var _ ports.Alerter = (*Telegram)(nil)

// NewTelegram creates a Telegram alerter. It calls getMe to validate the
// token.
func NewTelegram(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("notify.NewTelegram: create bot: %w", err)
	}
	return newTelegram(bot, chatID, maxRetries, retryDelayBase)
}

func newTelegram(bot messageSender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Telegram, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("notify.NewTelegram: invalid chat ID: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Telegram{bot: bot, chatID: id, maxRetries: maxRetries, retryDelayBase: retryDelayBase}, nil
}

// Alert envía la alerta con reintentos lineales.
func (t *Telegram) Alert(ctx context.Context, a domain.Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(a))
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-time.After(t.retryDelayBase * time.Duration(i+1)):
		case <-ctx.Done():
			return fmt.Errorf("notify.Telegram.Alert: %w", ctx.Err())
		}
	}
	return fmt.Errorf("notify.Telegram.Alert: failed after %d attempts: %w", t.maxRetries, lastErr)
}

func formatAlert(a domain.Alert) string {
	var sb strings.Builder
	sb.WriteString("🚨 *Market halted*\n\n")
	fmt.Fprintf(&sb, "Market: `%s`\n", escapeMarkdownV2(a.MarketID))
	fmt.Fprintf(&sb, "At: %s\n", escapeMarkdownV2(a.At.UTC().Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&sb, "Reason: %s\n\n", escapeMarkdownV2(a.Reason))
	sb.WriteString("Automatic settlement is suspended until an operator intervenes\\.")
	return sb.String()
}

// escapeMarkdownV2 escapa los caracteres especiales de MarkdownV2.
func escapeMarkdownV2(text string) string {
	var sb strings.Builder
	for _, r := range text {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

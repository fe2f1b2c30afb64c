// Package telegram delivers operator alerts through a Telegram bot. It is
// an optional side channel: the relay works without it, and alert failures
// are logged, never propagated.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
)

// Notifier sends operator alerts to a fixed chat.
type Notifier struct {
	bot    *bot.Bot
	chatID int64
	log    *slog.Logger
}

// NewNotifier creates an alert notifier. Token and chat id come from config.
func NewNotifier(token string, chatID int64, log *slog.Logger) (*Notifier, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, err
	}
	return &Notifier{bot: b, chatID: chatID, log: log}, nil
}

// Alert sends a message to the operator chat. Failures are swallowed after
// logging: alerting must never fail the dispatch that triggered it.
func (n *Notifier) Alert(ctx context.Context, format string, args ...any) {
	text := fmt.Sprintf(format, args...)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := n.bot.SendMessage(cctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   text,
	})
	if err != nil {
		n.log.Warn("operator alert failed", slog.Any("error", err))
	}
}

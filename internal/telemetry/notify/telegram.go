package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram posts messages to one chat through the bot API.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram builds a Telegram notifier. Construction verifies the token
// with a getMe call, so it needs network access.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Name implements Notifier.
func (t *Telegram) Name() string { return "telegram" }

// Send implements Notifier. The bot API client carries no context; the
// call runs on its internal HTTP client timeout.
func (t *Telegram) Send(_ context.Context, msg Message) error {
	m := tgbotapi.NewMessage(t.chatID, msg.Title+"\n"+msg.Body)
	_, err := t.bot.Send(m)
	return err
}

package alerts

import (
	"context"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
)

// TelegramTokenEnv holds the bot token. It is never read from config files.
const TelegramTokenEnv = "TELEGRAM_BOT_TOKEN"

type telegramSender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// Telegram sends alerts to one chat
type Telegram struct {
	bot    telegramSender
	chatID int64
}

// NewTelegram connects the bot API with token
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram: token and chat id are required")
	}
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		// the API error text can carry the token in the request URL
		return nil, errors.New("telegram: bot authorisation failed")
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbot.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return errors.Wrap(err, "telegram send")
	}
	return nil
}

func (t *Telegram) NotifyExecution(ctx context.Context, a ExecutionAlert) error {
	return t.send(ctx, FormatExecution(a))
}

func (t *Telegram) NotifyError(ctx context.Context, a ErrorAlert) error {
	return t.send(ctx, FormatError(a))
}

func (t *Telegram) NotifyCritical(ctx context.Context, title, msg string) error {
	return t.send(ctx, FormatCritical(title, msg))
}

package otp

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"vestnet/internal/logging"
)

// BotAPI is the part of *tgbotapi.BotAPI the sender needs.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers codes as bot messages. The destination is the
// user's chat id.
type TelegramSender struct {
	bot BotAPI
}

func NewTelegramSender(bot BotAPI) *TelegramSender {
	return &TelegramSender{bot: bot}
}

func (t *TelegramSender) Send(_ context.Context, destination string, purpose Purpose, code string) error {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram destination %q: %w", destination, err)
	}
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Your %s confirmation code: %s\nDo not share it with anyone.", purpose, code))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// LogSender writes codes to the log. Development only.
type LogSender struct {
	log *logrus.Entry
}

func NewLogSender(logger logrus.FieldLogger) *LogSender {
	return &LogSender{log: logging.Component(logger, "otp-sender")}
}

func (l *LogSender) Send(_ context.Context, destination string, purpose Purpose, code string) error {
	l.log.WithFields(logrus.Fields{"destination": destination, "purpose": purpose, "code": code}).Warn("otp code (log sender)")
	return nil
}

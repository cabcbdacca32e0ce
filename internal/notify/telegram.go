package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// TelegramAPI is the slice of telebot the sender uses.
type TelegramAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSender delivers chat-bot messages. A process-wide limiter keeps
// the bot under the Bot API's global send rate.
type TelegramSender struct {
	bot     TelegramAPI
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewTelegramSender creates a send-only bot. No updates are polled.
func NewTelegramSender(token string, ratePerSec float64, logger *zap.Logger) (*TelegramSender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return NewTelegramSenderWithBot(bot, ratePerSec, logger), nil
}

// NewTelegramSenderWithBot builds a sender over an existing bot.
func NewTelegramSenderWithBot(bot TelegramAPI, ratePerSec float64, logger *zap.Logger) *TelegramSender {
	if ratePerSec <= 0 {
		ratePerSec = 25
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	return &TelegramSender{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		logger:  logger,
	}
}

func (s *TelegramSender) Channel() Channel { return ChannelTelegram }

// Send posts the message text to the chat id in destination
func (s *TelegramSender) Send(ctx context.Context, chatID string, msg Message) error {
	if chatID == "" {
		return ErrNoDestination
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate wait: %w", err)
	}

	sent, err := s.bot.Send(&tele.Chat{ID: id}, msg.Text(), &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}

	s.logger.Info("message sent via telegram",
		zap.Int64("chat_id", id),
		zap.Int("message_id", sent.ID),
	)
	return nil
}

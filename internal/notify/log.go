package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSender logs messages instead of delivering them (development only).
type LogSender struct {
	channel Channel
	logger  *zap.Logger
}

// NewLogSender creates a log sender standing in for channel
func NewLogSender(channel Channel, logger *zap.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

func (s *LogSender) Channel() Channel { return s.channel }

func (s *LogSender) Send(ctx context.Context, destination string, msg Message) error {
	s.logger.Info("logging message (development mode)",
		zap.String("channel", s.channel.String()),
		zap.String("destination", destination),
		zap.String("subject", msg.Subject),
		zap.Int("body_len", len(msg.Body)),
	)
	return nil
}

// Package notify delivers messages over e-mail, chat-bot, SMS, mobile push
// and in-app channels, and fans a single event out to the channels a user
// has opted into.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/apperr"
	"github.com/lalithlochan/postflow/internal/metrics"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelInApp    Channel = "in_app"
)

func (c Channel) String() string { return string(c) }

var (
	// ErrNoSender is returned when no sender is registered for a channel.
	ErrNoSender = errors.New("no sender registered for channel")
	// ErrNoDestination means the user has no address on file for a channel.
	ErrNoDestination = errors.New("no destination on file")
	// ErrThrottled means the per-destination send budget is spent.
	ErrThrottled = errors.New("send throttled")
)

// Message is the channel-neutral payload. Subject and HTML are ignored by
// channels that cannot carry them.
type Message struct {
	Subject      string
	Body         string
	HTML         string
	TemplateData map[string]string

	// ObjectID and ObjectType link in-app records to the subject entity.
	ObjectID   *uuid.UUID
	ObjectType string
}

// Text joins subject and body for plain-text channels.
func (m Message) Text() string {
	if m.Subject == "" {
		return m.Body
	}
	return m.Subject + "\n\n" + m.Body
}

// Sender delivers a message to one destination on one channel.
// Destinations are channel specific: e-mail address, chat id, phone
// number, push endpoint or user id.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, destination string, msg Message) error
}

// Router maps each channel to its sender.
type Router struct {
	senders map[Channel]Sender
	logger  *zap.Logger
}

// NewRouter creates a router; later senders for the same channel win.
func NewRouter(logger *zap.Logger, senders ...Sender) *Router {
	r := &Router{
		senders: make(map[Channel]Sender, len(senders)),
		logger:  logger,
	}
	for _, s := range senders {
		r.senders[s.Channel()] = s
	}
	return r
}

// Has reports whether a sender is registered for the channel.
func (r *Router) Has(ch Channel) bool {
	_, ok := r.senders[ch]
	return ok
}

// Channels lists the registered channels in name order.
func (r *Router) Channels() []Channel {
	out := make([]Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send routes the message to the channel's sender. Transport failures are
// returned as apperr Transport errors.
func (r *Router) Send(ctx context.Context, ch Channel, destination string, msg Message) error {
	sender, ok := r.senders[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSender, ch)
	}

	r.logger.Debug("routing message to sender", zap.String("channel", ch.String()))

	start := time.Now()
	err := sender.Send(ctx, destination, msg)
	if err != nil {
		status := "failed"
		if errors.Is(err, ErrThrottled) {
			status = "throttled"
		}
		metrics.RecordNotificationSent(ch.String(), status, time.Since(start))
		return apperr.Wrap(apperr.KindTransport, "send "+ch.String(), err)
	}

	metrics.RecordNotificationSent(ch.String(), "delivered", time.Since(start))
	return nil
}

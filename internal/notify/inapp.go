package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/db"
)

// NotificationStore persists in-app notification records.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
}

// InAppSender writes a Notification row for the user in destination.
type InAppSender struct {
	store  NotificationStore
	logger *zap.Logger
}

// NewInAppSender creates an in-app sender
func NewInAppSender(store NotificationStore, logger *zap.Logger) *InAppSender {
	return &InAppSender{store: store, logger: logger}
}

func (s *InAppSender) Channel() Channel { return ChannelInApp }

// Send records the notification. The description is the subject when set,
// otherwise the body.
func (s *InAppSender) Send(ctx context.Context, userID string, msg Message) error {
	id, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("invalid in-app destination %q: %w", userID, err)
	}

	desc := msg.Subject
	if desc == "" {
		desc = msg.Body
	}
	objectType := msg.ObjectType
	if objectType == "" {
		objectType = "system"
	}

	n := &db.Notification{
		UserID:      id,
		ObjectID:    msg.ObjectID,
		ObjectType:  objectType,
		Description: desc,
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("store in-app notification: %w", err)
	}

	s.logger.Debug("in-app notification recorded",
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", userID),
	)
	return nil
}

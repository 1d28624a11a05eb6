package notify

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilworks/veil/pkg/events"
	"github.com/veilworks/veil/pkg/log"
	"github.com/veilworks/veil/pkg/storage"
	"github.com/veilworks/veil/pkg/types"
)

// retentionWindow bounds how long notifications are kept. Records older
// than this are deleted by the cleanup sweep.
const retentionWindow = 90 * 24 * time.Hour

// Service persists notifications and pushes them to the fan-out. The write
// happens before the publish so a missed push can be recovered by a pull;
// the broker is a leaf dependency and never calls back into this package.
type Service struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
}

// NewService creates a notification service.
func NewService(store storage.Store, broker *events.Broker) *Service {
	return &Service{
		store:  store,
		broker: broker,
		logger: log.WithComponent("notify"),
	}
}

// Notify persists a notification for userID and then publishes it.
func (s *Service) Notify(userID string, typ types.NotificationType, title, message string) (*types.Notification, error) {
	n := &types.Notification{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Type:      typ,
		CreatedAt: time.Now(),
	}

	if err := s.store.CreateNotification(n); err != nil {
		return nil, err
	}

	if s.broker != nil {
		s.broker.PublishToUser(userID, events.NewNotification(n))
	}
	return n, nil
}

// CleanupOld deletes notifications older than the retention window.
func (s *Service) CleanupOld() (int, error) {
	deleted, err := s.store.CleanupOldNotifications(time.Now().Add(-retentionWindow))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Msg("Cleaned up old notifications")
	}
	return deleted, nil
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/publisher/pkg/common/logger"
)

const (
	EventNotificationCreated = "notification.created"

	TypePublicationPartial = "PUBLICATION_PARTIAL"
	TypePublicationFailed  = "PUBLICATION_FAILED"
)

var ErrNotificationNotFound = errors.New("notification not found")

type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	ReadAt    *time.Time             `json:"read_at,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Sender delivers a notification. Callers treat delivery as fire-and-forget.
type Sender interface {
	Create(ctx context.Context, n Notification) error
}

// EventPublisher is satisfied by the shared Kafka producer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType, source, key string, data map[string]interface{}) error
}

// KafkaSender hands notifications to the notification service over the event bus.
type KafkaSender struct {
	publisher EventPublisher
	source    string
}

func NewKafkaSender(publisher EventPublisher, source string) *KafkaSender {
	return &KafkaSender{publisher: publisher, source: source}
}

func (s *KafkaSender) Create(ctx context.Context, n Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("notification requires a user id")
	}
	n = withDefaults(n)
	if err := s.publisher.PublishEvent(ctx, EventNotificationCreated, s.source, n.UserID, encode(n)); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	logger.Log.WithFields(map[string]interface{}{
		"notification_id": n.ID,
		"user_id":         n.UserID,
		"type":            n.Type,
	}).Info("Notification dispatched")
	return nil
}

func withDefaults(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return n
}

func encode(n Notification) map[string]interface{} {
	data := map[string]interface{}{
		"id":         n.ID,
		"user_id":    n.UserID,
		"type":       n.Type,
		"title":      n.Title,
		"message":    n.Message,
		"created_at": n.CreatedAt.Format(time.RFC3339Nano),
	}
	if n.Meta != nil {
		data["meta"] = n.Meta
	}
	return data
}

func decode(data map[string]interface{}) (Notification, error) {
	str := func(key string) string {
		v, _ := data[key].(string)
		return v
	}
	n := Notification{
		ID:      str("id"),
		UserID:  str("user_id"),
		Type:    str("type"),
		Title:   str("title"),
		Message: str("message"),
	}
	if meta, ok := data["meta"].(map[string]interface{}); ok {
		n.Meta = meta
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("created_at")); err == nil {
		n.CreatedAt = ts.UTC()
	}
	if n.ID == "" || n.UserID == "" {
		return Notification{}, fmt.Errorf("notification event missing id or user_id")
	}
	return n, nil
}

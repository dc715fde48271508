package notify

import (
	"context"
	"errors"
	"time"

	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NotificationModel struct {
	ID        string            `gorm:"primaryKey;type:varchar(64);column:id"`
	UserID    string            `gorm:"type:varchar(64);index;column:user_id"`
	Type      string            `gorm:"type:varchar(64);column:type"`
	Title     string            `gorm:"column:title"`
	Message   string            `gorm:"column:message"`
	Meta      datatypes.JSONMap `gorm:"column:meta"`
	ReadAt    *time.Time        `gorm:"column:read_at"`
	CreatedAt time.Time         `gorm:"column:created_at"`
}

func (NotificationModel) TableName() string {
	return "notifications"
}

func (m NotificationModel) toDomain() Notification {
	return Notification{
		ID:        m.ID,
		UserID:    m.UserID,
		Type:      m.Type,
		Title:     m.Title,
		Message:   m.Message,
		Meta:      map[string]interface{}(m.Meta),
		ReadAt:    m.ReadAt,
		CreatedAt: m.CreatedAt,
	}
}

// Repository stores notifications. It also satisfies Sender for deployments
// that run without a Kafka cluster.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&NotificationModel{})
}

// Create is idempotent on the notification id so a redelivered event is harmless.
func (r *Repository) Create(ctx context.Context, n Notification) error {
	n = withDefaults(n)
	row := NotificationModel{
		ID:        n.ID,
		UserID:    n.UserID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Meta:      datatypes.JSONMap(n.Meta),
		CreatedAt: n.CreatedAt,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row).Error
}

func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []NotificationModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *Repository) MarkRead(ctx context.Context, id, userID string) error {
	var row NotificationModel
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotificationNotFound
	}
	if err != nil {
		return err
	}
	if row.ReadAt != nil {
		return nil
	}
	return r.db.WithContext(ctx).Model(&NotificationModel{}).
		Where("id = ?", id).
		Update("read_at", time.Now().UTC()).Error
}

// HandleEvent persists notification.created events from the bus and ignores other types.
func (r *Repository) HandleEvent(ctx context.Context, event models.Event) error {
	if event.Type != EventNotificationCreated {
		return nil
	}
	n, err := decode(event.Data)
	if err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("Dropping malformed notification event")
		return nil
	}
	return r.Create(ctx, n)
}

package permissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Checker answers project membership questions for callers that mutate publications.
type Checker interface {
	CheckProjectAccess(ctx context.Context, projectID, userID string, readOnly bool) error
	CheckProjectPermission(ctx context.Context, projectID, userID string, roles []string) error
}

type ProjectMember struct {
	ProjectID string    `gorm:"primaryKey;type:varchar(64);column:project_id"`
	UserID    string    `gorm:"primaryKey;type:varchar(64);column:user_id"`
	Role      string    `gorm:"type:varchar(16);column:role"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (ProjectMember) TableName() string {
	return "project_members"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&ProjectMember{})
}

func (r *Repository) AddMember(ctx context.Context, projectID, userID, role string) error {
	m := ProjectMember{ProjectID: projectID, UserID: userID, Role: role, CreatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Save(&m).Error
}

func (r *Repository) role(ctx context.Context, projectID, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: anonymous user", ErrForbidden)
	}
	var m ProjectMember
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: user %s is not a member of project %s", ErrForbidden, userID, projectID)
	}
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// CheckProjectAccess allows any member to read; writing excludes viewers.
func (r *Repository) CheckProjectAccess(ctx context.Context, projectID, userID string, readOnly bool) error {
	role, err := r.role(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !readOnly && role == RoleViewer {
		return fmt.Errorf("%w: viewers cannot modify project %s", ErrForbidden, projectID)
	}
	return nil
}

func (r *Repository) CheckProjectPermission(ctx context.Context, projectID, userID string, roles []string) error {
	role, err := r.role(ctx, projectID, userID)
	if err != nil {
		return err
	}
	for _, allowed := range roles {
		if role == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s not permitted", ErrForbidden, role)
}

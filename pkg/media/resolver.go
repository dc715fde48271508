package media

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"
)

var ErrMediaNotFound = errors.New("media file not found")

// MediaFile is the stored upload record. Only the fields the publisher reads are mapped.
type MediaFile struct {
	ID          string    `gorm:"primaryKey;type:varchar(64);column:id"`
	ProjectID   string    `gorm:"type:varchar(64);index;column:project_id"`
	Kind        string    `gorm:"type:varchar(16);column:kind"`
	StoragePath string    `gorm:"column:storage_path"`
	PublicURL   string    `gorm:"column:public_url"`
	MimeType    string    `gorm:"type:varchar(128);column:mime_type"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (MediaFile) TableName() string {
	return "media_files"
}

// File is a media reference ready for the gateway: exactly one of URL or Path is set.
type File struct {
	ID       string
	Kind     string
	URL      string
	Path     string
	MimeType string
}

type Resolver struct {
	db      *gorm.DB
	root    string
	baseURL string
}

func NewResolver(db *gorm.DB, root, publicBaseURL string) *Resolver {
	return &Resolver{db: db, root: root, baseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (r *Resolver) AutoMigrate() error {
	return r.db.AutoMigrate(&MediaFile{})
}

// Resolve returns files in the order of ids. An unknown id fails the whole call.
func (r *Resolver) Resolve(ctx context.Context, ids []string) ([]File, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []MediaFile
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load media: %w", err)
	}
	byID := make(map[string]MediaFile, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	files := make([]File, 0, len(ids))
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, id)
		}
		files = append(files, r.reference(row))
	}
	return files, nil
}

func (r *Resolver) reference(row MediaFile) File {
	f := File{ID: row.ID, Kind: kindOf(row), MimeType: row.MimeType}
	switch {
	case row.PublicURL != "":
		f.URL = row.PublicURL
	case r.baseURL != "":
		f.URL = r.baseURL + "/" + strings.TrimLeft(filepath.ToSlash(row.StoragePath), "/")
	default:
		f.Path = filepath.Join(r.root, filepath.Clean("/"+row.StoragePath))
	}
	return f
}

func kindOf(row MediaFile) string {
	if row.Kind != "" {
		return strings.ToLower(row.Kind)
	}
	switch {
	case strings.HasPrefix(row.MimeType, "video/"):
		return "video"
	case strings.HasPrefix(row.MimeType, "image/"):
		return "image"
	default:
		return "document"
	}
}

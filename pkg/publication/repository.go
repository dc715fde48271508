package publication

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&ProjectModel{},
		&ChannelModel{},
		&PublicationModel{},
		&PublicationMediaModel{},
		&PostModel{},
	)
}

func (r *Repository) GetPublication(ctx context.Context, id string) (*PublicationModel, error) {
	var pub PublicationModel
	result := r.db.WithContext(ctx).First(&pub, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrPublicationNotFound
	}
	return &pub, result.Error
}

func (r *Repository) ListPosts(ctx context.Context, publicationID string) ([]PostModel, error) {
	var posts []PostModel
	result := r.db.WithContext(ctx).
		Where("publication_id = ?", publicationID).
		Order("created_at ASC, id ASC").
		Find(&posts)
	return posts, result.Error
}

func (r *Repository) GetPost(ctx context.Context, id string) (*PostModel, error) {
	var post PostModel
	result := r.db.WithContext(ctx).First(&post, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrPostNotFound
	}
	return &post, result.Error
}

func (r *Repository) GetChannel(ctx context.Context, id string) (*ChannelModel, error) {
	var ch ChannelModel
	result := r.db.WithContext(ctx).First(&ch, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrChannelNotFound
	}
	return &ch, result.Error
}

func (r *Repository) ChannelsByID(ctx context.Context, ids []string) (map[string]ChannelModel, error) {
	out := make(map[string]ChannelModel, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []ChannelModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

// GetProject returns nil without error when the project row is absent.
func (r *Repository) GetProject(ctx context.Context, id string) (*ProjectModel, error) {
	var p ProjectModel
	result := r.db.WithContext(ctx).First(&p, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &p, result.Error
}

func (r *Repository) MediaIDs(ctx context.Context, publicationID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&PublicationMediaModel{}).
		Where("publication_id = ?", publicationID).
		Order("position ASC").
		Pluck("media_id", &ids).Error
	return ids, err
}

// TryLock claims the publication for processing. It is a single conditional
// update; the affected row count is the lock result.
func (r *Repository) TryLock(ctx context.Context, id string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&PublicationModel{}).
		Where("id = ? AND status <> ?", id, StatusProcessing).
		Updates(map[string]interface{}{
			"status":                StatusProcessing,
			"processing_started_at": now,
			"updated_at":            now,
		})
	return result.RowsAffected == 1, result.Error
}

// TransitionStatus moves a publication from one status to another and reports
// whether the row was still in the expected state.
func (r *Repository) TransitionStatus(ctx context.Context, id, from, to string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&PublicationModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":                to,
			"processing_started_at": nil,
			"updated_at":            now,
		})
	return result.RowsAffected == 1, result.Error
}

// Finalize writes the aggregate result only if the publication is still in
// the observed state, so concurrent aggregations append at most one attempt.
func (r *Repository) Finalize(ctx context.Context, observed *PublicationModel, status string, meta PublicationMeta, now time.Time) (bool, error) {
	q := r.db.WithContext(ctx).Model(&PublicationModel{}).
		Where("id = ? AND status = ?", observed.ID, observed.Status)
	if observed.ProcessingStartedAt == nil {
		q = q.Where("processing_started_at IS NULL")
	} else {
		q = q.Where("processing_started_at = ?", *observed.ProcessingStartedAt)
	}
	result := q.Updates(map[string]interface{}{
		"status":                status,
		"processing_started_at": nil,
		"meta":                  datatypes.NewJSONType(meta),
		"updated_at":            now,
	})
	return result.RowsAffected == 1, result.Error
}

func (r *Repository) UpdatePost(ctx context.Context, id string, updates map[string]interface{}) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Model(&PostModel{}).Where("id = ?", id).Updates(updates).Error
}

// RecordPostResult settles a PENDING post and appends one attempt to its log.
// It reports false when the post was no longer PENDING and nothing was written.
func (r *Repository) RecordPostResult(ctx context.Context, post *PostModel, updates map[string]interface{}, attempt PostAttempt) (bool, error) {
	meta := post.Meta.Data()
	meta.Attempts = append(meta.Attempts, attempt)
	updates["meta"] = datatypes.NewJSONType(meta)
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	result := r.db.WithContext(ctx).Model(&PostModel{}).
		Where("id = ? AND status = ?", post.ID, PostPending).
		Updates(updates)
	return result.RowsAffected == 1, result.Error
}

// ResetPosts returns posts to PENDING ahead of a forced run so the aggregator
// cannot resolve the publication while siblings still await preparation.
func (r *Repository) ResetPosts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&PostModel{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":        PostPending,
			"error_message": "",
			"updated_at":    time.Now().UTC(),
		}).Error
}

// FailPost marks a post failed without recording a gateway attempt.
func (r *Repository) FailPost(ctx context.Context, id, message string) error {
	return r.UpdatePost(ctx, id, map[string]interface{}{
		"status":        PostFailed,
		"error_message": message,
	})
}

// RefreshEffectiveAt sets effectiveAt to the newest publish time among the
// publication's published posts.
func (r *Repository) RefreshEffectiveAt(ctx context.Context, publicationID string) error {
	var latest PostModel
	err := r.db.WithContext(ctx).
		Where("publication_id = ? AND status = ? AND published_at IS NOT NULL", publicationID, PostPublished).
		Order("published_at DESC").
		Limit(1).
		Find(&latest).Error
	if err != nil {
		return err
	}
	if latest.PublishedAt == nil {
		return nil
	}
	return r.db.WithContext(ctx).Model(&PublicationModel{}).
		Where("id = ?", publicationID).
		Update("effective_at", *latest.PublishedAt).Error
}

func (r *Repository) DueScheduled(ctx context.Context, now time.Time) ([]PublicationModel, error) {
	var pubs []PublicationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", StatusScheduled, now).
		Order("scheduled_at ASC").
		Find(&pubs).Error
	return pubs, err
}

// StaleProcessing lists publications whose claim is older than the cutoff.
func (r *Repository) StaleProcessing(ctx context.Context, cutoff time.Time) ([]PublicationModel, error) {
	var pubs []PublicationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND processing_started_at < ?", StatusProcessing, cutoff).
		Find(&pubs).Error
	return pubs, err
}

package publication

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusDraft      = "DRAFT"
	StatusReady      = "READY"
	StatusScheduled  = "SCHEDULED"
	StatusProcessing = "PROCESSING"
	StatusPublished  = "PUBLISHED"
	StatusPartial    = "PARTIAL"
	StatusFailed     = "FAILED"
	StatusExpired    = "EXPIRED"
)

const (
	PostPending   = "PENDING"
	PostPublished = "PUBLISHED"
	PostFailed    = "FAILED"
)

// Post error markers with pipeline meaning.
const (
	ErrorExpired          = "EXPIRED"
	ErrorAbortedShutdown  = "Aborted due to shutdown"
	ErrorInternal         = "INTERNAL_ERROR"
	preparationFailedText = "Preparation failed: "
)

type ProjectModel struct {
	ID         string     `gorm:"primaryKey;type:varchar(64);column:id"`
	Name       string     `gorm:"column:name"`
	ArchivedAt *time.Time `gorm:"column:archived_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
}

func (ProjectModel) TableName() string {
	return "projects"
}

type ChannelModel struct {
	ID                string         `gorm:"primaryKey;type:varchar(64);column:id"`
	ProjectID         string         `gorm:"type:varchar(64);index;column:project_id"`
	Name              string         `gorm:"column:name"`
	SocialMedia       string         `gorm:"type:varchar(32);column:social_media"`
	ChannelIdentifier string         `gorm:"column:channel_identifier"`
	Credentials       datatypes.JSON `gorm:"column:credentials"`
	Footer            string         `gorm:"column:footer"`
	IsActive          bool           `gorm:"column:is_active"`
	ArchivedAt        *time.Time     `gorm:"column:archived_at"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
}

func (ChannelModel) TableName() string {
	return "channels"
}

// PublicationAttempt summarises one resolved run.
type PublicationAttempt struct {
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
	SuccessCount int       `json:"successCount"`
	TotalCount   int       `json:"totalCount"`
}

// PublicationMeta is append-only: Attempts grows by one per resolved run and
// LastResult mirrors the newest entry.
type PublicationMeta struct {
	Attempts   []PublicationAttempt `json:"attempts"`
	LastResult *PublicationAttempt  `json:"lastResult,omitempty"`
}

type PublicationModel struct {
	ID                  string                              `gorm:"primaryKey;type:varchar(64);column:id"`
	ProjectID           string                              `gorm:"type:varchar(64);index;column:project_id"`
	Title               string                              `gorm:"column:title"`
	Content             string                              `gorm:"column:content"`
	AuthorSignature     string                              `gorm:"column:author_signature"`
	Status              string                              `gorm:"type:varchar(16);index;column:status"`
	ScheduledAt         *time.Time                          `gorm:"index;column:scheduled_at"`
	ProcessingStartedAt *time.Time                          `gorm:"column:processing_started_at"`
	EffectiveAt         *time.Time                          `gorm:"index;column:effective_at"`
	Meta                datatypes.JSONType[PublicationMeta] `gorm:"column:meta"`
	CreatedBy           string                              `gorm:"type:varchar(64);column:created_by"`
	CreatedAt           time.Time                           `gorm:"column:created_at"`
	UpdatedAt           time.Time                           `gorm:"column:updated_at"`
}

func (PublicationModel) TableName() string {
	return "publications"
}

type PublicationMediaModel struct {
	PublicationID string `gorm:"primaryKey;type:varchar(64);column:publication_id"`
	MediaID       string `gorm:"primaryKey;type:varchar(64);column:media_id"`
	Position      int    `gorm:"column:position"`
}

func (PublicationMediaModel) TableName() string {
	return "publication_media"
}

// AttemptResponse is the stored summary of one gateway call.
type AttemptResponse struct {
	URL         string `json:"url,omitempty"`
	PlatformID  string `json:"platformPostId,omitempty"`
	PublishedAt string `json:"publishedAt,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
	StatusCode  int    `json:"statusCode,omitempty"`
}

type PostAttempt struct {
	Timestamp time.Time       `json:"timestamp"`
	Success   bool            `json:"success"`
	Response  AttemptResponse `json:"response"`
}

type PostMeta struct {
	Attempts []PostAttempt `json:"attempts"`
}

type PostModel struct {
	ID              string                       `gorm:"primaryKey;type:varchar(64);column:id"`
	PublicationID   string                       `gorm:"type:varchar(64);index;column:publication_id"`
	ChannelID       string                       `gorm:"type:varchar(64);index;column:channel_id"`
	Status          string                       `gorm:"type:varchar(16);index;column:status"`
	Content         string                       `gorm:"column:content"`
	ScheduledAt     *time.Time                   `gorm:"column:scheduled_at"`
	PublishedAt     *time.Time                   `gorm:"column:published_at"`
	ErrorMessage    string                       `gorm:"column:error_message"`
	PreparedPayload datatypes.JSON               `gorm:"column:prepared_payload"`
	Meta            datatypes.JSONType[PostMeta] `gorm:"column:meta"`
	CreatedAt       time.Time                    `gorm:"column:created_at"`
	UpdatedAt       time.Time                    `gorm:"column:updated_at"`
}

func (PostModel) TableName() string {
	return "posts"
}

// DueAt is the post schedule, falling back to the publication's.
func (p PostModel) DueAt(pub *PublicationModel) *time.Time {
	if p.ScheduledAt != nil {
		return p.ScheduledAt
	}
	if pub != nil {
		return pub.ScheduledAt
	}
	return nil
}

func (p PostModel) Terminal() bool {
	return p.Status == PostPublished || p.Status == PostFailed
}

func (p PostModel) Expired() bool {
	return p.Status == PostFailed && p.ErrorMessage == ErrorExpired
}

// PostView and PublicationView are the API representations.
type PostView struct {
	ID           string        `json:"id"`
	ChannelID    string        `json:"channelId"`
	Status       string        `json:"status"`
	ScheduledAt  *time.Time    `json:"scheduledAt,omitempty"`
	PublishedAt  *time.Time    `json:"publishedAt,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Attempts     []PostAttempt `json:"attempts"`
}

type PublicationView struct {
	ID                  string              `json:"id"`
	ProjectID           string              `json:"projectId"`
	Title               string              `json:"title"`
	Status              string              `json:"status"`
	ScheduledAt         *time.Time          `json:"scheduledAt,omitempty"`
	ProcessingStartedAt *time.Time          `json:"processingStartedAt,omitempty"`
	EffectiveAt         *time.Time          `json:"effectiveAt,omitempty"`
	LastResult          *PublicationAttempt `json:"lastResult,omitempty"`
	Posts               []PostView          `json:"posts"`
}

func toView(pub *PublicationModel, posts []PostModel) PublicationView {
	view := PublicationView{
		ID:                  pub.ID,
		ProjectID:           pub.ProjectID,
		Title:               pub.Title,
		Status:              pub.Status,
		ScheduledAt:         pub.ScheduledAt,
		ProcessingStartedAt: pub.ProcessingStartedAt,
		EffectiveAt:         pub.EffectiveAt,
		LastResult:          pub.Meta.Data().LastResult,
		Posts:               make([]PostView, 0, len(posts)),
	}
	for _, p := range posts {
		view.Posts = append(view.Posts, PostView{
			ID:           p.ID,
			ChannelID:    p.ChannelID,
			Status:       p.Status,
			ScheduledAt:  p.ScheduledAt,
			PublishedAt:  p.PublishedAt,
			ErrorMessage: p.ErrorMessage,
			Attempts:     p.Meta.Data().Attempts,
		})
	}
	return view
}

package publication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/publisher/pkg/channel"
	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/formatter"
	"github.com/synaptica-ai/publisher/pkg/gateway"
	"github.com/synaptica-ai/publisher/pkg/media"
	"github.com/synaptica-ai/publisher/pkg/observability/metrics"
	"gorm.io/datatypes"
)

type MediaResolver interface {
	Resolve(ctx context.Context, ids []string) ([]media.File, error)
}

// PostOutcome is the settled result of one post execution.
type PostOutcome struct {
	PostID        string
	PublicationID string
	Platform      string
	Status        string
	Error         string
	Skipped       bool
}

// Engine runs the two phases of a single post: prepare builds and stores the
// gateway request, execute sends it.
type Engine struct {
	repo      *Repository
	validator *channel.Validator
	media     MediaResolver
	gateway   gateway.Publisher
	now       func() time.Time
}

func NewEngine(repo *Repository, validator *channel.Validator, resolver MediaResolver, publisher gateway.Publisher) *Engine {
	return &Engine{
		repo:      repo,
		validator: validator,
		media:     resolver,
		gateway:   publisher,
		now:       utcNow,
	}
}

func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

type postBundle struct {
	post        *PostModel
	publication *PublicationModel
	channel     *ChannelModel
	snapshot    channel.Snapshot
}

func (e *Engine) load(ctx context.Context, postID string) (*postBundle, error) {
	post, err := e.repo.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	pub, err := e.repo.GetPublication(ctx, post.PublicationID)
	if err != nil {
		return nil, err
	}
	ch, err := e.repo.GetChannel(ctx, post.ChannelID)
	if err != nil {
		return &postBundle{post: post, publication: pub}, err
	}
	project, err := e.repo.GetProject(ctx, ch.ProjectID)
	if err != nil {
		return nil, err
	}

	snap := channel.Snapshot{
		ID:          ch.ID,
		Name:        ch.Name,
		SocialMedia: ch.SocialMedia,
		Identifier:  ch.ChannelIdentifier,
		IsActive:    ch.IsActive,
		ArchivedAt:  ch.ArchivedAt,
		Credentials: []byte(ch.Credentials),
		Footer:      ch.Footer,
	}
	if project != nil {
		snap.ProjectArchivedAt = project.ArchivedAt
	}
	return &postBundle{post: post, publication: pub, channel: ch, snapshot: snap}, nil
}

// buildRequest validates the channel and formats the request without touching state.
func (e *Engine) buildRequest(ctx context.Context, b *postBundle, ignoreState bool) (gateway.Request, error) {
	if res := e.validator.Validate(b.snapshot, ignoreState); !res.Valid {
		return gateway.Request{}, res.Err()
	}
	params, err := e.validator.ResolveParams(b.snapshot)
	if err != nil {
		return gateway.Request{}, err
	}
	mediaIDs, err := e.repo.MediaIDs(ctx, b.publication.ID)
	if err != nil {
		return gateway.Request{}, fmt.Errorf("failed to load publication media: %w", err)
	}
	files, err := e.media.Resolve(ctx, mediaIDs)
	if err != nil {
		return gateway.Request{}, err
	}

	content := b.publication.Content
	if strings.TrimSpace(b.post.Content) != "" {
		content = b.post.Content
	}
	return formatter.Build(formatter.Input{
		Content:         content,
		AuthorSignature: b.publication.AuthorSignature,
		Footer:          b.snapshot.Footer,
		Params:          params,
		Media:           files,
		MaxMedia:        e.validator.MaxMedia(b.snapshot.SocialMedia),
		ScheduledAt:     b.post.DueAt(b.publication),
		Now:             e.now(),
	})
}

// PreparePostPayload stores the gateway request for the post and resets it to
// PENDING. Any failure marks the post FAILED and is returned so the caller
// does not submit a job for it.
func (e *Engine) PreparePostPayload(ctx context.Context, postID string, force bool) (*gateway.Request, error) {
	log := logger.WithFields(logrus.Fields{"post_id": postID, "force": force})

	b, err := e.load(ctx, postID)
	if errors.Is(err, ErrPostNotFound) || errors.Is(err, ErrPublicationNotFound) {
		return nil, err
	}
	var req gateway.Request
	if err == nil {
		req, err = e.buildRequest(ctx, b, force)
	}
	var payload []byte
	if err == nil {
		payload, err = json.Marshal(req)
	}
	if err != nil {
		log.WithError(err).Warn("Post preparation failed")
		if markErr := e.repo.FailPost(ctx, postID, preparationFailedText+err.Error()); markErr != nil {
			log.WithError(markErr).Error("Failed to mark post as failed")
		}
		return nil, fmt.Errorf("prepare post %s: %w", postID, err)
	}

	if err := e.repo.UpdatePost(ctx, postID, map[string]interface{}{
		"status":           PostPending,
		"prepared_payload": datatypes.JSON(payload),
		"error_message":    "",
	}); err != nil {
		return nil, fmt.Errorf("failed to store prepared payload: %w", err)
	}
	log.WithField("platform", req.Platform).Debug("Post prepared")
	return &req, nil
}

// ExecutePreparedPost sends the stored payload. Gateway rejections and
// transport failures settle the post as FAILED and are not returned as errors;
// an error means the post could not be attempted at all.
func (e *Engine) ExecutePreparedPost(ctx context.Context, postID string) (*PostOutcome, error) {
	post, err := e.repo.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	outcome := &PostOutcome{PostID: post.ID, PublicationID: post.PublicationID}
	if post.Status != PostPending {
		// Settled by an earlier delivery of the same job.
		outcome.Status = post.Status
		outcome.Skipped = true
		return outcome, nil
	}
	if len(post.PreparedPayload) == 0 || string(post.PreparedPayload) == "null" {
		return outcome, ErrPayloadNotPrepared
	}
	var req gateway.Request
	if err := json.Unmarshal(post.PreparedPayload, &req); err != nil {
		return outcome, fmt.Errorf("%w: %v", ErrPayloadNotPrepared, err)
	}
	outcome.Platform = req.Platform

	log := logger.WithFields(logrus.Fields{
		"post_id":        post.ID,
		"publication_id": post.PublicationID,
		"platform":       req.Platform,
	})

	resp, callErr := e.gateway.Post(ctx, req)
	now := e.now()
	var recorded bool

	switch {
	case callErr != nil:
		log.WithError(callErr).Error("Gateway call failed")
		outcome.Status = PostFailed
		outcome.Error = ErrorInternal + ": " + callErr.Error()
		recorded, err = e.repo.RecordPostResult(ctx, post, map[string]interface{}{
			"status":        PostFailed,
			"error_message": outcome.Error,
		}, PostAttempt{Timestamp: now, Response: AttemptResponse{Code: ErrorInternal, Error: callErr.Error()}})

	case resp.Success:
		publishedAt := parsePublishedAt(resp.Data, now)
		outcome.Status = PostPublished
		attempt := PostAttempt{Timestamp: now, Success: true}
		if resp.Data != nil {
			attempt.Response = AttemptResponse{URL: resp.Data.URL, PlatformID: resp.Data.PostID, PublishedAt: resp.Data.PublishedAt}
		}
		recorded, err = e.repo.RecordPostResult(ctx, post, map[string]interface{}{
			"status":        PostPublished,
			"published_at":  publishedAt,
			"error_message": "",
		}, attempt)
		if err == nil && recorded {
			err = e.repo.RefreshEffectiveAt(ctx, post.PublicationID)
		}
		log.Info("Post published")

	default:
		outcome.Status = PostFailed
		outcome.Error = resp.Error.Text()
		attempt := PostAttempt{Timestamp: now, Response: AttemptResponse{Error: outcome.Error, StatusCode: resp.StatusCode}}
		if resp.Error != nil {
			attempt.Response.Code = resp.Error.Code
		}
		recorded, err = e.repo.RecordPostResult(ctx, post, map[string]interface{}{
			"status":        PostFailed,
			"error_message": outcome.Error,
		}, attempt)
		log.WithField("reason", outcome.Error).Warn("Platform rejected post")
	}

	metrics.PostOutcomes.WithLabelValues(outcome.Platform, strings.ToLower(outcome.Status)).Inc()
	if err != nil {
		return outcome, fmt.Errorf("failed to record post result: %w", err)
	}
	if !recorded {
		log.WithField("status", outcome.Status).Warn("Post settled concurrently, result discarded")
		outcome.Skipped = true
	}
	return outcome, nil
}

// Preview renders the post through the gateway without changing any state.
func (e *Engine) Preview(ctx context.Context, postID string) (*gateway.Response, error) {
	b, err := e.load(ctx, postID)
	if err != nil {
		return nil, err
	}
	req, err := e.buildRequest(ctx, b, true)
	if err != nil {
		return nil, ValidationError{reason: err}
	}
	return e.gateway.Preview(ctx, req)
}

func parsePublishedAt(data *gateway.ResultData, fallback time.Time) time.Time {
	if data == nil || data.PublishedAt == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, data.PublishedAt); err == nil {
		return t.UTC()
	}
	return fallback
}

package publication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/notify"
	"github.com/synaptica-ai/publisher/pkg/observability/metrics"
)

const notifyTimeout = 10 * time.Second

type AggregateResult struct {
	PublicationID string `json:"publicationId"`
	Status        string `json:"status"`
	SuccessCount  int    `json:"successCount"`
	TotalCount    int    `json:"totalCount"`
	Pending       bool   `json:"pending"`
	Changed       bool   `json:"changed"`
}

// AggregateStatus derives the publication status from its post counts.
func AggregateStatus(successCount, total int) string {
	switch {
	case total > 0 && successCount == total:
		return StatusPublished
	case successCount > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

type Aggregator struct {
	repo     *Repository
	notifier notify.Sender
	now      func() time.Time
}

func NewAggregator(repo *Repository, notifier notify.Sender) *Aggregator {
	return &Aggregator{repo: repo, notifier: notifier, now: utcNow}
}

// CheckAndUpdatePublicationStatus resolves the publication once every post is
// terminal. It is safe to call after each post settles: a publication that is
// already resolved, or still has pending posts, is left untouched. The
// returned error only reports storage failures.
func (a *Aggregator) CheckAndUpdatePublicationStatus(ctx context.Context, publicationID string) (*AggregateResult, error) {
	pub, err := a.repo.GetPublication(ctx, publicationID)
	if err != nil {
		return nil, err
	}
	posts, err := a.repo.ListPosts(ctx, publicationID)
	if err != nil {
		return nil, err
	}

	res := &AggregateResult{PublicationID: pub.ID, Status: pub.Status, TotalCount: len(posts)}
	expired := 0
	for _, p := range posts {
		if !p.Terminal() {
			res.Pending = true
			return res, nil
		}
		if p.Status == PostPublished {
			res.SuccessCount++
		}
		if p.Expired() {
			expired++
		}
	}

	final := AggregateStatus(res.SuccessCount, res.TotalCount)
	// Missing the window on every channel is not a delivery failure.
	if res.TotalCount > 0 && expired == res.TotalCount {
		final = StatusExpired
	}
	if pub.Status == final && pub.ProcessingStartedAt == nil {
		return res, nil
	}

	now := a.now()
	attempt := PublicationAttempt{
		Timestamp:    now,
		Status:       final,
		SuccessCount: res.SuccessCount,
		TotalCount:   res.TotalCount,
	}
	meta := pub.Meta.Data()
	meta.Attempts = append(meta.Attempts, attempt)
	last := attempt
	meta.LastResult = &last

	changed, err := a.repo.Finalize(ctx, pub, final, meta, now)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize publication: %w", err)
	}
	if !changed {
		// A concurrent aggregation or a new claim got there first.
		return res, nil
	}

	res.Status = final
	res.Changed = true
	metrics.PublicationsFinalized.WithLabelValues(final).Inc()
	logger.WithFields(logrus.Fields{
		"publication_id": pub.ID,
		"status":         final,
		"success_count":  res.SuccessCount,
		"total_count":    res.TotalCount,
	}).Info("Publication resolved")

	if (final == StatusPartial || final == StatusFailed) && pub.CreatedBy != "" && a.notifier != nil {
		a.notify(ctx, pub, posts, final, res)
	}
	return res, nil
}

func (a *Aggregator) notify(ctx context.Context, pub *PublicationModel, posts []PostModel, status string, res *AggregateResult) {
	log := logger.WithFields(logrus.Fields{"publication_id": pub.ID, "user_id": pub.CreatedBy})

	ids := make([]string, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.ChannelID)
	}
	channels, err := a.repo.ChannelsByID(ctx, ids)
	if err != nil {
		log.WithError(err).Warn("Failed to load channels for notification")
		channels = map[string]ChannelModel{}
	}

	var failedNames []string
	var failed, succeeded []map[string]interface{}
	for _, p := range posts {
		ch := channels[p.ChannelID]
		entry := map[string]interface{}{
			"postId":      p.ID,
			"channelId":   p.ChannelID,
			"channelName": ch.Name,
			"platform":    ch.SocialMedia,
		}
		if p.Status == PostPublished {
			succeeded = append(succeeded, entry)
			continue
		}
		entry["error"] = p.ErrorMessage
		failed = append(failed, entry)
		failedNames = append(failedNames, fmt.Sprintf("%s (%s)", displayName(ch, p.ChannelID), ch.SocialMedia))
	}

	if len(failedNames) == 0 {
		failedNames = []string{"no channels"}
	}
	n := notify.Notification{
		UserID: pub.CreatedBy,
		Type:   notify.TypePublicationFailed,
		Title:  "Publication failed",
		Message: fmt.Sprintf("%q: %d of %d posts published. Failed: %s",
			pub.Title, res.SuccessCount, res.TotalCount, strings.Join(failedNames, ", ")),
		Meta: map[string]interface{}{
			"publicationId": pub.ID,
			"status":        status,
			"successCount":  res.SuccessCount,
			"totalCount":    res.TotalCount,
			"failed":        failed,
			"succeeded":     succeeded,
		},
	}
	if status == StatusPartial {
		n.Type = notify.TypePublicationPartial
		n.Title = "Publication partially published"
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := a.notifier.Create(sendCtx, n); err != nil {
		log.WithError(err).Warn("Failed to send publication notification")
	}
}

func displayName(ch ChannelModel, fallback string) string {
	if ch.Name != "" {
		return ch.Name
	}
	return fallback
}

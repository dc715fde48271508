package publication

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/gateway/httpclient"
	"github.com/synaptica-ai/publisher/pkg/queue"
)

// permanent stops the queue from redelivering a job whose outcome is settled.
func permanent(err error) error {
	return httpclient.Permanent(err)
}

// HandleJob is the queue handler for publish-post jobs. It always runs the
// aggregator once the post has settled.
func (c *Coordinator) HandleJob(ctx context.Context, job *queue.Job) error {
	var data PostJob
	if err := job.Decode(&data); err != nil || data.PostID == "" {
		return permanent(fmt.Errorf("invalid publish-post job %s: %v", job.ID, err))
	}
	log := logger.WithFields(logrus.Fields{"job_id": job.ID, "post_id": data.PostID})

	outcome, err := c.engine.ExecutePreparedPost(ctx, data.PostID)
	switch {
	case err == nil:
	case errors.Is(err, ErrPostNotFound):
		return permanent(err)
	default:
		log.WithError(err).Error("Post execution failed")
		message := ErrorInternal + ": " + err.Error()
		if errors.Is(err, ErrPayloadNotPrepared) {
			message = err.Error()
		}
		if markErr := c.repo.FailPost(ctx, data.PostID, message); markErr != nil {
			log.WithError(markErr).Error("Failed to mark post as failed")
		}
		if outcome != nil {
			c.reconcile(ctx, outcome.PublicationID)
		}
		return permanent(err)
	}

	c.reconcile(ctx, outcome.PublicationID)
	return nil
}

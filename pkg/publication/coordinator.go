package publication

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/observability/metrics"
	"github.com/synaptica-ai/publisher/pkg/queue"
)

const JobPublishPost = "publish-post"

// PostJob is the payload of a publish-post job.
type PostJob struct {
	PostID string `json:"postId"`
	Force  bool   `json:"force,omitempty"`
}

func jobID(postID string, at time.Time) string {
	return fmt.Sprintf("post-%s-%d", postID, at.UnixMilli())
}

type JobQueue interface {
	Add(ctx context.Context, name string, data interface{}, opts queue.JobOptions) (*queue.Job, error)
}

type Options struct {
	SkipLock bool `json:"skipLock"`
	Force    bool `json:"force"`
}

type EnqueueResult struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Submitted int      `json:"submitted"`
	Failed    int      `json:"failed"`
	Aborted   int      `json:"aborted"`
	JobIDs    []string `json:"jobIds,omitempty"`
}

// postRun is the per-post result of one fan-out.
type postRun struct {
	postID  string
	jobID   string
	err     error
	aborted bool
}

type Coordinator struct {
	repo       *Repository
	engine     *Engine
	aggregator *Aggregator
	queue      JobQueue
	jobOpts    queue.JobOptions
	draining   atomic.Bool
	now        func() time.Time
}

// NewCoordinator takes the queue retry policy in jobOpts; the job id is set per post.
func NewCoordinator(repo *Repository, engine *Engine, aggregator *Aggregator, q JobQueue, jobOpts queue.JobOptions) *Coordinator {
	jobOpts.RemoveOnComplete = true
	jobOpts.RemoveOnFail = false
	return &Coordinator{
		repo:       repo,
		engine:     engine,
		aggregator: aggregator,
		queue:      q,
		jobOpts:    jobOpts,
		now:        utcNow,
	}
}

// Drain makes every subsequent fan-out abort its remaining posts.
func (c *Coordinator) Drain() {
	c.draining.Store(true)
}

func (c *Coordinator) Draining() bool {
	return c.draining.Load()
}

// EnqueuePublication claims the publication and submits one job per eligible
// post. Lock contention is reported as Success=false with a nil error; only
// a missing publication, a publication without content, or a storage failure
// return an error.
func (c *Coordinator) EnqueuePublication(ctx context.Context, id string, opts Options) (*EnqueueResult, error) {
	log := logger.WithFields(logrus.Fields{"publication_id": id, "force": opts.Force})

	pub, err := c.repo.GetPublication(ctx, id)
	if err != nil {
		return nil, err
	}
	posts, err := c.repo.ListPosts(ctx, id)
	if err != nil {
		return nil, err
	}
	mediaIDs, err := c.repo.MediaIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	if !hasContent(pub, posts, mediaIDs) {
		return nil, ValidationError{reason: ErrContentRequired}
	}

	if !opts.SkipLock {
		locked, err := c.repo.TryLock(ctx, id, c.now())
		if err != nil {
			metrics.EnqueueTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to lock publication: %w", err)
		}
		if !locked {
			metrics.EnqueueTotal.WithLabelValues("locked").Inc()
			log.Info("Publication already processing")
			return &EnqueueResult{Success: false, Message: "Publication is already processing"}, nil
		}
	}

	// Re-read after the claim so eligibility reflects the locked state.
	posts, err = c.repo.ListPosts(ctx, id)
	if err != nil {
		return nil, err
	}
	eligible := make([]PostModel, 0, len(posts))
	for _, p := range posts {
		if opts.Force || p.Status == PostPending {
			eligible = append(eligible, p)
		}
	}

	if len(eligible) == 0 {
		metrics.EnqueueTotal.WithLabelValues("nothing_eligible").Inc()
		c.reconcile(ctx, id)
		return &EnqueueResult{Success: true, Message: "No eligible posts"}, nil
	}

	if opts.Force {
		ids := make([]string, 0, len(eligible))
		for _, p := range eligible {
			ids = append(ids, p.ID)
		}
		if err := c.repo.ResetPosts(ctx, ids); err != nil {
			c.reconcile(ctx, id)
			return nil, fmt.Errorf("failed to reset posts: %w", err)
		}
	}

	runs := make([]postRun, 0, len(eligible))
	for _, p := range eligible {
		if c.Draining() {
			runs = append(runs, c.abort(ctx, p.ID))
			continue
		}
		runs = append(runs, c.submit(ctx, p.ID, opts.Force))
	}

	res := c.merge(runs)
	// Jobs may already have settled while later posts were still PENDING, so
	// the aggregator runs once more after every post has been handled.
	c.reconcile(ctx, id)
	metrics.EnqueueTotal.WithLabelValues("claimed").Inc()
	log.WithFields(logrus.Fields{
		"submitted": res.Submitted,
		"failed":    res.Failed,
		"aborted":   res.Aborted,
	}).Info("Publication fanned out")
	return res, nil
}

// EnqueuePost submits a single post, typically a manual retry. The parent is
// re-marked PROCESSING when it is not already.
func (c *Coordinator) EnqueuePost(ctx context.Context, postID string, force bool) (*EnqueueResult, error) {
	post, err := c.repo.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if c.Draining() {
		return &EnqueueResult{Success: false, Message: "Service is shutting down"}, nil
	}
	if !force {
		if post.Status == PostPublished {
			return &EnqueueResult{Success: false, Message: "Post is already published"}, nil
		}
		if post.Expired() {
			return &EnqueueResult{Success: false, Message: "Post has expired"}, nil
		}
	}

	if err := c.repo.ResetPosts(ctx, []string{post.ID}); err != nil {
		return nil, fmt.Errorf("failed to reset post: %w", err)
	}
	if _, err := c.repo.TryLock(ctx, post.PublicationID, c.now()); err != nil {
		logger.WithField("publication_id", post.PublicationID).WithError(err).Warn("Failed to mark publication processing")
	}

	run := c.submit(ctx, post.ID, force)
	res := c.merge([]postRun{run})
	c.reconcile(ctx, post.PublicationID)
	if res.Submitted == 0 {
		res.Success = false
		res.Message = run.err.Error()
	}
	return res, nil
}

// submit prepares one post and queues its job. A prepared post whose job
// cannot be queued is failed here so it never stays PENDING without a job.
func (c *Coordinator) submit(ctx context.Context, postID string, force bool) postRun {
	run := postRun{postID: postID}
	if _, err := c.engine.PreparePostPayload(ctx, postID, force); err != nil {
		run.err = err
		return run
	}

	opts := c.jobOpts
	opts.JobID = jobID(postID, c.now())
	if _, err := c.queue.Add(ctx, JobPublishPost, PostJob{PostID: postID, Force: force}, opts); err != nil {
		run.err = fmt.Errorf("failed to queue post %s: %w", postID, err)
		if markErr := c.repo.FailPost(ctx, postID, "Failed to queue: "+err.Error()); markErr != nil {
			logger.WithField("post_id", postID).WithError(markErr).Error("Failed to mark post as failed")
		}
		return run
	}
	run.jobID = opts.JobID
	return run
}

// abort settles a post skipped by a draining fan-out.
func (c *Coordinator) abort(ctx context.Context, postID string) postRun {
	if err := c.repo.FailPost(ctx, postID, ErrorAbortedShutdown); err != nil {
		logger.WithField("post_id", postID).WithError(err).Error("Failed to abort post")
	}
	return postRun{postID: postID, aborted: true}
}

func (c *Coordinator) merge(runs []postRun) *EnqueueResult {
	res := &EnqueueResult{Success: true}
	var problems []string
	for _, run := range runs {
		switch {
		case run.aborted:
			res.Aborted++
		case run.err != nil:
			res.Failed++
			problems = append(problems, run.err.Error())
			logger.WithField("post_id", run.postID).WithError(run.err).Warn("Post not submitted")
		default:
			res.Submitted++
			res.JobIDs = append(res.JobIDs, run.jobID)
		}
	}
	res.Message = fmt.Sprintf("%d of %d posts queued", res.Submitted, len(runs))
	if len(problems) > 0 {
		res.Message += "; " + strings.Join(problems, "; ")
	}
	return res
}

func (c *Coordinator) reconcile(ctx context.Context, publicationID string) {
	if _, err := c.aggregator.CheckAndUpdatePublicationStatus(ctx, publicationID); err != nil {
		logger.WithField("publication_id", publicationID).WithError(err).Error("Status aggregation failed")
	}
}

func hasContent(pub *PublicationModel, posts []PostModel, mediaIDs []string) bool {
	if strings.TrimSpace(pub.Content) != "" || len(mediaIDs) > 0 {
		return true
	}
	for _, p := range posts {
		if strings.TrimSpace(p.Content) != "" {
			return true
		}
	}
	return false
}

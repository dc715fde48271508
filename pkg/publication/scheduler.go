package publication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/observability/metrics"
)

type Enqueuer interface {
	EnqueuePublication(ctx context.Context, id string, opts Options) (*EnqueueResult, error)
}

type SchedulerOptions struct {
	Interval time.Duration
	// Window is how late a due item may be before it expires instead of publishing.
	Window time.Duration
	// StaleAfter bounds how long a claim may sit in PROCESSING before the
	// scheduler re-runs aggregation for it. Zero disables the check.
	StaleAfter time.Duration
}

type TickReport struct {
	Due                 int `json:"due"`
	Triggered           int `json:"triggered"`
	ExpiredPublications int `json:"expiredPublications"`
	ExpiredPosts        int `json:"expiredPosts"`
	Reconciled          int `json:"reconciled"`
}

type Scheduler struct {
	repo       *Repository
	enqueuer   Enqueuer
	aggregator *Aggregator
	opts       SchedulerOptions
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running atomic.Bool
}

func NewScheduler(repo *Repository, enqueuer Enqueuer, aggregator *Aggregator, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Minute
	}
	return &Scheduler{
		repo:       repo,
		enqueuer:   enqueuer,
		aggregator: aggregator,
		opts:       opts,
		now:        utcNow,
	}
}

// Start registers the periodic tick. Overlapping ticks are skipped.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	s.cron = cron.New(cron.WithLocation(time.UTC))
	s.cron.Schedule(cron.Every(s.opts.Interval), cron.FuncJob(func() {
		if !s.running.CompareAndSwap(false, true) {
			logger.Component("scheduler").Warn("Previous tick still running, skipping")
			return
		}
		defer s.running.Store(false)
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			logger.Component("scheduler").WithError(err).Error("Scheduler tick failed")
		}
	}))
	s.cron.Start()
	logger.Component("scheduler").WithFields(logrus.Fields{
		"interval": s.opts.Interval.String(),
		"window":   s.opts.Window.String(),
	}).Info("Scheduler started")
}

// Stop halts the cron and waits for a running tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Tick expires overdue items and hands the rest to the coordinator, which
// takes the lock itself. A failure on one publication does not stop the tick.
func (s *Scheduler) Tick(ctx context.Context) (*TickReport, error) {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now()
	due, err := s.repo.DueScheduled(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load due publications: %w", err)
	}
	report := &TickReport{Due: len(due)}

	for i := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		pub := &due[i]
		if err := s.handleDue(ctx, pub, now, report); err != nil {
			logger.WithField("publication_id", pub.ID).WithError(err).Error("Failed to process due publication")
		}
	}

	if s.opts.StaleAfter > 0 {
		s.reconcileStale(ctx, now, report)
	}

	if report.Due > 0 || report.Reconciled > 0 {
		logger.Component("scheduler").WithFields(logrus.Fields{
			"due":                  report.Due,
			"triggered":            report.Triggered,
			"expired_publications": report.ExpiredPublications,
			"expired_posts":        report.ExpiredPosts,
			"reconciled":           report.Reconciled,
		}).Info("Scheduler tick completed")
	}
	return report, nil
}

func (s *Scheduler) handleDue(ctx context.Context, pub *PublicationModel, now time.Time, report *TickReport) error {
	posts, err := s.repo.ListPosts(ctx, pub.ID)
	if err != nil {
		return err
	}

	if len(posts) == 0 {
		if pub.ScheduledAt != nil && now.Sub(*pub.ScheduledAt) > s.opts.Window {
			ok, err := s.repo.TransitionStatus(ctx, pub.ID, StatusScheduled, StatusExpired, now)
			if err != nil {
				return err
			}
			if ok {
				report.ExpiredPublications++
				metrics.SchedulerExpired.WithLabelValues("publication").Inc()
				logger.WithField("publication_id", pub.ID).Info("Publication expired without posts")
			}
		}
		return nil
	}

	eligible := 0
	for _, p := range posts {
		if p.Status != PostPending {
			continue
		}
		dueAt := p.DueAt(pub)
		if dueAt != nil && now.Sub(*dueAt) > s.opts.Window {
			if err := s.repo.FailPost(ctx, p.ID, ErrorExpired); err != nil {
				return err
			}
			report.ExpiredPosts++
			metrics.SchedulerExpired.WithLabelValues("post").Inc()
			logger.WithFields(logrus.Fields{"publication_id": pub.ID, "post_id": p.ID}).Info("Post expired")
			continue
		}
		eligible++
	}

	if eligible == 0 {
		// Every post is settled or expired; resolve the publication now.
		_, err := s.aggregator.CheckAndUpdatePublicationStatus(ctx, pub.ID)
		return err
	}

	res, err := s.enqueuer.EnqueuePublication(ctx, pub.ID, Options{})
	if err != nil {
		return err
	}
	if res.Success {
		report.Triggered++
	}
	return nil
}

// reconcileStale re-runs aggregation for claims that outlived StaleAfter, so
// a crashed run cannot leave a publication PROCESSING forever.
func (s *Scheduler) reconcileStale(ctx context.Context, now time.Time, report *TickReport) {
	stale, err := s.repo.StaleProcessing(ctx, now.Add(-s.opts.StaleAfter))
	if err != nil {
		logger.Component("scheduler").WithError(err).Error("Failed to load stale publications")
		return
	}
	for _, pub := range stale {
		res, err := s.aggregator.CheckAndUpdatePublicationStatus(ctx, pub.ID)
		if err != nil {
			logger.WithField("publication_id", pub.ID).WithError(err).Error("Stale reconciliation failed")
			continue
		}
		if res.Changed {
			report.Reconciled++
		}
	}
}

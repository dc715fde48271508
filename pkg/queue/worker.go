package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/synaptica-ai/publisher/pkg/common/logger"
)

type Handler func(ctx context.Context, job *Job) error

type WorkerOptions struct {
	Concurrency     int
	PollInterval    time.Duration
	StalledInterval time.Duration
}

type Worker struct {
	queue   *Queue
	handler Handler
	opts    WorkerOptions
}

func NewWorker(q *Queue, handler Handler, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = 30 * time.Second
	}
	return &Worker{queue: q, handler: handler, opts: opts}
}

// Run processes jobs until ctx is cancelled, then waits for in-flight
// handlers. Handlers run on a context detached from ctx so a shutdown does
// not abort a gateway call halfway.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.Component("queue-worker").WithField("queue", w.queue.Name())
	log.WithField("concurrency", w.opts.Concurrency).Info("Worker started")

	if n, err := w.queue.RecoverStalled(ctx); err != nil {
		log.WithError(err).Warn("Stalled job recovery failed")
	} else if n > 0 {
		log.WithField("recovered", n).Info("Recovered stalled jobs on start")
	}

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.opts.StalledInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.queue.RecoverStalled(ctx); err != nil && ctx.Err() == nil {
					log.WithError(err).Warn("Stalled job recovery failed")
				}
			}
		}
	}()

	wg.Wait()
	log.Info("Worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Reserve(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Error("Failed to reserve job")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		w.process(context.WithoutCancel(ctx), job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := logger.Log.WithFields(map[string]interface{}{
		"queue":   w.queue.Name(),
		"job_id":  job.ID,
		"name":    job.Name,
		"attempt": job.AttemptsMade,
	})

	runCtx, cancel := context.WithTimeout(ctx, w.queue.visibility)
	err := w.safeHandle(runCtx, job)
	cancel()

	if err == nil {
		if err := w.queue.Complete(ctx, job); err != nil {
			log.WithError(err).Error("Failed to complete job")
		}
		return
	}

	log.WithError(err).Warn("Job failed")
	if err := w.queue.Fail(ctx, job, err); err != nil {
		log.WithError(err).Error("Failed to record job failure")
	}
}

func (w *Worker) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/publisher/pkg/common/logger"
	"github.com/synaptica-ai/publisher/pkg/gateway/httpclient"
	"github.com/synaptica-ai/publisher/pkg/observability/metrics"
)

const (
	fieldJob      = "job"
	fieldDeadline = "deadline"
)

// reserveScript moves the next waiting id to active and stamps its deadline
// in one step, so an active id always carries a deadline.
var reserveScript = redis.NewScript(`
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then
	return false
end
redis.call('HSET', ARGV[1] .. id, ARGV[2], ARGV[3])
return id
`)

// Queue is a durable Redis job list. Keys under <prefix>:<name>:
//
//	wait     list of job ids ready to run (LPUSH in, RPOP out)
//	active   list of job ids held by a worker
//	delayed  zset of job ids scored by the unix-ms time they become ready
//	failed   zset of retained failed job ids scored by failure time
//	job:<id> hash holding the encoded job and the active deadline
type Queue struct {
	rdb        redis.UniversalClient
	prefix     string
	name       string
	visibility time.Duration
	now        func() time.Time
}

func New(rdb redis.UniversalClient, prefix, name string, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &Queue{
		rdb:        rdb,
		prefix:     prefix,
		name:       name,
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("%s:%s:%s", q.prefix, q.name, suffix)
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

// Add enqueues a job. Adding an id that already exists returns the stored
// job unchanged and does not enqueue it twice.
func (q *Queue) Add(ctx context.Context, name string, data interface{}, opts JobOptions) (*Job, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	job := &Job{
		ID:               opts.JobID,
		Name:             name,
		Data:             payload,
		MaxAttempts:      opts.Attempts,
		Backoff:          opts.Backoff,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		CreatedAt:        q.now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	created, err := q.rdb.HSetNX(ctx, q.jobKey(job.ID), fieldJob, encoded).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to store job: %w", err)
	}
	if !created {
		return q.GetJob(ctx, job.ID)
	}
	if err := q.rdb.LPush(ctx, q.key("wait"), job.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	logger.Log.WithFields(map[string]interface{}{
		"queue":  q.name,
		"job_id": job.ID,
		"name":   name,
	}).Debug("Job added")
	return job, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.HGet(ctx, q.jobKey(id), fieldJob).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("corrupt job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.HSet(ctx, q.jobKey(job.ID), fieldJob, encoded).Err()
}

// Reserve moves the next ready job to the active list and counts the attempt.
// It returns nil, nil when nothing is ready.
func (q *Queue) Reserve(ctx context.Context) (*Job, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}
	deadline := q.now().Add(q.visibility).UnixMilli()
	id, err := reserveScript.Run(ctx, q.rdb,
		[]string{q.key("wait"), q.key("active")},
		q.key("job:"), fieldDeadline, deadline,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.key("active"), 1, id)
			pipe.Del(ctx, q.jobKey(id))
			return nil
		})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.AttemptsMade++
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return err
		}
		// Another worker won the race for this id.
		if removed == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, q.key("wait"), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) Complete(ctx context.Context, job *Job) error {
	if err := q.rdb.LRem(ctx, q.key("active"), 1, job.ID).Err(); err != nil {
		return err
	}
	metrics.QueueJobs.WithLabelValues("completed").Inc()
	if job.RemoveOnComplete {
		return q.rdb.Del(ctx, q.jobKey(job.ID)).Err()
	}
	finished := q.now().UTC()
	job.FinishedAt = &finished
	if err := q.save(ctx, job); err != nil {
		return err
	}
	return q.rdb.HDel(ctx, q.jobKey(job.ID), fieldDeadline).Err()
}

// Fail schedules a retry with exponential backoff while attempts remain and
// cause is not permanent; otherwise the job lands in the failed set.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	if err := q.rdb.LRem(ctx, q.key("active"), 1, job.ID).Err(); err != nil {
		return err
	}
	job.FailedReason = cause.Error()
	q.rdb.HDel(ctx, q.jobKey(job.ID), fieldDeadline)

	if job.AttemptsMade < job.MaxAttempts && !httpclient.IsPermanent(cause) {
		metrics.QueueJobs.WithLabelValues("retried").Inc()
		if err := q.save(ctx, job); err != nil {
			return err
		}
		readyAt := q.now().Add(job.retryDelay()).UnixMilli()
		return q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: job.ID}).Err()
	}

	metrics.QueueJobs.WithLabelValues("failed").Inc()
	if job.RemoveOnFail {
		return q.rdb.Del(ctx, q.jobKey(job.ID)).Err()
	}
	finished := q.now().UTC()
	job.FinishedAt = &finished
	if err := q.save(ctx, job); err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(finished.UnixMilli()), Member: job.ID}).Err()
}

// RecoverStalled returns active jobs whose visibility deadline has passed to
// the front of the wait list. It reports how many were recovered.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	now := q.now().UnixMilli()
	recovered := 0
	for _, id := range ids {
		deadline, err := q.rdb.HGet(ctx, q.jobKey(id), fieldDeadline).Int64()
		if errors.Is(err, redis.Nil) {
			// Ids without a deadline are never requeued; orphans are dropped.
			exists, err := q.rdb.Exists(ctx, q.jobKey(id)).Result()
			if err != nil {
				return recovered, err
			}
			if exists == 0 {
				q.rdb.LRem(ctx, q.key("active"), 1, id)
			}
			continue
		}
		if err != nil {
			return recovered, err
		}
		if deadline > now {
			continue
		}
		removed, err := q.rdb.LRem(ctx, q.key("active"), 1, id).Result()
		if err != nil {
			return recovered, err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, q.key("wait"), id).Err(); err != nil {
			return recovered, err
		}
		recovered++
		logger.Log.WithFields(map[string]interface{}{"queue": q.name, "job_id": id}).Warn("Recovered stalled job")
	}
	return recovered, nil
}

// Failed lists retained failed jobs, newest first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.ZRevRange(ctx, q.key("failed"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting: wait.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/publisher/pkg/gateway/httpclient"
)

type payload struct {
	PostID string `json:"postId"`
	Force  bool   `json:"force,omitempty"`
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T) (*Queue, *clock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	q := New(rdb, "test", "publications", time.Minute)
	q.now = c.Now
	return q, c, mr
}

func TestAddIsIdempotentOnJobID(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "publish-post", payload{PostID: "p1"}, JobOptions{JobID: "post-p1-1"})
	require.NoError(t, err)
	job, err := q.Add(ctx, "publish-post", payload{PostID: "other"}, JobOptions{JobID: "post-p1-1"})
	require.NoError(t, err)

	var data payload
	require.NoError(t, job.Decode(&data))
	assert.Equal(t, "p1", data.PostID)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestReserveCompleteRemovesJob(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "publish-post", payload{PostID: "p1"}, JobOptions{JobID: "a", RemoveOnComplete: true})
	require.NoError(t, err)
	_, err = q.Add(ctx, "publish-post", payload{PostID: "p2"}, JobOptions{JobID: "b", RemoveOnComplete: true})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.ID)
	assert.Equal(t, 1, job.AttemptsMade)

	counts, _ := q.Counts(ctx)
	assert.Equal(t, Counts{Waiting: 1, Active: 1}, counts)

	require.NoError(t, q.Complete(ctx, job))
	_, err = q.GetJob(ctx, "a")
	assert.ErrorIs(t, err, ErrJobNotFound)

	counts, _ = q.Counts(ctx)
	assert.Equal(t, Counts{Waiting: 1}, counts)
}

func TestReserveEmpty(t *testing.T) {
	q, _, _ := newQueue(t)
	job, err := q.Reserve(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFailRetriesWithBackoffThenRetains(t *testing.T) {
	q, c, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "publish-post", payload{PostID: "p1"}, JobOptions{JobID: "a", Attempts: 2, Backoff: time.Second})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errors.New("gateway down")))

	counts, _ := q.Counts(ctx)
	assert.Equal(t, Counts{Delayed: 1}, counts)

	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "delayed job must not be ready before its backoff")

	c.Advance(time.Second)
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.AttemptsMade)

	require.NoError(t, q.Fail(ctx, job, errors.New("gateway down again")))
	counts, _ = q.Counts(ctx)
	assert.Equal(t, Counts{Failed: 1}, counts)

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "gateway down again", failed[0].FailedReason)
	assert.NotNil(t, failed[0].FinishedAt)
}

func TestFailPermanentSkipsRetry(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "publish-post", payload{PostID: "p1"}, JobOptions{JobID: "a", Attempts: 5})
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, httpclient.Permanent(errors.New("payload missing"))))

	counts, _ := q.Counts(ctx)
	assert.Equal(t, Counts{Failed: 1}, counts)
}

func TestRecoverStalled(t *testing.T) {
	q, c, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "publish-post", payload{PostID: "p1"}, JobOptions{JobID: "a"})
	require.NoError(t, err)
	_, err = q.Reserve(ctx)
	require.NoError(t, err)

	n, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	c.Advance(2 * time.Minute)
	n, err = q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, _ := q.Counts(ctx)
	assert.Equal(t, Counts{Waiting: 1}, counts)
}

func TestReserveStampsDeadlineWithMove(t *testing.T) {
	q, c, mr := newQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "publish-post", payload{PostID: "p1"}, JobOptions{JobID: "a"})
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.AttemptsMade)

	want := strconv.FormatInt(c.Now().Add(time.Minute).UnixMilli(), 10)
	assert.Equal(t, want, mr.HGet("test:publications:job:a", fieldDeadline))
	stored, err := q.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AttemptsMade)
}

func TestReserveDropsOrphanedID(t *testing.T) {
	q, _, mr := newQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush("test:publications:wait", "ghost")
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.False(t, mr.Exists("test:publications:job:ghost"))
	assert.False(t, mr.Exists("test:publications:active"))
}

func TestRecoverStalledLeavesJobWithoutDeadline(t *testing.T) {
	q, c, mr := newQueue(t)
	ctx := context.Background()

	// A job sitting in active with no deadline yet, as seen mid-reservation.
	_, err := q.Add(ctx, "publish-post", payload{PostID: "p1"}, JobOptions{JobID: "a"})
	require.NoError(t, err)
	_, err = mr.Lpop("test:publications:wait")
	require.NoError(t, err)
	_, err = mr.Lpush("test:publications:active", "a")
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	n, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	counts, _ := q.Counts(ctx)
	assert.Equal(t, Counts{Active: 1}, counts)
}

func TestRecoverStalledDropsOrphanedActiveID(t *testing.T) {
	q, _, mr := newQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush("test:publications:active", "ghost")
	require.NoError(t, err)
	n, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	counts, _ := q.Counts(ctx)
	assert.Equal(t, Counts{}, counts)
}

func TestWorkerProcessesJobs(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Add(ctx, "publish-post", payload{PostID: id}, JobOptions{JobID: id, RemoveOnComplete: true})
		require.NoError(t, err)
	}
	_, err := q.Add(ctx, "publish-post", payload{PostID: "boom"}, JobOptions{JobID: "boom"})
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{})
	handler := func(_ context.Context, job *Job) error {
		var p payload
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.PostID == "boom" {
			panic("handler exploded")
		}
		mu.Lock()
		seen[p.PostID] = true
		if len(seen) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	w := NewWorker(q, handler, WorkerOptions{Concurrency: 2, PollInterval: 5 * time.Millisecond})
	stopped := make(chan struct{})
	go func() {
		_ = w.Run(runCtx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not process jobs in time")
	}
	require.Eventually(t, func() bool {
		counts, _ := q.Counts(ctx)
		return counts.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)
}

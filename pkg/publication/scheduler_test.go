package publication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingEnqueuer) EnqueuePublication(_ context.Context, id string, _ Options) (*EnqueueResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return &EnqueueResult{Success: true}, nil
}

func newTestScheduler(env *testEnv, enq Enqueuer) *Scheduler {
	s := NewScheduler(env.repo, enq, env.aggregator, SchedulerOptions{Interval: time.Minute, Window: 10 * time.Minute, StaleAfter: 30 * time.Minute})
	s.now = func() time.Time { return testNow }
	return s
}

func TestSchedulerExpiresPublicationWithoutPosts(t *testing.T) {
	env := newTestEnv(t)
	enq := &recordingEnqueuer{}
	env.addPublication(t, PublicationModel{ID: "pub1", Content: "Hello", Status: StatusScheduled, ScheduledAt: at(-20 * time.Minute)})

	report, err := newTestScheduler(env, enq).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.ExpiredPublications)
	assert.Empty(t, enq.calls)
	assert.Equal(t, StatusExpired, env.publication(t, "pub1").Status)
}

func TestSchedulerKeepsPostlessPublicationInsideWindow(t *testing.T) {
	env := newTestEnv(t)
	enq := &recordingEnqueuer{}
	env.addPublication(t, PublicationModel{ID: "pub1", Content: "Hello", Status: StatusScheduled, ScheduledAt: at(-5 * time.Minute)})

	report, err := newTestScheduler(env, enq).Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.ExpiredPublications)
	assert.Empty(t, enq.calls)
	assert.Equal(t, StatusScheduled, env.publication(t, "pub1").Status)
}

func TestSchedulerTriggersDuePublication(t *testing.T) {
	env := newTestEnv(t)
	enq := &recordingEnqueuer{}
	env.addChannel(t, "ch1", "Alpha", true)
	env.addPublication(t, PublicationModel{ID: "pub2", Content: "Hello", Status: StatusScheduled, ScheduledAt: at(-time.Minute)})
	env.addPost(t, PostModel{ID: "p1", PublicationID: "pub2", ChannelID: "ch1"})
	env.addPublication(t, PublicationModel{ID: "later", Content: "Hello", Status: StatusScheduled, ScheduledAt: at(time.Hour)})

	report, err := newTestScheduler(env, enq).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Triggered)
	assert.Equal(t, []string{"pub2"}, enq.calls)

	p := env.post(t, "p1")
	assert.Equal(t, PostPending, p.Status)
	assert.Empty(t, p.ErrorMessage)
}

func TestSchedulerExpiresLatePostsAndTriggersTheRest(t *testing.T) {
	env := newTestEnv(t)
	enq := &recordingEnqueuer{}
	env.addChannel(t, "ch1", "Alpha", true)
	env.addChannel(t, "ch2", "Beta", true)
	env.addPublication(t, PublicationModel{ID: "pub3", Content: "Hello", Status: StatusScheduled, ScheduledAt: at(-20 * time.Minute)})
	env.addPost(t, PostModel{ID: "post1", PublicationID: "pub3", ChannelID: "ch1", ScheduledAt: at(-20 * time.Minute)})
	env.addPost(t, PostModel{ID: "post2", PublicationID: "pub3", ChannelID: "ch2", ScheduledAt: at(-time.Minute)})

	report, err := newTestScheduler(env, enq).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredPosts)
	assert.Equal(t, []string{"pub3"}, enq.calls)

	expired := env.post(t, "post1")
	assert.Equal(t, PostFailed, expired.Status)
	assert.Equal(t, ErrorExpired, expired.ErrorMessage)
	assert.True(t, expired.Expired())
	assert.Equal(t, PostPending, env.post(t, "post2").Status)
}

func TestSchedulerRunsRealFanOutForDuePosts(t *testing.T) {
	env := newTestEnv(t)
	env.addChannel(t, "ch1", "Alpha", true)
	env.addChannel(t, "ch2", "Beta", true)
	env.addPublication(t, PublicationModel{ID: "pub", Content: "Hello", Status: StatusScheduled, ScheduledAt: at(-20 * time.Minute)})
	env.addPost(t, PostModel{ID: "late", PublicationID: "pub", ChannelID: "ch1"})
	env.addPost(t, PostModel{ID: "fresh", PublicationID: "pub", ChannelID: "ch2", ScheduledAt: at(-time.Minute)})

	_, err := newTestScheduler(env, env.coordinator).Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, env.queue.jobs, 1)

	env.queue.drain(t, env.coordinator)
	assert.Equal(t, PostPublished, env.post(t, "fresh").Status)
	assert.Equal(t, StatusPartial, env.publication(t, "pub").Status)
}

func TestSchedulerResolvesWhenEveryPostExpired(t *testing.T) {
	env := newTestEnv(t)
	enq := &recordingEnqueuer{}
	env.addChannel(t, "ch1", "Alpha", true)
	env.addPublication(t, PublicationModel{ID: "pub", Content: "Hello", Status: StatusScheduled, ScheduledAt: at(-30 * time.Minute), CreatedBy: "user-1"})
	env.addPost(t, PostModel{ID: "p1", PublicationID: "pub", ChannelID: "ch1"})

	report, err := newTestScheduler(env, enq).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredPosts)
	assert.Empty(t, enq.calls)
	pub := env.publication(t, "pub")
	assert.Equal(t, StatusExpired, pub.Status)
	require.NotNil(t, pub.Meta.Data().LastResult)
	assert.Equal(t, StatusExpired, pub.Meta.Data().LastResult.Status)
	assert.Empty(t, env.sender.sent)
}

func TestSchedulerFailsWhenExpiryMixesWithRejection(t *testing.T) {
	env := newTestEnv(t)
	enq := &recordingEnqueuer{}
	env.addChannel(t, "ch1", "Alpha", true)
	env.addChannel(t, "ch2", "Beta", true)
	env.addPublication(t, PublicationModel{ID: "pub", Content: "Hello", Status: StatusScheduled, ScheduledAt: at(-30 * time.Minute), CreatedBy: "user-1"})
	env.addPost(t, PostModel{ID: "p1", PublicationID: "pub", ChannelID: "ch1"})
	env.addPost(t, PostModel{ID: "p2", PublicationID: "pub", ChannelID: "ch2", Status: PostFailed, ErrorMessage: "chat not found"})

	_, err := newTestScheduler(env, enq).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, env.publication(t, "pub").Status)
	assert.Len(t, env.sender.sent, 1)
}

func TestSchedulerReconcilesStaleClaims(t *testing.T) {
	env := newTestEnv(t)
	enq := &recordingEnqueuer{}
	env.addChannel(t, "ch1", "Alpha", true)
	env.addPublication(t, PublicationModel{ID: "stale", Content: "Hello", Status: StatusProcessing, ProcessingStartedAt: at(-time.Hour)})
	env.addPost(t, PostModel{ID: "p1", PublicationID: "stale", ChannelID: "ch1", Status: PostPublished})
	env.addPublication(t, PublicationModel{ID: "recent", Content: "Hello", Status: StatusProcessing, ProcessingStartedAt: at(-time.Minute)})
	env.addPost(t, PostModel{ID: "p2", PublicationID: "recent", ChannelID: "ch1", Status: PostPublished})

	report, err := newTestScheduler(env, enq).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, StatusPublished, env.publication(t, "stale").Status)
	assert.Equal(t, StatusProcessing, env.publication(t, "recent").Status)
}

func TestSchedulerStartStop(t *testing.T) {
	env := newTestEnv(t)
	s := newTestScheduler(env, &recordingEnqueuer{})
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

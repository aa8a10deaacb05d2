package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/telemetry/noop"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(kv.New(client), noop.NewLogger(), 10*time.Millisecond)
}

func TestPushPopRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	in := queue.Job{CampaignID: "camp-1", ContactID: "c1", Attempt: 2, Priority: 7, Origin: "H"}
	require.NoError(t, q.Push(ctx, in))

	popCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	out, ok, err := q.Pop(popCtx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestPopTimesOutCleanlyWhenEmpty(t *testing.T) {
	q := newTestQueue(t)
	popCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok, err := q.Pop(popCtx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDelayedJobPromotesOnceDue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	in := queue.Job{CampaignID: "camp-1", ContactID: "c1", Attempt: 1}
	require.NoError(t, q.PushDelayed(ctx, in, time.Now().Add(50*time.Millisecond)))

	popCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	_, ok, err := q.Pop(popCtx)
	cancel()
	require.NoError(t, err)
	require.False(t, ok, "job must not surface before its due time")

	popCtx, cancel = context.WithTimeout(ctx, time.Second)
	defer cancel()
	out, ok, err := q.Pop(popCtx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestPausedCampaignIsNotPopped(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Push(ctx, queue.Job{CampaignID: "camp-1", ContactID: "c1"}))
	require.NoError(t, q.Pause(ctx, "camp-1"))

	popCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, ok, err := q.Pop(popCtx)
	cancel()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, q.Resume(ctx, "camp-1"))
	popCtx, cancel = context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, ok, err = q.Pop(popCtx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCancelCampaignJobsDropsReadyAndDelayed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Push(ctx, queue.Job{CampaignID: "camp-1", ContactID: "c1"}))
	require.NoError(t, q.PushDelayed(ctx, queue.Job{CampaignID: "camp-1", ContactID: "c2"}, time.Now().Add(-time.Second)))
	require.NoError(t, q.Push(ctx, queue.Job{CampaignID: "camp-2", ContactID: "c3"}))

	require.NoError(t, q.CancelCampaignJobs(ctx, "camp-1"))

	popCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	out, ok, err := q.Pop(popCtx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "camp-2", out.CampaignID)

	n, err := q.ActiveCount(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestHasJobSeesReadyAndDelayedJobs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Push(ctx, queue.Job{CampaignID: "camp-1", ContactID: "c1", Attempt: 0}))
	require.NoError(t, q.PushDelayed(ctx, queue.Job{CampaignID: "camp-1", ContactID: "c2", Attempt: 3}, time.Now().Add(time.Hour)))

	for _, tc := range []struct {
		contactID string
		attempt   int
		want      bool
	}{
		{"c1", 0, true},
		{"c2", 3, true},
		{"c1", 1, false},
		{"c3", 0, false},
	} {
		got, err := q.HasJob(ctx, "camp-1", tc.contactID, tc.attempt)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "%s attempt %d", tc.contactID, tc.attempt)
	}
}

func TestQueuedCampaignIDs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Push(ctx, queue.Job{CampaignID: "camp-1", ContactID: "c1"}))
	require.NoError(t, q.Push(ctx, queue.Job{CampaignID: "camp-2", ContactID: "c2"}))

	ids, err := q.QueuedCampaignIDs(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"camp-1", "camp-2"}, ids)
}

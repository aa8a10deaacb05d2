package waitlist

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/telemetry/noop"
)

func newTestService(t *testing.T) (*Service, *concurrency.Tracker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kvc := kv.New(client)
	track := concurrency.New(kvc, noop.NewLogger())
	return New(kvc, track, noop.NewLogger()), track
}

func prioritySettings() campaign.Settings {
	return campaign.Settings{PriorityMode: campaign.PriorityPriority, HighPriorityThreshold: 5}
}

func TestPushRoutesByPriority(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	settings := prioritySettings()

	require.NoError(t, s.Push(ctx, "camp-1", settings, Job{ContactID: "c1", Attempt: 0, Priority: 9}, false))
	require.NoError(t, s.Push(ctx, "camp-1", settings, Job{ContactID: "c2", Attempt: 0, Priority: 1}, false))

	depth, err := s.Depth(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)
}

func TestPushDuplicateIsDropped(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	settings := prioritySettings()
	job := Job{ContactID: "c1", Attempt: 0, Priority: 9}

	require.NoError(t, s.Push(ctx, "camp-1", settings, job, false))
	require.NoError(t, s.Push(ctx, "camp-1", settings, job, false))

	depth, err := s.Depth(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestPromoteDrainsUpToFreeCapacity(t *testing.T) {
	ctx := context.Background()
	s, track := newTestService(t)
	settings := prioritySettings()
	require.NoError(t, track.SeedLimit(ctx, "camp-1", 2))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Push(ctx, "camp-1", settings, Job{ContactID: "c" + string(rune('a'+i)), Attempt: 0, Priority: 9}, false))
	}

	promoted, err := s.Promote(ctx, "camp-1", 2, DefaultAgingThreshold, DefaultPromotionBatchSize)
	require.NoError(t, err)
	require.Len(t, promoted, 2)

	depth, err := s.Depth(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestPromoteReturnsNilWhenNoFreeCapacity(t *testing.T) {
	ctx := context.Background()
	s, track := newTestService(t)
	settings := prioritySettings()
	require.NoError(t, track.SeedLimit(ctx, "camp-1", 1))
	_, err := track.ReserveSlot(ctx, "camp-1", "N", "existing-job", 0)
	require.NoError(t, err)

	require.NoError(t, s.Push(ctx, "camp-1", settings, Job{ContactID: "c1", Attempt: 0, Priority: 9}, false))

	promoted, err := s.Promote(ctx, "camp-1", 1, DefaultAgingThreshold, DefaultPromotionBatchSize)
	require.NoError(t, err)
	require.Nil(t, promoted)
}

func TestRequeuePutsJobBackAtHeadOfItsLane(t *testing.T) {
	ctx := context.Background()
	s, track := newTestService(t)
	settings := prioritySettings()
	require.NoError(t, track.SeedLimit(ctx, "camp-1", 5))

	require.NoError(t, s.Push(ctx, "camp-1", settings, Job{ContactID: "c1", Attempt: 0, Priority: 9}, false))
	promoted, err := s.Promote(ctx, "camp-1", 5, DefaultAgingThreshold, DefaultPromotionBatchSize)
	require.NoError(t, err)
	require.Len(t, promoted, 1)

	require.NoError(t, s.Requeue(ctx, "camp-1", promoted[0]))

	depth, err := s.Depth(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	again, err := s.Promote(ctx, "camp-1", 5, DefaultAgingThreshold, DefaultPromotionBatchSize)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, promoted[0].JobID, again[0].JobID)
}

func TestClearRemovesListsSeenSetAndMarkers(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	settings := prioritySettings()

	require.NoError(t, s.Push(ctx, "camp-1", settings, Job{ContactID: "c1", Attempt: 0, Priority: 9}, false))
	require.NoError(t, s.Push(ctx, "camp-1", settings, Job{ContactID: "c2", Attempt: 0, Priority: 1}, false))

	require.NoError(t, s.Clear(ctx, "camp-1"))

	depth, err := s.Depth(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), depth)

	// A job id previously pushed is no longer deduped after Clear.
	require.NoError(t, s.Push(ctx, "camp-1", settings, Job{ContactID: "c1", Attempt: 0, Priority: 9}, false))
	depth, err = s.Depth(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

// TestDedupAcrossLanesHoldsForArbitraryPushSequences is the sequential
// analogue of spec.md §8's dedup property: for any job id, after any
// sequence of pushes (whatever lane priority routes it to), the job appears
// in at most one of the two lanes at a time.
func TestDedupAcrossLanesHoldsForArbitraryPushSequences(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	settings := prioritySettings()
	job := Job{ContactID: "dup", Attempt: 0, Priority: 9}

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Push(ctx, "camp-1", settings, job, i%2 == 0))
		depth, err := s.Depth(ctx, "camp-1")
		require.NoError(t, err)
		require.LessOrEqual(t, depth, int64(1))
	}
}

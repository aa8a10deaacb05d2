package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/coreerrors"
	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/store/memory"
	"github.com/dialcore/campaign-core/telemetry/noop"
	"github.com/dialcore/campaign-core/waitlist"
)

type fakeLifecycleQueue struct {
	pushed    []queue.Job
	paused    map[string]bool
	cancelled []string
}

func newFakeLifecycleQueue() *fakeLifecycleQueue {
	return &fakeLifecycleQueue{paused: make(map[string]bool)}
}

func (f *fakeLifecycleQueue) Push(ctx context.Context, j queue.Job) error {
	f.pushed = append(f.pushed, j)
	return nil
}
func (f *fakeLifecycleQueue) PushDelayed(ctx context.Context, j queue.Job, at time.Time) error {
	return nil
}
func (f *fakeLifecycleQueue) Pop(ctx context.Context) (queue.Job, bool, error) {
	return queue.Job{}, false, nil
}
func (f *fakeLifecycleQueue) Pause(ctx context.Context, campaignID string) error {
	f.paused[campaignID] = true
	return nil
}
func (f *fakeLifecycleQueue) Resume(ctx context.Context, campaignID string) error {
	f.paused[campaignID] = false
	return nil
}
func (f *fakeLifecycleQueue) ActiveCount(ctx context.Context, campaignID string) (int64, error) {
	return 0, nil
}
func (f *fakeLifecycleQueue) CancelCampaignJobs(ctx context.Context, campaignID string) error {
	f.cancelled = append(f.cancelled, campaignID)
	return nil
}
func (f *fakeLifecycleQueue) QueuedCampaignIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (f *fakeLifecycleQueue) HasJob(ctx context.Context, campaignID, contactID string, attempt int) (bool, error) {
	return false, nil
}

type lifecycleHarness struct {
	ctrl  *Controller
	kvc   *kv.Coordinator
	track *concurrency.Tracker
	wait  *waitlist.Service
	st    *store.Store
	q     *fakeLifecycleQueue
}

func newLifecycleHarness(t *testing.T) *lifecycleHarness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kvc := kv.New(client)
	logger := noop.NewLogger()
	track := concurrency.New(kvc, logger)
	wait := waitlist.New(kvc, track, logger)
	st := memory.NewStore()
	q := newFakeLifecycleQueue()
	ctrl := New(kvc, Deps{
		Tracker: track, Waitlist: wait, Queue: q,
		Campaigns: st.Campaigns, Contacts: st.Contacts, CallLogs: st.CallLogs, Retries: st.Retries,
		Logger: logger, PurgeGraceWait: 10 * time.Millisecond,
	})
	return &lifecycleHarness{ctrl: ctrl, kvc: kvc, track: track, wait: wait, st: st, q: q}
}

func draftCampaign(id string, limit int64) *campaign.Campaign {
	return &campaign.Campaign{
		ID:    id,
		State: campaign.StateDraft,
		Settings: campaign.Settings{
			ConcurrentCallsLimit: limit,
			PriorityMode:         campaign.PriorityFIFO,
			MaxRetryAttempts:     3,
			RetryDelayMinutes:    10,
		},
	}
}

func TestStartSeedsLimitAndEnqueuesPendingContacts(t *testing.T) {
	ctx := context.Background()
	h := newLifecycleHarness(t)
	require.NoError(t, h.st.Campaigns.Insert(ctx, draftCampaign("camp-1", 5)))
	require.NoError(t, h.st.Contacts.Insert(ctx, &campaign.Contact{ID: "c1", CampaignID: "camp-1", Status: campaign.ContactPending}))
	require.NoError(t, h.st.Contacts.Insert(ctx, &campaign.Contact{ID: "c2", CampaignID: "camp-1", Status: campaign.ContactPending}))

	camp, err := h.ctrl.Start(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, campaign.StateActive, camp.State)
	require.Len(t, h.q.pushed, 2)

	limit, ok, err := h.track.Limit(ctx, "camp-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), limit)
}

func TestPauseSetsFlagAndPausesQueue(t *testing.T) {
	ctx := context.Background()
	h := newLifecycleHarness(t)
	c := draftCampaign("camp-1", 5)
	c.State = campaign.StateActive
	require.NoError(t, h.st.Campaigns.Insert(ctx, c))
	require.NoError(t, h.track.SeedLimit(ctx, "camp-1", 5))

	_, err := h.ctrl.Pause(ctx, "camp-1")
	require.NoError(t, err)

	paused, err := h.track.IsPaused(ctx, "camp-1")
	require.NoError(t, err)
	require.True(t, paused)
	require.True(t, h.q.paused["camp-1"])
}

func TestResumeClearsFlagAndPublishesSlotAvailable(t *testing.T) {
	ctx := context.Background()
	h := newLifecycleHarness(t)
	c := draftCampaign("camp-1", 5)
	c.State = campaign.StatePaused
	require.NoError(t, h.st.Campaigns.Insert(ctx, c))
	require.NoError(t, h.track.SeedLimit(ctx, "camp-1", 5))
	require.NoError(t, h.kvc.Set(ctx, keys.Paused("camp-1"), "1"))

	camp, err := h.ctrl.Resume(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, campaign.StateActive, camp.State)

	paused, err := h.track.IsPaused(ctx, "camp-1")
	require.NoError(t, err)
	require.False(t, paused)
	require.False(t, h.q.paused["camp-1"])
}

func TestCancelClearsQueueAndWaitlist(t *testing.T) {
	ctx := context.Background()
	h := newLifecycleHarness(t)
	c := draftCampaign("camp-1", 5)
	c.State = campaign.StateActive
	require.NoError(t, h.st.Campaigns.Insert(ctx, c))
	require.NoError(t, h.track.SeedLimit(ctx, "camp-1", 5))
	require.NoError(t, h.wait.Push(ctx, "camp-1", c.Settings, waitlist.Job{ContactID: "c1", Attempt: 0}, false))

	camp, err := h.ctrl.Cancel(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, campaign.StateCancelled, camp.State)
	require.Contains(t, h.q.cancelled, "camp-1")

	depth, err := h.wait.Depth(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), depth)
}

func TestRetryFailedRequeuesFailedContacts(t *testing.T) {
	ctx := context.Background()
	h := newLifecycleHarness(t)
	require.NoError(t, h.st.Contacts.Insert(ctx, &campaign.Contact{ID: "c1", CampaignID: "camp-1", Status: campaign.ContactFailed, AttemptCount: 2}))

	n, err := h.ctrl.RetryFailed(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, h.q.pushed, 1)
	require.Equal(t, 2, h.q.pushed[0].Attempt)

	contact, err := h.st.Contacts.Get(ctx, "camp-1", "c1")
	require.NoError(t, err)
	require.Equal(t, campaign.ContactQueued, contact.Status)
}

func TestUpdateConcurrentCallsLimitRejectsNearSaturation(t *testing.T) {
	ctx := context.Background()
	h := newLifecycleHarness(t)
	c := draftCampaign("camp-1", 5)
	c.State = campaign.StateActive
	require.NoError(t, h.st.Campaigns.Insert(ctx, c))
	require.NoError(t, h.track.SeedLimit(ctx, "camp-1", 5))
	_, err := h.track.CreatePreDialLease(ctx, "camp-1", "call-1", "", "", 45*time.Second)
	require.NoError(t, err)
	_, err = h.track.CreatePreDialLease(ctx, "camp-1", "call-2", "", "", 45*time.Second)
	require.NoError(t, err)
	_, err = h.track.CreatePreDialLease(ctx, "camp-1", "call-3", "", "", 45*time.Second)
	require.NoError(t, err)

	_, err = h.ctrl.UpdateConcurrentCallsLimit(ctx, "camp-1", 2)
	require.Error(t, err)
	require.True(t, coreerrors.Is(err, coreerrors.NearSaturation))
}

func TestUpdateConcurrentCallsLimitAppliesValidReduction(t *testing.T) {
	ctx := context.Background()
	h := newLifecycleHarness(t)
	c := draftCampaign("camp-1", 5)
	c.State = campaign.StateActive
	require.NoError(t, h.st.Campaigns.Insert(ctx, c))
	require.NoError(t, h.track.SeedLimit(ctx, "camp-1", 5))

	camp, err := h.ctrl.UpdateConcurrentCallsLimit(ctx, "camp-1", 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), camp.Settings.ConcurrentCallsLimit)

	limit, ok, err := h.track.Limit(ctx, "camp-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), limit)
}

func TestStartClearsPausedFlagAndSeedsColdStart(t *testing.T) {
	ctx := context.Background()
	h := newLifecycleHarness(t)
	require.NoError(t, h.st.Campaigns.Insert(ctx, draftCampaign("camp-1", 5)))
	// Leftover paused flag from a previous incarnation of the id.
	require.NoError(t, h.kvc.Set(ctx, keys.Paused("camp-1"), "1"))

	_, err := h.ctrl.Start(ctx, "camp-1")
	require.NoError(t, err)

	paused, err := h.track.IsPaused(ctx, "camp-1")
	require.NoError(t, err)
	require.False(t, paused)

	coldStart, err := h.kvc.Exists(ctx, keys.ColdStart("camp-1"))
	require.NoError(t, err)
	require.True(t, coldStart)
}

func TestDrainCancelledForceReleasesLeftoverLeases(t *testing.T) {
	ctx := context.Background()
	h := newLifecycleHarness(t)
	c := draftCampaign("camp-1", 5)
	c.State = campaign.StateActive
	require.NoError(t, h.st.Campaigns.Insert(ctx, c))
	require.NoError(t, h.track.SeedLimit(ctx, "camp-1", 5))
	_, err := h.track.CreatePreDialLease(ctx, "camp-1", "call-1", "", "", 45*time.Second)
	require.NoError(t, err)

	// Drain timeout already elapsed relative to a zero-held campaign is not
	// the interesting case; here a lease is still held, so the drain waits
	// out its (short) timeout and then force-releases.
	h.ctrl.cancelDrain = 50 * time.Millisecond
	require.NoError(t, h.ctrl.DrainCancelled(ctx, "camp-1"))

	members, err := h.track.ListMembers(ctx, "camp-1")
	require.NoError(t, err)
	require.Empty(t, members)

	limit, ok, err := h.track.Limit(ctx, "camp-1")
	require.NoError(t, err)
	require.False(t, ok, "static keys unlinked after drain, limit=%d", limit)
}

func TestUpdateConcurrentCallsLimitNinetyPercentBoundary(t *testing.T) {
	ctx := context.Background()
	h := newLifecycleHarness(t)
	c := draftCampaign("camp-1", 10)
	c.State = campaign.StateActive
	require.NoError(t, h.st.Campaigns.Insert(ctx, c))
	require.NoError(t, h.track.SeedLimit(ctx, "camp-1", 10))
	for i := 0; i < 9; i++ {
		_, err := h.track.CreatePreDialLease(ctx, "camp-1", "call-"+string(rune('a'+i)), "", "", 45*time.Second)
		require.NoError(t, err)
	}

	// 9 held > 0.9 x 5 requested: rejected with the held/requested payload.
	_, err := h.ctrl.UpdateConcurrentCallsLimit(ctx, "camp-1", 5)
	require.Error(t, err)
	require.True(t, coreerrors.Is(err, coreerrors.NearSaturation))
	var ns *coreerrors.NearSaturationError
	require.True(t, errors.As(err, &ns))
	require.Equal(t, int64(9), ns.ActiveCalls)
	require.Equal(t, int64(5), ns.RequestedLimit)

	// The limit key is untouched by the rejected request.
	limit, ok, err := h.track.Limit(ctx, "camp-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(10), limit)

	// An increase is never saturation-guarded.
	camp, err := h.ctrl.UpdateConcurrentCallsLimit(ctx, "camp-1", 20)
	require.NoError(t, err)
	require.Equal(t, int64(20), camp.Settings.ConcurrentCallsLimit)
}

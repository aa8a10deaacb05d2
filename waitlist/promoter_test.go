package waitlist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/queue"
	"github.com/dialcore/campaign-core/store"
	"github.com/dialcore/campaign-core/store/memory"
	"github.com/dialcore/campaign-core/telemetry/noop"
)

type fakePromoterQueue struct {
	pushed  []queue.Job
	pushErr error
}

func (f *fakePromoterQueue) Push(ctx context.Context, j queue.Job) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, j)
	return nil
}
func (f *fakePromoterQueue) PushDelayed(ctx context.Context, j queue.Job, at time.Time) error {
	return nil
}
func (f *fakePromoterQueue) Pop(ctx context.Context) (queue.Job, bool, error) {
	return queue.Job{}, false, nil
}
func (f *fakePromoterQueue) Pause(ctx context.Context, campaignID string) error  { return nil }
func (f *fakePromoterQueue) Resume(ctx context.Context, campaignID string) error { return nil }
func (f *fakePromoterQueue) ActiveCount(ctx context.Context, campaignID string) (int64, error) {
	return 0, nil
}
func (f *fakePromoterQueue) CancelCampaignJobs(ctx context.Context, campaignID string) error {
	return nil
}
func (f *fakePromoterQueue) QueuedCampaignIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (f *fakePromoterQueue) HasJob(ctx context.Context, campaignID, contactID string, attempt int) (bool, error) {
	return false, nil
}

func newTestPromoter(t *testing.T) (*Promoter, *Service, *fakePromoterQueue, *store.Store) {
	t.Helper()
	s, track := newTestService(t)
	st := memory.NewStore()
	q := &fakePromoterQueue{}
	p := NewPromoter(s, track, q, st.Campaigns, st.Contacts, noop.NewLogger(), 0, 0, 0, nil)
	return p, s, q, st
}

func seedWaiting(t *testing.T, s *Service, st *store.Store, campaignID, contactID string, priority int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Contacts.Insert(ctx, &campaign.Contact{
		ID: contactID, CampaignID: campaignID, Status: campaign.ContactQueued, Priority: priority,
	}))
	require.NoError(t, s.Push(ctx, campaignID, prioritySettings(), Job{
		CampaignID: campaignID, ContactID: contactID, Attempt: 0, Priority: priority,
	}, false))
}

func TestPromoteCampaignReservesAndReEnqueuesWithOrigin(t *testing.T) {
	ctx := context.Background()
	p, s, q, st := newTestPromoter(t)
	require.NoError(t, p.track.SeedLimit(ctx, "camp-1", 2))
	seedWaiting(t, s, st, "camp-1", "c1", 9)

	require.NoError(t, p.PromoteCampaign(ctx, "camp-1"))

	require.Len(t, q.pushed, 1)
	require.Equal(t, "c1", q.pushed[0].ContactID)
	require.Equal(t, "H", q.pushed[0].Origin)
	reserved, err := p.track.Reserved(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), reserved)

	// The fairness entry is dropped once the job is handed off for good.
	fair, err := s.kvc.ZRange(ctx, keys.Fairness("camp-1"), 0, -1)
	require.NoError(t, err)
	require.Empty(t, fair)
}

func TestPromoteCampaignWithoutSeededLimitIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, s, q, st := newTestPromoter(t)
	seedWaiting(t, s, st, "camp-1", "c1", 9)

	require.NoError(t, p.PromoteCampaign(ctx, "camp-1"))
	require.Empty(t, q.pushed)
}

func TestPromoteCampaignDropsTerminalContacts(t *testing.T) {
	ctx := context.Background()
	p, s, q, st := newTestPromoter(t)
	require.NoError(t, p.track.SeedLimit(ctx, "camp-1", 2))
	seedWaiting(t, s, st, "camp-1", "c1", 9)
	contact, err := st.Contacts.Get(ctx, "camp-1", "c1")
	require.NoError(t, err)
	contact.Status = campaign.ContactCompleted
	require.NoError(t, st.Contacts.Update(ctx, contact))

	require.NoError(t, p.PromoteCampaign(ctx, "camp-1"))

	require.Empty(t, q.pushed)
	reserved, err := p.track.Reserved(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), reserved)
}

func TestPromoteCampaignReleasesReservationWhenPushFails(t *testing.T) {
	ctx := context.Background()
	p, s, q, st := newTestPromoter(t)
	require.NoError(t, p.track.SeedLimit(ctx, "camp-1", 2))
	seedWaiting(t, s, st, "camp-1", "c1", 9)
	q.pushErr = context.DeadlineExceeded

	require.NoError(t, p.PromoteCampaign(ctx, "camp-1"))

	reserved, err := p.track.Reserved(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), reserved)

	// The job is requeued at the head of its lane for the next pass.
	depth, err := s.Depth(ctx, "camp-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestColdStartMarkerHalvesPromotionBatch(t *testing.T) {
	ctx := context.Background()
	_, s, _, st := newTestPromoter(t)
	require.NoError(t, s.track.SeedLimit(ctx, "camp-1", 10))
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		seedWaiting(t, s, st, "camp-1", id, 9)
	}
	require.NoError(t, s.kvc.SetEX(ctx, keys.ColdStart("camp-1"), "1", 60))

	promoted, err := s.Promote(ctx, "camp-1", 10, DefaultAgingThreshold, 4)
	require.NoError(t, err)
	require.Len(t, promoted, 2)
}

func TestEmptyPassArmsGateAndPushDisarmsIt(t *testing.T) {
	ctx := context.Background()
	_, s, _, st := newTestPromoter(t)
	track := s.track
	require.NoError(t, track.SeedLimit(ctx, "camp-1", 2))

	_, err := s.Promote(ctx, "camp-1", 2, DefaultAgingThreshold, DefaultPromotionBatchSize)
	require.NoError(t, err)
	armed, err := s.GateArmed(ctx, "camp-1")
	require.NoError(t, err)
	require.True(t, armed)

	seedWaiting(t, s, st, "camp-1", "c1", 9)
	armed, err = s.GateArmed(ctx, "camp-1")
	require.NoError(t, err)
	require.False(t, armed)
}

package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dialcore/campaign-core/coreerrors"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/telemetry/noop"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(kv.New(client), noop.NewLogger())
}

func TestReserveSlotGrantsUntilLimit(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	require.NoError(t, tr.SeedLimit(ctx, "camp1", 2))

	r1, err := tr.ReserveSlot(ctx, "camp1", "N", "c1:0", 1)
	require.NoError(t, err)
	require.Equal(t, Granted, r1)

	r2, err := tr.ReserveSlot(ctx, "camp1", "N", "c2:0", 2)
	require.NoError(t, err)
	require.Equal(t, Granted, r2)

	r3, err := tr.ReserveSlot(ctx, "camp1", "N", "c3:0", 3)
	require.NoError(t, err)
	require.Equal(t, Waitlisted, r3)

	reserved, err := tr.Reserved(ctx, "camp1")
	require.NoError(t, err)
	require.Equal(t, int64(2), reserved)
}

func TestReserveSlotRejectsWhenPaused(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	require.NoError(t, tr.SeedLimit(ctx, "camp1", 5))
	require.NoError(t, tr.kvc.Set(ctx, keys.Paused("camp1"), "1"))

	_, err := tr.ReserveSlot(ctx, "camp1", "N", "c1:0", 1)
	require.Error(t, err)
	require.True(t, coreerrors.Is(err, coreerrors.Conflict))
}

func TestReserveSlotFailsFatalWithoutSeededLimit(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	_, err := tr.ReserveSlot(ctx, "campX", "N", "c1:0", 1)
	require.Error(t, err)
	require.True(t, coreerrors.Is(err, coreerrors.Fatal))
}

func TestCreatePreDialLeaseConsumesReservedAndAddsMember(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	require.NoError(t, tr.SeedLimit(ctx, "camp1", 3))
	_, err := tr.ReserveSlot(ctx, "camp1", "N", "c1:0", 1)
	require.NoError(t, err)

	token, err := tr.CreatePreDialLease(ctx, "camp1", "call-1", "", "", 45*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	reserved, err := tr.Reserved(ctx, "camp1")
	require.NoError(t, err)
	require.Equal(t, int64(0), reserved)

	predial, err := tr.PreDialCount(ctx, "camp1")
	require.NoError(t, err)
	require.Equal(t, int64(1), predial)
}

func TestUpgradeToActiveRejectsTokenMismatch(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	require.NoError(t, tr.SeedLimit(ctx, "camp1", 3))
	_, err := tr.ReserveSlot(ctx, "camp1", "N", "c1:0", 1)
	require.NoError(t, err)
	_, err = tr.CreatePreDialLease(ctx, "camp1", "call-1", "", "", 45*time.Second)
	require.NoError(t, err)

	newToken, err := tr.UpgradeToActive(ctx, "camp1", "call-1", "wrong-token", 200*time.Second)
	require.NoError(t, err)
	require.Empty(t, newToken)

	predial, err := tr.PreDialCount(ctx, "camp1")
	require.NoError(t, err)
	require.Equal(t, int64(1), predial, "a lost upgrade race must not touch the pre-dial membership")
}

func TestUpgradeToActiveMovesMembership(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	require.NoError(t, tr.SeedLimit(ctx, "camp1", 3))
	_, err := tr.ReserveSlot(ctx, "camp1", "N", "c1:0", 1)
	require.NoError(t, err)
	preDialToken, err := tr.CreatePreDialLease(ctx, "camp1", "call-1", "", "", 45*time.Second)
	require.NoError(t, err)

	newToken, err := tr.UpgradeToActive(ctx, "camp1", "call-1", preDialToken, 200*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, newToken)

	active, err := tr.ActiveCount(ctx, "camp1")
	require.NoError(t, err)
	require.Equal(t, int64(1), active)
	predial, err := tr.PreDialCount(ctx, "camp1")
	require.NoError(t, err)
	require.Equal(t, int64(0), predial)
}

func TestForceReleaseSlotIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	require.NoError(t, tr.SeedLimit(ctx, "camp1", 3))
	_, err := tr.ReserveSlot(ctx, "camp1", "N", "c1:0", 1)
	require.NoError(t, err)
	_, err = tr.CreatePreDialLease(ctx, "camp1", "call-1", "", "", 45*time.Second)
	require.NoError(t, err)

	require.NoError(t, tr.ForceReleaseSlot(ctx, "camp1", "call-1"))
	require.NoError(t, tr.ForceReleaseSlot(ctx, "camp1", "call-1"))

	members, err := tr.ListMembers(ctx, "camp1")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestDecrReservedNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	n, err := tr.DecrReserved(ctx, "camp-unset")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestCreatePreDialLeaseClearsLedgerEntry(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	require.NoError(t, tr.SeedLimit(ctx, "camp1", 3))
	_, err := tr.ReserveSlot(ctx, "camp1", "N", "c1:0", 1)
	require.NoError(t, err)

	_, err = tr.CreatePreDialLease(ctx, "camp1", "call-1", "N", "c1:0", 45*time.Second)
	require.NoError(t, err)

	entries, err := tr.kvc.ZRange(ctx, keys.ReservedLedger("camp1"), 0, -1)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReleaseReservationUndoesGrantAtomically(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	require.NoError(t, tr.SeedLimit(ctx, "camp1", 3))
	_, err := tr.ReserveSlot(ctx, "camp1", "N", "c1:0", 1)
	require.NoError(t, err)

	require.NoError(t, tr.ReleaseReservation(ctx, "camp1", "N", "c1:0"))

	reserved, err := tr.Reserved(ctx, "camp1")
	require.NoError(t, err)
	require.Equal(t, int64(0), reserved)
	entries, err := tr.kvc.ZRange(ctx, keys.ReservedLedger("camp1"), 0, -1)
	require.NoError(t, err)
	require.Empty(t, entries)

	// A second release of the same reservation is a clamped no-op.
	require.NoError(t, tr.ReleaseReservation(ctx, "camp1", "N", "c1:0"))
	reserved, err = tr.Reserved(ctx, "camp1")
	require.NoError(t, err)
	require.Equal(t, int64(0), reserved)
}

func TestSeedLimitDoesNotOverwriteExisting(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	require.NoError(t, tr.SeedLimit(ctx, "camp1", 5))
	require.NoError(t, tr.SeedLimit(ctx, "camp1", 100))
	limit, ok, err := tr.Limit(ctx, "camp1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), limit)
}

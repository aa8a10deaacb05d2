// Package concurrency implements the per-campaign slot-lease manager:
// reserve, pre-dial, upgrade, release, force-release, and saturation
// probes, as specified in spec.md §4.B. Every state-mutating operation is a
// single atomic Lua script (package-private in scripts.go) so that no
// worker process ever observes or acts on a torn read between the
// SET-membership count, the reserved counter, and the configured limit.
package concurrency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dialcore/campaign-core/coreerrors"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/telemetry"
)

// ReserveResult is the outcome of a reserveSlot call.
type ReserveResult string

const (
	Granted    ReserveResult = "granted"
	Waitlisted ReserveResult = "waitlisted"
)

// Default TTL bounds from spec.md §6.
const (
	MinPreDialTTL = 30 * time.Second
	MaxPreDialTTL = 60 * time.Second
	MinActiveTTL  = 180 * time.Second
	MaxActiveTTL  = 240 * time.Second
)

// SlotAvailableChannel returns the pub/sub channel name a promotion worker
// subscribes to for campaign id, per spec.md §6.
func SlotAvailableChannel(campaignID string) string {
	return fmt.Sprintf("campaign:%s:slot-available", campaignID)
}

// Tracker owns the per-campaign concurrency-accounting keys described in
// spec.md §4.B's key table.
type Tracker struct {
	kvc    *kv.Coordinator
	logger telemetry.Logger
}

// New constructs a Tracker over kvc. logger may be nil (defaults applied by
// callers via telemetry/noop).
func New(kvc *kv.Coordinator, logger telemetry.Logger) *Tracker {
	return &Tracker{kvc: kvc, logger: logger}
}

// SeedLimit sets the campaign's :limit key if missing, reading the
// authoritative value from the campaign's database record. Dispatch must
// call this before the first ReserveSlot of a campaign's lifetime (spec.md
// §4.B "Tie-breaks and edge cases").
func (t *Tracker) SeedLimit(ctx context.Context, campaignID string, limit int64) error {
	existing, err := t.kvc.Get(ctx, keys.Limit(campaignID))
	if err != nil {
		return err
	}
	if existing != "" {
		return nil
	}
	return t.kvc.Set(ctx, keys.Limit(campaignID), strconv.FormatInt(limit, 10))
}

// SetLimit overwrites the campaign's :limit key unconditionally, used by
// the lifecycle controller's UpdateConcurrentCallsLimit operation after its
// saturation guard passes.
func (t *Tracker) SetLimit(ctx context.Context, campaignID string, limit int64) error {
	return t.kvc.Set(ctx, keys.Limit(campaignID), strconv.FormatInt(limit, 10))
}

// ReserveSlot implements spec.md §4.B's reserveSlot contract (invariant 1):
// if the campaign is paused, returns coreerrors.Conflict; otherwise atomically
// compares (active+pre-dial member count + reserved) against limit and, if
// there's headroom, increments reserved and records a reserved-ledger entry
// keyed by (origin, jobID).
func (t *Tracker) ReserveSlot(ctx context.Context, campaignID, origin, jobID string, enqueuedAtMillis int64) (ReserveResult, error) {
	ledgerMember := origin + ":" + jobID
	v, err := t.kvc.Run(ctx, reserveScript, []string{
		keys.Paused(campaignID),
		keys.Limit(campaignID),
		keys.Leases(campaignID),
		keys.Reserved(campaignID),
		keys.ReservedLedger(campaignID),
	}, ledgerMember, enqueuedAtMillis)
	if err != nil {
		switch {
		case containsMsg(err, "paused"):
			return "", coreerrors.New(coreerrors.Conflict, "ReserveSlot", fmt.Errorf("campaign %s is paused", campaignID))
		case containsMsg(err, "no-limit"):
			return "", coreerrors.New(coreerrors.Fatal, "ReserveSlot", fmt.Errorf("campaign %s has no :limit seeded", campaignID))
		default:
			return "", err
		}
	}
	s, _ := v.(string)
	switch ReserveResult(s) {
	case Granted:
		return Granted, nil
	default:
		return Waitlisted, nil
	}
}

func containsMsg(err error, needle string) bool {
	return err != nil && len(err.Error()) >= len(needle) && indexOf(err.Error(), needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// CreatePreDialLease implements spec.md §4.B's createPreDialLease:
// decrements reserved by one, clamped at zero (when reserved is already
// zero the lease is still created and nothing is logged; the reconciler
// re-converges the counter), clears the reservation's ledger entry
// (origin:jobID; both may be empty when no reservation preceded the lease,
// e.g. janitor tests), adds the pre-dial SET member, and writes a fresh
// opaque token with a TTL in [MinPreDialTTL, MaxPreDialTTL].
func (t *Tracker) CreatePreDialLease(ctx context.Context, campaignID, callID, origin, jobID string, ttl time.Duration) (string, error) {
	if ttl < MinPreDialTTL || ttl > MaxPreDialTTL {
		ttl = MinPreDialTTL
	}
	var ledgerMember string
	if jobID != "" {
		ledgerMember = origin + ":" + jobID
	}
	token := uuid.NewString()
	_, err := t.kvc.Run(ctx, createPreDialScript, []string{
		keys.Reserved(campaignID),
		keys.Leases(campaignID),
		keys.LeasePreDial(campaignID, callID),
		keys.ReservedLedger(campaignID),
	}, keys.PreDialMember(callID), token, int64(ttl.Seconds()), ledgerMember)
	if err != nil {
		return "", err
	}
	return token, nil
}

// ReleaseReservation undoes a granted reservation that will not proceed to
// a pre-dial lease (paused campaign observed post-grant, open circuit
// breaker): the clamped decrement and the ledger-entry removal happen in
// one script so no reconciler pass can observe one without the other.
func (t *Tracker) ReleaseReservation(ctx context.Context, campaignID, origin, jobID string) error {
	_, err := t.kvc.Run(ctx, releaseReservationScript, []string{
		keys.Reserved(campaignID),
		keys.ReservedLedger(campaignID),
	}, origin+":"+jobID)
	return err
}

// UpgradeToActive implements spec.md §4.B's upgradeToActive: a
// compare-and-swap on the stored pre-dial token (invariant 4). Returns
// ("", nil) when the caller lost the race (token mismatch or lease already
// expired/removed) — callers must treat that as a lost race and
// force-release.
func (t *Tracker) UpgradeToActive(ctx context.Context, campaignID, callID, preDialToken string, ttl time.Duration) (string, error) {
	if ttl < MinActiveTTL || ttl > MaxActiveTTL {
		ttl = MinActiveTTL
	}
	newToken := uuid.NewString()
	v, err := t.kvc.Run(ctx, upgradeScript, []string{
		keys.LeasePreDial(campaignID, callID),
		keys.Leases(campaignID),
		keys.LeaseActive(campaignID, callID),
	}, keys.PreDialMember(callID), callID, preDialToken, newToken, int64(ttl.Seconds()))
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// ReleaseActive implements spec.md §4.B's releaseActive: removes the active
// SET member and its token key, then publishes slot-available.
func (t *Tracker) ReleaseActive(ctx context.Context, campaignID, callID string) error {
	_, err := t.kvc.Run(ctx, releaseActiveScript, []string{
		keys.Leases(campaignID),
		keys.LeaseActive(campaignID, callID),
	}, callID, SlotAvailableChannel(campaignID))
	return err
}

// ForceReleaseSlot implements spec.md §4.B's forceReleaseSlot: unconditionally
// removes both possible SET members and both possible lease keys, then
// publishes slot-available. Idempotent — running it twice on an already
// released callID is a no-op from the caller's perspective.
func (t *Tracker) ForceReleaseSlot(ctx context.Context, campaignID, callID string) error {
	_, err := t.kvc.Run(ctx, forceReleaseScript, []string{
		keys.Leases(campaignID),
		keys.LeaseActive(campaignID, callID),
		keys.LeasePreDial(campaignID, callID),
	}, callID, keys.PreDialMember(callID), SlotAvailableChannel(campaignID))
	return err
}

// DecrReserved implements the clamped decrReserved script reconcilers use
// directly; an absent counter is treated as zero and the result never goes
// negative (invariant 5, and the open question in spec.md §9).
func (t *Tracker) DecrReserved(ctx context.Context, campaignID string) (int64, error) {
	v, err := t.kvc.Run(ctx, decrReservedScript, []string{keys.Reserved(campaignID)})
	if err != nil {
		return 0, err
	}
	n, _ := v.(int64)
	return n, nil
}

// ResetReserved re-seeds the :reserved counter at zero, used by the
// reservation-ledger reconciler when it finds more in-flight pre-dial
// leases than reserved+active account for (spec.md §4.F): rather than
// guess which ledger entries are stale, it recomputes the counter from
// scratch and lets subsequent ReserveSlot calls rebuild it.
func (t *Tracker) ResetReserved(ctx context.Context, campaignID string) error {
	return t.kvc.Set(ctx, keys.Reserved(campaignID), "0")
}

// GetActiveCalls returns SCARD(leases) — both pre-dial and active members.
// Callers filtering by prefix must inspect the returned membership via
// ListMembers.
func (t *Tracker) GetActiveCalls(ctx context.Context, campaignID string) (int64, error) {
	return t.kvc.SCard(ctx, keys.Leases(campaignID))
}

// ListMembers returns the raw :leases SET membership so callers (janitor,
// invariant monitor) can classify pre-dial vs active via keys.IsPreDial.
func (t *Tracker) ListMembers(ctx context.Context, campaignID string) ([]string, error) {
	return t.kvc.SMembers(ctx, keys.Leases(campaignID))
}

// ActiveCount returns only the active (non pre-dial) lease count.
func (t *Tracker) ActiveCount(ctx context.Context, campaignID string) (int64, error) {
	members, err := t.ListMembers(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, m := range members {
		if !keys.IsPreDial(m) {
			n++
		}
	}
	return n, nil
}

// PreDialCount returns only the pre-dial lease count.
func (t *Tracker) PreDialCount(ctx context.Context, campaignID string) (int64, error) {
	members, err := t.ListMembers(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, m := range members {
		if keys.IsPreDial(m) {
			n++
		}
	}
	return n, nil
}

// Reserved returns the current value of the :reserved counter.
func (t *Tracker) Reserved(ctx context.Context, campaignID string) (int64, error) {
	v, err := t.kvc.Get(ctx, keys.Reserved(campaignID))
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("concurrency: parse reserved counter: %w", err)
	}
	return n, nil
}

// Limit returns the current value of the :limit counter; ok is false if
// unseeded.
func (t *Tracker) Limit(ctx context.Context, campaignID string) (limit int64, ok bool, err error) {
	v, err := t.kvc.Get(ctx, keys.Limit(campaignID))
	if err != nil {
		return 0, false, err
	}
	if v == "" {
		return 0, false, nil
	}
	n, perr := strconv.ParseInt(v, 10, 64)
	if perr != nil {
		return 0, false, fmt.Errorf("concurrency: parse limit: %w", perr)
	}
	return n, true, nil
}

// RefreshActiveLease best-effort extends a long call's active-lease TTL.
// Failures are not propagated as fatal by callers — a missed refresh is
// repaired by the janitor re-adding the membership (observation-only
// repair) or, if the lease truly expired, by the normal orphan-release path.
func (t *Tracker) RefreshActiveLease(ctx context.Context, campaignID, callID string, ttl time.Duration) error {
	token, err := t.kvc.Get(ctx, keys.LeaseActive(campaignID, callID))
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	return t.kvc.SetEX(ctx, keys.LeaseActive(campaignID, callID), token, int64(ttl.Seconds()))
}

// IsPaused reports the current :paused flag state.
func (t *Tracker) IsPaused(ctx context.Context, campaignID string) (bool, error) {
	v, err := t.kvc.Get(ctx, keys.Paused(campaignID))
	if err != nil {
		return false, err
	}
	return v != "", nil
}

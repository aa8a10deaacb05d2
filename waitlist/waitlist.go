// Package waitlist implements the two-level (high/normal) deferred-job
// store with dedup markers, compaction, and pub/sub promotion signals
// described in spec.md §4.C.
package waitlist

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dialcore/campaign-core/campaign"
	"github.com/dialcore/campaign-core/concurrency"
	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
	"github.com/dialcore/campaign-core/telemetry"
)

// Origin is the high/normal lane discriminator from spec.md §3.1.
type Origin string

const (
	OriginHigh   Origin = "H"
	OriginNormal Origin = "N"
)

// DefaultAgingThreshold is the waitlist age beyond which a normal-lane job
// is allowed to jump ahead of high-lane jobs, per spec.md §4.C and the
// "aging threshold" glossary entry. This is one of the numeric defaults
// spec.md §9 leaves to the implementer.
const DefaultAgingThreshold = 30 * time.Second

// DefaultPromotionBatchSize bounds how many jobs a single promotion pass
// moves, another implementer-chosen default per spec.md §9.
const DefaultPromotionBatchSize = 10

// gateTTLSeconds is how long the promote-gate marker suppresses
// event-driven promotion passes after a pass found the waitlist empty.
const gateTTLSeconds = 2

// Entry is a deferred dispatch job as decoded from the waitlist marker, per
// spec.md §3.1's Waitlist Entry.
type Entry struct {
	CampaignID string
	JobID      string
	Origin     Origin
	EnqueuedAt time.Time
}

// Job is the minimal job identity the waitlist and dispatch pipeline pass
// around; origin assignment and re-enqueue destination depend only on
// these fields plus the campaign's PriorityMode.
type Job struct {
	CampaignID string
	ContactID  string
	Attempt    int
	Priority   int
}

// JobID derives the waitlist/dedup identifier for a job. Contact+attempt
// uniquely identifies one in-flight dispatch attempt.
func JobID(j Job) string {
	return fmt.Sprintf("%s:%d", j.ContactID, j.Attempt)
}

// OriginFor decides the push origin for a job given the campaign's priority
// mode, per spec.md §4.C's push policy.
func OriginFor(mode campaign.PriorityMode, priority int, threshold int) Origin {
	switch mode {
	case campaign.PriorityPriority:
		if priority >= threshold {
			return OriginHigh
		}
		return OriginNormal
	default:
		return OriginNormal
	}
}

// Service owns push/promote/compact operations for one or more campaigns,
// reading and writing exclusively through a kv.Coordinator.
type Service struct {
	kvc    *kv.Coordinator
	track  *concurrency.Tracker
	logger telemetry.Logger
}

// New constructs a Service.
func New(kvc *kv.Coordinator, track *concurrency.Tracker, logger telemetry.Logger) *Service {
	return &Service{kvc: kvc, track: track, logger: logger}
}

func listKey(campaignID string, origin Origin) string {
	if origin == OriginHigh {
		return keys.WaitlistHigh(campaignID)
	}
	return keys.WaitlistNormal(campaignID)
}

// Push enqueues a job onto the campaign's waitlist, choosing the list and
// push end per spec.md §4.C's push policy: priority mode picks H/N by
// contact priority; fifo always pushes N at the tail; lifo pushes N at the
// head. Duplicate pushes (an already-seen jobID) are dropped, with the
// duplicate count logged.
func (s *Service) Push(ctx context.Context, campaignID string, settings campaign.Settings, job Job, atHead bool) error {
	mode := settings.PriorityMode
	jobID := JobID(job)
	added, err := s.markSeen(ctx, campaignID, jobID)
	if err != nil {
		return err
	}
	if !added {
		s.logger.Info(ctx, "waitlist duplicate push dropped", "campaign_id", campaignID, "job_id", jobID)
		return nil
	}
	origin := OriginFor(mode, job.Priority, settings.HighPriorityThreshold)
	if err := s.writeMarker(ctx, campaignID, jobID, origin); err != nil {
		return err
	}
	if err := s.kvc.Del(ctx, keys.PromoteGate(campaignID)); err != nil {
		return err
	}
	list := listKey(campaignID, origin)
	if mode == campaign.PriorityLIFO || atHead {
		return s.kvc.LPush(ctx, list, jobID)
	}
	return s.kvc.RPush(ctx, list, jobID)
}

// PushHead re-queues a job at the head of its original lane, preserving
// origin, used when a reserve attempt during promotion fails (back-off) or
// a reconciler re-waitlists an orphaned reservation.
func (s *Service) PushHead(ctx context.Context, campaignID string, origin Origin, jobID string) error {
	added, err := s.markSeen(ctx, campaignID, jobID)
	if err != nil {
		return err
	}
	if added {
		if err := s.writeMarker(ctx, campaignID, jobID, origin); err != nil {
			return err
		}
	}
	if err := s.kvc.Del(ctx, keys.PromoteGate(campaignID)); err != nil {
		return err
	}
	return s.kvc.LPush(ctx, listKey(campaignID, origin), jobID)
}

func (s *Service) markSeen(ctx context.Context, campaignID, jobID string) (added bool, err error) {
	seenKey := keys.WaitlistSeen(campaignID)
	members, err := s.kvc.SMembers(ctx, seenKey)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == jobID {
			return false, nil
		}
	}
	if err := s.kvc.SAdd(ctx, seenKey, jobID); err != nil {
		return false, err
	}
	return true, nil
}

// writeMarker records the job's origin and insertion timestamp. The
// timestamp is the job's first-seen time from the :fairness sorted set, not
// the wall clock, so a job bounced back by Requeue keeps accruing age
// toward the starvation threshold instead of resetting it.
func (s *Service) writeMarker(ctx context.Context, campaignID, jobID string, origin Origin) error {
	ms, err := s.firstSeen(ctx, campaignID, jobID)
	if err != nil {
		return err
	}
	val := fmt.Sprintf("%s|%d", origin, ms)
	return s.kvc.Set(ctx, keys.WaitlistMarker(campaignID, jobID), val)
}

// firstSeen returns the job's first-seen timestamp in ms, recording the
// current time in the :fairness sorted set on first sight.
func (s *Service) firstSeen(ctx context.Context, campaignID, jobID string) (int64, error) {
	score, ok, err := s.kvc.ZScore(ctx, keys.Fairness(campaignID), jobID)
	if err != nil {
		return 0, err
	}
	if ok {
		return int64(score), nil
	}
	now := time.Now().UnixMilli()
	if err := s.kvc.ZAdd(ctx, keys.Fairness(campaignID), float64(now), jobID); err != nil {
		return 0, err
	}
	return now, nil
}

// Forget drops the job's first-seen fairness entry, called once a promoted
// job has been handed to the main queue for good (as opposed to Requeue,
// which keeps it so age survives the bounce).
func (s *Service) Forget(ctx context.Context, campaignID, jobID string) error {
	return s.kvc.ZRem(ctx, keys.Fairness(campaignID), jobID)
}

func parseMarker(val string) (Origin, time.Time, error) {
	for i := 0; i < len(val); i++ {
		if val[i] == '|' {
			origin := Origin(val[:i])
			ms, err := strconv.ParseInt(val[i+1:], 10, 64)
			if err != nil {
				return "", time.Time{}, err
			}
			return origin, time.UnixMilli(ms), nil
		}
	}
	return "", time.Time{}, fmt.Errorf("waitlist: malformed marker %q", val)
}

func (s *Service) removeFromSeenAndMarker(ctx context.Context, campaignID, jobID string) error {
	if err := s.kvc.SRem(ctx, keys.WaitlistSeen(campaignID), jobID); err != nil {
		return err
	}
	return s.kvc.Del(ctx, keys.WaitlistMarker(campaignID, jobID))
}

// Depth returns the combined H+N waitlist depth for a campaign.
func (s *Service) Depth(ctx context.Context, campaignID string) (int64, error) {
	h, err := s.kvc.LLen(ctx, keys.WaitlistHigh(campaignID))
	if err != nil {
		return 0, err
	}
	n, err := s.kvc.LLen(ctx, keys.WaitlistNormal(campaignID))
	if err != nil {
		return 0, err
	}
	return h + n, nil
}

// Promoted is one job moved off the waitlist by a promotion pass, ready for
// the caller (dispatch pipeline) to attempt ReserveSlot and re-enqueue.
type Promoted struct {
	JobID  string
	Origin Origin
}

// takeMutex acquires the short-lived promote-mutex leader token for a
// campaign, returning ("", false) if another promoter currently holds it.
// The token is released by releaseMutex, not by TTL expiry alone, so the
// common case frees the mutex well under its TTL ceiling.
func (s *Service) takeMutex(ctx context.Context, campaignID string) (string, bool, error) {
	token := uuid.NewString()
	existing, err := s.kvc.Get(ctx, keys.PromoteMutex(campaignID))
	if err != nil {
		return "", false, err
	}
	if existing != "" {
		return "", false, nil
	}
	if err := s.kvc.SetEX(ctx, keys.PromoteMutex(campaignID), token, 5); err != nil {
		return "", false, err
	}
	// Re-read to detect the race where two promoters both observed an empty
	// mutex and both wrote; the last writer wins the lock, consistent with
	// the short (<=5s) TTL spec.md §6 mandates for promote-mutex.
	confirm, err := s.kvc.Get(ctx, keys.PromoteMutex(campaignID))
	if err != nil {
		return "", false, err
	}
	if confirm != token {
		return "", false, nil
	}
	return token, true, nil
}

func (s *Service) releaseMutex(ctx context.Context, campaignID, token string) {
	existing, err := s.kvc.Get(ctx, keys.PromoteMutex(campaignID))
	if err != nil || existing != token {
		return
	}
	_ = s.kvc.Del(ctx, keys.PromoteMutex(campaignID))
}

// Promote drains up to min(limit-(active+reserved+predial), batchSize) jobs
// from the waitlist, serialized by the promote-mutex (spec.md §4.C, §5).
// The H list is drained before N, except that an N-list entry older than
// agingThreshold promotes ahead of H to avoid starvation. While the
// campaign's cold-start marker is present the batch is halved, damping the
// initial ramp. It returns the drained jobs; the caller is responsible for
// attempting ReserveSlot for each and re-enqueuing on success, or calling
// Requeue on failure. A pass that finds the waitlist empty arms the
// promote-gate so event-driven promoters can skip redundant passes until
// new work arrives or the gate expires.
func (s *Service) Promote(ctx context.Context, campaignID string, limit int64, agingThreshold time.Duration, batchSize int) ([]Promoted, error) {
	if agingThreshold <= 0 {
		agingThreshold = DefaultAgingThreshold
	}
	if batchSize <= 0 {
		batchSize = DefaultPromotionBatchSize
	}
	if coldStart, err := s.kvc.Exists(ctx, keys.ColdStart(campaignID)); err != nil {
		return nil, err
	} else if coldStart && batchSize > 1 {
		batchSize /= 2
	}
	token, ok, err := s.takeMutex(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	defer s.releaseMutex(ctx, campaignID, token)

	active, err := s.track.ActiveCount(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	predial, err := s.track.PreDialCount(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	reserved, err := s.track.Reserved(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	free := limit - (active + predial + reserved)
	if free <= 0 {
		return nil, nil
	}
	if int64(batchSize) < free {
		free = int64(batchSize)
	}

	var out []Promoted
	for int64(len(out)) < free {
		jobID, origin, ok, err := s.nextCandidate(ctx, campaignID, agingThreshold)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		if err := s.removeFromSeenAndMarker(ctx, campaignID, jobID); err != nil {
			return out, err
		}
		out = append(out, Promoted{JobID: jobID, Origin: origin})
	}
	if len(out) == 0 {
		if err := s.kvc.SetEX(ctx, keys.PromoteGate(campaignID), "1", gateTTLSeconds); err != nil {
			return out, err
		}
	}
	return out, nil
}

// GateArmed reports whether a recent promotion pass found nothing to do,
// letting event-driven promoters coalesce slot-available bursts.
func (s *Service) GateArmed(ctx context.Context, campaignID string) (bool, error) {
	return s.kvc.Exists(ctx, keys.PromoteGate(campaignID))
}

// nextCandidate pops the next job to promote following the H-before-N rule
// with the aging exception, without yet clearing its dedup/marker state
// (callers must do that once the pop is final).
func (s *Service) nextCandidate(ctx context.Context, campaignID string, agingThreshold time.Duration) (jobID string, origin Origin, ok bool, err error) {
	// Check the oldest normal-lane entry first to decide whether aging
	// promotes it ahead of high-priority.
	normalHead, hasNormal, err := s.peekHead(ctx, campaignID, OriginNormal)
	if err != nil {
		return "", "", false, err
	}
	if hasNormal {
		_, age, err := s.markerAge(ctx, campaignID, normalHead)
		if err == nil && age >= agingThreshold {
			if popped, ok, err := s.pop(ctx, campaignID, OriginNormal); err != nil {
				return "", "", false, err
			} else if ok {
				return popped, OriginNormal, true, nil
			}
		}
	}
	if popped, ok, err := s.pop(ctx, campaignID, OriginHigh); err != nil {
		return "", "", false, err
	} else if ok {
		return popped, OriginHigh, true, nil
	}
	if popped, ok, err := s.pop(ctx, campaignID, OriginNormal); err != nil {
		return "", "", false, err
	} else if ok {
		return popped, OriginNormal, true, nil
	}
	return "", "", false, nil
}

// pop removes and returns the promotable end of a lane's list: LPOP from
// the head. Push appends fifo/priority jobs at the tail, so the head holds
// the oldest of them; lifo pushes and PushHead/Requeue bounces go to the
// head, so those are promoted first.
func (s *Service) pop(ctx context.Context, campaignID string, origin Origin) (string, bool, error) {
	v, ok, err := s.kvc.LPop(ctx, listKey(campaignID, origin))
	return v, ok, err
}

func (s *Service) peekHead(ctx context.Context, campaignID string, origin Origin) (string, bool, error) {
	vs, err := s.kvc.LRange(ctx, listKey(campaignID, origin), 0, 0)
	if err != nil {
		return "", false, err
	}
	if len(vs) == 0 {
		return "", false, nil
	}
	return vs[0], true, nil
}

func (s *Service) markerAge(ctx context.Context, campaignID, jobID string) (Origin, time.Duration, error) {
	v, err := s.kvc.Get(ctx, keys.WaitlistMarker(campaignID, jobID))
	if err != nil {
		return "", 0, err
	}
	if v == "" {
		return "", 0, fmt.Errorf("waitlist: no marker for %q", jobID)
	}
	origin, ts, err := parseMarker(v)
	if err != nil {
		return "", 0, err
	}
	return origin, time.Since(ts), nil
}

// Requeue returns a promoted-but-unreservable job to the head of its lane
// (spec.md §4.C: "on reserve failure, return the job to the head of its
// list and publish a back-off signal").
func (s *Service) Requeue(ctx context.Context, campaignID string, p Promoted) error {
	if err := s.PushHead(ctx, campaignID, p.Origin, p.JobID); err != nil {
		return err
	}
	return s.kvc.Publish(ctx, backoffChannel(campaignID), "1")
}

func backoffChannel(campaignID string) string {
	return "campaign:" + campaignID + ":waitlist-backoff"
}

// PublishSlotAvailable is a convenience used by callers that want to
// trigger a promotion pass without going through the concurrency tracker
// (e.g. the lifecycle controller after a limit increase).
func (s *Service) PublishSlotAvailable(ctx context.Context, campaignID string) error {
	return s.kvc.Publish(ctx, concurrency.SlotAvailableChannel(campaignID), "1")
}

// Clear drops every waitlist list, the dedup set, and every per-job marker
// for a campaign, used by Lifecycle.Cancel and Purge where queued work
// must never be promoted again.
func (s *Service) Clear(ctx context.Context, campaignID string) error {
	if err := s.kvc.Del(ctx,
		keys.WaitlistHigh(campaignID), keys.WaitlistNormal(campaignID), keys.WaitlistSeen(campaignID),
		keys.Fairness(campaignID), keys.PromoteGate(campaignID)); err != nil {
		return err
	}
	markerGlob := keys.Campaign(campaignID) + ":waitlist:marker:*"
	var scanErr error
	if err := s.kvc.Scan(ctx, markerGlob, 200, func(batch []string) bool {
		if uerr := s.kvc.Unlink(ctx, batch...); uerr != nil {
			scanErr = uerr
			return false
		}
		return true
	}); err != nil {
		return err
	}
	return scanErr
}

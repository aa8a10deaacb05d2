// Package keys builds the hash-tagged Redis key names used by every
// campaign-scoped KV operation. This is the only package permitted to
// format a campaign key by hand: every other package must call through
// here, guaranteeing invariant 7 from spec.md §3.2 — all keys belonging to
// a campaign share the literal hash tag "{campaignId}" so that multi-key
// Lua scripts land on the same slot in a clustered Redis deployment.
package keys

import (
	"fmt"
	"strings"
)

// Campaign returns the hash-tagged key prefix "campaign:{id}" shared by
// every key below. Callers should not use this directly except to build a
// SCAN match pattern; use the typed helpers for concrete keys.
func Campaign(id string) string {
	return fmt.Sprintf("campaign:{%s}", id)
}

func Leases(id string) string          { return Campaign(id) + ":leases" }
func LeaseActive(id, callID string) string { return fmt.Sprintf("%s:lease:%s", Campaign(id), callID) }
func LeasePreDial(id, callID string) string {
	return fmt.Sprintf("%s:lease:pre-%s", Campaign(id), callID)
}
func Limit(id string) string          { return Campaign(id) + ":limit" }
func Reserved(id string) string       { return Campaign(id) + ":reserved" }
func ReservedLedger(id string) string { return Campaign(id) + ":reserved:ledger" }
func Paused(id string) string         { return Campaign(id) + ":paused" }
func PromoteGate(id string) string    { return Campaign(id) + ":promote-gate" }
func PromoteMutex(id string) string   { return Campaign(id) + ":promote-mutex" }
func CircuitFailCounter(id string) string { return Campaign(id) + ":cb:fail" }
func Circuit(id string) string        { return Campaign(id) + ":circuit" }
func Fairness(id string) string       { return Campaign(id) + ":fairness" }
func ColdStart(id string) string      { return Campaign(id) + ":cold-start" }

func WaitlistHigh(id string) string   { return Campaign(id) + ":waitlist:high" }
func WaitlistNormal(id string) string { return Campaign(id) + ":waitlist:normal" }
func WaitlistSeen(id string) string   { return Campaign(id) + ":waitlist:seen" }
func WaitlistMarker(id, jobID string) string {
	return fmt.Sprintf("%s:waitlist:marker:%s", Campaign(id), jobID)
}

// ScanGlob returns a SCAN MATCH pattern covering every static and dynamic
// key for a campaign, used by Lifecycle.Purge and the invariant monitor.
func ScanGlob(id string) string {
	return Campaign(id) + ":*"
}

// PreDialMember returns the SET-membership token for a pre-dial lease
// ("pre-<callId>"), the tagged-variant discriminator spec.md's design notes
// call out as replacing an inheritance hierarchy over lease kind.
func PreDialMember(callID string) string { return "pre-" + callID }

// IsPreDial reports whether a :leases SET member represents a pre-dial
// lease rather than an active one.
func IsPreDial(member string) bool {
	return len(member) > 4 && member[:4] == "pre-"
}

// CallIDFromMember strips the "pre-" discriminator, if present, returning
// the bare call-log identifier for either lease kind.
func CallIDFromMember(member string) string {
	if IsPreDial(member) {
		return member[4:]
	}
	return member
}

// leasePrefix is the fixed segment every lease key shares, used by
// ParseLeaseKey to recover (campaignID, callID, isPreDial) from a SCAN hit.
const leasePrefix = ":lease:"

// ParseLeaseKey recovers the call-log identifier and pre-dial/active
// discriminator from a key produced by LeaseActive/LeasePreDial, as seen by
// the janitor's reverse (key -> membership) repair pass. ok is false for
// any key not shaped like a lease key.
func ParseLeaseKey(key string) (callID string, isPreDial bool, ok bool) {
	i := strings.Index(key, leasePrefix)
	if i < 0 {
		return "", false, false
	}
	rest := key[i+len(leasePrefix):]
	if strings.HasPrefix(rest, "pre-") {
		return rest[4:], true, true
	}
	return rest, false, true
}

// StaticKeys returns every campaign key whose name does not depend on a
// call-log or waitlist-job identifier, i.e. every key Purge and Shutdown
// must UNLINK outright rather than discover via SCAN. Dynamic keys
// (per-call lease keys, per-job waitlist markers) are enumerated
// separately with ScanGlob.
func StaticKeys(id string) []string {
	return []string{
		Leases(id),
		Limit(id),
		Reserved(id),
		ReservedLedger(id),
		Paused(id),
		PromoteGate(id),
		PromoteMutex(id),
		CircuitFailCounter(id),
		Circuit(id),
		Fairness(id),
		ColdStart(id),
		WaitlistHigh(id),
		WaitlistNormal(id),
		WaitlistSeen(id),
	}
}

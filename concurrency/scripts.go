package concurrency

import "github.com/dialcore/campaign-core/kv"

// The seven atomic scripts below implement spec.md §4.B's contracts. Each is
// a single Lua script so the read-decide-write sequence it encodes is
// indivisible from the point of view of every other worker process, per the
// concurrency model in spec.md §5 ("all slot-granting decisions therefore
// occur inside single atomic KVC scripts").
//
// KEYS are always passed in the fixed order documented above each script so
// that hash-tag affinity (spec.md invariant 7) is visible by inspection:
// every key is built from the same campaign id by package kv/keys.

// reserveScript implements reserveSlot: if paused, fail; otherwise grant a
// reservation when (members + reserved) < limit.
//
// KEYS[1] = paused, KEYS[2] = limit, KEYS[3] = leases (SET),
// KEYS[4] = reserved, KEYS[5] = reserved-ledger (ZSET)
// ARGV[1] = ledger member ("<origin>:<jobId>"), ARGV[2] = enqueue-time ms
var reserveScript = kv.NewScript(`
local paused = redis.call('GET', KEYS[1])
if paused then
  return {err = 'paused'}
end
local limit = tonumber(redis.call('GET', KEYS[2]))
if not limit then
  return {err = 'no-limit'}
end
local members = redis.call('SCARD', KEYS[3])
local reserved = tonumber(redis.call('GET', KEYS[4]) or '0')
if (members + reserved) < limit then
  redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[5], ARGV[2], ARGV[1])
  return 'granted'
end
return 'waitlisted'
`)

// createPreDialScript implements createPreDialLease: clamp-decrement
// reserved, clear the reservation's ledger entry (the reservation has
// converted into a lease, so invariant 3's bridge accounting ends here),
// add the pre-dial SET member, and set its token key with a TTL.
//
// KEYS[1] = reserved, KEYS[2] = leases (SET), KEYS[3] = lease:pre-<callId>,
// KEYS[4] = reserved-ledger (ZSET)
// ARGV[1] = pre-dial SET member ("pre-<callId>"), ARGV[2] = token,
// ARGV[3] = ttl seconds, ARGV[4] = ledger member ("<origin>:<jobId>", may be "")
var createPreDialScript = kv.NewScript(`
local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
if reserved > 0 then
  redis.call('DECR', KEYS[1])
end
if ARGV[4] ~= '' then
  redis.call('ZREM', KEYS[4], ARGV[4])
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2], 'EX', ARGV[3])
return ARGV[2]
`)

// releaseReservationScript undoes a granted reservation that never became a
// lease: clamp-decrement reserved and remove the ledger entry together, so
// a dispatcher backing out (paused campaign, open circuit) cannot leave a
// stale entry for the reconciler to double-decrement later.
//
// KEYS[1] = reserved, KEYS[2] = reserved-ledger (ZSET)
// ARGV[1] = ledger member ("<origin>:<jobId>")
var releaseReservationScript = kv.NewScript(`
local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
if reserved > 0 then
  redis.call('DECR', KEYS[1])
end
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// upgradeScript implements upgradeToActive: a compare-and-swap keyed on the
// pre-dial token. No direct active-lease creation path exists anywhere
// else, satisfying invariant 4.
//
// KEYS[1] = lease:pre-<callId>, KEYS[2] = leases (SET), KEYS[3] = lease:<callId>
// ARGV[1] = pre-dial SET member, ARGV[2] = active SET member (bare callId),
// ARGV[3] = expected pre-dial token, ARGV[4] = new active token,
// ARGV[5] = ttl seconds
var upgradeScript = kv.NewScript(`
local stored = redis.call('GET', KEYS[1])
if not stored or stored ~= ARGV[3] then
  return ''
end
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[3], ARGV[4], 'EX', ARGV[5])
return ARGV[4]
`)

// releaseActiveScript implements releaseActive: remove the active SET
// member and its token key, then publish slot-available.
//
// KEYS[1] = leases (SET), KEYS[2] = lease:<callId>
// ARGV[1] = active SET member (bare callId), ARGV[2] = slot-available channel
var releaseActiveScript = kv.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('PUBLISH', ARGV[2], '1')
return 1
`)

// forceReleaseScript implements forceReleaseSlot: remove both the pre-dial
// and active SET members and their lease keys unconditionally, then publish
// slot-available. Used by the janitor and graceful shutdown; idempotent.
//
// KEYS[1] = leases (SET), KEYS[2] = lease:<callId>, KEYS[3] = lease:pre-<callId>
// ARGV[1] = active SET member, ARGV[2] = pre-dial SET member,
// ARGV[3] = slot-available channel
var forceReleaseScript = kv.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[1], ARGV[2])
redis.call('DEL', KEYS[2])
redis.call('DEL', KEYS[3])
redis.call('PUBLISH', ARGV[3], '1')
return 1
`)

// decrReservedScript implements the clamped decrReserved helper invoked
// directly by the reconcilers: an absent counter is treated as zero
// (spec.md §9 open question), and the result never goes negative
// (invariant 5).
//
// KEYS[1] = reserved
var decrReservedScript = kv.NewScript(`
local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
if reserved > 0 then
  return redis.call('DECR', KEYS[1])
end
redis.call('SET', KEYS[1], '0')
return 0
`)

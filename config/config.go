// Package config loads the campaign dispatch core's environment/config
// surface from spec.md §6: KV connection, database connection, queue
// backend, system-wide concurrency defaults, the janitor/reconciler
// intervals and aging/circuit-breaker thresholds, and the shutdown grace
// period. It follows the teacher's envOr/envIntOr/envDurationOr idiom from
// registry/cmd/registry/main.go rather than a flag/viper-style library,
// since that is the only configuration mechanism the teacher's own
// processes use.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config bundles every environment-driven knob the dispatcher process
// entrypoint needs to wire the core's components.
type Config struct {
	// RedisURL / RedisPassword address the KV Coordinator's backing store.
	// A cluster deployment is selected by RedisCluster listing at least
	// one address.
	RedisURL      string
	RedisPassword string
	RedisCluster  []string

	// MongoURL / MongoDatabase address the durable campaign/contact/
	// call-log/retry-attempt store.
	MongoURL      string
	MongoDatabase string

	// SystemMaxConcurrentCalls sets how many job-handling worker goroutines
	// the dispatcher process runs (values <= 0 or above 64 become 64). It
	// does not cap calls in progress: a worker takes the next job once
	// HandleJob returns, while the call it dialled may still be running.
	SystemMaxConcurrentCalls int

	// JanitorInterval is how often the Lease Janitor (§4.E) scans each
	// active campaign. Spec range: 30-60s.
	JanitorInterval time.Duration
	// LedgerReconcileInterval / QueueReconcileInterval drive §4.F/§4.G.
	LedgerReconcileInterval time.Duration
	QueueReconcileInterval  time.Duration
	// InvariantMonitorInterval drives §4.H's slower-cadence assertions.
	InvariantMonitorInterval time.Duration
	// CompactorInterval drives the Waitlist Compactor (§4.C).
	CompactorInterval time.Duration

	// LedgerGraceWindow is how old a reserved-ledger entry must be before
	// the Ledger Reconciler treats it as orphaned (§4.F default 15s).
	LedgerGraceWindow time.Duration
	// LeaseOrphanGrace is loaded from LEASE_ORPHAN_GRACE but is not passed
	// to the Janitor, which force-releases a member whose lease key is
	// absent on the first sweep that sees it, with no grace period.
	LeaseOrphanGrace time.Duration
	// StallThreshold is how long a call-log may sit non-terminal before
	// the Queue Reconciler treats its job as stalled (§4.G).
	StallThreshold time.Duration
	// AgingThreshold is the waitlist age at which a normal-lane job
	// jumps ahead of high-priority (§4.C default 30s).
	AgingThreshold time.Duration
	// PromotionBatchSize bounds a single promotion pass (§4.C default 10).
	PromotionBatchSize int

	// CircuitFailureThreshold / CircuitOpenDuration tune the vendor
	// circuit breaker (§4.D).
	CircuitFailureThreshold int64
	CircuitOpenDuration     time.Duration

	// ColdStartRampDuration is how long a freshly started campaign's
	// cold-start marker is held (§4.I, §9).
	ColdStartRampDuration time.Duration

	// ShutdownGrace bounds the §4.K step-4 grace wait; ShutdownDrainWait
	// bounds step 6's wait for active queue jobs to finish.
	ShutdownGrace    time.Duration
	ShutdownDrainWait time.Duration

	// PurgeGraceWait is the §4.I Purge step-3 wait for in-flight
	// dispatchers to observe the pause flag before cancellation proceeds.
	PurgeGraceWait time.Duration
}

// Load reads Config from the environment, applying spec-compatible
// defaults for anything unset.
func Load() Config {
	return Config{
		RedisURL:      envOr("REDIS_URL", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisCluster:  envListOr("REDIS_CLUSTER_ADDRS", nil),

		MongoURL:      envOr("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase: envOr("MONGO_DATABASE", "campaign_core"),

		SystemMaxConcurrentCalls: envIntOr("SYSTEM_MAX_CONCURRENT_CALLS", 500),

		JanitorInterval:          envDurationOr("JANITOR_INTERVAL", 45*time.Second),
		LedgerReconcileInterval:  envDurationOr("LEDGER_RECONCILE_INTERVAL", 10*time.Second),
		QueueReconcileInterval:   envDurationOr("QUEUE_RECONCILE_INTERVAL", 20*time.Second),
		InvariantMonitorInterval: envDurationOr("INVARIANT_MONITOR_INTERVAL", 2*time.Minute),
		CompactorInterval:        envDurationOr("COMPACTOR_INTERVAL", 5*time.Second),

		LedgerGraceWindow: envDurationOr("LEDGER_GRACE_WINDOW", 15*time.Second),
		LeaseOrphanGrace:  envDurationOr("LEASE_ORPHAN_GRACE", 5*time.Second),
		StallThreshold:    envDurationOr("QUEUE_STALL_THRESHOLD", 3*time.Minute),
		AgingThreshold:    envDurationOr("WAITLIST_AGING_THRESHOLD", 30*time.Second),
		PromotionBatchSize: envIntOr("WAITLIST_PROMOTION_BATCH_SIZE", 10),

		CircuitFailureThreshold: int64(envIntOr("CIRCUIT_FAILURE_THRESHOLD", 5)),
		CircuitOpenDuration:     envDurationOr("CIRCUIT_OPEN_DURATION", 30*time.Second),

		ColdStartRampDuration: envDurationOr("COLD_START_RAMP_DURATION", 20*time.Second),

		ShutdownGrace:     envDurationOr("SHUTDOWN_GRACE", 3*time.Second),
		ShutdownDrainWait: envDurationOr("SHUTDOWN_DRAIN_WAIT", 30*time.Second),

		PurgeGraceWait: envDurationOr("PURGE_GRACE_WAIT", 2*time.Second),
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envListOr(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

package dispatch

import (
	"context"
	"time"

	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/kv/keys"
)

// CircuitState mirrors the three-state breaker from spec.md §4.D's
// "vendor circuit breaker" notes. State itself lives in KV (:circuit), not
// in process memory, since every dispatcher instance must observe the same
// breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// Default breaker tuning, implementer-chosen per spec.md §9.
const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 30 * time.Second
	DefaultFailCounterTTL   = 60 * time.Second
)

// Circuit is the KV-backed per-campaign vendor circuit breaker.
type Circuit struct {
	kvc              *kv.Coordinator
	failureThreshold int64
	openDuration     time.Duration
}

// NewCircuit constructs a Circuit with the given tuning; zero values apply
// the package defaults.
func NewCircuit(kvc *kv.Coordinator, failureThreshold int64, openDuration time.Duration) *Circuit {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Circuit{kvc: kvc, failureThreshold: failureThreshold, openDuration: openDuration}
}

// Allow reports whether a new vendor call may be attempted. A half-open
// state is entered automatically once :circuit's recorded open-until
// timestamp has elapsed. Half-open admits every call, as closed does; the
// next RecordSuccess closes the breaker, and a RecordFailure reopens it
// whenever the failure counter is at or above the threshold.
func (c *Circuit) Allow(ctx context.Context, campaignID string) (bool, error) {
	state, openUntil, err := c.read(ctx, campaignID)
	if err != nil {
		return false, err
	}
	switch state {
	case CircuitOpen:
		if time.Now().After(openUntil) {
			return true, c.write(ctx, campaignID, CircuitHalfOpen, time.Time{})
		}
		return false, nil
	default:
		return true, nil
	}
}

// RecordSuccess resets the failure counter and closes the breaker.
func (c *Circuit) RecordSuccess(ctx context.Context, campaignID string) error {
	if err := c.kvc.Del(ctx, keys.CircuitFailCounter(campaignID)); err != nil {
		return err
	}
	return c.write(ctx, campaignID, CircuitClosed, time.Time{})
}

// RecordFailure increments the failure counter and trips the breaker open
// once failureThreshold consecutive vendor failures are observed within the
// counter's TTL window.
func (c *Circuit) RecordFailure(ctx context.Context, campaignID string) error {
	n, err := c.kvc.Incr(ctx, keys.CircuitFailCounter(campaignID))
	if err != nil {
		return err
	}
	if n == 1 {
		if err := c.kvc.SetEX(ctx, keys.CircuitFailCounter(campaignID), "1", int64(DefaultFailCounterTTL.Seconds())); err != nil {
			return err
		}
	}
	if n >= c.failureThreshold {
		return c.write(ctx, campaignID, CircuitOpen, time.Now().Add(c.openDuration))
	}
	return nil
}

func (c *Circuit) read(ctx context.Context, campaignID string) (CircuitState, time.Time, error) {
	v, err := c.kvc.Get(ctx, keys.Circuit(campaignID))
	if err != nil {
		return CircuitClosed, time.Time{}, err
	}
	if v == "" {
		return CircuitClosed, time.Time{}, nil
	}
	state, until, err := parseCircuitValue(v)
	if err != nil {
		return CircuitClosed, time.Time{}, nil
	}
	return state, until, nil
}

func (c *Circuit) write(ctx context.Context, campaignID string, state CircuitState, until time.Time) error {
	return c.kvc.Set(ctx, keys.Circuit(campaignID), encodeCircuitValue(state, until))
}

func encodeCircuitValue(state CircuitState, until time.Time) string {
	return string(state) + "|" + until.Format(time.RFC3339Nano)
}

func parseCircuitValue(v string) (CircuitState, time.Time, error) {
	for i := 0; i < len(v); i++ {
		if v[i] == '|' {
			state := CircuitState(v[:i])
			until, err := time.Parse(time.RFC3339Nano, v[i+1:])
			if err != nil {
				return CircuitClosed, time.Time{}, err
			}
			return state, until, nil
		}
	}
	return CircuitClosed, time.Time{}, nil
}

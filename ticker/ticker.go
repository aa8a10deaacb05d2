// Package ticker provides the distributed-tick abstraction the background
// reconciliation services (janitor, ledger reconciler, queue reconciler,
// invariant monitor) drive their polling loops from. In a multi-node
// dispatcher fleet only one node should actually run a given campaign's
// reconciliation pass per interval; Ticker wraps goa.design/pulse/pool's
// distributed ticker so that guarantee holds without an explicit leader
// election protocol in this module, following the pattern in
// registry/health_tracker.go's ping-loop tickers.
package ticker

import (
	"context"
	"fmt"
	"time"

	"goa.design/pulse/pool"
)

// Ticker is satisfied by both *pool.Ticker (production, distributed across
// a pulse pool.Node) and localTicker (tests, or single-node deployments
// with no pulse Redis pool configured).
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// poolTicker adapts *pool.Ticker, whose channel field is named C, to the
// Ticker interface's method form.
type poolTicker struct {
	t *pool.Ticker
}

func (p *poolTicker) C() <-chan time.Time { return p.t.C }
func (p *poolTicker) Stop()               { p.t.Stop() }

// Source constructs distributed tickers scoped to a name, backed by a
// pulse pool.Node. Production wiring constructs one Source per dispatcher
// process from the same pool.Node used for graceful-shutdown coordination.
type Source struct {
	node *pool.Node
}

// NewSource wraps a pulse pool.Node.
func NewSource(node *pool.Node) *Source {
	return &Source{node: node}
}

// New starts a distributed ticker named name that ticks every interval.
// Only one node across the pulse pool receives each tick; if that node
// disappears, pulse reassigns the ticker to a surviving node automatically.
func (s *Source) New(ctx context.Context, name string, interval time.Duration) (Ticker, error) {
	t, err := s.node.NewTicker(ctx, name, interval)
	if err != nil {
		return nil, fmt.Errorf("ticker: create distributed ticker %q: %w", name, err)
	}
	return &poolTicker{t: t}, nil
}

// localTicker wraps time.Ticker for tests and single-process deployments
// where no pulse pool is configured.
type localTicker struct {
	t *time.Ticker
}

func (l *localTicker) C() <-chan time.Time { return l.t.C }
func (l *localTicker) Stop()               { l.t.Stop() }

// NewLocal starts a plain, non-distributed ticker. Every process running
// NewLocal for the same name ticks independently — safe only when exactly
// one dispatcher process is running, which is why production wiring
// prefers Source.New whenever a pulse pool is available.
func NewLocal(interval time.Duration) Ticker {
	return &localTicker{t: time.NewTicker(interval)}
}

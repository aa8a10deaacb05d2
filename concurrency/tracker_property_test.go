package concurrency

import (
	"context"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dialcore/campaign-core/kv"
	"github.com/dialcore/campaign-core/telemetry/noop"
)

// op is one step of a randomly generated operation sequence exercised
// against a single campaign's concurrency accounting.
type op struct {
	// Kind selects which Tracker method the sequence step invokes:
	// 0 = ReserveSlot, 1 = CreatePreDialLease, 2 = DecrReserved directly
	// (simulating a reconciler's clamp-decrement outside the normal flow).
	Kind int
	Seq  int
}

func genOps() gopter.Gen {
	return gen.SliceOfN(40, genOp())
}

func genOp() gopter.Gen {
	return gen.Struct(reflect.TypeOf(op{}), map[string]gopter.Gen{
		"Kind": gen.IntRange(0, 2),
		"Seq":  gen.IntRange(0, 1000),
	})
}

// TestReservedNeverNegativeAcrossInterleavedOps verifies spec.md §8's
// property: ":reserved never becomes negative across arbitrary sequences of
// reserveSlot/createPreDialLease/decrReserved operations interleaved from N
// workers." Operations are applied sequentially against one campaign (the
// atomicity guarantee within a single script call is what prevents torn
// reads, not goroutine scheduling, so a sequential replay of arbitrary
// orderings covers the same state space any interleaving can reach).
func TestReservedNeverNegativeAcrossInterleavedOps(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("reserved counter never goes negative", prop.ForAll(
		func(ops []op) bool {
			ctx := context.Background()
			mr, err := miniredis.Run()
			if err != nil {
				t.Fatal(err)
			}
			defer mr.Close()
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			defer client.Close()

			tr := New(kv.New(client), noop.NewLogger())
			require.NoError(t, tr.SeedLimit(ctx, "camp-prop", 5))

			for _, o := range ops {
				switch o.Kind {
				case 0:
					_, _ = tr.ReserveSlot(ctx, "camp-prop", "N", "job-"+strconv.Itoa(o.Seq), time.Now().UnixMilli())
				case 1:
					_, _ = tr.CreatePreDialLease(ctx, "camp-prop", "call-"+strconv.Itoa(o.Seq), "", "", 45*time.Second)
				default:
					_, _ = tr.DecrReserved(ctx, "camp-prop")
				}
				reserved, err := tr.Reserved(ctx, "camp-prop")
				if err != nil {
					t.Fatal(err)
				}
				if reserved < 0 {
					return false
				}
			}
			return true
		},
		genOps(),
	))

	properties.TestingRun(t)
}

// TestUpgradeTokenMismatchNeverMutatesState verifies spec.md §8: "Token
// match is required for upgrade: upgradeToActive with a non-matching token
// must not mutate state."
func TestUpgradeTokenMismatchNeverMutatesState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("mismatched token upgrade leaves pre-dial membership untouched", prop.ForAll(
		func(wrongToken string) bool {
			ctx := context.Background()
			mr, err := miniredis.Run()
			if err != nil {
				t.Fatal(err)
			}
			defer mr.Close()
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			defer client.Close()

			tr := New(kv.New(client), noop.NewLogger())
			require.NoError(t, tr.SeedLimit(ctx, "camp-tok", 3))
			_, err = tr.ReserveSlot(ctx, "camp-tok", "N", "j1", time.Now().UnixMilli())
			require.NoError(t, err)
			realToken, err := tr.CreatePreDialLease(ctx, "camp-tok", "call-1", "", "", 45*time.Second)
			require.NoError(t, err)

			if wrongToken == realToken {
				return true // degenerate case, not what this property targets
			}
			newToken, err := tr.UpgradeToActive(ctx, "camp-tok", "call-1", wrongToken, 200*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if newToken != "" {
				return false
			}
			predial, err := tr.PreDialCount(ctx, "camp-tok")
			if err != nil {
				t.Fatal(err)
			}
			active, err := tr.ActiveCount(ctx, "camp-tok")
			if err != nil {
				t.Fatal(err)
			}
			return predial == 1 && active == 0
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

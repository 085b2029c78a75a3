package types

import "math/big"

// Snapshot is an opaque, immutable capture of a pool's mutable state.
// Snapshots are created and consumed within the scope of a single trial
// and are never persisted.
type Snapshot interface {
	// poolSnapshot is a marker; each pool implementation provides its own
	// concrete snapshot type and rejects snapshots of the wrong kind.
	poolSnapshot()
}

// SnapshotTag is embedded by concrete snapshot types to satisfy Snapshot.
type SnapshotTag struct{}

func (SnapshotTag) poolSnapshot() {}

// SimPool is the trading surface every pool kind exposes to the arbitrage
// solver and the surrounding simulation driver. Implementations are
// single-writer: a pool instance is never shared between concurrent
// callers, so none of these methods lock.
type SimPool interface {
	// NumAssets returns the size of the flattened trading universe. For a
	// metapool this includes the basepool underlyers.
	NumAssets() int

	// AssetNames returns asset identifiers in index order.
	AssetNames() []string

	// Price returns the spot price of coin i quoted in coin j, i.e. the
	// output/input ratio for an infinitesimally small trade, optionally
	// discounted by the trading fee.
	Price(i, j int, useFee bool) (float64, error)

	// Trade swaps amountIn of coin i for coin j against the pool state,
	// returning the output amount and the fee charged.
	Trade(i, j int, amountIn *big.Int) (amountOut, fee *big.Int, err error)

	// MaxTradeSize returns the input amount that would leave roughly 1% of
	// coin j's balance in the pool, bounding arbitrage trade hypotheses.
	MaxTradeSize(i, j int) (*big.Int, error)

	// MinTradeSize returns the smallest input amount of coin i worth
	// trading; candidate sizes at or below it are skipped.
	MinTradeSize(i int) *big.Int

	// Snapshot captures all mutable state. Restore rejects snapshots taken
	// from a different pool kind with ErrInvalidConfig.
	Snapshot() Snapshot
	Restore(Snapshot) error
}

// WithSnapshot runs fn inside a snapshot scope, restoring the pool's exact
// prior state on every exit path, including panics. A leaked mutation from
// a failed trial would silently corrupt subsequent solver iterations, so
// restoration is a correctness requirement, not an optimization.
func WithSnapshot(p SimPool, fn func() error) error {
	snap := p.Snapshot()
	defer func() {
		if err := p.Restore(snap); err != nil {
			// Restore can only fail on a foreign snapshot, which cannot
			// happen here; treat it as the programming error it is.
			panic(err)
		}
	}()
	return fn()
}

package arbitrage

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/stableswap"
	"github.com/curvequant/poolsim/internal/types"
)

func newStablePool(t *testing.T, n int) *stableswap.Pool {
	t.Helper()
	rates := make([]*big.Int, n)
	names := make([]string, n)
	for i := range rates {
		rates[i] = fixedpoint.BigPow10(30)
		names[i] = fmt.Sprintf("stable%d", i)
	}
	p, err := stableswap.New(stableswap.Config{
		A:     big.NewInt(250),
		D:     new(big.Int).Mul(big.NewInt(int64(n)*1_000_000), fixedpoint.One18),
		N:     n,
		Rates: rates,
		Fee:   big.NewInt(4000000),
		Names: names,
	})
	require.NoError(t, err)
	return p
}

func TestComputeTradesClosesPriceGap(t *testing.T) {
	pool := newStablePool(t, 2)
	arb := New(pool)

	target := 1.002
	prices := []types.PairPrice{{Pair: types.Pair{I: 0, J: 1}, Price: target}}

	outcome, err := arb.ComputeTrades(prices, nil)
	require.NoError(t, err)
	require.False(t, outcome.Degraded)
	require.Len(t, outcome.Trades, 1)

	// pool price of coin 0 is below target, so the solver buys coin 0
	trade := outcome.Trades[0]
	require.Equal(t, 1, trade.In)
	require.Equal(t, 0, trade.Out)
	require.Positive(t, trade.AmountIn.Sign())

	_, err = arb.ExecuteTrades(outcome.Trades)
	require.NoError(t, err)

	after, err := pool.Price(1, 0, true)
	require.NoError(t, err)
	require.InEpsilon(t, 1/target, after, 1e-4)
}

func TestComputeTradesReportsResidualErrors(t *testing.T) {
	pool := newStablePool(t, 2)
	arb := New(pool)

	prices := []types.PairPrice{{Pair: types.Pair{I: 0, J: 1}, Price: 1.01}}
	outcome, err := arb.ComputeTrades(prices, nil)
	require.NoError(t, err)
	require.Len(t, outcome.Errors, 1)
	require.Equal(t, types.Pair{I: 0, J: 1}, outcome.Errors[0].Pair)
	require.InDelta(t, 0.0, outcome.Errors[0].Error, 1e-4)
}

func TestOnlyMispricedPairTrades(t *testing.T) {
	pool := newStablePool(t, 3)
	arb := New(pool)

	prices := []types.PairPrice{
		{Pair: types.Pair{I: 0, J: 1}, Price: 1.0},
		{Pair: types.Pair{I: 0, J: 2}, Price: 1.02},
		{Pair: types.Pair{I: 1, J: 2}, Price: 1.0},
	}
	outcome, err := arb.ComputeTrades(prices, nil)
	require.NoError(t, err)
	require.False(t, outcome.Degraded)
	require.Len(t, outcome.Trades, 1)
	require.Equal(t, 2, outcome.Trades[0].In)
	require.Equal(t, 0, outcome.Trades[0].Out)
}

func TestVolumeLimitClampsTrades(t *testing.T) {
	pool := newStablePool(t, 2)
	arb := New(pool)

	limit := new(big.Int).Mul(big.NewInt(1000), fixedpoint.One18)
	prices := []types.PairPrice{{Pair: types.Pair{I: 0, J: 1}, Price: 1.01}}

	outcome, err := arb.ComputeTrades(prices, []*big.Int{limit})
	require.NoError(t, err)
	require.Len(t, outcome.Trades, 1)

	max := new(big.Int).Add(limit, big.NewInt(1))
	require.LessOrEqual(t, outcome.Trades[0].AmountIn.Cmp(max), 0)
}

func TestZeroLimitSuppressesTrade(t *testing.T) {
	pool := newStablePool(t, 2)
	arb := New(pool)

	prices := []types.PairPrice{{Pair: types.Pair{I: 0, J: 1}, Price: 1.01}}
	outcome, err := arb.ComputeTrades(prices, []*big.Int{big.NewInt(0)})
	require.NoError(t, err)
	require.Empty(t, outcome.Trades)
	require.Len(t, outcome.Errors, 1)
	// the mispricing stays unresolved: pool price above target
	require.Greater(t, outcome.Errors[0].Error, 1e-3)
}

func TestComputeTradesLeavesPoolUntouched(t *testing.T) {
	pool := newStablePool(t, 2)
	arb := New(pool)
	before := pool.Snapshot()

	prices := []types.PairPrice{{Pair: types.Pair{I: 0, J: 1}, Price: 1.01}}
	_, err := arb.ComputeTrades(prices, nil)
	require.NoError(t, err)

	// solving is pure speculation; only ExecuteTrades commits
	require.NoError(t, pool.Restore(before))
	fresh := newStablePool(t, 2)
	p0, err := pool.Price(0, 1, false)
	require.NoError(t, err)
	p1, err := fresh.Price(0, 1, false)
	require.NoError(t, err)
	require.Equal(t, p1, p0)
}

func TestComputeTradesValidatesInput(t *testing.T) {
	arb := New(newStablePool(t, 2))

	_, err := arb.ComputeTrades(nil, nil)
	require.ErrorIs(t, err, types.ErrInvalidConfig)

	prices := []types.PairPrice{{Pair: types.Pair{I: 0, J: 1}, Price: 1.0}}
	_, err = arb.ComputeTrades(prices, []*big.Int{big.NewInt(1), big.NewInt(2)})
	require.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = arb.ComputeTrades([]types.PairPrice{{Pair: types.Pair{I: 0, J: 1}, Price: -1}}, nil)
	require.ErrorIs(t, err, types.ErrInvalidConfig)
}

// crossTradePool is a linear-impact fake that fails whenever two trades
// land inside the same snapshot scope, forcing the multi-pair solve to
// fall back to the degraded outcome.
type crossTradePool struct {
	values        []float64
	tradesInScope int
}

type crossSnapshot struct {
	types.SnapshotTag
	values        []float64
	tradesInScope int
}

func newCrossTradePool() *crossTradePool {
	return &crossTradePool{values: []float64{1, 2, 4}}
}

func (p *crossTradePool) NumAssets() int { return len(p.values) }

func (p *crossTradePool) AssetNames() []string { return []string{"a", "b", "c"} }

func (p *crossTradePool) Price(i, j int, useFee bool) (float64, error) {
	return p.values[i] / p.values[j], nil
}

func (p *crossTradePool) Trade(i, j int, amountIn *big.Int) (*big.Int, *big.Int, error) {
	p.tradesInScope++
	if p.tradesInScope >= 2 {
		return nil, nil, fmt.Errorf("%w: simultaneous trades", types.ErrUnsafeValue)
	}
	in, _ := new(big.Float).SetInt(amountIn).Float64()
	impact := in / 1e24
	p.values[i] *= 1 - impact
	p.values[j] *= 1 + impact
	return big.NewInt(1), big.NewInt(0), nil
}

func (p *crossTradePool) MaxTradeSize(i, j int) (*big.Int, error) {
	return new(big.Int).Mul(big.NewInt(100_000), fixedpoint.One18), nil
}

func (p *crossTradePool) MinTradeSize(int) *big.Int { return big.NewInt(0) }

func (p *crossTradePool) Snapshot() types.Snapshot {
	vals := make([]float64, len(p.values))
	copy(vals, p.values)
	return &crossSnapshot{values: vals, tradesInScope: p.tradesInScope}
}

func (p *crossTradePool) Restore(s types.Snapshot) error {
	snap, ok := s.(*crossSnapshot)
	if !ok {
		return types.ErrInvalidConfig
	}
	p.values = make([]float64, len(snap.values))
	copy(p.values, snap.values)
	p.tradesInScope = snap.tradesInScope
	return nil
}

func TestComputeTradesDegradesOnSolverFailure(t *testing.T) {
	pool := newCrossTradePool()
	arb := New(pool)

	// both pairs mispriced, so the joint solve must trade both at once
	prices := []types.PairPrice{
		{Pair: types.Pair{I: 0, J: 1}, Price: 0.49},
		{Pair: types.Pair{I: 0, J: 2}, Price: 0.24},
	}
	outcome, err := arb.ComputeTrades(prices, nil)
	require.NoError(t, err)
	require.True(t, outcome.Degraded)
	require.Empty(t, outcome.Trades)
	require.Len(t, outcome.Errors, 2)
	for _, e := range outcome.Errors {
		require.NotZero(t, e.Error)
	}
}

package stableswap

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curvequant/poolsim/internal/types"
)

// newBasePool builds a 3-coin DAI/USDC/USDT base pool. DAI has 18
// decimals, the other two have 6.
func newBasePool(t *testing.T) *Pool {
	t.Helper()
	p, err := New(Config{
		A:     big.NewInt(1500),
		D:     new(big.Int).Mul(big.NewInt(3_000_000), tenPow(18)),
		N:     3,
		Rates: []*big.Int{tenPow(18), tenPow(30), tenPow(30)},
		Fee:   big.NewInt(1_000_000),
		Names: []string{"DAI", "USDC", "USDT"},
	})
	require.NoError(t, err)
	return p
}

// newFraxMetaPool pairs an 18-decimal primary coin against the base
// pool's LP token. Underlyer indices: 0=FRAX, 1=DAI, 2=USDC, 3=USDT.
func newFraxMetaPool(t *testing.T) *MetaPool {
	t.Helper()
	p, err := NewMeta(MetaConfig{
		A:        big.NewInt(250),
		D:        new(big.Int).Mul(big.NewInt(1_000_000), tenPow(18)),
		N:        2,
		Basepool: newBasePool(t),
		Fee:      big.NewInt(4_000_000),
		AdminFee: big.NewInt(5_000_000_000),
		Names:    []string{"FRAX", "3CRV"},
	})
	require.NoError(t, err)
	return p
}

// metaState flattens every mutable field of the meta-pool and its base
// pool for bit-exact comparison.
func metaState(p *MetaPool) []string {
	var out []string
	for _, b := range p.Balances {
		out = append(out, b.String())
	}
	for _, b := range p.AdminBalances {
		out = append(out, b.String())
	}
	out = append(out, p.Tokens.String())
	for _, b := range p.Basepool.Balances {
		out = append(out, b.String())
	}
	for _, b := range p.Basepool.AdminBalances {
		out = append(out, b.String())
	}
	out = append(out, p.Basepool.Tokens.String())
	return out
}

func TestMetaConfigValidation(t *testing.T) {
	_, err := NewMeta(MetaConfig{
		A: big.NewInt(250),
		D: new(big.Int).Mul(big.NewInt(1_000_000), tenPow(18)),
		N: 2,
	})
	require.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = NewMeta(MetaConfig{N: 2, Basepool: newBasePool(t)})
	require.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestMetaIndexSpace(t *testing.T) {
	p := newFraxMetaPool(t)
	require.Equal(t, 1, p.MaxCoin)
	require.Equal(t, 4, p.NumAssets())
	require.Equal(t, []string{"FRAX", "DAI", "USDC", "USDT"}, p.AssetNames())
}

func TestMetaExchangeLPToken(t *testing.T) {
	p := newFraxMetaPool(t)
	dx := new(big.Int).Mul(big.NewInt(10_000), tenPow(18))

	dy, fee, err := p.Exchange(0, 1, dx)
	require.NoError(t, err)
	require.Positive(t, dy.Sign())
	require.Positive(t, fee.Sign())
	// a balanced pool at a fresh virtual price trades near parity
	require.InEpsilon(t, bigFloat(dx), bigFloat(dy), 1e-2)
}

func TestExchangeUnderlyingPrimaryToBase(t *testing.T) {
	p := newFraxMetaPool(t)
	dx := new(big.Int).Mul(big.NewInt(10_000), tenPow(18)) // FRAX

	dy, fee, err := p.ExchangeUnderlying(0, 2, dx)
	require.NoError(t, err)
	require.Positive(t, fee.Sign())
	// USDC out, 6 decimals, near parity
	require.InEpsilon(t, 10_000e6, bigFloat(dy), 1e-2)
}

func TestExchangeUnderlyingBaseToPrimary(t *testing.T) {
	p := newFraxMetaPool(t)
	dx := new(big.Int).Mul(big.NewInt(10_000), tenPow(6)) // USDC

	lpBefore := new(big.Int).Set(p.Basepool.Tokens)
	dy, _, err := p.ExchangeUnderlying(2, 0, dx)
	require.NoError(t, err)
	require.InEpsilon(t, 10_000e18, bigFloat(dy), 1e-2)
	// the deposit leg mints base LP into the meta-pool's slot
	require.Positive(t, p.Basepool.Tokens.Cmp(lpBefore))
}

func TestExchangeUnderlyingWithinBase(t *testing.T) {
	p := newFraxMetaPool(t)
	standalone := newBasePool(t)
	dx := new(big.Int).Mul(big.NewInt(10_000), tenPow(18)) // DAI

	metaBefore := []string{p.Balances[0].String(), p.Balances[1].String()}
	dy, fee, err := p.ExchangeUnderlying(1, 2, dx)
	require.NoError(t, err)
	wantDy, wantFee, err := standalone.Exchange(0, 1, new(big.Int).Set(dx))
	require.NoError(t, err)
	require.Equal(t, wantDy, dy)
	require.Equal(t, wantFee, fee)

	// meta-level balances stay untouched on an all-base trade
	require.Equal(t, metaBefore, []string{p.Balances[0].String(), p.Balances[1].String()})
}

func TestExchangeUnderlyingBadIndices(t *testing.T) {
	p := newFraxMetaPool(t)
	_, _, err := p.ExchangeUnderlying(0, 0, big.NewInt(1))
	require.ErrorIs(t, err, types.ErrInvalidConfig)
	_, _, err = p.ExchangeUnderlying(0, 4, big.NewInt(1))
	require.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestMetaDydxNearParity(t *testing.T) {
	p := newFraxMetaPool(t)

	// primary in, base underlyer out
	price, err := p.Dydx(0, 2, false)
	require.NoError(t, err)
	require.InEpsilon(t, 1.0, price, 1e-2)

	// base underlyer in, primary out
	price, err = p.Dydx(2, 0, false)
	require.NoError(t, err)
	require.InEpsilon(t, 1.0, price, 1e-2)

	// fee-adjusted quotes sit strictly below the raw ones
	withFee, err := p.Dydx(0, 2, true)
	require.NoError(t, err)
	raw, err := p.Dydx(0, 2, false)
	require.NoError(t, err)
	require.Less(t, withFee, raw)
}

func TestMetaDydxDelegatesWithinBase(t *testing.T) {
	p := newFraxMetaPool(t)
	got, err := p.Dydx(1, 2, true)
	require.NoError(t, err)
	want, err := p.Basepool.Dydx(0, 1, true)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestMetaMaxTradeSizePositive(t *testing.T) {
	p := newFraxMetaPool(t)
	for _, pair := range [][2]int{{0, 2}, {2, 0}, {1, 2}} {
		bound, err := p.MaxTradeSize(pair[0], pair[1])
		require.NoError(t, err)
		require.Positive(t, bound.Sign())
	}
}

func TestMetaSnapshotRestore(t *testing.T) {
	p := newFraxMetaPool(t)
	before := metaState(p)
	snap := p.Snapshot()

	_, _, err := p.ExchangeUnderlying(0, 2, new(big.Int).Mul(big.NewInt(50_000), tenPow(18)))
	require.NoError(t, err)
	_, _, err = p.ExchangeUnderlying(3, 1, new(big.Int).Mul(big.NewInt(20_000), tenPow(6)))
	require.NoError(t, err)
	require.NotEqual(t, before, metaState(p))

	require.NoError(t, p.Restore(snap))
	require.Equal(t, before, metaState(p))
}

func TestMetaWithSnapshotRestoresOnError(t *testing.T) {
	p := newFraxMetaPool(t)
	before := metaState(p)
	boom := errors.New("trial failed")

	err := types.WithSnapshot(p, func() error {
		if _, _, err := p.ExchangeUnderlying(0, 2, new(big.Int).Mul(big.NewInt(50_000), tenPow(18))); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, before, metaState(p))
}

func TestMetaRestoreRejectsForeignSnapshot(t *testing.T) {
	p := newFraxMetaPool(t)
	require.ErrorIs(t, p.Restore(newBasePool(t).Snapshot()), types.ErrInvalidConfig)
	require.ErrorIs(t, p.Restore(struct{ types.SnapshotTag }{}), types.ErrInvalidConfig)
}

func bigFloat(x *big.Int) float64 {
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}

package cryptoswap

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

// newETHPool builds a 2-coin USD/ETH pool with factory-style parameters,
// seeded balanced at a 3000 USD price scale. The USD coin has 6 decimals.
func newETHPool(t *testing.T) *Pool {
	t.Helper()
	p, err := New(Config{
		A:                  big.NewInt(400000),
		Gamma:              big.NewInt(145000000000000),
		N:                  2,
		Precisions:         []*big.Int{fixedpoint.BigPow10(12), big.NewInt(1)},
		MidFee:             big.NewInt(26000000),
		OutFee:             big.NewInt(45000000),
		AllowedExtraProfit: big.NewInt(2000000000000),
		FeeGamma:           big.NewInt(230000000000000),
		AdjustmentStep:     big.NewInt(146000000000000),
		MAHalfTime:         big.NewInt(600),
		PriceScale: []*big.Int{
			new(big.Int).Mul(big.NewInt(3000), fixedpoint.One18),
		},
		D:     new(big.Int).Mul(big.NewInt(2_000_000), fixedpoint.One18),
		Names: []string{"USDC", "WETH"},
	})
	require.NoError(t, err)
	return p
}

// newTricryptoPool builds a 3-coin USD/BTC/ETH pool. BTC uses 8 decimals.
func newTricryptoPool(t *testing.T) *Pool {
	t.Helper()
	p, err := New(Config{
		A:                  big.NewInt(1707629),
		Gamma:              big.NewInt(11809167828997),
		N:                  3,
		Precisions:         []*big.Int{fixedpoint.BigPow10(12), fixedpoint.BigPow10(10), big.NewInt(1)},
		MidFee:             big.NewInt(3000000),
		OutFee:             big.NewInt(30000000),
		AllowedExtraProfit: big.NewInt(2000000000000),
		FeeGamma:           big.NewInt(500000000000000),
		AdjustmentStep:     big.NewInt(490000000000000),
		MAHalfTime:         big.NewInt(600),
		PriceScale: []*big.Int{
			new(big.Int).Mul(big.NewInt(60000), fixedpoint.One18),
			new(big.Int).Mul(big.NewInt(3000), fixedpoint.One18),
		},
		D:     new(big.Int).Mul(big.NewInt(3_000_000), fixedpoint.One18),
		Names: []string{"USDT", "WBTC", "WETH"},
	})
	require.NoError(t, err)
	return p
}

func TestFreshPoolVirtualPrice(t *testing.T) {
	for _, p := range []*Pool{newETHPool(t), newTricryptoPool(t)} {
		require.Equal(t, fixedpoint.One18, p.VirtualPrice)
		require.Equal(t, fixedpoint.One18, p.XcpProfit)
	}
}

func TestConfigValidation(t *testing.T) {
	base := func() Config {
		return Config{
			A:                  big.NewInt(400000),
			Gamma:              big.NewInt(145000000000000),
			N:                  2,
			Precisions:         []*big.Int{fixedpoint.BigPow10(12), big.NewInt(1)},
			MidFee:             big.NewInt(26000000),
			OutFee:             big.NewInt(45000000),
			AllowedExtraProfit: big.NewInt(2000000000000),
			FeeGamma:           big.NewInt(230000000000000),
			AdjustmentStep:     big.NewInt(146000000000000),
			MAHalfTime:         big.NewInt(600),
			PriceScale: []*big.Int{
				new(big.Int).Mul(big.NewInt(3000), fixedpoint.One18),
			},
			D: new(big.Int).Mul(big.NewInt(2_000_000), fixedpoint.One18),
		}
	}

	cfg := base()
	cfg.N = 4
	_, err := New(cfg)
	require.ErrorIs(t, err, types.ErrInvalidConfig)

	cfg = base()
	cfg.A = big.NewInt(1)
	_, err = New(cfg)
	require.ErrorIs(t, err, types.ErrUnsafeValue)

	cfg = base()
	cfg.Gamma = fixedpoint.BigPow10(18)
	_, err = New(cfg)
	require.ErrorIs(t, err, types.ErrUnsafeValue)

	cfg = base()
	cfg.D = nil
	cfg.Balances = nil
	_, err = New(cfg)
	require.ErrorIs(t, err, types.ErrInvalidConfig)

	cfg = base()
	cfg.PriceScale = nil
	_, err = New(cfg)
	require.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestBalancesFromD(t *testing.T) {
	p := newETHPool(t)
	// 1M USDC at 6 decimals, 1M USD of ETH at 3000
	require.Equal(t, fixedpoint.BigPow10(12), p.Precisions[0])
	require.Equal(t, new(big.Int).Mul(big.NewInt(1_000_000), fixedpoint.BigPow10(6)), p.Balances[0])
	wantETH := new(big.Int).Div(
		new(big.Int).Mul(big.NewInt(1_000_000), fixedpoint.One18),
		big.NewInt(3000),
	)
	require.Equal(t, wantETH, p.Balances[1])
}

func TestGetDyMatchesExchange(t *testing.T) {
	p := newETHPool(t)
	dx := new(big.Int).Mul(big.NewInt(50_000), fixedpoint.BigPow10(6))

	quote, err := p.GetDy(0, 1, dx)
	require.NoError(t, err)

	dy, fee, err := p.Exchange(0, 1, dx)
	require.NoError(t, err)
	require.Equal(t, quote, dy)
	require.Positive(t, fee.Sign())
}

func TestExchangeUpdatesBalances(t *testing.T) {
	p := newETHPool(t)
	before0 := fixedpoint.Clone(p.Balances[0])
	before1 := fixedpoint.Clone(p.Balances[1])
	dx := new(big.Int).Mul(big.NewInt(10_000), fixedpoint.BigPow10(6))

	dy, _, err := p.Exchange(0, 1, dx)
	require.NoError(t, err)
	require.Positive(t, dy.Sign())

	require.Equal(t, new(big.Int).Add(before0, dx), p.Balances[0])
	require.Equal(t, new(big.Int).Sub(before1, dy), p.Balances[1])

	// roughly 10k USD of ETH at the 3000 price scale
	want := new(big.Int).Div(new(big.Int).Mul(big.NewInt(10_000), fixedpoint.One18), big.NewInt(3000))
	require.InEpsilon(t, bigFloat(want), bigFloat(dy), 0.02)
}

func TestExchangeBadArguments(t *testing.T) {
	p := newETHPool(t)
	_, _, err := p.Exchange(0, 0, big.NewInt(1))
	require.ErrorIs(t, err, types.ErrInvalidConfig)
	_, _, err = p.Exchange(0, 2, big.NewInt(1))
	require.ErrorIs(t, err, types.ErrInvalidConfig)
	_, _, err = p.Exchange(0, 1, big.NewInt(0))
	require.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestRoundTripCostsFee(t *testing.T) {
	p := newETHPool(t)
	dx := new(big.Int).Mul(big.NewInt(100_000), fixedpoint.BigPow10(6))

	dy, _, err := p.Exchange(0, 1, dx)
	require.NoError(t, err)
	back, _, err := p.Exchange(1, 0, dy)
	require.NoError(t, err)
	require.Negative(t, back.Cmp(dx))
}

func TestVirtualPriceGrowsWithVolume(t *testing.T) {
	p := newETHPool(t)
	dx := new(big.Int).Mul(big.NewInt(200_000), fixedpoint.BigPow10(6))

	for k := 0; k < 4; k++ {
		dy, _, err := p.Exchange(0, 1, dx)
		require.NoError(t, err)
		_, _, err = p.Exchange(1, 0, dy)
		require.NoError(t, err)
	}
	require.Positive(t, p.VirtualPrice.Cmp(fixedpoint.One18))
	require.Positive(t, p.XcpProfit.Cmp(fixedpoint.One18))
}

func TestPriceMatchesExecution(t *testing.T) {
	p := newETHPool(t)
	price, err := p.Price(1, 0, true)
	require.NoError(t, err)
	require.InEpsilon(t, 3000.0, price, 0.01)

	// execute a small ETH sale and compare the realized price
	dx := new(big.Int).Div(fixedpoint.One18, big.NewInt(100)) // 0.01 ETH
	dy, _, err := p.Exchange(1, 0, dx)
	require.NoError(t, err)
	realized := bigFloat(dy) * 1e12 / bigFloat(dx)
	require.InEpsilon(t, price, realized, 1e-3)
}

func TestPriceFeeDiscount(t *testing.T) {
	p := newETHPool(t)
	gross, err := p.Price(0, 1, false)
	require.NoError(t, err)
	net, err := p.Price(0, 1, true)
	require.NoError(t, err)
	require.Less(t, net, gross)
}

func TestTricryptoExchange(t *testing.T) {
	p := newTricryptoPool(t)
	dx := new(big.Int).Mul(big.NewInt(50_000), fixedpoint.BigPow10(6))

	dy, fee, err := p.Exchange(0, 1, dx)
	require.NoError(t, err)

	// 50k USD of BTC at the 60000 scale would be 83333333 in 8 decimals;
	// at this amplification the realized rate sits about 4.5% below the
	// quote before the fee comes off on top.
	require.Equal(t, big.NewInt(79558888), dy)
	require.Equal(t, big.NewInt(202014), fee)
	naive := new(big.Int).Div(
		new(big.Int).Mul(big.NewInt(50_000), fixedpoint.BigPow10(8)),
		big.NewInt(60000),
	)
	require.Negative(t, dy.Cmp(naive))
	require.Positive(t, p.VirtualPrice.Cmp(new(big.Int).Sub(fixedpoint.One18, big.NewInt(1))))
}

func TestTricryptoPrices(t *testing.T) {
	p := newTricryptoPool(t)
	btc, err := p.Price(1, 0, false)
	require.NoError(t, err)
	require.InEpsilon(t, 60000.0, btc, 0.01)

	// BTC/ETH cross rate
	cross, err := p.Price(1, 2, false)
	require.NoError(t, err)
	require.InEpsilon(t, 20.0, cross, 0.01)
}

func TestAddLiquidityBalancedMintsProRata(t *testing.T) {
	for _, p := range []*Pool{newETHPool(t), newTricryptoPool(t)} {
		supply := fixedpoint.Clone(p.Tokens)
		amounts := make([]*big.Int, p.N)
		for i := range amounts {
			amounts[i] = new(big.Int).Div(p.Balances[i], big.NewInt(10))
		}
		minted, err := p.AddLiquidity(amounts)
		require.NoError(t, err)
		require.InEpsilon(t, bigFloat(supply)/10, bigFloat(minted), 1e-3)
	}
}

func TestCalcTokenAmountQuotesDeposit(t *testing.T) {
	p := newETHPool(t)
	amounts := []*big.Int{
		new(big.Int).Mul(big.NewInt(30_000), fixedpoint.BigPow10(6)),
		big.NewInt(0),
	}
	quote, err := p.CalcTokenAmount(amounts)
	require.NoError(t, err)

	minted, err := p.AddLiquidity(amounts)
	require.NoError(t, err)
	require.InEpsilon(t, bigFloat(quote), bigFloat(minted), 1e-6)
}

func TestRemoveLiquidityProportional(t *testing.T) {
	p := newETHPool(t)
	balances := fixedpoint.CloneSlice(p.Balances)
	burn := new(big.Int).Div(p.Tokens, big.NewInt(10))

	out, err := p.RemoveLiquidity(burn)
	require.NoError(t, err)
	for i := range out {
		require.InEpsilon(t, bigFloat(balances[i])/10, bigFloat(out[i]), 1e-6)
	}

	_, err = p.RemoveLiquidity(new(big.Int).Add(p.Tokens, big.NewInt(1)))
	require.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestRemoveLiquidityOneCoin(t *testing.T) {
	p := newETHPool(t)
	burn := new(big.Int).Div(p.Tokens, big.NewInt(100))

	quote, err := p.CalcWithdrawOneCoin(burn, 0)
	require.NoError(t, err)

	dy, err := p.RemoveLiquidityOneCoin(burn, 0)
	require.NoError(t, err)
	require.InEpsilon(t, bigFloat(quote), bigFloat(dy), 1e-6)

	// worth about 1% of the pool's 2M USD value, minus the fee
	want := new(big.Int).Mul(big.NewInt(20_000), fixedpoint.BigPow10(6))
	require.InEpsilon(t, bigFloat(want), bigFloat(dy), 0.01)
}

func TestLPPrice(t *testing.T) {
	p := newETHPool(t)
	lp, err := p.LPPrice()
	require.NoError(t, err)
	// 2 * sqrt(3000e18) * 1e18 / 1e18 at virtual price 1
	want := new(big.Int).Mul(big.NewInt(2), p.VirtualPrice)
	s, err := fixedpoint.Sqrt(new(big.Int).Mul(big.NewInt(3000), fixedpoint.One18))
	require.NoError(t, err)
	want.Mul(want, s)
	want.Div(want, fixedpoint.One18)
	require.Equal(t, want, lp)

	p3 := newTricryptoPool(t)
	lp3, err := p3.LPPrice()
	require.NoError(t, err)
	require.Positive(t, lp3.Sign())
}

func TestOracleConvergesTowardLastPrice(t *testing.T) {
	p := newETHPool(t)

	// push the pool price up with a large USD purchase of ETH
	dx := new(big.Int).Mul(big.NewInt(400_000), fixedpoint.BigPow10(6))
	_, _, err := p.Exchange(0, 1, dx)
	require.NoError(t, err)
	last := bigFloat(p.LastPrices[0])

	oracleBefore := bigFloat(p.PriceOracle()[0])
	require.InEpsilon(t, 3000e18, oracleBefore, 1e-6)

	// many half times later the EMA should sit at the last trade price
	p.NextTimestamp(10_000)
	oracleAfter := bigFloat(p.PriceOracle()[0])
	require.InEpsilon(t, last, oracleAfter, 1e-4)
	require.Greater(t, oracleAfter, oracleBefore)
}

func TestMaxTradeSizeLeavesResidualBalance(t *testing.T) {
	p := newETHPool(t)
	size, err := p.MaxTradeSize(0, 1)
	require.NoError(t, err)
	require.Positive(t, size.Sign())

	// the balanced pool's 1% residual is clamped up to D/100
	target := bigFloat(p.D) / 100
	before := bigFloat(p.xp()[1])
	_, _, err = p.Exchange(0, 1, size)
	require.NoError(t, err)
	after := bigFloat(p.xp()[1])
	require.InDelta(t, target/before, after/before, 0.01)
}

func TestMinTradeSize(t *testing.T) {
	p := newETHPool(t)
	require.Equal(t, big.NewInt(100000), p.MinTradeSize(0))
}

func TestSnapshotRestore(t *testing.T) {
	p := newETHPool(t)
	snap := p.Snapshot()

	dx := new(big.Int).Mul(big.NewInt(300_000), fixedpoint.BigPow10(6))
	_, _, err := p.Exchange(0, 1, dx)
	require.NoError(t, err)

	require.NoError(t, p.Restore(snap))
	fresh := newETHPool(t)
	require.Equal(t, fresh.Balances, p.Balances)
	require.Equal(t, fresh.D, p.D)
	require.Equal(t, fresh.VirtualPrice, p.VirtualPrice)
	require.Equal(t, fresh.PriceScale, p.PriceScale)
	require.Equal(t, fresh.LastPrices, p.LastPrices)
}

func TestWithSnapshotRestoresOnError(t *testing.T) {
	p := newETHPool(t)
	balances := fixedpoint.CloneSlice(p.Balances)

	err := types.WithSnapshot(p, func() error {
		dx := new(big.Int).Mul(big.NewInt(100_000), fixedpoint.BigPow10(6))
		if _, _, err := p.Exchange(0, 1, dx); err != nil {
			return err
		}
		return types.ErrNotConverged
	})
	require.ErrorIs(t, err, types.ErrNotConverged)
	require.Equal(t, balances, p.Balances)
}

func TestRestoreRejectsForeignSnapshot(t *testing.T) {
	p := newETHPool(t)
	foreign := struct{ types.SnapshotTag }{}
	require.ErrorIs(t, p.Restore(foreign), types.ErrInvalidConfig)
}

/*

Stableswap meta-pool.

A meta-pool pairs a primary coin against the LP token of a base pool,
which occupies the last slot of the meta-pool. The effective trading
universe is the flattened index space of the primary coins followed by
the base pool's underlyers; ExchangeUnderlying routes trades through the
base pool's deposit, withdrawal, and exchange operations as needed.

*/

package stableswap

import (
	"fmt"
	"math/big"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

// maxBasepoolRate guards the difference-quotient pricing path, which
// loses too much precision when a base coin has fewer than 6 decimals.
var maxBasepoolRate = fixedpoint.BigPow10(30)

// MetaConfig holds the constructor parameters for a meta-pool. Fields
// mirror Config, plus the base pool.
type MetaConfig struct {
	A        *big.Int
	D        *big.Int
	Balances []*big.Int
	N        int
	Basepool *Pool
	Rates    []*big.Int
	Tokens   *big.Int
	Fee      *big.Int
	FeeMul   *big.Int
	AdminFee *big.Int
	Names    []string
}

// MetaPool is a stableswap meta-pool holding primary coins plus a base
// pool's LP token in its last slot.
type MetaPool struct {
	A             *big.Int
	N             int
	MaxCoin       int // index of the base pool LP token
	NTotal        int // primary coins plus base pool underlyers
	Fee           *big.Int
	FeeMul        *big.Int
	AdminFee      *big.Int
	RateMuls      []*big.Int // static precision multipliers; the LP slot uses virtual price instead
	Balances      []*big.Int
	Tokens        *big.Int
	AdminBalances []*big.Int
	Basepool      *Pool

	names []string
}

// NewMeta validates the configuration and constructs the meta-pool.
func NewMeta(cfg MetaConfig) (*MetaPool, error) {
	if cfg.Basepool == nil {
		return nil, fmt.Errorf("%w: meta-pool requires a base pool", types.ErrInvalidConfig)
	}
	if cfg.N < 2 {
		return nil, fmt.Errorf("%w: need at least 2 coins, got %d", types.ErrInvalidConfig, cfg.N)
	}
	if cfg.A == nil || cfg.A.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amplification A must be positive", types.ErrInvalidConfig)
	}
	if cfg.D == nil && cfg.Balances == nil {
		return nil, fmt.Errorf("%w: either D or Balances is required", types.ErrInvalidConfig)
	}
	for _, r := range cfg.Basepool.Rates {
		if r.Cmp(maxBasepoolRate) > 0 {
			return nil, fmt.Errorf("%w: base coin rate %s too high, need at least 6 decimals",
				types.ErrInvalidConfig, r)
		}
	}

	rates := cfg.Rates
	if rates == nil {
		rates = make([]*big.Int, cfg.N)
		for i := range rates {
			rates[i] = fixedpoint.Clone(fixedpoint.One18)
		}
	}
	if len(rates) != cfg.N {
		return nil, fmt.Errorf("%w: %d rates for %d coins", types.ErrInvalidConfig, len(rates), cfg.N)
	}

	fee := cfg.Fee
	if fee == nil {
		fee = big.NewInt(0)
	}
	adminFee := cfg.AdminFee
	if adminFee == nil {
		adminFee = big.NewInt(0)
	}

	names := cfg.Names
	if names == nil {
		names = defaultNames(cfg.N)
	}
	if len(names) != cfg.N {
		return nil, fmt.Errorf("%w: %d names for %d coins", types.ErrInvalidConfig, len(names), cfg.N)
	}

	p := &MetaPool{
		A:             fixedpoint.Clone(cfg.A),
		N:             cfg.N,
		MaxCoin:       cfg.N - 1,
		NTotal:        cfg.N + cfg.Basepool.N - 1,
		Fee:           fixedpoint.Clone(fee),
		AdminFee:      fixedpoint.Clone(adminFee),
		RateMuls:      fixedpoint.CloneSlice(rates),
		AdminBalances: zeros(cfg.N),
		Basepool:      cfg.Basepool,
		names:         names,
	}
	if cfg.FeeMul != nil {
		p.FeeMul = fixedpoint.Clone(cfg.FeeMul)
	}

	if cfg.Balances != nil {
		if len(cfg.Balances) != cfg.N {
			return nil, fmt.Errorf("%w: %d balances for %d coins", types.ErrInvalidConfig, len(cfg.Balances), cfg.N)
		}
		p.Balances = fixedpoint.CloneSlice(cfg.Balances)
	} else {
		live, err := p.Rates()
		if err != nil {
			return nil, err
		}
		p.Balances = balancesFromD(cfg.D, cfg.N, live)
	}

	if cfg.Tokens != nil {
		p.Tokens = fixedpoint.Clone(cfg.Tokens)
	} else {
		d, err := p.D()
		if err != nil {
			return nil, err
		}
		p.Tokens = d
	}
	return p, nil
}

// Rates returns the live rate multipliers: the static precision
// adjustments, with the LP token slot replaced by the base pool's
// current virtual price.
func (p *MetaPool) Rates() ([]*big.Int, error) {
	vp, err := p.Basepool.VirtualPrice()
	if err != nil {
		return nil, err
	}
	rates := fixedpoint.CloneSlice(p.RateMuls)
	rates[p.MaxCoin] = vp
	return rates, nil
}

func (p *MetaPool) xp() ([]*big.Int, error) {
	rates, err := p.Rates()
	if err != nil {
		return nil, err
	}
	return xpMem(p.Balances, rates), nil
}

// D returns the meta-pool invariant for the current balances.
func (p *MetaPool) D() (*big.Int, error) {
	xp, err := p.xp()
	if err != nil {
		return nil, err
	}
	return getD(xp, p.A, p.N)
}

// Exchange swaps dx of meta-level coin i for meta-level coin j, where
// index MaxCoin is the base pool LP token.
func (p *MetaPool) Exchange(i, j int, dx *big.Int) (*big.Int, *big.Int, error) {
	if i == j || i < 0 || j < 0 || i >= p.N || j >= p.N {
		return nil, nil, fmt.Errorf("%w: bad coin indices (%d,%d)", types.ErrInvalidConfig, i, j)
	}
	rates, err := p.Rates()
	if err != nil {
		return nil, nil, err
	}
	xp := xpMem(p.Balances, rates)

	x := new(big.Int).Mul(dx, rates[i])
	x.Div(x, fixedpoint.One18)
	x.Add(x, xp[i])

	y, err := getY(p.A, p.N, i, j, x, xp)
	if err != nil {
		return nil, nil, err
	}
	dy := new(big.Int).Sub(xp[j], y)
	dy.Sub(dy, big.NewInt(1))

	var fee *big.Int
	if p.FeeMul == nil {
		fee = new(big.Int).Mul(dy, p.Fee)
		fee.Div(fee, fixedpoint.FeeDenom)
	} else {
		xpi := new(big.Int).Add(xp[i], x)
		xpi.Rsh(xpi, 1)
		xpj := new(big.Int).Add(xp[j], y)
		xpj.Rsh(xpj, 1)
		fee = new(big.Int).Mul(dy, dynamicFee(p.FeeMul, p.Fee, xpi, xpj))
		fee.Div(fee, fixedpoint.FeeDenom)
	}

	adminFee := new(big.Int).Mul(fee, p.AdminFee)
	adminFee.Div(adminFee, fixedpoint.FeeDenom)

	rate := rates[j]
	dy.Sub(dy, fee)
	dy.Mul(dy, fixedpoint.One18)
	dy.Div(dy, rate)
	fee.Mul(fee, fixedpoint.One18)
	fee.Div(fee, rate)
	adminFee.Mul(adminFee, fixedpoint.One18)
	adminFee.Div(adminFee, rate)

	if dy.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: negative output %s for trade (%d,%d,%s)",
			types.ErrUnsafeValue, dy, i, j, dx)
	}

	p.Balances[i].Add(p.Balances[i], dx)
	p.Balances[j].Sub(p.Balances[j], new(big.Int).Add(dy, adminFee))
	p.AdminBalances[j].Add(p.AdminBalances[j], adminFee)
	return dy, fee, nil
}

// ExchangeUnderlying swaps between underlyer indices. Index 0 through
// MaxCoin-1 are the primary coins; MaxCoin and up are the base pool's
// underlyers. Trades touching both levels route through the base pool's
// deposit or one-coin withdrawal.
func (p *MetaPool) ExchangeUnderlying(i, j int, dx *big.Int) (*big.Int, *big.Int, error) {
	if i == j || i < 0 || j < 0 || i >= p.NTotal || j >= p.NTotal {
		return nil, nil, fmt.Errorf("%w: bad underlyer indices (%d,%d)", types.ErrInvalidConfig, i, j)
	}

	baseI := i - p.MaxCoin
	baseJ := j - p.MaxCoin
	if baseI >= 0 && baseJ >= 0 {
		return p.Basepool.Exchange(baseI, baseJ, dx)
	}

	rates, err := p.Rates()
	if err != nil {
		return nil, nil, err
	}
	xp := xpMem(p.Balances, rates)

	metaI, metaJ := p.MaxCoin, p.MaxCoin
	if baseI < 0 {
		metaI = i
	}
	if baseJ < 0 {
		metaJ = j
	}

	dx = fixedpoint.Clone(dx)
	var x *big.Int
	if baseI < 0 {
		x = new(big.Int).Mul(dx, rates[i])
		x.Div(x, fixedpoint.One18)
		x.Add(x, xp[i])
	} else {
		// deposit into the base pool first, then trade the minted LP
		baseInputs := zeros(p.Basepool.N)
		baseInputs[baseI].Set(dx)
		minted, err := p.Basepool.AddLiquidity(baseInputs)
		if err != nil {
			return nil, nil, err
		}
		dx = minted
		x = new(big.Int).Mul(dx, rates[p.MaxCoin])
		x.Div(x, fixedpoint.One18)
		x.Add(x, xp[p.MaxCoin])
	}

	y, err := getY(p.A, p.N, metaI, metaJ, x, xp)
	if err != nil {
		return nil, nil, err
	}
	dy := new(big.Int).Sub(xp[metaJ], y)
	dy.Sub(dy, big.NewInt(1))
	dyFee := new(big.Int).Mul(dy, p.Fee)
	dyFee.Div(dyFee, fixedpoint.FeeDenom)

	dy.Sub(dy, dyFee)
	dy.Mul(dy, fixedpoint.One18)
	dy.Div(dy, rates[metaJ])

	dyAdminFee := new(big.Int).Mul(dyFee, p.AdminFee)
	dyAdminFee.Div(dyAdminFee, fixedpoint.FeeDenom)
	dyAdminFee.Mul(dyAdminFee, fixedpoint.One18)
	dyAdminFee.Div(dyAdminFee, rates[metaJ])

	dyFee.Mul(dyFee, fixedpoint.One18)
	dyFee.Div(dyFee, rates[metaJ])

	p.Balances[metaI].Add(p.Balances[metaI], dx)
	// rounding shortfalls come out of the admin's share, not the LPs'
	p.Balances[metaJ].Sub(p.Balances[metaJ], new(big.Int).Add(dy, dyAdminFee))
	p.AdminBalances[metaJ].Add(p.AdminBalances[metaJ], dyAdminFee)

	if baseJ >= 0 {
		return p.Basepool.RemoveLiquidityOneCoin(dy, baseJ)
	}
	return dy, dyFee, nil
}

// CalcTokenAmount returns the LP tokens minted for a primary-level
// deposit, with the same imbalance fee as AddLiquidity when useFee is set.
func (p *MetaPool) CalcTokenAmount(amounts []*big.Int, useFee bool) (*big.Int, []*big.Int, error) {
	if len(amounts) != p.N {
		return nil, nil, fmt.Errorf("%w: %d amounts for %d coins", types.ErrInvalidConfig, len(amounts), p.N)
	}
	rates, err := p.Rates()
	if err != nil {
		return nil, nil, err
	}

	d0, err := getD(xpMem(p.Balances, rates), p.A, p.N)
	if err != nil {
		return nil, nil, err
	}

	newBalances := fixedpoint.CloneSlice(p.Balances)
	for i := range newBalances {
		newBalances[i].Add(newBalances[i], amounts[i])
	}
	d1, err := getD(xpMem(newBalances, rates), p.A, p.N)
	if err != nil {
		return nil, nil, err
	}

	mintBalances := fixedpoint.CloneSlice(newBalances)
	fees := zeros(p.N)
	if useFee {
		feeRate := imbalanceFee(p.Fee, p.N)
		for i := 0; i < p.N; i++ {
			ideal := new(big.Int).Mul(d1, p.Balances[i])
			ideal.Div(ideal, d0)
			diff := new(big.Int).Sub(ideal, newBalances[i])
			diff.Abs(diff)
			fees[i] = diff.Mul(feeRate, diff)
			fees[i].Div(fees[i], fixedpoint.FeeDenom)
			mintBalances[i].Sub(mintBalances[i], fees[i])
		}
	}

	d2, err := getD(xpMem(mintBalances, rates), p.A, p.N)
	if err != nil {
		return nil, nil, err
	}

	mint := new(big.Int).Sub(d2, d0)
	mint.Mul(mint, p.Tokens)
	mint.Div(mint, d0)
	return mint, fees, nil
}

// AddLiquidity deposits primary-level amounts and mints LP tokens.
func (p *MetaPool) AddLiquidity(amounts []*big.Int) (*big.Int, error) {
	mint, fees, err := p.CalcTokenAmount(amounts, true)
	if err != nil {
		return nil, err
	}
	p.Tokens.Add(p.Tokens, mint)
	for i := 0; i < p.N; i++ {
		adminFee := new(big.Int).Mul(fees[i], p.AdminFee)
		adminFee.Div(adminFee, fixedpoint.FeeDenom)
		p.Balances[i].Add(p.Balances[i], amounts[i])
		p.Balances[i].Sub(p.Balances[i], adminFee)
		p.AdminBalances[i].Add(p.AdminBalances[i], adminFee)
	}
	return mint, nil
}

// CalcWithdrawOneCoin sizes a one-coin redemption at the meta level.
func (p *MetaPool) CalcWithdrawOneCoin(tokenAmount *big.Int, i int, useFee bool) (*big.Int, *big.Int, error) {
	xp, err := p.xp()
	if err != nil {
		return nil, nil, err
	}
	d0, err := getD(xp, p.A, p.N)
	if err != nil {
		return nil, nil, err
	}
	d1 := new(big.Int).Mul(tokenAmount, d0)
	d1.Div(d1, p.Tokens)
	d1.Sub(d0, d1)

	newY, err := getYD(p.A, p.N, i, xp, d1)
	if err != nil {
		return nil, nil, err
	}
	dyBeforeFee := new(big.Int).Sub(xp[i], newY)
	dyBeforeFee.Mul(dyBeforeFee, fixedpoint.One18)
	dyBeforeFee.Div(dyBeforeFee, p.RateMuls[i])

	xpReduced := fixedpoint.CloneSlice(xp)
	if useFee && p.Fee.Sign() > 0 {
		feeRate := imbalanceFee(p.Fee, p.N)
		for j := 0; j < p.N; j++ {
			ideal := new(big.Int).Mul(xp[j], d1)
			ideal.Div(ideal, d0)
			dxExpected := new(big.Int)
			if j == i {
				dxExpected.Sub(ideal, newY)
			} else {
				dxExpected.Sub(xp[j], ideal)
			}
			dxExpected.Mul(dxExpected, feeRate)
			dxExpected.Div(dxExpected, fixedpoint.FeeDenom)
			xpReduced[j].Sub(xpReduced[j], dxExpected)
		}
	}

	yReduced, err := getYD(p.A, p.N, i, xpReduced, d1)
	if err != nil {
		return nil, nil, err
	}
	dy := new(big.Int).Sub(xpReduced[i], yReduced)
	dy.Sub(dy, big.NewInt(1))
	dy.Mul(dy, fixedpoint.One18)
	dy.Div(dy, p.RateMuls[i])

	if !useFee {
		return dy, big.NewInt(0), nil
	}
	fee := new(big.Int).Sub(dyBeforeFee, dy)
	return dy, fee, nil
}

// RemoveLiquidityOneCoin burns LP tokens and withdraws in meta-level coin i.
func (p *MetaPool) RemoveLiquidityOneCoin(tokenAmount *big.Int, i int) (*big.Int, *big.Int, error) {
	dy, fee, err := p.CalcWithdrawOneCoin(tokenAmount, i, true)
	if err != nil {
		return nil, nil, err
	}
	adminFee := new(big.Int).Mul(fee, p.AdminFee)
	adminFee.Div(adminFee, fixedpoint.FeeDenom)
	p.Balances[i].Sub(p.Balances[i], new(big.Int).Add(dy, adminFee))
	p.AdminBalances[i].Add(p.AdminBalances[i], adminFee)
	p.Tokens.Sub(p.Tokens, tokenAmount)
	return dy, fee, nil
}

// VirtualPrice returns the invariant value redeemable per LP token.
func (p *MetaPool) VirtualPrice() (*big.Int, error) {
	d, err := p.D()
	if err != nil {
		return nil, err
	}
	vp := new(big.Int).Mul(d, fixedpoint.One18)
	return vp.Div(vp, p.Tokens), nil
}

// Dydx returns the spot price of underlyer i quoted in underlyer j.
// Prices across the two levels compose via the chain rule: the
// meta-level price of the LP token times the derivative of the base
// invariant with respect to the underlyer balance.
func (p *MetaPool) Dydx(i, j int, useFee bool) (float64, error) {
	baseI := i - p.MaxCoin
	baseJ := j - p.MaxCoin

	if baseI >= 0 && baseJ >= 0 {
		return p.Basepool.Dydx(baseI, baseJ, useFee)
	}

	rates, err := p.Rates()
	if err != nil {
		return 0, err
	}
	xp := xpMem(p.Balances, rates)

	bp := p.Basepool
	baseXp := bp.xp()

	if baseI < 0 {
		// primary in, base underlyer out: dz/dx_j = (dz/dw) / D'(x_j)
		dPrime := basepoolDPrime(bp, baseXp, baseJ)
		if dPrime == 0 {
			return 0, fmt.Errorf("%w: degenerate base invariant derivative", types.ErrUnsafeValue)
		}
		dwdz, err := p.dydxTop(0, p.MaxCoin, xp, useFee)
		if err != nil {
			return 0, err
		}
		price := dwdz / dPrime

		var fee float64
		if useFee && bp.Fee.Sign() > 0 {
			xj := baseXp[baseJ]
			sum := new(big.Int)
			for _, x := range baseXp {
				sum.Add(sum, x)
			}
			f := new(big.Int).Mul(bp.Fee, xj)
			f.Div(f, sum)
			f.Sub(bp.Fee, f)
			f.Add(f, big.NewInt(500000))
			ff, _ := new(big.Float).SetInt(f).Float64()
			fee = ff
		}
		return price * (1 - fee/1e10), nil
	}

	// base underlyer in, primary out: difference quotient through a
	// small simulated deposit
	dx := fixedpoint.BigPow10(12)
	baseInputs := zeros(bp.N)
	in := new(big.Int).Mul(dx, fixedpoint.One18)
	baseInputs[baseI] = in.Div(in, bp.Rates[baseI])

	dw, _, err := bp.CalcTokenAmount(baseInputs, true)
	if err != nil {
		return 0, err
	}
	dw.Mul(dw, rates[p.MaxCoin])
	dw.Div(dw, fixedpoint.One18)
	x := new(big.Int).Add(xp[p.MaxCoin], dw)

	y, err := getY(p.A, p.N, p.MaxCoin, j, x, xp)
	if err != nil {
		return 0, err
	}
	dy := new(big.Int).Sub(xp[j], y)
	dy.Sub(dy, big.NewInt(1))
	if useFee {
		dyFee := new(big.Int).Mul(dy, p.Fee)
		dyFee.Div(dyFee, fixedpoint.FeeDenom)
		dy.Sub(dy, dyFee)
	}

	num, _ := new(big.Float).SetInt(dy).Float64()
	den, _ := new(big.Float).SetInt(dx).Float64()
	return num / den, nil
}

// dydxTop prices meta-level indices with no underlyer handling.
func (p *MetaPool) dydxTop(i, j int, xp []*big.Int, useFee bool) (float64, error) {
	price, err := dydx(i, j, xp, p.A, p.N)
	if err != nil {
		return 0, err
	}
	if !useFee {
		return price, nil
	}
	var feeFactor float64
	if p.FeeMul == nil {
		f, _ := new(big.Float).SetInt(p.Fee).Float64()
		feeFactor = f / 1e10
	} else {
		// probe the dynamic fee at the midpoint of a small trade
		const probe = 1e12
		xi := new(big.Int).Add(xp[i], big.NewInt(probe/2))
		xj := new(big.Int).Sub(xp[j], big.NewInt(int64(price*probe)/2))
		f, _ := new(big.Float).SetInt(dynamicFee(p.FeeMul, p.Fee, xi, xj)).Float64()
		feeFactor = f / 1e10
	}
	return price * (1 - feeFactor), nil
}

// basepoolDPrime evaluates dD/dx_j for the base pool in closed form:
// -(A*n^(n+1)*prod(xp) + D^(n+1)/x_j) / (n^n*prod(xp) - A*n^(n+1)*prod(xp) - (n+1)*D^n).
func basepoolDPrime(bp *Pool, baseXp []*big.Int, j int) float64 {
	d, err := getD(baseXp, bp.A, bp.N)
	if err != nil {
		return 0
	}
	n := int64(bp.N)

	xProd := big.NewInt(1)
	for _, x := range baseXp {
		xProd.Mul(xProd, x)
	}
	aPow := new(big.Int).Exp(big.NewInt(n), big.NewInt(n+1), nil)
	aPow.Mul(aPow, bp.A)
	dPow := new(big.Int).Exp(d, big.NewInt(n+1), nil)
	dPowN := new(big.Int).Exp(d, big.NewInt(n), nil)
	nPow := new(big.Int).Exp(big.NewInt(n), big.NewInt(n), nil)

	prec := uint(256)
	num := new(big.Float).SetPrec(prec).SetInt(new(big.Int).Mul(aPow, xProd))
	num.Add(num, new(big.Float).SetPrec(prec).Quo(
		new(big.Float).SetPrec(prec).SetInt(dPow),
		new(big.Float).SetPrec(prec).SetInt(baseXp[j]),
	))
	num.Neg(num)

	den := new(big.Int).Mul(nPow, xProd)
	den.Sub(den, new(big.Int).Mul(aPow, xProd))
	den.Sub(den, new(big.Int).Mul(big.NewInt(n+1), dPowN))

	out, _ := new(big.Float).SetPrec(prec).Quo(num, new(big.Float).SetPrec(prec).SetInt(den)).Float64()
	return out
}

/*

Cryptoswap pool engine for 2-coin and 3-coin pools.

Liquidity concentrates around a movable price scale. Every state-changing
operation funnels through tweakPrice, which advances the EMA price
oracle, recomputes the profit counters from the constant-product value of
the equilibrium balances, and nudges the price scale toward the oracle
when enough profit has accumulated to pay for the rebalance. Admin fees
are taken as a share of accumulated profit, not per trade.

*/

package cryptoswap

import (
	"fmt"
	"math/big"
	"time"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

// Config holds the constructor parameters for a cryptoswap pool. A is
// amplification times n**n times 10**4; gamma controls how fast
// liquidity concentration decays away from the price scale.
type Config struct {
	A                  *big.Int
	Gamma              *big.Int
	N                  int
	Precisions         []*big.Int // multiplicative, native units to 18 decimals
	MidFee             *big.Int
	OutFee             *big.Int
	AllowedExtraProfit *big.Int
	FeeGamma           *big.Int
	AdjustmentStep     *big.Int
	MAHalfTime         *big.Int
	PriceScale         []*big.Int // n-1 prices of coins 1.. in coin 0
	PriceOracle        []*big.Int // defaults to PriceScale
	LastPrices         []*big.Int // defaults to PriceScale
	Balances           []*big.Int
	D                  *big.Int
	Tokens             *big.Int
	AdminFee           *big.Int // defaults to 5*10**9
	XcpProfit          *big.Int
	XcpProfitA         *big.Int
	Names              []string
}

// Pool is a cryptoswap pool with 2 or 3 coins.
type Pool struct {
	A                   *big.Int
	Gamma               *big.Int
	N                   int
	Precisions          []*big.Int
	MidFee              *big.Int
	OutFee              *big.Int
	AllowedExtraProfit  *big.Int
	FeeGamma            *big.Int
	AdjustmentStep      *big.Int
	AdminFee            *big.Int
	MAHalfTime          *big.Int
	PriceScale          []*big.Int
	LastPrices          []*big.Int
	LastPricesTimestamp int64
	Balances            []*big.Int
	D                   *big.Int
	VirtualPrice        *big.Int
	Tokens              *big.Int
	XcpProfit           *big.Int
	XcpProfitA          *big.Int

	priceOracle    []*big.Int
	blockTimestamp int64
	notAdjusted    bool
	names          []string
}

// New validates the configuration and constructs the pool.
func New(cfg Config) (*Pool, error) {
	if cfg.N != 2 && cfg.N != 3 {
		return nil, fmt.Errorf("%w: only 2 or 3-coin pools are supported, got %d", types.ErrInvalidConfig, cfg.N)
	}
	if cfg.A == nil || cfg.Gamma == nil {
		return nil, fmt.Errorf("%w: A and gamma are required", types.ErrInvalidConfig)
	}
	if err := checkAGamma(cfg.A, cfg.Gamma, cfg.N); err != nil {
		return nil, err
	}
	if len(cfg.Precisions) != cfg.N {
		return nil, fmt.Errorf("%w: %d precisions for %d coins", types.ErrInvalidConfig, len(cfg.Precisions), cfg.N)
	}
	if len(cfg.PriceScale) != cfg.N-1 {
		return nil, fmt.Errorf("%w: %d price scale entries for %d coins", types.ErrInvalidConfig, len(cfg.PriceScale), cfg.N)
	}
	if cfg.Balances == nil && cfg.D == nil {
		return nil, fmt.Errorf("%w: either Balances or D is required", types.ErrInvalidConfig)
	}

	oracle := cfg.PriceOracle
	if oracle == nil {
		oracle = cfg.PriceScale
	}
	lastPrices := cfg.LastPrices
	if lastPrices == nil {
		lastPrices = cfg.PriceScale
	}
	adminFee := cfg.AdminFee
	if adminFee == nil {
		adminFee = new(big.Int).Mul(big.NewInt(5), fixedpoint.BigPow10(9))
	}
	xcpProfit := cfg.XcpProfit
	if xcpProfit == nil {
		xcpProfit = fixedpoint.One18
	}
	xcpProfitA := cfg.XcpProfitA
	if xcpProfitA == nil {
		xcpProfitA = fixedpoint.One18
	}
	names := cfg.Names
	if names == nil {
		names = make([]string, cfg.N)
		for i := range names {
			names[i] = fmt.Sprintf("coin%d", i)
		}
	}
	if len(names) != cfg.N {
		return nil, fmt.Errorf("%w: %d names for %d coins", types.ErrInvalidConfig, len(names), cfg.N)
	}

	now := time.Now().Unix()
	p := &Pool{
		A:                   fixedpoint.Clone(cfg.A),
		Gamma:               fixedpoint.Clone(cfg.Gamma),
		N:                   cfg.N,
		Precisions:          fixedpoint.CloneSlice(cfg.Precisions),
		MidFee:              fixedpoint.Clone(cfg.MidFee),
		OutFee:              fixedpoint.Clone(cfg.OutFee),
		AllowedExtraProfit:  fixedpoint.Clone(cfg.AllowedExtraProfit),
		FeeGamma:            fixedpoint.Clone(cfg.FeeGamma),
		AdjustmentStep:      fixedpoint.Clone(cfg.AdjustmentStep),
		AdminFee:            fixedpoint.Clone(adminFee),
		MAHalfTime:          fixedpoint.Clone(cfg.MAHalfTime),
		PriceScale:          fixedpoint.CloneSlice(cfg.PriceScale),
		LastPrices:          fixedpoint.CloneSlice(lastPrices),
		LastPricesTimestamp: now,
		XcpProfit:           fixedpoint.Clone(xcpProfit),
		XcpProfitA:          fixedpoint.Clone(xcpProfitA),
		priceOracle:         fixedpoint.CloneSlice(oracle),
		blockTimestamp:      now,
		names:               names,
	}

	if cfg.Balances != nil {
		if len(cfg.Balances) != cfg.N {
			return nil, fmt.Errorf("%w: %d balances for %d coins", types.ErrInvalidConfig, len(cfg.Balances), cfg.N)
		}
		p.Balances = fixedpoint.CloneSlice(cfg.Balances)
	}

	if cfg.D != nil {
		p.D = fixedpoint.Clone(cfg.D)
		if p.Balances == nil {
			p.Balances = p.balancesFromD(p.D)
		}
	} else {
		d, err := newtonD(p.A, p.Gamma, p.xp(), nil)
		if err != nil {
			return nil, err
		}
		p.D = d
	}

	xcp, err := p.getXcp(p.D)
	if err != nil {
		return nil, err
	}
	if cfg.Tokens != nil {
		p.Tokens = fixedpoint.Clone(cfg.Tokens)
	} else {
		p.Tokens = fixedpoint.Clone(xcp)
	}
	vp := new(big.Int).Mul(fixedpoint.One18, xcp)
	p.VirtualPrice = vp.Div(vp, p.Tokens)
	return p, nil
}

// balancesFromD spreads D equally across coins at the price scale.
func (p *Pool) balancesFromD(d *big.Int) []*big.Int {
	out := make([]*big.Int, p.N)
	out[0] = new(big.Int).Div(d, big.NewInt(int64(p.N)))
	out[0].Div(out[0], p.Precisions[0])
	for k, price := range p.PriceScale {
		b := new(big.Int).Mul(d, fixedpoint.One18)
		b.Div(b, new(big.Int).Mul(price, big.NewInt(int64(p.N))))
		b.Div(b, p.Precisions[k+1])
		out[k+1] = b
	}
	return out
}

// xp returns the balances transformed so a unit of each coin has equal
// value: precision-scaled, with coins 1.. multiplied by the price scale.
func (p *Pool) xp() []*big.Int {
	return p.xpMem(p.Balances)
}

func (p *Pool) xpMem(balances []*big.Int) []*big.Int {
	out := make([]*big.Int, p.N)
	out[0] = new(big.Int).Mul(balances[0], p.Precisions[0])
	for k, price := range p.PriceScale {
		x := new(big.Int).Mul(balances[k+1], p.Precisions[k+1])
		x.Mul(x, price)
		out[k+1] = x.Div(x, fixedpoint.One18)
	}
	return out
}

// getXcp values the pool as a constant-product AMM at the equilibrium
// point implied by D and the price scale.
func (p *Pool) getXcp(d *big.Int) (*big.Int, error) {
	x := make([]*big.Int, p.N)
	x[0] = new(big.Int).Div(d, big.NewInt(int64(p.N)))
	for k, price := range p.PriceScale {
		xi := new(big.Int).Mul(d, fixedpoint.One18)
		x[k+1] = xi.Div(xi, new(big.Int).Mul(price, big.NewInt(int64(p.N))))
	}
	return fixedpoint.GeometricMean(x)
}

// Fee returns the current fee in 10**10 precision, blended between
// MidFee at perfect balance and OutFee at full imbalance.
func (p *Pool) Fee() (*big.Int, error) {
	return p.fee(p.xp()), nil
}

func (p *Pool) fee(xp []*big.Int) *big.Int {
	one18 := fixedpoint.One18
	var f *big.Int
	if p.N == 2 {
		sum := new(big.Int).Add(xp[0], xp[1])
		f = new(big.Int).Mul(one18, big.NewInt(4))
		f.Mul(f, xp[0])
		f.Div(f, sum)
		f.Mul(f, xp[1])
		f.Div(f, sum)
	} else {
		sum := new(big.Int)
		for _, x := range xp {
			sum.Add(sum, x)
		}
		f = fixedpoint.Clone(one18)
		for _, x := range xp {
			f.Mul(f, big.NewInt(int64(p.N)))
			f.Mul(f, x)
			f.Div(f, sum)
		}
	}
	// f is now K in 10**18; blend = fee_gamma / (fee_gamma + 1 - K)
	blend := new(big.Int).Mul(p.FeeGamma, one18)
	den := new(big.Int).Add(p.FeeGamma, one18)
	den.Sub(den, f)
	blend.Div(blend, den)

	out := new(big.Int).Mul(p.MidFee, blend)
	tmp := new(big.Int).Sub(one18, blend)
	tmp.Mul(tmp, p.OutFee)
	out.Add(out, tmp)
	return out.Div(out, one18)
}

// GetDy quotes the output amount for swapping dx of coin i into coin j
// without changing any state.
func (p *Pool) GetDy(i, j int, dx *big.Int) (*big.Int, error) {
	if i == j || i < 0 || j < 0 || i >= p.N || j >= p.N {
		return nil, fmt.Errorf("%w: bad coin indices (%d,%d)", types.ErrInvalidConfig, i, j)
	}

	balances := fixedpoint.CloneSlice(p.Balances)
	balances[i].Add(balances[i], dx)
	xp := p.xpMem(balances)

	y, _, err := getYK(p.A, p.Gamma, xp, p.D, j)
	if err != nil {
		return nil, err
	}
	dy := new(big.Int).Sub(xp[j], y)
	dy.Sub(dy, big.NewInt(1))
	xp[j] = y

	if j > 0 {
		dy.Mul(dy, fixedpoint.One18)
		dy.Div(dy, new(big.Int).Mul(p.PriceScale[j-1], p.Precisions[j]))
	} else {
		dy.Div(dy, p.Precisions[0])
	}
	fee := new(big.Int).Mul(p.fee(xp), dy)
	fee.Div(fee, fixedpoint.FeeDenom)
	return dy.Sub(dy, fee), nil
}

// Exchange swaps dx of coin i for coin j, returning the output amount
// and the fee, both in native units of coin j. The trade moves the last
// price, which feeds the oracle and possibly a price scale adjustment.
func (p *Pool) Exchange(i, j int, dx *big.Int) (*big.Int, *big.Int, error) {
	if i == j || i < 0 || j < 0 || i >= p.N || j >= p.N {
		return nil, nil, fmt.Errorf("%w: bad coin indices (%d,%d)", types.ErrInvalidConfig, i, j)
	}
	if dx.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: cannot exchange %s coins", types.ErrInvalidConfig, dx)
	}

	y0 := fixedpoint.Clone(p.Balances[j])
	p.Balances[i].Add(p.Balances[i], dx)
	xp := p.xp()

	yNew, k0, err := getYK(p.A, p.Gamma, xp, p.D, j)
	if err != nil {
		return nil, nil, err
	}
	dy := new(big.Int).Sub(xp[j], yNew)
	xp[j].Sub(xp[j], dy)
	dy.Sub(dy, big.NewInt(1))

	precI := p.Precisions[i]
	precJ := p.Precisions[j]
	if j > 0 {
		dy.Mul(dy, fixedpoint.One18)
		dy.Div(dy, p.PriceScale[j-1])
	}
	dy.Div(dy, precJ)

	fee := new(big.Int).Mul(p.fee(xp), dy)
	fee.Div(fee, fixedpoint.FeeDenom)
	dy.Sub(dy, fee)

	y := y0.Sub(y0, dy)
	p.Balances[j] = fixedpoint.Clone(y)

	y.Mul(y, precJ)
	if j > 0 {
		y.Mul(y, p.PriceScale[j-1])
		y.Div(y, fixedpoint.One18)
	}
	xp[j] = y

	// the realized execution price feeds the EMA, ignoring dust trades
	ix := j
	pTrade := new(big.Int)
	if dx.Cmp(noiseFee) > 0 && dy.Cmp(noiseFee) > 0 {
		dxScaled := new(big.Int).Mul(dx, precI)
		dyScaled := new(big.Int).Mul(dy, precJ)
		switch {
		case i != 0 && j != 0:
			pTrade.Mul(p.LastPrices[i-1], dxScaled)
			pTrade.Div(pTrade, dyScaled)
		case i == 0:
			pTrade.Mul(dxScaled, fixedpoint.One18)
			pTrade.Div(pTrade, dyScaled)
		default: // j == 0
			pTrade.Mul(dyScaled, fixedpoint.One18)
			pTrade.Div(pTrade, dxScaled)
			ix = i
		}
	}

	if err := p.tweakPrice(xp, ix, pTrade, nil, k0); err != nil {
		return nil, nil, err
	}
	return dy, fee, nil
}

// tweakPrice advances the oracle, updates the profit counters, and
// adjusts the price scale toward the oracle when profitable. newD is
// non-nil when the caller already solved the invariant; k0Prev seeds the
// 3-coin D solve.
func (p *Pool) tweakPrice(xp []*big.Int, i int, pI *big.Int, newD, k0Prev *big.Int) error {
	one18 := fixedpoint.One18
	nBig := big.NewInt(int64(p.N))

	// once per block, fold the previous last-trade prices into the EMA
	if p.LastPricesTimestamp < p.blockTimestamp {
		alpha, err := getAlpha(p.MAHalfTime, p.blockTimestamp, p.LastPricesTimestamp, p.N)
		if err != nil {
			return err
		}
		oneMinus := new(big.Int).Sub(one18, alpha)
		for k := range p.priceOracle {
			v := new(big.Int).Mul(p.LastPrices[k], oneMinus)
			tmp := new(big.Int).Mul(p.priceOracle[k], alpha)
			v.Add(v, tmp)
			p.priceOracle[k] = v.Div(v, one18)
		}
		p.LastPricesTimestamp = p.blockTimestamp
	}

	dUnadjusted := newD
	if dUnadjusted == nil {
		d, err := newtonD(p.A, p.Gamma, xp, k0Prev)
		if err != nil {
			return err
		}
		dUnadjusted = d
	}

	if pI != nil && pI.Sign() > 0 {
		if i > 0 {
			p.LastPrices[i-1] = fixedpoint.Clone(pI)
		} else {
			// coin 0 moved; rebase every price against it
			for k := range p.LastPrices {
				v := new(big.Int).Mul(p.LastPrices[k], one18)
				p.LastPrices[k] = v.Div(v, pI)
			}
		}
	} else {
		// no trade price available; probe the invariant directly
		probe := fixedpoint.CloneSlice(xp)
		dxPrice := new(big.Int).Div(probe[0], fixedpoint.BigPow10(6))
		probe[0].Add(probe[0], dxPrice)
		for k := 1; k < p.N; k++ {
			yk, _, err := getYK(p.A, p.Gamma, probe, dUnadjusted, k)
			if err != nil {
				return err
			}
			v := new(big.Int).Mul(p.PriceScale[k-1], dxPrice)
			den := new(big.Int).Sub(probe[k], yk)
			p.LastPrices[k-1] = v.Div(v, den)
		}
	}

	totalSupply := p.Tokens
	oldXcpProfit := p.XcpProfit
	oldVirtualPrice := p.VirtualPrice

	eq := make([]*big.Int, p.N)
	eq[0] = new(big.Int).Div(dUnadjusted, nBig)
	for k, price := range p.PriceScale {
		v := new(big.Int).Mul(dUnadjusted, one18)
		eq[k+1] = v.Div(v, new(big.Int).Mul(nBig, price))
	}

	xcpProfit := fixedpoint.Clone(one18)
	virtualPrice := fixedpoint.Clone(one18)
	if oldVirtualPrice.Sign() > 0 {
		xcp, err := fixedpoint.GeometricMean(eq)
		if err != nil {
			return err
		}
		virtualPrice = xcp.Mul(one18, xcp)
		virtualPrice.Div(virtualPrice, totalSupply)

		if virtualPrice.Cmp(oldVirtualPrice) < 0 {
			return fmt.Errorf("%w: virtual price %s fell below %s",
				types.ErrLoss, virtualPrice, oldVirtualPrice)
		}
		xcpProfit = new(big.Int).Mul(oldXcpProfit, virtualPrice)
		xcpProfit.Div(xcpProfit, oldVirtualPrice)
	}
	p.XcpProfit = xcpProfit

	// norm measures how far the oracle has drifted from the price scale
	norm := new(big.Int)
	for k := range p.PriceScale {
		ratio := new(big.Int).Mul(p.priceOracle[k], one18)
		ratio.Div(ratio, p.PriceScale[k])
		ratio.Sub(ratio, one18)
		ratio.Abs(ratio)
		norm.Add(norm, ratio.Mul(ratio, ratio))
	}
	norm = fixedpoint.ISqrt(norm)

	adjustmentStep := fixedpoint.Clone(p.AdjustmentStep)
	if tmp := new(big.Int).Div(norm, big.NewInt(5)); tmp.Cmp(adjustmentStep) > 0 {
		adjustmentStep = tmp
	}

	needsAdjustment := p.notAdjusted
	if !needsAdjustment {
		// virtual_price - 1 > (xcp_profit - 1)/2 + allowed_extra_profit
		lhs := new(big.Int).Mul(virtualPrice, big.NewInt(2))
		lhs.Sub(lhs, one18)
		rhs := new(big.Int).Mul(p.AllowedExtraProfit, big.NewInt(2))
		rhs.Add(rhs, xcpProfit)
		if lhs.Cmp(rhs) > 0 && norm.Cmp(adjustmentStep) > 0 && oldVirtualPrice.Sign() > 0 {
			needsAdjustment = true
			p.notAdjusted = true
		}
	}

	if needsAdjustment && norm.Cmp(adjustmentStep) > 0 && oldVirtualPrice.Sign() > 0 {
		newPrices := make([]*big.Int, len(p.PriceScale))
		for k := range p.PriceScale {
			v := new(big.Int).Sub(norm, adjustmentStep)
			v.Mul(v, p.PriceScale[k])
			tmp := new(big.Int).Mul(adjustmentStep, p.priceOracle[k])
			v.Add(v, tmp)
			newPrices[k] = v.Div(v, norm)
		}

		scaled := make([]*big.Int, p.N)
		scaled[0] = fixedpoint.Clone(xp[0])
		for k := 1; k < p.N; k++ {
			v := new(big.Int).Mul(xp[k], newPrices[k-1])
			scaled[k] = v.Div(v, p.PriceScale[k-1])
		}

		d, err := newtonD(p.A, p.Gamma, scaled, nil)
		if err != nil {
			return err
		}
		eq[0] = new(big.Int).Div(d, nBig)
		for k := 1; k < p.N; k++ {
			v := new(big.Int).Mul(d, one18)
			eq[k] = v.Div(v, new(big.Int).Mul(nBig, newPrices[k-1]))
		}
		xcp, err := fixedpoint.GeometricMean(eq)
		if err != nil {
			return err
		}
		newVirtualPrice := new(big.Int).Mul(one18, xcp)
		newVirtualPrice.Div(newVirtualPrice, totalSupply)

		// proceed only if the adjustment leaves at least half the profit
		lhs := new(big.Int).Mul(newVirtualPrice, big.NewInt(2))
		lhs.Sub(lhs, one18)
		if newVirtualPrice.Cmp(one18) > 0 && lhs.Cmp(xcpProfit) > 0 {
			p.PriceScale = newPrices
			p.D = d
			p.VirtualPrice = newVirtualPrice
			return nil
		}
	}

	p.D = dUnadjusted
	p.VirtualPrice = virtualPrice

	if needsAdjustment {
		p.notAdjusted = false
		return p.claimAdminFees()
	}
	return nil
}

// claimAdminFees mints LP supply to the admin worth the admin share of
// profit accumulated since the last claim, then rebases the counters.
func (p *Pool) claimAdminFees() error {
	xcpProfit := fixedpoint.Clone(p.XcpProfit)
	xcpProfitA := p.XcpProfitA
	vprice := p.VirtualPrice
	one18 := fixedpoint.One18

	if xcpProfit.Cmp(xcpProfitA) > 0 {
		fees := new(big.Int).Sub(xcpProfit, xcpProfitA)
		fees.Mul(fees, p.AdminFee)
		fees.Div(fees, new(big.Int).Mul(big.NewInt(2), fixedpoint.FeeDenom))
		if fees.Sign() > 0 {
			frac := new(big.Int).Mul(vprice, one18)
			frac.Div(frac, new(big.Int).Sub(vprice, fees))
			frac.Sub(frac, one18)
			dSupply := new(big.Int).Mul(p.Tokens, frac)
			dSupply.Div(dSupply, one18)
			p.Tokens.Add(p.Tokens, dSupply)
			xcpProfit.Sub(xcpProfit, new(big.Int).Mul(fees, big.NewInt(2)))
			p.XcpProfit = xcpProfit
		}
	}

	d, err := newtonD(p.A, p.Gamma, p.xp(), nil)
	if err != nil {
		return err
	}
	p.D = d
	xcp, err := p.getXcp(d)
	if err != nil {
		return err
	}
	vp := new(big.Int).Mul(one18, xcp)
	p.VirtualPrice = vp.Div(vp, p.Tokens)

	if xcpProfit.Cmp(xcpProfitA) > 0 {
		p.XcpProfitA = fixedpoint.Clone(xcpProfit)
	}
	return nil
}

// AddLiquidity deposits the given amounts and mints LP tokens.
func (p *Pool) AddLiquidity(amounts []*big.Int) (*big.Int, error) {
	if len(amounts) != p.N {
		return nil, fmt.Errorf("%w: %d amounts for %d coins", types.ErrInvalidConfig, len(amounts), p.N)
	}
	anyPositive := false
	for _, a := range amounts {
		if a.Sign() > 0 {
			anyPositive = true
		}
	}
	if !anyPositive {
		return nil, fmt.Errorf("%w: no coins to add", types.ErrInvalidConfig)
	}

	xpOld := p.xp()
	for i := range p.Balances {
		p.Balances[i].Add(p.Balances[i], amounts[i])
	}
	xp := p.xp()
	amountsp := make([]*big.Int, p.N)
	for i := range xp {
		amountsp[i] = new(big.Int).Sub(xp[i], xpOld[i])
	}

	oldD := p.D
	d, err := newtonD(p.A, p.Gamma, xp, nil)
	if err != nil {
		return nil, err
	}

	var dToken *big.Int
	if oldD.Sign() > 0 {
		dToken = new(big.Int).Mul(p.Tokens, d)
		dToken.Div(dToken, oldD)
		dToken.Sub(dToken, p.Tokens)
	} else {
		xcp, err := p.getXcp(d)
		if err != nil {
			return nil, err
		}
		dToken = xcp
	}
	if dToken.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit mints nothing", types.ErrUnsafeValue)
	}

	if oldD.Sign() > 0 {
		fee := new(big.Int).Mul(p.calcTokenFee(amountsp, xp), dToken)
		fee.Div(fee, fixedpoint.FeeDenom)
		fee.Add(fee, big.NewInt(1))
		dToken.Sub(dToken, fee)
		p.Tokens.Add(p.Tokens, dToken)

		// single-sided deposits of meaningful size move the price
		pDeposit := new(big.Int)
		ix := -1
		if dToken.Cmp(noiseFee) > 0 {
			nonzero := 0
			for _, a := range amounts {
				if a.Sign() != 0 {
					nonzero++
				}
			}
			if nonzero == 1 {
				for idx, a := range amounts {
					if a.Sign() == 0 {
						ix = idx
						break
					}
				}
				if ix >= 0 {
					s := new(big.Int)
					for idx := 0; idx < p.N; idx++ {
						if idx == ix {
							continue
						}
						v := new(big.Int).Mul(p.Balances[idx], p.Precisions[idx])
						if idx > 0 {
							v.Mul(v, p.LastPrices[idx-1])
							v.Div(v, fixedpoint.One18)
						}
						s.Add(s, v)
					}
					s.Mul(s, dToken)
					s.Div(s, p.Tokens)
					den := new(big.Int).Mul(amounts[ix], p.Precisions[ix])
					tmp := new(big.Int).Mul(dToken, p.Balances[ix])
					tmp.Mul(tmp, p.Precisions[ix])
					tmp.Div(tmp, p.Tokens)
					den.Sub(den, tmp)
					pDeposit.Mul(s, fixedpoint.One18)
					pDeposit.Div(pDeposit, den)
				}
			}
		}
		if err := p.tweakPrice(xp, ix, pDeposit, d, nil); err != nil {
			return nil, err
		}
	} else {
		p.D = d
		p.VirtualPrice = fixedpoint.Clone(fixedpoint.One18)
		p.XcpProfit = fixedpoint.Clone(fixedpoint.One18)
		p.Tokens.Add(p.Tokens, dToken)
	}
	return dToken, nil
}

// calcTokenFee charges the blended fee on the deposit's deviation from a
// balanced deposit, plus the noise fee floor.
func (p *Pool) calcTokenFee(amounts, xp []*big.Int) *big.Int {
	fee := new(big.Int).Mul(p.fee(xp), big.NewInt(int64(p.N)))
	fee.Div(fee, big.NewInt(int64(4*(p.N-1))))

	s := new(big.Int)
	for _, a := range amounts {
		s.Add(s, a)
	}
	avg := new(big.Int).Div(s, big.NewInt(int64(p.N)))
	sdiff := new(big.Int)
	for _, a := range amounts {
		d := new(big.Int).Sub(a, avg)
		sdiff.Add(sdiff, d.Abs(d))
	}
	fee.Mul(fee, sdiff)
	fee.Div(fee, s)
	return fee.Add(fee, noiseFee)
}

// CalcTokenAmount quotes the LP tokens minted for a deposit without
// changing state.
func (p *Pool) CalcTokenAmount(amounts []*big.Int) (*big.Int, error) {
	if len(amounts) != p.N {
		return nil, fmt.Errorf("%w: %d amounts for %d coins", types.ErrInvalidConfig, len(amounts), p.N)
	}
	xp := p.xp()
	amountsp := p.xpMem(amounts)
	for i := range xp {
		xp[i].Add(xp[i], amountsp[i])
	}
	d, err := newtonD(p.A, p.Gamma, xp, nil)
	if err != nil {
		return nil, err
	}
	dToken := new(big.Int).Mul(p.Tokens, d)
	dToken.Div(dToken, p.D)
	dToken.Sub(dToken, p.Tokens)

	fee := new(big.Int).Mul(p.calcTokenFee(amountsp, xp), dToken)
	fee.Div(fee, fixedpoint.FeeDenom)
	fee.Add(fee, big.NewInt(1))
	return dToken.Sub(dToken, fee), nil
}

// RemoveLiquidity burns LP tokens for a proportional share of every
// coin. No invariant solve is involved, so it cannot fail numerically.
func (p *Pool) RemoveLiquidity(amount *big.Int) ([]*big.Int, error) {
	if amount.Cmp(p.Tokens) > 0 {
		return nil, fmt.Errorf("%w: burning %s exceeds supply %s", types.ErrInvalidConfig, amount, p.Tokens)
	}
	totalSupply := fixedpoint.Clone(p.Tokens)
	p.Tokens.Sub(p.Tokens, amount)

	// rounding errors favor the remaining LPs
	adj := new(big.Int).Sub(amount, big.NewInt(1))
	out := make([]*big.Int, p.N)
	for i := range p.Balances {
		dBalance := new(big.Int).Mul(p.Balances[i], adj)
		dBalance.Div(dBalance, totalSupply)
		p.Balances[i].Sub(p.Balances[i], dBalance)
		out[i] = dBalance
	}

	dD := new(big.Int).Mul(p.D, adj)
	dD.Div(dD, totalSupply)
	p.D.Sub(p.D, dD)
	return out, nil
}

// calcWithdrawOneCoin sizes a one-coin withdrawal. The fee is charged
// on D rather than the output, reducing the invariant less than the
// user is charged.
func (p *Pool) calcWithdrawOneCoin(tokenAmount *big.Int, i int, updateD, calcPrice bool) (*big.Int, *big.Int, *big.Int, []*big.Int, error) {
	if tokenAmount.Cmp(p.Tokens) > 0 {
		return nil, nil, nil, nil, fmt.Errorf("%w: burning %s exceeds supply %s", types.ErrInvalidConfig, tokenAmount, p.Tokens)
	}
	if i < 0 || i >= p.N {
		return nil, nil, nil, nil, fmt.Errorf("%w: coin index %d out of range", types.ErrInvalidConfig, i)
	}

	xx := fixedpoint.CloneSlice(p.Balances)
	xp := p.xpMem(xx)

	var d0 *big.Int
	if updateD {
		d, err := newtonD(p.A, p.Gamma, xp, nil)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		d0 = d
	} else {
		d0 = fixedpoint.Clone(p.D)
	}

	d := fixedpoint.Clone(d0)
	fee := p.fee(xp)
	dD := new(big.Int).Mul(tokenAmount, d)
	dD.Div(dD, p.Tokens)

	feeD := new(big.Int).Mul(fee, dD)
	feeD.Div(feeD, new(big.Int).Mul(big.NewInt(2), fixedpoint.FeeDenom))
	feeD.Add(feeD, big.NewInt(1))
	d.Sub(d, new(big.Int).Sub(dD, feeD))

	y, _, err := getYK(p.A, p.Gamma, xp, d, i)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	dy := new(big.Int).Sub(xp[i], y)
	if i == 0 {
		dy.Div(dy, p.Precisions[0])
	} else {
		dy.Mul(dy, fixedpoint.One18)
		dy.Div(dy, new(big.Int).Mul(p.Precisions[i], p.PriceScale[i-1]))
	}
	xp[i] = y

	// the 2-coin pools derive the withdrawal's implied price directly
	pOut := new(big.Int)
	if calcPrice && p.N == 2 && dy.Cmp(noiseFee) > 0 && tokenAmount.Cmp(noiseFee) > 0 {
		var s *big.Int
		precision := p.Precisions[0]
		if i == 1 {
			s = new(big.Int).Mul(xx[0], p.Precisions[0])
			precision = p.Precisions[1]
		} else {
			s = new(big.Int).Mul(xx[1], p.Precisions[1])
		}
		s.Mul(s, dD)
		s.Div(s, d0)
		den := new(big.Int).Mul(dy, precision)
		tmp := new(big.Int).Mul(dD, xx[i])
		tmp.Mul(tmp, precision)
		tmp.Div(tmp, d0)
		den.Sub(den, tmp)
		pOut.Mul(s, fixedpoint.One18)
		pOut.Div(pOut, den)
		if i == 0 {
			sq := new(big.Int).Mul(fixedpoint.One18, fixedpoint.One18)
			pOut = sq.Div(sq, pOut)
		}
	}
	return dy, pOut, d, xp, nil
}

// CalcWithdrawOneCoin quotes a one-coin withdrawal without changing state.
func (p *Pool) CalcWithdrawOneCoin(tokenAmount *big.Int, i int) (*big.Int, error) {
	dy, _, _, _, err := p.calcWithdrawOneCoin(tokenAmount, i, true, false)
	return dy, err
}

// RemoveLiquidityOneCoin burns LP tokens and withdraws entirely in coin i.
func (p *Pool) RemoveLiquidityOneCoin(tokenAmount *big.Int, i int) (*big.Int, error) {
	dy, pOut, d, xp, err := p.calcWithdrawOneCoin(tokenAmount, i, false, true)
	if err != nil {
		return nil, err
	}
	p.Balances[i].Sub(p.Balances[i], dy)
	p.Tokens.Sub(p.Tokens, tokenAmount)
	if err := p.tweakPrice(xp, i, pOut, d, nil); err != nil {
		return nil, err
	}
	return dy, nil
}

// LPPrice approximates the LP token price in units of coin 0 from the
// virtual price and the oracle.
func (p *Pool) LPPrice() (*big.Int, error) {
	oracle := p.InternalPriceOracle()
	if p.N == 2 {
		s, err := fixedpoint.Sqrt(oracle[0])
		if err != nil {
			return nil, err
		}
		out := new(big.Int).Mul(big.NewInt(2), p.VirtualPrice)
		out.Mul(out, s)
		return out.Div(out, fixedpoint.One18), nil
	}
	prod := new(big.Int).Mul(oracle[0], oracle[1])
	cbrt := fixedpoint.CubeRoot(prod)
	out := new(big.Int).Mul(big.NewInt(3), p.VirtualPrice)
	out.Mul(out, cbrt)
	return out.Div(out, fixedpoint.BigPow10(24)), nil
}

// InternalPriceOracle returns the EMA price oracle, advanced to the
// current block without mutating state.
func (p *Pool) InternalPriceOracle() []*big.Int {
	if p.LastPricesTimestamp >= p.blockTimestamp {
		return fixedpoint.CloneSlice(p.priceOracle)
	}
	alpha, err := getAlpha(p.MAHalfTime, p.blockTimestamp, p.LastPricesTimestamp, p.N)
	if err != nil {
		return fixedpoint.CloneSlice(p.priceOracle)
	}
	one18 := fixedpoint.One18
	oneMinus := new(big.Int).Sub(one18, alpha)
	out := make([]*big.Int, len(p.priceOracle))
	for k := range out {
		v := new(big.Int).Mul(p.LastPrices[k], oneMinus)
		tmp := new(big.Int).Mul(p.priceOracle[k], alpha)
		v.Add(v, tmp)
		out[k] = v.Div(v, one18)
	}
	return out
}

// PriceOracle is an alias for InternalPriceOracle.
func (p *Pool) PriceOracle() []*big.Int {
	return p.InternalPriceOracle()
}

// GetVirtualPrice recomputes the virtual price from the current D.
func (p *Pool) GetVirtualPrice() (*big.Int, error) {
	xcp, err := p.getXcp(p.D)
	if err != nil {
		return nil, err
	}
	vp := new(big.Int).Mul(fixedpoint.One18, xcp)
	return vp.Div(vp, p.Tokens), nil
}

// NextTimestamp advances the internal clock by the given number of
// 12-second blocks, so the EMA oracle can decay between trades.
func (p *Pool) NextTimestamp(blocks int64) {
	p.blockTimestamp += 12 * blocks
}

// SetTimestamp pins the internal clock to an absolute Unix timestamp.
func (p *Pool) SetTimestamp(ts int64) {
	p.blockTimestamp = ts
}

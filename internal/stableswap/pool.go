/*

Stableswap invariant engine.

The pool reproduces, integer for integer, the behavior of the deployed
stableswap contracts: Newton solves for the invariant D and for single
balances, the -1 output rounding bias, static and imbalance-weighted
dynamic fees, and the admin fee split. All internal math is done on
arbitrary-precision integers with floor division; floating point only
appears in the final spot-price ratio handed back to callers.

*/

package stableswap

import (
	"fmt"
	"math/big"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

// Config holds the constructor parameters for a stableswap pool.
//
// Exactly one of D or Balances must be set: D seeds a perfectly balanced
// pool of that total virtual value, Balances sets native-unit balances
// directly.
type Config struct {
	A        *big.Int
	D        *big.Int
	Balances []*big.Int
	N        int
	Rates    []*big.Int // precision/rate multipliers, default 10**18 each
	Tokens   *big.Int   // LP token supply, defaults to D at construction
	Fee      *big.Int   // 10**10 denominator
	FeeMul   *big.Int   // fee multiplier for dynamic-fee pools, nil = static
	AdminFee *big.Int   // share of Fee, 10**10 denominator
	Names    []string   // optional asset identifiers
}

// Pool is a basic n-coin stableswap pool.
type Pool struct {
	A             *big.Int
	N             int
	Fee           *big.Int
	FeeMul        *big.Int
	AdminFee      *big.Int
	Rates         []*big.Int
	Balances      []*big.Int // native token units
	Tokens        *big.Int
	AdminBalances []*big.Int

	names []string
}

// New validates the configuration and constructs the pool. The LP token
// supply defaults to the invariant of the initial balances.
func New(cfg Config) (*Pool, error) {
	if cfg.N < 2 {
		return nil, fmt.Errorf("%w: need at least 2 coins, got %d", types.ErrInvalidConfig, cfg.N)
	}
	if cfg.A == nil || cfg.A.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amplification A must be positive", types.ErrInvalidConfig)
	}
	if cfg.D == nil && cfg.Balances == nil {
		return nil, fmt.Errorf("%w: either D or Balances is required", types.ErrInvalidConfig)
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

	var balances []*big.Int
	if cfg.Balances != nil {
		if len(cfg.Balances) != cfg.N {
			return nil, fmt.Errorf("%w: %d balances for %d coins", types.ErrInvalidConfig, len(cfg.Balances), cfg.N)
		}
		balances = fixedpoint.CloneSlice(cfg.Balances)
	} else {
		balances = balancesFromD(cfg.D, cfg.N, rates)
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

	p := &Pool{
		A:             fixedpoint.Clone(cfg.A),
		N:             cfg.N,
		Fee:           fixedpoint.Clone(fee),
		AdminFee:      fixedpoint.Clone(adminFee),
		Rates:         fixedpoint.CloneSlice(rates),
		Balances:      balances,
		AdminBalances: zeros(cfg.N),
		names:         names,
	}
	if cfg.FeeMul != nil {
		p.FeeMul = fixedpoint.Clone(cfg.FeeMul)
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

func balancesFromD(d *big.Int, n int, rates []*big.Int) []*big.Int {
	// x_i = D/n * 10**18 / rate_i
	out := make([]*big.Int, n)
	per := new(big.Int).Div(d, big.NewInt(int64(n)))
	for i, r := range rates {
		x := new(big.Int).Mul(per, fixedpoint.One18)
		out[i] = x.Div(x, r)
	}
	return out
}

func defaultNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("coin%d", i)
	}
	return names
}

func zeros(n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = big.NewInt(0)
	}
	return out
}

// xp returns the balances normalized to D units via the rate multipliers.
func (p *Pool) xp() []*big.Int {
	return xpMem(p.Balances, p.Rates)
}

func xpMem(balances, rates []*big.Int) []*big.Int {
	out := make([]*big.Int, len(balances))
	for i := range balances {
		x := new(big.Int).Mul(balances[i], rates[i])
		out[i] = x.Div(x, fixedpoint.One18)
	}
	return out
}

// D returns the stableswap invariant for the current balances: the value
// of all coin balances if the pool were to become perfectly balanced.
func (p *Pool) D() (*big.Int, error) {
	return getD(p.xp(), p.A, p.N)
}

// DMem computes the invariant for hypothetical native-unit balances.
func (p *Pool) DMem(balances []*big.Int) (*big.Int, error) {
	return getD(xpMem(balances, p.Rates), p.A, p.N)
}

// getD solves A*n^n*sum(x) + D = A*n^n*D + D^(n+1)/(n^n*prod(x)) for D by
// Newton iteration, converging when successive iterates differ by at most
// one integer unit. Non-convergence within the iteration cap is fatal.
func getD(xp []*big.Int, a *big.Int, n int) (*big.Int, error) {
	nBig := big.NewInt(int64(n))
	s := new(big.Int)
	for _, x := range xp {
		if x.Sign() <= 0 {
			return nil, fmt.Errorf("%w: non-positive balance %s in invariant solve", types.ErrUnsafeValue, x)
		}
		s.Add(s, x)
	}

	d := new(big.Int).Set(s)
	ann := new(big.Int).Mul(a, nBig)
	dPrev := new(big.Int)
	dP := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	tmp := new(big.Int)
	diff := new(big.Int)

	for iter := 0; iter < fixedpoint.MaxIterations; iter++ {
		dP.Set(d)
		for _, x := range xp {
			// D_P = D_P * D / (n * x)
			dP.Mul(dP, d)
			tmp.Mul(nBig, x)
			dP.Div(dP, tmp)
		}
		dPrev.Set(d)

		// D = (Ann*S + n*D_P) * D / ((Ann-1)*D + (n+1)*D_P)
		num.Mul(ann, s)
		tmp.Mul(dP, nBig)
		num.Add(num, tmp)
		num.Mul(num, d)

		den.Sub(ann, big.NewInt(1))
		den.Mul(den, d)
		tmp.Add(nBig, big.NewInt(1))
		tmp.Mul(tmp, dP)
		den.Add(den, tmp)

		d.Div(num, den)

		diff.Sub(d, dPrev)
		if diff.CmpAbs(big.NewInt(1)) <= 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: D solve with A=%s, xp=%v", types.ErrNotConverged, a, xp)
}

// getY solves for xp[j] given a hypothetical value x for xp[i], holding
// the invariant fixed. The quadratic reformulation y^2 + b*y = c is
// iterated with y := (y^2 + c) / (2y + b).
func (p *Pool) getY(i, j int, x *big.Int, xp []*big.Int) (*big.Int, error) {
	return getY(p.A, p.N, i, j, x, xp)
}

func getY(a *big.Int, n, i, j int, x *big.Int, xp []*big.Int) (*big.Int, error) {
	d, err := getD(xp, a, n)
	if err != nil {
		return nil, err
	}

	nBig := big.NewInt(int64(n))
	ann := new(big.Int).Mul(a, nBig)

	c := new(big.Int).Set(d)
	b := new(big.Int)
	tmp := new(big.Int)
	for k := 0; k < n; k++ {
		if k == j {
			continue
		}
		xk := xp[k]
		if k == i {
			xk = x
		}
		// c = c * D / (x_k * n)
		c.Mul(c, d)
		tmp.Mul(xk, nBig)
		c.Div(c, tmp)
		b.Add(b, xk)
	}
	// c = c * D / (n * Ann)
	c.Mul(c, d)
	tmp.Mul(nBig, ann)
	c.Div(c, tmp)
	// b = sum' + D/Ann - D
	tmp.Div(d, ann)
	b.Add(b, tmp)
	b.Sub(b, d)

	return newtonY(b, c, d)
}

// getYD solves for xp[i] under a reduced invariant D, used to size
// one-coin withdrawals.
func getYD(a *big.Int, n, i int, xp []*big.Int, d *big.Int) (*big.Int, error) {
	nBig := big.NewInt(int64(n))
	ann := new(big.Int).Mul(a, nBig)

	c := new(big.Int).Set(d)
	b := new(big.Int)
	tmp := new(big.Int)
	for k := 0; k < n; k++ {
		if k == i {
			continue
		}
		c.Mul(c, d)
		tmp.Mul(xp[k], nBig)
		c.Div(c, tmp)
		b.Add(b, xp[k])
	}
	c.Mul(c, d)
	tmp.Mul(nBig, ann)
	c.Div(c, tmp)
	tmp.Div(d, ann)
	b.Add(b, tmp)
	// here b excludes the -D term; the divisor below subtracts it instead

	y := new(big.Int).Set(d)
	yPrev := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	diff := new(big.Int)
	for iter := 0; iter < fixedpoint.MaxIterations; iter++ {
		yPrev.Set(y)
		// y = (y^2 + c) / (2y + b - D)
		num.Mul(y, y)
		num.Add(num, c)
		den.Lsh(y, 1)
		den.Add(den, b)
		den.Sub(den, d)
		y.Div(num, den)

		diff.Sub(y, yPrev)
		if diff.CmpAbs(big.NewInt(1)) <= 0 {
			return y, nil
		}
	}
	return nil, fmt.Errorf("%w: y solve for coin %d with A=%s, D=%s", types.ErrNotConverged, i, a, d)
}

func newtonY(b, c, d *big.Int) (*big.Int, error) {
	y := new(big.Int).Set(d)
	yPrev := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	diff := new(big.Int)
	for iter := 0; iter < fixedpoint.MaxIterations; iter++ {
		yPrev.Set(y)
		// y = (y^2 + c) / (2y + b)
		num.Mul(y, y)
		num.Add(num, c)
		den.Lsh(y, 1)
		den.Add(den, b)
		y.Div(num, den)

		diff.Sub(y, yPrev)
		if diff.CmpAbs(big.NewInt(1)) <= 0 {
			return y, nil
		}
	}
	return nil, fmt.Errorf("%w: y solve with D=%s", types.ErrNotConverged, d)
}

// Exchange swaps dx of coin i for coin j. It returns the output amount
// (after fees, in native units of coin j) and the trading fee charged.
func (p *Pool) Exchange(i, j int, dx *big.Int) (*big.Int, *big.Int, error) {
	if i == j || i < 0 || j < 0 || i >= p.N || j >= p.N {
		return nil, nil, fmt.Errorf("%w: bad coin indices (%d,%d)", types.ErrInvalidConfig, i, j)
	}

	xp := p.xp()
	// x = xp[i] + dx * rate_i / 1e18
	x := new(big.Int).Mul(dx, p.Rates[i])
	x.Div(x, fixedpoint.One18)
	x.Add(x, xp[i])

	y, err := p.getY(i, j, x, xp)
	if err != nil {
		return nil, nil, err
	}

	// dy = xp[j] - y - 1; the -1 biases rounding in the pool's favor
	dy := new(big.Int).Sub(xp[j], y)
	dy.Sub(dy, big.NewInt(1))

	var fee *big.Int
	if p.FeeMul == nil {
		fee = new(big.Int).Mul(dy, p.Fee)
		fee.Div(fee, fixedpoint.FeeDenom)
	} else {
		// dynamic fee evaluated at the mid-trade balance point
		xpi := new(big.Int).Add(xp[i], x)
		xpi.Rsh(xpi, 1)
		xpj := new(big.Int).Add(xp[j], y)
		xpj.Rsh(xpj, 1)
		fee = new(big.Int).Mul(dy, p.dynamicFee(xpi, xpj))
		fee.Div(fee, fixedpoint.FeeDenom)
	}

	adminFee := new(big.Int).Mul(fee, p.AdminFee)
	adminFee.Div(adminFee, fixedpoint.FeeDenom)

	// convert to native units of coin j
	rate := p.Rates[j]
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

// dynamicFee scales the base fee by the pool imbalance around the trade,
// so trades that worsen balance pay more.
func (p *Pool) dynamicFee(xpi, xpj *big.Int) *big.Int {
	return dynamicFee(p.FeeMul, p.Fee, xpi, xpj)
}

func dynamicFee(feeMul, fee, xpi, xpj *big.Int) *big.Int {
	// fee_mul * fee / ((fee_mul - 1e10) * 4 * xpi * xpj / (xpi+xpj)^2 + 1e10)
	xps2 := new(big.Int).Add(xpi, xpj)
	xps2.Mul(xps2, xps2)

	num := new(big.Int).Mul(feeMul, fee)

	den := new(big.Int).Sub(feeMul, fixedpoint.FeeDenom)
	den.Mul(den, big.NewInt(4))
	den.Mul(den, xpi)
	den.Mul(den, xpj)
	den.Div(den, xps2)
	den.Add(den, fixedpoint.FeeDenom)

	return num.Div(num, den)
}

// CalcTokenAmount returns the LP tokens minted for a deposit, modeling the
// same imbalance fee as AddLiquidity so balanced deposits are fee-free.
// The per-coin fees are returned alongside when useFee is set.
func (p *Pool) CalcTokenAmount(amounts []*big.Int, useFee bool) (*big.Int, []*big.Int, error) {
	if len(amounts) != p.N {
		return nil, nil, fmt.Errorf("%w: %d amounts for %d coins", types.ErrInvalidConfig, len(amounts), p.N)
	}

	d0, err := p.DMem(p.Balances)
	if err != nil {
		return nil, nil, err
	}

	newBalances := fixedpoint.CloneSlice(p.Balances)
	for i := range newBalances {
		newBalances[i].Add(newBalances[i], amounts[i])
	}
	d1, err := p.DMem(newBalances)
	if err != nil {
		return nil, nil, err
	}

	mintBalances := fixedpoint.CloneSlice(newBalances)
	fees := zeros(p.N)

	if useFee {
		// fee * n / (4*(n-1)), applied to each coin's deviation from the
		// D-proportional ideal balance
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

	d2, err := p.DMem(mintBalances)
	if err != nil {
		return nil, nil, err
	}

	mint := new(big.Int).Sub(d2, d0)
	mint.Mul(mint, p.Tokens)
	mint.Div(mint, d0)
	return mint, fees, nil
}

func imbalanceFee(fee *big.Int, n int) *big.Int {
	out := new(big.Int).Mul(fee, big.NewInt(int64(n)))
	return out.Div(out, big.NewInt(int64(4*(n-1))))
}

// AddLiquidity deposits the given amounts and mints LP tokens.
func (p *Pool) AddLiquidity(amounts []*big.Int) (*big.Int, error) {
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

// CalcWithdrawOneCoin sizes a one-coin redemption of the given LP token
// amount, returning the redeemable amount and, with useFee, the fee.
func (p *Pool) CalcWithdrawOneCoin(tokenAmount *big.Int, i int, useFee bool) (*big.Int, *big.Int, error) {
	xp := p.xp()
	d0, err := getD(xp, p.A, p.N)
	if err != nil {
		return nil, nil, err
	}
	// D1 = D0 - token_amount * D0 / tokens
	d1 := new(big.Int).Mul(tokenAmount, d0)
	d1.Div(d1, p.Tokens)
	d1.Sub(d0, d1)

	newY, err := getYD(p.A, p.N, i, xp, d1)
	if err != nil {
		return nil, nil, err
	}

	dyBeforeFee := new(big.Int).Sub(xp[i], newY)
	dyBeforeFee.Mul(dyBeforeFee, fixedpoint.One18)
	dyBeforeFee.Div(dyBeforeFee, p.Rates[i])

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
	dy.Div(dy, p.Rates[i])

	if !useFee {
		return dy, big.NewInt(0), nil
	}
	fee := new(big.Int).Sub(dyBeforeFee, dy)
	return dy, fee, nil
}

// RemoveLiquidityOneCoin burns the given LP token amount and withdraws
// entirely in coin i.
func (p *Pool) RemoveLiquidityOneCoin(tokenAmount *big.Int, i int) (*big.Int, *big.Int, error) {
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

// VirtualPrice returns the invariant value redeemable per LP token, the
// standard measure of pool profit over time.
func (p *Pool) VirtualPrice() (*big.Int, error) {
	d, err := p.D()
	if err != nil {
		return nil, err
	}
	vp := new(big.Int).Mul(d, fixedpoint.One18)
	return vp.Div(vp, p.Tokens), nil
}

// Dydx returns the spot price of coin i quoted in coin j, i.e. the
// output/input ratio of an infinitesimally small trade, derived in closed
// form from the invariant. Only this final ratio uses floating point.
func (p *Pool) Dydx(i, j int, useFee bool) (float64, error) {
	xp := p.xp()
	price, err := dydx(i, j, xp, p.A, p.N)
	if err != nil {
		return 0, err
	}
	return price * (1 - p.feeFactor(xp[i], xp[j], useFee)), nil
}

func (p *Pool) feeFactor(xpi, xpj *big.Int, useFee bool) float64 {
	if !useFee {
		return 0
	}
	if p.FeeMul == nil {
		f, _ := new(big.Float).SetInt(p.Fee).Float64()
		return f / 1e10
	}
	f, _ := new(big.Float).SetInt(p.dynamicFee(xpi, xpj)).Float64()
	return f / 1e10
}

// dydx evaluates xj*(xi*A*n^(n+1)*prod(xp) + D^(n+1)) over
// xi*(xj*A*n^(n+1)*prod(xp) + D^(n+1)).
func dydx(i, j int, xp []*big.Int, a *big.Int, n int) (float64, error) {
	d, err := getD(xp, a, n)
	if err != nil {
		return 0, err
	}

	dPow := new(big.Int).Exp(d, big.NewInt(int64(n+1)), nil)
	xProd := big.NewInt(1)
	for _, x := range xp {
		xProd.Mul(xProd, x)
	}
	aPow := new(big.Int).Exp(big.NewInt(int64(n)), big.NewInt(int64(n+1)), nil)
	aPow.Mul(aPow, a)

	num := new(big.Int).Mul(xp[i], aPow)
	num.Mul(num, xProd)
	num.Add(num, dPow)
	num.Mul(num, xp[j])

	den := new(big.Int).Mul(xp[j], aPow)
	den.Mul(den, xProd)
	den.Add(den, dPow)
	den.Mul(den, xp[i])

	ratio := new(big.Float).SetPrec(256).Quo(
		new(big.Float).SetPrec(256).SetInt(num),
		new(big.Float).SetPrec(256).SetInt(den),
	)
	out, _ := ratio.Float64()
	return out, nil
}

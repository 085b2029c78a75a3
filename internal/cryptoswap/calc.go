/*

Invariant calculations for the cryptoswap engine.

The 2-coin and 3-coin pools use different numerical strategies for the
same invariant: the 2-coin path runs plain Newton solves, while the
3-coin path seeds Newton with closed-form cube-root guesses and solves
single balances analytically from the cubic in K0, falling back to
Newton when the discriminant degenerates. This file holds the shared
dispatch, parameter bounds, and the spot-price formula; calc2.go and
calc3.go hold the per-width solvers.

*/

package cryptoswap

import (
	"fmt"
	"math/big"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

const aMultiplier = 10000

var (
	minGamma = fixedpoint.BigPow10(10)

	// the 3-coin contract generation allows a wider gamma range
	maxGamma2 = new(big.Int).Mul(big.NewInt(2), fixedpoint.BigPow10(16))
	maxGamma3 = new(big.Int).Mul(big.NewInt(5), fixedpoint.BigPow10(16))

	minD = fixedpoint.BigPow10(17)
	maxD = new(big.Int).Mul(fixedpoint.BigPow10(15), fixedpoint.BigPow10(18))

	// x_i * 10**18 / D must stay within [10**16, 10**20]
	minFrac = fixedpoint.BigPow10(16)
	maxFrac = fixedpoint.BigPow10(20)

	// flat fee floor charged on deposits, 0.1 bps
	noiseFee = fixedpoint.BigPow10(5)
)

func aBounds(n int) (*big.Int, *big.Int) {
	nPowN := int64(1)
	for k := 0; k < n; k++ {
		nPowN *= int64(n)
	}
	min := big.NewInt(nPowN * aMultiplier / 10)
	max := big.NewInt(nPowN * aMultiplier * 100000)
	return min, max
}

func gammaBounds(n int) (*big.Int, *big.Int) {
	if n == 3 {
		return minGamma, maxGamma3
	}
	return minGamma, maxGamma2
}

func checkAGamma(ann, gamma *big.Int, n int) error {
	minA, maxA := aBounds(n)
	if ann.Cmp(minA) < 0 || ann.Cmp(maxA) > 0 {
		return fmt.Errorf("%w: A=%s outside [%s, %s]", types.ErrUnsafeValue, ann, minA, maxA)
	}
	minG, maxG := gammaBounds(n)
	if gamma.Cmp(minG) < 0 || gamma.Cmp(maxG) > 0 {
		return fmt.Errorf("%w: gamma=%s outside [%s, %s]", types.ErrUnsafeValue, gamma, minG, maxG)
	}
	return nil
}

func checkD(d *big.Int) error {
	if d.Cmp(minD) < 0 || d.Cmp(maxD) > 0 {
		return fmt.Errorf("%w: D=%s outside [%s, %s]", types.ErrUnsafeValue, d, minD, maxD)
	}
	return nil
}

// checkFrac verifies x*10**18/D stays within the safety corridor.
func checkFrac(x, d *big.Int) error {
	frac := new(big.Int).Mul(x, fixedpoint.One18)
	frac.Div(frac, d)
	if frac.Cmp(minFrac) < 0 || frac.Cmp(maxFrac) > 0 {
		return fmt.Errorf("%w: balance fraction %s of D outside [%s, %s]",
			types.ErrUnsafeValue, frac, minFrac, maxFrac)
	}
	return nil
}

// sortedDesc returns a copy of x sorted from high to low.
func sortedDesc(x []*big.Int) []*big.Int {
	out := fixedpoint.CloneSlice(x)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Cmp(out[j-1]) > 0; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// newtonD solves for the invariant. The 3-coin solver accepts an
// optional K0 from a prior getY call to seed the iteration.
func newtonD(ann, gamma *big.Int, xp []*big.Int, k0Prev *big.Int) (*big.Int, error) {
	switch len(xp) {
	case 2:
		return newtonD2(ann, gamma, xp)
	case 3:
		return newtonD3(ann, gamma, xp, k0Prev)
	default:
		return nil, fmt.Errorf("%w: %d coins not supported", types.ErrInvalidConfig, len(xp))
	}
}

// getYK solves for xp[i] given D and the other balances, returning the
// new balance and, for the 3-coin closed form, the K0 value at the root.
func getYK(ann, gamma *big.Int, xp []*big.Int, d *big.Int, i int) (*big.Int, *big.Int, error) {
	switch len(xp) {
	case 2:
		y, err := newtonY(ann, gamma, xp, d, i)
		return y, nil, err
	case 3:
		return getY3(ann, gamma, xp, d, i)
	default:
		return nil, nil, fmt.Errorf("%w: %d coins not supported", types.ErrInvalidConfig, len(xp))
	}
}

// getAlpha computes the EMA decay factor for the elapsed time. The
// 3-coin generation stores the half-time divided by ln(2) and uses the
// exponential directly; 694/1000 approximates ln(2) as the contract does.
func getAlpha(maHalfTime *big.Int, now, last int64, n int) (*big.Int, error) {
	dt := big.NewInt(now - last)
	if n == 3 {
		adjusted := new(big.Int).Mul(maHalfTime, big.NewInt(1000))
		adjusted.Add(adjusted, big.NewInt(693))
		adjusted.Div(adjusted, big.NewInt(694))

		power := dt.Mul(dt, fixedpoint.One18)
		power.Div(power, adjusted)
		power.Neg(power)
		return fixedpoint.WadExp(power)
	}
	power := dt.Mul(dt, fixedpoint.One18)
	power.Div(power, maHalfTime)
	return fixedpoint.HalfPow(power)
}

// getP computes the spot prices of coins 1..n-1 in units of coin 0 from
// the invariant's partial derivatives. The outputs are in the
// price-scale-transformed space; multiply by price_scale for the real
// value.
func getP(xp []*big.Int, d, ann, gamma *big.Int) ([]*big.Int, error) {
	if err := checkD(d); err != nil {
		return nil, err
	}
	n := len(xp)
	nBig := big.NewInt(int64(n))
	one36 := fixedpoint.BigPow10(36)

	// K0 = prod(x) * N**N / D**N, dimensionless in 10**36 precision
	k0 := new(big.Int).Set(xp[0])
	for k := 0; k < n; k++ {
		k0.Mul(k0, nBig)
	}
	for _, x := range xp[1:] {
		k0.Mul(k0, x)
		k0.Div(k0, d)
	}
	k0.Mul(k0, one36)
	k0.Div(k0, d)

	// GK0 = 2*K0^3/10**72 + (gamma + 10**18)^2 - K0^2/10**36 * (2*gamma + 3*10**18)/10**18
	k0Sq := new(big.Int).Mul(k0, k0)
	gk0 := new(big.Int).Mul(big.NewInt(2), k0Sq)
	gk0.Div(gk0, one36)
	gk0.Mul(gk0, k0)
	gk0.Div(gk0, one36)

	gp1 := new(big.Int).Add(gamma, fixedpoint.One18)
	gk0.Add(gk0, new(big.Int).Mul(gp1, gp1))

	tail := new(big.Int).Div(k0Sq, one36)
	g23 := new(big.Int).Mul(big.NewInt(2), gamma)
	g23.Add(g23, new(big.Int).Mul(big.NewInt(3), fixedpoint.One18))
	tail.Mul(tail, g23)
	tail.Div(tail, fixedpoint.One18)
	gk0.Sub(gk0, tail)

	// NNAG2 = A * gamma**2 / A_MULTIPLIER
	nnag2 := new(big.Int).Mul(gamma, gamma)
	nnag2.Mul(nnag2, ann)
	nnag2.Div(nnag2, big.NewInt(aMultiplier))

	term := func(x *big.Int) *big.Int {
		t := new(big.Int).Mul(nnag2, x)
		t.Div(t, d)
		t.Mul(t, k0)
		t.Div(t, one36)
		return t.Add(gk0, t)
	}

	denominator := term(xp[0])
	out := make([]*big.Int, n-1)
	for k := 1; k < n; k++ {
		p := new(big.Int).Mul(xp[0], term(xp[k]))
		p.Div(p, xp[k])
		p.Mul(p, fixedpoint.One18)
		p.Div(p, denominator)
		out[k-1] = p
	}
	return out, nil
}

package cryptoswap

import (
	"fmt"
	"math/big"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

// newtonD2 finds the 2-coin invariant by Newton's method, seeded with
// n times the geometric mean of the balances.
func newtonD2(ann, gamma *big.Int, xUnsorted []*big.Int) (*big.Int, error) {
	if err := checkAGamma(ann, gamma, 2); err != nil {
		return nil, err
	}

	x := sortedDesc(xUnsorted)
	if x[0].Cmp(fixedpoint.BigPow10(9)) < 0 || x[0].Cmp(maxD) > 0 {
		return nil, fmt.Errorf("%w: leading balance %s out of range", types.ErrUnsafeValue, x[0])
	}
	ratio := new(big.Int).Mul(x[1], fixedpoint.One18)
	ratio.Div(ratio, x[0])
	if ratio.Cmp(fixedpoint.BigPow10(11)) < 0 {
		return nil, fmt.Errorf("%w: balance ratio %s below 10**11", types.ErrUnsafeValue, ratio)
	}

	mean, err := fixedpoint.GeometricMean(x)
	if err != nil {
		return nil, err
	}
	d := mean.Mul(mean, big.NewInt(2))

	s := new(big.Int).Add(x[0], x[1])
	one18 := fixedpoint.One18

	dPrev := new(big.Int)
	k0 := new(big.Int)
	g1k0 := new(big.Int)
	mul1 := new(big.Int)
	mul2 := new(big.Int)
	negFprime := new(big.Int)
	dPlus := new(big.Int)
	dMinus := new(big.Int)
	tmp := new(big.Int)
	diff := new(big.Int)

	for iter := 0; iter < fixedpoint.MaxIterations; iter++ {
		dPrev.Set(d)

		// K0 = (10**18 * n**2) * x[0] / D * x[1] / D
		k0.Mul(one18, big.NewInt(4))
		k0.Mul(k0, x[0])
		k0.Div(k0, d)
		k0.Mul(k0, x[1])
		k0.Div(k0, d)

		// _g1k0 = |gamma + 10**18 - K0| + 1
		g1k0.Add(gamma, one18)
		g1k0.Sub(g1k0, k0)
		g1k0.Abs(g1k0)
		g1k0.Add(g1k0, big.NewInt(1))

		// mul1 = 10**18 * D / gamma * _g1k0 / gamma * _g1k0 * A_MULTIPLIER / ANN
		mul1.Mul(one18, d)
		mul1.Div(mul1, gamma)
		mul1.Mul(mul1, g1k0)
		mul1.Div(mul1, gamma)
		mul1.Mul(mul1, g1k0)
		mul1.Mul(mul1, big.NewInt(aMultiplier))
		mul1.Div(mul1, ann)

		// mul2 = (2 * 10**18) * n * K0 / _g1k0
		mul2.Mul(big.NewInt(4), one18)
		mul2.Mul(mul2, k0)
		mul2.Div(mul2, g1k0)

		// neg_fprime = S + S*mul2/10**18 + mul1*n/K0 - mul2*D/10**18
		negFprime.Mul(s, mul2)
		negFprime.Div(negFprime, one18)
		negFprime.Add(negFprime, s)
		tmp.Mul(mul1, big.NewInt(2))
		tmp.Div(tmp, k0)
		negFprime.Add(negFprime, tmp)
		tmp.Mul(mul2, d)
		tmp.Div(tmp, one18)
		negFprime.Sub(negFprime, tmp)

		// D_plus = D * (neg_fprime + S) / neg_fprime
		dPlus.Add(negFprime, s)
		dPlus.Mul(dPlus, d)
		dPlus.Div(dPlus, negFprime)

		// D_minus = D*D / neg_fprime
		dMinus.Mul(d, d)
		dMinus.Div(dMinus, negFprime)

		if one18.Cmp(k0) > 0 {
			tmp.Div(mul1, negFprime)
			tmp.Mul(tmp, d)
			tmp.Div(tmp, one18)
			tmp.Mul(tmp, new(big.Int).Sub(one18, k0))
			tmp.Div(tmp, k0)
			dMinus.Add(dMinus, tmp)
		} else {
			tmp.Div(mul1, negFprime)
			tmp.Mul(tmp, d)
			tmp.Div(tmp, one18)
			tmp.Mul(tmp, new(big.Int).Sub(k0, one18))
			tmp.Div(tmp, k0)
			dMinus.Sub(dMinus, tmp)
		}

		if dPlus.Cmp(dMinus) > 0 {
			d.Sub(dPlus, dMinus)
		} else {
			d.Sub(dMinus, dPlus)
			d.Rsh(d, 1)
		}

		diff.Sub(d, dPrev)
		diff.Abs(diff)
		diff.Mul(diff, fixedpoint.BigPow10(14))
		threshold := fixedpoint.BigPow10(16)
		if threshold.Cmp(d) < 0 {
			threshold = d
		}
		if diff.Cmp(threshold) < 0 {
			for _, xi := range x {
				if err := checkFrac(xi, d); err != nil {
					return nil, err
				}
			}
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: D solve with A=%s, gamma=%s", types.ErrNotConverged, ann, gamma)
}

// newtonY solves for x[i] given the invariant and the other balances.
// It serves as the primary 2-coin solver and the 3-coin fallback when
// the closed form degenerates.
func newtonY(ann, gamma *big.Int, x []*big.Int, d *big.Int, i int) (*big.Int, error) {
	n := len(x)
	if err := checkAGamma(ann, gamma, n); err != nil {
		return nil, err
	}
	if err := checkD(d); err != nil {
		return nil, err
	}
	for k := 0; k < n; k++ {
		if k == i {
			continue
		}
		if err := checkFrac(x[k], d); err != nil {
			return nil, err
		}
	}

	nBig := big.NewInt(int64(n))
	one18 := fixedpoint.One18

	var y, k0i, si *big.Int
	xSorted := fixedpoint.CloneSlice(x)
	xSorted[i] = big.NewInt(0)
	xSorted = sortedDesc(xSorted)

	convergenceLimit := new(big.Int).Div(xSorted[0], fixedpoint.BigPow10(14))
	if tmp := new(big.Int).Div(d, fixedpoint.BigPow10(14)); tmp.Cmp(convergenceLimit) > 0 {
		convergenceLimit = tmp
	}
	if convergenceLimit.Cmp(big.NewInt(100)) < 0 {
		convergenceLimit = big.NewInt(100)
	}

	if n == 2 {
		si = fixedpoint.Clone(x[1-i])
		y = new(big.Int).Mul(d, d)
		y.Div(y, new(big.Int).Mul(si, big.NewInt(4)))
		k0i = new(big.Int).Mul(one18, big.NewInt(2))
		k0i.Mul(k0i, si)
		k0i.Div(k0i, d)
	} else {
		y = new(big.Int).Div(d, nBig)
		k0i = fixedpoint.Clone(one18)
		si = new(big.Int)
		for j := 2; j <= n; j++ {
			xk := xSorted[n-j] // small balances first
			y.Mul(y, d)
			y.Div(y, new(big.Int).Mul(xk, nBig))
			si.Add(si, xk)
		}
		for j := 0; j < n-1; j++ { // large balances first
			k0i.Mul(k0i, xSorted[j])
			k0i.Mul(k0i, nBig)
			k0i.Div(k0i, d)
		}
	}

	yPrev := new(big.Int)
	k0 := new(big.Int)
	s := new(big.Int)
	g1k0 := new(big.Int)
	mul1 := new(big.Int)
	mul2 := new(big.Int)
	yfprime := new(big.Int)
	dyfprime := new(big.Int)
	fprime := new(big.Int)
	yMinus := new(big.Int)
	yPlus := new(big.Int)
	tmp := new(big.Int)
	diff := new(big.Int)

	for iter := 0; iter < fixedpoint.MaxIterations; iter++ {
		yPrev.Set(y)

		k0.Mul(k0i, y)
		k0.Mul(k0, nBig)
		k0.Div(k0, d)
		s.Add(si, y)

		g1k0.Add(gamma, one18)
		g1k0.Sub(g1k0, k0)
		g1k0.Abs(g1k0)
		g1k0.Add(g1k0, big.NewInt(1))

		// mul1 = 10**18 * D / gamma * _g1k0 / gamma * _g1k0 * A_MULTIPLIER / ANN
		mul1.Mul(one18, d)
		mul1.Div(mul1, gamma)
		mul1.Mul(mul1, g1k0)
		mul1.Div(mul1, gamma)
		mul1.Mul(mul1, g1k0)
		mul1.Mul(mul1, big.NewInt(aMultiplier))
		mul1.Div(mul1, ann)

		// mul2 = 10**18 + (2 * 10**18) * K0 / _g1k0
		mul2.Mul(big.NewInt(2), one18)
		mul2.Mul(mul2, k0)
		mul2.Div(mul2, g1k0)
		mul2.Add(mul2, one18)

		yfprime.Mul(one18, y)
		tmp.Mul(s, mul2)
		yfprime.Add(yfprime, tmp)
		yfprime.Add(yfprime, mul1)
		dyfprime.Mul(d, mul2)
		if yfprime.Cmp(dyfprime) < 0 {
			y.Rsh(yPrev, 1)
			continue
		}

		yfprime.Sub(yfprime, dyfprime)
		fprime.Div(yfprime, y)

		// y = (yfprime + 10**18*D)/fprime + mul1/fprime*(10**18 - K0)/K0
		//     - 10**18*S/fprime
		yMinus.Div(mul1, fprime)
		yPlus.Mul(one18, d)
		yPlus.Add(yPlus, yfprime)
		yPlus.Div(yPlus, fprime)
		tmp.Mul(yMinus, one18)
		tmp.Div(tmp, k0)
		yPlus.Add(yPlus, tmp)
		tmp.Mul(one18, s)
		tmp.Div(tmp, fprime)
		yMinus.Add(yMinus, tmp)

		if yPlus.Cmp(yMinus) < 0 {
			y.Rsh(yPrev, 1)
		} else {
			y.Sub(yPlus, yMinus)
		}

		diff.Sub(y, yPrev)
		diff.Abs(diff)
		threshold := new(big.Int).Div(y, fixedpoint.BigPow10(14))
		if threshold.Cmp(convergenceLimit) < 0 {
			threshold = convergenceLimit
		}
		if diff.Cmp(threshold) < 0 {
			if err := checkFrac(y, d); err != nil {
				return nil, err
			}
			return y, nil
		}
	}
	return nil, fmt.Errorf("%w: y solve for coin %d with D=%s", types.ErrNotConverged, i, d)
}

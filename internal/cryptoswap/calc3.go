package cryptoswap

import (
	"fmt"
	"math/big"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

// newtonD3 finds the 3-coin invariant. When k0Prev is non-nil, the
// iteration is seeded from the cube-root relation D**3 = 27*prod(x)/K0
// instead of the geometric mean, which pairs with the K0 output of the
// closed-form getY3.
func newtonD3(ann, gamma *big.Int, xUnsorted []*big.Int, k0Prev *big.Int) (*big.Int, error) {
	x := sortedDesc(xUnsorted)
	if x[0].Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive leading balance", types.ErrUnsafeValue)
	}

	s := new(big.Int)
	for _, xi := range x {
		s.Add(s, xi)
	}

	one18 := fixedpoint.One18
	var d *big.Int
	if k0Prev == nil || k0Prev.Sign() == 0 {
		mean, err := fixedpoint.GeometricMean(x)
		if err != nil {
			return nil, err
		}
		d = mean.Mul(mean, big.NewInt(3))
	} else {
		// D = cbrt(27 * prod(x) / K0_prev), rescaled to keep the cube
		// root argument in range
		arg := new(big.Int).Mul(x[0], x[1])
		switch {
		case s.Cmp(fixedpoint.BigPow10(36)) > 0:
			arg.Div(arg, fixedpoint.BigPow10(36))
			arg.Mul(arg, x[2])
			arg.Div(arg, k0Prev)
			arg.Mul(arg, big.NewInt(27))
			arg.Mul(arg, fixedpoint.BigPow10(12))
		case s.Cmp(fixedpoint.BigPow10(24)) > 0:
			arg.Div(arg, fixedpoint.BigPow10(24))
			arg.Mul(arg, x[2])
			arg.Div(arg, k0Prev)
			arg.Mul(arg, big.NewInt(27))
			arg.Mul(arg, fixedpoint.BigPow10(6))
		default:
			arg.Div(arg, one18)
			arg.Mul(arg, x[2])
			arg.Div(arg, k0Prev)
			arg.Mul(arg, big.NewInt(27))
		}
		d = fixedpoint.CubeRoot(arg)
	}

	three := big.NewInt(3)
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

		// K0 = 10**18 * x[0]*3/D * x[1]*3/D * x[2]*3/D
		k0.Mul(one18, x[0])
		k0.Mul(k0, three)
		k0.Div(k0, d)
		k0.Mul(k0, x[1])
		k0.Mul(k0, three)
		k0.Div(k0, d)
		k0.Mul(k0, x[2])
		k0.Mul(k0, three)
		k0.Div(k0, d)

		g1k0.Add(gamma, one18)
		g1k0.Sub(g1k0, k0)
		g1k0.Abs(g1k0)
		g1k0.Add(g1k0, big.NewInt(1))

		mul1.Mul(one18, d)
		mul1.Div(mul1, gamma)
		mul1.Mul(mul1, g1k0)
		mul1.Div(mul1, gamma)
		mul1.Mul(mul1, g1k0)
		mul1.Mul(mul1, big.NewInt(aMultiplier))
		mul1.Div(mul1, ann)

		// mul2 = 2*10**18*3*K0 / _g1k0
		mul2.Mul(big.NewInt(6), one18)
		mul2.Mul(mul2, k0)
		mul2.Div(mul2, g1k0)

		negFprime.Mul(s, mul2)
		negFprime.Div(negFprime, one18)
		negFprime.Add(negFprime, s)
		tmp.Mul(mul1, three)
		tmp.Div(tmp, k0)
		negFprime.Add(negFprime, tmp)
		tmp.Mul(mul2, d)
		tmp.Div(tmp, one18)
		negFprime.Sub(negFprime, tmp)

		dPlus.Add(negFprime, s)
		dPlus.Mul(dPlus, d)
		dPlus.Div(dPlus, negFprime)

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
			tmp.Mul(d, mul1)
			tmp.Div(tmp, negFprime)
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

// getY3 solves for x[i] analytically from the cubic in K0, returning the
// balance and the K0 value at the root for seeding the next D solve.
// When the discriminant is non-positive the Newton solver takes over.
func getY3(ann, gamma *big.Int, x []*big.Int, d *big.Int, i int) (*big.Int, *big.Int, error) {
	if err := checkAGamma(ann, gamma, 3); err != nil {
		return nil, nil, err
	}
	if err := checkD(d); err != nil {
		return nil, nil, err
	}
	for k := 0; k < 3; k++ {
		if k == i {
			continue
		}
		if err := checkFrac(x[k], d); err != nil {
			return nil, nil, err
		}
	}

	var j, k int
	switch i {
	case 0:
		j, k = 1, 2
	case 1:
		j, k = 0, 2
	default:
		j, k = 0, 1
	}
	xj := x[j]
	xk := x[k]

	one18 := fixedpoint.One18
	one36 := fixedpoint.BigPow10(36)
	gamma2 := new(big.Int).Mul(gamma, gamma)

	// a = 10**36 / 27
	a := new(big.Int).Div(one36, big.NewInt(27))

	// b = 10**36/9 + 2*10**18*gamma/27 - D**2/x_j*gamma**2*ANN/27**2/A_MULTIPLIER/x_k
	b := new(big.Int).Div(one36, big.NewInt(9))
	tmp := new(big.Int).Mul(big.NewInt(2), one18)
	tmp.Mul(tmp, gamma)
	tmp.Div(tmp, big.NewInt(27))
	b.Add(b, tmp)

	tmp.Mul(d, d)
	tmp.Div(tmp, xj)
	tmp.Mul(tmp, gamma2)
	tmp.Mul(tmp, ann)
	tmp.Div(tmp, big.NewInt(729))
	tmp.Div(tmp, big.NewInt(aMultiplier))
	tmp.Div(tmp, xk)
	b.Sub(b, tmp)

	// c = 10**36/9 + gamma*(gamma + 4*10**18)/27
	//     + gamma**2*(x_j + x_k - D)/D*ANN/27/A_MULTIPLIER
	c := new(big.Int).Div(one36, big.NewInt(9))
	tmp = new(big.Int).Mul(big.NewInt(4), one18)
	tmp.Add(tmp, gamma)
	tmp.Mul(tmp, gamma)
	tmp.Div(tmp, big.NewInt(27))
	c.Add(c, tmp)

	cNeg := new(big.Int).Add(xj, xk)
	cNeg.Sub(cNeg, d)
	tmp = new(big.Int).Mul(gamma2, cNeg)
	tmp.Quo(tmp, d)
	tmp.Mul(tmp, ann)
	tmp.Quo(tmp, big.NewInt(27))
	tmp.Quo(tmp, big.NewInt(aMultiplier))
	c.Add(c, tmp)

	// d_coef = (10**18 + gamma)**2 / 27
	dCoef := new(big.Int).Add(one18, gamma)
	dCoef.Mul(dCoef, dCoef)
	dCoef.Div(dCoef, big.NewInt(27))

	// scale working precision by the magnitude of 3ac/b - b
	d0 := new(big.Int).Mul(big.NewInt(3), a)
	d0.Mul(d0, c)
	d0.Quo(d0, b)
	d0.Sub(d0, b)
	d0.Abs(d0)

	divider := big.NewInt(1)
	for _, br := range []struct {
		limit uint
		div   uint
	}{
		{48, 30}, {44, 26}, {40, 22}, {36, 18}, {32, 14}, {28, 10}, {24, 6}, {20, 2},
	} {
		if d0.Cmp(fixedpoint.BigPow10(br.limit)) > 0 {
			divider = fixedpoint.BigPow10(br.div)
			break
		}
	}

	absA := new(big.Int).Abs(a)
	absB := new(big.Int).Abs(b)
	if absA.Cmp(absB) > 0 {
		prec := new(big.Int).Quo(absA, absB)
		rescale := func(v *big.Int) {
			v.Mul(v, prec)
			v.Quo(v, divider)
		}
		rescale(a)
		rescale(b)
		rescale(c)
		rescale(dCoef)
	} else {
		prec := new(big.Int).Quo(absB, absA)
		rescale := func(v *big.Int) {
			v.Quo(v, prec)
			v.Quo(v, divider)
		}
		rescale(a)
		rescale(b)
		rescale(c)
		rescale(dCoef)
	}

	// delta0 = 3*a*c/b - b
	threeAC := new(big.Int).Mul(big.NewInt(3), a)
	threeAC.Mul(threeAC, c)
	delta0 := new(big.Int).Quo(threeAC, b)
	delta0.Sub(delta0, b)

	// delta1 = 9*a*c/b - 2*b - 27*a**2/b*d/b
	delta1 := new(big.Int).Mul(big.NewInt(3), threeAC)
	delta1.Quo(delta1, b)
	delta1.Sub(delta1, new(big.Int).Mul(big.NewInt(2), b))
	tmp = new(big.Int).Mul(big.NewInt(27), a)
	tmp.Mul(tmp, a)
	tmp.Quo(tmp, b)
	tmp.Mul(tmp, dCoef)
	tmp.Quo(tmp, b)
	delta1.Sub(delta1, tmp)

	// sqrt_arg = delta1**2 + 4*delta0**2/b*delta0
	sqrtArg := new(big.Int).Mul(delta1, delta1)
	tmp = new(big.Int).Mul(big.NewInt(4), delta0)
	tmp.Mul(tmp, delta0)
	tmp.Quo(tmp, b)
	tmp.Mul(tmp, delta0)
	sqrtArg.Add(sqrtArg, tmp)

	if sqrtArg.Sign() <= 0 {
		y, err := newtonY(ann, gamma, x, d, i)
		if err != nil {
			return nil, nil, err
		}
		return y, nil, nil
	}
	sqrtVal := fixedpoint.ISqrt(sqrtArg)

	var bCbrt *big.Int
	if b.Sign() >= 0 {
		bCbrt = fixedpoint.CubeRoot(b)
	} else {
		bCbrt = fixedpoint.CubeRoot(new(big.Int).Neg(b))
		bCbrt.Neg(bCbrt)
	}

	var secondCbrt *big.Int
	if delta1.Sign() > 0 {
		arg := new(big.Int).Add(delta1, sqrtVal)
		arg.Div(arg, big.NewInt(2))
		secondCbrt = fixedpoint.CubeRoot(arg)
	} else {
		arg := new(big.Int).Sub(delta1, sqrtVal)
		arg.Neg(arg)
		arg.Div(arg, big.NewInt(2))
		secondCbrt = fixedpoint.CubeRoot(arg)
		secondCbrt.Neg(secondCbrt)
	}

	// C1 = b_cbrt**2/10**18 * second_cbrt/10**18
	c1 := new(big.Int).Mul(bCbrt, bCbrt)
	c1.Quo(c1, one18)
	c1.Mul(c1, secondCbrt)
	c1.Quo(c1, one18)

	// root_K0 = (b + b*delta0/C1 - C1) / 3
	rootK0 := new(big.Int).Mul(b, delta0)
	rootK0.Quo(rootK0, c1)
	rootK0.Add(rootK0, b)
	rootK0.Sub(rootK0, c1)
	rootK0.Quo(rootK0, big.NewInt(3))

	// root = D*D/27/x_k*D/x_j*root_K0/a
	root := new(big.Int).Mul(d, d)
	root.Div(root, big.NewInt(27))
	root.Div(root, xk)
	root.Mul(root, d)
	root.Div(root, xj)
	root.Mul(root, rootK0)
	root.Div(root, a)

	if err := checkFrac(root, d); err != nil {
		return nil, nil, err
	}

	k0Out := new(big.Int).Mul(one18, rootK0)
	k0Out.Div(k0Out, a)
	return root, k0Out, nil
}

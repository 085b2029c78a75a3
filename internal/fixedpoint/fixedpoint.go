/*

Arbitrary-precision fixed-point helpers shared by the invariant engines.

All functions operate on integers scaled by 10**18 and reproduce the
floor-division semantics of the reference contract arithmetic exactly; no
floating point is used anywhere in this package.

*/

package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/curvequant/poolsim/internal/types"
)

// MaxIterations caps every iterative solve in the repository. Exceeding it
// is a fatal convergence error, never a silent approximation.
const MaxIterations = 255

var (
	// One18 is the fixed-point unit, 10**18.
	One18 = big.NewInt(1e18)
	// FeeDenom is the fee denominator, 10**10.
	FeeDenom = big.NewInt(1e10)
	// ExpPrecision is the early-termination threshold for series expansions.
	ExpPrecision = big.NewInt(1e10)

	two   = big.NewInt(2)
	three = big.NewInt(3)

	halfUnit = big.NewInt(5e17)

	// Scaling breakpoints for CubeRoot: 2**256 / 10**18 and that times 10**18.
	cbrtLow, _  = new(big.Int).SetString("115792089237316195423570985008687907853269", 10)
	cbrtHigh    = new(big.Int).Mul(cbrtLow, One18)
	pow10to6    = big.NewInt(1e6)
	pow10to12   = big.NewInt(1e12)
	pow10to36   = new(big.Int).Mul(One18, One18)
	wadExpLower, _ = new(big.Int).SetString("-42139678854452767551", 10)
	wadExpUpper, _ = new(big.Int).SetString("135305999368893231589", 10)
)

// Clone returns a defensive copy of x.
func Clone(x *big.Int) *big.Int {
	return new(big.Int).Set(x)
}

// CloneSlice returns a deep copy of the given balance vector.
func CloneSlice(xs []*big.Int) []*big.Int {
	out := make([]*big.Int, len(xs))
	for i, x := range xs {
		out[i] = new(big.Int).Set(x)
	}
	return out
}

// BigPow10 returns 10**exp as a fresh big integer.
func BigPow10(exp uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// GeometricMean returns the integer geometric mean of 2 or 3 positive
// values. The 2-value form uses Newton iteration seeded with the larger
// value; the 3-value form goes through the cube root shortcut.
func GeometricMean(values []*big.Int) (*big.Int, error) {
	switch len(values) {
	case 2:
		return geometricMean2(values)
	case 3:
		return geometricMean3(values), nil
	default:
		return nil, fmt.Errorf("%w: geometric mean needs 2 or 3 values, got %d",
			types.ErrInvalidConfig, len(values))
	}
}

func geometricMean2(values []*big.Int) (*big.Int, error) {
	x0, x1 := values[0], values[1]
	if x0.Cmp(x1) < 0 {
		x0, x1 = x1, x0
	}

	d := new(big.Int).Set(x0)
	prev := new(big.Int)
	tmp := new(big.Int)
	diff := new(big.Int)
	for iter := 0; iter < MaxIterations; iter++ {
		prev.Set(d)
		// D = (D + x0*x1/D) / 2
		tmp.Mul(x0, x1)
		tmp.Div(tmp, d)
		d.Add(d, tmp)
		d.Div(d, two)

		diff.Sub(prev, d)
		diff.Abs(diff)
		if diff.Cmp(big.NewInt(1)) <= 0 || tmp.Mul(diff, One18).Cmp(d) < 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: geometric mean of %s, %s", types.ErrNotConverged, values[0], values[1])
}

func geometricMean3(values []*big.Int) *big.Int {
	// prod = x0 * x1 / 1e18 * x2 / 1e18
	prod := new(big.Int).Mul(values[0], values[1])
	prod.Div(prod, One18)
	prod.Mul(prod, values[2])
	prod.Div(prod, One18)
	if prod.Sign() == 0 {
		return big.NewInt(0)
	}
	return CubeRoot(prod)
}

// CubeRoot returns the cube root of a fixed-point number, i.e.
// CubeRoot(x * 10**18) = cbrt(x) * 10**18. The bit-length based initial
// guess guarantees convergence within the seven unrolled Newton steps.
func CubeRoot(x *big.Int) *big.Int {
	xx := new(big.Int)
	switch {
	case x.Cmp(cbrtHigh) >= 0:
		xx.Set(x)
	case x.Cmp(cbrtLow) >= 0:
		xx.Mul(x, One18)
	default:
		xx.Mul(x, pow10to36)
	}

	log2x := Log2Floor(xx)
	remainder := log2x % 3
	// initial_guess = 2**(log2x/3) * 1260**remainder / 1000**remainder
	a := new(big.Int).Lsh(big.NewInt(1), uint(log2x/3))
	if remainder > 0 {
		num := new(big.Int).Exp(big.NewInt(1260), big.NewInt(int64(remainder)), nil)
		den := new(big.Int).Exp(big.NewInt(1000), big.NewInt(int64(remainder)), nil)
		a.Mul(a, num)
		a.Div(a, den)
	}

	sq := new(big.Int)
	for i := 0; i < 7; i++ {
		// a = (2*a + xx/(a*a)) / 3
		sq.Mul(a, a)
		sq.Div(xx, sq)
		a.Mul(a, two)
		a.Add(a, sq)
		a.Div(a, three)
	}

	switch {
	case x.Cmp(cbrtHigh) >= 0:
		a.Mul(a, pow10to12)
	case x.Cmp(cbrtLow) >= 0:
		a.Mul(a, pow10to6)
	}
	return a
}

// Log2Floor returns the floor of the base-2 logarithm of x, and 0 for 0.
func Log2Floor(x *big.Int) int {
	if x.Sign() <= 0 {
		return 0
	}
	return x.BitLen() - 1
}

// Sqrt returns the fixed-point square root, Sqrt(x * 10**18) =
// sqrt(x) * 10**18, via Babylonian iteration.
func Sqrt(x *big.Int) (*big.Int, error) {
	if x.Sign() == 0 {
		return big.NewInt(0), nil
	}

	z := new(big.Int).Add(x, One18)
	z.Div(z, two)
	y := Clone(x)
	tmp := new(big.Int)
	for iter := 0; iter < 256; iter++ {
		if z.Cmp(y) == 0 {
			return y, nil
		}
		y.Set(z)
		// z = (x*1e18/z + z) / 2
		tmp.Mul(x, One18)
		tmp.Div(tmp, z)
		z.Add(tmp, z)
		z.Div(z, two)
	}
	return nil, fmt.Errorf("%w: sqrt of %s", types.ErrNotConverged, x)
}

// ISqrt returns the integer square root of x (not fixed-point scaled).
func ISqrt(x *big.Int) *big.Int {
	return new(big.Int).Sqrt(x)
}

// HalfPow returns 10**18 * 0.5**(power / 10**18), the continuous-time
// decay factor used for EMA half-life decay. The alternating series
// terminates once residual terms drop below ExpPrecision.
func HalfPow(power *big.Int) (*big.Int, error) {
	intPow := new(big.Int).Div(power, One18)
	otherPow := new(big.Int).Sub(power, new(big.Int).Mul(intPow, One18))
	if intPow.Cmp(big.NewInt(59)) > 0 {
		return big.NewInt(0), nil
	}
	result := new(big.Int).Rsh(One18, uint(intPow.Uint64()))
	if otherPow.Sign() == 0 {
		return result, nil
	}

	term := Clone(One18)
	sum := Clone(One18)
	c := new(big.Int)
	neg := false

	for i := int64(1); i < 256; i++ {
		k := new(big.Int).Mul(big.NewInt(i), One18)
		c.Sub(k, One18)
		if otherPow.Cmp(c) > 0 {
			c.Sub(otherPow, c)
			neg = !neg
		} else {
			c.Sub(c, otherPow)
		}
		// term = term * (c * x / 1e18) / K, with x = 0.5
		c.Mul(c, halfUnit)
		c.Div(c, One18)
		term.Mul(term, c)
		term.Div(term, k)
		if neg {
			sum.Sub(sum, term)
		} else {
			sum.Add(sum, term)
		}
		if term.Cmp(ExpPrecision) < 0 {
			result.Mul(result, sum)
			result.Div(result, One18)
			return result, nil
		}
	}
	return nil, fmt.Errorf("%w: halfpow of %s", types.ErrNotConverged, power)
}

// WadExp returns e**x with 10**18 precision for signed fixed-point x,
// following the rational approximation used by the tricrypto math
// contract. Inputs below the representable range return 0.
func WadExp(x *big.Int) (*big.Int, error) {
	if x.Cmp(wadExpLower) <= 0 {
		return big.NewInt(0), nil
	}
	if x.Cmp(wadExpUpper) >= 0 {
		return nil, fmt.Errorf("%w: wad exp overflow for %s", types.ErrUnsafeValue, x)
	}

	// Convert to a 2**96 base for higher intermediate precision.
	value := new(big.Int).Lsh(x, 78)
	value.Div(value, new(big.Int).Exp(big.NewInt(5), big.NewInt(18), nil))

	ln2x96, _ := new(big.Int).SetString("54916777467707473351141471128", 10)

	// k = round(value / ln2); value -= k * ln2
	k := new(big.Int).Lsh(value, 96)
	k.Div(k, ln2x96)
	k.Add(k, new(big.Int).Lsh(big.NewInt(1), 95))
	k.Rsh(k, 96)
	value.Sub(value, new(big.Int).Mul(k, ln2x96))

	c1, _ := new(big.Int).SetString("1346386616545796478920950773328", 10)
	c2, _ := new(big.Int).SetString("57155421227552351082224309758442", 10)
	c3, _ := new(big.Int).SetString("94201549194550492254356042504812", 10)
	c4, _ := new(big.Int).SetString("28719021644029726153956944680412240", 10)
	c5, _ := new(big.Int).SetString("4385272521454847904659076985693276", 10)

	y := new(big.Int).Add(value, c1)
	y.Mul(y, value)
	y.Rsh(y, 96)
	y.Add(y, c2)

	p := new(big.Int).Add(y, value)
	p.Sub(p, c3)
	p.Mul(p, y)
	p.Rsh(p, 96)
	p.Add(p, c4)
	p.Mul(p, value)
	p.Add(p, new(big.Int).Lsh(c5, 96))

	q1, _ := new(big.Int).SetString("2855989394907223263936484059900", 10)
	q2, _ := new(big.Int).SetString("50020603652535783019961831881945", 10)
	q3, _ := new(big.Int).SetString("533845033583426703283633433725380", 10)
	q4, _ := new(big.Int).SetString("3604857256930695427073651918091429", 10)
	q5, _ := new(big.Int).SetString("14423608567350463180887372962807573", 10)
	q6, _ := new(big.Int).SetString("26449188498355588339934803723976023", 10)

	q := new(big.Int).Sub(value, q1)
	q.Mul(q, value)
	q.Rsh(q, 96)
	q.Add(q, q2)
	q.Mul(q, value)
	q.Rsh(q, 96)
	q.Sub(q, q3)
	q.Mul(q, value)
	q.Rsh(q, 96)
	q.Add(q, q4)
	q.Mul(q, value)
	q.Rsh(q, 96)
	q.Sub(q, q5)
	q.Mul(q, value)
	q.Rsh(q, 96)
	q.Add(q, q6)

	r := new(big.Int).Div(p, q)

	scale, _ := new(big.Int).SetString("3822833074963236453042738258902158003155416615667", 10)
	r.Mul(r, scale)
	shift := 195 - int(k.Int64())
	r.Rsh(r, uint(shift))
	return r, nil
}

/*

Bracketed scalar root finding for the single-pair trade solve.

Brent's method combines bisection with inverse quadratic interpolation;
the bracket endpoints come from the pool's trade-size bounds, so a sign
change over the bracket means some trade size in between moves the pool
price exactly onto the target.

*/

package arbitrage

import (
	"fmt"
	"math"

	"github.com/curvequant/poolsim/internal/types"
)

const (
	brentMaxIter = 100
	brentXTol    = 2e-12
)

var brentRTol = 4 * (math.Nextafter(1, 2) - 1) // 4 machine epsilons, relative

// brentq finds x in [a, b] with f(x) == 0, requiring f(a) and f(b) to
// have opposite signs. The objective may fail (a trial trade outside the
// pool's validated domain); such errors abort the solve.
func brentq(f func(float64) (float64, error), a, b float64) (float64, error) {
	fa, err := f(a)
	if err != nil {
		return 0, err
	}
	fb, err := f(b)
	if err != nil {
		return 0, err
	}
	if fa == 0 {
		return a, nil
	}
	if fb == 0 {
		return b, nil
	}
	if (fa > 0) == (fb > 0) {
		return 0, fmt.Errorf("%w: no sign change over bracket [%g, %g]", types.ErrNotConverged, a, b)
	}

	c, fc := a, fa
	d := b - a
	e := d

	for iter := 0; iter < brentMaxIter; iter++ {
		if (fb > 0) == (fc > 0) {
			c, fc = a, fa
			d = b - a
			e = d
		}
		if math.Abs(fc) < math.Abs(fb) {
			a, b, c = b, c, b
			fa, fb, fc = fb, fc, fb
		}

		tol := 2*brentRTol*math.Abs(b) + brentXTol/2
		m := (c - b) / 2
		if math.Abs(m) <= tol || fb == 0 {
			return b, nil
		}

		if math.Abs(e) >= tol && math.Abs(fa) > math.Abs(fb) {
			// attempt interpolation
			s := fb / fa
			var p, q float64
			if a == c {
				// secant
				p = 2 * m * s
				q = 1 - s
			} else {
				// inverse quadratic
				qq := fa / fc
				r := fb / fc
				p = s * (2*m*qq*(qq-r) - (b-a)*(r-1))
				q = (qq - 1) * (r - 1) * (s - 1)
			}
			if p > 0 {
				q = -q
			} else {
				p = -p
			}
			if 2*p < math.Min(3*m*q-math.Abs(tol*q), math.Abs(e*q)) {
				e = d
				d = p / q
			} else {
				d = m
				e = m
			}
		} else {
			d = m
			e = m
		}

		a, fa = b, fb
		if math.Abs(d) > tol {
			b += d
		} else if m > 0 {
			b += tol
		} else {
			b -= tol
		}
		fb, err = f(b)
		if err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: root bracketing exceeded %d iterations", types.ErrNotConverged, brentMaxIter)
}

/*

Bounded nonlinear least squares for the multi-pair trade solve.

A Levenberg-Marquardt iteration with box projection: the damped normal
equations give a step, the step is clamped into [lo, hi], and damping
adapts to whether the clamped step reduced the cost. The residual
function is expensive (each evaluation replays every candidate trade
against a pool snapshot), so the iteration and tolerance budget stay
small.

*/

package arbitrage

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/curvequant/poolsim/internal/types"
)

const (
	lsqGTol    = 1e-15
	lsqXTol    = 1e-15
	lsqMaxIter = 100

	lambdaInit = 1e-3
	lambdaUp   = 4.0
	lambdaDown = 0.25
	lambdaMax  = 1e10
)

func clampVec(x, lo, hi []float64) {
	for k := range x {
		if math.IsNaN(x[k]) || x[k] < lo[k] {
			x[k] = lo[k]
		} else if x[k] > hi[k] {
			x[k] = hi[k]
		}
	}
}

func costOf(r []float64) float64 {
	var c float64
	for _, v := range r {
		c += v * v
	}
	return c / 2
}

// jacobian fills J with forward-difference columns of fn around x, using
// r0 = fn(x). Steps that would leave the box are flipped backward.
func jacobian(fn func([]float64) ([]float64, error), x, r0, lo, hi []float64) (*mat.Dense, error) {
	m, n := len(r0), len(x)
	j := mat.NewDense(m, n, nil)
	xh := make([]float64, n)
	for k := 0; k < n; k++ {
		h := math.Sqrt(machEps) * math.Max(math.Abs(x[k]), 1)
		copy(xh, x)
		if x[k]+h > hi[k] {
			h = -h
		}
		xh[k] = x[k] + h
		rk, err := fn(xh)
		if err != nil {
			return nil, err
		}
		for row := 0; row < m; row++ {
			j.Set(row, k, (rk[row]-r0[row])/h)
		}
	}
	return j, nil
}

var machEps = math.Nextafter(1, 2) - 1

// solveBoundedLSQ minimizes sum(fn(x)^2) over the box [lo, hi] starting
// from x0. It returns the solution and its residuals.
func solveBoundedLSQ(fn func([]float64) ([]float64, error), x0, lo, hi []float64) ([]float64, []float64, error) {
	n := len(x0)
	x := make([]float64, n)
	copy(x, x0)
	clampVec(x, lo, hi)

	r, err := fn(x)
	if err != nil {
		return nil, nil, err
	}
	cost := costOf(r)
	lambda := lambdaInit

	for iter := 0; iter < lsqMaxIter; iter++ {
		j, err := jacobian(fn, x, r, lo, hi)
		if err != nil {
			return nil, nil, err
		}

		rVec := mat.NewVecDense(len(r), r)
		var grad mat.VecDense
		grad.MulVec(j.T(), rVec)
		if mat.Norm(&grad, math.Inf(1)) < lsqGTol {
			return x, r, nil
		}

		var jtj mat.Dense
		jtj.Mul(j.T(), j)

		improved := false
		for lambda <= lambdaMax {
			damped := mat.NewDense(n, n, nil)
			damped.Copy(&jtj)
			for k := 0; k < n; k++ {
				d := jtj.At(k, k)
				if d == 0 {
					d = 1
				}
				damped.Set(k, k, d*(1+lambda))
			}

			var step mat.VecDense
			if err := step.SolveVec(damped, &grad); err != nil {
				lambda *= lambdaUp
				continue
			}

			xNew := make([]float64, n)
			stepNorm := 0.0
			for k := 0; k < n; k++ {
				xNew[k] = x[k] - step.AtVec(k)
				stepNorm += step.AtVec(k) * step.AtVec(k)
			}
			clampVec(xNew, lo, hi)

			rNew, err := fn(xNew)
			if err != nil {
				return nil, nil, err
			}
			newCost := costOf(rNew)
			if newCost < cost {
				relStep := math.Sqrt(stepNorm) / math.Max(mat.Norm(mat.NewVecDense(n, x), 2), 1)
				x, r, cost = xNew, rNew, newCost
				lambda = math.Max(lambda*lambdaDown, 1e-12)
				improved = true
				if relStep < lsqXTol {
					return x, r, nil
				}
				break
			}
			lambda *= lambdaUp
		}
		if !improved {
			// damping saturated without progress; x is as good as it gets
			return x, r, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: least squares exceeded %d iterations", types.ErrNotConverged, lsqMaxIter)
}

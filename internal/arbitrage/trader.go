/*

Arbitrage trade solver.

Given a pool and a set of external market prices, the solver computes
the trades that close the gap between the pool's fee-inclusive prices
and the market. Every candidate is evaluated against a snapshot of the
pool and rolled back, so only ExecuteTrades mutates real state.

*/

package arbitrage

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/rs/zerolog"

	"github.com/curvequant/poolsim/internal/logger"
	"github.com/curvequant/poolsim/internal/types"
)

// Arbitrageur solves for and executes arbitrage trades against one pool.
type Arbitrageur struct {
	pool types.SimPool
	log  zerolog.Logger
}

// New returns an Arbitrageur trading against the given pool.
func New(pool types.SimPool) *Arbitrageur {
	return &Arbitrageur{
		pool: pool,
		log:  logger.GetForComponent("arbitrage"),
	}
}

// Outcome is the result of a multi-pair solve. Degraded means the least
// squares solve failed and Errors holds the un-arbitraged price errors
// with no trades proposed.
type Outcome struct {
	Trades   []types.Trade
	Errors   []types.PairError
	Degraded bool
}

// candidate is one pair's working state through the solve.
type candidate struct {
	in, out int
	pair    types.Pair
	target  float64
	size    float64
}

func bigFromFloat(x float64) *big.Int {
	if math.IsNaN(x) || x <= 0 {
		return new(big.Int)
	}
	out, _ := big.NewFloat(x).Int(nil)
	return out
}

func floatFromBig(x *big.Int) float64 {
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}

// priceError is the signed difference between the pool's fee-inclusive
// (in, out) price after a trial trade of size dx and the target price.
// The trial never commits.
func (a *Arbitrageur) priceError(dx float64, in, out int, target float64) (float64, error) {
	var price float64
	err := types.WithSnapshot(a.pool, func() error {
		amount := bigFromFloat(dx)
		if amount.Sign() > 0 {
			if _, _, err := a.pool.Trade(in, out, amount); err != nil {
				return err
			}
		}
		p, err := a.pool.Price(in, out, true)
		price = p
		return err
	})
	if err != nil {
		return 0, err
	}
	return price - target, nil
}

// solvePair runs the single-pair bracketed solve: find the trade size
// that moves the pool's (in, out) price onto the target.
func (a *Arbitrageur) solvePair(in, out int, target float64) (float64, error) {
	bound, err := a.pool.MaxTradeSize(in, out)
	if err != nil {
		return 0, err
	}
	high := floatFromBig(bound)
	if high <= 0 {
		return 0, nil
	}
	root, err := brentq(func(dx float64) (float64, error) {
		return a.priceError(dx, in, out, target)
	}, 0, high)
	if err != nil {
		return 0, err
	}
	return math.Floor(root), nil
}

// arbCandidates picks a direction for every pair and sizes the trade
// ignoring cross-pair interaction. Pairs already priced in the pool's
// favor get a zero size; pairs whose solve fails are logged and zeroed.
func (a *Arbitrageur) arbCandidates(prices []types.PairPrice) ([]candidate, error) {
	out := make([]candidate, 0, len(prices))
	for _, pp := range prices {
		i, j := pp.Pair.I, pp.Pair.J
		if pp.Price <= 0 {
			return nil, fmt.Errorf("%w: non-positive target price %g for pair %s", types.ErrInvalidConfig, pp.Price, pp.Pair)
		}

		forward, err := a.pool.Price(i, j, true)
		if err != nil {
			return nil, err
		}
		reverse, err := a.pool.Price(j, i, true)
		if err != nil {
			return nil, err
		}

		c := candidate{pair: pp.Pair}
		switch {
		case forward > pp.Price:
			c.in, c.out, c.target = i, j, pp.Price
		case reverse > 1/pp.Price:
			c.in, c.out, c.target = j, i, 1/pp.Price
		default:
			// pool price already inside the fee band; nothing to close
			c.in, c.out, c.target = i, j, pp.Price
			out = append(out, c)
			continue
		}

		size, err := a.solvePair(c.in, c.out, c.target)
		if err != nil {
			a.log.Error().Err(err).
				Int("in", c.in).Int("out", c.out).
				Float64("target", c.target).
				Msg("single-pair solve failed, assuming zero size")
			size = 0
		}
		c.size = size
		out = append(out, c)
	}
	return out, nil
}

// ComputeTrades solves all pairs simultaneously. limits, when non-nil,
// caps each pair's input amount; it must align with prices by index.
// A failed multi-pair solve degrades to reporting the un-arbitraged
// price errors instead of returning an error.
func (a *Arbitrageur) ComputeTrades(prices []types.PairPrice, limits []*big.Int) (Outcome, error) {
	if len(prices) == 0 {
		return Outcome{}, fmt.Errorf("%w: no pair prices given", types.ErrInvalidConfig)
	}
	if limits != nil && len(limits) != len(prices) {
		return Outcome{}, fmt.Errorf("%w: %d limits for %d pairs", types.ErrInvalidConfig, len(limits), len(prices))
	}

	cands, err := a.arbCandidates(prices)
	if err != nil {
		return Outcome{}, err
	}

	lo := make([]float64, len(cands))
	hi := make([]float64, len(cands))
	for k := range cands {
		var limit float64
		if limits != nil {
			limit = floatFromBig(limits[k])
		} else {
			bound, err := a.pool.MaxTradeSize(cands[k].in, cands[k].out)
			if err != nil {
				// pair cannot be sized; keep it out of the solve
				bound = new(big.Int)
			}
			limit = floatFromBig(bound)
		}
		if cands[k].size > limit {
			cands[k].size = limit
		}
		hi[k] = limit + 1
	}

	// larger expected trades first improves solver conditioning
	sort.SliceStable(cands, func(x, y int) bool { return cands[x].size > cands[y].size })

	residual := func(dxs []float64) ([]float64, error) {
		errors := make([]float64, len(cands))
		err := types.WithSnapshot(a.pool, func() error {
			for k, c := range cands {
				dx := dxs[k]
				if math.IsNaN(dx) {
					dx = 0
				}
				amount := bigFromFloat(dx)
				if amount.Cmp(a.pool.MinTradeSize(c.in)) <= 0 {
					continue
				}
				if _, _, err := a.pool.Trade(c.in, c.out, amount); err != nil {
					return err
				}
			}
			for k, c := range cands {
				price, err := a.pool.Price(c.in, c.out, true)
				if err != nil {
					return err
				}
				errors[k] = price - c.target
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return errors, nil
	}

	x0 := make([]float64, len(cands))
	for k := range cands {
		x0[k] = cands[k].size
	}

	solved, resid, err := solveBoundedLSQ(residual, x0, lo, hi)
	if err != nil {
		a.log.Error().Err(err).
			Floats64("x0", x0).Floats64("hi", hi).
			Msg("multi-pair solve failed, reporting un-arbitraged errors")
		resid, rerr := residual(make([]float64, len(cands)))
		if rerr != nil {
			return Outcome{}, rerr
		}
		return Outcome{Errors: a.pairErrors(cands, resid), Degraded: true}, nil
	}

	out := Outcome{Errors: a.pairErrors(cands, resid)}
	for k, c := range cands {
		amount := bigFromFloat(math.Floor(solved[k]))
		if amount.Cmp(a.pool.MinTradeSize(c.in)) <= 0 {
			continue
		}
		out.Trades = append(out.Trades, types.Trade{In: c.in, Out: c.out, AmountIn: amount})
	}
	return out, nil
}

// pairErrors converts absolute residuals into signed relative errors
// keyed by the original market pair.
func (a *Arbitrageur) pairErrors(cands []candidate, resid []float64) []types.PairError {
	out := make([]types.PairError, len(cands))
	for k, c := range cands {
		out[k] = types.PairError{Pair: c.pair, Error: resid[k] / c.target}
	}
	return out
}

// ExecuteTrades applies solved trades to the real pool, skipping dust.
func (a *Arbitrageur) ExecuteTrades(trades []types.Trade) ([]types.TradeResult, error) {
	results := make([]types.TradeResult, 0, len(trades))
	for _, t := range trades {
		if t.AmountIn == nil || t.AmountIn.Cmp(a.pool.MinTradeSize(t.In)) <= 0 {
			continue
		}
		amountOut, fee, err := a.pool.Trade(t.In, t.Out, t.AmountIn)
		if err != nil {
			return results, err
		}
		a.log.Debug().
			Int("in", t.In).Int("out", t.Out).
			Str("amount_in", t.AmountIn.String()).
			Str("amount_out", amountOut.String()).
			Str("fee", fee.String()).
			Msg("executed trade")
		results = append(results, types.NewTradeResult(t, amountOut, fee))
	}
	return results, nil
}

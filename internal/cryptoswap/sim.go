/*

Simulation trading surface for the cryptoswap pool.

Spot prices come from the analytic derivative of the invariant at the
current balances, translated out of the transformed units by the price
scale. Trade bounds leave 1% of the output coin's transformed balance and
convert back to native input units.

*/

package cryptoswap

import (
	"math/big"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

var _ types.SimPool = (*Pool)(nil)

func (p *Pool) NumAssets() int {
	return p.N
}

func (p *Pool) AssetNames() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// spotPrices returns each coin's price in units of coin 0, 18-decimal
// fixed point, index 0 included.
func (p *Pool) spotPrices() ([]*big.Int, error) {
	xp := p.xp()
	prices, err := getP(xp, p.D, p.A, p.Gamma)
	if err != nil {
		return nil, err
	}
	out := make([]*big.Int, p.N)
	out[0] = fixedpoint.Clone(fixedpoint.One18)
	for k := 1; k < p.N; k++ {
		v := new(big.Int).Mul(prices[k-1], p.PriceScale[k-1])
		out[k] = v.Div(v, fixedpoint.One18)
	}
	return out, nil
}

// Price returns the spot price of coin i in coin j, optionally
// discounted by the current blended fee.
func (p *Pool) Price(i, j int, useFee bool) (float64, error) {
	spots, err := p.spotPrices()
	if err != nil {
		return 0, err
	}
	num := new(big.Float).SetInt(spots[i])
	den := new(big.Float).SetInt(spots[j])
	price, _ := new(big.Float).Quo(num, den).Float64()
	if useFee {
		fee, _ := new(big.Float).SetInt(p.fee(p.xp())).Float64()
		feeDenom, _ := new(big.Float).SetInt(fixedpoint.FeeDenom).Float64()
		price *= 1 - fee/feeDenom
	}
	return price, nil
}

func (p *Pool) Trade(i, j int, amountIn *big.Int) (*big.Int, *big.Int, error) {
	return p.Exchange(i, j, amountIn)
}

// MaxTradeSize bounds an arbitrage hypothesis at the input that leaves
// 1% of coin j's transformed balance in the pool. The residual target is
// clamped to D/100 so the solve stays inside the validated domain.
func (p *Pool) MaxTradeSize(i, j int) (*big.Int, error) {
	xp := p.xp()
	xp[j].Div(xp[j], big.NewInt(100))
	if floor := new(big.Int).Div(p.D, big.NewInt(100)); xp[j].Cmp(floor) < 0 {
		xp[j] = floor
	}
	y, _, err := getYK(p.A, p.Gamma, xp, p.D, i)
	if err != nil {
		return nil, err
	}
	in := y.Sub(y, xp[i])
	if in.Sign() < 0 {
		return big.NewInt(0), nil
	}
	if i > 0 {
		in.Mul(in, fixedpoint.One18)
		in.Div(in, new(big.Int).Mul(p.PriceScale[i-1], p.Precisions[i]))
	} else {
		in.Div(in, p.Precisions[0])
	}
	return in, nil
}

// MinTradeSize is the dust threshold below which a trade does not move
// the last price.
func (p *Pool) MinTradeSize(int) *big.Int {
	return big.NewInt(100000)
}

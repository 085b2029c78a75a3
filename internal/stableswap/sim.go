/*

Simulation trading surface for the stableswap pools.

These adapters expose Pool and MetaPool through the SimPool interface the
arbitrage solver consumes. Trade sizes cross this boundary in native
token units; the bound computation solves the invariant for the input
that leaves 1% of the output coin's virtual balance and converts back.

*/

package stableswap

import (
	"math/big"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

var _ types.SimPool = (*Pool)(nil)
var _ types.SimPool = (*MetaPool)(nil)

func (p *Pool) NumAssets() int {
	return p.N
}

func (p *Pool) AssetNames() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

func (p *Pool) Price(i, j int, useFee bool) (float64, error) {
	return p.Dydx(i, j, useFee)
}

func (p *Pool) Trade(i, j int, amountIn *big.Int) (*big.Int, *big.Int, error) {
	return p.Exchange(i, j, amountIn)
}

// MaxTradeSize bounds an arbitrage hypothesis at the input that leaves
// 1% of coin j's virtual balance in the pool.
func (p *Pool) MaxTradeSize(i, j int) (*big.Int, error) {
	xp := p.xp()
	xpJ := new(big.Int).Div(xp[j], big.NewInt(100))
	y, err := getY(p.A, p.N, j, i, xpJ, xp)
	if err != nil {
		return nil, err
	}
	in := y.Sub(y, xp[i])
	in.Mul(in, fixedpoint.One18)
	in.Div(in, p.Rates[i])
	if in.Sign() < 0 {
		in.SetInt64(0)
	}
	return in, nil
}

func (p *Pool) MinTradeSize(int) *big.Int {
	return big.NewInt(0)
}

func (p *MetaPool) NumAssets() int {
	return p.NTotal
}

// AssetNames lists the primary coins followed by the base pool's
// underlyers; the base LP token itself is not a tradable asset here.
func (p *MetaPool) AssetNames() []string {
	out := make([]string, 0, p.NTotal)
	out = append(out, p.names[:p.MaxCoin]...)
	out = append(out, p.Basepool.AssetNames()...)
	return out
}

func (p *MetaPool) Price(i, j int, useFee bool) (float64, error) {
	return p.Dydx(i, j, useFee)
}

func (p *MetaPool) Trade(i, j int, amountIn *big.Int) (*big.Int, *big.Int, error) {
	return p.ExchangeUnderlying(i, j, amountIn)
}

// precision returns the native-unit multiplier for underlyer index i.
func (p *MetaPool) precision(i int) *big.Int {
	if i < p.MaxCoin {
		return p.RateMuls[i]
	}
	return p.Basepool.Rates[i-p.MaxCoin]
}

// MaxTradeSize bounds an arbitrage hypothesis between underlyer indices.
// Pairs within the base pool bound against base balances; pairs touching
// the primary level bound against the meta-level balances.
func (p *MetaPool) MaxTradeSize(i, j int) (*big.Int, error) {
	baseI := i - p.MaxCoin
	baseJ := j - p.MaxCoin

	var in *big.Int
	if baseI >= 0 && baseJ >= 0 {
		xp := p.Basepool.xp()
		xpJ := new(big.Int).Div(xp[baseJ], big.NewInt(100))
		y, err := getY(p.Basepool.A, p.Basepool.N, baseJ, baseI, xpJ, xp)
		if err != nil {
			return nil, err
		}
		in = y.Sub(y, xp[baseI])
	} else {
		metaI, metaJ := p.MaxCoin, p.MaxCoin
		if baseI < 0 {
			metaI = i
		}
		if baseJ < 0 {
			metaJ = j
		}
		xp, err := p.xp()
		if err != nil {
			return nil, err
		}
		xpJ := new(big.Int).Div(xp[metaJ], big.NewInt(100))
		y, err := getY(p.A, p.N, metaJ, metaI, xpJ, xp)
		if err != nil {
			return nil, err
		}
		in = y.Sub(y, xp[metaI])
	}

	in.Mul(in, fixedpoint.One18)
	in.Div(in, p.precision(i))
	if in.Sign() < 0 {
		in.SetInt64(0)
	}
	return in, nil
}

func (p *MetaPool) MinTradeSize(int) *big.Int {
	return big.NewInt(0)
}

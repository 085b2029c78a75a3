/*

Shared trade types exchanged between the invariant engines and the
arbitrage solver.

*/

package types

import (
	"fmt"
	"math/big"
)

// Pair identifies an ordered coin pair within a pool's flattened index
// space. For metapools the indices run over the basepool underlyers, with
// the basepool LP token occupying the last slot.
type Pair struct {
	I int `json:"i"`
	J int `json:"j"`
}

func (p Pair) String() string {
	return fmt.Sprintf("(%d,%d)", p.I, p.J)
}

// PairPrice carries the external market price target for one coin pair.
// Prices are quoted as coin I in terms of coin J.
type PairPrice struct {
	Pair  Pair
	Price float64
}

// Trade is an intent to swap AmountIn of coin In for coin Out.
type Trade struct {
	In       int
	Out      int
	AmountIn *big.Int
}

// TradeResult is the outcome of an executed Trade. AmountOut and Fee are
// filled in exactly once, after real execution; trial solves never produce
// a TradeResult.
type TradeResult struct {
	Trade
	AmountOut *big.Int
	Fee       *big.Int
}

// NewTradeResult binds an execution outcome to its originating trade.
func NewTradeResult(t Trade, amountOut, fee *big.Int) TradeResult {
	return TradeResult{Trade: t, AmountOut: amountOut, Fee: fee}
}

// PairError is the signed relative price error for one pair after
// arbitrage: (pool_price - target) / target.
type PairError struct {
	Pair  Pair
	Error float64
}

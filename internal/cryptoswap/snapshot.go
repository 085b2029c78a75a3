package cryptoswap

import (
	"fmt"
	"math/big"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

type poolSnapshot struct {
	types.SnapshotTag
	balances            []*big.Int
	d                   *big.Int
	virtualPrice        *big.Int
	tokens              *big.Int
	xcpProfit           *big.Int
	xcpProfitA          *big.Int
	priceScale          []*big.Int
	priceOracle         []*big.Int
	lastPrices          []*big.Int
	lastPricesTimestamp int64
	blockTimestamp      int64
	notAdjusted         bool
}

// Snapshot captures every mutable field, including the oracle and profit
// state; a trade rolled back must not leave an EMA update behind.
func (p *Pool) Snapshot() types.Snapshot {
	return &poolSnapshot{
		balances:            fixedpoint.CloneSlice(p.Balances),
		d:                   fixedpoint.Clone(p.D),
		virtualPrice:        fixedpoint.Clone(p.VirtualPrice),
		tokens:              fixedpoint.Clone(p.Tokens),
		xcpProfit:           fixedpoint.Clone(p.XcpProfit),
		xcpProfitA:          fixedpoint.Clone(p.XcpProfitA),
		priceScale:          fixedpoint.CloneSlice(p.PriceScale),
		priceOracle:         fixedpoint.CloneSlice(p.priceOracle),
		lastPrices:          fixedpoint.CloneSlice(p.LastPrices),
		lastPricesTimestamp: p.LastPricesTimestamp,
		blockTimestamp:      p.blockTimestamp,
		notAdjusted:         p.notAdjusted,
	}
}

// Restore resets the pool to a previously captured snapshot.
func (p *Pool) Restore(s types.Snapshot) error {
	snap, ok := s.(*poolSnapshot)
	if !ok {
		return fmt.Errorf("%w: snapshot type %T does not belong to a cryptoswap pool", types.ErrInvalidConfig, s)
	}
	p.Balances = fixedpoint.CloneSlice(snap.balances)
	p.D = fixedpoint.Clone(snap.d)
	p.VirtualPrice = fixedpoint.Clone(snap.virtualPrice)
	p.Tokens = fixedpoint.Clone(snap.tokens)
	p.XcpProfit = fixedpoint.Clone(snap.xcpProfit)
	p.XcpProfitA = fixedpoint.Clone(snap.xcpProfitA)
	p.PriceScale = fixedpoint.CloneSlice(snap.priceScale)
	p.priceOracle = fixedpoint.CloneSlice(snap.priceOracle)
	p.LastPrices = fixedpoint.CloneSlice(snap.lastPrices)
	p.LastPricesTimestamp = snap.lastPricesTimestamp
	p.blockTimestamp = snap.blockTimestamp
	p.notAdjusted = snap.notAdjusted
	return nil
}

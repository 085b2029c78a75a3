package stableswap

import (
	"fmt"
	"math/big"

	"github.com/curvequant/poolsim/internal/fixedpoint"
	"github.com/curvequant/poolsim/internal/types"
)

type poolSnapshot struct {
	types.SnapshotTag
	balances      []*big.Int
	adminBalances []*big.Int
	tokens        *big.Int
}

// Snapshot captures balances, admin balances, and LP supply.
func (p *Pool) Snapshot() types.Snapshot {
	return &poolSnapshot{
		balances:      fixedpoint.CloneSlice(p.Balances),
		adminBalances: fixedpoint.CloneSlice(p.AdminBalances),
		tokens:        fixedpoint.Clone(p.Tokens),
	}
}

// Restore resets the pool to a previously captured snapshot.
func (p *Pool) Restore(s types.Snapshot) error {
	snap, ok := s.(*poolSnapshot)
	if !ok {
		return fmt.Errorf("%w: snapshot type %T does not belong to a stableswap pool", types.ErrInvalidConfig, s)
	}
	p.Balances = fixedpoint.CloneSlice(snap.balances)
	p.AdminBalances = fixedpoint.CloneSlice(snap.adminBalances)
	p.Tokens = fixedpoint.Clone(snap.tokens)
	return nil
}

type metaSnapshot struct {
	types.SnapshotTag
	balances      []*big.Int
	adminBalances []*big.Int
	tokens        *big.Int
	base          *poolSnapshot
}

// Snapshot captures the meta-pool state together with its base pool,
// since underlying trades mutate both.
func (p *MetaPool) Snapshot() types.Snapshot {
	return &metaSnapshot{
		balances:      fixedpoint.CloneSlice(p.Balances),
		adminBalances: fixedpoint.CloneSlice(p.AdminBalances),
		tokens:        fixedpoint.Clone(p.Tokens),
		base:          p.Basepool.Snapshot().(*poolSnapshot),
	}
}

// Restore resets the meta-pool and its base pool.
func (p *MetaPool) Restore(s types.Snapshot) error {
	snap, ok := s.(*metaSnapshot)
	if !ok {
		return fmt.Errorf("%w: snapshot type %T does not belong to a meta-pool", types.ErrInvalidConfig, s)
	}
	p.Balances = fixedpoint.CloneSlice(snap.balances)
	p.AdminBalances = fixedpoint.CloneSlice(snap.adminBalances)
	p.Tokens = fixedpoint.Clone(snap.tokens)
	return p.Basepool.Restore(snap.base)
}

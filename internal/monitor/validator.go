package monitor

import (
	"context"
	"sort"

	"swap-core/pkg/okx"
)

// sweepOrphans cancels leftover algo orders on sides that no longer hold a
// live position. An empty book is a normal success.
func (m *Monitor) sweepOrphans(ctx context.Context, client Exchange, uid string, symbols []string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("orphan sweep panicked")
		}
	}()

	for _, symbol := range symbols {
		live, err := client.Positions(ctx, symbol)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("orphan sweep: position fetch failed")
			continue
		}
		held := map[okx.PosSide]bool{}
		for _, p := range live {
			if p.Contracts > 0 {
				held[p.PosSide] = true
			}
		}
		for _, side := range []okx.PosSide{okx.PosLong, okx.PosShort} {
			if held[side] {
				continue
			}
			n, err := client.CancelAllAlgo(ctx, symbol, side, okx.OrdConditional)
			if err != nil {
				if okx.IsNotFound(err) {
					continue
				}
				m.log.Warn().Err(err).Str("symbol", symbol).Str("side", string(side)).Msg("orphan algo cancel failed")
				continue
			}
			if n > 0 {
				m.log.Info().Str("uid", uid).Str("symbol", symbol).Str("side", string(side)).
					Int("canceled", n).Msg("orphan algo orders canceled")
			}
		}
	}
}

// validateCardinality enforces at most one SL and three TPs per posSide,
// keeping the newest by update time and cancelling the rest.
func (m *Monitor) validateCardinality(ctx context.Context, client Exchange, uid, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("cardinality check panicked")
		}
	}()

	// SL: algo conditional orders grouped by posSide.
	algos, err := client.PendingAlgoOrders(ctx, symbol, okx.OrdConditional)
	if err != nil && !okx.IsNotFound(err) {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("cardinality: algo listing failed")
	} else {
		bySide := map[okx.PosSide][]okx.OrderDetail{}
		for _, o := range algos {
			bySide[o.PosSide] = append(bySide[o.PosSide], o)
		}
		for side, group := range bySide {
			if len(group) <= 1 {
				continue
			}
			m.log.Warn().Str("uid", uid).Str("symbol", symbol).Str("side", string(side)).
				Int("count", len(group)).Msg("multiple sl orders on one side, pruning")
			m.cancelAllButNewest(ctx, client, symbol, group, 1, true)
		}
	}

	// TP: reduce-only limit orders grouped by posSide, at most three each.
	pending, err := client.PendingOrders(ctx, symbol)
	if err != nil {
		if !okx.IsNotFound(err) {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("cardinality: order listing failed")
		}
		return
	}
	bySide := map[okx.PosSide][]okx.OrderDetail{}
	for _, o := range pending {
		// TP legs sit on the closing side of the position.
		if o.PosSide == okx.PosLong && o.Side != okx.SideSell {
			continue
		}
		if o.PosSide == okx.PosShort && o.Side != okx.SideBuy {
			continue
		}
		bySide[o.PosSide] = append(bySide[o.PosSide], o)
	}
	for side, group := range bySide {
		if len(group) <= 3 {
			continue
		}
		m.log.Warn().Str("uid", uid).Str("symbol", symbol).Str("side", string(side)).
			Int("count", len(group)).Msg("more than three tp orders on one side, pruning")
		m.cancelAllButNewest(ctx, client, symbol, group, 3, false)
	}
}

func (m *Monitor) cancelAllButNewest(ctx context.Context, client Exchange, symbol string, group []okx.OrderDetail, keep int, algo bool) {
	sort.Slice(group, func(i, j int) bool { return group[i].UpdateTime > group[j].UpdateTime })
	for _, o := range group[keep:] {
		var err error
		if algo {
			err = client.CancelAlgoOrders(ctx, []okx.AlgoCancel{{AlgoID: o.AlgoID, InstID: symbol}})
		} else {
			err = client.CancelOrder(ctx, symbol, o.OrderID)
		}
		if err != nil && !okx.IsNotFound(err) {
			m.log.Warn().Err(err).Str("order_id", o.OrderID).Msg("cardinality prune cancel failed")
		}
	}
}

package monitor

import (
	"context"
	"fmt"
	"time"

	"swap-core/internal/dispatch"
	"swap-core/internal/position"
	"swap-core/internal/tpsl"
	"swap-core/pkg/okx"
)

// shouldPoll applies the cadence rules: the 15 s full poll, cached-status
// drift, the open-order heartbeat, TP price proximity and SL crossings.
func (m *Monitor) shouldPoll(row position.MonitoredOrder, price float64) bool {
	if m.iter%fullPollEvery == 0 {
		return true
	}

	key := row.UID + ":" + row.Symbol + ":" + row.OrderID
	m.mu.Lock()
	prev, had := m.prevStatus[key]
	m.prevStatus[key] = row.Status
	m.mu.Unlock()
	if had && prev != row.Status {
		return true
	}

	if row.Status == position.OrderOpen && m.iter%openHeartbeat == 0 {
		return true
	}

	if level := row.TPLevel(); level > 0 {
		if m.iter%tpCadence == 0 {
			return true
		}
		// Near-check: within 1 % of the TP on the closing side.
		if row.PosSide == "long" && price >= row.Price*0.99 {
			return true
		}
		if row.PosSide == "short" && price <= row.Price*1.01 {
			return true
		}
		return false
	}

	if row.OrderType == "sl" || row.OrderName == "sl" || row.OrderType == "break_even" {
		if row.PosSide == "long" && price <= row.Price {
			return true
		}
		if row.PosSide == "short" && price >= row.Price {
			return true
		}
	}
	return false
}

// pollOrder fetches the order and routes terminal transitions.
func (m *Monitor) pollOrder(ctx context.Context, client Exchange, uid, symbol string, row position.MonitoredOrder) {
	detail, err := client.FetchOrder(ctx, symbol, row.OrderID, row.IsAlgo)
	status := interpret(detail, err)
	if status == "" {
		m.log.Warn().Err(err).Str("order_id", row.OrderID).Msg("order poll failed")
		return
	}
	if status == position.OrderOpen {
		if row.Status != position.OrderOpen {
			if err := m.orders.UpdateStatus(ctx, uid, symbol, row.OrderID, status, detail.FillSize, detail.Remaining()); err != nil {
				m.log.Warn().Err(err).Msg("order row update failed")
			}
		}
		return
	}
	row.Status = status
	row.Filled = detail.FillSize
	row.Remain = detail.Remaining()
	m.handleTerminal(ctx, client, uid, symbol, row, detail)
}

// interpret folds a fetch result into a monitored status. Not-found family
// responses map to canceled, the safe default.
func interpret(detail okx.OrderDetail, err error) string {
	if err != nil {
		if okx.IsNotFound(err) || okx.IsAlgoStateRequired(err) {
			return position.OrderCanceled
		}
		return ""
	}
	switch detail.State {
	case okx.StateFilled, okx.StateEffective:
		return position.OrderFilled
	case okx.StateCanceled:
		return position.OrderCanceled
	case okx.StateOrderFailed:
		return position.OrderFailed
	default:
		return position.OrderOpen
	}
}

// handleTerminal finishes one order's lifecycle: state write, side effects,
// archive. Before the live row is dropped a last-moment poll catches the
// cancel-vs-fill race from the DCA path.
func (m *Monitor) handleTerminal(ctx context.Context, client Exchange, uid, symbol string, row position.MonitoredOrder, detail okx.OrderDetail) {
	if err := m.orders.UpdateStatus(ctx, uid, symbol, row.OrderID, row.Status, row.Filled, row.Remain); err != nil {
		m.log.Warn().Err(err).Msg("terminal status write failed")
	}

	if row.Status == position.OrderCanceled {
		if last, err := client.FetchOrder(ctx, symbol, row.OrderID, row.IsAlgo); err == nil && last.State == okx.StateFilled {
			m.log.Info().Str("order_id", row.OrderID).Msg("last-moment poll found a fill behind the cancel")
			row.Status = position.OrderFilled
			row.Filled = last.FillSize
			row.Remain = last.Remaining()
			detail = last
		}
	}

	if row.Status == position.OrderFilled {
		m.processFill(ctx, client, uid, symbol, row, detail)
	}

	if err := m.orders.Archive(ctx, row); err != nil {
		m.log.Error().Err(err).Str("order_id", row.OrderID).Msg("archive failed")
	}
}

// HandleRaceFill lets the TP/SL engine hand fills discovered during DCA
// cancellation into the same pipeline. Implements tpsl.RaceFillSink.
func (m *Monitor) HandleRaceFill(ctx context.Context, uid, symbol, side string, row position.MonitoredOrder, detail okx.OrderDetail) {
	client, err := m.pool.Acquire(ctx, uid)
	if err != nil {
		m.log.Error().Err(err).Str("uid", uid).Msg("race fill: client acquire failed")
		return
	}
	defer m.pool.Release(uid, client)

	row.Status = position.OrderFilled
	row.Filled = detail.FillSize
	row.Remain = detail.Remaining()
	m.processFill(ctx, client, uid, symbol, row, detail)
	if err := m.orders.Archive(ctx, row); err != nil {
		m.log.Warn().Err(err).Str("order_id", row.OrderID).Msg("race fill archive failed")
	}
}

func (m *Monitor) processFill(ctx context.Context, client Exchange, uid, symbol string, row position.MonitoredOrder, detail okx.OrderDetail) {
	side := row.PosSide
	price := detail.AvgPrice
	if price == 0 {
		price = row.Price
	}

	// Replayed history suppression.
	stale := detail.FillTime > 0 && time.Since(time.UnixMilli(detail.FillTime)) > staleFillWindow

	if level := row.TPLevel(); level > 0 {
		m.processTPFill(ctx, client, uid, symbol, side, level, row, price, stale)
		return
	}
	if row.OrderType == "sl" || row.OrderName == "sl" || row.OrderType == "break_even" {
		m.processSLFill(ctx, uid, symbol, side, row, price, stale)
		return
	}

	// Entry / manual orders: notification only.
	if !stale && m.notifier != nil {
		_ = m.notifier.Notify(ctx, uid, dispatch.Message{
			Category:  "entry",
			Symbol:    symbol,
			EventType: row.OrderType + "_execution",
			Text:      fmt.Sprintf("%s %s order filled at %.4f (%v contracts)", symbol, row.OrderType, price, row.Contracts),
		})
	}
}

func (m *Monitor) processTPFill(ctx context.Context, client Exchange, uid, symbol, side string, level int, row position.MonitoredOrder, price float64, stale bool) {
	first, err := m.positions.MarkTPFilled(ctx, uid, symbol, side, level)
	if err != nil {
		m.log.Error().Err(err).Int("level", level).Msg("tp flag write failed")
		return
	}
	if !first {
		return // concurrent path already processed this fill
	}

	cfg, err := m.settings.Get(ctx, uid)
	if err != nil {
		m.log.Error().Err(err).Str("uid", uid).Msg("settings load failed on tp fill")
		return
	}
	pos, err := m.positions.Fetch(ctx, uid, symbol, side)
	if err != nil {
		m.log.Warn().Err(err).Msg("position fetch failed on tp fill")
		pos = nil
	}

	// Break-even ladder: TP1 -> entry, TP2 -> TP1, TP3 -> TP2.
	if pos != nil {
		var target float64
		switch {
		case level == 1 && cfg.UseBreakEven:
			target = pos.EntryPrice
		case level == 2 && cfg.UseBreakEvenTP2:
			target = tpPrice(pos, 1)
		case level == 3 && cfg.UseBreakEvenTP3:
			target = tpPrice(pos, 2)
		}
		if target > 0 {
			if err := m.moveSLTo(ctx, client, pos, target); err != nil {
				m.log.Error().Err(err).Float64("target", target).Msg("break-even sl move failed")
			}
		}

		// Trailing stop arms at its configured TP level.
		if cfg.TrailingStopActive && cfg.TrailingStartPoint == fmt.Sprintf("tp%d", level) {
			if err := m.trailing.Activate(ctx, client, pos, cfg, price); err != nil {
				m.log.Error().Err(err).Msg("trailing activation failed")
			}
		}
	}

	if !stale {
		m.tpq.Push(uid, symbol, side, level, func(fallback bool) {
			text := fmt.Sprintf("TP%d filled for %s %s at %.4f (%v contracts)", level, symbol, side, price, row.Contracts)
			msg := dispatch.Message{
				Category:  "tp",
				Symbol:    symbol,
				EventType: fmt.Sprintf("tp%d_execution", level),
				Text:      text,
			}
			if fallback {
				m.log.Warn().Str("uid", uid).Int("level", level).Msg("tp notification emitted out of order, predecessor missing")
			}
			if m.notifier != nil {
				_ = m.notifier.Notify(ctx, uid, msg)
			}
		})
	}

	// All enabled TPs done -> verify the position actually closed.
	if pos != nil && lastPlacedLevel(pos) == level {
		go m.verifyClosure(context.WithoutCancel(ctx), uid, symbol, side, "tp_complete")
	}
}

func tpPrice(pos *position.Position, level int) float64 {
	for _, tp := range pos.TPData {
		if tp.Level == level {
			return tp.Price
		}
	}
	return 0
}

// lastPlacedLevel returns the highest TP level that was actually placed.
func lastPlacedLevel(pos *position.Position) int {
	highest := 0
	for _, tp := range pos.TPData {
		if tp.Status != "inactive" && tp.Level > highest {
			highest = tp.Level
		}
	}
	return highest
}

func (m *Monitor) processSLFill(ctx context.Context, uid, symbol, side string, row position.MonitoredOrder, price float64, stale bool) {
	if err := m.trailing.Clear(ctx, uid, symbol, side); err != nil {
		m.log.Warn().Err(err).Msg("trailing clear on sl fill failed")
	}
	if !stale && m.notifier != nil {
		_ = m.notifier.Notify(ctx, uid, dispatch.Message{
			Category:  "sl",
			Symbol:    symbol,
			EventType: "sl_execution",
			Text:      fmt.Sprintf("Stop loss filled for %s %s at %.4f", symbol, side, price),
		})
	}
	go m.verifyClosure(context.WithoutCancel(ctx), uid, symbol, side, "sl")
}

// verifyClosure re-checks the side after a short delay and force-closes any
// remainder at market, then tears down side state.
func (m *Monitor) verifyClosure(ctx context.Context, uid, symbol, side, reason string) {
	time.Sleep(closureVerifDelay)

	client, err := m.pool.Acquire(ctx, uid)
	if err != nil {
		m.log.Error().Err(err).Str("uid", uid).Msg("closure verification: client acquire failed")
		return
	}
	defer m.pool.Release(uid, client)

	live, err := client.Positions(ctx, symbol)
	if err != nil {
		m.log.Error().Err(err).Msg("closure verification: position fetch failed")
		return
	}
	var remaining float64
	for _, p := range live {
		if string(p.PosSide) == side {
			remaining = p.Contracts
		}
	}
	price, _ := client.LastPrice(ctx, symbol)

	if remaining > 0 {
		m.log.Info().Str("uid", uid).Str("symbol", symbol).Str("side", side).
			Float64("remaining", remaining).Str("reason", reason).Msg("force-closing residual position")
		if _, err := client.PlaceOrder(ctx, okx.OrderRequest{
			InstID:     symbol,
			Side:       okx.PosSide(side).Opposite(),
			PosSide:    okx.PosSide(side),
			OrdType:    okx.OrdMarket,
			Size:       fmt.Sprintf("%v", remaining),
			ReduceOnly: true,
		}); err != nil {
			m.log.Error().Err(err).Msg("residual close failed")
			return
		}
	}
	m.finishClose(ctx, uid, symbol, side, reason, price)
}

// moveSLTo replaces the stop order at a new price for the break-even ladder.
// The trailing handler replaces its stop orders on its own path.
func (m *Monitor) moveSLTo(ctx context.Context, client Exchange, pos *position.Position, target float64) error {
	if pos.SLOrderID != "" {
		err := client.CancelAlgoOrders(ctx, []okx.AlgoCancel{{AlgoID: pos.SLOrderID, InstID: pos.Symbol}})
		if err != nil && !okx.IsNotFound(err) {
			return err
		}
		if row, err := m.orders.Get(ctx, pos.UID, pos.Symbol, pos.SLOrderID); err == nil && row != nil {
			row.Status = position.OrderCanceled
			if err := m.orders.Archive(ctx, *row); err != nil {
				m.log.Warn().Err(err).Msg("old sl archive failed")
			}
		}
		if err := m.positions.ClearSL(ctx, pos.UID, pos.Symbol, pos.Side); err != nil {
			return err
		}
	}

	live, err := client.Positions(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	var contracts float64
	for _, p := range live {
		if string(p.PosSide) == pos.Side {
			contracts = p.Contracts
		}
	}
	if contracts <= 0 {
		return nil
	}

	res, err := client.PlaceAlgoOrder(ctx, okx.AlgoOrderRequest{
		InstID:      pos.Symbol,
		Side:        okx.PosSide(pos.Side).Opposite(),
		PosSide:     okx.PosSide(pos.Side),
		OrdType:     okx.OrdConditional,
		Size:        fmt.Sprintf("%v", contracts),
		SlTriggerPx: fmt.Sprintf("%v", target),
		SlOrdPx:     "-1",
		ReduceOnly:  true,
	})
	if err != nil {
		return err
	}
	if err := m.positions.SetSL(ctx, pos.UID, pos.Symbol, pos.Side, target, res.AlgoID, contracts); err != nil {
		return err
	}
	return m.orders.Put(ctx, position.MonitoredOrder{
		UID: pos.UID, Symbol: pos.Symbol, OrderID: res.AlgoID,
		Status: position.OrderOpen, Price: target, PosSide: pos.Side,
		Contracts: contracts, Remain: contracts,
		OrderType: "break_even", OrderName: "break_even", IsAlgo: true,
	})
}

// reconcileMissing sweeps the exchange's recently-filled orders and drives a
// synthetic fill for anything that filled remotely while the local row
// vanished or stayed open.
func (m *Monitor) reconcileMissing(ctx context.Context, client Exchange, uid, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("missing-order sweep panicked")
		}
	}()

	begin := time.Now().Add(-missingOrderScan).UnixMilli()
	recent, err := client.RecentFilledOrders(ctx, symbol, begin)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("recent-order sweep failed")
		return
	}

	for _, detail := range recent {
		if detail.State != okx.StateFilled {
			continue
		}
		row, err := m.orders.Get(ctx, uid, symbol, detail.OrderID)
		if err != nil {
			continue
		}
		if row != nil {
			if row.IsTerminal() {
				continue
			}
			row.Status = position.OrderFilled
			row.Filled = detail.FillSize
			row.Remain = detail.Remaining()
			m.handleTerminal(ctx, client, uid, symbol, *row, detail)
			continue
		}
		// No local row: match against the position graph to classify.
		m.classifyOrphanFill(ctx, client, uid, symbol, detail)
	}
}

func (m *Monitor) classifyOrphanFill(ctx context.Context, client Exchange, uid, symbol string, detail okx.OrderDetail) {
	for _, side := range []string{"long", "short"} {
		pos, err := m.positions.Fetch(ctx, uid, symbol, side)
		if err != nil {
			continue
		}
		for _, tp := range pos.TPData {
			if tp.OrderID == detail.OrderID {
				row := position.MonitoredOrder{
					UID: uid, Symbol: symbol, OrderID: detail.OrderID,
					Status: position.OrderFilled, Price: tp.Price, PosSide: side,
					Contracts: tp.Contracts, Filled: detail.FillSize,
					OrderType: fmt.Sprintf("tp%d", tp.Level), OrderName: fmt.Sprintf("tp%d", tp.Level),
				}
				m.processFill(ctx, client, uid, symbol, row, detail)
				return
			}
		}
		if pos.SLOrderID != "" && (pos.SLOrderID == detail.OrderID || pos.SLOrderID == detail.AlgoID) {
			row := position.MonitoredOrder{
				UID: uid, Symbol: symbol, OrderID: pos.SLOrderID,
				Status: position.OrderFilled, Price: pos.SLPrice, PosSide: side,
				Contracts: pos.SLContracts, OrderType: "sl", OrderName: "sl", IsAlgo: true,
			}
			m.processFill(ctx, client, uid, symbol, row, detail)
			return
		}
	}
	m.log.Debug().Str("order_id", detail.OrderID).Msg("remote fill matches no local artefact")
}

var _ tpsl.RaceFillSink = (*Monitor)(nil)

package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"swap-core/internal/dispatch"
	"swap-core/internal/position"
	"swap-core/internal/settings"
	"swap-core/internal/strategy"
	"swap-core/internal/tpsl"
	"swap-core/pkg/okx"
	"swap-core/pkg/store"
)

const candleHistory = 120

// timeframeDuration maps the exchange bar notation onto a ticker period.
func timeframeDuration(tf string) time.Duration {
	switch strings.ToLower(tf) {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	default:
		return time.Minute
	}
}

// runCycles is the long-lived task body: one strategy cycle per timeframe
// tick, with the stop signal checked between steps.
func (c *Controller) runCycles(ctx context.Context, t *task, timeframe string) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("uid", t.uid).Str("symbol", t.symbol).Interface("panic", r).Msg("cycle task panicked")
			if err := c.store.Set(context.WithoutCancel(ctx), store.KeySymbolStatus(t.uid, t.symbol), StatusError, 0); err != nil {
				c.log.Warn().Err(err).Msg("error status write failed")
			}
		}
	}()

	if err := c.store.Set(ctx, store.KeyTaskRunning(t.uid), t.id, 0); err != nil {
		c.log.Warn().Err(err).Msg("task_running write failed")
	}

	interval := timeframeDuration(timeframe)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First cycle runs immediately; later ones follow the timeframe.
	for {
		if c.stopRequested(ctx, t.uid) {
			c.log.Info().Str("uid", t.uid).Str("symbol", t.symbol).Msg("stop signal observed, ending task")
			return
		}
		c.cycleOnce(ctx, t.uid, t.symbol, timeframe)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) stopRequested(ctx context.Context, uid string) bool {
	v, err := c.store.Get(ctx, store.KeyStopSignal(uid))
	if err != nil {
		return false
	}
	return v == "true"
}

// cycleOnce runs a single strategy cycle under the per-cycle lock.
func (c *Controller) cycleOnce(ctx context.Context, uid, symbol, timeframe string) {
	lockKey := store.KeyCycleLock(uid, symbol, timeframe)
	lockTTL := 2 * timeframeDuration(timeframe)
	ok, err := c.store.SetNX(ctx, lockKey, "1", lockTTL)
	if err != nil || !ok {
		if err != nil {
			c.log.Warn().Err(err).Msg("cycle lock acquire failed")
		}
		return // another cycle for this (uid, symbol, tf) is in flight
	}
	defer func() {
		if err := c.store.Del(context.WithoutCancel(ctx), lockKey); err != nil {
			c.log.Warn().Err(err).Str("key", lockKey).Msg("cycle lock release failed")
		}
	}()

	client, err := c.pool.Acquire(ctx, uid)
	if err != nil {
		c.log.Error().Err(err).Str("uid", uid).Msg("cycle: client acquire failed")
		return
	}
	defer c.pool.Release(uid, client)

	cfg, err := c.settings.Get(ctx, uid)
	if err != nil {
		c.log.Error().Err(err).Str("uid", uid).Msg("cycle: settings load failed")
		return
	}

	if c.stopRequested(ctx, uid) {
		return
	}

	state, err := c.buildMarketState(ctx, client, uid, symbol, timeframe, cfg)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("cycle: market state unavailable")
		return
	}

	sig := strategy.Decide(*state, cfg)
	if sig.Action == strategy.ActionHold {
		return
	}
	c.log.Info().Str("uid", uid).Str("symbol", symbol).Str("action", string(sig.Action)).
		Float64("rsi", sig.RSI).Str("note", sig.Note).Msg("cycle decision")

	if c.stopRequested(ctx, uid) {
		return
	}

	switch sig.Action {
	case strategy.ActionOpenLong, strategy.ActionOpenShort:
		side := "long"
		if sig.Action == strategy.ActionOpenShort {
			side = "short"
		}
		c.openEntry(ctx, client, uid, symbol, side, timeframe, cfg, state.Price, false)
	case strategy.ActionDCALong, strategy.ActionDCAShort:
		side := "long"
		if sig.Action == strategy.ActionDCAShort {
			side = "short"
		}
		c.openEntry(ctx, client, uid, symbol, side, timeframe, cfg, state.Price, true)
	case strategy.ActionCloseLong, strategy.ActionCloseShort:
		side := "long"
		if sig.Action == strategy.ActionCloseShort {
			side = "short"
		}
		c.closeSide(ctx, client, uid, symbol, side, timeframe, state.Price, "trend_close")
	}
}

func (c *Controller) buildMarketState(ctx context.Context, client *okx.Client, uid, symbol, timeframe string, cfg settings.Settings) (*strategy.MarketState, error) {
	candles, err := client.Candles(ctx, symbol, timeframe, candleHistory)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles for %s", symbol)
	}
	closes := make([]float64, 0, len(candles))
	for i := len(candles) - 1; i >= 0; i-- { // exchange returns newest first
		closes = append(closes, candles[i].Close)
	}

	var trendCloses []float64
	if cfg.UseTrendLogic {
		trendCandles, err := client.Candles(ctx, symbol, cfg.TrendTimeframe, candleHistory)
		if err != nil {
			c.log.Warn().Err(err).Msg("trend candles unavailable")
		} else {
			for i := len(trendCandles) - 1; i >= 0; i-- {
				trendCloses = append(trendCloses, trendCandles[i].Close)
			}
		}
	}

	state := &strategy.MarketState{
		Closes:      closes,
		TrendCloses: trendCloses,
		Price:       closes[len(closes)-1],
	}

	if long, err := c.positions.Fetch(ctx, uid, symbol, "long"); err == nil {
		state.HasLong = true
		state.LongEntry = long.EntryPrice
		state.LongDCACount = long.DCACount
	}
	if short, err := c.positions.Fetch(ctx, uid, symbol, "short"); err == nil {
		state.HasShort = true
		state.ShortEntry = short.EntryPrice
		state.ShortDCACount = short.DCACount
	}
	return state, nil
}

// openEntry places the market entry, refreshes the position row from the
// exchange and reconciles the TP/SL graph.
func (c *Controller) openEntry(ctx context.Context, client *okx.Client, uid, symbol, side, timeframe string, cfg settings.Settings, price float64, isDCA bool) {
	if !isDCA {
		if cooling, _ := c.positions.InCooldown(ctx, uid, symbol, side); cooling {
			c.log.Debug().Str("uid", uid).Str("symbol", symbol).Str("side", side).Msg("entry suppressed by cooldown")
			return
		}
	}

	inst, err := client.Instrument(ctx, symbol)
	if err != nil {
		c.log.Error().Err(err).Msg("entry: instrument specs unavailable")
		return
	}
	contracts, err := c.entryContracts(ctx, client, symbol, cfg, price, inst, isDCA)
	if err != nil || contracts <= 0 {
		c.log.Warn().Err(err).Float64("contracts", contracts).Msg("entry sizing came up empty")
		return
	}

	if err := client.SetLeverage(ctx, symbol, cfg.Leverage, okx.PosSide(side)); err != nil {
		c.log.Warn().Err(err).Int("leverage", cfg.Leverage).Msg("set leverage failed")
	}

	entrySide := okx.SideBuy
	if side == "short" {
		entrySide = okx.SideSell
	}
	if _, err := client.PlaceOrder(ctx, okx.OrderRequest{
		InstID:  symbol,
		Side:    entrySide,
		PosSide: okx.PosSide(side),
		OrdType: okx.OrdMarket,
		Size:    strconv.FormatFloat(contracts, 'f', -1, 64),
	}); err != nil {
		c.log.Error().Err(err).Str("side", side).Msg("entry order failed")
		if c.notifier != nil {
			_ = c.notifier.Notify(ctx, uid, dispatch.Message{
				Category: "error", Symbol: symbol, EventType: "entry_failed",
				Text: fmt.Sprintf("Entry failed for %s %s: %v", symbol, side, err),
			})
		}
		return
	}

	// Pull the post-fill truth from the exchange.
	live, err := client.Positions(ctx, symbol)
	if err != nil {
		c.log.Error().Err(err).Msg("entry: live position fetch failed")
		return
	}
	var lp *okx.Position
	for i := range live {
		if string(live[i].PosSide) == side && live[i].Contracts > 0 {
			lp = &live[i]
		}
	}
	if lp == nil {
		c.log.Warn().Str("symbol", symbol).Str("side", side).Msg("entry fill not visible yet")
		return
	}

	dcaCount := 1
	if isDCA {
		if prev, err := c.positions.Fetch(ctx, uid, symbol, side); err == nil {
			dcaCount = prev.DCACount + 1
		}
		if err := c.positions.UpdateEntry(ctx, uid, symbol, side, lp.AvgPrice, lp.Contracts, lp.Contracts*inst.CtVal, dcaCount); err != nil {
			c.log.Error().Err(err).Msg("dca row update failed")
			return
		}
	} else {
		if err := c.positions.Create(ctx, &position.Position{
			UID: uid, Symbol: symbol, Side: side,
			EntryPrice: lp.AvgPrice, Contracts: lp.Contracts,
			PositionQty: lp.Contracts * inst.CtVal,
			Leverage:    float64(cfg.Leverage), DCACount: 1,
			MainDirection: side,
		}); err != nil {
			c.log.Error().Err(err).Msg("position row create failed")
			return
		}
	}
	if chatID := c.resolver.ToChatID(ctx, uid); chatID != "" {
		if err := c.store.Set(ctx, store.KeyLastTrade(chatID), strconv.FormatInt(time.Now().Unix(), 10), 0); err != nil {
			c.log.Warn().Err(err).Msg("last trade stamp failed")
		}
	}

	pos, err := c.positions.Fetch(ctx, uid, symbol, side)
	if err != nil {
		c.log.Error().Err(err).Msg("position refetch failed")
		return
	}

	atr := c.currentATR(ctx, client, symbol, timeframe, cfg)
	if err := c.engine.Reconcile(ctx, client, pos, cfg, tpsl.Options{
		IsDCA:        isDCA,
		ATR:          atr,
		CurrentPrice: price,
	}); err != nil && err != tpsl.ErrReconcileBusy {
		c.log.Error().Err(err).Msg("tp/sl reconcile failed after entry")
	}

	if c.notifier != nil {
		event := "entry_execution"
		if isDCA {
			event = "dca_execution"
		}
		_ = c.notifier.Notify(ctx, uid, dispatch.Message{
			Category: "entry", Symbol: symbol, EventType: event,
			Text: fmt.Sprintf("%s %s entry at %.4f (%v contracts, DCA %d)", symbol, side, lp.AvgPrice, lp.Contracts, dcaCount),
		})
	}

	if isDCA {
		c.maybeOpenHedge(ctx, client, uid, symbol, side, dcaCount, price)
	}
}

// maybeOpenHedge opens the dual-side hedge when the DCA count reaches the
// configured trigger.
func (c *Controller) maybeOpenHedge(ctx context.Context, client *okx.Client, uid, symbol, side string, dcaCount int, price float64) {
	dual, err := c.settings.GetDualSide(ctx, uid)
	if err != nil || !dual.UseDualSideEntry || dcaCount < dual.TriggerDCACount {
		return
	}
	hedgeSide := "short"
	if side == "short" {
		hedgeSide = "long"
	}
	if _, err := c.positions.Fetch(ctx, uid, symbol, hedgeSide); err == nil {
		return // hedge already open
	}
	pos, err := c.positions.Fetch(ctx, uid, symbol, side)
	if err != nil {
		return
	}

	inst, err := client.Instrument(ctx, symbol)
	if err != nil {
		return
	}
	contracts := pos.Contracts * dual.RatioValue / 100
	if lot := inst.LotSize; lot > 0 {
		contracts = float64(int(contracts/lot)) * lot
	}
	if contracts <= 0 {
		return
	}

	entrySide := okx.SideSell
	if hedgeSide == "long" {
		entrySide = okx.SideBuy
	}
	if _, err := client.PlaceOrder(ctx, okx.OrderRequest{
		InstID:  symbol,
		Side:    entrySide,
		PosSide: okx.PosSide(hedgeSide),
		OrdType: okx.OrdMarket,
		Size:    strconv.FormatFloat(contracts, 'f', -1, 64),
	}); err != nil {
		c.log.Error().Err(err).Msg("hedge entry failed")
		return
	}

	hedge := &position.Position{
		UID: uid, Symbol: symbol, Side: hedgeSide,
		EntryPrice: price, Contracts: contracts,
		PositionQty: contracts * inst.CtVal,
		IsHedge:     true, DCACount: 1, MainDirection: side,
	}
	if err := c.positions.Create(ctx, hedge); err != nil {
		c.log.Error().Err(err).Msg("hedge row create failed")
		return
	}
	if err := c.store.HSet(ctx, store.KeyPosition(uid, symbol, hedgeSide), "is_hedge", "true"); err != nil {
		c.log.Warn().Err(err).Msg("hedge flag write failed")
	}

	tp := price * (1 - dual.TPValue/100)
	sl := price * (1 + dual.SLValue/100)
	if hedgeSide == "long" {
		tp = price * (1 + dual.TPValue/100)
		sl = price * (1 - dual.SLValue/100)
	}
	cfg, _ := c.settings.Get(ctx, uid)
	if err := c.engine.Reconcile(ctx, client, hedge, cfg, tpsl.Options{
		IsHedge:      true,
		CurrentPrice: price,
		HedgeTP:      tp,
		HedgeSL:      sl,
		DualSideSL:   dual.SLValue > 0,
	}); err != nil && err != tpsl.ErrReconcileBusy {
		c.log.Error().Err(err).Msg("hedge tp/sl reconcile failed")
	}
}

func (c *Controller) closeSide(ctx context.Context, client *okx.Client, uid, symbol, side, timeframe string, price float64, reason string) {
	pos, err := c.positions.Fetch(ctx, uid, symbol, side)
	if err != nil {
		return
	}
	if _, err := client.CancelAllAlgo(ctx, symbol, okx.PosSide(side), okx.OrdConditional); err != nil {
		c.log.Warn().Err(err).Msg("algo cancel before close failed")
	}
	for _, tp := range pos.TPData {
		if tp.OrderID != "" && tp.Status == "active" {
			if err := client.CancelOrder(ctx, symbol, tp.OrderID); err != nil && !okx.IsNotFound(err) {
				c.log.Warn().Err(err).Str("order_id", tp.OrderID).Msg("tp cancel before close failed")
			}
		}
	}
	if _, err := client.PlaceOrder(ctx, okx.OrderRequest{
		InstID:     symbol,
		Side:       okx.PosSide(side).Opposite(),
		PosSide:    okx.PosSide(side),
		OrdType:    okx.OrdMarket,
		Size:       strconv.FormatFloat(pos.Contracts, 'f', -1, 64),
		ReduceOnly: true,
	}); err != nil {
		c.log.Error().Err(err).Msg("close order failed")
		return
	}
	if err := c.positions.ClearSide(ctx, uid, symbol, side, timeframe, reason, price); err != nil {
		c.log.Error().Err(err).Msg("clear side after close failed")
	}
	cfg, err := c.settings.Get(ctx, uid)
	if err == nil && cfg.UseCooldown {
		if err := c.positions.SetCooldown(ctx, uid, symbol, side, time.Duration(cfg.CooldownTime)*time.Second); err != nil {
			c.log.Warn().Err(err).Msg("cooldown arm failed")
		}
	}
	if c.notifier != nil {
		_ = c.notifier.Notify(ctx, uid, dispatch.Message{
			Category: "exit", Symbol: symbol, EventType: "position_close",
			Text: fmt.Sprintf("%s %s closed at %.4f (%s)", symbol, side, price, reason),
		})
	}
}

// entryContracts converts the configured investment into contract units.
func (c *Controller) entryContracts(ctx context.Context, client *okx.Client, symbol string, cfg settings.Settings, price float64, inst okx.Instrument, isDCA bool) (float64, error) {
	if price <= 0 || inst.CtVal <= 0 {
		return 0, fmt.Errorf("bad pricing inputs for %s", symbol)
	}

	investment := c.investmentFor(symbol, cfg)
	var notional float64
	switch cfg.EntryAmountOption {
	case "percent":
		bal, err := client.Balance(ctx, "USDT")
		if err != nil {
			return 0, err
		}
		notional = bal.Available * investment / 100 * float64(cfg.Leverage)
	case "count":
		contracts := investment
		if isDCA {
			contracts *= cfg.EntryMultiplier
		}
		return roundToLot(contracts, inst.LotSize), nil
	default: // usdt
		notional = investment * float64(cfg.Leverage)
	}
	if isDCA {
		notional *= cfg.EntryMultiplier
	}

	contracts := notional / (price * inst.CtVal)
	return roundToLot(contracts, inst.LotSize), nil
}

func (c *Controller) investmentFor(symbol string, cfg settings.Settings) float64 {
	if v, ok := cfg.SymbolInvestments[symbol]; ok && v > 0 {
		return v
	}
	switch {
	case strings.HasPrefix(symbol, "BTC-"):
		return cfg.BTCInvestment
	case strings.HasPrefix(symbol, "ETH-"):
		return cfg.ETHInvestment
	case strings.HasPrefix(symbol, "SOL-"):
		return cfg.SOLInvestment
	default:
		return cfg.BTCInvestment
	}
}

func (c *Controller) currentATR(ctx context.Context, client *okx.Client, symbol, timeframe string, cfg settings.Settings) float64 {
	if cfg.TPOption != "ATR 기준" && cfg.SLOption != "ATR 기준" {
		return 0
	}
	candles, err := client.Candles(ctx, symbol, timeframe, candleHistory)
	if err != nil || len(candles) == 0 {
		return 0
	}
	highs := make([]float64, 0, len(candles))
	lows := make([]float64, 0, len(candles))
	closes := make([]float64, 0, len(candles))
	for i := len(candles) - 1; i >= 0; i-- {
		highs = append(highs, candles[i].High)
		lows = append(lows, candles[i].Low)
		closes = append(closes, candles[i].Close)
	}
	return strategy.ATR(highs, lows, closes, 14)
}

func roundToLot(v, lot float64) float64 {
	if lot <= 0 {
		return v
	}
	return float64(int(v/lot)) * lot
}

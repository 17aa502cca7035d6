package tpsl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"swap-core/internal/position"
	"swap-core/internal/settings"
	"swap-core/pkg/okx"
	"swap-core/pkg/store"
)

// ErrReconcileBusy means another reconciliation holds the per-position mutex;
// the caller retries on the next cycle or monitor tick.
var ErrReconcileBusy = errors.New("tpsl: reconcile already in progress")

const reconcileLockTTL = 30 * time.Second

// Exchange is the slice of the OKX client the engine drives.
type Exchange interface {
	PlaceOrder(ctx context.Context, req okx.OrderRequest) (okx.OrderResult, error)
	PlaceAlgoOrder(ctx context.Context, req okx.AlgoOrderRequest) (okx.OrderResult, error)
	CancelOrder(ctx context.Context, instID, orderID string) error
	CancelAlgoOrders(ctx context.Context, batch []okx.AlgoCancel) error
	FetchOrder(ctx context.Context, instID, orderID string, isAlgo bool) (okx.OrderDetail, error)
	Positions(ctx context.Context, instIDs ...string) ([]okx.Position, error)
	Instrument(ctx context.Context, instID string) (okx.Instrument, error)
}

// RaceFillSink consumes an order that filled inside the cancel race window of
// a DCA replacement. The monitor's fill pipeline implements this; each such
// fill must be handled exactly once.
type RaceFillSink interface {
	HandleRaceFill(ctx context.Context, uid, symbol, side string, m position.MonitoredOrder, detail okx.OrderDetail)
}

// Options modulate one reconcile call.
type Options struct {
	IsDCA        bool
	IsHedge      bool
	ATR          float64
	CurrentPrice float64
	HedgeTP      float64
	HedgeSL      float64
	DualSideSL   bool
}

// Engine recomputes and places the TP/SL order graph for a position snapshot.
type Engine struct {
	store     *store.Store
	positions *position.Repository
	orders    *position.Orders
	fills     RaceFillSink // optional
	log       zerolog.Logger
}

func NewEngine(s *store.Store, pos *position.Repository, orders *position.Orders, log zerolog.Logger) *Engine {
	return &Engine{store: s, positions: pos, orders: orders, log: log}
}

// SetRaceFillSink wires the monitor's fill pipeline for DCA race handling.
func (e *Engine) SetRaceFillSink(sink RaceFillSink) { e.fills = sink }

// Reconcile brings the live TP/SL orders in line with the position snapshot
// and the user's settings. Two concurrent calls for the same position are
// serialised by a store-side mutex: the loser returns ErrReconcileBusy.
func (e *Engine) Reconcile(ctx context.Context, client Exchange, pos *position.Position, cfg settings.Settings, opts Options) error {
	lockKey := store.KeyReconcileLock(pos.UID, pos.Symbol)
	ok, err := e.store.SetNX(ctx, lockKey, pos.Side, reconcileLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReconcileBusy
	}
	defer func() {
		if err := e.store.Del(context.WithoutCancel(ctx), lockKey); err != nil {
			e.log.Warn().Err(err).Str("key", lockKey).Msg("reconcile lock release failed")
		}
	}()

	switch {
	case opts.IsHedge:
		return e.placeHedge(ctx, client, pos, opts)
	case opts.IsDCA:
		return e.replaceAfterDCA(ctx, client, pos, cfg, opts)
	default:
		return e.placeInitial(ctx, client, pos, cfg, opts)
	}
}

// placeInitial runs the entry placement path: TP ladder then SL.
func (e *Engine) placeInitial(ctx context.Context, client Exchange, pos *position.Position, cfg settings.Settings, opts Options) error {
	inst, err := client.Instrument(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("tpsl: instrument specs: %w", err)
	}

	prices := ComputeTPPrices(pos.EntryPrice, cfg, pos.Side, opts.ATR)

	// Active level count: a trailing stop activating at tpK leaves the later
	// levels as inactive graph entries.
	activeThrough := 3
	if cfg.TrailingStopActive {
		switch cfg.TrailingStartPoint {
		case "tp1":
			activeThrough = 1
		case "tp2":
			activeThrough = 2
		}
	}

	var ratios []float64
	var levels []int
	use := [3]bool{cfg.UseTP1, cfg.UseTP2, cfg.UseTP3}
	ratioVals := [3]float64{cfg.TP1Ratio, cfg.TP2Ratio, cfg.TP3Ratio}
	for i := 0; i < 3; i++ {
		if use[i] && i < activeThrough {
			ratios = append(ratios, ratioVals[i])
			levels = append(levels, i+1)
		}
	}

	allocs := SplitSizes(pos.Contracts, ratios, levels, inst)
	graph := make([]position.TPLevel, 0, 3)
	allocated := make(map[int]Allocation, len(allocs))
	for _, a := range allocs {
		allocated[a.Level] = a
	}

	closeSide := okx.PosSide(pos.Side).Opposite()
	for level := 1; level <= 3; level++ {
		price := prices[level-1]
		alloc, active := allocated[level]
		if !active {
			if use[level-1] {
				graph = append(graph, position.TPLevel{Level: level, Price: price, Status: "inactive"})
			}
			continue
		}

		res, err := client.PlaceOrder(ctx, okx.OrderRequest{
			InstID:     pos.Symbol,
			Side:       closeSide,
			PosSide:    okx.PosSide(pos.Side),
			OrdType:    okx.OrdLimit,
			Size:       formatSize(alloc.Contracts),
			Price:      formatPrice(price),
			ReduceOnly: true,
		})
		if err != nil {
			// A partially placed ladder is left for the next reconcile; the
			// graph rows written so far stay accurate.
			if len(graph) > 0 {
				if werr := e.positions.SetTPGraph(ctx, pos.UID, pos.Symbol, pos.Side, graph); werr != nil {
					e.log.Error().Err(werr).Msg("tp graph partial write failed")
				}
			}
			return fmt.Errorf("tpsl: place tp%d: %w", level, err)
		}

		name := fmt.Sprintf("tp%d", level)
		graph = append(graph, position.TPLevel{
			Level: level, Price: price, Status: "active",
			OrderID: res.OrderID, Contracts: alloc.Contracts,
		})
		if err := e.orders.Put(ctx, position.MonitoredOrder{
			UID: pos.UID, Symbol: pos.Symbol, OrderID: res.OrderID,
			Status: position.OrderOpen, Price: price, PosSide: pos.Side,
			Contracts: alloc.Contracts, Remain: alloc.Contracts,
			OrderType: name, OrderName: name,
			PositionQty: pos.PositionQty, IsHedge: pos.IsHedge,
		}); err != nil {
			e.log.Error().Err(err).Str("order_id", res.OrderID).Msg("monitored row write failed")
		}
		e.log.Info().Str("uid", pos.UID).Str("symbol", pos.Symbol).Str("side", pos.Side).
			Int("level", level).Float64("price", price).Float64("contracts", alloc.Contracts).
			Msg("tp order placed")
	}

	if err := e.positions.SetTPGraph(ctx, pos.UID, pos.Symbol, pos.Side, graph); err != nil {
		return err
	}

	if !cfg.UseSL {
		return nil
	}
	// "Only on last DCA": skip until the position has burned through the
	// pyramiding budget.
	if cfg.UseSLOnLast && pos.DCACount+1 < cfg.PyramidingLimit {
		e.log.Debug().Str("uid", pos.UID).Int("dca", pos.DCACount).Msg("sl deferred until last dca")
		return nil
	}
	return e.placeSL(ctx, client, pos, ComputeSLPrice(pos.EntryPrice, cfg, pos.Side, opts.ATR), pos.Contracts)
}

func (e *Engine) placeSL(ctx context.Context, client Exchange, pos *position.Position, slPrice, contracts float64) error {
	res, err := client.PlaceAlgoOrder(ctx, okx.AlgoOrderRequest{
		InstID:      pos.Symbol,
		Side:        okx.PosSide(pos.Side).Opposite(),
		PosSide:     okx.PosSide(pos.Side),
		OrdType:     okx.OrdConditional,
		Size:        formatSize(contracts),
		SlTriggerPx: formatPrice(slPrice),
		SlOrdPx:     "-1",
		ReduceOnly:  true,
	})
	if err != nil {
		return fmt.Errorf("tpsl: place sl: %w", err)
	}
	if err := e.positions.SetSL(ctx, pos.UID, pos.Symbol, pos.Side, slPrice, res.AlgoID, contracts); err != nil {
		return err
	}
	if err := e.orders.Put(ctx, position.MonitoredOrder{
		UID: pos.UID, Symbol: pos.Symbol, OrderID: res.AlgoID,
		Status: position.OrderOpen, Price: slPrice, PosSide: pos.Side,
		Contracts: contracts, Remain: contracts,
		OrderType: "sl", OrderName: "sl", IsAlgo: true,
		PositionQty: pos.PositionQty, IsHedge: pos.IsHedge,
	}); err != nil {
		e.log.Error().Err(err).Str("algo_id", res.AlgoID).Msg("monitored sl row write failed")
	}
	e.log.Info().Str("uid", pos.UID).Str("symbol", pos.Symbol).Str("side", pos.Side).
		Float64("sl_price", slPrice).Msg("sl order placed")
	return nil
}

// replaceAfterDCA cancels the existing graph, then reruns the initial path
// with the refreshed average entry and size. Cancellation strictly precedes
// placement; a failure in between leaves a state the next reconcile repairs.
func (e *Engine) replaceAfterDCA(ctx context.Context, client Exchange, pos *position.Position, cfg settings.Settings, opts Options) error {
	if err := e.cancelExisting(ctx, client, pos); err != nil {
		return err
	}
	if err := e.positions.ClearTPSL(ctx, pos.UID, pos.Symbol, pos.Side); err != nil {
		return err
	}

	fresh, err := e.positions.FetchLive(ctx, client, pos.UID, pos.Symbol, pos.Side)
	if err != nil {
		return fmt.Errorf("tpsl: refetch after dca: %w", err)
	}
	if fresh.Contracts <= 0 {
		e.log.Warn().Str("uid", pos.UID).Str("symbol", pos.Symbol).Msg("position gone during dca replacement")
		return nil
	}
	opts.IsDCA = false
	return e.placeInitial(ctx, client, fresh, cfg, opts)
}

// cancelExisting cancels every TP order and the SL order of the side. Each
// cancel is preceded by a just-in-time fetch: an order that filled inside the
// race window is handed to the fill sink instead of being cancelled.
func (e *Engine) cancelExisting(ctx context.Context, client Exchange, pos *position.Position) error {
	for _, tp := range pos.TPData {
		if tp.OrderID == "" || tp.Status != "active" {
			continue
		}
		detail, err := client.FetchOrder(ctx, pos.Symbol, tp.OrderID, false)
		if err == nil && detail.State == okx.StateFilled {
			e.forwardRaceFill(ctx, pos, tp.OrderID, fmt.Sprintf("tp%d", tp.Level), detail)
			continue
		}
		if err := client.CancelOrder(ctx, pos.Symbol, tp.OrderID); err != nil {
			if okx.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("tpsl: cancel tp%d %s: %w", tp.Level, tp.OrderID, err)
		}
		e.markCanceled(ctx, pos, tp.OrderID)
	}

	if pos.SLOrderID != "" {
		detail, err := client.FetchOrder(ctx, pos.Symbol, pos.SLOrderID, true)
		if err == nil && detail.State == okx.StateFilled {
			e.forwardRaceFill(ctx, pos, pos.SLOrderID, "sl", detail)
			return nil
		}
		err = client.CancelAlgoOrders(ctx, []okx.AlgoCancel{{AlgoID: pos.SLOrderID, InstID: pos.Symbol}})
		if err != nil && !okx.IsNotFound(err) {
			return fmt.Errorf("tpsl: cancel sl %s: %w", pos.SLOrderID, err)
		}
		e.markCanceled(ctx, pos, pos.SLOrderID)
		if err := e.positions.ClearSL(ctx, pos.UID, pos.Symbol, pos.Side); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) forwardRaceFill(ctx context.Context, pos *position.Position, orderID, orderType string, detail okx.OrderDetail) {
	e.log.Info().Str("uid", pos.UID).Str("order_id", orderID).Str("type", orderType).
		Msg("order filled inside cancel race window")
	if e.fills == nil {
		return
	}
	row, err := e.orders.Get(ctx, pos.UID, pos.Symbol, orderID)
	if err != nil || row == nil {
		row = &position.MonitoredOrder{
			UID: pos.UID, Symbol: pos.Symbol, OrderID: orderID,
			OrderType: orderType, OrderName: orderType, PosSide: pos.Side,
			Price: detail.Price, Contracts: detail.Size,
		}
	}
	e.fills.HandleRaceFill(ctx, pos.UID, pos.Symbol, pos.Side, *row, detail)
}

func (e *Engine) markCanceled(ctx context.Context, pos *position.Position, orderID string) {
	row, err := e.orders.Get(ctx, pos.UID, pos.Symbol, orderID)
	if err != nil || row == nil {
		return
	}
	row.Status = position.OrderCanceled
	if err := e.orders.Archive(ctx, *row); err != nil {
		e.log.Warn().Err(err).Str("order_id", orderID).Msg("archive after cancel failed")
	}
}

// placeHedge places the dual-side TP (full size) and optionally its SL.
func (e *Engine) placeHedge(ctx context.Context, client Exchange, pos *position.Position, opts Options) error {
	if opts.HedgeTP <= 0 {
		return errors.New("tpsl: hedge requires a tp price")
	}
	closeSide := okx.PosSide(pos.Side).Opposite()
	res, err := client.PlaceOrder(ctx, okx.OrderRequest{
		InstID:     pos.Symbol,
		Side:       closeSide,
		PosSide:    okx.PosSide(pos.Side),
		OrdType:    okx.OrdLimit,
		Size:       formatSize(pos.Contracts),
		Price:      formatPrice(opts.HedgeTP),
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("tpsl: place hedge tp: %w", err)
	}
	graph := []position.TPLevel{{Level: 1, Price: opts.HedgeTP, Status: "active", OrderID: res.OrderID, Contracts: pos.Contracts}}
	if err := e.positions.SetTPGraph(ctx, pos.UID, pos.Symbol, pos.Side, graph); err != nil {
		return err
	}
	if err := e.orders.Put(ctx, position.MonitoredOrder{
		UID: pos.UID, Symbol: pos.Symbol, OrderID: res.OrderID,
		Status: position.OrderOpen, Price: opts.HedgeTP, PosSide: pos.Side,
		Contracts: pos.Contracts, Remain: pos.Contracts,
		OrderType: "tp1", OrderName: "tp1", IsHedge: true,
	}); err != nil {
		e.log.Error().Err(err).Msg("monitored hedge tp row write failed")
	}

	if !opts.DualSideSL || opts.HedgeSL <= 0 {
		return nil
	}
	return e.placeSL(ctx, client, pos, opts.HedgeSL, pos.Contracts)
}

func formatSize(v float64) string  { return strconv.FormatFloat(v, 'f', -1, 64) }
func formatPrice(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

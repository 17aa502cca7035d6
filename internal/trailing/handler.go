// Package trailing tracks high/low watermarks for positions whose trailing
// stop has been armed, pushes throttled SL updates to the exchange, and
// closes the position when the stop is breached.
package trailing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"swap-core/internal/dispatch"
	"swap-core/internal/position"
	"swap-core/internal/settings"
	"swap-core/pkg/okx"
	"swap-core/pkg/store"
)

const (
	// RecordTTL is the safety bound on trailing records.
	RecordTTL = 7 * 24 * time.Hour
	// slPushInterval throttles exchange-side SL updates per record.
	slPushInterval = time.Hour
)

// Exchange is the client slice the handler drives.
type Exchange interface {
	PlaceOrder(ctx context.Context, req okx.OrderRequest) (okx.OrderResult, error)
	PlaceAlgoOrder(ctx context.Context, req okx.AlgoOrderRequest) (okx.OrderResult, error)
	CancelAlgoOrders(ctx context.Context, batch []okx.AlgoCancel) error
	Positions(ctx context.Context, instIDs ...string) ([]okx.Position, error)
}

// Record is one trailing-stop tracking row.
type Record struct {
	UID          string
	Symbol       string
	Side         string // long | short
	Active       bool
	EntryPrice   float64
	Contracts    float64
	Offset       float64 // absolute price offset
	HighestPrice float64 // long watermark
	LowestPrice  float64 // short watermark
	StopPrice    float64
	SLOrderID    string
	Leverage     float64
	StartTime    int64
	LastSLUpdate int64 // unix seconds of the last exchange push
}

// Handler owns trailing records.
type Handler struct {
	store     *store.Store
	positions *position.Repository
	notifier  dispatch.Notifier
	log       zerolog.Logger
}

func NewHandler(s *store.Store, pos *position.Repository, notifier dispatch.Notifier, log zerolog.Logger) *Handler {
	return &Handler{store: s, positions: pos, notifier: notifier, log: log}
}

// Activate arms a trailing stop after its trigger event (typically the
// configured TP level filling). The offset is a fixed percent of the current
// price, or the TP2-TP3 gap when that mode is set and both levels exist.
func (h *Handler) Activate(ctx context.Context, client Exchange, pos *position.Position, cfg settings.Settings, currentPrice float64) error {
	if !cfg.TrailingStopActive {
		return nil
	}
	if currentPrice <= 0 {
		return fmt.Errorf("trailing: no current price for %s", pos.Symbol)
	}

	offset := currentPrice * cfg.TrailingStopOffsetValue / 100
	if cfg.UseTrailingTP2TP3Diff || cfg.TrailingStopType == "TP2-TP3 차이 기준" {
		var tp2, tp3 float64
		for _, tp := range pos.TPData {
			switch tp.Level {
			case 2:
				tp2 = tp.Price
			case 3:
				tp3 = tp.Price
			}
		}
		if tp2 > 0 && tp3 > 0 {
			offset = tp3 - tp2
			if offset < 0 {
				offset = -offset
			}
		}
	}

	rec := Record{
		UID:        pos.UID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Active:     true,
		EntryPrice: pos.EntryPrice,
		Contracts:  pos.Contracts,
		Offset:     offset,
		SLOrderID:  pos.SLOrderID,
		Leverage:   pos.Leverage,
		StartTime:  time.Now().Unix(),
	}
	if pos.Side == "long" {
		rec.HighestPrice = currentPrice
		rec.StopPrice = currentPrice - offset
	} else {
		rec.LowestPrice = currentPrice
		rec.StopPrice = currentPrice + offset
	}

	key := store.KeyTrailing(pos.UID, pos.Symbol, pos.Side)
	if err := h.store.HSetMap(ctx, key, encode(rec)); err != nil {
		return err
	}
	if err := h.store.Expire(ctx, key, RecordTTL); err != nil {
		h.log.Warn().Err(err).Str("key", key).Msg("trailing ttl set failed")
	}

	// Mirror onto the position row while it still exists.
	if exists, _ := h.store.Exists(ctx, store.KeyPosition(pos.UID, pos.Symbol, pos.Side)); exists {
		if err := h.positions.SetSLPrice(ctx, pos.UID, pos.Symbol, pos.Side, rec.StopPrice); err != nil {
			h.log.Warn().Err(err).Msg("position sl mirror failed")
		}
		if err := h.positions.SetTrailingActive(ctx, pos.UID, pos.Symbol, pos.Side, true); err != nil {
			h.log.Warn().Err(err).Msg("position trailing flag failed")
		}
	}

	if err := h.pushSL(ctx, client, &rec); err != nil {
		h.log.Error().Err(err).Str("uid", pos.UID).Msg("initial trailing sl push failed")
	} else if err := h.store.HSet(ctx, key, "last_sl_update", strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		h.log.Warn().Err(err).Str("key", key).Msg("last_sl_update write failed")
	}

	if h.notifier != nil {
		_ = h.notifier.Notify(ctx, pos.UID, dispatch.Message{
			Category:  "tp",
			Symbol:    pos.Symbol,
			EventType: "trailing_stop_activation",
			Text: fmt.Sprintf("Trailing stop armed for %s %s\noffset %.4f, initial stop %.4f",
				pos.Symbol, pos.Side, offset, rec.StopPrice),
		})
	}
	h.log.Info().Str("uid", pos.UID).Str("symbol", pos.Symbol).Str("side", pos.Side).
		Float64("offset", offset).Float64("stop", rec.StopPrice).Msg("trailing stop activated")
	return nil
}

// Tick updates the watermark with the current price and fires the close when
// the stop is breached. Exchange SL pushes are throttled to once per hour per
// record regardless of how often the watermark moves.
func (h *Handler) Tick(ctx context.Context, client Exchange, uid, symbol, side string, currentPrice float64) (bool, error) {
	key := store.KeyTrailing(uid, symbol, side)
	fields, err := h.store.HGetAll(ctx, key)
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, nil
	}
	rec := decode(uid, symbol, side, fields)
	if !rec.Active {
		return false, h.store.Del(ctx, key)
	}

	moved := false
	if side == "long" {
		if currentPrice > rec.HighestPrice {
			rec.HighestPrice = currentPrice
			rec.StopPrice = rec.HighestPrice - rec.Offset
			moved = true
		}
		if currentPrice <= rec.StopPrice {
			return true, h.trigger(ctx, client, &rec, currentPrice)
		}
	} else {
		if rec.LowestPrice == 0 || currentPrice < rec.LowestPrice {
			rec.LowestPrice = currentPrice
			rec.StopPrice = rec.LowestPrice + rec.Offset
			moved = true
		}
		if currentPrice >= rec.StopPrice {
			return true, h.trigger(ctx, client, &rec, currentPrice)
		}
	}

	if !moved {
		return false, nil
	}

	updates := map[string]string{
		"trailing_stop_price": formatF(rec.StopPrice),
		"last_updated":        strconv.FormatInt(time.Now().Unix(), 10),
	}
	if side == "long" {
		updates["highest_price"] = formatF(rec.HighestPrice)
	} else {
		updates["lowest_price"] = formatF(rec.LowestPrice)
	}
	if err := h.store.HSetMap(ctx, key, updates); err != nil {
		return false, err
	}
	if exists, _ := h.store.Exists(ctx, store.KeyPosition(uid, symbol, side)); exists {
		if err := h.positions.SetSLPrice(ctx, uid, symbol, side, rec.StopPrice); err != nil {
			h.log.Warn().Err(err).Msg("position sl mirror failed")
		}
	}

	if time.Now().Unix()-rec.LastSLUpdate > int64(slPushInterval.Seconds()) {
		if err := h.pushSL(ctx, client, &rec); err != nil {
			h.log.Error().Err(err).Str("uid", uid).Msg("trailing sl push failed")
		} else if err := h.store.HSet(ctx, key, "last_sl_update", strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
			h.log.Warn().Err(err).Msg("last_sl_update write failed")
		}
	}
	return false, nil
}

// pushSL replaces the exchange-side SL order at the current stop price.
func (h *Handler) pushSL(ctx context.Context, client Exchange, rec *Record) error {
	if rec.SLOrderID != "" {
		err := client.CancelAlgoOrders(ctx, []okx.AlgoCancel{{AlgoID: rec.SLOrderID, InstID: rec.Symbol}})
		if err != nil && !okx.IsNotFound(err) {
			return err
		}
	}
	res, err := client.PlaceAlgoOrder(ctx, okx.AlgoOrderRequest{
		InstID:      rec.Symbol,
		Side:        okx.PosSide(rec.Side).Opposite(),
		PosSide:     okx.PosSide(rec.Side),
		OrdType:     okx.OrdConditional,
		Size:        formatF(rec.Contracts),
		SlTriggerPx: formatF(rec.StopPrice),
		SlOrdPx:     "-1",
		ReduceOnly:  true,
	})
	if err != nil {
		return err
	}
	rec.SLOrderID = res.AlgoID
	return h.store.HSet(ctx, store.KeyTrailing(rec.UID, rec.Symbol, rec.Side), "sl_order_id", res.AlgoID)
}

// trigger closes the position at market if the side still holds size, then
// purges the record.
func (h *Handler) trigger(ctx context.Context, client Exchange, rec *Record, currentPrice float64) error {
	live, err := client.Positions(ctx, rec.Symbol)
	if err != nil {
		return err
	}
	var contracts float64
	for _, p := range live {
		if string(p.PosSide) == rec.Side {
			contracts = p.Contracts
		}
	}

	if contracts > 0 {
		if _, err := client.PlaceOrder(ctx, okx.OrderRequest{
			InstID:     rec.Symbol,
			Side:       okx.PosSide(rec.Side).Opposite(),
			PosSide:    okx.PosSide(rec.Side),
			OrdType:    okx.OrdMarket,
			Size:       formatF(contracts),
			ReduceOnly: true,
		}); err != nil {
			return fmt.Errorf("trailing: market close: %w", err)
		}
	}

	if rec.SLOrderID != "" {
		if err := client.CancelAlgoOrders(ctx, []okx.AlgoCancel{{AlgoID: rec.SLOrderID, InstID: rec.Symbol}}); err != nil && !okx.IsNotFound(err) {
			h.log.Warn().Err(err).Msg("leftover trailing sl cancel failed")
		}
	}
	if err := h.Clear(ctx, rec.UID, rec.Symbol, rec.Side); err != nil {
		return err
	}

	if h.notifier != nil {
		_ = h.notifier.Notify(ctx, rec.UID, dispatch.Message{
			Category:  "exit",
			Symbol:    rec.Symbol,
			EventType: "trailing_stop_execution",
			Text: fmt.Sprintf("Trailing stop executed for %s %s\nstop %.4f, price %.4f",
				rec.Symbol, rec.Side, rec.StopPrice, currentPrice),
		})
	}
	h.log.Info().Str("uid", rec.UID).Str("symbol", rec.Symbol).Str("side", rec.Side).
		Float64("trailing_stop_price", rec.StopPrice).Float64("price", currentPrice).
		Msg("trailing stop executed")
	return nil
}

// Clear removes the trailing record and the position-row mirror flag.
func (h *Handler) Clear(ctx context.Context, uid, symbol, side string) error {
	if err := h.store.Del(ctx, store.KeyTrailing(uid, symbol, side)); err != nil {
		return err
	}
	if exists, _ := h.store.Exists(ctx, store.KeyPosition(uid, symbol, side)); exists {
		if err := h.positions.SetTrailingActive(ctx, uid, symbol, side, false); err != nil {
			h.log.Warn().Err(err).Msg("trailing flag clear failed")
		}
	}
	return nil
}

// ActiveRecords enumerates every live trailing record.
func (h *Handler) ActiveRecords(ctx context.Context) ([]Record, error) {
	keys, err := h.store.ScanAll(ctx, "trailing:user:*")
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		// trailing:user:{uid}:{symbol}:{side}
		parts := strings.Split(key, ":")
		if len(parts) != 5 {
			continue
		}
		fields, err := h.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		rec := decode(parts[2], parts[3], parts[4], fields)
		if rec.Active {
			out = append(out, rec)
		}
	}
	return out, nil
}

// --- codec ---

func encode(r Record) map[string]string {
	out := map[string]string{
		"active":              boolStr(r.Active),
		"user_id":             r.UID,
		"symbol":              r.Symbol,
		"direction":           r.Side,
		"entry_price":         formatF(r.EntryPrice),
		"contracts_amount":    formatF(r.Contracts),
		"trailing_offset":     formatF(r.Offset),
		"trailing_stop_price": formatF(r.StopPrice),
		"sl_order_id":         r.SLOrderID,
		"leverage":            formatF(r.Leverage),
		"start_time":          strconv.FormatInt(r.StartTime, 10),
	}
	if r.Side == "long" {
		out["highest_price"] = formatF(r.HighestPrice)
	} else {
		out["lowest_price"] = formatF(r.LowestPrice)
	}
	return out
}

func decode(uid, symbol, side string, fields map[string]string) Record {
	rec := Record{
		UID:       uid,
		Symbol:    symbol,
		Side:      side,
		Active:    fields["active"] == "true",
		SLOrderID: fields["sl_order_id"],
	}
	rec.EntryPrice = parseF(fields["entry_price"])
	rec.Contracts = parseF(fields["contracts_amount"])
	rec.Offset = parseF(fields["trailing_offset"])
	rec.HighestPrice = parseF(fields["highest_price"])
	rec.LowestPrice = parseF(fields["lowest_price"])
	rec.StopPrice = parseF(fields["trailing_stop_price"])
	rec.Leverage = parseF(fields["leverage"])
	rec.StartTime, _ = strconv.ParseInt(fields["start_time"], 10, 64)
	rec.LastSLUpdate, _ = strconv.ParseInt(fields["last_sl_update"], 10, 64)
	return rec
}

func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatF(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

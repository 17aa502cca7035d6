// Package position persists per-side position rows and their derived TP/SL
// metadata. All mutations go through narrow helpers; full-row replacement is
// not offered.
package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"swap-core/pkg/okx"
	"swap-core/pkg/store"
)

var (
	ErrNotFound   = errors.New("position not found")
	ErrSLOccupied = errors.New("previous sl_order_id has not been cleared")
	ErrTPGraph    = errors.New("tp graph arrays out of shape")
)

// TPLevel is one take-profit leg of a position.
type TPLevel struct {
	Level     int     `json:"level"`
	Price     float64 `json:"price"`
	Status    string  `json:"status"` // active | inactive | filled
	OrderID   string  `json:"order_id"`
	Contracts float64 `json:"contracts_amount"`
}

// Position is the decoded per-side row.
type Position struct {
	UID           string
	Symbol        string
	Side          string // long | short
	EntryPrice    float64
	Contracts     float64
	PositionQty   float64
	Leverage      float64
	SLPrice       float64
	SLOrderID     string
	SLContracts   float64
	TPData        []TPLevel
	GetTP1        bool
	GetTP2        bool
	GetTP3        bool
	TrailingStop  bool
	IsHedge       bool
	DCACount      int
	TPState       int // highest filled TP level
	MainDirection string
	CreatedAt     int64
	UpdatedAt     int64
}

// TPPrices returns the parallel price list.
func (p *Position) TPPrices() []float64 {
	out := make([]float64, 0, len(p.TPData))
	for _, tp := range p.TPData {
		out = append(out, tp.Price)
	}
	return out
}

// TPOrderIDs returns the parallel order-id list, skipping inactive slots.
func (p *Position) TPOrderIDs() []string {
	out := make([]string, 0, len(p.TPData))
	for _, tp := range p.TPData {
		if tp.OrderID != "" {
			out = append(out, tp.OrderID)
		}
	}
	return out
}

// GetTP reports the fill flag for a level.
func (p *Position) GetTP(level int) bool {
	switch level {
	case 1:
		return p.GetTP1
	case 2:
		return p.GetTP2
	case 3:
		return p.GetTP3
	}
	return false
}

// Close describes one side being torn down.
type Close struct {
	UID    string  `json:"uid"`
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Reason string  `json:"reason"` // sl, tp_complete, trailing_stop, manual, trend_close
	Price  float64 `json:"price"`
}

// Repository reads and writes position rows.
type Repository struct {
	store   *store.Store
	log     zerolog.Logger
	onClose func(Close) // optional in-process hook, set once at wiring time
}

func NewRepository(s *store.Store, log zerolog.Logger) *Repository {
	return &Repository{store: s, log: log}
}

// OnClose registers the hook invoked after ClearSide. Wider fan-out goes over
// the store's pub/sub channel, so one hook is all the process needs.
func (r *Repository) OnClose(fn func(Close)) { r.onClose = fn }

// Fetch returns the position row with numeric fields coerced, or ErrNotFound.
func (r *Repository) Fetch(ctx context.Context, uid, symbol, side string) (*Position, error) {
	fields, err := r.store.HGetAll(ctx, store.KeyPosition(uid, symbol, side))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decode(uid, symbol, side, fields), nil
}

// LivePositions is the exchange view needed for reconciliation.
type LivePositions interface {
	Positions(ctx context.Context, instIDs ...string) ([]okx.Position, error)
}

// FetchLive reconciles the stored row against the exchange: fresh contracts,
// average price and timestamps. Used by the monitor to detect a position that
// was silently replaced (closed and reopened) out-of-band.
func (r *Repository) FetchLive(ctx context.Context, client LivePositions, uid, symbol, side string) (*Position, error) {
	pos, err := r.Fetch(ctx, uid, symbol, side)
	if err != nil {
		return nil, err
	}
	live, err := client.Positions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for _, lp := range live {
		if string(lp.PosSide) != side || lp.Contracts == 0 {
			continue
		}
		updates := map[string]string{}
		if lp.AvgPrice > 0 && lp.AvgPrice != pos.EntryPrice {
			pos.EntryPrice = lp.AvgPrice
			updates["entry_price"] = formatF(lp.AvgPrice)
		}
		if lp.Contracts != pos.Contracts {
			pos.Contracts = lp.Contracts
			updates["contracts_amount"] = formatF(lp.Contracts)
		}
		if lp.CreateTime > 0 {
			updates["exchange_ctime"] = strconv.FormatInt(lp.CreateTime, 10)
		}
		if lp.UpdateTime > 0 {
			updates["exchange_utime"] = strconv.FormatInt(lp.UpdateTime, 10)
		}
		if len(updates) > 0 {
			if err := r.store.HSetMap(ctx, store.KeyPosition(uid, symbol, side), updates); err != nil {
				return nil, err
			}
		}
		return pos, nil
	}
	// No live position on the exchange side.
	pos.Contracts = 0
	return pos, nil
}

// Create writes a fresh position row after the first entry fills.
func (r *Repository) Create(ctx context.Context, p *Position) error {
	now := time.Now().Unix()
	fields := map[string]string{
		"entry_price":          formatF(p.EntryPrice),
		"contracts_amount":     formatF(p.Contracts),
		"position_qty":         formatF(p.PositionQty),
		"leverage":             formatF(p.Leverage),
		"dca_count":            strconv.Itoa(p.DCACount),
		"tp_state":             "0",
		"main_direction":       p.MainDirection,
		"is_hedge":             boolStr(p.IsHedge),
		"trailing_stop_active": "false",
		"created_at":           strconv.FormatInt(now, 10),
		"updated_at":           strconv.FormatInt(now, 10),
	}
	return r.store.HSetMap(ctx, store.KeyPosition(p.UID, p.Symbol, p.Side), fields)
}

// UpdateEntry refreshes size and average entry after a DCA fill.
func (r *Repository) UpdateEntry(ctx context.Context, uid, symbol, side string, entry, contracts, qty float64, dcaCount int) error {
	return r.store.HSetMap(ctx, store.KeyPosition(uid, symbol, side), map[string]string{
		"entry_price":      formatF(entry),
		"contracts_amount": formatF(contracts),
		"position_qty":     formatF(qty),
		"dca_count":        strconv.Itoa(dcaCount),
		"updated_at":       strconv.FormatInt(time.Now().Unix(), 10),
	})
}

// SetTPGraph records the placed take-profit legs. The arrays stay parallel and
// carry at most three levels.
func (r *Repository) SetTPGraph(ctx context.Context, uid, symbol, side string, levels []TPLevel) error {
	if len(levels) > 3 {
		return ErrTPGraph
	}
	prices := make([]float64, 0, len(levels))
	ids := make([]string, 0, len(levels))
	sizes := make([]float64, 0, len(levels))
	for _, l := range levels {
		if l.Status == "active" && l.OrderID == "" {
			return fmt.Errorf("%w: active level %d without order id", ErrTPGraph, l.Level)
		}
		prices = append(prices, l.Price)
		ids = append(ids, l.OrderID)
		sizes = append(sizes, l.Contracts)
	}
	data, err := json.Marshal(levels)
	if err != nil {
		return err
	}
	return r.store.HSetMap(ctx, store.KeyPosition(uid, symbol, side), map[string]string{
		"tp_prices":            marshalF(prices),
		"tp_order_ids":         marshalS(ids),
		"tp_contracts_amounts": marshalF(sizes),
		"tp_data":              string(data),
		"updated_at":           strconv.FormatInt(time.Now().Unix(), 10),
	})
}

// SetSL records the stop-loss leg. A previous sl_order_id must have been
// cancelled and cleared first.
func (r *Repository) SetSL(ctx context.Context, uid, symbol, side string, price float64, orderID string, contracts float64) error {
	key := store.KeyPosition(uid, symbol, side)
	existing, err := r.store.HGet(ctx, key, "sl_order_id")
	if err != nil {
		return err
	}
	if existing != "" && existing != orderID {
		return fmt.Errorf("%w: %s", ErrSLOccupied, existing)
	}
	return r.store.HSetMap(ctx, key, map[string]string{
		"sl_price":            formatF(price),
		"sl_order_id":         orderID,
		"sl_contracts_amount": formatF(contracts),
		"updated_at":          strconv.FormatInt(time.Now().Unix(), 10),
	})
}

// SetSLPrice updates only the stop level (trailing mirror).
func (r *Repository) SetSLPrice(ctx context.Context, uid, symbol, side string, price float64) error {
	return r.store.HSet(ctx, store.KeyPosition(uid, symbol, side), "sl_price", formatF(price))
}

// ClearSL removes the SL columns after a confirmed cancel.
func (r *Repository) ClearSL(ctx context.Context, uid, symbol, side string) error {
	return r.store.HDel(ctx, store.KeyPosition(uid, symbol, side),
		"sl_price", "sl_order_id", "sl_contracts_amount")
}

// ClearTPSL removes every TP/SL column; the DCA path calls this after the old
// orders are confirmed gone.
func (r *Repository) ClearTPSL(ctx context.Context, uid, symbol, side string) error {
	return r.store.HDel(ctx, store.KeyPosition(uid, symbol, side),
		"tp_prices", "tp_order_ids", "tp_sizes", "tp_contracts_amounts", "tp_data",
		"sl_price", "sl_order_id", "sl_contracts_amount")
}

// MarkTPFilled flips get_tpN exactly once. The first caller gets true; any
// concurrent or repeated caller gets false and must skip downstream effects.
// tp_state tracks the highest filled level alongside the flag.
func (r *Repository) MarkTPFilled(ctx context.Context, uid, symbol, side string, level int) (bool, error) {
	if level < 1 || level > 3 {
		return false, fmt.Errorf("position: bad tp level %d", level)
	}
	key := store.KeyPosition(uid, symbol, side)
	field := fmt.Sprintf("get_tp%d", level)

	// The flag is written at most once; HSETNX is the claim, so concurrent
	// monitor paths cannot double-process a fill.
	set, err := r.store.HSetNX(ctx, key, field, "true")
	if err != nil {
		return false, err
	}
	if !set {
		return false, nil
	}
	// tp_state is monotonic until the position closes.
	if state, err := r.store.HGet(ctx, key, "tp_state"); err == nil {
		if prev, _ := strconv.Atoi(state); level > prev {
			if err := r.store.HSet(ctx, key, "tp_state", strconv.Itoa(level)); err != nil {
				return false, err
			}
		}
	}
	if err := r.markTPDataFilled(ctx, uid, symbol, side, level); err != nil {
		r.log.Warn().Err(err).Int("level", level).Msg("tp_data status update failed")
	}
	return true, nil
}

func (r *Repository) markTPDataFilled(ctx context.Context, uid, symbol, side string, level int) error {
	key := store.KeyPosition(uid, symbol, side)
	raw, err := r.store.HGet(ctx, key, "tp_data")
	if err != nil || raw == "" {
		return err
	}
	var levels []TPLevel
	if err := json.Unmarshal([]byte(raw), &levels); err != nil {
		return err
	}
	for i := range levels {
		if levels[i].Level == level {
			levels[i].Status = "filled"
		}
	}
	updated, err := json.Marshal(levels)
	if err != nil {
		return err
	}
	return r.store.HSet(ctx, key, "tp_data", string(updated))
}

// SetTrailingActive mirrors the trailing flag onto the row.
func (r *Repository) SetTrailingActive(ctx context.Context, uid, symbol, side string, active bool) error {
	return r.store.HSet(ctx, store.KeyPosition(uid, symbol, side), "trailing_stop_active", boolStr(active))
}

// ClearSide destroys the position row and every dependent artefact (trailing
// record, cooldown, cycle locks) and emits a close event: the in-process hook
// runs synchronously so a close is never silently lost, and the same payload
// goes out on the per-user pub/sub channel for external listeners.
func (r *Repository) ClearSide(ctx context.Context, uid, symbol, side, timeframe, reason string, price float64) error {
	err := r.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, store.KeyPosition(uid, symbol, side))
		pipe.Del(ctx, store.KeyTrailing(uid, symbol, side))
		pipe.Del(ctx, store.KeyCooldown(uid, symbol, side))
		if timeframe != "" {
			pipe.Del(ctx, store.KeyCycleLock(uid, symbol, timeframe))
		}
		return nil
	})
	if err != nil {
		return err
	}

	event := Close{UID: uid, Symbol: symbol, Side: side, Reason: reason, Price: price}
	if r.onClose != nil {
		r.onClose(event)
	}
	if raw, err := json.Marshal(event); err == nil {
		if err := r.store.Publish(ctx, store.ChannelPositionClose(uid), string(raw)); err != nil {
			r.log.Warn().Err(err).Str("uid", uid).Msg("close event publish failed")
		}
	}
	return nil
}

// SetCooldown arms the re-entry cooldown after a close.
func (r *Repository) SetCooldown(ctx context.Context, uid, symbol, side string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.store.Set(ctx, store.KeyCooldown(uid, symbol, side), "1", ttl)
}

// InCooldown reports whether re-entry is currently suppressed.
func (r *Repository) InCooldown(ctx context.Context, uid, symbol, side string) (bool, error) {
	return r.store.Exists(ctx, store.KeyCooldown(uid, symbol, side))
}

// --- codec helpers ---

func decode(uid, symbol, side string, fields map[string]string) *Position {
	p := &Position{
		UID:           uid,
		Symbol:        symbol,
		Side:          side,
		EntryPrice:    f(fields, "entry_price"),
		Contracts:     f(fields, "contracts_amount"),
		PositionQty:   f(fields, "position_qty"),
		Leverage:      f(fields, "leverage"),
		SLPrice:       f(fields, "sl_price"),
		SLOrderID:     fields["sl_order_id"],
		SLContracts:   f(fields, "sl_contracts_amount"),
		GetTP1:        fields["get_tp1"] == "true",
		GetTP2:        fields["get_tp2"] == "true",
		GetTP3:        fields["get_tp3"] == "true",
		TrailingStop:  fields["trailing_stop_active"] == "true",
		IsHedge:       fields["is_hedge"] == "true",
		MainDirection: fields["main_direction"],
	}
	p.DCACount, _ = strconv.Atoi(fields["dca_count"])
	p.TPState, _ = strconv.Atoi(fields["tp_state"])
	p.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	p.UpdatedAt, _ = strconv.ParseInt(fields["updated_at"], 10, 64)
	if raw := fields["tp_data"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &p.TPData)
	}
	return p
}

func f(fields map[string]string, key string) float64 {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0
	}
	out, _ := strconv.ParseFloat(v, 64)
	return out
}

func formatF(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func marshalF(v []float64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func marshalS(v []string) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

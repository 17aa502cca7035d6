package trailing

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"swap-core/internal/position"
	"swap-core/internal/settings"
	"swap-core/pkg/okx"
	"swap-core/pkg/store"
)

type fakeExchange struct {
	nextID     int
	placed     []okx.OrderRequest
	placedAlgo []okx.AlgoOrderRequest
	cancels    []string
	positions  []okx.Position
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req okx.OrderRequest) (okx.OrderResult, error) {
	f.placed = append(f.placed, req)
	return okx.OrderResult{OrderID: "close-1"}, nil
}

func (f *fakeExchange) PlaceAlgoOrder(_ context.Context, req okx.AlgoOrderRequest) (okx.OrderResult, error) {
	f.nextID++
	f.placedAlgo = append(f.placedAlgo, req)
	return okx.OrderResult{AlgoID: fmt.Sprintf("algo-%d", f.nextID)}, nil
}

func (f *fakeExchange) CancelAlgoOrders(_ context.Context, batch []okx.AlgoCancel) error {
	for _, b := range batch {
		f.cancels = append(f.cancels, b.AlgoID)
	}
	return nil
}

func (f *fakeExchange) Positions(_ context.Context, _ ...string) ([]okx.Position, error) {
	return f.positions, nil
}

func newHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(store.Options{Addr: mr.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = st.Close() })
	repo := position.NewRepository(st, zerolog.Nop())
	return NewHandler(st, repo, nil, zerolog.Nop()), st
}

func shortScenario(t *testing.T) (*Handler, *store.Store, *fakeExchange) {
	t.Helper()
	h, st := newHandler(t)
	ex := &fakeExchange{positions: []okx.Position{
		{InstID: "BTC-USDT-SWAP", PosSide: okx.PosShort, Contracts: 4, AvgPrice: 200},
	}}

	cfg := settings.Defaults()
	cfg.TrailingStopActive = true
	cfg.TrailingStopOffsetValue = 0.5

	pos := &position.Position{
		UID: "518796558012178692", Symbol: "BTC-USDT-SWAP", Side: "short",
		EntryPrice: 200, Contracts: 4, Leverage: 10,
	}
	// Activation at TP3 fill, current price 196.
	if err := h.Activate(context.Background(), ex, pos, cfg, 196); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	return h, st, ex
}

func TestActivateShortInitialStop(t *testing.T) {
	h, _, _ := shortScenario(t)

	recs, err := h.ActiveRecords(context.Background())
	if err != nil {
		t.Fatalf("ActiveRecords returned error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("active records = %d, expected 1", len(recs))
	}
	rec := recs[0]

	// offset = 196 * 0.5% = 0.98, stop = 196 + 0.98.
	if math.Abs(rec.Offset-0.98) > 1e-9 {
		t.Fatalf("offset = %v, expected 0.98", rec.Offset)
	}
	if math.Abs(rec.StopPrice-196.98) > 1e-9 {
		t.Fatalf("initial stop = %v, expected 196.98", rec.StopPrice)
	}
	if math.Abs(rec.LowestPrice-196) > 1e-9 {
		t.Fatalf("lowest = %v, expected 196", rec.LowestPrice)
	}
}

func TestActivateTP2TP3GapOffset(t *testing.T) {
	h, _ := newHandler(t)
	ex := &fakeExchange{}

	cfg := settings.Defaults()
	cfg.TrailingStopActive = true
	cfg.UseTrailingTP2TP3Diff = true

	pos := &position.Position{
		UID: "518796558012178692", Symbol: "ETH-USDT-SWAP", Side: "long",
		EntryPrice: 100, Contracts: 10,
		TPData: []position.TPLevel{
			{Level: 1, Price: 102}, {Level: 2, Price: 103}, {Level: 3, Price: 104},
		},
	}
	if err := h.Activate(context.Background(), ex, pos, cfg, 104); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	recs, _ := h.ActiveRecords(context.Background())
	if len(recs) != 1 {
		t.Fatalf("active records = %d, expected 1", len(recs))
	}
	if math.Abs(recs[0].Offset-1) > 1e-9 {
		t.Fatalf("offset = %v, expected tp3-tp2 gap of 1", recs[0].Offset)
	}
}

func TestTickShortWatermarkAndTrigger(t *testing.T) {
	h, _, ex := shortScenario(t)
	ctx := context.Background()
	uid, symbol := "518796558012178692", "BTC-USDT-SWAP"

	// Price drops: watermark and stop follow.
	triggered, err := h.Tick(ctx, ex, uid, symbol, "short", 195)
	if err != nil || triggered {
		t.Fatalf("Tick(195) = (%v, %v), expected no trigger", triggered, err)
	}
	recs, _ := h.ActiveRecords(ctx)
	if math.Abs(recs[0].LowestPrice-195) > 1e-9 {
		t.Fatalf("lowest = %v, expected 195", recs[0].LowestPrice)
	}
	if math.Abs(recs[0].StopPrice-195.98) > 1e-9 {
		t.Fatalf("stop = %v, expected 195.98", recs[0].StopPrice)
	}

	// Retrace below the stop: nothing happens.
	triggered, err = h.Tick(ctx, ex, uid, symbol, "short", 195.5)
	if err != nil || triggered {
		t.Fatalf("Tick(195.5) = (%v, %v), expected no trigger", triggered, err)
	}

	// Retrace through the stop: market close, record purged.
	triggered, err = h.Tick(ctx, ex, uid, symbol, "short", 196.99)
	if err != nil {
		t.Fatalf("Tick(196.99) returned error: %v", err)
	}
	if !triggered {
		t.Fatal("expected trigger at 196.99")
	}
	if len(ex.placed) != 1 {
		t.Fatalf("close orders = %d, expected 1", len(ex.placed))
	}
	closeReq := ex.placed[0]
	if closeReq.OrdType != okx.OrdMarket || !closeReq.ReduceOnly || closeReq.Side != okx.SideBuy {
		t.Fatalf("close order not a reduce-only market buy: %+v", closeReq)
	}
	recs, _ = h.ActiveRecords(ctx)
	if len(recs) != 0 {
		t.Fatalf("trailing record survived trigger: %+v", recs)
	}
}

func TestTriggerWithoutPositionJustPurges(t *testing.T) {
	h, _, ex := shortScenario(t)
	ctx := context.Background()
	ex.positions = nil // position already flat

	triggered, err := h.Tick(ctx, ex, "518796558012178692", "BTC-USDT-SWAP", "short", 197.5)
	if err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if !triggered {
		t.Fatal("expected trigger")
	}
	if len(ex.placed) != 0 {
		t.Fatalf("close order placed with no live position: %+v", ex.placed)
	}
}

func TestSLPushThrottledToOncePerHour(t *testing.T) {
	h, st, ex := shortScenario(t)
	ctx := context.Background()
	uid, symbol := "518796558012178692", "BTC-USDT-SWAP"
	pushesAfterActivate := len(ex.placedAlgo)

	// Pretend the activation push just happened.
	key := store.KeyTrailing(uid, symbol, "short")
	if err := st.HSet(ctx, key, "last_sl_update", fmt.Sprint(nowUnix())); err != nil {
		t.Fatalf("seed last_sl_update: %v", err)
	}

	// Watermark moves, but the exchange push is throttled.
	if _, err := h.Tick(ctx, ex, uid, symbol, "short", 194); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if len(ex.placedAlgo) != pushesAfterActivate {
		t.Fatalf("sl pushed %d times, expected throttle to hold at %d", len(ex.placedAlgo), pushesAfterActivate)
	}
}

func nowUnix() int64 { return time.Now().Unix() }

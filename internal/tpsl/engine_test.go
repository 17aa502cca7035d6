package tpsl

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"swap-core/internal/position"
	"swap-core/internal/settings"
	"swap-core/pkg/okx"
	"swap-core/pkg/store"
)

// fakeExchange records placements and cancels and serves scripted fetches.
type fakeExchange struct {
	nextID      int
	placed      []okx.OrderRequest
	placedAlgo  []okx.AlgoOrderRequest
	canceled    []string
	algoCancels []string
	fetches     map[string]okx.OrderDetail // orderID -> scripted detail
	positions   []okx.Position
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{fetches: make(map[string]okx.OrderDetail)}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req okx.OrderRequest) (okx.OrderResult, error) {
	f.nextID++
	f.placed = append(f.placed, req)
	return okx.OrderResult{OrderID: fmt.Sprintf("ord-%d", f.nextID)}, nil
}

func (f *fakeExchange) PlaceAlgoOrder(_ context.Context, req okx.AlgoOrderRequest) (okx.OrderResult, error) {
	f.nextID++
	f.placedAlgo = append(f.placedAlgo, req)
	return okx.OrderResult{AlgoID: fmt.Sprintf("algo-%d", f.nextID)}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _, orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExchange) CancelAlgoOrders(_ context.Context, batch []okx.AlgoCancel) error {
	for _, b := range batch {
		f.algoCancels = append(f.algoCancels, b.AlgoID)
	}
	return nil
}

func (f *fakeExchange) FetchOrder(_ context.Context, _, orderID string, _ bool) (okx.OrderDetail, error) {
	if d, ok := f.fetches[orderID]; ok {
		return d, nil
	}
	return okx.OrderDetail{OrderID: orderID, State: okx.StateLive}, nil
}

func (f *fakeExchange) Positions(_ context.Context, _ ...string) ([]okx.Position, error) {
	return f.positions, nil
}

func (f *fakeExchange) Instrument(_ context.Context, instID string) (okx.Instrument, error) {
	return okx.Instrument{InstID: instID, CtVal: 1, LotSize: 1, MinSize: 1}, nil
}

type testEnv struct {
	st     *store.Store
	repo   *position.Repository
	orders *position.Orders
	engine *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(store.Options{Addr: mr.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = st.Close() })
	repo := position.NewRepository(st, zerolog.Nop())
	orders := position.NewOrders(st)
	return &testEnv{
		st:     st,
		repo:   repo,
		orders: orders,
		engine: NewEngine(st, repo, orders, zerolog.Nop()),
	}
}

func scenarioSettings() settings.Settings {
	s := settings.Defaults()
	s.Leverage = 10
	s.TP1Ratio, s.TP2Ratio, s.TP3Ratio = 30, 30, 40
	s.TP1Value, s.TP2Value, s.TP3Value = 2.0, 3.0, 4.0
	s.UseSL = true
	s.SLValue = 5.0
	s.TrailingStopActive = false
	s.PyramidingLimit = 4
	return s
}

func seedPosition(t *testing.T, env *testEnv, entry, contracts float64, dca int) *position.Position {
	t.Helper()
	pos := &position.Position{
		UID: "518796558012178692", Symbol: "BTC-USDT-SWAP", Side: "long",
		EntryPrice: entry, Contracts: contracts, PositionQty: contracts,
		Leverage: 10, DCACount: dca, MainDirection: "long",
	}
	if err := env.repo.Create(context.Background(), pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return pos
}

func TestReconcileInitialPlacesLadderAndSL(t *testing.T) {
	env := newTestEnv(t)
	ex := newFakeExchange()
	ctx := context.Background()
	pos := seedPosition(t, env, 100, 10, 1)

	if err := env.engine.Reconcile(ctx, ex, pos, scenarioSettings(), Options{CurrentPrice: 100}); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	if len(ex.placed) != 3 {
		t.Fatalf("placed %d tp orders, expected 3", len(ex.placed))
	}
	wantPrices := []string{"102", "103", "104"}
	wantSizes := []string{"3", "3", "4"}
	for i, req := range ex.placed {
		if req.Price != wantPrices[i] {
			t.Fatalf("tp%d price = %s, expected %s", i+1, req.Price, wantPrices[i])
		}
		if req.Size != wantSizes[i] {
			t.Fatalf("tp%d size = %s, expected %s", i+1, req.Size, wantSizes[i])
		}
		if !req.ReduceOnly || req.Side != okx.SideSell || req.OrdType != okx.OrdLimit {
			t.Fatalf("tp%d not a reduce-only sell limit: %+v", i+1, req)
		}
	}

	if len(ex.placedAlgo) != 1 {
		t.Fatalf("placed %d algo orders, expected 1 sl", len(ex.placedAlgo))
	}
	if ex.placedAlgo[0].SlTriggerPx != "95" {
		t.Fatalf("sl trigger = %s, expected 95", ex.placedAlgo[0].SlTriggerPx)
	}

	stored, err := env.repo.Fetch(ctx, pos.UID, pos.Symbol, pos.Side)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(stored.TPOrderIDs()) != 3 {
		t.Fatalf("tp_order_ids length %d, expected 3", len(stored.TPOrderIDs()))
	}
	if stored.SLOrderID == "" || stored.SLPrice != 95 {
		t.Fatalf("sl fields not recorded: id=%q price=%v", stored.SLOrderID, stored.SLPrice)
	}

	// Every placed order has a monitored row.
	rows, err := env.orders.ListForUser(ctx, pos.UID)
	if err != nil {
		t.Fatalf("list monitored: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("monitored rows = %d, expected 4", len(rows))
	}
}

func TestReconcileTrailingActivationLimitsLadder(t *testing.T) {
	env := newTestEnv(t)
	ex := newFakeExchange()
	pos := seedPosition(t, env, 100, 10, 1)

	cfg := scenarioSettings()
	cfg.TrailingStopActive = true
	cfg.TrailingStartPoint = "tp2"

	if err := env.engine.Reconcile(context.Background(), ex, pos, cfg, Options{CurrentPrice: 100}); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if len(ex.placed) != 2 {
		t.Fatalf("placed %d tp orders, expected 2 with trailing at tp2", len(ex.placed))
	}

	stored, _ := env.repo.Fetch(context.Background(), pos.UID, pos.Symbol, pos.Side)
	var inactive int
	for _, tp := range stored.TPData {
		if tp.Status == "inactive" {
			inactive++
			if tp.Level != 3 {
				t.Fatalf("inactive level = %d, expected 3", tp.Level)
			}
		}
	}
	if inactive != 1 {
		t.Fatalf("inactive entries = %d, expected 1", inactive)
	}
}

func TestReconcileDCAReplacesGraph(t *testing.T) {
	env := newTestEnv(t)
	ex := newFakeExchange()
	ctx := context.Background()
	pos := seedPosition(t, env, 100, 10, 1)

	cfg := scenarioSettings()
	if err := env.engine.Reconcile(ctx, ex, pos, cfg, Options{CurrentPrice: 100}); err != nil {
		t.Fatalf("initial reconcile: %v", err)
	}
	firstTPs := len(ex.placed)
	firstAlgo := len(ex.placedAlgo)

	// The DCA fill moved the position to entry 99, size 20.
	ex.positions = []okx.Position{{InstID: pos.Symbol, PosSide: okx.PosLong, Contracts: 20, AvgPrice: 99}}
	if err := env.repo.UpdateEntry(ctx, pos.UID, pos.Symbol, pos.Side, 99, 20, 20, 2); err != nil {
		t.Fatalf("dca row update: %v", err)
	}
	pos, err := env.repo.Fetch(ctx, pos.UID, pos.Symbol, pos.Side)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}

	if err := env.engine.Reconcile(ctx, ex, pos, cfg, Options{IsDCA: true, CurrentPrice: 99}); err != nil {
		t.Fatalf("dca reconcile: %v", err)
	}

	if len(ex.canceled) != 3 {
		t.Fatalf("canceled %d tp orders, expected 3", len(ex.canceled))
	}
	if len(ex.algoCancels) != 1 {
		t.Fatalf("canceled %d sl orders, expected 1", len(ex.algoCancels))
	}
	newTPs := ex.placed[firstTPs:]
	if len(newTPs) != 3 {
		t.Fatalf("replaced with %d tp orders, expected 3", len(newTPs))
	}
	wantSizes := []string{"6", "6", "8"}
	for i, req := range newTPs {
		if req.Size != wantSizes[i] {
			t.Fatalf("new tp%d size = %s, expected %s", i+1, req.Size, wantSizes[i])
		}
	}
	if len(ex.placedAlgo) != firstAlgo+1 {
		t.Fatalf("expected exactly one new sl placement")
	}
	slTrig, _ := strconv.ParseFloat(ex.placedAlgo[firstAlgo].SlTriggerPx, 64)
	if math.Abs(slTrig-94.05) > 1e-9 {
		t.Fatalf("new sl trigger = %s, expected 94.05", ex.placedAlgo[firstAlgo].SlTriggerPx)
	}

	stored, _ := env.repo.Fetch(ctx, pos.UID, pos.Symbol, pos.Side)
	if stored.DCACount != 2 {
		t.Fatalf("dca_count = %d, expected 2", stored.DCACount)
	}
}

type recordingSink struct {
	fills []string
}

func (r *recordingSink) HandleRaceFill(_ context.Context, _, _, _ string, m position.MonitoredOrder, _ okx.OrderDetail) {
	r.fills = append(r.fills, m.OrderType)
}

func TestDCACancelRaceForwardsFill(t *testing.T) {
	env := newTestEnv(t)
	ex := newFakeExchange()
	ctx := context.Background()
	pos := seedPosition(t, env, 100, 10, 1)

	cfg := scenarioSettings()
	if err := env.engine.Reconcile(ctx, ex, pos, cfg, Options{CurrentPrice: 100}); err != nil {
		t.Fatalf("initial reconcile: %v", err)
	}
	pos, _ = env.repo.Fetch(ctx, pos.UID, pos.Symbol, pos.Side)

	// tp2's order filled just before the cancel sweep reached it.
	var tp2ID string
	for _, tp := range pos.TPData {
		if tp.Level == 2 {
			tp2ID = tp.OrderID
		}
	}
	ex.fetches[tp2ID] = okx.OrderDetail{OrderID: tp2ID, State: okx.StateFilled, FillSize: 3}
	ex.positions = []okx.Position{{InstID: pos.Symbol, PosSide: okx.PosLong, Contracts: 17, AvgPrice: 99}}

	sink := &recordingSink{}
	env.engine.SetRaceFillSink(sink)

	if err := env.engine.Reconcile(ctx, ex, pos, cfg, Options{IsDCA: true, CurrentPrice: 99}); err != nil {
		t.Fatalf("dca reconcile: %v", err)
	}

	if len(sink.fills) != 1 || sink.fills[0] != "tp2" {
		t.Fatalf("race fills = %v, expected one tp2", sink.fills)
	}
	for _, id := range ex.canceled {
		if id == tp2ID {
			t.Fatal("tp2 was canceled despite having filled")
		}
	}
}

func TestReconcileHeldLockReturnsBusy(t *testing.T) {
	env := newTestEnv(t)
	ex := newFakeExchange()
	ctx := context.Background()
	pos := seedPosition(t, env, 100, 10, 1)

	if ok, err := env.st.SetNX(ctx, store.KeyReconcileLock(pos.UID, pos.Symbol), "other", 0); err != nil || !ok {
		t.Fatalf("lock seed failed: ok=%v err=%v", ok, err)
	}
	err := env.engine.Reconcile(ctx, ex, pos, scenarioSettings(), Options{})
	if err != ErrReconcileBusy {
		t.Fatalf("Reconcile = %v, expected ErrReconcileBusy", err)
	}
	if len(ex.placed) != 0 {
		t.Fatal("orders were placed while the reconcile lock was held")
	}
}

func TestSLOnLastDCADefersPlacement(t *testing.T) {
	env := newTestEnv(t)
	ex := newFakeExchange()
	pos := seedPosition(t, env, 100, 10, 1)

	cfg := scenarioSettings()
	cfg.UseSLOnLast = true
	cfg.PyramidingLimit = 4

	if err := env.engine.Reconcile(context.Background(), ex, pos, cfg, Options{CurrentPrice: 100}); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if len(ex.placedAlgo) != 0 {
		t.Fatalf("sl placed on dca %d of %d, expected deferral", pos.DCACount, cfg.PyramidingLimit)
	}
}

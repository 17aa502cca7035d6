package position

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"swap-core/pkg/store"
)

const (
	testUID    = "518796558012178692"
	testSymbol = "BTC-USDT-SWAP"
)

func newRepo(t *testing.T) (*Repository, *Orders, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(store.Options{Addr: mr.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = st.Close() })
	return NewRepository(st, zerolog.Nop()), NewOrders(st), st
}

func seedLong(t *testing.T, repo *Repository) *Position {
	t.Helper()
	pos := &Position{
		UID: testUID, Symbol: testSymbol, Side: "long",
		EntryPrice: 100, Contracts: 10, PositionQty: 10,
		Leverage: 10, DCACount: 1, MainDirection: "long",
	}
	if err := repo.Create(context.Background(), pos); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return pos
}

func TestFetchCoercesNumericFields(t *testing.T) {
	repo, _, _ := newRepo(t)
	seedLong(t, repo)

	got, err := repo.Fetch(context.Background(), testUID, testSymbol, "long")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if got.EntryPrice != 100 || got.Contracts != 10 || got.Leverage != 10 || got.DCACount != 1 {
		t.Fatalf("coercion lost fields: %+v", got)
	}
}

func TestFetchMissingReturnsNotFound(t *testing.T) {
	repo, _, _ := newRepo(t)
	_, err := repo.Fetch(context.Background(), testUID, testSymbol, "short")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch = %v, expected ErrNotFound", err)
	}
}

func TestSetSLRequiresClearedPredecessor(t *testing.T) {
	repo, _, _ := newRepo(t)
	ctx := context.Background()
	seedLong(t, repo)

	if err := repo.SetSL(ctx, testUID, testSymbol, "long", 95, "sl-1", 10); err != nil {
		t.Fatalf("first SetSL: %v", err)
	}
	err := repo.SetSL(ctx, testUID, testSymbol, "long", 94, "sl-2", 10)
	if !errors.Is(err, ErrSLOccupied) {
		t.Fatalf("second SetSL = %v, expected ErrSLOccupied", err)
	}
	if err := repo.ClearSL(ctx, testUID, testSymbol, "long"); err != nil {
		t.Fatalf("ClearSL: %v", err)
	}
	if err := repo.SetSL(ctx, testUID, testSymbol, "long", 94, "sl-2", 10); err != nil {
		t.Fatalf("SetSL after clear: %v", err)
	}
}

func TestMarkTPFilledFlipsExactlyOnce(t *testing.T) {
	repo, _, _ := newRepo(t)
	ctx := context.Background()
	seedLong(t, repo)

	first, err := repo.MarkTPFilled(ctx, testUID, testSymbol, "long", 1)
	if err != nil {
		t.Fatalf("MarkTPFilled: %v", err)
	}
	second, err := repo.MarkTPFilled(ctx, testUID, testSymbol, "long", 1)
	if err != nil {
		t.Fatalf("second MarkTPFilled: %v", err)
	}
	if !first || second {
		t.Fatalf("MarkTPFilled = (%v, %v), expected (true, false)", first, second)
	}

	pos, _ := repo.Fetch(ctx, testUID, testSymbol, "long")
	if !pos.GetTP1 || pos.TPState != 1 {
		t.Fatalf("flag/state not recorded: get_tp1=%v tp_state=%d", pos.GetTP1, pos.TPState)
	}
}

func TestTPStateIsMonotonic(t *testing.T) {
	repo, _, _ := newRepo(t)
	ctx := context.Background()
	seedLong(t, repo)

	if _, err := repo.MarkTPFilled(ctx, testUID, testSymbol, "long", 2); err != nil {
		t.Fatalf("MarkTPFilled(2): %v", err)
	}
	if _, err := repo.MarkTPFilled(ctx, testUID, testSymbol, "long", 1); err != nil {
		t.Fatalf("MarkTPFilled(1): %v", err)
	}
	pos, _ := repo.Fetch(ctx, testUID, testSymbol, "long")
	if pos.TPState != 2 {
		t.Fatalf("tp_state = %d, expected monotonic 2", pos.TPState)
	}
}

func TestClearSidePurgesArtefactsAndEmitsClose(t *testing.T) {
	repo, _, st := newRepo(t)
	ctx := context.Background()
	seedLong(t, repo)

	var closes []Close
	repo.OnClose(func(cl Close) { closes = append(closes, cl) })

	sub := st.Subscribe(ctx, store.ChannelPositionClose(testUID))
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := st.Set(ctx, store.KeyTrailing(testUID, testSymbol, "long"), "x", 0); err != nil {
		t.Fatalf("seed trailing: %v", err)
	}
	if err := st.Set(ctx, store.KeyCooldown(testUID, testSymbol, "long"), "1", time.Minute); err != nil {
		t.Fatalf("seed cooldown: %v", err)
	}
	if err := st.Set(ctx, store.KeyCycleLock(testUID, testSymbol, "1m"), "1", time.Minute); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	if err := repo.ClearSide(ctx, testUID, testSymbol, "long", "1m", "sl", 95); err != nil {
		t.Fatalf("ClearSide: %v", err)
	}

	if _, err := repo.Fetch(ctx, testUID, testSymbol, "long"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("position row survived ClearSide: %v", err)
	}
	for _, key := range []string{
		store.KeyTrailing(testUID, testSymbol, "long"),
		store.KeyCooldown(testUID, testSymbol, "long"),
		store.KeyCycleLock(testUID, testSymbol, "1m"),
	} {
		if exists, _ := st.Exists(ctx, key); exists {
			t.Fatalf("dependent key survived ClearSide: %s", key)
		}
	}

	// The in-process hook fires synchronously.
	if len(closes) != 1 || closes[0].Reason != "sl" || closes[0].UID != testUID {
		t.Fatalf("unexpected close hook calls: %+v", closes)
	}

	// The same payload goes out on the per-user channel.
	select {
	case msg := <-sub.Channel():
		var cl Close
		if err := json.Unmarshal([]byte(msg.Payload), &cl); err != nil {
			t.Fatalf("decode close payload: %v", err)
		}
		if cl.Reason != "sl" || cl.Symbol != testSymbol {
			t.Fatalf("unexpected close payload: %+v", cl)
		}
	case <-time.After(time.Second):
		t.Fatal("no close event published")
	}
}

func TestArchiveMovesRowWithTTL(t *testing.T) {
	_, orders, st := newRepo(t)
	ctx := context.Background()

	row := MonitoredOrder{
		UID: testUID, Symbol: testSymbol, OrderID: "ord-1",
		Status: OrderFilled, Price: 102, PosSide: "long",
		Contracts: 3, Filled: 3, OrderType: "tp1", OrderName: "tp1",
	}
	if err := orders.Put(ctx, row); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := orders.Archive(ctx, row); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if exists, _ := st.Exists(ctx, store.KeyMonitorOrder(testUID, testSymbol, "ord-1")); exists {
		t.Fatal("live row survived archive")
	}
	doneKey := store.KeyCompletedOrder(testUID, testSymbol, "ord-1")
	if exists, _ := st.Exists(ctx, doneKey); !exists {
		t.Fatal("archive row missing")
	}
	ttl, err := st.TTL(ctx, doneKey)
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > ArchiveTTL {
		t.Fatalf("archive ttl = %v, expected (0, 14d]", ttl)
	}
}

func TestListForUserParsesKeyParts(t *testing.T) {
	_, orders, _ := newRepo(t)
	ctx := context.Background()

	if err := orders.Put(ctx, MonitoredOrder{
		UID: testUID, Symbol: testSymbol, OrderID: "ord-9",
		Status: OrderOpen, OrderType: "sl", PosSide: "short", IsAlgo: true,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rows, err := orders.ListForUser(ctx, testUID)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, expected 1", len(rows))
	}
	if rows[0].Symbol != testSymbol || rows[0].OrderID != "ord-9" || !rows[0].IsAlgo {
		t.Fatalf("key parts not recovered: %+v", rows[0])
	}
}

package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"swap-core/pkg/store"
)

const presetUID = "518796558012178692"

func newPresetService(t *testing.T) (*PresetService, *store.Store) {
	t.Helper()
	_, st := newService(t)
	return NewPresetService(st), st
}

func TestPresetCreateGetList(t *testing.T) {
	svc, _ := newPresetService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, presetUID, "aggressive", "high leverage", Defaults(), false)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if len(created.ID) != 8 {
		t.Fatalf("preset id %q, expected 8 chars", created.ID)
	}

	got, err := svc.Get(ctx, presetUID, created.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Name != "aggressive" || got.Settings.Leverage != 10 {
		t.Fatalf("round trip lost fields: %+v", got)
	}

	list, err := svc.List(ctx, presetUID)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List = %d presets, expected 1", len(list))
	}
}

func TestPresetNameBounds(t *testing.T) {
	svc, _ := newPresetService(t)
	ctx := context.Background()

	long := make([]byte, 51)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := svc.Create(ctx, presetUID, string(long), "", Defaults(), false); err == nil {
		t.Fatal("Create accepted a 51-char name")
	}
	if _, err := svc.Create(ctx, presetUID, "", "", Defaults(), false); err == nil {
		t.Fatal("Create accepted an empty name")
	}
}

func TestPresetSingleDefault(t *testing.T) {
	svc, _ := newPresetService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, presetUID, "a", "", Defaults(), true)
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := svc.Create(ctx, presetUID, "b", "", Defaults(), true)
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	list, err := svc.List(ctx, presetUID)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	defaults := 0
	for _, p := range list {
		if p.IsDefault {
			defaults++
			if p.ID != b.ID {
				t.Fatalf("default preset is %s, expected %s", p.ID, b.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("default presets = %d, expected exactly 1", defaults)
	}
	first, err := svc.Get(ctx, presetUID, a.ID)
	if err != nil {
		t.Fatalf("Get a: %v", err)
	}
	if first.IsDefault {
		t.Fatal("previous default flag was not cleared")
	}
}

func TestPresetDeleteWhileBoundConflicts(t *testing.T) {
	svc, st := newPresetService(t)
	ctx := context.Background()

	preset, err := svc.Create(ctx, presetUID, "bound", "", Defaults(), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.SAdd(ctx, store.KeyActiveSymbols(presetUID), "BTC-USDT-SWAP"); err != nil {
		t.Fatalf("seed active symbol: %v", err)
	}
	if err := svc.Bind(ctx, presetUID, "BTC-USDT-SWAP", preset.ID); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	err = svc.Delete(ctx, presetUID, preset.ID)
	if !errors.Is(err, ErrPresetInUse) {
		t.Fatalf("Delete = %v, expected ErrPresetInUse", err)
	}
}

func TestPresetUpdateFiresReloadPerBoundSymbol(t *testing.T) {
	svc, st := newPresetService(t)
	ctx := context.Background()

	preset, err := svc.Create(ctx, presetUID, "live", "", Defaults(), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	symbols := []string{"BTC-USDT-SWAP", "ETH-USDT-SWAP"}
	for _, sym := range symbols {
		if err := st.SAdd(ctx, store.KeyActiveSymbols(presetUID), sym); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if err := svc.Bind(ctx, presetUID, sym, preset.ID); err != nil {
			t.Fatalf("Bind %s: %v", sym, err)
		}
	}
	// A third active symbol bound to nothing must not get a reload.
	if err := st.SAdd(ctx, store.KeyActiveSymbols(presetUID), "SOL-USDT-SWAP"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	subs := make(map[string]<-chan string)
	for _, sym := range append(symbols, "SOL-USDT-SWAP") {
		sub := st.Subscribe(ctx, store.ChannelPresetUpdate(presetUID, sym))
		t.Cleanup(func() { _ = sub.Close() })
		if _, err := sub.Receive(ctx); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		ch := make(chan string, 1)
		subs[sym] = ch
		go func(out chan string) {
			for msg := range sub.Channel() {
				out <- msg.Payload
			}
		}(ch)
	}

	cfg := Defaults()
	cfg.Leverage = 20
	if _, err := svc.Update(ctx, presetUID, preset.ID, "", "", cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for _, sym := range symbols {
		select {
		case payload := <-subs[sym]:
			if payload != "reload" {
				t.Fatalf("payload for %s = %q, expected reload", sym, payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no reload message for %s", sym)
		}
	}
	select {
	case payload := <-subs["SOL-USDT-SWAP"]:
		t.Fatalf("unbound symbol received %q", payload)
	case <-time.After(200 * time.Millisecond):
	}
}

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	st := New(Options{Addr: mr.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSetGetWithTTL(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	got, err := st.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got != "v" {
		t.Fatalf("Get = %q, expected %q", got, "v")
	}

	ttl, err := st.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL returned error: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("TTL = %v, expected (0, 1m]", ttl)
	}
}

func TestGetMissingKeyReturnsEmpty(t *testing.T) {
	st := newTestStore(t)
	got, err := st.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got != "" {
		t.Fatalf("Get = %q, expected empty", got)
	}
}

func TestScanIsCursorBased(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// More keys than one SCAN batch returns.
	for i := 0; i < 500; i++ {
		if err := st.Set(ctx, fmt.Sprintf("user:%d:okx_uid", i), "x", 0); err != nil {
			t.Fatalf("seed write failed: %v", err)
		}
	}
	keys, err := st.ScanAll(ctx, "user:*:okx_uid")
	if err != nil {
		t.Fatalf("ScanAll returned error: %v", err)
	}
	if len(keys) != 500 {
		t.Fatalf("ScanAll found %d keys, expected 500", len(keys))
	}
}

func TestGetCachedServesFromCache(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Set(ctx, "settings", "v1", 0); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if _, err := st.GetCached(ctx, "settings", SettingsCacheTTL, false); err != nil {
		t.Fatalf("first GetCached returned error: %v", err)
	}

	// Change the value behind the cache; the cached read must still win
	// inside the TTL window. (Writes through the store invalidate; this one
	// bypasses it on purpose.)
	st.Client().Set(ctx, "settings", "v2", 0)
	got, err := st.GetCached(ctx, "settings", SettingsCacheTTL, false)
	if err != nil {
		t.Fatalf("second GetCached returned error: %v", err)
	}
	if got != "v1" {
		t.Fatalf("GetCached = %q, expected cached %q", got, "v1")
	}
}

func TestWriteInvalidatesCache(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Set(ctx, "k", "v1", 0); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	if _, err := st.GetCached(ctx, "k", time.Minute, false); err != nil {
		t.Fatalf("GetCached returned error: %v", err)
	}
	if err := st.Set(ctx, "k", "v2", 0); err != nil {
		t.Fatalf("second Set returned error: %v", err)
	}
	got, err := st.GetCached(ctx, "k", time.Minute, false)
	if err != nil {
		t.Fatalf("GetCached returned error: %v", err)
	}
	if got != "v2" {
		t.Fatalf("GetCached = %q, expected %q after invalidation", got, "v2")
	}
}

func TestHSetNXClaimsOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, err := st.HSetNX(ctx, "pos", "get_tp1", "true")
	if err != nil {
		t.Fatalf("HSetNX returned error: %v", err)
	}
	second, err := st.HSetNX(ctx, "pos", "get_tp1", "true")
	if err != nil {
		t.Fatalf("second HSetNX returned error: %v", err)
	}
	if !first || second {
		t.Fatalf("HSetNX = (%v, %v), expected (true, false)", first, second)
	}
}

func TestPublishSubscribe(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sub := st.Subscribe(ctx, "chan")
	defer sub.Close()
	// Wait for the subscription to register before publishing.
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe receive failed: %v", err)
	}

	if err := st.Publish(ctx, "chan", "hello"); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	select {
	case msg := <-sub.Channel():
		if msg.Payload != "hello" {
			t.Fatalf("payload = %q, expected %q", msg.Payload, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message within 2s")
	}
}

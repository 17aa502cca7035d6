package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"swap-core/pkg/okx"
	"swap-core/pkg/store"
)

const testUID = "518796558012178692"

// newExchangeServer serves the minimal OKX surface the pool touches:
// instrument loading for validation.
func newExchangeServer(t *testing.T, validations *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/instruments", func(w http.ResponseWriter, r *http.Request) {
		if validations != nil {
			validations.Add(1)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": "0",
			"data": []map[string]string{
				{"instId": "BTC-USDT-SWAP", "ctVal": "0.01", "lotSz": "1", "minSz": "1", "tickSz": "0.1"},
			},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "0", "data": []any{}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newManager(t *testing.T, baseURL string, cfg Config) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.New(store.Options{Addr: mr.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = st.Close() })

	if err := st.HSetMap(context.Background(), store.KeyAPIKeys(testUID), map[string]string{
		"api_key": "key", "api_secret": "secret", "passphrase": "phrase",
	}); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}

	factory := func(creds okx.Credentials) *okx.Client {
		return okx.NewClient(okx.Config{Credentials: creds, BaseURL: baseURL, Timeout: 2 * time.Second})
	}
	return NewManager(cfg, StoreCredentials{Store: st}, factory, zerolog.Nop())
}

func TestAcquireBuildsValidatesAndReuses(t *testing.T) {
	var validations atomic.Int64
	srv := newExchangeServer(t, &validations)
	mgr := newManager(t, srv.URL, DefaultConfig())
	ctx := context.Background()

	client, err := mgr.Acquire(ctx, testUID)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	mgr.Release(testUID, client)

	again, err := mgr.Acquire(ctx, testUID)
	if err != nil {
		t.Fatalf("second Acquire returned error: %v", err)
	}
	if again != client {
		t.Fatal("released client was not reused")
	}
	if stats := mgr.Stats(); stats[testUID] != 1 {
		t.Fatalf("pool size = %d, expected 1", stats[testUID])
	}
}

func TestAcquireMissingCredentials(t *testing.T) {
	srv := newExchangeServer(t, nil)
	mgr := newManager(t, srv.URL, DefaultConfig())

	_, err := mgr.Acquire(context.Background(), "999999999999999999")
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Acquire = %v, expected ErrNoCredentials", err)
	}
}

func TestPoolFullAfterBoundedRetries(t *testing.T) {
	srv := newExchangeServer(t, nil)
	mgr := newManager(t, srv.URL, Config{MaxSize: 2, MaxAge: time.Hour})
	ctx := context.Background()

	// Exhaust the pool without releasing.
	for i := 0; i < 2; i++ {
		if _, err := mgr.Acquire(ctx, testUID); err != nil {
			t.Fatalf("Acquire %d returned error: %v", i, err)
		}
	}

	start := time.Now()
	_, err := mgr.Acquire(ctx, testUID)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("Acquire = %v, expected ErrPoolFull", err)
	}
	// Backoff ladder 0.5 + 1 + 2 seconds before giving up.
	if elapsed < 3*time.Second {
		t.Fatalf("gave up after %v, expected the full 3.5s backoff ladder", elapsed)
	}
	if elapsed > 6*time.Second {
		t.Fatalf("retry ladder took %v, expected to fail promptly after 3.5s", elapsed)
	}
}

func TestConcurrentAcquiresStayBounded(t *testing.T) {
	srv := newExchangeServer(t, nil)
	cfg := Config{MaxSize: 4, MaxAge: time.Hour}
	mgr := newManager(t, srv.URL, cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	var acquired atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := mgr.Acquire(ctx, testUID)
			if err != nil {
				return
			}
			acquired.Add(1)
			time.Sleep(50 * time.Millisecond)
			mgr.Release(testUID, client)
		}()
	}
	wg.Wait()

	if stats := mgr.Stats(); stats[testUID] > cfg.MaxSize {
		t.Fatalf("pool grew to %d, bound is %d", stats[testUID], cfg.MaxSize)
	}
	if acquired.Load() == 0 {
		t.Fatal("no goroutine acquired a client")
	}
}

func TestInvalidateUserDropsClients(t *testing.T) {
	srv := newExchangeServer(t, nil)
	mgr := newManager(t, srv.URL, DefaultConfig())
	ctx := context.Background()

	client, err := mgr.Acquire(ctx, testUID)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	mgr.Release(testUID, client)

	mgr.InvalidateUser(testUID)
	if stats := mgr.Stats(); stats[testUID] != 0 {
		t.Fatalf("pool size after invalidate = %d, expected 0", stats[testUID])
	}
}

func TestMaxAgeEvictsIdleClients(t *testing.T) {
	srv := newExchangeServer(t, nil)
	mgr := newManager(t, srv.URL, Config{MaxSize: 4, MaxAge: 10 * time.Millisecond})
	ctx := context.Background()

	client, err := mgr.Acquire(ctx, testUID)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	mgr.Release(testUID, client)
	time.Sleep(20 * time.Millisecond)

	again, err := mgr.Acquire(ctx, testUID)
	if err != nil {
		t.Fatalf("second Acquire returned error: %v", err)
	}
	if again == client {
		t.Fatal("aged-out client was handed back")
	}
}

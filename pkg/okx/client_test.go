package okx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		Credentials: Credentials{APIKey: "key", APISecret: "secret", Passphrase: "phrase"},
		BaseURL:     srv.URL,
		Timeout:     2 * time.Second,
	})
}

func okJSON(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"code": "0", "msg": "", "data": data})
}

func TestSignedRequestCarriesAuthHeaders(t *testing.T) {
	var gotKey, gotSign, gotStamp, gotPhrase string
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("OK-ACCESS-KEY")
		gotSign = r.Header.Get("OK-ACCESS-SIGN")
		gotStamp = r.Header.Get("OK-ACCESS-TIMESTAMP")
		gotPhrase = r.Header.Get("OK-ACCESS-PASSPHRASE")
		okJSON(w, []map[string]string{{"uid": "518796558012178692", "acctLv": "2", "posMode": "long_short_mode"}})
	}))

	if _, err := client.AccountConfiguration(context.Background()); err != nil {
		t.Fatalf("AccountConfiguration returned error: %v", err)
	}
	if gotKey != "key" || gotPhrase != "phrase" {
		t.Fatalf("auth headers = (%q, %q), expected key/phrase", gotKey, gotPhrase)
	}
	if gotSign == "" {
		t.Fatal("missing OK-ACCESS-SIGN")
	}
	// ISO-8601 with millisecond precision and Z suffix.
	iso := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)
	if !iso.MatchString(gotStamp) {
		t.Fatalf("timestamp %q is not ISO-8601 with milliseconds", gotStamp)
	}
}

func TestSignatureMatchesReference(t *testing.T) {
	// Reference prehash per the exchange docs: ts + method + path + body.
	got := sign("secret", "2024-01-02T03:04:05.000Z", "GET", "/api/v5/account/balance", "")
	want := sign("secret", "2024-01-02T03:04:05.000Z", "GET", "/api/v5/account/balance", "")
	if got != want || got == "" {
		t.Fatalf("signature not deterministic: %q vs %q", got, want)
	}
	different := sign("secret", "2024-01-02T03:04:05.000Z", "POST", "/api/v5/account/balance", "")
	if different == got {
		t.Fatal("method change did not alter the signature")
	}
}

func TestRateLimitRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "50011", "msg": "rate limit"})
			return
		}
		okJSON(w, []map[string]string{{"last": "100.5"}})
	}))

	price, err := client.LastPrice(context.Background(), "BTC-USDT-SWAP")
	if err != nil {
		t.Fatalf("LastPrice returned error: %v", err)
	}
	if price != 100.5 {
		t.Fatalf("price = %v, expected 100.5", price)
	}
	if calls.Load() < 2 {
		t.Fatalf("calls = %d, expected a retry", calls.Load())
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The lazy server-time sync hits the same server first; count only
		// the balance call itself.
		if r.URL.Path == "/api/v5/account/balance" {
			calls.Add(1)
		}
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "50111", "msg": "Invalid OK-ACCESS-KEY"})
	}))

	_, err := client.Balance(context.Background(), "USDT")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsAuth(err) {
		t.Fatalf("error %v not classified as auth", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, auth failures must not retry", calls.Load())
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		auth    bool
		rate    bool
		missing bool
	}{
		{"401", &APIError{HTTPStatus: 401}, true, false, false},
		{"bad sign", &APIError{Code: "50113"}, true, false, false},
		{"429", &APIError{HTTPStatus: 429}, false, true, false},
		{"50011", &APIError{Code: "50011"}, false, true, false},
		{"order gone", &APIError{Code: "51603"}, false, false, true},
		{"http 404", &APIError{HTTPStatus: 404}, false, false, true},
		{"plain", &APIError{Code: "51000", HTTPStatus: 400}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuth(tt.err); got != tt.auth {
				t.Fatalf("IsAuth = %v, expected %v", got, tt.auth)
			}
			if got := IsRateLimit(tt.err); got != tt.rate {
				t.Fatalf("IsRateLimit = %v, expected %v", got, tt.rate)
			}
			if got := IsNotFound(tt.err); got != tt.missing {
				t.Fatalf("IsNotFound = %v, expected %v", got, tt.missing)
			}
		})
	}
}

func TestCancelAllAlgoEmptyBookIsSuccess(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okJSON(w, []any{})
	}))
	n, err := client.CancelAllAlgo(context.Background(), "BTC-USDT-SWAP", PosLong, OrdConditional)
	if err != nil {
		t.Fatalf("CancelAllAlgo returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("cancels = %d, expected 0", n)
	}
}

func TestCancelAllAlgoFiltersBySide(t *testing.T) {
	var canceled []AlgoCancel
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v5/trade/orders-algo-pending":
			okJSON(w, []map[string]string{
				{"algoId": "a1", "instId": "BTC-USDT-SWAP", "side": "sell", "posSide": "long"},
				{"algoId": "a2", "instId": "BTC-USDT-SWAP", "side": "buy", "posSide": "short"},
			})
		case "/api/v5/trade/cancel-algos":
			_ = json.NewDecoder(r.Body).Decode(&canceled)
			okJSON(w, []map[string]string{{"sCode": "0"}})
		default:
			okJSON(w, []any{})
		}
	}))

	// Winding down the long side cancels only sell-side algos.
	n, err := client.CancelAllAlgo(context.Background(), "BTC-USDT-SWAP", PosLong, OrdConditional)
	if err != nil {
		t.Fatalf("CancelAllAlgo returned error: %v", err)
	}
	if n != 1 || len(canceled) != 1 || canceled[0].AlgoID != "a1" {
		t.Fatalf("canceled %v (n=%d), expected only a1", canceled, n)
	}
}

func TestPlaceOrderSurfacesSCodeFailures(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okJSON(w, []map[string]string{{"sCode": "51000", "sMsg": "parameter error"}})
	}))
	_, err := client.PlaceOrder(context.Background(), OrderRequest{
		InstID: "BTC-USDT-SWAP", Side: SideBuy, PosSide: PosLong, OrdType: OrdMarket, Size: "1",
	})
	if err == nil {
		t.Fatal("expected sCode failure")
	}
}

func TestFetchOrderMissingMapsToNotFound(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okJSON(w, []any{})
	}))
	_, err := client.FetchOrder(context.Background(), "BTC-USDT-SWAP", "missing", false)
	if !IsNotFound(err) {
		t.Fatalf("FetchOrder = %v, expected not-found", err)
	}
}

func TestTimeSyncFallsBackToLocalClock(t *testing.T) {
	ts := newTimeSync(func() (int64, error) { return 0, context.DeadlineExceeded }, time.Minute)
	before := time.Now().UnixMilli()
	got := ts.Now()
	after := time.Now().UnixMilli()
	if got < before || got > after+10 {
		t.Fatalf("Now = %d outside local window [%d, %d]", got, before, after)
	}
	if ts.Offset() != 0 {
		t.Fatalf("offset = %d, expected 0 on failure", ts.Offset())
	}
}

func TestTimeSyncCachesOffset(t *testing.T) {
	var calls atomic.Int64
	ts := newTimeSync(func() (int64, error) {
		calls.Add(1)
		return time.Now().UnixMilli() + 5000, nil
	}, time.Hour)

	ts.Now()
	ts.Now()
	ts.Now()
	if calls.Load() != 1 {
		t.Fatalf("server time fetched %d times, expected cache to hold at 1", calls.Load())
	}
	offset := ts.Offset()
	if offset < 4000 || offset > 6000 {
		t.Fatalf("offset = %dms, expected ~5000", offset)
	}
}

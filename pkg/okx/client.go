// Package okx is a thin client for the OKX v5 REST API covering the order,
// account and public endpoints the trading core uses. Requests are signed
// with a cached server-time offset and retried on transient failures.
package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultBaseURL = "https://www.okx.com"

	retryMax  = 3
	retryBase = 2 * time.Second

	validateTimeout = 5 * time.Second
)

// Credentials are one user's OKX API credentials.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Config builds a Client.
type Config struct {
	Credentials
	BaseURL       string
	Simulated     bool
	Timeout       time.Duration
	TimeSyncEvery time.Duration
}

// Client is an authenticated OKX REST client for a single user.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
	ts   *timeSync

	instMu      sync.RWMutex
	instruments map[string]Instrument
}

// NewClient builds a client. No network call is made until first use.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = retryMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return retryBase * time.Duration(1<<attemptNum)
	}
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil // connection-level failure
		}
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return true, nil
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return false, nil
		}
		return resp.StatusCode >= 500, nil
	}

	c := &Client{
		cfg:         cfg,
		http:        rc,
		instruments: make(map[string]Instrument),
	}
	c.ts = newTimeSync(c.serverTime, cfg.TimeSyncEvery)
	return c
}

// Close releases idle transport connections. The client stays usable.
func (c *Client) Close() {
	c.http.HTTPClient.CloseIdleConnections()
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do issues one API call, signing when auth is set, and decodes data into out.
// Application-level rate limits (50011) are retried on the same ladder as
// transport failures; terminal codes surface as *APIError immediately.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, auth bool, out any) error {
	var err error
	backoff := retryBase
	for attempt := 0; ; attempt++ {
		err = c.doOnce(ctx, method, path, query, body, auth, out)
		if err == nil || !IsRateLimit(err) || attempt >= retryMax {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body any, auth bool, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("okx: marshal request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.cfg.BaseURL+requestPath, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Simulated {
		req.Header.Set("x-simulated-trading", "1")
	}
	if auth {
		stamp := isoTimestamp(c.ts.Now())
		req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", sign(c.cfg.APISecret, stamp, method, requestPath, string(payload)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", stamp)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("okx: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		if res.StatusCode >= 300 {
			return &APIError{HTTPStatus: res.StatusCode, Msg: res.Status}
		}
		return fmt.Errorf("okx: decode %s: %w", path, err)
	}
	if res.StatusCode >= 300 || (env.Code != "" && env.Code != "0") {
		return &APIError{Code: env.Code, HTTPStatus: res.StatusCode, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("okx: decode %s data: %w", path, err)
		}
	}
	return nil
}

// --- public ---

func (c *Client) serverTime() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var rows []struct {
		Ts string `json:"ts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/public/time", nil, nil, false, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, errors.New("okx: empty server time response")
	}
	return strconv.ParseInt(rows[0].Ts, 10, 64)
}

// Validate confirms the client can reach the exchange by loading the SWAP
// instrument table. Bounded to 5 s; used by the pool before lending a client.
func (c *Client) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return c.loadInstruments(ctx)
}

func (c *Client) loadInstruments(ctx context.Context) error {
	q := url.Values{"instType": {"SWAP"}}
	var rows []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
		TickSz string `json:"tickSz"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/public/instruments", q, nil, false, &rows); err != nil {
		return err
	}
	c.instMu.Lock()
	for _, r := range rows {
		c.instruments[r.InstID] = Instrument{
			InstID:   r.InstID,
			CtVal:    parseF(r.CtVal),
			LotSize:  parseF(r.LotSz),
			MinSize:  parseF(r.MinSz),
			TickSize: parseF(r.TickSz),
		}
	}
	c.instMu.Unlock()
	return nil
}

// Instrument returns cached contract specs, loading the table on first use.
func (c *Client) Instrument(ctx context.Context, instID string) (Instrument, error) {
	c.instMu.RLock()
	inst, ok := c.instruments[instID]
	c.instMu.RUnlock()
	if ok {
		return inst, nil
	}
	if err := c.loadInstruments(ctx); err != nil {
		return Instrument{}, err
	}
	c.instMu.RLock()
	inst, ok = c.instruments[instID]
	c.instMu.RUnlock()
	if !ok {
		return Instrument{}, fmt.Errorf("okx: unknown instrument %s", instID)
	}
	return inst, nil
}

// LastPrice returns the latest trade price for an instrument.
func (c *Client) LastPrice(ctx context.Context, instID string) (float64, error) {
	q := url.Values{"instId": {instID}}
	var rows []struct {
		Last string `json:"last"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/market/ticker", q, nil, false, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("okx: no ticker for %s", instID)
	}
	return parseF(rows[0].Last), nil
}

// Candle is one OHLCV bar, newest first as the exchange returns them.
type Candle struct {
	Ts     int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Candles fetches up to limit bars for the given bar size ("1m", "1H", ...).
func (c *Client) Candles(ctx context.Context, instID, bar string, limit int) ([]Candle, error) {
	q := url.Values{"instId": {instID}, "bar": {bar}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var rows [][]string
	if err := c.do(ctx, http.MethodGet, "/api/v5/market/candles", q, nil, false, &rows); err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(r[0], 10, 64)
		out = append(out, Candle{
			Ts:     ts,
			Open:   parseF(r[1]),
			High:   parseF(r[2]),
			Low:    parseF(r[3]),
			Close:  parseF(r[4]),
			Volume: parseF(r[5]),
		})
	}
	return out, nil
}

// --- account ---

// AccountConfiguration fetches /account/config (UID, position mode).
func (c *Client) AccountConfiguration(ctx context.Context) (AccountConfig, error) {
	var rows []struct {
		UID      string `json:"uid"`
		AcctLv   string `json:"acctLv"`
		PosMode  string `json:"posMode"`
		MainUID  string `json:"mainUid"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/config", nil, nil, true, &rows); err != nil {
		return AccountConfig{}, err
	}
	if len(rows) == 0 {
		return AccountConfig{}, errors.New("okx: empty account config")
	}
	return AccountConfig{
		UID:       rows[0].UID,
		AcctLevel: rows[0].AcctLv,
		PosMode:   rows[0].PosMode,
		MainUID:   rows[0].MainUID,
	}, nil
}

// InviteeDetail queries the affiliate directory for a UID.
func (c *Client) InviteeDetail(ctx context.Context, uid string) (InviteeDetail, error) {
	q := url.Values{"uid": {uid}}
	var rows []struct {
		InviteeLv   string `json:"inviteeLv"`
		JoinTime    string `json:"joinTime"`
		InviteeRebateRate string `json:"inviteeRebateRate"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/affiliate/invitee/detail", q, nil, true, &rows); err != nil {
		return InviteeDetail{}, err
	}
	if len(rows) == 0 {
		return InviteeDetail{}, &APIError{Code: "404", HTTPStatus: 404, Msg: "invitee not found"}
	}
	join, _ := strconv.ParseInt(rows[0].JoinTime, 10, 64)
	return InviteeDetail{
		UID:      uid,
		Level:    rows[0].InviteeLv,
		JoinTime: join,
		Rebate:   parseF(rows[0].InviteeRebateRate),
	}, nil
}

// Balance returns the trading-account balance for one currency.
func (c *Client) Balance(ctx context.Context, ccy string) (Balance, error) {
	q := url.Values{}
	if ccy != "" {
		q.Set("ccy", ccy)
	}
	var rows []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			Eq       string `json:"eq"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/balance", q, nil, true, &rows); err != nil {
		return Balance{}, err
	}
	for _, row := range rows {
		for _, d := range row.Details {
			if ccy == "" || d.Ccy == ccy {
				return Balance{Currency: d.Ccy, Total: parseF(d.Eq), Available: parseF(d.AvailBal)}, nil
			}
		}
	}
	return Balance{Currency: ccy}, nil
}

// Positions returns live positions; instIDs filters when non-empty.
func (c *Client) Positions(ctx context.Context, instIDs ...string) ([]Position, error) {
	q := url.Values{"instType": {"SWAP"}}
	if len(instIDs) == 1 {
		q.Set("instId", instIDs[0])
	}
	var rows []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		Lever   string `json:"lever"`
		Upl     string `json:"upl"`
		CTime   string `json:"cTime"`
		UTime   string `json:"uTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/account/positions", q, nil, true, &rows); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(instIDs))
	for _, id := range instIDs {
		want[id] = true
	}
	out := make([]Position, 0, len(rows))
	for _, r := range rows {
		if len(want) > 0 && !want[r.InstID] {
			continue
		}
		ct, _ := strconv.ParseInt(r.CTime, 10, 64)
		ut, _ := strconv.ParseInt(r.UTime, 10, 64)
		out = append(out, Position{
			InstID:     r.InstID,
			PosSide:    PosSide(r.PosSide),
			Contracts:  parseF(r.Pos),
			AvgPrice:   parseF(r.AvgPx),
			Leverage:   parseF(r.Lever),
			UPnL:       parseF(r.Upl),
			CreateTime: ct,
			UpdateTime: ut,
		})
	}
	return out, nil
}

// SetLeverage applies leverage for an instrument and position side.
func (c *Client) SetLeverage(ctx context.Context, instID string, lever int, posSide PosSide) error {
	body := map[string]string{
		"instId":  instID,
		"lever":   strconv.Itoa(lever),
		"mgnMode": "cross",
	}
	if posSide != "" {
		body["posSide"] = string(posSide)
	}
	return c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", nil, body, true, nil)
}

// --- orders ---

// PlaceOrder submits a regular order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.TdMode == "" {
		req.TdMode = "cross"
	}
	if req.Leverage > 0 {
		if err := c.SetLeverage(ctx, req.InstID, req.Leverage, req.PosSide); err != nil {
			return OrderResult{}, err
		}
	}
	body := map[string]any{
		"instId":  req.InstID,
		"tdMode":  req.TdMode,
		"side":    string(req.Side),
		"ordType": string(req.OrdType),
		"sz":      req.Size,
	}
	if req.PosSide != "" {
		body["posSide"] = string(req.PosSide)
	}
	if req.Price != "" {
		body["px"] = req.Price
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.ClientID != "" {
		body["clOrdId"] = req.ClientID
	}

	var rows []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, true, &rows); err != nil {
		return OrderResult{}, err
	}
	if len(rows) == 0 {
		return OrderResult{}, errors.New("okx: empty order response")
	}
	r := rows[0]
	if r.SCode != "" && r.SCode != "0" {
		return OrderResult{}, &APIError{Code: r.SCode, HTTPStatus: 200, Msg: r.SMsg}
	}
	return OrderResult{OrderID: r.OrdID, ClientID: r.ClOrdID, SCode: r.SCode}, nil
}

// CancelOrder cancels a regular order by id.
func (c *Client) CancelOrder(ctx context.Context, instID, orderID string) error {
	body := map[string]string{"instId": instID, "ordId": orderID}
	var rows []struct {
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body, true, &rows); err != nil {
		return err
	}
	if len(rows) > 0 && rows[0].SCode != "" && rows[0].SCode != "0" {
		return &APIError{Code: rows[0].SCode, HTTPStatus: 200, Msg: rows[0].SMsg}
	}
	return nil
}

// FetchOrder retrieves one order; isAlgo selects the algo-order endpoint.
func (c *Client) FetchOrder(ctx context.Context, instID, orderID string, isAlgo bool) (OrderDetail, error) {
	if isAlgo {
		return c.fetchAlgoOrder(ctx, orderID)
	}
	q := url.Values{"instId": {instID}, "ordId": {orderID}}
	var rows []orderRow
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/order", q, nil, true, &rows); err != nil {
		return OrderDetail{}, err
	}
	if len(rows) == 0 {
		return OrderDetail{}, &APIError{Code: codeOrderNotExist, HTTPStatus: 200, Msg: "order does not exist"}
	}
	return rows[0].detail(false), nil
}

// PendingOrders lists live regular orders for an instrument.
func (c *Client) PendingOrders(ctx context.Context, instID string) ([]OrderDetail, error) {
	q := url.Values{"instType": {"SWAP"}}
	if instID != "" {
		q.Set("instId", instID)
	}
	var rows []orderRow
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/orders-pending", q, nil, true, &rows); err != nil {
		return nil, err
	}
	out := make([]OrderDetail, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.detail(false))
	}
	return out, nil
}

// RecentFilledOrders lists SWAP orders filled since begin (unix ms) for an
// instrument. Used by the monitor's missing-order sweep.
func (c *Client) RecentFilledOrders(ctx context.Context, instID string, begin int64) ([]OrderDetail, error) {
	q := url.Values{"instType": {"SWAP"}, "state": {"filled"}}
	if instID != "" {
		q.Set("instId", instID)
	}
	if begin > 0 {
		q.Set("begin", strconv.FormatInt(begin, 10))
	}
	var rows []orderRow
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/orders-history", q, nil, true, &rows); err != nil {
		return nil, err
	}
	out := make([]OrderDetail, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.detail(false))
	}
	return out, nil
}

type orderRow struct {
	OrdID     string `json:"ordId"`
	AlgoID    string `json:"algoId"`
	InstID    string `json:"instId"`
	State     string `json:"state"`
	Side      string `json:"side"`
	PosSide   string `json:"posSide"`
	Px        string `json:"px"`
	AvgPx     string `json:"avgPx"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"`
	TriggerPx string `json:"triggerPx"`
	SlTrigPx  string `json:"slTriggerPx"`
	CTime     string `json:"cTime"`
	UTime     string `json:"uTime"`
	FillTime  string `json:"fillTime"`
}

func (r orderRow) detail(isAlgo bool) OrderDetail {
	ct, _ := strconv.ParseInt(r.CTime, 10, 64)
	ut, _ := strconv.ParseInt(r.UTime, 10, 64)
	ft, _ := strconv.ParseInt(r.FillTime, 10, 64)
	trigger := parseF(r.TriggerPx)
	if trigger == 0 {
		trigger = parseF(r.SlTrigPx)
	}
	return OrderDetail{
		OrderID:    r.OrdID,
		AlgoID:     r.AlgoID,
		InstID:     r.InstID,
		State:      State(r.State),
		Side:       Side(r.Side),
		PosSide:    PosSide(r.PosSide),
		Price:      parseF(r.Px),
		AvgPrice:   parseF(r.AvgPx),
		Size:       parseF(r.Sz),
		FillSize:   parseF(r.AccFillSz),
		TriggerPx:  trigger,
		CreateTime: ct,
		UpdateTime: ut,
		FillTime:   ft,
		IsAlgo:     isAlgo,
	}
}

func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

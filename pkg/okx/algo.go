package okx

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// PlaceAlgoOrder submits an algorithmic (trigger) order, typically the
// stop-loss leg of a position.
func (c *Client) PlaceAlgoOrder(ctx context.Context, req AlgoOrderRequest) (OrderResult, error) {
	if req.TdMode == "" {
		req.TdMode = "cross"
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
	if req.SlTriggerPx != "" {
		body["slTriggerPx"] = req.SlTriggerPx
		body["slOrdPx"] = orDefault(req.SlOrdPx, "-1")
	}
	if req.TpTriggerPx != "" {
		body["tpTriggerPx"] = req.TpTriggerPx
		body["tpOrdPx"] = orDefault(req.TpOrdPx, "-1")
	}
	if req.TriggerPx != "" {
		body["triggerPx"] = req.TriggerPx
		body["orderPx"] = orDefault(req.OrderPx, "-1")
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	var rows []struct {
		AlgoID string `json:"algoId"`
		SCode  string `json:"sCode"`
		SMsg   string `json:"sMsg"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order-algo", nil, body, true, &rows); err != nil {
		return OrderResult{}, err
	}
	if len(rows) == 0 {
		return OrderResult{}, errors.New("okx: empty algo order response")
	}
	r := rows[0]
	if r.SCode != "" && r.SCode != "0" {
		return OrderResult{}, &APIError{Code: r.SCode, HTTPStatus: 200, Msg: r.SMsg}
	}
	return OrderResult{AlgoID: r.AlgoID}, nil
}

func (c *Client) fetchAlgoOrder(ctx context.Context, algoID string) (OrderDetail, error) {
	q := url.Values{"algoId": {algoID}}
	var rows []orderRow
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/order-algo", q, nil, true, &rows); err != nil {
		return OrderDetail{}, err
	}
	if len(rows) == 0 {
		return OrderDetail{}, &APIError{Code: codeAlgoNotExist, HTTPStatus: 200, Msg: "algo order does not exist"}
	}
	d := rows[0].detail(true)
	if d.OrderID == "" {
		d.OrderID = d.AlgoID
	}
	return d, nil
}

// PendingAlgoOrders lists pending algo orders for an instrument and type.
func (c *Client) PendingAlgoOrders(ctx context.Context, instID string, ordType OrdType) ([]OrderDetail, error) {
	q := url.Values{"ordType": {string(ordType)}}
	if instID != "" {
		q.Set("instId", instID)
	}
	var rows []orderRow
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/orders-algo-pending", q, nil, true, &rows); err != nil {
		return nil, err
	}
	out := make([]OrderDetail, 0, len(rows))
	for _, r := range rows {
		d := r.detail(true)
		if d.OrderID == "" {
			d.OrderID = d.AlgoID
		}
		out = append(out, d)
	}
	return out, nil
}

// AlgoHistory lists recent terminal algo orders.
func (c *Client) AlgoHistory(ctx context.Context, instID string, ordType OrdType, state string) ([]OrderDetail, error) {
	q := url.Values{"ordType": {string(ordType)}}
	if instID != "" {
		q.Set("instId", instID)
	}
	if state != "" {
		q.Set("state", state)
	}
	var rows []orderRow
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/orders-algo-history", q, nil, true, &rows); err != nil {
		return nil, err
	}
	out := make([]OrderDetail, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.detail(true))
	}
	return out, nil
}

// AlgoCancel identifies one algo order in a batch cancel.
type AlgoCancel struct {
	AlgoID string `json:"algoId"`
	InstID string `json:"instId"`
}

// CancelAlgoOrders cancels a batch of algo orders. An empty batch is success.
func (c *Client) CancelAlgoOrders(ctx context.Context, batch []AlgoCancel) error {
	if len(batch) == 0 {
		return nil
	}
	var rows []struct {
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-algos", nil, batch, true, &rows); err != nil {
		return err
	}
	for _, r := range rows {
		if r.SCode != "" && r.SCode != "0" {
			err := &APIError{Code: r.SCode, HTTPStatus: 200, Msg: r.SMsg}
			if IsNotFound(err) {
				continue // already gone counts as canceled
			}
			return err
		}
	}
	return nil
}

// CancelAllAlgo fetches pending algo orders for (instID, ordType), optionally
// filters by the position side being wound down (long cancels sells, short
// cancels buys), and batch-cancels them. Returns the number of cancels sent;
// an empty book is success.
func (c *Client) CancelAllAlgo(ctx context.Context, instID string, side PosSide, ordType OrdType) (int, error) {
	pending, err := c.PendingAlgoOrders(ctx, instID, ordType)
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	batch := make([]AlgoCancel, 0, len(pending))
	for _, o := range pending {
		if side == PosLong && o.Side != SideSell {
			continue
		}
		if side == PosShort && o.Side != SideBuy {
			continue
		}
		batch = append(batch, AlgoCancel{AlgoID: o.AlgoID, InstID: o.InstID})
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := c.CancelAlgoOrders(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

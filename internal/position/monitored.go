package position

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"swap-core/pkg/store"
)

// Monitored order statuses.
const (
	OrderOpen     = "open"
	OrderFilled   = "filled"
	OrderCanceled = "canceled"
	OrderFailed   = "failed"
)

// ArchiveTTL bounds the completed-order archive.
const ArchiveTTL = 14 * 24 * time.Hour

// MonitoredOrder is one order row under monitor:user:*.
type MonitoredOrder struct {
	UID         string
	Symbol      string
	OrderID     string
	Status      string
	Price       float64
	PosSide     string // long | short
	Contracts   float64
	Filled      float64
	Remain      float64
	OrderType   string // tp1..tp3, sl, break_even, limit, market
	OrderName   string // disambiguates when order_type is ambiguous
	PositionQty float64
	IsHedge     bool
	IsAlgo      bool
	CreatedAt   int64
	UpdatedAt   int64
}

// TPLevel parses the trailing digit of a tpN order type; zero when not a TP.
func (m *MonitoredOrder) TPLevel() int {
	name := m.OrderType
	if !strings.HasPrefix(name, "tp") {
		name = m.OrderName
	}
	if !strings.HasPrefix(name, "tp") || len(name) != 3 {
		return 0
	}
	level, _ := strconv.Atoi(name[2:])
	return level
}

// IsTerminal reports a status that ends monitoring.
func (m *MonitoredOrder) IsTerminal() bool {
	return m.Status == OrderFilled || m.Status == OrderCanceled || m.Status == OrderFailed
}

// Orders tracks monitored order rows and their archive.
type Orders struct {
	store *store.Store
}

func NewOrders(s *store.Store) *Orders {
	return &Orders{store: s}
}

// Put creates or replaces a monitored row.
func (o *Orders) Put(ctx context.Context, m MonitoredOrder) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	m.UpdatedAt = time.Now().Unix()
	return o.store.HSetMap(ctx, store.KeyMonitorOrder(m.UID, m.Symbol, m.OrderID), encodeOrder(m))
}

// Get fetches one row; nil when absent.
func (o *Orders) Get(ctx context.Context, uid, symbol, orderID string) (*MonitoredOrder, error) {
	fields, err := o.store.HGetAll(ctx, store.KeyMonitorOrder(uid, symbol, orderID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	m := decodeOrder(fields)
	m.UID, m.Symbol, m.OrderID = uid, symbol, orderID
	return &m, nil
}

// ListForUser scans every live monitored row for a user.
func (o *Orders) ListForUser(ctx context.Context, uid string) ([]MonitoredOrder, error) {
	keys, err := o.store.ScanAll(ctx, "monitor:user:"+uid+":*:order:*")
	if err != nil {
		return nil, err
	}
	out := make([]MonitoredOrder, 0, len(keys))
	for _, key := range keys {
		fields, err := o.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		m := decodeOrder(fields)
		m.UID = uid
		// monitor:user:{uid}:{symbol}:order:{id}
		parts := strings.Split(key, ":")
		if len(parts) == 6 {
			m.Symbol = parts[3]
			m.OrderID = parts[5]
		}
		out = append(out, m)
	}
	return out, nil
}

// UpdateStatus writes status and fill counters on the live row.
func (o *Orders) UpdateStatus(ctx context.Context, uid, symbol, orderID, status string, filled, remain float64) error {
	return o.store.HSetMap(ctx, store.KeyMonitorOrder(uid, symbol, orderID), map[string]string{
		"status":                  status,
		"filled_contracts_amount": formatF(filled),
		"remain_contracts_amount": formatF(remain),
		"updated_at":              strconv.FormatInt(time.Now().Unix(), 10),
	})
}

// Archive moves a terminal row to the completed keyspace with a 14-day TTL
// and deletes the live row in the same pipeline.
func (o *Orders) Archive(ctx context.Context, m MonitoredOrder) error {
	m.UpdatedAt = time.Now().Unix()
	fields := encodeOrder(m)
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	liveKey := store.KeyMonitorOrder(m.UID, m.Symbol, m.OrderID)
	doneKey := store.KeyCompletedOrder(m.UID, m.Symbol, m.OrderID)
	return o.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, doneKey, args...)
		pipe.Expire(ctx, doneKey, ArchiveTTL)
		pipe.Del(ctx, liveKey)
		return nil
	})
}

func encodeOrder(m MonitoredOrder) map[string]string {
	return map[string]string{
		"status":                  m.Status,
		"price":                   formatF(m.Price),
		"position_side":           m.PosSide,
		"contracts_amount":        formatF(m.Contracts),
		"filled_contracts_amount": formatF(m.Filled),
		"remain_contracts_amount": formatF(m.Remain),
		"order_type":              m.OrderType,
		"order_name":              m.OrderName,
		"position_qty":            formatF(m.PositionQty),
		"is_hedge":                boolStr(m.IsHedge),
		"is_algo":                 boolStr(m.IsAlgo),
		"created_at":              strconv.FormatInt(m.CreatedAt, 10),
		"updated_at":              strconv.FormatInt(m.UpdatedAt, 10),
	}
}

func decodeOrder(fields map[string]string) MonitoredOrder {
	m := MonitoredOrder{
		Status:      fields["status"],
		Price:       f(fields, "price"),
		PosSide:     fields["position_side"],
		Contracts:   f(fields, "contracts_amount"),
		Filled:      f(fields, "filled_contracts_amount"),
		Remain:      f(fields, "remain_contracts_amount"),
		OrderType:   fields["order_type"],
		OrderName:   fields["order_name"],
		PositionQty: f(fields, "position_qty"),
		IsHedge:     fields["is_hedge"] == "true",
		IsAlgo:      fields["is_algo"] == "true",
	}
	m.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	m.UpdatedAt, _ = strconv.ParseInt(fields["updated_at"], 10, 64)
	return m
}

package okx

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PosSide labels the position direction in hedge ("long/short") mode.
type PosSide string

const (
	PosLong  PosSide = "long"
	PosShort PosSide = "short"
)

// Opposite returns the closing order side for a position side.
func (p PosSide) Opposite() Side {
	if p == PosLong {
		return SideSell
	}
	return SideBuy
}

// OrdType enumerates the order types the core places.
type OrdType string

const (
	OrdMarket      OrdType = "market"
	OrdLimit       OrdType = "limit"
	OrdConditional OrdType = "conditional" // algo: one-sided TP/SL trigger
	OrdTrigger     OrdType = "trigger"     // algo: plain trigger order
)

// State normalizes exchange order states.
type State string

const (
	StateLive            State = "live"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateCanceled        State = "canceled"
	StateEffective       State = "effective"
	StateOrderFailed     State = "order_failed"
)

// OrderRequest captures an order intent for /trade/order.
type OrderRequest struct {
	InstID     string
	TdMode     string // cross | isolated
	Side       Side
	PosSide    PosSide
	OrdType    OrdType
	Size       string // contracts, exchange lot units
	Price      string // limit orders only
	ReduceOnly bool
	ClientID   string
	Leverage   int // applied via set-leverage before the order when > 0
}

// AlgoOrderRequest captures an algorithmic (trigger) order intent.
type AlgoOrderRequest struct {
	InstID       string
	TdMode       string
	Side         Side
	PosSide      PosSide
	OrdType      OrdType // conditional | trigger
	Size         string
	SlTriggerPx  string
	SlOrdPx      string // "-1" = market on trigger
	TpTriggerPx  string
	TpOrdPx      string
	ReduceOnly   bool
	TriggerPx    string // plain trigger orders
	OrderPx      string
}

// OrderResult is the ack for a placed order.
type OrderResult struct {
	OrderID  string
	AlgoID   string
	ClientID string
	SCode    string
	SMsg     string
}

// OrderDetail is the normalized view of a fetched order (regular or algo).
type OrderDetail struct {
	OrderID    string
	AlgoID     string
	InstID     string
	State      State
	Side       Side
	PosSide    PosSide
	Price      float64
	AvgPrice   float64
	Size       float64
	FillSize   float64
	TriggerPx  float64
	CreateTime int64 // unix ms
	UpdateTime int64 // unix ms
	FillTime   int64 // unix ms, zero when not filled
	IsAlgo     bool
}

// Remaining returns unfilled contracts.
func (d OrderDetail) Remaining() float64 {
	if r := d.Size - d.FillSize; r > 0 {
		return r
	}
	return 0
}

// Position is one side of a live swap position.
type Position struct {
	InstID     string
	PosSide    PosSide
	Contracts  float64 // pos, contract units
	AvgPrice   float64
	Leverage   float64
	UPnL       float64
	CreateTime int64
	UpdateTime int64
}

// Balance is the USDT trading-account view.
type Balance struct {
	Currency  string
	Total     float64
	Available float64
}

// Instrument carries the contract specs needed for sizing.
type Instrument struct {
	InstID   string
	CtVal    float64 // contract value in base currency
	LotSize  float64 // size increment
	MinSize  float64 // minimum order size, contracts
	TickSize float64
}

// AccountConfig is the subset of /account/config the core consumes.
type AccountConfig struct {
	UID        string
	AcctLevel  string
	PosMode    string // long_short_mode | net_mode
	MainUID    string
}

// InviteeDetail is the affiliate lookup used by registration checks.
type InviteeDetail struct {
	UID         string
	Level       string
	JoinTime    int64
	Rebate      float64
}

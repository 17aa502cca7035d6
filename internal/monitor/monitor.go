// Package monitor is the process-wide reconciliation loop: it polls active
// orders against the exchange, detects fills, drives break-even and trailing
// transitions, archives finished orders and cleans up what the exchange or
// the process left behind.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"swap-core/internal/dispatch"
	"swap-core/internal/gateway"
	"swap-core/internal/position"
	"swap-core/internal/settings"
	"swap-core/internal/trailing"
	"swap-core/internal/tpsl"
	"swap-core/pkg/okx"
	"swap-core/pkg/store"
)

const (
	baseTick          = 2 * time.Second
	fullPollEvery     = 8 // ~15 s at the base tick
	openHeartbeat     = 5 // ~10 s
	tpCadence         = 2
	sweepInterval     = 5 * time.Minute
	staleFillWindow   = 15 * time.Minute
	missingOrderScan  = time.Hour
	closureVerifDelay = 2 * time.Second

	supervisorMaxRestarts = 10
	supervisorBackoffCap  = 5 * time.Minute
)

// Exchange is the client surface the monitor needs; *okx.Client satisfies it
// (and through it the TP/SL engine and trailing handler interfaces).
type Exchange interface {
	LastPrice(ctx context.Context, instID string) (float64, error)
	FetchOrder(ctx context.Context, instID, orderID string, isAlgo bool) (okx.OrderDetail, error)
	Positions(ctx context.Context, instIDs ...string) ([]okx.Position, error)
	PlaceOrder(ctx context.Context, req okx.OrderRequest) (okx.OrderResult, error)
	PlaceAlgoOrder(ctx context.Context, req okx.AlgoOrderRequest) (okx.OrderResult, error)
	CancelOrder(ctx context.Context, instID, orderID string) error
	CancelAlgoOrders(ctx context.Context, batch []okx.AlgoCancel) error
	CancelAllAlgo(ctx context.Context, instID string, side okx.PosSide, ordType okx.OrdType) (int, error)
	PendingOrders(ctx context.Context, instID string) ([]okx.OrderDetail, error)
	PendingAlgoOrders(ctx context.Context, instID string, ordType okx.OrdType) ([]okx.OrderDetail, error)
	RecentFilledOrders(ctx context.Context, instID string, begin int64) ([]okx.OrderDetail, error)
	Instrument(ctx context.Context, instID string) (okx.Instrument, error)
}

// ExchangePool lends Exchange clients per user.
type ExchangePool interface {
	Acquire(ctx context.Context, uid string) (Exchange, error)
	Release(uid string, ex Exchange)
}

// GatewayPool adapts the gateway manager to ExchangePool.
type GatewayPool struct {
	Manager *gateway.Manager
}

func (g GatewayPool) Acquire(ctx context.Context, uid string) (Exchange, error) {
	return g.Manager.Acquire(ctx, uid)
}

func (g GatewayPool) Release(uid string, ex Exchange) {
	if client, ok := ex.(*okx.Client); ok {
		g.Manager.Release(uid, client)
	}
}

// Config tunes the loop.
type Config struct {
	TickInterval      time.Duration
	MemoryThresholdMB int
}

// Monitor is the background reconciler.
type Monitor struct {
	store     *store.Store
	pool      ExchangePool
	positions *position.Repository
	orders    *position.Orders
	engine    *tpsl.Engine
	trailing  *trailing.Handler
	settings  *settings.Service
	notifier  dispatch.Notifier
	log       zerolog.Logger
	cfg       Config

	iter int

	mu         sync.Mutex
	prevStatus map[string]string
	prevOpen   map[string]int
	lastOrphan map[string]time.Time
	lastCard   map[string]time.Time

	tpq    *tpQueue
	health *healthCheck
}

func New(s *store.Store, pool ExchangePool, pos *position.Repository, orders *position.Orders,
	engine *tpsl.Engine, tr *trailing.Handler, set *settings.Service,
	notifier dispatch.Notifier, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = baseTick
	}
	if cfg.MemoryThresholdMB <= 0 {
		cfg.MemoryThresholdMB = 512
	}
	m := &Monitor{
		store:      s,
		pool:       pool,
		positions:  pos,
		orders:     orders,
		engine:     engine,
		trailing:   tr,
		settings:   set,
		notifier:   notifier,
		log:        log,
		cfg:        cfg,
		prevStatus: make(map[string]string),
		prevOpen:   make(map[string]int),
		lastOrphan: make(map[string]time.Time),
		lastCard:   make(map[string]time.Time),
		tpq:        newTPQueue(),
		health:     newHealthCheck(s, cfg.MemoryThresholdMB, log),
	}
	engine.SetRaceFillSink(m)
	return m
}

// Run supervises the loop: a crash restarts it with exponential backoff up to
// ten attempts, after which a terminal alert is raised and Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	backoff := 5 * time.Second
	for attempt := 0; attempt <= supervisorMaxRestarts; attempt++ {
		err := m.loop(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		m.log.Error().Err(err).Int("attempt", attempt+1).Msg("monitor loop crashed, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > supervisorBackoffCap {
			backoff = supervisorBackoffCap
		}
	}
	m.log.Error().Msg("monitor exceeded restart budget")
	return fmt.Errorf("monitor: exceeded %d restarts", supervisorMaxRestarts)
}

func (m *Monitor) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor panic: %v", r)
		}
	}()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	m.iter++
	m.health.run(ctx)

	users, err := m.runningUsers(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("running-user scan failed")
		return
	}

	for uid, symbols := range users {
		m.safeUser(ctx, uid, symbols)
	}

	m.tpq.Tick()
}

// runningUsers scans status keys and returns uid -> running symbols.
func (m *Monitor) runningUsers(ctx context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	err := m.store.Scan(ctx, "user:*:symbol:*:status", func(keys []string) bool {
		for _, key := range keys {
			v, err := m.store.Get(ctx, key)
			if err != nil || v != "running" {
				continue
			}
			// user:{uid}:symbol:{sym}:status
			parts := strings.Split(key, ":")
			if len(parts) != 5 {
				continue
			}
			uid, sym := parts[1], parts[3]
			out[uid] = append(out[uid], sym)
		}
		return true
	})
	return out, err
}

// safeUser processes one user; a failure there never takes the loop down.
func (m *Monitor) safeUser(ctx context.Context, uid string, symbols []string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("uid", uid).Interface("panic", r).Msg("user section panicked")
		}
	}()

	client, err := m.pool.Acquire(ctx, uid)
	if err != nil {
		m.log.Warn().Err(err).Str("uid", uid).Msg("client acquire failed, skipping user")
		return
	}
	defer m.pool.Release(uid, client)

	rows, err := m.orders.ListForUser(ctx, uid)
	if err != nil {
		m.log.Error().Err(err).Str("uid", uid).Msg("monitored order scan failed")
		return
	}

	bySymbol := make(map[string][]position.MonitoredOrder)
	for _, row := range rows {
		if row.IsTerminal() {
			continue
		}
		bySymbol[row.Symbol] = append(bySymbol[row.Symbol], row)
	}

	seen := make(map[string]bool)
	for _, sym := range symbols {
		seen[sym] = true
		m.safeSymbol(ctx, client, uid, sym, bySymbol[sym])
	}
	for sym, symRows := range bySymbol {
		if !seen[sym] {
			m.safeSymbol(ctx, client, uid, sym, symRows)
		}
	}

	// Orphaned algo orders, once per user per sweep interval.
	m.mu.Lock()
	due := time.Since(m.lastOrphan[uid]) > sweepInterval
	if due {
		m.lastOrphan[uid] = time.Now()
	}
	m.mu.Unlock()
	if due {
		allSymbols := make([]string, 0, len(bySymbol))
		for sym := range bySymbol {
			allSymbols = append(allSymbols, sym)
		}
		for _, sym := range symbols {
			if _, ok := bySymbol[sym]; !ok {
				allSymbols = append(allSymbols, sym)
			}
		}
		m.sweepOrphans(ctx, client, uid, allSymbols)
	}
}

func (m *Monitor) safeSymbol(ctx context.Context, client Exchange, uid, symbol string, rows []position.MonitoredOrder) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("uid", uid).Str("symbol", symbol).Interface("panic", r).Msg("symbol section panicked")
		}
	}()

	// One price query per symbol per tick.
	price, err := client.LastPrice(ctx, symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("price fetch failed")
		return
	}

	// Drop in open-order count triggers the missing-order reconciliation.
	openKey := uid + ":" + symbol
	openCount := len(rows)
	m.mu.Lock()
	prev, had := m.prevOpen[openKey]
	m.prevOpen[openKey] = openCount
	m.mu.Unlock()
	if had && openCount < prev {
		go m.reconcileMissing(context.WithoutCancel(ctx), client, uid, symbol)
	}

	for _, row := range rows {
		if !m.shouldPoll(row, price) {
			continue
		}
		m.pollOrder(ctx, client, uid, symbol, row)
	}

	// Trailing ticks for active sides.
	for _, side := range []string{"long", "short"} {
		triggered, err := m.trailing.Tick(ctx, client, uid, symbol, side, price)
		if err != nil {
			m.log.Warn().Err(err).Str("uid", uid).Str("symbol", symbol).Str("side", side).Msg("trailing tick failed")
			continue
		}
		if triggered {
			m.finishClose(ctx, uid, symbol, side, "trailing_stop", price)
		}
	}

	// Algo-order cardinality, once per symbol per sweep interval.
	m.mu.Lock()
	due := time.Since(m.lastCard[openKey]) > sweepInterval
	if due {
		m.lastCard[openKey] = time.Now()
	}
	m.mu.Unlock()
	if due {
		m.validateCardinality(ctx, client, uid, symbol)
	}
}

// finishClose tears down side-local state after any close path.
func (m *Monitor) finishClose(ctx context.Context, uid, symbol, side, reason string, price float64) {
	timeframe := m.preferredTimeframe(ctx, uid)
	if err := m.positions.ClearSide(ctx, uid, symbol, side, timeframe, reason, price); err != nil {
		m.log.Error().Err(err).Str("uid", uid).Str("symbol", symbol).Msg("clear side failed")
	}
	cfg, err := m.settings.Get(ctx, uid)
	if err == nil && cfg.UseCooldown {
		if err := m.positions.SetCooldown(ctx, uid, symbol, side, time.Duration(cfg.CooldownTime)*time.Second); err != nil {
			m.log.Warn().Err(err).Msg("cooldown arm failed")
		}
	}
	m.tpq.Clear(uid, symbol, side)
}

func (m *Monitor) preferredTimeframe(ctx context.Context, uid string) string {
	fields, err := m.store.HGetAll(ctx, store.KeyPreferences(uid))
	if err != nil {
		return ""
	}
	return fields["timeframe"]
}

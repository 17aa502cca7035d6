// Package scheduler owns the per-(user,symbol) trading lifecycle: start,
// stop, restart, startup recovery and the cycle task itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swap-core/internal/dispatch"
	"swap-core/internal/gateway"
	"swap-core/internal/identity"
	"swap-core/internal/position"
	"swap-core/internal/settings"
	"swap-core/internal/tpsl"
	"swap-core/pkg/store"
	"swap-core/pkg/userdir"
)

var (
	ErrAlreadyRunning = errors.New("scheduler: trading already running for symbol")
	ErrNoCredentials  = errors.New("scheduler: user has no API credentials")
)

const (
	revokeSettle     = 2 * time.Second
	defaultSymbol    = "BTC-USDT-SWAP"
	defaultTimeframe = "1m"
)

// Status values for user:{uid}:symbol:{sym}:status.
const (
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusRestarting = "restarting"
	StatusError      = "error"
)

type task struct {
	id     string
	uid    string
	symbol string
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller drives trading tasks.
type Controller struct {
	store     *store.Store
	resolver  *identity.Resolver
	dir       *userdir.Directory // optional credential hydration source
	settings  *settings.Service
	pool      *gateway.Manager
	positions *position.Repository
	engine    *tpsl.Engine
	notifier  dispatch.Notifier
	log       zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*task // uid:symbol -> task

	baseCtx context.Context
}

func NewController(baseCtx context.Context, s *store.Store, resolver *identity.Resolver, dir *userdir.Directory,
	set *settings.Service, pool *gateway.Manager, pos *position.Repository, engine *tpsl.Engine,
	notifier dispatch.Notifier, log zerolog.Logger) *Controller {
	return &Controller{
		store:     s,
		resolver:  resolver,
		dir:       dir,
		settings:  set,
		pool:      pool,
		positions: pos,
		engine:    engine,
		notifier:  notifier,
		log:       log,
		tasks:     make(map[string]*task),
		baseCtx:   baseCtx,
	}
}

func taskKey(uid, symbol string) string { return uid + ":" + symbol }

// Start launches (or relaunches) the cycle task for a user and symbol and
// returns the new task id.
func (c *Controller) Start(ctx context.Context, userID, symbol, timeframe string, restart bool) (string, error) {
	uid := c.resolver.ToUID(ctx, userID)
	if symbol == "" {
		symbol = defaultSymbol
	}
	if timeframe == "" {
		timeframe = defaultTimeframe
	}

	if err := c.ensureCredentials(ctx, uid); err != nil {
		return "", err
	}

	chatID := c.resolver.ToChatID(ctx, uid)

	// Both the uid-keyed status and the legacy chat-id twin gate the start.
	status, _ := c.store.Get(ctx, store.KeySymbolStatus(uid, symbol))
	legacy := ""
	if chatID != "" {
		legacy, _ = c.store.Get(ctx, store.KeySymbolStatus(chatID, symbol))
	}
	if (status == StatusRunning || legacy == StatusRunning) && !restart {
		return "", ErrAlreadyRunning
	}

	// Revoke any prior task before relaunching.
	priorID, _ := c.store.Get(ctx, store.KeyTaskID(uid))
	if restart || priorID != "" {
		c.revokeTask(uid, symbol)
		if err := c.store.Del(ctx, store.KeyTaskID(uid)); err != nil {
			c.log.Warn().Err(err).Msg("task id delete failed")
		}
		if chatID != "" {
			_ = c.store.Del(ctx, store.KeyTaskID(chatID))
		}
		time.Sleep(revokeSettle)
	}

	c.purgeRuntimeKeys(ctx, uid, symbol, timeframe)

	if err := c.store.Set(ctx, store.KeySymbolStatus(uid, symbol), StatusRunning, 0); err != nil {
		return "", err
	}
	if err := c.store.HSetMap(ctx, store.KeyPreferences(uid), map[string]string{
		"symbol": symbol, "timeframe": timeframe,
	}); err != nil {
		return "", err
	}
	if err := c.store.SAdd(ctx, store.KeyActiveSymbols(uid), symbol); err != nil {
		c.log.Warn().Err(err).Msg("active symbol registration failed")
	}

	taskID := uuid.NewString()
	c.dispatchTask(taskID, uid, symbol, timeframe)

	// Task id is recorded under both key forms during the migration window.
	if err := c.store.Set(ctx, store.KeyTaskID(uid), taskID, 0); err != nil {
		return "", err
	}
	if chatID != "" {
		_ = c.store.Set(ctx, store.KeyTaskID(chatID), taskID, 0)
	}

	if c.notifier != nil {
		_ = c.notifier.Notify(ctx, uid, dispatch.Message{
			Category: "start", Symbol: symbol, EventType: "trading_start",
			Text: fmt.Sprintf("Trading started for %s (%s)", symbol, timeframe),
		})
	}
	c.log.Info().Str("uid", uid).Str("symbol", symbol).Str("task_id", taskID).Bool("restart", restart).
		Msg("trading task started")
	return taskID, nil
}

// Stop tears the task down. Every teardown step is best-effort: failures are
// logged and the stop continues.
func (c *Controller) Stop(ctx context.Context, userID, symbol string) error {
	uid := c.resolver.ToUID(ctx, userID)
	if symbol == "" {
		if prefs, err := c.store.HGetAll(ctx, store.KeyPreferences(uid)); err == nil && prefs["symbol"] != "" {
			symbol = prefs["symbol"]
		} else {
			symbol = defaultSymbol
		}
	}
	chatID := c.resolver.ToChatID(ctx, uid)

	if err := c.store.Set(ctx, store.KeyStopSignal(uid), "true", 0); err != nil {
		c.log.Warn().Err(err).Msg("stop signal write failed")
	}
	if chatID != "" {
		if err := c.store.Set(ctx, store.KeyStopSignal(chatID), "true", 0); err != nil {
			c.log.Warn().Err(err).Msg("legacy stop signal write failed")
		}
	}
	if err := c.store.Set(ctx, store.KeySymbolStatus(uid, symbol), StatusStopped, 0); err != nil {
		c.log.Warn().Err(err).Msg("status write failed")
	}

	c.revokeTask(uid, symbol)
	time.Sleep(revokeSettle)

	for _, key := range []string{
		store.KeyTaskID(uid),
		store.KeyStopSignal(uid),
		store.KeyTaskRunning(uid),
	} {
		if err := c.store.Del(ctx, key); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("teardown delete failed")
		}
	}
	if chatID != "" {
		_ = c.store.Del(ctx, store.KeyTaskID(chatID), store.KeyStopSignal(chatID))
	}
	c.purgeRuntimeKeys(ctx, uid, symbol, "")
	if err := c.store.SRem(ctx, store.KeyActiveSymbols(uid), symbol); err != nil {
		c.log.Warn().Err(err).Msg("active symbol removal failed")
	}

	if c.notifier != nil {
		_ = c.notifier.Notify(ctx, uid, dispatch.Message{
			Category: "stop", Symbol: symbol, EventType: "trading_stop",
			Text: fmt.Sprintf("Trading stopped for %s", symbol),
		})
	}
	c.log.Info().Str("uid", uid).Str("symbol", symbol).Msg("trading task stopped")
	return nil
}

// Status returns the uid-keyed status, falling back to the legacy twin.
func (c *Controller) Status(ctx context.Context, userID, symbol string) (string, error) {
	uid := c.resolver.ToUID(ctx, userID)
	if symbol == "" {
		symbol = defaultSymbol
	}
	status, err := c.store.Get(ctx, store.KeySymbolStatus(uid, symbol))
	if err != nil {
		return "", err
	}
	if status == "" {
		if chatID := c.resolver.ToChatID(ctx, uid); chatID != "" {
			status, _ = c.store.Get(ctx, store.KeySymbolStatus(chatID, symbol))
		}
	}
	if status == "" {
		status = StatusStopped
	}
	return status, nil
}

// RunningUsers lists uids with at least one symbol in running state.
func (c *Controller) RunningUsers(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	err := c.store.Scan(ctx, "user:*:symbol:*:status", func(keys []string) bool {
		for _, key := range keys {
			v, err := c.store.Get(ctx, key)
			if err != nil || v != StatusRunning {
				continue
			}
			if uid, _, ok := splitStatusKey(key); ok && !seen[uid] {
				seen[uid] = true
				out = append(out, uid)
			}
		}
		return true
	})
	return out, err
}

// ensureCredentials hydrates missing API keys from the external directory.
func (c *Controller) ensureCredentials(ctx context.Context, uid string) error {
	fields, err := c.store.HGetAll(ctx, store.KeyAPIKeys(uid))
	if err != nil {
		return err
	}
	if fields["api_key"] != "" && fields["api_secret"] != "" {
		return nil
	}
	if c.dir == nil {
		return ErrNoCredentials
	}
	rec, err := c.dir.FetchUser(ctx, uid)
	if err != nil {
		return err
	}
	if rec == nil || rec.APIKey == "" {
		return ErrNoCredentials
	}
	return c.store.HSetMap(ctx, store.KeyAPIKeys(uid), map[string]string{
		"api_key":    rec.APIKey,
		"api_secret": rec.APISecret,
		"passphrase": rec.Passphrase,
	})
}

func (c *Controller) purgeRuntimeKeys(ctx context.Context, uid, symbol, timeframe string) {
	keys := []string{
		store.KeyTaskRunning(uid),
		store.KeyCooldown(uid, symbol, "long"),
		store.KeyCooldown(uid, symbol, "short"),
		store.KeyReconcileLock(uid, symbol),
	}
	if timeframe != "" {
		keys = append(keys, store.KeyCycleLock(uid, symbol, timeframe))
	} else {
		for _, tf := range []string{"1m", "3m", "5m", "15m", "30m", "1H", "4H"} {
			keys = append(keys, store.KeyCycleLock(uid, symbol, tf))
		}
	}
	for _, key := range keys {
		if err := c.store.Del(ctx, key); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("runtime key purge failed")
		}
	}
}

func (c *Controller) dispatchTask(taskID, uid, symbol, timeframe string) {
	ctx, cancel := context.WithCancel(c.baseCtx)
	t := &task{id: taskID, uid: uid, symbol: symbol, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if prev, ok := c.tasks[taskKey(uid, symbol)]; ok {
		prev.cancel()
	}
	c.tasks[taskKey(uid, symbol)] = t
	c.mu.Unlock()

	go c.runCycles(ctx, t, timeframe)
}

func (c *Controller) revokeTask(uid, symbol string) {
	c.mu.Lock()
	t, ok := c.tasks[taskKey(uid, symbol)]
	if ok {
		delete(c.tasks, taskKey(uid, symbol))
	}
	c.mu.Unlock()
	if ok {
		t.cancel()
		select {
		case <-t.done:
		case <-time.After(revokeSettle):
		}
	}
}

// StopAll revokes every live task; used on shutdown and bulk stop.
func (c *Controller) StopAll(ctx context.Context) []string {
	uids, err := c.RunningUsers(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("bulk stop scan failed")
		return nil
	}
	var stopped []string
	for _, uid := range uids {
		prefs, _ := c.store.HGetAll(ctx, store.KeyPreferences(uid))
		if err := c.Stop(ctx, uid, prefs["symbol"]); err != nil {
			c.log.Warn().Err(err).Str("uid", uid).Msg("bulk stop failed for user")
			continue
		}
		stopped = append(stopped, uid)
	}
	return stopped
}

func splitStatusKey(key string) (uid, symbol string, ok bool) {
	// user:{uid}:symbol:{sym}:status
	var parts [5]string
	n := 0
	start := 0
	for i := 0; i <= len(key); i++ {
		if i == len(key) || key[i] == ':' {
			if n >= 5 {
				return "", "", false
			}
			parts[n] = key[start:i]
			n++
			start = i + 1
		}
	}
	if n != 5 || parts[0] != "user" || parts[2] != "symbol" || parts[4] != "status" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"swap-core/internal/identity"
	"swap-core/pkg/store"
)

// RecoveryResult reports the outcome of the boot-time bulk restart.
type RecoveryResult struct {
	Restarted []string          `json:"restarted_users"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// StartAllRunning relaunches every (uid, symbol) whose status survived the
// previous process as "running". Individual failures are collected; the bulk
// recovery never halts on one user.
func (c *Controller) StartAllRunning(ctx context.Context) RecoveryResult {
	result := RecoveryResult{Errors: make(map[string]string)}

	type target struct{ uid, symbol string }
	var targets []target
	err := c.store.Scan(ctx, "user:*:symbol:*:status", func(keys []string) bool {
		for _, key := range keys {
			v, err := c.store.Get(ctx, key)
			if err != nil || v != StatusRunning {
				continue
			}
			if uid, symbol, ok := splitStatusKey(key); ok {
				targets = append(targets, target{uid, symbol})
			}
		}
		return true
	})
	if err != nil {
		c.log.Error().Err(err).Msg("recovery scan failed")
		result.Errors["scan"] = err.Error()
		return result
	}

	for _, t := range targets {
		if err := c.recoverOne(ctx, t.uid, t.symbol); err != nil {
			c.log.Error().Err(err).Str("uid", t.uid).Str("symbol", t.symbol).Msg("recovery failed for user")
			result.Errors[t.uid] = err.Error()
			continue
		}
		result.Restarted = append(result.Restarted, t.uid)
	}
	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	return result
}

func (c *Controller) recoverOne(ctx context.Context, uid, symbol string) error {
	if err := c.store.Set(ctx, store.KeySymbolStatus(uid, symbol), StatusRestarting, 0); err != nil {
		return fmt.Errorf("mark restarting: %w", err)
	}

	// Any task id left behind belongs to the dead process.
	if orphan, _ := c.store.Get(ctx, store.KeyTaskID(uid)); orphan != "" {
		if err := c.store.Del(ctx, store.KeyTaskID(uid)); err != nil {
			c.log.Warn().Err(err).Str("uid", uid).Msg("orphan task id delete failed")
		}
	}

	prefs, err := c.store.HGetAll(ctx, store.KeyPreferences(uid))
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	timeframe := prefs["timeframe"]
	if prefSymbol := prefs["symbol"]; prefSymbol != "" && symbol == "" {
		symbol = prefSymbol
	}
	if symbol == "" {
		return errors.New("no symbol recorded for user")
	}

	_, err = c.Start(ctx, uid, symbol, timeframe, true)
	return err
}

// MigrateUserKeys copies chat-id-keyed runtime keys forward to their uid
// form. Reads keep accepting both; apart from task ids and stop signals,
// which are mirrored to the chat-id form, writes only produce the uid form,
// so one pass per boot converges the keyspace.
func (c *Controller) MigrateUserKeys(ctx context.Context) int {
	migrated := 0
	err := c.store.Scan(ctx, "user:*:okx_uid", func(keys []string) bool {
		for _, key := range keys {
			parts := strings.Split(key, ":")
			if len(parts) != 3 {
				continue
			}
			chatID := parts[1]
			if !identity.IsChatID(chatID) {
				continue
			}
			uid, err := c.store.Get(ctx, key)
			if err != nil || uid == "" || uid == chatID {
				continue
			}
			if c.migrateForward(ctx, chatID, uid) {
				migrated++
			}
		}
		return true
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("key migration scan failed")
	}
	if migrated > 0 {
		c.log.Info().Int("users", migrated).Msg("legacy chat-id keys migrated forward")
	}
	return migrated
}

func (c *Controller) migrateForward(ctx context.Context, chatID, uid string) bool {
	moved := false

	// Preferences hash.
	if prefs, err := c.store.HGetAll(ctx, store.KeyPreferences(chatID)); err == nil && len(prefs) > 0 {
		if existing, err := c.store.HGetAll(ctx, store.KeyPreferences(uid)); err == nil && len(existing) == 0 {
			if err := c.store.HSetMap(ctx, store.KeyPreferences(uid), prefs); err == nil {
				moved = true
			}
		}
	}

	// Task id.
	if taskID, err := c.store.Get(ctx, store.KeyTaskID(chatID)); err == nil && taskID != "" {
		if existing, _ := c.store.Get(ctx, store.KeyTaskID(uid)); existing == "" {
			if err := c.store.Set(ctx, store.KeyTaskID(uid), taskID, 0); err == nil {
				moved = true
			}
		}
	}

	// Per-symbol statuses.
	chatKeys, err := c.store.ScanAll(ctx, "user:"+chatID+":symbol:*:status")
	if err == nil {
		for _, key := range chatKeys {
			_, symbol, ok := splitStatusKey(key)
			if !ok {
				continue
			}
			v, err := c.store.Get(ctx, key)
			if err != nil || v == "" {
				continue
			}
			if existing, _ := c.store.Get(ctx, store.KeySymbolStatus(uid, symbol)); existing == "" {
				if err := c.store.Set(ctx, store.KeySymbolStatus(uid, symbol), v, 0); err == nil {
					moved = true
				}
			}
		}
	}
	return moved
}

// --- single-flight pid file ---

// AcquirePIDFile refuses to start when another live supervisor owns the file,
// otherwise claims it for this process.
func AcquirePIDFile(path string) error {
	raw, err := os.ReadFile(path)
	if err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr == nil && pid > 0 && processAlive(pid) {
			return fmt.Errorf("scheduler: supervisor already running with pid %d", pid)
		}
		// Stale file from a dead process.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("scheduler: remove stale pid file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReleasePIDFile removes the file on shutdown.
func ReleasePIDFile(path string) {
	_ = os.Remove(path)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// WaitForTasks gives in-flight cycle tasks a bounded window to finish.
func (c *Controller) WaitForTasks(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		n := len(c.tasks)
		c.mu.Unlock()
		if n == 0 || time.Now().After(deadline) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

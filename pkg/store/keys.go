package store

import "fmt"

// Key layout. Runtime keys are exchange-UID scoped; legacy chat-id twins of a
// few keys are still read during the migration window, and the task-id and
// stop-signal twins are still written alongside the uid form.
func KeyAPIKeys(uid string) string     { return fmt.Sprintf("user:%s:api:keys", uid) }
func KeySettings(uid string) string    { return fmt.Sprintf("user:%s:settings", uid) }
func KeyDualSide(uid string) string    { return fmt.Sprintf("user:%s:dual_side", uid) }
func KeyPreferences(uid string) string { return fmt.Sprintf("user:%s:preferences", uid) }
func KeyTaskID(uid string) string      { return fmt.Sprintf("user:%s:task_id", uid) }
func KeyStopSignal(uid string) string  { return fmt.Sprintf("user:%s:stop_signal", uid) }
func KeyTaskRunning(uid string) string { return fmt.Sprintf("task_running:%s", uid) }
func KeyStats(uid string) string       { return fmt.Sprintf("user:%s:stats", uid) }

func KeySymbolStatus(uid, symbol string) string {
	return fmt.Sprintf("user:%s:symbol:%s:status", uid, symbol)
}

func KeyPosition(uid, symbol, side string) string {
	return fmt.Sprintf("user:%s:position:%s:%s", uid, symbol, side)
}

func KeyMonitorOrder(uid, symbol, orderID string) string {
	return fmt.Sprintf("monitor:user:%s:%s:order:%s", uid, symbol, orderID)
}

func KeyCompletedOrder(uid, symbol, orderID string) string {
	return fmt.Sprintf("completed:user:%s:%s:order:%s", uid, symbol, orderID)
}

func KeyTrailing(uid, symbol, side string) string {
	return fmt.Sprintf("trailing:user:%s:%s:%s", uid, symbol, side)
}

func KeyCooldown(uid, symbol, side string) string {
	return fmt.Sprintf("cooldown:user:%s:%s:%s", uid, symbol, side)
}

func KeyCycleLock(uid, symbol, timeframe string) string {
	return fmt.Sprintf("lock:user:%s:%s:%s", uid, symbol, timeframe)
}

func KeyReconcileLock(uid, symbol string) string {
	return fmt.Sprintf("lock:user:%s:%s:reconcile", uid, symbol)
}

// Identity mapping.
func KeyChatToUID(chatID string) string  { return fmt.Sprintf("user:%s:okx_uid", chatID) }
func KeyUIDToChat(uid string) string     { return fmt.Sprintf("okx_uid_to_telegram:%s", uid) }
func KeyLastTrade(chatID string) string  { return fmt.Sprintf("user:%s:last_trade_date", chatID) }

// Presets.
func KeyPreset(uid, presetID string) string { return fmt.Sprintf("preset:%s:%s", uid, presetID) }
func KeyPresetList(uid string) string       { return fmt.Sprintf("preset:%s:list", uid) }
func KeyPresetDefault(uid string) string    { return fmt.Sprintf("preset:%s:default", uid) }
func KeySymbolPreset(uid, symbol string) string {
	return fmt.Sprintf("user:%s:symbol:%s:preset_id", uid, symbol)
}
func KeyActiveSymbols(uid string) string { return fmt.Sprintf("user:%s:active_symbols", uid) }
func ChannelPresetUpdate(uid, symbol string) string {
	return fmt.Sprintf("preset:update:%s:%s", uid, symbol)
}

func ChannelPositionClose(uid string) string {
	return fmt.Sprintf("position:close:%s", uid)
}

// Telegram dispatch + log stream.
func KeyMessageQueue(uid string) string { return fmt.Sprintf("telegram:queue:%s", uid) }
func KeyQueueProcessing(uid string) string {
	return fmt.Sprintf("telegram:queue:%s:processing", uid)
}
func KeyTelegramStats(uid string) string { return fmt.Sprintf("telegram:stats:%s", uid) }
func KeyLogStream(uid string) string     { return fmt.Sprintf("telegram:logs:by_okx_uid:%s", uid) }
func ChannelLogStream(uid string) string {
	return fmt.Sprintf("telegram:log_channel:by_okx_uid:%s", uid)
}

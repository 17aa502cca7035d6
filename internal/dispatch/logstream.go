package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"swap-core/pkg/store"
)

// LogEntry is one record on the ordered per-user log stream.
type LogEntry struct {
	Timestamp    int64  `json:"timestamp"`
	UserID       string `json:"user_id"`
	Symbol       string `json:"symbol,omitempty"`
	EventType    string `json:"event_type"`
	Status       string `json:"status"`
	Category     string `json:"category"`
	StrategyType string `json:"strategy_type"`
	Content      string `json:"content"`
	MessageID    string `json:"message_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// LogStream appends entries to the time-ordered per-user collection and
// mirrors each one onto the live pub/sub channel.
type LogStream struct {
	store *store.Store
}

func NewLogStream(s *store.Store) *LogStream {
	return &LogStream{store: s}
}

// Append records one entry; the score is its unix timestamp.
func (l *LogStream) Append(ctx context.Context, uid string, entry LogEntry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}
	entry.UserID = uid
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := l.store.ZAdd(ctx, store.KeyLogStream(uid), float64(entry.Timestamp), string(raw)); err != nil {
		return err
	}
	return l.store.Publish(ctx, store.ChannelLogStream(uid), string(raw))
}

// Query pages the newest entries, optionally filtered by category and
// strategy type.
func (l *LogStream) Query(ctx context.Context, uid string, limit, offset int, category, strategyType string) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	// Over-fetch when filtering so a page can still fill up.
	fetch := int64(limit + offset)
	if category != "" || strategyType != "" {
		fetch = (fetch + 1) * 4
	}
	raws, err := l.store.ZRevRange(ctx, store.KeyLogStream(uid), 0, fetch-1)
	if err != nil {
		return nil, err
	}

	out := make([]LogEntry, 0, limit)
	skipped := 0
	for _, raw := range raws {
		var entry LogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if category != "" && entry.Category != category {
			continue
		}
		if strategyType != "" && entry.StrategyType != strategyType {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Count returns the total number of stream entries for a user.
func (l *LogStream) Count(ctx context.Context, uid string) (int64, error) {
	return l.store.ZCard(ctx, store.KeyLogStream(uid))
}

// Stats returns the per-user send counters.
func (l *LogStream) Stats(ctx context.Context, uid string) (map[string]int64, error) {
	fields, err := l.store.HGetAll(ctx, store.KeyTelegramStats(uid))
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(fields))
	for k, v := range fields {
		n, _ := strconv.ParseInt(v, 10, 64)
		out[k] = n
	}
	return out, nil
}

// Package dispatch fans user-visible notifications out through per-user FIFO
// queues, with a bounded number of concurrent chat-API sends and a retry
// taxonomy per failure class. Every send also lands on the ordered log stream.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"swap-core/pkg/store"
)

const (
	sendRetries       = 3
	sendRetryInterval = time.Second
	processingTTL     = 60 * time.Second
	maxParallelSends  = 3
)

// Notifier is the narrow surface other components use to reach the user.
type Notifier interface {
	Notify(ctx context.Context, uid string, msg Message) error
}

// Message is one queued notification.
type Message struct {
	Text         string `json:"text"`
	HTML         bool   `json:"html"`
	Category     string `json:"category"` // error, entry, exit, tp, sl, start, stop
	Symbol       string `json:"symbol,omitempty"`
	EventType    string `json:"event_type,omitempty"`
	StrategyType string `json:"strategy_type,omitempty"`
}

// ChatResolver maps an exchange UID to a chat id; "" means no linked chat.
type ChatResolver interface {
	ToChatID(ctx context.Context, uid string) string
}

// Dispatcher owns the queue workers.
type Dispatcher struct {
	store    *store.Store
	chat     ChatClient
	resolver ChatResolver
	logs     *LogStream
	log      zerolog.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.Mutex
	workers map[string]bool // uid -> worker running
	blocked map[string]bool // uid -> recipient rejected us permanently

	wg sync.WaitGroup
}

func NewDispatcher(s *store.Store, chat ChatClient, resolver ChatResolver, logs *LogStream, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    s,
		chat:     chat,
		resolver: resolver,
		logs:     logs,
		log:      log,
		sem:      semaphore.NewWeighted(maxParallelSends),
		limiter:  rate.NewLimiter(rate.Limit(25), 25), // global chat-API pacing
		workers:  make(map[string]bool),
		blocked:  make(map[string]bool),
	}
}

// Notify enqueues a message for a user and makes sure a worker is draining
// that user's queue. Users with no linked chat id only get the log record.
func (d *Dispatcher) Notify(ctx context.Context, uid string, msg Message) error {
	if err := d.logs.Append(ctx, uid, LogEntry{
		Symbol:       msg.Symbol,
		EventType:    msg.EventType,
		Status:       "queued",
		Category:     msg.Category,
		StrategyType: msg.StrategyType,
		Content:      msg.Text,
	}); err != nil {
		d.log.Warn().Err(err).Str("uid", uid).Msg("log stream append failed")
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := d.store.RPush(ctx, store.KeyMessageQueue(uid), string(raw)); err != nil {
		return err
	}
	if err := d.store.HIncrBy(ctx, store.KeyTelegramStats(uid), "total", 1); err != nil {
		d.log.Warn().Err(err).Str("uid", uid).Msg("stats counter update failed")
	}
	if msg.Category != "" {
		_ = d.store.HIncrBy(ctx, store.KeyTelegramStats(uid), "category:"+msg.Category, 1)
	}

	d.ensureWorker(ctx, uid)
	return nil
}

func (d *Dispatcher) ensureWorker(ctx context.Context, uid string) {
	d.mu.Lock()
	if d.workers[uid] {
		d.mu.Unlock()
		return
	}
	d.workers[uid] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.drain(context.WithoutCancel(ctx), uid)
}

// Wait blocks until every worker has drained. Used on shutdown.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) drain(ctx context.Context, uid string) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.workers, uid)
		d.mu.Unlock()
		if err := d.store.Del(ctx, store.KeyQueueProcessing(uid)); err != nil {
			d.log.Warn().Err(err).Str("uid", uid).Msg("processing flag cleanup failed")
		}
		// A message enqueued between the final pop and the map removal would
		// otherwise sit until the next Notify.
		if n, err := d.store.LLen(ctx, store.KeyMessageQueue(uid)); err == nil && n > 0 {
			d.ensureWorker(ctx, uid)
		}
	}()

	// The processing flag keeps a crashed worker from wedging the queue: it
	// expires on its own after 60 s.
	if ok, err := d.store.SetNX(ctx, store.KeyQueueProcessing(uid), "1", processingTTL); err != nil || !ok {
		return
	}

	for {
		raw, err := d.store.LPop(ctx, store.KeyMessageQueue(uid))
		if err != nil {
			d.log.Error().Err(err).Str("uid", uid).Msg("queue pop failed")
			return
		}
		if raw == "" {
			return
		}
		if err := d.store.Expire(ctx, store.KeyQueueProcessing(uid), processingTTL); err != nil {
			d.log.Warn().Err(err).Str("uid", uid).Msg("processing flag refresh failed")
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			d.log.Error().Err(err).Str("uid", uid).Msg("dropping malformed queued message")
			continue
		}
		d.deliver(ctx, uid, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, uid string, msg Message) {
	d.mu.Lock()
	isBlocked := d.blocked[uid]
	d.mu.Unlock()
	if isBlocked {
		d.recordOutcome(ctx, uid, msg, "skipped", errors.New("recipient blocked"))
		return
	}

	chatID := d.resolver.ToChatID(ctx, uid)
	if chatID == "" {
		// Silent downgrade: the log stream already has the record.
		d.recordOutcome(ctx, uid, msg, "no_chat", nil)
		return
	}

	var lastErr error
	for attempt := 0; attempt < sendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sendRetryInterval):
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := d.chat.SendMessage(ctx, chatID, msg.Text, msg.HTML)
		d.sem.Release(1)

		if err == nil {
			d.recordOutcome(ctx, uid, msg, "sent", nil)
			return
		}
		lastErr = err

		var rl *RateLimitedError
		switch {
		case errors.Is(err, ErrUnauthorized):
			d.mu.Lock()
			d.blocked[uid] = true
			d.mu.Unlock()
			d.recordOutcome(ctx, uid, msg, "blocked", err)
			return
		case errors.Is(err, ErrBadRequest):
			d.recordOutcome(ctx, uid, msg, "rejected", err)
			return
		case errors.As(err, &rl):
			// Suspend this worker for the server-requested interval.
			d.log.Warn().Str("uid", uid).Dur("retry_after", rl.RetryAfter).Msg("chat api rate limited")
			select {
			case <-ctx.Done():
				return
			case <-time.After(rl.RetryAfter):
			}
		default:
			d.log.Warn().Err(err).Str("uid", uid).Int("attempt", attempt+1).Msg("chat send failed")
		}
	}
	d.recordOutcome(ctx, uid, msg, "failed", lastErr)
}

func (d *Dispatcher) recordOutcome(ctx context.Context, uid string, msg Message, status string, sendErr error) {
	counter := "failed"
	if status == "sent" {
		counter = "success"
	}
	if err := d.store.HIncrBy(ctx, store.KeyTelegramStats(uid), counter, 1); err != nil {
		d.log.Warn().Err(err).Str("uid", uid).Msg("stats counter update failed")
	}

	entry := LogEntry{
		Symbol:       msg.Symbol,
		EventType:    msg.EventType,
		Status:       status,
		Category:     msg.Category,
		StrategyType: msg.StrategyType,
		Content:      msg.Text,
	}
	if sendErr != nil {
		entry.ErrorMessage = sendErr.Error()
	}
	if err := d.logs.Append(ctx, uid, entry); err != nil {
		d.log.Warn().Err(err).Str("uid", uid).Msg("log stream append failed")
	}
}

package okx

import (
	"sync"
	"time"
)

// timeSync keeps a cached server-time offset so signed requests do not hit
// /public/time more than once per refresh interval. When the exchange is
// unreachable the local clock is used unadjusted.
type timeSync struct {
	getServerTime func() (int64, error)
	refreshEvery  time.Duration

	mu       sync.Mutex
	offset   int64 // milliseconds, server - local
	lastSync time.Time
}

func newTimeSync(get func() (int64, error), refreshEvery time.Duration) *timeSync {
	if refreshEvery <= 0 {
		refreshEvery = 5 * time.Minute
	}
	return &timeSync{getServerTime: get, refreshEvery: refreshEvery}
}

// Now returns the current exchange time in unix milliseconds, refreshing the
// offset lazily at most once per interval.
func (ts *timeSync) Now() int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if time.Since(ts.lastSync) >= ts.refreshEvery {
		localBefore := time.Now().UnixMilli()
		if serverTime, err := ts.getServerTime(); err == nil {
			localAfter := time.Now().UnixMilli()
			// Assume network latency is symmetric.
			local := localBefore + (localAfter-localBefore)/2
			ts.offset = serverTime - local
		}
		// On error keep the previous offset; local time is the fallback.
		ts.lastSync = time.Now()
	}
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the last computed offset in milliseconds.
func (ts *timeSync) Offset() int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.offset
}

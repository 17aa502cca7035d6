package api

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestIPRateLimiterIsolatesClients(t *testing.T) {
	l := newIPRateLimiter(rate.Limit(1), 1)

	if !l.allow("10.0.0.1") {
		t.Fatal("first request denied")
	}
	if l.allow("10.0.0.1") {
		t.Fatal("burst of 1 allowed a second immediate request")
	}
	// A different client has its own bucket.
	if !l.allow("10.0.0.2") {
		t.Fatal("second client throttled by the first client's bucket")
	}
}

func TestIPRateLimiterEvictsOnlyIdleEntries(t *testing.T) {
	l := newIPRateLimiter(rate.Limit(1), 1)
	l.idleTTL = 50 * time.Millisecond
	l.sweepEach = 0 // sweep on every call

	l.allow("10.0.0.1")
	time.Sleep(60 * time.Millisecond)
	l.allow("10.0.0.2") // triggers the sweep

	l.mu.Lock()
	_, stale := l.entries["10.0.0.1"]
	_, fresh := l.entries["10.0.0.2"]
	l.mu.Unlock()
	if stale {
		t.Fatal("idle entry survived the sweep")
	}
	if !fresh {
		t.Fatal("active entry was evicted")
	}
}

package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"swap-core/pkg/store"
)

const (
	pingInterval   = 30 * time.Second
	memoryInterval = 60 * time.Second
)

// healthCheck keeps the store connection and process memory in bounds.
type healthCheck struct {
	store       *store.Store
	thresholdMB int
	log         zerolog.Logger

	lastPing  time.Time
	lastMem   time.Time
	pingFails int
}

func newHealthCheck(s *store.Store, thresholdMB int, log zerolog.Logger) *healthCheck {
	return &healthCheck{store: s, thresholdMB: thresholdMB, log: log}
}

func (h *healthCheck) run(ctx context.Context) {
	now := time.Now()

	if now.Sub(h.lastPing) >= pingInterval {
		h.lastPing = now
		if err := h.store.Ping(ctx); err != nil {
			h.pingFails++
			h.log.Warn().Err(err).Int("fails", h.pingFails).Msg("store ping failed")
			if h.pingFails >= 2 {
				h.store.Reconnect()
				h.pingFails = 0
			}
		} else {
			h.pingFails = 0
		}
	}

	if now.Sub(h.lastMem) >= memoryInterval {
		h.lastMem = now
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		residentMB := int(stats.HeapAlloc / (1024 * 1024))
		if residentMB > h.thresholdMB {
			h.log.Warn().Int("resident_mb", residentMB).Int("threshold_mb", h.thresholdMB).
				Msg("memory above threshold, forcing gc and store reconnect")
			runtime.GC()
			h.store.Reconnect()
		}
	}
}

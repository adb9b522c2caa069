package monitor

import (
	"log"
	"sync"
	"time"
)

// HealthStatus summarises recent system sampling.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// Consecutive failures at which sampling counts as degraded or failed.
const (
	degradedThreshold = 1
	failedThreshold   = 3
)

// samplerHealth tracks consecutive system sample failures. Fields are
// protected by mu because Watch records from its goroutine while HTTP
// handlers read the status.
type samplerHealth struct {
	mu                sync.Mutex
	failures          int
	lastErr           string
	lastFail          time.Time
	lastEmittedStatus HealthStatus
}

func newSamplerHealth() *samplerHealth {
	return &samplerHealth{lastEmittedStatus: StatusHealthy}
}

func (h *samplerHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
}

func (h *samplerHealth) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = time.Now()
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *samplerHealth) statusLocked() HealthStatus {
	switch {
	case h.failures >= failedThreshold:
		return StatusFailed
	case h.failures >= degradedThreshold:
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *samplerHealth) status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked()
}

func (h *samplerHealth) lastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// logIfChanged logs the status when it differs from the last logged one.
func (h *samplerHealth) logIfChanged() {
	h.mu.Lock()
	status := h.statusLocked()
	changed := status != h.lastEmittedStatus
	if changed {
		h.lastEmittedStatus = status
	}
	failures, lastErr := h.failures, h.lastErr
	h.mu.Unlock()

	if changed {
		log.Printf("[monitor] system sampling %s (failures=%d): %s", status, failures, lastErr)
	}
}

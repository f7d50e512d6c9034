package main

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// HistoryEvent is one entry of the activity log shown by the terminal host.
type HistoryEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Device    string    `json:"device,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// HistorySample is one unlock progress observation.
type HistorySample struct {
	Timestamp time.Time `json:"timestamp"`
	AttemptID string    `json:"attemptId"`
	Value     int       `json:"value"`
	Max       int       `json:"max"`
}

const (
	historyRetention  = 24 * time.Hour
	minHistorySpacing = 50 * time.Millisecond
	maxHistorySamples = 2048
	maxHistoryEvents  = 256
)

// History records what the core reported. It is a Host, so it sees every
// notification in loop order; readers on other goroutines use the
// snapshot accessors.
type History struct {
	mu         sync.RWMutex
	events     []HistoryEvent
	samples    []HistorySample
	version    atomic.Uint64
	lastStatus string
	now        func() time.Time
}

func NewHistory() *History {
	return &History{now: time.Now}
}

func (h *History) record(eventType, device, message string) {
	if eventType == "" {
		return
	}
	now := h.now()
	h.mu.Lock()
	h.events = append(h.events, HistoryEvent{Timestamp: now, Type: eventType, Device: device, Message: message})
	h.compactLocked(now)
	h.mu.Unlock()
	h.version.Add(1)
}

// markStatusTransition records connect/disconnect only when the status
// (or the device) actually changes.
func (h *History) markStatusTransition(status, device string) {
	key := status + "|" + device
	h.mu.Lock()
	if key == h.lastStatus {
		h.mu.Unlock()
		return
	}
	h.lastStatus = key
	h.mu.Unlock()

	switch status {
	case "connected":
		h.record("connect", device, "Device opened")
	case "disconnected":
		h.record("disconnect", device, "No device selected")
	}
}

func (h *History) recordSample(p UnlockProgress) {
	now := h.now()
	h.mu.Lock()
	if n := len(h.samples); n > 0 {
		last := h.samples[n-1]
		if last.AttemptID == p.AttemptID && last.Value == p.Value && now.Sub(last.Timestamp) < minHistorySpacing {
			h.samples[n-1].Timestamp = now
			h.mu.Unlock()
			return
		}
	}
	h.samples = append(h.samples, HistorySample{Timestamp: now, AttemptID: p.AttemptID, Value: p.Value, Max: p.Max})
	h.compactLocked(now)
	h.mu.Unlock()
	h.version.Add(1)
}

func (h *History) DevicesUpdated(devices []DeviceDescriptor, changed bool) {
	if changed {
		h.record("devices", "", fmt.Sprintf("%d device(s) found", len(devices)))
	}
}

func (h *History) DeviceOpened(s *Session) {
	if s == nil {
		h.markStatusTransition("disconnected", "")
		return
	}
	h.markStatusTransition("connected", s.Title())
}

func (h *History) LockUI()   {}
func (h *History) UnlockUI() {}

func (h *History) UnlockProgress(p UnlockProgress) { h.recordSample(p) }

func (h *History) UnlockFinished(r UnlockResult) {
	msg := fmt.Sprintf("Unlock %s after %d poll(s)", r.State, r.Polls)
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	h.record("unlock", "", msg)
}

// Events returns the last n events, oldest first. n <= 0 returns all.
func (h *History) Events(n int) []HistoryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src := h.events
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	return append([]HistoryEvent(nil), src...)
}

// Samples returns the progress samples recorded for one attempt.
func (h *History) Samples(attemptID string) []HistorySample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []HistorySample
	for _, s := range h.samples {
		if s.AttemptID == attemptID {
			out = append(out, s)
		}
	}
	return out
}

func (h *History) Version() uint64 { return h.version.Load() }

func (h *History) compactLocked(now time.Time) {
	cutoff := now.Add(-historyRetention)

	if len(h.samples) > 0 {
		kept := h.samples[:0]
		for _, s := range h.samples {
			if s.Timestamp.Before(cutoff) {
				continue
			}
			kept = append(kept, s)
		}
		h.samples = kept
		if len(h.samples) > maxHistorySamples {
			h.samples = decimateSamples(h.samples, maxHistorySamples)
		}
	}

	if len(h.events) > 0 {
		kept := h.events[:0]
		for _, e := range h.events {
			if e.Timestamp.Before(cutoff) {
				continue
			}
			kept = append(kept, e)
		}
		h.events = kept
		if len(h.events) > maxHistoryEvents {
			h.events = h.events[len(h.events)-maxHistoryEvents:]
		}
	}
}

func decimateSamples(samples []HistorySample, target int) []HistorySample {
	if target <= 0 || len(samples) <= target {
		copied := make([]HistorySample, len(samples))
		copy(copied, samples)
		return copied
	}
	stride := float64(len(samples)-1) / float64(target-1)
	out := make([]HistorySample, 0, target)
	for i := 0; i < target; i++ {
		idx := int(math.Round(float64(i) * stride))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		out = append(out, samples[idx])
	}
	return out
}

package main

import (
	"log"
	"sync"
)

// Host is the UI side of the core. Every callback is delivered on the event
// loop goroutine, in the order the core produced them.
type Host interface {
	// DevicesUpdated reports a new enumeration snapshot. changed is true
	// when the device set differs from the previous snapshot or the
	// refresh was hard.
	DevicesUpdated(devices []DeviceDescriptor, changed bool)
	// DeviceOpened reports the result of a selection; s is nil when no
	// device is current.
	DeviceOpened(s *Session)
	// LockUI and UnlockUI bracket operations that need exclusive access to
	// the current device.
	LockUI()
	UnlockUI()
	UnlockProgress(p UnlockProgress)
	UnlockFinished(r UnlockResult)
}

// notifier fans host callbacks out to every registered observer.
type notifier struct {
	mu    sync.Mutex
	hosts []Host
}

func (n *notifier) Add(h Host) {
	if h == nil {
		return
	}
	n.mu.Lock()
	n.hosts = append(n.hosts, h)
	n.mu.Unlock()
}

func (n *notifier) snapshot() []Host {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Host(nil), n.hosts...)
}

func (n *notifier) DevicesUpdated(devices []DeviceDescriptor, changed bool) {
	for _, h := range n.snapshot() {
		h.DevicesUpdated(append([]DeviceDescriptor(nil), devices...), changed)
	}
}

func (n *notifier) DeviceOpened(s *Session) {
	for _, h := range n.snapshot() {
		h.DeviceOpened(s)
	}
}

func (n *notifier) LockUI() {
	for _, h := range n.snapshot() {
		h.LockUI()
	}
}

func (n *notifier) UnlockUI() {
	for _, h := range n.snapshot() {
		h.UnlockUI()
	}
}

func (n *notifier) UnlockProgress(p UnlockProgress) {
	for _, h := range n.snapshot() {
		h.UnlockProgress(p)
	}
}

func (n *notifier) UnlockFinished(r UnlockResult) {
	for _, h := range n.snapshot() {
		h.UnlockFinished(r)
	}
}

// logHost is the headless host: it only writes what happens to the log.
// Device list notifications are edge-triggered so a quiet refresh cycle
// with no changes stays silent.
type logHost struct {
	logger    *log.Logger
	lastCount int
}

func newLogHost(logger *log.Logger) *logHost {
	return &logHost{logger: orDiscard(logger), lastCount: -1}
}

func (h *logHost) DevicesUpdated(devices []DeviceDescriptor, changed bool) {
	if !changed && len(devices) == h.lastCount {
		return
	}
	h.lastCount = len(devices)
	h.logger.Printf("[DEVICES] %d device(s) (changed=%v)", len(devices), changed)
	for i, d := range devices {
		h.logger.Printf("[DEVICES]   [%d] %s (%s) %s", i, d.Title, d.Kind, d.Path)
	}
}

func (h *logHost) DeviceOpened(s *Session) {
	if s == nil {
		h.logger.Printf("[OPEN] no device selected")
		return
	}
	h.logger.Printf("[OPEN] %s opened (unlocked=%d)", s.Title(), s.UnlockStatus())
}

func (h *logHost) LockUI()   { debugf(h.logger, "ui locked") }
func (h *logHost) UnlockUI() { debugf(h.logger, "ui unlocked") }

func (h *logHost) UnlockProgress(p UnlockProgress) {
	h.logger.Printf("[UNLOCK] %s progress %d/%d", p.AttemptID, p.Value, p.Max)
}

func (h *logHost) UnlockFinished(r UnlockResult) {
	if r.Err != nil {
		h.logger.Printf("[UNLOCK] %s finished: %s (%v)", r.AttemptID, r.State, r.Err)
		return
	}
	h.logger.Printf("[UNLOCK] %s finished: %s after %d poll(s)", r.AttemptID, r.State, r.Polls)
}

package main

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRefreshInterval = time.Second
	// failedOpenTTL is how long a path that failed to open stays out of
	// automatic reselection.
	failedOpenTTL = 90 * time.Second
)

type refreshRequest struct {
	quiet bool
	hard  bool
}

// Registry owns the enumerated device list and the current device slot.
// Enumeration runs on its own goroutine and opens run on the open worker;
// both only hand results to the event loop, which is the single writer of
// the device list and the current session.
type Registry struct {
	loop      *Loop
	transport Transport
	lock      *SessionLock
	worker    *openWorker
	host      Host
	logger    *log.Logger
	interval  time.Duration

	srcMu   sync.Mutex
	sources atomic.Pointer[DefinitionSources]

	// mu lets other goroutines read the snapshot; writes happen on the loop.
	mu      sync.RWMutex
	devices []DeviceDescriptor
	current *Session

	// Loop-only.
	selectGen uint64
	failed    map[string]time.Time
	now       func() time.Time

	refresh     chan refreshRequest
	pendingHard atomic.Bool
	lastEnumErr string
}

func NewRegistry(loop *Loop, t Transport, lock *SessionLock, host Host, interval time.Duration, logger *log.Logger) *Registry {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	logger = orDiscard(logger)
	r := &Registry{
		loop:      loop,
		transport: t,
		lock:      lock,
		worker:    newOpenWorker(t, logger),
		host:      host,
		logger:    logger,
		interval:  interval,
		failed:    make(map[string]time.Time),
		now:       time.Now,
		refresh:   make(chan refreshRequest, 4),
	}
	r.sources.Store(&DefinitionSources{})
	return r
}

// Run drives background enumeration and the open worker until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	go r.worker.Run(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(refreshRequest{quiet: true})
		case req := <-r.refresh:
			r.scan(req)
		}
	}
}

// Update requests an enumeration now. A hard refresh reports the list as
// changed even when it is not.
func (r *Registry) Update(quiet, hard bool) {
	select {
	case r.refresh <- refreshRequest{quiet: quiet, hard: hard}:
	default:
		if hard {
			r.pendingHard.Store(true)
		}
	}
}

// lockReleased re-issues a hard refresh that arrived while the session
// lock was held.
func (r *Registry) lockReleased() {
	if r.pendingHard.Load() {
		r.Update(true, true)
	}
}

func (r *Registry) scan(req refreshRequest) {
	if r.lock.Held() {
		if req.hard {
			r.pendingHard.Store(true)
		}
		debugf(r.logger, "enumeration skipped: session lock held")
		return
	}
	if r.pendingHard.Swap(false) {
		req.hard = true
	}
	infos, err := r.transport.Enumerate()
	if err != nil {
		if req.hard {
			r.pendingHard.Store(true)
		}
		msg := err.Error()
		if req.quiet && msg == r.lastEnumErr {
			debugf(r.logger, "enumerate: %v", err)
		} else {
			r.logger.Printf("[REFRESH] enumerate failed: %v", err)
		}
		r.lastEnumErr = msg
		return
	}
	r.lastEnumErr = ""
	devices := findDevices(infos, r.sources.Load())
	hard := req.hard
	r.loop.Post(func(context.Context) { r.applyDevices(devices, hard) })
}

func (r *Registry) applyDevices(devices []DeviceDescriptor, hard bool) {
	if r.lock.Held() {
		if hard {
			r.pendingHard.Store(true)
		}
		return
	}
	r.mu.Lock()
	prev := r.devices
	if !hard && slices.Equal(prev, devices) {
		r.mu.Unlock()
		return
	}
	changed := hard || !sameDeviceSet(prev, devices)
	r.devices = devices
	r.mu.Unlock()

	if changed {
		r.logger.Printf("[REFRESH] %d device(s), changed=%v hard=%v", len(devices), changed, hard)
	}
	r.host.DevicesUpdated(devices, changed)
}

// Refresh enumerates on the caller's goroutine and applies the result as a
// hard refresh before returning.
func (r *Registry) Refresh(ctx context.Context) ([]DeviceDescriptor, error) {
	infos, err := r.transport.Enumerate()
	if err != nil {
		return nil, err
	}
	devices := findDevices(infos, r.sources.Load())
	if err := r.loop.Call(ctx, func(context.Context) { r.applyDevices(devices, true) }); err != nil {
		return nil, err
	}
	return devices, nil
}

// Devices returns a copy of the current snapshot.
func (r *Registry) Devices() []DeviceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DeviceDescriptor(nil), r.devices...)
}

// Current returns the current session, nil when none is open.
func (r *Registry) Current() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Registry) setCurrent(s *Session) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
}

// closeCurrent closes and clears the current session. Failures are logged,
// never returned.
func (r *Registry) closeCurrent() {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	r.mu.Unlock()
	if cur == nil {
		return
	}
	if err := cur.Close(); err != nil {
		r.logger.Printf("[OPEN] error closing %s: %v", cur.Title(), err)
	}
}

// SelectDevice closes the current session and opens device index before
// returning. A negative index only clears the current device. Errors are
// returned to the caller.
func (r *Registry) SelectDevice(ctx context.Context, index int) (*Session, error) {
	var (
		s   *Session
		err error
	)
	if cerr := r.loop.Call(ctx, func(context.Context) { s, err = r.selectSync(index) }); cerr != nil {
		return nil, cerr
	}
	return s, err
}

func (r *Registry) selectSync(index int) (*Session, error) {
	r.closeCurrent()
	r.selectGen++
	if index < 0 {
		return nil, nil
	}
	devices := r.Devices()
	if index >= len(devices) {
		return nil, fmt.Errorf("select %d of %d: %w", index, len(devices), ErrSelectionOutOfRange)
	}
	desc := devices[index]
	def, err := r.sources.Load().definitionFor(desc)
	if err != nil {
		return nil, err
	}
	s, err := OpenSession(r.transport, desc, def)
	if err != nil {
		r.markFailed(desc.Path)
		return nil, err
	}
	r.setCurrent(s)
	return s, nil
}

// SelectDeviceAsync selects device index without blocking the caller. The
// outcome is reported through Host.DeviceOpened; errors never reach the
// caller. When several selections overlap, the latest one decides the
// current device and earlier results are closed as they arrive.
func (r *Registry) SelectDeviceAsync(ctx context.Context, index int) {
	if !r.loop.OnLoop(ctx) {
		r.loop.Post(func(context.Context) { r.selectAsync(index) })
		return
	}
	r.selectAsync(index)
}

func (r *Registry) selectAsync(index int) {
	r.closeCurrent()
	r.selectGen++
	gen := r.selectGen

	if index < 0 {
		r.host.DeviceOpened(nil)
		return
	}
	devices := r.Devices()
	if index >= len(devices) {
		r.logger.Printf("[OPEN] select %d of %d: %v", index, len(devices), ErrSelectionOutOfRange)
		r.host.DeviceOpened(nil)
		return
	}
	desc := devices[index]
	def, err := r.sources.Load().definitionFor(desc)
	if err != nil {
		r.logger.Printf("[OPEN] %s: %v", desc.Title, err)
		r.host.DeviceOpened(nil)
		return
	}

	r.lock.Lock()
	var once sync.Once
	release := func() { once.Do(r.lock.Unlock) }
	r.worker.Submit(desc, def, func(id uint64, s *Session, err error) {
		select {
		case <-r.loop.Stopped():
			if s != nil {
				_ = s.Close()
			}
			once.Do(r.lock.Drop)
			return
		default:
		}
		r.loop.Post(func(context.Context) {
			defer release()
			r.applyOpen(gen, id, desc, s, err)
		})
	})
}

func (r *Registry) applyOpen(gen, id uint64, desc DeviceDescriptor, s *Session, err error) {
	if gen != r.selectGen {
		if s != nil {
			debugf(r.logger, "open #%d of %s superseded", id, desc.Path)
			_ = s.Close()
		}
		return
	}
	if err != nil {
		r.logger.Printf("[OPEN] failed to open %s: %v", desc.Title, err)
		r.markFailed(desc.Path)
		r.setCurrent(nil)
		r.host.DeviceOpened(nil)
		return
	}
	delete(r.failed, desc.Path)
	r.setCurrent(s)
	r.logger.Printf("[OPEN] %s ready (via=%d)", desc.Title, viaProtocolOf(s))
	r.host.DeviceOpened(s)
}

func viaProtocolOf(s *Session) int {
	if kb := s.Keyboard(); kb != nil {
		return kb.ViaProtocol
	}
	return 0
}

func (r *Registry) markFailed(path string) {
	r.failed[path] = r.now()
}

// RecentlyFailed reports whether path failed to open within the last
// failedOpenTTL. Loop only.
func (r *Registry) RecentlyFailed(path string) bool {
	t, ok := r.failed[path]
	if !ok {
		return false
	}
	if r.now().Sub(t) > failedOpenTTL {
		delete(r.failed, path)
		return false
	}
	return true
}

// Close clears the current device. Loop only.
func (r *Registry) Close() {
	r.selectGen++
	r.closeCurrent()
}

func (r *Registry) swapSources(fn func(*DefinitionSources) (*DefinitionSources, error)) error {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	next, err := fn(r.sources.Load())
	if err != nil {
		return err
	}
	r.sources.Store(next)
	r.Update(false, true)
	return nil
}

// LoadViaStack installs the VIA definition stack and triggers a hard refresh.
func (r *Registry) LoadViaStack(data []byte) error {
	return r.swapSources(func(src *DefinitionSources) (*DefinitionSources, error) {
		return src.withViaStack(data)
	})
}

// SideloadJSON installs a sideloaded VIA definition.
func (r *Registry) SideloadJSON(data []byte) error {
	return r.swapSources(func(src *DefinitionSources) (*DefinitionSources, error) {
		return src.withSideload(data)
	})
}

// LoadDummy installs a definition served without hardware.
func (r *Registry) LoadDummy(data []byte) error {
	return r.swapSources(func(src *DefinitionSources) (*DefinitionSources, error) {
		return src.withDummy(data)
	})
}

func (r *Registry) Sources() *DefinitionSources { return r.sources.Load() }

package main

import (
	"context"
	"fmt"
	"log"
)

// Controller wires the registry, the session lock and the unlocker to the
// hosts and implements the security actions.
type Controller struct {
	Loop     *Loop
	Lock     *SessionLock
	Registry *Registry
	Unlocker *Unlocker

	hosts   *notifier
	store   *Storage
	history *History
	logger  *log.Logger

	// AutoSelect reselects a device on every changed device list.
	AutoSelect bool
	// Loop-only.
	lastPath string
}

// ControllerConfig collects what NewController needs.
type ControllerConfig struct {
	Transport  Transport
	Settings   Settings
	Storage    *Storage
	History    *History
	Logger     *log.Logger
	AutoSelect bool
	ExtraHosts []Host
}

func NewController(cfg ControllerConfig) *Controller {
	logger := orDiscard(cfg.Logger)
	hosts := &notifier{}
	loop := NewLoop(logger)
	lock := NewSessionLock(logger)
	reg := NewRegistry(loop, cfg.Transport, lock, hosts, cfg.Settings.RefreshInterval, logger)
	unl := NewUnlocker(loop, lock, hosts, logger)
	if cfg.Settings.PollInterval > 0 {
		unl.Interval = cfg.Settings.PollInterval
	}
	unl.MaxPolls = cfg.Settings.MaxUnlockPolls

	c := &Controller{
		Loop:       loop,
		Lock:       lock,
		Registry:   reg,
		Unlocker:   unl,
		hosts:      hosts,
		store:      cfg.Storage,
		history:    cfg.History,
		logger:     logger,
		AutoSelect: cfg.AutoSelect,
	}
	if cfg.Storage != nil {
		if ld, ok := cfg.Storage.LoadLastDevice(); ok {
			c.lastPath = ld.Path
		}
	}

	lock.OnAcquire(hosts.LockUI)
	lock.OnRelease(func() {
		hosts.UnlockUI()
		reg.lockReleased()
	})

	hosts.Add(c)
	if cfg.History != nil {
		hosts.Add(cfg.History)
	}
	for _, h := range cfg.ExtraHosts {
		hosts.Add(h)
	}
	return c
}

// AddHost registers another observer. Call before Run.
func (c *Controller) AddHost(h Host) { c.hosts.Add(h) }

// Run starts background enumeration, requests the first hard refresh and
// runs the event loop until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	go c.Registry.Run(ctx)
	c.Registry.Update(false, true)
	err := c.Loop.Run(ctx)
	c.Registry.Close()
	return err
}

// LoadCachedDefinitions hands the cached VIA definition stack to the
// registry, if there is one.
func (c *Controller) LoadCachedDefinitions() {
	if c.store == nil {
		return
	}
	data, err := c.store.LoadViaStack()
	if err != nil {
		c.logger.Printf("[STORAGE] load VIA definition stack: %v", err)
		return
	}
	if data == nil {
		return
	}
	if err := c.Registry.LoadViaStack(data); err != nil {
		c.logger.Printf("[STORAGE] %v", err)
		return
	}
	c.logger.Printf("[STORAGE] loaded %d VIA definitions", c.Registry.Sources().ViaStackSize())
}

func (c *Controller) DevicesUpdated(devices []DeviceDescriptor, changed bool) {
	if !changed || !c.AutoSelect {
		return
	}
	cur := c.Registry.Current()
	if cur != nil {
		for _, d := range devices {
			if d.Path == cur.Desc.Path {
				return
			}
		}
	}
	idx := c.pickDevice(devices)
	if idx < 0 && cur == nil {
		return
	}
	c.Registry.selectAsync(idx)
}

// pickDevice prefers the remembered device, then the first device that has
// not failed to open recently.
func (c *Controller) pickDevice(devices []DeviceDescriptor) int {
	if c.lastPath != "" {
		for i, d := range devices {
			if d.Path == c.lastPath && !c.Registry.RecentlyFailed(d.Path) {
				return i
			}
		}
	}
	for i, d := range devices {
		if !c.Registry.RecentlyFailed(d.Path) {
			return i
		}
	}
	return -1
}

func (c *Controller) DeviceOpened(s *Session) {
	if s == nil {
		return
	}
	c.lastPath = s.Desc.Path
	if c.store != nil && s.Desc.Kind != KindDummy {
		if err := c.store.SaveLastDevice(s.Desc); err != nil {
			c.logger.Printf("[STORAGE] save last device: %v", err)
		}
	}
	if s.UnlockInProgress() {
		c.logger.Printf("[UNLOCK] %s reports an unlock in progress, resuming", s.Title())
		c.Unlocker.start(s)
	}
}

func (c *Controller) LockUI()                       {}
func (c *Controller) UnlockUI()                     {}
func (c *Controller) UnlockProgress(UnlockProgress) {}
func (c *Controller) UnlockFinished(UnlockResult)   {}

// Select opens device index without waiting for it.
func (c *Controller) Select(ctx context.Context, index int) {
	c.Registry.SelectDeviceAsync(ctx, index)
}

// Unlock runs the handshake on the current device.
func (c *Controller) Unlock(ctx context.Context) (UnlockResult, error) {
	s := c.Registry.Current()
	if s == nil {
		return UnlockResult{}, ErrNoDevice
	}
	return c.Unlocker.Unlock(ctx, s)
}

// CancelUnlock cancels the handshake running on the current device, if any.
func (c *Controller) CancelUnlock(ctx context.Context) error {
	var a *UnlockAttempt
	err := c.Loop.Call(ctx, func(context.Context) {
		if s := c.Registry.Current(); s != nil {
			a = s.attempt
		}
	})
	if err != nil {
		return err
	}
	c.Unlocker.Cancel(a)
	return nil
}

// LockDevice re-locks the current device.
func (c *Controller) LockDevice(ctx context.Context) error {
	var err error
	if cerr := c.Loop.Call(ctx, func(context.Context) {
		s := c.Registry.Current()
		if s == nil {
			err = ErrNoDevice
			return
		}
		err = s.Lock()
	}); cerr != nil {
		return cerr
	}
	return err
}

// RebootToBootloader unlocks the current device if needed and asks it to
// jump to its bootloader.
func (c *Controller) RebootToBootloader(ctx context.Context) error {
	res, err := c.Unlock(ctx)
	if err != nil {
		return err
	}
	if !res.OK() {
		if res.Err != nil {
			return fmt.Errorf("unlock %s: %w", res.State, res.Err)
		}
		return fmt.Errorf("unlock %s", res.State)
	}
	if cerr := c.Loop.Call(ctx, func(context.Context) {
		s := c.Registry.Current()
		if s == nil {
			err = ErrNoDevice
			return
		}
		if err = s.Reset(); err == nil {
			c.logger.Printf("[RESET] %s rebooting to bootloader", s.Title())
			c.Registry.selectAsync(-1)
		}
	}); cerr != nil {
		return cerr
	}
	if err == nil {
		c.Registry.Update(false, true)
	}
	return err
}

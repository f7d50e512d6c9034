package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultUnlockPollInterval = 200 * time.Millisecond

// UnlockState is the state of one unlock handshake.
type UnlockState int

const (
	UnlockIdle UnlockState = iota
	UnlockStarting
	UnlockPolling
	UnlockUnlocked
	UnlockCancelled
	UnlockDisconnected
	UnlockFailed
	UnlockTimedOut
)

func (s UnlockState) String() string {
	switch s {
	case UnlockIdle:
		return "idle"
	case UnlockStarting:
		return "starting"
	case UnlockPolling:
		return "polling"
	case UnlockUnlocked:
		return "unlocked"
	case UnlockCancelled:
		return "cancelled"
	case UnlockDisconnected:
		return "disconnected"
	case UnlockFailed:
		return "failed"
	case UnlockTimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s UnlockState) Terminal() bool { return s >= UnlockUnlocked }

// ErrNoDevice is reported when an unlock is requested without a session.
var ErrNoDevice = errors.New("no device selected")

// UnlockProgress is published after every poll.
type UnlockProgress struct {
	AttemptID string
	Value     int
	Max       int
	Counter   int
	Keys      []KeyPos
}

// UnlockResult is the terminal outcome of an attempt.
type UnlockResult struct {
	AttemptID string
	State     UnlockState
	Polls     int
	Err       error
}

func (r UnlockResult) OK() bool { return r.State == UnlockUnlocked }

// UnlockAttempt is one handshake against one session. Fields below mu are
// written on the event loop only; accessors may be used from anywhere.
type UnlockAttempt struct {
	ID string

	session   *Session
	resume    bool
	cancelled atomic.Bool
	stopTimer func()
	release   func()
	done      chan struct{}

	mu         sync.Mutex
	state      UnlockState
	polls      int
	counterMax int
	progress   int
	result     UnlockResult
}

func newUnlockAttempt(s *Session) *UnlockAttempt {
	return &UnlockAttempt{
		ID:         uuid.NewString(),
		session:    s,
		done:       make(chan struct{}),
		counterMax: 1,
	}
}

// Done is closed when the attempt reaches a terminal state.
func (a *UnlockAttempt) Done() <-chan struct{} { return a.done }

func (a *UnlockAttempt) State() UnlockState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *UnlockAttempt) Polls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls
}

// Progress returns the last progress value and its maximum.
func (a *UnlockAttempt) Progress() (value, max int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress, a.counterMax
}

// Result is only meaningful once Done is closed.
func (a *UnlockAttempt) Result() UnlockResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

func (a *UnlockAttempt) setState(s UnlockState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Unlocker drives unlock handshakes. It holds the session lock for the whole
// handshake so background enumeration stays away from the device.
type Unlocker struct {
	loop   *Loop
	lock   *SessionLock
	host   Host
	logger *log.Logger

	// Interval is the poll cadence.
	Interval time.Duration
	// MaxPolls ends an attempt as timed out after that many polls; zero
	// polls until the device answers or disappears.
	MaxPolls int
}

func NewUnlocker(loop *Loop, lock *SessionLock, host Host, logger *log.Logger) *Unlocker {
	return &Unlocker{
		loop:     loop,
		lock:     lock,
		host:     host,
		logger:   orDiscard(logger),
		Interval: defaultUnlockPollInterval,
	}
}

// Unlock runs a handshake against s and returns its terminal result. The
// caller's flow does not continue until then; when the caller is itself a
// loop task the loop keeps serving other tasks while it waits. If ctx ends
// first the attempt is cancelled.
func (u *Unlocker) Unlock(ctx context.Context, s *Session) (UnlockResult, error) {
	a, err := u.Start(ctx, s)
	if err != nil {
		return UnlockResult{}, err
	}
	if err := u.loop.Await(ctx, a.Done()); err != nil {
		u.Cancel(a)
		return UnlockResult{}, err
	}
	return a.Result(), nil
}

// Start begins (or joins) a handshake and returns without waiting for it.
func (u *Unlocker) Start(ctx context.Context, s *Session) (*UnlockAttempt, error) {
	var a *UnlockAttempt
	err := u.loop.Call(ctx, func(lctx context.Context) {
		a = u.start(s)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Cancel stops a. No poll is sent once Cancel has returned.
func (u *Unlocker) Cancel(a *UnlockAttempt) {
	if a == nil || a.cancelled.Swap(true) {
		return
	}
	u.loop.Post(func(context.Context) {
		u.finish(a, UnlockCancelled, nil)
	})
}

func (u *Unlocker) start(s *Session) *UnlockAttempt {
	if s == nil || s.Closed() {
		a := newUnlockAttempt(s)
		u.complete(a, UnlockFailed, ErrNoDevice)
		return a
	}
	if s.attempt != nil && !s.attempt.State().Terminal() {
		u.logger.Printf("[UNLOCK] %s: joining active attempt %s", s.Title(), s.attempt.ID)
		return s.attempt
	}

	a := newUnlockAttempt(s)
	if s.UnlockStatus() == 1 && !s.UnlockInProgress() {
		debugf(u.logger, "%s already unlocked", s.Title())
		u.complete(a, UnlockUnlocked, nil)
		return a
	}

	s.attempt = a
	a.release = u.lock.Hold()
	a.setState(UnlockStarting)

	if s.UnlockInProgress() {
		a.resume = true
		u.logger.Printf("[UNLOCK] %s: resuming handshake already in progress on %s", a.ID, s.Title())
	} else {
		u.logger.Printf("[UNLOCK] %s: starting handshake on %s", a.ID, s.Title())
		if err := s.UnlockStart(); err != nil {
			state := UnlockFailed
			if IsCommunicationError(err) {
				state = UnlockDisconnected
			}
			u.finish(a, state, err)
			return a
		}
	}

	a.setState(UnlockPolling)
	interval := u.Interval
	if interval <= 0 {
		interval = defaultUnlockPollInterval
	}
	a.stopTimer = u.loop.Every(interval, func(context.Context) { u.poll(a) })
	return a
}

func (u *Unlocker) poll(a *UnlockAttempt) {
	if a.cancelled.Load() || a.State() != UnlockPolling {
		return
	}
	s := a.session
	res, err := s.UnlockPoll()

	a.mu.Lock()
	a.polls++
	polls := a.polls
	a.mu.Unlock()

	if err != nil {
		if IsCommunicationError(err) {
			u.logger.Printf("[UNLOCK] %s: device disconnected: %v", a.ID, err)
			u.finish(a, UnlockDisconnected, err)
			return
		}
		u.finish(a, UnlockFailed, err)
		return
	}

	a.mu.Lock()
	if res.Counter > a.counterMax {
		a.counterMax = res.Counter
	}
	a.progress = a.counterMax - res.Counter
	p := UnlockProgress{AttemptID: a.ID, Value: a.progress, Max: a.counterMax, Counter: res.Counter, Keys: s.UnlockKeys()}
	a.mu.Unlock()
	u.host.UnlockProgress(p)

	if res.Unlocked {
		if a.resume {
			if err := s.Reload(); err != nil {
				u.logger.Printf("[UNLOCK] %s: reload after resumed handshake failed: %v", a.ID, err)
				if IsCommunicationError(err) {
					u.finish(a, UnlockDisconnected, err)
					return
				}
			}
		}
		u.finish(a, UnlockUnlocked, nil)
		return
	}
	if u.MaxPolls > 0 && polls >= u.MaxPolls {
		u.finish(a, UnlockTimedOut, fmt.Errorf("no unlock after %d polls", polls))
	}
}

// finish moves a to a terminal state exactly once, stops its timer, tells
// the host and releases the session lock.
func (u *Unlocker) finish(a *UnlockAttempt, state UnlockState, err error) {
	if a.State().Terminal() {
		return
	}
	if a.stopTimer != nil {
		a.stopTimer()
	}
	if a.session != nil && a.session.attempt == a {
		a.session.attempt = nil
	}
	u.complete(a, state, err)
	u.host.UnlockFinished(a.Result())
	if a.release != nil {
		a.release()
	}
}

func (u *Unlocker) complete(a *UnlockAttempt, state UnlockState, err error) {
	a.mu.Lock()
	a.state = state
	a.result = UnlockResult{AttemptID: a.ID, State: state, Polls: a.polls, Err: err}
	a.mu.Unlock()
	close(a.done)
}

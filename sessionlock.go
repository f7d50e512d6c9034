package main

import (
	"log"
	"sync"
)

// SessionLock is a reentrant counter, not a mutex. The first Lock suspends
// background enumeration and disables interactive controls; the matching
// last Unlock re-enables both. Hooks run with the counter held, so they must
// not call back into the lock.
type SessionLock struct {
	mu        sync.Mutex
	count     int
	onAcquire []func()
	onRelease []func()
	logger    *log.Logger
}

func NewSessionLock(logger *log.Logger) *SessionLock {
	return &SessionLock{logger: orDiscard(logger)}
}

// OnAcquire registers fn to run on every 0->1 transition.
func (l *SessionLock) OnAcquire(fn func()) {
	l.mu.Lock()
	l.onAcquire = append(l.onAcquire, fn)
	l.mu.Unlock()
}

// OnRelease registers fn to run on every 1->0 transition.
func (l *SessionLock) OnRelease(fn func()) {
	l.mu.Lock()
	l.onRelease = append(l.onRelease, fn)
	l.mu.Unlock()
}

func (l *SessionLock) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	if l.count != 1 {
		return
	}
	l.logger.Printf("[LOCK] acquired")
	for _, fn := range l.onAcquire {
		fn()
	}
}

func (l *SessionLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		l.logger.Printf("[LOCK] unlock without matching lock ignored")
		return
	}
	l.count--
	if l.count != 0 {
		return
	}
	l.logger.Printf("[LOCK] released")
	for _, fn := range l.onRelease {
		fn()
	}
}

// Drop gives back one hold without running the release hooks. Used once the
// loop that would deliver them has stopped.
func (l *SessionLock) Drop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count > 0 {
		l.count--
	}
}

// Hold acquires the lock and returns a release func that is safe to call
// more than once.
func (l *SessionLock) Hold() (release func()) {
	l.Lock()
	var once sync.Once
	return func() { once.Do(l.Unlock) }
}

func (l *SessionLock) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *SessionLock) Held() bool { return l.Count() > 0 }

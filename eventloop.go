package main

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a closure executed on the event loop goroutine. The context
// passed to it identifies the loop, so code running inside a task can wait
// cooperatively with Await.
type Task func(ctx context.Context)

type loopKey struct{}

// Loop is the single goroutine that owns device sessions and delivers every
// host notification. Other goroutines never mutate shared state directly;
// they Post closures here.
type Loop struct {
	tasks   chan Task
	stopped chan struct{}
	once    sync.Once
	logger  *log.Logger
}

func NewLoop(logger *log.Logger) *Loop {
	return &Loop{
		tasks:   make(chan Task, 256),
		stopped: make(chan struct{}),
		logger:  orDiscard(logger),
	}
}

// Post queues t without blocking the caller.
func (l *Loop) Post(t Task) {
	select {
	case l.tasks <- t:
	case <-l.stopped:
	default:
		go func() {
			select {
			case l.tasks <- t:
			case <-l.stopped:
			}
		}()
	}
}

// Run executes queued tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	lctx := context.WithValue(ctx, loopKey{}, l)
	defer l.once.Do(func() { close(l.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-l.tasks:
			l.exec(lctx, t)
		}
	}
}

// Stopped is closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} { return l.stopped }

func (l *Loop) exec(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("[LOOP] task panic: %v\n%s", r, debug.Stack())
		}
	}()
	t(ctx)
}

// OnLoop reports whether ctx belongs to a task running on l.
func (l *Loop) OnLoop(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner == l
}

// Await blocks the calling logical flow until done is closed. When called
// from inside a loop task it keeps executing queued tasks while it waits, so
// the loop never stalls behind a waiting caller.
func (l *Loop) Await(ctx context.Context, done <-chan struct{}) error {
	if !l.OnLoop(ctx) {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case t := <-l.tasks:
			l.exec(ctx, t)
		}
	}
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn Task) error {
	if l.OnLoop(ctx) {
		fn(ctx)
		return nil
	}
	done := make(chan struct{})
	l.Post(func(lctx context.Context) {
		defer close(done)
		fn(lctx)
	})
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Every posts t to the loop at the given interval until stop is called. A
// tick is skipped while the previous one is still queued.
func (l *Loop) Every(interval time.Duration, t Task) (stop func()) {
	quit := make(chan struct{})
	var once sync.Once
	var queued atomic.Bool
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-l.stopped:
				return
			case <-ticker.C:
				if !queued.CompareAndSwap(false, true) {
					continue
				}
				l.Post(func(ctx context.Context) {
					queued.Store(false)
					select {
					case <-quit:
						return
					default:
					}
					t(ctx)
				})
			}
		}
	}()
	return func() { once.Do(func() { close(quit) }) }
}

package main

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
)

// openRequest asks the open worker to establish a session. reply runs on the
// worker goroutine and must only hand the result over, never apply it.
type openRequest struct {
	id         uint64
	desc       DeviceDescriptor
	definition []byte
	reply      func(id uint64, s *Session, err error)
}

// openWorker performs device opens off the event loop and off the
// enumeration goroutine. Requests are served one at a time in submission
// order, so at most one open is in flight.
type openWorker struct {
	transport Transport
	logger    *log.Logger

	reqs   chan openRequest
	nextID atomic.Uint64

	done chan struct{}
}

func newOpenWorker(t Transport, logger *log.Logger) *openWorker {
	return &openWorker{
		transport: t,
		logger:    orDiscard(logger),
		reqs:      make(chan openRequest, 16),
		done:      make(chan struct{}),
	}
}

// Run serves requests until ctx is cancelled.
func (w *openWorker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.reqs:
			s, err := w.open(req)
			req.reply(req.id, s, err)
		}
	}
}

// Submit queues an open and returns its request id. It never blocks the
// caller for longer than it takes to hand the request over.
func (w *openWorker) Submit(desc DeviceDescriptor, definition []byte, reply func(uint64, *Session, error)) uint64 {
	id := w.nextID.Add(1)
	req := openRequest{id: id, desc: desc, definition: definition, reply: reply}
	select {
	case w.reqs <- req:
	case <-w.done:
		reply(id, nil, fmt.Errorf("open worker stopped"))
	default:
		go func() {
			select {
			case w.reqs <- req:
			case <-w.done:
				reply(id, nil, fmt.Errorf("open worker stopped"))
			}
		}()
	}
	return id
}

// open runs one request, converting a panic in the transport into an error
// so nothing crosses the goroutine boundary raw.
func (w *openWorker) open(req openRequest) (s *Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Printf("[RECOVER] open %s: %v\n%s", req.desc.Path, r, debug.Stack())
			s, err = nil, fmt.Errorf("open %s: panic: %v", req.desc.Path, r)
		}
	}()
	w.logger.Printf("[WORKER] open #%d %s (%s)", req.id, req.desc.Title, req.desc.Path)
	return OpenSession(w.transport, req.desc, req.definition)
}

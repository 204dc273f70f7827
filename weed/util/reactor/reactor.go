// Package reactor runs closures one at a time on a dedicated goroutine.
// Everything a reactor owns is only touched from its own goroutine, so the
// owner needs no locks; other goroutines talk to it with Send and Call.
package reactor

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

var ErrStopped = errors.New("reactor: stopped")

type Reactor struct {
	name  string
	tasks chan func()

	mu       sync.RWMutex
	stopped  bool
	quit     chan struct{}
	stopLoop chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a reactor whose queue holds depth pending closures.
func New(name string, depth int) *Reactor {
	if depth <= 0 {
		depth = 1
	}
	r := &Reactor{
		name:     name,
		tasks:    make(chan func(), depth),
		quit:     make(chan struct{}),
		stopLoop: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Reactor) Name() string {
	return r.name
}

func (r *Reactor) loop() {
	defer close(r.done)
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.stopLoop:
			for {
				select {
				case fn := <-r.tasks:
					fn()
				default:
					glog.V(2).Infof("reactor %s: stopped", r.name)
					return
				}
			}
		}
	}
}

// Send queues fn without waiting for it to run. It blocks while the queue
// is full and returns false once the reactor is stopping.
func (r *Reactor) Send(fn func()) bool {
	return r.enqueue(nil, fn) == nil
}

func (r *Reactor) enqueue(ctxDone <-chan struct{}, fn func()) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrStopped
	}
	select {
	case r.tasks <- fn:
		return nil
	case <-r.quit:
		return ErrStopped
	case <-ctxDone:
		return context.Canceled
	}
}

// Call runs fn on the reactor and waits for it. If ctx ends first Call
// returns ctx.Err(), but fn may still run later when it was already queued.
// Call must never be used from inside the reactor itself.
func (r *Reactor) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := r.enqueue(ctx.Done(), func() {
		defer close(finished)
		fn()
	}); err != nil {
		if err == context.Canceled {
			return ctx.Err()
		}
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop runs what is already queued, then ends the loop and waits for it.
// Safe to call more than once, never from inside the reactor.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.stopLoop)
	})
	<-r.done
}

// Stopped reports whether Stop has been called.
func (r *Reactor) Stopped() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopped
}

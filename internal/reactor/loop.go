package reactor

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("reactor stopped")

// Timer is a single-shot timer whose callback runs on the loop goroutine.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// timer was still pending. Must be called from the loop goroutine.
	Stop() bool
}

// Scheduler arms timers that fire on the loop goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Runner is what protocol adapters need from the loop: posting events from
// reader goroutines, deferring follow-up work from inside an event and
// arming timers.
type Runner interface {
	Scheduler
	Post(fn func()) bool
	Defer(fn func())
}

// Loop runs posted events one at a time on a single goroutine. Socket
// readers and timers never touch call state directly; they post closures
// here and the loop executes them to completion in arrival order.
type Loop struct {
	events chan func()
	done   chan struct{}
	logger *slog.Logger

	// deferred is only touched on the loop goroutine.
	deferred []func()
}

// New creates a loop with the given event queue depth.
func New(queue int, logger *slog.Logger) *Loop {
	if queue <= 0 {
		queue = 256
	}
	return &Loop{
		events: make(chan func(), queue),
		done:   make(chan struct{}),
		logger: logger.With("component", "reactor"),
	}
}

// Run executes events until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	l.logger.Info("event loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("event loop stopped")
			return
		case fn := <-l.events:
			l.run(fn)
			l.drain()
		}
	}
}

// drain runs deferred steps, including any they defer in turn.
func (l *Loop) drain() {
	for len(l.deferred) > 0 {
		fn := l.deferred[0]
		l.deferred[0] = nil
		l.deferred = l.deferred[1:]
		l.run(fn)
	}
	l.deferred = nil
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event handler panicked", "panic", r)
		}
	}()
	fn()
}

// Post queues fn for execution on the loop. It returns false if the loop
// has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case <-l.done:
		return false
	case l.events <- fn:
		return true
	}
}

// Defer queues fn to run on the loop as soon as the current event returns,
// ahead of anything waiting in the event queue. It never blocks and must
// only be called from the loop goroutine; use Post everywhere else.
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// loopTimer state is only read and written on the loop goroutine.
type loopTimer struct {
	timer   *time.Timer
	stopped bool
	fired   bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}

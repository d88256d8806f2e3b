// Package eventloop implements the single cooperative scheduler that owns all
// data-model mutation. Background workers never touch layers or views
// directly; they Post a closure that runs on the loop goroutine.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Run after Close has been called and the queue drained.
var ErrClosed = errors.New("event loop closed")

// Loop is a FIFO task queue drained by one goroutine.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

// New creates an idle loop.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn for execution on the loop goroutine. It never blocks and
// reports false when the loop has been closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// AfterFunc posts fn to the loop once d has elapsed. The returned timer can
// be stopped; a task already posted still runs.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Close stops accepting new tasks. Run returns once the queue is empty.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) take() ([]func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tasks := l.queue
	l.queue = nil
	return tasks, l.closed
}

// RunPending executes every queued task on the calling goroutine and returns
// how many ran. Tasks posted while running are executed too.
func (l *Loop) RunPending() int {
	n := 0
	for {
		tasks, _ := l.take()
		if len(tasks) == 0 {
			return n
		}
		for _, fn := range tasks {
			fn()
			n++
		}
	}
}

// Run drains the queue until ctx is cancelled or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		l.mu.Lock()
		closed := l.closed && len(l.queue) == 0
		l.mu.Unlock()
		if closed {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// RunUntil drains the queue on the calling goroutine until cond holds or ctx
// expires. It reports whether cond was satisfied. Headless callers (the CLI
// and tests) use it to wait for posted completions.
func (l *Loop) RunUntil(ctx context.Context, cond func() bool) bool {
	for {
		l.RunPending()
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			l.RunPending()
			return cond()
		case <-l.wake:
		}
	}
}

// Package control runs the cache's background loops and the unix
// socket protocol that starts, stops and polls them at runtime.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Loop repeatedly runs one unit of work with a delay between
// iterations. It can be paused, resumed, and kicked into an immediate
// iteration over the control socket.
type Loop struct {
	Name    string
	Iterate func(ctx context.Context) error
	Delay   time.Duration
	Logger  *logrus.Entry

	mu      sync.Mutex
	running bool
	resume  chan struct{}
	kicked  chan struct{}
	waiters []chan struct{}
}

// NewLoop builds a loop that starts in the running state.
func NewLoop(name string, delay time.Duration, iterate func(ctx context.Context) error) *Loop {
	return &Loop{
		Name:    name,
		Iterate: iterate,
		Delay:   delay,
		Logger:  logrus.WithField("loop", name),
		running: true,
		resume:  make(chan struct{}),
		kicked:  make(chan struct{}, 1),
	}
}

// Run drives the loop until the context is cancelled. Iteration errors
// are logged, not fatal; the work functions own their retry policy.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := l.waitRunnable(ctx); err != nil {
			return err
		}
		waiters := l.takeWaiters()
		if err := l.Iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.Logger.WithError(err).Error("iteration failed")
		}
		for _, w := range waiters {
			close(w)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.kicked:
		case <-time.After(l.Delay):
		}
	}
}

// waitRunnable blocks while the loop is stopped. A kick still gets
// through so a poll on a stopped loop runs exactly one iteration.
func (l *Loop) waitRunnable(ctx context.Context) error {
	for {
		l.mu.Lock()
		running := l.running
		resume := l.resume
		l.mu.Unlock()
		if running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		case <-l.kicked:
			return nil
		}
	}
}

func (l *Loop) takeWaiters() []chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	waiters := l.waiters
	l.waiters = nil
	return waiters
}

// Start resumes a stopped loop; starting a running loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		l.running = true
		close(l.resume)
		l.resume = make(chan struct{})
	}
}

// Stop pauses the loop after the current iteration; stopping a stopped
// loop is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
}

// Running reports whether the loop is currently scheduled.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Poll kicks the loop into an immediate iteration. With wait, it
// blocks until an iteration that started after the call completes, or
// the context ends.
func (l *Loop) Poll(ctx context.Context, wait bool) error {
	var done chan struct{}
	if wait {
		done = make(chan struct{})
		l.mu.Lock()
		l.waiters = append(l.waiters, done)
		l.mu.Unlock()
	}
	select {
	case l.kicked <- struct{}{}:
	default:
	}
	if !wait {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Sleep waits for d, returning early if the context ends. Work
// functions use it for their internal error backoffs so shutdown is
// not delayed.
func Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

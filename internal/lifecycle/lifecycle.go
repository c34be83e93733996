// Package lifecycle coordinates process shutdown. Signals, the admin endpoint
// and fatal serve errors all funnel into one Coordinator, so teardown runs
// exactly once no matter how many triggers fire.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Hook is one shutdown step. It should respect ctx's deadline.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Coordinator records the shutdown request and runs registered hooks once.
// The zero value is not usable; call NewCoordinator.
type Coordinator struct {
	shuttingDown atomic.Bool

	mu     sync.Mutex
	reason string
	hooks  []namedHook

	triggerOnce sync.Once
	done        chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewCoordinator returns a Coordinator that has not been triggered.
func NewCoordinator() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// OnShutdown registers fn to run during Shutdown, after previously registered hooks.
// Hooks registered after Shutdown has started are ignored.
func (c *Coordinator) OnShutdown(name string, fn Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, namedHook{name: name, fn: fn})
}

// Trigger requests shutdown. Only the first call has any effect; it returns
// true for that call.
func (c *Coordinator) Trigger(reason string) bool {
	first := false
	c.triggerOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.shuttingDown.Store(true)
		close(c.done)
	})
	return first
}

// Triggered reports whether Trigger has been called.
func (c *Coordinator) Triggered() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason given to the first Trigger, or "".
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed when shutdown is triggered.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// IsShuttingDown returns true once shutdown has been triggered. The health
// handler reports shutting-down while true.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Shutdown triggers shutdown if needed and runs every hook in registration
// order. A failing hook does not stop later hooks; errors are combined.
// Later calls return the first call's result without rerunning hooks.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Trigger("shutdown")
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()

		var errs error
		for _, h := range hooks {
			if err := h.fn(ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", h.name, err))
			}
		}
		c.shutdownErr = errs
	})
	return c.shutdownErr
}

// NotifySignals triggers c when any of sigs arrives. The returned stop
// function releases the signal subscription.
func NotifySignals(c *Coordinator, sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			c.Trigger("signal " + sig.String())
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

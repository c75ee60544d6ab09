// Package stopper wraps a context.Context with a goroutine registry so
// that long-running loops (coordinator cycles, hub dispatch, stream
// writers) can be started and cleanly cancelled together. Modeled on
// the ctx.Go(...)/ctx.Stopping() idiom referenced in the teacher's
// internal/util/stdpool package.
package stopper

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Context decorates a context.Context with goroutine tracking.
type Context struct {
	context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	wg   sync.WaitGroup
	errs []error
}

// WithContext creates a new stopper Context derived from parent.
func WithContext(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{Context: ctx, cancel: cancel}
}

// Go runs fn in a new goroutine. If fn returns a non-nil error, it is
// recorded and the Context is cancelled so sibling goroutines unwind.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
			log.WithError(err).Warn("stopper: goroutine exited with error")
			c.cancel()
		}
	}()
}

// Stopping returns a channel that is closed when the Context is
// cancelled, suitable for use in a select alongside other channels.
func (c *Context) Stopping() <-chan struct{} {
	return c.Done()
}

// Stop cancels the context and waits for all registered goroutines to
// return, then returns any errors they reported, joined.
func (c *Context) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return errors.Errorf("stopper: %d goroutine(s) failed: %v", len(c.errs), c.errs)
}

// Wait blocks until all registered goroutines have returned, without
// cancelling the context itself.
func (c *Context) Wait() {
	c.wg.Wait()
}

package cgi

import (
	"context"
	"sync"
)

// children keeps track of live scripts so they can be killed and reaped as a
// group when the server goes away.
type children struct {
	mu      sync.Mutex
	live    map[int]context.CancelFunc
	next    int
	stopped bool
	wg      sync.WaitGroup
}

func (c *children) init() {
	c.live = make(map[int]context.CancelFunc)
}

// enter registers a run. The returned func must be called once the child has
// been waited on.
func (c *children) enter(kill context.CancelFunc) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	c.next++
	id := c.next
	c.live[id] = kill
	c.wg.Add(1)
	return func() {
		c.mu.Lock()
		delete(c.live, id)
		c.mu.Unlock()
		c.wg.Done()
	}, nil
}

func (c *children) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// stop refuses new runs and kills the ones in flight.
func (c *children) stop() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for _, kill := range c.live {
		kill()
	}
	return len(c.live)
}

func (c *children) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package schedule

import (
	"context"
	"sync"

	appLog "prayerd/internal/log"
)

// Coordinator queues rebuild requests for a single worker. Only the latest
// queued request is kept: a request that has not started yet is superseded
// by a newer one, since only the latest configuration matters.
type Coordinator struct {
	rebuilder *Rebuilder

	mu      sync.Mutex
	pending *Request
	wake    chan struct{}
}

func NewCoordinator(r *Rebuilder) *Coordinator {
	return &Coordinator{
		rebuilder: r,
		wake:      make(chan struct{}, 1),
	}
}

// Trigger queues req, replacing any request not yet picked up. It never
// blocks.
func (c *Coordinator) Trigger(req Request) {
	c.mu.Lock()
	c.pending = &req
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) take() (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Request{}, false
	}
	req := *c.pending
	c.pending = nil
	return req, true
}

// Run processes queued requests until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	appLog.Info("rebuild coordinator started")
	for {
		select {
		case <-ctx.Done():
			appLog.Info("rebuild coordinator stopped")
			return nil
		case <-c.wake:
		}

		req, ok := c.take()
		if !ok {
			continue
		}
		if _, err := c.rebuilder.Rebuild(ctx, req); err != nil && ctx.Err() == nil {
			appLog.Error("queued rebuild failed", err)
		}
	}
}

// RebuildNow runs a pass synchronously, still waiting for any in-flight one.
func (c *Coordinator) RebuildNow(ctx context.Context, req Request) (Result, error) {
	return c.rebuilder.Rebuild(ctx, req)
}

// Rebuilder exposes the underlying rebuilder for read access to the last plan.
func (c *Coordinator) Rebuilder() *Rebuilder {
	return c.rebuilder
}

package stream

import (
	"context"
	"sync"
	"time"
)

// Timer is a source that calls fn every interval and delivers non-nil
// results into its node.
type Timer struct {
	*Node
	interval time.Duration
	fn       func(ctx context.Context) (any, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTimer(interval time.Duration, fn func(ctx context.Context) (any, error), opts ...Option) *Timer {
	t := &Timer{interval: interval, fn: fn}
	t.Node = newNode(KindTimer, nil, opts...)
	t.onClose(func() error { t.Stop(); return nil })
	return t
}

// Start launches the loop. Starting a running timer is a no-op.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
}

// Stop ends the loop after the current tick and waits for it.
func (t *Timer) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Timer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		v, err := t.fn(ctx)
		if err != nil {
			t.report(nil, err)
			continue
		}
		if v != nil {
			t.Deliver(v)
		}
	}
}

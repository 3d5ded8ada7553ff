package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SlidingWindow emits the last n values as a []any on every update. Until n
// values have arrived it emits the partial window only when partial is set.
func SlidingWindow(size int, partial bool, opts ...Option) *Node {
	if size < 1 {
		size = 1
	}
	var (
		mu  sync.Mutex
		buf []any
	)
	return newNode(KindSlidingWindow, func(ctx context.Context, n *Node, v any) ([]any, error) {
		mu.Lock()
		buf = append(buf, v)
		if len(buf) > size {
			buf = buf[len(buf)-size:]
		}
		ready := partial || len(buf) == size
		win := append([]any(nil), buf...)
		mu.Unlock()
		if !ready {
			return nil, nil
		}
		return n.Propagate(ctx, win)
	}, opts...)
}

// Partition groups every n consecutive values into one []any.
func Partition(size int, opts ...Option) *Node {
	if size < 1 {
		size = 1
	}
	var (
		mu  sync.Mutex
		buf []any
	)
	return newNode(KindPartition, func(ctx context.Context, n *Node, v any) ([]any, error) {
		mu.Lock()
		buf = append(buf, v)
		if len(buf) < size {
			mu.Unlock()
			return nil, nil
		}
		batch := buf
		buf = nil
		mu.Unlock()
		return n.Propagate(ctx, batch)
	}, opts...)
}

// TimedWindow collects values and, once per interval, delivers the collected
// batch downstream when it is non-empty. It is async; the ticker stops on
// Destroy.
func TimedWindow(interval time.Duration, opts ...Option) *Node {
	var (
		mu  sync.Mutex
		buf []any
	)
	n := newNode(KindTimedWindow, func(ctx context.Context, n *Node, v any) ([]any, error) {
		mu.Lock()
		buf = append(buf, v)
		mu.Unlock()
		return nil, nil
	}, append([]Option{Async()}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			mu.Lock()
			batch := buf
			buf = nil
			mu.Unlock()
			if len(batch) > 0 {
				n.Deliver(batch)
			}
		}
	}()
	n.onClose(func() error { cancel(); return nil })
	return n
}

// RateLimit lets at most one value per interval through, delaying the rest.
// The wait happens on whichever goroutine runs the update, so on an async
// subgraph it holds the reactor.
func RateLimit(interval time.Duration, opts ...Option) *Node {
	lim := rate.NewLimiter(rate.Every(interval), 1)
	return newNode(KindRateLimit, func(ctx context.Context, n *Node, v any) ([]any, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%v: %w", n, err)
		}
		return n.Propagate(ctx, v)
	}, opts...)
}

// Buffer decouples the upstream from the downstream with a queue of size
// slots. Updates block once the queue is full; a drain goroutine forwards
// values in order, through the reactor when the node is bound to one.
func Buffer(size int, opts ...Option) *Node {
	if size < 1 {
		size = 1
	}
	queue := make(chan any, size)
	ctx, cancel := context.WithCancel(context.Background())
	n := newNode(KindBuffer, func(uctx context.Context, n *Node, v any) ([]any, error) {
		select {
		case queue <- v:
			return nil, nil
		case <-uctx.Done():
			return nil, uctx.Err()
		case <-ctx.Done():
			return nil, ErrReactorStopped
		}
	}, opts...)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-queue:
				if n.boundReactor() != nil {
					n.Deliver(v)
					continue
				}
				if _, err := n.Propagate(ctx, v); err != nil {
					n.report(v, err)
				}
			}
		}
	}()
	n.onClose(func() error { cancel(); return nil })
	return n
}

// Union forwards every value from every upstream.
func Union(upstreams []*Node, opts ...Option) (*Node, error) {
	return Attach(newNode(KindUnion, nil, opts...), upstreams...)
}

// CombineLatest emits a []any of the latest value of each upstream, in
// upstream order, once every upstream has produced at least one value. Only
// updates from emitOn trigger emission; an empty emitOn means all upstreams.
func CombineLatest(upstreams []*Node, emitOn []*Node, opts ...Option) (*Node, error) {
	index := indexOf(upstreams)
	trigger := map[Handle]bool{}
	for _, e := range emitOn {
		trigger[e.handle] = true
	}
	var (
		mu     sync.Mutex
		latest = make([]any, len(upstreams))
		have   = make([]bool, len(upstreams))
		count  int
	)
	n := newNode(KindCombineLatest, func(ctx context.Context, n *Node, v any) ([]any, error) {
		who := Sender(ctx)
		if who == nil {
			return nil, nil
		}
		i, ok := index[who.handle]
		if !ok {
			return nil, nil
		}
		mu.Lock()
		latest[i] = v
		if !have[i] {
			have[i] = true
			count++
		}
		ready := count == len(upstreams) && (len(trigger) == 0 || trigger[who.handle])
		row := append([]any(nil), latest...)
		mu.Unlock()
		if !ready {
			return nil, nil
		}
		return n.Propagate(ctx, row)
	}, opts...)
	return Attach(n, upstreams...)
}

// Zip emits a []any pairing the i-th value of every upstream.
func Zip(upstreams []*Node, opts ...Option) (*Node, error) {
	index := indexOf(upstreams)
	var (
		mu     sync.Mutex
		queues = make([][]any, len(upstreams))
	)
	n := newNode(KindZip, func(ctx context.Context, n *Node, v any) ([]any, error) {
		who := Sender(ctx)
		if who == nil {
			return nil, nil
		}
		i, ok := index[who.handle]
		if !ok {
			return nil, nil
		}
		mu.Lock()
		queues[i] = append(queues[i], v)
		for _, q := range queues {
			if len(q) == 0 {
				mu.Unlock()
				return nil, nil
			}
		}
		row := make([]any, len(queues))
		for j := range queues {
			row[j] = queues[j][0]
			queues[j] = queues[j][1:]
		}
		mu.Unlock()
		return n.Propagate(ctx, row)
	}, opts...)
	return Attach(n, upstreams...)
}

func indexOf(nodes []*Node) map[Handle]int {
	m := make(map[Handle]int, len(nodes))
	for i, n := range nodes {
		m[n.handle] = i
	}
	return m
}

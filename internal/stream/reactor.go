package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

var (
	ErrTimeout           = errors.New("stream: timed out waiting for reactor")
	ErrCalledFromReactor = errors.New("stream: blocking call from the reactor goroutine would deadlock")
	ErrReactorStopped    = errors.New("stream: reactor stopped")
)

// PanicError carries a panic recovered on the reactor back to the caller.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stream: panic on reactor: %v", e.Value)
}

type reactorKey struct{}

// Reactor runs scheduled tasks one at a time, in submission order, on a single
// dedicated goroutine. Every node of an async subgraph is bound to the same
// reactor so propagation inside that subgraph is serialized.
type Reactor struct {
	name string

	mu      sync.Mutex
	queue   []func(context.Context)
	stopped bool

	wake chan struct{}
	done chan struct{}
	ctx  context.Context
}

func NewReactor(name string) *Reactor {
	r := &Reactor{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	r.ctx = context.WithValue(context.Background(), reactorKey{}, r)
	go r.loop()
	return r
}

var (
	defaultOnce    sync.Once
	defaultReactor *Reactor
)

// DefaultReactor returns the process-wide reactor, starting it on first use.
func DefaultReactor() *Reactor {
	defaultOnce.Do(func() {
		defaultReactor = NewReactor("default")
	})
	return defaultReactor
}

func (r *Reactor) Name() string { return r.name }

// Submit schedules fn. The context passed to fn identifies the reactor so that
// blocking helpers can refuse to wait on their own goroutine.
func (r *Reactor) Submit(fn func(ctx context.Context)) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrReactorStopped
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop refuses new tasks, runs what is already queued and waits for the loop
// to exit. Calling Stop from a reactor task returns ErrCalledFromReactor.
func (r *Reactor) Stop(ctx context.Context) error {
	if OnReactor(ctx, r) {
		return ErrCalledFromReactor
	}
	r.mu.Lock()
	already := r.stopped
	r.stopped = true
	r.mu.Unlock()
	if !already {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reactor) loop() {
	defer close(r.done)
	for range r.wake {
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				stopped := r.stopped
				r.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			task := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.mu.Unlock()
			r.run(task)
		}
	}
}

func (r *Reactor) run(task func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			Errors().Emit(ErrorEvent{Node: "reactor:" + r.name, Err: &PanicError{Value: p, Stack: debug.Stack()}})
		}
	}()
	task(r.ctx)
}

// OnReactor reports whether ctx belongs to a task running on r.
func OnReactor(ctx context.Context, r *Reactor) bool {
	if ctx == nil || r == nil {
		return false
	}
	cur, _ := ctx.Value(reactorKey{}).(*Reactor)
	return cur == r
}

// Sync runs fn on r and blocks the caller until it finishes. With a positive
// timeout the caller gives up with ErrTimeout; fn keeps running on the reactor
// and its result is discarded. Panics in fn come back as *PanicError.
func Sync(ctx context.Context, r *Reactor, fn func(ctx context.Context) (any, error), timeout time.Duration) (any, error) {
	if r == nil {
		r = DefaultReactor()
	}
	if OnReactor(ctx, r) {
		return nil, ErrCalledFromReactor
	}
	f := newFuture(r)
	err := r.Submit(func(tctx context.Context) {
		defer func() {
			if p := recover(); p != nil {
				f.resolve(nil, &PanicError{Value: p, Stack: debug.Stack()})
			}
		}()
		v, err := fn(tctx)
		f.resolve([]any{v}, err)
	})
	if err != nil {
		return nil, err
	}

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.vals[0], nil
	case <-expire:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Future is the handle returned by asynchronous emission.
type Future struct {
	reactor *Reactor
	once    sync.Once
	done    chan struct{}
	vals    []any
	err     error
}

func newFuture(r *Reactor) *Future {
	return &Future{reactor: r, done: make(chan struct{})}
}

func resolved(vals []any, err error) *Future {
	f := newFuture(nil)
	f.resolve(vals, err)
	return f
}

func (f *Future) resolve(vals []any, err error) {
	f.once.Do(func() {
		f.vals, f.err = vals, err
		close(f.done)
	})
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome without blocking; ok is false while pending.
func (f *Future) Result() (vals []any, ok bool, err error) {
	select {
	case <-f.done:
		return f.vals, true, f.err
	default:
		return nil, false, nil
	}
}

// Wait blocks until the future resolves. Waiting on a pending future from its
// own reactor returns ErrCalledFromReactor.
func (f *Future) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-f.done:
		return f.vals, f.err
	default:
	}
	if OnReactor(ctx, f.reactor) {
		return nil, ErrCalledFromReactor
	}
	select {
	case <-f.done:
		return f.vals, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

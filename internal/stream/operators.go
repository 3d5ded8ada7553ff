package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"tributary/internal/logging"
)

// Map applies fn to every value and propagates the result. Errors are logged
// and returned to whoever emitted the value.
func Map(fn func(v any) (any, error), opts ...Option) *Node {
	return newNode(KindMap, func(ctx context.Context, n *Node, v any) ([]any, error) {
		out, err := fn(v)
		if err != nil {
			logging.Component("stream").Error().Err(err).Str("node", n.String()).Msg("map failed")
			return nil, fmt.Errorf("%v: %w", n, err)
		}
		return n.Propagate(ctx, out)
	}, opts...)
}

// Filter forwards values for which pred is true. A nil pred keeps truthy values.
func Filter(pred func(v any) bool, opts ...Option) *Node {
	if pred == nil {
		pred = truthy
	}
	return newNode(KindFilter, func(ctx context.Context, n *Node, v any) ([]any, error) {
		if !pred(v) {
			return nil, nil
		}
		return n.Propagate(ctx, v)
	}, opts...)
}

// Sink runs fn for its effect. Failures go to the node's error stream.
// Sinks are retained until destroyed.
func Sink(fn func(v any) error, opts ...Option) *Node {
	return newNode(KindSink, func(ctx context.Context, n *Node, v any) ([]any, error) {
		if err := fn(v); err != nil {
			n.report(v, err)
		}
		return nil, nil
	}, append([]Option{retained}, opts...)...)
}

// SinkAsync runs fn on its own goroutine. The returned future is part of the
// emission results so the emitter can wait on it.
func SinkAsync(fn func(ctx context.Context, v any) error, opts ...Option) *Node {
	return newNode(KindSink, func(ctx context.Context, n *Node, v any) ([]any, error) {
		f := newFuture(nil)
		bg := context.WithoutCancel(ctx)
		go func() {
			err := fn(bg, v)
			if err != nil {
				n.report(v, err)
			}
			f.resolve(nil, err)
		}()
		return []any{f}, nil
	}, append([]Option{retained}, opts...)...)
}

func retained(n *Node) { n.retain = true }

// Accumulate folds every value into state with fn and propagates the new state.
func Accumulate(fn func(state, v any) (any, error), start any, opts ...Option) *Node {
	var (
		mu    sync.Mutex
		state = start
	)
	return newNode(KindAccumulate, func(ctx context.Context, n *Node, v any) ([]any, error) {
		mu.Lock()
		next, err := fn(state, v)
		if err != nil {
			mu.Unlock()
			return nil, fmt.Errorf("%v: %w", n, err)
		}
		state = next
		mu.Unlock()
		return n.Propagate(ctx, next)
	}, opts...)
}

// Route transforms values matching pred with fn; other values pass unchanged.
func Route(pred func(v any) bool, fn func(v any) (any, error), opts ...Option) *Node {
	return newNode(KindRoute, func(ctx context.Context, n *Node, v any) ([]any, error) {
		if pred(v) {
			out, err := fn(v)
			if err != nil {
				return nil, fmt.Errorf("%v: %w", n, err)
			}
			v = out
		}
		return n.Propagate(ctx, v)
	}, opts...)
}

// Collector is a retained sink that keeps every value it receives.
type Collector struct {
	*Node
	mu    sync.Mutex
	items []any
}

func ToList(opts ...Option) *Collector {
	c := &Collector{}
	c.Node = newNode(KindCollect, func(ctx context.Context, n *Node, v any) ([]any, error) {
		c.mu.Lock()
		c.items = append(c.items, v)
		c.mu.Unlock()
		return nil, nil
	}, append([]Option{retained}, opts...)...)
	return c
}

func (c *Collector) Items() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.items...)
}

func (c *Collector) Reset() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}

// ToTextFile appends every value to path followed by end, flushing after each
// write. mode is "a" (append) or "w" (truncate). The file is closed on Destroy.
func ToTextFile(path, end, mode string, opts ...Option) (*Node, error) {
	flag := os.O_CREATE | os.O_WRONLY
	switch mode {
	case "", "a":
		flag |= os.O_APPEND
	case "w":
		flag |= os.O_TRUNC
	default:
		return nil, fmt.Errorf("stream: unsupported file mode %q", mode)
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	n := ToWriter(f, end, opts...)
	n.onClose(f.Close)
	return n, nil
}

// ToWriter is ToTextFile over an arbitrary writer.
func ToWriter(w io.Writer, end string, opts ...Option) *Node {
	if end == "" {
		end = "\n"
	}
	var mu sync.Mutex
	bw := bufio.NewWriter(w)
	n := newNode(KindTextFile, func(ctx context.Context, n *Node, v any) ([]any, error) {
		s, err := textOf(v)
		if err != nil {
			n.report(v, err)
			return nil, nil
		}
		mu.Lock()
		defer mu.Unlock()
		if _, err := bw.WriteString(s + end); err != nil {
			n.report(v, err)
			return nil, nil
		}
		if err := bw.Flush(); err != nil {
			n.report(v, err)
		}
		return nil, nil
	}, append([]Option{retained}, opts...)...)
	n.onClose(func() error {
		mu.Lock()
		defer mu.Unlock()
		return bw.Flush()
	})
	return n
}

var errNotText = errors.New("value is not text")

func textOf(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	case error:
		return x.Error(), nil
	}
	return "", fmt.Errorf("%w: %T", errNotText, v)
}

// Catch wraps fn so that every successful result is emitted into n.
func (n *Node) Catch(fn func(args ...any) (any, error)) func(args ...any) (any, error) {
	return func(args ...any) (any, error) {
		out, err := fn(args...)
		if err != nil {
			return nil, err
		}
		n.Emit(out)
		return out, nil
	}
}

// CatchErrors wraps fn so that its errors are emitted into n as ErrorEvents.
func (n *Node) CatchErrors(fn func(args ...any) (any, error)) func(args ...any) (any, error) {
	return func(args ...any) (any, error) {
		out, err := fn(args...)
		if err != nil {
			n.Emit(ErrorEvent{Node: n.String(), Value: args, Err: err})
		}
		return out, err
	}
}

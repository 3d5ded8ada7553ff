// Package stream implements the process-local dataflow graph: nodes, wiring
// with execution-mode percolation, the reactor that runs async subgraphs, and
// the operator kinds built on top.
//
// Nodes live in an arena and are addressed by Handle. Upstream edges own
// their nodes; downstream edges are plain handles resolved through the arena,
// so a destroyed node simply stops being reachable.
package stream

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tributary/internal/cache"
	"tributary/internal/metrics"
)

var ErrModeConflict = errors.New("stream: incompatible execution modes")

// Handle identifies a node in the arena.
type Handle uint64

// Mode is the execution mode of a connected subgraph.
type Mode int

const (
	ModeUnset Mode = iota
	ModeSync
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	default:
		return "unset"
	}
}

// Kind is the closed set of node behaviors.
type Kind int

const (
	KindStream Kind = iota
	KindMap
	KindFilter
	KindSink
	KindTextFile
	KindHTTP
	KindAccumulate
	KindRoute
	KindCollect
	KindSlidingWindow
	KindTimedWindow
	KindRateLimit
	KindBuffer
	KindCombineLatest
	KindZip
	KindPartition
	KindUnion
	KindTimer
	KindHandler
)

var kindNames = [...]string{
	"stream", "map", "filter", "sink", "textfile", "http", "accumulate", "route", "collect",
	"sliding_window", "timed_window", "rate_limit", "buffer", "combine_latest", "zip",
	"partition", "union", "timer", "handler",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Handler is the per-kind update behavior. It receives the value pushed by an
// upstream and returns the values produced downstream.
type Handler func(ctx context.Context, n *Node, v any) ([]any, error)

// Node is one stage of the graph.
type Node struct {
	handle Handle
	name   string
	kind   Kind

	// guarded by graphMu
	upstreams   []*Node
	downstreams []Handle
	mode        Mode
	reactor     *Reactor
	destroyed   bool

	refuseNone bool
	retain     bool
	errs       *Node
	handler    Handler
	recent     atomic.Pointer[cache.Recent]

	closeMu sync.Mutex
	closers []func() error
}

// graphMu serializes wiring so percolation sees a consistent topology.
var graphMu sync.RWMutex

type arena struct {
	mu       sync.RWMutex
	next     Handle
	nodes    map[Handle]*Node
	retained map[Handle]*Node
}

var registry = &arena{nodes: map[Handle]*Node{}, retained: map[Handle]*Node{}}

func (a *arena) add(n *Node) {
	a.mu.Lock()
	a.next++
	n.handle = a.next
	a.nodes[n.handle] = n
	if n.retain {
		a.retained[n.handle] = n
	}
	a.mu.Unlock()
}

func (a *arena) remove(h Handle) {
	a.mu.Lock()
	delete(a.nodes, h)
	delete(a.retained, h)
	a.mu.Unlock()
}

func (a *arena) get(h Handle) (*Node, bool) {
	a.mu.RLock()
	n, ok := a.nodes[h]
	a.mu.RUnlock()
	return n, ok
}

func (a *arena) list(m map[Handle]*Node) []*Node {
	a.mu.RLock()
	out := make([]*Node, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

// Lookup resolves a handle to a live node.
func Lookup(h Handle) (*Node, bool) { return registry.get(h) }

// Instances returns every live node in creation order.
func Instances() []*Node { return registry.list(registry.nodes) }

// Retained returns the sinks currently held by the retain registry.
func Retained() []*Node { return registry.list(registry.retained) }

// Option configures a node at construction.
type Option func(*Node)

func WithName(name string) Option { return func(n *Node) { n.name = name } }

// WithReactor binds the node to r and marks it async.
func WithReactor(r *Reactor) Option {
	return func(n *Node) {
		n.mode = ModeAsync
		n.reactor = r
	}
}

// Async binds the node to the default reactor.
func Async() Option { return func(n *Node) { WithReactor(DefaultReactor())(n) } }

// SyncOnly pins the node to caller-goroutine propagation.
func SyncOnly() Option {
	return func(n *Node) {
		n.mode = ModeSync
		n.reactor = nil
	}
}

// AllowNone lets nil values propagate.
func AllowNone() Option { return func(n *Node) { n.refuseNone = false } }

// WithCache enables the recency cache from construction.
func WithCache(maxLen int, maxAge time.Duration) Option {
	return func(n *Node) { n.recent.Store(cache.New(maxLen, maxAge)) }
}

// WithErrors routes sink and fetch failures to errs instead of Errors().
func WithErrors(errs *Node) Option { return func(n *Node) { n.errs = errs } }

func newNode(kind Kind, h Handler, opts ...Option) *Node {
	n := &Node{kind: kind, handler: h, refuseNone: true}
	for _, opt := range opts {
		opt(n)
	}
	registry.add(n)
	return n
}

// New creates a plain node that forwards every value downstream.
func New(opts ...Option) *Node { return newNode(KindStream, nil, opts...) }

// NewHandler creates a node whose update behavior is h. Packages outside
// stream use it to build graph-aware components such as durable logs.
func NewHandler(h Handler, opts ...Option) *Node { return newNode(KindHandler, h, opts...) }

func (n *Node) Handle() Handle { return n.handle }
func (n *Node) Name() string   { return n.name }
func (n *Node) Kind() Kind     { return n.kind }

func (n *Node) String() string {
	if n.name != "" {
		return fmt.Sprintf("%s<%s#%d>", n.kind, n.name, n.handle)
	}
	return fmt.Sprintf("%s#%d", n.kind, n.handle)
}

// Mode returns the node's execution mode and reactor binding.
func (n *Node) Mode() (Mode, *Reactor) {
	graphMu.RLock()
	defer graphMu.RUnlock()
	return n.mode, n.reactor
}

func (n *Node) boundReactor() *Reactor {
	graphMu.RLock()
	defer graphMu.RUnlock()
	return n.reactor
}

// Upstreams returns the node's upstreams in attachment order.
func (n *Node) Upstreams() []*Node {
	graphMu.RLock()
	defer graphMu.RUnlock()
	return append([]*Node(nil), n.upstreams...)
}

// Downstreams returns the live downstream nodes in attachment order.
func (n *Node) Downstreams() []*Node {
	graphMu.RLock()
	hs := append([]Handle(nil), n.downstreams...)
	graphMu.RUnlock()
	out := make([]*Node, 0, len(hs))
	for _, h := range hs {
		if d, ok := registry.get(h); ok {
			out = append(out, d)
		}
	}
	return out
}

func (n *Node) errorStream() *Node {
	if n.errs != nil {
		return n.errs
	}
	return Errors()
}

func (n *Node) onClose(fn func() error) {
	n.closeMu.Lock()
	n.closers = append(n.closers, fn)
	n.closeMu.Unlock()
}

// Connect wires n -> down. Mode and reactor bindings of both connected
// components are validated first and then percolated to every node of the
// union; on conflict nothing is wired.
func (n *Node) Connect(down *Node) error {
	if down == nil || down == n {
		return fmt.Errorf("stream: invalid connection %v -> %v", n, down)
	}
	graphMu.Lock()
	defer graphMu.Unlock()
	if n.destroyed || down.destroyed {
		return fmt.Errorf("stream: connect destroyed node %v -> %v", n, down)
	}
	for _, h := range n.downstreams {
		if h == down.handle {
			return nil
		}
	}

	members := component(n, down)
	var (
		mode    Mode
		reactor *Reactor
	)
	for _, m := range members {
		if m.mode != ModeUnset {
			if mode != ModeUnset && mode != m.mode {
				return fmt.Errorf("%w: %v is %s, %v is %s", ErrModeConflict, n, mode, m, m.mode)
			}
			mode = m.mode
		}
		if m.reactor != nil {
			if reactor != nil && reactor != m.reactor {
				return fmt.Errorf("%w: %v bound to reactor %q and %q", ErrModeConflict, m, reactor.name, m.reactor.name)
			}
			reactor = m.reactor
		}
	}

	n.downstreams = append(n.downstreams, down.handle)
	down.upstreams = append(down.upstreams, n)
	for _, m := range members {
		m.mode = mode
		m.reactor = reactor
	}
	return nil
}

// component walks both edge directions from every seed. Caller holds graphMu.
func component(seeds ...*Node) []*Node {
	seen := map[Handle]bool{}
	var out []*Node
	stack := append([]*Node(nil), seeds...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur.handle] {
			continue
		}
		seen[cur.handle] = true
		out = append(out, cur)
		stack = append(stack, cur.upstreams...)
		for _, h := range cur.downstreams {
			if d, ok := registry.get(h); ok {
				stack = append(stack, d)
			}
		}
	}
	return out
}

// Disconnect removes the n -> down edge. Bindings stay as they are.
func (n *Node) Disconnect(down *Node) {
	graphMu.Lock()
	defer graphMu.Unlock()
	n.downstreams = removeHandle(n.downstreams, down.handle)
	down.upstreams = removeNode(down.upstreams, n)
}

// Attach connects each upstream to down in order.
func Attach(down *Node, upstreams ...*Node) (*Node, error) {
	for _, up := range upstreams {
		if err := up.Connect(down); err != nil {
			return nil, err
		}
	}
	return down, nil
}

// Chain connects nodes[0] -> nodes[1] -> ... and returns the last node.
func Chain(nodes ...*Node) (*Node, error) {
	for i := 1; i < len(nodes); i++ {
		if err := nodes[i-1].Connect(nodes[i]); err != nil {
			return nil, err
		}
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[len(nodes)-1], nil
}

func removeHandle(hs []Handle, h Handle) []Handle {
	out := hs[:0]
	for _, x := range hs {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}

func removeNode(ns []*Node, n *Node) []*Node {
	out := ns[:0]
	for _, x := range ns {
		if x != n {
			out = append(out, x)
		}
	}
	return out
}

// Emit pushes v into the node. Without a reactor binding the node's update
// runs on the caller's goroutine and the returned future is already resolved;
// otherwise the update is scheduled on the reactor.
func (n *Node) Emit(v any) *Future {
	return n.dispatch(v, func(ctx context.Context) ([]any, error) { return n.Update(ctx, v, nil) })
}

// Send emits v and waits for the downstream results.
func (n *Node) Send(ctx context.Context, v any) ([]any, error) {
	return n.Emit(v).Wait(ctx)
}

// Deliver hands v straight to the node's downstreams, skipping its own update.
// Sources use it to inject values they produced.
func (n *Node) Deliver(v any) *Future {
	return n.dispatch(v, func(ctx context.Context) ([]any, error) { return n.Propagate(ctx, v) })
}

func (n *Node) dispatch(v any, fn func(context.Context) ([]any, error)) *Future {
	r := n.boundReactor()
	if r == nil {
		vals, err := fn(context.Background())
		return resolved(vals, err)
	}
	f := newFuture(r)
	if err := r.Submit(func(ctx context.Context) {
		vals, err := fn(ctx)
		f.resolve(vals, err)
	}); err != nil {
		f.resolve(nil, err)
	}
	return f
}

// Update is called by an upstream (who) for every value it propagates.
func (n *Node) Update(ctx context.Context, v any, who *Node) ([]any, error) {
	if n.handler != nil {
		return n.handler(withSender(ctx, who), n, v)
	}
	return n.Propagate(ctx, v)
}

// Propagate records v in the cache and calls Update on every downstream in
// attachment order, collecting the non-nil results. The first downstream
// error stops propagation and is returned.
func (n *Node) Propagate(ctx context.Context, v any) ([]any, error) {
	if c := n.recent.Load(); c != nil {
		c.Add(v)
	}
	if v == nil && n.refuseNone {
		return nil, nil
	}
	metrics.StreamEmits.WithLabelValues(metrics.NodeLabel(n.name)).Inc()

	var out []any
	for _, d := range n.Downstreams() {
		res, err := d.Update(ctx, v, n)
		if err != nil {
			return out, err
		}
		out = appendResults(out, res)
	}
	return out, nil
}

func appendResults(out []any, res []any) []any {
	for _, r := range res {
		if r == nil {
			continue
		}
		if nested, ok := r.([]any); ok {
			out = appendResults(out, nested)
			continue
		}
		out = append(out, r)
	}
	return out
}

type senderKey struct{}

func withSender(ctx context.Context, who *Node) context.Context {
	if who == nil {
		return ctx
	}
	return context.WithValue(ctx, senderKey{}, who)
}

// Sender returns the upstream that pushed the value being handled, if any.
func Sender(ctx context.Context) *Node {
	n, _ := ctx.Value(senderKey{}).(*Node)
	return n
}

// StartCache enables the recency cache, replacing any existing one.
func (n *Node) StartCache(maxLen int, maxAge time.Duration) {
	n.recent.Store(cache.New(maxLen, maxAge))
}

func (n *Node) StopCache() { n.recent.Store(nil) }

func (n *Node) ClearCache() {
	if c := n.recent.Load(); c != nil {
		c.Clear()
	}
}

// Recent returns up to count cached values, or every value newer than
// now-window when window is positive. Nil when caching is off.
func (n *Node) Recent(count int, window time.Duration) []any {
	c := n.recent.Load()
	if c == nil {
		return nil
	}
	if window > 0 {
		return c.Since(window)
	}
	return c.Last(count)
}

// Destroy unlinks the node from the graph, drops it from the arena and the
// retain registry and releases owned resources. Safe to call more than once.
func (n *Node) Destroy() error {
	graphMu.Lock()
	if n.destroyed {
		graphMu.Unlock()
		return nil
	}
	n.destroyed = true
	for _, up := range n.upstreams {
		up.downstreams = removeHandle(up.downstreams, n.handle)
	}
	n.upstreams = nil
	for _, h := range n.downstreams {
		if d, ok := registry.get(h); ok {
			d.upstreams = removeNode(d.upstreams, n)
		}
	}
	n.downstreams = nil
	graphMu.Unlock()

	registry.remove(n.handle)

	n.closeMu.Lock()
	closers := n.closers
	n.closers = nil
	n.closeMu.Unlock()
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Destroyed reports whether Destroy has run.
func (n *Node) Destroyed() bool {
	graphMu.RLock()
	defer graphMu.RUnlock()
	return n.destroyed
}

// truthy is the default filter predicate.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface, reflect.Func:
		return !rv.IsNil()
	}
	return !rv.IsZero()
}

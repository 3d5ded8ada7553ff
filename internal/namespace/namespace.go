// Package namespace gives process-wide access to named streams, tables and
// topics, so independent components reach the same node by name.
package namespace

import (
	"fmt"
	"sync"

	"tributary/internal/dbstream"
	"tributary/internal/storage"
	"tributary/internal/stream"
)

type Namespace struct {
	mu      sync.Mutex
	streams map[string]*stream.Node
	tables  map[string]*dbstream.DB
	topics  map[string]*stream.Node
	store   storage.Store
}

func New(store storage.Store) *Namespace {
	return &Namespace{
		streams: map[string]*stream.Node{},
		tables:  map[string]*dbstream.DB{},
		topics:  map[string]*stream.Node{},
		store:   store,
	}
}

var defaultNS = New(nil)

// Default returns the process-wide namespace.
func Default() *Namespace { return defaultNS }

// SetStore sets the store used by Table for tables not yet opened.
func (ns *Namespace) SetStore(s storage.Store) {
	ns.mu.Lock()
	ns.store = s
	ns.mu.Unlock()
}

// Stream returns the node registered under name, creating it with opts on
// first use. Later calls ignore opts.
func (ns *Namespace) Stream(name string, opts ...stream.Option) *stream.Node {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if n, ok := ns.streams[name]; ok && !n.Destroyed() {
		return n
	}
	n := stream.New(append([]stream.Option{stream.WithName(name)}, opts...)...)
	ns.streams[name] = n
	return n
}

// Table returns the durable log registered under name, opening it on first
// use. o.Name and o.Store are filled from the namespace when empty.
func (ns *Namespace) Table(name string, o dbstream.Options) (*dbstream.DB, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if db, ok := ns.tables[name]; ok && !db.Destroyed() {
		return db, nil
	}
	o.Name = name
	if o.Store == nil {
		o.Store = ns.store
	}
	db, err := dbstream.New(o)
	if err != nil {
		return nil, fmt.Errorf("namespace table %s: %w", name, err)
	}
	ns.tables[name] = db
	return db, nil
}

// Topic returns the topic node for name, creating a plain cached node when
// none was registered.
func (ns *Namespace) Topic(name string, opts ...stream.Option) *stream.Node {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if n, ok := ns.topics[name]; ok && !n.Destroyed() {
		return n
	}
	n := stream.New(append([]stream.Option{stream.WithName(name)}, opts...)...)
	ns.topics[name] = n
	return n
}

// Register binds an existing node as a topic. It fails when a live node is
// already registered under the name.
func (ns *Namespace) Register(name string, n *stream.Node) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if cur, ok := ns.topics[name]; ok && cur != n && !cur.Destroyed() {
		return fmt.Errorf("namespace: topic %q already registered", name)
	}
	ns.topics[name] = n
	return nil
}

func (ns *Namespace) Lookup(name string) (*stream.Node, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	n, ok := ns.topics[name]
	if !ok || n.Destroyed() {
		return nil, false
	}
	return n, true
}

// Forget drops name from every registry without destroying the nodes.
func (ns *Namespace) Forget(name string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.streams, name)
	delete(ns.tables, name)
	delete(ns.topics, name)
}

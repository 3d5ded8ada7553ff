// Package dbstream is a durable key/value log that is also a stream node.
// Every input is stored in its own SQLite table and then propagated
// downstream, so a DB can sit anywhere in a graph.
//
//	db, _ := dbstream.New(dbstream.Options{Name: "quotes", Store: st, KeyMode: dbstream.KeyTime, MaxSize: 1000})
//	db.Emit(42)                                   // stored under the current timestamp
//	db.Emit(domain.Pair{Key: "cfg", Value: cfg})  // stored under "cfg"
//	keys, _ := db.Slice(ctx, "2024-01-01 00:00:00", nil)
package dbstream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"tributary/internal/domain"
	"tributary/internal/logging"
	"tributary/internal/metrics"
	"tributary/internal/storage"
	"tributary/internal/stream"
)

type KeyMode string

const (
	KeyExplicit KeyMode = "explicit"
	KeyTime     KeyMode = "time"
)

type DictPolicy string

const (
	DictReject DictPolicy = "reject"
	DictAppend DictPolicy = "append"
)

// TypeError reports an input whose shape the key mode does not accept.
type TypeError struct {
	Table string
	Value any
	Msg   string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("dbstream %s: %s (got %T)", e.Table, e.Msg, e.Value)
}

var ErrNoStore = errors.New("dbstream: store is required")

type Options struct {
	Name           string
	Store          storage.Store
	KeyMode        KeyMode
	TimeDictPolicy DictPolicy
	// MaxSize caps the row count; zero means unbounded.
	MaxSize int
	// Log receives every input before it is stored.
	Log         *stream.Node
	NodeOptions []stream.Option
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "default"
	}
	if o.KeyMode == "" {
		o.KeyMode = KeyExplicit
	}
	if o.TimeDictPolicy == "" {
		o.TimeDictPolicy = DictReject
	}
	return o
}

func (o Options) Validate() error {
	if o.Store == nil {
		return ErrNoStore
	}
	switch o.KeyMode {
	case KeyExplicit, KeyTime:
	default:
		return fmt.Errorf("dbstream: unknown key mode %q", o.KeyMode)
	}
	switch o.TimeDictPolicy {
	case DictReject, DictAppend:
	default:
		return fmt.Errorf("dbstream: unknown time dict policy %q", o.TimeDictPolicy)
	}
	if o.MaxSize < 0 {
		return fmt.Errorf("dbstream: max size must be >= 0")
	}
	return nil
}

type DB struct {
	*stream.Node

	opts  Options
	table string
	store storage.Store

	// mu covers key generation and the write-then-evict sequence within
	// this process only.
	mu      sync.Mutex
	lastKey float64
	now     func() time.Time
}

func New(o Options) (*DB, error) {
	o = o.withDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	d := &DB{opts: o, table: storage.CanonicalTable(o.Name), store: o.Store, now: time.Now}
	nodeOpts := append([]stream.Option{stream.WithName(o.Name)}, o.NodeOptions...)
	d.Node = stream.NewHandler(d.handle, nodeOpts...)
	if err := d.evict(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) Table() string    { return d.table }
func (d *DB) KeyMode() KeyMode { return d.opts.KeyMode }
func (d *DB) MaxSize() int     { return d.opts.MaxSize }

// SetClock replaces the time source used for keys and open slice bounds.
func (d *DB) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

func (d *DB) handle(ctx context.Context, n *stream.Node, v any) ([]any, error) {
	if err := d.write(ctx, v); err != nil {
		return nil, err
	}
	return n.Propagate(ctx, v)
}

// Update stores x by shape and propagates it: a map is a bulk merge (or,
// in time mode, rejected or appended whole per policy), a domain.Pair is an
// explicit write and anything else is appended under the current time.
func (d *DB) Update(ctx context.Context, x any) error {
	_, err := d.Node.Send(ctx, x)
	return err
}

func (d *DB) write(ctx context.Context, x any) error {
	if d.opts.Log != nil {
		d.opts.Log.Emit(x)
	}
	switch v := x.(type) {
	case map[string]any:
		if d.opts.KeyMode == KeyTime {
			if d.opts.TimeDictPolicy == DictReject {
				return &TypeError{Table: d.table, Value: x, Msg: "map input is not allowed in time key mode"}
			}
			_, err := d.appendValue(ctx, v)
			return err
		}
		return d.merge(ctx, v)
	case domain.Pair:
		return d.upsert(ctx, v.Key, v.Value)
	case *domain.Pair:
		return d.upsert(ctx, v.Key, v.Value)
	default:
		_, err := d.appendValue(ctx, x)
		return err
	}
}

// Append stores v under a fresh timestamp key and returns the key.
func (d *DB) Append(ctx context.Context, v any) (string, error) {
	key, err := d.appendValue(ctx, v)
	if err != nil {
		return "", err
	}
	_, err = d.Deliver(v).Wait(ctx)
	return key, err
}

// Upsert stores v under key, replacing any previous value.
func (d *DB) Upsert(ctx context.Context, key string, v any) error {
	if err := d.upsert(ctx, key, v); err != nil {
		return err
	}
	_, err := d.Deliver(domain.Pair{Key: key, Value: v}).Wait(ctx)
	return err
}

func (d *DB) appendValue(ctx context.Context, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s value: %w", d.table, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.nextKeyLocked()
	if err := d.store.Put(ctx, d.table, key, data); err != nil {
		return "", err
	}
	metrics.DBWrites.WithLabelValues(d.table).Inc()
	return key, d.evictLocked(ctx)
}

func (d *DB) upsert(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s[%s]: %w", d.table, key, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Put(ctx, d.table, key, data); err != nil {
		return err
	}
	metrics.DBWrites.WithLabelValues(d.table).Inc()
	return d.evictLocked(ctx)
}

func (d *DB) merge(ctx context.Context, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]storage.Row, 0, len(m))
	for _, k := range keys {
		data, err := json.Marshal(m[k])
		if err != nil {
			return fmt.Errorf("encode %s[%s]: %w", d.table, k, err)
		}
		rows = append(rows, storage.Row{Key: k, Value: data})
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.PutMany(ctx, d.table, rows); err != nil {
		return err
	}
	metrics.DBWrites.WithLabelValues(d.table).Add(float64(len(rows)))
	return d.evictLocked(ctx)
}

// nextKeyLocked returns the current epoch time formatted with microsecond
// precision, bumped so keys from this process strictly increase.
func (d *DB) nextKeyLocked() string {
	ts := domain.Epoch(d.now())
	if ts <= d.lastKey {
		ts = d.lastKey + 1e-6
	}
	d.lastKey = ts
	return strconv.FormatFloat(ts, 'f', 6, 64)
}

func (d *DB) evict(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evictLocked(ctx)
}

// evictLocked drops the smallest numeric keys until the table fits MaxSize.
// Explicit non-numeric keys are never evicted, so a table of only those may
// stay above the cap.
func (d *DB) evictLocked(ctx context.Context) error {
	if d.opts.MaxSize <= 0 {
		return nil
	}
	n, err := d.store.Count(ctx, d.table)
	if err != nil {
		return err
	}
	over := n - d.opts.MaxSize
	if over <= 0 {
		return nil
	}
	victims, err := d.store.OldestNumeric(ctx, d.table, over)
	if err != nil {
		return err
	}
	for _, k := range victims {
		if _, err := d.store.Delete(ctx, d.table, k); err != nil {
			return err
		}
		metrics.DBEvictions.WithLabelValues(d.table).Inc()
	}
	if len(victims) < over {
		logging.Component("dbstream").Debug().Str("table", d.table).Int("over", over-len(victims)).Msg("size cap exceeded by explicit keys")
	}
	return nil
}

// Get returns the value at key; ok is false when the key is absent.
func (d *DB) Get(ctx context.Context, key string) (any, bool, error) {
	data, ok, err := d.store.Get(ctx, d.table, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s[%s]: %w", d.table, key, err)
	}
	return v, true, nil
}

func (d *DB) Contains(ctx context.Context, key string) (bool, error) {
	_, ok, err := d.store.Get(ctx, d.table, key)
	return ok, err
}

func (d *DB) Len(ctx context.Context) (int, error) {
	return d.store.Count(ctx, d.table)
}

func (d *DB) Delete(ctx context.Context, key string) (bool, error) {
	return d.store.Delete(ctx, d.table, key)
}

func (d *DB) Clear(ctx context.Context) error {
	return d.store.Clear(ctx, d.table)
}

// Tables lists every table in the backing file.
func (d *DB) Tables(ctx context.Context) ([]string, error) {
	return d.store.Tables(ctx)
}

// Keys returns every key in insertion order.
func (d *DB) Keys(ctx context.Context) ([]string, error) {
	items, err := d.Items(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out, nil
}

func (d *DB) Values(ctx context.Context) ([]any, error) {
	items, err := d.Items(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out, nil
}

func (d *DB) Items(ctx context.Context) ([]domain.Pair, error) {
	rows, err := d.store.Rows(ctx, d.table)
	if err != nil {
		return nil, err
	}
	return decodeRows(d.table, rows)
}

// Slice returns the numeric keys strictly between start and stop, in key
// order. Rows keyed exactly at either bound are not included. A nil start
// means the earliest key and a nil stop means now.
func (d *DB) Slice(ctx context.Context, start, stop any) ([]string, error) {
	rows, err := d.sliceRows(ctx, start, stop)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key
	}
	return out, nil
}

// SliceItems is Slice returning decoded values alongside keys.
func (d *DB) SliceItems(ctx context.Context, start, stop any) ([]domain.Pair, error) {
	rows, err := d.sliceRows(ctx, start, stop)
	if err != nil {
		return nil, err
	}
	return decodeRows(d.table, rows)
}

func (d *DB) sliceRows(ctx context.Context, start, stop any) ([]storage.Row, error) {
	lo, hi, err := d.bounds(start, stop)
	if err != nil {
		return nil, err
	}
	return d.store.NumericRange(ctx, d.table, lo, hi)
}

func (d *DB) bounds(start, stop any) (float64, float64, error) {
	lo := math.Inf(-1)
	if start != nil {
		v, err := ParseTime(start)
		if err != nil {
			return 0, 0, fmt.Errorf("slice start: %w", err)
		}
		lo = v
	}
	d.mu.Lock()
	hi := domain.Epoch(d.now())
	d.mu.Unlock()
	if stop != nil {
		v, err := ParseTime(stop)
		if err != nil {
			return 0, 0, fmt.Errorf("slice stop: %w", err)
		}
		hi = v
	}
	return lo, hi, nil
}

// Replay re-emits the values keyed between start and stop downstream in key
// order, sleeping interval between emissions. It returns when every value
// has been delivered or ctx ends.
func (d *DB) Replay(ctx context.Context, start, stop any, interval time.Duration) (int, error) {
	items, err := d.SliceItems(ctx, start, stop)
	if err != nil {
		return 0, err
	}
	for i, it := range items {
		if i > 0 && interval > 0 {
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return i, ctx.Err()
			case <-t.C:
			}
		}
		if _, err := d.Deliver(it.Value).Wait(ctx); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

func decodeRows(table string, rows []storage.Row) ([]domain.Pair, error) {
	out := make([]domain.Pair, 0, len(rows))
	for _, r := range rows {
		v, err := decode(r.Value)
		if err != nil {
			return nil, fmt.Errorf("decode %s[%s]: %w", table, r.Key, err)
		}
		out = append(out, domain.Pair{Key: r.Key, Value: v})
	}
	return out, nil
}

func decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

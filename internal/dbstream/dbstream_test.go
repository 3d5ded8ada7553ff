package dbstream

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/domain"
	"tributary/internal/storage/sqlite"
	"tributary/internal/stream"
)

func newDB(t *testing.T, o Options) *DB {
	t.Helper()
	if o.Store == nil {
		st, err := sqlite.Open(filepath.Join(t.TempDir(), "db.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		o.Store = st
	}
	db, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Destroy() })
	return db
}

func key(t time.Time) string {
	return strconv.FormatFloat(domain.Epoch(t), 'f', 6, 64)
}

func TestExplicitModeMergesMap(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "explicit_default"})
	require.NoError(t, db.Update(ctx, map[string]any{"a": 1, "b": 2}))

	v, ok, err := db.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, v)
	n, err := db.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTimeModeRejectsMap(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "time_reject", KeyMode: KeyTime, TimeDictPolicy: DictReject})
	err := db.Update(ctx, map[string]any{"a": 1})
	var te *TypeError
	require.ErrorAs(t, err, &te)
	n, err := db.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimeModeAppendsWholeMap(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "time_append", KeyMode: KeyTime, TimeDictPolicy: DictAppend})
	require.NoError(t, db.Update(ctx, map[string]any{"a": 1}))
	values, err := db.Values(ctx)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, map[string]any{"a": float64(1)}, values[0])
}

func TestAppendAndUpsert(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "append_upsert", KeyMode: KeyTime})
	k, err := db.Append(ctx, map[string]any{"x": 1})
	require.NoError(t, err)
	_, err = strconv.ParseFloat(k, 64)
	require.NoError(t, err)

	require.NoError(t, db.Upsert(ctx, "cfg", map[string]any{"v": 2}))
	ok, err := db.Contains(ctx, "cfg")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScalarAndPairShapes(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "shapes"})
	require.NoError(t, db.Update(ctx, 123))
	require.NoError(t, db.Update(ctx, domain.Pair{Key: "key", Value: "value"}))

	items, err := db.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	_, numeric := strconv.ParseFloat(items[0].Key, 64)
	assert.NoError(t, numeric)
	assert.EqualValues(t, 123, items[0].Value)
	assert.Equal(t, domain.Pair{Key: "key", Value: "value"}, items[1])
}

func TestTimeKeysStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "mono", KeyMode: KeyTime})
	fixed := time.Unix(1700000000, 0)
	db.SetClock(func() time.Time { return fixed })

	k1, err := db.Append(ctx, "a")
	require.NoError(t, err)
	k2, err := db.Append(ctx, "b")
	require.NoError(t, err)
	f1, _ := strconv.ParseFloat(k1, 64)
	f2, _ := strconv.ParseFloat(k2, 64)
	assert.Less(t, f1, f2)
}

func TestMaxSizeEvictsOldestNumericKeys(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "evict_numeric", MaxSize: 2})
	for _, k := range []string{"1.0", "2.0", "3.0"} {
		require.NoError(t, db.Upsert(ctx, k, k))
	}
	keys, err := db.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2.0", "3.0"}, keys)
}

func TestMaxSizeNeverEvictsExplicitKeys(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "evict_explicit", MaxSize: 1})
	require.NoError(t, db.Upsert(ctx, "cfg", 1))
	require.NoError(t, db.Upsert(ctx, "symbol", "AAA"))
	require.NoError(t, db.Upsert(ctx, "5.0", "n"))

	keys, err := db.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cfg", "symbol"}, keys)
}

func TestSliceSkipsNonNumericKeys(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "slice_mixed"})
	now := time.Now()
	k1, k2, k3 := key(now.Add(-30*time.Second)), key(now.Add(-20*time.Second)), key(now.Add(-10*time.Second))
	require.NoError(t, db.Upsert(ctx, "ts", 1))
	require.NoError(t, db.Upsert(ctx, "symbol", "AAA"))
	for _, k := range []string{k1, k2, k3} {
		require.NoError(t, db.Upsert(ctx, k, k))
	}

	start := now.Add(-25 * time.Second).Format("2006-01-02 15:04:05")
	stop := now.Add(-15 * time.Second).Format("2006-01-02 15:04:05")
	keys, err := db.Slice(ctx, start, stop)
	require.NoError(t, err)
	assert.Equal(t, []string{k2}, keys)

	all, err := db.Slice(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{k1, k2, k3}, all)
}

func TestSliceExcludesBoundaries(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "slice_boundary"})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)
	for _, s := range []int{25, 30, 35} {
		require.NoError(t, db.Upsert(ctx, key(base.Add(time.Duration(s)*time.Second)), s))
	}
	keys, err := db.Slice(ctx, "2024-01-01 00:00:25", "2024-01-01 00:00:35")
	require.NoError(t, err)
	assert.Equal(t, []string{key(base.Add(30 * time.Second))}, keys)

	_, err = db.Slice(ctx, "yesterday-ish", nil)
	require.Error(t, err)
}

func TestGetMissingKey(t *testing.T) {
	db := newDB(t, Options{Name: "missing"})
	v, ok, err := db.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestWritesPropagateDownstreamAndLog(t *testing.T) {
	ctx := context.Background()
	logNode := stream.ToList()
	db := newDB(t, Options{Name: "propagate", Log: logNode.Node})
	out := stream.ToList()
	require.NoError(t, db.Connect(out.Node))

	root := stream.New()
	require.NoError(t, root.Connect(db.Node))
	_, err := root.Send(ctx, "via graph")
	require.NoError(t, err)
	require.NoError(t, db.Upsert(ctx, "k", "direct"))

	assert.Equal(t, []any{"via graph", domain.Pair{Key: "k", Value: "direct"}}, out.Items())
	assert.Equal(t, []any{"via graph"}, logNode.Items())
}

func TestReplayEmitsInKeyOrder(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "replay"})
	for _, k := range []string{"300.0", "100.0", "200.0", "label"} {
		require.NoError(t, db.Upsert(ctx, k, k))
	}
	out := stream.ToList()
	require.NoError(t, db.Connect(out.Node))

	n, err := db.Replay(ctx, 0, 1000, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []any{"100.0", "200.0", "300.0"}, out.Items())
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	db := newDB(t, Options{Name: "clear_test"})
	require.NoError(t, db.Upsert(ctx, "100.0", "a"))
	require.NoError(t, db.Upsert(ctx, "cfg", map[string]any{"k": 1}))
	require.NoError(t, db.Clear(ctx))
	values, err := db.Values(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestOptionsValidate(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrNoStore)
	_, err = New(Options{Store: &sqlite.Store{}, KeyMode: "weird"})
	require.Error(t, err)
}

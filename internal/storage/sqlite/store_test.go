package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "tributary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSchemaInitializationCreatesTablePerStream(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Put(ctx, "Prices", "a", []byte(`1`)))
	require.NoError(t, s.Put(ctx, `odd "name"`, "a", []byte(`1`)))
	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{`odd "name"`, "prices"}, tables)
}

func TestPutOverwritesAndGetReportsMissing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Put(ctx, "kv", "k", []byte(`"v1"`)))
	require.NoError(t, s.Put(ctx, "kv", "k", []byte(`"v2"`)))
	v, ok, err := s.Get(ctx, "kv", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `"v2"`, string(v))

	_, ok, err = s.Get(ctx, "kv", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Count(ctx, "kv")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPutManyIsOneTransaction(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	rows := []storage.Row{{Key: "a", Value: []byte(`1`)}, {Key: "b", Value: []byte(`2`)}, {Key: "c", Value: []byte(`3`)}}
	require.NoError(t, s.PutMany(ctx, "bulk", rows))
	got, err := s.Rows(ctx, "bulk")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "c", got[2].Key)
}

func TestNumericRangeSkipsExplicitKeysAndExcludesBounds(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, k := range []string{"10", "20", "25.5", "30", "name", "1e1x", "40"} {
		require.NoError(t, s.Put(ctx, "log", k, []byte(`null`)))
	}
	got, err := s.NumericRange(ctx, "log", 10, 40)
	require.NoError(t, err)
	var keys []string
	for _, r := range got {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"20", "25.5", "30"}, keys)
}

func TestOldestNumericAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, k := range []string{"3.0", "keep", "1.0", "2.0"} {
		require.NoError(t, s.Put(ctx, "log", k, []byte(`0`)))
	}
	oldest, err := s.OldestNumeric(ctx, "log", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0", "2.0"}, oldest)

	deleted, err := s.Delete(ctx, "log", "1.0")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.Delete(ctx, "log", "1.0")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, s.Clear(ctx, "log"))
	n, err := s.Count(ctx, "log")
	require.NoError(t, err)
	assert.Zero(t, n)
}

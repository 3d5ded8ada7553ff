package storage

import (
	"context"
	"strconv"
	"strings"
)

// Row is one persisted key/value pair. Num is set for numeric keys returned
// by range queries.
type Row struct {
	Key   string
	Value []byte
	Num   float64
}

// Store is the contract the durable log needs from its embedded database.
// Every table holds (key TEXT PRIMARY KEY, value BLOB) rows.
type Store interface {
	Put(ctx context.Context, table, key string, value []byte) error
	PutMany(ctx context.Context, table string, rows []Row) error
	Get(ctx context.Context, table, key string) ([]byte, bool, error)
	Delete(ctx context.Context, table, key string) (bool, error)
	Rows(ctx context.Context, table string) ([]Row, error)
	Count(ctx context.Context, table string) (int, error)
	Clear(ctx context.Context, table string) error
	Tables(ctx context.Context) ([]string, error)

	// NumericRange returns numeric-keyed rows with lo < key < hi in key order.
	NumericRange(ctx context.Context, table string, lo, hi float64) ([]Row, error)
	// OldestNumeric returns up to n numeric keys, smallest first.
	OldestNumeric(ctx context.Context, table string, n int) ([]string, error)

	Close() error
}

// NumericKey parses a key written as a stringified number.
func NumericKey(key string) (float64, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(key, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// CanonicalTable normalizes a stream name into a table name.
func CanonicalTable(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "default"
	}
	return name
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"tributary/internal/storage"

	_ "modernc.org/sqlite"
)

const tableSchema = `
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value BLOB
);
`

// numericFilter keeps rows whose key can only be a number. Candidates are
// re-checked with storage.NumericKey before they are returned.
const numericFilter = `key <> '' AND key NOT GLOB '*[^0-9.eE+-]*'`

var _ storage.Store = (*Store)(nil)

// Store keeps one table per stream name in a single SQLite file.
type Store struct {
	path string
	db   *sql.DB

	mu     sync.Mutex
	tables map[string]bool
}

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{path: path, db: db, tables: map[string]bool{}}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	return s.PutMany(ctx, table, []storage.Row{{Key: key, Value: value}})
}

func (s *Store) PutMany(ctx context.Context, table string, rows []storage.Row) error {
	name, err := s.ensure(ctx, table)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
INSERT INTO %s(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, name))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Key, r.Value); err != nil {
			return fmt.Errorf("put %s[%s]: %w", table, r.Key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	name, err := s.ensure(ctx, table)
	if err != nil {
		return nil, false, err
	}
	var value []byte
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key=?`, name), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Delete(ctx context.Context, table, key string) (bool, error) {
	name, err := s.ensure(ctx, table)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key=?`, name), key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Rows returns every row in insertion order.
func (s *Store) Rows(ctx context.Context, table string) ([]storage.Row, error) {
	name, err := s.ensure(ctx, table)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, fmt.Sprintf(`SELECT key, value FROM %s ORDER BY rowid ASC`, name))
}

func (s *Store) Count(ctx context.Context, table string) (int, error) {
	name, err := s.ensure(ctx, table)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, name)).Scan(&n)
	return n, err
}

func (s *Store) Clear(ctx context.Context, table string) error {
	name, err := s.ensure(ctx, table)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, name))
	return err
}

func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) NumericRange(ctx context.Context, table string, lo, hi float64) ([]storage.Row, error) {
	name, err := s.ensure(ctx, table)
	if err != nil {
		return nil, err
	}
	candidates, err := s.query(ctx, fmt.Sprintf(`
SELECT key, value FROM %s
WHERE %s AND CAST(key AS REAL) > ? AND CAST(key AS REAL) < ?`, name, numericFilter), lo, hi)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, r := range candidates {
		num, ok := storage.NumericKey(r.Key)
		if !ok || num <= lo || num >= hi {
			continue
		}
		r.Num = num
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out, nil
}

func (s *Store) OldestNumeric(ctx context.Context, table string, n int) ([]string, error) {
	name, err := s.ensure(ctx, table)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT key FROM %s WHERE %s ORDER BY CAST(key AS REAL) ASC`, name, numericFilter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() && len(out) < n {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		if _, ok := storage.NumericKey(key); ok {
			out = append(out, key)
		}
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]storage.Row, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Row
	for rows.Next() {
		var r storage.Row
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ensure creates the table on first use and returns its quoted name.
func (s *Store) ensure(ctx context.Context, table string) (string, error) {
	table = storage.CanonicalTable(table)
	name := quoteIdent(table)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] {
		return name, nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(tableSchema, name)); err != nil {
		return "", fmt.Errorf("create table %s: %w", table, err)
	}
	s.tables[table] = true
	return name, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

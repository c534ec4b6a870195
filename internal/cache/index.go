package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

const indexFile = "index.db"

// indexRow 对应 entries 表中的一行。
type indexRow struct {
	key    string
	gen    int64
	size   int64
	access int64
}

// index 封装 sqlite 上的条目索引，所有调用都由 Store.mu 串行化。
type index struct {
	db *sql.DB
}

func openIndex(ctx context.Context, path string) (*index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"CREATE TABLE IF NOT EXISTS meta (name TEXT PRIMARY KEY, value TEXT NOT NULL)",
		"CREATE TABLE IF NOT EXISTS entries (key TEXT PRIMARY KEY, gen INTEGER NOT NULL, size INTEGER NOT NULL, access INTEGER NOT NULL)",
		"CREATE INDEX IF NOT EXISTS entries_access_idx ON entries (access)",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init index: %w", err)
		}
	}
	return &index{db: db}, nil
}

func (x *index) header(ctx context.Context) (map[string]string, error) {
	rows, err := x.db.QueryContext(ctx, "SELECT name, value FROM meta")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

func (x *index) writeHeader(ctx context.Context, header map[string]string) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for name, value := range header {
		if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO meta (name, value) VALUES (?, ?)", name, value); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (x *index) lookup(ctx context.Context, key string) (indexRow, bool, error) {
	row := indexRow{key: key}
	err := x.db.QueryRowContext(ctx, "SELECT gen, size, access FROM entries WHERE key = ?", key).
		Scan(&row.gen, &row.size, &row.access)
	if errors.Is(err, sql.ErrNoRows) {
		return indexRow{}, false, nil
	}
	if err != nil {
		return indexRow{}, false, err
	}
	return row, true, nil
}

func (x *index) all(ctx context.Context) ([]indexRow, error) {
	rows, err := x.db.QueryContext(ctx, "SELECT key, gen, size, access FROM entries")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []indexRow
	for rows.Next() {
		var row indexRow
		if err := rows.Scan(&row.key, &row.gen, &row.size, &row.access); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// upsert 在一个事务内写入新行，并返回被替换的旧行。
func (x *index) upsert(ctx context.Context, row indexRow) (indexRow, bool, error) {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return indexRow{}, false, err
	}

	old := indexRow{key: row.key}
	err = tx.QueryRowContext(ctx, "SELECT gen, size, access FROM entries WHERE key = ?", row.key).
		Scan(&old.gen, &old.size, &old.access)
	existed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return indexRow{}, false, err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (key, gen, size, access) VALUES (?, ?, ?, ?)",
		row.key, row.gen, row.size, row.access,
	); err != nil {
		tx.Rollback()
		return indexRow{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return indexRow{}, false, err
	}
	return old, existed, nil
}

func (x *index) delete(ctx context.Context, key string) error {
	_, err := x.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key)
	return err
}

func (x *index) touch(ctx context.Context, key string, access int64) error {
	_, err := x.db.ExecContext(ctx, "UPDATE entries SET access = ? WHERE key = ?", access, key)
	return err
}

// oldest 返回访问时钟最小的条目。
func (x *index) oldest(ctx context.Context) (indexRow, bool, error) {
	var row indexRow
	err := x.db.QueryRowContext(ctx, "SELECT key, gen, size, access FROM entries ORDER BY access ASC LIMIT 1").
		Scan(&row.key, &row.gen, &row.size, &row.access)
	if errors.Is(err, sql.ErrNoRows) {
		return indexRow{}, false, nil
	}
	if err != nil {
		return indexRow{}, false, err
	}
	return row, true, nil
}

func (x *index) count(ctx context.Context) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n)
	return n, err
}

func (x *index) close() error {
	return x.db.Close()
}

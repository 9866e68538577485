package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS objects (
	key TEXT PRIMARY KEY,
	meta BLOB NOT NULL,
	body BLOB NOT NULL,
	expires INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS objects_expires ON objects (expires);
`

// NewSQLiteStore 打开（或创建）dbPath 指向的 SQLite 文件，并初始化 objects 表。
func NewSQLiteStore(dbPath string) (Store, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接避免 database is locked。
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) Lookup(ctx context.Context, key Key) (*Hit, error) {
	var rawMeta, body []byte
	row := s.db.QueryRowContext(ctx, `SELECT meta, body FROM objects WHERE key = ?`, key.String())
	if err := row.Scan(&rawMeta, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	meta, err := UnmarshalMeta(rawMeta)
	if err != nil {
		return nil, fmt.Errorf("decode cache meta %s: %w", key, err)
	}
	return &Hit{
		Meta: meta,
		Size: int64(len(body)),
		Body: newBytesBody(body),
	}, nil
}

func (s *sqliteStore) CreateWriter(ctx context.Context, key Key, meta *Meta) (ObjectWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slot := key.String()
	return newBufferedWriter(meta, func(meta *Meta, body []byte) error {
		rawMeta, err := MarshalMeta(meta)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(
			`INSERT OR REPLACE INTO objects (key, meta, body, expires) VALUES (?, ?, ?, ?)`,
			slot, rawMeta, body, meta.RetainUntil().Unix(),
		)
		return err
	}), nil
}

func (s *sqliteStore) UpdateMeta(ctx context.Context, key Key, meta *Meta) error {
	rawMeta, err := MarshalMeta(meta)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE objects SET meta = ?, expires = ? WHERE key = ?`,
		rawMeta, meta.RetainUntil().Unix(), key.String(),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Remove(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key.String())
	return err
}

// PurgeExpired 删除 expires 早于 before 的条目，返回删除数量。
func (s *sqliteStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE expires < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

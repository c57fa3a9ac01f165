// Package assetstore keeps large resource bodies served over the HTTP side
// channel, such as external textures.
package assetstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danmuck/scenecast/internal/geometry"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound  = errors.New("assetstore: asset not found")
	ErrEmptyPath = errors.New("assetstore: empty db path")
)

// Asset is one stored body.
type Asset struct {
	UID       geometry.UID
	Kind      geometry.PayloadType
	Blob      []byte
	UpdatedAt time.Time
}

type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the store at path. ":memory:" keeps
// everything in process.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection so ":memory:" is a single database and writes serialize
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("asset store opened")
	return &SQLiteStore{db: db, path: path}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS assets (
		uid INTEGER PRIMARY KEY,
		kind INTEGER NOT NULL,
		blob BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	return err
}

// Put stores or replaces the body for uid.
func (s *SQLiteStore) Put(ctx context.Context, uid geometry.UID, kind geometry.PayloadType, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (uid, kind, blob, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET kind = excluded.kind, blob = excluded.blob, updated_at = excluded.updated_at`,
		int64(uid), int(kind), blob, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put asset %d: %w", uid, err)
	}
	log.Debug().
		Uint64("uid", uid).
		Stringer("kind", kind).
		Str("size", humanize.IBytes(uint64(len(blob)))).
		Msg("asset stored")
	return nil
}

// PutAsset lets the geometry encoder store external bodies.
func (s *SQLiteStore) PutAsset(uid geometry.UID, kind geometry.PayloadType, blob []byte) error {
	return s.Put(context.Background(), uid, kind, blob)
}

func (s *SQLiteStore) Get(ctx context.Context, uid geometry.UID) (Asset, error) {
	var (
		kind    int
		blob    []byte
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT kind, blob, updated_at FROM assets WHERE uid = ?`, int64(uid)).
		Scan(&kind, &blob, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, fmt.Errorf("%w: %d", ErrNotFound, uid)
	}
	if err != nil {
		return Asset{}, fmt.Errorf("get asset %d: %w", uid, err)
	}
	return Asset{
		UID:       uid,
		Kind:      geometry.PayloadType(kind),
		Blob:      blob,
		UpdatedAt: time.UnixMilli(updated),
	}, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, uid geometry.UID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE uid = ?`, int64(uid))
	if err != nil {
		return fmt.Errorf("delete asset %d: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, uid)
	}
	return nil
}

// Stats returns the number of assets and their total size.
func (s *SQLiteStore) Stats(ctx context.Context) (count int, bytes int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(blob)), 0) FROM assets`).Scan(&count, &bytes)
	return count, bytes, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

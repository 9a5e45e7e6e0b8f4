package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "twicorder/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opTimeout time.Duration
}

// Open initializes the sqlite-backed store, creating the database file and
// schema as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, opTimeout: cfg.OpTimeout}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// opCtx applies the configured per-operation deadline.
func (s *sqliteStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AcceptHash(ctx context.Context, hash string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	if hash == "" {
		return false, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	// Single-statement check-and-insert: rows affected is 1 only for the
	// first caller to record the hash.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_hashes(hash, first_seen_at) VALUES(?,?)
		 ON CONFLICT(hash) DO NOTHING`,
		hash, now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) HasHash(ctx context.Context, hash string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	if hash == "" {
		return false, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_hashes WHERE hash = ?`, hash,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) LastExpanded(ctx context.Context, entityID string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrClosed
	}
	if entityID == "" {
		return time.Time{}, false, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_expanded_at FROM expansion_cache WHERE entity_id = ?`, entityID,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) IsFresh(ctx context.Context, entityID string, ttl time.Duration, now time.Time) (bool, error) {
	last, ok, err := s.LastExpanded(ctx, entityID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return now.Sub(last) >= ttl, nil
}

func (s *sqliteStore) MarkExpanded(ctx context.Context, entityID string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if entityID == "" {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expansion_cache(entity_id, last_expanded_at) VALUES(?,?)
		 ON CONFLICT(entity_id) DO UPDATE SET last_expanded_at=excluded.last_expanded_at`,
		entityID, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Cursor(ctx context.Context, queryHash string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrClosed
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM cursors WHERE query_hash = ?`, queryHash,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cursor, true, nil
}

func (s *sqliteStore) SetCursor(ctx context.Context, queryHash, cursor string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(query_hash, cursor, updated_at) VALUES(?,?,?)
		 ON CONFLICT(query_hash) DO UPDATE SET cursor=excluded.cursor, updated_at=excluded.updated_at`,
		queryHash, cursor, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GeneratorIDs(ctx context.Context, generator string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id FROM generator_ids WHERE generator = ?`, generator,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) MarkGeneratorIDs(ctx context.Context, generator string, ids []string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO generator_ids(generator, entity_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(generator, entity_id) DO NOTHING`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()
	ms := at.UnixMilli()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, generator, id, ms); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PruneSeen(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_hashes WHERE first_seen_at < ?`, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

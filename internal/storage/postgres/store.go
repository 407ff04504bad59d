// Package postgres provides Postgres-backed persistence for bookmarks,
// supported sites and scraping logs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mangamark/mangamark/internal/bookmarks"
)

// Expected schema:
//
//	CREATE TABLE supported_sites (
//		id BIGSERIAL PRIMARY KEY,
//		name TEXT NOT NULL,
//		domain TEXT NOT NULL UNIQUE,
//		scraper TEXT NOT NULL,
//		is_active BOOLEAN NOT NULL DEFAULT TRUE,
//		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
//	CREATE TABLE bookmarks (
//		id UUID PRIMARY KEY,
//		user_id BIGINT NOT NULL,
//		url TEXT NOT NULL,
//		title TEXT NOT NULL,
//		thumbnail_path TEXT,
//		thumbnail_url TEXT,
//		site_id BIGINT NOT NULL REFERENCES supported_sites(id),
//		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		UNIQUE (user_id, url)
//	);
//
//	CREATE TABLE scraping_logs (
//		id BIGSERIAL PRIMARY KEY,
//		bookmark_id UUID REFERENCES bookmarks(id) ON DELETE CASCADE,
//		url TEXT NOT NULL,
//		status TEXT NOT NULL,
//		error_message TEXT,
//		scraping_duration DOUBLE PRECISION,
//		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements bookmarks.Store on a pgx connection pool.
type Store struct {
	pool dbPool
}

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const getOrCreateSiteQuery = `
INSERT INTO supported_sites (name, domain, scraper)
VALUES ($1, $2, $3)
ON CONFLICT (domain) DO UPDATE SET domain = EXCLUDED.domain
RETURNING id, name, domain, scraper, is_active, created_at`

// GetOrCreateSite registers a site row on first use. The conflict arm is a
// no-op update so RETURNING yields the existing row.
func (s *Store) GetOrCreateSite(ctx context.Context, name, domain, scraper string) (bookmarks.SupportedSite, error) {
	var site bookmarks.SupportedSite
	err := s.pool.QueryRow(ctx, getOrCreateSiteQuery, name, domain, scraper).Scan(
		&site.ID, &site.Name, &site.Domain, &site.Scraper, &site.IsActive, &site.CreatedAt,
	)
	if err != nil {
		return bookmarks.SupportedSite{}, fmt.Errorf("get or create site: %w", err)
	}
	return site, nil
}

const insertLogQuery = `
INSERT INTO scraping_logs (bookmark_id, url, status, error_message, scraping_duration)
VALUES ($1, $2, $3, $4, $5)`

// InsertLog appends an audit row outside any transaction.
func (s *Store) InsertLog(ctx context.Context, log bookmarks.ScrapingLog) error {
	if _, err := s.pool.Exec(ctx, insertLogQuery, logArgs(log)...); err != nil {
		return fmt.Errorf("insert scraping log: %w", err)
	}
	return nil
}

// Reconcile runs fn inside one transaction so the bookmark mutation and its
// scraping log commit or roll back together.
func (s *Store) Reconcile(ctx context.Context, fn func(tx bookmarks.ReconcileTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer func() {
		// Rollback after a successful commit is a no-op error.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&reconcileTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reconcile tx: %w", err)
	}
	return nil
}

const bookmarkColumns = `id, user_id, url, title, thumbnail_path, thumbnail_url, site_id, created_at, updated_at`

const getBookmarkQuery = `
SELECT b.id, b.user_id, b.url, b.title, b.thumbnail_path, b.thumbnail_url, b.site_id, s.name, b.created_at, b.updated_at
FROM bookmarks b
JOIN supported_sites s ON s.id = b.site_id
WHERE b.id = $1 AND b.user_id = $2`

// GetBookmark loads one bookmark scoped to its owner.
func (s *Store) GetBookmark(ctx context.Context, id string, userID int64) (bookmarks.Bookmark, error) {
	row := s.pool.QueryRow(ctx, getBookmarkQuery, id, userID)
	b, err := scanBookmarkWithSite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return bookmarks.Bookmark{}, bookmarks.ErrBookmarkNotFound
	}
	if err != nil {
		return bookmarks.Bookmark{}, fmt.Errorf("get bookmark: %w", err)
	}
	return b, nil
}

// FindBookmarkByURL looks up the user's bookmark holding the canonical URL.
func (s *Store) FindBookmarkByURL(ctx context.Context, userID int64, url string) (bookmarks.Bookmark, bool, error) {
	row := s.pool.QueryRow(ctx, findByURLQuery, userID, url)
	b, err := scanBookmark(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return bookmarks.Bookmark{}, false, nil
	}
	if err != nil {
		return bookmarks.Bookmark{}, false, fmt.Errorf("find bookmark by url: %w", err)
	}
	return b, true, nil
}

const listBookmarksQuery = `
SELECT b.id, b.user_id, b.url, b.title, b.thumbnail_path, b.thumbnail_url, b.site_id, s.name, b.created_at, b.updated_at
FROM bookmarks b
JOIN supported_sites s ON s.id = b.site_id
WHERE b.user_id = $1
ORDER BY b.created_at DESC`

// ListBookmarks returns the user's bookmarks, newest first.
func (s *Store) ListBookmarks(ctx context.Context, userID int64) ([]bookmarks.Bookmark, error) {
	rows, err := s.pool.Query(ctx, listBookmarksQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	defer rows.Close()

	var out []bookmarks.Bookmark
	for rows.Next() {
		b, err := scanBookmarkWithSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}
	return out, nil
}

const deleteBookmarkQuery = `
DELETE FROM bookmarks
WHERE id = $1 AND user_id = $2
RETURNING ` + bookmarkColumns

// DeleteBookmark removes an owner's bookmark and returns the deleted row so
// the caller can clean up its thumbnail file.
func (s *Store) DeleteBookmark(ctx context.Context, id string, userID int64) (bookmarks.Bookmark, error) {
	row := s.pool.QueryRow(ctx, deleteBookmarkQuery, id, userID)
	b, err := scanBookmark(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return bookmarks.Bookmark{}, bookmarks.ErrBookmarkNotFound
	}
	if err != nil {
		return bookmarks.Bookmark{}, fmt.Errorf("delete bookmark: %w", err)
	}
	return b, nil
}

const listActiveSitesQuery = `
SELECT id, name, domain, scraper, is_active, created_at
FROM supported_sites
WHERE is_active
ORDER BY name`

// ListActiveSites returns the active supported sites.
func (s *Store) ListActiveSites(ctx context.Context) ([]bookmarks.SupportedSite, error) {
	rows, err := s.pool.Query(ctx, listActiveSitesQuery)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []bookmarks.SupportedSite
	for rows.Next() {
		var site bookmarks.SupportedSite
		if err := rows.Scan(&site.ID, &site.Name, &site.Domain, &site.Scraper, &site.IsActive, &site.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return out, nil
}

// reconcileTx implements bookmarks.ReconcileTx over a live pgx transaction.
type reconcileTx struct {
	tx pgx.Tx
}

const lockBookmarkQuery = `
SELECT ` + bookmarkColumns + `
FROM bookmarks
WHERE id = $1 AND user_id = $2
FOR UPDATE`

// LockBookmark holds a row lock until commit so concurrent refreshes of the
// same bookmark serialize instead of interleaving their read-modify-write.
func (t *reconcileTx) LockBookmark(ctx context.Context, id string, userID int64) (bookmarks.Bookmark, error) {
	row := t.tx.QueryRow(ctx, lockBookmarkQuery, id, userID)
	b, err := scanBookmark(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return bookmarks.Bookmark{}, bookmarks.ErrBookmarkNotFound
	}
	if err != nil {
		return bookmarks.Bookmark{}, fmt.Errorf("lock bookmark: %w", err)
	}
	return b, nil
}

const findByURLQuery = `
SELECT ` + bookmarkColumns + `
FROM bookmarks
WHERE user_id = $1 AND url = $2`

// FindByURL looks up the user's bookmark holding the canonical URL.
func (t *reconcileTx) FindByURL(ctx context.Context, userID int64, url string) (bookmarks.Bookmark, bool, error) {
	row := t.tx.QueryRow(ctx, findByURLQuery, userID, url)
	b, err := scanBookmark(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return bookmarks.Bookmark{}, false, nil
	}
	if err != nil {
		return bookmarks.Bookmark{}, false, fmt.Errorf("find bookmark by url: %w", err)
	}
	return b, true, nil
}

const insertBookmarkQuery = `
INSERT INTO bookmarks (id, user_id, url, title, thumbnail_url, site_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, url) DO NOTHING
RETURNING ` + bookmarkColumns

// GetOrCreateBookmark inserts a bookmark keyed by (user, URL), or locks and
// returns the row that already holds that key.
func (t *reconcileTx) GetOrCreateBookmark(ctx context.Context, b bookmarks.Bookmark) (bookmarks.Bookmark, bool, error) {
	row := t.tx.QueryRow(ctx, insertBookmarkQuery,
		b.ID, b.UserID, b.URL, b.Title, nullable(b.ThumbnailURL), b.SiteID)
	created, err := scanBookmark(row)
	if err == nil {
		return created, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return bookmarks.Bookmark{}, false, fmt.Errorf("insert bookmark: %w", err)
	}

	// Conflict: another row already owns (user, url). Lock it for the rest of
	// the reconcile.
	lockRow := t.tx.QueryRow(ctx, `
SELECT `+bookmarkColumns+`
FROM bookmarks
WHERE user_id = $1 AND url = $2
FOR UPDATE`, b.UserID, b.URL)
	existing, err := scanBookmark(lockRow)
	if err != nil {
		return bookmarks.Bookmark{}, false, fmt.Errorf("load conflicting bookmark: %w", err)
	}
	return existing, true, nil
}

const updateBookmarkQuery = `
UPDATE bookmarks
SET url = $2, title = $3, thumbnail_path = $4, thumbnail_url = $5, site_id = $6, updated_at = NOW()
WHERE id = $1`

// UpdateBookmark persists the reconciled field values.
func (t *reconcileTx) UpdateBookmark(ctx context.Context, b bookmarks.Bookmark) error {
	tag, err := t.tx.Exec(ctx, updateBookmarkQuery,
		b.ID, b.URL, b.Title, nullable(b.ThumbnailPath), nullable(b.ThumbnailURL), b.SiteID)
	if err != nil {
		return fmt.Errorf("update bookmark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return bookmarks.ErrBookmarkNotFound
	}
	return nil
}

// InsertLog appends the attempt's audit row inside the transaction.
func (t *reconcileTx) InsertLog(ctx context.Context, log bookmarks.ScrapingLog) error {
	if _, err := t.tx.Exec(ctx, insertLogQuery, logArgs(log)...); err != nil {
		return fmt.Errorf("insert scraping log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBookmark(row rowScanner) (bookmarks.Bookmark, error) {
	var (
		b         bookmarks.Bookmark
		thumbPath *string
		thumbURL  *string
	)
	err := row.Scan(&b.ID, &b.UserID, &b.URL, &b.Title, &thumbPath, &thumbURL, &b.SiteID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return bookmarks.Bookmark{}, err
	}
	b.ThumbnailPath = deref(thumbPath)
	b.ThumbnailURL = deref(thumbURL)
	return b, nil
}

func scanBookmarkWithSite(row rowScanner) (bookmarks.Bookmark, error) {
	var (
		b         bookmarks.Bookmark
		thumbPath *string
		thumbURL  *string
	)
	err := row.Scan(&b.ID, &b.UserID, &b.URL, &b.Title, &thumbPath, &thumbURL, &b.SiteID, &b.SiteName, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return bookmarks.Bookmark{}, err
	}
	b.ThumbnailPath = deref(thumbPath)
	b.ThumbnailURL = deref(thumbURL)
	return b, nil
}

func logArgs(log bookmarks.ScrapingLog) []any {
	return []any{
		nullable(log.BookmarkID),
		log.URL,
		string(log.Status),
		nullable(log.ErrorText),
		log.Duration,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

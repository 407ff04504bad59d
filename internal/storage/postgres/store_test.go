package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangamark/mangamark/internal/bookmarks"
)

var testTime = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestGetOrCreateSiteReturnsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO supported_sites").
		WithArgs("Hitomi", "hitomi.la", "hitomi").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "domain", "scraper", "is_active", "created_at"}).
			AddRow(int64(7), "Hitomi", "hitomi.la", "hitomi", true, testTime))

	site, err := store.GetOrCreateSite(context.Background(), "Hitomi", "hitomi.la", "hitomi")
	require.NoError(t, err)
	assert.Equal(t, int64(7), site.ID)
	assert.Equal(t, "hitomi.la", site.Domain)
	assert.True(t, site.IsActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLogWithoutBookmark(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO scraping_logs").
		WithArgs((*string)(nil), "https://example.org/x", "ERROR", ptr("unsupported site"), 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.InsertLog(context.Background(), bookmarks.ScrapingLog{
		URL:       "https://example.org/x",
		Status:    bookmarks.LogStatusError,
		ErrorText: "unsupported site",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBookmarkNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM bookmarks b").
		WithArgs("bm-1", int64(42)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetBookmark(context.Background(), "bm-1", 42)
	require.ErrorIs(t, err, bookmarks.ErrBookmarkNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBookmarkReturnsDeletedRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("DELETE FROM bookmarks").
		WithArgs("bm-1", int64(42)).
		WillReturnRows(bookmarkRows().
			AddRow("bm-1", int64(42), "https://hitomi.la/doujinshi/-98765.html", "Title", ptr("42/bm-1.jpg"), (*string)(nil), int64(7), testTime, testTime))

	b, err := store.DeleteBookmark(context.Background(), "bm-1", 42)
	require.NoError(t, err)
	assert.Equal(t, "42/bm-1.jpg", b.ThumbnailPath)
	assert.Empty(t, b.ThumbnailURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileCommitsBookmarkAndLogTogether(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO bookmarks").
		WithArgs("bm-1", int64(42), "https://hitomi.la/doujinshi/-98765.html", "Title", (*string)(nil), int64(7)).
		WillReturnRows(bookmarkRows().
			AddRow("bm-1", int64(42), "https://hitomi.la/doujinshi/-98765.html", "Title", (*string)(nil), (*string)(nil), int64(7), testTime, testTime))
	mock.ExpectExec("UPDATE bookmarks").
		WithArgs("bm-1", "https://hitomi.la/doujinshi/-98765.html", "Title", ptr("42/bm-1.jpg"), (*string)(nil), int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO scraping_logs").
		WithArgs(ptr("bm-1"), "https://hitomi.la/doujinshi/-98765.html", "SUCCESS", (*string)(nil), 1.5).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.Reconcile(context.Background(), func(tx bookmarks.ReconcileTx) error {
		b, existed, err := tx.GetOrCreateBookmark(context.Background(), bookmarks.Bookmark{
			ID:     "bm-1",
			UserID: 42,
			URL:    "https://hitomi.la/doujinshi/-98765.html",
			Title:  "Title",
			SiteID: 7,
		})
		if err != nil {
			return err
		}
		if existed {
			return errors.New("expected fresh insert")
		}
		b.ThumbnailPath = "42/bm-1.jpg"
		if err := tx.UpdateBookmark(context.Background(), b); err != nil {
			return err
		}
		return tx.InsertLog(context.Background(), bookmarks.ScrapingLog{
			BookmarkID: b.ID,
			URL:        b.URL,
			Status:     bookmarks.LogStatusSuccess,
			Duration:   1.5,
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("reconcile failed")
	err := store.Reconcile(context.Background(), func(bookmarks.ReconcileTx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateBookmarkReturnsConflictingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO bookmarks").
		WithArgs("bm-new", int64(42), "https://hitomi.la/doujinshi/-98765.html", "Title", (*string)(nil), int64(7)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FOR UPDATE").
		WithArgs(int64(42), "https://hitomi.la/doujinshi/-98765.html").
		WillReturnRows(bookmarkRows().
			AddRow("bm-old", int64(42), "https://hitomi.la/doujinshi/-98765.html", "Existing", (*string)(nil), (*string)(nil), int64(7), testTime, testTime))
	mock.ExpectCommit()

	err := store.Reconcile(context.Background(), func(tx bookmarks.ReconcileTx) error {
		b, existed, err := tx.GetOrCreateBookmark(context.Background(), bookmarks.Bookmark{
			ID:     "bm-new",
			UserID: 42,
			URL:    "https://hitomi.la/doujinshi/-98765.html",
			Title:  "Title",
			SiteID: 7,
		})
		if err != nil {
			return err
		}
		if !existed {
			return errors.New("expected conflict with existing row")
		}
		if b.ID != "bm-old" {
			return errors.New("expected the existing bookmark back")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBookmarksNewestFirst(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"id", "user_id", "url", "title", "thumbnail_path", "thumbnail_url", "site_id", "name", "created_at", "updated_at"}).
		AddRow("bm-2", int64(42), "https://bato.to/series/2", "Second", (*string)(nil), (*string)(nil), int64(8), "Bato", testTime.Add(time.Hour), testTime.Add(time.Hour)).
		AddRow("bm-1", int64(42), "https://hitomi.la/doujinshi/-1.html", "First", (*string)(nil), (*string)(nil), int64(7), "Hitomi", testTime, testTime)
	mock.ExpectQuery("SELECT (.+) ORDER BY b.created_at DESC").
		WithArgs(int64(42)).
		WillReturnRows(rows)

	got, err := store.ListBookmarks(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bm-2", got[0].ID)
	assert.Equal(t, "Bato", got[0].SiteName)
	assert.Equal(t, "bm-1", got[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func bookmarkRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "user_id", "url", "title", "thumbnail_path", "thumbnail_url", "site_id", "created_at", "updated_at"})
}

func ptr(s string) *string { return &s }

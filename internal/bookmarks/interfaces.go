package bookmarks

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by store implementations.
var (
	// ErrBookmarkNotFound is returned when a bookmark does not exist or is not
	// owned by the requesting user.
	ErrBookmarkNotFound = errors.New("bookmark not found")
	// ErrTaskNotFound is returned by task stores for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrQueueClosed is returned by Queue.Dequeue once the queue has shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// Store persists bookmarks, supported sites and scraping logs.
type Store interface {
	// GetOrCreateSite registers the site for domain on first use and returns
	// the stored row afterwards. Domain is expected normalized (no "www.").
	GetOrCreateSite(ctx context.Context, name, domain, scraper string) (SupportedSite, error)

	// InsertLog appends an audit row outside any reconcile transaction. Used
	// for attempts that fail before a bookmark can be resolved.
	InsertLog(ctx context.Context, log ScrapingLog) error

	// Reconcile runs fn inside a single transaction. The bookmark mutation and
	// its scraping log commit or roll back together.
	Reconcile(ctx context.Context, fn func(tx ReconcileTx) error) error

	GetBookmark(ctx context.Context, id string, userID int64) (Bookmark, error)

	// FindBookmarkByURL looks up the user's bookmark holding the given
	// canonical URL, without locking.
	FindBookmarkByURL(ctx context.Context, userID int64, url string) (Bookmark, bool, error)

	ListBookmarks(ctx context.Context, userID int64) ([]Bookmark, error)
	DeleteBookmark(ctx context.Context, id string, userID int64) (Bookmark, error)
	ListActiveSites(ctx context.Context) ([]SupportedSite, error)
}

// ReconcileTx exposes the operations available inside a reconcile transaction.
type ReconcileTx interface {
	// LockBookmark loads the bookmark scoped to its owner and holds a row lock
	// until the transaction finishes. Returns ErrBookmarkNotFound when absent
	// or owned by someone else.
	LockBookmark(ctx context.Context, id string, userID int64) (Bookmark, error)

	// FindByURL looks up the user's bookmark holding the given canonical URL.
	FindByURL(ctx context.Context, userID int64, url string) (Bookmark, bool, error)

	// GetOrCreateBookmark inserts the bookmark keyed by (user, URL) or returns
	// the existing row. The second result reports whether a row already existed.
	GetOrCreateBookmark(ctx context.Context, b Bookmark) (Bookmark, bool, error)

	UpdateBookmark(ctx context.Context, b Bookmark) error
	InsertLog(ctx context.Context, log ScrapingLog) error
}

// ThumbnailStore persists cover images and resolves them to URLs.
type ThumbnailStore interface {
	// Put stores data under a per-user path with the given file name and
	// returns the storage path recorded on the bookmark.
	Put(ctx context.Context, userID int64, name string, data []byte) (string, error)
	// Delete removes a previously stored thumbnail. Missing files are not an
	// error.
	Delete(ctx context.Context, path string) error
	// URL resolves a stored path to a client-facing URL.
	URL(path string) string
}

// TaskStore tracks task lifecycle for status polling.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, outcome *Outcome) error
	GetTask(ctx context.Context, taskID string) (Task, error)
}

// Queue provides enqueue/dequeue semantics for scrape tasks.
type Queue interface {
	Enqueue(ctx context.Context, item TaskItem) error
	Dequeue(ctx context.Context) (TaskItem, error)
}

// Publisher pushes scrape-completed events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces bookmark and task ids (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

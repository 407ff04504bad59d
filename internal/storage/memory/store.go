package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mangamark/mangamark/internal/bookmarks"
)

// Store is an in-memory bookmarks.Store. Reconcile takes a snapshot before
// running fn and restores it on error, so failed reconciles leave no partial
// state behind.
type Store struct {
	mu         sync.Mutex
	nextSiteID int64
	nextLogID  int64
	sites      map[string]bookmarks.SupportedSite // keyed by domain
	byID       map[string]bookmarks.Bookmark
	logs       []bookmarks.ScrapingLog
	clock      bookmarks.Clock
}

// NewStore builds an empty store.
func NewStore(clock bookmarks.Clock) *Store {
	return &Store{
		sites: make(map[string]bookmarks.SupportedSite),
		byID:  make(map[string]bookmarks.Bookmark),
		clock: clock,
	}
}

// GetOrCreateSite registers the domain on first use.
func (s *Store) GetOrCreateSite(_ context.Context, name, domain, scraper string) (bookmarks.SupportedSite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if site, ok := s.sites[domain]; ok {
		return site, nil
	}
	s.nextSiteID++
	site := bookmarks.SupportedSite{
		ID:        s.nextSiteID,
		Name:      name,
		Domain:    domain,
		Scraper:   scraper,
		IsActive:  true,
		CreatedAt: s.clock.Now(),
	}
	s.sites[domain] = site
	return site, nil
}

// InsertLog appends an audit row.
func (s *Store) InsertLog(_ context.Context, log bookmarks.ScrapingLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLog(log)
	return nil
}

// Reconcile runs fn under the store lock with snapshot rollback.
func (s *Store) Reconcile(ctx context.Context, fn func(tx bookmarks.ReconcileTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshotBookmarks := make(map[string]bookmarks.Bookmark, len(s.byID))
	for k, v := range s.byID {
		snapshotBookmarks[k] = v
	}
	snapshotLogs := append([]bookmarks.ScrapingLog(nil), s.logs...)
	snapshotLogID := s.nextLogID

	if err := fn(&memTx{store: s}); err != nil {
		s.byID = snapshotBookmarks
		s.logs = snapshotLogs
		s.nextLogID = snapshotLogID
		return err
	}
	return nil
}

// GetBookmark returns the bookmark scoped to its owner.
func (s *Store) GetBookmark(_ context.Context, id string, userID int64) (bookmarks.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byID[id]
	if !ok || b.UserID != userID {
		return bookmarks.Bookmark{}, bookmarks.ErrBookmarkNotFound
	}
	return s.withSiteName(b), nil
}

// FindBookmarkByURL looks up the user's bookmark holding the canonical URL.
func (s *Store) FindBookmarkByURL(_ context.Context, userID int64, url string) (bookmarks.Bookmark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.byID {
		if b.UserID == userID && b.URL == url {
			return s.withSiteName(b), true, nil
		}
	}
	return bookmarks.Bookmark{}, false, nil
}

// ListBookmarks returns the user's bookmarks, newest first.
func (s *Store) ListBookmarks(_ context.Context, userID int64) ([]bookmarks.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bookmarks.Bookmark
	for _, b := range s.byID {
		if b.UserID == userID {
			out = append(out, s.withSiteName(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// DeleteBookmark removes the owner's bookmark and returns the removed row.
func (s *Store) DeleteBookmark(_ context.Context, id string, userID int64) (bookmarks.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byID[id]
	if !ok || b.UserID != userID {
		return bookmarks.Bookmark{}, bookmarks.ErrBookmarkNotFound
	}
	delete(s.byID, id)
	return b, nil
}

// ListActiveSites returns active sites sorted by name.
func (s *Store) ListActiveSites(_ context.Context) ([]bookmarks.SupportedSite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bookmarks.SupportedSite
	for _, site := range s.sites {
		if site.IsActive {
			out = append(out, site)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Logs returns a copy of the recorded scraping logs for test assertions.
func (s *Store) Logs() []bookmarks.ScrapingLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bookmarks.ScrapingLog(nil), s.logs...)
}

func (s *Store) appendLog(log bookmarks.ScrapingLog) {
	s.nextLogID++
	log.ID = s.nextLogID
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.clock.Now()
	}
	s.logs = append(s.logs, log)
}

func (s *Store) withSiteName(b bookmarks.Bookmark) bookmarks.Bookmark {
	for _, site := range s.sites {
		if site.ID == b.SiteID {
			b.SiteName = site.Name
			break
		}
	}
	return b
}

// memTx operates directly on the store; the caller already holds the lock and
// handles rollback.
type memTx struct {
	store *Store
}

func (t *memTx) LockBookmark(_ context.Context, id string, userID int64) (bookmarks.Bookmark, error) {
	b, ok := t.store.byID[id]
	if !ok || b.UserID != userID {
		return bookmarks.Bookmark{}, bookmarks.ErrBookmarkNotFound
	}
	return b, nil
}

func (t *memTx) FindByURL(_ context.Context, userID int64, url string) (bookmarks.Bookmark, bool, error) {
	for _, b := range t.store.byID {
		if b.UserID == userID && b.URL == url {
			return b, true, nil
		}
	}
	return bookmarks.Bookmark{}, false, nil
}

func (t *memTx) GetOrCreateBookmark(_ context.Context, b bookmarks.Bookmark) (bookmarks.Bookmark, bool, error) {
	for _, existing := range t.store.byID {
		if existing.UserID == b.UserID && existing.URL == b.URL {
			return existing, true, nil
		}
	}
	now := t.store.clock.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	t.store.byID[b.ID] = b
	return b, false, nil
}

func (t *memTx) UpdateBookmark(_ context.Context, b bookmarks.Bookmark) error {
	existing, ok := t.store.byID[b.ID]
	if !ok {
		return bookmarks.ErrBookmarkNotFound
	}
	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = t.store.clock.Now()
	t.store.byID[b.ID] = b
	return nil
}

func (t *memTx) InsertLog(_ context.Context, log bookmarks.ScrapingLog) error {
	t.store.appendLog(log)
	return nil
}

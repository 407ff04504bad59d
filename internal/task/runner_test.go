package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mangamark/mangamark/internal/bookmarks"
	"github.com/mangamark/mangamark/internal/metrics"
	"github.com/mangamark/mangamark/internal/scrape"
	"github.com/mangamark/mangamark/internal/storage/memory"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(500 * time.Millisecond)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("bm-%d", g.n), nil
}

// stubScraper strips everything after the last "-" in the final path segment,
// mimicking slug-bearing gallery URLs.
type stubScraper struct {
	domain string
	result scrape.Result
}

func (s *stubScraper) SiteName() string { return "Stub " + s.domain }
func (s *stubScraper) Domain() string   { return s.domain }
func (s *stubScraper) ID() string       { return "stub" }

func (s *stubScraper) Canonicalize(raw string) string {
	i := strings.LastIndex(raw, "/")
	j := strings.LastIndex(raw, "-")
	if j > i {
		return raw[:i+1] + raw[j:]
	}
	return raw
}

func (s *stubScraper) Scrape(context.Context, string) scrape.Result { return s.result }

type recordingThumbs struct {
	mu      sync.Mutex
	puts    []string
	deletes []string
}

func (t *recordingThumbs) Put(_ context.Context, userID int64, name string, _ []byte) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := fmt.Sprintf("%d/%s", userID, name)
	t.puts = append(t.puts, p)
	return p, nil
}

func (t *recordingThumbs) Delete(_ context.Context, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletes = append(t.deletes, path)
	return nil
}

func (t *recordingThumbs) URL(path string) string { return "http://thumbs.local/" + path }

type runnerFixture struct {
	runner *Runner
	store  *memory.Store
	thumbs *recordingThumbs
}

func newFixture(t *testing.T, scrapers ...scrape.Scraper) *runnerFixture {
	t.Helper()
	metrics.Init()
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}
	store := memory.NewStore(clock)
	thumbs := &recordingThumbs{}
	runner := NewRunner(scrape.NewResolver(scrapers...), store, thumbs, clock, &seqIDs{}, zap.NewNop())
	return &runnerFixture{runner: runner, store: store, thumbs: thumbs}
}

func successScraper(domain string) *stubScraper {
	return &stubScraper{
		domain: domain,
		result: scrape.Result{
			Title:         "A Title",
			ThumbnailURL:  "https://cdn.example/t.jpg",
			ThumbnailData: []byte("jpeg"),
			Success:       true,
		},
	}
}

func TestRunCreatesBookmarkAndLog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, successScraper("hitomi.la"))

	out := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-1",
		UserID: 1,
		URL:    "https://hitomi.la/doujinshi/long-slug-98765.html",
	})
	require.True(t, out.Success)
	assert.Equal(t, "https://hitomi.la/doujinshi/-98765.html", out.StoredURL)
	require.NotEmpty(t, out.BookmarkID)

	b, err := f.store.GetBookmark(context.Background(), out.BookmarkID, 1)
	require.NoError(t, err)
	assert.Equal(t, "A Title", b.Title)
	assert.Equal(t, "https://hitomi.la/doujinshi/-98765.html", b.URL)
	assert.Equal(t, "1/"+out.BookmarkID+".jpg", b.ThumbnailPath)
	assert.Equal(t, "https://cdn.example/t.jpg", b.ThumbnailURL)

	logs := f.store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, bookmarks.LogStatusSuccess, logs[0].Status)
	assert.Equal(t, out.BookmarkID, logs[0].BookmarkID)
	assert.Equal(t, "https://hitomi.la/doujinshi/long-slug-98765.html", logs[0].URL)
	assert.Greater(t, logs[0].Duration, 0.0)
}

func TestRunRejectsUnsupportedSite(t *testing.T) {
	t.Parallel()

	f := newFixture(t, successScraper("hitomi.la"))

	out := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-1",
		UserID: 1,
		URL:    "https://example.org/page",
	})
	assert.False(t, out.Success)
	assert.Empty(t, out.BookmarkID)
	assert.Contains(t, out.Error, "example.org")

	list, err := f.store.ListBookmarks(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, list)

	logs := f.store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, bookmarks.LogStatusError, logs[0].Status)
	assert.Empty(t, logs[0].BookmarkID)
}

func TestRunResubmitUpdatesExistingBookmark(t *testing.T) {
	t.Parallel()

	sc := successScraper("hitomi.la")
	f := newFixture(t, sc)

	first := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-1", UserID: 1, URL: "https://hitomi.la/doujinshi/slug-1.html",
	})
	require.True(t, first.Success)

	// Same canonical URL through a different slug: must reuse the bookmark.
	sc.result.Title = "New Title"
	second := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-2", UserID: 1, URL: "https://hitomi.la/doujinshi/other-slug-1.html",
	})
	require.True(t, second.Success)
	assert.Equal(t, first.BookmarkID, second.BookmarkID)

	list, err := f.store.ListBookmarks(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "New Title", list[0].Title)
}

func TestRunRefreshNotOwned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, successScraper("hitomi.la"))

	created := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-1", UserID: 1, URL: "https://hitomi.la/doujinshi/slug-1.html",
	})
	require.True(t, created.Success)

	out := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID:     "task-2",
		UserID:     2,
		URL:        "https://hitomi.la/doujinshi/slug-1.html",
		BookmarkID: created.BookmarkID,
	})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "not found")

	// The owner's bookmark is untouched.
	b, err := f.store.GetBookmark(context.Background(), created.BookmarkID, 1)
	require.NoError(t, err)
	assert.Equal(t, "A Title", b.Title)

	logs := f.store.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, bookmarks.LogStatusFailed, logs[1].Status)
	assert.Empty(t, logs[1].BookmarkID)
}

func TestRunRefreshCanonicalConflict(t *testing.T) {
	t.Parallel()

	sc := successScraper("hitomi.la")
	f := newFixture(t, sc)

	first := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-1", UserID: 1, URL: "https://hitomi.la/doujinshi/slug-1.html",
	})
	second := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-2", UserID: 1, URL: "https://hitomi.la/doujinshi/slug-2.html",
	})
	require.True(t, first.Success)
	require.True(t, second.Success)

	// Refresh the second bookmark with a URL that canonicalizes to the first
	// bookmark's key.
	sc.result.Title = "Conflicted Title"
	out := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID:     "task-3",
		UserID:     1,
		URL:        "https://hitomi.la/doujinshi/renamed-slug-1.html",
		BookmarkID: second.BookmarkID,
	})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "conflicts")

	b, err := f.store.GetBookmark(context.Background(), second.BookmarkID, 1)
	require.NoError(t, err)
	// URL preserved, scraped fields still applied.
	assert.Equal(t, "https://hitomi.la/doujinshi/-2.html", b.URL)
	assert.Equal(t, "Conflicted Title", b.Title)

	logs := f.store.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, bookmarks.LogStatusError, logs[2].Status)
	assert.Equal(t, second.BookmarkID, logs[2].BookmarkID)
}

func TestRunRefreshRewritesURLToCanonical(t *testing.T) {
	t.Parallel()

	f := newFixture(t, successScraper("hitomi.la"))

	created := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-1", UserID: 1, URL: "https://hitomi.la/doujinshi/slug-1.html",
	})
	require.True(t, created.Success)

	out := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID:     "task-2",
		UserID:     1,
		URL:        "https://hitomi.la/doujinshi/newer-slug-5.html",
		BookmarkID: created.BookmarkID,
	})
	require.True(t, out.Success)
	assert.Equal(t, "https://hitomi.la/doujinshi/-5.html", out.StoredURL)
}

func TestRunScrapeFailureStillCreatesBookmark(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubScraper{
		domain: "hitomi.la",
		result: scrape.Result{Success: false, ErrorMessage: "could not find title or thumbnail"},
	})

	out := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-1", UserID: 1, URL: "https://hitomi.la/doujinshi/slug-1.html",
	})
	assert.False(t, out.Success)
	assert.Equal(t, "could not find title or thumbnail", out.Error)
	require.NotEmpty(t, out.BookmarkID)

	b, err := f.store.GetBookmark(context.Background(), out.BookmarkID, 1)
	require.NoError(t, err)
	assert.Equal(t, bookmarks.PlaceholderTitle, b.Title)

	logs := f.store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, bookmarks.LogStatusFailed, logs[0].Status)
}

func TestRunRotatesThumbnailOnRefresh(t *testing.T) {
	t.Parallel()

	f := newFixture(t, successScraper("hitomi.la"))

	created := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-1", UserID: 1, URL: "https://hitomi.la/doujinshi/slug-1.html",
	})
	require.True(t, created.Success)

	out := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID:     "task-2",
		UserID:     1,
		URL:        "https://hitomi.la/doujinshi/slug-1.html",
		BookmarkID: created.BookmarkID,
	})
	require.True(t, out.Success)

	f.thumbs.mu.Lock()
	defer f.thumbs.mu.Unlock()
	require.Len(t, f.thumbs.puts, 2)
	assert.Equal(t, []string{"1/" + created.BookmarkID + ".jpg"}, f.thumbs.deletes)
}

// scrapeCount reads the scrape counter for one site/status pair off the
// default registry.
func scrapeCount(t *testing.T, site, status string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "mangamark_scrapes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["site"] == site && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRunRecordsScrapeMetrics(t *testing.T) {
	f := newFixture(t, successScraper("hitomi.la"))

	before := scrapeCount(t, "Stub hitomi.la", string(bookmarks.LogStatusSuccess))
	out := f.runner.Run(context.Background(), bookmarks.TaskItem{
		TaskID: "task-1", UserID: 1, URL: "https://hitomi.la/doujinshi/slug-1.html",
	})
	require.True(t, out.Success)

	after := scrapeCount(t, "Stub hitomi.la", string(bookmarks.LogStatusSuccess))
	assert.Greater(t, after, before)
}

func TestRunNeverDuplicatesCanonicalURLPerUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, successScraper("hitomi.la"))

	urls := []string{
		"https://hitomi.la/doujinshi/a-7.html",
		"https://hitomi.la/doujinshi/b-7.html",
		"https://hitomi.la/doujinshi/-7.html",
	}
	for i, u := range urls {
		out := f.runner.Run(context.Background(), bookmarks.TaskItem{
			TaskID: fmt.Sprintf("task-%d", i), UserID: 1, URL: u,
		})
		require.True(t, out.Success)
	}

	list, err := f.store.ListBookmarks(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "https://hitomi.la/doujinshi/-7.html", list[0].URL)
}

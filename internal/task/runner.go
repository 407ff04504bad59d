// Package task implements the scrape orchestrator: one Run call takes a
// submitted URL through site resolution, scraping and transactional
// reconciliation of the bookmark and its log.
package task

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mangamark/mangamark/internal/bookmarks"
	"github.com/mangamark/mangamark/internal/metrics"
	"github.com/mangamark/mangamark/internal/scrape"
)

// Runner executes a single scrape task end to end.
type Runner struct {
	resolver *scrape.Resolver
	store    bookmarks.Store
	thumbs   bookmarks.ThumbnailStore
	clock    bookmarks.Clock
	ids      bookmarks.IDGenerator
	logger   *zap.Logger
}

// NewRunner wires the orchestrator's collaborators.
func NewRunner(resolver *scrape.Resolver, store bookmarks.Store, thumbs bookmarks.ThumbnailStore, clock bookmarks.Clock, ids bookmarks.IDGenerator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		resolver: resolver,
		store:    store,
		thumbs:   thumbs,
		clock:    clock,
		ids:      ids,
		logger:   logger,
	}
}

// Run processes one task item and returns its terminal outcome. Scraper-level
// faults are absorbed into the outcome; only the returned Outcome reports
// failure to the caller.
func (r *Runner) Run(ctx context.Context, item bookmarks.TaskItem) bookmarks.Outcome {
	log := r.logger.With(
		zap.String("task_id", item.TaskID),
		zap.Int64("user_id", item.UserID),
		zap.String("url", item.URL),
	)

	// RESOLVE_SITE: unsupported domains never touch a bookmark.
	scraper, err := r.resolver.Resolve(item.URL)
	if err != nil {
		log.Warn("no scraper for submitted url", zap.Error(err))
		r.insertDetachedLog(ctx, item.URL, bookmarks.LogStatusError, err.Error(), 0)
		return bookmarks.Outcome{Error: err.Error()}
	}
	canonical := scraper.Canonicalize(item.URL)

	site, err := r.store.GetOrCreateSite(ctx, scraper.SiteName(), scraper.Domain(), scraper.ID())
	if err != nil {
		log.Error("site registration failed", zap.Error(err))
		msg := fmt.Sprintf("internal error: %v", err)
		r.insertDetachedLog(ctx, item.URL, bookmarks.LogStatusError, msg, 0)
		return bookmarks.Outcome{Error: msg}
	}

	// SCRAPE: always against the original submitted URL. The canonical form is
	// a storage key, not necessarily a live page.
	start := r.clock.Now()
	result := scraper.Scrape(ctx, item.URL)
	elapsed := r.clock.Now().Sub(start)
	duration := elapsed.Seconds()
	log.Info("scrape finished",
		zap.String("site", scraper.SiteName()),
		zap.Bool("scrape_success", result.Success),
		zap.Float64("duration_s", duration),
	)

	// RECONCILE: bookmark mutation and its log commit together.
	var (
		final       bookmarks.Bookmark
		conflictMsg string
	)
	err = r.store.Reconcile(ctx, func(tx bookmarks.ReconcileTx) error {
		b, msg, err := r.resolveBookmark(ctx, tx, item, canonical, site, result)
		if err != nil {
			return err
		}
		conflictMsg = msg

		if err := r.applyScrapeResult(ctx, &b, site, result); err != nil {
			return err
		}
		if err := tx.UpdateBookmark(ctx, b); err != nil {
			return err
		}
		final = b

		return tx.InsertLog(ctx, bookmarks.ScrapingLog{
			BookmarkID: b.ID,
			URL:        item.URL,
			Status:     logStatus(result, conflictMsg),
			ErrorText:  logError(result, conflictMsg),
			Duration:   duration,
		})
	})
	if errors.Is(err, bookmarks.ErrBookmarkNotFound) {
		log.Warn("refresh target not found or not owned", zap.String("bookmark_id", item.BookmarkID))
		metrics.ObserveScrape(scraper.SiteName(), string(bookmarks.LogStatusFailed), elapsed)
		r.insertDetachedLog(ctx, item.URL, bookmarks.LogStatusFailed, "bookmark not found", duration)
		return bookmarks.Outcome{Error: "bookmark not found"}
	}
	if err != nil {
		log.Error("reconcile failed", zap.Error(err))
		metrics.ObserveScrape(scraper.SiteName(), string(bookmarks.LogStatusError), elapsed)
		msg := fmt.Sprintf("internal error: %v", err)
		r.insertDetachedLog(ctx, item.URL, bookmarks.LogStatusError, msg, duration)
		return bookmarks.Outcome{Error: msg}
	}
	metrics.ObserveScrape(scraper.SiteName(), string(logStatus(result, conflictMsg)), elapsed)

	// LOGGED.
	return bookmarks.Outcome{
		Success:    result.Success && conflictMsg == "",
		BookmarkID: final.ID,
		StoredURL:  final.URL,
		Error:      logError(result, conflictMsg),
	}
}

// resolveBookmark loads or creates the bookmark this task operates on and
// reports a conflict message when a canonical-URL collision blocks a URL
// update on the refresh path.
func (r *Runner) resolveBookmark(ctx context.Context, tx bookmarks.ReconcileTx, item bookmarks.TaskItem, canonical string, site bookmarks.SupportedSite, result scrape.Result) (bookmarks.Bookmark, string, error) {
	if item.BookmarkID != "" {
		// Refresh path. The row lock held here serializes concurrent refreshes
		// of the same bookmark.
		b, err := tx.LockBookmark(ctx, item.BookmarkID, item.UserID)
		if err != nil {
			return bookmarks.Bookmark{}, "", err
		}
		if canonical != b.URL {
			other, found, err := tx.FindByURL(ctx, item.UserID, canonical)
			if err != nil {
				return bookmarks.Bookmark{}, "", err
			}
			if found && other.ID != b.ID {
				// Another bookmark already owns the canonical URL. Keep the
				// stored URL, still apply scraped fields.
				return b, fmt.Sprintf("canonical URL %s conflicts with existing bookmark %s", canonical, other.ID), nil
			}
			b.URL = canonical
		}
		return b, "", nil
	}

	// Create path, keyed by (user, canonical URL). When the key already
	// exists this behaves like a refresh of that bookmark; the conflict check
	// above does not apply because the URL cannot change here.
	id, err := r.ids.NewID()
	if err != nil {
		return bookmarks.Bookmark{}, "", fmt.Errorf("generate bookmark id: %w", err)
	}
	title := result.Title
	if title == "" {
		title = bookmarks.PlaceholderTitle
	}
	b, _, err := tx.GetOrCreateBookmark(ctx, bookmarks.Bookmark{
		ID:           id,
		UserID:       item.UserID,
		URL:          canonical,
		Title:        title,
		ThumbnailURL: result.ThumbnailURL,
		SiteID:       site.ID,
	})
	if err != nil {
		return bookmarks.Bookmark{}, "", err
	}
	return b, "", nil
}

// applyScrapeResult merges non-empty scraped fields and rotates the stored
// thumbnail file when new bytes were obtained.
func (r *Runner) applyScrapeResult(ctx context.Context, b *bookmarks.Bookmark, site bookmarks.SupportedSite, result scrape.Result) error {
	b.SiteID = site.ID
	if result.Title != "" {
		b.Title = result.Title
	}
	if b.Title == "" {
		b.Title = bookmarks.PlaceholderTitle
	}
	if result.ThumbnailURL != "" {
		b.ThumbnailURL = result.ThumbnailURL
	}
	if len(result.ThumbnailData) == 0 {
		return nil
	}

	if b.ThumbnailPath != "" {
		if err := r.thumbs.Delete(ctx, b.ThumbnailPath); err != nil {
			r.logger.Warn("could not delete previous thumbnail",
				zap.String("path", b.ThumbnailPath), zap.Error(err))
		}
	}
	path, err := r.thumbs.Put(ctx, b.UserID, b.ID+".jpg", result.ThumbnailData)
	if err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}
	b.ThumbnailPath = path
	return nil
}

// insertDetachedLog records attempts that never reach the reconcile
// transaction. Failures here are logged and swallowed; the audit row is best
// effort once the task itself has already failed.
func (r *Runner) insertDetachedLog(ctx context.Context, url string, status bookmarks.LogStatus, errText string, duration float64) {
	err := r.store.InsertLog(ctx, bookmarks.ScrapingLog{
		URL:       url,
		Status:    status,
		ErrorText: errText,
		Duration:  duration,
	})
	if err != nil {
		r.logger.Error("could not write scraping log", zap.Error(err))
	}
}

func logStatus(result scrape.Result, conflictMsg string) bookmarks.LogStatus {
	if conflictMsg != "" {
		return bookmarks.LogStatusError
	}
	if result.Success {
		return bookmarks.LogStatusSuccess
	}
	return bookmarks.LogStatusFailed
}

func logError(result scrape.Result, conflictMsg string) string {
	if conflictMsg != "" {
		return conflictMsg
	}
	if result.Success {
		return ""
	}
	return result.ErrorMessage
}

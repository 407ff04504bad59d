package scrape

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/mangamark/mangamark/internal/browser"
)

var batoTitleStrategies = []strategy{
	{selector: "h3.item-title a"},
	{selector: "h3 a"},
}

var batoThumbStrategies = []strategy{
	{selector: "div.attr-cover img", attrs: []string{"src", "data-src"}},
	{selector: "img.shadow-6", attrs: []string{"src", "data-src"}},
	{selector: "div.col-24 img", attrs: []string{"src", "data-src"}},
}

// Bato scrapes bato.to series pages. There is no reliable landmark element on
// the streamed layout, so extraction uses a fixed settle delay. The image CDN
// rejects requests without the page's cookies and referrer, so thumbnail bytes
// are fetched from inside the browser's own execution context.
type Bato struct {
	browser *browser.Manager
	settle  time.Duration
	logger  *zap.Logger
}

// NewBato builds the bato.to variant.
func NewBato(mgr *browser.Manager, settle time.Duration, logger *zap.Logger) *Bato {
	if settle <= 0 {
		settle = 10 * time.Second
	}
	return &Bato{
		browser: mgr,
		settle:  settle,
		logger:  logger,
	}
}

// SiteName implements Scraper.
func (b *Bato) SiteName() string { return "Bato.to" }

// Domain implements Scraper.
func (b *Bato) Domain() string { return "bato.to" }

// ID implements Scraper.
func (b *Bato) ID() string { return "bato" }

// Canonicalize implements Scraper. Bato URLs carry the stable series id in the
// path already; they pass through unchanged.
func (b *Bato) Canonicalize(rawURL string) string { return rawURL }

// Scrape implements Scraper.
func (b *Bato) Scrape(ctx context.Context, rawURL string) Result {
	sess, err := b.browser.Acquire()
	if err != nil {
		return failure("browser session unavailable: %v", err)
	}

	var (
		title     string
		thumbURL  string
		thumbData []byte
	)
	err = sess.Run(ctx, rawURL, func(tab context.Context) error {
		var html string
		if runErr := chromedp.Run(tab,
			chromedp.Navigate(rawURL),
			chromedp.Sleep(b.settle),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		); runErr != nil {
			return runErr
		}

		doc, parseErr := goquery.NewDocumentFromReader(strings.NewReader(html))
		if parseErr != nil {
			return parseErr
		}
		title, thumbURL = extractBato(doc, rawURL)

		// The tab must stay alive for the in-browser fetch; it carries the
		// cookies and referrer the CDN checks.
		if thumbURL != "" {
			data, fetchErr := sess.FetchImage(tab, thumbURL)
			if fetchErr != nil {
				b.logger.Warn("in-browser thumbnail fetch failed",
					zap.String("url", thumbURL), zap.Error(fetchErr))
				return nil
			}
			thumbData = data
		}
		return nil
	})
	if err != nil {
		if msg, ok := timeoutMessage(err); ok {
			return failure("%s", msg)
		}
		return failure("scraping error: %v", err)
	}

	return batoResult(title, thumbURL, thumbData)
}

// batoResult assembles the scrape outcome. A thumbnail URL found without a
// title or image bytes still rides along on the failed result; the bookmark
// keeps it as an external fallback.
func batoResult(title, thumbURL string, thumbData []byte) Result {
	if title == "" && thumbData == nil {
		res := failure("could not find title or thumbnail")
		res.ThumbnailURL = thumbURL
		return res
	}
	return Result{
		Title:         title,
		ThumbnailURL:  thumbURL,
		ThumbnailData: thumbData,
		Success:       true,
	}
}

func extractBato(doc *goquery.Document, pageURL string) (title, thumbURL string) {
	return firstMatch(doc, batoTitleStrategies), resolveRef(pageURL, firstMatch(doc, batoThumbStrategies))
}

// Package scrape implements per-site title/thumbnail extraction against the
// shared headless browser session.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrUnsupportedSite is returned by the Resolver for domains without a
// registered scraper variant.
var ErrUnsupportedSite = errors.New("unsupported site")

// Result is what a scraper hands back to the orchestrator. Scrapers absorb
// every fault into Result; they never return errors past this boundary, so a
// single site's failure cannot crash a worker.
type Result struct {
	Title         string
	ThumbnailURL  string
	ThumbnailData []byte
	Success       bool
	ErrorMessage  string
}

// Scraper is implemented once per supported site. Variants encode the
// site-specific element-location logic and wait heuristics.
type Scraper interface {
	// SiteName is the display name registered on first resolution.
	SiteName() string
	// Domain is the registrable domain this variant handles, without "www.".
	Domain() string
	// ID is the stable scraper identifier stored on the site row.
	ID() string
	// Canonicalize normalizes site-specific URL variants to the single form
	// used for deduplication. Must be idempotent.
	Canonicalize(rawURL string) string
	// Scrape extracts title and thumbnail from the submitted URL.
	Scrape(ctx context.Context, rawURL string) Result
}

// ImageFetcher downloads thumbnail bytes over plain HTTP for sites that do not
// block direct image requests.
type ImageFetcher interface {
	FetchImage(ctx context.Context, imageURL, referer string) ([]byte, error)
}

// Resolver maps a URL's domain to its scraper variant. The supported-site set
// is small and build-time-known, so the registry is a static table.
type Resolver struct {
	registry map[string]Scraper
}

// NewResolver builds a Resolver over the given variants.
func NewResolver(scrapers ...Scraper) *Resolver {
	registry := make(map[string]Scraper, len(scrapers))
	for _, sc := range scrapers {
		registry[sc.Domain()] = sc
	}
	return &Resolver{registry: registry}
}

// Resolve returns the scraper for the URL's domain. Called before any task
// work starts so unsupported submissions fail fast.
func (r *Resolver) Resolve(rawURL string) (Scraper, error) {
	domain, err := NormalizeDomain(rawURL)
	if err != nil {
		return nil, err
	}
	sc, ok := r.registry[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSite, domain)
	}
	return sc, nil
}

// Domains lists the supported domains in stable order.
func (r *Resolver) Domains() []string {
	out := make([]string, 0, len(r.registry))
	for domain := range r.registry {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

// NormalizeDomain extracts the registrable domain from a URL: lowercased, with
// a single leading "www." label stripped.
func NormalizeDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.TrimPrefix(host, "www."), nil
}

// resolveRef turns a possibly relative or protocol-relative image reference
// into an absolute URL against the page it was found on.
func resolveRef(pageURL, ref string) string {
	if ref == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

func timeoutMessage(err error) (string, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return "page load timeout - site may be slow or blocking automated access", true
	}
	return "", false
}

func failure(format string, args ...any) Result {
	return Result{Success: false, ErrorMessage: fmt.Sprintf(format, args...)}
}

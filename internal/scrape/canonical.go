package scrape

import (
	"net/url"
	"regexp"
	"strings"
)

// gallerySegment matches the trailing "<slug>-<id>.<ext>" path segment used by
// slug-bearing gallery URLs. Only the numeric id and extension are stable; the
// slug changes when the site renames a gallery.
var gallerySegment = regexp.MustCompile(`^(?:.*-)?(\d+)\.([A-Za-z0-9]+)$`)

// canonicalizeGalleryURL strips the descriptive slug from a gallery URL,
// keeping scheme, host, the category segment, the "-<id>.<ext>" segment and
// any fragment. Query parameters and everything else are dropped. The same
// logical page resubmitted under a renamed slug maps to one canonical form,
// which is what the (user, URL) uniqueness key relies on. Idempotent: the
// canonical form matches the pattern and maps to itself.
func canonicalizeGalleryURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}

	segments := splitPath(parsed.Path)
	if len(segments) == 0 {
		return rawURL
	}
	match := gallerySegment.FindStringSubmatch(segments[len(segments)-1])
	if match == nil {
		return rawURL
	}

	canonical := url.URL{
		Scheme:   parsed.Scheme,
		Host:     parsed.Host,
		Fragment: parsed.Fragment,
	}
	var category string
	if len(segments) > 1 {
		category = segments[0] + "/"
	}
	canonical.Path = "/" + category + "-" + match[1] + "." + match[2]
	return canonical.String()
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

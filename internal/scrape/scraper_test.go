package scrape

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScraper struct {
	domain string
}

func (f fakeScraper) SiteName() string             { return f.domain }
func (f fakeScraper) Domain() string               { return f.domain }
func (f fakeScraper) ID() string                   { return f.domain }
func (f fakeScraper) Canonicalize(u string) string { return u }

func (f fakeScraper) Scrape(context.Context, string) Result { return Result{} }

func TestResolverResolve(t *testing.T) {
	t.Parallel()

	r := NewResolver(fakeScraper{domain: "hitomi.la"}, fakeScraper{domain: "bato.to"})

	sc, err := r.Resolve("https://hitomi.la/doujinshi/x-1.html")
	require.NoError(t, err)
	assert.Equal(t, "hitomi.la", sc.Domain())

	sc, err = r.Resolve("https://WWW.BATO.TO/series/99")
	require.NoError(t, err)
	assert.Equal(t, "bato.to", sc.Domain())
}

func TestResolverRejectsUnknownDomain(t *testing.T) {
	t.Parallel()

	r := NewResolver(fakeScraper{domain: "hitomi.la"})

	_, err := r.Resolve("https://example.org/page")
	require.ErrorIs(t, err, ErrUnsupportedSite)
	assert.Contains(t, err.Error(), "example.org")
}

func TestResolverDomains(t *testing.T) {
	t.Parallel()

	r := NewResolver(fakeScraper{domain: "hitomi.la"}, fakeScraper{domain: "bato.to"})
	assert.Equal(t, []string{"bato.to", "hitomi.la"}, r.Domains())
}

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://hitomi.la/x", want: "hitomi.la"},
		{in: "https://www.hitomi.la/x", want: "hitomi.la"},
		{in: "https://WWW.Hitomi.LA:443/x", want: "hitomi.la"},
		{in: "/relative/path", wantErr: true},
		{in: "://bad", wantErr: true},
	}
	for _, tc := range tests {
		got, err := NormalizeDomain(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestResolveRef(t *testing.T) {
	t.Parallel()

	page := "https://hitomi.la/doujinshi/x-1.html"
	assert.Equal(t, "https://tn.hitomi.la/big.jpg", resolveRef(page, "//tn.hitomi.la/big.jpg"))
	assert.Equal(t, "https://hitomi.la/img/a.jpg", resolveRef(page, "/img/a.jpg"))
	assert.Equal(t, "https://cdn.example/a.jpg", resolveRef(page, "https://cdn.example/a.jpg"))
	assert.Equal(t, "", resolveRef(page, ""))
}

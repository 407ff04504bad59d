package direct

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchImageReturnsBytes(t *testing.T) {
	t.Parallel()

	var gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent"})
	data, err := f.FetchImage(context.Background(), srv.URL+"/thumb.jpg", "https://hitomi.la/gallery")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)
	assert.Equal(t, "https://hitomi.la/gallery", gotReferer)
}

func TestFetchImageRejectsNonImage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>blocked</html>"))
	}))
	defer srv.Close()

	f := New(Config{})
	_, err := f.FetchImage(context.Background(), srv.URL+"/thumb.jpg", "")
	assert.Error(t, err)
}

func TestFetchImageReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	f := New(Config{})
	_, err := f.FetchImage(context.Background(), srv.URL+"/thumb.jpg", "")
	assert.Error(t, err)
}

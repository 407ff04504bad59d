package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutWritesUnderUserDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, "https://cdn.example/thumbs")
	require.NoError(t, err)

	p, err := s.Put(context.Background(), 42, "bm-1.jpg", []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "42/bm-1.jpg", p)

	data, err := os.ReadFile(filepath.Join(dir, "42", "bm-1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	assert.Equal(t, "https://cdn.example/thumbs/42/bm-1.jpg", s.URL(p))
}

func TestPutRejectsTraversalNames(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir(), "")
	require.NoError(t, err)

	for _, name := range []string{"", "../evil.jpg", "a/b.jpg", ".hidden"} {
		_, err := s.Put(context.Background(), 1, name, []byte("x"))
		assert.Error(t, err, "name %q", name)
	}
}

func TestDeleteIgnoresMissingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, "")
	require.NoError(t, err)

	p, err := s.Put(context.Background(), 1, "bm-1.jpg", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(context.Background(), p))
	assert.NoFileExists(t, filepath.Join(dir, "1", "bm-1.jpg"))

	// Second delete is a no-op.
	require.NoError(t, s.Delete(context.Background(), p))
}

func TestDeleteRejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir(), "")
	require.NoError(t, err)

	assert.Error(t, s.Delete(context.Background(), "../outside.jpg"))
	assert.Error(t, s.Delete(context.Background(), "/etc/passwd"))
}

// Package local stores thumbnails on the local filesystem under a per-user
// directory tree.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// ThumbStore writes thumbnails below BaseDir as <userID>/<name> and serves
// them from PublicBaseURL.
type ThumbStore struct {
	baseDir       string
	publicBaseURL string
}

// New builds a store rooted at baseDir.
func New(baseDir, publicBaseURL string) (*ThumbStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("thumbnails.base_dir is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create thumbnail dir: %w", err)
	}
	return &ThumbStore{
		baseDir:       baseDir,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Put stores data and returns the relative path recorded on the bookmark.
func (s *ThumbStore) Put(_ context.Context, userID int64, name string, data []byte) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	userDir := filepath.Join(s.baseDir, strconv.FormatInt(userID, 10))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return "", fmt.Errorf("create user thumbnail dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(userDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write thumbnail: %w", err)
	}
	return path.Join(strconv.FormatInt(userID, 10), name), nil
}

// Delete removes a stored thumbnail. A missing file is not an error.
func (s *ThumbStore) Delete(_ context.Context, relPath string) error {
	full, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete thumbnail: %w", err)
	}
	return nil
}

// URL resolves a stored path to its public URL.
func (s *ThumbStore) URL(relPath string) string {
	if relPath == "" {
		return ""
	}
	if s.publicBaseURL == "" {
		return relPath
	}
	return s.publicBaseURL + "/" + relPath
}

// resolve rejects paths that would escape the base directory.
func (s *ThumbStore) resolve(relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("invalid thumbnail path %q", relPath)
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(relPath))
	base := filepath.Clean(s.baseDir) + string(os.PathSeparator)
	if !strings.HasPrefix(full, base) {
		return "", fmt.Errorf("thumbnail path %q escapes base dir", relPath)
	}
	return full, nil
}

func validateName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid thumbnail name %q", name)
	}
	return nil
}

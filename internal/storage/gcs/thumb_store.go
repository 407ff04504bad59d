// Package gcs provides a ThumbnailStore backed by Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket        string
	PublicBaseURL string
}

// ThumbStore writes thumbnails to a configured GCS bucket under
// <userID>/<name> object keys.
type ThumbStore struct {
	client        *storage.Client
	bucket        string
	publicBaseURL string
}

// New creates a GCS-backed thumbnail store.
func New(client *storage.Client, cfg Config) (*ThumbStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ThumbStore{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// Put uploads data and returns the object key recorded on the bookmark.
func (s *ThumbStore) Put(ctx context.Context, userID int64, name string, data []byte) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("thumbnail name is required")
	}
	key := path.Join(strconv.FormatInt(userID, 10), name)
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "image/jpeg"
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy thumbnail: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy thumbnail: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return key, nil
}

// Delete removes a stored thumbnail. A missing object is not an error.
func (s *ThumbStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete thumbnail: %w", err)
	}
	return nil
}

// URL resolves an object key to a client-facing URL.
func (s *ThumbStore) URL(key string) string {
	if key == "" {
		return ""
	}
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + key
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}

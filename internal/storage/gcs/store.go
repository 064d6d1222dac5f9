// Package gcs implements storage.Store on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// ErrNotFound is returned when the object does not exist.
var ErrNotFound = errors.New("gcs object not found")

// Store reads and writes gs://bucket/object locations.
type Store struct {
	client *storage.Client
}

// New creates a GCS-backed store.
func New(client *storage.Client) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return &Store{client: client}, nil
}

// Open streams the object at a gs:// location.
func (s *Store) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, object, err := ParseURI(location)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return r, nil
}

// Create returns a writer for the object; the upload completes on Close.
func (s *Store) Create(ctx context.Context, location string) (io.WriteCloser, error) {
	bucket, object, err := ParseURI(location)
	if err != nil {
		return nil, err
	}
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	if strings.HasSuffix(object, ".json") {
		w.ContentType = "application/json"
	}
	return w, nil
}

// ParseURI splits gs://bucket/path/to/object.
func ParseURI(location string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(location, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", location)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs uri needs bucket and object: %q", location)
	}
	return bucket, object, nil
}

// Package local implements storage.Store on the local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem store.
type Config struct {
	// BaseDir anchors relative paths. Empty means the working directory.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store reads and writes files on the local filesystem.
type Store struct {
	baseDir string
}

// New creates a local filesystem store.
func New(cfg Config) *Store {
	return &Store{baseDir: strings.TrimSpace(cfg.BaseDir)}
}

// Open opens the file at location for reading.
func (s *Store) Open(_ context.Context, location string) (io.ReadCloser, error) {
	path, err := s.path(location)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- the operator chooses which list to read.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Create truncates or creates the file at location, making parent
// directories as needed.
func (s *Store) Create(_ context.Context, location string) (io.WriteCloser, error) {
	path, err := s.path(location)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	// #nosec G304 -- the operator chooses where reports go.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return f, nil
}

func (s *Store) path(location string) (string, error) {
	p := strings.TrimPrefix(location, "file://")
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(p) || s.baseDir == "" {
		return filepath.Clean(p), nil
	}
	return filepath.Join(s.baseDir, p), nil
}

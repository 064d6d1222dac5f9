// Package storage resolves list and report locations to a backing store.
// Plain paths and file:// URIs go to the local filesystem; other schemes
// (gs://) go to whichever Store was registered for them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupportedScheme is returned for a location whose scheme has no Store.
var ErrUnsupportedScheme = errors.New("unsupported location scheme")

// Store reads and writes whole objects by location.
type Store interface {
	// Open returns a reader for the object at location.
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	// Create returns a writer; the object is committed on Close.
	Create(ctx context.Context, location string) (io.WriteCloser, error)
}

// Router dispatches on the location's scheme.
type Router struct {
	local   Store
	schemes map[string]Store
}

var _ Store = (*Router)(nil)

// NewRouter builds a router; local serves plain paths and file:// URIs.
func NewRouter(local Store) *Router {
	return &Router{local: local, schemes: make(map[string]Store)}
}

// Register attaches a store to a scheme such as "gs".
func (r *Router) Register(scheme string, s Store) {
	r.schemes[strings.ToLower(scheme)] = s
}

// Open implements Store.
func (r *Router) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	s, err := r.resolve(location)
	if err != nil {
		return nil, err
	}
	rc, err := s.Open(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	return rc, nil
}

// Create implements Store.
func (r *Router) Create(ctx context.Context, location string) (io.WriteCloser, error) {
	s, err := r.resolve(location)
	if err != nil {
		return nil, err
	}
	wc, err := s.Create(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", location, err)
	}
	return wc, nil
}

func (r *Router) resolve(location string) (Store, error) {
	if strings.TrimSpace(location) == "" {
		return nil, fmt.Errorf("location is required")
	}
	scheme := Scheme(location)
	if scheme == "" || scheme == "file" {
		if r.local == nil {
			return nil, fmt.Errorf("%w: local files", ErrUnsupportedScheme)
		}
		return r.local, nil
	}
	s, ok := r.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return s, nil
}

// Scheme returns the lower-cased scheme of location, or "" for a plain path.
func Scheme(location string) string {
	i := strings.Index(location, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(location[:i])
}

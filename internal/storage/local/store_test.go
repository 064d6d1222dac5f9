// Package local_test tests the local filesystem store.
package local_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tranco-dispatch/internal/storage/local"
)

func TestCreateThenOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := local.New(local.Config{BaseDir: dir})
	ctx := context.Background()

	w, err := store.Create(ctx, "reports/run.json")
	require.NoError(t, err)
	_, err = io.WriteString(w, `{"ok":true}`)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// #nosec G304 -- test reads from the controlled temp directory.
	raw, err := os.ReadFile(filepath.Join(dir, "reports", "run.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	r, err := store.Open(ctx, "file://"+filepath.Join(dir, "reports", "run.json"))
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(got))
}

func TestOpenMissing(t *testing.T) {
	t.Parallel()

	store := local.New(local.Config{BaseDir: t.TempDir()})
	_, err := store.Open(context.Background(), "missing.csv")
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = store.Open(context.Background(), "file://")
	assert.ErrorContains(t, err, "path is required")
}

// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/schema-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		t.Parallel()
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		require.NotNil(t, store)
	})

	t.Run("EmptyBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("CreatesMissingBaseDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "nested", "blobs")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "records/a.com/1.json", "application/json", bytes.NewReader([]byte(`{"@id":"1"}`)))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "records", "a.com", "1.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"@id":"1"}`, string(data))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.json", "application/json", bytes.NewReader([]byte("{}")))
	require.Error(t, err)
}

func TestDeletePrefix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	for _, path := range []string{"records/a.com/1.json", "records/a.com/2.json", "records/b.com/1.json"} {
		_, err := store.PutObject(ctx, path, "application/json", bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
	}

	require.NoError(t, store.DeletePrefix(ctx, "records/a.com"))

	_, err = os.Stat(filepath.Join(dir, "records", "a.com"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "records", "b.com", "1.json"))
	require.NoError(t, err)
}

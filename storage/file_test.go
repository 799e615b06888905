package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/gated-release/interfaces"
)

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend, err := NewFileBackend(dir, log)
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	data := []byte("sealed fragment bytes")
	id, err := backend.Store(ctx, data, interfaces.FragmentType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)
	assert.FileExists(t, filepath.Join(dir, "fragments", id.String()))

	got, err := backend.Fetch(ctx, id, interfaces.FragmentType)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Namespaces are separate.
	_, err = backend.Fetch(ctx, id, interfaces.IndexType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	// Storing the same content twice is idempotent.
	again, err := backend.Store(ctx, data, interfaces.FragmentType)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, backend.Delete(ctx, id, interfaces.FragmentType))
	_, err = backend.Fetch(ctx, id, interfaces.FragmentType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
	require.NoError(t, backend.Delete(ctx, id, interfaces.FragmentType))

	entries, err := os.ReadDir(filepath.Join(dir, "fragments"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStorageBackendFactory(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := NewStorageBackendFactory(log)
	dir := t.TempDir()

	backend, err := factory.StorageBackendFor(interfaces.StorageBackendLocation("file://" + dir))
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	backend, err = factory.StorageBackendFor("ipfs://127.0.0.1:5001/?timeout=5s")
	require.NoError(t, err)
	assert.IsType(t, &IPFSBackend{}, backend)

	backend, err = factory.StorageBackendFor("vault://token@127.0.0.1:8200/secret/custodian")
	require.NoError(t, err)
	vb := backend.(*VaultBackend)
	assert.Equal(t, "secret", vb.mountPath)
	assert.Equal(t, "custodian", vb.dataPath)

	backend, err = factory.StorageBackendFor("s3://AK:SK@bucket/prefix/?region=eu-west-1&endpoint=http://127.0.0.1:9000")
	require.NoError(t, err)
	assert.NotContains(t, backend.LocationURI(), "SK")

	_, err = factory.StorageBackendFor("ftp://example.com/")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.StorageBackendFor("vault://127.0.0.1:8200")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.StorageBackendFor("ipfs://127.0.0.1:5001/?timeout=soon")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	multi, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
		"ftp://nope/",
		interfaces.StorageBackendLocation("file://" + dir),
	})
	require.NoError(t, err)
	assert.Equal(t, "multi-storage", multi.Name())

	_, err = factory.CreateMultiBackend([]interfaces.StorageBackendLocation{"ftp://nope/"})
	assert.Error(t, err)
}

func TestIPFSContentIDRoundTrip(t *testing.T) {
	id := interfaces.ComputeID([]byte("raw block"))
	c, err := CIDFor(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Version())

	back, err := ContentIDFor(c)
	require.NoError(t, err)
	assert.Equal(t, id, back)
}

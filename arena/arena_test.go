package arena_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pmemkv/arena"
)

func TestHeapArena_Bounds(t *testing.T) {
	a := arena.NewHeap(1024)
	defer a.Close()

	b, err := a.Bytes(0, 1024)
	require.NoError(t, err)
	assert.Len(t, b, 1024)

	_, err = a.Bytes(1, 1024)
	assert.ErrorIs(t, err, arena.ErrOutOfRange)

	_, err = a.Bytes(arena.NullOffset, 1)
	assert.ErrorIs(t, err, arena.ErrOutOfRange)

	_, err = a.Bytes(1024, 1)
	assert.ErrorIs(t, err, arena.ErrOutOfRange)

	// Zero-length views at the end are fine.
	_, err = a.Bytes(1024, 0)
	assert.NoError(t, err)
}

func TestFileArena_PersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	const size = 1 << 16

	a, err := arena.Create(path, size)
	require.NoError(t, err)
	require.True(t, a.Persistent())

	b, err := a.Bytes(128, 5)
	require.NoError(t, err)
	copy(b, "hello")
	require.NoError(t, a.Persist(128, 5))
	require.NoError(t, a.Close())

	a2, err := arena.OpenFile(path, size)
	require.NoError(t, err)
	defer a2.Close()

	b2, err := a2.Bytes(128, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b2))
}

func TestFileArena_SizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	a, err := arena.Create(path, 4096)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = arena.OpenFile(path, 8192)
	assert.Error(t, err)
}

func TestArena_CopyAndDrain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	a, err := arena.Create(path, 4096)
	require.NoError(t, err)
	defer a.Close()

	src := []byte("staged record image")
	require.NoError(t, a.CopyAndDrain(64, src))

	got, err := a.Bytes(64, len(src))
	require.NoError(t, err)
	assert.Equal(t, src, got)

	// Out of range targets are rejected before any copy.
	err = a.CopyAndDrain(4090, src)
	assert.ErrorIs(t, err, arena.ErrOutOfRange)
}

func TestArena_PersistUint64(t *testing.T) {
	a := arena.NewHeap(64)
	defer a.Close()

	require.NoError(t, a.PersistUint64(8, 0xdeadbeef))
	v, err := a.Uint64(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)

	err = a.PersistUint64(60, 1)
	assert.ErrorIs(t, err, arena.ErrOutOfRange)
}

package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vmcerrors "github.com/ps2dev/vmcfs/errors"
)

func TestMemoryBackend_WriteThenReadRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	m := NewMemoryBackend(buf)

	data := []byte("hello vmc")
	require.NoError(t, m.WriteAt(10, data))

	got := make([]byte, len(data))
	require.NoError(t, m.ReadAt(10, got))
	assert.Equal(t, data, got)
	assert.Equal(t, int64(64), m.Size())
}

func TestMemoryBackend_WritesMutateUnderlyingSlice(t *testing.T) {
	buf := make([]byte, 16)
	m := NewMemoryBackend(buf)
	require.NoError(t, m.WriteAt(0, []byte("abcd")))
	assert.Equal(t, []byte("abcd"), buf[:4])
	assert.Equal(t, buf, m.Bytes())
}

func TestMemoryBackend_OutOfRangeReadIsIOOutOfRange(t *testing.T) {
	m := NewMemoryBackend(make([]byte, 8))
	err := m.ReadAt(4, make([]byte, 8))
	assert.ErrorIs(t, err, vmcerrors.ErrIOOutOfRange)
}

func TestMemoryBackend_NegativeOffsetIsIOOutOfRange(t *testing.T) {
	m := NewMemoryBackend(make([]byte, 8))
	err := m.WriteAt(-1, make([]byte, 4))
	assert.ErrorIs(t, err, vmcerrors.ErrIOOutOfRange)
}

func TestMemoryBackend_CloseIsNoOp(t *testing.T) {
	m := NewMemoryBackend(make([]byte, 4))
	assert.NoError(t, m.Close())
}

func TestFileBackend_WriteThenReadRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "vmc-image-*.bin")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(128))

	backend, err := NewFileBackend(f)
	require.NoError(t, err)
	assert.Equal(t, int64(128), backend.Size())

	data := []byte("a file-backed vmc image")
	require.NoError(t, backend.WriteAt(5, data))

	got := make([]byte, len(data))
	require.NoError(t, backend.ReadAt(5, got))
	assert.Equal(t, data, got)

	require.NoError(t, backend.Close())
}

func TestFileBackend_OutOfRangeWriteIsIOOutOfRange(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "vmc-image-*.bin")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(16))

	backend, err := NewFileBackend(f)
	require.NoError(t, err)
	defer backend.Close()

	err = backend.WriteAt(10, make([]byte, 16))
	assert.ErrorIs(t, err, vmcerrors.ErrIOOutOfRange)
}

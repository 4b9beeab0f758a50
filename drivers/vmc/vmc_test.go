package vmc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ps2dev/vmcfs/storage"
)

// testGeometry is a small but structurally real VMC shape (512-byte pages,
// 1024-byte clusters, 8 clusters/block) used throughout this package's
// tests so formatting and walking a whole image stays fast.
var testGeometry = FormatOptions{
	PageSize:        512,
	PagesPerCluster: 2,
	PagesPerBlock:   16,
	ClustersPerCard: 256,
	ECC:             false,
}

// testGeometryECC is testGeometry with a 16-byte spare area per page, for
// tests exercising PageIO's ECC path.
var testGeometryECC = FormatOptions{
	PageSize:        512,
	PagesPerCluster: 2,
	PagesPerBlock:   16,
	ClustersPerCard: 256,
	ECC:             true,
}

func newFormattedBackend(t *testing.T, opt FormatOptions) (*Superblock, storage.Backend) {
	t.Helper()

	sb, err := NewSuperblock(opt)
	require.NoError(t, err)

	buf := make([]byte, int64(sb.ClustersPerCard)*sb.PhysicalClusterSize())
	backend := storage.NewMemoryBackend(buf)
	require.NoError(t, Format(backend, sb))
	return sb, backend
}

func newTestFileSystem(t *testing.T) *FileSystem {
	t.Helper()

	_, backend := newFormattedBackend(t, testGeometry)
	fs, err := Init(backend)
	require.NoError(t, err)
	return fs
}

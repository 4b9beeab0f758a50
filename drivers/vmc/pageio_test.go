package vmc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ps2dev/vmcfs/ecc"
)

func newTestPageIO(t *testing.T, eccBytesPerPage int) (*Superblock, *FATEngine, *PageIO) {
	t.Helper()
	geo := testGeometry
	if eccBytesPerPage != 0 {
		geo = testGeometryECC
	}
	sb, backend := newFormattedBackend(t, geo)
	fat := NewFATEngine(sb, backend)
	return sb, fat, NewPageIO(sb, backend, fat, eccBytesPerPage)
}

func TestPageIO_WriteThenReadRoundTrip(t *testing.T) {
	_, fat, pageio := newTestPageIO(t, 0)

	head, ok := fat.Allocate(3)
	require.True(t, ok)

	want := bytes.Repeat([]byte{0xAB}, 3*1024)
	n, err := pageio.RWBytes(head, 0, len(want), nil, want)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)

	got := make([]byte, len(want))
	n, err = pageio.RWBytes(head, 0, len(got), got, nil)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, got)
}

func TestPageIO_ReadStopsAtChainEnd(t *testing.T) {
	_, fat, pageio := newTestPageIO(t, 0)

	head, ok := fat.Allocate(1)
	require.True(t, ok)

	buf := make([]byte, 4096) // far longer than the one-cluster chain
	n, err := pageio.RWBytes(head, 0, len(buf), buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
}

func TestPageIO_CrossesPageAndClusterBoundaries(t *testing.T) {
	_, fat, pageio := newTestPageIO(t, 0)

	head, ok := fat.Allocate(2)
	require.True(t, ok)

	want := make([]byte, 2048)
	for i := range want {
		want[i] = byte(i)
	}
	n, err := pageio.RWBytes(head, 0, len(want), nil, want)
	require.NoError(t, err)
	require.Equal(t, len(want), n)

	// Read a window starting mid-page and ending mid-cluster.
	got := make([]byte, 600)
	n, err = pageio.RWBytes(head, 300, len(got), got, nil)
	require.NoError(t, err)
	require.Equal(t, len(got), n)
	assert.Equal(t, want[300:900], got)
}

func TestPageIO_ECCWriteIsVerifiable(t *testing.T) {
	_, fat, pageio := newTestPageIO(t, 12)

	head, ok := fat.Allocate(1)
	require.True(t, ok)

	data := bytes.Repeat([]byte{0x5A}, 1024)
	_, err := pageio.RWBytes(head, 0, len(data), nil, data)
	require.NoError(t, err)

	var mismatches int
	pageio.Diagnostics = func(ECCDiagnostic) { mismatches++ }

	got := make([]byte, len(data))
	_, err = pageio.RWBytes(head, 0, len(got), got, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 0, mismatches)
}

func TestPageIO_ECCMismatchIsReportedNotFailed(t *testing.T) {
	sb, fat, pageio := newTestPageIO(t, 12)

	head, ok := fat.Allocate(1)
	require.True(t, ok)

	data := bytes.Repeat([]byte{0x5A}, 1024)
	_, err := pageio.RWBytes(head, 0, len(data), nil, data)
	require.NoError(t, err)

	// Flip one bit of a data byte directly on the backend without touching
	// its spare area, so the stored ECC no longer matches.
	absCluster := head + sb.FirstAllocatable
	physical := sb.AbsoluteClusterOffset(absCluster)
	corrupt := []byte{data[0] ^ 0x01}

	backend := pageioBackendOf(t, pageio)
	require.NoError(t, backend.WriteAt(physical, corrupt))

	var mismatches []ECCDiagnostic
	pageio.Diagnostics = func(d ECCDiagnostic) { mismatches = append(mismatches, d) }

	got := make([]byte, len(data))
	_, err = pageio.RWBytes(head, 0, len(got), got, nil)
	require.NoError(t, err)
	assert.Len(t, mismatches, 1)
	assert.Equal(t, 0, mismatches[0].MismatchQuarter)
	// The read returns the raw (uncorrected) bytes, per spec: no correction
	// is attempted.
	assert.Equal(t, corrupt[0], got[0])
	assert.NotEqual(t, data[0], got[0])
}

// pageioBackendOf reaches into PageIO for its backend so tests can poke the
// image directly to simulate bit rot; PageIO has no exported accessor since
// no production caller needs one.
func pageioBackendOf(t *testing.T, p *PageIO) interface {
	ReadAt(int64, []byte) error
	WriteAt(int64, []byte) error
} {
	t.Helper()
	return p.backend
}

func TestECCPageSizeMatchesGeometry(t *testing.T) {
	// Sanity check that this package's fixed 512-byte test page size lines
	// up with the ecc package's fixed chunking, since PageIO's ECC path
	// assumes sb.PageSize == ecc.PageSize.
	assert.Equal(t, ecc.PageSize, int(testGeometry.PageSize))
}

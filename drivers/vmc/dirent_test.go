package vmc

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirent_EncodeDecodeRoundTrip(t *testing.T) {
	d := &Dirent{
		Mode:         ModeFile | ModeExists | ModeRead | ModeWrite,
		Length:       1234,
		Creation:     DateTime{Second: 1, Minute: 2, Hour: 3, Day: 4, Month: 5, Year: 2020},
		Modification: DateTime{Second: 6, Minute: 7, Hour: 8, Day: 9, Month: 10, Year: 2026},
		Cluster:      99,
		DirEntry:     7,
		Attributes:   0xDEADBEEF,
		Name:         "SAVEDATA.BIN",
	}

	raw, err := EncodeDirent(d)
	require.NoError(t, err)
	assert.Len(t, raw, DirentSize)

	decoded, err := DecodeDirent(raw)
	require.NoError(t, err)
	assert.Equal(t, d.Mode, decoded.Mode)
	assert.Equal(t, d.Length, decoded.Length)
	assert.Equal(t, d.Creation, decoded.Creation)
	assert.Equal(t, d.Modification, decoded.Modification)
	assert.Equal(t, d.Cluster, decoded.Cluster)
	assert.Equal(t, d.DirEntry, decoded.DirEntry)
	assert.Equal(t, d.Attributes, decoded.Attributes)
	assert.Equal(t, d.Name, decoded.Name)
}

func TestDirent_EncodeRejectsOverlongName(t *testing.T) {
	d := &Dirent{Name: strings.Repeat("x", maxNameLength+1)}
	_, err := EncodeDirent(d)
	assert.Error(t, err)
}

func TestDirent_EncodeAcceptsMaxLengthName(t *testing.T) {
	d := &Dirent{Name: strings.Repeat("x", maxNameLength)}
	raw, err := EncodeDirent(d)
	require.NoError(t, err)
	decoded, err := DecodeDirent(raw)
	require.NoError(t, err)
	assert.Equal(t, d.Name, decoded.Name)
}

func TestDirent_DecodeRejectsShortBuffer(t *testing.T) {
	_, err := DecodeDirent(make([]byte, 95))
	assert.Error(t, err)
}

func TestDirent_IsDirIsFileIsEmptyFile(t *testing.T) {
	dir := &Dirent{Mode: ModeDir | ModeExists}
	assert.True(t, dir.IsDir())
	assert.False(t, dir.IsFile())

	file := &Dirent{Mode: ModeFile | ModeExists, Cluster: emptyFileCluster}
	assert.True(t, file.IsFile())
	assert.True(t, file.IsEmptyFile())

	nonEmpty := &Dirent{Mode: ModeFile | ModeExists, Cluster: 5}
	assert.False(t, nonEmpty.IsEmptyFile())
}

func TestDateTime_ToTimeRoundTripsThroughFromTime(t *testing.T) {
	want := time.Date(2026, 7, 30, 12, 34, 56, 0, time.UTC)
	dt := DateTimeFromTime(want)
	got := dt.ToTime()
	assert.True(t, want.Equal(got))
}

func TestDateTime_ZeroValueToTimeIsZeroTime(t *testing.T) {
	var dt DateTime
	assert.True(t, dt.ToTime().IsZero())
}

func TestSuperblock_DirentsPerCluster(t *testing.T) {
	sb, err := NewSuperblock(testGeometry)
	require.NoError(t, err)
	// testGeometry's 1024-byte cluster holds exactly one 1024-byte dirent.
	assert.Equal(t, 1, sb.direntsPerCluster())
}

package vmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSuperblock() *Superblock {
	sb := &Superblock{
		PageSize:         512,
		PagesPerCluster:  2,
		PagesPerBlock:    16,
		ClustersPerCard:  256,
		FirstAllocatable: 42,
		LastAllocatable:  198,
		RootCluster:      0,
		BackupBlock1:     240,
		BackupBlock2:     248,
		Type:             CardType,
		Flags:            CardFlagECC,
	}
	sb.IndirectFATClusters[0] = 40
	sb.BadBlockClusters[0] = 0xFFFFFFFF
	return sb
}

func TestSuperblock_EncodeDecodeRoundTrip(t *testing.T) {
	sb := sampleSuperblock()
	decoded, err := Decode(sb.Encode())
	require.NoError(t, err)
	assert.Equal(t, sb, decoded)
}

func TestSuperblock_HasECC(t *testing.T) {
	sb := sampleSuperblock()
	assert.True(t, sb.HasECC())

	sb.Flags = 0
	assert.False(t, sb.HasECC())
}

func TestSuperblock_PhysicalSizesReflectECC(t *testing.T) {
	sb := sampleSuperblock()
	assert.Equal(t, int64(512), sb.BytesPerCluster()/int64(sb.PagesPerCluster))
	assert.Equal(t, int64(528), sb.PhysicalPageSize())

	sb.Flags = 0
	assert.Equal(t, int64(512), sb.PhysicalPageSize())
}

func TestDecode_RejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, SuperblockSize-1))
	assert.Error(t, err)
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	sb := sampleSuperblock()
	buf := sb.Encode()
	copy(buf[0:10], "not a vmc!")
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestDecode_RejectsWrongType(t *testing.T) {
	sb := sampleSuperblock()
	sb.Type = 9
	_, err := Decode(sb.Encode())
	assert.Error(t, err)
}

func TestValidateImageSize(t *testing.T) {
	sb := sampleSuperblock()
	sb.Flags = 0 // ECC-less for the first case below

	noECCBytes := int64(sb.ClustersPerCard) * int64(sb.PagesPerCluster) * int64(sb.PageSize)
	spare, eccBytes, err := ValidateImageSize(sb, noECCBytes)
	require.NoError(t, err)
	assert.Equal(t, 0, spare)
	assert.Equal(t, 0, eccBytes)

	eccTotalBytes := int64(sb.ClustersPerCard) * int64(sb.PagesPerCluster) * int64(sb.PageSize+16)
	spare, eccBytes, err = ValidateImageSize(sb, eccTotalBytes)
	require.NoError(t, err)
	assert.Equal(t, 16, spare)
	assert.Equal(t, 12, eccBytes)

	_, _, err = ValidateImageSize(sb, 123)
	assert.Error(t, err)
}

func TestWordsPerCluster(t *testing.T) {
	sb := sampleSuperblock()
	assert.Equal(t, uint32(256), sb.WordsPerCluster())
}

// Package vmc implements the on-disk engine for Sony PlayStation 2 memory
// card images: superblock decoding, the two-level indirect FAT, ECC-checked
// page I/O, the directory tree, and the empty-image formatter. See
// SPEC_FULL.md §3-§4 for the format this package decodes.
package vmc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"syscall"

	root "github.com/ps2dev/vmcfs"
	vmcerrors "github.com/ps2dev/vmcfs/errors"
)

// MagicString identifies a "Sony PS2 Memory Card Format 1.2.0.0" image.
const MagicString = "Sony PS2 Memory Card Format 1.2.0.0"

// CardType is the only supported value of Superblock.Type.
const CardType = 2

// CardFlagECC is set in Superblock.Flags when the card's pages carry a
// 16-byte spare area with ECC.
const CardFlagECC = 1 << 0

// SuperblockSize is the number of bytes Encode/Decode touch. The rest of the
// page the superblock occupies is filler, written per the image formatter.
const SuperblockSize = 338

const numIndirectFATClusters = 32
const numBadBlockClusters = 32

// Superblock is the decoded form of the fixed-offset-zero page describing a
// card's geometry and allocation tables. It is read once at Init and treated
// as immutable for the lifetime of the mount (spec §3, "Lifecycles").
type Superblock struct {
	PageSize            uint16
	PagesPerCluster     uint16
	PagesPerBlock       uint16
	ClustersPerCard     uint32
	FirstAllocatable    uint32
	LastAllocatable     uint32
	RootCluster         uint32
	BackupBlock1        uint32
	BackupBlock2        uint32
	IndirectFATClusters [numIndirectFATClusters]uint32
	BadBlockClusters    [numBadBlockClusters]uint32
	Type                uint8
	Flags               uint8
}

// HasECC reports whether card_flags bit 0 is set.
func (sb *Superblock) HasECC() bool {
	return sb.Flags&CardFlagECC != 0
}

// BytesPerCluster is the logical (ECC-excluded) capacity of one cluster.
func (sb *Superblock) BytesPerCluster() int64 {
	return int64(sb.PageSize) * int64(sb.PagesPerCluster)
}

// PhysicalPageSize is the on-disk size of one page, including the 16-byte
// spare area if ECC is in use.
func (sb *Superblock) PhysicalPageSize() int64 {
	if sb.HasECC() {
		return int64(sb.PageSize) + 16
	}
	return int64(sb.PageSize)
}

// PhysicalClusterSize is the on-disk size of one cluster.
func (sb *Superblock) PhysicalClusterSize() int64 {
	return int64(sb.PagesPerCluster) * sb.PhysicalPageSize()
}

// PhysicalBlockSize is the on-disk size of one erase block.
func (sb *Superblock) PhysicalBlockSize() int64 {
	return int64(sb.PagesPerBlock) * sb.PhysicalPageSize()
}

// WordsPerCluster is k in spec §3: the number of 32-bit FAT entries (or
// indirect-FAT pointers) that fit in one cluster.
func (sb *Superblock) WordsPerCluster() uint32 {
	return uint32(sb.BytesPerCluster() / 4)
}

// AbsoluteClusterOffset returns the physical byte offset of absolute cluster
// index abs.
func (sb *Superblock) AbsoluteClusterOffset(abs uint32) int64 {
	return int64(abs) * sb.PhysicalClusterSize()
}

// Encode serializes the superblock into a SuperblockSize-byte buffer ready to
// be written at offset 0 of the image, magic string included.
func (sb *Superblock) Encode() []byte {
	buf := make([]byte, SuperblockSize)
	copy(buf[0:40], MagicString)

	binary.LittleEndian.PutUint16(buf[40:42], sb.PageSize)
	binary.LittleEndian.PutUint16(buf[42:44], sb.PagesPerCluster)
	binary.LittleEndian.PutUint16(buf[44:46], sb.PagesPerBlock)
	// buf[46:48] is the reserved "_unused1" field; spec §6 says it is zeroed,
	// unlike the rest of the format's padding which is 0xFF.
	binary.LittleEndian.PutUint32(buf[48:52], sb.ClustersPerCard)
	binary.LittleEndian.PutUint32(buf[52:56], sb.FirstAllocatable)
	binary.LittleEndian.PutUint32(buf[56:60], sb.LastAllocatable)
	binary.LittleEndian.PutUint32(buf[60:64], sb.RootCluster)
	binary.LittleEndian.PutUint32(buf[64:68], sb.BackupBlock1)
	binary.LittleEndian.PutUint32(buf[68:72], sb.BackupBlock2)

	for i := 0; i < numIndirectFATClusters; i++ {
		off := 80 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], sb.IndirectFATClusters[i])
	}
	for i := 0; i < numBadBlockClusters; i++ {
		off := 208 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], sb.BadBlockClusters[i])
	}
	buf[336] = sb.Type
	buf[337] = sb.Flags
	return buf
}

// Decode parses a SuperblockSize-byte (or larger) buffer into a Superblock
// and validates the magic string and type, per spec §4.6 "Size validation on
// open".
func Decode(data []byte) (*Superblock, error) {
	if len(data) < SuperblockSize {
		return nil, root.NewDriverErrorWithMessage(syscall.EIO,
			fmt.Sprintf("superblock buffer too small: need %d bytes, got %d", SuperblockSize, len(data)))
	}

	magic := bytes.TrimRight(data[0:40], "\x00")
	if string(magic) != MagicString {
		return nil, vmcerrors.ErrInvalidFormat.WithMessage("magic string mismatch")
	}

	sb := &Superblock{
		PageSize:         binary.LittleEndian.Uint16(data[40:42]),
		PagesPerCluster:  binary.LittleEndian.Uint16(data[42:44]),
		PagesPerBlock:    binary.LittleEndian.Uint16(data[44:46]),
		ClustersPerCard:  binary.LittleEndian.Uint32(data[48:52]),
		FirstAllocatable: binary.LittleEndian.Uint32(data[52:56]),
		LastAllocatable:  binary.LittleEndian.Uint32(data[56:60]),
		RootCluster:      binary.LittleEndian.Uint32(data[60:64]),
		BackupBlock1:     binary.LittleEndian.Uint32(data[64:68]),
		BackupBlock2:     binary.LittleEndian.Uint32(data[68:72]),
		Type:             data[336],
		Flags:            data[337],
	}
	for i := 0; i < numIndirectFATClusters; i++ {
		off := 80 + i*4
		sb.IndirectFATClusters[i] = binary.LittleEndian.Uint32(data[off : off+4])
	}
	for i := 0; i < numBadBlockClusters; i++ {
		off := 208 + i*4
		sb.BadBlockClusters[i] = binary.LittleEndian.Uint32(data[off : off+4])
	}

	if sb.Type != CardType {
		return nil, vmcerrors.ErrInvalidFormat.WithMessage(
			fmt.Sprintf("unsupported card type %d, only type=2 is supported", sb.Type))
	}
	return sb, nil
}

// ValidateImageSize checks that imageSize matches one of the two byte counts
// spec §4.6 allows for this superblock's geometry, and returns the derived
// (spareAreaSize, eccBytesPerPage) runtime metadata pair.
func ValidateImageSize(sb *Superblock, imageSize int64) (spareAreaSize int, eccBytesPerPage int, err error) {
	clusters := int64(sb.ClustersPerCard)
	pagesPerCluster := int64(sb.PagesPerCluster)
	pageSize := int64(sb.PageSize)

	noECCSize := clusters * pagesPerCluster * pageSize
	eccSize := clusters * pagesPerCluster * (pageSize + 16)

	switch imageSize {
	case noECCSize:
		return 0, 0, nil
	case eccSize:
		return 16, 12, nil
	default:
		return 0, 0, vmcerrors.ErrInvalidFormat.WithMessage(
			fmt.Sprintf("image size %d does not match either ECC-less (%d) or ECC (%d) layout", imageSize, noECCSize, eccSize))
	}
}

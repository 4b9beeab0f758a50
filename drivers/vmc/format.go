package vmc

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/noxer/bytewriter"

	"github.com/ps2dev/vmcfs/ecc"
	"github.com/ps2dev/vmcfs/storage"
)

// maxIndirectFATClusters mirrors the fixed 32-slot indirect_fat_clusters
// array: the indirect-FAT data region is always offset by this many
// clusters past the end of block 0, regardless of how many slots are
// actually populated, per spec §4.6 step 2.
const maxIndirectFATClusters = numIndirectFATClusters

// FormatOptions describes the geometry of a fresh image to be built by
// Format, per spec §4.6.
type FormatOptions struct {
	PageSize        uint16
	PagesPerCluster uint16
	PagesPerBlock   uint16
	ClustersPerCard uint32
	ECC             bool
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// NewSuperblock derives a complete superblock for a fresh image from the
// given geometry. The layout it chooses -- block 0 for the superblock, a
// fixed 32-cluster gap, then the indirect-FAT clusters, then the FAT table,
// then the allocatable region, then two backup blocks -- is an open design
// decision (spec §9): spec §4.6 fixes the *byte layout* of each region
// given a complete superblock, but not how a formatter should size those
// regions from raw geometry.
func NewSuperblock(opt FormatOptions) (*Superblock, error) {
	var verr *multierror.Error
	if opt.PageSize == 0 {
		verr = multierror.Append(verr, fmt.Errorf("page size must be nonzero"))
	}
	if opt.PagesPerCluster == 0 {
		verr = multierror.Append(verr, fmt.Errorf("pages per cluster must be nonzero"))
	}
	if opt.PagesPerBlock == 0 {
		verr = multierror.Append(verr, fmt.Errorf("pages per block must be nonzero"))
	}
	if opt.PagesPerCluster != 0 && opt.PagesPerBlock%opt.PagesPerCluster != 0 {
		verr = multierror.Append(verr, fmt.Errorf("pages per block (%d) must be a multiple of pages per cluster (%d)", opt.PagesPerBlock, opt.PagesPerCluster))
	}
	if opt.ClustersPerCard == 0 {
		verr = multierror.Append(verr, fmt.Errorf("clusters per card must be nonzero"))
	}
	if err := verr.ErrorOrNil(); err != nil {
		return nil, err
	}

	sb := &Superblock{
		PageSize:        opt.PageSize,
		PagesPerCluster: opt.PagesPerCluster,
		PagesPerBlock:   opt.PagesPerBlock,
		ClustersPerCard: opt.ClustersPerCard,
		Type:            CardType,
	}
	if opt.ECC {
		sb.Flags |= CardFlagECC
	}

	clustersPerBlock := uint32(opt.PagesPerBlock) / uint32(opt.PagesPerCluster)
	k := sb.WordsPerCluster()
	if k == 0 {
		return nil, fmt.Errorf("vmc: cluster capacity too small to hold FAT entries")
	}
	if opt.ClustersPerCard <= clustersPerBlock*3+maxIndirectFATClusters {
		return nil, fmt.Errorf("vmc: clusters_per_card %d too small for this geometry", opt.ClustersPerCard)
	}

	// Fixed-point iteration: the sizes of the indirect-FAT and FAT-table
	// regions depend on last_allocatable, which in turn depends on how
	// much room those regions consume.
	last := opt.ClustersPerCard
	var firstAllocatable uint32
	for i := 0; i < 8; i++ {
		numIndirect := ceilDiv(last, k)
		numFAT := ceilDiv(last, k)
		firstAllocatable = clustersPerBlock + maxIndirectFATClusters + numIndirect + numFAT
		newLast := opt.ClustersPerCard - firstAllocatable - 2*clustersPerBlock
		if newLast == last {
			break
		}
		last = newLast
	}
	if last == 0 || int64(last) >= int64(opt.ClustersPerCard) {
		return nil, fmt.Errorf("vmc: geometry leaves no room for an allocatable region")
	}

	sb.FirstAllocatable = firstAllocatable
	sb.LastAllocatable = last
	sb.RootCluster = 0
	sb.BackupBlock1 = opt.ClustersPerCard - 2*clustersPerBlock
	sb.BackupBlock2 = opt.ClustersPerCard - clustersPerBlock

	numIndirect := ceilDiv(last, k)
	for i := uint32(0); i < numIndirect && i < numIndirectFATClusters; i++ {
		sb.IndirectFATClusters[i] = clustersPerBlock + maxIndirectFATClusters + i
	}

	return sb, nil
}

func writePage(backend storage.Backend, sb *Superblock, pageIndexAbs int64, data []byte) error {
	ps := sb.PhysicalPageSize()
	offset := pageIndexAbs * ps
	if err := backend.WriteAt(offset, data[:sb.PageSize]); err != nil {
		return err
	}
	if !sb.HasECC() {
		return nil
	}
	spare, err := ecc.EncodePage(data[:sb.PageSize])
	if err != nil {
		return err
	}
	return backend.WriteAt(offset+int64(sb.PageSize), spare[:])
}

func fillerPage(sb *Superblock, fill byte) []byte {
	buf := make([]byte, sb.PageSize)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

// Format writes a byte-accurate empty image for sb to backend, per spec
// §4.6's 7-step writing order.
func Format(backend storage.Backend, sb *Superblock) error {
	pagesPerCluster := int64(sb.PagesPerCluster)
	clustersPerBlock := int64(sb.PagesPerBlock) / pagesPerCluster
	ff := fillerPage(sb, 0xFF)

	// Step 1: superblock page, then filler to the end of block 0.
	sbPage := make([]byte, sb.PageSize)
	copy(sbPage, sb.Encode())
	for i := range sbPage[SuperblockSize:] {
		sbPage[SuperblockSize+i] = 0xFF
	}
	if err := writePage(backend, sb, 0, sbPage); err != nil {
		return err
	}
	for page := int64(1); page < int64(sb.PagesPerBlock); page++ {
		if err := writePage(backend, sb, page, ff); err != nil {
			return err
		}
	}

	// Step 2: indirect-FAT entries. Word j of indirect cluster i holds the
	// absolute address of FAT-table cluster i*k+j, per the two-level
	// indirect lookup in spec §3 (FATEngine.locate reads that word to find
	// the FAT cluster holding a given entry).
	k := sb.WordsPerCluster()
	numIndirect := ceilDiv(sb.LastAllocatable, k)
	indirectStartCluster := clustersPerBlock + maxIndirectFATClusters
	numFATClusters := ceilDiv(sb.LastAllocatable, k)
	fatStartCluster := indirectStartCluster + int64(numIndirect)
	for i := uint32(0); i < numIndirect; i++ {
		clusterAbs := indirectStartCluster + int64(i)
		buf := make([]byte, sb.BytesPerCluster())
		for j := range buf {
			buf[j] = 0xFF
		}
		for j := uint32(0); j < k && i*k+j < numFATClusters; j++ {
			putUint32(buf, int(j)*4, uint32(fatStartCluster)+i*k+j)
		}
		if err := writeClusterRaw(backend, sb, uint32(clusterAbs), buf); err != nil {
			return err
		}
	}

	// Step 3: the FAT table, one entry per allocatable cluster. The root
	// directory needs enough clusters to hold its `.` and `..` entries
	// (one cluster when a cluster fits two or more 1024-byte dirents, two
	// when -- as on a real PS2 card -- a cluster holds exactly one), so
	// entry 0 starts a chain of rootClusters clusters rather than a single
	// occupied terminator.
	dpc := uint32(sb.direntsPerCluster())
	rootClusters := ceilDiv(2, dpc)
	for i := uint32(0); i < numFATClusters; i++ {
		clusterAbs := fatStartCluster + int64(i)
		buf := make([]byte, sb.BytesPerCluster())
		for e := uint32(0); e < k; e++ {
			global := i*k + e
			var raw uint32
			if global < sb.LastAllocatable {
				if global < rootClusters {
					next := ClusterInvalid
					if global+1 < rootClusters {
						next = ClusterIndex(global + 1)
					}
					raw = encodeFATEntry(fatEntry{Occupied: true, Next: next})
				} else {
					raw = encodeFATEntry(fatEntry{Occupied: false, Next: 0})
				}
			} else {
				raw = 0xFFFFFFFF
			}
			putUint32(buf, int(e)*4, raw)
		}
		if err := writeClusterRaw(backend, sb, uint32(clusterAbs), buf); err != nil {
			return err
		}
	}

	// Step 4: the root directory's clusters: `.` and `..`, packed dpc
	// entries to a cluster across rootClusters clusters.
	dataStartCluster := uint32(fatStartCluster) + numFATClusters
	dotEntry := &Dirent{
		Mode: ModeDir | ModeExists, Length: 2,
		Cluster: 0, DirEntry: 0, Name: ".",
	}
	dotdotEntry := &Dirent{
		Mode: ModeDir | ModeExists, Length: 0,
		Cluster: 0, DirEntry: 0, Name: "..",
	}
	dotBytes, err := EncodeDirent(dotEntry)
	if err != nil {
		return err
	}
	dotdotBytes, err := EncodeDirent(dotdotEntry)
	if err != nil {
		return err
	}
	rootEntries := [][]byte{dotBytes, dotdotBytes}
	for ci := uint32(0); ci < rootClusters; ci++ {
		buf := make([]byte, sb.BytesPerCluster())
		for i := range buf {
			buf[i] = 0xFF
		}
		writer := bytewriter.New(buf)
		for e := uint32(0); e < dpc; e++ {
			idx := ci*dpc + e
			if idx >= uint32(len(rootEntries)) {
				break
			}
			if _, err := writer.Write(rootEntries[idx]); err != nil {
				return err
			}
		}
		if err := writeClusterRaw(backend, sb, dataStartCluster+ci, buf); err != nil {
			return err
		}
	}

	// Step 5: filler to the end of the erase block the data region starts
	// in.
	clustersIntoBlock := int64(dataStartCluster) % clustersPerBlock
	remainingClustersInBlock := clustersPerBlock - clustersIntoBlock - int64(rootClusters)
	for i := int64(0); i < remainingClustersInBlock; i++ {
		clusterAbs := uint32(int64(dataStartCluster) + int64(rootClusters) + i)
		buf := make([]byte, sb.BytesPerCluster())
		for j := range buf {
			buf[j] = 0xFF
		}
		if err := writeClusterRaw(backend, sb, clusterAbs, buf); err != nil {
			return err
		}
	}

	// Step 6: 0xFF filler for the rest of the allocatable region.
	allocatableEndCluster := uint32(fatStartCluster) + numFATClusters + sb.LastAllocatable
	for c := dataStartCluster + rootClusters + uint32(remainingClustersInBlock); c < allocatableEndCluster; c++ {
		buf := make([]byte, sb.BytesPerCluster())
		for j := range buf {
			buf[j] = 0xFF
		}
		if err := writeClusterRaw(backend, sb, c, buf); err != nil {
			return err
		}
	}

	// Step 7: two trailing backup erase blocks.
	for page := int64(0); page < int64(sb.PagesPerBlock); page++ {
		if err := writePage(backend, sb, int64(sb.BackupBlock1)*pagesPerCluster+page, ff); err != nil {
			return err
		}
	}
	backup2Base := int64(sb.BackupBlock2) * pagesPerCluster
	backupSBPage := make([]byte, sb.PageSize)
	copy(backupSBPage, sb.Encode())
	for i := range backupSBPage[SuperblockSize:] {
		backupSBPage[SuperblockSize+i] = 0xFF
	}
	if err := writePage(backend, sb, backup2Base, backupSBPage); err != nil {
		return err
	}
	for page := int64(1); page < int64(sb.PagesPerBlock); page++ {
		if err := writePage(backend, sb, backup2Base+page, ff); err != nil {
			return err
		}
	}

	return nil
}

func putUint32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

// writeClusterRaw writes a full logical cluster's worth of bytes starting
// at absolute cluster clusterAbs, applying ECC per page if enabled.
func writeClusterRaw(backend storage.Backend, sb *Superblock, clusterAbs uint32, data []byte) error {
	pageSize := int64(sb.PageSize)
	for i := int64(0); i < int64(sb.PagesPerCluster); i++ {
		pageIndexAbs := int64(clusterAbs)*int64(sb.PagesPerCluster) + i
		if err := writePage(backend, sb, pageIndexAbs, data[i*pageSize:(i+1)*pageSize]); err != nil {
			return err
		}
	}
	return nil
}

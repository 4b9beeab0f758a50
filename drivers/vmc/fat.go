package vmc

import (
	"encoding/binary"
	"fmt"
	"syscall"

	root "github.com/ps2dev/vmcfs"
	"github.com/ps2dev/vmcfs/storage"
)

// ClusterIndex is a relative cluster index (measured from
// Superblock.FirstAllocatable) with a distinct invalid/terminator value, per
// the "Sentinel cluster values" design note in spec §9.
type ClusterIndex int64

// ClusterInvalid is both "no free cluster found" and "end of chain".
const ClusterInvalid ClusterIndex = -1

// maxNextCluster is the on-disk 31-bit value (all bits set) that represents
// the terminator when decoded through the bit-packed FAT entry, per spec §9.
const maxNextCluster uint32 = 0x7FFFFFFF

const occupiedBit uint32 = 0x80000000

type fatEntry struct {
	Occupied bool
	Next     ClusterIndex
}

func decodeFATEntry(raw uint32) fatEntry {
	occupied := raw&occupiedBit != 0
	nextRaw := raw & maxNextCluster
	if nextRaw == maxNextCluster {
		return fatEntry{Occupied: occupied, Next: ClusterInvalid}
	}
	return fatEntry{Occupied: occupied, Next: ClusterIndex(nextRaw)}
}

func encodeFATEntry(e fatEntry) uint32 {
	var raw uint32
	if e.Occupied {
		raw |= occupiedBit
	}
	if e.Next == ClusterInvalid {
		raw |= maxNextCluster
	} else {
		raw |= uint32(e.Next) & maxNextCluster
	}
	return raw
}

// FATEngine implements cluster-chain lookup/allocate/free/truncate over the
// two-level indirect FAT described in spec §3/§4.3.
type FATEngine struct {
	sb      *Superblock
	backend storage.Backend
}

// NewFATEngine builds a FAT engine bound to a decoded superblock and the
// image's Storage backend.
func NewFATEngine(sb *Superblock, backend storage.Backend) *FATEngine {
	return &FATEngine{sb: sb, backend: backend}
}

// wordOffset returns the physical byte offset of 32-bit word entryIndex of
// absolute cluster absCluster, stepping over each page's spare area.
func (f *FATEngine) wordOffset(absCluster uint32, entryIndex uint32) int64 {
	byteInCluster := int64(entryIndex) * 4
	pageSize := int64(f.sb.PageSize)
	return f.sb.AbsoluteClusterOffset(absCluster) +
		(byteInCluster/pageSize)*f.sb.PhysicalPageSize() + byteInCluster%pageSize
}

func (f *FATEngine) readWord(absCluster uint32, entryIndex uint32) (uint32, error) {
	offset := f.wordOffset(absCluster, entryIndex)
	buf := make([]byte, 4)
	if err := f.backend.ReadAt(offset, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (f *FATEngine) writeWord(absCluster uint32, entryIndex uint32, value uint32) error {
	offset := f.wordOffset(absCluster, entryIndex)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return f.backend.WriteAt(offset, buf)
}

// locate resolves a relative cluster index to the absolute FAT-table cluster
// and entry offset that holds its FAT entry, per spec §3's two-level
// indirect lookup.
func (f *FATEngine) locate(c uint32) (fatClusterAbs uint32, fatOffset uint32, err error) {
	k := f.sb.WordsPerCluster()
	if k == 0 {
		return 0, 0, root.NewDriverErrorWithMessage(syscall.EIO, "cluster capacity too small to hold FAT entries")
	}

	fatOffset = c % k
	indirectIndex := c / k
	indirectOffset := indirectIndex % k
	dblIndirectIndex := indirectIndex / k

	if int(dblIndirectIndex) >= len(f.sb.IndirectFATClusters) {
		return 0, 0, root.NewDriverErrorWithMessage(syscall.EFAULT,
			fmt.Sprintf("cluster %d requires double-indirect index %d, out of range", c, dblIndirectIndex))
	}

	indirectClusterAbs := f.sb.IndirectFATClusters[dblIndirectIndex]
	fatClusterAbs, err = f.readWord(indirectClusterAbs, indirectOffset)
	return
}

func (f *FATEngine) readEntry(c uint32) (fatEntry, error) {
	fatClusterAbs, fatOffset, err := f.locate(c)
	if err != nil {
		return fatEntry{}, err
	}
	raw, err := f.readWord(fatClusterAbs, fatOffset)
	if err != nil {
		return fatEntry{}, err
	}
	return decodeFATEntry(raw), nil
}

func (f *FATEngine) writeEntry(c uint32, e fatEntry) error {
	fatClusterAbs, fatOffset, err := f.locate(c)
	if err != nil {
		return err
	}
	return f.writeWord(fatClusterAbs, fatOffset, encodeFATEntry(e))
}

// Seek advances count hops along the chain starting at chainHead and returns
// the cluster reached. It returns (0, false) if a terminator or unoccupied
// entry is encountered before count hops are consumed, per spec §4.3.
func (f *FATEngine) Seek(chainHead uint32, count uint32) (uint32, bool) {
	cur := chainHead
	for i := uint32(0); i < count; i++ {
		e, err := f.readEntry(cur)
		if err != nil || !e.Occupied || e.Next == ClusterInvalid {
			return 0, false
		}
		cur = uint32(e.Next)
	}
	return cur, true
}

// FindFreeCluster scans LastAllocatable entries beginning at start, wrapping
// modulo LastAllocatable, and returns the first free one, per spec §4.3.
// LastAllocatable is treated as an exclusive upper bound in relative cluster
// index space, per the Open Question resolved in spec §9.
func (f *FATEngine) FindFreeCluster(start uint32) (uint32, bool) {
	n := f.sb.LastAllocatable
	if n == 0 {
		return 0, false
	}
	start %= n
	for i := uint32(0); i < n; i++ {
		c := (start + i) % n
		e, err := f.readEntry(c)
		if err == nil && !e.Occupied {
			return c, true
		}
	}
	return 0, false
}

// TailFrom returns the relative cluster indices that Truncate(head, keep)
// would free: the clusters at position keep and beyond in the chain rooted
// at head. Callers that cache cluster contents (e.g. the directory engine's
// pagecache.Cache) use this to invalidate exactly the clusters a truncate is
// about to free, before calling Truncate.
func (f *FATEngine) TailFrom(head uint32, keep uint32) []uint32 {
	var tail []uint32
	cur, ok := f.Seek(head, keep)
	if !ok {
		return nil
	}
	for {
		e, err := f.readEntry(cur)
		if err != nil || !e.Occupied {
			break
		}
		tail = append(tail, cur)
		if e.Next == ClusterInvalid {
			break
		}
		cur = uint32(e.Next)
	}
	return tail
}

// freeTailFrom frees cluster c and every cluster that follows it in the
// chain, stopping at the first unoccupied entry or terminator (inclusive).
func (f *FATEngine) freeTailFrom(c ClusterIndex) {
	for c != ClusterInvalid {
		cur := uint32(c)
		e, err := f.readEntry(cur)
		if err != nil {
			return
		}
		_ = f.writeEntry(cur, fatEntry{Occupied: false, Next: 0})
		if !e.Occupied {
			return
		}
		c = e.Next
	}
}

// Truncate resizes the chain starting at head to targetLen clusters, per
// spec §4.3. targetLen == 0 frees the entire chain and returns (0, false).
// Precondition: head is an occupied cluster.
func (f *FATEngine) Truncate(head uint32, targetLen uint32) (uint32, bool) {
	if targetLen == 0 {
		f.freeTailFrom(ClusterIndex(head))
		return 0, false
	}

	cur := head
	length := uint32(1)
	for length < targetLen {
		e, err := f.readEntry(cur)
		if err != nil || !e.Occupied {
			return 0, false
		}
		if e.Next == ClusterInvalid {
			break
		}
		cur = uint32(e.Next)
		length++
	}

	if length >= targetLen {
		e, err := f.readEntry(cur)
		if err != nil {
			return 0, false
		}
		oldNext := e.Next
		if e.Next != ClusterInvalid {
			if err := f.writeEntry(cur, fatEntry{Occupied: true, Next: ClusterInvalid}); err != nil {
				return 0, false
			}
		}
		f.freeTailFrom(oldNext)
		return cur, true
	}

	// length < targetLen: extend the chain.
	originalLength := length
	for length < targetLen {
		free, ok := f.FindFreeCluster(0)
		if !ok {
			f.Truncate(head, originalLength)
			return 0, false
		}
		if err := f.writeEntry(cur, fatEntry{Occupied: true, Next: ClusterIndex(free)}); err != nil {
			f.Truncate(head, originalLength)
			return 0, false
		}
		if err := f.writeEntry(free, fatEntry{Occupied: true, Next: ClusterInvalid}); err != nil {
			f.Truncate(head, originalLength)
			return 0, false
		}
		cur = free
		length++
	}
	return cur, true
}

// Allocate finds a free cluster, marks it as a single-cluster chain, then
// grows it to len clusters via Truncate. On failure the seed cluster is
// restored to free, per spec §4.3.
func (f *FATEngine) Allocate(length uint32) (uint32, bool) {
	if length == 0 {
		return 0, false
	}

	free, ok := f.FindFreeCluster(0)
	if !ok {
		return 0, false
	}
	if err := f.writeEntry(free, fatEntry{Occupied: true, Next: ClusterInvalid}); err != nil {
		return 0, false
	}

	if _, ok := f.Truncate(free, length); !ok {
		_ = f.writeEntry(free, fatEntry{Occupied: false, Next: 0})
		return 0, false
	}
	return free, true
}

// CountOccupied walks the whole FAT table and counts occupied clusters; it
// exists for tests exercising the invariants in spec §8 and is not on the
// hot path of any VFS operation.
func (f *FATEngine) CountOccupied() uint32 {
	var count uint32
	for c := uint32(0); c < f.sb.LastAllocatable; c++ {
		e, err := f.readEntry(c)
		if err == nil && e.Occupied {
			count++
		}
	}
	return count
}

package vmc

import (
	"strings"
	"time"

	vmcerrors "github.com/ps2dev/vmcfs/errors"
	"github.com/ps2dev/vmcfs/pagecache"
)

// DirHandle identifies a directory by the relative cluster holding its own
// data, the directory's current child count, and where the dirent
// describing it is stored (so a caller can persist a Length change without
// re-deriving the back-pointer). For the root directory, ParentChain/
// ParentIndex point at the root's own `.` entry (spec §3: "the root
// directory ... has its `.` entry pointing to itself").
type DirHandle struct {
	Chain       uint32
	Length      uint32
	ParentChain uint32
	ParentIndex uint32
}

// BrowseResult is the outcome of a successful path resolution: the resolved
// entry, the directory that contains it, and its index there, per spec
// §4.5 "browse".
type BrowseResult struct {
	Dirent Dirent
	Parent DirHandle
	Index  uint32
}

// DirectoryEngine implements path resolution, listing, and mutation of the
// directory tree: browse/ls/add_child/mkdir/create/write/unlink/rmdir/
// rename/utime, per spec §4.5.
type DirectoryEngine struct {
	sb     *Superblock
	fat    *FATEngine
	pageio *PageIO
	cache  *pagecache.Cache
}

// NewDirectoryEngine builds a directory engine over the given superblock,
// FAT engine and page I/O engine. It keeps a small write-through cache of
// whole directory clusters (spec SPEC_FULL.md §4.4) to avoid re-fetching
// the same cluster repeatedly while ls/browse cross dirents_per_cluster
// boundaries.
func NewDirectoryEngine(sb *Superblock, fat *FATEngine, pageio *PageIO) *DirectoryEngine {
	e := &DirectoryEngine{sb: sb, fat: fat, pageio: pageio}
	clusterLen := int(sb.BytesPerCluster())
	e.cache = pagecache.New(16, clusterLen,
		func(key int64, buf []byte) error {
			return pageio.ReadCluster(uint32(key), 0, buf)
		},
		func(key int64, buf []byte) error {
			return pageio.WriteCluster(uint32(key), 0, buf)
		},
	)
	return e
}

// entryAt reads the dirent at global index within the chain rooted at
// chain, crossing cluster boundaries at each dirents_per_cluster boundary
// via FATEngine.Seek, per spec §4.5.
func (e *DirectoryEngine) entryAt(chain uint32, index uint32) (*Dirent, error) {
	dpc := uint32(e.sb.direntsPerCluster())
	clusterHop := index / dpc
	within := index % dpc

	relCluster, ok := e.fat.Seek(chain, clusterHop)
	if !ok {
		return nil, vmcerrors.ErrIOOutOfRange.WithMessage("dirent index past end of chain")
	}
	absCluster := relCluster + e.sb.FirstAllocatable

	buf := make([]byte, DirentSize)
	if err := e.readCluster(absCluster, int64(within)*DirentSize, buf); err != nil {
		return nil, err
	}
	return DecodeDirent(buf)
}

func (e *DirectoryEngine) writeEntryAt(chain uint32, index uint32, d *Dirent) error {
	dpc := uint32(e.sb.direntsPerCluster())
	clusterHop := index / dpc
	within := index % dpc

	relCluster, ok := e.fat.Seek(chain, clusterHop)
	if !ok {
		return vmcerrors.ErrIOOutOfRange.WithMessage("dirent index past end of chain")
	}
	absCluster := relCluster + e.sb.FirstAllocatable

	buf, err := EncodeDirent(d)
	if err != nil {
		return err
	}
	return e.writeCluster(absCluster, int64(within)*DirentSize, buf)
}

func (e *DirectoryEngine) readCluster(absCluster uint32, offsetInCluster int64, out []byte) error {
	full := make([]byte, e.sb.BytesPerCluster())
	if err := e.cache.Read(int64(absCluster), full); err != nil {
		return err
	}
	copy(out, full[offsetInCluster:offsetInCluster+int64(len(out))])
	return nil
}

func (e *DirectoryEngine) writeCluster(absCluster uint32, offsetInCluster int64, in []byte) error {
	full := make([]byte, e.sb.BytesPerCluster())
	if err := e.cache.Read(int64(absCluster), full); err != nil {
		return err
	}
	copy(full[offsetInCluster:offsetInCluster+int64(len(in))], in)
	return e.cache.Write(int64(absCluster), full)
}

// invalidateTail evicts the cache entries for every cluster that
// Truncate(head, keep) is about to free, so a later allocation of one of
// those clusters never sees the stale pre-free bytes that writeCluster's
// read-modify-write would otherwise serve it.
func (e *DirectoryEngine) invalidateTail(head uint32, keep uint32) {
	for _, rel := range e.fat.TailFrom(head, keep) {
		e.cache.Invalidate(int64(rel + e.sb.FirstAllocatable))
	}
}

// backpointer returns the (parentChain, parentIndex) pair recorded in
// chain's own `.` entry -- the back-reference described in spec §9, not a
// cached ancestry stack. The root directory is defined to be its own
// back-pointer target.
func (e *DirectoryEngine) backpointer(chain uint32) (uint32, uint32, error) {
	if chain == e.sb.RootCluster {
		return e.sb.RootCluster, 0, nil
	}
	dot, err := e.entryAt(chain, 0)
	if err != nil {
		return 0, 0, err
	}
	return dot.Cluster, dot.DirEntry, nil
}

// updateStoredDirent reads the dirent stored at (chain, index), applies
// mutate, and writes it back. It is how the engine persists a directory's
// updated Length into its parent's array (or, for the root, into the
// root's own `.` entry) without needing a full ancestry stack in memory.
func (e *DirectoryEngine) updateStoredDirent(chain uint32, index uint32, mutate func(*Dirent)) error {
	d, err := e.entryAt(chain, index)
	if err != nil {
		return err
	}
	mutate(d)
	return e.writeEntryAt(chain, index, d)
}

// RootHandle returns a DirHandle for the root directory.
func (e *DirectoryEngine) RootHandle() (DirHandle, error) {
	dot, err := e.entryAt(e.sb.RootCluster, 0)
	if err != nil {
		return DirHandle{}, err
	}
	return DirHandle{
		Chain:       e.sb.RootCluster,
		Length:      dot.Length,
		ParentChain: e.sb.RootCluster,
		ParentIndex: 0,
	}, nil
}

func splitPath(path string) []string {
	return strings.Split(path, "/")
}

func (e *DirectoryEngine) scanForName(chain uint32, length uint32, name string) (*Dirent, uint32, bool, error) {
	for i := uint32(0); i < length; i++ {
		d, err := e.entryAt(chain, i)
		if err != nil {
			return nil, 0, false, err
		}
		if !d.Exists() {
			continue
		}
		if d.Name == name {
			return d, i, true, nil
		}
	}
	return nil, 0, false, nil
}

// Browse resolves an absolute POSIX-style path to a BrowseResult, per spec
// §4.5. It walks iteratively rather than recursively, per the design note
// in spec §9.
func (e *DirectoryEngine) Browse(path string) (*BrowseResult, error) {
	if path == "" {
		return nil, vmcerrors.ErrInvalidArgument
	}

	root, err := e.RootHandle()
	if err != nil {
		return nil, err
	}

	curDirent := Dirent{Mode: ModeDir | ModeExists, Length: root.Length, Cluster: root.Chain}
	curIndex := root.ParentIndex
	containerChain := root.ParentChain

	for _, seg := range splitPath(path) {
		switch seg {
		case "", ".":
			continue
		case "..":
			if curDirent.Cluster == root.Chain {
				continue
			}
			parentChain, _, err := e.backpointer(curDirent.Cluster)
			if err != nil {
				return nil, err
			}
			grandparentChain, parentIndexInGP, err := e.backpointer(parentChain)
			if err != nil {
				return nil, err
			}

			var parentDirent *Dirent
			if parentChain == root.Chain {
				parentDirent = &Dirent{Mode: ModeDir | ModeExists, Length: root.Length, Cluster: root.Chain}
			} else {
				parentDirent, err = e.entryAt(grandparentChain, parentIndexInGP)
				if err != nil {
					return nil, err
				}
			}

			curDirent = *parentDirent
			curIndex = parentIndexInGP
			containerChain = grandparentChain
		default:
			if len(seg) > maxNameLength {
				return nil, vmcerrors.ErrNameTooLong
			}
			if !curDirent.IsDir() {
				return nil, vmcerrors.ErrNotADirectory
			}
			found, idx, ok, err := e.scanForName(curDirent.Cluster, curDirent.Length, seg)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, vmcerrors.ErrNotFound
			}
			containerChain = curDirent.Cluster
			curDirent = *found
			curIndex = idx
		}
	}

	parentChain, parentIndex, err := e.backpointer(containerChain)
	if err != nil {
		return nil, err
	}
	containerRecord, err := e.entryAt(parentChain, parentIndex)
	if err != nil {
		return nil, err
	}

	return &BrowseResult{
		Dirent: curDirent,
		Parent: DirHandle{
			Chain:       containerChain,
			Length:      containerRecord.Length,
			ParentChain: parentChain,
			ParentIndex: parentIndex,
		},
		Index: curIndex,
	}, nil
}

// Ls invokes cb once per extant ("EXISTS"-flagged) child of parent, per
// spec §4.5.
func (e *DirectoryEngine) Ls(parent DirHandle, cb func(*Dirent) error) error {
	for i := uint32(0); i < parent.Length; i++ {
		d, err := e.entryAt(parent.Chain, i)
		if err != nil {
			return err
		}
		if !d.Exists() {
			continue
		}
		if err := cb(d); err != nil {
			return err
		}
	}
	return nil
}

// AddChild appends newEntry to parent's directory data, growing the chain
// if needed, and persists the new Length, per spec §4.5.
func (e *DirectoryEngine) AddChild(parent DirHandle, newEntry *Dirent) (uint32, DirHandle, error) {
	dpc := uint32(e.sb.direntsPerCluster())
	newLen := parent.Length + 1
	newClusters := (newLen + dpc - 1) / dpc

	if _, ok := e.fat.Truncate(parent.Chain, newClusters); !ok {
		return 0, parent, vmcerrors.ErrNoSpaceOnDevice
	}

	index := parent.Length
	if err := e.writeEntryAt(parent.Chain, index, newEntry); err != nil {
		return 0, parent, err
	}

	if err := e.updateStoredDirent(parent.ParentChain, parent.ParentIndex, func(d *Dirent) {
		d.Length = newLen
	}); err != nil {
		return 0, parent, err
	}

	parent.Length = newLen
	return index, parent, nil
}

// Mkdir creates a new subdirectory named name inside parent, per spec §4.5.
func (e *DirectoryEngine) Mkdir(parent DirHandle, name string, mode uint16, now time.Time) (*Dirent, DirHandle, error) {
	if name == "" || len(name) > maxNameLength {
		return nil, parent, vmcerrors.ErrInvalidArgument
	}
	if _, _, ok, err := e.scanForName(parent.Chain, parent.Length, name); err != nil {
		return nil, parent, err
	} else if ok {
		return nil, parent, vmcerrors.ErrExists
	}

	dpc := uint32(e.sb.direntsPerCluster())
	initialClusters := (2 + dpc - 1) / dpc

	head, ok := e.fat.Allocate(initialClusters)
	if !ok {
		return nil, parent, vmcerrors.ErrNoSpaceOnDevice
	}

	dt := DateTimeFromTime(now)
	newEntry := &Dirent{
		Mode:         mode | ModeDir | ModeExists,
		Length:       2,
		Creation:     dt,
		Modification: dt,
		Cluster:      head,
		Name:         name,
	}

	_, updatedParent, err := e.AddChild(parent, newEntry)
	if err != nil {
		e.fat.Truncate(head, 0)
		return nil, parent, err
	}

	dotEntry := &Dirent{
		Mode: newEntry.Mode, Creation: dt, Modification: dt,
		Cluster: parent.Chain, DirEntry: updatedParent.Length - 1, Name: ".",
	}
	dotdotEntry := &Dirent{
		Mode: newEntry.Mode, Creation: dt, Modification: dt,
		Cluster: parent.ParentChain, DirEntry: parent.ParentIndex, Name: "..",
	}
	if err := e.writeEntryAt(head, 0, dotEntry); err != nil {
		return nil, parent, err
	}
	if err := e.writeEntryAt(head, 1, dotdotEntry); err != nil {
		return nil, parent, err
	}

	return newEntry, updatedParent, nil
}

// Create makes a new, empty regular file named name inside parent, per
// spec §4.5.
func (e *DirectoryEngine) Create(parent DirHandle, name string, mode uint16, now time.Time) (*Dirent, DirHandle, error) {
	if name == "" || len(name) > maxNameLength {
		return nil, parent, vmcerrors.ErrInvalidArgument
	}
	if _, _, ok, err := e.scanForName(parent.Chain, parent.Length, name); err != nil {
		return nil, parent, err
	} else if ok {
		return nil, parent, vmcerrors.ErrExists
	}

	dt := DateTimeFromTime(now)
	newEntry := &Dirent{
		Mode:         mode | ModeFile | ModeExists,
		Creation:     dt,
		Modification: dt,
		Cluster:      emptyFileCluster,
		Name:         name,
	}

	_, updatedParent, err := e.AddChild(parent, newEntry)
	return newEntry, updatedParent, err
}

// WriteFile writes buf into the file described by br at the given logical
// offset, growing the file (and allocating its first cluster if it was
// empty) as needed, per spec §4.5.
func (e *DirectoryEngine) WriteFile(br *BrowseResult, buf []byte, offset int64) (int, error) {
	size := len(buf)
	endPos := offset + int64(size)

	if endPos > int64(br.Dirent.Length) {
		if br.Dirent.IsEmptyFile() {
			head, ok := e.fat.Allocate(1)
			if !ok {
				return 0, vmcerrors.ErrNoSpaceOnDevice
			}
			br.Dirent.Cluster = head
		}

		newClusters := uint32((endPos + e.sb.BytesPerCluster() - 1) / e.sb.BytesPerCluster())
		if _, ok := e.fat.Truncate(br.Dirent.Cluster, newClusters); !ok {
			return 0, vmcerrors.ErrNoSpaceOnDevice
		}

		br.Dirent.Length = uint32(endPos)
		if err := e.writeEntryAt(br.Parent.Chain, br.Index, &br.Dirent); err != nil {
			return 0, err
		}
	}

	return e.pageio.RWBytes(br.Dirent.Cluster, offset, size, nil, buf)
}

// Unlink removes the entry at parent[index], shifting every later sibling
// down by one slot and fixing up the `.` back-pointer of any sibling that
// is itself a directory, per spec §4.5. Rmdir is the same operation at the
// directory level; the VFS boundary is expected to have unlinked all
// children first.
func (e *DirectoryEngine) Unlink(entry *Dirent, parent DirHandle, index uint32) (DirHandle, error) {
	if !entry.IsEmptyFile() {
		e.invalidateTail(entry.Cluster, 0)
		e.fat.Truncate(entry.Cluster, 0)
	}

	for i := index; i+1 < parent.Length; i++ {
		next, err := e.entryAt(parent.Chain, i+1)
		if err != nil {
			return parent, err
		}
		if err := e.writeEntryAt(parent.Chain, i, next); err != nil {
			return parent, err
		}
		if next.IsDir() {
			if err := e.updateStoredDirent(next.Cluster, 0, func(d *Dirent) {
				d.DirEntry = i
			}); err != nil {
				return parent, err
			}
		}
	}

	newLen := parent.Length - 1
	dpc := uint32(e.sb.direntsPerCluster())
	newClusters := (newLen + dpc - 1) / dpc
	if newClusters == 0 {
		newClusters = 1
	}
	e.invalidateTail(parent.Chain, newClusters)
	e.fat.Truncate(parent.Chain, newClusters)

	if err := e.updateStoredDirent(parent.ParentChain, parent.ParentIndex, func(d *Dirent) {
		d.Length = newLen
	}); err != nil {
		return parent, err
	}

	parent.Length = newLen
	return parent, nil
}

// Rmdir is Unlink at the directory level.
func (e *DirectoryEngine) Rmdir(directory *Dirent, parent DirHandle, index uint32) (DirHandle, error) {
	return e.Unlink(directory, parent, index)
}

// Utime updates br's modification timestamp and persists it. Creation is
// preserved, per the Open Question resolved in spec §9.
func (e *DirectoryEngine) Utime(br *BrowseResult, modification time.Time) error {
	br.Dirent.Modification = DateTimeFromTime(modification)
	return e.writeEntryAt(br.Parent.Chain, br.Index, &br.Dirent)
}

// EntryAt exposes the raw indexed dirent read for callers (the VFS
// boundary's Rename) that need to read an arbitrary slot directly.
func (e *DirectoryEngine) EntryAt(chain uint32, index uint32) (*Dirent, error) {
	return e.entryAt(chain, index)
}

// WriteEntryAt exposes the raw indexed dirent write for the same callers.
func (e *DirectoryEngine) WriteEntryAt(chain uint32, index uint32, d *Dirent) error {
	return e.writeEntryAt(chain, index, d)
}

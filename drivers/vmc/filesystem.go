package vmc

import (
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	root "github.com/ps2dev/vmcfs"
	vmcerrors "github.com/ps2dev/vmcfs/errors"
	"github.com/ps2dev/vmcfs/storage"
)

// RenameNoReplace and RenameExchange mirror Linux's renameat2(2) flags,
// reused here rather than redefined since the VFS boundary's rename already
// speaks the same vocabulary (spec §4.5).
const (
	RenameNoReplace = unix.RENAME_NOREPLACE
	RenameExchange  = unix.RENAME_EXCHANGE
)

// Stat is what GetAttr fills in, per spec §4.7/§6.
type Stat struct {
	Mode  uint32
	Size  int64
	Mtime time.Time
	Ctime time.Time
}

// FileSystem implements the VFS boundary described in spec §4.7 over a
// single opened VMC image. Every exported method takes the single coarse
// lock described in spec §5 before touching engine state.
type FileSystem struct {
	mu      sync.Mutex
	sb      *Superblock
	backend storage.Backend
	fat     *FATEngine
	pageio  *PageIO
	dir     *DirectoryEngine

	pageSpareAreaSize int
	eccBytesPerPage   int
}

// Init decodes the superblock at the start of backend, validates the
// image's total size against it, and builds the runtime engines, per spec
// §4.7 "init".
func Init(backend storage.Backend) (*FileSystem, error) {
	raw := make([]byte, SuperblockSize)
	if err := backend.ReadAt(0, raw); err != nil {
		return nil, err
	}
	sb, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	spare, eccBytes, err := ValidateImageSize(sb, backend.Size())
	if err != nil {
		return nil, err
	}

	fat := NewFATEngine(sb, backend)
	pageio := NewPageIO(sb, backend, fat, eccBytes)
	dir := NewDirectoryEngine(sb, fat, pageio)

	return &FileSystem{
		sb:                sb,
		backend:           backend,
		fat:               fat,
		pageio:            pageio,
		dir:               dir,
		pageSpareAreaSize: spare,
		eccBytesPerPage:   eccBytes,
	}, nil
}

// errnoOf unwraps err looking for a vmcerrors.DiskoError or a root.DriverError
// and returns the negative errno spec §7 maps it to. Anything else is
// reported as -EIO.
func errnoOf(err error) int {
	if err == nil {
		return 0
	}
	for e := err; e != nil; {
		if de, ok := e.(vmcerrors.DiskoError); ok {
			return -int(de.Errno())
		}
		if de, ok := e.(*root.DriverError); ok {
			return -int(de.ErrnoCode)
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return -int(syscall.EIO)
}

func splitParent(path string) (string, string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "/", path
	}
	parent := path[:idx]
	if parent == "" {
		parent = "/"
	}
	return parent, path[idx+1:]
}

func statOf(d *Dirent) Stat {
	mode := root.ReplicateRWX(d.Mode)
	if d.IsDir() {
		mode |= root.S_IFDIR
	} else {
		mode |= root.S_IFREG
	}
	return Stat{
		Mode:  mode,
		Size:  int64(d.Length),
		Mtime: d.Modification.ToTime(),
		Ctime: d.Creation.ToTime(),
	}
}

// GetAttr resolves path and reports its mode (with S_IFDIR/S_IFREG and rwx
// replicated), size, mtime and ctime, per spec §4.7/§9 (creation maps to
// ctime, modification maps to mtime).
func (fs *FileSystem) GetAttr(path string) (Stat, int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	br, err := fs.dir.Browse(path)
	if err != nil {
		return Stat{}, errnoOf(err)
	}
	return statOf(&br.Dirent), 0
}

// ReadDir invokes fill once per extant child of path, per spec §4.7.
func (fs *FileSystem) ReadDir(path string, fill func(name string, mode uint32) error) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	br, err := fs.dir.Browse(path)
	if err != nil {
		return errnoOf(err)
	}
	if !br.Dirent.IsDir() {
		return -int(syscall.ENOTDIR)
	}

	handle := DirHandle{Chain: br.Dirent.Cluster, Length: br.Dirent.Length, ParentChain: br.Parent.Chain, ParentIndex: br.Index}
	err = fs.dir.Ls(handle, func(d *Dirent) error {
		return fill(d.Name, statOf(d).Mode)
	})
	if err != nil {
		return errnoOf(err)
	}
	return 0
}

// Open resolves path and reports success/failure; the core keeps no open-
// file state, per spec §4.7.
func (fs *FileSystem) Open(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	_, err := fs.dir.Browse(path)
	if err != nil {
		return errnoOf(err)
	}
	return 0
}

// Read returns up to size bytes of path's data starting at offset,
// truncated at EOF, per spec §4.7.
func (fs *FileSystem) Read(path string, size int, offset int64) ([]byte, int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	br, err := fs.dir.Browse(path)
	if err != nil {
		return nil, errnoOf(err)
	}
	if br.Dirent.IsDir() {
		return nil, -int(syscall.EISDIR)
	}
	if offset >= int64(br.Dirent.Length) || br.Dirent.IsEmptyFile() {
		return []byte{}, 0
	}

	remaining := int64(br.Dirent.Length) - offset
	if int64(size) > remaining {
		size = int(remaining)
	}

	buf := make([]byte, size)
	n, err := fs.pageio.RWBytes(br.Dirent.Cluster, offset, size, buf, nil)
	if err != nil {
		return nil, errnoOf(err)
	}
	return buf[:n], 0
}

// Write writes data to path at offset, growing the file as needed, per spec
// §4.7.
func (fs *FileSystem) Write(path string, data []byte, offset int64) (int, int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	br, err := fs.dir.Browse(path)
	if err != nil {
		return 0, errnoOf(err)
	}
	if br.Dirent.IsDir() {
		return 0, -int(syscall.EISDIR)
	}

	n, err := fs.dir.WriteFile(br, data, offset)
	if err != nil {
		return n, errnoOf(err)
	}
	return n, 0
}

// Mkdir creates a directory at path, per spec §4.7. mode's low three bits
// are replicated across owner/group/other by the caller's stat view, but
// stored as a single rwx triple on disk.
func (fs *FileSystem) Mkdir(path string, mode uint16) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentPath, name := splitParent(path)
	parentBR, err := fs.dir.Browse(parentPath)
	if err != nil {
		return errnoOf(err)
	}
	if !parentBR.Dirent.IsDir() {
		return -int(syscall.ENOTDIR)
	}

	parent := fs.parentHandleOf(parentBR)
	_, _, err = fs.dir.Mkdir(parent, name, mode, time.Now())
	if err != nil {
		return errnoOf(err)
	}
	return 0
}

// Create creates an empty file at path, per spec §4.7.
func (fs *FileSystem) Create(path string, mode uint16) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parentPath, name := splitParent(path)
	parentBR, err := fs.dir.Browse(parentPath)
	if err != nil {
		return errnoOf(err)
	}
	if !parentBR.Dirent.IsDir() {
		return -int(syscall.ENOTDIR)
	}

	parent := fs.parentHandleOf(parentBR)
	_, _, err = fs.dir.Create(parent, name, mode, time.Now())
	if err != nil {
		return errnoOf(err)
	}
	return 0
}

// Unlink removes the file at path, per spec §4.7.
func (fs *FileSystem) Unlink(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	br, err := fs.dir.Browse(path)
	if err != nil {
		return errnoOf(err)
	}
	if br.Dirent.IsDir() {
		return -int(syscall.EISDIR)
	}
	if _, err := fs.dir.Unlink(&br.Dirent, br.Parent, br.Index); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Rmdir removes the empty directory at path, per spec §4.7.
func (fs *FileSystem) Rmdir(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	br, err := fs.dir.Browse(path)
	if err != nil {
		return errnoOf(err)
	}
	if !br.Dirent.IsDir() {
		return -int(syscall.ENOTDIR)
	}
	if br.Dirent.Length > 2 {
		return -int(syscall.ENOTEMPTY)
	}
	if _, err := fs.dir.Rmdir(&br.Dirent, br.Parent, br.Index); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Rename moves or swaps the entries at from and to, per spec §4.7/§9.
// Cross-directory endpoints are supported; both parents are re-read after
// any intermediate Create call, per the resolved Open Question.
func (fs *FileSystem) Rename(from, to string, flags int) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	noReplace := flags&RenameNoReplace != 0
	exchange := flags&RenameExchange != 0

	origin, err := fs.dir.Browse(from)
	if err != nil {
		return errnoOf(err)
	}

	dest, destErr := fs.dir.Browse(to)
	destExists := destErr == nil
	destPreexisted := destExists

	if exchange && !destExists {
		return -int(syscall.EINVAL)
	}
	if destExists && noReplace {
		return -int(syscall.EEXIST)
	}
	if destExists && !exchange {
		if dest.Dirent.IsDir() != origin.Dirent.IsDir() {
			if dest.Dirent.IsDir() {
				return -int(syscall.EISDIR)
			}
			return -int(syscall.ENOTDIR)
		}
		if dest.Dirent.IsDir() && dest.Dirent.Length > 2 {
			return -int(syscall.ENOTEMPTY)
		}
	}

	if !destExists {
		destParentPath, destName := splitParent(to)
		destParentBR, err := fs.dir.Browse(destParentPath)
		if err != nil {
			return errnoOf(err)
		}
		if !destParentBR.Dirent.IsDir() {
			return -int(syscall.ENOTDIR)
		}

		placeholder := &Dirent{
			Mode: origin.Dirent.Mode, Length: origin.Dirent.Length,
			Creation: origin.Dirent.Creation, Modification: origin.Dirent.Modification,
			Cluster: origin.Dirent.Cluster, Attributes: origin.Dirent.Attributes,
			Name: destName,
		}
		if _, _, err := fs.dir.AddChild(fs.parentHandleOf(destParentBR), placeholder); err != nil {
			return errnoOf(err)
		}

		// Re-read both endpoints: adding a sibling to the destination's
		// parent may have grown its chain and shifted cluster layout.
		origin, err = fs.dir.Browse(from)
		if err != nil {
			return errnoOf(err)
		}
		dest, err = fs.dir.Browse(to)
		if err != nil {
			return errnoOf(err)
		}
	}

	originDirent := origin.Dirent
	destDirent := dest.Dirent

	repoint := func(d *Dirent, chain, index uint32) error {
		if !d.IsDir() {
			return nil
		}
		return fs.dir.updateStoredDirent(d.Cluster, 0, func(dot *Dirent) { dot.Cluster, dot.DirEntry = chain, index })
	}

	if exchange {
		// Swap each slot's content but keep each slot's own Name — the
		// directory entry a path resolves through never moves, only what
		// it points at does.
		intoDest := originDirent
		intoDest.Name = destDirent.Name
		intoOrigin := destDirent
		intoOrigin.Name = originDirent.Name
		if err := fs.dir.WriteEntryAt(dest.Parent.Chain, dest.Index, &intoDest); err != nil {
			return errnoOf(err)
		}
		if err := fs.dir.WriteEntryAt(origin.Parent.Chain, origin.Index, &intoOrigin); err != nil {
			return errnoOf(err)
		}
		if err := repoint(&intoDest, dest.Parent.Chain, dest.Index); err != nil {
			return errnoOf(err)
		}
		if err := repoint(&intoOrigin, origin.Parent.Chain, origin.Index); err != nil {
			return errnoOf(err)
		}
		return 0
	}

	// If the destination already existed, its old data chain is being
	// replaced and must be freed before the slot is overwritten.
	if destPreexisted && !destDirent.IsEmptyFile() {
		fs.fat.Truncate(destDirent.Cluster, 0)
	}

	// Move origin's record onto the destination slot, keeping the slot's
	// own Name (origin's Name belongs to the slot being removed, not the
	// one being overwritten).
	moved := originDirent
	moved.Name = destDirent.Name
	if err := fs.dir.WriteEntryAt(dest.Parent.Chain, dest.Index, &moved); err != nil {
		return errnoOf(err)
	}
	if err := repoint(&moved, dest.Parent.Chain, dest.Index); err != nil {
		return errnoOf(err)
	}
	removed := origin.Dirent
	removed.Cluster = emptyFileCluster
	if _, err := fs.dir.Unlink(&removed, origin.Parent, origin.Index); err != nil {
		return errnoOf(err)
	}
	return 0
}

// Utimens updates path's modification time, preserving creation, per spec
// §4.7/§9.
func (fs *FileSystem) Utimens(path string, mtime time.Time) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	br, err := fs.dir.Browse(path)
	if err != nil {
		return errnoOf(err)
	}
	if err := fs.dir.Utime(br, mtime); err != nil {
		return errnoOf(err)
	}
	return 0
}

// parentHandleOf builds the DirHandle for the directory resolved in br,
// suitable for passing to AddChild/Mkdir/Create.
func (fs *FileSystem) parentHandleOf(br *BrowseResult) DirHandle {
	return DirHandle{
		Chain:       br.Dirent.Cluster,
		Length:      br.Dirent.Length,
		ParentChain: br.Parent.Chain,
		ParentIndex: br.Index,
	}
}

// Package storage provides the seekable byte-addressable backing store the
// VMC engine reads and writes pages through: an in-memory buffer for
// non-durable "snapshot" mounts, and a file-backed handle for durable ones.
package storage

import (
	"fmt"
	"io"
	"os"

	"github.com/xaionaro-go/bytesextra"

	vmcerrors "github.com/ps2dev/vmcfs/errors"
)

// Backend is a seekable random-access byte store with page-granular,
// bounds-checked read/write. Neither implementation is required to flush on
// every mutation; the file-backed implementation commits on Close.
type Backend interface {
	io.Closer
	Size() int64
	ReadAt(offset int64, buf []byte) error
	WriteAt(offset int64, data []byte) error
}

func checkBounds(size int64, offset int64, length int) error {
	if offset < 0 || length < 0 {
		return vmcerrors.ErrIOOutOfRange.WithMessage(
			fmt.Sprintf("negative offset or length (offset=%d, length=%d)", offset, length))
	}
	if offset+int64(length) > size {
		return vmcerrors.ErrIOOutOfRange.WithMessage(
			fmt.Sprintf("access [%d, %d) out of range [0, %d)", offset, offset+int64(length), size))
	}
	return nil
}

// MemoryBackend wraps a byte slice as an io.ReadWriteSeeker via
// bytesextra.NewReadWriteSeeker, giving the fast, non-durable mount path a
// seekable stream without ever touching a file.
type MemoryBackend struct {
	buf    []byte
	stream io.ReadWriteSeeker
}

// NewMemoryBackend wraps buf directly; writes through the backend mutate buf
// in place.
func NewMemoryBackend(buf []byte) *MemoryBackend {
	return &MemoryBackend{
		buf:    buf,
		stream: bytesextra.NewReadWriteSeeker(buf),
	}
}

func (m *MemoryBackend) Size() int64 { return int64(len(m.buf)) }

func (m *MemoryBackend) ReadAt(offset int64, buf []byte) error {
	if err := checkBounds(m.Size(), offset, len(buf)); err != nil {
		return err
	}
	if _, err := m.stream.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(m.stream, buf)
	return err
}

func (m *MemoryBackend) WriteAt(offset int64, data []byte) error {
	if err := checkBounds(m.Size(), offset, len(data)); err != nil {
		return err
	}
	if _, err := m.stream.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err := m.stream.Write(data)
	return err
}

// Close is a no-op: a memory backend has nothing to flush.
func (m *MemoryBackend) Close() error { return nil }

// Bytes returns the underlying slice. It is only meaningful for callers that
// know they constructed a MemoryBackend, e.g. to snapshot a freshly
// formatted image for a test fixture.
func (m *MemoryBackend) Bytes() []byte { return m.buf }

// FileBackend wraps an *os.File for the durable mount path. Writes go
// straight through to the OS; Close calls Sync first so the image is
// committed before the process exits, per spec §4.2.
type FileBackend struct {
	file *os.File
	size int64
}

// NewFileBackend wraps an already-opened file. The caller is responsible for
// opening it with the access mode it needs (O_RDWR for a mountable image).
func NewFileBackend(f *os.File) (*FileBackend, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &FileBackend{file: f, size: info.Size()}, nil
}

func (f *FileBackend) Size() int64 { return f.size }

func (f *FileBackend) ReadAt(offset int64, buf []byte) error {
	if err := checkBounds(f.size, offset, len(buf)); err != nil {
		return err
	}
	_, err := f.file.ReadAt(buf, offset)
	return err
}

func (f *FileBackend) WriteAt(offset int64, data []byte) error {
	if err := checkBounds(f.size, offset, len(data)); err != nil {
		return err
	}
	_, err := f.file.WriteAt(data, offset)
	return err
}

// Close flushes pending writes to disk and closes the underlying file.
func (f *FileBackend) Close() error {
	if err := f.file.Sync(); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

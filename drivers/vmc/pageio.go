package vmc

import (
	"fmt"
	"log"
	"syscall"

	root "github.com/ps2dev/vmcfs"
	"github.com/ps2dev/vmcfs/ecc"
	"github.com/ps2dev/vmcfs/storage"
)

// ECCDiagnostic describes a page whose stored ECC did not match its data on
// read. It is informational only: per spec §4.1/§4.4, a mismatch is reported
// but never fails the read or attempts correction.
type ECCDiagnostic struct {
	PhysicalPageOffset int64
	MismatchQuarter    int
}

// DiagnosticSink receives ECC mismatch events. A PageIO built by NewPageIO
// logs them; a nil Diagnostics drops them; callers that want structured
// handling can set their own sink.
type DiagnosticSink func(ECCDiagnostic)

func logDiagnostic(d ECCDiagnostic) {
	log.Printf("vmc: ECC mismatch at physical page offset %d, quarter %d", d.PhysicalPageOffset, d.MismatchQuarter)
}

// PageIO translates logical chain positions into physical byte offsets and
// performs bounded, ECC-aware read/write across a cluster chain, per spec
// §4.4.
type PageIO struct {
	sb              *Superblock
	backend         storage.Backend
	fat             *FATEngine
	eccBytesPerPage int
	Diagnostics     DiagnosticSink
}

// NewPageIO builds a page I/O engine. eccBytesPerPage must be 0 or 12, per
// the per-image runtime metadata described in spec §3.
func NewPageIO(sb *Superblock, backend storage.Backend, fat *FATEngine, eccBytesPerPage int) *PageIO {
	return &PageIO{
		sb:              sb,
		backend:         backend,
		fat:             fat,
		eccBytesPerPage: eccBytesPerPage,
		Diagnostics:     logDiagnostic,
	}
}

// LogicalToPhysical converts a (chainHead, logicalOffset) position into a
// physical byte offset in the image, per spec §4.4.
func (p *PageIO) LogicalToPhysical(chainHead uint32, logicalOffset int64) (int64, error) {
	kc := p.sb.BytesPerCluster()
	ks := p.sb.PhysicalClusterSize()
	pc := int64(p.sb.PageSize)
	ps := p.sb.PhysicalPageSize()

	clusterHops := logicalOffset / kc
	offsetInCluster := logicalOffset % kc

	relCluster, ok := p.fat.Seek(chainHead, uint32(clusterHops))
	if !ok {
		return 0, root.NewDriverErrorWithMessage(syscall.EFAULT,
			fmt.Sprintf("logical offset %d is past the end of the chain rooted at %d", logicalOffset, chainHead))
	}
	absCluster := relCluster + p.sb.FirstAllocatable

	physical := int64(absCluster)*ks + (offsetInCluster/pc)*ps + (offsetInCluster % pc)
	return physical, nil
}

// RWBytes copies at most size logical bytes at offset within the chain
// rooted at head. Exactly one of readBuf/writeBuf must be non-nil; it
// returns the number of bytes actually transferred, which is less than size
// if the chain terminates early, per spec §4.4.
func (p *PageIO) RWBytes(head uint32, offset int64, size int, readBuf, writeBuf []byte) (int, error) {
	pc := int64(p.sb.PageSize)
	done := 0
	pos := offset

	for done < size {
		offsetInPage := pos % pc
		chunk := size - done
		if room := pc - offsetInPage; int64(chunk) > room {
			chunk = int(room)
		}

		physical, err := p.LogicalToPhysical(head, pos)
		if err != nil {
			// Chain terminator reached before size bytes were transferred.
			return done, nil
		}
		pageStart := physical - offsetInPage

		if writeBuf != nil {
			if err := p.writePageChunk(pageStart, offsetInPage, writeBuf[done:done+chunk]); err != nil {
				return done, err
			}
		} else {
			if err := p.readPageChunk(pageStart, offsetInPage, readBuf[done:done+chunk]); err != nil {
				return done, err
			}
		}

		pos += int64(chunk)
		done += chunk
	}
	return done, nil
}

// ReadCluster fills out (up to one cluster long) with the data starting at
// offsetInCluster within absolute cluster absCluster, honoring page
// boundaries and ECC without following any FAT chain. It is used by callers
// that already know the physical cluster they want, such as the directory
// engine's cluster cache.
func (p *PageIO) ReadCluster(absCluster uint32, offsetInCluster int64, out []byte) error {
	return p.rwCluster(absCluster, offsetInCluster, out, nil)
}

// WriteCluster is the write counterpart of ReadCluster.
func (p *PageIO) WriteCluster(absCluster uint32, offsetInCluster int64, in []byte) error {
	return p.rwCluster(absCluster, offsetInCluster, nil, in)
}

func (p *PageIO) rwCluster(absCluster uint32, offsetInCluster int64, readBuf, writeBuf []byte) error {
	pc := int64(p.sb.PageSize)
	ps := p.sb.PhysicalPageSize()
	clusterBase := p.sb.AbsoluteClusterOffset(absCluster)

	size := len(readBuf)
	if writeBuf != nil {
		size = len(writeBuf)
	}

	pos := offsetInCluster
	done := 0
	for done < size {
		offsetInPage := pos % pc
		chunk := size - done
		if room := pc - offsetInPage; int64(chunk) > room {
			chunk = int(room)
		}

		pageIndexInCluster := pos / pc
		pageStart := clusterBase + pageIndexInCluster*ps

		if writeBuf != nil {
			if err := p.writePageChunk(pageStart, offsetInPage, writeBuf[done:done+chunk]); err != nil {
				return err
			}
		} else {
			if err := p.readPageChunk(pageStart, offsetInPage, readBuf[done:done+chunk]); err != nil {
				return err
			}
		}

		pos += int64(chunk)
		done += chunk
	}
	return nil
}

func (p *PageIO) readPageChunk(pageStart, offsetInPage int64, out []byte) error {
	if p.eccBytesPerPage != 12 {
		return p.backend.ReadAt(pageStart+offsetInPage, out)
	}

	pageData := make([]byte, p.sb.PageSize)
	if err := p.backend.ReadAt(pageStart, pageData); err != nil {
		return err
	}
	spare := make([]byte, 16)
	if err := p.backend.ReadAt(pageStart+int64(p.sb.PageSize), spare); err != nil {
		return err
	}

	if q, err := ecc.MismatchQuarter(pageData, spare); err == nil && q >= 0 && p.Diagnostics != nil {
		p.Diagnostics(ECCDiagnostic{PhysicalPageOffset: pageStart, MismatchQuarter: q})
	}

	copy(out, pageData[offsetInPage:offsetInPage+int64(len(out))])
	return nil
}

func (p *PageIO) writePageChunk(pageStart, offsetInPage int64, in []byte) error {
	if p.eccBytesPerPage != 12 {
		return p.backend.WriteAt(pageStart+offsetInPage, in)
	}

	pageData := make([]byte, p.sb.PageSize)
	if err := p.backend.ReadAt(pageStart, pageData); err != nil {
		return err
	}
	copy(pageData[offsetInPage:offsetInPage+int64(len(in))], in)

	if err := p.backend.WriteAt(pageStart, pageData); err != nil {
		return err
	}

	spare, err := ecc.EncodePage(pageData)
	if err != nil {
		return err
	}
	return p.backend.WriteAt(pageStart+int64(p.sb.PageSize), spare[:12])
}

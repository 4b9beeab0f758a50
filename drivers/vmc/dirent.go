package vmc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"syscall"
	"time"

	root "github.com/ps2dev/vmcfs"
)

// Directory-entry mode bits, per spec §3/§6.
const (
	ModeRead         = 0x0001
	ModeWrite        = 0x0002
	ModeExec         = 0x0004
	ModeProtected    = 0x0008
	ModeFile         = 0x0010
	ModeDir          = 0x0020
	ModeCreatedFlag  = 0x0400
	ModeHidden       = 0x2000
	ModeExists       = 0x8000
)

// DirentSize is the on-disk size of one directory entry.
const DirentSize = 1024

// maxNameLength is the longest name a dirent can hold, per spec §1 Non-goal (f).
const maxNameLength = 32

// DateTime is the on-disk timestamp format: a 1-byte-unused second/minute/
// hour/day/month octet sequence plus a 16-bit year, stored in UTC.
type DateTime struct {
	Second, Minute, Hour, Day, Month uint8
	Year                             uint16
}

// ToTime converts a DateTime to a UTC time.Time.
func (d DateTime) ToTime() time.Time {
	if d.Year == 0 && d.Month == 0 && d.Day == 0 {
		return time.Time{}
	}
	return time.Date(int(d.Year), time.Month(d.Month), int(d.Day), int(d.Hour), int(d.Minute), int(d.Second), 0, time.UTC)
}

// DateTimeFromTime converts a time.Time (converted to UTC) to a DateTime.
func DateTimeFromTime(t time.Time) DateTime {
	u := t.UTC()
	return DateTime{
		Second: uint8(u.Second()),
		Minute: uint8(u.Minute()),
		Hour:   uint8(u.Hour()),
		Day:    uint8(u.Day()),
		Month:  uint8(u.Month()),
		Year:   uint16(u.Year()),
	}
}

func decodeDateTime(b []byte) DateTime {
	// b[0] is the unused byte.
	return DateTime{
		Second: b[1],
		Minute: b[2],
		Hour:   b[3],
		Day:    b[4],
		Month:  b[5],
		Year:   binary.LittleEndian.Uint16(b[6:8]),
	}
}

func encodeDateTime(dt DateTime, out []byte) {
	out[0] = 0
	out[1] = dt.Second
	out[2] = dt.Minute
	out[3] = dt.Hour
	out[4] = dt.Day
	out[5] = dt.Month
	binary.LittleEndian.PutUint16(out[6:8], dt.Year)
}

// Dirent is the decoded form of a 1024-byte directory entry. Only the
// fields the core uses (the first ~96 bytes on disk) are modeled, per
// spec §3.
type Dirent struct {
	Mode         uint16
	Length       uint32
	Creation     DateTime
	Modification DateTime
	Cluster      uint32
	DirEntry     uint32
	Attributes   uint32
	Name         string
}

// emptyFileCluster is the on-disk encoding of ClusterInvalid in a Dirent's
// 32-bit Cluster field (-1's two's-complement bit pattern). Spelled as a
// bitwise NOT rather than a direct numeric conversion of ClusterInvalid,
// since Go rejects converting a negative constant to an unsigned type.
const emptyFileCluster uint32 = ^uint32(0)

func (d *Dirent) IsDir() bool    { return d.Mode&ModeDir != 0 }
func (d *Dirent) IsFile() bool   { return d.Mode&ModeFile != 0 }
func (d *Dirent) Exists() bool   { return d.Mode&ModeExists != 0 }
func (d *Dirent) IsEmptyFile() bool {
	return d.Cluster == emptyFileCluster
}

// EncodeDirent serializes a Dirent into a DirentSize-byte buffer.
func EncodeDirent(d *Dirent) ([]byte, error) {
	if len(d.Name) > maxNameLength {
		return nil, root.NewDriverErrorWithMessage(syscall.ENAMETOOLONG,
			fmt.Sprintf("name %q exceeds %d bytes", d.Name, maxNameLength))
	}

	buf := make([]byte, DirentSize)
	binary.LittleEndian.PutUint16(buf[0:2], d.Mode)
	binary.LittleEndian.PutUint32(buf[4:8], d.Length)
	encodeDateTime(d.Creation, buf[8:16])
	encodeDateTime(d.Modification, buf[16:24])
	binary.LittleEndian.PutUint32(buf[24:28], d.Cluster)
	binary.LittleEndian.PutUint32(buf[28:32], d.DirEntry)
	binary.LittleEndian.PutUint32(buf[32:36], d.Attributes)
	copy(buf[64:64+maxNameLength], d.Name)
	return buf, nil
}

// DecodeDirent parses a DirentSize-byte (or larger) buffer into a Dirent.
func DecodeDirent(data []byte) (*Dirent, error) {
	if len(data) < 96 {
		return nil, root.NewDriverErrorWithMessage(syscall.EIO,
			fmt.Sprintf("dirent buffer too small: need at least 96 bytes, got %d", len(data)))
	}

	d := &Dirent{
		Mode:         binary.LittleEndian.Uint16(data[0:2]),
		Length:       binary.LittleEndian.Uint32(data[4:8]),
		Creation:     decodeDateTime(data[8:16]),
		Modification: decodeDateTime(data[16:24]),
		Cluster:      binary.LittleEndian.Uint32(data[24:28]),
		DirEntry:     binary.LittleEndian.Uint32(data[28:32]),
		Attributes:   binary.LittleEndian.Uint32(data[32:36]),
	}

	nameBytes := data[64 : 64+maxNameLength]
	nul := bytes.IndexByte(nameBytes, 0)
	if nul < 0 {
		nul = len(nameBytes)
	}
	d.Name = string(nameBytes[:nul])
	return d, nil
}

// direntsPerCluster returns how many 1024-byte entries fit in one cluster.
func (sb *Superblock) direntsPerCluster() int {
	return int(sb.BytesPerCluster() / DirentSize)
}

package fixtures

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
)

// byteRun is a single run of one repeated byte value, grouped the way the
// `uniq` command line utility would.
type byteRun struct {
	value byte
	count int
}

var invalidRun = byteRun{}

// runGrouper turns a byte stream into a sequence of byteRuns.
type runGrouper struct {
	rd io.ByteScanner
}

func newRunGrouper(rd io.Reader) runGrouper {
	return runGrouper{rd: bufio.NewReader(rd)}
}

// next returns the next run in the stream. Its error behaves like
// io.Reader.Read: a non-zero count carries a nil or io.EOF error; a zero
// count always carries a non-nil error.
func (g runGrouper) next() (byteRun, error) {
	first, err := g.rd.ReadByte()
	if err != nil {
		return invalidRun, err
	}

	count := 1
	for ; count < math.MaxInt; count++ {
		next, err := g.rd.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return byteRun{value: first, count: count}, io.EOF
			}
			return invalidRun, err
		}
		if next != first {
			g.rd.UnreadByte()
			return byteRun{value: first, count: count}, nil
		}
	}
	return byteRun{value: first, count: count}, nil
}

// compressRLE8 writes input to output RLE8-encoded: a run of length >= 2 is
// written as value, value, (runLength-2) clamped to a single byte, chaining
// additional triples for runs longer than 257 bytes.
func compressRLE8(input io.Reader, output io.Writer) (int64, error) {
	grouper := newRunGrouper(input)
	var written int64

	for {
		run, runErr := grouper.next()
		if runErr != nil && !errors.Is(runErr, io.EOF) {
			return written, runErr
		}

		for run.count >= 2 {
			repeat := run.count - 2
			if run.count > 257 {
				repeat = 255
			}
			n, err := output.Write([]byte{run.value, run.value, byte(repeat)})
			if err != nil {
				return written, err
			}
			written += int64(n)
			run.count -= repeat + 2
		}

		if run.count == 1 {
			n, err := output.Write([]byte{run.value})
			if err != nil {
				return written, err
			}
			written += int64(n)
		}

		if runErr != nil {
			return written, nil
		}
	}
}

// decompressRLE8 is the inverse of compressRLE8.
func decompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	lastByte := -1
	var written int64

	for {
		current, err := source.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, fmt.Errorf("fixtures: reading RLE8 stream: %w", err)
		}

		var chunk []byte
		if int(current) == lastByte {
			repeat, err := source.ReadByte()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("%w: missing repeat count after two %#02x bytes", io.ErrUnexpectedEOF, lastByte)
				}
				return written, fmt.Errorf("fixtures: decoding RLE8 stream: %w", err)
			}
			chunk = bytes.Repeat([]byte{current}, int(repeat)+1)
			lastByte = -1
		} else {
			lastByte = int(current)
			chunk = []byte{current}
		}

		n, err := output.Write(chunk)
		if err != nil {
			return written, fmt.Errorf("fixtures: writing decoded RLE8 stream: %w", err)
		}
		written += int64(n)
	}
}

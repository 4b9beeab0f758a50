// Package fixtures provides the RLE8-and-gzip codec (Compress/Load) for
// packing VMC images into byte slices that _test.go files can embed without
// bloating the repository, adapted from the teacher's
// utilities/compression + testing.LoadDiskImage pair. The package holds no
// images itself.
package fixtures

import (
	"bytes"
	"compress/gzip"
	"fmt"
)

// Compress RLE8-encodes then gzips raw, for generating the byte slices
// fixture tests embed. It is not used at runtime by any non-test code; it
// exists so a maintainer regenerating a fixture can call it from a short
// throwaway program.
func Compress(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	gz, err := gzip.NewWriterLevel(&out, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("fixtures: creating gzip writer: %w", err)
	}

	if _, err := compressRLE8(bytes.NewReader(raw), gz); err != nil {
		gz.Close()
		return nil, fmt.Errorf("fixtures: RLE8 encoding: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("fixtures: flushing gzip writer: %w", err)
	}
	return out.Bytes(), nil
}

// Load decompresses a fixture produced by Compress back into raw image
// bytes, checking it comes out to exactly wantSize bytes.
func Load(packed []byte, wantSize int) ([]byte, error) {
	if len(packed) == 0 {
		return nil, fmt.Errorf("fixtures: compressed fixture is empty")
	}

	gz, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("fixtures: creating gzip reader: %w", err)
	}
	defer gz.Close()

	var out bytes.Buffer
	if _, err := decompressRLE8(gz, &out); err != nil {
		return nil, fmt.Errorf("fixtures: RLE8 decoding: %w", err)
	}

	if out.Len() != wantSize {
		return nil, fmt.Errorf("fixtures: decompressed fixture is %d bytes, want %d", out.Len(), wantSize)
	}
	return out.Bytes(), nil
}

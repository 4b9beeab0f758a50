// Package ecc implements the Hamming-style error-correcting code the PS2
// memory card format stores in each page's spare area: 3 bytes of ECC per
// 128-byte chunk of page data.
package ecc

import "fmt"

// ChunkSize is the number of data bytes a single ECC record protects.
const ChunkSize = 128

// CodeSize is the number of ECC bytes produced for one ChunkSize chunk.
const CodeSize = 3

// PageSize is the data portion of a page that EncodePage/VerifyPage operate
// on: 4 independent 128-byte chunks.
const PageSize = 512

// SpareSize is the size of a page's spare area: 12 ECC bytes (3 per quarter)
// plus 4 bytes of padding.
const SpareSize = 16

var columnParityMasks = [6]byte{0x55, 0x33, 0x0F, 0x00, 0xAA, 0xCC}

// columnParityMask returns the XOR of the parities of six overlapping bit
// selections of b. Bit 3 of the result is always 0.
func columnParityMask(b byte) byte {
	var mask byte
	for i, m := range columnParityMasks {
		if bitParity(b&m) != 0 {
			mask |= 1 << uint(i)
		}
	}
	// The seventh mask, 0xF0, folds into bit 6.
	if bitParity(b&0xF0) != 0 {
		mask |= 1 << 6
	}
	return mask
}

func bitParity(b byte) byte {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b & 1
}

// EncodeChunk computes the 3-byte ECC for a 128-byte data chunk.
//
// len(data) must be exactly ChunkSize.
func EncodeChunk(data []byte) ([CodeSize]byte, error) {
	var code [CodeSize]byte
	if len(data) != ChunkSize {
		return code, fmt.Errorf("ecc: chunk must be %d bytes, got %d", ChunkSize, len(data))
	}

	column := byte(0x77)
	line0 := byte(0x7F)
	line1 := byte(0x7F)

	for i := 0; i < ChunkSize; i++ {
		column ^= columnParityMask(data[i])
		if bitParity(data[i]) != 0 {
			line0 ^= byte(^i) & 0x7F
			line1 ^= byte(i)
		}
	}
	line0 &= 0x7F

	code[0] = column
	code[1] = line0
	code[2] = line1
	return code, nil
}

// VerifyChunk recomputes the ECC for data and reports whether it matches the
// ECC bytes given in code. A mismatch is not an error in itself: per spec
// §4.1, correction is not attempted, the caller decides what to do with a
// failed verification.
func VerifyChunk(data []byte, code [CodeSize]byte) (bool, error) {
	computed, err := EncodeChunk(data)
	if err != nil {
		return false, err
	}
	return computed == code, nil
}

// EncodePage computes the ECC for all 4 independent 128-byte quarters of a
// 512-byte page and returns the page's whole 16-byte spare area: the 4
// codes concatenated in its first 12 bytes, then 4 bytes of 0xFF padding.
func EncodePage(data []byte) ([SpareSize]byte, error) {
	var spare [SpareSize]byte
	if len(data) != PageSize {
		return spare, fmt.Errorf("ecc: page must be %d bytes, got %d", PageSize, len(data))
	}

	for q := 0; q < 4; q++ {
		code, err := EncodeChunk(data[q*ChunkSize : (q+1)*ChunkSize])
		if err != nil {
			return spare, err
		}
		copy(spare[q*CodeSize:], code[:])
	}
	// The last 4 bytes of the spare area are unused padding.
	spare[12], spare[13], spare[14], spare[15] = 0xFF, 0xFF, 0xFF, 0xFF
	return spare, nil
}

// MismatchQuarter identifies which of the 4 quarters (0-3) failed to verify,
// or -1 if every quarter matches. It never returns an error from a bad ECC
// byte pattern; a mismatch is a diagnostic condition, not a fault.
func MismatchQuarter(data []byte, spare []byte) (int, error) {
	if len(data) != PageSize {
		return -1, fmt.Errorf("ecc: page must be %d bytes, got %d", PageSize, len(data))
	}
	if len(spare) < CodeSize*4 {
		return -1, fmt.Errorf("ecc: spare area must be at least %d bytes, got %d", CodeSize*4, len(spare))
	}

	for q := 0; q < 4; q++ {
		var code [CodeSize]byte
		copy(code[:], spare[q*CodeSize:(q+1)*CodeSize])

		ok, err := VerifyChunk(data[q*ChunkSize:(q+1)*ChunkSize], code)
		if err != nil {
			return -1, err
		}
		if !ok {
			return q, nil
		}
	}
	return -1, nil
}

// VerifyPage reports whether every quarter of a 512-byte page matches its
// stored ECC.
func VerifyPage(data []byte, spare []byte) (bool, error) {
	q, err := MismatchQuarter(data, spare)
	if err != nil {
		return false, err
	}
	return q == -1, nil
}

package ecc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeVerifyChunk_RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0x5A}, ChunkSize)
	code, err := EncodeChunk(data)
	require.NoError(t, err)

	ok, err := VerifyChunk(data, code)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyChunk_DetectsCorruption(t *testing.T) {
	data := bytes.Repeat([]byte{0x5A}, ChunkSize)
	code, err := EncodeChunk(data)
	require.NoError(t, err)

	corrupted := append([]byte(nil), data...)
	corrupted[10] ^= 0x01

	ok, err := VerifyChunk(corrupted, code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncodeChunk_RejectsWrongLength(t *testing.T) {
	_, err := EncodeChunk(make([]byte, ChunkSize-1))
	assert.Error(t, err)
}

func TestEncodePageVerifyPage_RoundTrip(t *testing.T) {
	data := make([]byte, PageSize)
	for i := range data {
		data[i] = byte(i)
	}
	spare, err := EncodePage(data)
	require.NoError(t, err)

	ok, err := VerifyPage(data, spare[:])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncodePage_RejectsWrongLength(t *testing.T) {
	_, err := EncodePage(make([]byte, PageSize-1))
	assert.Error(t, err)
}

func TestMismatchQuarter_IdentifiesCorruptedQuarter(t *testing.T) {
	data := make([]byte, PageSize)
	for i := range data {
		data[i] = byte(i * 7)
	}
	spare, err := EncodePage(data)
	require.NoError(t, err)

	corrupted := append([]byte(nil), data...)
	corrupted[2*ChunkSize+5] ^= 0x01

	q, err := MismatchQuarter(corrupted, spare[:])
	require.NoError(t, err)
	assert.Equal(t, 2, q)
}

func TestMismatchQuarter_ReturnsMinusOneWhenClean(t *testing.T) {
	data := bytes.Repeat([]byte{0x00}, PageSize)
	spare, err := EncodePage(data)
	require.NoError(t, err)

	q, err := MismatchQuarter(data, spare[:])
	require.NoError(t, err)
	assert.Equal(t, -1, q)
}

func TestMismatchQuarter_RejectsShortSpare(t *testing.T) {
	data := make([]byte, PageSize)
	_, err := MismatchQuarter(data, make([]byte, CodeSize*4-1))
	assert.Error(t, err)
}

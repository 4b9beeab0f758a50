package fixtures_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ps2dev/vmcfs/internal/fixtures"
)

func TestCompressLoad_RoundTrip(t *testing.T) {
	cases := map[string][]byte{
		"empty":           {},
		"single byte":     {0x42},
		"short run":       {0xAA, 0xAA, 0xAA},
		"long run":        make([]byte, 600),
		"alternating":     {0x01, 0x02, 0x01, 0x02, 0x01, 0x02},
		"mixed with runs": append(append([]byte{1, 2, 3}, make([]byte, 300)...), 9, 9, 9, 9),
	}

	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			packed, err := fixtures.Compress(raw)
			require.NoError(t, err)

			got, err := fixtures.Load(packed, len(raw))
			require.NoError(t, err)
			assert.Equal(t, raw, got)
		})
	}
}

func TestCompressLoad_RandomData(t *testing.T) {
	raw := make([]byte, 4096)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	packed, err := fixtures.Compress(raw)
	require.NoError(t, err)

	got, err := fixtures.Load(packed, len(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestLoad_WrongSizeIsError(t *testing.T) {
	packed, err := fixtures.Compress([]byte{1, 2, 3})
	require.NoError(t, err)

	_, err = fixtures.Load(packed, 99)
	assert.Error(t, err)
}

package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredefined_KnownSlugs(t *testing.T) {
	for _, slug := range []string{"ps2-8mb", "ps2-8mb-noecc", "ps2-16mb", "ps2-32mb", "ps2-64mb"} {
		g, err := Predefined(slug)
		require.NoError(t, err, "slug %q", slug)
		assert.Equal(t, slug, g.Slug)
		assert.Equal(t, uint16(512), g.PageSize)
		assert.Equal(t, uint16(2), g.PagesPerCluster)
		assert.Equal(t, uint16(16), g.PagesPerBlock)
	}
}

func TestPredefined_UnknownSlugIsError(t *testing.T) {
	_, err := Predefined("does-not-exist")
	assert.Error(t, err)
}

func TestDefault_IsTheECCCapable8MiBCard(t *testing.T) {
	g := Default()
	assert.Equal(t, DefaultSlug, g.Slug)
	assert.True(t, g.ECCCapable)
	assert.EqualValues(t, 8388608, g.TotalBytes)
}

func TestCardGeometry_BytesPerCluster(t *testing.T) {
	g, err := Predefined("ps2-8mb")
	require.NoError(t, err)
	assert.EqualValues(t, 1024, g.BytesPerCluster())
}

func TestCardGeometry_PhysicalPageSizeReflectsECC(t *testing.T) {
	withECC, err := Predefined("ps2-8mb")
	require.NoError(t, err)
	assert.EqualValues(t, 528, withECC.PhysicalPageSize())

	withoutECC, err := Predefined("ps2-8mb-noecc")
	require.NoError(t, err)
	assert.EqualValues(t, 512, withoutECC.PhysicalPageSize())
}

func TestCardGeometry_TotalClustersUsesPhysicalPageSize(t *testing.T) {
	g, err := Predefined("ps2-8mb")
	require.NoError(t, err)

	bytesPerPhysicalCluster := g.PhysicalPageSize() * int64(g.PagesPerCluster)
	want := g.TotalBytes / bytesPerPhysicalCluster
	assert.Equal(t, want, g.TotalClusters())
	assert.Greater(t, g.TotalClusters(), int64(0))
}

func TestCardGeometry_LargerCardsHaveMoreClusters(t *testing.T) {
	small, err := Predefined("ps2-8mb")
	require.NoError(t, err)
	big, err := Predefined("ps2-64mb")
	require.NoError(t, err)

	assert.Greater(t, big.TotalClusters(), small.TotalClusters())
}

// Package geometry is a small catalogue of known PS2 memory card capacities
// and page/cluster/block shapes, consumed by the mkfs front end so it can
// resolve a human name like "ps2-8mb" into the numbers a Superblock needs.
package geometry

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"
)

// CardGeometry is a named preset describing a memory card's physical layout.
// It is purely an mkfs-side convenience; none of it is persisted to the
// image directly, it's used to fill in a Superblock's geometry fields.
type CardGeometry struct {
	Name            string `csv:"name"`
	Slug            string `csv:"slug"`
	TotalBytes      int64  `csv:"total_bytes"`
	PageSize        uint16 `csv:"page_size"`
	PagesPerCluster uint16 `csv:"pages_per_cluster"`
	PagesPerBlock   uint16 `csv:"pages_per_block"`
	ECCCapable      bool   `csv:"ecc_capable"`
	Notes           string `csv:"notes"`
}

// BytesPerCluster returns the logical capacity of one cluster under this
// geometry.
func (g CardGeometry) BytesPerCluster() int64 {
	return int64(g.PageSize) * int64(g.PagesPerCluster)
}

// PhysicalPageSize returns the on-disk size of one page, including the
// 16-byte spare area if this geometry carries ECC.
func (g CardGeometry) PhysicalPageSize() int64 {
	if g.ECCCapable {
		return int64(g.PageSize) + 16
	}
	return int64(g.PageSize)
}

// TotalClusters returns how many clusters fit on a card of this geometry,
// given the physical (not logical) page size.
func (g CardGeometry) TotalClusters() int64 {
	bytesPerPhysicalCluster := g.PhysicalPageSize() * int64(g.PagesPerCluster)
	return g.TotalBytes / bytesPerPhysicalCluster
}

//go:embed card_geometries.csv
var cardGeometriesCSV string

var predefined map[string]CardGeometry

// DefaultSlug is the 8 MiB ECC-carrying geometry mkfs writes when given -e;
// without -e mkfs writes "ps2-8mb-noecc" instead.
const DefaultSlug = "ps2-8mb"

func init() {
	predefined = make(map[string]CardGeometry)
	reader := strings.NewReader(cardGeometriesCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row CardGeometry) error {
		if _, exists := predefined[row.Slug]; exists {
			return fmt.Errorf("duplicate card geometry slug %q", row.Slug)
		}
		predefined[row.Slug] = row
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("geometry: failed to parse embedded catalogue: %s", err))
	}
}

// Predefined looks up a named card geometry from the embedded catalogue.
func Predefined(slug string) (CardGeometry, error) {
	g, ok := predefined[slug]
	if !ok {
		return CardGeometry{}, fmt.Errorf("geometry: no predefined card geometry with slug %q", slug)
	}
	return g, nil
}

// Default returns the standard 8 MiB ECC-capable geometry.
func Default() CardGeometry {
	g, err := Predefined(DefaultSlug)
	if err != nil {
		panic(err)
	}
	return g
}

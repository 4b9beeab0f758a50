// Command mkfs-vmc writes a fresh, empty Sony PS2 memory-card image.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ps2dev/vmcfs/drivers/vmc"
	"github.com/ps2dev/vmcfs/geometry"
	"github.com/ps2dev/vmcfs/storage"
)

func main() {
	app := &cli.App{
		Name:  "mkfs-vmc",
		Usage: "create a Sony PlayStation 2 memory card image",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"o"},
				Required: true,
				Usage:    "path to the image file to create",
			},
			&cli.IntFlag{
				Name:    "size",
				Aliases: []string{"s"},
				Value:   8,
				Usage:   "image size in MiB; 8 is the only supported size",
			},
			&cli.BoolFlag{
				Name:    "ecc",
				Aliases: []string{"e"},
				Usage:   "give every page a 16-byte ECC spare area",
			},
		},
		Action: makeImage,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("mkfs-vmc: %s", err.Error())
	}
}

func makeImage(c *cli.Context) error {
	if c.Int("size") != 8 {
		return cli.Exit("only -s 8 (8 MiB) is supported", 1)
	}

	slug := "ps2-8mb-noecc"
	if c.Bool("ecc") {
		slug = geometry.DefaultSlug
	}
	geo, err := geometry.Predefined(slug)
	if err != nil {
		return err
	}

	sb, err := vmc.NewSuperblock(vmc.FormatOptions{
		PageSize:        geo.PageSize,
		PagesPerCluster: geo.PagesPerCluster,
		PagesPerBlock:   geo.PagesPerBlock,
		ClustersPerCard: uint32(geo.TotalClusters()),
		ECC:             geo.ECCCapable,
	})
	if err != nil {
		return fmt.Errorf("computing layout for %q: %w", geo.Name, err)
	}

	f, err := os.Create(c.String("output"))
	if err != nil {
		return err
	}
	defer f.Close()

	imageSize := int64(sb.ClustersPerCard) * sb.PhysicalClusterSize()
	if err := f.Truncate(imageSize); err != nil {
		return err
	}

	backend, err := storage.NewFileBackend(f)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := vmc.Format(backend, sb); err != nil {
		return fmt.Errorf("formatting %s: %w", c.String("output"), err)
	}

	fmt.Printf("wrote %s: %s, %d bytes\n", c.String("output"), geo.Name, imageSize)
	return nil
}

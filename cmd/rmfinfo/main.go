// rmfinfo displays information about RMF raster files.
//
// Usage:
//
//	rmfinfo [-v|--verbose] [-a|--all-metadata] [-s|--strict] <filename> [<filename> ...]
//
// Use '-' as filename to read from stdin:
//
//	cat map.rsw | rmfinfo -
//
// Options:
//
//	-v, --verbose       Print the tile index
//	-a, --all-metadata  Print every header field and the full colour table
//	-s, --strict        Strict mode: decode every tile and report failures
//	-h, -?, --help      Print help message
//	    --version       Print version information
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mrjoshuak/go-rmf/rmf"
)

const version = "1.0.0"

var (
	verbose  bool
	allMeta  bool
	strict   bool
	showHelp bool
	showVer  bool
)

func init() {
	flag.BoolVar(&verbose, "v", false, "verbose mode")
	flag.BoolVar(&verbose, "verbose", false, "verbose mode")
	flag.BoolVar(&allMeta, "a", false, "print all metadata")
	flag.BoolVar(&allMeta, "all-metadata", false, "print all metadata")
	flag.BoolVar(&strict, "s", false, "strict mode")
	flag.BoolVar(&strict, "strict", false, "strict mode")
	flag.BoolVar(&showHelp, "h", false, "print help message")
	flag.BoolVar(&showHelp, "help", false, "print help message")
	flag.BoolVar(&showHelp, "?", false, "print help message")
	flag.BoolVar(&showVer, "version", false, "print version information")
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-v|--verbose] [-a|--all-metadata] [-s|--strict] <filename> [<filename> ...]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Read RMF files (RSW, MTW) and print their header and tile layout\n\n")
	fmt.Fprintf(os.Stderr, "Use '-' as filename to read from stdin.\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprintf(os.Stderr, "  -s, --strict        strict mode\n")
	fmt.Fprintf(os.Stderr, "  -a, --all-metadata  print all metadata\n")
	fmt.Fprintf(os.Stderr, "  -v, --verbose       verbose mode\n")
	fmt.Fprintf(os.Stderr, "  -h, -?, --help      print this message\n")
	fmt.Fprintf(os.Stderr, "      --version       print version information\n")
	fmt.Fprintf(os.Stderr, "\nReport bugs via https://github.com/mrjoshuak/go-rmf/issues\n")
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if showHelp {
		usage()
		os.Exit(0)
	}

	if showVer {
		fmt.Printf("rmfinfo (go-rmf) %s\n", version)
		fmt.Println("Pure Go implementation")
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	failCount := 0
	for i, filename := range args {
		if i > 0 {
			fmt.Println()
		}
		if err := processFile(filename); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR '%s': %v\n", filename, err)
			failCount++
		}
	}

	os.Exit(failCount)
}

// countingHandler counts warnings on their way to the wrapped handler.
type countingHandler struct {
	slog.Handler
	warnings *int
}

func (h countingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		*h.warnings++
	}
	return h.Handler.Handle(ctx, r)
}

func processFile(filename string) error {
	var reader io.ReaderAt
	var size int64
	var displayName string

	if filename == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		reader = bytes.NewReader(data)
		size = int64(len(data))
		displayName = "<stdin>"
	} else {
		f, err := os.Open(filename)
		if err != nil {
			return err
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return err
		}
		reader = f
		size = fi.Size()
		displayName = filename
	}

	warnings := 0
	logger := slog.New(countingHandler{
		Handler:  slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
		warnings: &warnings,
	})
	ds, err := rmf.OpenStorage(reader, rmf.OpenOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer ds.Close()

	var validationErrors []string
	if strict {
		validationErrors = validateFile(ds, size)
		if warnings > 0 {
			validationErrors = append(validationErrors, fmt.Sprintf("%d tile(s) failed to decode", warnings))
		}
	}

	printFileInfo(displayName, ds, size)

	if strict && len(validationErrors) > 0 {
		fmt.Println("\nValidation errors:")
		for _, e := range validationErrors {
			fmt.Printf("  - %s\n", e)
		}
		return fmt.Errorf("%d validation error(s)", len(validationErrors))
	}

	return nil
}

// validateFile checks every tile index entry against the file and decodes
// every tile.
func validateFile(ds *rmf.Dataset, size int64) []string {
	var errs []string
	h := ds.Header()
	idx := ds.TileIndex()
	tilesX, tilesY := ds.TileCount()

	if idx.Len() < tilesX*tilesY {
		errs = append(errs, fmt.Sprintf("tile index has %d entries for %d tiles", idx.Len(), tilesX*tilesY))
	}
	for i := 0; i < idx.Len(); i++ {
		e, _ := idx.At(i)
		if e.Offset == 0 {
			continue
		}
		if end := h.FileOffset(e.Offset) + int64(e.Size); end > size {
			errs = append(errs, fmt.Sprintf("tile %d ends at %d, past the end of the file (%d)", i, end, size))
		}
	}
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			if _, err := ds.ReadTile(tx, ty); err != nil {
				errs = append(errs, fmt.Sprintf("tile (%d, %d): %v", tx, ty, err))
			}
		}
	}
	return errs
}

func printFileInfo(filename string, ds *rmf.Dataset, size int64) {
	h := ds.Header()

	fmt.Printf("File: %s\n", filename)
	kind := "raster image"
	if ds.Kind() == rmf.KindMatrix {
		kind = "elevation matrix"
	}
	fmt.Printf("  Type: %s (%s, %s)\n", ds.Kind(), kind, h.ByteOrder())
	versionInfo := ""
	if h.IsHuge() {
		versionInfo = " (offsets in 256-byte units)"
	}
	fmt.Printf("  Version: %#x%s\n", h.Version, versionInfo)
	if name := h.NameString(); name != "" {
		fmt.Printf("  Name: %s\n", name)
	}

	band, _ := ds.Band(1)
	fmt.Printf("  Size: %d x %d, %d band(s) of %s, %d bits per pixel\n",
		ds.Width(), ds.Height(), ds.NumBands(), band.DataType(), h.BitDepth)

	tw, th := ds.TileSize()
	tilesX, tilesY := ds.TileCount()
	fmt.Printf("  Tile size: %d x %d  [%d x %d tiles, last %d x %d]\n",
		tw, th, tilesX, tilesY, h.LastTileWidth, h.LastTileHeight)
	fmt.Printf("  Compression: %s\n", ds.Compression())

	idx := ds.TileIndex()
	fmt.Printf("  Tiles written: %d of %d\n", idx.Written(), tilesX*tilesY)

	if gt, ok := ds.GeoTransform(); ok {
		fmt.Printf("  Origin: (%.6f, %.6f)\n", gt[0], gt[3])
		fmt.Printf("  Pixel size: %g\n", gt[1])
	}
	if h.EPSG > 0 {
		fmt.Printf("  EPSG: %d\n", h.EPSG)
	}
	if ext := ds.ExtHeader(); ext.Ellipsoid != 0 {
		if e, ok := rmf.LookupEllipsoid(ext.Ellipsoid); ok {
			fmt.Printf("  Ellipsoid: %s (EPSG %d)\n", e.Name, e.EPSG)
		} else {
			fmt.Printf("  Ellipsoid: code %d\n", ext.Ellipsoid)
		}
		if ext.Zone != 0 {
			fmt.Printf("  Zone: %d\n", ext.Zone)
		}
	}

	if ds.Kind() == rmf.KindMatrix {
		lo, hi := ds.ElevationRange()
		fmt.Printf("  Elevation: %g .. %g %s\n", lo, hi, ds.UnitType())
		if nd, ok := ds.NoData(); ok {
			fmt.Printf("  No data: %g\n", nd)
		}
	}

	ct := ds.ColorTable()
	if len(ct) > 0 {
		fmt.Printf("  Colour table: %d entries\n", len(ct))
		if allMeta {
			printColorTable(ct)
		}
	}

	if allMeta {
		fmt.Printf("  File size: %d bytes\n", size)
		fmt.Printf("  Map type: %d, projection: %d\n", h.MapType, h.Projection)
		fmt.Printf("  Scale: %g, resolution: %g\n", h.Scale, h.Resolution)
		if h.StdP1 != 0 || h.StdP2 != 0 {
			fmt.Printf("  Standard parallels: %g, %g\n", h.StdP1, h.StdP2)
		}
		if h.CenterLong != 0 || h.CenterLat != 0 {
			fmt.Printf("  Centre: %g, %g\n", h.CenterLong, h.CenterLat)
		}
		if h.JPEGQuality != 0 {
			fmt.Printf("  JPEG quality: %d\n", h.JPEGQuality)
		}
		fmt.Printf("  Extended header: offset %d, %d bytes\n", h.FileOffset(h.ExtHeaderOffset), h.ExtHeaderSize)
		fmt.Printf("  Tile index: offset %d, %d bytes\n", h.FileOffset(h.TileIndexOffset), h.TileIndexSize)
		if h.ROIOffset != 0 {
			fmt.Printf("  ROI: offset %d, %d bytes\n", h.FileOffset(h.ROIOffset), h.ROISize)
		}
		if h.FlagsTableOffset != 0 {
			fmt.Printf("  Flags table: offset %d, %d bytes\n", h.FileOffset(h.FlagsTableOffset), h.FlagsTableSize)
		}
	}

	if verbose {
		fmt.Printf("  Tile index:\n")
		for i := 0; i < idx.Len(); i++ {
			e, _ := idx.At(i)
			if e.Offset == 0 {
				fmt.Printf("    [%d] (%d, %d): empty\n", i, i%tilesX, i/tilesX)
				continue
			}
			fmt.Printf("    [%d] (%d, %d): offset %d, %d bytes\n",
				i, i%tilesX, i/tilesX, h.FileOffset(e.Offset), e.Size)
		}
	}
}

func printColorTable(ct rmf.ColorTable) {
	const maxShow = 8
	show := func(i int) {
		fmt.Printf("    [%d]: %s\n", i, ct.Hex(i))
	}
	if len(ct) <= maxShow*2 {
		for i := range ct {
			show(i)
		}
		return
	}
	for i := 0; i < maxShow; i++ {
		show(i)
	}
	fmt.Printf("    ...\n")
	for i := len(ct) - maxShow; i < len(ct); i++ {
		show(i)
	}
}

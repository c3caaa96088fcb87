// rmftranslate converts between RMF files and common image formats.
//
// Usage:
//
//	rmftranslate [options] infile outfile
//
// The outfile extension selects the direction. An .rsw, .mtw or .rmf
// outfile is created from a PNG, JPEG, GIF, TIFF or BMP image; any other
// supported extension (.png, .jpg, .gif, .tif, .bmp) exports an RMF file.
//
// Options:
//
//	-co KEY=VALUE   RMF creation option: BLOCKXSIZE, BLOCKYSIZE, MTW,
//	                COMPRESS, JPEG_QUALITY, NUM_THREADS, RMFHUGE
//	                (may be repeated)
//	-web            quantize colour images to the 216 colour web palette
//	-o              overwrite existing output file
//	-v              verbose mode
//	-h, --help      print this message
//	    --version   print version information
package main

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/mrjoshuak/go-rmf/rmf"
)

const version = "1.0.0"

type config struct {
	inFile    string
	outFile   string
	overwrite bool
	web       bool
	verbose   bool
	options   []string
}

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "rmftranslate: %v\n", err)
		os.Exit(1)
	}

	if cfg == nil {
		// Help or version was printed
		os.Exit(0)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "rmftranslate: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*config, error) {
	if len(args) == 0 {
		usageMessage(os.Stderr)
		return nil, fmt.Errorf("missing input and output files")
	}

	cfg := &config{}
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			usageMessage(os.Stdout)
			return nil, nil

		case "--version":
			fmt.Printf("rmftranslate (go-rmf) %s\n", version)
			fmt.Println("https://github.com/mrjoshuak/go-rmf")
			return nil, nil

		case "-co":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value after -co")
			}
			i++
			cfg.options = append(cfg.options, args[i])

		case "-web":
			cfg.web = true

		case "-o":
			cfg.overwrite = true

		case "-v":
			cfg.verbose = true

		default:
			if strings.HasPrefix(arg, "-") {
				return nil, fmt.Errorf("unknown option %s", arg)
			}
			positional = append(positional, arg)
		}
	}

	if len(positional) != 2 {
		return nil, fmt.Errorf("expected input and output files, got %d argument(s)", len(positional))
	}
	cfg.inFile, cfg.outFile = positional[0], positional[1]
	return cfg, nil
}

func usageMessage(w io.Writer) {
	fmt.Fprintf(w, "Usage: rmftranslate [options] infile outfile\n\n")
	fmt.Fprintf(w, "Convert images to RMF (.rsw, .mtw, .rmf) or RMF files to\n")
	fmt.Fprintf(w, "PNG, JPEG, GIF, TIFF or BMP, following the outfile extension.\n\n")
	fmt.Fprintf(w, "Options:\n")
	fmt.Fprintf(w, "  -co KEY=VALUE   RMF creation option, may be repeated\n")
	fmt.Fprintf(w, "                  BLOCKXSIZE=n, BLOCKYSIZE=n, MTW=YES|NO,\n")
	fmt.Fprintf(w, "                  COMPRESS=NONE|LZW|JPEG|RMF_DEM, JPEG_QUALITY=n,\n")
	fmt.Fprintf(w, "                  NUM_THREADS=n|ALL_CPUS, RMFHUGE=NO|YES|IF_SAFER\n")
	fmt.Fprintf(w, "  -web            quantize colour images to the web palette\n")
	fmt.Fprintf(w, "  -o              overwrite existing output file\n")
	fmt.Fprintf(w, "  -v              verbose mode\n")
	fmt.Fprintf(w, "  -h, --help      print this message\n")
	fmt.Fprintf(w, "      --version   print version information\n")
}

func run(cfg *config) error {
	if !cfg.overwrite {
		if _, err := os.Stat(cfg.outFile); err == nil {
			return fmt.Errorf("output file %s exists (use -o to overwrite)", cfg.outFile)
		}
	}

	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	switch ext := strings.ToLower(filepath.Ext(cfg.outFile)); ext {
	case ".rsw", ".mtw", ".rmf":
		opts := rmf.CreateOptions{Logger: logger, MTW: ext == ".mtw"}
		if err := opts.Parse(cfg.options); err != nil {
			return err
		}
		return importImage(cfg, opts, logger)
	case ".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff", ".bmp":
		return exportImage(cfg, ext, logger)
	default:
		return fmt.Errorf("unsupported output format %q", ext)
	}
}

// raster holds a whole image as RMF bands, each a host order plane of
// width x height samples.
type raster struct {
	width, height int
	dataType      rmf.DataType
	planes        [][]byte
	colors        rmf.ColorTable
}

func newRaster(width, height, bands int, dt rmf.DataType) *raster {
	r := &raster{width: width, height: height, dataType: dt, planes: make([][]byte, bands)}
	for i := range r.planes {
		r.planes[i] = make([]byte, width*height*dt.Size())
	}
	return r
}

func importImage(cfg *config, opts rmf.CreateOptions, logger *slog.Logger) error {
	f, err := os.Open(cfg.inFile)
	if err != nil {
		return err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", cfg.inFile, err)
	}
	logger.Debug("decoded image", "format", format, "bounds", img.Bounds())

	var r *raster
	switch src := img.(type) {
	case *image.Paletted:
		if opts.MTW {
			r = elevationRaster(img)
		} else {
			r = palettedRaster(src)
		}
	case *image.Gray, *image.Gray16:
		if opts.MTW {
			r = elevationRaster(img)
		} else {
			r = grayRaster(img)
		}
	default:
		switch {
		case opts.MTW:
			r = elevationRaster(img)
		case cfg.web:
			r = quantizedRaster(img, rmf.ColorTable(webColors()))
		default:
			r = rgbRaster(img)
		}
	}

	ds, err := rmf.Create(cfg.outFile, r.width, r.height, len(r.planes), r.dataType, opts)
	if err != nil {
		return err
	}
	if r.colors != nil {
		if err := ds.SetColorTable(r.colors); err != nil {
			ds.Close()
			return err
		}
	}
	if err := writeRaster(ds, r); err != nil {
		ds.Close()
		return err
	}
	if err := ds.Close(); err != nil {
		return err
	}

	if cfg.verbose {
		tilesX, tilesY := ds.TileCount()
		fmt.Printf("%s: %d x %d, %d band(s), %d x %d tiles, %s\n",
			cfg.outFile, r.width, r.height, len(r.planes), tilesX, tilesY, ds.Compression())
	}
	return nil
}

func palettedRaster(src *image.Paletted) *raster {
	b := src.Bounds()
	r := newRaster(b.Dx(), b.Dy(), 1, rmf.Byte)
	for y := 0; y < r.height; y++ {
		copy(r.planes[0][y*r.width:], src.Pix[y*src.Stride:y*src.Stride+r.width])
	}
	r.colors = make(rmf.ColorTable, len(src.Palette))
	for i, c := range src.Palette {
		r.colors[i] = color.RGBAModel.Convert(c).(color.RGBA)
	}
	return r
}

func grayRaster(img image.Image) *raster {
	b := img.Bounds()
	r := newRaster(b.Dx(), b.Dy(), 1, rmf.Byte)
	for y := 0; y < r.height; y++ {
		for x := 0; x < r.width; x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			r.planes[0][y*r.width+x] = g.Y
		}
	}
	return r
}

func rgbRaster(img image.Image) *raster {
	b := img.Bounds()
	r := newRaster(b.Dx(), b.Dy(), 3, rmf.Byte)
	for y := 0; y < r.height; y++ {
		for x := 0; x < r.width; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			i := y*r.width + x
			r.planes[0][i] = c.R
			r.planes[1][i] = c.G
			r.planes[2][i] = c.B
		}
	}
	return r
}

func webColors() []color.RGBA {
	out := make([]color.RGBA, len(palette.WebSafe))
	for i, c := range palette.WebSafe {
		out[i] = color.RGBAModel.Convert(c).(color.RGBA)
	}
	return out
}

// quantizedRaster maps every pixel to its nearest colour table entry.
func quantizedRaster(img image.Image, ct rmf.ColorTable) *raster {
	b := img.Bounds()
	r := newRaster(b.Dx(), b.Dy(), 1, rmf.Byte)
	r.colors = ct
	seen := make(map[color.RGBA]byte)
	for y := 0; y < r.height; y++ {
		for x := 0; x < r.width; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			idx, ok := seen[c]
			if !ok {
				idx = byte(ct.Nearest(c))
				seen[c] = idx
			}
			r.planes[0][y*r.width+x] = idx
		}
	}
	return r
}

// elevationRaster stores the 16-bit luminance of every pixel as an Int32
// elevation.
func elevationRaster(img image.Image) *raster {
	b := img.Bounds()
	r := newRaster(b.Dx(), b.Dy(), 1, rmf.Int32)
	for y := 0; y < r.height; y++ {
		for x := 0; x < r.width; x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			binary.NativeEndian.PutUint32(r.planes[0][(y*r.width+x)*4:], uint32(g.Y))
		}
	}
	return r
}

// writeRaster copies the planes of r into the tiles of ds.
func writeRaster(ds *rmf.Dataset, r *raster) error {
	tw, th := ds.TileSize()
	tilesX, tilesY := ds.TileCount()
	size := r.dataType.Size()
	block := make([]byte, tw*th*size)

	for n, plane := range r.planes {
		band, err := ds.Band(n + 1)
		if err != nil {
			return err
		}
		for ty := 0; ty < tilesY; ty++ {
			for tx := 0; tx < tilesX; tx++ {
				clear(block)
				w := min(tw, r.width-tx*tw)
				h := min(th, r.height-ty*th)
				for y := 0; y < h; y++ {
					src := plane[((ty*th+y)*r.width+tx*tw)*size:]
					copy(block[y*tw*size:(y*tw+w)*size], src)
				}
				if err := band.WriteBlock(tx, ty, block); err != nil {
					return fmt.Errorf("writing tile (%d, %d) of band %d: %w", tx, ty, n+1, err)
				}
			}
		}
	}
	return nil
}

// readRaster loads every band of ds into memory.
func readRaster(ds *rmf.Dataset) (*raster, error) {
	band, err := ds.Band(1)
	if err != nil {
		return nil, err
	}
	r := newRaster(ds.Width(), ds.Height(), ds.NumBands(), band.DataType())
	r.colors = ds.ColorTable()
	tw, th := ds.TileSize()
	tilesX, tilesY := ds.TileCount()
	size := r.dataType.Size()
	block := make([]byte, tw*th*size)

	for n, plane := range r.planes {
		band, err := ds.Band(n + 1)
		if err != nil {
			return nil, err
		}
		for ty := 0; ty < tilesY; ty++ {
			for tx := 0; tx < tilesX; tx++ {
				if err := band.ReadBlock(tx, ty, block); err != nil {
					return nil, fmt.Errorf("reading tile (%d, %d) of band %d: %w", tx, ty, n+1, err)
				}
				w := min(tw, r.width-tx*tw)
				h := min(th, r.height-ty*th)
				for y := 0; y < h; y++ {
					dst := plane[((ty*th+y)*r.width+tx*tw)*size:]
					copy(dst[:w*size], block[y*tw*size:])
				}
			}
		}
	}
	return r, nil
}

func (r *raster) sample(band, i int) float64 {
	p := r.planes[band]
	switch r.dataType {
	case rmf.Byte:
		return float64(p[i])
	case rmf.Int16:
		return float64(int16(binary.NativeEndian.Uint16(p[i*2:])))
	case rmf.Int32:
		return float64(int32(binary.NativeEndian.Uint32(p[i*4:])))
	case rmf.Float64:
		return math.Float64frombits(binary.NativeEndian.Uint64(p[i*8:]))
	}
	return 0
}

func exportImage(cfg *config, ext string, logger *slog.Logger) error {
	ds, err := rmf.Open(cfg.inFile, rmf.OpenOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer ds.Close()

	r, err := readRaster(ds)
	if err != nil {
		return err
	}

	var img image.Image
	switch {
	case len(r.planes) == 3:
		img = r.rgbImage()
	case ds.Kind() == rmf.KindMatrix:
		noData, _ := ds.NoData()
		img = r.elevationImage(noData)
	default:
		img = r.palettedImage()
	}

	out, err := os.Create(cfg.outFile)
	if err != nil {
		return err
	}
	if err := encode(out, img, ext); err != nil {
		out.Close()
		return fmt.Errorf("encoding %s: %w", cfg.outFile, err)
	}
	if cfg.verbose {
		fmt.Printf("%s: %d x %d %s\n", cfg.outFile, r.width, r.height, ext[1:])
	}
	return out.Close()
}

func encode(w io.Writer, img image.Image, ext string) error {
	switch ext {
	case ".png":
		return png.Encode(w, img)
	case ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	case ".gif":
		return gif.Encode(w, img, nil)
	case ".tif", ".tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case ".bmp":
		return bmp.Encode(w, img)
	}
	return fmt.Errorf("unsupported format %q", ext)
}

func (r *raster) rgbImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	for i := 0; i < r.width*r.height; i++ {
		img.Pix[i*4] = r.planes[0][i]
		img.Pix[i*4+1] = r.planes[1][i]
		img.Pix[i*4+2] = r.planes[2][i]
		img.Pix[i*4+3] = 0xFF
	}
	return img
}

func (r *raster) palettedImage() *image.Paletted {
	pal := r.colors.Palette()
	if len(pal) == 0 {
		pal = rmf.GrayRamp(256).Palette()
	}
	img := image.NewPaletted(image.Rect(0, 0, r.width, r.height), pal)
	copy(img.Pix, r.planes[0])
	return img
}

// elevationImage stretches elevations over the 16-bit gray range. Missing
// samples are black.
func (r *raster) elevationImage(noData float64) *image.Gray16 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < r.width*r.height; i++ {
		if v := r.sample(0, i); v != noData {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}
	img := image.NewGray16(image.Rect(0, 0, r.width, r.height))
	for i := 0; i < r.width*r.height; i++ {
		v := r.sample(0, i)
		if v == noData {
			continue
		}
		g := uint16(math.Round((v - lo) * scale))
		img.Pix[i*2] = byte(g >> 8)
		img.Pix[i*2+1] = byte(g)
	}
	return img
}

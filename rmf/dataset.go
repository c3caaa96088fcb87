package rmf

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mrjoshuak/go-rmf/compression"
)

// Dataset errors
var (
	ErrReadOnly        = errors.New("rmf: dataset is read only")
	ErrClosed          = errors.New("rmf: dataset is closed")
	ErrInvalidBand     = errors.New("rmf: invalid band number")
	ErrInvalidCreation = errors.New("rmf: invalid creation parameters")
)

const (
	defaultBlockSize  = 256
	defaultScale      = 10000
	defaultResolution = 100

	// Files estimated above this size switch to 256-byte offset units
	// when RMFHUGE=IF_SAFER. The format limit is 4 GiB.
	hugeSafeLimit = 3 << 30
)

// Storage is the random access file a dataset lives in. *os.File
// satisfies it.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// OpenOptions configures Open and OpenStorage.
type OpenOptions struct {
	// Update opens the dataset for writing.
	Update bool

	// NumThreads is the number of tile compression workers. Zero
	// compresses and writes on the calling goroutine.
	NumThreads int

	// CacheTiles keeps that many decoded tiles in memory. Zero disables
	// the cache.
	CacheTiles int

	Logger *slog.Logger
}

// Dataset is an open RMF file.
type Dataset struct {
	reader io.ReaderAt
	writer io.WriterAt // nil when read only
	closer io.Closer

	header Header
	ext    ExtHeader
	colors ColorTable
	index  *TileIndex
	geom   tileGeometry
	layout pixelLayout
	codec  compression.Codec

	bands      []*Band
	unfinished map[int]*unfinishedTile
	pipe       *pipeline
	cache      *lru.Cache
	readBuf    []byte
	logger     *slog.Logger

	end    int64 // end of file, owned by the tile writer
	dirty  atomic.Bool
	closed bool
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return discardLogger
	}
	return l
}

// Open opens the RMF file at path.
func Open(path string, opts OpenOptions) (*Dataset, error) {
	flag := os.O_RDONLY
	if opts.Update {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	ds, err := OpenStorage(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	ds.closer = f
	return ds, nil
}

// OpenStorage opens a dataset stored in r. For update access r must also
// implement io.WriterAt.
func OpenStorage(r io.ReaderAt, opts OpenOptions) (*Dataset, error) {
	ds := &Dataset{
		reader:     r,
		logger:     loggerOrDiscard(opts.Logger),
		unfinished: make(map[int]*unfinishedTile),
	}
	if opts.Update {
		w, ok := r.(io.WriterAt)
		if !ok {
			return nil, ErrReadOnly
		}
		ds.writer = w
	}

	buf := make([]byte, HeaderSize)
	if n, err := r.ReadAt(buf, 0); n < HeaderSize {
		if err == nil || err == io.EOF {
			return nil, ErrTruncatedHeader
		}
		return nil, fmt.Errorf("rmf: reading header: %w", err)
	}
	h, err := ReadHeader(buf)
	if err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	ds.header = *h
	order := h.ByteOrder()

	if h.ExtHeaderOffset != 0 && h.ExtHeaderSize != 0 {
		b, err := ds.readBlock(h.ExtHeaderOffset, h.ExtHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("rmf: reading extended header: %w", err)
		}
		ds.ext = ReadExtHeader(b, order)
	}

	if err := ds.initLayout(); err != nil {
		return nil, err
	}

	if ds.layout.bands == 1 && h.Kind() == KindRaster {
		want := uint32(colorTableEntries(h.BitDepth) * 4)
		if h.ColorTableOffset == 0 || h.ColorTableSize < want {
			return nil, fmt.Errorf("%w: colour table of %d bytes, want %d", ErrInvalidHeader, h.ColorTableSize, want)
		}
		b, err := ds.readBlock(h.ColorTableOffset, want)
		if err != nil {
			return nil, fmt.Errorf("rmf: reading colour table: %w", err)
		}
		ds.colors = parseColorTable(b)
	}

	b, err := ds.readBlock(h.TileIndexOffset, h.TileIndexSize)
	if err != nil {
		return nil, fmt.Errorf("rmf: reading tile index: %w", err)
	}
	if ds.index, err = ParseTileIndex(b, order); err != nil {
		return nil, err
	}
	if ds.index.Len() < ds.geom.tilesX*ds.geom.tilesY {
		ds.logger.Warn("tile index shorter than tile grid",
			"entries", ds.index.Len(), "tiles", ds.geom.tilesX*ds.geom.tilesY)
	}

	if ds.codec, err = codecFor(h); err != nil {
		return nil, err
	}

	if size, ok := storageSize(r); ok {
		ds.end = size
	} else {
		ds.end = ds.lastOffset()
	}

	if opts.CacheTiles > 0 {
		if ds.cache, err = lru.New(opts.CacheTiles); err != nil {
			return nil, err
		}
	}
	if opts.Update {
		ds.pipe = newPipeline(opts.NumThreads, ds.codec, ds)
	}
	ds.initBands()
	return ds, nil
}

// initLayout derives the band structure and tile grid from the header.
func (ds *Dataset) initLayout() error {
	h := &ds.header
	l := pixelLayout{bitDepth: int(h.BitDepth), order: h.ByteOrder()}

	switch h.Kind() {
	case KindRaster:
		l.dataType = Byte
		switch h.BitDepth {
		case 16, 24, 32:
			l.bands = 3
		case 1, 4, 8:
			l.bands = 1
		default:
			return fmt.Errorf("%w: raster bit depth %d", ErrInvalidHeader, h.BitDepth)
		}
	case KindMatrix:
		l.bands = 1
		switch h.BitDepth {
		case 8:
			l.dataType = Byte
		case 16:
			l.dataType = Int16
		case 32:
			l.dataType = Int32
		case 64:
			l.dataType = Float64
		default:
			return fmt.Errorf("%w: matrix bit depth %d", ErrInvalidHeader, h.BitDepth)
		}
	}
	if err := l.validate(); err != nil {
		return err
	}
	ds.layout = l
	ds.geom = newTileGeometry(h)
	return nil
}

func codecFor(h *Header) (compression.Codec, error) {
	if h.Compression == compression.DEM && (h.Kind() != KindMatrix || h.BitDepth != 32) {
		return nil, fmt.Errorf("%w: DEM compression needs a 32-bit elevation matrix", ErrInvalidHeader)
	}
	c, err := compression.Lookup(h.Compression)
	if err != nil {
		return nil, fmt.Errorf("rmf: %w", err)
	}
	return c, nil
}

func (ds *Dataset) initBands() {
	ds.bands = make([]*Band, ds.layout.bands)
	for i := range ds.bands {
		ds.bands[i] = &Band{ds: ds, n: i + 1}
	}
}

// readBlock reads size bytes at a stored offset.
func (ds *Dataset) readBlock(off, size uint32) ([]byte, error) {
	b := make([]byte, size)
	n, err := ds.reader.ReadAt(b, ds.header.FileOffset(off))
	if n == len(b) {
		return b, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

func storageSize(r io.ReaderAt) (int64, bool) {
	switch s := r.(type) {
	case interface{ Stat() (fs.FileInfo, error) }:
		if fi, err := s.Stat(); err == nil {
			return fi.Size(), true
		}
	case interface{ Size() int64 }:
		return s.Size(), true
	}
	return 0, false
}

// Create creates an RMF file at path, truncating any existing file.
func Create(path string, width, height, bands int, dt DataType, opts CreateOptions) (*Dataset, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}
	ds, err := CreateStorage(f, width, height, bands, dt, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	ds.closer = f
	return ds, nil
}

// CreateStorage creates a new dataset in s. Raster (RSW) datasets hold one
// or three Byte bands; elevation matrices (MTW) hold one band of Byte,
// Int16, Int32 or Float64.
func CreateStorage(s Storage, width, height, bands int, dt DataType, opts CreateOptions) (*Dataset, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: raster size %dx%d", ErrInvalidCreation, width, height)
	}
	switch {
	case bands == 3 && dt == Byte && !opts.MTW:
	case bands == 1 && dt == Byte:
	case bands == 1 && opts.MTW && (dt == Int16 || dt == Int32 || dt == Float64):
	default:
		kind := KindRaster
		if opts.MTW {
			kind = KindMatrix
		}
		return nil, fmt.Errorf("%w: %d band(s) of %v in %v", ErrInvalidCreation, bands, dt, kind)
	}
	if opts.Compression == compression.DEM && !(opts.MTW && dt == Int32) {
		return nil, fmt.Errorf("%w: DEM compression needs a single Int32 elevation band", ErrInvalidCreation)
	}

	ds := &Dataset{
		reader:     s,
		writer:     s,
		logger:     loggerOrDiscard(opts.Logger),
		unfinished: make(map[int]*unfinishedTile),
	}
	h := &ds.header
	h.Signature = SignatureRaster
	if opts.MTW {
		h.Signature = SignatureMatrix
	}
	h.Version = Version
	if opts.useHuge(width, height, bands, dt) {
		h.Version = VersionHuge
	}
	h.Width = uint32(width)
	h.Height = uint32(height)
	h.BitDepth = uint32(dt.Size() * 8 * bands)
	h.TileWidth = uint32(blockSize(opts.BlockXSize, width))
	h.TileHeight = uint32(blockSize(opts.BlockYSize, height))
	h.SetGrid()
	h.Compression = opts.Compression
	h.JPEGQuality = uint8(opts.JPEGQuality)
	h.MapType = -1
	h.Projection = -1
	h.EPSG = -1
	h.Scale = defaultScale
	h.Resolution = defaultResolution
	if err := h.Validate(); err != nil {
		return nil, err
	}

	// Header, extended header, colour table and tile index are laid out
	// back to back; tiles are appended after them.
	cur := int64(HeaderSize)
	h.ExtHeaderOffset, cur = h.RMFOffset(cur)
	h.ExtHeaderSize = ExtHeaderSize
	cur += ExtHeaderSize

	if !opts.MTW && bands == 1 {
		ds.colors = GrayRamp(colorTableEntries(h.BitDepth))
		h.ColorTableOffset, cur = h.RMFOffset(cur)
		h.ColorTableSize = uint32(len(ds.colors) * 4)
		cur += int64(h.ColorTableSize)
	}

	ds.index = NewTileIndex(int(h.TilesX * h.TilesY))
	h.TileIndexOffset, cur = h.RMFOffset(cur)
	h.TileIndexSize = uint32(ds.index.ByteSize())
	ds.end = cur + int64(h.TileIndexSize)

	if err := ds.initLayout(); err != nil {
		return nil, err
	}
	var err error
	if ds.codec, err = codecFor(h); err != nil {
		return nil, err
	}
	ds.pipe = newPipeline(opts.NumThreads, ds.codec, ds)
	ds.initBands()
	ds.dirty.Store(true)
	if err := ds.writeTables(); err != nil {
		return nil, err
	}
	return ds, nil
}

func blockSize(requested, size int) int {
	if requested > 0 {
		return requested
	}
	return min(size, defaultBlockSize)
}

// Header returns a copy of the current header.
func (ds *Dataset) Header() Header { return ds.header }

// ExtHeader returns the extended header.
func (ds *Dataset) ExtHeader() ExtHeader { return ds.ext }

// SetExtHeader replaces the extended header.
func (ds *Dataset) SetExtHeader(e ExtHeader) error {
	if ds.writer == nil {
		return ErrReadOnly
	}
	ds.ext = e
	ds.dirty.Store(true)
	return nil
}

// Kind reports whether the dataset is a raster or an elevation matrix.
func (ds *Dataset) Kind() Kind { return ds.header.Kind() }

// Width returns the raster width in pixels.
func (ds *Dataset) Width() int { return int(ds.header.Width) }

// Height returns the raster height in pixels.
func (ds *Dataset) Height() int { return int(ds.header.Height) }

// TileSize returns the nominal tile size.
func (ds *Dataset) TileSize() (int, int) { return ds.geom.tileWidth, ds.geom.tileHeight }

// TileCount returns the number of tiles across and down.
func (ds *Dataset) TileCount() (int, int) { return ds.geom.tilesX, ds.geom.tilesY }

// Compression returns the tile compression method.
func (ds *Dataset) Compression() compression.Method { return ds.header.Compression }

// TileIndex returns a snapshot of the tile index after pending writes
// have landed.
func (ds *Dataset) TileIndex() *TileIndex {
	if ds.pipe != nil {
		ds.pipe.wait()
	}
	t := NewTileIndex(ds.index.Len())
	copy(t.entries, ds.index.entries)
	return t
}

// NumBands returns the number of bands.
func (ds *Dataset) NumBands() int { return len(ds.bands) }

// Band returns band n, counting from 1.
func (ds *Dataset) Band(n int) (*Band, error) {
	if n < 1 || n > len(ds.bands) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBand, n)
	}
	return ds.bands[n-1], nil
}

// ColorTable returns the palette of a 1, 4 or 8-bit raster, or nil.
func (ds *Dataset) ColorTable() ColorTable { return ds.colors }

// SetColorTable replaces the palette. Missing entries are left black.
func (ds *Dataset) SetColorTable(ct ColorTable) error {
	if ds.writer == nil {
		return ErrReadOnly
	}
	if ds.colors == nil {
		return fmt.Errorf("%w: dataset has no colour table", ErrUnsupportedLayout)
	}
	for i := range ds.colors {
		if i < len(ct) {
			ds.colors[i] = ct[i]
		} else {
			ds.colors[i] = color.RGBA{A: 0xFF}
		}
	}
	ds.dirty.Store(true)
	return nil
}

// GeoTransform returns the affine transform from pixel to map
// coordinates. The second result is false when the file carries no
// georeferencing.
func (ds *Dataset) GeoTransform() ([6]float64, bool) {
	h := &ds.header
	gt := [6]float64{
		h.LLX,
		h.PixelSize,
		0,
		h.LLY + float64(h.Height)*h.PixelSize,
		0,
		-h.PixelSize,
	}
	switch h.Kind() {
	case KindMatrix:
		return gt, h.PixelSize != 0
	default:
		return gt, h.GeorefFlag != 0
	}
}

// SetGeoTransform stores a north-up transform. Rotation terms are
// ignored; the pixel size is taken from gt[1].
func (ds *Dataset) SetGeoTransform(gt [6]float64) error {
	if ds.writer == nil {
		return ErrReadOnly
	}
	h := &ds.header
	h.PixelSize = gt[1]
	if h.PixelSize != 0 {
		h.Resolution = h.Scale / h.PixelSize
	}
	h.LLX = gt[0]
	h.LLY = gt[3] - float64(h.Height)*h.PixelSize
	h.GeorefFlag = 1
	ds.dirty.Store(true)
	return nil
}

var unitNames = []string{"m", "dm", "cm", "mm"}

// UnitType returns the elevation unit of a matrix.
func (ds *Dataset) UnitType() string {
	if u := ds.header.ElevationUnit; int(u) < len(unitNames) {
		return unitNames[u]
	}
	return unitNames[0]
}

// SetUnitType sets the elevation unit to one of m, dm, cm or mm.
func (ds *Dataset) SetUnitType(unit string) error {
	if ds.writer == nil {
		return ErrReadOnly
	}
	for i, name := range unitNames {
		if name == unit {
			ds.header.ElevationUnit = uint32(i)
			ds.dirty.Store(true)
			return nil
		}
	}
	return fmt.Errorf("rmf: unknown elevation unit %q", unit)
}

// NoData returns the value of missing samples. Only elevation matrices
// carry one.
func (ds *Dataset) NoData() (float64, bool) {
	if ds.Kind() != KindMatrix {
		return 0, false
	}
	return ds.header.NoData, true
}

// SetNoData sets the missing sample value of an elevation matrix.
func (ds *Dataset) SetNoData(v float64) error {
	if ds.writer == nil {
		return ErrReadOnly
	}
	if ds.Kind() != KindMatrix {
		return fmt.Errorf("%w: only elevation matrices have a nodata value", ErrUnsupportedLayout)
	}
	ds.header.NoData = v
	ds.dirty.Store(true)
	return nil
}

// ElevationRange returns the minimum and maximum stored in the header.
func (ds *Dataset) ElevationRange() (float64, float64) {
	return ds.header.ElevationMin, ds.header.ElevationMax
}

// Flush waits for queued tiles, writes partially filled tiles and, when
// anything changed, rewrites the header and tables. It returns the first
// tile write failure since the previous Flush. Partially filled tiles that
// could not be written stay pending for the next Flush.
func (ds *Dataset) Flush() error {
	if ds.closed {
		return ErrClosed
	}
	if ds.writer == nil {
		return nil
	}
	jobErr := ds.pipe.flush()
	for idx, u := range ds.unfinished {
		if err := ds.writeTile(u.tileX, u.tileY, u.raw); err != nil {
			if jobErr == nil {
				jobErr = err
			}
			continue
		}
		delete(ds.unfinished, idx)
	}
	if err := ds.pipe.flush(); jobErr == nil {
		jobErr = err
	}
	if ds.dirty.Load() {
		if ds.Kind() == KindMatrix {
			if err := ds.updateElevationRange(); err != nil {
				return err
			}
		}
		if err := ds.writeTables(); err != nil {
			return err
		}
	}
	if s, ok := ds.writer.(interface{ Sync() error }); ok {
		// Best effort, the data is already handed to the OS.
		_ = s.Sync()
	}
	return jobErr
}

// Close flushes and releases the dataset. The underlying file is closed
// only when the dataset opened it.
func (ds *Dataset) Close() error {
	if ds.closed {
		return nil
	}
	err := ds.Flush()
	if ds.pipe != nil {
		if perr := ds.pipe.close(); err == nil {
			err = perr
		}
	}
	ds.closed = true
	if ds.closer != nil {
		if cerr := ds.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// lastOffset returns the end of the last block used by the file.
func (ds *Dataset) lastOffset() int64 {
	h := &ds.header
	last := max(int64(HeaderSize), ds.index.End(h))
	blocks := [][2]uint32{
		{h.TileIndexOffset, h.TileIndexSize},
		{h.ColorTableOffset, h.ColorTableSize},
		{h.ExtHeaderOffset, h.ExtHeaderSize},
		{h.ROIOffset, h.ROISize},
		{h.FlagsTableOffset, h.FlagsTableSize},
	}
	for _, b := range blocks {
		if b[0] != 0 {
			last = max(last, h.FileOffset(b[0])+int64(b[1]))
		}
	}
	return last
}

// writeTables writes the tile index, colour table, extended header and
// finally the header itself.
func (ds *Dataset) writeTables() error {
	h := &ds.header
	order := h.ByteOrder()

	if err := ds.writeAt(ds.index.AppendBinary(nil, order), h.TileIndexOffset); err != nil {
		return fmt.Errorf("rmf: writing tile index: %w", err)
	}
	if h.ColorTableOffset != 0 && ds.colors != nil {
		if err := ds.writeAt(ds.colors.marshal(), h.ColorTableOffset); err != nil {
			return fmt.Errorf("rmf: writing colour table: %w", err)
		}
	}
	if h.ExtHeaderOffset != 0 {
		if err := ds.writeAt(ds.ext.Marshal(order), h.ExtHeaderOffset); err != nil {
			return fmt.Errorf("rmf: writing extended header: %w", err)
		}
	}

	h.FileSize0, _ = h.RMFOffset(ds.lastOffset())
	h.Size = h.FileSize0
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := ds.writer.WriteAt(b, 0); err != nil {
		return fmt.Errorf("rmf: writing header: %w", err)
	}
	ds.dirty.Store(false)
	return nil
}

func (ds *Dataset) writeAt(b []byte, off uint32) error {
	pos := ds.header.FileOffset(off)
	if _, err := ds.writer.WriteAt(b, pos); err != nil {
		return err
	}
	ds.end = max(ds.end, pos+int64(len(b)))
	return nil
}

// updateElevationRange scans every stored tile for the smallest and
// largest valid elevation.
func (ds *Dataset) updateElevationRange() error {
	noData, _ := ds.NoData()
	band := ds.bands[0]
	block := make([]byte, ds.geom.tileWidth*ds.geom.tileHeight*ds.layout.dataType.Size())
	lo, hi := math.Inf(1), math.Inf(-1)

	for ty := 0; ty < ds.geom.tilesY; ty++ {
		for tx := 0; tx < ds.geom.tilesX; tx++ {
			e, ok := ds.index.At(ds.geom.tileIndex(tx, ty))
			if !ok || e.Offset == 0 {
				continue
			}
			if err := band.ReadBlock(tx, ty, block); err != nil {
				return err
			}
			w, h := ds.geom.tileSize(tx, ty)
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					v := sampleAt(block, y*ds.geom.tileWidth+x, ds.layout.dataType)
					if v == noData {
						continue
					}
					lo = math.Min(lo, v)
					hi = math.Max(hi, v)
				}
			}
		}
	}
	if lo <= hi {
		ds.header.ElevationMin = lo
		ds.header.ElevationMax = hi
	}
	return nil
}

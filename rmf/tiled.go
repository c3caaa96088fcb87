package rmf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Tiled I/O errors
var (
	ErrTileOutOfRange      = errors.New("rmf: tile coordinates out of range")
	ErrTileIndexOutOfRange = errors.New("rmf: tile missing from tile index")
	ErrInvalidTileSize     = errors.New("rmf: invalid stored tile size")
	ErrTileSizeMismatch    = errors.New("rmf: tile buffer has the wrong size")
	ErrBlockSize           = errors.New("rmf: block buffer too small")
)

// tileGeometry is the tile grid of a dataset.
type tileGeometry struct {
	width, height         int
	tileWidth, tileHeight int
	tilesX, tilesY        int
	lastWidth, lastHeight int
}

func newTileGeometry(h *Header) tileGeometry {
	g := tileGeometry{
		width:      int(h.Width),
		height:     int(h.Height),
		tileWidth:  int(h.TileWidth),
		tileHeight: int(h.TileHeight),
	}
	g.tilesX = (g.width + g.tileWidth - 1) / g.tileWidth
	g.tilesY = (g.height + g.tileHeight - 1) / g.tileHeight
	g.lastWidth = g.width - (g.tilesX-1)*g.tileWidth
	g.lastHeight = g.height - (g.tilesY-1)*g.tileHeight
	return g
}

func (g tileGeometry) contains(tileX, tileY int) bool {
	return tileX >= 0 && tileX < g.tilesX && tileY >= 0 && tileY < g.tilesY
}

func (g tileGeometry) tileIndex(tileX, tileY int) int {
	return tileY*g.tilesX + tileX
}

// tileSize returns the clipped size of a tile.
func (g tileGeometry) tileSize(tileX, tileY int) (int, int) {
	w, h := g.tileWidth, g.tileHeight
	if tileX == g.tilesX-1 {
		w = g.lastWidth
	}
	if tileY == g.tilesY-1 {
		h = g.lastHeight
	}
	return w, h
}

// tileAccess is the part of a dataset that band level block I/O uses.
type tileAccess interface {
	geometry() tileGeometry
	pixelLayout() pixelLayout
	noDataValue() (float64, bool)
	writable() error
	readTile(tileX, tileY int) (raw []byte, stored bool, err error)
	writeTile(tileX, tileY int, raw []byte) error
	unfinishedTile(tileX, tileY int) (*unfinishedTile, error)
	pendingTile(tileX, tileY int) *unfinishedTile
	finishTile(u *unfinishedTile) error
}

func (ds *Dataset) geometry() tileGeometry       { return ds.geom }
func (ds *Dataset) pixelLayout() pixelLayout     { return ds.layout }
func (ds *Dataset) noDataValue() (float64, bool) { return ds.NoData() }

func (ds *Dataset) writable() error {
	if ds.closed {
		return ErrClosed
	}
	if ds.writer == nil {
		return ErrReadOnly
	}
	return nil
}

// ReadTile returns the packed pixels of a tile clipped to the raster, in
// file byte order with bands interleaved. Tiles that were never written
// read as zeros.
func (ds *Dataset) ReadTile(tileX, tileY int) ([]byte, error) {
	raw, _, err := ds.readTile(tileX, tileY)
	return raw, err
}

// WriteTile stores the packed pixels of a tile, laid out as ReadTile
// returns them. With worker threads configured the tile is compressed in
// the background and write failures surface from the next Flush.
func (ds *Dataset) WriteTile(tileX, tileY int, raw []byte) error {
	if err := ds.writable(); err != nil {
		return err
	}
	if !ds.geom.contains(tileX, tileY) {
		return fmt.Errorf("%w: (%d, %d)", ErrTileOutOfRange, tileX, tileY)
	}
	w, h := ds.geom.tileSize(tileX, tileY)
	if want := ds.layout.rawSize(w, h); len(raw) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrTileSizeMismatch, len(raw), want)
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	if err := ds.writeTile(tileX, tileY, buf); err != nil {
		return err
	}
	// The whole tile supersedes any bands gathered for it.
	delete(ds.unfinished, ds.geom.tileIndex(tileX, tileY))
	return nil
}

// readTile returns a freshly allocated clipped tile and whether it holds
// stored data.
func (ds *Dataset) readTile(tileX, tileY int) ([]byte, bool, error) {
	if ds.closed {
		return nil, false, ErrClosed
	}
	if !ds.geom.contains(tileX, tileY) {
		return nil, false, fmt.Errorf("%w: (%d, %d)", ErrTileOutOfRange, tileX, tileY)
	}
	if ds.pipe != nil {
		ds.pipe.wait()
	}

	w, h := ds.geom.tileSize(tileX, tileY)
	rawBytes := ds.layout.rawSize(w, h)
	idx := ds.geom.tileIndex(tileX, tileY)
	e, ok := ds.index.At(idx)
	if !ok {
		return nil, false, fmt.Errorf("%w: tile %d of %d", ErrTileIndexOutOfRange, idx, ds.index.Len())
	}

	raw := make([]byte, rawBytes)
	if e.Offset == 0 {
		return raw, false, nil
	}
	if ds.cache != nil {
		if v, ok := ds.cache.Get(idx); ok {
			copy(raw, v.([]byte))
			return raw, true, nil
		}
	}

	maxBytes := 2 * uint64(ds.geom.tileWidth) * uint64(ds.geom.tileHeight) * uint64(ds.layout.bitDepth) / 8
	if uint64(e.Size) >= maxBytes {
		return nil, false, fmt.Errorf("%w: tile (%d, %d) claims %d bytes", ErrInvalidTileSize, tileX, tileY, e.Size)
	}

	stored := raw
	if int(e.Size) != rawBytes {
		if cap(ds.readBuf) < int(e.Size) {
			ds.readBuf = make([]byte, e.Size)
		}
		stored = ds.readBuf[:e.Size]
	}
	n, err := ds.reader.ReadAt(stored, ds.header.FileOffset(e.Offset))
	if n < len(stored) {
		if err == nil {
			err = fmt.Errorf("short read of %d bytes", n)
		}
		if ds.writer != nil {
			// Another writer may not have finished this tile yet.
			ds.logger.Debug("tile not readable", "x", tileX, "y", tileY, "err", err)
			clear(raw)
			return raw, false, nil
		}
		return nil, false, fmt.Errorf("rmf: reading tile (%d, %d): %w", tileX, tileY, err)
	}

	if int(e.Size) != rawBytes {
		if !ds.decompress(raw, stored, tileX, tileY, w, h) {
			clear(raw)
			return raw, true, nil
		}
	}
	if ds.cache != nil {
		ds.cache.Add(idx, append([]byte(nil), raw...))
	}
	return raw, true, nil
}

// decompress decodes a stored tile into raw, logging any failure.
func (ds *Dataset) decompress(raw, stored []byte, tileX, tileY, w, h int) bool {
	if ds.codec == nil {
		ds.logger.Warn("stored tile size does not match uncompressed size",
			"x", tileX, "y", tileY, "stored", len(stored), "want", len(raw))
		return false
	}
	n, err := ds.codec.Decompress(raw, stored, w, h)
	if err != nil {
		ds.logger.Warn("tile decompression failed", "x", tileX, "y", tileY, "err", err)
		return false
	}
	if n != len(raw) {
		ds.logger.Warn("tile decompressed to the wrong size",
			"x", tileX, "y", tileY, "got", n, "want", len(raw))
		return false
	}
	return true
}

// writeTile hands a clipped tile to the pipeline, which takes ownership
// of raw.
func (ds *Dataset) writeTile(tileX, tileY int, raw []byte) error {
	w, h := ds.geom.tileSize(tileX, tileY)
	return ds.pipe.submit(&tileJob{
		index:  ds.geom.tileIndex(tileX, tileY),
		width:  w,
		height: h,
		raw:    raw,
	})
}

// storeTile writes tile data and records it in the index. The pipeline
// calls it from a single goroutine at a time.
func (ds *Dataset) storeTile(index int, data []byte) error {
	e, ok := ds.index.At(index)
	if !ok {
		return fmt.Errorf("%w: tile %d of %d", ErrTileIndexOutOfRange, index, ds.index.Len())
	}

	var pos int64
	if e.Offset != 0 && uint32(len(data)) <= e.Size {
		pos = ds.header.FileOffset(e.Offset)
	} else {
		e.Offset, pos = ds.header.RMFOffset(ds.end)
	}
	limit := int64(math.MaxUint32)
	if ds.header.IsHuge() {
		limit <<= hugeOffsetShift
	}
	if pos+int64(len(data)) > limit {
		return fmt.Errorf("rmf: tile %d would end past the addressable file size", index)
	}
	if _, err := ds.writer.WriteAt(data, pos); err != nil {
		return fmt.Errorf("rmf: writing tile %d: %w", index, err)
	}
	e.Size = uint32(len(data))
	ds.index.Set(index, e)
	ds.end = max(ds.end, pos+int64(len(data)))
	ds.dirty.Store(true)
	if ds.cache != nil {
		ds.cache.Remove(index)
	}
	return nil
}

// unfinishedTile gathers the bands of one tile until all are present.
type unfinishedTile struct {
	tileX, tileY int
	raw          []byte
	written      []bool
	count        int
}

// deposit marks band as written and reports whether the tile is complete.
func (u *unfinishedTile) deposit(band int) bool {
	if !u.written[band-1] {
		u.written[band-1] = true
		u.count++
	}
	return u.count == len(u.written)
}

func (ds *Dataset) pendingTile(tileX, tileY int) *unfinishedTile {
	return ds.unfinished[ds.geom.tileIndex(tileX, tileY)]
}

// unfinishedTile returns the accumulator for a tile, starting from the
// stored tile when there is one.
func (ds *Dataset) unfinishedTile(tileX, tileY int) (*unfinishedTile, error) {
	idx := ds.geom.tileIndex(tileX, tileY)
	if u, ok := ds.unfinished[idx]; ok {
		return u, nil
	}
	raw, _, err := ds.readTile(tileX, tileY)
	if err != nil {
		return nil, err
	}
	u := &unfinishedTile{
		tileX:   tileX,
		tileY:   tileY,
		raw:     raw,
		written: make([]bool, ds.layout.bands),
	}
	ds.unfinished[idx] = u
	return u, nil
}

// finishTile submits a completed tile. The accumulator stays pending
// until the submission is accepted.
func (ds *Dataset) finishTile(u *unfinishedTile) error {
	if err := ds.writeTile(u.tileX, u.tileY, u.raw); err != nil {
		return err
	}
	delete(ds.unfinished, ds.geom.tileIndex(u.tileX, u.tileY))
	return nil
}

// Band is one band of a dataset. Blocks exchanged with a band always have
// the nominal tile size, one sample per pixel in host byte order.
type Band struct {
	ds tileAccess
	n  int
}

// Number returns the band number, counting from 1.
func (b *Band) Number() int { return b.n }

// DataType returns the sample type.
func (b *Band) DataType() DataType { return b.ds.pixelLayout().dataType }

// BlockSize returns the nominal tile size.
func (b *Band) BlockSize() (int, int) {
	g := b.ds.geometry()
	return g.tileWidth, g.tileHeight
}

// BlockBytes returns the size of a block buffer.
func (b *Band) BlockBytes() int {
	g := b.ds.geometry()
	return g.tileWidth * g.tileHeight * b.ds.pixelLayout().dataType.Size()
}

func (b *Band) checkBlock(tileX, tileY int, buf []byte) error {
	if !b.ds.geometry().contains(tileX, tileY) {
		return fmt.Errorf("%w: (%d, %d)", ErrTileOutOfRange, tileX, tileY)
	}
	if len(buf) < b.BlockBytes() {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBlockSize, len(buf), b.BlockBytes())
	}
	return nil
}

// ReadBlock unpacks this band of a tile into dst. Pixels outside the
// raster are zero; never written tiles read as the nodata value.
func (b *Band) ReadBlock(tileX, tileY int, dst []byte) error {
	if err := b.checkBlock(tileX, tileY, dst); err != nil {
		return err
	}
	g := b.ds.geometry()
	l := b.ds.pixelLayout()
	dst = dst[:b.BlockBytes()]
	w, h := g.tileSize(tileX, tileY)

	raw := []byte(nil)
	if u := b.ds.pendingTile(tileX, tileY); u != nil {
		raw = u.raw
	} else {
		var stored bool
		var err error
		if raw, stored, err = b.ds.readTile(tileX, tileY); err != nil {
			return err
		}
		if !stored {
			noData, _ := b.ds.noDataValue()
			fillSamples(dst, l.dataType, noData)
			return nil
		}
	}
	clear(dst)
	l.unpack(dst, g.tileWidth, raw, b.n, w, h)
	return nil
}

// WriteBlock packs src into this band of a tile. Tiles of multi-band or
// clipped rasters are held until every band has been written or the
// dataset is flushed.
func (b *Band) WriteBlock(tileX, tileY int, src []byte) error {
	if err := b.ds.writable(); err != nil {
		return err
	}
	if err := b.checkBlock(tileX, tileY, src); err != nil {
		return err
	}
	g := b.ds.geometry()
	l := b.ds.pixelLayout()
	w, h := g.tileSize(tileX, tileY)

	if l.bands == 1 && w == g.tileWidth && h == g.tileHeight {
		raw := make([]byte, l.rawSize(w, h))
		l.pack(raw, src, g.tileWidth, 1, w, h)
		return b.ds.writeTile(tileX, tileY, raw)
	}

	u, err := b.ds.unfinishedTile(tileX, tileY)
	if err != nil {
		return err
	}
	l.pack(u.raw, src, g.tileWidth, b.n, w, h)
	if u.deposit(b.n) {
		return b.ds.finishTile(u)
	}
	return nil
}

// fillSamples sets every sample of a host order block to v.
func fillSamples(dst []byte, dt DataType, v float64) {
	if v == 0 {
		clear(dst)
		return
	}
	size := dt.Size()
	for i := 0; i+size <= len(dst); i += size {
		switch dt {
		case Byte:
			dst[i] = byte(v)
		case Int16:
			binary.NativeEndian.PutUint16(dst[i:], uint16(int16(v)))
		case Int32:
			binary.NativeEndian.PutUint32(dst[i:], uint32(int32(v)))
		case Float64:
			binary.NativeEndian.PutUint64(dst[i:], math.Float64bits(v))
		}
	}
}

// sampleAt returns sample i of a host order block.
func sampleAt(block []byte, i int, dt DataType) float64 {
	switch dt {
	case Byte:
		return float64(block[i])
	case Int16:
		return float64(int16(binary.NativeEndian.Uint16(block[i*2:])))
	case Int32:
		return float64(int32(binary.NativeEndian.Uint32(block[i*4:])))
	case Float64:
		return math.Float64frombits(binary.NativeEndian.Uint64(block[i*8:]))
	}
	return 0
}

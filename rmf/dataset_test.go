package rmf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mrjoshuak/go-rmf/compression"
)

// memFile is an in-memory Storage that grows on write.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	return copy(f.data[off:], p), nil
}

func (f *memFile) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data))
}

func mustCreate(t *testing.T, f *memFile, width, height, bands int, dt DataType, opts CreateOptions) *Dataset {
	t.Helper()
	ds, err := CreateStorage(f, width, height, bands, dt, opts)
	if err != nil {
		t.Fatalf("CreateStorage: %v", err)
	}
	return ds
}

func mustOpen(t *testing.T, f *memFile, opts OpenOptions) *Dataset {
	t.Helper()
	ds, err := OpenStorage(f, opts)
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	return ds
}

func mustClose(t *testing.T, ds *Dataset) {
	t.Helper()
	if err := ds.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func mustBand(t *testing.T, ds *Dataset, n int) *Band {
	t.Helper()
	b, err := ds.Band(n)
	if err != nil {
		t.Fatalf("Band(%d): %v", n, err)
	}
	return b
}

// patchIndex rewrites entry i of the stored tile index.
func patchIndex(f *memFile, h Header, i int, e TileEntry) {
	pos := h.FileOffset(h.TileIndexOffset) + int64(i*tileEntrySize)
	binary.LittleEndian.PutUint32(f.data[pos:], e.Offset)
	binary.LittleEndian.PutUint32(f.data[pos+4:], e.Size)
}

func TestCreateSmallEdgeTiles(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 260, 260, 1, Byte, CreateOptions{})

	if tx, ty := ds.TileCount(); tx != 2 || ty != 2 {
		t.Fatalf("TileCount: got %dx%d, want 2x2", tx, ty)
	}
	if w, h := ds.TileSize(); w != 256 || h != 256 {
		t.Errorf("TileSize: got %dx%d, want 256x256", w, h)
	}
	if w, h := ds.geom.tileSize(1, 1); w != 4 || h != 4 {
		t.Errorf("last tile: got %dx%d, want 4x4", w, h)
	}

	band := mustBand(t, ds, 1)
	block := make([]byte, band.BlockBytes())
	for ty := 0; ty < 2; ty++ {
		for tx := 0; tx < 2; tx++ {
			if err := band.WriteBlock(tx, ty, block); err != nil {
				t.Fatalf("WriteBlock(%d, %d): %v", tx, ty, err)
			}
		}
	}
	mustClose(t, ds)

	rd := mustOpen(t, f, OpenOptions{})
	defer rd.Close()
	raw, err := rd.ReadTile(1, 1)
	if err != nil {
		t.Fatalf("ReadTile(1, 1): %v", err)
	}
	if !bytes.Equal(raw, make([]byte, 16)) {
		t.Errorf("ReadTile(1, 1): got % x, want 16 zero bytes", raw)
	}
	if got := rd.TileIndex().Written(); got != 4 {
		t.Errorf("written tiles: got %d, want 4", got)
	}
	if got := len(rd.ColorTable()); got != 256 {
		t.Errorf("colour table entries: got %d, want 256", got)
	}
}

func blockyValue(x, y int) float64 {
	return float64((x/8 + y/8) % 4 * 50)
}

func TestTileRoundTrip(t *testing.T) {
	const width, height, block = 100, 70, 32

	tests := []struct {
		name    string
		mtw     bool
		dt      DataType
		method  compression.Method
		threads int
	}{
		{"raw", false, Byte, compression.None, 0},
		{"lzw", false, Byte, compression.LZW, 0},
		{"lzw threaded", false, Byte, compression.LZW, 4},
		{"dem", true, Int32, compression.DEM, 0},
		{"dem threaded", true, Int32, compression.DEM, 3},
		{"int16 matrix", true, Int16, compression.LZW, 2},
		{"float64 matrix", true, Float64, compression.None, 0},
	}
	for _, tt := range tests {
		f := &memFile{}
		ds := mustCreate(t, f, width, height, 1, tt.dt, CreateOptions{
			BlockXSize:  block,
			BlockYSize:  block,
			MTW:         tt.mtw,
			Compression: tt.method,
			NumThreads:  tt.threads,
		})
		band := mustBand(t, ds, 1)
		tilesX, tilesY := ds.TileCount()
		if tilesX != 4 || tilesY != 3 {
			t.Fatalf("%s: TileCount: got %dx%d, want 4x3", tt.name, tilesX, tilesY)
		}
		for ty := 0; ty < tilesY; ty++ {
			for tx := 0; tx < tilesX; tx++ {
				src := blockOf(tt.dt, block, block, func(x, y int) float64 {
					return blockyValue(tx*block+x, ty*block+y)
				})
				if err := band.WriteBlock(tx, ty, src); err != nil {
					t.Fatalf("%s: WriteBlock(%d, %d): %v", tt.name, tx, ty, err)
				}
			}
		}
		if err := ds.Flush(); err != nil {
			t.Fatalf("%s: Flush: %v", tt.name, err)
		}
		written := ds.TileIndex()
		mustClose(t, ds)

		rd := mustOpen(t, f, OpenOptions{})
		if rd.Compression() != tt.method {
			t.Errorf("%s: Compression: got %v, want %v", tt.name, rd.Compression(), tt.method)
		}
		reopened := rd.TileIndex()
		compressed := false
		for i := 0; i < written.Len(); i++ {
			want, _ := written.At(i)
			got, _ := reopened.At(i)
			if got != want {
				t.Errorf("%s: index entry %d: got %+v, want %+v", tt.name, i, got, want)
			}
			tx, ty := i%tilesX, i/tilesX
			w, h := rd.geom.tileSize(tx, ty)
			if int(got.Size) < rd.layout.rawSize(w, h) {
				compressed = true
			}
		}
		if compressed != (tt.method != compression.None) {
			t.Errorf("%s: some tile compressed: got %v, want %v", tt.name, compressed, tt.method != compression.None)
		}

		rband := mustBand(t, rd, 1)
		dst := make([]byte, rband.BlockBytes())
		for ty := 0; ty < tilesY; ty++ {
			for tx := 0; tx < tilesX; tx++ {
				if err := rband.ReadBlock(tx, ty, dst); err != nil {
					t.Fatalf("%s: ReadBlock(%d, %d): %v", tt.name, tx, ty, err)
				}
				w, h := rd.geom.tileSize(tx, ty)
				for y := 0; y < block; y++ {
					for x := 0; x < block; x++ {
						want := 0.0
						if x < w && y < h {
							want = blockyValue(tx*block+x, ty*block+y)
						}
						if got := sampleAt(dst, y*block+x, tt.dt); got != want {
							t.Fatalf("%s: tile (%d, %d) pixel (%d, %d): got %v, want %v", tt.name, tx, ty, x, y, got, want)
						}
					}
				}
			}
		}
		rd.Close()
	}
}

func TestWriteTileErrors(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 10, 7, 1, Byte, CreateOptions{BlockXSize: 4, BlockYSize: 4})
	defer ds.Close()

	if err := ds.WriteTile(2, 1, make([]byte, 16)); !errors.Is(err, ErrTileSizeMismatch) {
		t.Errorf("full size data for an edge tile: got %v, want %v", err, ErrTileSizeMismatch)
	}
	if err := ds.WriteTile(2, 1, make([]byte, 6)); err != nil {
		t.Errorf("WriteTile(2, 1) with 2x3 data: %v", err)
	}
	if err := ds.WriteTile(3, 0, make([]byte, 16)); !errors.Is(err, ErrTileOutOfRange) {
		t.Errorf("WriteTile(3, 0): got %v, want %v", err, ErrTileOutOfRange)
	}
	if _, err := ds.ReadTile(0, 2); !errors.Is(err, ErrTileOutOfRange) {
		t.Errorf("ReadTile(0, 2): got %v, want %v", err, ErrTileOutOfRange)
	}
	band := mustBand(t, ds, 1)
	if err := band.WriteBlock(0, 0, make([]byte, 15)); !errors.Is(err, ErrBlockSize) {
		t.Errorf("short block: got %v, want %v", err, ErrBlockSize)
	}
	if _, err := ds.Band(2); !errors.Is(err, ErrInvalidBand) {
		t.Errorf("Band(2): got %v, want %v", err, ErrInvalidBand)
	}
	raw, err := ds.ReadTile(2, 1)
	if err != nil || len(raw) != 6 {
		t.Errorf("ReadTile(2, 1): got %d bytes, %v; want 6 bytes", len(raw), err)
	}
}

func TestCompressionFallsBackToRaw(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 16, 16, 1, Byte, CreateOptions{Compression: compression.LZW})
	defer ds.Close()

	noise := make([]byte, 256)
	rand.New(rand.NewSource(1)).Read(noise)
	if err := ds.WriteTile(0, 0, noise); err != nil {
		t.Fatalf("WriteTile: %v", err)
	}
	e, _ := ds.TileIndex().At(0)
	if e.Size != 256 {
		t.Errorf("incompressible tile: stored %d bytes, want 256", e.Size)
	}
	got, err := ds.ReadTile(0, 0)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if !bytes.Equal(got, noise) {
		t.Error("raw fallback tile did not read back unchanged")
	}
}

func TestOverwriteInPlace(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 16, 16, 1, Byte, CreateOptions{Compression: compression.LZW})
	defer ds.Close()

	flat := bytes.Repeat([]byte{5}, 256)
	noise := make([]byte, 256)
	rand.New(rand.NewSource(2)).Read(noise)

	if err := ds.WriteTile(0, 0, flat); err != nil {
		t.Fatal(err)
	}
	first, _ := ds.TileIndex().At(0)

	if err := ds.WriteTile(0, 0, noise); err != nil {
		t.Fatal(err)
	}
	grown, _ := ds.TileIndex().At(0)
	if grown.Offset <= first.Offset || grown.Size != 256 {
		t.Errorf("larger rewrite: got %+v, want appended after %+v with 256 bytes", grown, first)
	}

	if err := ds.WriteTile(0, 0, flat); err != nil {
		t.Fatal(err)
	}
	shrunk, _ := ds.TileIndex().At(0)
	if shrunk.Offset != grown.Offset || shrunk.Size != first.Size {
		t.Errorf("smaller rewrite: got %+v, want offset %d size %d", shrunk, grown.Offset, first.Size)
	}
	got, err := ds.ReadTile(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, flat) {
		t.Error("rewritten tile did not read back unchanged")
	}
}

func TestDecodeFailureReadsZeroTile(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 8, 8, 1, Byte, CreateOptions{Compression: compression.LZW})
	if err := ds.WriteTile(0, 0, bytes.Repeat([]byte{7}, 64)); err != nil {
		t.Fatal(err)
	}
	e, _ := ds.TileIndex().At(0)
	h := ds.Header()
	mustClose(t, ds)

	// Two bytes hold a single code, far short of 64 pixels.
	patchIndex(f, h, 0, TileEntry{Offset: e.Offset, Size: 2})

	var logs bytes.Buffer
	rd := mustOpen(t, f, OpenOptions{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	defer rd.Close()
	raw, err := rd.ReadTile(0, 0)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if !bytes.Equal(raw, make([]byte, 64)) {
		t.Errorf("undecodable tile: got % x, want zeros", raw)
	}
	if !strings.Contains(logs.String(), "level=WARN") {
		t.Errorf("expected a warning, got log %q", logs.String())
	}
}

func TestReadFailureUpdateTolerance(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 16, 8, 1, Byte, CreateOptions{BlockXSize: 8, BlockYSize: 8})
	for tx := 0; tx < 2; tx++ {
		if err := ds.WriteTile(tx, 0, bytes.Repeat([]byte{byte(tx + 1)}, 64)); err != nil {
			t.Fatal(err)
		}
	}
	e, _ := ds.TileIndex().At(1)
	h := ds.Header()
	mustClose(t, ds)

	// Cut the file in the middle of the last tile.
	f.data = f.data[:h.FileOffset(e.Offset)+10]

	rd := mustOpen(t, f, OpenOptions{})
	if _, err := rd.ReadTile(1, 0); err == nil {
		t.Error("read only ReadTile of a truncated tile: got nil error")
	}
	if raw, err := rd.ReadTile(0, 0); err != nil || raw[0] != 1 {
		t.Errorf("read only ReadTile(0, 0): got %v, %v", raw, err)
	}
	rd.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	up := mustOpen(t, f, OpenOptions{Update: true, Logger: logger})
	defer up.Close()
	raw, err := up.ReadTile(1, 0)
	if err != nil {
		t.Fatalf("update ReadTile of a truncated tile: %v", err)
	}
	if !bytes.Equal(raw, make([]byte, 64)) {
		t.Errorf("update ReadTile of a truncated tile: got % x, want zeros", raw)
	}
	if !strings.Contains(logs.String(), "tile not readable") {
		t.Errorf("expected a debug message, got log %q", logs.String())
	}
}

func TestInvalidStoredTileSize(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 8, 8, 1, Byte, CreateOptions{})
	if err := ds.WriteTile(0, 0, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	e, _ := ds.TileIndex().At(0)
	h := ds.Header()
	mustClose(t, ds)

	patchIndex(f, h, 0, TileEntry{Offset: e.Offset, Size: 128})
	for _, update := range []bool{false, true} {
		rd := mustOpen(t, f, OpenOptions{Update: update})
		if _, err := rd.ReadTile(0, 0); !errors.Is(err, ErrInvalidTileSize) {
			t.Errorf("update=%v: got %v, want %v", update, err, ErrInvalidTileSize)
		}
		rd.Close()
	}
}

func TestThreeBandAccumulation(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 16, 8, 3, Byte, CreateOptions{BlockXSize: 8, BlockYSize: 8})
	if ds.Header().BitDepth != 24 {
		t.Fatalf("BitDepth: got %d, want 24", ds.Header().BitDepth)
	}

	planes := make([][]byte, 3)
	for i := range planes {
		planes[i] = bytes.Repeat([]byte{byte(40 * (i + 1))}, 64)
	}
	for n := 1; n <= 2; n++ {
		if err := mustBand(t, ds, n).WriteBlock(0, 0, planes[n-1]); err != nil {
			t.Fatal(err)
		}
	}
	if e, _ := ds.TileIndex().At(0); e.Offset != 0 {
		t.Errorf("tile stored before its last band: %+v", e)
	}
	got := make([]byte, 64)
	if err := mustBand(t, ds, 1).ReadBlock(0, 0, got); err != nil || !bytes.Equal(got, planes[0]) {
		t.Errorf("ReadBlock of a pending tile: got %v, %v", got[:4], err)
	}
	if err := mustBand(t, ds, 3).WriteBlock(0, 0, planes[2]); err != nil {
		t.Fatal(err)
	}
	if e, _ := ds.TileIndex().At(0); e.Offset == 0 || e.Size != 192 {
		t.Errorf("complete tile: got %+v, want 192 stored bytes", e)
	}

	// Only band 2 of the second tile; Close stores it as is.
	if err := mustBand(t, ds, 2).WriteBlock(1, 0, planes[1]); err != nil {
		t.Fatal(err)
	}
	mustClose(t, ds)

	rd := mustOpen(t, f, OpenOptions{})
	defer rd.Close()
	for n := 1; n <= 3; n++ {
		if err := mustBand(t, rd, n).ReadBlock(0, 0, got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, planes[n-1]) {
			t.Errorf("tile 0 band %d: got %v, want %v", n, got[:4], planes[n-1][:4])
		}
		if err := mustBand(t, rd, n).ReadBlock(1, 0, got); err != nil {
			t.Fatal(err)
		}
		want := make([]byte, 64)
		if n == 2 {
			want = planes[1]
		}
		if !bytes.Equal(got, want) {
			t.Errorf("tile 1 band %d: got %v, want %v", n, got[:4], want[:4])
		}
	}
}

var errDiskFull = errors.New("disk full")

// flakyFile is a memFile whose writes fail while fail is set.
type flakyFile struct {
	memFile
	fail atomic.Bool
}

func (f *flakyFile) WriteAt(p []byte, off int64) (int, error) {
	if f.fail.Load() {
		return 0, errDiskFull
	}
	return f.memFile.WriteAt(p, off)
}

func TestFlushAfterBackgroundWriteFailure(t *testing.T) {
	f := &flakyFile{}
	ds, err := CreateStorage(f, 8, 8, 3, Byte, CreateOptions{BlockXSize: 4, BlockYSize: 4, NumThreads: 2})
	if err != nil {
		t.Fatalf("CreateStorage: %v", err)
	}
	defer ds.Close()

	plane := bytes.Repeat([]byte{7}, 16)
	f.fail.Store(true)
	for n := 1; n <= 3; n++ {
		if err := mustBand(t, ds, n).WriteBlock(0, 0, plane); err != nil {
			t.Fatalf("WriteBlock band %d: %v", n, err)
		}
	}
	ds.pipe.wait()
	f.fail.Store(false)

	if err := mustBand(t, ds, 1).WriteBlock(1, 1, plane); err != nil {
		t.Fatalf("WriteBlock after recovery: %v", err)
	}
	if err := ds.Flush(); !errors.Is(err, errDiskFull) {
		t.Errorf("first Flush: got %v, want %v", err, errDiskFull)
	}
	if len(ds.unfinished) != 0 {
		t.Errorf("pending tiles after Flush: got %d, want 0", len(ds.unfinished))
	}
	if err := ds.Flush(); err != nil {
		t.Errorf("second Flush: got %v, want nil", err)
	}

	if e, _ := ds.TileIndex().At(3); e.Offset == 0 || e.Size != 48 {
		t.Fatalf("tile (1, 1): got %+v, want 48 stored bytes", e)
	}
	got := make([]byte, 16)
	if err := mustBand(t, ds, 1).ReadBlock(1, 1, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plane) {
		t.Errorf("tile (1, 1) band 1: got %v, want %v", got, plane)
	}
}

func TestPendingTileSurvivesWriteFailure(t *testing.T) {
	f := &flakyFile{}
	ds, err := CreateStorage(f, 8, 8, 3, Byte, CreateOptions{BlockXSize: 4, BlockYSize: 4})
	if err != nil {
		t.Fatalf("CreateStorage: %v", err)
	}
	defer ds.Close()

	planes := make([][]byte, 3)
	for i := range planes {
		planes[i] = bytes.Repeat([]byte{byte(10 * (i + 1))}, 16)
	}
	f.fail.Store(true)
	for n := 1; n <= 2; n++ {
		if err := mustBand(t, ds, n).WriteBlock(0, 0, planes[n-1]); err != nil {
			t.Fatalf("WriteBlock band %d: %v", n, err)
		}
	}
	if err := mustBand(t, ds, 3).WriteBlock(0, 0, planes[2]); !errors.Is(err, errDiskFull) {
		t.Fatalf("WriteBlock completing the tile: got %v, want %v", err, errDiskFull)
	}
	if len(ds.unfinished) != 1 {
		t.Fatalf("pending tiles: got %d, want 1", len(ds.unfinished))
	}

	f.fail.Store(false)
	if err := ds.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := make([]byte, 16)
	for n := 1; n <= 3; n++ {
		if err := mustBand(t, ds, n).ReadBlock(0, 0, got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, planes[n-1]) {
			t.Errorf("band %d: got %v, want %v", n, got[:4], planes[n-1][:4])
		}
	}
}

func TestWriteTileReplacesPendingBands(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 8, 8, 3, Byte, CreateOptions{BlockXSize: 4, BlockYSize: 4})

	if err := mustBand(t, ds, 2).WriteBlock(0, 0, bytes.Repeat([]byte{9}, 16)); err != nil {
		t.Fatal(err)
	}
	whole := make([]byte, 48)
	for i := range whole {
		whole[i] = byte(i)
	}
	if err := ds.WriteTile(0, 0, whole); err != nil {
		t.Fatal(err)
	}
	mustClose(t, ds)

	rd := mustOpen(t, f, OpenOptions{})
	defer rd.Close()
	got, err := rd.ReadTile(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, whole) {
		t.Errorf("ReadTile: got %v, want %v", got[:8], whole[:8])
	}
}

func TestMatrixNoDataAndRange(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 8, 4, 1, Int32, CreateOptions{MTW: true, BlockXSize: 4, BlockYSize: 4})
	if err := ds.SetNoData(-9999); err != nil {
		t.Fatal(err)
	}
	if err := ds.SetUnitType("cm"); err != nil {
		t.Fatal(err)
	}
	if err := ds.SetUnitType("ft"); err == nil {
		t.Error("SetUnitType(ft): got nil error")
	}
	src := blockOf(Int32, 4, 4, func(x, y int) float64 {
		if x == 0 && y == 0 {
			return -9999
		}
		return float64(x + y*4 + 5)
	})
	if err := mustBand(t, ds, 1).WriteBlock(0, 0, src); err != nil {
		t.Fatal(err)
	}
	mustClose(t, ds)

	rd := mustOpen(t, f, OpenOptions{})
	defer rd.Close()
	if rd.Kind() != KindMatrix {
		t.Errorf("Kind: got %v, want %v", rd.Kind(), KindMatrix)
	}
	if lo, hi := rd.ElevationRange(); lo != 6 || hi != 20 {
		t.Errorf("ElevationRange: got (%v, %v), want (6, 20)", lo, hi)
	}
	if v, ok := rd.NoData(); !ok || v != -9999 {
		t.Errorf("NoData: got (%v, %v), want (-9999, true)", v, ok)
	}
	if got := rd.UnitType(); got != "cm" {
		t.Errorf("UnitType: got %q, want %q", got, "cm")
	}

	block := make([]byte, 64)
	if err := mustBand(t, rd, 1).ReadBlock(1, 0, block); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 16; i++ {
		if v := sampleAt(block, i, Int32); v != -9999 {
			t.Fatalf("unwritten tile sample %d: got %v, want -9999", i, v)
		}
	}
}

func TestGeoTransformRoundTrip(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 20, 10, 1, Byte, CreateOptions{})
	if _, ok := ds.GeoTransform(); ok {
		t.Error("new raster reports georeferencing")
	}
	want := [6]float64{1000, 2, 0, 5000, 0, -2}
	if err := ds.SetGeoTransform(want); err != nil {
		t.Fatal(err)
	}
	ext := ExtHeader{Ellipsoid: 9, Datum: 13, Zone: 37}
	if err := ds.SetExtHeader(ext); err != nil {
		t.Fatal(err)
	}
	mustClose(t, ds)

	rd := mustOpen(t, f, OpenOptions{})
	defer rd.Close()
	got, ok := rd.GeoTransform()
	if !ok || got != want {
		t.Errorf("GeoTransform: got (%v, %v), want (%v, true)", got, ok, want)
	}
	if h := rd.Header(); h.LLY != 4980 {
		t.Errorf("LLY: got %v, want 4980", h.LLY)
	}
	if got := rd.ExtHeader(); got != ext {
		t.Errorf("ExtHeader: got %+v, want %+v", got, ext)
	}
}

func TestSetColorTable(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 4, 4, 1, Byte, CreateOptions{})
	red := ColorTable{{R: 255, A: 255}, {G: 255, A: 255}}
	if err := ds.SetColorTable(red); err != nil {
		t.Fatal(err)
	}
	mustClose(t, ds)

	rd := mustOpen(t, f, OpenOptions{})
	defer rd.Close()
	ct := rd.ColorTable()
	black := color.RGBA{A: 255}
	if len(ct) != 256 || ct[0] != red[0] || ct[1] != red[1] || ct[2] != black {
		t.Errorf("ColorTable: got %v..., want red, green, black", ct[:3])
	}
}

func TestReadOnlyDataset(t *testing.T) {
	f := &memFile{}
	mustClose(t, mustCreate(t, f, 8, 8, 1, Byte, CreateOptions{}))

	rd := mustOpen(t, f, OpenOptions{})
	if err := rd.WriteTile(0, 0, make([]byte, 64)); !errors.Is(err, ErrReadOnly) {
		t.Errorf("WriteTile: got %v, want %v", err, ErrReadOnly)
	}
	if err := mustBand(t, rd, 1).WriteBlock(0, 0, make([]byte, 64)); !errors.Is(err, ErrReadOnly) {
		t.Errorf("WriteBlock: got %v, want %v", err, ErrReadOnly)
	}
	if err := rd.SetGeoTransform([6]float64{}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("SetGeoTransform: got %v, want %v", err, ErrReadOnly)
	}
	if v, ok := rd.NoData(); ok {
		t.Errorf("raster NoData: got (%v, true), want none", v)
	}
	if err := rd.Flush(); err != nil {
		t.Errorf("Flush: %v", err)
	}

	// Never written tiles read as zeros.
	block := bytes.Repeat([]byte{0xFF}, 64)
	if err := mustBand(t, rd, 1).ReadBlock(0, 0, block); err != nil || !bytes.Equal(block, make([]byte, 64)) {
		t.Errorf("ReadBlock of an empty tile: got %v, %v", block[:4], err)
	}

	mustClose(t, rd)
	if _, err := rd.ReadTile(0, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadTile after Close: got %v, want %v", err, ErrClosed)
	}
	if err := rd.Flush(); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush after Close: got %v, want %v", err, ErrClosed)
	}
	if err := rd.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := OpenStorage(&memFile{}, OpenOptions{}); !errors.Is(err, ErrTruncatedHeader) {
		t.Errorf("empty file: got %v, want %v", err, ErrTruncatedHeader)
	}
	junk := &memFile{data: make([]byte, 1024)}
	copy(junk.data, "GIF8")
	if _, err := OpenStorage(junk, OpenOptions{}); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("bad signature: got %v, want %v", err, ErrInvalidSignature)
	}

	f := &memFile{}
	mustClose(t, mustCreate(t, f, 8, 8, 1, Byte, CreateOptions{}))
	if _, err := OpenStorage(bytes.NewReader(f.data), OpenOptions{Update: true}); !errors.Is(err, ErrReadOnly) {
		t.Errorf("update on a reader: got %v, want %v", err, ErrReadOnly)
	}
	if _, err := OpenStorage(bytes.NewReader(f.data), OpenOptions{}); err != nil {
		t.Errorf("read only on a reader: %v", err)
	}
}

func TestCreateErrors(t *testing.T) {
	tests := []struct {
		name  string
		w, h  int
		bands int
		dt    DataType
		opts  CreateOptions
	}{
		{"zero width", 0, 10, 1, Byte, CreateOptions{}},
		{"two bands", 10, 10, 2, Byte, CreateOptions{}},
		{"int16 raster", 10, 10, 1, Int16, CreateOptions{}},
		{"three band matrix", 10, 10, 3, Byte, CreateOptions{MTW: true}},
		{"dem on raster", 10, 10, 1, Byte, CreateOptions{Compression: compression.DEM}},
		{"dem on float", 10, 10, 1, Float64, CreateOptions{MTW: true, Compression: compression.DEM}},
	}
	for _, tt := range tests {
		if _, err := CreateStorage(&memFile{}, tt.w, tt.h, tt.bands, tt.dt, tt.opts); !errors.Is(err, ErrInvalidCreation) {
			t.Errorf("%s: got %v, want %v", tt.name, err, ErrInvalidCreation)
		}
	}
}

func TestHugeOffsetFile(t *testing.T) {
	f := &memFile{}
	ds := mustCreate(t, f, 16, 16, 1, Byte, CreateOptions{Huge: HugeYes, BlockXSize: 8, BlockYSize: 8})
	for i := 0; i < 4; i++ {
		if err := ds.WriteTile(i%2, i/2, bytes.Repeat([]byte{byte(i + 1)}, 64)); err != nil {
			t.Fatal(err)
		}
	}
	mustClose(t, ds)

	rd := mustOpen(t, f, OpenOptions{})
	defer rd.Close()
	h := rd.Header()
	if !h.IsHuge() {
		t.Fatal("IsHuge: got false, want true")
	}
	if pos := h.FileOffset(h.TileIndexOffset); pos%256 != 0 || pos == 0 {
		t.Errorf("tile index position %d is not a non-zero multiple of 256", pos)
	}
	idx := rd.TileIndex()
	for i := 0; i < 4; i++ {
		e, _ := idx.At(i)
		if pos := h.FileOffset(e.Offset); pos%256 != 0 {
			t.Errorf("tile %d at %d is not aligned", i, pos)
		}
		raw, err := rd.ReadTile(i%2, i/2)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(raw, bytes.Repeat([]byte{byte(i + 1)}, 64)) {
			t.Errorf("tile %d: got %v, want %d", i, raw[:4], i+1)
		}
	}
}

func TestTileCacheInvalidation(t *testing.T) {
	f := &memFile{}
	mustClose(t, mustCreate(t, f, 8, 8, 1, Byte, CreateOptions{Compression: compression.LZW}))

	ds := mustOpen(t, f, OpenOptions{Update: true, CacheTiles: 2})
	defer ds.Close()
	for v := byte(1); v <= 3; v++ {
		want := bytes.Repeat([]byte{v}, 64)
		if err := ds.WriteTile(0, 0, want); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			got, err := ds.ReadTile(0, 0)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("read %d after writing %d: got %v", i, v, got[:4])
			}
			// Callers own the returned tile.
			got[0] = 0xEE
		}
	}
}

func TestCreateOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.mtw")
	ds, err := Create(path, 5, 5, 1, Int16, CreateOptions{MTW: true, Compression: compression.LZW, NumThreads: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	src := blockOf(Int16, 5, 5, func(x, y int) float64 { return float64(x*100 - y) })
	if err := mustBand(t, ds, 1).WriteBlock(0, 0, src); err != nil {
		t.Fatal(err)
	}
	mustClose(t, ds)

	rd, err := Open(path, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rd.Close()
	got := make([]byte, len(src))
	if err := mustBand(t, rd, 1).ReadBlock(0, 0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Errorf("ReadBlock: got % x, want % x", got, src)
	}
	if lo, hi := rd.ElevationRange(); lo != -4 || hi != 400 {
		t.Errorf("ElevationRange: got (%v, %v), want (-4, 400)", lo, hi)
	}
}

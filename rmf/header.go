package rmf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/mrjoshuak/go-rmf/compression"
	"github.com/mrjoshuak/go-rmf/internal/binfield"
)

// Header sizes and versions
const (
	HeaderSize    = 320
	ExtHeaderSize = 320

	Version     = 0x200
	VersionHuge = 0x201 // offsets are stored in 256-byte units

	hugeOffsetShift = 8
	maxExtHeaderLen = 1000000
	minExtHeaderLen = 40
)

// File signatures
var (
	SignatureRaster   = [4]byte{'R', 'S', 'W', 0}
	SignatureRasterBE = [4]byte{0, 'W', 'S', 'R'}
	SignatureMatrix   = [4]byte{'M', 'T', 'W', 0}
)

// Header errors
var (
	ErrTruncatedHeader  = errors.New("rmf: truncated header")
	ErrInvalidSignature = errors.New("rmf: invalid signature")
	ErrInvalidHeader    = errors.New("rmf: invalid header")
)

// Kind tells raster images (RSW) from elevation matrices (MTW).
type Kind int

const (
	KindRaster Kind = iota
	KindMatrix
)

func (k Kind) String() string {
	if k == KindMatrix {
		return "MTW"
	}
	return "RSW"
}

// Byte offsets of the primary header fields.
const (
	offSignature        = 0
	offVersion          = 4
	offSize             = 8
	offOverviewOffset   = 12
	offUserID           = 16
	offName             = 20
	offBitDepth         = 52
	offHeight           = 56
	offWidth            = 60
	offTilesX           = 64
	offTilesY           = 68
	offTileHeight       = 72
	offTileWidth        = 76
	offLastTileHeight   = 80
	offLastTileWidth    = 84
	offROIOffset        = 88
	offROISize          = 92
	offColorTableOffset = 96
	offColorTableSize   = 100
	offTileIndexOffset  = 104
	offTileIndexSize    = 108
	offMapType          = 124
	offProjection       = 128
	offEPSG             = 132
	offScale            = 136
	offResolution       = 144
	offPixelSize        = 152
	offLLY              = 160
	offLLX              = 168
	offStdP1            = 176
	offStdP2            = 184
	offCenterLong       = 192
	offCenterLat        = 200
	offCompression      = 208
	offMaskType         = 209
	offMaskStep         = 210
	offFrameFlag        = 211
	offFlagsTableOffset = 212
	offFlagsTableSize   = 216
	offFileSize0        = 220
	offFileSize1        = 224
	offUnknown          = 228
	offGeorefFlag       = 244
	offInverse          = 245
	offJPEGQuality      = 246
	offInvisibleColors  = 248
	offElevationMin     = 280
	offElevationMax     = 288
	offNoData           = 296
	offElevationUnit    = 304
	offElevationType    = 308
	offExtHeaderOffset  = 312
	offExtHeaderSize    = 316
)

// Header is the fixed 320-byte record at the start of every RMF file.
// Offsets to other blocks are stored as written on disk; use
// Header.FileOffset to turn them into byte positions.
type Header struct {
	Signature      [4]byte
	Version        uint32
	Size           uint32
	OverviewOffset uint32
	UserID         uint32
	Name           [32]byte
	BitDepth       uint32
	Height         uint32
	Width          uint32
	TilesX         uint32
	TilesY         uint32
	TileHeight     uint32
	TileWidth      uint32
	LastTileHeight uint32
	LastTileWidth  uint32

	ROIOffset        uint32
	ROISize          uint32
	ColorTableOffset uint32
	ColorTableSize   uint32
	TileIndexOffset  uint32
	TileIndexSize    uint32

	MapType    int32
	Projection int32
	EPSG       int32
	Scale      float64
	Resolution float64
	PixelSize  float64
	LLY        float64
	LLX        float64
	StdP1      float64
	StdP2      float64
	CenterLong float64
	CenterLat  float64

	Compression      compression.Method
	MaskType         uint8
	MaskStep         uint8
	FrameFlag        uint8
	FlagsTableOffset uint32
	FlagsTableSize   uint32
	FileSize0        uint32
	FileSize1        uint32
	Unknown          uint8
	GeorefFlag       uint8
	Inverse          uint8
	JPEGQuality      uint8
	InvisibleColors  [32]byte

	ElevationMin  float64
	ElevationMax  float64
	NoData        float64
	ElevationUnit uint32
	ElevationType uint8

	ExtHeaderOffset uint32
	ExtHeaderSize   uint32
}

// byteOrderOf returns the byte order implied by a signature.
func byteOrderOf(sig [4]byte) (binary.ByteOrder, Kind, bool) {
	switch sig {
	case SignatureRaster:
		return binary.LittleEndian, KindRaster, true
	case SignatureRasterBE:
		return binary.BigEndian, KindRaster, true
	case SignatureMatrix:
		return binary.LittleEndian, KindMatrix, true
	}
	return nil, 0, false
}

// ByteOrder returns the byte order of every multi-byte field in the file.
func (h *Header) ByteOrder() binary.ByteOrder {
	order, _, ok := byteOrderOf(h.Signature)
	if !ok {
		return binary.LittleEndian
	}
	return order
}

// Kind reports whether the file is a raster or an elevation matrix.
func (h *Header) Kind() Kind {
	_, kind, _ := byteOrderOf(h.Signature)
	return kind
}

// IsHuge reports whether offsets are stored in 256-byte units.
func (h *Header) IsHuge() bool {
	return h.Version >= VersionHuge
}

// FileOffset converts a stored offset into a byte position.
func (h *Header) FileOffset(rmfOffset uint32) int64 {
	if h.IsHuge() {
		return int64(rmfOffset) << hugeOffsetShift
	}
	return int64(rmfOffset)
}

// RMFOffset converts a byte position into a stored offset. Huge files can
// only address multiples of 256, so the position is rounded up and the
// aligned position is returned alongside.
func (h *Header) RMFOffset(fileOffset int64) (uint32, int64) {
	if h.IsHuge() {
		const unit = 1 << hugeOffsetShift
		aligned := (fileOffset + unit - 1) &^ (unit - 1)
		return uint32(aligned >> hugeOffsetShift), aligned
	}
	return uint32(fileOffset), fileOffset
}

// NameString returns the image name up to its first NUL byte.
func (h *Header) NameString() string {
	if i := bytes.IndexByte(h.Name[:], 0); i >= 0 {
		return string(h.Name[:i])
	}
	return string(h.Name[:])
}

// SetGrid derives the tile grid from the raster and nominal tile sizes.
func (h *Header) SetGrid() {
	if h.TileWidth == 0 || h.TileHeight == 0 {
		return
	}
	h.TilesX = (h.Width + h.TileWidth - 1) / h.TileWidth
	h.TilesY = (h.Height + h.TileHeight - 1) / h.TileHeight
	h.LastTileWidth = h.Width % h.TileWidth
	if h.LastTileWidth == 0 {
		h.LastTileWidth = h.TileWidth
	}
	h.LastTileHeight = h.Height % h.TileHeight
	if h.LastTileHeight == 0 {
		h.LastTileHeight = h.TileHeight
	}
}

// Validate checks the structural fields that tile access depends on.
func (h *Header) Validate() error {
	if _, _, ok := byteOrderOf(h.Signature); !ok {
		return ErrInvalidSignature
	}
	if h.TileIndexSize%8 != 0 {
		return fmt.Errorf("%w: tile index size %d is not a multiple of 8", ErrInvalidHeader, h.TileIndexSize)
	}
	if h.TileWidth == 0 || h.TileHeight == 0 {
		return fmt.Errorf("%w: zero tile size", ErrInvalidHeader)
	}
	if h.Width == 0 || h.Height == 0 {
		return fmt.Errorf("%w: zero raster size", ErrInvalidHeader)
	}
	if 2*uint64(h.TileWidth)*uint64(h.TileHeight)*uint64(h.BitDepth) > math.MaxUint32 {
		return fmt.Errorf("%w: tile of %dx%d at %d bits is too large", ErrInvalidHeader, h.TileWidth, h.TileHeight, h.BitDepth)
	}
	if h.LastTileWidth > h.TileWidth || h.LastTileHeight > h.TileHeight {
		return fmt.Errorf("%w: last tile %dx%d exceeds tile size %dx%d", ErrInvalidHeader,
			h.LastTileWidth, h.LastTileHeight, h.TileWidth, h.TileHeight)
	}
	if h.ExtHeaderSize > maxExtHeaderLen {
		return fmt.Errorf("%w: extended header size %d", ErrInvalidHeader, h.ExtHeaderSize)
	}
	return nil
}

// ReadHeader decodes a header from the first HeaderSize bytes of b.
func ReadHeader(b []byte) (*Header, error) {
	h := new(Header)
	if err := h.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return h, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return ErrTruncatedHeader
	}
	var sig [4]byte
	copy(sig[:], b[offSignature:])
	order, _, ok := byteOrderOf(sig)
	if !ok {
		return ErrInvalidSignature
	}
	r := binfield.New(b[:HeaderSize], order)

	h.Signature = sig
	h.Version = r.Uint32(offVersion)
	h.Size = r.Uint32(offSize)
	h.OverviewOffset = r.Uint32(offOverviewOffset)
	h.UserID = r.Uint32(offUserID)
	r.Array(offName, h.Name[:])
	h.BitDepth = r.Uint32(offBitDepth)
	h.Height = r.Uint32(offHeight)
	h.Width = r.Uint32(offWidth)
	h.TilesX = r.Uint32(offTilesX)
	h.TilesY = r.Uint32(offTilesY)
	h.TileHeight = r.Uint32(offTileHeight)
	h.TileWidth = r.Uint32(offTileWidth)
	h.LastTileHeight = r.Uint32(offLastTileHeight)
	h.LastTileWidth = r.Uint32(offLastTileWidth)
	h.ROIOffset = r.Uint32(offROIOffset)
	h.ROISize = r.Uint32(offROISize)
	h.ColorTableOffset = r.Uint32(offColorTableOffset)
	h.ColorTableSize = r.Uint32(offColorTableSize)
	h.TileIndexOffset = r.Uint32(offTileIndexOffset)
	h.TileIndexSize = r.Uint32(offTileIndexSize)
	h.MapType = r.Int32(offMapType)
	h.Projection = r.Int32(offProjection)
	h.EPSG = r.Int32(offEPSG)
	h.Scale = r.Float64(offScale)
	h.Resolution = r.Float64(offResolution)
	h.PixelSize = r.Float64(offPixelSize)
	h.LLY = r.Float64(offLLY)
	h.LLX = r.Float64(offLLX)
	h.StdP1 = r.Float64(offStdP1)
	h.StdP2 = r.Float64(offStdP2)
	h.CenterLong = r.Float64(offCenterLong)
	h.CenterLat = r.Float64(offCenterLat)
	h.Compression = compression.Method(r.Uint8(offCompression))
	h.MaskType = r.Uint8(offMaskType)
	h.MaskStep = r.Uint8(offMaskStep)
	h.FrameFlag = r.Uint8(offFrameFlag)
	h.FlagsTableOffset = r.Uint32(offFlagsTableOffset)
	h.FlagsTableSize = r.Uint32(offFlagsTableSize)
	h.FileSize0 = r.Uint32(offFileSize0)
	h.FileSize1 = r.Uint32(offFileSize1)
	h.Unknown = r.Uint8(offUnknown)
	h.GeorefFlag = r.Uint8(offGeorefFlag)
	h.Inverse = r.Uint8(offInverse)
	h.JPEGQuality = r.Uint8(offJPEGQuality)
	r.Array(offInvisibleColors, h.InvisibleColors[:])
	h.ElevationMin = r.Float64(offElevationMin)
	h.ElevationMax = r.Float64(offElevationMax)
	h.NoData = r.Float64(offNoData)
	h.ElevationUnit = r.Uint32(offElevationUnit)
	h.ElevationType = r.Uint8(offElevationType)
	h.ExtHeaderOffset = r.Uint32(offExtHeaderOffset)
	h.ExtHeaderSize = r.Uint32(offExtHeaderSize)
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler. Fields are written
// in the byte order selected by the signature.
func (h *Header) MarshalBinary() ([]byte, error) {
	order, _, ok := byteOrderOf(h.Signature)
	if !ok {
		return nil, ErrInvalidSignature
	}
	w := binfield.New(make([]byte, HeaderSize), order)

	w.PutArray(offSignature, h.Signature[:])
	w.PutUint32(offVersion, h.Version)
	w.PutUint32(offSize, h.Size)
	w.PutUint32(offOverviewOffset, h.OverviewOffset)
	w.PutUint32(offUserID, h.UserID)
	w.PutArray(offName, h.Name[:])
	w.PutUint32(offBitDepth, h.BitDepth)
	w.PutUint32(offHeight, h.Height)
	w.PutUint32(offWidth, h.Width)
	w.PutUint32(offTilesX, h.TilesX)
	w.PutUint32(offTilesY, h.TilesY)
	w.PutUint32(offTileHeight, h.TileHeight)
	w.PutUint32(offTileWidth, h.TileWidth)
	w.PutUint32(offLastTileHeight, h.LastTileHeight)
	w.PutUint32(offLastTileWidth, h.LastTileWidth)
	w.PutUint32(offROIOffset, h.ROIOffset)
	w.PutUint32(offROISize, h.ROISize)
	w.PutUint32(offColorTableOffset, h.ColorTableOffset)
	w.PutUint32(offColorTableSize, h.ColorTableSize)
	w.PutUint32(offTileIndexOffset, h.TileIndexOffset)
	w.PutUint32(offTileIndexSize, h.TileIndexSize)
	w.PutInt32(offMapType, h.MapType)
	w.PutInt32(offProjection, h.Projection)
	w.PutInt32(offEPSG, h.EPSG)
	w.PutFloat64(offScale, h.Scale)
	w.PutFloat64(offResolution, h.Resolution)
	w.PutFloat64(offPixelSize, h.PixelSize)
	w.PutFloat64(offLLY, h.LLY)
	w.PutFloat64(offLLX, h.LLX)
	w.PutFloat64(offStdP1, h.StdP1)
	w.PutFloat64(offStdP2, h.StdP2)
	w.PutFloat64(offCenterLong, h.CenterLong)
	w.PutFloat64(offCenterLat, h.CenterLat)
	w.PutUint8(offCompression, uint8(h.Compression))
	w.PutUint8(offMaskType, h.MaskType)
	w.PutUint8(offMaskStep, h.MaskStep)
	w.PutUint8(offFrameFlag, h.FrameFlag)
	w.PutUint32(offFlagsTableOffset, h.FlagsTableOffset)
	w.PutUint32(offFlagsTableSize, h.FlagsTableSize)
	w.PutUint32(offFileSize0, h.FileSize0)
	w.PutUint32(offFileSize1, h.FileSize1)
	w.PutUint8(offUnknown, h.Unknown)
	w.PutUint8(offGeorefFlag, h.GeorefFlag)
	w.PutUint8(offInverse, h.Inverse)
	w.PutUint8(offJPEGQuality, h.JPEGQuality)
	w.PutArray(offInvisibleColors, h.InvisibleColors[:])
	w.PutFloat64(offElevationMin, h.ElevationMin)
	w.PutFloat64(offElevationMax, h.ElevationMax)
	w.PutFloat64(offNoData, h.NoData)
	w.PutUint32(offElevationUnit, h.ElevationUnit)
	w.PutUint8(offElevationType, h.ElevationType)
	w.PutUint32(offExtHeaderOffset, h.ExtHeaderOffset)
	w.PutUint32(offExtHeaderSize, h.ExtHeaderSize)
	return w.Bytes(), nil
}

// Byte offsets inside the extended header.
const (
	offEllipsoid = 24
	offVertDatum = 28
	offDatum     = 32
	offZone      = 36
)

// ExtHeader carries the coordinate system codes of the extended header.
type ExtHeader struct {
	Ellipsoid int32
	VertDatum int32
	Datum     int32
	Zone      int32
}

// ReadExtHeader decodes an extended header. Blocks shorter than 40 bytes
// carry no fields and decode to the zero value.
func ReadExtHeader(b []byte, order binary.ByteOrder) ExtHeader {
	if len(b) < minExtHeaderLen {
		return ExtHeader{}
	}
	r := binfield.New(b, order)
	return ExtHeader{
		Ellipsoid: r.Int32(offEllipsoid),
		VertDatum: r.Int32(offVertDatum),
		Datum:     r.Int32(offDatum),
		Zone:      r.Int32(offZone),
	}
}

// Marshal encodes the extended header as an ExtHeaderSize block.
func (e ExtHeader) Marshal(order binary.ByteOrder) []byte {
	w := binfield.New(make([]byte, ExtHeaderSize), order)
	w.PutInt32(offEllipsoid, e.Ellipsoid)
	w.PutInt32(offVertDatum, e.VertDatum)
	w.PutInt32(offDatum, e.Datum)
	w.PutInt32(offZone, e.Zone)
	return w.Bytes()
}

package rmf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DataType is the sample type of a band.
type DataType int

// Supported data types
const (
	Unknown DataType = iota
	Byte
	Int16
	Int32
	Float64
)

// Size returns the size of a sample in bytes.
func (t DataType) Size() int {
	switch t {
	case Byte:
		return 1
	case Int16:
		return 2
	case Int32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// String returns the name of the data type.
func (t DataType) String() string {
	switch t {
	case Byte:
		return "Byte"
	case Int16:
		return "Int16"
	case Int32:
		return "Int32"
	case Float64:
		return "Float64"
	default:
		return "Unknown"
	}
}

var ErrUnsupportedLayout = errors.New("rmf: unsupported pixel layout")

// pixelLayout describes how the bands of a tile are packed on disk.
// Bands are numbered from 1.
type pixelLayout struct {
	bitDepth int
	bands    int
	dataType DataType
	order    binary.ByteOrder
}

func (l pixelLayout) validate() error {
	switch {
	case l.bands == 1 && (l.bitDepth == 1 || l.bitDepth == 4) && l.dataType == Byte:
	case l.bands == 1 && l.bitDepth == 8*l.dataType.Size():
	case l.bands == 3 && (l.bitDepth == 16 || l.bitDepth == 24 || l.bitDepth == 32) && l.dataType == Byte:
	default:
		return fmt.Errorf("%w: %d band(s) at %d bits as %v", ErrUnsupportedLayout, l.bands, l.bitDepth, l.dataType)
	}
	return nil
}

// rawSize returns the packed size of a w x h tile. Sub-byte samples form
// one continuous bit stream over the tile.
func (l pixelLayout) rawSize(w, h int) int {
	return (w*h*l.bitDepth + 7) / 8
}

// unpack copies band from the packed w x h tile raw into the block dst,
// whose rows are stride samples apart.
func (l pixelLayout) unpack(dst []byte, stride int, raw []byte, band, w, h int) {
	size := l.dataType.Size()
	switch {
	case l.bands == 1 && l.bitDepth == 1:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				dst[y*stride+x] = raw[i>>3] >> (7 - i&7) & 1
			}
		}

	case l.bands == 1 && l.bitDepth == 4:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				b := raw[i>>1]
				if i&1 == 0 {
					dst[y*stride+x] = b >> 4
				} else {
					dst[y*stride+x] = b & 0x0F
				}
			}
		}

	case l.bands == 1:
		for y := 0; y < h; y++ {
			in := raw[y*w*size : (y+1)*w*size]
			out := dst[y*stride*size:]
			if size == 1 {
				copy(out, in)
				continue
			}
			for x := 0; x < w; x++ {
				convertSample(out[x*size:], binary.NativeEndian, in[x*size:], l.order, size)
			}
		}

	case l.bitDepth == 16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := l.order.Uint16(raw[(y*w+x)*2:])
				var s uint16
				switch band {
				case 1:
					s = (v & 0x7C00) >> 7
				case 2:
					s = (v & 0x03E0) >> 2
				case 3:
					s = (v & 0x1F) << 3
				}
				dst[y*stride+x] = byte(s)
			}
		}

	default:
		ps := l.bitDepth / 8
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst[y*stride+x] = raw[(y*w+x)*ps+3-band]
			}
		}
	}
}

// pack stores band from the block src into the packed w x h tile raw.
// Other bands already in raw are left untouched.
func (l pixelLayout) pack(raw []byte, src []byte, stride int, band, w, h int) {
	size := l.dataType.Size()
	switch {
	case l.bands == 1 && l.bitDepth == 1:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				shift := 7 - uint(i&7)
				raw[i>>3] = raw[i>>3]&^(1<<shift) | (src[y*stride+x]&1)<<shift
			}
		}

	case l.bands == 1 && l.bitDepth == 4:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				v := src[y*stride+x] & 0x0F
				if i&1 == 0 {
					raw[i>>1] = raw[i>>1]&0x0F | v<<4
				} else {
					raw[i>>1] = raw[i>>1]&0xF0 | v
				}
			}
		}

	case l.bands == 1:
		for y := 0; y < h; y++ {
			out := raw[y*w*size : (y+1)*w*size]
			in := src[y*stride*size:]
			if size == 1 {
				copy(out, in[:w])
				continue
			}
			for x := 0; x < w; x++ {
				convertSample(out[x*size:], l.order, in[x*size:], binary.NativeEndian, size)
			}
		}

	case l.bitDepth == 16:
		var mask uint16
		switch band {
		case 1:
			mask = 0x7C00
		case 2:
			mask = 0x03E0
		case 3:
			mask = 0x001F
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := raw[(y*w+x)*2:]
				s := uint16(src[y*stride+x])
				var bits uint16
				switch band {
				case 1:
					bits = s << 7
				case 2:
					bits = s << 2
				case 3:
					bits = s >> 3
				}
				l.order.PutUint16(p, l.order.Uint16(p)&^mask|bits&mask)
			}
		}

	default:
		ps := l.bitDepth / 8
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				raw[(y*w+x)*ps+3-band] = src[y*stride+x]
			}
		}
	}
}

// convertSample copies one sample of size bytes between byte orders.
func convertSample(dst []byte, to binary.ByteOrder, src []byte, from binary.ByteOrder, size int) {
	switch size {
	case 2:
		to.PutUint16(dst, from.Uint16(src))
	case 4:
		to.PutUint32(dst, from.Uint32(src))
	case 8:
		to.PutUint64(dst, from.Uint64(src))
	}
}

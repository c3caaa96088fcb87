package compression

import (
	"encoding/binary"
	"errors"
	"math"
)

// DEM compression codes elevation matrices as runs of differences between
// neighbouring samples. Every record starts with a byte whose top three
// bits give the record type and whose low five bits give the run length.

var (
	ErrDEMTruncated   = errors.New("compression: truncated DEM stream")
	ErrDEMOverflow    = errors.New("compression: DEM output buffer overflow")
	ErrDEMUnencodable = errors.New("compression: DEM delta out of range")
)

// OutInt32 marks a sample outside the valid elevation range.
const OutInt32 = math.MinInt32

const (
	demTypeOut   = 0x00
	demTypeZero  = 0x20
	demTypeInt4  = 0x40
	demTypeInt8  = 0x60
	demTypeInt12 = 0x80
	demTypeInt16 = 0xA0
	demTypeInt24 = 0xC0
	demTypeInt32 = 0xE0

	demTypeMask  = 0xE0
	demCountMask = 0x1F

	demShortCount = 32
	demMaxCount   = demShortCount + 255
)

// demWidth describes a delta record: its type byte, field width in bits
// and the reserved value that encodes OutInt32.
type demWidth struct {
	typ      byte
	bits     uint
	sentinel int32
}

var demWidths = []demWidth{
	{demTypeInt4, 4, -8},
	{demTypeInt8, 8, -128},
	{demTypeInt12, 12, -2048},
	{demTypeInt16, 16, -32768},
	{demTypeInt24, 24, -8388608},
	{demTypeInt32, 32, math.MinInt32},
}

// fits reports whether d can be stored in the field without colliding
// with the sentinel.
func (w demWidth) fits(d int32) bool {
	if w.bits == 32 {
		return d != math.MinInt32
	}
	hi := int32(1)<<(w.bits-1) - 1
	return d > w.sentinel && d <= hi
}

// fieldBytes is the encoded size of count values of this width.
func (w demWidth) fieldBytes(count int) int {
	switch w.bits {
	case 4:
		return (count + 1) / 2
	case 12:
		return (3*count + 1) / 2
	default:
		return count * int(w.bits/8)
	}
}

// widthFor returns the narrowest delta record able to hold d.
func widthFor(d int32) (int, bool) {
	for i, w := range demWidths {
		if w.fits(d) {
			return i, true
		}
	}
	return 0, false
}

func signExtend(v uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(v<<shift) >> shift
}

// DEMDecompress decodes src into dst and returns the number of values
// produced. It fails when a record runs past the end of either buffer.
func DEMDecompress(dst []int32, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, ErrDEMTruncated
	}

	var prev int32
	n := 0
	p := 0
	for p < len(src) {
		typ := src[p] & demTypeMask
		count := int(src[p] & demCountMask)
		p++
		if count == 0 {
			if p >= len(src) {
				return 0, ErrDEMTruncated
			}
			count = demShortCount + int(src[p])
			p++
		}
		if n+count > len(dst) {
			return 0, ErrDEMOverflow
		}

		switch typ {
		case demTypeOut:
			for i := 0; i < count; i++ {
				dst[n] = OutInt32
				n++
			}
			continue
		case demTypeZero:
			for i := 0; i < count; i++ {
				dst[n] = prev
				n++
			}
			continue
		}

		w := demWidths[(typ-demTypeInt4)>>5]
		size := w.fieldBytes(count)
		if p+size > len(src) {
			return 0, ErrDEMTruncated
		}
		field := src[p : p+size]
		p += size

		for i := 0; i < count; i++ {
			var d int32
			switch w.bits {
			case 4:
				b := field[i/2]
				if i%2 == 0 {
					d = signExtend(uint32(b&0x0F), 4)
				} else {
					d = signExtend(uint32(b>>4), 4)
				}
			case 8:
				d = int32(int8(field[i]))
			case 12:
				q := i / 2 * 3
				if i%2 == 0 {
					d = signExtend(uint32(field[q])|uint32(field[q+1]&0x0F)<<8, 12)
				} else {
					d = signExtend(uint32(field[q+1]>>4)|uint32(field[q+2])<<4, 12)
				}
			case 16:
				d = int32(int16(binary.LittleEndian.Uint16(field[i*2:])))
			case 24:
				q := i * 3
				d = signExtend(uint32(field[q])|uint32(field[q+1])<<8|uint32(field[q+2])<<16, 24)
			case 32:
				d = int32(binary.LittleEndian.Uint32(field[i*4:]))
			}
			if d == w.sentinel {
				dst[n] = OutInt32
			} else {
				prev += d
				dst[n] = prev
			}
			n++
		}
	}
	return n, nil
}

// demWriter appends records to a bounded output buffer.
type demWriter struct {
	dst []byte
	n   int
	ok  bool
}

func (w *demWriter) header(typ byte, count int) {
	if count < demShortCount {
		w.bytes(typ | byte(count))
		return
	}
	w.bytes(typ, byte(count-demShortCount))
}

func (w *demWriter) bytes(b ...byte) {
	if !w.ok || w.n+len(b) > len(w.dst) {
		w.ok = false
		return
	}
	w.n += copy(w.dst[w.n:], b)
}

func (w *demWriter) deltas(width demWidth, ds []int32) {
	w.header(width.typ, len(ds))
	switch width.bits {
	case 4:
		for i := 0; i < len(ds); i += 2 {
			b := byte(ds[i]) & 0x0F
			if i+1 < len(ds) {
				b |= byte(ds[i+1]) << 4
			}
			w.bytes(b)
		}
	case 8:
		for _, d := range ds {
			w.bytes(byte(d))
		}
	case 12:
		for i := 0; i < len(ds); i += 2 {
			a := uint32(ds[i]) & 0xFFF
			if i+1 == len(ds) {
				w.bytes(byte(a), byte(a>>8))
				break
			}
			b := uint32(ds[i+1]) & 0xFFF
			w.bytes(byte(a), byte(a>>8)|byte(b<<4), byte(b>>4))
		}
	case 16:
		for _, d := range ds {
			w.bytes(byte(d), byte(d>>8))
		}
	case 24:
		for _, d := range ds {
			w.bytes(byte(d), byte(d>>8), byte(d>>16))
		}
	case 32:
		for _, d := range ds {
			w.bytes(byte(d), byte(d>>8), byte(d>>16), byte(d>>24))
		}
	}
}

// DEMCompress encodes src into dst and returns the number of bytes
// written. Runs are chosen greedily: repeated values become zero runs,
// OutInt32 samples become out runs and everything else is grouped by the
// narrowest field that holds its delta.
func DEMCompress(dst []byte, src []int32) (int, error) {
	w := demWriter{dst: dst, ok: true}
	deltas := make([]int32, 0, demMaxCount)

	var prev int32
	i := 0
	for i < len(src) {
		v := src[i]

		if v == OutInt32 {
			j := i
			for j < len(src) && src[j] == OutInt32 && j-i < demMaxCount {
				j++
			}
			w.header(demTypeOut, j-i)
			i = j
			continue
		}

		if v == prev {
			j := i
			for j < len(src) && src[j] == prev && j-i < demMaxCount {
				j++
			}
			w.header(demTypeZero, j-i)
			i = j
			continue
		}

		wi, ok := widthFor(v - prev)
		if !ok {
			return 0, ErrDEMUnencodable
		}
		width := demWidths[wi]

		deltas = deltas[:0]
		p := prev
		j := i
		for j < len(src) && len(deltas) < demMaxCount {
			vj := src[j]
			if vj == OutInt32 {
				break
			}
			// Two or more repeats are cheaper as a zero run.
			if vj == p && j+1 < len(src) && src[j+1] == p {
				break
			}
			dj := vj - p
			k, ok := widthFor(dj)
			if !ok || k > wi {
				break
			}
			deltas = append(deltas, dj)
			p = vj
			j++
		}
		w.deltas(width, deltas)
		prev = p
		i = j
	}

	if !w.ok {
		return 0, ErrDEMOverflow
	}
	return w.n, nil
}

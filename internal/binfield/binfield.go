// Package binfield provides typed access to fixed-offset fields of a
// binary record stored in a given byte order.
package binfield

import (
	"encoding/binary"
	"math"
)

// Record is a view over a byte slice whose fields live at fixed offsets.
// Out of range accesses panic like ordinary slice indexing.
type Record struct {
	buf   []byte
	order binary.ByteOrder
}

// New returns a record over buf using the given byte order.
func New(buf []byte, order binary.ByteOrder) Record {
	return Record{buf: buf, order: order}
}

// Bytes returns the underlying buffer.
func (r Record) Bytes() []byte { return r.buf }

// Order returns the record's byte order.
func (r Record) Order() binary.ByteOrder { return r.order }

// Uint8 reads a byte at off.
func (r Record) Uint8(off int) uint8 { return r.buf[off] }

// PutUint8 stores a byte at off.
func (r Record) PutUint8(off int, v uint8) { r.buf[off] = v }

// Uint16 reads an unsigned 16-bit field at off.
func (r Record) Uint16(off int) uint16 { return r.order.Uint16(r.buf[off:]) }

// PutUint16 stores an unsigned 16-bit field at off.
func (r Record) PutUint16(off int, v uint16) { r.order.PutUint16(r.buf[off:], v) }

// Uint32 reads an unsigned 32-bit field at off.
func (r Record) Uint32(off int) uint32 { return r.order.Uint32(r.buf[off:]) }

// PutUint32 stores an unsigned 32-bit field at off.
func (r Record) PutUint32(off int, v uint32) { r.order.PutUint32(r.buf[off:], v) }

// Int32 reads a signed 32-bit field at off.
func (r Record) Int32(off int) int32 { return int32(r.Uint32(off)) }

// PutInt32 stores a signed 32-bit field at off.
func (r Record) PutInt32(off int, v int32) { r.PutUint32(off, uint32(v)) }

// Float64 reads an IEEE 754 double at off.
func (r Record) Float64(off int) float64 {
	return math.Float64frombits(r.order.Uint64(r.buf[off:]))
}

// PutFloat64 stores an IEEE 754 double at off.
func (r Record) PutFloat64(off int, v float64) {
	r.order.PutUint64(r.buf[off:], math.Float64bits(v))
}

// Array copies len(dst) bytes starting at off into dst.
func (r Record) Array(off int, dst []byte) { copy(dst, r.buf[off:off+len(dst)]) }

// PutArray copies src into the record starting at off.
func (r Record) PutArray(off int, src []byte) { copy(r.buf[off:off+len(src)], src) }

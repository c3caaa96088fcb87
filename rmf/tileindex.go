package rmf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mrjoshuak/go-rmf/internal/binfield"
)

var ErrInvalidTileIndex = errors.New("rmf: invalid tile index")

const tileEntrySize = 8

// TileEntry locates the stored bytes of one tile. A zero Offset marks a
// tile that was never written.
type TileEntry struct {
	Offset uint32 // stored offset, see Header.FileOffset
	Size   uint32 // exact stored length for the clipped tile
}

// TileIndex is the row-major table of tile entries.
type TileIndex struct {
	entries []TileEntry
}

// NewTileIndex returns an index of n unwritten tiles.
func NewTileIndex(n int) *TileIndex {
	return &TileIndex{entries: make([]TileEntry, n)}
}

// ParseTileIndex decodes a tile index blob of (offset, size) pairs.
func ParseTileIndex(b []byte, order binary.ByteOrder) (*TileIndex, error) {
	if len(b)%tileEntrySize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of entries", ErrInvalidTileIndex, len(b))
	}
	r := binfield.New(b, order)
	t := NewTileIndex(len(b) / tileEntrySize)
	for i := range t.entries {
		t.entries[i] = TileEntry{
			Offset: r.Uint32(i * tileEntrySize),
			Size:   r.Uint32(i*tileEntrySize + 4),
		}
	}
	return t, nil
}

// AppendBinary appends the encoded index to b.
func (t *TileIndex) AppendBinary(b []byte, order binary.ByteOrder) []byte {
	start := len(b)
	b = append(b, make([]byte, len(t.entries)*tileEntrySize)...)
	w := binfield.New(b[start:], order)
	for i, e := range t.entries {
		w.PutUint32(i*tileEntrySize, e.Offset)
		w.PutUint32(i*tileEntrySize+4, e.Size)
	}
	return b
}

// Len returns the number of entries.
func (t *TileIndex) Len() int { return len(t.entries) }

// ByteSize returns the encoded size of the index.
func (t *TileIndex) ByteSize() int { return len(t.entries) * tileEntrySize }

// At returns entry i and whether i is inside the index.
func (t *TileIndex) At(i int) (TileEntry, bool) {
	if i < 0 || i >= len(t.entries) {
		return TileEntry{}, false
	}
	return t.entries[i], true
}

// Set replaces entry i.
func (t *TileIndex) Set(i int, e TileEntry) bool {
	if i < 0 || i >= len(t.entries) {
		return false
	}
	t.entries[i] = e
	return true
}

// Written returns the number of entries that point at stored data.
func (t *TileIndex) Written() int {
	n := 0
	for _, e := range t.entries {
		if e.Offset != 0 {
			n++
		}
	}
	return n
}

// End returns the largest file position covered by a stored tile.
func (t *TileIndex) End(h *Header) int64 {
	var end int64
	for _, e := range t.entries {
		if e.Offset == 0 {
			continue
		}
		end = max(end, h.FileOffset(e.Offset)+int64(e.Size))
	}
	return end
}

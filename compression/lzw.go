package compression

import (
	"bytes"
	"errors"
	"sync"

	"github.com/32bitkid/bitreader"
)

// LZW compression for RMF tiles.
// Codes are 12 bits wide and index a 4096 slot hash table that holds the
// dictionary itself, so encoder and decoder must probe the table the same
// way to stay in step.

var (
	ErrLZWEmpty         = errors.New("compression: empty LZW input")
	ErrLZWTruncated     = errors.New("compression: truncated LZW stream")
	ErrLZWCorrupted     = errors.New("compression: corrupted LZW stream")
	ErrLZWStackOverflow = errors.New("compression: LZW decode stack overflow")
	ErrLZWOverflow      = errors.New("compression: LZW output buffer overflow")
)

const (
	lzwTableSize = 4096
	lzwNoPred    = 0xFFFF
	lzwCodeBits  = 12
	lzwProbeStep = 101

	// Dictionary entries added beyond the 256 roots before it freezes.
	lzwMaxAdded = lzwTableSize - 256
)

type lzwEntry struct {
	used     bool
	next     uint32 // next slot in the collision chain, 0 ends it
	pred     uint32
	follower byte
}

type lzwTable [lzwTableSize]lzwEntry

// lzwHash is the mid-square hash of a (predecessor, follower) pair.
func lzwHash(pred uint32, follower byte) uint32 {
	h := uint32(int32(pred)+int32(int8(follower))) | 0x800
	return (h * h >> 6) & (lzwTableSize - 1)
}

func (t *lzwTable) init() {
	*t = lzwTable{}
	for c := 0; c < 256; c++ {
		t.insert(lzwNoPred, byte(c))
	}
}

// insert places (pred, follower) in the first free slot of its chain.
func (t *lzwTable) insert(pred uint32, follower byte) {
	slot := lzwHash(pred, follower)
	if t[slot].used {
		for t[slot].next != 0 {
			slot = t[slot].next
		}
		free := (slot + lzwProbeStep) & (lzwTableSize - 1)
		for t[free].used {
			free = (free + 1) & (lzwTableSize - 1)
		}
		t[slot].next = free
		slot = free
	}
	t[slot] = lzwEntry{used: true, pred: pred, follower: follower}
}

// find returns the slot holding (pred, follower).
func (t *lzwTable) find(pred uint32, follower byte) (uint32, bool) {
	slot := lzwHash(pred, follower)
	for {
		e := &t[slot]
		if !e.used {
			return 0, false
		}
		if e.pred == pred && e.follower == follower {
			return slot, true
		}
		if e.next == 0 {
			return 0, false
		}
		slot = e.next
	}
}

// lzwTablePool recycles dictionaries across tiles; each one is 64KB.
var lzwTablePool = sync.Pool{
	New: func() any {
		return new(lzwTable)
	},
}

func getTable() *lzwTable {
	t := lzwTablePool.Get().(*lzwTable)
	t.init()
	return t
}

// codeWriter packs 12-bit codes MSB first, two codes per three bytes.
type codeWriter struct {
	dst  []byte
	n    int
	half bool // a code ended in the middle of dst[n-1]
}

func (w *codeWriter) put(code uint32) bool {
	if !w.half {
		if w.n+2 > len(w.dst) {
			return false
		}
		w.dst[w.n] = byte(code >> 4)
		w.dst[w.n+1] = byte(code&0x0F) << 4
		w.n += 2
	} else {
		if w.n+1 > len(w.dst) {
			return false
		}
		w.dst[w.n-1] |= byte(code >> 8)
		w.dst[w.n] = byte(code)
		w.n++
	}
	w.half = !w.half
	return true
}

// LZWCompress compresses src into dst and returns the number of bytes
// written. It fails with ErrLZWOverflow when dst cannot hold the result.
func LZWCompress(dst, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, ErrLZWEmpty
	}

	tab := getTable()
	defer lzwTablePool.Put(tab)

	w := codeWriter{dst: dst}
	code, _ := tab.find(lzwNoPred, src[0])
	remaining := lzwMaxAdded

	for _, c := range src[1:] {
		if next, ok := tab.find(code, c); ok {
			code = next
			continue
		}
		if !w.put(code) {
			return 0, ErrLZWOverflow
		}
		if remaining > 0 {
			remaining--
			tab.insert(code, c)
		}
		code, _ = tab.find(lzwNoPred, c)
	}
	if !w.put(code) {
		return 0, ErrLZWOverflow
	}
	return w.n, nil
}

// LZWDecompress decodes src into dst and returns the number of bytes
// produced. Decoding stops when fewer than 12 bits of input remain.
func LZWDecompress(dst, src []byte) (int, error) {
	if len(src) < 2 {
		return 0, ErrLZWTruncated
	}

	tab := getTable()
	defer lzwTablePool.Put(tab)

	br := bitreader.NewReader(bytes.NewReader(src))
	first, err := br.Read16(lzwCodeBits)
	if err != nil {
		return 0, ErrLZWTruncated
	}
	oldCode := uint32(first)
	if !tab[oldCode].used {
		return 0, ErrLZWCorrupted
	}
	if len(dst) == 0 {
		return 0, ErrLZWOverflow
	}

	finChar := tab[oldCode].follower
	dst[0] = finChar
	n := 1
	remaining := lzwMaxAdded

	var stack [lzwTableSize]byte
	for {
		next, err := br.Read16(lzwCodeBits)
		if err != nil {
			break
		}
		inCode := uint32(next)
		code := inCode

		// KwKwK: the code is the entry the encoder added on its last step.
		var lastChar byte
		newCode := false
		if !tab[code].used {
			code = oldCode
			lastChar = finChar
			newCode = true
		}

		sp := 0
		for tab[code].pred != lzwNoPred {
			if sp >= len(stack) {
				return 0, ErrLZWStackOverflow
			}
			stack[sp] = tab[code].follower
			sp++
			code = tab[code].pred
		}

		if n+sp+1 > len(dst) {
			return 0, ErrLZWOverflow
		}
		finChar = tab[code].follower
		dst[n] = finChar
		n++
		for sp > 0 {
			sp--
			dst[n] = stack[sp]
			n++
		}
		if newCode {
			if n >= len(dst) {
				return 0, ErrLZWOverflow
			}
			finChar = lastChar
			dst[n] = lastChar
			n++
		}

		if remaining > 0 {
			remaining--
			tab.insert(oldCode, finChar)
		}
		oldCode = inCode
	}
	return n, nil
}

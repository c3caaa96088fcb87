// Package compression provides the tile codecs used by RMF files.
package compression

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Method is the compression code stored in the RMF header.
type Method uint8

// Compression methods
const (
	None Method = 0  // Uncompressed tiles
	LZW  Method = 1  // 12-bit dictionary coding
	JPEG Method = 2  // Lossy, only available through Register
	DEM  Method = 32 // Differential coding of 32-bit elevations
)

// String returns the creation option spelling of the method.
func (m Method) String() string {
	switch m {
	case None:
		return "NONE"
	case LZW:
		return "LZW"
	case JPEG:
		return "JPEG"
	case DEM:
		return "RMF_DEM"
	default:
		return fmt.Sprintf("Method(%d)", uint8(m))
	}
}

var (
	ErrUnsupported = errors.New("compression: unsupported method")
	ErrBufferSize  = errors.New("compression: buffer size is not a multiple of the sample size")
)

// Codec compresses and decompresses a single tile. Implementations must
// be safe for concurrent use; the tile pipeline calls Compress from
// several goroutines at once.
type Codec interface {
	// Compress writes the compressed form of src into dst and returns
	// the number of bytes written. It fails when dst is too small.
	Compress(dst, src []byte, width, height int) (int, error)

	// Decompress decodes src into dst and returns the number of bytes
	// produced. It never writes past len(dst).
	Decompress(dst, src []byte, width, height int) (int, error)
}

var registry = struct {
	sync.RWMutex
	codecs map[Method]Codec
}{
	codecs: map[Method]Codec{
		LZW: lzwCodec{},
		DEM: demCodec{},
	},
}

// Register installs the codec used for method m, replacing any previous
// one. It is meant for the JPEG slot, which this package does not implement.
func Register(m Method, c Codec) {
	registry.Lock()
	defer registry.Unlock()
	registry.codecs[m] = c
}

// Lookup returns the codec for m. None yields a nil codec.
func Lookup(m Method) (Codec, error) {
	if m == None {
		return nil, nil
	}
	registry.RLock()
	c, ok := registry.codecs[m]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, m)
	}
	return c, nil
}

type lzwCodec struct{}

func (lzwCodec) Compress(dst, src []byte, _, _ int) (int, error) {
	return LZWCompress(dst, src)
}

func (lzwCodec) Decompress(dst, src []byte, _, _ int) (int, error) {
	return LZWDecompress(dst, src)
}

// demCodec adapts the DEM coder to tiles of little-endian int32 samples.
type demCodec struct{}

var demValuePool = sync.Pool{
	New: func() any {
		return &[]int32{}
	},
}

func getValues(n int) *[]int32 {
	p := demValuePool.Get().(*[]int32)
	if cap(*p) < n {
		*p = make([]int32, n)
	}
	*p = (*p)[:n]
	return p
}

func (demCodec) Compress(dst, src []byte, _, _ int) (int, error) {
	if len(src)%4 != 0 {
		return 0, ErrBufferSize
	}
	p := getValues(len(src) / 4)
	defer demValuePool.Put(p)
	values := *p
	for i := range values {
		values[i] = int32(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return DEMCompress(dst, values)
}

func (demCodec) Decompress(dst, src []byte, _, _ int) (int, error) {
	if len(dst)%4 != 0 {
		return 0, ErrBufferSize
	}
	p := getValues(len(dst) / 4)
	defer demValuePool.Put(p)
	values := *p
	n, err := DEMDecompress(values, src)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(dst[i*4:], uint32(values[i]))
	}
	return n * 4, nil
}

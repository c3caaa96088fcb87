package rmf

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"

	"github.com/mrjoshuak/go-rmf/compression"
)

// HugeMode selects when a new file stores offsets in 256-byte units.
type HugeMode int

const (
	HugeNo      HugeMode = iota // plain 32-bit offsets, files up to 4 GiB
	HugeYes                     // always use 256-byte units
	HugeIfSafer                 // switch when the raster may exceed 3 GiB
)

// CreateOptions configures Create and CreateStorage.
type CreateOptions struct {
	// BlockXSize and BlockYSize set the tile size. Zero picks 256,
	// clamped to the raster size.
	BlockXSize int
	BlockYSize int

	// MTW creates an elevation matrix instead of a raster image.
	MTW bool

	Compression compression.Method
	JPEGQuality int

	// NumThreads is the number of tile compression workers.
	NumThreads int

	Huge HugeMode

	Logger *slog.Logger
}

// Parse applies GDAL style KEY=VALUE creation options: BLOCKXSIZE,
// BLOCKYSIZE, MTW, COMPRESS, JPEG_QUALITY, NUM_THREADS and RMFHUGE. Keys
// are case insensitive; unknown keys are logged and ignored.
func (o *CreateOptions) Parse(options []string) error {
	for _, opt := range options {
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			return fmt.Errorf("rmf: creation option %q is not KEY=VALUE", opt)
		}
		if err := o.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Set applies a single creation option.
func (o *CreateOptions) Set(key, value string) error {
	logger := loggerOrDiscard(o.Logger)
	value = strings.TrimSpace(value)

	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "BLOCKXSIZE":
		n, err := positiveInt(key, value)
		if err != nil {
			return err
		}
		o.BlockXSize = n
	case "BLOCKYSIZE":
		n, err := positiveInt(key, value)
		if err != nil {
			return err
		}
		o.BlockYSize = n
	case "MTW":
		b, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("rmf: MTW: %w", err)
		}
		o.MTW = b
	case "COMPRESS":
		switch strings.ToUpper(value) {
		case "NONE":
			o.Compression = compression.None
		case "LZW":
			o.Compression = compression.LZW
		case "JPEG":
			o.Compression = compression.JPEG
		case "RMF_DEM":
			o.Compression = compression.DEM
		default:
			logger.Warn("unknown compression, storing tiles uncompressed", "compress", value)
			o.Compression = compression.None
		}
	case "JPEG_QUALITY":
		n, err := strconv.Atoi(value)
		if err != nil || n < 10 || n > 100 {
			return fmt.Errorf("rmf: JPEG_QUALITY must be between 10 and 100, got %q", value)
		}
		o.JPEGQuality = n
	case "NUM_THREADS":
		n, err := parseThreads(value)
		if err != nil {
			return err
		}
		o.NumThreads = n
	case "RMFHUGE":
		switch strings.ToUpper(value) {
		case "NO":
			o.Huge = HugeNo
		case "YES":
			o.Huge = HugeYes
		case "IF_SAFER":
			o.Huge = HugeIfSafer
		default:
			return fmt.Errorf("rmf: RMFHUGE must be NO, YES or IF_SAFER, got %q", value)
		}
	default:
		logger.Warn("ignoring unknown creation option", "key", key)
	}
	return nil
}

// useHuge decides the offset units of a new file.
func (o *CreateOptions) useHuge(width, height, bands int, dt DataType) bool {
	switch o.Huge {
	case HugeYes:
		return true
	case HugeIfSafer:
		return int64(width)*int64(height)*int64(bands)*int64(dt.Size()) > hugeSafeLimit
	default:
		return false
	}
}

// parseThreads accepts a count or ALL_CPUS and clamps it to 0..1024.
func parseThreads(value string) (int, error) {
	if strings.EqualFold(value, "ALL_CPUS") {
		return min(runtime.NumCPU(), maxThreads), nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("rmf: NUM_THREADS must be a number or ALL_CPUS, got %q", value)
	}
	return min(max(n, 0), maxThreads), nil
}

func positiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("rmf: %s must be a positive integer, got %q", strings.ToUpper(key), value)
	}
	return n, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToUpper(value) {
	case "YES", "TRUE", "ON", "1":
		return true, nil
	case "NO", "FALSE", "OFF", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", value)
}

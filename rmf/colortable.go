package rmf

import (
	"image/color"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// ColorTable is the palette of a 1, 4 or 8-bit single band raster. On disk
// each entry takes four bytes: red, green, blue and a reserved zero.
type ColorTable []color.RGBA

func colorTableEntries(bitDepth uint32) int {
	return 1 << bitDepth
}

func parseColorTable(b []byte) ColorTable {
	ct := make(ColorTable, len(b)/4)
	for i := range ct {
		ct[i] = color.RGBA{R: b[i*4], G: b[i*4+1], B: b[i*4+2], A: 0xFF}
	}
	return ct
}

func (ct ColorTable) marshal() []byte {
	b := make([]byte, len(ct)*4)
	for i, c := range ct {
		b[i*4] = c.R
		b[i*4+1] = c.G
		b[i*4+2] = c.B
	}
	return b
}

// GrayRamp returns the default table written for new palette rasters,
// where entry i is (i, i, i).
func GrayRamp(n int) ColorTable {
	ct := make(ColorTable, n)
	for i := range ct {
		v := uint8(i)
		ct[i] = color.RGBA{R: v, G: v, B: v, A: 0xFF}
	}
	return ct
}

// Palette returns the table as an image palette.
func (ct ColorTable) Palette() color.Palette {
	p := make(color.Palette, len(ct))
	for i, c := range ct {
		p[i] = c
	}
	return p
}

// Hex returns entry i in #rrggbb notation.
func (ct ColorTable) Hex(i int) string {
	c, _ := colorful.MakeColor(ct[i])
	return c.Hex()
}

// Nearest returns the index of the entry perceptually closest to c,
// measured in CIE L*a*b* space.
func (ct ColorTable) Nearest(c color.Color) int {
	want, ok := colorful.MakeColor(c)
	if !ok {
		// Fully transparent colours have no defined hue.
		want = colorful.Color{}
	}
	best, bestDist := 0, math.Inf(1)
	for i, e := range ct {
		have, _ := colorful.MakeColor(e)
		if d := want.DistanceLab(have); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

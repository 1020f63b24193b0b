package resample

import (
	"github.com/Skryldev/imageio/core"
	"github.com/Skryldev/imageio/orient"
)

// Bayer colour indices used by the filter helpers.
const (
	Red   = 0
	Green = 1
	Blue  = 2
)

// FilterColor returns the colour index of the sensor site at (row, col) for a
// dcraw-encoded filter word.
func FilterColor(filters uint32, row, col int) int {
	return int(filters >> ((((row << 1) & 14) | (col & 1)) << 1) & 3)
}

// FiltersFromPattern builds a dcraw filter word from a 2x2 CFA pattern given
// in row-major order (top-left, top-right, bottom-left, bottom-right).
func FiltersFromPattern(p [4]uint8) uint32 {
	var filters uint32
	for row := 0; row < 8; row++ {
		for col := 0; col < 2; col++ {
			c := uint32(p[(row&1)*2+(col&1)] & 3)
			filters |= c << ((((row << 1) & 14) | (col & 1)) << 1)
		}
	}
	return filters
}

// Superpixel collapses each 2x2 block of a single-channel mosaic into one
// 3-channel pixel. The two green sites are averaged. Odd trailing rows and
// columns are dropped.
func Superpixel(cfa Image[float32], filters uint32) Image[float32] {
	w, h := cfa.Width/2, cfa.Height/2
	out := NewImage[float32](w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [3]float32
			var n [3]float32
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					row, col := 2*y+dy, 2*x+dx
					c := FilterColor(filters, row, col)
					if c > Blue {
						c = Green
					}
					sum[c] += cfa.Pix[(row*cfa.Width+col)*cfa.Channels]
					n[c]++
				}
			}
			px := out.Pix[(y*w+x)*3 : (y*w+x)*3+3]
			for c := range px {
				if n[c] > 0 {
					px[c] = sum[c] / n[c]
				}
			}
		}
	}
	return out
}

// OrientFilters returns the filter word of a w*h mosaic after it has been
// placed under o.
func OrientFilters(filters uint32, w, h int, o core.Orientation) uint32 {
	if filters == 0 || o == core.OrientNone {
		return filters
	}
	var p [4]uint8
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			i, j := orient.Source(x, y, w, h, o)
			p[y*2+x] = uint8(FilterColor(filters, j, i))
		}
	}
	return FiltersFromPattern(p)
}

// Package orient maps source pixels to destination offsets under the 3-bit
// orientation code shared by every decoder and the export path.
package orient

import (
	"github.com/Skryldev/imageio/core"
	"github.com/Skryldev/imageio/utils"
)

// Place returns the linear pixel offset of source pixel (i, j) in a
// destination whose pretend-unrotated capacity is wd*ht and whose valid frame
// is fwd*fht. With the transpose bit set the roles of rows and columns are
// swapped first; mirrors then reflect against the frame in destination space.
func Place(i, j, wd, ht, fwd, fht int, o core.Orientation) int {
	ii, jj := i, j
	w := wd
	fw, fh := fwd, fht
	if o&core.OrientSwapXY != 0 {
		w = ht
		ii, jj = j, i
		fw, fh = fht, fwd
	}
	if o&core.OrientFlipX != 0 {
		ii = fw - ii - 1
	}
	if o&core.OrientFlipY != 0 {
		jj = fh - jj - 1
	}
	return jj*w + ii
}

// Source is the inverse of Place for a w*h source placed whole: it returns
// the source pixel that lands on destination pixel (x, y).
func Source(x, y, w, h int, o core.Orientation) (int, int) {
	fw, fh := w, h
	if o.Swapped() {
		fw, fh = h, w
	}
	ii, jj := x, y
	if o&core.OrientFlipX != 0 {
		ii = fw - x - 1
	}
	if o&core.OrientFlipY != 0 {
		jj = fh - y - 1
	}
	if o.Swapped() {
		return jj, ii
	}
	return ii, jj
}

// Dims returns the destination extent of a w*h source under o.
func Dims(w, h int, o core.Orientation) (int, int) {
	if o.Swapped() {
		return h, w
	}
	return w, h
}

// Frame is a placement target expressed in pretend-unrotated coordinates.
type Frame struct {
	// PW2/PH2 is the capacity as seen from the source.
	PW2, PH2 int
	// FW2/FH2 is the valid image extent as seen from the source.
	FW2, FH2 int
}

// Normalize converts a destination capacity (pw, ph) and exact image extent
// (fw, fh), both in display orientation, into source-space coordinates. The
// transpose is folded in here so Place never applies it twice.
func Normalize(o core.Orientation, pw, ph int, fw, fh float64) Frame {
	f := Frame{PW2: pw, PH2: ph}
	ufw, ufh := fw, fh
	if o.Swapped() {
		f.PW2, f.PH2 = ph, pw
		ufw, ufh = fh, fw
	}
	f.FW2 = min(f.PW2, int(ufw+1.0))
	f.FH2 = min(f.PH2, int(ufh+1.0))
	return f
}

// Display returns the frame extent in display orientation.
func (f Frame) Display(o core.Orientation) (int, int) {
	return Dims(f.FW2, f.FH2, o)
}

// Blit copies a packed w*h source with ch channels into dst, which holds the
// oriented image (Dims(w, h, o)) with the same channel count. Orientation 0
// uses a straight row copy.
func Blit[T any](dst, src []T, w, h, ch int, o core.Orientation) {
	if o == core.OrientNone {
		copyRows(dst, src, w, h, ch)
		return
	}
	placeAll(dst, src, w, h, ch, o)
}

func copyRows[T any](dst, src []T, w, h, ch int) {
	stride := w * ch
	utils.ParallelRows(h, func(start, end int) {
		for j := start; j < end; j++ {
			copy(dst[j*stride:(j+1)*stride], src[j*stride:(j+1)*stride])
		}
	})
}

// placeAll is the general path; source rows map to disjoint destination
// pixels, so row ranges can run concurrently.
func placeAll[T any](dst, src []T, w, h, ch int, o core.Orientation) {
	utils.ParallelRows(h, func(start, end int) {
		for j := start; j < end; j++ {
			row := src[j*w*ch : (j+1)*w*ch]
			for i := 0; i < w; i++ {
				off := ch * Place(i, j, w, h, w, h, o)
				copy(dst[off:off+ch], row[i*ch:(i+1)*ch])
			}
		}
	})
}

// FromEXIF converts an EXIF/TIFF orientation tag (1-8) to a code. Unknown
// values map to the identity.
func FromEXIF(v int) core.Orientation {
	switch v {
	case 2:
		return core.OrientFlipX
	case 3:
		return core.OrientFlipX | core.OrientFlipY
	case 4:
		return core.OrientFlipY
	case 5:
		return core.OrientSwapXY
	case 6:
		return core.OrientSwapXY | core.OrientFlipX
	case 7:
		return core.OrientSwapXY | core.OrientFlipX | core.OrientFlipY
	case 8:
		return core.OrientSwapXY | core.OrientFlipY
	}
	return core.OrientNone
}

// ToEXIF is the inverse of FromEXIF.
func ToEXIF(o core.Orientation) int {
	for v := 1; v <= 8; v++ {
		if FromEXIF(v) == o {
			return v
		}
	}
	return 1
}

// Package resample places decoded sources into tier buffers, decimating
// with nearest-neighbour sampling when the source exceeds the tier.
package resample

import (
	"github.com/Skryldev/imageio/core"
	"github.com/Skryldev/imageio/orient"
	"github.com/Skryldev/imageio/utils"
)

// Sample is any supported per-channel sample type.
type Sample interface {
	~uint8 | ~uint16 | ~float32
}

// Image is a packed, interleaved source image.
type Image[S Sample] struct {
	Pix      []S
	Width    int
	Height   int
	Channels int
}

// NewImage allocates a zeroed w*h image.
func NewImage[S Sample](w, h, channels int) Image[S] {
	return Image[S]{Pix: make([]S, w*h*channels), Width: w, Height: h, Channels: channels}
}

// Target describes a destination tier in display orientation.
type Target struct {
	Width, Height           int     // capacity
	ExactWidth, ExactHeight float64 // image extent inside the capacity
	Orientation             core.Orientation
}

// ScaleToFit writes src into dst (dstCh channels per pixel), applying the
// target orientation. When the source matches the capacity it is copied 1:1;
// otherwise it is decimated by s = max(srcW/exactW, srcH/exactH) with
// nearest-neighbour sampling after dst has been zeroed. conv converts one
// sample; swap stores channel k at 2-k. It returns the display extent of the
// written frame.
func ScaleToFit[S, D Sample](dst []D, dstCh int, src Image[S], t Target, conv func(S) D, swap bool) (int, int) {
	f := orient.Normalize(t.Orientation, t.Width, t.Height, t.ExactWidth, t.ExactHeight)
	if src.Width == f.PW2 && src.Height == f.PH2 {
		f.FW2, f.FH2 = f.PW2, f.PH2
		direct(dst, dstCh, src, f, t.Orientation, conv, swap)
		return f.Display(t.Orientation)
	}
	ufw, ufh := t.ExactWidth, t.ExactHeight
	if t.Orientation.Swapped() {
		ufw, ufh = ufh, ufw
	}
	s := max(float64(src.Width)/ufw, float64(src.Height)/ufh)
	f.FW2 = extent(src.Width, s, f.PW2)
	f.FH2 = extent(src.Height, s, f.PH2)
	clear(dst)
	scaled(dst, dstCh, src, f, t.Orientation, s, conv, swap)
	return f.Display(t.Orientation)
}

// Scale returns the decimation factor ScaleToFit uses for a source of
// srcW*srcH, or 1 when the 1:1 path applies.
func Scale(srcW, srcH int, t Target) float64 {
	f := orient.Normalize(t.Orientation, t.Width, t.Height, t.ExactWidth, t.ExactHeight)
	if srcW == f.PW2 && srcH == f.PH2 {
		return 1
	}
	ufw, ufh := t.ExactWidth, t.ExactHeight
	if t.Orientation.Swapped() {
		ufw, ufh = ufh, ufw
	}
	return max(float64(srcW)/ufw, float64(srcH)/ufh)
}

// extent counts the destination positions i < limit with s*i < n.
func extent(n int, s float64, limit int) int {
	c := 0
	for c < limit && s*float64(c) < float64(n) {
		c++
	}
	return c
}

// direct is the 1:1 path.
func direct[S, D Sample](dst []D, dstCh int, src Image[S], f orient.Frame, o core.Orientation, conv func(S) D, swap bool) {
	utils.ParallelRows(src.Height, func(start, end int) {
		for j := start; j < end; j++ {
			for i := 0; i < src.Width; i++ {
				off := dstCh * orient.Place(i, j, f.PW2, f.PH2, f.FW2, f.FH2, o)
				put(dst[off:off+dstCh], src, j*src.Width+i, conv, swap)
			}
		}
	})
}

// scaled is the decimating path; dst must already be zeroed. It walks the
// display frame and samples the oriented source at int(s*x), int(s*y), so
// mirrored placements pick the same pixels as decimating an already
// oriented full image.
func scaled[S, D Sample](dst []D, dstCh int, src Image[S], f orient.Frame, o core.Orientation, s float64, conv func(S) D, swap bool) {
	dw, dh := f.Display(o)
	stride, _ := orient.Dims(f.PW2, f.PH2, o)
	sw, sh := orient.Dims(src.Width, src.Height, o)
	utils.ParallelRows(dh, func(start, end int) {
		for y := start; y < end; y++ {
			dy := min(int(s*float64(y)), sh-1)
			for x := 0; x < dw; x++ {
				dx := min(int(s*float64(x)), sw-1)
				si, sj := orient.Source(dx, dy, src.Width, src.Height, o)
				off := dstCh * (y*stride + x)
				put(dst[off:off+dstCh], src, sj*src.Width+si, conv, swap)
			}
		}
	})
}

// put copies up to three colour channels of source pixel idx. Single-channel
// sources are replicated; a fourth destination channel is left untouched.
func put[S, D Sample](px []D, src Image[S], idx int, conv func(S) D, swap bool) {
	in := src.Pix[idx*src.Channels : (idx+1)*src.Channels]
	n := min(3, len(px))
	swap = swap && n == 3
	for k := 0; k < n; k++ {
		c := k
		if c >= len(in) {
			c = len(in) - 1
		}
		dk := k
		if swap {
			dk = 2 - k
		}
		px[dk] = conv(in[c])
	}
}

// Identity returns a conversion that keeps the sample value.
func Identity[S Sample]() func(S) S {
	return func(v S) S { return v }
}

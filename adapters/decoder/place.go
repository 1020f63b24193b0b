// Package decoder wraps the format libraries behind core.Decoder. Every
// adapter decodes into a plain source image and hands it to place, which
// fills the requested tier through the cache.
package decoder

import (
	"image"
	"os"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/imageio/core"
	"github.com/Skryldev/imageio/mipmap"
	"github.com/Skryldev/imageio/resample"
)

// Env is what every adapter needs besides its library.
type Env struct {
	Cache    core.BufferCache
	Geometry core.Geometry
	Logger   core.Logger
	// MaxBytes bounds the size of a source file read into memory; 0 = no limit.
	MaxBytes int64
	// ChunkSize is the read size for source files; 0 = utils.DefaultChunkSize.
	ChunkSize int
	// NeverUseEmbeddedThumb disables the RAW embedded preview fast path.
	NeverUseEmbeddedThumb bool
}

// guard releases library handles and scratch buffers on every exit path.
type guard struct {
	closers []func()
}

func (g *guard) add(fn func()) { g.closers = append(g.closers, fn) }

func (g *guard) file(f *os.File) { g.add(func() { _ = f.Close() }) }

// Close runs the closers in reverse order.
func (g *guard) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}

// place writes src into the tier requested by req. Display tiers receive
// to8(sample) in BGR order; float tiers receive toF(sample). A mosaic
// (filters != 0) written to the full tier stays one channel, with filters
// re-expressed in placed orientation.
func place[S resample.Sample](env Env, op string, req *core.Request, src resample.Image[S], filters uint32, to8 func(S) uint8, toF func(S) float32) error {
	img := req.Image
	tier := req.Target()
	w, h := env.Geometry.MipSize(img, tier)
	ew, eh := env.Geometry.ExactMipSize(img, tier)
	ch := 4
	if tier == core.Full && filters != 0 {
		ch = 1
	}

	scope, err := env.Cache.Acquire(img.ID, tier, core.ModeWrite)
	if err != nil {
		return err
	}
	buf, err := scope.Alloc(w, h, ch)
	if err != nil {
		_ = scope.Release()
		return err
	}

	t := resample.Target{
		Width: w, Height: h,
		ExactWidth: ew, ExactHeight: eh,
		Orientation: img.Orientation,
	}
	if tier.Is8Bit() {
		buf.FrameWidth, buf.FrameHeight = resample.ScaleToFit(buf.U8, ch, src, t, to8, true)
	} else {
		buf.FrameWidth, buf.FrameHeight = resample.ScaleToFit(buf.F32, ch, src, t, toF, false)
	}
	buf.Filters = 0
	if ch == 1 {
		buf.Filters = resample.OrientFilters(filters, src.Width, src.Height, img.Orientation)
	}

	// The decode succeeded once the pixels are in; a failed derived-tier
	// refresh only leaves the coarser tiers stale.
	if err := scope.Release(); err != nil && env.Logger != nil {
		env.Logger.Warn(op+".refresh", "image_id", img.ID, "tier", tier.String(), "error", err)
	}
	return nil
}

// PlaceRGB8 places a demosaiced, display-referred 8-bit source.
func PlaceRGB8(env Env, op string, req *core.Request, src resample.Image[uint8]) error {
	return place(env, op, req, src, 0, u8Identity, u8Linear)
}

// PlaceRGB16 places a demosaiced, display-referred 16-bit source.
func PlaceRGB16(env Env, op string, req *core.Request, src resample.Image[uint16]) error {
	return place(env, op, req, src, 0, u16To8, u16Linear)
}

// PlaceLinear places a demosaiced, scene-linear float source. Display tiers
// receive the sRGB encoding; float tiers keep the values.
func PlaceLinear(env Env, op string, req *core.Request, src resample.Image[float32]) error {
	return place(env, op, req, src, 0, f32To8, f32Identity)
}

// Sample conversions shared by the adapters.

func u8Identity(v uint8) uint8      { return v }
func u16To8(v uint16) uint8         { return uint8(v >> 8) }
func f32Identity(v float32) float32 { return v }

var (
	u8Linear  = mipmap.Linear
	u16Linear = mipmap.Linear16
	f32To8    = mipmap.Display
)

// rgb8 flattens an LDR image into packed 8-bit RGB.
func rgb8(m image.Image) resample.Image[uint8] {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	out := resample.NewImage[uint8](w, h, 3)
	switch src := m.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w]
			for x, v := range row {
				o := (y*w + x) * 3
				out.Pix[o], out.Pix[o+1], out.Pix[o+2] = v, v, v
			}
		}
		return out
	case *image.RGBA:
		copyRGBA(out, src.Pix, src.Stride, w, h)
		return out
	case *image.NRGBA:
		copyRGBA(out, src.Pix, src.Stride, w, h)
		return out
	}
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(rgba, rgba.Bounds(), m, b.Min, xdraw.Src)
	copyRGBA(out, rgba.Pix, rgba.Stride, w, h)
	return out
}

func copyRGBA(out resample.Image[uint8], pix []uint8, stride, w, h int) {
	for y := 0; y < h; y++ {
		row := pix[y*stride : y*stride+w*4]
		for x := 0; x < w; x++ {
			o := (y*w + x) * 3
			copy(out.Pix[o:o+3], row[x*4:x*4+3])
		}
	}
}

// rgb16 flattens a high bit-depth LDR image into packed 16-bit RGB.
func rgb16(m image.Image) resample.Image[uint16] {
	b := m.Bounds()
	w, h := b.Dx(), b.Dy()
	out := resample.NewImage[uint16](w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := m.At(b.Min.X+x, b.Min.Y+y).RGBA()
			o := (y*w + x) * 3
			out.Pix[o], out.Pix[o+1], out.Pix[o+2] = uint16(r), uint16(g), uint16(bl)
		}
	}
	return out
}

// is16 reports whether m carries more than 8 bits per sample.
func is16(m image.Image) bool {
	switch m.(type) {
	case *image.RGBA64, *image.NRGBA64, *image.Gray16:
		return true
	}
	return false
}

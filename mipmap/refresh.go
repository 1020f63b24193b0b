package mipmap

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/resample"
	"github.com/Skryldev/imageio/utils"
)

// Refresher regenerates the tiers below a freshly written one:
// Full -> MipF -> Mip4 -> Mip3 -> ... -> Mip0. Each step writes through the
// cache, so releasing it triggers the next step.
type Refresher struct {
	cache  core.BufferCache
	geo    core.Geometry
	logger core.Logger
}

// NewRefresher returns a refresher writing into c.
func NewRefresher(c core.BufferCache, g core.Geometry, l core.Logger) *Refresher {
	return &Refresher{cache: c, geo: g, logger: l}
}

// Refresh derives the next coarser tier from (id, tier). It matches
// cache.RefreshFunc.
func (r *Refresher) Refresh(id core.ImageID, tier core.Tier) error {
	var next core.Tier
	switch {
	case tier == core.Full:
		next = core.MipF
	case tier == core.MipF:
		next = core.Mip4
	case tier.Is8Bit() && tier > core.Mip0:
		next = tier - 1
	default:
		return nil
	}

	src, err := r.cache.Acquire(id, tier, core.ModeRead)
	if err != nil {
		return err
	}
	buf := src.Buffer()
	if buf == nil || buf.FrameWidth <= 0 || buf.FrameHeight <= 0 {
		_ = src.Release()
		return nil
	}

	dst, err := r.cache.Acquire(id, next, core.ModeWrite)
	if err != nil {
		_ = src.Release()
		return err
	}
	err = r.derive(buf, next, dst)
	_ = src.Release()
	if err != nil {
		_ = dst.Release()
		return apperrors.Wrap(apperrors.CategoryCache, "mipmap.refresh", fmt.Errorf("%s -> %s: %w", tier, next, err))
	}
	if r.logger != nil {
		r.logger.Debug("mipmap.refresh", "image_id", id, "from", tier.String(), "to", next.String())
	}
	// Releasing dst recurses into the next tier.
	return dst.Release()
}

func (r *Refresher) derive(src *core.Buffer, next core.Tier, dst core.Scope) error {
	switch next {
	case core.MipF:
		return r.fullToMipF(src, dst)
	case core.Mip4:
		return r.mipFToMip4(src, dst)
	}
	return r.halve(src, next, dst)
}

// fullToMipF bins mosaics and decimates into the float preview tier.
func (r *Refresher) fullToMipF(src *core.Buffer, dst core.Scope) error {
	img := frameOf(src.F32, src)
	if src.Channels == 1 {
		img = resample.Superpixel(img, src.Filters)
		if img.Width == 0 || img.Height == 0 {
			return nil
		}
	}
	// Sized from the full frame so a superpixel quick-look lands on the same
	// extent as a demosaiced source would.
	synth := &core.Descriptor{Width: src.FrameWidth, Height: src.FrameHeight}
	w, h := r.geo.MipSize(synth, core.MipF)
	ew, eh := r.geo.ExactMipSize(synth, core.MipF)
	out, err := dst.Alloc(w, h, 4)
	if err != nil {
		return err
	}
	fw, fh := resample.ScaleToFit(out.F32, 4, img, resample.Target{
		Width: w, Height: h, ExactWidth: ew, ExactHeight: eh,
	}, resample.Identity[float32](), false)
	out.FrameWidth, out.FrameHeight = fw, fh
	return nil
}

// mipFToMip4 encodes linear floats for display, storing BGR.
func (r *Refresher) mipFToMip4(src *core.Buffer, dst core.Scope) error {
	synth := &core.Descriptor{Width: src.FrameWidth, Height: src.FrameHeight}
	w, h := r.geo.MipSize(synth, core.Mip4)
	out, err := dst.Alloc(w, h, 4)
	if err != nil {
		return err
	}
	out.Clear()
	fw, fh := min(src.FrameWidth, w), min(src.FrameHeight, h)
	utils.ParallelRows(fh, func(start, end int) {
		for y := start; y < end; y++ {
			for x := 0; x < fw; x++ {
				in := src.F32[(y*src.Width+x)*src.Channels:]
				px := out.U8[(y*w+x)*4 : (y*w+x)*4+4]
				px[0] = Display(in[2])
				px[1] = Display(in[1])
				px[2] = Display(in[0])
			}
		}
	})
	out.FrameWidth, out.FrameHeight = fw, fh
	return nil
}

// halve downsamples one display tier into the next smaller one.
func (r *Refresher) halve(src *core.Buffer, next core.Tier, dst core.Scope) error {
	synth := &core.Descriptor{Width: src.FrameWidth, Height: src.FrameHeight}
	w, h := r.geo.MipSize(synth, next)
	out, err := dst.Alloc(w, h, 4)
	if err != nil {
		return err
	}
	out.Clear()
	fw := min(w, max(1, src.FrameWidth/2))
	fh := min(h, max(1, src.FrameHeight/2))

	from := rgbaView(src)
	to := rgbaView(out)
	xdraw.ApproxBiLinear.Scale(to, image.Rect(0, 0, fw, fh),
		from, image.Rect(0, 0, src.FrameWidth, src.FrameHeight), xdraw.Src, nil)
	out.FrameWidth, out.FrameHeight = fw, fh
	return nil
}

// rgbaView wraps an 8-bit tier without copying. Channels are interpolated
// independently, so the BGR order is preserved.
func rgbaView(b *core.Buffer) *image.RGBA {
	return &image.RGBA{
		Pix:    b.U8,
		Stride: b.Width * 4,
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// frameOf returns the valid frame of a float buffer as a packed image.
func frameOf(pix []float32, b *core.Buffer) resample.Image[float32] {
	fw, fh, ch := b.FrameWidth, b.FrameHeight, b.Channels
	if fw == b.Width && fh == b.Height {
		return resample.Image[float32]{Pix: pix, Width: fw, Height: fh, Channels: ch}
	}
	out := resample.NewImage[float32](fw, fh, ch)
	for y := 0; y < fh; y++ {
		copy(out.Pix[y*fw*ch:(y+1)*fw*ch], pix[y*b.Width*ch:(y*b.Width+fw)*ch])
	}
	return out
}

package pipeline

import (
	"context"
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/utils"
)

// Sizer is implemented by steps that change the image extent.
type Sizer interface {
	OutputSize(w, h int) (int, int)
}

// newFloat returns a packed RGBA float buffer.
func newFloat(w, h int) *core.Buffer { return core.NewBuffer(core.Full, w, h, 4) }

// checkInput rejects buffers the steps cannot work on.
func checkInput(op string, buf *core.Buffer) error {
	if buf == nil || buf.F32 == nil || buf.Channels != 4 {
		return apperrors.New(apperrors.CategoryPipeline, op, apperrors.ErrEmptyInput)
	}
	if buf.Width != buf.FrameWidth || buf.Height != buf.FrameHeight || buf.Width <= 0 || buf.Height <= 0 {
		return apperrors.New(apperrors.CategoryPipeline, op,
			fmt.Errorf("%w: %dx%d frame in %dx%d", apperrors.ErrInvalidDimensions, buf.FrameWidth, buf.FrameHeight, buf.Width, buf.Height))
	}
	return nil
}

// mapRGB applies fn to the colour channels of every pixel in a copy of buf.
func mapRGB(buf *core.Buffer, fn func(px []float32)) *core.Buffer {
	out := newFloat(buf.Width, buf.Height)
	copy(out.F32, buf.F32)
	utils.ParallelRows(out.Height, func(start, end int) {
		for i := start * out.Width * 4; i < end*out.Width*4; i += 4 {
			fn(out.F32[i : i+3])
		}
	})
	return out
}

// ── Exposure ──────────────────────────────────────────────────────────────────

// ExposureStep scales linear values by 2^EV.
type ExposureStep struct {
	EV float64
}

func (s *ExposureStep) Name() string { return "exposure" }

func (s *ExposureStep) Execute(ctx context.Context, buf *core.Buffer) (*core.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	if err := checkInput(s.Name(), buf); err != nil {
		return nil, err
	}
	if s.EV == 0 {
		return buf, nil
	}
	gain := float32(math.Exp2(s.EV))
	return mapRGB(buf, func(px []float32) {
		px[0] *= gain
		px[1] *= gain
		px[2] *= gain
	}), nil
}

// ── Levels ────────────────────────────────────────────────────────────────────

// LevelsStep maps [Black, White] linearly onto [0, 1]. Values outside are
// not clipped.
type LevelsStep struct {
	Black, White float32
}

func (s *LevelsStep) Name() string { return "levels" }

func (s *LevelsStep) Execute(ctx context.Context, buf *core.Buffer) (*core.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	if err := checkInput(s.Name(), buf); err != nil {
		return nil, err
	}
	if !(s.White > s.Black) {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(),
			fmt.Errorf("white %v not above black %v", s.White, s.Black))
	}
	if s.Black == 0 && s.White == 1 {
		return buf, nil
	}
	black, inv := s.Black, 1/(s.White-s.Black)
	return mapRGB(buf, func(px []float32) {
		px[0] = (px[0] - black) * inv
		px[1] = (px[1] - black) * inv
		px[2] = (px[2] - black) * inv
	}), nil
}

// ── Grayscale ─────────────────────────────────────────────────────────────────

// GrayscaleStep replaces colour with linear Rec. 709 luminance.
type GrayscaleStep struct{}

func (s *GrayscaleStep) Name() string { return "grayscale" }

func (s *GrayscaleStep) Execute(ctx context.Context, buf *core.Buffer) (*core.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	if err := checkInput(s.Name(), buf); err != nil {
		return nil, err
	}
	return mapRGB(buf, func(px []float32) {
		y := 0.2126*px[0] + 0.7152*px[1] + 0.0722*px[2]
		px[0], px[1], px[2] = y, y, y
	}), nil
}

// ── Crop ──────────────────────────────────────────────────────────────────────

// CropStep crops a rectangle from the image.
type CropStep struct {
	X, Y, Width, Height int
}

func (s *CropStep) Name() string { return "crop" }

// OutputSize clamps the crop rectangle to a w*h image.
func (s *CropStep) OutputSize(w, h int) (int, int) {
	r := image.Rect(s.X, s.Y, s.X+s.Width, s.Y+s.Height).Intersect(image.Rect(0, 0, w, h))
	return r.Dx(), r.Dy()
}

func (s *CropStep) Execute(ctx context.Context, buf *core.Buffer) (*core.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	if err := checkInput(s.Name(), buf); err != nil {
		return nil, err
	}

	rect := image.Rect(s.X, s.Y, s.X+s.Width, s.Y+s.Height)
	bounds := image.Rect(0, 0, buf.Width, buf.Height)
	if rect.Empty() || !rect.In(bounds) {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(),
			fmt.Errorf("crop rect %v exceeds image bounds %v", rect, bounds))
	}

	out := newFloat(s.Width, s.Height)
	for y := 0; y < s.Height; y++ {
		from := ((s.Y+y)*buf.Width + s.X) * 4
		copy(out.F32[y*s.Width*4:(y+1)*s.Width*4], buf.F32[from:from+s.Width*4])
	}
	return out, nil
}

// ── Resize ────────────────────────────────────────────────────────────────────

// ResizeStep resizes the image to the given dimensions, preserving aspect ratio
// when one axis is 0. Display-referred buffers go through Resampler;
// buffers holding values above 1 are interpolated bilinearly in float so
// highlights are not clipped.
type ResizeStep struct {
	Width, Height int
	// Resampler controls quality vs speed.  Defaults to draw.BiLinear.
	Resampler xdraw.Interpolator
}

func (s *ResizeStep) Name() string { return "resize" }

// OutputSize is the extent a w*h image is resized to.
func (s *ResizeStep) OutputSize(w, h int) (int, int) {
	return scaleDimensions(w, h, s.Width, s.Height)
}

func (s *ResizeStep) Execute(ctx context.Context, buf *core.Buffer) (*core.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryPipeline, s.Name(), err)
	}
	if err := checkInput(s.Name(), buf); err != nil {
		return nil, err
	}

	dstW, dstH := scaleDimensions(buf.Width, buf.Height, s.Width, s.Height)
	if dstW == buf.Width && dstH == buf.Height {
		return buf, nil // nothing to do
	}
	if dstW <= 0 || dstH <= 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, s.Name(), apperrors.ErrInvalidDimensions)
	}

	if !displayReferred(buf) {
		return bilinear(buf, dstW, dstH), nil
	}

	sampler := s.Resampler
	if sampler == nil {
		sampler = xdraw.BiLinear
	}
	src := toRGBA64(buf)
	dst := image.NewRGBA64(image.Rect(0, 0, dstW, dstH))
	sampler.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return fromRGBA64(dst), nil
}

// scaleDimensions fills a zero target axis from the source aspect ratio.
func scaleDimensions(srcW, srcH, w, h int) (int, int) {
	switch {
	case w <= 0 && h <= 0:
		return srcW, srcH
	case w <= 0:
		return max(1, int(math.Round(float64(srcW)*float64(h)/float64(srcH)))), h
	case h <= 0:
		return w, max(1, int(math.Round(float64(srcH)*float64(w)/float64(srcW))))
	}
	return w, h
}

func displayReferred(buf *core.Buffer) bool {
	for _, v := range buf.F32 {
		if v > 1 {
			return false
		}
	}
	return true
}

func toRGBA64(buf *core.Buffer) *image.RGBA64 {
	m := image.NewRGBA64(image.Rect(0, 0, buf.Width, buf.Height))
	for i, v := range buf.F32 {
		var q uint16
		switch {
		case !(v > 0):
		case v >= 1:
			q = 0xFFFF
		default:
			q = uint16(v*0xFFFF + 0.5)
		}
		m.Pix[2*i] = uint8(q >> 8)
		m.Pix[2*i+1] = uint8(q)
	}
	return m
}

func fromRGBA64(m *image.RGBA64) *core.Buffer {
	b := m.Bounds()
	out := newFloat(b.Dx(), b.Dy())
	for i := range out.F32 {
		out.F32[i] = float32(uint16(m.Pix[2*i])<<8|uint16(m.Pix[2*i+1])) / 0xFFFF
	}
	return out
}

// bilinear samples pixel centres of buf into a w*h buffer.
func bilinear(buf *core.Buffer, w, h int) *core.Buffer {
	out := newFloat(w, h)
	sx := float64(buf.Width) / float64(w)
	sy := float64(buf.Height) / float64(h)
	utils.ParallelRows(h, func(start, end int) {
		for y := start; y < end; y++ {
			fy := math.Max(0, (float64(y)+0.5)*sy-0.5)
			y0 := min(int(fy), buf.Height-1)
			y1 := min(y0+1, buf.Height-1)
			wy := float32(fy - float64(y0))
			for x := 0; x < w; x++ {
				fx := math.Max(0, (float64(x)+0.5)*sx-0.5)
				x0 := min(int(fx), buf.Width-1)
				x1 := min(x0+1, buf.Width-1)
				wx := float32(fx - float64(x0))
				p00 := buf.F32[(y0*buf.Width+x0)*4:]
				p01 := buf.F32[(y0*buf.Width+x1)*4:]
				p10 := buf.F32[(y1*buf.Width+x0)*4:]
				p11 := buf.F32[(y1*buf.Width+x1)*4:]
				px := out.F32[(y*w+x)*4 : (y*w+x)*4+4]
				for c := range px {
					top := p00[c] + (p01[c]-p00[c])*wx
					bot := p10[c] + (p11[c]-p10[c])*wx
					px[c] = top + (bot-top)*wy
				}
			}
		}
	})
	return out
}

// compile-time interface checks
var (
	_ core.Step = (*ExposureStep)(nil)
	_ core.Step = (*LevelsStep)(nil)
	_ core.Step = (*GrayscaleStep)(nil)
	_ core.Step = (*CropStep)(nil)
	_ core.Step = (*ResizeStep)(nil)
	_ Sizer     = (*CropStep)(nil)
	_ Sizer     = (*ResizeStep)(nil)
)

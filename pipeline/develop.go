package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/resample"
)

// Option configures the develop pipes built by NewFactory.
type Option func(*factory)

// WithSteps appends edit steps run before the final resize.
func WithSteps(s ...core.Step) Option {
	return func(f *factory) { f.template.Use(s...) }
}

// WithHooks registers step observers.
func WithHooks(h ...core.Hook) Option {
	return func(f *factory) {
		for _, hk := range h {
			f.template.AddHook(hk)
		}
	}
}

// WithRetry sets the retry policy for transient step failures.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(f *factory) { f.template.WithRetry(maxRetries, delay) }
}

// WithProfile overrides the per-image output profile parameter.
func WithProfile(name string) Option {
	return func(f *factory) { f.profile = name }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(f *factory) { f.logger = l }
}

type factory struct {
	template *Pipeline
	profile  string
	logger   core.Logger
}

// NewFactory returns a core.PipeFactory building a Develop for each export.
func NewFactory(opts ...Option) core.PipeFactory {
	f := &factory{template: New()}
	for _, o := range opts {
		o(f)
	}
	return func(img *core.Descriptor, full *core.Buffer) (core.DevelopPipe, error) {
		return NewDevelop(img, full, f.template.Clone(), f.profile, f.logger)
	}
}

// Develop renders one image through a step pipeline. Mosaic input is
// collapsed to a half-size quick-look first; no demosaic is attempted.
type Develop struct {
	img     *core.Descriptor
	full    *core.Buffer
	pipe    *Pipeline
	profile string
	logger  core.Logger
}

// NewDevelop wraps full, which must stay valid until Close.
func NewDevelop(img *core.Descriptor, full *core.Buffer, pipe *Pipeline, profile string, logger core.Logger) (*Develop, error) {
	const op = "develop.new"
	if full == nil || full.F32 == nil || full.FrameWidth <= 0 || full.FrameHeight <= 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, op, apperrors.ErrEmptyInput)
	}
	if full.Channels != 1 && full.Channels != 4 {
		return nil, apperrors.New(apperrors.CategoryPipeline, op, apperrors.ErrUnsupportedFormat)
	}
	if pipe == nil {
		pipe = New()
	}
	return &Develop{img: img, full: full, pipe: pipe, profile: profile, logger: logger}, nil
}

func (d *Develop) inputSize() (int, int) {
	if d.full.Channels == 1 {
		return d.full.FrameWidth / 2, d.full.FrameHeight / 2
	}
	return d.full.FrameWidth, d.full.FrameHeight
}

// ProcessedSize is the output extent at scale 1.
func (d *Develop) ProcessedSize() (int, int) {
	w, h := d.inputSize()
	for _, s := range d.pipe.Steps() {
		if sz, ok := s.(Sizer); ok {
			w, h = sz.OutputSize(w, h)
		}
	}
	return w, h
}

// OutputProfile returns the override, or the image's own parameter.
func (d *Develop) OutputProfile() string {
	if d.profile != "" {
		return d.profile
	}
	if d.img != nil {
		return d.img.ColorProfile
	}
	return ""
}

// Process renders at w*h. A zero dimension is derived from scale.
func (d *Develop) Process(ctx context.Context, w, h int, scale float64) (*core.Buffer, error) {
	const op = "develop.process"
	pw, ph := d.ProcessedSize()
	if w <= 0 {
		w = int(math.Round(scale * float64(pw)))
	}
	if h <= 0 {
		h = int(math.Round(scale * float64(ph)))
	}
	if w <= 0 || h <= 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, op, apperrors.ErrInvalidDimensions)
	}

	in := d.input()
	if in.Width == 0 || in.Height == 0 {
		return nil, apperrors.New(apperrors.CategoryPipeline, op, apperrors.ErrInvalidDimensions)
	}
	p := d.pipe.Clone().Use(&ResizeStep{Width: w, Height: h})
	out, timings, err := p.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	if d.logger != nil {
		var total time.Duration
		for _, t := range timings {
			total += t
		}
		d.logger.Debug(op,
			"width", w,
			"height", h,
			"scale", scale,
			"steps", len(timings),
			"duration_ms", total.Milliseconds(),
		)
	}
	return out, nil
}

// Close drops the reference to the full buffer.
func (d *Develop) Close() { d.full = nil }

// input packs the valid frame into a fresh RGBA buffer with opaque alpha.
func (d *Develop) input() *core.Buffer {
	src := d.full
	fw, fh := src.FrameWidth, src.FrameHeight
	if src.Channels == 1 {
		frame := resample.NewImage[float32](fw, fh, 1)
		for y := 0; y < fh; y++ {
			copy(frame.Pix[y*fw:(y+1)*fw], src.F32[y*src.Width:y*src.Width+fw])
		}
		rgb := resample.Superpixel(frame, src.Filters)
		out := newFloat(rgb.Width, rgb.Height)
		for i, j := 0, 0; i < len(out.F32); i, j = i+4, j+3 {
			copy(out.F32[i:i+3], rgb.Pix[j:j+3])
			out.F32[i+3] = 1
		}
		return out
	}
	out := newFloat(fw, fh)
	for y := 0; y < fh; y++ {
		copy(out.F32[y*fw*4:(y+1)*fw*4], src.F32[y*src.Width*4:(y*src.Width+fw)*4])
	}
	for i := 3; i < len(out.F32); i += 4 {
		out.F32[i] = 1
	}
	return out
}

var _ core.DevelopPipe = (*Develop)(nil)

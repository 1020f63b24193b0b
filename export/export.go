// Package export renders the full-resolution buffer of an image through the
// develop pipe and hands the result to a format writer.
package export

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/mipmap"
	"github.com/Skryldev/imageio/pipeline"
	"github.com/Skryldev/imageio/utils"
)

// ProfileSRGB is the profile name that selects sRGB output.
const ProfileSRGB = "sRGB"

// Request describes one export.
type Request struct {
	Path string
	// MaxWidth and MaxHeight bound the output; 0 leaves an axis unbounded.
	// Images are never upscaled.
	MaxWidth  int
	MaxHeight int
	Writer    core.Writer
	Params    core.WriterParams
}

// DescriptorBlobber builds an Exif blob from descriptor fields. Metadata
// readers implementing it serve sources that carry no Exif of their own.
type DescriptorBlobber interface {
	DescriptorBlob(img *core.Descriptor, sRGB bool) ([]byte, error)
}

// Option configures a Driver.
type Option func(*Driver)

// WithMetadata sets the reader the Exif blob comes from.
func WithMetadata(m core.MetadataReader) Option {
	return func(d *Driver) { d.meta = m }
}

// WithPipe sets the develop pipe factory.
func WithPipe(f core.PipeFactory) Option {
	return func(d *Driver) { d.pipe = f }
}

// WithProfile sets the configured output profile: "sRGB", "" or "image"
// to defer to the per-image parameter, or any other profile name.
func WithProfile(name string) Option {
	return func(d *Driver) { d.profile = name }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// Driver is safe for concurrent use.
type Driver struct {
	cache   core.BufferCache
	meta    core.MetadataReader
	pipe    core.PipeFactory
	profile string
	logger  core.Logger
}

// New returns a driver reading full buffers from c.
func New(c core.BufferCache, opts ...Option) *Driver {
	d := &Driver{cache: c}
	for _, o := range opts {
		o(d)
	}
	if d.pipe == nil {
		d.pipe = pipeline.NewFactory(pipeline.WithLogger(d.logger))
	}
	return d
}

// SetLogger replaces the logger.
func (d *Driver) SetLogger(l core.Logger) { d.logger = l }

// Export writes img to req.Path. The full buffer must be resident; writer
// and pipe errors are returned as is and never retried.
func (d *Driver) Export(ctx context.Context, img *core.Descriptor, req Request) error {
	const op = "export"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryPipeline, op, err)
	}
	if img == nil || req.Writer == nil || req.Path == "" {
		return apperrors.New(apperrors.CategoryInput, op, apperrors.ErrEmptyInput)
	}

	scope, err := d.cache.Acquire(img.ID, core.Full, core.ModeRead)
	if err != nil {
		return err
	}
	defer scope.Release()
	return d.ExportBuffer(ctx, img, scope.Buffer(), req)
}

// ExportBuffer is Export for a full buffer the caller already holds through
// a read scope, which must stay open until ExportBuffer returns.
func (d *Driver) ExportBuffer(ctx context.Context, img *core.Descriptor, full *core.Buffer, req Request) error {
	const op = "export"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryPipeline, op, err)
	}
	if img == nil || req.Writer == nil || req.Path == "" {
		return apperrors.New(apperrors.CategoryInput, op, apperrors.ErrEmptyInput)
	}
	if full == nil {
		return apperrors.New(apperrors.CategoryCache, op, fmt.Errorf("%w: full buffer of image %d", apperrors.ErrNotFound, img.ID))
	}

	pipe, err := d.pipe(img, full)
	if err != nil {
		return err
	}
	defer pipe.Close()

	sRGB, profile := DecideProfile(d.profile, pipe.OutputProfile())
	pw, ph := pipe.ProcessedSize()
	if pw <= 0 || ph <= 0 {
		return apperrors.New(apperrors.CategoryPipeline, op, apperrors.ErrInvalidDimensions)
	}
	scale := Scale(pw, ph, req.MaxWidth, req.MaxHeight)
	w := int(scale*float64(pw) + .5)
	h := int(scale*float64(ph) + .5)

	out, err := pipe.Process(ctx, w, h, scale)
	if err != nil {
		return err
	}
	bpp := req.Writer.BitsPerPixel(req.Params)
	rendered, err := Render(out, bpp)
	if err != nil {
		return err
	}
	rendered.SRGB, rendered.Profile = sRGB, profile

	blob := d.blob(img, sRGB)
	if d.logger != nil {
		d.logger.Debug("export.write",
			"image_id", img.ID,
			"writer", req.Writer.Name(),
			"width", rendered.Width,
			"height", rendered.Height,
			"bpp", bpp,
			"profile", profile,
			"blob_bytes", len(blob),
		)
	}
	return req.Writer.Write(ctx, req.Params, req.Path, rendered, blob, img.ID)
}

// blob returns the Exif blob for the export, or nil. Metadata failures do
// not fail the export.
func (d *Driver) blob(img *core.Descriptor, sRGB bool) []byte {
	if d.meta == nil {
		return nil
	}
	blob, err := d.meta.ReadBlob(img.Path, sRGB)
	if err == nil {
		return blob
	}
	if db, ok := d.meta.(DescriptorBlobber); ok && apperrors.IsCategory(err, apperrors.CategoryDecode) {
		blob, derr := db.DescriptorBlob(img, sRGB)
		if derr == nil {
			return blob
		}
		err = errors.Join(err, derr)
	}
	if d.logger != nil {
		d.logger.Warn("export.blob", "image_id", img.ID, "path", img.Path, "error", err)
	}
	return nil
}

// DecideProfile resolves the configured profile against the per-image
// parameter. It reports whether the output is sRGB and the profile name.
func DecideProfile(configured, perImage string) (bool, string) {
	switch configured {
	case ProfileSRGB:
		return true, ProfileSRGB
	case "", "image":
		return perImage == ProfileSRGB, perImage
	}
	return false, configured
}

// Scale returns the factor that fits pw*ph into maxW*maxH without
// upscaling. A zero bound leaves that axis free.
func Scale(pw, ph, maxW, maxH int) float64 {
	sx, sy := 1.0, 1.0
	if maxW > 0 {
		sx = math.Min(float64(maxW)/float64(pw), 1)
	}
	if maxH > 0 {
		sy = math.Min(float64(maxH)/float64(ph), 1)
	}
	return math.Min(sx, sy)
}

// Render converts a 4-channel float pipe output to the writer's precision.
// 8-bit output is display encoded; 16-bit output is linear.
func Render(buf *core.Buffer, bpp int) (*core.Rendered, error) {
	const op = "export.render"
	if buf == nil || buf.F32 == nil || buf.Channels != 4 {
		return nil, apperrors.New(apperrors.CategoryPipeline, op, apperrors.ErrEmptyInput)
	}
	w, h := buf.FrameWidth, buf.FrameHeight
	out := &core.Rendered{Width: w, Height: h, Channels: 4, BitsPerPixel: bpp}
	row := func(y int) []float32 { return buf.F32[y*buf.Width*4 : (y*buf.Width+w)*4] }

	switch bpp {
	case 8:
		out.U8 = make([]uint8, w*h*4)
		utils.ParallelRows(h, func(start, end int) {
			for y := start; y < end; y++ {
				in, px := row(y), out.U8[y*w*4:(y+1)*w*4]
				for i := 0; i < len(in); i += 4 {
					px[i] = mipmap.Display(in[i])
					px[i+1] = mipmap.Display(in[i+1])
					px[i+2] = mipmap.Display(in[i+2])
					px[i+3] = 0xFF
				}
			}
		})
	case 16:
		out.U16 = make([]uint16, w*h*4)
		utils.ParallelRows(h, func(start, end int) {
			for y := start; y < end; y++ {
				in, px := row(y), out.U16[y*w*4:(y+1)*w*4]
				for i := 0; i < len(in); i += 4 {
					px[i] = clamp16(in[i])
					px[i+1] = clamp16(in[i+1])
					px[i+2] = clamp16(in[i+2])
					px[i+3] = 0xFFFF
				}
			}
		})
	case 32:
		out.F32 = make([]float32, w*h*4)
		for y := 0; y < h; y++ {
			copy(out.F32[y*w*4:(y+1)*w*4], row(y))
		}
	default:
		return nil, apperrors.New(apperrors.CategoryEncode, op, fmt.Errorf("%w: %d bits per sample", apperrors.ErrUnsupportedFormat, bpp))
	}
	return out, nil
}

func clamp16(v float32) uint16 {
	f := float64(v) * 0x10000
	switch {
	case !(f > 0):
		return 0
	case f >= 0xFFFF:
		return 0xFFFF
	}
	return uint16(f)
}

// ToFractional approximates in as num/den to within 0.001. Negative or NaN
// input yields 0/0.
func ToFractional(in float64) (num, den uint32) {
	if !(in >= 0) {
		return 0, 0
	}
	if in >= math.MaxUint32 {
		return math.MaxUint32, 1
	}
	d := 1.0
	n := math.Floor(in*d + .5)
	for math.Abs(n/d-in) > 0.001 && in*d*10 < math.MaxUint32 {
		d *= 10
		n = math.Floor(in*d + .5)
	}
	return uint32(n), uint32(d)
}

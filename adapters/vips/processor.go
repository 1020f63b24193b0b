// Package vips adapts libvips (through govips) as the generic RAW fallback
// decoder and as a PNG writer. Both require a process-wide Startup.
package vips

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/imageio/adapters/decoder"
	"github.com/Skryldev/imageio/config"
	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/orient"
	"github.com/Skryldev/imageio/resample"
	"github.com/Skryldev/imageio/utils"
)

// Backend owns the libvips runtime.
// Safe for concurrent use across goroutines.
type Backend struct {
	cfg      config.VipsConfig
	shutdown sync.Once
}

// NewBackend initialises libvips and returns a ready Backend.
// Call Shutdown() when the process exits.
func NewBackend(cfg config.VipsConfig) *Backend {
	if cfg.ConcurrencyLevel <= 0 {
		cfg.ConcurrencyLevel = runtime.NumCPU()
	}
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.ConcurrencyLevel,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
		CollectStats:     true,
	})
	return &Backend{cfg: cfg}
}

// Shutdown releases all libvips resources. Call once at process exit.
func (b *Backend) Shutdown() {
	b.shutdown.Do(govips.Shutdown)
}

// Register adds the RAW fallback decoder and the PNG writer to reg.
func (b *Backend) Register(reg core.Registry, env decoder.Env) {
	reg.RegisterDecoder(core.FamilyRawFallback, NewRawDecoder(env))
	reg.RegisterWriter("png", NewWriter())
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

var errPlainLDR = errors.New("plain LDR container")

// RawDecoder loads anything libvips understands that the LDR decoders do
// not own. libvips demosaics; the pixels are handed on as linear light.
type RawDecoder struct {
	env decoder.Env
}

// NewRawDecoder returns the libvips fallback decoder.
func NewRawDecoder(env decoder.Env) *RawDecoder { return &RawDecoder{env: env} }

func (d *RawDecoder) Name() string { return "vips" }

func (d *RawDecoder) Decode(ctx context.Context, req *core.Request) error {
	const op = "vips.decode"
	data, err := utils.ReadFile(ctx, req.Path, d.env.MaxBytes, d.env.ChunkSize)
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	t := govips.DetermineImageType(data)
	if t == govips.ImageTypeUnknown {
		return apperrors.NotRecognized(op, apperrors.ErrUnsupportedFormat)
	}
	if declines(t, data) {
		return apperrors.NotRecognized(op, fmt.Errorf("%w: %s", errPlainLDR, govips.ImageTypes[t]))
	}

	ref, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	defer ref.Close()

	img := req.Image
	if o := ref.Orientation(); o > 1 || !img.ExifInited {
		img.Orientation = orient.FromEXIF(o)
	}
	if err := linearize(ref); err != nil {
		return apperrors.Library(op, err, false)
	}
	pix, err := ref.ToBytes()
	if err != nil {
		return apperrors.Library(op, err, false)
	}
	w, h, bands := ref.Width(), ref.Height(), ref.Bands()
	if len(pix) < 4*w*h*bands {
		return apperrors.Corrupted(op, fmt.Errorf("%d bytes for %dx%dx%d floats", len(pix), w, h, bands))
	}

	img.Width, img.Height = orient.Dims(w, h, img.Orientation)
	img.Filters = 0
	img.Black, img.White = 0, 1
	img.Format = core.FormatRaw
	img.Flags = core.FlagRaw

	return decoder.PlaceLinear(d.env, op, req, unpackFloat(pix, w, h, bands))
}

// declines reports whether t belongs to one of the pure-Go LDR decoders.
// TIFF containers stay here only when they hold DNG data.
func declines(t govips.ImageType, data []byte) bool {
	switch t {
	case govips.ImageTypeJPEG, govips.ImageTypePNG, govips.ImageTypeWEBP,
		govips.ImageTypeGIF, govips.ImageTypeBMP, govips.ImageTypeSVG, govips.ImageTypePDF:
		return true
	case govips.ImageTypeTIFF:
		return !utils.IsDNG(data)
	}
	return false
}

// linearize converts ref to flattened linear-light scRGB floats. libvips
// renders RAW files through its sRGB transfer; scRGB undoes that curve so
// the tiers receive scene-linear data like every other RAW path.
func linearize(ref *govips.ImageRef) error {
	if ref.HasAlpha() {
		if err := ref.Flatten(&govips.Color{}); err != nil {
			return err
		}
	}
	if err := ref.ToColorSpace(govips.InterpretationScRGB); err != nil {
		return err
	}
	return ref.Cast(govips.BandFormatFloat)
}

// unpackFloat reads libvips' native-endian float memory layout.
func unpackFloat(pix []byte, w, h, bands int) resample.Image[float32] {
	out := resample.NewImage[float32](w, h, bands)
	for i := range out.Pix {
		out.Pix[i] = math.Float32frombits(binary.NativeEndian.Uint32(pix[4*i:]))
	}
	return out
}

// ─── Writer ───────────────────────────────────────────────────────────────────

// Writer exports 8-bit PNG through libvips.
type Writer struct{}

// NewWriter returns the libvips PNG writer.
func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Name() string { return "png" }

func (w *Writer) BitsPerPixel(core.WriterParams) int { return 8 }

func (w *Writer) Write(ctx context.Context, params core.WriterParams, path string, img *core.Rendered, _ []byte, _ core.ImageID) error {
	const op = "vips.encode.png"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	if img.BitsPerPixel != 8 || img.Channels < 3 {
		return apperrors.New(apperrors.CategoryEncode, op,
			fmt.Errorf("%w: %d-bit %d-channel", apperrors.ErrUnsupportedFormat, img.BitsPerPixel, img.Channels))
	}
	rgb := packRGB(img)
	ref, err := govips.NewImageFromMemory(rgb, img.Width, img.Height, 3)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	defer ref.Close()

	ep := govips.NewPngExportParams()
	ep.StripMetadata = true
	if params.Quality > 0 {
		ep.Compression = 9 - params.Quality*9/100
	}
	buf, _, err := ref.ExportPng(ep)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	return nil
}

// packRGB drops the fourth channel of a rendered RGBA plane.
func packRGB(img *core.Rendered) []byte {
	if img.Channels == 3 {
		return img.U8
	}
	out := make([]byte, img.Width*img.Height*3)
	for i, j := 0, 0; j < len(out); i, j = i+img.Channels, j+3 {
		copy(out[j:j+3], img.U8[i:i+3])
	}
	return out
}

// compile-time interface checks
var _ core.Decoder = (*RawDecoder)(nil)
var _ core.Writer = (*Writer)(nil)

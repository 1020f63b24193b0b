package writer

import (
	"bytes"
	"context"
	"image"
	"image/png"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

// PNG writes 8- or 16-bit PNGs. The libvips writer replaces it when enabled.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) Name() string { return "png" }

func (p *PNG) BitsPerPixel(params core.WriterParams) int {
	if params.BitDepth == 16 {
		return 16
	}
	return 8
}

func (p *PNG) Write(ctx context.Context, params core.WriterParams, path string, img *core.Rendered, _ []byte, _ core.ImageID) error {
	const op = "png.encode"
	bpp := p.BitsPerPixel(params)
	if err := check(ctx, op, img, bpp); err != nil {
		return err
	}
	enc := &png.Encoder{CompressionLevel: png.DefaultCompression}
	if params.Lossless {
		enc.CompressionLevel = png.BestCompression
	}

	var m image.Image
	if bpp == 16 {
		m = nrgba64(img)
	} else {
		m = nrgba(img)
	}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, m); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	return encoded(op, path, &buf)
}

package writer

import (
	"bytes"
	"context"
	"image"

	"golang.org/x/image/tiff"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

// TIFF writes deflate-compressed TIFFs, 16 bits per sample unless 8 is asked
// for.
type TIFF struct{}

func NewTIFF() *TIFF { return &TIFF{} }

func (t *TIFF) Name() string { return "tiff" }

func (t *TIFF) BitsPerPixel(params core.WriterParams) int {
	if params.BitDepth == 8 {
		return 8
	}
	return 16
}

func (t *TIFF) Write(ctx context.Context, params core.WriterParams, path string, img *core.Rendered, _ []byte, _ core.ImageID) error {
	const op = "tiff.encode"
	bpp := t.BitsPerPixel(params)
	if err := check(ctx, op, img, bpp); err != nil {
		return err
	}
	var m image.Image
	if bpp == 16 {
		m = nrgba64(img)
	} else {
		m = nrgba(img)
	}
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, m, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	return encoded(op, path, &buf)
}

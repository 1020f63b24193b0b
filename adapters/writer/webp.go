package writer

import (
	"bytes"
	"context"

	"github.com/chai2010/webp"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

// WebP writes lossy or lossless WebP.
type WebP struct {
	DefaultQuality int
}

func NewWebP(defaultQuality int) *WebP {
	if defaultQuality <= 0 {
		defaultQuality = 85
	}
	return &WebP{DefaultQuality: defaultQuality}
}

func (w *WebP) Name() string { return "webp" }

func (w *WebP) BitsPerPixel(core.WriterParams) int { return 8 }

func (w *WebP) Write(ctx context.Context, params core.WriterParams, path string, img *core.Rendered, _ []byte, _ core.ImageID) error {
	const op = "webp.encode"
	if err := check(ctx, op, img, 8); err != nil {
		return err
	}
	quality := params.Quality
	if quality <= 0 {
		quality = w.DefaultQuality
	}

	var buf bytes.Buffer
	opts := &webp.Options{Lossless: params.Lossless, Quality: float32(quality)}
	if err := webp.Encode(&buf, nrgba(img), opts); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	return encoded(op, path, &buf)
}

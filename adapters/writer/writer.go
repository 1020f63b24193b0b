// Package writer holds the pure-Go export writers. Each one receives an
// RGB(A) plane at the precision it asked for through BitsPerPixel.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

// Register adds every writer in this package to reg.
func Register(reg core.Registry, defaultQuality int) {
	for _, w := range []core.Writer{
		NewJPEG(defaultQuality),
		NewPNG(),
		NewTIFF(),
		NewWebP(defaultQuality),
		NewHDR(),
	} {
		reg.RegisterWriter(w.Name(), w)
	}
}

func check(ctx context.Context, op string, img *core.Rendered, bpp int) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return apperrors.New(apperrors.CategoryEncode, op, apperrors.ErrEmptyInput)
	}
	if img.BitsPerPixel != bpp || img.Channels < 3 {
		return apperrors.New(apperrors.CategoryEncode, op,
			fmt.Errorf("%w: %d-bit %d-channel input", apperrors.ErrUnsupportedFormat, img.BitsPerPixel, img.Channels))
	}
	return nil
}

// nrgba wraps an 8-bit plane as an opaque image.
func nrgba(img *core.Rendered) *image.NRGBA {
	m := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i, j := 0, 0; j < len(m.Pix); i, j = i+img.Channels, j+4 {
		copy(m.Pix[j:j+3], img.U8[i:i+3])
		m.Pix[j+3] = 0xFF
	}
	return m
}

// nrgba64 wraps a 16-bit plane as an opaque image.
func nrgba64(img *core.Rendered) *image.NRGBA64 {
	m := image.NewNRGBA64(image.Rect(0, 0, img.Width, img.Height))
	for i, j := 0, 0; j < len(m.Pix); i, j = i+img.Channels, j+8 {
		for c := 0; c < 3; c++ {
			v := img.U16[i+c]
			m.Pix[j+2*c], m.Pix[j+2*c+1] = uint8(v>>8), uint8(v)
		}
		m.Pix[j+6], m.Pix[j+7] = 0xFF, 0xFF
	}
	return m
}

func save(op, path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	return nil
}

func encoded(op string, path string, buf *bytes.Buffer) error { return save(op, path, buf.Bytes()) }

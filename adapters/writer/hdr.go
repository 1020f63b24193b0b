package writer

import (
	"bytes"
	"context"
	"errors"
	"image"

	"github.com/mdouchement/hdr"
	"github.com/mdouchement/hdr/codec/rgbe"
	"github.com/mdouchement/hdr/hdrcolor"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

// HDR writes scene-referred float output as Radiance RGBE.
type HDR struct{}

func NewHDR() *HDR { return &HDR{} }

func (h *HDR) Name() string { return "hdr" }

func (h *HDR) BitsPerPixel(core.WriterParams) int { return 32 }

func (h *HDR) Write(ctx context.Context, _ core.WriterParams, path string, img *core.Rendered, _ []byte, _ core.ImageID) error {
	const op = "hdr.encode"
	if err := check(ctx, op, img, 32); err != nil {
		return err
	}
	if len(img.F32) < img.Width*img.Height*img.Channels {
		return apperrors.New(apperrors.CategoryEncode, op, errors.New("float plane too short"))
	}
	m := hdr.NewRGB(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			k := (y*img.Width + x) * img.Channels
			px := img.F32[k : k+3]
			m.SetRGB(x, y, hdrcolor.RGB{R: float64(px[0]), G: float64(px[1]), B: float64(px[2])})
		}
	}
	var buf bytes.Buffer
	if err := rgbe.Encode(&buf, m); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	return encoded(op, path, &buf)
}

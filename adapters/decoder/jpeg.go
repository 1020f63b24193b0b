package decoder

import (
	"bufio"
	"context"
	"errors"
	"image"
	"os"

	"github.com/gen2brain/jpegn"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

// JPEG decodes baseline and progressive JPEGs with jpegn.
type JPEG struct {
	env Env
}

// NewJPEG returns an initialised JPEG decoder.
func NewJPEG(env Env) *JPEG { return &JPEG{env: env} }

func (j *JPEG) Name() string { return "jpeg" }

func (j *JPEG) Decode(ctx context.Context, req *core.Request) error {
	const op = "jpeg.decode"
	if err := expect(op, req.Path, core.FormatJPEG); err != nil {
		return err
	}
	var g guard
	defer g.Close()

	f, err := os.Open(req.Path)
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	g.file(f)

	m, err := jpegn.Decode(bufio.NewReader(f), &jpegn.Options{ToRGBA: true})
	if err != nil {
		return jpegError(op, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return placeLDR(j.env, op, req, m, core.FormatJPEG)
}

func jpegError(op string, err error) error {
	switch {
	case errors.Is(err, jpegn.ErrNoJPEG):
		return apperrors.NotRecognized(op, err)
	case errors.Is(err, jpegn.ErrOutOfMemory):
		return apperrors.Exhausted(op, err)
	}
	return apperrors.Corrupted(op, err)
}

// placeLDR records an LDR source on the descriptor and places it, keeping
// 16-bit precision when the library produced it.
func placeLDR(env Env, op string, req *core.Request, m image.Image, format core.Format) error {
	b := m.Bounds()
	setDemosaiced(req.Image, b.Dx(), b.Dy(), format, core.FlagLDR)
	if is16(m) {
		return PlaceRGB16(env, op, req, rgb16(m))
	}
	return PlaceRGB8(env, op, req, rgb8(m))
}

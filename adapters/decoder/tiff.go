package decoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/mdouchement/hdr"
	ftiff "github.com/mdouchement/tiff"
	xtiff "golang.org/x/image/tiff"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/utils"
)

var errRawContainer = errors.New("raw container")

// TIFF decodes integer TIFFs with x/image/tiff and falls back to
// mdouchement/tiff for float and LogLuv data. DNGs are left to the RAW
// decoders.
type TIFF struct {
	env Env
}

// NewTIFF returns a TIFF decoder.
func NewTIFF(env Env) *TIFF { return &TIFF{env: env} }

func (t *TIFF) Name() string { return "tiff" }

func (t *TIFF) Decode(ctx context.Context, req *core.Request) error {
	const op = "tiff.decode"
	if err := expect(op, req.Path, core.FormatTIFF); err != nil {
		return err
	}
	data, err := readAll(ctx, t.env, op, req.Path)
	if err != nil {
		return err
	}
	if utils.IsDNG(data) {
		return apperrors.NotRecognized(op, errRawContainer)
	}

	m, err := xtiff.Decode(bytes.NewReader(data))
	if err == nil {
		return placeLDR(t.env, op, req, m, core.FormatTIFF)
	}
	fm, ferr := ftiff.Decode(bytes.NewReader(data))
	if ferr != nil {
		return apperrors.Corrupted(op, fmt.Errorf("%w; float reader: %v", err, ferr))
	}
	hm, ok := fm.(hdr.Image)
	if !ok {
		return placeLDR(t.env, op, req, fm, core.FormatTIFF)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	src := hdrPixels(hm)
	setDemosaiced(req.Image, src.Width, src.Height, core.FormatTIFF, core.FlagHDR)
	return PlaceLinear(t.env, op, req, src)
}

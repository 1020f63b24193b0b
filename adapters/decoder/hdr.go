package decoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/mdouchement/hdr"
	"github.com/mdouchement/hdr/codec/pfm"
	"github.com/mdouchement/hdr/codec/rgbe"
	"github.com/mrjoshuak/go-openexr/exr"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/resample"
)

var (
	errDeepEXR  = errors.New("deep data")
	errTiledEXR = errors.New("tiled part")
	errNoColour = errors.New("no colour channels")
)

// EXR decodes single-part scanline OpenEXR files.
type EXR struct {
	env Env
}

// NewEXR returns an OpenEXR decoder.
func NewEXR(env Env) *EXR { return &EXR{env: env} }

func (d *EXR) Name() string { return "exr" }

func (d *EXR) Decode(ctx context.Context, req *core.Request) error {
	const op = "exr.decode"
	if err := expect(op, req.Path, core.FormatEXR); err != nil {
		return err
	}
	var g guard
	defer g.Close()

	f, err := os.Open(req.Path)
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	g.file(f)
	st, err := f.Stat()
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	if d.env.MaxBytes > 0 && st.Size() > d.env.MaxBytes {
		return apperrors.Corrupted(op, fmt.Errorf("file is %d bytes, limit %d", st.Size(), d.env.MaxBytes))
	}

	file, err := exr.OpenReader(f, st.Size())
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	if file.IsDeep() {
		return apperrors.NotRecognized(op, errDeepEXR)
	}
	h := file.Header(0)
	if h == nil {
		return apperrors.Corrupted(op, errors.New("missing header"))
	}
	if h.IsTiled() {
		return apperrors.NotRecognized(op, errTiledEXR)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dw := h.DataWindow()
	w, hgt := int(dw.Width()), int(dw.Height())
	if w <= 0 || hgt <= 0 {
		return apperrors.Corrupted(op, apperrors.ErrInvalidDimensions)
	}
	reader, err := exr.NewScanlineReader(file)
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	fb, _ := exr.AllocateChannels(h.Channels(), dw)
	reader.SetFrameBuffer(fb)
	if err := reader.ReadPixels(int(dw.Min.Y), int(dw.Max.Y)); err != nil {
		return apperrors.Corrupted(op, err)
	}

	src, err := exrPixels(fb, w, hgt)
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	setDemosaiced(req.Image, w, hgt, core.FormatEXR, core.FlagHDR)
	return PlaceLinear(d.env, op, req, src)
}

// exrPixels gathers RGB, or luminance broadcast to grey, from a frame buffer
// indexed relative to the data window.
func exrPixels(fb *exr.FrameBuffer, w, h int) (resample.Image[float32], error) {
	r, g, b := fb.Get("R"), fb.Get("G"), fb.Get("B")
	y := fb.Get("Y")
	if r == nil && g == nil && b == nil && y == nil {
		return resample.Image[float32]{}, errNoColour
	}
	out := resample.NewImage[float32](w, h, 3)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			o := (j*w + i) * 3
			if r == nil && g == nil && b == nil {
				v := y.GetFloat32(i, j)
				out.Pix[o], out.Pix[o+1], out.Pix[o+2] = v, v, v
				continue
			}
			if r != nil {
				out.Pix[o] = r.GetFloat32(i, j)
			}
			if g != nil {
				out.Pix[o+1] = g.GetFloat32(i, j)
			}
			if b != nil {
				out.Pix[o+2] = b.GetFloat32(i, j)
			}
		}
	}
	return out, nil
}

// RGBE decodes Radiance .hdr files.
type RGBE struct {
	env Env
}

// NewRGBE returns a Radiance RGBE decoder.
func NewRGBE(env Env) *RGBE { return &RGBE{env: env} }

func (d *RGBE) Name() string { return "rgbe" }

func (d *RGBE) Decode(ctx context.Context, req *core.Request) error {
	const op = "rgbe.decode"
	if err := expect(op, req.Path, core.FormatRGBE); err != nil {
		return err
	}
	return decodeHDR(ctx, d.env, op, req, core.FormatRGBE, rgbe.Decode)
}

// PFM decodes portable float maps.
type PFM struct {
	env Env
}

// NewPFM returns a PFM decoder.
func NewPFM(env Env) *PFM { return &PFM{env: env} }

func (d *PFM) Name() string { return "pfm" }

func (d *PFM) Decode(ctx context.Context, req *core.Request) error {
	const op = "pfm.decode"
	if err := expect(op, req.Path, core.FormatPFM); err != nil {
		return err
	}
	return decodeHDR(ctx, d.env, op, req, core.FormatPFM, pfm.Decode)
}

func decodeHDR(ctx context.Context, env Env, op string, req *core.Request, format core.Format, decode func(io.Reader) (image.Image, error)) error {
	var g guard
	defer g.Close()

	f, err := os.Open(req.Path)
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	g.file(f)
	m, err := decode(bufio.NewReader(f))
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	hm, ok := m.(hdr.Image)
	if !ok {
		return apperrors.Corrupted(op, fmt.Errorf("decoded %T is not high dynamic range", m))
	}
	src := hdrPixels(hm)
	setDemosaiced(req.Image, src.Width, src.Height, format, core.FlagHDR)
	return PlaceLinear(env, op, req, src)
}

func hdrPixels(m hdr.Image) resample.Image[float32] {
	b := m.Bounds()
	out := resample.NewImage[float32](b.Dx(), b.Dy(), 3)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			r, g, bl, _ := m.HDRAt(b.Min.X+x, b.Min.Y+y).HDRRGBA()
			o := (y*out.Width + x) * 3
			out.Pix[o], out.Pix[o+1], out.Pix[o+2] = float32(r), float32(g), float32(bl)
		}
	}
	return out
}

package decoder

import (
	"context"
	"fmt"
	"slices"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/orient"
	"github.com/Skryldev/imageio/utils"
)

// Register adds the built-in pure-Go decoders to reg in probe order.
func Register(reg core.Registry, env Env) {
	reg.RegisterDecoder(core.FamilyFastRaw, NewDNG(env))
	reg.RegisterDecoder(core.FamilyHDR, NewEXR(env))
	reg.RegisterDecoder(core.FamilyHDR, NewRGBE(env))
	reg.RegisterDecoder(core.FamilyHDR, NewPFM(env))
	reg.RegisterDecoder(core.FamilyLDR, NewTIFF(env))
	reg.RegisterDecoder(core.FamilyLDR, NewJPEG(env))
}

// expect declines unless the file sniffs as one of want. An unreadable file
// ends the chain: no other decoder can do better.
func expect(op, path string, want ...core.Format) error {
	f, err := utils.Sniff(path)
	if err != nil {
		return apperrors.Corrupted(op, err)
	}
	if !slices.Contains(want, f) {
		return apperrors.NotRecognized(op, fmt.Errorf("sniffed %s", f))
	}
	return nil
}

func readAll(ctx context.Context, env Env, op, path string) ([]byte, error) {
	data, err := utils.ReadFile(ctx, path, env.MaxBytes, env.ChunkSize)
	if err != nil {
		return nil, apperrors.Corrupted(op, err)
	}
	return data, nil
}

// setDemosaiced records the geometry of an already demosaiced source of
// w*h pixels, keeping the orientation from metadata.
func setDemosaiced(img *core.Descriptor, w, h int, format core.Format, flags core.Flags) {
	img.Width, img.Height = orient.Dims(w, h, img.Orientation)
	img.Filters = 0
	img.Black, img.White = 0, 1
	img.Format = format
	img.Flags = flags
}

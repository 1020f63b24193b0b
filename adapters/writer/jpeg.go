package writer

import (
	"bytes"
	"context"
	"encoding/binary"
	"image/jpeg"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

// JPEG writes baseline JPEGs with the metadata blob as an APP1 segment.
type JPEG struct {
	DefaultQuality int // used when WriterParams.Quality == 0
}

func NewJPEG(defaultQuality int) *JPEG {
	if defaultQuality <= 0 {
		defaultQuality = 95
	}
	return &JPEG{DefaultQuality: defaultQuality}
}

func (j *JPEG) Name() string { return "jpeg" }

func (j *JPEG) BitsPerPixel(core.WriterParams) int { return 8 }

func (j *JPEG) Write(ctx context.Context, params core.WriterParams, path string, img *core.Rendered, blob []byte, _ core.ImageID) error {
	const op = "jpeg.encode"
	if err := check(ctx, op, img, 8); err != nil {
		return err
	}
	quality := params.Quality
	if quality <= 0 {
		quality = j.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, nrgba(img), &jpeg.Options{Quality: quality}); err != nil {
		return apperrors.Wrap(apperrors.CategoryEncode, op, err)
	}
	return save(op, path, withAPP1(buf.Bytes(), blob))
}

// withAPP1 inserts blob as an APP1 segment right after SOI. Blobs that do not
// fit a segment are dropped.
func withAPP1(jpg, blob []byte) []byte {
	if len(blob) == 0 || len(blob)+2 > 0xFFFF || len(jpg) < 2 {
		return jpg
	}
	out := make([]byte, 0, len(jpg)+len(blob)+4)
	out = append(out, jpg[:2]...)
	out = append(out, 0xFF, 0xE1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(blob)+2))
	out = append(out, blob...)
	return append(out, jpg[2:]...)
}

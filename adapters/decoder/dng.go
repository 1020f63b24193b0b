package decoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/garyhouston/tiff66"
	"github.com/gen2brain/jpegn"
	"golang.org/x/text/unicode/norm"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/orient"
	"github.com/Skryldev/imageio/resample"
)

// DNG tags and values not named by tiff66.
const (
	tagDNGVersion          tiff66.Tag = 0xC612
	tagCFARepeatPatternDim tiff66.Tag = 0x828D
	tagCFAPattern          tiff66.Tag = 0x828E
	tagBlackLevel          tiff66.Tag = 0xC61A
	tagWhiteLevel          tiff66.Tag = 0xC61D

	photometricCFA = 32803

	compressionNone    = 1
	compressionOldJPEG = 6
	compressionJPEG    = 7
)

var (
	errNotDNG       = errors.New("no DNGVersion tag")
	errNoRawIFD     = errors.New("no CFA raw IFD")
	errCompressed   = errors.New("compressed raw data")
	errNoCFAPattern = errors.New("missing or unsupported CFA pattern")
)

// DNG is the fast RAW decoder: uncompressed Bayer DNGs read with tiff66.
// Compressed or non-Bayer files are declined so the generic RAW fallback can
// try them.
type DNG struct {
	env Env
}

// NewDNG returns a DNG decoder.
func NewDNG(env Env) *DNG { return &DNG{env: env} }

func (d *DNG) Name() string { return "dng" }

func (d *DNG) Decode(ctx context.Context, req *core.Request) error {
	const op = "dng.decode"
	if err := expect(op, req.Path, core.FormatTIFF); err != nil {
		return err
	}
	data, err := readAll(ctx, d.env, op, req.Path)
	if err != nil {
		return err
	}
	root, err := parseDNG(data)
	if err != nil {
		return apperrors.NotRecognized(op, err)
	}
	raw, err := findRaw(root)
	if err != nil {
		if errors.Is(err, errNoRawIFD) || errors.Is(err, errCompressed) {
			return apperrors.NotRecognized(op, err)
		}
		return apperrors.Corrupted(op, err)
	}

	img := req.Image
	o := orient.FromEXIF(int(intField(root, tiff66.Orientation, 1)))
	img.Orientation = o
	img.Width, img.Height = orient.Dims(raw.width, raw.height, o)
	img.Filters = raw.filters
	img.Black = float32(raw.black / 65535)
	img.White = float32(raw.white / 65535)
	img.Format = core.FormatDNG
	img.Flags = core.FlagRaw
	if !img.ExifInited {
		img.EXIF.Maker = norm.NFC.String(asciiField(root, tiff66.Make))
		img.EXIF.Model = norm.NFC.String(asciiField(root, tiff66.Model))
	}

	if req.Variant == core.VariantFull {
		return place(d.env, op, req, raw.mosaic(), raw.filters, f32To8, f32Identity)
	}

	if !img.Altered() && !d.env.NeverUseEmbeddedThumb {
		if jpg := findPreview(root); jpg != nil {
			err := d.placePreview(op, req, jpg)
			if err == nil || apperrors.IsExhausted(err) {
				return err
			}
			if d.env.Logger != nil {
				d.env.Logger.Debug(op+".preview", "image_id", img.ID, "error", err)
			}
		}
	}
	quick := resample.Superpixel(raw.mosaic(), raw.filters)
	return PlaceLinear(d.env, op, req, quick)
}

// placePreview decodes the embedded JPEG preview into the requested tier.
func (d *DNG) placePreview(op string, req *core.Request, jpg []byte) error {
	m, err := jpegn.Decode(bytes.NewReader(jpg), &jpegn.Options{ToRGBA: true})
	if err != nil {
		return apperrors.Library(op, err, errors.Is(err, jpegn.ErrOutOfMemory))
	}
	return PlaceRGB8(d.env, op, req, rgb8(m))
}

// parseDNG reads the IFD tree and checks for the DNG marker.
func parseDNG(data []byte) (*tiff66.IFDNode, error) {
	ok, order, pos := tiff66.GetHeader(data)
	if !ok {
		return nil, errors.New("bad TIFF header")
	}
	// tiff66 reports recoverable damage alongside a usable tree.
	root, err := tiff66.GetIFDTree(data, order, pos, tiff66.TIFFSpace)
	if root == nil || field(root, tagDNGVersion) == nil {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errNotDNG, err)
		}
		return nil, errNotDNG
	}
	return root, nil
}

// rawIFD is an uncompressed Bayer mosaic.
type rawIFD struct {
	order         binary.ByteOrder
	width, height int
	bps           int
	data          []byte
	filters       uint32
	black, white  float64
}

func findRaw(root *tiff66.IFDNode) (*rawIFD, error) {
	var node *tiff66.IFDNode
	walk(root, func(n *tiff66.IFDNode) bool {
		if intField(n, tiff66.NewSubfileType, 0) == 0 &&
			intField(n, tiff66.PhotometricInterpretation, 0) == photometricCFA {
			node = n
			return true
		}
		return false
	})
	if node == nil {
		return nil, errNoRawIFD
	}
	if c := intField(node, tiff66.Compression, compressionNone); c != compressionNone {
		return nil, fmt.Errorf("%w: compression %d", errCompressed, c)
	}

	r := &rawIFD{
		order:  node.Order,
		width:  int(intField(node, tiff66.ImageWidth, 0)),
		height: int(intField(node, tiff66.ImageLength, 0)),
		bps:    int(intField(node, tiff66.BitsPerSample, 16)),
	}
	if r.width <= 0 || r.height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", apperrors.ErrInvalidDimensions, r.width, r.height)
	}
	if r.bps != 8 && r.bps != 16 {
		return nil, fmt.Errorf("%w: %d bits per sample", errCompressed, r.bps)
	}
	if spp := intField(node, tiff66.SamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("%w: %d samples per pixel", errNoCFAPattern, spp)
	}

	filters, err := cfaFilters(node)
	if err != nil {
		return nil, err
	}
	r.filters = filters

	r.data = stripData(node)
	if need := r.width * r.height * r.bps / 8; len(r.data) < need {
		return nil, fmt.Errorf("raw data truncated: %d of %d bytes", len(r.data), need)
	}

	maxVal := float64(int(1)<<r.bps - 1)
	r.black = meanField(node, tagBlackLevel, 0)
	r.white = meanField(node, tagWhiteLevel, maxVal)
	if r.white <= r.black {
		r.black, r.white = 0, maxVal
	}
	return r, nil
}

// mosaic normalizes the sensor values to [0, 1] above black.
func (r *rawIFD) mosaic() resample.Image[float32] {
	out := resample.NewImage[float32](r.width, r.height, 1)
	scale := 1 / (r.white - r.black)
	for i := range out.Pix {
		var v float64
		if r.bps == 16 {
			v = float64(r.order.Uint16(r.data[2*i:]))
		} else {
			v = float64(r.data[i])
		}
		out.Pix[i] = float32(max(0, (v-r.black)*scale))
	}
	return out
}

func cfaFilters(node *tiff66.IFDNode) (uint32, error) {
	dim := field(node, tagCFARepeatPatternDim)
	pat := field(node, tagCFAPattern)
	if dim == nil || pat == nil || dim.Count < 2 || pat.Count < 4 {
		return 0, errNoCFAPattern
	}
	rows := dim.AnyInteger(0, node.Order)
	cols := dim.AnyInteger(1, node.Order)
	if rows != 2 || cols != 2 {
		return 0, fmt.Errorf("%w: %dx%d repeat", errNoCFAPattern, rows, cols)
	}
	var p [4]uint8
	for i := range p {
		c := pat.Byte(uint32(i))
		if c > resample.Blue {
			return 0, fmt.Errorf("%w: colour %d", errNoCFAPattern, c)
		}
		p[i] = c
	}
	return resample.FiltersFromPattern(p), nil
}

// findPreview returns the largest embedded JPEG in a reduced-resolution IFD.
func findPreview(root *tiff66.IFDNode) []byte {
	var best []byte
	walk(root, func(n *tiff66.IFDNode) bool {
		if intField(n, tiff66.NewSubfileType, 0)&1 == 0 {
			return false
		}
		switch intField(n, tiff66.Compression, compressionNone) {
		case compressionJPEG, compressionOldJPEG:
		default:
			return false
		}
		for _, id := range n.GetImageData() {
			b := joinSegments(id.Segments)
			if len(b) > 2 && b[0] == 0xFF && b[1] == 0xD8 && len(b) > len(best) {
				best = b
			}
		}
		return false
	})
	return best
}

// walk visits n, its sub-IFDs and its successors until fn returns true.
func walk(n *tiff66.IFDNode, fn func(*tiff66.IFDNode) bool) bool {
	for ; n != nil; n = n.Next {
		if fn(n) {
			return true
		}
		for _, sub := range n.SubIFDs {
			if walk(sub.Node, fn) {
				return true
			}
		}
	}
	return false
}

func field(n *tiff66.IFDNode, tag tiff66.Tag) *tiff66.Field {
	if f := n.FindFields([]tiff66.Tag{tag}); len(f) > 0 {
		return f[0]
	}
	return nil
}

func intField(n *tiff66.IFDNode, tag tiff66.Tag, def int64) int64 {
	f := field(n, tag)
	if f == nil || f.Count == 0 || !f.Type.IsIntegral() {
		return def
	}
	return f.AnyInteger(0, n.Order)
}

func asciiField(n *tiff66.IFDNode, tag tiff66.Tag) string {
	f := field(n, tag)
	if f == nil || f.Type != tiff66.ASCII {
		return ""
	}
	return string(bytes.TrimRight([]byte(f.ASCII()), " \x00"))
}

// meanField averages every value of a numeric field (per-site levels).
func meanField(n *tiff66.IFDNode, tag tiff66.Tag, def float64) float64 {
	f := field(n, tag)
	if f == nil || f.Count == 0 {
		return def
	}
	var sum float64
	for i := uint32(0); i < f.Count; i++ {
		switch {
		case f.Type.IsIntegral():
			sum += float64(f.AnyInteger(i, n.Order))
		case f.Type.IsRational():
			num, den := f.AnyRational(i, n.Order)
			if den == 0 {
				return def
			}
			sum += float64(num) / float64(den)
		case f.Type.IsFloat():
			sum += f.AnyFloat(i, n.Order)
		default:
			return def
		}
	}
	return sum / float64(f.Count)
}

func stripData(n *tiff66.IFDNode) []byte {
	for _, id := range n.GetImageData() {
		if id.OffsetTag == tiff66.StripOffsets {
			return joinSegments(id.Segments)
		}
	}
	return nil
}

func joinSegments(segs []tiff66.ImageSegment) []byte {
	if len(segs) == 1 {
		return segs[0]
	}
	var b []byte
	for _, s := range segs {
		b = append(b, s...)
	}
	return b
}

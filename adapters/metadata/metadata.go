// Package metadata reads capture metadata with goexif and builds the Exif
// blob attached to exported files with tiff66.
package metadata

import (
	"encoding/binary"
	"os"
	"strings"

	"github.com/garyhouston/tiff66"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/text/unicode/norm"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/export"
	"github.com/Skryldev/imageio/orient"
)

// Exif tags written into the export blob.
const (
	tagExposureTime     tiff66.Tag = 0x829A
	tagFNumber          tiff66.Tag = 0x829D
	tagISO              tiff66.Tag = 0x8827
	tagDateTimeOriginal tiff66.Tag = 0x9003
	tagFocalLength      tiff66.Tag = 0x920A
	tagColorSpace       tiff66.Tag = 0xA001

	colorSpaceSRGB         = 1
	colorSpaceUncalibrated = 0xFFFF
)

// BlobHeader prefixes every blob, as in a JPEG APP1 segment.
const BlobHeader = "Exif\x00\x00"

var order = binary.LittleEndian

// Reader implements core.MetadataReader.
type Reader struct{}

// NewReader returns a metadata reader.
func NewReader() *Reader { return &Reader{} }

func decode(op, path string) (*exif.Exif, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryInput, op, err)
	}
	defer f.Close()
	x, err := exif.Decode(f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	return x, nil
}

// Read fills the capture fields and orientation of img from the file's Exif.
func (r *Reader) Read(path string, img *core.Descriptor) error {
	x, err := decode("metadata.read", path)
	if err != nil {
		return err
	}
	e := &img.EXIF
	e.Maker = text(x, exif.Make)
	e.Model = text(x, exif.Model)
	if v, ok := ratio(x, exif.ExposureTime); ok {
		e.Exposure = float32(v)
	}
	if v, ok := ratio(x, exif.FNumber); ok {
		e.Aperture = float32(v)
	}
	if v, ok := ratio(x, exif.FocalLength); ok {
		e.FocalLength = float32(v)
	}
	if v, ok := integer(x, exif.ISOSpeedRatings); ok {
		e.ISO = float32(v)
	}
	if t, err := x.DateTime(); err == nil {
		e.DateTime = t
	}
	if v, ok := integer(x, exif.Orientation); ok {
		img.Orientation = orient.FromEXIF(v)
	}
	return nil
}

// ReadBlob returns an Exif blob for an exported copy of path: capture fields
// only, orientation reset (pixels are exported upright) and ColorSpace set
// from sRGB.
func (r *Reader) ReadBlob(path string, sRGB bool) ([]byte, error) {
	x, err := decode("metadata.blob", path)
	if err != nil {
		return nil, err
	}
	f := blobFields{
		maker:    text(x, exif.Make),
		model:    text(x, exif.Model),
		datetime: text(x, exif.DateTimeOriginal),
	}
	for _, rf := range []struct {
		name exif.FieldName
		tag  tiff66.Tag
	}{
		{exif.ExposureTime, tagExposureTime},
		{exif.FNumber, tagFNumber},
		{exif.FocalLength, tagFocalLength},
	} {
		if num, den, ok := rational(x, rf.name); ok {
			f.rationals = append(f.rationals, rationalField(rf.tag, num, den))
		}
	}
	if v, ok := integer(x, exif.ISOSpeedRatings); ok {
		f.iso = v
	}
	return encodeBlob(f, sRGB)
}

// DescriptorBlob builds the blob from the capture fields kept on img, for
// sources without Exif of their own.
func (r *Reader) DescriptorBlob(img *core.Descriptor, sRGB bool) ([]byte, error) {
	e := img.EXIF
	f := blobFields{maker: e.Maker, model: e.Model, iso: int(e.ISO + .5)}
	if !e.DateTime.IsZero() {
		f.datetime = e.DateTime.Format(exifTime)
	}
	for _, rf := range []struct {
		v   float32
		tag tiff66.Tag
	}{
		{e.Exposure, tagExposureTime},
		{e.Aperture, tagFNumber},
		{e.FocalLength, tagFocalLength},
	} {
		if rf.v <= 0 {
			continue
		}
		num, den := export.ToFractional(float64(rf.v))
		f.rationals = append(f.rationals, rationalField(rf.tag, int64(num), int64(den)))
	}
	return encodeBlob(f, sRGB)
}

const exifTime = "2006:01:02 15:04:05"

type blobFields struct {
	maker, model string
	datetime     string
	rationals    []tiff66.Field
	iso          int // 0 = absent
}

func encodeBlob(f blobFields, sRGB bool) ([]byte, error) {
	ifd0 := tiff66.NewIFDNode(tiff66.TIFFSpace)
	ifd0.Order = order
	sub := tiff66.NewIFDNode(tiff66.ExifSpace)
	sub.Order = order

	var main []tiff66.Field
	if f.maker != "" {
		main = append(main, asciiField(tiff66.Make, f.maker))
	}
	if f.model != "" {
		main = append(main, asciiField(tiff66.Model, f.model))
	}
	main = append(main,
		shortField(tiff66.Orientation, 1),
		tiff66.Field{Tag: tiff66.ExifIFD, Type: tiff66.LONG, Count: 1, Data: make([]byte, 4)},
	)
	ifd0.AddFields(main)

	fields := append([]tiff66.Field(nil), f.rationals...)
	if f.iso > 0 && f.iso <= 0xFFFF {
		fields = append(fields, shortField(tagISO, uint16(f.iso)))
	}
	if f.datetime != "" {
		fields = append(fields, asciiField(tagDateTimeOriginal, f.datetime))
	}
	cs := uint16(colorSpaceUncalibrated)
	if sRGB {
		cs = colorSpaceSRGB
	}
	fields = append(fields, shortField(tagColorSpace, cs))
	sub.AddFields(fields)

	ifd0.SubIFDs = []tiff66.SubIFD{{Tag: tiff66.ExifIFD, Node: sub}}
	ifd0.Fix()

	size := tiff66.HeaderSize + ifd0.TreeSize()
	blob := make([]byte, len(BlobHeader)+int(size))
	copy(blob, BlobHeader)
	body := blob[len(BlobHeader):]
	tiff66.PutHeader(body, order, tiff66.HeaderSize)
	end, err := ifd0.PutIFDTree(body, tiff66.HeaderSize)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryEncode, "metadata.blob", err)
	}
	return blob[:len(BlobHeader)+int(end)], nil
}

func text(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return norm.NFC.String(strings.TrimSpace(strings.TrimRight(s, "\x00")))
}

func rational(x *exif.Exif, name exif.FieldName) (num, den int64, ok bool) {
	tag, err := x.Get(name)
	if err != nil {
		return 0, 0, false
	}
	num, den, err = tag.Rat2(0)
	if err != nil || den == 0 || num < 0 || den < 0 {
		return 0, 0, false
	}
	return num, den, true
}

func ratio(x *exif.Exif, name exif.FieldName) (float64, bool) {
	num, den, ok := rational(x, name)
	if !ok {
		return 0, false
	}
	return float64(num) / float64(den), true
}

func integer(x *exif.Exif, name exif.FieldName) (int, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return 0, false
	}
	v, err := tag.Int(0)
	if err != nil {
		return 0, false
	}
	return v, true
}

func asciiField(tag tiff66.Tag, s string) tiff66.Field {
	f := tiff66.Field{Tag: tag, Type: tiff66.ASCII}
	f.PutASCII(s)
	f.Count = uint32(len(f.Data))
	return f
}

func shortField(tag tiff66.Tag, v uint16) tiff66.Field {
	f := tiff66.Field{Tag: tag, Type: tiff66.SHORT, Count: 1, Data: make([]byte, 2)}
	f.PutShort(v, 0, order)
	return f
}

func rationalField(tag tiff66.Tag, num, den int64) tiff66.Field {
	f := tiff66.Field{Tag: tag, Type: tiff66.RATIONAL, Count: 1, Data: make([]byte, 8)}
	f.PutRational(uint32(num), uint32(den), 0, order)
	return f
}

var (
	_ core.MetadataReader      = (*Reader)(nil)
	_ export.DescriptorBlobber = (*Reader)(nil)
)

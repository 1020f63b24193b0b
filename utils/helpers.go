package utils

import (
	"bytes"
	"io"
	"os"

	"github.com/garyhouston/tiff66"

	"github.com/Skryldev/imageio/core"
)

// HeadSize is the number of bytes DetectFormat needs.
const HeadSize = 16

// DetectFormat sniffs the leading bytes of a file and returns the container
// format. TIFF-based raws (DNG and most vendor raws) report "tiff".
func DetectFormat(data []byte) core.Format {
	if len(data) < 4 {
		return core.FormatUnknown
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return core.FormatJPEG
	}
	// TIFF: II*\0 or MM\0*
	if (data[0] == 'I' && data[1] == 'I' && data[2] == 42 && data[3] == 0) ||
		(data[0] == 'M' && data[1] == 'M' && data[2] == 0 && data[3] == 42) {
		return core.FormatTIFF
	}
	// OpenEXR: 76 2F 31 01
	if data[0] == 0x76 && data[1] == 0x2F && data[2] == 0x31 && data[3] == 0x01 {
		return core.FormatEXR
	}
	// Radiance: #?RADIANCE or #?RGBE
	if bytes.HasPrefix(data, []byte("#?")) {
		return core.FormatRGBE
	}
	// PFM: "PF" (colour) or "Pf" (gray) followed by whitespace
	if data[0] == 'P' && (data[1] == 'F' || data[1] == 'f') && (data[2] == '\n' || data[2] == '\r' || data[2] == ' ') {
		return core.FormatPFM
	}
	return core.FormatUnknown
}

// ReadHead returns up to n leading bytes of the file at path.
func ReadHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

// Sniff reads the head of path and detects its format.
func Sniff(path string) (core.Format, error) {
	head, err := ReadHead(path, HeadSize)
	if err != nil {
		return core.FormatUnknown, err
	}
	return DetectFormat(head), nil
}

// IsDNG reports whether data is a TIFF container whose IFD0 carries a
// DNGVersion tag.
func IsDNG(data []byte) bool {
	ok, order, pos := tiff66.GetHeader(data)
	if !ok {
		return false
	}
	root, _ := tiff66.GetIFDTree(data, order, pos, tiff66.TIFFSpace)
	return root != nil && len(root.FindFields([]tiff66.Tag{0xC612})) > 0
}

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

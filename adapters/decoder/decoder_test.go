package decoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mdouchement/hdr"
	"github.com/mdouchement/hdr/codec/rgbe"
	"github.com/mdouchement/hdr/hdrcolor"
	xtiff "golang.org/x/image/tiff"

	"github.com/Skryldev/imageio/cache"
	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/mipmap"
	"github.com/Skryldev/imageio/orient"
	"github.com/Skryldev/imageio/resample"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func newEnv(t *testing.T) (Env, *cache.Cache) {
	t.Helper()
	c := cache.New(64 << 20)
	g := mipmap.NewGeometry(8, 8)
	c.SetRefresher(mipmap.NewRefresher(c, g, nil).Refresh)
	return Env{Cache: c, Geometry: g}, c
}

func readTier(t *testing.T, c *cache.Cache, id core.ImageID, tier core.Tier) *core.Buffer {
	t.Helper()
	s, err := c.Acquire(id, tier, core.ModeRead)
	if err != nil {
		t.Fatalf("Acquire(%s): %v", tier, err)
	}
	defer s.Release()
	b := s.Buffer()
	if b == nil {
		t.Fatalf("tier %s not resident", tier)
	}
	return b
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func grayJPEG(t *testing.T, w, h int, v uint8) []byte {
	t.Helper()
	m := image.NewGray(image.Rect(0, 0, w, h))
	for i := range m.Pix {
		m.Pix[i] = v
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, m, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// tiffBuilder lays out a little-endian TIFF: image data first, then IFDs.
type tiffBuilder struct {
	buf []byte
}

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	data     []byte
}

func newTIFFBuilder() *tiffBuilder {
	b := &tiffBuilder{buf: make([]byte, 8)}
	copy(b.buf, "II")
	binary.LittleEndian.PutUint16(b.buf[2:], 42)
	return b
}

func (b *tiffBuilder) align() {
	if len(b.buf)%2 == 1 {
		b.buf = append(b.buf, 0)
	}
}

func (b *tiffBuilder) blob(p []byte) uint32 {
	b.align()
	off := uint32(len(b.buf))
	b.buf = append(b.buf, p...)
	return off
}

// ifd writes a table with entries sorted by the caller and returns its offset.
func (b *tiffBuilder) ifd(entries []ifdEntry) uint32 {
	b.align()
	off := uint32(len(b.buf))
	ext := off + 2 + 12*uint32(len(entries)) + 4
	table := make([]byte, ext-off)
	binary.LittleEndian.PutUint16(table, uint16(len(entries)))
	var extra []byte
	for i, e := range entries {
		p := table[2+12*i:]
		binary.LittleEndian.PutUint16(p, e.tag)
		binary.LittleEndian.PutUint16(p[2:], e.typ)
		binary.LittleEndian.PutUint32(p[4:], e.count)
		if len(e.data) <= 4 {
			copy(p[8:12], e.data)
			continue
		}
		binary.LittleEndian.PutUint32(p[8:], ext+uint32(len(extra)))
		extra = append(extra, e.data...)
		if len(extra)%2 == 1 {
			extra = append(extra, 0)
		}
	}
	b.buf = append(b.buf, table...)
	b.buf = append(b.buf, extra...)
	return off
}

func (b *tiffBuilder) root(off uint32) []byte {
	binary.LittleEndian.PutUint32(b.buf[4:], off)
	return b.buf
}

func short(tag uint16, vs ...uint16) ifdEntry {
	d := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(d[2*i:], v)
	}
	return ifdEntry{tag, 3, uint32(len(vs)), d}
}

func long(tag uint16, vs ...uint32) ifdEntry {
	d := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(d[4*i:], v)
	}
	return ifdEntry{tag, 4, uint32(len(vs)), d}
}

func byteField(tag uint16, vs ...byte) ifdEntry { return ifdEntry{tag, 1, uint32(len(vs)), vs} }

func ascii(tag uint16, s string) ifdEntry {
	return ifdEntry{tag, 2, uint32(len(s) + 1), append([]byte(s), 0)}
}

type dngSpec struct {
	w, h        int
	value       uint16 // every sensor sample
	white       uint32
	exif        uint16 // orientation tag
	compression uint16
	stripBytes  int // 0 = exact
	preview     []byte
}

// buildDNG writes a 16-bit RGGB DNG whose raw IFD is IFD0.
func buildDNG(s dngSpec) []byte {
	b := newTIFFBuilder()
	raw := make([]byte, s.w*s.h*2)
	for i := 0; i < s.w*s.h; i++ {
		binary.LittleEndian.PutUint16(raw[2*i:], s.value)
	}
	rawOff := b.blob(raw)
	n := uint32(len(raw))
	if s.stripBytes > 0 {
		n = uint32(s.stripBytes)
	}

	var sub uint32
	if s.preview != nil {
		pOff := b.blob(s.preview)
		sub = b.ifd([]ifdEntry{
			long(0x00FE, 1),
			long(0x0100, 8),
			long(0x0101, 4),
			short(0x0103, compressionJPEG),
			short(0x0106, 6),
			long(0x0111, pOff),
			long(0x0117, uint32(len(s.preview))),
		})
	}

	comp := s.compression
	if comp == 0 {
		comp = compressionNone
	}
	entries := []ifdEntry{
		long(0x00FE, 0),
		long(0x0100, uint32(s.w)),
		long(0x0101, uint32(s.h)),
		short(0x0102, 16),
		short(0x0103, comp),
		short(0x0106, photometricCFA),
		ascii(0x010F, "ACME"),
		ascii(0x0110, "Model 7"),
		long(0x0111, rawOff),
		short(0x0112, s.exif),
		short(0x0115, 1),
		long(0x0117, n),
	}
	if sub != 0 {
		entries = append(entries, long(0x014A, sub))
	}
	entries = append(entries,
		short(0x828D, 2, 2),
		byteField(0x828E, 0, 1, 1, 2),
		byteField(0xC612, 1, 4, 0, 0),
		long(0xC61D, s.white),
	)
	return b.root(b.ifd(entries))
}

func decode(t *testing.T, d core.Decoder, path string, img *core.Descriptor, v core.Variant, tier core.Tier) error {
	t.Helper()
	return d.Decode(context.Background(), &core.Request{Path: path, Image: img, Variant: v, Tier: tier})
}

func near(a, b uint8, tol int) bool {
	d := int(a) - int(b)
	return d >= -tol && d <= tol
}

// ---------------------------------------------------------------------------
// DNG
// ---------------------------------------------------------------------------

func TestDNG_Full(t *testing.T) {
	env, c := newEnv(t)
	p := writeFile(t, "a.dng", buildDNG(dngSpec{w: 16, h: 8, value: 500, white: 1000, exif: 6}))
	img := &core.Descriptor{ID: 1}

	if err := decode(t, NewDNG(env), p, img, core.VariantFull, core.Full); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	o := orient.FromEXIF(6)
	rggb := resample.FiltersFromPattern([4]uint8{0, 1, 1, 2})
	if img.Width != 8 || img.Height != 16 || img.Orientation != o {
		t.Errorf("geometry: %dx%d orientation %d", img.Width, img.Height, img.Orientation)
	}
	if img.Filters != rggb || img.Flags != core.FlagRaw || img.Format != core.FormatDNG {
		t.Errorf("descriptor: filters %#x flags %d format %s", img.Filters, img.Flags, img.Format)
	}
	if img.EXIF.Maker != "ACME" || img.EXIF.Model != "Model 7" {
		t.Errorf("maker/model: %q %q", img.EXIF.Maker, img.EXIF.Model)
	}

	b := readTier(t, c, 1, core.Full)
	if b.Width != 8 || b.Height != 16 || b.Channels != 1 {
		t.Fatalf("full buffer %dx%dx%d", b.Width, b.Height, b.Channels)
	}
	if want := resample.OrientFilters(rggb, 16, 8, o); b.Filters != want {
		t.Errorf("buffer filters %#x, want %#x", b.Filters, want)
	}
	if math.Abs(float64(b.F32[0])-0.5) > 1e-6 {
		t.Errorf("normalized sample %v, want 0.5", b.F32[0])
	}
	if mip := readTier(t, c, 1, core.Mip4); mip.FrameWidth == 0 {
		t.Error("derived tiers not refreshed")
	}
}

func TestDNG_PreviewPaths(t *testing.T) {
	data := buildDNG(dngSpec{w: 16, h: 8, value: 500, white: 1000, exif: 1, preview: grayJPEG(t, 8, 4, 60)})

	tests := []struct {
		name    string
		altered bool
		never   bool
		want    uint8
	}{
		{"embedded", false, false, 60},
		{"altered", true, false, mipmap.Display(0.5)},
		{"disabled", false, true, mipmap.Display(0.5)},
	}
	var frames [][2]int
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, c := newEnv(t)
			env.NeverUseEmbeddedThumb = tc.never
			p := writeFile(t, "a.dng", data)
			img := &core.Descriptor{ID: 2}
			if tc.altered {
				img.HistoryEnd = 1
			}
			if err := decode(t, NewDNG(env), p, img, core.VariantPreview, core.Mip4); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			b := readTier(t, c, 2, core.Mip4)
			frames = append(frames, [2]int{b.FrameWidth, b.FrameHeight})
			for i := 0; i < 3; i++ {
				if !near(b.U8[i], tc.want, 3) {
					t.Errorf("channel %d = %d, want ~%d", i, b.U8[i], tc.want)
				}
			}
		})
	}
	for i := 1; i < len(frames); i++ {
		if frames[i] != frames[0] {
			t.Errorf("frame %v differs from %v", frames[i], frames[0])
		}
	}
	if len(frames) > 0 && frames[0] != [2]int{8, 4} {
		t.Errorf("frame %v, want 8x4", frames[0])
	}
}

func TestDNG_PreviewFrameFollowsOrientation(t *testing.T) {
	for _, exif := range []int{1, 2, 3, 4, 5, 6, 7, 8} {
		o := orient.FromEXIF(exif)
		data := buildDNG(dngSpec{w: 16, h: 8, value: 500, white: 1000, exif: uint16(exif), preview: grayJPEG(t, 8, 4, 60)})
		env, c := newEnv(t)
		p := writeFile(t, "a.dng", data)
		img := &core.Descriptor{ID: 2}
		if err := decode(t, NewDNG(env), p, img, core.VariantPreview, core.Mip4); err != nil {
			t.Fatalf("exif %d: Decode: %v", exif, err)
		}
		b := readTier(t, c, 2, core.Mip4)
		ww, wh := orient.Dims(8, 4, o)
		if b.FrameWidth != ww || b.FrameHeight != wh {
			t.Errorf("exif %d: frame %dx%d, want %dx%d", exif, b.FrameWidth, b.FrameHeight, ww, wh)
		}
	}
}

// TestPlace_PreviewMatchesFullRefresh places the same non-uniform source
// into Mip4 directly and into Full, letting the refresh chain derive Mip4.
// Both must agree pixel for pixel in every orientation.
func TestPlace_PreviewMatchesFullRefresh(t *testing.T) {
	const sw, sh = 16, 8
	src := resample.NewImage[uint8](sw, sh, 3)
	for y := 0; y < sh; y++ {
		for x := 0; x < sw; x++ {
			v := uint8(x*13 + y*7)
			o := (y*sw + x) * 3
			src.Pix[o], src.Pix[o+1], src.Pix[o+2] = v, v, 255-v
		}
	}

	for o := core.Orientation(0); o < 8; o++ {
		t.Run(o.String(), func(t *testing.T) {
			dw, dh := orient.Dims(sw, sh, o)

			fullEnv, fullCache := newEnv(t)
			full := &core.Descriptor{ID: 1, Width: dw, Height: dh, Orientation: o}
			if err := PlaceRGB8(fullEnv, "test", &core.Request{Image: full, Variant: core.VariantFull}, src); err != nil {
				t.Fatalf("place full: %v", err)
			}
			prevEnv, prevCache := newEnv(t)
			prev := &core.Descriptor{ID: 1, Width: dw, Height: dh, Orientation: o}
			if err := PlaceRGB8(prevEnv, "test", &core.Request{Image: prev, Variant: core.VariantPreview, Tier: core.Mip4}, src); err != nil {
				t.Fatalf("place preview: %v", err)
			}

			want := readTier(t, fullCache, 1, core.Mip4)
			got := readTier(t, prevCache, 1, core.Mip4)
			if got.FrameWidth != want.FrameWidth || got.FrameHeight != want.FrameHeight {
				t.Fatalf("frame %dx%d, want %dx%d", got.FrameWidth, got.FrameHeight, want.FrameWidth, want.FrameHeight)
			}
			for y := 0; y < want.FrameHeight; y++ {
				for x := 0; x < want.FrameWidth; x++ {
					for k := 0; k < 3; k++ {
						g := got.U8[(y*got.Width+x)*4+k]
						w := want.U8[(y*want.Width+x)*4+k]
						if !near(g, w, 1) {
							t.Fatalf("(%d,%d) channel %d: got %d, want %d", x, y, k, g, w)
						}
					}
				}
			}
		})
	}
}

func TestDNG_Declines(t *testing.T) {
	env, _ := newEnv(t)
	tests := []struct {
		name string
		data []byte
	}{
		{"jpeg", grayJPEG(t, 8, 8, 10)},
		{"compressed raw", buildDNG(dngSpec{w: 16, h: 8, value: 1, white: 10, exif: 1, compression: compressionJPEG})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := writeFile(t, "x", tc.data)
			err := decode(t, NewDNG(env), p, &core.Descriptor{ID: 3}, core.VariantFull, core.Full)
			if !apperrors.IsNotRecognized(err) {
				t.Errorf("got %v, want not recognized", err)
			}
		})
	}
}

func TestDNG_Truncated(t *testing.T) {
	env, _ := newEnv(t)
	p := writeFile(t, "t.dng", buildDNG(dngSpec{w: 16, h: 8, value: 1, white: 10, exif: 1, stripBytes: 16 * 8}))
	err := decode(t, NewDNG(env), p, &core.Descriptor{ID: 4}, core.VariantFull, core.Full)
	if !apperrors.IsCorrupted(err) {
		t.Errorf("got %v, want corrupted", err)
	}
}

// ---------------------------------------------------------------------------
// LDR
// ---------------------------------------------------------------------------

func TestJPEG_Decode(t *testing.T) {
	env, c := newEnv(t)
	p := writeFile(t, "a.jpg", grayJPEG(t, 16, 8, 120))
	img := &core.Descriptor{ID: 5, Orientation: orient.FromEXIF(8)}

	if err := decode(t, NewJPEG(env), p, img, core.VariantPreview, core.MipF); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Width != 8 || img.Height != 16 || img.Flags != core.FlagLDR || img.Filters != 0 {
		t.Errorf("descriptor: %dx%d flags %d filters %#x", img.Width, img.Height, img.Flags, img.Filters)
	}
	b := readTier(t, c, 5, core.MipF)
	if b.FrameWidth != 4 || b.FrameHeight != 8 {
		t.Errorf("frame %dx%d, want 4x8", b.FrameWidth, b.FrameHeight)
	}
	if got := mipmap.Display(b.F32[0]); !near(got, 120, 3) {
		t.Errorf("sample %d, want ~120", got)
	}
}

func TestJPEG_NotRecognized(t *testing.T) {
	env, _ := newEnv(t)
	p := writeFile(t, "a.pfm", []byte("PF\n1 1\n-1.0\n\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"))
	err := decode(t, NewJPEG(env), p, &core.Descriptor{ID: 6}, core.VariantPreview, core.Mip4)
	if !apperrors.IsNotRecognized(err) {
		t.Errorf("got %v, want not recognized", err)
	}
}

func TestJPEG_Corrupted(t *testing.T) {
	env, _ := newEnv(t)
	data := grayJPEG(t, 16, 16, 0)
	p := writeFile(t, "bad.jpg", data[:len(data)/3])
	err := decode(t, NewJPEG(env), p, &core.Descriptor{ID: 7}, core.VariantPreview, core.Mip4)
	if err == nil || apperrors.IsNotRecognized(err) {
		t.Errorf("got %v, want a terminal error", err)
	}
}

func TestTIFF_Decode(t *testing.T) {
	env, c := newEnv(t)
	m := image.NewNRGBA(image.Rect(0, 0, 16, 8))
	for i := 0; i < len(m.Pix); i += 4 {
		m.Pix[i], m.Pix[i+1], m.Pix[i+2], m.Pix[i+3] = 200, 100, 50, 255
	}
	var buf bytes.Buffer
	if err := xtiff.Encode(&buf, m, nil); err != nil {
		t.Fatal(err)
	}
	p := writeFile(t, "a.tif", buf.Bytes())
	img := &core.Descriptor{ID: 8}

	if err := decode(t, NewTIFF(env), p, img, core.VariantPreview, core.Mip4); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b := readTier(t, c, 8, core.Mip4)
	// BGR
	if b.U8[0] != 50 || b.U8[1] != 100 || b.U8[2] != 200 {
		t.Errorf("pixel %v", b.U8[:3])
	}
}

func TestTIFF_DeclinesDNG(t *testing.T) {
	env, _ := newEnv(t)
	p := writeFile(t, "a.dng", buildDNG(dngSpec{w: 16, h: 8, value: 1, white: 10, exif: 1}))
	err := decode(t, NewTIFF(env), p, &core.Descriptor{ID: 9}, core.VariantPreview, core.Mip4)
	if !apperrors.IsNotRecognized(err) {
		t.Errorf("got %v, want not recognized", err)
	}
}

// ---------------------------------------------------------------------------
// HDR
// ---------------------------------------------------------------------------

func TestPFM_Decode(t *testing.T) {
	env, c := newEnv(t)
	var buf bytes.Buffer
	buf.WriteString("PF\n4 2\n-1.0\n")
	for i := 0; i < 4*2*3; i++ {
		_ = binary.Write(&buf, binary.LittleEndian, float32(0.25))
	}
	p := writeFile(t, "a.pfm", buf.Bytes())
	img := &core.Descriptor{ID: 10}

	if err := decode(t, NewPFM(env), p, img, core.VariantPreview, core.Mip4); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Flags != core.FlagHDR || img.Width != 4 || img.Height != 2 || img.White != 1 {
		t.Errorf("descriptor %+v", img)
	}
	b := readTier(t, c, 10, core.Mip4)
	if want := mipmap.Display(0.25); b.U8[0] != want {
		t.Errorf("sample %d, want %d", b.U8[0], want)
	}
}

func TestRGBE_Decode(t *testing.T) {
	env, c := newEnv(t)
	m := hdr.NewRGB(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			m.SetRGB(x, y, hdrcolor.RGB{R: 0.5, G: 0.25, B: 0.125})
		}
	}
	var buf bytes.Buffer
	if err := rgbe.Encode(&buf, m); err != nil {
		t.Fatal(err)
	}
	p := writeFile(t, "a.hdr", buf.Bytes())

	if err := decode(t, NewRGBE(env), p, &core.Descriptor{ID: 11}, core.VariantPreview, core.MipF); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b := readTier(t, c, 11, core.MipF)
	want := []float32{0.5, 0.25, 0.125}
	for i, w := range want {
		if math.Abs(float64(b.F32[i]-w)) > 0.01 {
			t.Errorf("channel %d = %v, want %v", i, b.F32[i], w)
		}
	}
}

func TestEXR_DeclinesOtherFormats(t *testing.T) {
	env, _ := newEnv(t)
	p := writeFile(t, "a.jpg", grayJPEG(t, 8, 8, 1))
	err := decode(t, NewEXR(env), p, &core.Descriptor{ID: 12}, core.VariantPreview, core.Mip4)
	if !apperrors.IsNotRecognized(err) {
		t.Errorf("got %v, want not recognized", err)
	}
}

func TestMissingFileIsCorrupted(t *testing.T) {
	env, _ := newEnv(t)
	err := decode(t, NewJPEG(env), filepath.Join(t.TempDir(), "none.jpg"), &core.Descriptor{ID: 13}, core.VariantPreview, core.Mip4)
	if !apperrors.IsCorrupted(err) {
		t.Errorf("got %v, want corrupted", err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestGuard_ClosesInReverse(t *testing.T) {
	var order []int
	var g guard
	for i := 0; i < 3; i++ {
		g.add(func() { order = append(order, i) })
	}
	g.Close()
	g.Close()
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Errorf("close order %v", order)
	}
}

func TestRGB8_Conversions(t *testing.T) {
	m := image.NewRGBA64(image.Rect(0, 0, 1, 1))
	m.Set(0, 0, color.RGBA64{R: 0xFFFF, G: 0x8000, B: 0, A: 0xFFFF})
	if !is16(m) {
		t.Fatal("RGBA64 not detected as 16-bit")
	}
	px := rgb16(m).Pix
	if px[0] != 0xFFFF || px[1] != 0x8000 || px[2] != 0 {
		t.Errorf("rgb16 %v", px)
	}
	p8 := rgb8(m).Pix
	if p8[0] != 255 || p8[1] != 128 || p8[2] != 0 {
		t.Errorf("rgb8 %v", p8)
	}
}

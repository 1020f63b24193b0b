package mipmap

import (
	"math"
	"testing"

	"github.com/Skryldev/imageio/cache"
	"github.com/Skryldev/imageio/core"
)

func TestGeometry(t *testing.T) {
	g := NewGeometry(1440, 900)
	boxes := []struct {
		tier core.Tier
		w, h int
	}{
		{core.Mip0, 90, 56},
		{core.Mip1, 180, 112},
		{core.Mip2, 360, 225},
		{core.Mip3, 720, 450},
		{core.Mip4, 1440, 900},
		{core.MipF, 1440, 900},
	}
	img := &core.Descriptor{Width: 6000, Height: 4000}
	for _, tc := range boxes {
		if w, h := g.MipSize(img, tc.tier); w != tc.w || h != tc.h {
			t.Errorf("MipSize(%s): got %dx%d, want %dx%d", tc.tier, w, h, tc.w, tc.h)
		}
	}
	if w, h := g.MipSize(img, core.Full); w != 6000 || h != 4000 {
		t.Errorf("MipSize(full): got %dx%d", w, h)
	}

	tests := []struct {
		name   string
		w, h   int
		tier   core.Tier
		ew, eh float64
	}{
		{"landscape", 6000, 4000, core.Mip4, 1350, 900},
		{"portrait", 4000, 6000, core.Mip4, 600, 900},
		{"small never upscaled", 100, 50, core.Mip4, 100, 50},
		{"full", 6000, 4000, core.Full, 6000, 4000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ew, eh := g.ExactMipSize(&core.Descriptor{Width: tc.w, Height: tc.h}, tc.tier)
			if math.Abs(ew-tc.ew) > 1e-9 || math.Abs(eh-tc.eh) > 1e-9 {
				t.Errorf("got %vx%v, want %vx%v", ew, eh, tc.ew, tc.eh)
			}
		})
	}
}

func TestDisplayLinearRoundTrip(t *testing.T) {
	for v := 0; v < 256; v++ {
		if got := Display(Linear(uint8(v))); got != uint8(v) {
			t.Fatalf("Display(Linear(%d)) = %d", v, got)
		}
	}
	if Display(float32(math.NaN())) != 0 || Display(-1) != 0 || Display(7) != 255 {
		t.Error("out-of-range samples not clamped")
	}
	if Linear(0) != 0 || Linear(255) != 1 {
		t.Errorf("endpoints: %v %v", Linear(0), Linear(255))
	}
}

func newTestCache(t *testing.T, boxW, boxH int) *cache.Cache {
	t.Helper()
	c := cache.New(64 << 20)
	r := NewRefresher(c, NewGeometry(boxW, boxH), nil)
	c.SetRefresher(r.Refresh)
	return c
}

func readTier(t *testing.T, c *cache.Cache, id core.ImageID, tier core.Tier) *core.Buffer {
	t.Helper()
	s, err := c.Acquire(id, tier, core.ModeRead)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()
	return s.Buffer()
}

func writeFull(t *testing.T, c *cache.Cache, id core.ImageID, w, h, ch int, filters uint32, fill func(x, y int, px []float32)) {
	t.Helper()
	s, err := c.Acquire(id, core.Full, core.ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := s.Alloc(w, h, ch)
	if err != nil {
		t.Fatal(err)
	}
	buf.Filters = filters
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fill(x, y, buf.F32[(y*w+x)*ch:(y*w+x+1)*ch])
		}
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release full: %v", err)
	}
}

func TestRefresh_FullPopulatesChain(t *testing.T) {
	c := newTestCache(t, 64, 32)
	writeFull(t, c, 1, 128, 64, 4, 0, func(_, _ int, px []float32) {
		px[0], px[1], px[2] = 0.5, 0.25, 0.125
	})

	frames := []struct {
		tier core.Tier
		w, h int
	}{
		{core.MipF, 64, 32},
		{core.Mip4, 64, 32},
		{core.Mip3, 32, 16},
		{core.Mip2, 16, 8},
		{core.Mip1, 8, 4},
		{core.Mip0, 4, 2},
	}
	for _, tc := range frames {
		buf := readTier(t, c, 1, tc.tier)
		if buf == nil {
			t.Fatalf("%s not populated", tc.tier)
		}
		if buf.FrameWidth != tc.w || buf.FrameHeight != tc.h {
			t.Errorf("%s frame: got %dx%d, want %dx%d", tc.tier, buf.FrameWidth, buf.FrameHeight, tc.w, tc.h)
		}
		if tc.tier.Is8Bit() {
			// BGR order, constant image stays constant through the halving.
			want := []uint8{Display(0.125), Display(0.25), Display(0.5)}
			for k, v := range want {
				if buf.U8[k] != v {
					t.Errorf("%s channel %d: got %d, want %d", tc.tier, k, buf.U8[k], v)
				}
			}
		}
	}
}

func TestRefresh_MosaicQuickLook(t *testing.T) {
	c := newTestCache(t, 64, 32)
	rggb := uint32(0x94949494)
	vals := [3]float32{1, 0.5, 0.25}
	writeFull(t, c, 2, 8, 8, 1, rggb, func(x, y int, px []float32) {
		switch {
		case y%2 == 0 && x%2 == 0:
			px[0] = vals[0]
		case y%2 == 1 && x%2 == 1:
			px[0] = vals[2]
		default:
			px[0] = vals[1]
		}
	})

	mipf := readTier(t, c, 2, core.MipF)
	if mipf == nil || mipf.FrameWidth != 8 || mipf.FrameHeight != 8 {
		t.Fatalf("mipf frame: %+v", mipf)
	}
	for k, v := range vals {
		if mipf.F32[k] != v {
			t.Errorf("mipf channel %d: got %v, want %v", k, mipf.F32[k], v)
		}
	}
	mip4 := readTier(t, c, 2, core.Mip4)
	if mip4 == nil || mip4.U8[0] != Display(0.25) || mip4.U8[2] != 255 {
		t.Fatalf("mip4 pixel: %v", mip4.U8[:4])
	}
}

func TestRefresh_StartsBelowWrittenTier(t *testing.T) {
	c := newTestCache(t, 64, 32)
	s, err := c.Acquire(3, core.Mip2, core.ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := s.Alloc(16, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	buf.FrameWidth, buf.FrameHeight = 10, 6
	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	if b := readTier(t, c, 3, core.Mip4); b != nil {
		t.Error("higher tier should stay empty")
	}
	if b := readTier(t, c, 3, core.Mip1); b == nil || b.FrameWidth != 5 || b.FrameHeight != 3 {
		t.Errorf("mip1: %+v", b)
	}
	if b := readTier(t, c, 3, core.Mip0); b == nil || b.FrameWidth != 2 || b.FrameHeight != 1 {
		t.Errorf("mip0: %+v", b)
	}
}

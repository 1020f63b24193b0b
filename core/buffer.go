package core

import "fmt"

// Orientation is a 3-bit placement code. Transpose is applied first; the
// mirror bits then act on the transposed frame.
type Orientation uint8

const (
	OrientNone   Orientation = 0
	OrientFlipX  Orientation = 1 // mirror columns (fast axis)
	OrientFlipY  Orientation = 2 // mirror rows (slow axis)
	OrientSwapXY Orientation = 4 // transpose
)

// Swapped reports whether width and height trade places.
func (o Orientation) Swapped() bool { return o&OrientSwapXY != 0 }

// Valid reports whether o uses only the three defined bits.
func (o Orientation) Valid() bool { return o < 8 }

func (o Orientation) String() string {
	if o == OrientNone {
		return "none"
	}
	s := ""
	if o&OrientSwapXY != 0 {
		s += "swap_xy"
	}
	if o&OrientFlipX != 0 {
		if s != "" {
			s += "+"
		}
		s += "flip_x"
	}
	if o&OrientFlipY != 0 {
		if s != "" {
			s += "+"
		}
		s += "flip_y"
	}
	return s
}

// Tier is a mip level. Mip0..Mip4 are 8-bit display tiers (Mip4 largest),
// MipF is a float tier with Mip4 geometry, Full is full resolution.
type Tier int

const (
	Mip0 Tier = iota
	Mip1
	Mip2
	Mip3
	Mip4
	MipF
	Full
	TierCount
)

// Tiers lists every tier from coarsest to finest.
func Tiers() []Tier {
	return []Tier{Mip0, Mip1, Mip2, Mip3, Mip4, MipF, Full}
}

// Is8Bit reports whether the tier stores 8-bit samples.
func (t Tier) Is8Bit() bool { return t >= Mip0 && t <= Mip4 }

// IsFloat reports whether the tier stores float32 samples.
func (t Tier) IsFloat() bool { return t == MipF || t == Full }

// Valid reports whether t names a real tier.
func (t Tier) Valid() bool { return t >= Mip0 && t < TierCount }

func (t Tier) String() string {
	switch {
	case t.Is8Bit():
		return fmt.Sprintf("mip%d", int(t))
	case t == MipF:
		return "mipf"
	case t == Full:
		return "full"
	}
	return "invalid"
}

// Buffer is a tagged pixel buffer. The element type follows the tier and is
// never reinterpreted: 8-bit tiers use U8, float tiers use F32.
type Buffer struct {
	Tier     Tier
	Width    int // capacity
	Height   int
	Channels int

	// FrameWidth/FrameHeight bound the valid image inside the capacity.
	FrameWidth  int
	FrameHeight int

	// Filters is the CFA pattern of a single-channel mosaic in buffer
	// orientation, dcraw encoded; 0 for demosaiced data.
	Filters uint32

	U8  []uint8
	F32 []float32
}

// NewBuffer allocates a zeroed buffer for tier.
func NewBuffer(tier Tier, w, h, channels int) *Buffer {
	b := &Buffer{
		Tier:        tier,
		Width:       w,
		Height:      h,
		Channels:    channels,
		FrameWidth:  w,
		FrameHeight: h,
	}
	n := w * h * channels
	if tier.IsFloat() {
		b.F32 = make([]float32, n)
	} else {
		b.U8 = make([]uint8, n)
	}
	return b
}

// BufferBytes returns the allocation size of a w*h*channels buffer for tier.
func BufferBytes(tier Tier, w, h, channels int) int64 {
	n := int64(w) * int64(h) * int64(channels)
	if tier.IsFloat() {
		return 4 * n
	}
	return n
}

// SizeBytes returns the size of the backing array.
func (b *Buffer) SizeBytes() int64 {
	return BufferBytes(b.Tier, b.Width, b.Height, b.Channels)
}

// Fits reports whether the buffer already has the requested shape.
func (b *Buffer) Fits(w, h, channels int) bool {
	return b != nil && b.Width == w && b.Height == h && b.Channels == channels
}

// Clear zeroes the samples.
func (b *Buffer) Clear() {
	clear(b.U8)
	clear(b.F32)
}

// Package mipmap sizes the tiers of an image and regenerates the coarser
// tiers from the one just written.
package mipmap

import "github.com/Skryldev/imageio/core"

// Geometry derives every tier size from the Mip4 bounding box. It implements
// core.Geometry.
type Geometry struct {
	width, height int
}

// NewGeometry returns geometry with a w*h Mip4 box.
func NewGeometry(w, h int) *Geometry {
	return &Geometry{width: w, height: h}
}

// Box returns the bounding box of a display tier; MipF shares the Mip4 box.
func (g *Geometry) Box(tier core.Tier) (int, int) {
	if tier == core.MipF {
		tier = core.Mip4
	}
	shift := uint(core.Mip4 - tier)
	return max(1, g.width>>shift), max(1, g.height>>shift)
}

// MipSize implements core.Geometry.
func (g *Geometry) MipSize(img *core.Descriptor, tier core.Tier) (int, int) {
	if tier == core.Full {
		return img.Width, img.Height
	}
	return g.Box(tier)
}

// ExactMipSize implements core.Geometry. Images are never upscaled.
func (g *Geometry) ExactMipSize(img *core.Descriptor, tier core.Tier) (float64, float64) {
	if tier == core.Full {
		return float64(img.Width), float64(img.Height)
	}
	bw, bh := g.Box(tier)
	if img.Width <= 0 || img.Height <= 0 {
		return float64(bw), float64(bh)
	}
	return Fit(img.Width, img.Height, bw, bh)
}

// Fit scales w*h uniformly into bw*bh, clamping the factor at 1.
func Fit(w, h, bw, bh int) (float64, float64) {
	s := min(float64(bw)/float64(w), float64(bh)/float64(h), 1)
	return float64(w) * s, float64(h) * s
}

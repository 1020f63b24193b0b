package mipmap

import (
	"math"
	"sync"
)

// toDisplay maps a 16-bit linear value to an 8-bit sRGB-encoded one.
var toDisplay = func() *[1 << 16]uint8 {
	var lut [1 << 16]uint8
	for i := range lut {
		lut[i] = uint8(math.Round(255 * encode(float64(i)/65535)))
	}
	return &lut
}()

// toLinear is the inverse of toDisplay on 8-bit input.
var toLinear = func() *[256]float32 {
	var lut [256]float32
	for i := range lut {
		lut[i] = float32(decode(float64(i) / 255))
	}
	return &lut
}()

func encode(v float64) float64 {
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

func decode(v float64) float64 {
	if v <= 0.04045 {
		return v / 12.92
	}
	return math.Pow((v+0.055)/1.055, 2.4)
}

// Display converts a linear float sample to 8-bit display space.
func Display(v float32) uint8 {
	switch {
	case !(v > 0): // also NaN
		return 0
	case v >= 1:
		return 255
	}
	return toDisplay[int(v*65535+0.5)]
}

// Linear converts an 8-bit display sample to linear float.
func Linear(v uint8) float32 { return toLinear[v] }

var (
	linear16Once sync.Once
	linear16     []float32
)

// Linear16 converts a 16-bit display sample to linear float.
func Linear16(v uint16) float32 {
	linear16Once.Do(func() {
		linear16 = make([]float32, 1<<16)
		for i := range linear16 {
			linear16[i] = float32(decode(float64(i) / 65535))
		}
	})
	return linear16[v]
}

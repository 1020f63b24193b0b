package core

import (
	"context"
	"time"
)

// ImageID identifies one photograph in the library.
type ImageID int64

// Format identifies the container a descriptor was last decoded from.
type Format string

const (
	FormatDNG     Format = "dng"
	FormatRaw     Format = "raw"
	FormatEXR     Format = "exr"
	FormatRGBE    Format = "rgbe"
	FormatPFM     Format = "pfm"
	FormatTIFF    Format = "tiff"
	FormatJPEG    Format = "jpeg"
	FormatUnknown Format = "unknown"
)

// Flags records which decoder family produced an image.
type Flags uint8

const (
	FlagLDR Flags = 1 << iota
	FlagRaw
	FlagHDR
)

// Family groups decoders into the fixed probe order.
type Family int

const (
	FamilyFastRaw Family = iota
	FamilyHDR
	FamilyRawFallback
	FamilyLDR
	familyCount
)

// Families returns all families in probe order.
func Families() []Family {
	return []Family{FamilyFastRaw, FamilyHDR, FamilyRawFallback, FamilyLDR}
}

func (f Family) String() string {
	switch f {
	case FamilyFastRaw:
		return "fast_raw"
	case FamilyHDR:
		return "hdr"
	case FamilyRawFallback:
		return "raw_fallback"
	case FamilyLDR:
		return "ldr"
	}
	return "unknown"
}

// EXIF holds the capture fields the core keeps on a descriptor.
type EXIF struct {
	ISO         float32
	Exposure    float32 // seconds
	Aperture    float32 // f-number
	FocalLength float32 // mm
	Maker       string
	Model       string
	DateTime    time.Time
}

// Descriptor is identity, geometry and provenance of one photograph. Decoders
// only ever mutate a scratch copy; the probe chain commits it on success.
type Descriptor struct {
	ID   ImageID
	Path string

	// Full resolution after orientation is applied.
	Width  int
	Height int

	Orientation Orientation

	// Filters is the sensor colour filter pattern in dcraw encoding; 0 when
	// the pixels are already demosaiced.
	Filters uint32
	Black   float32
	White   float32

	EXIF       EXIF
	ExifInited bool

	Format Format
	Flags  Flags

	// HistoryEnd counts pending edit-history items.
	HistoryEnd int
	// ColorProfile is the per-image output profile edit parameter.
	ColorProfile string
}

// Clone returns an independent copy.
func (d *Descriptor) Clone() *Descriptor {
	cp := *d
	return &cp
}

// Altered reports whether the image carries edit history.
func (d *Descriptor) Altered() bool { return d.HistoryEnd > 0 }

// Outcome is the typed result of one decode attempt.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotRecognized
	OutcomeCorrupted
	OutcomeCacheExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotRecognized:
		return "not_recognized"
	case OutcomeCorrupted:
		return "corrupted"
	case OutcomeCacheExhausted:
		return "cache_exhausted"
	}
	return "unknown"
}

// Variant selects how much of the mip chain a load populates.
type Variant int

const (
	// VariantPreview fills a single display tier or MipF.
	VariantPreview Variant = iota
	// VariantFull fills the full-resolution buffer.
	VariantFull
)

func (v Variant) String() string {
	if v == VariantFull {
		return "full"
	}
	return "preview"
}

// Mode is the access mode of a cache scope.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// Request is the input handed to a decoder.
type Request struct {
	Path    string
	Image   *Descriptor
	Variant Variant
	// Tier is the preview target; ignored for VariantFull.
	Tier Tier
}

// Target returns the tier the request fills.
func (r *Request) Target() Tier {
	if r.Variant == VariantFull {
		return Full
	}
	return r.Tier
}

// LoadRequest is one unit of work for the job system.
type LoadRequest struct {
	ImageID ImageID
	Variant Variant
	Tier    Tier
}

// Job encapsulates a single load for the worker pool.
type Job struct {
	ID      string
	Ctx     context.Context //nolint:containedctx // intentional for async jobs
	Request LoadRequest
	// Result channel; nil for fire-and-forget.
	ResultCh chan<- JobResult
}

// JobResult wraps the outcome of an async job.
type JobResult struct {
	JobID    string
	Request  LoadRequest
	Outcome  Outcome
	Attempts int
	Duration time.Duration
	Err      error
}

// WriterParams carries format-specific export parameters.
type WriterParams struct {
	Quality  int  // 1-100; 0 = writer default
	Lossless bool // WebP lossless mode
	// BitDepth overrides the writer's preferred precision when it supports
	// more than one; 0 = writer default.
	BitDepth int
}

// Rendered is an export-ready image. Exactly one plane is populated,
// matching BitsPerPixel.
type Rendered struct {
	Width, Height int
	Channels      int
	BitsPerPixel  int
	U8            []uint8
	U16           []uint16
	F32           []float32
	// SRGB reports the output profile decision.
	SRGB    bool
	Profile string
}

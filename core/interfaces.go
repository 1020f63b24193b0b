package core

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/Skryldev/imageio/errors"
)

// Decoder wraps one external format library. Implementations live in
// adapters/decoder/ and adapters/vips/.
type Decoder interface {
	Name() string
	// Decode fills req.Target() in the cache and updates req.Image. It
	// returns nil, or an error classified by OutcomeOf.
	Decode(ctx context.Context, req *Request) error
}

// Writer is an output-format writer used by the export driver.
// Implementations live in adapters/writer/.
type Writer interface {
	Name() string
	// BitsPerPixel reports the sample precision the writer wants: 8, 16 or 32.
	BitsPerPixel(params WriterParams) int
	Write(ctx context.Context, params WriterParams, path string, img *Rendered, blob []byte, id ImageID) error
}

// MetadataReader extracts descriptor fields and export blobs.
type MetadataReader interface {
	Read(path string, img *Descriptor) error
	ReadBlob(path string, sRGB bool) ([]byte, error)
}

// Persister syncs a descriptor to the catalog store without side files.
type Persister interface {
	Flush(ctx context.Context, img *Descriptor) error
}

// Geometry sizes the tiers of an image. Results must not change between
// calls within one decode.
type Geometry interface {
	// MipSize returns the pixel capacity of tier.
	MipSize(img *Descriptor, tier Tier) (w, h int)
	// ExactMipSize returns the unpadded extent of the image inside tier.
	ExactMipSize(img *Descriptor, tier Tier) (w, h float64)
}

// Scope is a cache-issued handle valid until Release.
type Scope interface {
	Mode() Mode
	// Buffer returns the resident buffer, or nil.
	Buffer() *Buffer
	// Alloc ensures a buffer of the given shape (write scopes only). It
	// returns ErrCacheExhausted when the budget cannot be met.
	Alloc(w, h, channels int) (*Buffer, error)
	Release() error
}

// BufferCache is the mip buffer cache seen by decoders and the exporter.
type BufferCache interface {
	Acquire(id ImageID, tier Tier, mode Mode) (Scope, error)
	TryAcquire(id ImageID, tier Tier, mode Mode) (Scope, error)
}

// DevelopPipe is the editing pipeline the export driver renders through.
type DevelopPipe interface {
	// ProcessedSize is the output size at scale 1.
	ProcessedSize() (w, h int)
	// OutputProfile is the per-image output profile parameter.
	OutputProfile() string
	// Process renders at w*h and returns a 4-channel float buffer.
	Process(ctx context.Context, w, h int, scale float64) (*Buffer, error)
	Close()
}

// PipeFactory builds a develop pipe seeded with the full-resolution buffer.
type PipeFactory func(img *Descriptor, full *Buffer) (DevelopPipe, error)

// Step is one develop operation over a float buffer.
type Step interface {
	Name() string
	Execute(ctx context.Context, buf *Buffer) (*Buffer, error)
}

// Hook is an optional observer invoked around develop steps.
type Hook interface {
	BeforeStep(ctx context.Context, stepName string, buf *Buffer)
	AfterStep(ctx context.Context, stepName string, buf *Buffer, d time.Duration, err error)
}

// ProbeObserver is notified around every decoder attempt.
type ProbeObserver interface {
	BeforeAttempt(ctx context.Context, decoder string, req *Request)
	AfterAttempt(ctx context.Context, decoder string, req *Request, outcome Outcome, d time.Duration, err error)
}

// MetricsCollector receives performance observations.
type MetricsCollector interface {
	RecordProcessingTime(stepName string, d interface{ Seconds() float64 })
	RecordThroughput(bytes int64)
	RecordMemory(bytes int64)
	RecordError(stepName string, category string)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Registry holds decoders grouped by family and writers by name.
type Registry interface {
	RegisterDecoder(family Family, d Decoder)
	Decoders(family Family) []Decoder
	// Chain returns every decoder in probe order.
	Chain() []Decoder
	RegisterWriter(name string, w Writer)
	WriterFor(name string) (Writer, bool)
}

// OutcomeOf classifies a decode error.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, apperrors.ErrCacheExhausted):
		return OutcomeCacheExhausted
	case errors.Is(err, apperrors.ErrFormatNotRecognized):
		return OutcomeNotRecognized
	}
	return OutcomeCorrupted
}

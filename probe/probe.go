// Package probe runs the decoder chain for an image: fast RAW, then the HDR
// family, then the generic RAW fallback, then the LDR family. The first
// outcome other than "format not recognized" ends the chain.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

// Option configures a Chain.
type Option func(*Chain)

// WithMetadata sets the reader consulted once per image before decoding.
func WithMetadata(m core.MetadataReader) Option {
	return func(c *Chain) { c.meta = m }
}

// WithPersister sets the catalog flushed after every successful decode.
func WithPersister(p core.Persister) Option {
	return func(c *Chain) { c.persist = p }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// WithObserver adds a per-attempt observer.
func WithObserver(o core.ProbeObserver) Option {
	return func(c *Chain) { c.observers = append(c.observers, o) }
}

// Chain is safe for concurrent use; attempts for one call are sequential.
type Chain struct {
	reg     core.Registry
	meta    core.MetadataReader
	persist core.Persister
	logger  core.Logger

	mu        sync.RWMutex
	observers []core.ProbeObserver
}

// New returns a chain over the decoders in reg.
func New(reg core.Registry, opts ...Option) *Chain {
	c := &Chain{reg: reg}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetLogger replaces the logger.
func (c *Chain) SetLogger(l core.Logger) { c.logger = l }

// AddObserver registers an observer after construction.
func (c *Chain) AddObserver(o core.ProbeObserver) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Preview populates a display tier (Mip0..Mip4 or MipF) of img.
func (c *Chain) Preview(ctx context.Context, img *core.Descriptor, tier core.Tier) error {
	return c.Load(ctx, img, core.VariantPreview, tier)
}

// Full populates the full-resolution buffer of img.
func (c *Chain) Full(ctx context.Context, img *core.Descriptor) error {
	return c.Load(ctx, img, core.VariantFull, core.Full)
}

// Load tries each registered decoder in probe order. img is updated only when
// a decoder succeeds. When every decoder declines the returned error wraps
// ErrFormatNotRecognized and lists each decoder's reason.
func (c *Chain) Load(ctx context.Context, img *core.Descriptor, variant core.Variant, tier core.Tier) error {
	const op = "probe.load"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryDecode, op, err)
	}
	if img == nil || img.Path == "" {
		return apperrors.New(apperrors.CategoryInput, op, apperrors.ErrEmptyInput)
	}
	if variant == core.VariantPreview && (tier == core.Full || !tier.Valid()) {
		return apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("%w: preview tier %s", apperrors.ErrInvalidDimensions, tier))
	}

	// Metadata lands on a working copy; the caller's descriptor only changes
	// when a decoder succeeds.
	base := img.Clone()
	c.readMetadata(base)

	var declined *multierror.Error
	for _, d := range c.reg.Chain() {
		scratch := base.Clone()
		req := &core.Request{Path: img.Path, Image: scratch, Variant: variant, Tier: tier}

		err := c.attempt(ctx, d, req)
		switch core.OutcomeOf(err) {
		case core.OutcomeOK:
			*img = *scratch
			c.flush(ctx, img)
			return nil
		case core.OutcomeNotRecognized:
			declined = multierror.Append(declined, fmt.Errorf("%s: %w", d.Name(), err))
		default:
			// Corruption in the right format must not fall through.
			return err
		}
	}
	return apperrors.NotRecognized(op, declined.ErrorOrNil())
}

func (c *Chain) attempt(ctx context.Context, d core.Decoder, req *core.Request) error {
	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()

	for _, o := range observers {
		o.BeforeAttempt(ctx, d.Name(), req)
	}
	start := time.Now()
	err := d.Decode(ctx, req)
	elapsed := time.Since(start)
	outcome := core.OutcomeOf(err)
	for _, o := range observers {
		o.AfterAttempt(ctx, d.Name(), req, outcome, elapsed, err)
	}
	if c.logger != nil {
		c.logger.Debug("probe.attempt",
			"image_id", req.Image.ID,
			"decoder", d.Name(),
			"variant", req.Variant.String(),
			"outcome", outcome.String(),
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	return err
}

// readMetadata runs once per image. Failure is not fatal.
func (c *Chain) readMetadata(img *core.Descriptor) {
	if img.ExifInited || c.meta == nil {
		return
	}
	if err := c.meta.Read(img.Path, img); err != nil {
		if c.logger != nil {
			c.logger.Warn("probe.metadata", "image_id", img.ID, "path", img.Path, "error", err)
		}
		return
	}
	img.ExifInited = true
}

func (c *Chain) flush(ctx context.Context, img *core.Descriptor) {
	if c.persist == nil {
		return
	}
	if err := c.persist.Flush(ctx, img); err != nil && c.logger != nil {
		c.logger.Warn("probe.flush", "image_id", img.ID, "error", err)
	}
}

package cache

import (
	"fmt"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

// scope is owned by one goroutine between Acquire and Release.
type scope struct {
	c        *Cache
	e        *entry
	mode     core.Mode
	written  bool
	released bool
}

func (s *scope) Mode() core.Mode { return s.mode }

func (s *scope) Buffer() *core.Buffer {
	if s.released {
		return nil
	}
	return s.e.buf
}

// Alloc keeps a resident buffer of the same shape; otherwise the old buffer
// is dropped and a zeroed one reserved against the budget.
func (s *scope) Alloc(w, h, channels int) (*core.Buffer, error) {
	if s.mode != core.ModeWrite || s.released {
		return nil, apperrors.New(apperrors.CategoryCache, "cache.alloc", errReadScope)
	}
	if w <= 0 || h <= 0 || channels <= 0 {
		return nil, apperrors.New(apperrors.CategoryCache, "cache.alloc",
			fmt.Errorf("%w: %dx%dx%d", apperrors.ErrInvalidDimensions, w, h, channels))
	}
	e := s.e
	if e.buf.Fits(w, h, channels) {
		s.written = true
		return e.buf, nil
	}
	if e.buf != nil {
		s.c.used.Add(-e.buf.SizeBytes())
		e.buf = nil
	}
	need := core.BufferBytes(e.key.tier, w, h, channels)
	if !s.c.reserve(need) {
		return nil, apperrors.Exhausted("cache.alloc",
			fmt.Errorf("%s of image %d needs %d bytes", e.key.tier, e.key.id, need))
	}
	e.buf = core.NewBuffer(e.key.tier, w, h, channels)
	s.written = true
	return e.buf, nil
}

// Release unlocks the entry. A write scope that allocated runs the
// refresher afterwards and returns its error.
func (s *scope) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	s.c.unref(s.e)
	if s.mode == core.ModeRead {
		s.e.mu.RUnlock()
		return nil
	}
	s.e.mu.Unlock()
	if !s.written || s.c.refresh == nil {
		return nil
	}
	return s.c.refresh(s.e.key.id, s.e.key.tier)
}

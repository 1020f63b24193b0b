package imageio

import (
	"github.com/Skryldev/imageio/cache"
	"github.com/Skryldev/imageio/core"
)

// Registry exposes the decoder and writer registry so callers can plug in
// their own formats. Prefer the high-level API for normal usage.
func (l *Library) Registry() *core.DefaultRegistry { return l.reg }

// Cache exposes the mip buffer cache for advanced use (e.g. direct tier
// inspection in tests).
func (l *Library) Cache() *cache.Cache { return l.cache }

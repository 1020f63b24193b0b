package config

import (
	"errors"
	"time"
)

// Config is the top-level configuration struct. All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	// Worker pool controls for the load job system.
	WorkerCount int // default: runtime.NumCPU()
	QueueSize   int // max queued jobs before backpressure; default: 256
	JobTimeout  time.Duration

	// Outer retry policy for CacheExhausted loads.
	MaxRetries int
	RetryDelay time.Duration

	// Input limits.
	MaxImageBytes int64 // 0 = no limit
	ChunkSize     int   // read chunk size in bytes; default 32 KiB

	Cache   CacheConfig
	Decode  DecodeConfig
	Export  ExportConfig
	Storage StorageConfig
	Vips    VipsConfig

	// Logging.
	LogLevel string // "debug", "info", "warn", "error"
}

// CacheConfig sizes the mip buffer cache.
type CacheConfig struct {
	MaxBytes int64 // byte budget across all tiers
	// Pixel box of Mip4 (and MipF). Mip k is the box halved 4-k times.
	MipWidth  int
	MipHeight int
}

// DecodeConfig controls decoder behaviour.
type DecodeConfig struct {
	// NeverUseEmbeddedThumb disables the embedded-preview fast path.
	NeverUseEmbeddedThumb bool
}

// ExportConfig controls the export driver.
type ExportConfig struct {
	// ICCProfile is "sRGB" to force sRGB, "" or "image" to defer to the
	// per-image parameter, or the name of any other profile to force it.
	ICCProfile     string
	DefaultQuality int // 1-100; default 95
	Format         string
}

// StorageConfig configures the descriptor persister.
type StorageConfig struct {
	RootDir     string // "" disables persistence
	Permissions uint32 // default 0644
	Compress    bool   // zstd-compress records
}

// VipsConfig configures the libvips RAW fallback and writer.
type VipsConfig struct {
	Enabled          bool
	ConcurrencyLevel int
	MaxCacheSize     int
	ReportLeaks      bool
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		WorkerCount: 0, // resolved at runtime to NumCPU
		QueueSize:   256,
		JobTimeout:  2 * time.Minute,
		MaxRetries:  3,
		RetryDelay:  200 * time.Millisecond,
		ChunkSize:   32 * 1024,
		Cache: CacheConfig{
			MaxBytes:  512 << 20,
			MipWidth:  1440,
			MipHeight: 900,
		},
		Export: ExportConfig{
			ICCProfile:     "image",
			DefaultQuality: 95,
			Format:         "jpeg",
		},
		Storage: StorageConfig{
			Permissions: 0o644,
			Compress:    true,
		},
		LogLevel: "info",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.ChunkSize <= 0 {
		return errors.New("config: ChunkSize must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("config: MaxRetries must not be negative")
	}
	if c.Cache.MaxBytes <= 0 {
		return errors.New("config: Cache.MaxBytes must be positive")
	}
	if c.Cache.MipWidth < 16 || c.Cache.MipHeight < 16 {
		return errors.New("config: Cache.MipWidth and Cache.MipHeight must be at least 16")
	}
	if c.Export.DefaultQuality < 1 || c.Export.DefaultQuality > 100 {
		return errors.New("config: Export.DefaultQuality must be between 1 and 100")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New("config: LogLevel must be one of debug, info, warn, error")
	}
	return nil
}

// Package imageio is the import and decode core of a photo library: it
// probes source files through a chain of format decoders, keeps
// orientation-normalised mip buffers in a bounded cache, and exports the
// full-resolution buffer through a develop pipe to a format writer.
package imageio

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Skryldev/imageio/adapters/decoder"
	"github.com/Skryldev/imageio/adapters/metadata"
	"github.com/Skryldev/imageio/adapters/storage"
	"github.com/Skryldev/imageio/adapters/vips"
	"github.com/Skryldev/imageio/adapters/writer"
	"github.com/Skryldev/imageio/cache"
	"github.com/Skryldev/imageio/config"
	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/export"
	"github.com/Skryldev/imageio/hooks"
	"github.com/Skryldev/imageio/mipmap"
	"github.com/Skryldev/imageio/pipeline"
	"github.com/Skryldev/imageio/probe"
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Option configures a Library.
type Option func(*options)

type options struct {
	logger core.Logger
	steps  []core.Step
	hooks  []core.Hook
}

// WithLogger replaces the logger built from Config.LogLevel.
func WithLogger(l core.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDevelopSteps sets the edit steps every export is rendered through.
func WithDevelopSteps(s ...core.Step) Option {
	return func(o *options) { o.steps = append(o.steps, s...) }
}

// WithDevelopHooks adds observers of the develop steps.
func WithDevelopHooks(h ...core.Hook) Option {
	return func(o *options) { o.hooks = append(o.hooks, h...) }
}

// ExportRequest describes one export of a library image.
type ExportRequest struct {
	Path      string
	MaxWidth  int
	MaxHeight int
	// Format names a registered writer; "" uses Config.Export.Format.
	Format string
	Params core.WriterParams
}

// Stats is a snapshot of library counters.
type Stats struct {
	Images    int
	Processed int64
	Errors    int64
	Retries   int64
	Cache     cache.Stats
	Metrics   hooks.MetricsSnapshot
}

type record struct {
	mu  sync.Mutex // serialises decodes of one image
	img *core.Descriptor
}

// Library is the primary entry point. It is safe for concurrent use.
type Library struct {
	cfg    config.Config
	logger core.Logger

	reg      *core.DefaultRegistry
	cache    *cache.Cache
	geo      *mipmap.Geometry
	meta     *metadata.Reader
	store    *storage.Local // nil when persistence is off
	chain    *probe.Chain
	exporter *export.Driver
	proc     *core.Processor
	backend  *vips.Backend // nil unless Config.Vips.Enabled
	metrics  *hooks.InMemoryMetrics

	mu     sync.RWMutex
	images map[core.ImageID]*record
	nextID atomic.Int64

	closeOnce sync.Once
}

// New creates a fully wired Library with every built-in decoder and writer
// registered.
func New(cfg config.Config, opts ...Option) (*Library, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryConfig, "imageio.new", err)
	}
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = hooks.NewLogger(cfg.LogLevel)
	}

	l := &Library{
		cfg:     cfg,
		logger:  logger,
		reg:     core.NewRegistry(),
		geo:     mipmap.NewGeometry(cfg.Cache.MipWidth, cfg.Cache.MipHeight),
		meta:    metadata.NewReader(),
		metrics: hooks.NewInMemoryMetrics(),
		images:  make(map[core.ImageID]*record),
	}
	l.cache = cache.New(cfg.Cache.MaxBytes, cache.WithLogger(logger))
	l.cache.SetRefresher(mipmap.NewRefresher(l.cache, l.geo, logger).Refresh)

	env := decoder.Env{
		Cache:                 l.cache,
		Geometry:              l.geo,
		Logger:                logger,
		MaxBytes:              cfg.MaxImageBytes,
		ChunkSize:             cfg.ChunkSize,
		NeverUseEmbeddedThumb: cfg.Decode.NeverUseEmbeddedThumb,
	}
	decoder.Register(l.reg, env)
	writer.Register(l.reg, cfg.Export.DefaultQuality)
	if cfg.Vips.Enabled {
		l.backend = vips.NewBackend(cfg.Vips)
		l.backend.Register(l.reg, env)
	}

	probeOpts := []probe.Option{
		probe.WithMetadata(l.meta),
		probe.WithLogger(logger),
		probe.WithObserver(hooks.NewLoggingHook(logger)),
		probe.WithObserver(hooks.NewMetricsHook(l.metrics)),
	}
	if cfg.Storage.RootDir != "" {
		perm := os.FileMode(cfg.Storage.Permissions)
		store, err := storage.NewLocal(cfg.Storage.RootDir, perm, cfg.Storage.Compress)
		if err != nil {
			l.shutdownVips()
			return nil, apperrors.Wrap(apperrors.CategoryStorage, "imageio.new", err)
		}
		l.store = store
		probeOpts = append(probeOpts, probe.WithPersister(store))
	}
	l.chain = probe.New(l.reg, probeOpts...)

	develop := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithSteps(o.steps...),
		pipeline.WithHooks(append([]core.Hook{hooks.NewMetricsHook(l.metrics)}, o.hooks...)...),
		pipeline.WithRetry(cfg.MaxRetries, cfg.RetryDelay),
	}
	l.exporter = export.New(l.cache,
		export.WithMetadata(l.meta),
		export.WithProfile(cfg.Export.ICCProfile),
		export.WithLogger(logger),
		export.WithPipe(pipeline.NewFactory(develop...)),
	)

	l.proc = core.NewProcessor(cfg, l.load)
	l.proc.SetLogger(logger)
	l.proc.SetMetrics(l.metrics)
	l.proc.SetReclaimer(l.reclaim)
	return l, nil
}

// ── Catalog ──────────────────────────────────────────────────────────────────

// Import registers the file at path and returns its id. Nothing is decoded
// until the first load.
func (l *Library) Import(ctx context.Context, path string) (core.ImageID, error) {
	const op = "imageio.import"
	fi, err := os.Stat(path)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CategoryInput, op, err)
	}
	if fi.IsDir() {
		return 0, apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("%w: %s is a directory", apperrors.ErrUnsupportedFormat, path))
	}
	img := &core.Descriptor{
		ID:     core.ImageID(l.nextID.Add(1)),
		Path:   path,
		Format: core.FormatUnknown,
	}
	l.mu.Lock()
	l.images[img.ID] = &record{img: img}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Flush(ctx, img); err != nil {
			l.logger.Warn("imageio.import.flush", "image_id", img.ID, "error", err)
		}
	}
	l.logger.Info("imageio.import", "image_id", img.ID, "path", path)
	return img.ID, nil
}

// Restore brings a persisted descriptor back into the library.
func (l *Library) Restore(ctx context.Context, id core.ImageID) (*core.Descriptor, error) {
	if l.store == nil {
		return nil, apperrors.New(apperrors.CategoryStorage, "imageio.restore", apperrors.ErrStorageUnavailable)
	}
	img, err := l.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.images[id] = &record{img: img}
	l.mu.Unlock()
	for {
		cur := l.nextID.Load()
		if int64(id) <= cur || l.nextID.CompareAndSwap(cur, int64(id)) {
			break
		}
	}
	return img.Clone(), nil
}

// Descriptor returns a copy of the current descriptor of id.
func (l *Library) Descriptor(id core.ImageID) (*core.Descriptor, error) {
	r, err := l.record(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.img.Clone(), nil
}

// Remove forgets id and drops its buffers and record.
func (l *Library) Remove(ctx context.Context, id core.ImageID) error {
	l.mu.Lock()
	_, ok := l.images[id]
	delete(l.images, id)
	l.mu.Unlock()
	if !ok {
		return apperrors.New(apperrors.CategoryInput, "imageio.remove", fmt.Errorf("%w: %d", apperrors.ErrNotFound, id))
	}
	l.cache.Remove(id)
	if l.store != nil {
		return l.store.Delete(ctx, id)
	}
	return nil
}

func (l *Library) record(id core.ImageID) (*record, error) {
	l.mu.RLock()
	r, ok := l.images[id]
	l.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.CategoryInput, "imageio.lookup", fmt.Errorf("%w: %d", apperrors.ErrNotFound, id))
	}
	return r, nil
}

// ── Loading ──────────────────────────────────────────────────────────────────

// Load runs the probe chain for id synchronously, retrying CacheExhausted
// after reclaiming memory.
func (l *Library) Load(ctx context.Context, id core.ImageID, variant core.Variant, tier core.Tier) error {
	return l.proc.Process(ctx, core.LoadRequest{ImageID: id, Variant: variant, Tier: tier}).Err
}

// Preview fills a display tier (or MipF) of id.
func (l *Library) Preview(ctx context.Context, id core.ImageID, tier core.Tier) error {
	return l.Load(ctx, id, core.VariantPreview, tier)
}

// Full fills the full-resolution buffer of id.
func (l *Library) Full(ctx context.Context, id core.ImageID) error {
	return l.Load(ctx, id, core.VariantFull, core.Full)
}

// Acquire returns a read scope on (id, tier). The caller must Release it.
func (l *Library) Acquire(id core.ImageID, tier core.Tier) (core.Scope, error) {
	if _, err := l.record(id); err != nil {
		return nil, err
	}
	return l.cache.Acquire(id, tier, core.ModeRead)
}

// load is the processor's LoadFunc.
func (l *Library) load(ctx context.Context, req core.LoadRequest) error {
	r, err := l.record(req.ImageID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return l.chain.Load(ctx, r.img, req.Variant, req.Tier)
}

// reclaim frees at least the size of the requested tier, doubling per attempt.
func (l *Library) reclaim(req core.LoadRequest, attempt int) {
	want := l.cfg.Cache.MaxBytes / 8
	if d, err := l.Descriptor(req.ImageID); err == nil && d.Width > 0 {
		tier := req.Tier
		if req.Variant == core.VariantFull {
			tier = core.Full
		}
		w, h := l.geo.MipSize(d, tier)
		want = core.BufferBytes(tier, w, h, 4)
	}
	freed := l.cache.Evict(want << attempt)
	l.logger.Debug("imageio.reclaim", "image_id", req.ImageID, "attempt", attempt, "freed", freed)
}

// ── Export ───────────────────────────────────────────────────────────────────

// Export renders id through the develop pipe into req.Path, loading the
// full-resolution buffer first when it is not resident.
func (l *Library) Export(ctx context.Context, id core.ImageID, req ExportRequest) error {
	const op = "imageio.export"
	name := req.Format
	if name == "" {
		name = l.cfg.Export.Format
	}
	w, ok := l.reg.WriterFor(name)
	if !ok {
		return apperrors.New(apperrors.CategoryEncode, op, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, name))
	}
	scope, err := l.holdFull(ctx, id)
	if err != nil {
		return err
	}
	defer scope.Release()
	img, err := l.Descriptor(id)
	if err != nil {
		return err
	}
	return l.exporter.ExportBuffer(ctx, img, scope.Buffer(), export.Request{
		Path:      req.Path,
		MaxWidth:  req.MaxWidth,
		MaxHeight: req.MaxHeight,
		Writer:    w,
		Params:    req.Params,
	})
}

// fullLoadAttempts bounds how often holdFull reloads a full buffer that was
// evicted before it could be held.
const fullLoadAttempts = 3

// holdFull returns a read scope on a resident full buffer, loading it when
// missing. The scope keeps the buffer from being evicted until Release.
func (l *Library) holdFull(ctx context.Context, id core.ImageID) (core.Scope, error) {
	for attempt := 0; attempt < fullLoadAttempts; attempt++ {
		s, err := l.cache.Acquire(id, core.Full, core.ModeRead)
		if err != nil {
			return nil, err
		}
		if s.Buffer() != nil {
			return s, nil
		}
		_ = s.Release()
		if err := l.Full(ctx, id); err != nil {
			return nil, err
		}
	}
	return nil, apperrors.New(apperrors.CategoryCache, "imageio.export",
		fmt.Errorf("%w: full buffer of image %d evicted before export", apperrors.ErrCacheExhausted, id))
}

// ── Job system ───────────────────────────────────────────────────────────────

// Start launches the load worker pool.
func (l *Library) Start() { l.proc.Start() }

// Stop shuts the worker pool down.
func (l *Library) Stop() { l.proc.Stop() }

// Submit enqueues an asynchronous load. results may be nil.
func (l *Library) Submit(ctx context.Context, req core.LoadRequest, results chan<- core.JobResult) (string, error) {
	return l.proc.Submit(core.Job{Ctx: ctx, Request: req, ResultCh: results})
}

// Batch runs several loads concurrently and waits for all of them.
func (l *Library) Batch(ctx context.Context, reqs []core.LoadRequest) []core.JobResult {
	return l.proc.Batch(ctx, reqs)
}

// ── Observability ────────────────────────────────────────────────────────────

// SetLogger replaces the logger of every component that logs per call.
func (l *Library) SetLogger(lg core.Logger) {
	l.logger = lg
	l.chain.SetLogger(lg)
	l.exporter.SetLogger(lg)
	l.proc.SetLogger(lg)
}

// AddObserver registers an observer of decoder attempts.
func (l *Library) AddObserver(o core.ProbeObserver) { l.chain.AddObserver(o) }

// Stats returns a snapshot of library counters.
func (l *Library) Stats() Stats {
	l.mu.RLock()
	n := len(l.images)
	l.mu.RUnlock()
	return Stats{
		Images:    n,
		Processed: l.proc.ProcessedCount(),
		Errors:    l.proc.ErrorCount(),
		Retries:   l.proc.RetryCount(),
		Cache:     l.cache.Stats(),
		Metrics:   l.metrics.Snapshot(),
	}
}

// Close stops the workers and releases the codec runtimes.
func (l *Library) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.proc.Stop()
		if l.store != nil {
			err = l.store.Close()
		}
		l.shutdownVips()
	})
	return err
}

func (l *Library) shutdownVips() {
	if l.backend != nil {
		l.backend.Shutdown()
	}
}

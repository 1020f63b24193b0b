package core

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Skryldev/imageio/config"
	apperrors "github.com/Skryldev/imageio/errors"
)

// LoadFunc runs one load through the probe chain.
type LoadFunc func(ctx context.Context, req LoadRequest) error

// ReclaimFunc frees cache memory before a CacheExhausted load is retried.
type ReclaimFunc func(req LoadRequest, attempt int)

// Processor is the job system that schedules loads on a worker pool and
// applies the outer retry policy. It is safe for concurrent use.
type Processor struct {
	cfg     config.Config
	load    LoadFunc
	reclaim ReclaimFunc
	logger  Logger
	metrics MetricsCollector

	// Worker pool.
	jobQueue chan Job
	wg       sync.WaitGroup
	once     sync.Once
	stopOnce sync.Once
	shutdown chan struct{}

	// Atomic counters for lightweight internal metrics.
	processedCount int64
	errorCount     int64
	retryCount     int64
}

// NewProcessor creates a Processor around load. Call Start() before
// submitting jobs; call Stop() when done.
func NewProcessor(cfg config.Config, load LoadFunc) *Processor {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Processor{
		cfg:      cfg,
		load:     load,
		jobQueue: make(chan Job, queueSize),
		shutdown: make(chan struct{}),
	}
}

// SetLogger attaches a structured logger.
func (p *Processor) SetLogger(l Logger) { p.logger = l }

// SetMetrics attaches a metrics collector.
func (p *Processor) SetMetrics(m MetricsCollector) { p.metrics = m }

// SetReclaimer installs the hook run before a CacheExhausted retry.
func (p *Processor) SetReclaimer(f ReclaimFunc) { p.reclaim = f }

// Start launches the worker pool. It is idempotent.
func (p *Processor) Start() {
	p.once.Do(func() {
		workerCount := p.cfg.WorkerCount
		if workerCount <= 0 {
			workerCount = runtime.NumCPU()
		}
		for i := 0; i < workerCount; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Stop shuts down all workers. Queued jobs that were not picked up are dropped.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.shutdown) })
	p.wg.Wait()
}

// Process runs one load synchronously with the retry policy applied.
func (p *Processor) Process(ctx context.Context, req LoadRequest) JobResult {
	start := time.Now()
	attempts, err := p.runWithRetry(ctx, req)
	res := JobResult{
		Request:  req,
		Outcome:  OutcomeOf(err),
		Attempts: attempts,
		Duration: time.Since(start),
		Err:      err,
	}
	if err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		if p.metrics != nil {
			p.metrics.RecordError("load", res.Outcome.String())
		}
		return res
	}
	atomic.AddInt64(&p.processedCount, 1)
	if p.metrics != nil {
		p.metrics.RecordProcessingTime("load", res.Duration)
	}
	return res
}

// Submit enqueues an async job. Returns ErrWorkerPoolFull if the queue is full.
func (p *Processor) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	select {
	case p.jobQueue <- job:
		return job.ID, nil
	default:
		return "", apperrors.New(apperrors.CategoryPipeline, "submit", apperrors.ErrWorkerPoolFull)
	}
}

// Batch runs multiple loads concurrently (fan-out / fan-in).
func (p *Processor) Batch(ctx context.Context, reqs []LoadRequest) []JobResult {
	results := make([]JobResult, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(idx int, r LoadRequest) {
			defer wg.Done()
			results[idx] = p.Process(ctx, r)
		}(i, req)
	}
	wg.Wait()
	return results
}

// ── worker pool internals ──────────────────────────────────────────────────────

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdown:
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}
			p.processJob(job)
		}
	}
}

func (p *Processor) processJob(job Job) {
	ctx := job.Ctx
	timeout := p.cfg.JobTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res := p.Process(ctx, job.Request)
	res.JobID = job.ID
	if p.logger != nil {
		p.logger.Debug("load.job.done",
			"job_id", job.ID,
			"image_id", job.Request.ImageID,
			"outcome", res.Outcome.String(),
			"attempts", res.Attempts,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	if job.ResultCh != nil {
		job.ResultCh <- res
	}
}

// runWithRetry retries only retryable outcomes (CacheExhausted), reclaiming
// memory between attempts. Corrupted input is never retried.
func (p *Processor) runWithRetry(ctx context.Context, req LoadRequest) (int, error) {
	maxRetries := p.cfg.MaxRetries
	delay := p.cfg.RetryDelay

	var err error
	attempt := 0
	for ; attempt <= maxRetries; attempt++ {
		err = p.load(ctx, req)
		if err == nil || !apperrors.IsRetryable(err) {
			return attempt + 1, err
		}
		if attempt < maxRetries {
			atomic.AddInt64(&p.retryCount, 1)
			if p.reclaim != nil {
				p.reclaim(req, attempt)
			}
			if p.logger != nil {
				p.logger.Warn("load.retry",
					"image_id", req.ImageID,
					"attempt", attempt+1,
					"error", err.Error(),
				)
			}
			select {
			case <-ctx.Done():
				return attempt + 1, apperrors.Wrap(apperrors.CategoryPipeline, "load.retry", ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return attempt, err
}

// ProcessedCount returns the total number of successful loads.
func (p *Processor) ProcessedCount() int64 { return atomic.LoadInt64(&p.processedCount) }

// ErrorCount returns the total number of failed loads.
func (p *Processor) ErrorCount() int64 { return atomic.LoadInt64(&p.errorCount) }

// RetryCount returns the number of retried attempts.
func (p *Processor) RetryCount() int64 { return atomic.LoadInt64(&p.retryCount) }

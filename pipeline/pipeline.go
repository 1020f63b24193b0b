// Package pipeline wires develop steps together, runs hooks, and handles
// retries. Steps operate on packed 4-channel float buffers.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
)

// maxBackoff caps the doubling delay between retries of one step.
const maxBackoff = 5 * time.Second

// Pipeline is an ordered list of develop steps. A configured Pipeline is a
// template: Run does not mutate it, and Clone gives an independent copy to
// extend.
type Pipeline struct {
	steps      []core.Step
	hooks      []core.Hook
	maxRetries int
	retryDelay time.Duration
}

// New returns an empty Pipeline.
func New() *Pipeline { return &Pipeline{} }

// Use appends steps. Returns the same Pipeline for chaining.
func (p *Pipeline) Use(s ...core.Step) *Pipeline {
	p.steps = append(p.steps, s...)
	return p
}

// AddHook registers a step observer.
func (p *Pipeline) AddHook(h core.Hook) *Pipeline {
	p.hooks = append(p.hooks, h)
	return p
}

// WithRetry retries transient step failures up to maxRetries times, starting
// at delay and doubling per attempt.
func (p *Pipeline) WithRetry(maxRetries int, delay time.Duration) *Pipeline {
	p.maxRetries = max(0, maxRetries)
	p.retryDelay = delay
	return p
}

// Steps returns the configured steps in order.
func (p *Pipeline) Steps() []core.Step { return p.steps }

// Run develops buf through every step. It returns the final buffer and the
// time spent per step name. buf itself is never written.
func (p *Pipeline) Run(ctx context.Context, buf *core.Buffer) (*core.Buffer, map[string]time.Duration, error) {
	timings := make(map[string]time.Duration, len(p.steps))
	if err := checkInput("pipeline.run", buf); err != nil {
		return nil, timings, err
	}

	current := buf
	for _, step := range p.steps {
		name := step.Name()
		if err := ctx.Err(); err != nil {
			return nil, timings, apperrors.Wrap(apperrors.CategoryPipeline, name, err)
		}
		out, elapsed, err := p.runStep(ctx, step, current)
		timings[name] += elapsed
		if err != nil {
			return nil, timings, err
		}
		// The next step relies on the packed layout.
		if err := checkInput("pipeline."+name, out); err != nil {
			return nil, timings, fmt.Errorf("step %s returned an unusable buffer: %w", name, err)
		}
		current = out
	}
	return current, timings, nil
}

// runStep executes one step with hooks around the whole retry loop.
func (p *Pipeline) runStep(ctx context.Context, step core.Step, in *core.Buffer) (*core.Buffer, time.Duration, error) {
	name := step.Name()
	for _, h := range p.hooks {
		h.BeforeStep(ctx, name, in)
	}

	var (
		out   *core.Buffer
		total time.Duration
		err   error
	)
	delay := p.retryDelay
	for attempt := 0; ; attempt++ {
		start := time.Now()
		out, err = step.Execute(ctx, in)
		total += time.Since(start)
		if err == nil || !apperrors.IsRetryable(err) || attempt >= p.maxRetries {
			break
		}
		if werr := wait(ctx, delay); werr != nil {
			err = apperrors.Wrap(apperrors.CategoryPipeline, name, werr)
			break
		}
		delay = min(2*delay, maxBackoff)
	}

	for _, h := range p.hooks {
		h.AfterStep(ctx, name, out, total, err)
	}
	return out, total, err
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Clone returns a copy sharing step and hook values but not the slices, so
// the copy can be extended without touching the template.
func (p *Pipeline) Clone() *Pipeline {
	return &Pipeline{
		steps:      slices.Clone(p.steps),
		hooks:      slices.Clone(p.hooks),
		maxRetries: p.maxRetries,
		retryDelay: p.retryDelay,
	}
}

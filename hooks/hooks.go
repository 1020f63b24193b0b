// Package hooks provides production-ready Hook, ProbeObserver and Logger
// implementations.
package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/imageio/core"
)

// ── Structured logger adapter ─────────────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

// NewLogger returns a JSON logger on stderr at level ("debug", "info",
// "warn" or "error"; anything else means info).
func NewLogger(level string) *SlogLogger {
	return newLogger(os.Stderr, level)
}

func newLogger(w io.Writer, level string) *SlogLogger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return NewSlogLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})))
}

func (s *SlogLogger) Debug(msg string, fields ...interface{}) {
	s.log.Debug(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Info(msg string, fields ...interface{}) {
	s.log.Info(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Warn(msg string, fields ...interface{}) {
	s.log.Warn(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Error(msg string, fields ...interface{}) {
	s.log.Error(msg, toAttrs(fields)...)
}

func toAttrs(fields []interface{}) []any { return fields }

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Nop returns a logger that discards everything.
func Nop() core.Logger { return nopLogger{} }

// ── Logging hook ──────────────────────────────────────────────────────────────

// LoggingHook logs develop steps and decoder attempts.
type LoggingHook struct {
	logger core.Logger
}

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeStep(_ context.Context, stepName string, buf *core.Buffer) {
	h.logger.Debug("pipeline.step.start",
		"step", stepName,
		"width", buf.FrameWidth,
		"height", buf.FrameHeight,
		"channels", buf.Channels,
	)
}

func (h *LoggingHook) AfterStep(_ context.Context, stepName string, buf *core.Buffer, d time.Duration, err error) {
	if err != nil {
		h.logger.Error("pipeline.step.error",
			"step", stepName,
			"duration_ms", d.Milliseconds(),
			"error", err.Error(),
		)
		return
	}
	out := "nil"
	if buf != nil {
		out = fmt.Sprintf("%dx%d %s %dB", buf.FrameWidth, buf.FrameHeight, buf.Tier, buf.SizeBytes())
	}
	h.logger.Debug("pipeline.step.done",
		"step", stepName,
		"duration_ms", d.Milliseconds(),
		"output", out,
	)
}

func (h *LoggingHook) BeforeAttempt(_ context.Context, decoder string, req *core.Request) {
	h.logger.Debug("probe.attempt.start",
		"image_id", req.Image.ID,
		"decoder", decoder,
		"tier", req.Target().String(),
	)
}

func (h *LoggingHook) AfterAttempt(_ context.Context, decoder string, req *core.Request, outcome core.Outcome, d time.Duration, err error) {
	switch outcome {
	case core.OutcomeOK, core.OutcomeNotRecognized:
		h.logger.Debug("probe.attempt.done",
			"image_id", req.Image.ID,
			"decoder", decoder,
			"outcome", outcome.String(),
			"duration_ms", d.Milliseconds(),
		)
	default:
		h.logger.Warn("probe.attempt.failed",
			"image_id", req.Image.ID,
			"decoder", decoder,
			"outcome", outcome.String(),
			"duration_ms", d.Milliseconds(),
			"error", fmt.Sprint(err),
		)
	}
}

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates metrics atomically; safe for concurrent use.
type InMemoryMetrics struct {
	mu sync.RWMutex

	stepDurationsMs map[string]int64 // cumulative ms per step
	stepCalls       map[string]int64 // call count per step
	stepErrors      map[string]int64
	outcomes        map[string]int64 // "decoder/outcome" -> count

	totalThroughputB int64
	totalMemoryB     int64
}

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		stepDurationsMs: make(map[string]int64),
		stepCalls:       make(map[string]int64),
		stepErrors:      make(map[string]int64),
		outcomes:        make(map[string]int64),
	}
}

func (m *InMemoryMetrics) RecordProcessingTime(stepName string, d interface{ Seconds() float64 }) {
	ms := int64(d.Seconds() * 1000)
	m.mu.Lock()
	m.stepDurationsMs[stepName] += ms
	m.stepCalls[stepName]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordThroughput(bytes int64) {
	atomic.AddInt64(&m.totalThroughputB, bytes)
}

func (m *InMemoryMetrics) RecordMemory(bytes int64) {
	atomic.AddInt64(&m.totalMemoryB, bytes)
}

func (m *InMemoryMetrics) RecordError(stepName string, _ string) {
	m.mu.Lock()
	m.stepErrors[stepName]++
	m.mu.Unlock()
}

// RecordOutcome counts one decoder attempt.
func (m *InMemoryMetrics) RecordOutcome(decoder string, outcome core.Outcome) {
	m.mu.Lock()
	m.outcomes[decoder+"/"+outcome.String()]++
	m.mu.Unlock()
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		StepDurationsMs:  make(map[string]int64, len(m.stepDurationsMs)),
		StepCalls:        make(map[string]int64, len(m.stepCalls)),
		StepErrors:       make(map[string]int64, len(m.stepErrors)),
		Outcomes:         make(map[string]int64, len(m.outcomes)),
		TotalThroughputB: atomic.LoadInt64(&m.totalThroughputB),
		TotalMemoryB:     atomic.LoadInt64(&m.totalMemoryB),
	}
	for k, v := range m.stepDurationsMs {
		snap.StepDurationsMs[k] = v
	}
	for k, v := range m.stepCalls {
		snap.StepCalls[k] = v
	}
	for k, v := range m.stepErrors {
		snap.StepErrors[k] = v
	}
	for k, v := range m.outcomes {
		snap.Outcomes[k] = v
	}
	return snap
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	StepDurationsMs  map[string]int64
	StepCalls        map[string]int64
	StepErrors       map[string]int64
	Outcomes         map[string]int64
	TotalThroughputB int64
	TotalMemoryB     int64
}

// ── Metrics hook ──────────────────────────────────────────────────────────────

// MetricsHook feeds develop steps and decoder attempts into a collector.
type MetricsHook struct {
	collector core.MetricsCollector
}

// NewMetricsHook creates a MetricsHook.
func NewMetricsHook(c core.MetricsCollector) *MetricsHook { return &MetricsHook{collector: c} }

func (h *MetricsHook) BeforeStep(_ context.Context, _ string, _ *core.Buffer) {}

func (h *MetricsHook) AfterStep(_ context.Context, stepName string, buf *core.Buffer, d time.Duration, err error) {
	h.collector.RecordProcessingTime(stepName, d)
	if err != nil {
		h.collector.RecordError(stepName, "pipeline")
	}
	if buf != nil {
		h.collector.RecordMemory(buf.SizeBytes())
	}
}

func (h *MetricsHook) BeforeAttempt(context.Context, string, *core.Request) {}

func (h *MetricsHook) AfterAttempt(_ context.Context, decoder string, _ *core.Request, outcome core.Outcome, d time.Duration, _ error) {
	h.collector.RecordProcessingTime("decode."+decoder, d)
	if oc, ok := h.collector.(interface {
		RecordOutcome(string, core.Outcome)
	}); ok {
		oc.RecordOutcome(decoder, outcome)
	}
	if outcome != core.OutcomeOK && outcome != core.OutcomeNotRecognized {
		h.collector.RecordError("decode."+decoder, outcome.String())
	}
}

var (
	_ core.Hook          = (*LoggingHook)(nil)
	_ core.ProbeObserver = (*LoggingHook)(nil)
	_ core.Hook          = (*MetricsHook)(nil)
	_ core.ProbeObserver = (*MetricsHook)(nil)
)

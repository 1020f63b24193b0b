package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Skryldev/imageio/core"
)

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"", false, true},
		{"error", false, false},
	}
	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			var buf bytes.Buffer
			l := newLogger(&buf, tc.level)
			l.Debug("d", "image_id", 1)
			l.Info("i")
			out := buf.String()
			if got := strings.Contains(out, `"msg":"d"`); got != tc.wantDebug {
				t.Errorf("debug logged = %v, want %v", got, tc.wantDebug)
			}
			if got := strings.Contains(out, `"msg":"i"`); got != tc.wantInfo {
				t.Errorf("info logged = %v, want %v", got, tc.wantInfo)
			}
		})
	}
}

func TestLoggingHook_AttemptFields(t *testing.T) {
	var buf bytes.Buffer
	h := NewLoggingHook(newLogger(&buf, "debug"))
	req := &core.Request{Image: &core.Descriptor{ID: 9}, Variant: core.VariantFull}
	h.AfterAttempt(context.Background(), "dng", req, core.OutcomeCorrupted, 3*time.Millisecond, errors.New("short strip"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["level"] != "WARN" || rec["decoder"] != "dng" || rec["outcome"] != "corrupted" {
		t.Errorf("record %v", rec)
	}
	if rec["image_id"] != float64(9) {
		t.Errorf("image_id %v", rec["image_id"])
	}
}

func TestMetricsHook(t *testing.T) {
	m := NewInMemoryMetrics()
	h := NewMetricsHook(m)
	ctx := context.Background()
	req := &core.Request{Image: &core.Descriptor{ID: 1}}

	h.AfterAttempt(ctx, "exr", req, core.OutcomeNotRecognized, time.Millisecond, nil)
	h.AfterAttempt(ctx, "jpeg", req, core.OutcomeOK, 2*time.Second, nil)
	h.AfterAttempt(ctx, "jpeg", req, core.OutcomeCacheExhausted, time.Millisecond, nil)
	h.AfterStep(ctx, "exposure", core.NewBuffer(core.Full, 2, 2, 4), time.Second, nil)
	h.AfterStep(ctx, "crop", nil, 0, errors.New("bad rect"))

	snap := m.Snapshot()
	if snap.Outcomes["jpeg/ok"] != 1 || snap.Outcomes["exr/not_recognized"] != 1 || snap.Outcomes["jpeg/cache_exhausted"] != 1 {
		t.Errorf("outcomes %v", snap.Outcomes)
	}
	if snap.StepErrors["decode.jpeg"] != 1 || snap.StepErrors["crop"] != 1 || snap.StepErrors["decode.exr"] != 0 {
		t.Errorf("errors %v", snap.StepErrors)
	}
	if snap.StepDurationsMs["decode.jpeg"] != 2001 || snap.StepCalls["decode.jpeg"] != 2 {
		t.Errorf("durations %v calls %v", snap.StepDurationsMs, snap.StepCalls)
	}
	if snap.TotalMemoryB != 2*2*4*4 {
		t.Errorf("memory %d", snap.TotalMemoryB)
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Debug("x")
	l.Error("y", "k", "v")
}

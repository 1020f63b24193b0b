package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Skryldev/imageio/core"
	apperrors "github.com/Skryldev/imageio/errors"
	"github.com/Skryldev/imageio/resample"
)

func solid(w, h int, r, g, b float32) *core.Buffer {
	buf := newFloat(w, h)
	for i := 0; i < len(buf.F32); i += 4 {
		buf.F32[i], buf.F32[i+1], buf.F32[i+2], buf.F32[i+3] = r, g, b, 1
	}
	return buf
}

func pixel(buf *core.Buffer, x, y int) []float32 {
	i := (y*buf.Width + x) * 4
	return buf.F32[i : i+4]
}

func close32(a, b float32) bool { return math.Abs(float64(a-b)) < 1e-3 }

type recordingHook struct {
	before, after []string
	errs          int
}

func (h *recordingHook) BeforeStep(_ context.Context, name string, _ *core.Buffer) {
	h.before = append(h.before, name)
}

func (h *recordingHook) AfterStep(_ context.Context, name string, _ *core.Buffer, _ time.Duration, err error) {
	h.after = append(h.after, name)
	if err != nil {
		h.errs++
	}
}

type flakyStep struct {
	failures int
	calls    int
}

func (s *flakyStep) Name() string { return "flaky" }

func (s *flakyStep) Execute(_ context.Context, buf *core.Buffer) (*core.Buffer, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, apperrors.Transient("flaky", errors.New("try again"))
	}
	return buf, nil
}

func TestPipeline_RunsStepsInOrder(t *testing.T) {
	hook := &recordingHook{}
	p := New().
		Use(&ExposureStep{EV: 1}, &GrayscaleStep{}).
		AddHook(hook)

	out, timings, err := p.Run(context.Background(), solid(2, 2, 0.1, 0.2, 0.3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(timings) != 2 {
		t.Errorf("timings %v", timings)
	}
	if got := hook.before; len(got) != 2 || got[0] != "exposure" || got[1] != "grayscale" {
		t.Errorf("hook order %v", got)
	}
	want := float32(2 * (0.2126*0.1 + 0.7152*0.2 + 0.0722*0.3))
	if px := pixel(out, 1, 1); !close32(px[0], want) || px[0] != px[2] {
		t.Errorf("pixel %v, want %v", px, want)
	}
}

func TestPipeline_RetriesTransient(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		retries   int
		wantErr   bool
		wantCalls int
	}{
		{"recovers", 2, 2, false, 3},
		{"gives up", 3, 1, true, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			step := &flakyStep{failures: tc.failures}
			hook := &recordingHook{}
			p := New().Use(step).AddHook(hook).WithRetry(tc.retries, time.Millisecond)
			_, _, err := p.Run(context.Background(), solid(1, 1, 0, 0, 0))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v", err)
			}
			if step.calls != tc.wantCalls {
				t.Errorf("calls = %d, want %d", step.calls, tc.wantCalls)
			}
			if len(hook.after) != 1 {
				t.Errorf("AfterStep called %d times, want once", len(hook.after))
			}
		})
	}
}

func TestPipeline_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := New().Use(&GrayscaleStep{}).Run(ctx, solid(1, 1, 0, 0, 0))
	if !errors.Is(err, context.Canceled) || !apperrors.IsCategory(err, apperrors.CategoryPipeline) {
		t.Errorf("got %v", err)
	}
}

type nilStep struct{}

func (nilStep) Name() string { return "nil" }

func (nilStep) Execute(context.Context, *core.Buffer) (*core.Buffer, error) { return nil, nil }

func TestPipeline_RejectsUnusableOutput(t *testing.T) {
	_, _, err := New().Use(nilStep{}, &GrayscaleStep{}).Run(context.Background(), solid(1, 1, 0, 0, 0))
	if !errors.Is(err, apperrors.ErrEmptyInput) {
		t.Errorf("got %v", err)
	}
	if _, _, err := New().Run(context.Background(), nil); !errors.Is(err, apperrors.ErrEmptyInput) {
		t.Errorf("nil input: got %v", err)
	}
}

func TestLevelsStep(t *testing.T) {
	out, err := (&LevelsStep{Black: 0.1, White: 0.5}).Execute(context.Background(), solid(1, 1, 0.3, 0.1, 0.9))
	if err != nil {
		t.Fatal(err)
	}
	px := pixel(out, 0, 0)
	if !close32(px[0], 0.5) || !close32(px[1], 0) || !close32(px[2], 2) || px[3] != 1 {
		t.Errorf("pixel %v", px)
	}
	if _, err := (&LevelsStep{Black: 1, White: 1}).Execute(context.Background(), solid(1, 1, 0, 0, 0)); err == nil {
		t.Error("expected an error for an empty range")
	}
}

func TestCropStep(t *testing.T) {
	buf := newFloat(4, 3)
	for i := range buf.F32 {
		buf.F32[i] = float32(i / 4) // pixel index
	}
	out, err := (&CropStep{X: 1, Y: 1, Width: 2, Height: 2}).Execute(context.Background(), buf)
	if err != nil {
		t.Fatal(err)
	}
	if out.Width != 2 || out.Height != 2 || pixel(out, 0, 0)[0] != 5 || pixel(out, 1, 1)[0] != 10 {
		t.Errorf("crop %dx%d %v", out.Width, out.Height, out.F32)
	}
	if _, err := (&CropStep{X: 3, Y: 0, Width: 2, Height: 1}).Execute(context.Background(), buf); err == nil {
		t.Error("expected an error for a rect outside the image")
	}
}

func TestResizeStep(t *testing.T) {
	tests := []struct {
		name  string
		value float32
		w, h  int
		wantW int
		wantH int
	}{
		{"display referred", 0.5, 4, 0, 4, 2},
		{"scene referred", 4, 0, 3, 6, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := (&ResizeStep{Width: tc.w, Height: tc.h}).Execute(context.Background(), solid(8, 4, tc.value, tc.value, tc.value))
			if err != nil {
				t.Fatal(err)
			}
			if out.Width != tc.wantW || out.Height != tc.wantH {
				t.Fatalf("size %dx%d, want %dx%d", out.Width, out.Height, tc.wantW, tc.wantH)
			}
			if px := pixel(out, out.Width-1, out.Height-1); !close32(px[1], tc.value) {
				t.Errorf("pixel %v, want %v", px, tc.value)
			}
		})
	}
}

func TestDevelop_RGBA(t *testing.T) {
	full := core.NewBuffer(core.Full, 10, 8, 4)
	full.FrameWidth, full.FrameHeight = 8, 6
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			copy(full.F32[(y*10+x)*4:], []float32{0.25, 0.5, 0.75, 0})
		}
	}
	img := &core.Descriptor{ID: 1, ColorProfile: "Adobe RGB"}
	pipe, err := NewFactory(WithSteps(&CropStep{X: 0, Y: 0, Width: 4, Height: 6}))(img, full)
	if err != nil {
		t.Fatal(err)
	}
	defer pipe.Close()

	if w, h := pipe.ProcessedSize(); w != 4 || h != 6 {
		t.Errorf("ProcessedSize = %dx%d, want 4x6", w, h)
	}
	if got := pipe.OutputProfile(); got != "Adobe RGB" {
		t.Errorf("OutputProfile = %q", got)
	}
	out, err := pipe.Process(context.Background(), 2, 3, 0.5)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Width != 2 || out.Height != 3 || out.Channels != 4 {
		t.Fatalf("output %dx%dx%d", out.Width, out.Height, out.Channels)
	}
	if px := pixel(out, 1, 2); !close32(px[0], 0.25) || !close32(px[2], 0.75) || !close32(px[3], 1) {
		t.Errorf("pixel %v", px)
	}
}

func TestDevelop_MosaicQuickLook(t *testing.T) {
	filters := resample.FiltersFromPattern([4]uint8{0, 1, 1, 2})
	full := core.NewBuffer(core.Full, 4, 4, 1)
	full.Filters = filters
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			full.F32[y*4+x] = []float32{0.8, 0.4, 0.2}[resample.FilterColor(filters, y, x)]
		}
	}
	pipe, err := NewFactory(WithProfile("sRGB"))(&core.Descriptor{ColorProfile: "other"}, full)
	if err != nil {
		t.Fatal(err)
	}
	if w, h := pipe.ProcessedSize(); w != 2 || h != 2 {
		t.Errorf("ProcessedSize = %dx%d, want 2x2", w, h)
	}
	if got := pipe.OutputProfile(); got != "sRGB" {
		t.Errorf("OutputProfile = %q", got)
	}
	out, err := pipe.Process(context.Background(), 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if px := pixel(out, 1, 1); !close32(px[0], 0.8) || !close32(px[1], 0.4) || !close32(px[2], 0.2) {
		t.Errorf("pixel %v", px)
	}
}

func TestNewDevelop_RejectsEmpty(t *testing.T) {
	if _, err := NewDevelop(nil, &core.Buffer{}, nil, "", nil); !errors.Is(err, apperrors.ErrEmptyInput) {
		t.Errorf("got %v", err)
	}
}

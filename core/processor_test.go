package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Skryldev/imageio/config"
	apperrors "github.com/Skryldev/imageio/errors"
)

// scriptedLoad fails with errs in order and succeeds once they run out.
type scriptedLoad struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedLoad) load(context.Context, LoadRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func exhausted(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = apperrors.Exhausted("alloc", fmt.Errorf("attempt %d", i))
	}
	return errs
}

func retryConfig(maxRetries int, delay time.Duration) config.Config {
	cfg := config.Default()
	cfg.MaxRetries = maxRetries
	cfg.RetryDelay = delay
	return cfg
}

func TestProcess_RetryPolicy(t *testing.T) {
	corrupt := apperrors.Corrupted("decode", errors.New("bad marker"))

	tests := []struct {
		name         string
		maxRetries   int
		errs         []error
		wantOutcome  Outcome
		wantAttempts int
		wantReclaims []int
	}{
		{"first try", 3, nil, OutcomeOK, 1, nil},
		{"exhausted then ok", 3, exhausted(2), OutcomeOK, 3, []int{0, 1}},
		{"exhausted past the limit", 2, exhausted(5), OutcomeCacheExhausted, 3, []int{0, 1}},
		{"no retries configured", 0, exhausted(1), OutcomeCacheExhausted, 1, nil},
		{"corrupted is terminal", 3, []error{corrupt}, OutcomeCorrupted, 1, nil},
		{"corrupted after a retry", 3, append(exhausted(1), corrupt), OutcomeCorrupted, 2, []int{0}},
		{"not recognized is terminal", 3, []error{apperrors.NotRecognized("decode", nil)}, OutcomeNotRecognized, 1, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sl := &scriptedLoad{errs: tc.errs}
			p := NewProcessor(retryConfig(tc.maxRetries, time.Millisecond), sl.load)
			var reclaims []int
			p.SetReclaimer(func(req LoadRequest, attempt int) {
				if req.ImageID != 7 {
					t.Errorf("reclaim for image %d", req.ImageID)
				}
				reclaims = append(reclaims, attempt)
			})

			res := p.Process(context.Background(), LoadRequest{ImageID: 7, Tier: Mip4})
			if res.Outcome != tc.wantOutcome {
				t.Errorf("outcome: got %s, want %s (err %v)", res.Outcome, tc.wantOutcome, res.Err)
			}
			if res.Attempts != tc.wantAttempts || sl.calls != tc.wantAttempts {
				t.Errorf("attempts: got %d (load called %d times), want %d", res.Attempts, sl.calls, tc.wantAttempts)
			}
			if fmt.Sprint(reclaims) != fmt.Sprint(tc.wantReclaims) {
				t.Errorf("reclaims: got %v, want %v", reclaims, tc.wantReclaims)
			}
			if got := p.RetryCount(); got != int64(len(tc.wantReclaims)) {
				t.Errorf("RetryCount: got %d, want %d", got, len(tc.wantReclaims))
			}
			wantErrs := int64(0)
			if tc.wantOutcome != OutcomeOK {
				wantErrs = 1
			}
			if p.ErrorCount() != wantErrs || p.ProcessedCount() != 1-wantErrs {
				t.Errorf("counters: processed %d errors %d", p.ProcessedCount(), p.ErrorCount())
			}
		})
	}
}

func TestProcess_CancelDuringRetryDelay(t *testing.T) {
	sl := &scriptedLoad{errs: exhausted(10)}
	p := NewProcessor(retryConfig(5, time.Hour), sl.load)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel once the first retry is scheduled; the delay must not be waited out.
	p.SetReclaimer(func(LoadRequest, int) { cancel() })

	done := make(chan JobResult, 1)
	go func() { done <- p.Process(ctx, LoadRequest{ImageID: 1}) }()

	select {
	case res := <-done:
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("err: got %v, want context.Canceled", res.Err)
		}
		if res.Attempts != 1 || sl.calls != 1 {
			t.Errorf("attempts: got %d (load called %d times), want 1", res.Attempts, sl.calls)
		}
		if p.RetryCount() != 1 {
			t.Errorf("RetryCount: got %d, want 1", p.RetryCount())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not return after cancellation")
	}
}

func TestProcess_WithoutReclaimer(t *testing.T) {
	sl := &scriptedLoad{errs: exhausted(1)}
	p := NewProcessor(retryConfig(1, time.Millisecond), sl.load)
	res := p.Process(context.Background(), LoadRequest{ImageID: 2})
	if res.Err != nil || res.Attempts != 2 {
		t.Errorf("got attempts %d err %v, want 2 and nil", res.Attempts, res.Err)
	}
}

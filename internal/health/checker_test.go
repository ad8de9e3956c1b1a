package health_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/health"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubAuditor struct {
	errs  []error
	calls int
}

func (s *stubAuditor) Audit(_ context.Context) error {
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	return err
}

func (s *stubAuditor) Len() int { return 7 }

var errTampered = errors.New("tampered")

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheck_healthyBeforeFirstAudit(t *testing.T) {
	h := health.New(&stubAuditor{}, health.Config{}, zap.NewNop())
	if !h.Status().Healthy {
		t.Error("expected healthy before any audit")
	}
}

func TestCheck_degradesAfterThreshold(t *testing.T) {
	auditor := &stubAuditor{errs: []error{errTampered, errTampered, errTampered}}
	h := health.New(auditor, health.Config{FailThreshold: 3}, zap.NewNop())

	var alerts int
	h.SetAlert(func(_ context.Context, err error) {
		alerts++
		if !errors.Is(err, errTampered) {
			t.Errorf("alert err = %v", err)
		}
	})

	for i := 0; i < 2; i++ {
		_ = h.Check(context.Background())
		if !h.Status().Healthy {
			t.Fatalf("degraded after %d failures, threshold is 3", i+1)
		}
	}
	if err := h.Check(context.Background()); !errors.Is(err, errTampered) {
		t.Fatalf("Check err = %v", err)
	}

	st := h.Status()
	if st.Healthy {
		t.Error("expected degraded after 3 failures")
	}
	if st.ConsecutiveFailures != 3 || st.LastError != "tampered" || st.Blocks != 7 {
		t.Errorf("status = %+v", st)
	}
	if alerts != 1 {
		t.Errorf("alerts = %d, want 1", alerts)
	}
}

func TestCheck_recoversOnSuccess(t *testing.T) {
	auditor := &stubAuditor{errs: []error{errTampered, nil}}
	h := health.New(auditor, health.Config{}, zap.NewNop())

	var ok, failed int
	h.SetMetricsRecord(func(success bool) {
		if success {
			ok++
		} else {
			failed++
		}
	})

	_ = h.Check(context.Background())
	if h.Status().Healthy {
		t.Fatal("default threshold is one failure")
	}
	if err := h.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	st := h.Status()
	if !st.Healthy || st.ConsecutiveFailures != 0 || st.LastError != "" {
		t.Errorf("status after recovery = %+v", st)
	}
	if ok != 1 || failed != 1 {
		t.Errorf("metrics ok=%d failed=%d", ok, failed)
	}
}

func TestCheck_cancelledContextKeepsStatus(t *testing.T) {
	auditor := &stubAuditor{errs: []error{context.Canceled}}
	h := health.New(auditor, health.Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Check(ctx); err == nil {
		t.Fatal("expected error")
	}
	if st := h.Status(); !st.Healthy || !st.LastCheck.IsZero() {
		t.Errorf("interrupted audit changed status: %+v", st)
	}
}

type countingAuditor struct{ n atomic.Int32 }

func (c *countingAuditor) Audit(_ context.Context) error { c.n.Add(1); return nil }
func (c *countingAuditor) Len() int                      { return 1 }

func TestStart_stopsOnCancel(t *testing.T) {
	auditor := &countingAuditor{}
	h := health.New(auditor, health.Config{CheckInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for auditor.n.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("audit loop did not run")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Auditor re-validates the persisted chain. *ledger.Ledger implements it.
type Auditor interface {
	Audit(ctx context.Context) error
	Len() int
}

// Config holds chain audit configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	FailThreshold int
}

// Status is the outcome of the most recent audit.
type Status struct {
	Healthy             bool      `json:"healthy"`
	Blocks              int       `json:"blocks"`
	LastCheck           time.Time `json:"last_check,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// AlertFunc is an optional callback fired once when the chain turns degraded.
type AlertFunc func(ctx context.Context, err error)

// MetricsRecordFunc is an optional callback for recording audit results.
type MetricsRecordFunc func(success bool)

// Checker audits the chain periodically and reports whether it is healthy.
// A chain is degraded once FailThreshold audits in a row have failed.
type Checker struct {
	auditor   Auditor
	cfg       Config
	mu        sync.RWMutex
	status    Status
	onAlert   AlertFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker. Until the first audit runs the chain is
// reported healthy.
func New(auditor Auditor, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = time.Minute
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 1
	}
	return &Checker{
		auditor: auditor,
		cfg:     cfg,
		status:  Status{Healthy: true},
		logger:  logger,
	}
}

// SetAlert configures the degraded callback.
func (h *Checker) SetAlert(fn AlertFunc) {
	h.onAlert = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the audit loop until ctx is cancelled.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
			_ = h.Check(checkCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Check runs one audit and updates the reported status.
func (h *Checker) Check(ctx context.Context) error {
	err := h.auditor.Audit(ctx)
	if ctx.Err() != nil && err != nil {
		// Shutdown or timeout says nothing about the chain.
		h.logger.Warn("health: audit interrupted", zap.Error(err))
		return err
	}
	if h.onMetrics != nil {
		h.onMetrics(err == nil)
	}

	h.mu.Lock()
	prev := h.status
	h.status.LastCheck = time.Now().UTC()
	h.status.Blocks = h.auditor.Len()
	if err == nil {
		h.status.Healthy = true
		h.status.LastError = ""
		h.status.ConsecutiveFailures = 0
	} else {
		h.status.LastError = err.Error()
		h.status.ConsecutiveFailures++
		if h.status.ConsecutiveFailures >= h.cfg.FailThreshold {
			h.status.Healthy = false
		}
	}
	cur := h.status
	h.mu.Unlock()

	switch {
	case cur.Healthy && !prev.Healthy:
		h.logger.Info("health: chain recovered", zap.Int("blocks", cur.Blocks))
	case !cur.Healthy && prev.Healthy:
		h.logger.Error("health: chain degraded",
			zap.Int("fail_count", cur.ConsecutiveFailures),
			zap.Error(err),
		)
		if h.onAlert != nil {
			h.onAlert(ctx, err)
		}
	case err != nil:
		h.logger.Warn("health: audit failed", zap.Int("fail_count", cur.ConsecutiveFailures), zap.Error(err))
	}
	return err
}

// Status returns the outcome of the most recent audit.
func (h *Checker) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

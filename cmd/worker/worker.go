package main

import (
	"context"
	"sync"
	"time"

	appctx "stockledger/internal/core/context"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/config"
	"stockledger/pkg/logger"
)

// Auditor runs the ledger audit.
type Auditor interface {
	Audit(ctx context.Context, scope stock.Scope) (*stock.AuditReport, error)
}

// KeyCleaner removes expired idempotency keys.
type KeyCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Worker runs periodic maintenance jobs.
type Worker struct {
	auditor Auditor
	keys    KeyCleaner
	cfg     config.WorkerConfig
	log     *logger.Logger
}

func NewWorker(auditor Auditor, keys KeyCleaner, cfg config.WorkerConfig, log *logger.Logger) *Worker {
	return &Worker{
		auditor: auditor,
		keys:    keys,
		cfg:     cfg,
		log:     log.WithComponent("worker"),
	}
}

// Run starts every enabled job and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	start := func(name string, interval time.Duration, job func(ctx context.Context)) {
		if interval <= 0 {
			w.log.Infow("job disabled", "job", name)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.schedule(ctx, name, interval, job)
		}()
	}

	start("audit", w.cfg.AuditInterval, w.runAudit)
	start("idempotency_cleanup", w.cfg.CleanupInterval, w.cleanupIdempotency)

	wg.Wait()
}

func (w *Worker) schedule(ctx context.Context, name string, interval time.Duration, job func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.Infow("job scheduled", "job", name, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobCtx := appctx.WithTrace(ctx, appctx.NewTraceContext())
			jobCtx = appctx.WithUser(jobCtx, &appctx.UserContext{UserID: "worker"})
			jobCtx = logger.WithLogger(jobCtx, w.log.WithContext(jobCtx).With("job", name))
			job(jobCtx)
		}
	}
}

// runAudit audits the whole ledger and reports drifting pairs. Drift is never corrected here.
func (w *Worker) runAudit(ctx context.Context) {
	started := time.Now()
	report, err := w.auditor.Audit(ctx, stock.Scope{})
	if err != nil {
		logger.Error(ctx, "scheduled audit failed", "error", err)
		return
	}

	if report.DriftCount == 0 && report.CacheDriftCount == 0 {
		logger.Info(ctx, "scheduled audit clean",
			"pairs", len(report.Lines),
			"duration", time.Since(started),
		)
		return
	}

	for _, line := range report.Lines {
		if !line.Drift && !line.CacheDrift {
			continue
		}
		logger.Warn(ctx, "ledger drift",
			"product_id", line.ProductID,
			"location_id", line.LocationID,
			"ledger_balance", line.LedgerBalance,
			"batch_balance", line.BatchBalance,
			"delta", line.Delta,
			"cache_drift", line.CacheDrift,
		)
	}
	logger.Warn(ctx, "scheduled audit found drift",
		"pairs", len(report.Lines),
		"drifting", report.DriftCount,
		"cache_drifting", report.CacheDriftCount,
	)
}

func (w *Worker) cleanupIdempotency(ctx context.Context) {
	removed, err := w.keys.CleanupExpired(ctx)
	if err != nil {
		logger.Error(ctx, "idempotency cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		logger.Info(ctx, "cleaned up idempotency keys", "count", removed)
	}
}

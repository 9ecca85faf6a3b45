package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/config"
	"stockledger/pkg/logger"
)

type fakeAuditor struct {
	calls  atomic.Int32
	report *stock.AuditReport
	err    error
}

func (a *fakeAuditor) Audit(_ context.Context, scope stock.Scope) (*stock.AuditReport, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return a.report, nil
}

type fakeCleaner struct {
	calls atomic.Int32
}

func (c *fakeCleaner) CleanupExpired(context.Context) (int64, error) {
	c.calls.Add(1)
	return 3, nil
}

func observedLogger() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &logger.Logger{SugaredLogger: zap.New(core).Sugar()}, logs
}

func runFor(t *testing.T, w *Worker, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d + time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestWorker_RunsEnabledJobs(t *testing.T) {
	auditor := &fakeAuditor{report: &stock.AuditReport{}}
	cleaner := &fakeCleaner{}
	log, logs := observedLogger()

	w := NewWorker(auditor, cleaner, config.WorkerConfig{
		AuditInterval:   10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	}, log)
	runFor(t, w, 100*time.Millisecond)

	assert.Positive(t, auditor.calls.Load())
	assert.Positive(t, cleaner.calls.Load())
	assert.NotEmpty(t, logs.FilterMessage("scheduled audit clean").All())
	assert.NotEmpty(t, logs.FilterMessage("cleaned up idempotency keys").All())
}

func TestWorker_DisabledJobNeverRuns(t *testing.T) {
	auditor := &fakeAuditor{report: &stock.AuditReport{}}
	cleaner := &fakeCleaner{}

	w := NewWorker(auditor, cleaner, config.WorkerConfig{CleanupInterval: 10 * time.Millisecond}, logger.Nop())
	runFor(t, w, 60*time.Millisecond)

	assert.Zero(t, auditor.calls.Load())
	assert.Positive(t, cleaner.calls.Load())
}

func TestWorker_AuditReportsDriftingPairs(t *testing.T) {
	product, location := id.New(), id.New()
	auditor := &fakeAuditor{report: &stock.AuditReport{
		Lines: []stock.AuditLine{
			{ProductID: id.New(), LocationID: location, LedgerBalance: types.NewQuantity(4), BatchBalance: types.NewQuantity(4)},
			{
				ProductID:     product,
				LocationID:    location,
				LedgerBalance: types.NewQuantity(10),
				BatchBalance:  types.NewQuantity(8),
				Delta:         types.NewQuantity(2),
				Drift:         true,
			},
		},
		DriftCount: 1,
	}}
	log, logs := observedLogger()
	w := NewWorker(auditor, &fakeCleaner{}, config.WorkerConfig{}, log)

	w.runAudit(logger.WithLogger(context.Background(), log))

	drift := logs.FilterMessage("ledger drift").All()
	require.Len(t, drift, 1)
	assert.Equal(t, product.String(), drift[0].ContextMap()["product_id"])
	assert.Len(t, logs.FilterMessage("scheduled audit found drift").All(), 1)
}

func TestWorker_AuditFailureIsLogged(t *testing.T) {
	log, logs := observedLogger()
	w := NewWorker(&fakeAuditor{err: errors.New("connection reset")}, &fakeCleaner{}, config.WorkerConfig{}, log)

	w.runAudit(logger.WithLogger(context.Background(), log))

	entries := logs.FilterMessage("scheduled audit failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

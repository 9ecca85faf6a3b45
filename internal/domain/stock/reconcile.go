package stock

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/pkg/logger"
)

// AuditLine compares ledger-derived and batch-derived balances of one pair.
type AuditLine struct {
	ProductID     id.ID           `json:"productId"`
	LocationID    id.ID           `json:"locationId"`
	LedgerBalance types.Quantity  `json:"ledgerBalance"`
	BatchBalance  types.Quantity  `json:"batchBalance"`
	BatchValue    types.Money     `json:"batchValue"`
	CachedBalance *types.Quantity `json:"cachedBalance,omitempty"`
	Delta         types.Quantity  `json:"delta"`
	Drift         bool            `json:"drift"`
	CacheDrift    bool            `json:"cacheDrift"`
}

// AuditReport is the result of Audit. Drift is reported, never corrected.
type AuditReport struct {
	Scope           Scope          `json:"scope"`
	Epsilon         types.Quantity `json:"epsilon"`
	Lines           []AuditLine    `json:"lines"`
	DriftCount      int            `json:"driftCount"`
	CacheDriftCount int            `json:"cacheDriftCount"`
}

// Err returns a ReconciliationDrift error when any pair drifted.
func (r *AuditReport) Err() error {
	if r.DriftCount == 0 {
		return nil
	}
	return apperror.NewReconciliationDrift(r.DriftCount)
}

// Audit compares sum(in)-sum(out) from the ledger with sum(remaining) over
// batches for every pair in scope. A pair drifts when |delta| > epsilon.
// The cached balance is checked against batches as well.
func (s *Service) Audit(ctx context.Context, scope Scope) (*AuditReport, error) {
	var report *AuditReport
	attrs := []attribute.KeyValue{attribute.String("scope", scope.String())}
	err := s.observe(ctx, "audit", attrs, func(ctx context.Context) error {
		run := s.txManager.RunInTransaction
		if ro, ok := s.txManager.(tx.ReadOnlyManager); ok {
			run = ro.ReadOnly
		}
		return run(ctx, func(ctx context.Context) error {
			var err error
			report, err = s.audit(ctx, scope)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveAudit(len(report.Lines), report.DriftCount)
	if report.DriftCount > 0 || report.CacheDriftCount > 0 {
		logger.Warn(ctx, "stock ledger drift detected",
			"scope", scope.String(),
			"pairs", len(report.Lines),
			"drifting", report.DriftCount,
			"cache_drifting", report.CacheDriftCount,
		)
	} else {
		logger.Info(ctx, "stock ledger audit clean", "scope", scope.String(), "pairs", len(report.Lines))
	}
	return report, nil
}

func (s *Service) audit(ctx context.Context, scope Scope) (*AuditReport, error) {
	totals, err := s.repo.ReconcileScope(ctx, scope)
	if err != nil {
		return nil, storageErr("reconcile scope", err)
	}

	report := &AuditReport{Scope: scope, Epsilon: s.epsilon, Lines: make([]AuditLine, 0, len(totals))}
	for _, t := range totals {
		ledger := t.LedgerIn.Sub(t.LedgerOut)
		line := AuditLine{
			ProductID:     t.ProductID,
			LocationID:    t.LocationID,
			LedgerBalance: ledger,
			BatchBalance:  t.BatchRemaining,
			BatchValue:    t.BatchCost,
			CachedBalance: t.CachedQuantity,
			Delta:         ledger.Sub(t.BatchRemaining),
		}
		line.Drift = !types.WithinEpsilon(ledger, t.BatchRemaining, s.epsilon)

		cached := types.Zero()
		if t.CachedQuantity != nil {
			cached = *t.CachedQuantity
		}
		line.CacheDrift = !types.WithinEpsilon(cached, t.BatchRemaining, s.epsilon)

		if line.Drift {
			report.DriftCount++
		}
		if line.CacheDrift {
			report.CacheDriftCount++
		}
		report.Lines = append(report.Lines, line)
	}

	sort.Slice(report.Lines, func(i, j int) bool {
		a, b := report.Lines[i], report.Lines[j]
		if c := bytes.Compare(a.ProductID[:], b.ProductID[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.LocationID[:], b.LocationID[:]) < 0
	})
	return report, nil
}

// RebuildFailure is one source event that could not be replayed.
type RebuildFailure struct {
	Event SourceEvent `json:"event"`
	Error string      `json:"error"`
}

// RebuildResult summarizes a rebuild.
type RebuildResult struct {
	Scope      Scope            `json:"scope"`
	Events     int              `json:"events"`
	Applied    int              `json:"applied"`
	Failed     int              `json:"failed"`
	Duplicates int              `json:"duplicates"`
	Failures   []RebuildFailure `json:"failures,omitempty"`
	ArchiveID  *id.ID           `json:"archiveId,omitempty"`
	Purged     PurgeStats       `json:"purged"`
	DriftAfter int              `json:"driftAfter"`
	Duration   time.Duration    `json:"duration"`
}

// Rebuild purges the derived state of scope and regenerates it by replaying
// upstream source events, oldest first, through Receive, Allocate,
// PostProduction and ApplyCountAdjustment. Each event runs in its own
// savepoint; a failing event is recorded and the rebuild continues.
// The scope is locked exclusively for the whole run.
func (s *Service) Rebuild(ctx context.Context, scope Scope) (*RebuildResult, error) {
	if s.sources == nil {
		return nil, apperror.NewValidation("rebuild requires a source reader")
	}
	sp, ok := s.txManager.(tx.SavepointManager)
	if !ok {
		return nil, apperror.NewInternal(fmt.Errorf("rebuild requires savepoint support"))
	}

	if s.guard != nil {
		release, err := s.guard.Acquire(ctx, "rebuild:"+scope.String())
		if err != nil {
			return nil, err
		}
		defer release(context.WithoutCancel(ctx))
	}

	started := time.Now()
	var result *RebuildResult
	attrs := []attribute.KeyValue{attribute.String("scope", scope.String())}
	err := s.observe(ctx, "rebuild", attrs, func(ctx context.Context) error {
		return sp.RunInTransaction(ctx, func(ctx context.Context) error {
			var err error
			result, err = s.rebuild(ctx, sp, scope)
			return err
		})
	})
	if err != nil {
		logger.Error(ctx, "stock ledger rebuild failed", "scope", scope.String(), "error", err)
		return nil, err
	}
	result.Duration = time.Since(started)

	s.metrics.ObserveRebuild(result.Applied, result.Failed)
	logger.Info(ctx, "stock ledger rebuilt",
		"scope", scope.String(),
		"events", result.Events,
		"applied", result.Applied,
		"failed", result.Failed,
		"duplicates", result.Duplicates,
		"drift_after", result.DriftAfter,
		"duration", result.Duration,
	)
	return result, nil
}

func (s *Service) rebuild(ctx context.Context, sp tx.SavepointManager, scope Scope) (*RebuildResult, error) {
	if err := s.repo.LockScope(ctx, scope); err != nil {
		return nil, storageErr("lock scope", err)
	}

	result := &RebuildResult{Scope: scope}

	if s.archiver != nil {
		snapshot, err := s.repo.SnapshotScope(ctx, scope)
		if err != nil {
			return nil, storageErr("snapshot scope", err)
		}
		archiveID, err := s.archiver.Archive(ctx, snapshot)
		if err != nil {
			return nil, storageErr("archive snapshot", err)
		}
		result.ArchiveID = &archiveID
	}

	purged, err := s.repo.PurgeScope(ctx, scope)
	if err != nil {
		return nil, storageErr("purge scope", err)
	}
	result.Purged = purged

	events, err := s.sources.ReadSourceEvents(ctx, scope)
	if err != nil {
		return nil, storageErr("read source events", err)
	}
	SortSourceEvents(events)
	result.Events = len(events)

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var duplicate bool
		err := sp.RunInSavepoint(ctx, func(ctx context.Context) error {
			var err error
			duplicate, err = s.replay(ctx, ev)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.Failed++
			result.Failures = append(result.Failures, RebuildFailure{Event: ev, Error: err.Error()})
			logger.Warn(ctx, "source event replay failed",
				"kind", ev.Kind,
				"document_id", ev.DocumentID,
				"product_id", ev.ProductID,
				"location_id", ev.LocationID,
				"error", err,
			)
			continue
		}
		if duplicate {
			result.Duplicates++
			continue
		}
		result.Applied++
	}

	after, err := s.audit(ctx, scope)
	if err != nil {
		return nil, err
	}
	result.DriftAfter = after.DriftCount
	return result, nil
}

// replay routes one source event through the live entry points.
func (s *Service) replay(ctx context.Context, ev SourceEvent) (bool, error) {
	switch ev.Kind {
	case EventPurchaseReceipt, EventConsignmentReturn:
		source := DocumentRef{Type: DocPurchase, ID: ev.DocumentID}
		if ev.Kind == EventConsignmentReturn {
			source.Type = DocReturn
		}
		r, err := s.Receive(ctx, ReceiveRequest{
			ProductID:  ev.ProductID,
			LocationID: ev.LocationID,
			Quantity:   ev.Quantity,
			UnitCost:   ev.UnitCost,
			Source:     source,
			OccurredAt: ev.OccurredAt,
		})
		if err != nil {
			return false, err
		}
		return r.Duplicate, nil

	case EventSale, EventConsignmentSale:
		ref := DocumentRef{Type: DocSale, ID: ev.DocumentID}
		if ev.Kind == EventConsignmentSale {
			ref.Type = DocConsignment
		}
		a, err := s.Allocate(ctx, AllocateRequest{
			ProductID:  ev.ProductID,
			LocationID: ev.LocationID,
			Quantity:   ev.Quantity,
			Reference:  ref,
			OccurredAt: ev.OccurredAt,
		})
		if err != nil {
			return false, err
		}
		return a.Duplicate, nil

	case EventProduction:
		p, err := s.PostProduction(ctx, ProductionPosting{
			ProductionID:    ev.DocumentID,
			LocationID:      ev.LocationID,
			OutputProductID: ev.ProductID,
			OutputQuantity:  ev.Quantity,
			Materials:       ev.Materials,
			OccurredAt:      ev.OccurredAt,
		})
		if err != nil {
			return false, err
		}
		return p.Duplicate, nil

	case EventStockCount:
		_, err := s.ApplyCountAdjustment(ctx, CountDelta{
			CountID:    ev.DocumentID,
			ProductID:  ev.ProductID,
			LocationID: ev.LocationID,
			Delta:      ev.Quantity,
			UnitCost:   ev.UnitCost,
			OccurredAt: ev.OccurredAt,
		})
		return false, err
	}

	return false, apperror.NewValidation(fmt.Sprintf("unknown source event kind %q", ev.Kind))
}

func eventRank(ev SourceEvent) int {
	switch ev.Kind {
	case EventPurchaseReceipt, EventConsignmentReturn:
		return 0
	case EventStockCount:
		if ev.Quantity.IsNegative() {
			return 2
		}
		return 0
	case EventProduction:
		return 1
	default:
		return 2
	}
}

// SortSourceEvents orders events for replay: by time, then receipts before
// productions before consumptions, then by document id.
func SortSourceEvents(events []SourceEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if ra, rb := eventRank(a), eventRank(b); ra != rb {
			return ra < rb
		}
		return a.DocumentID < b.DocumentID
	})
}

package stock

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
)

var tracer = otel.Tracer("stockledger/stock")

// Service is the stock ledger. Every mutating operation runs in one
// transaction and holds the (product, location) lock for its whole duration.
type Service struct {
	repo      Repository
	txManager tx.Manager
	sources   SourceReader
	archiver  Archiver
	guard     Guard
	metrics   Metrics
	epsilon   types.Quantity
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSourceReader enables Rebuild.
func WithSourceReader(r SourceReader) Option {
	return func(s *Service) { s.sources = r }
}

// WithArchiver stores pre-rebuild snapshots.
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithGuard sets the cross-process rebuild lock.
func WithGuard(g Guard) Option {
	return func(s *Service) { s.guard = g }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithEpsilon overrides the reconciliation tolerance.
func WithEpsilon(eps types.Quantity) Option {
	return func(s *Service) { s.epsilon = eps }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the stock ledger service.
func NewService(repo Repository, txManager tx.Manager, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		txManager: txManager,
		metrics:   nopMetrics{},
		epsilon:   types.DefaultEpsilon(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Epsilon returns the reconciliation tolerance.
func (s *Service) Epsilon() types.Quantity {
	return s.epsilon
}

// observe wraps an operation with a span and metrics.
func (s *Service) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "stock."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveOperation(op, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// storageErr keeps business errors intact and classifies everything else as a storage failure.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperror.AsAppError(err); ok {
		return err
	}
	return apperror.NewStorageFailure(op, err)
}

// applyToBalance moves the cached balance by a signed quantity and value.
func (s *Service) applyToBalance(ctx context.Context, bal *Balance, qty types.Quantity, value types.Money, at time.Time) error {
	bal.QuantityOnHand = bal.QuantityOnHand.Add(qty)
	bal.CostValue = bal.CostValue.Add(value)
	if bal.LastMovementAt == nil || at.After(*bal.LastMovementAt) {
		t := at
		bal.LastMovementAt = &t
	}
	bal.UpdatedAt = s.now()
	return s.repo.SaveBalance(ctx, bal)
}

func (s *Service) occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t.UTC()
}

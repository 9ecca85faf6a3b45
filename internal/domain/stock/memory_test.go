package stock

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// --- in-memory repository ---

type memState struct {
	batches     []Batch
	movements   []Movement
	allocations []Allocation
	balances    map[pairKey]Balance
}

func (s *memState) clone() *memState {
	c := &memState{
		batches:     append([]Batch(nil), s.batches...),
		movements:   append([]Movement(nil), s.movements...),
		allocations: append([]Allocation(nil), s.allocations...),
		balances:    make(map[pairKey]Balance, len(s.balances)),
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	return c
}

type memRepo struct {
	mu    sync.Mutex
	state *memState
	fail  map[string]error
}

func newMemRepo() *memRepo {
	return &memRepo{
		state: &memState{balances: make(map[pairKey]Balance)},
		fail:  make(map[string]error),
	}
}

var _ Repository = (*memRepo)(nil)

func (r *memRepo) failWith(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] = err
}

func (r *memRepo) snapshot() *memState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (r *memRepo) restore(s *memState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *memRepo) check(op string) error {
	return r.fail[op]
}

func (r *memRepo) batchIndex(batchID id.ID) int {
	for i := range r.state.batches {
		if r.state.batches[i].ID == batchID {
			return i
		}
	}
	return -1
}

func (r *memRepo) CreateBatch(_ context.Context, b *Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("CreateBatch"); err != nil {
		return err
	}
	for _, existing := range r.state.batches {
		if existing.ReversedAt == nil && existing.ReceiptKey() == b.ReceiptKey() {
			return apperror.NewConflict("batch already exists for receipt key")
		}
	}
	r.state.batches = append(r.state.batches, *b)
	return nil
}

func (r *memRepo) GetBatch(_ context.Context, batchID id.ID) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.batchIndex(batchID)
	if i < 0 {
		return nil, apperror.NewNotFound("batch", batchID)
	}
	b := r.state.batches[i]
	return &b, nil
}

func (r *memRepo) FindBatch(_ context.Context, key ReceiptKey, includeReversed bool) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("FindBatch"); err != nil {
		return nil, err
	}
	var reversed *Batch
	for i := range r.state.batches {
		b := r.state.batches[i]
		if b.ReceiptKey() != key {
			continue
		}
		if b.ReversedAt == nil {
			return &b, nil
		}
		if includeReversed {
			reversed = &b
		}
	}
	return reversed, nil
}

func (r *memRepo) ListOpenBatches(_ context.Context, productID, locationID id.ID) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("ListOpenBatches"); err != nil {
		return nil, err
	}
	var out []Batch
	for _, b := range r.state.batches {
		if b.ProductID == productID && b.LocationID == locationID && b.IsOpen() {
			out = append(out, b)
		}
	}
	sortBatches(out)
	return out, nil
}

func (r *memRepo) ListBatches(_ context.Context, f BatchFilter) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Batch
	for _, b := range r.state.batches {
		if f.ProductID != nil && *f.ProductID != b.ProductID {
			continue
		}
		if f.LocationID != nil && *f.LocationID != b.LocationID {
			continue
		}
		if f.OpenOnly && !b.IsOpen() {
			continue
		}
		out = append(out, b)
	}
	sortBatches(out)
	return out, nil
}

func sortBatches(bs []Batch) {
	sort.SliceStable(bs, func(i, j int) bool {
		if !bs[i].ReceivedAt.Equal(bs[j].ReceivedAt) {
			return bs[i].ReceivedAt.Before(bs[j].ReceivedAt)
		}
		return bytes.Compare(bs[i].ID[:], bs[j].ID[:]) < 0
	})
}

func (r *memRepo) UpdateRemaining(_ context.Context, batchID id.ID, remaining types.Quantity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("UpdateRemaining"); err != nil {
		return err
	}
	i := r.batchIndex(batchID)
	if i < 0 {
		return apperror.NewNotFound("batch", batchID)
	}
	r.state.batches[i].RemainingQuantity = remaining
	return nil
}

func (r *memRepo) MarkReversed(_ context.Context, batchID id.ID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.batchIndex(batchID)
	if i < 0 {
		return apperror.NewNotFound("batch", batchID)
	}
	r.state.batches[i].ReversedAt = &at
	return nil
}

func (r *memRepo) AppendMovements(_ context.Context, ms []Movement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("AppendMovements"); err != nil {
		return err
	}
	r.state.movements = append(r.state.movements, ms...)
	return nil
}

func (r *memRepo) ListMovements(_ context.Context, f MovementFilter) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Movement
	for _, m := range r.state.movements {
		if f.ProductID != nil && *f.ProductID != m.ProductID {
			continue
		}
		if f.LocationID != nil && *f.LocationID != m.LocationID {
			continue
		}
		if f.Reference != nil && *f.Reference != m.Reference() {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *memRepo) ListAllocationMovements(_ context.Context, allocationID id.ID) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Movement
	for _, m := range r.state.movements {
		if m.AllocationID != nil && *m.AllocationID == allocationID &&
			m.Direction == DirectionOut && m.Kind != KindReversal {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepo) GetReceiptMovement(_ context.Context, batchID id.ID) (*Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("GetReceiptMovement"); err != nil {
		return nil, err
	}
	for _, m := range r.state.movements {
		if m.BatchID != nil && *m.BatchID == batchID && m.Direction == DirectionIn && m.Kind != KindReversal {
			return &m, nil
		}
	}
	return nil, nil
}

func (r *memRepo) OutstandingConsumption(_ context.Context, batchID id.ID) (types.Quantity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := types.Zero()
	for _, m := range r.state.movements {
		if m.BatchID == nil || *m.BatchID != batchID {
			continue
		}
		switch {
		case m.Direction == DirectionOut && m.Kind != KindReversal:
			total = total.Add(m.Quantity)
		case m.Direction == DirectionIn && m.Kind == KindReversal:
			total = total.Sub(m.Quantity)
		}
	}
	return total, nil
}

func (r *memRepo) CreateAllocation(_ context.Context, a *Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("CreateAllocation"); err != nil {
		return err
	}
	for _, existing := range r.state.allocations {
		if existing.ReversedAt == nil && existing.Key() == a.Key() {
			return apperror.NewConflict("allocation already exists")
		}
	}
	r.state.allocations = append(r.state.allocations, *a)
	return nil
}

func (r *memRepo) FindAllocation(_ context.Context, key AllocationKey, includeReversed bool) (*Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reversed *Allocation
	for i := range r.state.allocations {
		a := r.state.allocations[i]
		if a.Key() != key {
			continue
		}
		if a.ReversedAt == nil {
			return &a, nil
		}
		if includeReversed {
			reversed = &a
		}
	}
	return reversed, nil
}

func (r *memRepo) MarkAllocationReversed(_ context.Context, allocationID id.ID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.allocations {
		if r.state.allocations[i].ID == allocationID {
			r.state.allocations[i].ReversedAt = &at
			return nil
		}
	}
	return apperror.NewNotFound("allocation", allocationID)
}

func (r *memRepo) LockPair(_ context.Context, productID, locationID id.ID) (*Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("LockPair"); err != nil {
		return nil, err
	}
	k := pairKey{productID, locationID}
	b, ok := r.state.balances[k]
	if !ok {
		b = Balance{ProductID: productID, LocationID: locationID, QuantityOnHand: types.Zero(), CostValue: types.Zero()}
		r.state.balances[k] = b
	}
	return &b, nil
}

func (r *memRepo) GetBalance(_ context.Context, productID, locationID id.ID) (*Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.state.balances[pairKey{productID, locationID}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *memRepo) SaveBalance(_ context.Context, b *Balance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("SaveBalance"); err != nil {
		return err
	}
	r.state.balances[pairKey{b.ProductID, b.LocationID}] = *b
	return nil
}

func (r *memRepo) ListBalances(_ context.Context, f BalanceFilter) ([]Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Balance
	for _, b := range r.state.balances {
		if f.ProductID != nil && *f.ProductID != b.ProductID {
			continue
		}
		if f.LocationID != nil && *f.LocationID != b.LocationID {
			continue
		}
		if f.ExcludeZero && b.QuantityOnHand.IsZero() {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *memRepo) SumOpenBatches(_ context.Context, productID, locationID id.ID) (types.Quantity, types.Money, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qty, value := types.Zero(), types.Zero()
	for _, b := range r.state.batches {
		if b.ProductID == productID && b.LocationID == locationID && b.ReversedAt == nil {
			qty = qty.Add(b.RemainingQuantity)
			value = value.Add(b.Value())
		}
	}
	return qty, value, nil
}

func (r *memRepo) LockScope(context.Context, Scope) error { return nil }

func (r *memRepo) ReconcileScope(_ context.Context, scope Scope) ([]PairTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	totals := make(map[pairKey]*PairTotals)
	get := func(p, l id.ID) *PairTotals {
		k := pairKey{p, l}
		t, ok := totals[k]
		if !ok {
			t = &PairTotals{ProductID: p, LocationID: l, LedgerIn: types.Zero(), LedgerOut: types.Zero(),
				BatchRemaining: types.Zero(), BatchCost: types.Zero()}
			totals[k] = t
		}
		return t
	}
	for _, m := range r.state.movements {
		if !scope.Matches(m.ProductID, m.LocationID) {
			continue
		}
		t := get(m.ProductID, m.LocationID)
		if m.Direction == DirectionIn {
			t.LedgerIn = t.LedgerIn.Add(m.Quantity)
		} else {
			t.LedgerOut = t.LedgerOut.Add(m.Quantity)
		}
	}
	for _, b := range r.state.batches {
		if !scope.Matches(b.ProductID, b.LocationID) || b.ReversedAt != nil {
			continue
		}
		t := get(b.ProductID, b.LocationID)
		t.BatchRemaining = t.BatchRemaining.Add(b.RemainingQuantity)
		t.BatchCost = t.BatchCost.Add(b.Value())
	}
	for k, b := range r.state.balances {
		if !scope.Matches(k.productID, k.locationID) {
			continue
		}
		t := get(k.productID, k.locationID)
		q, c := b.QuantityOnHand, b.CostValue
		t.CachedQuantity, t.CachedCost = &q, &c
	}
	out := make([]PairTotals, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	return out, nil
}

func (r *memRepo) SnapshotScope(_ context.Context, scope Scope) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := &Snapshot{Scope: scope, TakenAt: time.Now()}
	for _, b := range r.state.batches {
		if scope.Matches(b.ProductID, b.LocationID) {
			snap.Batches = append(snap.Batches, b)
		}
	}
	for _, m := range r.state.movements {
		if scope.Matches(m.ProductID, m.LocationID) {
			snap.Movements = append(snap.Movements, m)
		}
	}
	for _, a := range r.state.allocations {
		if scope.Matches(a.ProductID, a.LocationID) {
			snap.Allocations = append(snap.Allocations, a)
		}
	}
	for _, b := range r.state.balances {
		if scope.Matches(b.ProductID, b.LocationID) {
			snap.Balances = append(snap.Balances, b)
		}
	}
	return snap, nil
}

func (r *memRepo) PurgeScope(_ context.Context, scope Scope) (PurgeStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats PurgeStats
	batches := r.state.batches[:0:0]
	for _, b := range r.state.batches {
		if scope.Matches(b.ProductID, b.LocationID) {
			stats.Batches++
			continue
		}
		batches = append(batches, b)
	}
	movements := r.state.movements[:0:0]
	for _, m := range r.state.movements {
		if scope.Matches(m.ProductID, m.LocationID) {
			stats.Movements++
			continue
		}
		movements = append(movements, m)
	}
	allocations := r.state.allocations[:0:0]
	for _, a := range r.state.allocations {
		if scope.Matches(a.ProductID, a.LocationID) {
			stats.Allocations++
			continue
		}
		allocations = append(allocations, a)
	}
	for k := range r.state.balances {
		if scope.Matches(k.productID, k.locationID) {
			delete(r.state.balances, k)
			stats.Balances++
		}
	}
	r.state.batches, r.state.movements, r.state.allocations = batches, movements, allocations
	return stats, nil
}

// --- transaction manager ---

type txKey struct{}

// memTxManager serializes transactions with one mutex and restores the
// repository snapshot on rollback.
type memTxManager struct {
	mu   sync.Mutex
	repo *memRepo
}

func (m *memTxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.repo.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.repo.restore(snap)
		return err
	}
	return nil
}

func (m *memTxManager) RunInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := m.repo.snapshot()
	if err := fn(ctx); err != nil {
		m.repo.restore(snap)
		return err
	}
	return nil
}

func (m *memTxManager) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.RunInTransaction(ctx, fn)
}

// --- collaborators ---

type memSources struct {
	events []SourceEvent
}

func (m *memSources) ReadSourceEvents(_ context.Context, scope Scope) ([]SourceEvent, error) {
	var out []SourceEvent
	for _, ev := range m.events {
		if scope.Matches(ev.ProductID, ev.LocationID) {
			out = append(out, ev)
			continue
		}
		for _, mat := range ev.Materials {
			loc := ev.LocationID
			if mat.LocationID != nil {
				loc = *mat.LocationID
			}
			if scope.Matches(mat.ProductID, loc) {
				out = append(out, ev)
				break
			}
		}
	}
	return out, nil
}

type memArchiver struct {
	snapshots []*Snapshot
}

func (a *memArchiver) Archive(_ context.Context, s *Snapshot) (id.ID, error) {
	a.snapshots = append(a.snapshots, s)
	return id.New(), nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	ops      map[string]int
	failures map[string]int
	drifting int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{ops: map[string]int{}, failures: map[string]int{}}
}

func (m *recordingMetrics) ObserveOperation(op string, err error, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
	if err != nil {
		m.failures[op]++
	}
}

func (m *recordingMetrics) ObserveAudit(_, drifting int) { m.drifting = drifting }
func (m *recordingMetrics) ObserveRebuild(int, int)      {}

// --- fixtures ---

var (
	productA  = id.MustParse("0190a000-0000-7000-8000-00000000000a")
	productB  = id.MustParse("0190a000-0000-7000-8000-00000000000b")
	productC  = id.MustParse("0190a000-0000-7000-8000-00000000000c")
	location1 = id.MustParse("0190b000-0000-7000-8000-000000000001")
	location2 = id.MustParse("0190b000-0000-7000-8000-000000000002")
)

func day(n int) time.Time {
	return time.Date(2024, 3, n, 9, 0, 0, 0, time.UTC)
}

type fixture struct {
	svc     *Service
	repo    *memRepo
	sources *memSources
	archive *memArchiver
	metrics *recordingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemRepo()
	f := &fixture{
		repo:    repo,
		sources: &memSources{},
		archive: &memArchiver{},
		metrics: newRecordingMetrics(),
	}
	f.svc = NewService(repo, &memTxManager{repo: repo},
		WithSourceReader(f.sources),
		WithArchiver(f.archive),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return day(28) }),
	)
	return f
}

func (f *fixture) receive(t *testing.T, product, location id.ID, qty, cost string, sourceID string, at time.Time) *ReceiveResult {
	t.Helper()
	res, err := f.svc.Receive(context.Background(), ReceiveRequest{
		ProductID:  product,
		LocationID: location,
		Quantity:   types.MustQuantity(qty),
		UnitCost:   types.MustMoney(cost),
		Source:     DocumentRef{Type: DocPurchase, ID: sourceID},
		OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("receive %s: %v", sourceID, err)
	}
	return res
}

func (f *fixture) batch(t *testing.T, batchID id.ID) Batch {
	t.Helper()
	b, err := f.repo.GetBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	return *b
}

// assertConserved checks sum(remaining) == sum(in) - sum(out) and the cache for one pair.
func (f *fixture) assertConserved(t *testing.T, product, location id.ID) {
	t.Helper()
	report, err := f.svc.Audit(context.Background(), Scope{ProductID: &product, LocationID: &location})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	for _, l := range report.Lines {
		if l.Drift || l.CacheDrift {
			t.Fatalf("pair %s/%s drifted: ledger=%s batch=%s cached=%v",
				l.ProductID, l.LocationID, l.LedgerBalance, l.BatchBalance, l.CachedBalance)
		}
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bulk-order-service/models"
	"bulk-order-service/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// --- audit / alerts ---

type recordingAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (r *recordingAudit) Record(_ context.Context, event models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (r *recordingAlerts) Raise(_ context.Context, alert models.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *recordingAlerts) byCategory(category string) []models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Alert
	for _, a := range r.alerts {
		if a.Category == category {
			out = append(out, a)
		}
	}
	return out
}

// --- commerce ---

// MockCommerce is a testify mock of providers.Commerce.
type MockCommerce struct{ mock.Mock }

func (m *MockCommerce) CheckAvailability(ctx context.Context, sku string) (models.Availability, error) {
	args := m.Called(ctx, sku)
	return args.Get(0).(models.Availability), args.Error(1)
}

func (m *MockCommerce) FindAlternatives(ctx context.Context, sku string, quantity int) ([]models.AlternativeProduct, error) {
	args := m.Called(ctx, sku, quantity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AlternativeProduct), args.Error(1)
}

func (m *MockCommerce) AddToCart(ctx context.Context, userID string, items []models.CartLine) (string, error) {
	args := m.Called(ctx, userID, items)
	return args.String(0), args.Error(1)
}

func (m *MockCommerce) Reverse(ctx context.Context, userID, reference string) error {
	args := m.Called(ctx, userID, reference)
	return args.Error(0)
}

// fakeCommerce is an in-memory catalog and cart that counts every call.
type fakeCommerce struct {
	mu          sync.Mutex
	stock       map[string]int
	alternates  map[string][]models.AlternativeProduct
	failReverse map[string]bool
	cart        map[string]int
	refs        map[string]models.CartLine
	reversed    map[string]int
	calls       int64
	altCalls    int64
	reverseHook func()
}

func newFakeCommerce(stock map[string]int) *fakeCommerce {
	return &fakeCommerce{
		stock:       stock,
		alternates:  map[string][]models.AlternativeProduct{},
		failReverse: map[string]bool{},
		cart:        map[string]int{},
		refs:        map[string]models.CartLine{},
		reversed:    map[string]int{},
	}
}

func (f *fakeCommerce) totalCalls() int64 { return atomic.LoadInt64(&f.calls) }

func (f *fakeCommerce) CheckAvailability(_ context.Context, sku string) (models.Availability, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	qty, ok := f.stock[sku]
	return models.Availability{SKU: sku, ProductID: "p-" + sku, Available: ok && qty > 0, Quantity: qty}, nil
}

func (f *fakeCommerce) FindAlternatives(_ context.Context, sku string, _ int) ([]models.AlternativeProduct, error) {
	atomic.AddInt64(&f.calls, 1)
	atomic.AddInt64(&f.altCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alternates[sku], nil
}

func (f *fakeCommerce) AddToCart(_ context.Context, _ string, items []models.CartLine) (string, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := uuid.NewString()
	for _, it := range items {
		f.cart[it.SKU] += it.Quantity
		f.refs[ref] = it
	}
	return ref, nil
}

func (f *fakeCommerce) Reverse(_ context.Context, _ string, reference string) error {
	atomic.AddInt64(&f.calls, 1)
	if f.reverseHook != nil {
		f.reverseHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.refs[reference]
	if !ok {
		return nil
	}
	if f.failReverse[line.SKU] {
		return fmt.Errorf("cart service rejected reversal of %s", line.SKU)
	}
	f.reversed[reference]++
	f.cart[line.SKU] -= line.Quantity
	delete(f.refs, reference)
	return nil
}

// --- repository ---

// memoryRepo is an in-memory OperationRepository whose conditional updates are atomic under
// one mutex, the way the SQL statements are atomic in the database.
type memoryRepo struct {
	mu       sync.Mutex
	ops      map[uuid.UUID]*models.Operation
	progress map[uuid.UUID][]models.ProgressEntry
	claims   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		ops:      map[uuid.UUID]*models.Operation{},
		progress: map[uuid.UUID][]models.ProgressEntry{},
	}
}

func (r *memoryRepo) Create(_ context.Context, op *models.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.ID]; exists {
		return errors.New("duplicate key")
	}
	cp := *op
	r.ops[op.ID] = &cp
	return nil
}

func (r *memoryRepo) FindByID(_ context.Context, id uuid.UUID) (*models.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, repository.ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (r *memoryRepo) FindWithProgress(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	op, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	op.Progress, _ = r.ListProgress(ctx, id)
	return op, nil
}

func (r *memoryRepo) ListByUser(_ context.Context, userID string, page, limit int) ([]models.Operation, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.Operation
	for _, op := range r.ops {
		if op.UserID == userID {
			all = append(all, *op)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(len(all)), nil
}

func (r *memoryRepo) AppendProgress(_ context.Context, entry *models.ProgressEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.progress[entry.OperationID] {
		if e.RowIndex == entry.RowIndex {
			return repository.ErrDuplicateProgress
		}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	r.progress[entry.OperationID] = append(r.progress[entry.OperationID], *entry)
	return nil
}

func (r *memoryRepo) ListProgress(_ context.Context, operationID uuid.UUID) ([]models.ProgressEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]models.ProgressEntry(nil), r.progress[operationID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

func (r *memoryRepo) FinalizeStatus(_ context.Context, id uuid.UUID, status string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok || op.Status != models.OperationProcessing {
		return false, nil
	}
	op.Status = status
	op.CompletedAt = &at
	return true, nil
}

func (r *memoryRepo) ClaimRollback(_ context.Context, id uuid.UUID, actorID, reason string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return false, nil
	}
	if (op.Status != models.OperationCompleted && op.Status != models.OperationPartial) ||
		!op.RollbackDeadline.After(now) || op.RollbackStartedAt != nil {
		return false, nil
	}
	op.RollbackStartedAt = &now
	op.RollbackActor = actorID
	op.RollbackReason = reason
	r.claims++
	return true, nil
}

func (r *memoryRepo) entry(entryID uuid.UUID) *models.ProgressEntry {
	for opID := range r.progress {
		for i := range r.progress[opID] {
			if r.progress[opID][i].ID == entryID {
				return &r.progress[opID][i]
			}
		}
	}
	return nil
}

func (r *memoryRepo) MarkReversed(_ context.Context, entryID uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(entryID)
	if e == nil || !e.Success || e.Reversed {
		return false, nil
	}
	e.Reversed = true
	e.ReversedAt = &at
	e.ReversalError = ""
	return true, nil
}

func (r *memoryRepo) RecordReversalFailure(_ context.Context, entryID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entry(entryID); e != nil && !e.Reversed {
		e.ReversalError = reason
	}
	return nil
}

func (r *memoryRepo) FinishRollback(_ context.Context, id uuid.UUID, status string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok || op.RollbackStartedAt == nil {
		return repository.ErrOperationNotFound
	}
	op.Status = status
	if status == models.OperationRolledBack {
		op.RolledBackAt = &at
	} else {
		op.RollbackStartedAt = nil
	}
	return nil
}

// flakyRepo fails progress writes for one SKU. failures < 0 fails every write.
type flakyRepo struct {
	*memoryRepo
	sku string

	flakyMu  sync.Mutex
	failures int
	attempts int
}

func (r *flakyRepo) AppendProgress(ctx context.Context, entry *models.ProgressEntry) error {
	r.flakyMu.Lock()
	if entry.SKU == r.sku {
		r.attempts++
		if r.failures != 0 {
			if r.failures > 0 {
				r.failures--
			}
			r.flakyMu.Unlock()
			return errors.New("write tcp 10.0.0.5:5432: connection reset by peer")
		}
	}
	r.flakyMu.Unlock()
	return r.memoryRepo.AppendProgress(ctx, entry)
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// --- helpers ---

func b2bUser() *models.UserContext {
	return &models.UserContext{
		UserID:      "user-1",
		AccountID:   "acct-1",
		AccountType: models.AccountTypeB2B,
		Role:        "buyer",
		Permissions: []string{models.PermissionBulkOrders},
	}
}

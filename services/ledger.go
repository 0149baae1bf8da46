package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "bulk-order-service/errors"
	"bulk-order-service/models"
	"bulk-order-service/providers"
	"bulk-order-service/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// keyedMutex serialises work per key. Entries are dropped once nobody holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LedgerConfig configures the operation ledger.
type LedgerConfig struct {
	RollbackWindow  time.Duration
	ReversalTimeout time.Duration
	// ProgressAttempts bounds the writes of one progress entry. The wait before attempt n is
	// n-1 times ProgressBackoff.
	ProgressAttempts int
	ProgressBackoff  time.Duration
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		RollbackWindow:   24 * time.Hour,
		ReversalTimeout:  10 * time.Second,
		ProgressAttempts: 3,
		ProgressBackoff:  100 * time.Millisecond,
	}
}

// Ledger records operations, their per-row progress and their rollback.
type Ledger struct {
	repo   repository.OperationRepository
	cfg    LedgerConfig
	locks  *keyedMutex
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[uuid.UUID]OperationState
}

func NewLedger(repo repository.OperationRepository, cfg LedgerConfig, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		logger: logger,
		now:    time.Now,
		active: make(map[uuid.UUID]OperationState),
	}
}

func notFound(id uuid.UUID) *apperrors.Error {
	return apperrors.NotFound(apperrors.CodeOperationNotFound, fmt.Sprintf("Operation %s not found", id))
}

func ineligible(e models.RollbackEligibility) *apperrors.Error {
	return apperrors.New(apperrors.KindRollbackIneligible, apperrors.CodeRollbackIneligible, "Operation cannot be rolled back", nil).
		WithDetail("reason", e.Reason).
		WithDetail("deadline", e.Deadline.UTC().Format(time.RFC3339)).
		WithDetail("status", e.Status)
}

// CreateOperation persists a new operation in processing state and returns its id.
func (l *Ledger) CreateOperation(ctx context.Context, userID, accountID string, rows []models.ParsedRow, orderValue decimal.Decimal, meta models.OperationMetadata) (uuid.UUID, error) {
	items := make([]models.SubmittedItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, models.SubmittedItem{Row: r.Index, SKU: r.SKU, Quantity: r.Quantity, UnitPrice: r.UnitPrice})
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return uuid.Nil, apperrors.Internal("Failed to encode operation items", err)
	}

	now := l.now().UTC()
	op := &models.Operation{
		ID:               uuid.New(),
		UserID:           userID,
		AccountID:        accountID,
		Items:            datatypes.JSON(payload),
		TotalItems:       len(rows),
		OrderValue:       orderValue,
		Filename:         meta.Filename,
		ContentHash:      meta.ContentHash,
		ClientIP:         meta.ClientIP,
		UserAgent:        meta.UserAgent,
		Notes:            meta.Notes,
		Status:           models.OperationProcessing,
		CreatedAt:        now,
		RollbackDeadline: now.Add(l.cfg.RollbackWindow),
	}
	if err := l.repo.Create(ctx, op); err != nil {
		return uuid.Nil, apperrors.Internal("Failed to create operation", err)
	}

	l.mu.Lock()
	l.active[op.ID] = NewOperationState(len(rows), op.RollbackDeadline)
	l.mu.Unlock()

	l.logger.Info("operation created",
		zap.String("operation_id", op.ID.String()),
		zap.String("user_id", userID),
		zap.Int("rows", len(rows)),
	)
	return op.ID, nil
}

// UpdateProgress appends the terminal outcome of one row. Writes for the same operation are
// serialised; a second outcome for a row, or any outcome for a finalized operation, is a
// concurrency error.
func (l *Ledger) UpdateProgress(ctx context.Context, id uuid.UUID, update models.ProgressUpdate) error {
	unlock := l.locks.Lock(id.String())
	defer unlock()

	l.mu.Lock()
	state, tracked := l.active[id]
	l.mu.Unlock()

	if !tracked {
		// Finalized here or created by another instance: the stored record decides.
		op, err := l.repo.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrOperationNotFound) {
				return notFound(id)
			}
			return apperrors.Internal("Failed to load operation", err)
		}
		entries, err := l.repo.ListProgress(ctx, id)
		if err != nil {
			return apperrors.Internal("Failed to load progress", err)
		}
		state = StateFromRecord(op, entries)
	}

	next, err := ReduceOperation(state, RecordProgress{Row: update.Row, Success: update.Success, Outcome: update.Outcome})
	if err != nil {
		return apperrors.New(apperrors.KindConcurrency, apperrors.CodeDuplicateProgress,
			fmt.Sprintf("Progress for row %d rejected", update.Row), err)
	}

	entry := &models.ProgressEntry{
		OperationID: id,
		RowIndex:    update.Row,
		SKU:         update.SKU,
		Quantity:    update.Quantity,
		Success:     update.Success,
		Outcome:     string(update.Outcome),
		Reference:   update.OrderID,
		Error:       update.Error,
	}
	if len(update.Alternatives) > 0 {
		alts, err := json.Marshal(update.Alternatives)
		if err != nil {
			return apperrors.Internal("Failed to encode alternatives", err)
		}
		entry.Alternatives = datatypes.JSON(alts)
	}

	if err := l.appendProgress(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicateProgress) {
			return apperrors.New(apperrors.KindConcurrency, apperrors.CodeDuplicateProgress,
				fmt.Sprintf("Progress for row %d already recorded", update.Row), err)
		}
		return apperrors.Internal("Failed to record progress", err)
	}

	if tracked {
		l.mu.Lock()
		l.active[id] = next
		l.mu.Unlock()
	}
	return nil
}

// appendProgress retries transient store failures. A duplicate row is final.
func (l *Ledger) appendProgress(ctx context.Context, entry *models.ProgressEntry) error {
	ctx = context.WithoutCancel(ctx)
	attempts := l.cfg.ProgressAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			l.logger.Warn("progress write failed, retrying",
				zap.String("operation_id", entry.OperationID.String()),
				zap.Int("row", entry.RowIndex),
				zap.Int("attempt", i+1),
				zap.Error(err),
			)
			time.Sleep(time.Duration(i) * l.cfg.ProgressBackoff)
		}
		err = l.repo.AppendProgress(ctx, entry)
		if err == nil || errors.Is(err, repository.ErrDuplicateProgress) {
			return err
		}
	}
	return err
}

// Finalize derives the terminal status from the progress log and stores it.
func (l *Ledger) Finalize(ctx context.Context, id uuid.UUID) (string, error) {
	return l.finalize(ctx, id, false)
}

// FailOperation marks an operation failed after an unrecoverable pipeline fault.
func (l *Ledger) FailOperation(ctx context.Context, id uuid.UUID, cause error) error {
	l.logger.Error("operation failed", zap.String("operation_id", id.String()), zap.Error(cause))
	_, err := l.finalize(ctx, id, true)
	return err
}

func (l *Ledger) finalize(ctx context.Context, id uuid.UUID, fault bool) (string, error) {
	unlock := l.locks.Lock(id.String())
	defer unlock()

	op, err := l.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrOperationNotFound) {
			return "", notFound(id)
		}
		return "", apperrors.Internal("Failed to load operation", err)
	}
	entries, err := l.repo.ListProgress(ctx, id)
	if err != nil {
		return "", apperrors.Internal("Failed to load progress", err)
	}

	next, err := ReduceOperation(StateFromRecord(op, entries), Finalize{Fault: fault})
	if err != nil {
		return "", apperrors.New(apperrors.KindConcurrency, apperrors.CodeInvalidRequest, "Operation already finalized", err)
	}
	ok, err := l.repo.FinalizeStatus(ctx, id, next.Status, l.now().UTC())
	if err != nil {
		return "", apperrors.Internal("Failed to finalize operation", err)
	}
	if !ok {
		return "", apperrors.Concurrency(apperrors.CodeInvalidRequest, "Operation already finalized")
	}

	l.mu.Lock()
	delete(l.active, id)
	l.mu.Unlock()
	return next.Status, nil
}

// CompensateFault reverses the cart changes of a run that is about to be failed: the recorded
// successful rows and the rows whose progress entry was never written. A failed operation is
// not eligible for rollback, so nothing may stay in the cart on its behalf. It returns how
// many changes were reversed and one error per row that needs attention.
func (l *Ledger) CompensateFault(ctx context.Context, id uuid.UUID, userID string, cart providers.Cart, lost []models.ProgressUpdate) (int, []models.ItemError) {
	ctx = context.WithoutCancel(ctx)
	log := l.logger.With(zap.String("operation_id", id.String()))

	reverse := func(ref string) error {
		revCtx, cancel := context.WithTimeout(ctx, l.cfg.ReversalTimeout)
		defer cancel()
		return cart.Reverse(revCtx, userID, ref)
	}

	var errs []models.ItemError
	reversed := 0
	handled := make(map[string]bool)

	entries, err := l.repo.ListProgress(ctx, id)
	if err != nil {
		log.Error("failed to load progress for compensation", zap.Error(err))
		errs = append(errs, models.ItemError{Error: "progress log unavailable; recorded rows were not reversed"})
	}
	for _, e := range entries {
		if !e.Success || e.Reversed || e.Reference == "" {
			continue
		}
		handled[e.Reference] = true
		if err := reverse(e.Reference); err != nil {
			if rerr := l.repo.RecordReversalFailure(ctx, e.ID, err.Error()); rerr != nil {
				log.Error("failed to record reversal failure", zap.String("entry_id", e.ID.String()), zap.Error(rerr))
			}
			errs = append(errs, models.ItemError{Row: e.RowIndex, SKU: e.SKU, Reference: e.Reference, Error: "reversal failed: " + err.Error()})
			continue
		}
		if _, err := l.repo.MarkReversed(ctx, e.ID, l.now().UTC()); err != nil {
			log.Error("reversal not recorded", zap.String("entry_id", e.ID.String()), zap.Error(err))
		}
		reversed++
	}

	for _, u := range lost {
		item := models.ItemError{Row: u.Row, SKU: u.SKU, Reference: u.OrderID, Error: "progress not recorded"}
		if u.Success && u.OrderID != "" && !handled[u.OrderID] {
			handled[u.OrderID] = true
			if err := reverse(u.OrderID); err != nil {
				log.Error("unrecorded cart change could not be reversed",
					zap.Int("row", u.Row),
					zap.String("reference", u.OrderID),
					zap.Error(err),
				)
				item.Error = "progress not recorded; reversal failed: " + err.Error()
			} else {
				item.Error = "progress not recorded; cart change reversed"
				reversed++
			}
		}
		errs = append(errs, item)
	}
	return reversed, errs
}

// CheckRollbackEligibility is advisory. RollbackOperation decides on its own claim.
func (l *Ledger) CheckRollbackEligibility(ctx context.Context, id uuid.UUID) (models.RollbackEligibility, error) {
	op, err := l.repo.FindWithProgress(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrOperationNotFound) {
			return models.RollbackEligibility{}, notFound(id)
		}
		return models.RollbackEligibility{}, apperrors.Internal("Failed to load operation", err)
	}
	return Eligibility(StateFromRecord(op, op.Progress), l.now()), nil
}

// RollbackOperation reverses every successful, not yet reversed row. Only the caller that wins
// the rollback claim proceeds; everyone else gets a concurrency or ineligibility error.
func (l *Ledger) RollbackOperation(ctx context.Context, id uuid.UUID, actorID, reason string, cart providers.Cart) (models.BulkResult, error) {
	now := l.now().UTC()
	won, err := l.repo.ClaimRollback(ctx, id, actorID, reason, now)
	if err != nil {
		return models.BulkResult{}, apperrors.Internal("Failed to claim rollback", err)
	}
	if !won {
		return models.BulkResult{}, l.explainLostClaim(ctx, id, now)
	}

	// The claim is held from here on; a caller going away must not leave it dangling.
	ctx = context.WithoutCancel(ctx)

	op, err := l.repo.FindWithProgress(ctx, id)
	if err != nil {
		return models.BulkResult{}, apperrors.Internal("Failed to load operation", err)
	}

	state := StateFromRecord(op, op.Progress)
	state.RollbackStarted = false
	state, err = ReduceOperation(state, BeginRollback{At: now})
	if err != nil {
		if ferr := l.repo.FinishRollback(ctx, id, op.Status, l.now().UTC()); ferr != nil {
			l.logger.Error("failed to release rollback claim", zap.String("operation_id", id.String()), zap.Error(ferr))
		}
		return models.BulkResult{}, ineligible(Eligibility(StateFromRecord(op, op.Progress), now))
	}

	result := models.BulkResult{OperationID: id.String(), Errors: []models.ItemError{}}
	for _, entry := range op.Progress {
		if !entry.Success || entry.Reversed {
			continue
		}
		result.Processed++

		revCtx, cancel := context.WithTimeout(ctx, l.cfg.ReversalTimeout)
		revErr := cart.Reverse(revCtx, op.UserID, entry.Reference)
		cancel()

		if revErr == nil {
			marked, err := l.repo.MarkReversed(ctx, entry.ID, l.now().UTC())
			switch {
			case err != nil:
				revErr = fmt.Errorf("reversal not recorded: %w", err)
			case !marked:
				l.logger.Warn("progress entry already reversed", zap.String("entry_id", entry.ID.String()))
				continue
			}
		}

		if revErr != nil {
			if err := l.repo.RecordReversalFailure(ctx, entry.ID, revErr.Error()); err != nil {
				l.logger.Error("failed to record reversal failure", zap.String("entry_id", entry.ID.String()), zap.Error(err))
			}
			state, _ = ReduceOperation(state, RecordReversal{Row: entry.RowIndex, OK: false})
			result.Failed++
			result.Errors = append(result.Errors, models.ItemError{Row: entry.RowIndex, SKU: entry.SKU, Error: revErr.Error()})
			continue
		}

		state, err = ReduceOperation(state, RecordReversal{Row: entry.RowIndex, OK: true})
		if err != nil {
			l.logger.Warn("unexpected reversal transition", zap.Int("row", entry.RowIndex), zap.Error(err))
		}
		result.Reversed++
		result.Succeeded++
	}

	state, err = ReduceOperation(state, CompleteRollback{})
	if err != nil {
		return result, apperrors.Internal("Failed to complete rollback", err)
	}
	if err := l.repo.FinishRollback(ctx, id, state.Status, l.now().UTC()); err != nil {
		return result, apperrors.Internal("Failed to record rollback outcome", err)
	}

	result.Status = state.Status
	result.Success = result.Failed == 0
	l.logger.Info("rollback finished",
		zap.String("operation_id", id.String()),
		zap.String("actor", actorID),
		zap.String("status", state.Status),
		zap.Int("reversed", result.Reversed),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (l *Ledger) explainLostClaim(ctx context.Context, id uuid.UUID, now time.Time) error {
	op, err := l.repo.FindWithProgress(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrOperationNotFound) {
			return notFound(id)
		}
		return apperrors.Internal("Failed to load operation", err)
	}
	state := StateFromRecord(op, op.Progress)
	if state.RollbackStarted {
		return apperrors.Concurrency(apperrors.CodeRollbackInProgress, "A rollback of this operation is already in progress").
			WithDetail("deadline", op.RollbackDeadline.UTC().Format(time.RFC3339))
	}
	e := Eligibility(state, now)
	if e.Eligible {
		// The record changed between the claim and this read.
		return apperrors.Concurrency(apperrors.CodeRollbackInProgress, "Operation changed during rollback, retry")
	}
	return ineligible(e)
}

// GetOperation returns an operation with its progress log.
func (l *Ledger) GetOperation(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	op, err := l.repo.FindWithProgress(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrOperationNotFound) {
			return nil, notFound(id)
		}
		return nil, apperrors.Internal("Failed to load operation", err)
	}
	return op, nil
}

// ListOperations pages through a user's operations, newest first.
func (l *Ledger) ListOperations(ctx context.Context, userID string, page, limit int) ([]models.Operation, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	ops, total, err := l.repo.ListByUser(ctx, userID, page, limit)
	if err != nil {
		return nil, 0, apperrors.Internal("Failed to list operations", err)
	}
	return ops, total, nil
}

package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "bulk-order-service/errors"
	"bulk-order-service/models"
	aws_pkg "bulk-order-service/pkg/aws"
	"bulk-order-service/providers"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const MaxRollbackReasonLength = 500

type OperationListResponse struct {
	Operations []models.Operation `json:"operations"`
	Meta       MetaData           `json:"meta"`
}

type MetaData struct {
	Page            int   `json:"page"`
	Limit           int   `json:"limit"`
	TotalOperations int64 `json:"total_operations"`
	TotalPages      int64 `json:"total_pages"`
	HasMore         bool  `json:"has_more"`
}

// BulkOrderService drives an upload from validation to a finalized operation, and serves
// rollback and history.
type BulkOrderService struct {
	guard     *IngressGuard
	pipeline  *Pipeline
	ledger    *Ledger
	processor *BulkProcessor
	commerce  providers.Commerce
	audit     AuditRecorder
	metrics   *aws_pkg.MetricsClient
	logger    *zap.Logger
}

func NewBulkOrderService(guard *IngressGuard, pipeline *Pipeline, ledger *Ledger, processor *BulkProcessor, commerce providers.Commerce, audit AuditRecorder, metrics *aws_pkg.MetricsClient, logger *zap.Logger) *BulkOrderService {
	return &BulkOrderService{
		guard:     guard,
		pipeline:  pipeline,
		ledger:    ledger,
		processor: processor,
		commerce:  commerce,
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
	}
}

func (s *BulkOrderService) emit(ctx context.Context, data ...aws_pkg.Datum) {
	if !s.metrics.IsEnabled() {
		return
	}
	go func() {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.metrics.Put(mctx, data...); err != nil {
			s.logger.Debug("failed to record metrics", zap.Int("count", len(data)), zap.Error(err))
		}
	}()
}

// Admit runs the ingress guard for a caller before anything of the upload is read.
func (s *BulkOrderService) Admit(ctx context.Context, user *models.UserContext, clientIP string) (*Admission, error) {
	key := ClientKey(user, clientIP)
	if err := s.guard.Admit(ctx, key, user, clientIP); err != nil {
		s.emit(ctx, aws_pkg.Count(aws_pkg.MetricBulkRejected, 1, map[string]string{"Stage": StageIngress, "Code": err.Code}))
		return nil, err
	}
	return &Admission{user: user, clientKey: key}, nil
}

// Submit validates req for an admitted caller and, when every stage passes, creates its
// operation. Nothing is persisted for a rejected upload.
func (s *BulkOrderService) Submit(ctx context.Context, adm *Admission, req *models.BulkOrderRequest) (*Submission, uuid.UUID, error) {
	if adm == nil || adm.user == nil {
		return nil, uuid.Nil, apperrors.Authentication(apperrors.CodeUnauthenticated, "Authentication required")
	}
	s.emit(ctx, aws_pkg.Count(aws_pkg.MetricBulkUploads, 1, nil))

	req.UserID, req.AccountID = adm.user.UserID, adm.user.AccountID
	sub := &Submission{Request: req, User: adm.user, ClientKey: adm.clientKey}
	if v := s.pipeline.Run(ctx, sub); !v.Passed() {
		s.emit(ctx, aws_pkg.Count(aws_pkg.MetricBulkRejected, 1, map[string]string{"Stage": v.Stage, "Code": v.Err.Code}))
		return nil, uuid.Nil, v.Err
	}

	id, err := s.ledger.CreateOperation(ctx, req.UserID, req.AccountID, sub.Rows, sub.OrderValue, models.OperationMetadata{
		Filename:    req.Filename,
		ContentHash: req.ContentHash,
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
		Notes:       req.Notes,
	})
	if err != nil {
		return nil, uuid.Nil, err
	}

	s.audit.Record(ctx, models.AuditEvent{
		Action:    models.AuditOperationCreated,
		Actor:     req.UserID,
		AccountID: req.AccountID,
		Resource:  fmt.Sprintf(models.AuditResourceOperationFmt, id),
		Outcome:   models.AuditOutcomeSuccess,
		Severity:  models.SeverityLow,
		ClientIP:  req.ClientIP,
		Details: map[string]interface{}{
			"rows":         len(sub.Rows),
			"items":        sub.ItemCount,
			"order_value":  sub.OrderValue.StringFixed(CurrencyPlaces),
			"filename":     req.Filename,
			"content_hash": req.ContentHash,
		},
	})
	s.emit(ctx, aws_pkg.Count(aws_pkg.MetricBulkOperations, 1, nil))
	return sub, id, nil
}

// Execute processes a submitted batch to completion and finalizes its operation. It ignores
// cancellation of ctx so a disconnected caller never stops the run.
func (s *BulkOrderService) Execute(ctx context.Context, id uuid.UUID, sub *Submission, stream *ProgressStream) models.BulkResult {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	log := s.logger.With(zap.String("operation_id", id.String()))

	var (
		result models.BulkResult
		lostMu sync.Mutex
		lost   []models.ProgressUpdate
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("bulk run aborted", zap.Any("panic", r))
			s.abort(ctx, id, sub, fmt.Errorf("panic: %v", r), lost, &result)
			stream.Error(id.String(), apperrors.CodeInternal, "Bulk run aborted")
		}
	}()

	result = s.processor.Process(ctx, sub.Request.UserID, sub.Rows, s.commerce, func(ctx context.Context, ev models.ProgressEvent) {
		update := models.ProgressUpdate{
			Row:          ev.Row,
			SKU:          ev.SKU,
			Quantity:     ev.Quantity,
			Success:      ev.Success(),
			Outcome:      ev.Status,
			OrderID:      ev.Reference,
			Error:        ev.Error,
			Alternatives: ev.Alternatives,
		}
		if err := s.ledger.UpdateProgress(ctx, id, update); err != nil {
			log.Error("progress not recorded",
				zap.Int("row", ev.Row),
				zap.String("reference", ev.Reference),
				zap.Error(err),
			)
			lostMu.Lock()
			lost = append(lost, update)
			lostMu.Unlock()
		}
		stream.Emit(ev)
	})
	result.OperationID = id.String()

	if len(lost) > 0 {
		s.abort(ctx, id, sub, fmt.Errorf("%d of %d progress entries could not be recorded", len(lost), len(sub.Rows)), lost, &result)
		stream.Complete(result)
		return result
	}

	status, err := s.ledger.Finalize(ctx, id)
	if err != nil {
		log.Error("failed to finalize operation", zap.Error(err))
		s.abort(ctx, id, sub, err, nil, &result)
		stream.Error(id.String(), apperrors.From(err).Code, "Operation could not be finalized")
		return result
	}
	result.Status = status

	s.recordOutcome(ctx, id, sub, status, result)
	s.emit(ctx,
		aws_pkg.Count(aws_pkg.MetricBulkRowsProcessed, float64(result.Processed), nil),
		aws_pkg.Count(aws_pkg.MetricBulkRowsFailed, float64(result.Failed+result.Unavailable), nil),
		aws_pkg.Duration(aws_pkg.MetricBulkDuration, time.Since(start), map[string]string{"Status": status}),
	)
	log.Info("bulk run finished",
		zap.String("status", status),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("unavailable", result.Unavailable),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	stream.Complete(result)
	return result
}

// abort fails an operation after an unrecoverable fault. The run's cart changes are reversed
// first because a failed operation cannot be rolled back afterwards.
func (s *BulkOrderService) abort(ctx context.Context, id uuid.UUID, sub *Submission, cause error, lost []models.ProgressUpdate, result *models.BulkResult) {
	reversed, errs := s.ledger.CompensateFault(ctx, id, sub.Request.UserID, s.commerce, lost)
	if err := s.ledger.FailOperation(ctx, id, cause); err != nil {
		s.logger.Error("failed to mark operation failed", zap.String("operation_id", id.String()), zap.Error(err))
	}
	result.OperationID = id.String()
	result.Status = models.OperationFailed
	result.Success = false
	result.Reversed = reversed
	result.Errors = append(result.Errors, errs...)
	s.recordOutcome(ctx, id, sub, models.OperationFailed, *result)
}

func (s *BulkOrderService) recordOutcome(ctx context.Context, id uuid.UUID, sub *Submission, status string, result models.BulkResult) {
	action, outcome, severity := models.AuditOperationCompleted, models.AuditOutcomeSuccess, models.SeverityLow
	switch status {
	case models.OperationPartial:
		outcome = models.AuditOutcomePartial
	case models.OperationFailed:
		action, outcome, severity = models.AuditOperationFailed, models.AuditOutcomeFailure, models.SeverityMedium
	}
	s.audit.Record(ctx, models.AuditEvent{
		Action:    action,
		Actor:     sub.Request.UserID,
		AccountID: sub.Request.AccountID,
		Resource:  fmt.Sprintf(models.AuditResourceOperationFmt, id),
		Outcome:   outcome,
		Severity:  severity,
		ClientIP:  sub.Request.ClientIP,
		Details: map[string]interface{}{
			"status":      status,
			"processed":   result.Processed,
			"succeeded":   result.Succeeded,
			"unavailable": result.Unavailable,
			"failed":      result.Failed,
		},
	})
}

// authorizeAccess lets the submitting user, or an admin of the same account, see an operation.
func authorizeAccess(user *models.UserContext, op *models.Operation) error {
	if user == nil || user.UserID == "" {
		return apperrors.Authentication(apperrors.CodeUnauthenticated, "Authentication required")
	}
	if op.UserID == user.UserID {
		return nil
	}
	if op.AccountID == user.AccountID && user.Role == "admin" {
		return nil
	}
	return apperrors.Authorization(apperrors.CodeForbiddenOperation, "Operation belongs to another user")
}

// Rollback reverses an operation on behalf of user.
func (s *BulkOrderService) Rollback(ctx context.Context, id uuid.UUID, user *models.UserContext, reason string, clientIP string) (models.BulkResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.BulkResult{}, apperrors.Validation(apperrors.CodeRollbackReasonNeeded, "A rollback reason is required")
	}
	if len(reason) > MaxRollbackReasonLength {
		return models.BulkResult{}, apperrors.Validation(apperrors.CodeInvalidRequest,
			fmt.Sprintf("Rollback reason must be at most %d characters", MaxRollbackReasonLength))
	}

	op, err := s.ledger.GetOperation(ctx, id)
	if err != nil {
		return models.BulkResult{}, err
	}
	if err := authorizeAccess(user, op); err != nil {
		return models.BulkResult{}, err
	}

	resource := fmt.Sprintf(models.AuditResourceOperationFmt, id)
	result, err := s.ledger.RollbackOperation(ctx, id, user.UserID, reason, s.commerce)
	if err != nil {
		appErr := apperrors.From(err)
		s.audit.Record(ctx, models.AuditEvent{
			Action:    models.AuditRollbackDenied,
			Actor:     user.UserID,
			AccountID: user.AccountID,
			Resource:  resource,
			Outcome:   models.AuditOutcomeDenied,
			Severity:  models.SeverityMedium,
			ClientIP:  clientIP,
			Details:   map[string]interface{}{"code": appErr.Code, "reason": reason, "details": appErr.Details},
		})
		return models.BulkResult{}, err
	}

	outcome := models.AuditOutcomeSuccess
	if !result.Success {
		outcome = models.AuditOutcomePartial
	}
	s.audit.Record(ctx, models.AuditEvent{
		Action:    models.AuditRollbackCompleted,
		Actor:     user.UserID,
		AccountID: user.AccountID,
		Resource:  resource,
		Outcome:   outcome,
		Severity:  models.SeverityMedium,
		ClientIP:  clientIP,
		Details: map[string]interface{}{
			"reason":   reason,
			"status":   result.Status,
			"reversed": result.Reversed,
			"failed":   result.Failed,
		},
	})
	data := []aws_pkg.Datum{aws_pkg.Count(aws_pkg.MetricBulkRollbacks, 1, map[string]string{"Status": result.Status})}
	if result.Failed > 0 {
		data = append(data, aws_pkg.Count(aws_pkg.MetricBulkReversalsFailed, float64(result.Failed), nil))
	}
	s.emit(ctx, data...)
	return result, nil
}

// GetOperation returns an operation with its progress log.
func (s *BulkOrderService) GetOperation(ctx context.Context, id uuid.UUID, user *models.UserContext) (*models.Operation, error) {
	op, err := s.ledger.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeAccess(user, op); err != nil {
		return nil, err
	}
	return op, nil
}

// RollbackEligibility reports whether the caller's operation can still be rolled back.
func (s *BulkOrderService) RollbackEligibility(ctx context.Context, id uuid.UUID, user *models.UserContext) (models.RollbackEligibility, error) {
	op, err := s.ledger.GetOperation(ctx, id)
	if err != nil {
		return models.RollbackEligibility{}, err
	}
	if err := authorizeAccess(user, op); err != nil {
		return models.RollbackEligibility{}, err
	}
	return s.ledger.CheckRollbackEligibility(ctx, id)
}

// ListOperations pages through the caller's operations.
func (s *BulkOrderService) ListOperations(ctx context.Context, user *models.UserContext, page, limit int) (*OperationListResponse, error) {
	if user == nil || user.UserID == "" {
		return nil, apperrors.Authentication(apperrors.CodeUnauthenticated, "Authentication required")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	ops, total, err := s.ledger.ListOperations(ctx, user.UserID, page, limit)
	if err != nil {
		return nil, err
	}
	totalPages := (total + int64(limit) - 1) / int64(limit)
	return &OperationListResponse{
		Operations: ops,
		Meta: MetaData{
			Page:            page,
			Limit:           limit,
			TotalOperations: total,
			TotalPages:      totalPages,
			HasMore:         int64(page) < totalPages,
		},
	}, nil
}

package services

import (
	"context"
	"fmt"

	apperrors "bulk-order-service/errors"
	"bulk-order-service/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Pipeline stage names, also used as the Stage of findings.
const (
	StageIngress       = "ingress"
	StageBasicScan     = "basic_scan"
	StageMalwareScan   = "malware_scan"
	StageParse         = "parse"
	StageAuthorization = "authorization"
)

// Submission carries an admitted upload through the validation stages. Later stages fill Rows,
// OrderValue, ItemCount and Decision.
type Submission struct {
	Request   *models.BulkOrderRequest
	User      *models.UserContext
	ClientKey string

	Rows       []models.ParsedRow
	OrderValue decimal.Decimal
	ItemCount  int
	Decision   models.AuthorizationDecision
}

// Verdict is the result of one stage: it passed, or it rejected with Err.
type Verdict struct {
	Stage string
	Err   *apperrors.Error
}

func (v Verdict) Passed() bool { return v.Err == nil }

func Pass() Verdict { return Verdict{} }

func Reject(err *apperrors.Error) Verdict { return Verdict{Err: err} }

// Stage is one independent validator.
type Stage interface {
	Name() string
	Run(ctx context.Context, sub *Submission) Verdict
}

// Pipeline runs stages left to right and stops at the first rejection.
type Pipeline struct {
	stages []Stage
	logger *zap.Logger
}

func NewPipeline(logger *zap.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, logger: logger}
}

func (p *Pipeline) Run(ctx context.Context, sub *Submission) Verdict {
	for _, stage := range p.stages {
		if err := ctx.Err(); err != nil {
			return Verdict{Stage: stage.Name(), Err: apperrors.Internal("request cancelled during validation", err)}
		}
		v := stage.Run(ctx, sub)
		if !v.Passed() {
			v.Stage = stage.Name()
			p.logger.Info("upload rejected",
				zap.String("stage", v.Stage),
				zap.String("code", v.Err.Code),
				zap.String("user_id", sub.Request.UserID),
				zap.Int("findings", len(v.Err.Findings)),
			)
			return v
		}
	}
	return Pass()
}

type basicScanStage struct{ scanner *ContentScanner }

// BasicScanStage runs the structural content scan.
func BasicScanStage(scanner *ContentScanner) Stage { return basicScanStage{scanner: scanner} }

func (basicScanStage) Name() string { return StageBasicScan }

func (s basicScanStage) Run(ctx context.Context, sub *Submission) Verdict {
	res := s.scanner.BasicScan(sub.Request)
	if res.Safe {
		return Pass()
	}
	s.scanner.Reject(ctx, sub.Request, res)
	return Reject(apperrors.Security(res.Code, "File failed content checks", res.Threats))
}

type malwareScanStage struct{ scanner *ContentScanner }

// MalwareScanStage runs the configured malware provider.
func MalwareScanStage(scanner *ContentScanner) Stage { return malwareScanStage{scanner: scanner} }

func (malwareScanStage) Name() string { return StageMalwareScan }

func (s malwareScanStage) Run(ctx context.Context, sub *Submission) Verdict {
	res := s.scanner.MalwareScan(ctx, sub.Request)
	if res.Safe {
		return Pass()
	}
	s.scanner.Reject(ctx, sub.Request, res)
	msg := "File failed malware scan"
	if res.Code == apperrors.CodeScanUnavailable {
		msg = "File could not be scanned"
	}
	return Reject(apperrors.Security(res.Code, msg, res.Threats).WithDetail("provider", res.Provider))
}

type parseStage struct {
	parser *SecureParser
	audit  AuditRecorder
	alerts AlertRaiser
}

// ParseStage parses the batch; any injection finding rejects the whole batch.
func ParseStage(parser *SecureParser, audit AuditRecorder, alerts AlertRaiser) Stage {
	return parseStage{parser: parser, audit: audit, alerts: alerts}
}

func (parseStage) Name() string { return StageParse }

func (s parseStage) Run(ctx context.Context, sub *Submission) Verdict {
	req := sub.Request
	result := s.parser.Parse(req.Content, req.Filename, req.UserID, req.AccountID)

	if len(result.SecurityThreats) > 0 {
		s.audit.Record(ctx, models.AuditEvent{
			Action:    models.AuditMaliciousPayload,
			Actor:     req.UserID,
			AccountID: req.AccountID,
			Resource:  models.AuditResourceBulkUpload,
			Outcome:   models.AuditOutcomeRejected,
			Severity:  models.SeverityCritical,
			ClientIP:  req.ClientIP,
			Details: map[string]interface{}{
				"filename":     req.Filename,
				"content_hash": req.ContentHash,
				"threats":      result.SecurityThreats,
			},
		})
		s.alerts.Raise(ctx, models.Alert{
			Category:  models.AlertMaliciousPayload,
			Severity:  models.SeverityCritical,
			Actor:     req.UserID,
			AccountID: req.AccountID,
			Summary:   fmt.Sprintf("%d injection findings in %q", len(result.SecurityThreats), req.Filename),
			Details:   map[string]interface{}{"content_hash": req.ContentHash, "threats": result.SecurityThreats},
		})
		return Reject(apperrors.Security(apperrors.CodeMaliciousPayload, "Batch contains malicious content and was rejected", result.SecurityThreats))
	}

	if !result.Success {
		s.audit.Record(ctx, models.AuditEvent{
			Action:    models.AuditParseRejected,
			Actor:     req.UserID,
			AccountID: req.AccountID,
			Resource:  models.AuditResourceBulkUpload,
			Outcome:   models.AuditOutcomeRejected,
			Severity:  models.SeverityLow,
			ClientIP:  req.ClientIP,
			Details:   map[string]interface{}{"filename": req.Filename, "errors": result.Errors},
		})
		return Reject(apperrors.Validation(apperrors.CodeParseFailed, "Batch failed validation").WithDetail("errors", result.Errors))
	}

	sub.Rows = result.Rows
	return Pass()
}

type authorizationStage struct {
	authz  *AuthorizationService
	audit  AuditRecorder
	alerts AlertRaiser
}

// AuthorizationStage re-authorizes against the computed order value and checks SKU policy.
func AuthorizationStage(authz *AuthorizationService, audit AuditRecorder, alerts AlertRaiser) Stage {
	return authorizationStage{authz: authz, audit: audit, alerts: alerts}
}

func (authorizationStage) Name() string { return StageAuthorization }

func (s authorizationStage) Run(ctx context.Context, sub *Submission) Verdict {
	req := sub.Request
	value, items := ComputeOrderValue(sub.Rows)

	decision, err := s.authz.Authorize(ctx, sub.User, models.AuthorizationRequest{
		Type:       models.AuthorizationTypeBulkOrder,
		OrderValue: value,
		ItemCount:  items,
		RowCount:   len(sub.Rows),
	})
	if err != nil {
		return Reject(apperrors.Internal("Authorization check failed", err))
	}
	if !decision.Allowed {
		s.audit.Record(ctx, models.AuditEvent{
			Action:    models.AuditAuthorizationDenied,
			Actor:     req.UserID,
			AccountID: req.AccountID,
			Resource:  models.AuditResourceBulkUpload,
			Outcome:   models.AuditOutcomeDenied,
			Severity:  models.SeverityMedium,
			ClientIP:  req.ClientIP,
			Details: map[string]interface{}{
				"code":      decision.Code,
				"reason":    decision.Reason,
				"limit":     decision.Limit,
				"requested": decision.Requested,
			},
		})
		appErr := apperrors.Authorization(decision.Code, decision.Reason)
		if decision.Limit != "" {
			appErr = appErr.WithDetail("limit", decision.Limit).WithDetail("requested", decision.Requested)
		}
		return Reject(appErr)
	}

	findings, err := s.authz.ValidateSKUPatterns(ctx, req.AccountID, sub.Rows)
	if err != nil {
		return Reject(apperrors.Internal("SKU policy check failed", err))
	}
	if len(findings) > 0 {
		s.audit.Record(ctx, models.AuditEvent{
			Action:    models.AuditSKUPolicyViolation,
			Actor:     req.UserID,
			AccountID: req.AccountID,
			Resource:  models.AuditResourceBulkUpload,
			Outcome:   models.AuditOutcomeDenied,
			Severity:  models.SeverityHigh,
			ClientIP:  req.ClientIP,
			Details:   map[string]interface{}{"findings": findings},
		})
		s.alerts.Raise(ctx, models.Alert{
			Category:  models.AlertSKUPolicy,
			Severity:  models.SeverityHigh,
			Actor:     req.UserID,
			AccountID: req.AccountID,
			Summary:   fmt.Sprintf("%d SKUs outside account policy", len(findings)),
			Details:   map[string]interface{}{"findings": findings},
		})
		return Reject(apperrors.New(apperrors.KindAuthorization, apperrors.CodeSKUPolicyViolation,
			"Batch contains SKUs this account may not order", nil).WithFindings(findings))
	}

	sub.OrderValue = value
	sub.ItemCount = items
	sub.Decision = decision
	return Pass()
}

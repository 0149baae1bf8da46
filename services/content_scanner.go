package services

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	apperrors "bulk-order-service/errors"
	"bulk-order-service/models"
	aws_pkg "bulk-order-service/pkg/aws"
	"bulk-order-service/providers"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// ScannerConfig bounds what the basic scan accepts.
type ScannerConfig struct {
	MaxFileSize       int64
	AllowedExtensions []string
	AllowedMIMETypes  []string
	ScanTimeout       time.Duration
}

func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		MaxFileSize:       5 << 20,
		AllowedExtensions: []string{".csv", ".txt", ".xlsx"},
		AllowedMIMETypes: []string{
			"text/csv",
			"text/plain",
			"application/csv",
			"application/vnd.ms-excel",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"application/octet-stream",
		},
		ScanTimeout: 30 * time.Second,
	}
}

// ScanResult is the outcome of one scan stage.
type ScanResult struct {
	Safe     bool
	Stage    string
	Code     string
	Provider string
	Threats  []models.SecurityFinding
}

type bytePattern struct {
	name   string
	prefix bool
	data   []byte
}

// dangerousPatterns are rejected anywhere in text uploads (prefix ones only at offset 0).
var dangerousPatterns = []bytePattern{
	{name: "Windows executable (MZ header)", prefix: true, data: []byte("MZ\x90\x00")},
	{name: "ELF executable", prefix: true, data: []byte("\x7fELF")},
	{name: "Mach-O executable", prefix: true, data: []byte("\xcf\xfa\xed\xfe")},
	{name: "Mach-O executable", prefix: true, data: []byte("\xfe\xed\xfa\xce")},
	{name: "shell script", prefix: true, data: []byte("#!")},
	{name: "PDF document", prefix: true, data: []byte("%PDF")},
	{name: "embedded HTML script", data: []byte("<script")},
	{name: "embedded PHP", data: []byte("<?php")},
	{name: "EICAR test signature", data: []byte("EICAR-STANDARD-ANTIVIRUS-TEST-FILE")},
}

var zipMagic = []byte("PK\x03\x04")

// ContentScanner runs the structural scan and then the malware scan. Rejected payloads are
// quarantined when an object store is configured.
type ContentScanner struct {
	cfg        ScannerConfig
	malware    providers.MalwareScanner
	quarantine aws_pkg.ObjectStore
	alerts     AlertRaiser
	audit      AuditRecorder
	logger     *zap.Logger
}

func NewContentScanner(cfg ScannerConfig, malware providers.MalwareScanner, quarantine aws_pkg.ObjectStore, alerts AlertRaiser, audit AuditRecorder, logger *zap.Logger) *ContentScanner {
	return &ContentScanner{
		cfg:        cfg,
		malware:    malware,
		quarantine: quarantine,
		alerts:     alerts,
		audit:      audit,
		logger:     logger,
	}
}

func structuralFinding(category models.FindingCategory, desc string, sev models.Severity) models.SecurityFinding {
	return models.SecurityFinding{
		Category:    category,
		Severity:    sev,
		Description: desc,
		Stage:       StageBasicScan,
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// BasicScan checks extension, declared and sniffed MIME type, size and byte patterns.
func (s *ContentScanner) BasicScan(req *models.BulkOrderRequest) ScanResult {
	var threats []models.SecurityFinding
	// reject is for upload rules: name, size and type. Executable or embedded content is malware.
	reject := func(desc string, sev models.Severity) {
		threats = append(threats, structuralFinding(models.FindingPolicy, desc, sev))
	}
	malware := func(desc string, sev models.Severity) {
		threats = append(threats, structuralFinding(models.FindingMalware, desc, sev))
	}

	ext := strings.ToLower(filepath.Ext(req.Filename))
	if !contains(s.cfg.AllowedExtensions, ext) {
		reject(fmt.Sprintf("file extension %q is not allowed", ext), models.SeverityMedium)
	}
	if base := strings.ToLower(strings.TrimSuffix(filepath.Base(req.Filename), ext)); strings.Contains(base, ".") {
		for _, bad := range []string{".exe", ".js", ".bat", ".cmd", ".sh", ".ps1", ".vbs", ".scr"} {
			if strings.HasSuffix(base, bad) {
				reject("double extension in filename", models.SeverityHigh)
				break
			}
		}
	}

	size := int64(len(req.Content))
	if size == 0 {
		reject("file is empty", models.SeverityLow)
	}
	if size > s.cfg.MaxFileSize {
		reject(fmt.Sprintf("file size %d exceeds limit of %d bytes", size, s.cfg.MaxFileSize), models.SeverityMedium)
	}

	declared := strings.ToLower(strings.TrimSpace(strings.Split(req.ContentType, ";")[0]))
	if declared != "" && !contains(s.cfg.AllowedMIMETypes, declared) {
		reject(fmt.Sprintf("content type %q is not allowed", declared), models.SeverityMedium)
	}

	if size > 0 {
		sniffed := mimetype.Detect(req.Content)
		isXLSX := ext == ".xlsx"
		switch {
		case isXLSX && !sniffed.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet") && !sniffed.Is("application/zip"):
			reject(fmt.Sprintf("content sniffed as %s does not match .xlsx", sniffed.String()), models.SeverityHigh)
		case !isXLSX && !sniffed.Is("text/plain") && !sniffed.Is("text/csv"):
			reject(fmt.Sprintf("content sniffed as %s is not text", sniffed.String()), models.SeverityHigh)
		}

		if !isXLSX {
			if bytes.HasPrefix(req.Content, zipMagic) {
				malware("archive content in a text upload", models.SeverityHigh)
			}
			if bytes.IndexByte(req.Content, 0) >= 0 {
				malware("NUL bytes in a text upload", models.SeverityHigh)
			}
		}

		lower := bytes.ToLower(req.Content)
		for _, p := range dangerousPatterns {
			if p.prefix {
				if !isXLSX && bytes.HasPrefix(req.Content, p.data) {
					malware("dangerous content: "+p.name, models.SeverityHigh)
				}
				continue
			}
			if bytes.Contains(lower, bytes.ToLower(p.data)) {
				malware("dangerous content: "+p.name, models.SeverityHigh)
			}
		}
	}

	if len(threats) > 0 {
		return ScanResult{Safe: false, Stage: StageBasicScan, Code: apperrors.CodeFileRejected, Threats: threats}
	}
	return ScanResult{Safe: true, Stage: StageBasicScan}
}

// MalwareScan delegates to the configured provider. A provider failure is a rejection.
func (s *ContentScanner) MalwareScan(ctx context.Context, req *models.BulkOrderRequest) ScanResult {
	if s.malware == nil {
		return ScanResult{
			Safe:    false,
			Stage:   StageMalwareScan,
			Code:    apperrors.CodeScanUnavailable,
			Threats: []models.SecurityFinding{{Category: models.FindingMalware, Severity: models.SeverityHigh, Description: "no malware scanner configured", Stage: StageMalwareScan}},
		}
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	verdict, err := s.malware.Scan(scanCtx, req.Filename, req.Content)
	if err != nil {
		s.logger.Error("malware scan failed", zap.String("provider", s.malware.Name()), zap.Error(err))
		return ScanResult{
			Safe:     false,
			Stage:    StageMalwareScan,
			Code:     apperrors.CodeScanUnavailable,
			Provider: s.malware.Name(),
			Threats: []models.SecurityFinding{{
				Category:    models.FindingMalware,
				Severity:    models.SeverityHigh,
				Description: "malware scan could not be completed",
				Stage:       StageMalwareScan,
			}},
		}
	}
	if !verdict.Clean {
		return ScanResult{
			Safe:     false,
			Stage:    StageMalwareScan,
			Code:     apperrors.CodeMalwareDetected,
			Provider: verdict.Provider,
			Threats: []models.SecurityFinding{{
				Category:    models.FindingMalware,
				Severity:    models.SeverityCritical,
				Description: fmt.Sprintf("malware detected by %s: %s", verdict.Provider, verdict.Signature),
				Stage:       StageMalwareScan,
			}},
		}
	}
	return ScanResult{Safe: true, Stage: StageMalwareScan, Provider: verdict.Provider}
}

// Reject records, alerts and quarantines a failed scan. It never fails.
func (s *ContentScanner) Reject(ctx context.Context, req *models.BulkOrderRequest, res ScanResult) {
	action := models.AuditContentRejected
	category := models.AlertStructuralContent
	severity := models.SeverityMedium
	if res.Stage == StageMalwareScan {
		action = models.AuditMalwareDetected
		category = models.AlertMalwareDetected
		severity = models.SeverityHigh
	}

	s.audit.Record(ctx, models.AuditEvent{
		Action:    action,
		Actor:     req.UserID,
		AccountID: req.AccountID,
		Resource:  models.AuditResourceBulkUpload,
		Outcome:   models.AuditOutcomeRejected,
		Severity:  severity,
		ClientIP:  req.ClientIP,
		Details: map[string]interface{}{
			"filename":     req.Filename,
			"content_hash": req.ContentHash,
			"stage":        res.Stage,
			"code":         res.Code,
			"provider":     res.Provider,
			"threats":      res.Threats,
		},
	})

	// An unavailable scanner is an operational problem, not an attack.
	if res.Code != apperrors.CodeScanUnavailable {
		s.alerts.Raise(ctx, models.Alert{
			Category:  category,
			Severity:  severity,
			Actor:     req.UserID,
			AccountID: req.AccountID,
			Summary:   fmt.Sprintf("upload %q rejected at %s", req.Filename, res.Stage),
			Details:   map[string]interface{}{"content_hash": req.ContentHash, "threats": res.Threats},
		})
	}

	s.quarantineContent(ctx, req, res)
}

func (s *ContentScanner) quarantineContent(ctx context.Context, req *models.BulkOrderRequest, res ScanResult) {
	if s.quarantine == nil || len(req.Content) == 0 || res.Code == apperrors.CodeScanUnavailable {
		return
	}
	key := fmt.Sprintf("quarantine/%s/%s", req.AccountID, req.ContentHash)
	meta := map[string]string{
		"user-id":  req.UserID,
		"filename": req.Filename,
		"stage":    res.Stage,
		"code":     res.Code,
	}
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.quarantine.PutObject(putCtx, key, req.Content, "application/octet-stream", meta); err != nil {
		s.logger.Error("failed to quarantine rejected upload", zap.String("key", key), zap.Error(err))
		return
	}
	s.logger.Info("rejected upload quarantined", zap.String("key", key))
}

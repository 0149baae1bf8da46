package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	apperrors "bulk-order-service/errors"
	"bulk-order-service/models"
	aws_pkg "bulk-order-service/pkg/aws"
	"bulk-order-service/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type storedObject struct {
	key  string
	body []byte
	meta map[string]string
}

type fakeStore struct {
	mu      sync.Mutex
	objects []storedObject
}

func (f *fakeStore) PutObject(_ context.Context, key string, body []byte, _ string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = append(f.objects, storedObject{key, body, metadata})
	return nil
}

type stubScanner struct {
	verdict providers.ScanVerdict
	err     error
}

func (s stubScanner) Name() string { return "stub" }

func (s stubScanner) Scan(context.Context, string, []byte) (providers.ScanVerdict, error) {
	return s.verdict, s.err
}

func csvRequest(content string) *models.BulkOrderRequest {
	return &models.BulkOrderRequest{
		Content:     []byte(content),
		UserID:      "user-1",
		AccountID:   "acct-1",
		Filename:    "order.csv",
		ContentType: "text/csv",
		ContentHash: "hash",
		ClientIP:    "10.0.0.1",
	}
}

func newTestScanner(malware providers.MalwareScanner, store *fakeStore) (*ContentScanner, *recordingAudit, *recordingAlerts) {
	audit, alerts := &recordingAudit{}, &recordingAlerts{}
	var quarantine aws_pkg.ObjectStore
	if store != nil {
		quarantine = store
	}
	return NewContentScanner(DefaultScannerConfig(), malware, quarantine, alerts, audit, zap.NewNop()), audit, alerts
}

func TestBasicScan_AcceptsPlainCSV(t *testing.T) {
	s, _, _ := newTestScanner(nil, nil)
	res := s.BasicScan(csvRequest("sku,quantity\nA1,5\nB2,3\n"))
	assert.True(t, res.Safe, "%v", res.Threats)
}

func TestBasicScan_AcceptsXLSX(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue(f.GetSheetName(0), "A1", "sku"))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	req := csvRequest("")
	req.Content = buf.Bytes()
	req.Filename = "order.xlsx"
	req.ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	s, _, _ := newTestScanner(nil, nil)
	res := s.BasicScan(req)
	assert.True(t, res.Safe, "%v", res.Threats)
}

func TestBasicScan_Rejections(t *testing.T) {
	policy, malware := models.FindingPolicy, models.FindingMalware
	tests := []struct {
		name     string
		mutate   func(*models.BulkOrderRequest)
		category models.FindingCategory
	}{
		{"executable extension", func(r *models.BulkOrderRequest) { r.Filename = "order.exe" }, policy},
		{"double extension", func(r *models.BulkOrderRequest) { r.Filename = "order.exe.csv" }, policy},
		{"empty", func(r *models.BulkOrderRequest) { r.Content = nil }, policy},
		{"declared type", func(r *models.BulkOrderRequest) { r.ContentType = "application/x-msdownload" }, policy},
		{"MZ header", func(r *models.BulkOrderRequest) { r.Content = []byte("MZ\x90\x00\x03\x00\x00\x00") }, malware},
		{"ELF", func(r *models.BulkOrderRequest) { r.Content = []byte("\x7fELF\x02\x01\x01") }, malware},
		{"shebang", func(r *models.BulkOrderRequest) { r.Content = []byte("#!/bin/sh\nrm -rf /\n") }, malware},
		{"zip in csv", func(r *models.BulkOrderRequest) { r.Content = []byte("PK\x03\x04rest") }, malware},
		{"script tag", func(r *models.BulkOrderRequest) { r.Content = []byte("sku,quantity\n<SCRIPT>x</SCRIPT>,1\n") }, malware},
		{"php", func(r *models.BulkOrderRequest) { r.Content = []byte("sku,quantity\n<?php system($_GET[c]); ?>,1\n") }, malware},
		{"text named xlsx", func(r *models.BulkOrderRequest) { r.Filename = "order.xlsx" }, policy},
		{"too large", func(r *models.BulkOrderRequest) { r.Content = make([]byte, 5<<20+1) }, policy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := csvRequest("sku,quantity\nA1,5\n")
			tt.mutate(req)
			s, _, _ := newTestScanner(nil, nil)
			res := s.BasicScan(req)
			assert.False(t, res.Safe)
			assert.Equal(t, apperrors.CodeFileRejected, res.Code)
			require.NotEmpty(t, res.Threats)
			assert.Equal(t, StageBasicScan, res.Threats[0].Stage)

			var categories []models.FindingCategory
			for _, th := range res.Threats {
				categories = append(categories, th.Category)
			}
			assert.Contains(t, categories, tt.category)
		})
	}
}

func TestBasicScan_PolicyFindingsAreNotMalware(t *testing.T) {
	req := csvRequest("sku,quantity\nA1,5\n")
	req.Filename = "order.json"
	s, _, _ := newTestScanner(nil, nil)
	res := s.BasicScan(req)
	require.Len(t, res.Threats, 1)
	assert.Equal(t, models.FindingPolicy, res.Threats[0].Category)
}

func TestMalwareScan_SignatureProvider(t *testing.T) {
	s, _, _ := newTestScanner(providers.NewSignatureScanner(nil, nil), nil)

	clean := s.MalwareScan(context.Background(), csvRequest("sku,quantity\nA1,5\n"))
	assert.True(t, clean.Safe)
	assert.Equal(t, "signature", clean.Provider)

	dirty := s.MalwareScan(context.Background(), csvRequest("sku,quantity\nA1,5\nWScript.Shell,1\n"))
	assert.False(t, dirty.Safe)
	assert.Equal(t, apperrors.CodeMalwareDetected, dirty.Code)
	assert.Contains(t, dirty.Threats[0].Description, "Script.WScript.Shell")
}

func TestMalwareScan_ProviderFailureIsUnsafe(t *testing.T) {
	s, _, _ := newTestScanner(stubScanner{err: errors.New("connection refused")}, nil)
	res := s.MalwareScan(context.Background(), csvRequest("sku,quantity\nA1,5\n"))
	assert.False(t, res.Safe)
	assert.Equal(t, apperrors.CodeScanUnavailable, res.Code)
}

func TestMalwareScan_NoProviderIsUnsafe(t *testing.T) {
	s, _, _ := newTestScanner(nil, nil)
	res := s.MalwareScan(context.Background(), csvRequest("sku,quantity\nA1,5\n"))
	assert.False(t, res.Safe)
	assert.Equal(t, apperrors.CodeScanUnavailable, res.Code)
}

func TestReject_AuditsAlertsAndQuarantines(t *testing.T) {
	store := &fakeStore{}
	s, audit, alerts := newTestScanner(stubScanner{verdict: providers.ScanVerdict{Clean: false, Provider: "stub", Signature: "Trojan.X"}}, store)
	req := csvRequest("sku,quantity\nA1,5\n")

	res := s.MalwareScan(context.Background(), req)
	s.Reject(context.Background(), req, res)

	assert.Equal(t, []string{models.AuditMalwareDetected}, audit.actions())
	assert.Len(t, alerts.byCategory(models.AlertMalwareDetected), 1)
	require.Len(t, store.objects, 1)
	assert.Equal(t, "quarantine/acct-1/hash", store.objects[0].key)
	assert.Equal(t, apperrors.CodeMalwareDetected, store.objects[0].meta["code"])
}

func TestReject_UnavailableScannerDoesNotAlert(t *testing.T) {
	store := &fakeStore{}
	s, audit, alerts := newTestScanner(stubScanner{err: errors.New("timeout")}, store)
	req := csvRequest("sku,quantity\nA1,5\n")

	s.Reject(context.Background(), req, s.MalwareScan(context.Background(), req))

	assert.Len(t, audit.actions(), 1)
	assert.Empty(t, alerts.alerts)
	assert.Empty(t, store.objects)
}

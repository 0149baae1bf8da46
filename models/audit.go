package models

import "time"

// Audit actions.
const (
	AuditIngressDenied        = "ingress.denied"
	AuditContentRejected      = "content.rejected"
	AuditMalwareDetected      = "content.malware_detected"
	AuditParseRejected        = "parse.rejected"
	AuditMaliciousPayload     = "parse.malicious_payload"
	AuditAuthorizationDenied  = "authorization.denied"
	AuditSKUPolicyViolation   = "authorization.sku_policy_violation"
	AuditOperationCreated     = "operation.created"
	AuditOperationCompleted   = "operation.completed"
	AuditOperationFailed      = "operation.failed"
	AuditRollbackDenied       = "rollback.denied"
	AuditRollbackCompleted    = "rollback.completed"
	AuditRateLimitAbuse       = "ingress.rate_limit_abuse"
	AuditOutcomeDenied        = "denied"
	AuditOutcomeRejected      = "rejected"
	AuditOutcomeSuccess       = "success"
	AuditOutcomePartial       = "partial"
	AuditOutcomeFailure       = "failure"
	AuditResourceBulkUpload   = "bulk_upload"
	AuditResourceOperationFmt = "bulk_operation:%s"
)

// AuditEvent is one entry of the structured audit trail. Append-only.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	AccountID string                 `json:"account_id,omitempty"`
	Resource  string                 `json:"resource"`
	Outcome   string                 `json:"outcome"`
	Severity  Severity               `json:"severity"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Alert categories routed to the external alert channel.
const (
	AlertMaliciousPayload  = "malicious payload detected"
	AlertMalwareDetected   = "malware detected"
	AlertSKUPolicy         = "policy-violating SKU patterns"
	AlertRateLimitAbuse    = "repeated rate-limit abuse"
	AlertStructuralContent = "suspicious file structure"
)

// Alert is a high-signal notification for on-call.
type Alert struct {
	Category  string                 `json:"category"`
	Severity  Severity               `json:"severity"`
	Actor     string                 `json:"actor,omitempty"`
	AccountID string                 `json:"account_id,omitempty"`
	Summary   string                 `json:"summary"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RaisedAt  time.Time              `json:"raised_at"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserContext is the authenticated caller as extracted from the access token.
type UserContext struct {
	UserID      string   `json:"user_id"`
	AccountID   string   `json:"account_id"`
	AccountType string   `json:"account_type"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// IsB2B reports whether the caller authenticated as a business buyer.
func (u *UserContext) IsB2B() bool {
	return u != nil && u.AccountType == AccountTypeB2B
}

// HasPermission reports whether the caller holds perm.
func (u *UserContext) HasPermission(perm string) bool {
	if u == nil {
		return false
	}
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

const (
	AccountTypeB2B       = "b2b"
	PermissionBulkOrders = "bulk_orders"
)

// BulkOrderRequest is the raw upload as received. It is never mutated after receipt.
type BulkOrderRequest struct {
	Content     []byte
	UserID      string
	AccountID   string
	Filename    string
	ContentType string
	ContentHash string
	ClientIP    string
	UserAgent   string
	Notes       string
	SubmittedAt time.Time
}

// RowStatus is the per-row validation status assigned by the parser.
type RowStatus string

const (
	RowValid   RowStatus = "valid"
	RowInvalid RowStatus = "invalid"
	RowThreat  RowStatus = "threat"
)

// ParsedRow is one validated line item of a batch.
type ParsedRow struct {
	Index     int              `json:"row"`
	SKU       string           `json:"sku"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Status    RowStatus        `json:"status"`
	Errors    []string         `json:"errors,omitempty"`
}

// LineValue returns quantity × unit price, or zero when the row carries no price.
func (r ParsedRow) LineValue() decimal.Decimal {
	if r.UnitPrice == nil {
		return decimal.Zero
	}
	return r.UnitPrice.Mul(decimal.NewFromInt(int64(r.Quantity)))
}

// FindingCategory classifies a security finding.
type FindingCategory string

const (
	FindingMalware   FindingCategory = "malware"
	FindingInjection FindingCategory = "injection"
	FindingPolicy    FindingCategory = "policy"
)

// Severity of findings, audit events and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityFinding is a discrete concern raised by a pipeline stage.
type SecurityFinding struct {
	Category    FindingCategory `json:"category"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	Stage       string          `json:"stage"`
	Row         int             `json:"row,omitempty"`
	Column      string          `json:"column,omitempty"`
}

// AuthorizationRequest is the value-based question put to the policy.
type AuthorizationRequest struct {
	Type       string
	OrderValue decimal.Decimal
	ItemCount  int
	RowCount   int
}

const AuthorizationTypeBulkOrder = "bulk_order"

// AuthorizationDecision is the transient answer to an AuthorizationRequest.
type AuthorizationDecision struct {
	Allowed   bool   `json:"allowed"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Limit     string `json:"limit,omitempty"`
	Requested string `json:"requested,omitempty"`
}

// Availability is what the catalog reports for a SKU.
type Availability struct {
	SKU       string          `json:"sku"`
	ProductID string          `json:"product_id"`
	Available bool            `json:"available"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Name      string          `json:"name"`
}

// AlternativeProduct is a substitute suggested for an unavailable SKU.
type AlternativeProduct struct {
	SKU       string          `json:"sku"`
	ProductID string          `json:"product_id,omitempty"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Available int             `json:"available"`
}

// CartLine is a single cart mutation.
type CartLine struct {
	SKU       string `json:"sku"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// ItemOutcome is the terminal outcome of a row.
type ItemOutcome string

const (
	OutcomeAdded       ItemOutcome = "added"
	OutcomeUnavailable ItemOutcome = "unavailable"
	OutcomeFailed      ItemOutcome = "failed"
)

// ProgressEvent is pushed to the caller for every processed row.
type ProgressEvent struct {
	Row          int                  `json:"row"`
	SKU          string               `json:"sku"`
	Quantity     int                  `json:"quantity"`
	Status       ItemOutcome          `json:"status"`
	Reference    string               `json:"reference,omitempty"`
	Error        string               `json:"error,omitempty"`
	Alternatives []AlternativeProduct `json:"alternatives,omitempty"`
}

// Success reports whether the row produced a cart mutation.
func (e ProgressEvent) Success() bool {
	return e.Status == OutcomeAdded
}

// ItemError is one itemized failure in a BulkResult.
type ItemError struct {
	Row       int    `json:"row,omitempty"`
	SKU       string `json:"sku"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error"`
}

// BulkResult summarises a forward run or a rollback.
type BulkResult struct {
	OperationID string      `json:"operation_id,omitempty"`
	Success     bool        `json:"success"`
	Processed   int         `json:"processed"`
	Succeeded   int         `json:"succeeded"`
	Unavailable int         `json:"unavailable"`
	Failed      int         `json:"failed"`
	Reversed    int         `json:"reversed"`
	Status      string      `json:"status,omitempty"`
	Errors      []ItemError `json:"errors"`
}

// StreamMessage is one NDJSON line on the progress stream.
type StreamMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	StreamProgress = "progress"
	StreamComplete = "complete"
	StreamError    = "error"
)

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OperationStatus constants.
const (
	OperationProcessing = "processing"
	OperationCompleted  = "completed"
	OperationPartial    = "partial"
	OperationFailed     = "failed"
	OperationRolledBack = "rolled_back"
)

// OperationMetadata describes where a batch came from.
type OperationMetadata struct {
	Filename    string `json:"filename"`
	ContentHash string `json:"content_hash"`
	ClientIP    string `json:"client_ip"`
	UserAgent   string `json:"user_agent"`
	Notes       string `json:"notes,omitempty"`
}

// SubmittedItem is one row as recorded in the ledger header.
type SubmittedItem struct {
	Row       int              `json:"row"`
	SKU       string           `json:"sku"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

// Operation is the ledger header row persisted in Postgres.
type Operation struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID            string          `gorm:"type:varchar(128);not null;index" json:"user_id"`
	AccountID         string          `gorm:"type:varchar(128);not null;index" json:"account_id"`
	Items             datatypes.JSON  `gorm:"type:jsonb;not null" json:"items"`
	TotalItems        int             `gorm:"not null" json:"total_items"`
	OrderValue        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"order_value"`
	Filename          string          `gorm:"type:varchar(255)" json:"filename"`
	ContentHash       string          `gorm:"type:varchar(64);index" json:"content_hash"`
	ClientIP          string          `gorm:"type:varchar(64)" json:"client_ip"`
	UserAgent         string          `gorm:"type:varchar(512)" json:"user_agent"`
	Notes             string          `gorm:"type:text" json:"notes,omitempty"`
	Status            string          `gorm:"type:varchar(20);not null;default:'processing';index" json:"status"`
	CreatedAt         time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	RollbackDeadline  time.Time       `gorm:"not null" json:"rollback_deadline"`
	RollbackStartedAt *time.Time      `json:"rollback_started_at,omitempty"`
	RolledBackAt      *time.Time      `json:"rolled_back_at,omitempty"`
	RollbackActor     string          `gorm:"type:varchar(128)" json:"rollback_actor,omitempty"`
	RollbackReason    string          `gorm:"type:text" json:"rollback_reason,omitempty"`
	Progress          []ProgressEntry `gorm:"foreignKey:OperationID;constraint:OnDelete:RESTRICT" json:"progress,omitempty"`
}

func (Operation) TableName() string { return "bulk_operations" }

// ProgressEntry is the terminal outcome of one submitted row. Rows are appended, never removed.
type ProgressEntry struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OperationID   uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_progress_operation_row,priority:1" json:"operation_id"`
	RowIndex      int            `gorm:"not null;uniqueIndex:idx_progress_operation_row,priority:2" json:"row"`
	SKU           string         `gorm:"type:varchar(64);not null" json:"sku"`
	Quantity      int            `gorm:"not null" json:"quantity"`
	Success       bool           `gorm:"not null" json:"success"`
	Outcome       string         `gorm:"type:varchar(20);not null" json:"outcome"`
	Reference     string         `gorm:"type:varchar(255)" json:"reference,omitempty"`
	Error         string         `gorm:"type:text" json:"error,omitempty"`
	Alternatives  datatypes.JSON `gorm:"type:jsonb" json:"alternatives,omitempty"`
	Reversed      bool           `gorm:"not null;default:false" json:"reversed"`
	ReversalError string         `gorm:"type:text" json:"reversal_error,omitempty"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	ReversedAt    *time.Time     `json:"reversed_at,omitempty"`
}

func (ProgressEntry) TableName() string { return "bulk_operation_progress" }

// ProgressUpdate is what the processor reports to the ledger for a row.
type ProgressUpdate struct {
	Row          int
	SKU          string
	Quantity     int
	Success      bool
	Outcome      ItemOutcome
	OrderID      string
	Error        string
	Alternatives []AlternativeProduct
}

// RollbackEligibility answers whether an operation may still be reversed.
type RollbackEligibility struct {
	Eligible bool      `json:"eligible"`
	Reason   string    `json:"reason,omitempty"`
	Deadline time.Time `json:"deadline"`
	Status   string    `json:"status"`
}

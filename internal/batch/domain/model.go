package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

// BatchStatus covers both directions. Outbound batches run PREPARED,
// EXPORTED, RECONCILED, with EMPTY and FAILED terminals. Inbound batches
// run PROCESSING to PROCESSED, or FAILED.
type BatchStatus string

const (
	BatchStatusPrepared   BatchStatus = "PREPARED"
	BatchStatusExported   BatchStatus = "EXPORTED"
	BatchStatusEmpty      BatchStatus = "EMPTY"
	BatchStatusFailed     BatchStatus = "FAILED"
	BatchStatusReconciled BatchStatus = "RECONCILED"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusProcessed  BatchStatus = "PROCESSED"
)

// FileBatch is one presentment (OUTBOUND) or response (INBOUND) file.
// Control totals are the row-count/amount checksum the adapter validates.
type FileBatch struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	Direction      Direction         `json:"direction" gorm:"type:text;not null;index"`
	Status         BatchStatus       `json:"status" gorm:"type:text;not null;index"`
	Adapter        string            `json:"adapter" gorm:"type:text;not null"`
	BusinessDate   time.Time         `json:"business_date" gorm:"not null;index"`
	RecordCount    int               `json:"record_count" gorm:"not null;default:0"`
	AmountTotalARS int64             `json:"amount_total_ars" gorm:"not null;default:0"`
	StorageKey     *string           `json:"storage_key" gorm:"type:text"`
	FileName       *string           `json:"file_name" gorm:"type:text"`
	FileHash       *string           `json:"file_hash" gorm:"type:text;index"`
	AdapterVersion *string           `json:"adapter_version" gorm:"type:text"`
	ParentBatchID  *snowflake.ID     `json:"parent_batch_id" gorm:"index"`
	ExportedAt     *time.Time        `json:"exported_at"`
	Error          *string           `json:"error" gorm:"type:text"`
	RowsPaid       int               `json:"rows_paid" gorm:"not null;default:0"`
	RowsRejected   int               `json:"rows_rejected" gorm:"not null;default:0"`
	RowsError      int               `json:"rows_error" gorm:"not null;default:0"`
	Meta           datatypes.JSONMap `json:"meta" gorm:"type:jsonb"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time         `json:"updated_at" gorm:"not null"`
}

func (FileBatch) TableName() string { return "file_batches" }

type ItemStatus string

const (
	ItemStatusPending  ItemStatus = "PENDING"
	ItemStatusSent     ItemStatus = "SENT"
	ItemStatusPaid     ItemStatus = "PAID"
	ItemStatusRejected ItemStatus = "REJECTED"
	ItemStatusError    ItemStatus = "ERROR"
)

// FileBatchItem is the per-row ledger entry. Outbound items mirror one
// attempt each; inbound items record one response row each, including
// unmatched rows. Inbound items are append-only per import pass, so the
// pair (outbound item update, inbound item insert) is the audit trail.
type FileBatchItem struct {
	ID                snowflake.ID      `json:"id" gorm:"primaryKey"`
	BatchID           snowflake.ID      `json:"batch_id" gorm:"not null;index"`
	LineNo            int               `json:"line_no" gorm:"not null"`
	AttemptID         *snowflake.ID     `json:"attempt_id" gorm:"index"`
	ChargeID          *snowflake.ID     `json:"charge_id" gorm:"index"`
	AgencyID          snowflake.ID      `json:"agency_id" gorm:"index"`
	ExternalReference string            `json:"external_reference" gorm:"type:text;index"`
	RawHash           string            `json:"raw_hash" gorm:"type:text;index"`
	AmountARS         int64             `json:"amount_ars" gorm:"not null"`
	Status            ItemStatus        `json:"status" gorm:"type:text;not null;index"`
	ResponseCode      *string           `json:"response_code" gorm:"type:text"`
	ResponseMessage   *string           `json:"response_message" gorm:"type:text"`
	RowPayload        datatypes.JSONMap `json:"row_payload" gorm:"type:jsonb"`
	CreatedAt         time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time         `json:"updated_at" gorm:"not null"`
}

func (FileBatchItem) TableName() string { return "file_batch_items" }

type ImportRunStatus string

const (
	ImportRunSuccess   ImportRunStatus = "SUCCESS"
	ImportRunDuplicate ImportRunStatus = "DUPLICATE"
	ImportRunInvalid   ImportRunStatus = "INVALID"
	ImportRunFailed    ImportRunStatus = "FAILED"
)

// ImportRun is the dedupe/audit record of every uploaded response file,
// written regardless of outcome.
type ImportRun struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	PublicID        string          `json:"public_id" gorm:"type:text;not null;uniqueIndex"`
	OutboundBatchID snowflake.ID    `json:"outbound_batch_id" gorm:"not null;index"`
	InboundBatchID  *snowflake.ID   `json:"inbound_batch_id" gorm:"index"`
	Adapter         string          `json:"adapter" gorm:"type:text;not null"`
	FileHash        string          `json:"file_hash" gorm:"type:text;not null;index"`
	FileSize        int             `json:"file_size" gorm:"not null"`
	Status          ImportRunStatus `json:"status" gorm:"type:text;not null"`
	Reason          *string         `json:"reason" gorm:"type:text"`
	RowsTotal       int             `json:"rows_total" gorm:"not null;default:0"`
	RowsPaid        int             `json:"rows_paid" gorm:"not null;default:0"`
	RowsRejected    int             `json:"rows_rejected" gorm:"not null;default:0"`
	RowsError       int             `json:"rows_error" gorm:"not null;default:0"`
	UploadedBy      string          `json:"uploaded_by" gorm:"type:text"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null"`
}

func (ImportRun) TableName() string { return "import_runs" }

var (
	ErrBatchNotFound          = errors.New("batch_not_found")
	ErrBatchNotExportable     = errors.New("batch_not_exportable")
	ErrBatchAlreadyReconciled = errors.New("batch_already_reconciled")
	ErrAdapterMismatch        = errors.New("adapter_mismatch")
	ErrControlTotalsMismatch  = errors.New("control_totals_mismatch")
)

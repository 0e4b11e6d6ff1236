package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BillingEvent is the append-only audit record for every state transition
// in the collections engine. Rows are never updated or deleted.
type BillingEvent struct {
	ID        snowflake.ID      `json:"id" gorm:"primaryKey"`
	AgencyID  snowflake.ID      `json:"agency_id" gorm:"not null;index"`
	ChargeID  *snowflake.ID     `json:"charge_id" gorm:"index"`
	EventType string            `json:"event_type" gorm:"type:text;not null;index"`
	Payload   datatypes.JSONMap `json:"payload" gorm:"type:jsonb"`
	CreatedBy string            `json:"created_by" gorm:"type:text;not null"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null;index"`
}

func (BillingEvent) TableName() string { return "billing_events" }

const (
	EventBatchPrepared     = "batch_prepared"
	EventBatchExported     = "batch_exported"
	EventBatchExportFailed = "batch_export_failed"
	EventResponseImported  = "response_imported"
	EventImportRejected    = "import_rejected"
	EventAttemptPaid       = "attempt_paid"
	EventAttemptRejected   = "attempt_rejected"
	EventAttemptFailed     = "attempt_failed"
	EventChargeClosed      = "charge_closed"
	EventDunningAdvanced   = "dunning_advanced"
	EventFallbackCreated   = "fallback_created"
	EventFallbackPaid      = "fallback_paid"
	EventFallbackExpired   = "fallback_expired"
	EventFallbackCanceled  = "fallback_canceled"
	EventFallbackFailed    = "fallback_failed"
	EventDuplicatePayment  = "duplicate_payment_detected"
)

// Entry is the write-side view of a billing event.
type Entry struct {
	AgencyID  snowflake.ID
	ChargeID  *snowflake.ID
	EventType string
	Payload   map[string]any
	CreatedBy string
}

// Recorder appends billing events inside the caller's transaction so the
// event commits (or rolls back) with the state change it documents.
type Recorder interface {
	Log(ctx context.Context, tx *gorm.DB, entry Entry) error
}

// ExportFormat represents the output format for audit exports.
type ExportFormat string

const (
	ExportFormatCSV  ExportFormat = "csv"
	ExportFormatJSON ExportFormat = "json"
)

// ExportRequest defines parameters for billing-event export.
type ExportRequest struct {
	AgencyID   *snowflake.ID
	StartDate  time.Time
	EndDate    time.Time
	Format     ExportFormat
	EventTypes []string
}

// ExportResult contains the exported data and metadata.
type ExportResult struct {
	Data     []byte
	Checksum string
	Format   ExportFormat
	Count    int
}

type ExportService interface {
	Export(ctx context.Context, req ExportRequest) (*ExportResult, error)
}

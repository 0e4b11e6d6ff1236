package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ChargeStatus is the per-charge collection state. Charges only move
// forward; PAID is terminal and reached exactly once.
type ChargeStatus string

const (
	ChargeStatusPending    ChargeStatus = "PENDING"
	ChargeStatusReady      ChargeStatus = "READY"
	ChargeStatusProcessing ChargeStatus = "PROCESSING"
	ChargeStatusPastDue    ChargeStatus = "PAST_DUE"
	ChargeStatusPaid       ChargeStatus = "PAID"
)

type ReconciliationStatus string

const (
	ReconciliationPending   ReconciliationStatus = "PENDING"
	ReconciliationMatched   ReconciliationStatus = "MATCHED"
	ReconciliationUnmatched ReconciliationStatus = "UNMATCHED"
	ReconciliationError     ReconciliationStatus = "ERROR"
)

// Channel identifies how money for a charge arrived.
type Channel string

const (
	ChannelPD     Channel = "PD"
	ChannelMPQR   Channel = "MP_QR"
	ChannelCIGQR  Channel = "CIG_QR"
	ChannelManual Channel = "MANUAL"
)

// Charge is the billable obligation for one agency for one cycle.
// Created by the billing-cycle generator; mutated only by the charge
// closer and the dunning engine; never deleted.
type Charge struct {
	ID                     snowflake.ID         `json:"id" gorm:"primaryKey"`
	AgencyID               snowflake.ID         `json:"agency_id" gorm:"not null;index"`
	BillingCycleID         *snowflake.ID        `json:"billing_cycle_id" gorm:"index"`
	AmountDueARS           int64                `json:"amount_ars_due" gorm:"not null"`
	AmountPaidARS          int64                `json:"amount_ars_paid" gorm:"not null;default:0"`
	Currency               string               `json:"currency" gorm:"type:varchar(3);not null;default:'ARS'"`
	Status                 ChargeStatus         `json:"status" gorm:"type:text;not null;default:'PENDING';index"`
	DunningStage           int                  `json:"dunning_stage" gorm:"not null;default:0;index"`
	ReconciliationStatus   ReconciliationStatus `json:"reconciliation_status" gorm:"type:text;not null;default:'PENDING'"`
	PaidViaChannel         *Channel             `json:"paid_via_channel" gorm:"type:text"`
	PaidAt                 *time.Time           `json:"paid_at"`
	PaidSourceRef          *string              `json:"paid_source_ref" gorm:"type:text"`
	OverdueSince           *time.Time           `json:"overdue_since"`
	CollectionsEscalatedAt *time.Time           `json:"collections_escalated_at"`
	FallbackOfferedAt      *time.Time           `json:"fallback_offered_at"`
	FallbackExpiresAt      *time.Time           `json:"fallback_expires_at"`
	Metadata               datatypes.JSONMap    `json:"metadata" gorm:"type:jsonb"`
	CreatedAt              time.Time            `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time            `json:"updated_at" gorm:"not null"`
}

func (Charge) TableName() string { return "charges" }

// AttemptStatus is the lifecycle of one collection try.
type AttemptStatus string

const (
	AttemptStatusPending    AttemptStatus = "PENDING"
	AttemptStatusScheduled  AttemptStatus = "SCHEDULED"
	AttemptStatusProcessing AttemptStatus = "PROCESSING"
	AttemptStatusPaid       AttemptStatus = "PAID"
	AttemptStatusRejected   AttemptStatus = "REJECTED"
	AttemptStatusFailed     AttemptStatus = "FAILED"
	AttemptStatusCanceled   AttemptStatus = "CANCELED"
)

// OpenAttemptStatuses are the states a charge closer cancels when another
// channel settles the charge first.
var OpenAttemptStatuses = []AttemptStatus{
	AttemptStatusPending,
	AttemptStatusScheduled,
	AttemptStatusProcessing,
}

// Attempt is one collection try for a charge on a specific channel.
type Attempt struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	ChargeID          snowflake.ID  `json:"charge_id" gorm:"not null;index"`
	AgencyID          snowflake.ID  `json:"agency_id" gorm:"not null;index"`
	AttemptNo         int           `json:"attempt_no" gorm:"not null"`
	Channel           Channel       `json:"channel" gorm:"type:text;not null"`
	Status            AttemptStatus `json:"status" gorm:"type:text;not null;default:'PENDING';index"`
	ExternalReference string        `json:"external_reference" gorm:"type:text;not null;uniqueIndex"`
	MandateID         *snowflake.ID `json:"mandate_id" gorm:"index"`
	ScheduledFor      time.Time     `json:"scheduled_for" gorm:"not null;index"`
	AmountARS         int64         `json:"amount_ars" gorm:"not null"`
	ProcessorCode     *string       `json:"processor_code" gorm:"type:text"`
	ProcessorMessage  *string       `json:"processor_message" gorm:"type:text"`
	PaidAt            *time.Time    `json:"paid_at"`
	CreatedAt         time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time     `json:"updated_at" gorm:"not null"`
}

func (Attempt) TableName() string { return "attempts" }

type MandateStatus string

const (
	MandateStatusActive    MandateStatus = "ACTIVE"
	MandateStatusSuspended MandateStatus = "SUSPENDED"
	MandateStatusRevoked   MandateStatus = "REVOKED"
)

// Mandate is the direct-debit authorization an attempt draws on.
type Mandate struct {
	ID        snowflake.ID  `json:"id" gorm:"primaryKey"`
	AgencyID  snowflake.ID  `json:"agency_id" gorm:"not null;index"`
	Status    MandateStatus `json:"status" gorm:"type:text;not null;default:'ACTIVE'"`
	BankRef   string        `json:"bank_ref" gorm:"type:text"`
	CreatedAt time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time     `json:"updated_at" gorm:"not null"`
}

func (Mandate) TableName() string { return "mandates" }

type BillingCycleStatus string

const (
	BillingCycleStatusOpen     BillingCycleStatus = "OPEN"
	BillingCycleStatusInvoiced BillingCycleStatus = "INVOICED"
	BillingCycleStatusPaid     BillingCycleStatus = "PAID"
)

// BillingCycle is the owning period for a charge. The cycle generator is
// out of scope; the closer only flips the cycle to PAID.
type BillingCycle struct {
	ID          snowflake.ID       `json:"id" gorm:"primaryKey"`
	AgencyID    snowflake.ID       `json:"agency_id" gorm:"not null;index"`
	PeriodStart time.Time          `json:"period_start" gorm:"not null"`
	PeriodEnd   time.Time          `json:"period_end" gorm:"not null"`
	Status      BillingCycleStatus `json:"status" gorm:"type:text;not null;default:'OPEN'"`
	PaidAt      *time.Time         `json:"paid_at"`
	CreatedAt   time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time          `json:"updated_at" gorm:"not null"`
}

func (BillingCycle) TableName() string { return "billing_cycles" }

type DuplicateCaseStatus string

const (
	DuplicateCaseOpen     DuplicateCaseStatus = "OPEN"
	DuplicateCaseResolved DuplicateCaseStatus = "RESOLVED"
)

// DuplicatePaymentCase records a payment that arrived for a charge that was
// already settled through a different channel. Review is manual; the second
// payment is never applied.
type DuplicatePaymentCase struct {
	ID            snowflake.ID        `json:"id" gorm:"primaryKey"`
	AgencyID      snowflake.ID        `json:"agency_id" gorm:"not null;index"`
	ChargeID      snowflake.ID        `json:"charge_id" gorm:"not null;index"`
	FirstChannel  Channel             `json:"first_channel" gorm:"type:text;not null"`
	SecondChannel Channel             `json:"second_channel" gorm:"type:text;not null"`
	SecondRef     string              `json:"second_ref" gorm:"type:text"`
	AmountARS     int64               `json:"amount_ars" gorm:"not null"`
	Status        DuplicateCaseStatus `json:"status" gorm:"type:text;not null;default:'OPEN'"`
	DetectedAt    time.Time           `json:"detected_at" gorm:"not null"`
	CreatedAt     time.Time           `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time           `json:"updated_at" gorm:"not null"`
}

func (DuplicatePaymentCase) TableName() string { return "duplicate_payment_cases" }

var (
	ErrChargeNotFound  = errors.New("charge_not_found")
	ErrAttemptNotFound = errors.New("attempt_not_found")
)

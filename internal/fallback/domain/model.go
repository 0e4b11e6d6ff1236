package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	"gorm.io/datatypes"
)

// IntentStatus is the fallback-intent lifecycle. CREATED, PENDING and
// PRESENTED are "open": at most one open intent per (charge, provider).
type IntentStatus string

const (
	IntentStatusCreated   IntentStatus = "CREATED"
	IntentStatusPending   IntentStatus = "PENDING"
	IntentStatusPresented IntentStatus = "PRESENTED"
	IntentStatusPaid      IntentStatus = "PAID"
	IntentStatusExpired   IntentStatus = "EXPIRED"
	IntentStatusCanceled  IntentStatus = "CANCELED"
	IntentStatusFailed    IntentStatus = "FAILED"
)

var OpenIntentStatuses = []IntentStatus{
	IntentStatusCreated,
	IntentStatusPending,
	IntentStatusPresented,
}

func (s IntentStatus) Open() bool {
	switch s {
	case IntentStatusCreated, IntentStatusPending, IntentStatusPresented:
		return true
	}
	return false
}

// FallbackIntent is an alternate (QR/wallet) payment request offered when
// direct debit is exhausted.
type FallbackIntent struct {
	ID                snowflake.ID      `json:"id" gorm:"primaryKey"`
	ChargeID          snowflake.ID      `json:"charge_id" gorm:"not null;index"`
	AgencyID          snowflake.ID      `json:"agency_id" gorm:"not null;index"`
	Provider          string            `json:"provider" gorm:"type:text;not null"`
	Status            IntentStatus      `json:"status" gorm:"type:text;not null;default:'CREATED';index"`
	AmountARS         int64             `json:"amount_ars" gorm:"not null"`
	Currency          string            `json:"currency" gorm:"type:varchar(3);not null;default:'ARS'"`
	ExternalReference string            `json:"external_reference" gorm:"type:text;not null;uniqueIndex"`
	ProviderPaymentID *string           `json:"provider_payment_id" gorm:"type:text"`
	ProviderStatus    *string           `json:"provider_status" gorm:"type:text"`
	PaymentURL        *string           `json:"payment_url" gorm:"type:text"`
	QRPayload         *string           `json:"qr_payload" gorm:"type:text"`
	QRImageURL        *string           `json:"qr_image_url" gorm:"type:text"`
	RawPayload        datatypes.JSONMap `json:"raw_payload" gorm:"type:jsonb"`
	Source            string            `json:"source" gorm:"type:text"`
	ExpiresAt         *time.Time        `json:"expires_at"`
	PaidAt            *time.Time        `json:"paid_at"`
	CanceledAt        *time.Time        `json:"canceled_at"`
	CreatedAt         time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time         `json:"updated_at" gorm:"not null"`
}

func (FallbackIntent) TableName() string { return "fallback_intents" }

// MappedStatus is the provider-reported status collapsed to the engine's
// vocabulary.
type MappedStatus string

const (
	MappedStatusPaid    MappedStatus = "PAID"
	MappedStatusExpired MappedStatus = "EXPIRED"
	MappedStatusFailed  MappedStatus = "FAILED"
	MappedStatusPending MappedStatus = "PENDING"
)

type CreateIntentRequest struct {
	ChargeID          snowflake.ID
	AgencyID          snowflake.ID
	AmountARS         int64
	Currency          string
	ExternalReference string
	IdempotencyKey    string
	ExpiresAt         time.Time
	Description       string
}

type ProviderIntent struct {
	ProviderPaymentID string
	ProviderStatus    string
	PaymentURL        string
	QRPayload         string
	QRImageURL        string
	Raw               map[string]any
}

type ProviderStatus struct {
	Mapped         MappedStatus
	ProviderStatus string
	PaidAt         *time.Time
	Raw            map[string]any
}

// PaymentProvider is the fallback payment collaborator. Implementations
// wrap one wallet/QR provider's HTTP API.
type PaymentProvider interface {
	Name() string
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*ProviderIntent, error)
	GetStatus(ctx context.Context, intent *FallbackIntent) (*ProviderStatus, error)
	Cancel(ctx context.Context, intent *FallbackIntent) (*ProviderStatus, error)
}

// Registry resolves providers by name. New providers register here; the
// orchestrator never branches on provider identity.
type Registry struct {
	byName map[string]PaymentProvider
}

func NewRegistry(providers ...PaymentProvider) *Registry {
	r := &Registry{byName: make(map[string]PaymentProvider, len(providers))}
	for _, p := range providers {
		r.byName[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (PaymentProvider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

func (r *Registry) Exists(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// ChannelForProvider maps a fallback provider to the payment channel the
// charge closer records.
func ChannelForProvider(provider string) chargedomain.Channel {
	switch provider {
	case "mp":
		return chargedomain.ChannelMPQR
	case "cig":
		return chargedomain.ChannelCIGQR
	}
	return chargedomain.ChannelManual
}

// CreateOutcome tags the result of an intent-creation call so callers
// branch on a value instead of exception absence.
type CreateOutcome string

const (
	OutcomeCreated     CreateOutcome = "created"
	OutcomeAlreadyOpen CreateOutcome = "already_open"
	OutcomeSkipped     CreateOutcome = "skipped"
)

type CreateResult struct {
	Outcome CreateOutcome   `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
	Intent  *FallbackIntent `json:"intent,omitempty"`
}

// CreateRequest asks the orchestrator for a fallback intent on a charge.
type CreateRequest struct {
	ChargeID  snowflake.ID
	Provider  string // empty selects the configured default
	Source    string
	CreatedBy string
}

// Creator is the single-charge intent creation entrypoint, split out as an
// interface so the dunning rejection hook can delegate without a package
// cycle.
type Creator interface {
	CreateForCharge(ctx context.Context, req CreateRequest) (*CreateResult, error)
}

var (
	ErrIntentNotFound   = errors.New("fallback_intent_not_found")
	ErrProviderNotFound = errors.New("fallback_provider_not_found")
)

// Stable reason codes surfaced in CreateResult.Reason.
const (
	ReasonFallbackDisabled       = "fallback_disabled"
	ReasonProviderMPDisabled     = "provider_mp_disabled"
	ReasonFallbackAgencyDisabled = "fallback_disabled_for_agency"
	ReasonChargeAlreadyPaid      = "charge_already_paid"
	ReasonFallbackAlreadyOpen    = "fallback_already_open"
)

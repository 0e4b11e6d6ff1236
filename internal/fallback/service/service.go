package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	chargeservice "github.com/cobranzalabs/cobranza/internal/charge/service"
	"github.com/cobranzalabs/cobranza/internal/clock"
	"github.com/cobranzalabs/cobranza/internal/config"
	dunningservice "github.com/cobranzalabs/cobranza/internal/dunning/service"
	"github.com/cobranzalabs/cobranza/internal/fallback/domain"
	"github.com/cobranzalabs/cobranza/internal/observability"
	rolloutdomain "github.com/cobranzalabs/cobranza/internal/rollout/domain"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Cfg       config.Config
	GenID     *snowflake.Node
	Clock     clock.Clock
	Providers *domain.Registry
	Rollout   rolloutdomain.Service
	Closer    *chargeservice.Closer
	Advancer  *dunningservice.Advancer
	Audit     auditdomain.Recorder
	Metrics   *observability.Metrics
}

// Orchestrator owns the fallback-intent lifecycle: creation against a
// provider, status sync, expiry escalation, and handover to the charge
// closer on payment.
type Orchestrator struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       config.Config
	genID     *snowflake.Node
	clock     clock.Clock
	providers *domain.Registry
	rollout   rolloutdomain.Service
	closer    *chargeservice.Closer
	advancer  *dunningservice.Advancer
	audit     auditdomain.Recorder
	metrics   *observability.Metrics
}

func NewOrchestrator(p Params) *Orchestrator {
	return &Orchestrator{
		db:        p.DB,
		log:       p.Log.Named("fallback.orchestrator"),
		cfg:       p.Cfg,
		genID:     p.GenID,
		clock:     p.Clock,
		providers: p.Providers,
		rollout:   p.Rollout,
		closer:    p.Closer,
		advancer:  p.Advancer,
		audit:     p.Audit,
		metrics:   p.Metrics,
	}
}

var _ domain.Creator = (*Orchestrator)(nil)

// CreateForCharge opens a fallback intent for a charge. Idempotent per
// (charge, provider): an existing open intent is returned as already_open,
// and gating conditions come back as skipped with a stable reason code, so
// callers never branch on errors for business outcomes.
func (o *Orchestrator) CreateForCharge(ctx context.Context, req domain.CreateRequest) (*domain.CreateResult, error) {
	if !o.cfg.Fallback.Enabled {
		return skipped(domain.ReasonFallbackDisabled), nil
	}

	provider := req.Provider
	if provider == "" {
		provider = o.cfg.Fallback.DefaultProvider
	}
	if provider == "mp" && !o.cfg.Fallback.MPEnabled {
		return skipped(domain.ReasonProviderMPDisabled), nil
	}
	adapter, err := o.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	var charge chargedomain.Charge
	if err := o.db.WithContext(ctx).First(&charge, "id = ?", req.ChargeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, chargedomain.ErrChargeNotFound
		}
		return nil, err
	}
	if charge.Status == chargedomain.ChargeStatusPaid {
		return skipped(domain.ReasonChargeAlreadyPaid), nil
	}

	flags, err := o.rollout.FlagsFor(ctx, []snowflake.ID{charge.AgencyID})
	if err != nil {
		return nil, err
	}
	if agency, ok := flags[charge.AgencyID]; !ok || !agency.FallbackEnabled {
		return skipped(domain.ReasonFallbackAgencyDisabled), nil
	} else if req.Provider == "" && agency.FallbackProvider != "" {
		if o.providers.Exists(agency.FallbackProvider) {
			provider = agency.FallbackProvider
			adapter, _ = o.providers.Get(provider)
		}
	}

	var open domain.FallbackIntent
	err = o.db.WithContext(ctx).
		Where("charge_id = ? AND provider = ? AND status IN ?", charge.ID, provider, domain.OpenIntentStatuses).
		First(&open).Error
	if err == nil {
		return &domain.CreateResult{
			Outcome: domain.OutcomeAlreadyOpen,
			Reason:  domain.ReasonFallbackAlreadyOpen,
			Intent:  &open,
		}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := o.clock.Now(ctx)
	expiresAt := now.Add(o.cfg.Fallback.ExpiryWindow)
	ref, err := o.mintReference(ctx, charge.ID, provider)
	if err != nil {
		return nil, err
	}

	// Provider call stays outside any transaction: a slow HTTP round trip
	// must not hold row locks, and the idempotency key absorbs retries.
	providerIntent, err := adapter.CreateIntent(ctx, domain.CreateIntentRequest{
		ChargeID:          charge.ID,
		AgencyID:          charge.AgencyID,
		AmountARS:         charge.AmountDueARS,
		Currency:          "ARS",
		ExternalReference: ref,
		IdempotencyKey:    ulid.Make().String(),
		ExpiresAt:         expiresAt,
		Description:       fmt.Sprintf("Cobranza cargo %s", charge.ID),
	})
	if err != nil {
		o.metrics.FallbackIntents.WithLabelValues(provider, "failed").Inc()
		return nil, fmt.Errorf("provider %s create intent: %w", provider, err)
	}

	intent := &domain.FallbackIntent{
		ID:                o.genID.Generate(),
		ChargeID:          charge.ID,
		AgencyID:          charge.AgencyID,
		Provider:          provider,
		Status:            domain.IntentStatusPending,
		AmountARS:         charge.AmountDueARS,
		Currency:          "ARS",
		ExternalReference: ref,
		Source:            req.Source,
		ExpiresAt:         &expiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	applyProviderIntent(intent, providerIntent)

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(intent).Error; err != nil {
			return err
		}
		if err := tx.Model(&chargedomain.Charge{}).Where("id = ?", charge.ID).Updates(map[string]any{
			"fallback_offered_at": now,
			"fallback_expires_at": expiresAt,
			"updated_at":          now,
		}).Error; err != nil {
			return err
		}
		chargeID := charge.ID
		return o.audit.Log(ctx, tx, auditdomain.Entry{
			AgencyID:  charge.AgencyID,
			ChargeID:  &chargeID,
			EventType: auditdomain.EventFallbackCreated,
			CreatedBy: req.CreatedBy,
			Payload: map[string]any{
				"intent_id":  intent.ID.String(),
				"provider":   provider,
				"amount_ars": intent.AmountARS,
				"source":     req.Source,
				"expires_at": expiresAt,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if _, err := o.advancer.AdvanceStage(ctx, charge.ID, dunningservice.StageFallback, req.CreatedBy); err != nil {
		o.log.Warn("dunning advance after fallback offer failed",
			zap.String("charge_id", charge.ID.String()), zap.Error(err))
	}

	o.metrics.FallbackIntents.WithLabelValues(provider, "created").Inc()
	o.log.Info("fallback intent created",
		zap.String("intent_id", intent.ID.String()),
		zap.String("charge_id", charge.ID.String()),
		zap.String("provider", provider),
		zap.String("source", req.Source))
	return &domain.CreateResult{Outcome: domain.OutcomeCreated, Intent: intent}, nil
}

// OnIntentPaid settles an intent and routes the charge through the closer.
// Idempotent on the intent: a paid intent skips the PAID transition but
// still calls the closer, covering a prior run that flipped the intent and
// failed before the charge was closed. An already-paid charge returns
// cleanly (the closer reports AlreadyPaid).
func (o *Orchestrator) OnIntentPaid(ctx context.Context, intentID snowflake.ID, status *domain.ProviderStatus, actor string) (*domain.FallbackIntent, error) {
	intent, err := o.getIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	alreadyPaid := intent.Status == domain.IntentStatusPaid

	paidAt := o.clock.Now(ctx)
	if alreadyPaid && intent.PaidAt != nil {
		paidAt = *intent.PaidAt
	}
	var providerStatus *string
	var raw map[string]any
	if status != nil {
		if status.PaidAt != nil {
			paidAt = *status.PaidAt
		}
		if status.ProviderStatus != "" {
			providerStatus = &status.ProviderStatus
		}
		raw = status.Raw
	}

	if !alreadyPaid {
		err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := o.clock.Now(ctx)
			updates := map[string]any{
				"status":     domain.IntentStatusPaid,
				"paid_at":    paidAt,
				"updated_at": now,
			}
			if providerStatus != nil {
				updates["provider_status"] = *providerStatus
			}
			if raw != nil {
				updates["raw_payload"] = datatypes.JSONMap(raw)
			}
			if err := tx.Model(&domain.FallbackIntent{}).Where("id = ?", intent.ID).Updates(updates).Error; err != nil {
				return err
			}
			chargeID := intent.ChargeID
			return o.audit.Log(ctx, tx, auditdomain.Entry{
				AgencyID:  intent.AgencyID,
				ChargeID:  &chargeID,
				EventType: auditdomain.EventFallbackPaid,
				CreatedBy: actor,
				Payload: map[string]any{
					"intent_id": intent.ID.String(),
					"provider":  intent.Provider,
					"paid_at":   paidAt,
				},
			})
		})
		if err != nil {
			return nil, err
		}
	}

	intentID = intent.ID
	closeRes, err := o.closer.CloseAsPaid(ctx, chargeservice.CloseRequest{
		ChargeID:             intent.ChargeID,
		Channel:              domain.ChannelForProvider(intent.Provider),
		AmountARS:            intent.AmountARS,
		PaidAt:               paidAt,
		SourceRef:            intent.ExternalReference,
		KeepFallbackIntentID: &intentID,
		CreatedBy:            actor,
	})
	if err != nil {
		return nil, err
	}
	if closeRes.AlreadyPaid && closeRes.Channel != domain.ChannelForProvider(intent.Provider) {
		if _, err := o.closer.OpenDuplicateCase(ctx, intent.ChargeID,
			domain.ChannelForProvider(intent.Provider), intent.ExternalReference, intent.AmountARS); err != nil {
			o.log.Error("duplicate payment case failed", zap.Error(err))
		}
	}

	if !alreadyPaid {
		o.metrics.FallbackIntents.WithLabelValues(intent.Provider, "paid").Inc()
	}
	return o.getIntent(ctx, intent.ID)
}

// OnIntentExpired closes the window: the intent goes EXPIRED and the charge
// escalates to collections.
func (o *Orchestrator) OnIntentExpired(ctx context.Context, intentID snowflake.ID, actor string) (*domain.FallbackIntent, error) {
	intent, err := o.getIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if !intent.Status.Open() {
		return intent, nil
	}

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := o.clock.Now(ctx)
		if err := tx.Model(&domain.FallbackIntent{}).Where("id = ?", intent.ID).Updates(map[string]any{
			"status":     domain.IntentStatusExpired,
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		chargeID := intent.ChargeID
		return o.audit.Log(ctx, tx, auditdomain.Entry{
			AgencyID:  intent.AgencyID,
			ChargeID:  &chargeID,
			EventType: auditdomain.EventFallbackExpired,
			CreatedBy: actor,
			Payload: map[string]any{
				"intent_id": intent.ID.String(),
				"provider":  intent.Provider,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if _, err := o.advancer.AdvanceStage(ctx, intent.ChargeID, dunningservice.StageCollections, actor); err != nil {
		o.log.Warn("collections escalation after expiry failed",
			zap.String("charge_id", intent.ChargeID.String()), zap.Error(err))
	}

	o.metrics.FallbackIntents.WithLabelValues(intent.Provider, "expired").Inc()
	return o.getIntent(ctx, intent.ID)
}

// Cancel voids an open intent, asking the provider first. A provider that
// reports the payment already approved wins: the cancel reclassifies as a
// payment instead of silently losing money.
func (o *Orchestrator) Cancel(ctx context.Context, intentID snowflake.ID, actor string) (*domain.FallbackIntent, error) {
	intent, err := o.getIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if !intent.Status.Open() {
		return intent, nil
	}

	if intent.ProviderPaymentID != nil {
		adapter, err := o.providers.Get(intent.Provider)
		if err != nil {
			return nil, err
		}
		status, err := adapter.Cancel(ctx, intent)
		if err != nil {
			return nil, fmt.Errorf("provider %s cancel: %w", intent.Provider, err)
		}
		if status.Mapped == domain.MappedStatusPaid {
			o.log.Warn("cancel found intent already paid at provider",
				zap.String("intent_id", intent.ID.String()))
			return o.OnIntentPaid(ctx, intent.ID, status, actor)
		}
	}

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := o.clock.Now(ctx)
		if err := tx.Model(&domain.FallbackIntent{}).Where("id = ?", intent.ID).Updates(map[string]any{
			"status":      domain.IntentStatusCanceled,
			"canceled_at": now,
			"updated_at":  now,
		}).Error; err != nil {
			return err
		}
		chargeID := intent.ChargeID
		return o.audit.Log(ctx, tx, auditdomain.Entry{
			AgencyID:  intent.AgencyID,
			ChargeID:  &chargeID,
			EventType: auditdomain.EventFallbackCanceled,
			CreatedBy: actor,
			Payload: map[string]any{
				"intent_id": intent.ID.String(),
				"provider":  intent.Provider,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	o.metrics.FallbackIntents.WithLabelValues(intent.Provider, "canceled").Inc()
	return o.getIntent(ctx, intent.ID)
}

// MarkPaid is the manual confirmation path for out-of-band proof of
// payment (a wallet receipt forwarded by the agency).
func (o *Orchestrator) MarkPaid(ctx context.Context, intentID snowflake.ID, paidAt *time.Time, actor string) (*domain.FallbackIntent, error) {
	status := &domain.ProviderStatus{Mapped: domain.MappedStatusPaid, ProviderStatus: "manual"}
	if paidAt != nil {
		utc := paidAt.UTC()
		status.PaidAt = &utc
	}
	return o.OnIntentPaid(ctx, intentID, status, actor)
}

type SyncResult struct {
	Checked  int `json:"checked"`
	Paid     int `json:"paid"`
	Expired  int `json:"expired"`
	Failed   int `json:"failed"`
	Errors   int `json:"errors"`
	StillDue int `json:"still_due"`
}

// SyncStatuses polls the provider for every open intent of agencies with
// auto-sync enabled, and locally expires intents past their window when
// the provider still reports them pending. Per-intent errors are counted,
// never fatal.
func (o *Orchestrator) SyncStatuses(ctx context.Context) (*SyncResult, error) {
	var intents []domain.FallbackIntent
	if err := o.db.WithContext(ctx).
		Where("status IN ?", domain.OpenIntentStatuses).
		Order("created_at ASC").
		Find(&intents).Error; err != nil {
		return nil, err
	}

	result := &SyncResult{}
	if len(intents) == 0 {
		return result, nil
	}

	agencyIDs := make([]snowflake.ID, 0, len(intents))
	seen := make(map[snowflake.ID]struct{}, len(intents))
	for _, it := range intents {
		if _, ok := seen[it.AgencyID]; !ok {
			seen[it.AgencyID] = struct{}{}
			agencyIDs = append(agencyIDs, it.AgencyID)
		}
	}
	flags, err := o.rollout.FlagsFor(ctx, agencyIDs)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now(ctx)
	for i := range intents {
		intent := &intents[i]
		if agency, ok := flags[intent.AgencyID]; !ok || !agency.FallbackAutoSync {
			continue
		}
		result.Checked++

		if err := o.syncOne(ctx, intent, now, result); err != nil {
			result.Errors++
			o.log.Error("intent sync failed",
				zap.String("intent_id", intent.ID.String()), zap.Error(err))
		}
	}
	return result, nil
}

func (o *Orchestrator) syncOne(ctx context.Context, intent *domain.FallbackIntent, now time.Time, result *SyncResult) error {
	if intent.ProviderPaymentID == nil {
		if intent.ExpiresAt != nil && now.After(*intent.ExpiresAt) {
			if _, err := o.OnIntentExpired(ctx, intent.ID, "sync"); err != nil {
				return err
			}
			result.Expired++
		}
		return nil
	}

	adapter, err := o.providers.Get(intent.Provider)
	if err != nil {
		return err
	}
	status, err := adapter.GetStatus(ctx, intent)
	if err != nil {
		return err
	}

	switch status.Mapped {
	case domain.MappedStatusPaid:
		if _, err := o.OnIntentPaid(ctx, intent.ID, status, "sync"); err != nil {
			return err
		}
		result.Paid++
	case domain.MappedStatusExpired:
		if _, err := o.OnIntentExpired(ctx, intent.ID, "sync"); err != nil {
			return err
		}
		result.Expired++
	case domain.MappedStatusFailed:
		if err := o.markFailed(ctx, intent, status); err != nil {
			return err
		}
		result.Failed++
	default:
		if intent.ExpiresAt != nil && now.After(*intent.ExpiresAt) {
			if _, err := o.OnIntentExpired(ctx, intent.ID, "sync"); err != nil {
				return err
			}
			result.Expired++
			return nil
		}
		result.StillDue++
	}
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, intent *domain.FallbackIntent, status *domain.ProviderStatus) error {
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := o.clock.Now(ctx)
		updates := map[string]any{
			"status":     domain.IntentStatusFailed,
			"updated_at": now,
		}
		if status.ProviderStatus != "" {
			updates["provider_status"] = status.ProviderStatus
		}
		if status.Raw != nil {
			updates["raw_payload"] = datatypes.JSONMap(status.Raw)
		}
		if err := tx.Model(&domain.FallbackIntent{}).Where("id = ?", intent.ID).Updates(updates).Error; err != nil {
			return err
		}
		chargeID := intent.ChargeID
		return o.audit.Log(ctx, tx, auditdomain.Entry{
			AgencyID:  intent.AgencyID,
			ChargeID:  &chargeID,
			EventType: auditdomain.EventFallbackFailed,
			Payload: map[string]any{
				"intent_id":       intent.ID.String(),
				"provider":        intent.Provider,
				"provider_status": status.ProviderStatus,
			},
		})
	})
	if err != nil {
		return err
	}
	o.metrics.FallbackIntents.WithLabelValues(intent.Provider, "failed").Inc()
	return nil
}

type SweepResult struct {
	Scanned     int `json:"scanned"`
	Created     int `json:"created"`
	AlreadyOpen int `json:"already_open"`
	Skipped     int `json:"skipped"`
	Errors      int `json:"errors"`
}

// SweepEligibleCharges backfills intents for past-due charges at the
// fallback stage or beyond with no open intent (an earlier offer expired
// before payment, or collections escalation left the charge without an
// active offer). Per-charge errors are counted, never fatal.
func (o *Orchestrator) SweepEligibleCharges(ctx context.Context, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = 500
	}

	var charges []chargedomain.Charge
	err := o.db.WithContext(ctx).
		Where("status = ? AND dunning_stage >= ?",
			chargedomain.ChargeStatusPastDue, dunningservice.StageFallback).
		Where("id NOT IN (?)", o.db.Model(&domain.FallbackIntent{}).
			Select("charge_id").
			Where("status IN ?", domain.OpenIntentStatuses)).
		Order("overdue_since ASC").
		Limit(limit).
		Find(&charges).Error
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Scanned: len(charges)}
	for _, charge := range charges {
		created, err := o.CreateForCharge(ctx, domain.CreateRequest{
			ChargeID:  charge.ID,
			Source:    "SWEEP",
			CreatedBy: "sweep",
		})
		if err != nil {
			result.Errors++
			o.log.Error("sweep intent creation failed",
				zap.String("charge_id", charge.ID.String()), zap.Error(err))
			continue
		}
		switch created.Outcome {
		case domain.OutcomeCreated:
			result.Created++
		case domain.OutcomeAlreadyOpen:
			result.AlreadyOpen++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

func (o *Orchestrator) GetIntent(ctx context.Context, intentID snowflake.ID) (*domain.FallbackIntent, error) {
	return o.getIntent(ctx, intentID)
}

func (o *Orchestrator) getIntent(ctx context.Context, intentID snowflake.ID) (*domain.FallbackIntent, error) {
	var intent domain.FallbackIntent
	err := o.db.WithContext(ctx).First(&intent, "id = ?", intentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// mintReference builds the engine-side external reference, unique per
// (charge, provider, sequence). The sequence makes a re-offer after an
// expired intent mint a fresh reference.
func (o *Orchestrator) mintReference(ctx context.Context, chargeID snowflake.ID, provider string) (string, error) {
	var count int64
	if err := o.db.WithContext(ctx).Model(&domain.FallbackIntent{}).
		Where("charge_id = ? AND provider = ?", chargeID, provider).
		Count(&count).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("FBK-%s-%s-%d", chargeID, strings.ToUpper(provider), count+1), nil
}

func applyProviderIntent(intent *domain.FallbackIntent, pi *domain.ProviderIntent) {
	if pi == nil {
		return
	}
	if pi.ProviderPaymentID != "" {
		intent.ProviderPaymentID = &pi.ProviderPaymentID
	}
	if pi.ProviderStatus != "" {
		intent.ProviderStatus = &pi.ProviderStatus
	}
	if pi.PaymentURL != "" {
		intent.PaymentURL = &pi.PaymentURL
	}
	if pi.QRPayload != "" {
		intent.QRPayload = &pi.QRPayload
	}
	if pi.QRImageURL != "" {
		intent.QRImageURL = &pi.QRImageURL
	}
	if pi.Raw != nil {
		intent.RawPayload = datatypes.JSONMap(pi.Raw)
	}
}

func skipped(reason string) *domain.CreateResult {
	return &domain.CreateResult{Outcome: domain.OutcomeSkipped, Reason: reason}
}

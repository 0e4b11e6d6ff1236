package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	"github.com/cobranzalabs/cobranza/internal/charge/domain"
	"github.com/cobranzalabs/cobranza/internal/config"
	fallbackdomain "github.com/cobranzalabs/cobranza/internal/fallback/domain"
	"github.com/cobranzalabs/cobranza/internal/observability"
	pkgdb "github.com/cobranzalabs/cobranza/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	GenID   *snowflake.Node
	Audit   auditdomain.Recorder
	Metrics *observability.Metrics
}

// Closer is the single choke point through which a charge becomes PAID.
// Bank reconciliation and fallback confirmation both route here, which is
// what makes "paid exactly once" hold across channels.
type Closer struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	audit   auditdomain.Recorder
	metrics *observability.Metrics
	txWait  time.Duration
	txExec  time.Duration
}

func NewCloser(p Params) *Closer {
	return &Closer{
		db:      p.DB,
		log:     p.Log.Named("charge.closer"),
		genID:   p.GenID,
		audit:   p.Audit,
		metrics: p.Metrics,
		txWait:  p.Cfg.Collections.TxWaitTimeout,
		txExec:  p.Cfg.Collections.TxExecTimeout,
	}
}

type CloseRequest struct {
	ChargeID             snowflake.ID
	Channel              domain.Channel
	AmountARS            int64
	PaidAt               time.Time
	SourceRef            string
	KeepFallbackIntentID *snowflake.ID
	CreatedBy            string
}

type CloseResult struct {
	AlreadyPaid      bool           `json:"already_paid"`
	ChargeID         snowflake.ID   `json:"charge_id"`
	Channel          domain.Channel `json:"channel"`
	PaidAt           time.Time      `json:"paid_at"`
	AmountARS        int64          `json:"amount_ars"`
	CanceledAttempts int            `json:"canceled_attempts"`
	CanceledIntents  int            `json:"canceled_intents"`
}

// CloseAsPaid marks a charge PAID. Fully idempotent: a second call, from
// any channel, returns AlreadyPaid with the first call's paid metadata.
func (c *Closer) CloseAsPaid(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	var charge domain.Charge
	err := c.db.WithContext(ctx).First(&charge, "id = ?", req.ChargeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrChargeNotFound
	}
	if err != nil {
		return nil, err
	}

	if charge.Status == domain.ChargeStatusPaid {
		return alreadyPaidResult(&charge), nil
	}

	paidAt := req.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	result := &CloseResult{
		ChargeID:  charge.ID,
		Channel:   req.Channel,
		PaidAt:    paidAt,
		AmountARS: req.AmountARS,
	}

	err = pkgdb.Tx(ctx, c.db, c.txWait, c.txExec, func(tx *gorm.DB) error {
		// Re-read under the transaction; a racing closer may have won.
		var current domain.Charge
		if err := tx.First(&current, "id = ?", req.ChargeID).Error; err != nil {
			return err
		}
		if current.Status == domain.ChargeStatusPaid {
			*result = *alreadyPaidResult(&current)
			return nil
		}

		now := time.Now().UTC()
		channel := req.Channel
		sourceRef := req.SourceRef
		updates := map[string]any{
			"status":                domain.ChargeStatusPaid,
			"amount_paid_ars":       req.AmountARS,
			"paid_via_channel":      channel,
			"paid_at":               paidAt,
			"paid_source_ref":       sourceRef,
			"reconciliation_status": domain.ReconciliationMatched,
			"updated_at":            now,
		}
		if err := tx.Model(&domain.Charge{}).Where("id = ?", current.ID).Updates(updates).Error; err != nil {
			return err
		}

		canceled := tx.Model(&domain.Attempt{}).
			Where("charge_id = ? AND status IN ?", current.ID, domain.OpenAttemptStatuses).
			Updates(map[string]any{"status": domain.AttemptStatusCanceled, "updated_at": now})
		if canceled.Error != nil {
			return canceled.Error
		}
		result.CanceledAttempts = int(canceled.RowsAffected)

		intentQuery := tx.Model(&fallbackdomain.FallbackIntent{}).
			Where("charge_id = ? AND status IN ?", current.ID, fallbackdomain.OpenIntentStatuses)
		if req.KeepFallbackIntentID != nil {
			intentQuery = intentQuery.Where("id <> ?", *req.KeepFallbackIntentID)
		}
		intents := intentQuery.Updates(map[string]any{
			"status":      fallbackdomain.IntentStatusCanceled,
			"canceled_at": now,
			"updated_at":  now,
		})
		if intents.Error != nil {
			return intents.Error
		}
		result.CanceledIntents = int(intents.RowsAffected)

		if current.BillingCycleID != nil {
			if err := tx.Model(&domain.BillingCycle{}).
				Where("id = ? AND status <> ?", *current.BillingCycleID, domain.BillingCycleStatusPaid).
				Updates(map[string]any{
					"status":     domain.BillingCycleStatusPaid,
					"paid_at":    paidAt,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
		}

		chargeID := current.ID
		return c.audit.Log(ctx, tx, auditdomain.Entry{
			AgencyID:  current.AgencyID,
			ChargeID:  &chargeID,
			EventType: auditdomain.EventChargeClosed,
			CreatedBy: req.CreatedBy,
			Payload: map[string]any{
				"channel":           string(channel),
				"amount_ars":        req.AmountARS,
				"source_ref":        sourceRef,
				"canceled_attempts": result.CanceledAttempts,
				"canceled_intents":  result.CanceledIntents,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyPaid {
		c.metrics.ChargesClosed.WithLabelValues(string(req.Channel)).Inc()
		c.log.Info("charge closed as paid",
			zap.String("charge_id", req.ChargeID.String()),
			zap.String("channel", string(req.Channel)),
			zap.Int64("amount_ars", req.AmountARS))
	}
	return result, nil
}

// OpenDuplicateCase records a cross-channel late duplicate payment for
// manual review. The second payment is never applied to the charge.
func (c *Closer) OpenDuplicateCase(ctx context.Context, chargeID snowflake.ID, secondChannel domain.Channel, secondRef string, amountARS int64) (*domain.DuplicatePaymentCase, error) {
	var charge domain.Charge
	if err := c.db.WithContext(ctx).First(&charge, "id = ?", chargeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrChargeNotFound
		}
		return nil, err
	}

	firstChannel := domain.ChannelManual
	if charge.PaidViaChannel != nil {
		firstChannel = *charge.PaidViaChannel
	}

	now := time.Now().UTC()
	record := &domain.DuplicatePaymentCase{
		ID:            c.genID.Generate(),
		AgencyID:      charge.AgencyID,
		ChargeID:      charge.ID,
		FirstChannel:  firstChannel,
		SecondChannel: secondChannel,
		SecondRef:     secondRef,
		AmountARS:     amountARS,
		Status:        domain.DuplicateCaseOpen,
		DetectedAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := pkgdb.Tx(ctx, c.db, c.txWait, c.txExec, func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return c.audit.Log(ctx, tx, auditdomain.Entry{
			AgencyID:  charge.AgencyID,
			ChargeID:  &charge.ID,
			EventType: auditdomain.EventDuplicatePayment,
			Payload: map[string]any{
				"first_channel":  string(firstChannel),
				"second_channel": string(secondChannel),
				"second_ref":     secondRef,
				"amount_ars":     amountARS,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	c.log.Warn("late duplicate payment detected",
		zap.String("charge_id", charge.ID.String()),
		zap.String("first_channel", string(firstChannel)),
		zap.String("second_channel", string(secondChannel)))
	return record, nil
}

func alreadyPaidResult(charge *domain.Charge) *CloseResult {
	result := &CloseResult{
		AlreadyPaid: true,
		ChargeID:    charge.ID,
		AmountARS:   charge.AmountPaidARS,
	}
	if charge.PaidViaChannel != nil {
		result.Channel = *charge.PaidViaChannel
	}
	if charge.PaidAt != nil {
		result.PaidAt = *charge.PaidAt
	}
	return result
}

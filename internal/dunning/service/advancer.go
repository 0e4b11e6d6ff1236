package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	"github.com/cobranzalabs/cobranza/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dunning stages. A charge only ever moves up the ladder.
const (
	StageNone         = 0
	StageFirstReject  = 1
	StageRepeatReject = 2
	StageFallback     = 3
	StageCollections  = 4
)

type AdvancerParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cfg   config.Config
	Audit auditdomain.Recorder
}

// Advancer owns the monotonic per-charge dunning stage.
type Advancer struct {
	db    *gorm.DB
	log   *zap.Logger
	cfg   config.Config
	audit auditdomain.Recorder
}

func NewAdvancer(p AdvancerParams) *Advancer {
	return &Advancer{
		db:    p.DB,
		log:   p.Log.Named("dunning.advancer"),
		cfg:   p.Cfg,
		audit: p.Audit,
	}
}

type AdvanceResult struct {
	Moved  bool   `json:"moved"`
	Stage  int    `json:"stage"`
	Reason string `json:"reason,omitempty"`
}

// AdvanceStage raises a charge's dunning stage to max(current, target).
// A PAID charge or a no-op target returns moved=false, never an error.
func (a *Advancer) AdvanceStage(ctx context.Context, chargeID snowflake.ID, target int, actor string) (*AdvanceResult, error) {
	if !a.cfg.Dunning.Enabled {
		return &AdvanceResult{Moved: false, Reason: "dunning_disabled"}, nil
	}
	if target < 0 {
		target = 0
	}

	result := &AdvanceResult{}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var charge chargedomain.Charge
		if err := tx.First(&charge, "id = ?", chargeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return chargedomain.ErrChargeNotFound
			}
			return err
		}

		result.Stage = charge.DunningStage
		if charge.Status == chargedomain.ChargeStatusPaid {
			result.Reason = "charge_already_paid"
			return nil
		}
		if target <= charge.DunningStage {
			result.Reason = "stage_not_advanced"
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"dunning_stage": target,
			"updated_at":    now,
		}
		if target > StageNone && charge.OverdueSince == nil {
			updates["overdue_since"] = now
		}
		if target >= StageCollections && charge.CollectionsEscalatedAt == nil {
			updates["collections_escalated_at"] = now
		}
		if err := tx.Model(&chargedomain.Charge{}).Where("id = ?", charge.ID).Updates(updates).Error; err != nil {
			return err
		}

		result.Moved = true
		result.Stage = target
		return a.audit.Log(ctx, tx, auditdomain.Entry{
			AgencyID:  charge.AgencyID,
			ChargeID:  &charge.ID,
			EventType: auditdomain.EventDunningAdvanced,
			CreatedBy: actor,
			Payload: map[string]any{
				"from_stage": charge.DunningStage,
				"to_stage":   target,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

package service

import (
	"context"

	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	fallbackdomain "github.com/cobranzalabs/cobranza/internal/fallback/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SourcePDRejectedFinal tags fallback intents opened because the last
// scheduled direct-debit attempt was rejected.
const SourcePDRejectedFinal = "PD_REJECTED_FINAL"

type HooksParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Advancer *Advancer
	Fallback fallbackdomain.Creator
}

// Hooks reacts to reconciliation outcomes: rejected attempts climb the
// dunning ladder and, when direct debit is exhausted, hand over to the
// fallback orchestrator.
type Hooks struct {
	db       *gorm.DB
	log      *zap.Logger
	advancer *Advancer
	fallback fallbackdomain.Creator
}

func NewHooks(p HooksParams) *Hooks {
	return &Hooks{
		db:       p.DB,
		log:      p.Log.Named("dunning.hooks"),
		advancer: p.Advancer,
		fallback: p.Fallback,
	}
}

type RejectionOutcome struct {
	Stage           int                          `json:"stage"`
	StageMoved      bool                         `json:"stage_moved"`
	FinalAttempt    bool                         `json:"final_attempt"`
	FallbackOutcome *fallbackdomain.CreateResult `json:"fallback_outcome,omitempty"`
}

// OnAttemptRejected computes the target stage from the attempt number
// (stage 1 on the first rejection, stage 2 on later ones) and advances
// dunning. It delegates to the fallback orchestrator only when this was
// the charge's final scheduled attempt.
func (h *Hooks) OnAttemptRejected(ctx context.Context, attempt *chargedomain.Attempt, actor string) (*RejectionOutcome, error) {
	target := StageFirstReject
	if attempt.AttemptNo > 1 {
		target = StageRepeatReject
	}

	advance, err := h.advancer.AdvanceStage(ctx, attempt.ChargeID, target, actor)
	if err != nil {
		return nil, err
	}
	outcome := &RejectionOutcome{Stage: advance.Stage, StageMoved: advance.Moved}

	final, err := h.isFinalAttempt(ctx, attempt)
	if err != nil {
		return nil, err
	}
	outcome.FinalAttempt = final
	if !final {
		return outcome, nil
	}

	created, err := h.fallback.CreateForCharge(ctx, fallbackdomain.CreateRequest{
		ChargeID:  attempt.ChargeID,
		Source:    SourcePDRejectedFinal,
		CreatedBy: actor,
	})
	if err != nil {
		return nil, err
	}
	outcome.FallbackOutcome = created

	h.log.Info("final attempt rejected, fallback delegated",
		zap.String("charge_id", attempt.ChargeID.String()),
		zap.String("fallback_outcome", string(created.Outcome)),
		zap.String("reason", created.Reason))
	return outcome, nil
}

// isFinalAttempt: no future PENDING/SCHEDULED/PROCESSING attempts remain
// and this attempt carries the highest attempt_no issued for the charge.
func (h *Hooks) isFinalAttempt(ctx context.Context, attempt *chargedomain.Attempt) (bool, error) {
	var openCount int64
	if err := h.db.WithContext(ctx).Model(&chargedomain.Attempt{}).
		Where("charge_id = ? AND id <> ? AND status IN ?",
			attempt.ChargeID, attempt.ID, chargedomain.OpenAttemptStatuses).
		Count(&openCount).Error; err != nil {
		return false, err
	}
	if openCount > 0 {
		return false, nil
	}

	var maxNo int
	if err := h.db.WithContext(ctx).Model(&chargedomain.Attempt{}).
		Where("charge_id = ?", attempt.ChargeID).
		Select("COALESCE(MAX(attempt_no), 0)").
		Scan(&maxNo).Error; err != nil {
		return false, err
	}
	return attempt.AttemptNo >= maxNo, nil
}

package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	"github.com/cobranzalabs/cobranza/internal/batch/domain"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	"github.com/cobranzalabs/cobranza/internal/clock"
	"github.com/cobranzalabs/cobranza/internal/config"
	rolloutdomain "github.com/cobranzalabs/cobranza/internal/rollout/domain"
	pkgdb "github.com/cobranzalabs/cobranza/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type PreparerParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Cfg     config.Config
	Clock   clock.Clock
	Rollout rolloutdomain.Service
	Audit   auditdomain.Recorder
}

// Preparer selects eligible pending attempts for a business date and opens
// an OUTBOUND batch for them.
type Preparer struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	cfg     config.Config
	clock   clock.Clock
	rollout rolloutdomain.Service
	audit   auditdomain.Recorder
}

func NewPreparer(p PreparerParams) *Preparer {
	return &Preparer{
		db:      p.DB,
		log:     p.Log.Named("batch.preparer"),
		genID:   p.GenID,
		cfg:     p.Cfg,
		clock:   p.Clock,
		rollout: p.Rollout,
		audit:   p.Audit,
	}
}

type PrepareRequest struct {
	BusinessDate time.Time
	DryRun       bool
	Force        bool
	// CutoffHour overrides the configured global cutoff for this run only.
	CutoffHour *int
	CreatedBy  string
}

type PrepareResult struct {
	NoOp             bool          `json:"no_op"`
	DryRun           bool          `json:"dry_run"`
	BatchID          *snowflake.ID `json:"batch_id,omitempty"`
	Rows             int           `json:"rows"`
	AmountTotalARS   int64         `json:"amount_total_ars"`
	Agencies         int           `json:"agencies"`
	DeferredByCutoff int           `json:"deferred_by_cutoff"`
	SkippedPaid      int           `json:"skipped_paid"`
	SkippedRollout   int           `json:"skipped_rollout"`
	SkippedMandate   int           `json:"skipped_mandate"`
}

type eligibleAttempt struct {
	attempt chargedomain.Attempt
	charge  chargedomain.Charge
}

// Prepare builds the presentment candidate set for a business date and,
// unless dry-run, opens a PREPARED outbound batch in one transaction.
func (p *Preparer) Prepare(ctx context.Context, req PrepareRequest) (*PrepareResult, error) {
	result := &PrepareResult{DryRun: req.DryRun}
	now := p.clock.Now(ctx)
	businessDate := req.BusinessDate
	if businessDate.IsZero() {
		businessDate = now
	}
	cutoffTS := endOfDay(businessDate)

	var attempts []chargedomain.Attempt
	if err := p.db.WithContext(ctx).
		Where("status = ? AND channel = ? AND scheduled_for <= ?",
			chargedomain.AttemptStatusPending, p.cfg.Collections.Channel, cutoffTS).
		Order("scheduled_for ASC, id ASC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		result.NoOp = true
		return result, nil
	}

	charges, err := p.loadCharges(ctx, attempts)
	if err != nil {
		return nil, err
	}
	mandates, err := p.loadMandates(ctx, attempts)
	if err != nil {
		return nil, err
	}

	agencyIDs := make([]snowflake.ID, 0, len(attempts))
	seenAgency := map[snowflake.ID]bool{}
	for _, a := range attempts {
		if !seenAgency[a.AgencyID] {
			seenAgency[a.AgencyID] = true
			agencyIDs = append(agencyIDs, a.AgencyID)
		}
	}
	flags, err := p.rollout.FlagsFor(ctx, agencyIDs)
	if err != nil {
		return nil, err
	}

	isToday := sameDay(businessDate, now)
	eligible := make([]eligibleAttempt, 0, len(attempts))
	perAgency := map[snowflake.ID]int{}

	for _, attempt := range attempts {
		charge, ok := charges[attempt.ChargeID]
		if !ok {
			p.log.Warn("attempt references missing charge",
				zap.String("attempt_id", attempt.ID.String()),
				zap.String("charge_id", attempt.ChargeID.String()))
			continue
		}
		if charge.Status == chargedomain.ChargeStatusPaid {
			result.SkippedPaid++
			continue
		}

		agencyFlags, rolledOut := flags[attempt.AgencyID]
		if !req.Force && (!rolledOut || !agencyFlags.PDAutomationEnabled) {
			result.SkippedRollout++
			continue
		}

		if p.cfg.Collections.RequireActiveMandate {
			if attempt.MandateID == nil {
				result.SkippedMandate++
				continue
			}
			mandate, ok := mandates[*attempt.MandateID]
			if !ok || mandate.Status != chargedomain.MandateStatusActive {
				result.SkippedMandate++
				continue
			}
		}

		// Same-day runs respect the agency cutoff hour: once it passes,
		// the attempt waits for the next business date. Not an error.
		if isToday && !req.Force {
			hour := p.resolveCutoffHour(agencyFlags, rolledOut, req.CutoffHour)
			if hour >= 0 && now.Hour() >= hour {
				result.DeferredByCutoff++
				continue
			}
		}

		eligible = append(eligible, eligibleAttempt{attempt: attempt, charge: charge})
		perAgency[attempt.AgencyID]++
		result.AmountTotalARS += attempt.AmountARS
	}

	result.Rows = len(eligible)
	result.Agencies = len(perAgency)
	if len(eligible) == 0 {
		result.NoOp = true
		result.AmountTotalARS = 0
		return result, nil
	}
	if req.DryRun {
		return result, nil
	}

	batchID := p.genID.Generate()
	err = pkgdb.Tx(ctx, p.db, p.cfg.Collections.TxWaitTimeout, p.cfg.Collections.TxExecTimeout, func(tx *gorm.DB) error {
		nowTS := time.Now().UTC()
		batch := &domain.FileBatch{
			ID:             batchID,
			Direction:      domain.DirectionOutbound,
			Status:         domain.BatchStatusPrepared,
			Adapter:        p.cfg.Collections.Adapter,
			BusinessDate:   businessDate,
			RecordCount:    len(eligible),
			AmountTotalARS: result.AmountTotalARS,
			CreatedAt:      nowTS,
			UpdatedAt:      nowTS,
		}
		if err := tx.Create(batch).Error; err != nil {
			return err
		}

		attemptIDs := make([]snowflake.ID, 0, len(eligible))
		chargeIDs := make([]snowflake.ID, 0, len(eligible))
		items := make([]domain.FileBatchItem, 0, len(eligible))
		for i, e := range eligible {
			attemptIDs = append(attemptIDs, e.attempt.ID)
			chargeIDs = append(chargeIDs, e.charge.ID)
			attemptID := e.attempt.ID
			chargeID := e.charge.ID
			items = append(items, domain.FileBatchItem{
				ID:                p.genID.Generate(),
				BatchID:           batchID,
				LineNo:            i + 1,
				AttemptID:         &attemptID,
				ChargeID:          &chargeID,
				AgencyID:          e.attempt.AgencyID,
				ExternalReference: e.attempt.ExternalReference,
				RawHash:           hashReference(e.attempt.ExternalReference),
				AmountARS:         e.attempt.AmountARS,
				Status:            domain.ItemStatusPending,
				CreatedAt:         nowTS,
				UpdatedAt:         nowTS,
			})
		}
		if err := tx.CreateInBatches(items, 500).Error; err != nil {
			return err
		}

		if err := tx.Model(&chargedomain.Attempt{}).
			Where("id IN ?", attemptIDs).
			Updates(map[string]any{
				"status":     chargedomain.AttemptStatusProcessing,
				"updated_at": nowTS,
			}).Error; err != nil {
			return err
		}

		if err := tx.Model(&chargedomain.Charge{}).
			Where("id IN ? AND status IN ?", chargeIDs,
				[]chargedomain.ChargeStatus{chargedomain.ChargeStatusReady, chargedomain.ChargeStatusPending}).
			Updates(map[string]any{
				"status":     chargedomain.ChargeStatusProcessing,
				"updated_at": nowTS,
			}).Error; err != nil {
			return err
		}

		for agencyID, count := range perAgency {
			if err := p.audit.Log(ctx, tx, auditdomain.Entry{
				AgencyID:  agencyID,
				EventType: auditdomain.EventBatchPrepared,
				CreatedBy: req.CreatedBy,
				Payload: map[string]any{
					"batch_id":      batchID.String(),
					"business_date": businessDate.Format("2006-01-02"),
					"rows":          count,
				},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.BatchID = &batchID
	p.log.Info("presentment batch prepared",
		zap.String("batch_id", batchID.String()),
		zap.Int("rows", result.Rows),
		zap.Int64("amount_total_ars", result.AmountTotalARS),
		zap.Int("deferred_by_cutoff", result.DeferredByCutoff))
	return result, nil
}

// resolveCutoffHour applies "agency overrides global": a per-run override
// wins, then the agency hour, then the global hour. An agency hour of -1
// opts the agency out of cutoff deferral entirely.
func (p *Preparer) resolveCutoffHour(flags rolloutdomain.Flags, rolledOut bool, override *int) int {
	if override != nil {
		return *override
	}
	if rolledOut && flags.CutoffHour != nil {
		return *flags.CutoffHour
	}
	return p.cfg.Collections.GlobalCutoffHour
}

func (p *Preparer) loadCharges(ctx context.Context, attempts []chargedomain.Attempt) (map[snowflake.ID]chargedomain.Charge, error) {
	ids := make([]snowflake.ID, 0, len(attempts))
	for _, a := range attempts {
		ids = append(ids, a.ChargeID)
	}
	var charges []chargedomain.Charge
	if err := p.db.WithContext(ctx).Where("id IN ?", ids).Find(&charges).Error; err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]chargedomain.Charge, len(charges))
	for _, c := range charges {
		out[c.ID] = c
	}
	return out, nil
}

func (p *Preparer) loadMandates(ctx context.Context, attempts []chargedomain.Attempt) (map[snowflake.ID]chargedomain.Mandate, error) {
	ids := make([]snowflake.ID, 0, len(attempts))
	for _, a := range attempts {
		if a.MandateID != nil {
			ids = append(ids, *a.MandateID)
		}
	}
	out := make(map[snowflake.ID]chargedomain.Mandate, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var mandates []chargedomain.Mandate
	if err := p.db.WithContext(ctx).Where("id IN ?", ids).Find(&mandates).Error; err != nil {
		return nil, err
	}
	for _, m := range mandates {
		out[m.ID] = m
	}
	return out, nil
}

func hashReference(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

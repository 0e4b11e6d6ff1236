package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	"github.com/cobranzalabs/cobranza/internal/batch/adapters"
	"github.com/cobranzalabs/cobranza/internal/batch/domain"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	chargeservice "github.com/cobranzalabs/cobranza/internal/charge/service"
	"github.com/cobranzalabs/cobranza/internal/config"
	dunningservice "github.com/cobranzalabs/cobranza/internal/dunning/service"
	"github.com/cobranzalabs/cobranza/internal/fiscal"
	"github.com/cobranzalabs/cobranza/internal/observability"
	"github.com/cobranzalabs/cobranza/internal/storage"
	pkgdb "github.com/cobranzalabs/cobranza/pkg/db"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ImporterParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	GenID    *snowflake.Node
	Adapters *adapters.Registry
	Store    storage.Store
	Closer   *chargeservice.Closer
	Dunning  *dunningservice.Hooks
	Fiscal   fiscal.Issuer
	Audit    auditdomain.Recorder
	Metrics  *observability.Metrics
}

// Importer reconciles an uploaded bank response file against the outbound
// presentment it answers.
type Importer struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	adapters *adapters.Registry
	store    storage.Store
	closer   *chargeservice.Closer
	dunning  *dunningservice.Hooks
	fiscal   fiscal.Issuer
	audit    auditdomain.Recorder
	metrics  *observability.Metrics
	txWait   time.Duration
	txExec   time.Duration
}

func NewImporter(p ImporterParams) *Importer {
	return &Importer{
		db:       p.DB,
		log:      p.Log.Named("batch.importer"),
		genID:    p.GenID,
		adapters: p.Adapters,
		store:    p.Store,
		closer:   p.Closer,
		dunning:  p.Dunning,
		fiscal:   p.Fiscal,
		audit:    p.Audit,
		metrics:  p.Metrics,
		txWait:   p.Cfg.Collections.TxWaitTimeout,
		txExec:   p.Cfg.Collections.TxExecTimeout,
	}
}

type ImportResult struct {
	AlreadyImported bool          `json:"already_imported"`
	ImportRunID     string        `json:"import_run_id"`
	InboundBatchID  *snowflake.ID `json:"inbound_batch_id,omitempty"`
	RowsTotal       int           `json:"rows_total"`
	Paid            int           `json:"paid"`
	Rejected        int           `json:"rejected"`
	ErrorRows       int           `json:"error_rows"`
	Unmatched       int           `json:"unmatched"`
	AmountPaidARS   int64         `json:"amount_paid_ars"`
}

// Import parses, de-duplicates and reconciles a response file. Each row is
// isolated in its own transaction so one bad row cannot abort the batch;
// the batch-level counters commit once at the end. An ImportRun record is
// written regardless of outcome.
func (im *Importer) Import(ctx context.Context, outboundBatchID snowflake.ID, data []byte, uploadedBy string) (*ImportResult, error) {
	fileHash := hashBytes(data)

	var outbound domain.FileBatch
	err := im.db.WithContext(ctx).First(&outbound, "id = ?", outboundBatchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		im.recordRun(ctx, runRecord{
			outboundID: outboundBatchID, hash: fileHash, size: len(data),
			status: domain.ImportRunInvalid, reason: "outbound_batch_not_found", uploadedBy: uploadedBy,
		})
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}

	adapter, err := im.adapters.Get(outbound.Adapter)
	if err != nil {
		return nil, err
	}

	if !adapter.Sniff(data) {
		im.recordRun(ctx, runRecord{
			outboundID: outbound.ID, adapter: outbound.Adapter, hash: fileHash, size: len(data),
			status: domain.ImportRunInvalid, reason: "adapter_mismatch", uploadedBy: uploadedBy,
		})
		return nil, domain.ErrAdapterMismatch
	}

	parsed, err := adapter.ParseInboundFile(ctx, data)
	if err != nil {
		im.recordRun(ctx, runRecord{
			outboundID: outbound.ID, adapter: outbound.Adapter, hash: fileHash, size: len(data),
			status: domain.ImportRunInvalid, reason: "parse_failed", uploadedBy: uploadedBy,
		})
		return nil, fmt.Errorf("parse inbound file: %w", err)
	}
	for _, warning := range parsed.Warnings {
		im.log.Warn("inbound file parse warning",
			zap.String("outbound_batch_id", outbound.ID.String()),
			zap.String("warning", warning))
	}
	if err := adapter.ValidateInboundTotals(parsed); err != nil {
		im.recordRun(ctx, runRecord{
			outboundID: outbound.ID, adapter: outbound.Adapter, hash: fileHash, size: len(data),
			status: domain.ImportRunInvalid, reason: "control_totals_mismatch", uploadedBy: uploadedBy,
		})
		return nil, fmt.Errorf("%w: %v", domain.ErrControlTotalsMismatch, err)
	}

	// Duplicate upload defense: identical file already reconciled against
	// this presentment short-circuits with the prior batch's summary.
	if prior, err := im.findDuplicate(ctx, &outbound, fileHash, parsed); err != nil {
		return nil, err
	} else if prior != nil {
		runID := im.recordRun(ctx, runRecord{
			outboundID: outbound.ID, inboundID: &prior.ID, adapter: outbound.Adapter,
			hash: fileHash, size: len(data), status: domain.ImportRunDuplicate,
			reason: "identical_file_already_imported", uploadedBy: uploadedBy,
			totals: rowCounts{total: prior.RecordCount, paid: prior.RowsPaid, rejected: prior.RowsRejected, errors: prior.RowsError},
		})
		priorID := prior.ID
		return &ImportResult{
			AlreadyImported: true,
			ImportRunID:     runID,
			InboundBatchID:  &priorID,
			RowsTotal:       prior.RecordCount,
			Paid:            prior.RowsPaid,
			Rejected:        prior.RowsRejected,
			ErrorRows:       prior.RowsError,
		}, nil
	}

	if outbound.Status == domain.BatchStatusReconciled {
		im.recordRun(ctx, runRecord{
			outboundID: outbound.ID, adapter: outbound.Adapter, hash: fileHash, size: len(data),
			status: domain.ImportRunInvalid, reason: "outbound_already_reconciled", uploadedBy: uploadedBy,
		})
		return nil, domain.ErrBatchAlreadyReconciled
	}

	inbound, err := im.openInboundBatch(ctx, &outbound, fileHash, parsed, data)
	if err != nil {
		im.recordRun(ctx, runRecord{
			outboundID: outbound.ID, adapter: outbound.Adapter, hash: fileHash, size: len(data),
			status: domain.ImportRunFailed, reason: "inbound_batch_open_failed", uploadedBy: uploadedBy,
		})
		return nil, err
	}

	outboundItems, err := im.loadOutboundItems(ctx, outbound.ID)
	if err != nil {
		inboundID := inbound.ID
		im.recordRun(ctx, runRecord{
			outboundID: outbound.ID, inboundID: &inboundID, adapter: outbound.Adapter,
			hash: fileHash, size: len(data), status: domain.ImportRunFailed,
			reason: "outbound_items_load_failed", uploadedBy: uploadedBy,
		})
		return nil, err
	}

	counts := rowCounts{total: len(parsed.Rows)}
	var amountPaid int64
	var matched int
	var newlyPaid []snowflake.ID

	for _, row := range parsed.Rows {
		item := outboundItems.match(row)
		if item == nil {
			im.recordUnmatchedRow(ctx, inbound.ID, row)
			counts.unmatched++
			counts.errors++
			im.metrics.RowsReconciled.WithLabelValues("unmatched").Inc()
			continue
		}
		matched++

		switch row.Mapped {
		case adapters.MappedPaid:
			chargeID, already, err := im.applyPaidRow(ctx, inbound.ID, item, row)
			if err != nil {
				im.log.Error("paid row failed, continuing",
					zap.Int("line_no", row.LineNo), zap.Error(err))
				counts.errors++
				im.metrics.RowsReconciled.WithLabelValues("error").Inc()
				continue
			}
			counts.paid++
			amountPaid += row.AmountARS
			if !already && chargeID != 0 {
				newlyPaid = append(newlyPaid, chargeID)
			}
			im.metrics.RowsReconciled.WithLabelValues("paid").Inc()

		case adapters.MappedRejected:
			if err := im.applyRejectedRow(ctx, inbound.ID, item, row, uploadedBy); err != nil {
				im.log.Error("rejected row failed, continuing",
					zap.Int("line_no", row.LineNo), zap.Error(err))
				counts.errors++
				im.metrics.RowsReconciled.WithLabelValues("error").Inc()
				continue
			}
			counts.rejected++
			im.metrics.RowsReconciled.WithLabelValues("rejected").Inc()

		default:
			// FAILED and UNKNOWN both land here: error rows, not rejections.
			if err := im.applyErrorRow(ctx, inbound.ID, item, row); err != nil {
				im.log.Error("error row failed, continuing",
					zap.Int("line_no", row.LineNo), zap.Error(err))
			}
			counts.errors++
			im.metrics.RowsReconciled.WithLabelValues("error").Inc()
		}
	}

	if err := im.finalize(ctx, &outbound, inbound, counts, matched); err != nil {
		inboundID := inbound.ID
		im.recordRun(ctx, runRecord{
			outboundID: outbound.ID, inboundID: &inboundID, adapter: outbound.Adapter,
			hash: fileHash, size: len(data), status: domain.ImportRunFailed,
			reason: "finalize_failed", uploadedBy: uploadedBy, totals: counts,
		})
		return nil, err
	}

	runID := im.recordRun(ctx, runRecord{
		outboundID: outbound.ID, inboundID: &inbound.ID, adapter: outbound.Adapter,
		hash: fileHash, size: len(data), status: domain.ImportRunSuccess,
		uploadedBy: uploadedBy, totals: counts,
	})

	if len(newlyPaid) > 0 {
		if err := im.fiscal.IssueForCharges(ctx, newlyPaid); err != nil {
			im.log.Warn("fiscal issuance hook failed", zap.Error(err))
		}
	}

	im.log.Info("response file imported",
		zap.String("outbound_batch_id", outbound.ID.String()),
		zap.String("inbound_batch_id", inbound.ID.String()),
		zap.Int("rows", counts.total),
		zap.Int("paid", counts.paid),
		zap.Int("rejected", counts.rejected),
		zap.Int("error_rows", counts.errors))

	inboundID := inbound.ID
	return &ImportResult{
		ImportRunID:    runID,
		InboundBatchID: &inboundID,
		RowsTotal:      counts.total,
		Paid:           counts.paid,
		Rejected:       counts.rejected,
		ErrorRows:      counts.errors,
		Unmatched:      counts.unmatched,
		AmountPaidARS:  amountPaid,
	}, nil
}

type rowCounts struct {
	total     int
	paid      int
	rejected  int
	errors    int
	unmatched int
}

// applyPaidRow settles one matched PAID row in its own transaction, then
// routes the charge through the closer. Returns the charge id and whether
// the charge had already been paid.
func (im *Importer) applyPaidRow(ctx context.Context, inboundID snowflake.ID, item *domain.FileBatchItem, row adapters.InboundRow) (snowflake.ID, bool, error) {
	paidAt := time.Now().UTC()
	if row.PaidAt != nil {
		paidAt = *row.PaidAt
	}

	var chargeID snowflake.ID
	err := pkgdb.Tx(ctx, im.db, im.txWait, im.txExec, func(tx *gorm.DB) error {
		var attempt chargedomain.Attempt
		if item.AttemptID == nil {
			return chargedomain.ErrAttemptNotFound
		}
		if err := tx.First(&attempt, "id = ?", *item.AttemptID).Error; err != nil {
			return err
		}
		chargeID = attempt.ChargeID

		now := time.Now().UTC()
		if err := tx.Model(&chargedomain.Attempt{}).Where("id = ?", attempt.ID).Updates(map[string]any{
			"status":            chargedomain.AttemptStatusPaid,
			"processor_code":    row.ResultCode,
			"processor_message": row.ResultMessage,
			"paid_at":           paidAt,
			"updated_at":        now,
		}).Error; err != nil {
			return err
		}

		if err := im.updateOutboundItem(ctx, tx, item, domain.ItemStatusPaid, row); err != nil {
			return err
		}
		if err := im.insertInboundItem(ctx, tx, inboundID, item, domain.ItemStatusPaid, row); err != nil {
			return err
		}
		return im.audit.Log(ctx, tx, auditdomain.Entry{
			AgencyID:  attempt.AgencyID,
			ChargeID:  &attempt.ChargeID,
			EventType: auditdomain.EventAttemptPaid,
			Payload: map[string]any{
				"attempt_id":  attempt.ID.String(),
				"line_no":     row.LineNo,
				"amount_ars":  row.AmountARS,
				"result_code": row.ResultCode,
			},
		})
	})
	if err != nil {
		return 0, false, err
	}

	closeRes, err := im.closer.CloseAsPaid(ctx, chargeservice.CloseRequest{
		ChargeID:  chargeID,
		Channel:   chargedomain.ChannelPD,
		AmountARS: row.AmountARS,
		PaidAt:    paidAt,
		SourceRef: row.ExternalReference,
	})
	if err != nil {
		return chargeID, false, err
	}
	if closeRes.AlreadyPaid && closeRes.Channel != chargedomain.ChannelPD {
		// Money arrived twice through different channels. Flag for review,
		// never double-count, never throw.
		if _, err := im.closer.OpenDuplicateCase(ctx, chargeID, chargedomain.ChannelPD, row.ExternalReference, row.AmountARS); err != nil {
			im.log.Error("duplicate payment case failed", zap.Error(err))
		}
	}
	return chargeID, closeRes.AlreadyPaid, nil
}

func (im *Importer) applyRejectedRow(ctx context.Context, inboundID snowflake.ID, item *domain.FileBatchItem, row adapters.InboundRow, actor string) error {
	var attempt chargedomain.Attempt
	err := pkgdb.Tx(ctx, im.db, im.txWait, im.txExec, func(tx *gorm.DB) error {
		if item.AttemptID == nil {
			return chargedomain.ErrAttemptNotFound
		}
		if err := tx.First(&attempt, "id = ?", *item.AttemptID).Error; err != nil {
			return err
		}
		var charge chargedomain.Charge
		if err := tx.First(&charge, "id = ?", attempt.ChargeID).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		if charge.Status != chargedomain.ChargeStatusPaid {
			if err := tx.Model(&chargedomain.Attempt{}).Where("id = ?", attempt.ID).Updates(map[string]any{
				"status":            chargedomain.AttemptStatusRejected,
				"processor_code":    row.ResultCode,
				"processor_message": row.ResultMessage,
				"updated_at":        now,
			}).Error; err != nil {
				return err
			}
			if err := tx.Model(&chargedomain.Charge{}).Where("id = ?", charge.ID).Updates(map[string]any{
				"status":                chargedomain.ChargeStatusPastDue,
				"reconciliation_status": chargedomain.ReconciliationUnmatched,
				"updated_at":            now,
			}).Error; err != nil {
				return err
			}
		}

		if err := im.updateOutboundItem(ctx, tx, item, domain.ItemStatusRejected, row); err != nil {
			return err
		}
		if err := im.insertInboundItem(ctx, tx, inboundID, item, domain.ItemStatusRejected, row); err != nil {
			return err
		}
		return im.audit.Log(ctx, tx, auditdomain.Entry{
			AgencyID:  attempt.AgencyID,
			ChargeID:  &attempt.ChargeID,
			EventType: auditdomain.EventAttemptRejected,
			Payload: map[string]any{
				"attempt_id":  attempt.ID.String(),
				"line_no":     row.LineNo,
				"result_code": row.ResultCode,
				"result_msg":  row.ResultMessage,
			},
		})
	})
	if err != nil {
		return err
	}

	// The dunning hook runs after the row transaction committed: fallback
	// creation talks to a payment provider over HTTP and must not extend
	// the row's lock footprint. A hook failure is logged, not fatal.
	if _, err := im.dunning.OnAttemptRejected(ctx, &attempt, actor); err != nil {
		im.log.Warn("dunning rejection hook failed",
			zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
	}
	return nil
}

func (im *Importer) applyErrorRow(ctx context.Context, inboundID snowflake.ID, item *domain.FileBatchItem, row adapters.InboundRow) error {
	return pkgdb.Tx(ctx, im.db, im.txWait, im.txExec, func(tx *gorm.DB) error {
		if item.AttemptID == nil {
			return chargedomain.ErrAttemptNotFound
		}
		var attempt chargedomain.Attempt
		if err := tx.First(&attempt, "id = ?", *item.AttemptID).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		if attempt.Status == chargedomain.AttemptStatusProcessing {
			if err := tx.Model(&chargedomain.Attempt{}).Where("id = ?", attempt.ID).Updates(map[string]any{
				"status":            chargedomain.AttemptStatusFailed,
				"processor_code":    row.ResultCode,
				"processor_message": row.ResultMessage,
				"updated_at":        now,
			}).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&chargedomain.Charge{}).
			Where("id = ? AND status <> ?", attempt.ChargeID, chargedomain.ChargeStatusPaid).
			Updates(map[string]any{
				"reconciliation_status": chargedomain.ReconciliationError,
				"updated_at":            now,
			}).Error; err != nil {
			return err
		}

		if err := im.updateOutboundItem(ctx, tx, item, domain.ItemStatusError, row); err != nil {
			return err
		}
		if err := im.insertInboundItem(ctx, tx, inboundID, item, domain.ItemStatusError, row); err != nil {
			return err
		}
		return im.audit.Log(ctx, tx, auditdomain.Entry{
			AgencyID:  attempt.AgencyID,
			ChargeID:  &attempt.ChargeID,
			EventType: auditdomain.EventAttemptFailed,
			Payload: map[string]any{
				"attempt_id":  attempt.ID.String(),
				"line_no":     row.LineNo,
				"result_code": row.ResultCode,
				"mapped":      string(row.Mapped),
			},
		})
	})
}

func (im *Importer) recordUnmatchedRow(ctx context.Context, inboundID snowflake.ID, row adapters.InboundRow) {
	now := time.Now().UTC()
	item := &domain.FileBatchItem{
		ID:                im.genID.Generate(),
		BatchID:           inboundID,
		LineNo:            row.LineNo,
		ExternalReference: row.ExternalReference,
		RawHash:           row.RawHash,
		AmountARS:         row.AmountARS,
		Status:            domain.ItemStatusError,
		ResponseCode:      strPtr(row.ResultCode),
		ResponseMessage:   strPtr("no outbound item matches this row"),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if row.Payload != nil {
		item.RowPayload = datatypes.JSONMap(row.Payload)
	}
	if err := im.db.WithContext(ctx).Create(item).Error; err != nil {
		im.log.Error("failed to record unmatched row",
			zap.Int("line_no", row.LineNo), zap.Error(err))
	}
}

func (im *Importer) updateOutboundItem(ctx context.Context, tx *gorm.DB, item *domain.FileBatchItem, status domain.ItemStatus, row adapters.InboundRow) error {
	return tx.WithContext(ctx).Model(&domain.FileBatchItem{}).Where("id = ?", item.ID).Updates(map[string]any{
		"status":           status,
		"response_code":    row.ResultCode,
		"response_message": row.ResultMessage,
		"updated_at":       time.Now().UTC(),
	}).Error
}

// insertInboundItem appends the response-side ledger entry; together with
// the outbound item update it forms the per-row audit trail.
func (im *Importer) insertInboundItem(ctx context.Context, tx *gorm.DB, inboundID snowflake.ID, matched *domain.FileBatchItem, status domain.ItemStatus, row adapters.InboundRow) error {
	now := time.Now().UTC()
	item := &domain.FileBatchItem{
		ID:                im.genID.Generate(),
		BatchID:           inboundID,
		LineNo:            row.LineNo,
		AttemptID:         matched.AttemptID,
		ChargeID:          matched.ChargeID,
		AgencyID:          matched.AgencyID,
		ExternalReference: row.ExternalReference,
		RawHash:           row.RawHash,
		AmountARS:         row.AmountARS,
		Status:            status,
		ResponseCode:      strPtr(row.ResultCode),
		ResponseMessage:   strPtr(row.ResultMessage),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if row.Payload != nil {
		item.RowPayload = datatypes.JSONMap(row.Payload)
	}
	return tx.WithContext(ctx).Create(item).Error
}

func (im *Importer) openInboundBatch(ctx context.Context, outbound *domain.FileBatch, fileHash string, parsed *adapters.ParsedFile, data []byte) (*domain.FileBatch, error) {
	now := time.Now().UTC()
	parentID := outbound.ID
	fileName := fmt.Sprintf("response-%s-%s.csv", outbound.BusinessDate.Format("20060102"), fileHash[:12])
	key := path.Join("presentments", "inbound", outbound.BusinessDate.Format("2006-01-02"), fileName)

	inbound := &domain.FileBatch{
		ID:             im.genID.Generate(),
		Direction:      domain.DirectionInbound,
		Status:         domain.BatchStatusProcessing,
		Adapter:        outbound.Adapter,
		BusinessDate:   outbound.BusinessDate,
		RecordCount:    len(parsed.Rows),
		AmountTotalARS: parsed.Totals.AmountTotalARS,
		StorageKey:     &key,
		FileName:       &fileName,
		FileHash:       &fileHash,
		ParentBatchID:  &parentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := im.db.WithContext(ctx).Create(inbound).Error; err != nil {
		return nil, err
	}

	// Raw bytes go to storage for audit before any row is touched.
	if err := im.store.Upload(ctx, key, data, storage.ContentTypeFor(fileName)); err != nil {
		msg := err.Error()
		im.db.WithContext(ctx).Model(&domain.FileBatch{}).Where("id = ?", inbound.ID).
			Updates(map[string]any{"status": domain.BatchStatusFailed, "error": msg, "updated_at": time.Now().UTC()})
		return nil, fmt.Errorf("upload inbound file: %w", err)
	}
	return inbound, nil
}

func (im *Importer) finalize(ctx context.Context, outbound, inbound *domain.FileBatch, counts rowCounts, matched int) error {
	return pkgdb.Tx(ctx, im.db, im.txWait, im.txExec, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Model(&domain.FileBatch{}).Where("id = ?", inbound.ID).Updates(map[string]any{
			"status":        domain.BatchStatusProcessed,
			"rows_paid":     counts.paid,
			"rows_rejected": counts.rejected,
			"rows_error":    counts.errors,
			"updated_at":    now,
		}).Error; err != nil {
			return err
		}
		if matched > 0 {
			if err := tx.Model(&domain.FileBatch{}).Where("id = ?", outbound.ID).Updates(map[string]any{
				"status":     domain.BatchStatusReconciled,
				"updated_at": now,
			}).Error; err != nil {
				return err
			}
		}

		var agencyIDs []snowflake.ID
		if err := tx.Model(&domain.FileBatchItem{}).
			Distinct("agency_id").
			Where("batch_id = ? AND agency_id <> 0", inbound.ID).
			Pluck("agency_id", &agencyIDs).Error; err != nil {
			return err
		}
		for _, agencyID := range agencyIDs {
			if err := im.audit.Log(ctx, tx, auditdomain.Entry{
				AgencyID:  agencyID,
				EventType: auditdomain.EventResponseImported,
				Payload: map[string]any{
					"outbound_batch_id": outbound.ID.String(),
					"inbound_batch_id":  inbound.ID.String(),
					"rows_paid":         counts.paid,
					"rows_rejected":     counts.rejected,
					"rows_error":        counts.errors,
				},
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// findDuplicate looks for a prior inbound batch answering the same
// presentment with the same adapter, hash, row count and amount total.
func (im *Importer) findDuplicate(ctx context.Context, outbound *domain.FileBatch, fileHash string, parsed *adapters.ParsedFile) (*domain.FileBatch, error) {
	var prior domain.FileBatch
	err := im.db.WithContext(ctx).
		Where("direction = ? AND parent_batch_id = ? AND adapter = ? AND file_hash = ? AND record_count = ? AND amount_total_ars = ?",
			domain.DirectionInbound, outbound.ID, outbound.Adapter, fileHash,
			len(parsed.Rows), parsed.Totals.AmountTotalARS).
		Order("created_at DESC").
		First(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prior, nil
}

type outboundIndex struct {
	byRef  map[string]*domain.FileBatchItem
	byHash map[string]*domain.FileBatchItem
}

func (idx *outboundIndex) match(row adapters.InboundRow) *domain.FileBatchItem {
	if row.ExternalReference != "" {
		if item, ok := idx.byRef[row.ExternalReference]; ok {
			return item
		}
	}
	if row.RawHash != "" {
		if item, ok := idx.byHash[row.RawHash]; ok {
			return item
		}
	}
	return nil
}

func (im *Importer) loadOutboundItems(ctx context.Context, outboundID snowflake.ID) (*outboundIndex, error) {
	var items []domain.FileBatchItem
	if err := im.db.WithContext(ctx).
		Where("batch_id = ?", outboundID).
		Find(&items).Error; err != nil {
		return nil, err
	}
	idx := &outboundIndex{
		byRef:  make(map[string]*domain.FileBatchItem, len(items)),
		byHash: make(map[string]*domain.FileBatchItem, len(items)),
	}
	for i := range items {
		item := &items[i]
		if item.ExternalReference != "" {
			idx.byRef[item.ExternalReference] = item
		}
		if item.RawHash != "" {
			idx.byHash[item.RawHash] = item
		}
	}
	return idx, nil
}

type runRecord struct {
	outboundID snowflake.ID
	inboundID  *snowflake.ID
	adapter    string
	hash       string
	size       int
	status     domain.ImportRunStatus
	reason     string
	uploadedBy string
	totals     rowCounts
}

// recordRun always writes the ImportRun audit row; failures to do so are
// logged but never override the import outcome.
func (im *Importer) recordRun(ctx context.Context, rec runRecord) string {
	run := &domain.ImportRun{
		ID:              im.genID.Generate(),
		PublicID:        uuid.NewString(),
		OutboundBatchID: rec.outboundID,
		InboundBatchID:  rec.inboundID,
		Adapter:         rec.adapter,
		FileHash:        rec.hash,
		FileSize:        rec.size,
		Status:          rec.status,
		RowsTotal:       rec.totals.total,
		RowsPaid:        rec.totals.paid,
		RowsRejected:    rec.totals.rejected,
		RowsError:       rec.totals.errors,
		UploadedBy:      rec.uploadedBy,
		CreatedAt:       time.Now().UTC(),
	}
	if rec.reason != "" {
		run.Reason = &rec.reason
	}
	if err := im.db.WithContext(ctx).Create(run).Error; err != nil {
		im.log.Error("failed to record import run", zap.Error(err))
	}
	if rec.status == domain.ImportRunInvalid {
		// A rejected file names no agency: the event is system-scoped.
		if err := im.audit.Log(ctx, im.db, auditdomain.Entry{
			EventType: auditdomain.EventImportRejected,
			Payload: map[string]any{
				"import_run_id":     run.PublicID,
				"outbound_batch_id": rec.outboundID.String(),
				"reason":            rec.reason,
				"file_hash":         rec.hash,
			},
		}); err != nil {
			im.log.Error("failed to record import rejection", zap.Error(err))
		}
	}
	return run.PublicID
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

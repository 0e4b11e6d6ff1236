package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	"github.com/cobranzalabs/cobranza/internal/batch/adapters"
	"github.com/cobranzalabs/cobranza/internal/batch/domain"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	"github.com/cobranzalabs/cobranza/internal/config"
	"github.com/cobranzalabs/cobranza/internal/observability"
	"github.com/cobranzalabs/cobranza/internal/storage"
	pkgdb "github.com/cobranzalabs/cobranza/pkg/db"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ExporterParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Adapters *adapters.Registry
	Store    storage.Store
	Audit    auditdomain.Recorder
	Metrics  *observability.Metrics
}

// Exporter materializes a prepared outbound batch into a bank file,
// persists it, and flips the batch to EXPORTED.
type Exporter struct {
	db       *gorm.DB
	log      *zap.Logger
	adapters *adapters.Registry
	store    storage.Store
	audit    auditdomain.Recorder
	metrics  *observability.Metrics
	txWait   time.Duration
	txExec   time.Duration
}

func NewExporter(p ExporterParams) *Exporter {
	return &Exporter{
		db:       p.DB,
		log:      p.Log.Named("batch.exporter"),
		adapters: p.Adapters,
		store:    p.Store,
		audit:    p.Audit,
		metrics:  p.Metrics,
		txWait:   p.Cfg.Collections.TxWaitTimeout,
		txExec:   p.Cfg.Collections.TxExecTimeout,
	}
}

type ExportResult struct {
	AlreadyExported bool                   `json:"already_exported"`
	Empty           bool                   `json:"empty"`
	BatchID         snowflake.ID           `json:"batch_id"`
	FileName        string                 `json:"file_name,omitempty"`
	StorageKey      string                 `json:"storage_key,omitempty"`
	FileHash        string                 `json:"file_hash,omitempty"`
	Totals          adapters.ControlTotals `json:"totals"`
}

// Export is idempotent: re-exporting an EXPORTED batch returns the stored
// file metadata. On failure after the batch was opened it rolls the batch
// to FAILED and restores its attempts to PENDING, then rethrows.
func (e *Exporter) Export(ctx context.Context, batchID snowflake.ID) (*ExportResult, error) {
	var batch domain.FileBatch
	err := e.db.WithContext(ctx).First(&batch, "id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	if batch.Direction != domain.DirectionOutbound {
		return nil, domain.ErrBatchNotExportable
	}

	if batch.Status == domain.BatchStatusExported || batch.Status == domain.BatchStatusReconciled ||
		batch.ExportedAt != nil || batch.StorageKey != nil {
		return exportedResult(&batch), nil
	}
	if batch.Status != domain.BatchStatusPrepared && batch.Status != domain.BatchStatusFailed {
		return nil, domain.ErrBatchNotExportable
	}

	adapter, err := e.adapters.Get(batch.Adapter)
	if err != nil {
		return nil, err
	}

	rows, attemptIDs, err := e.loadRows(ctx, batch.ID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		// Every attempt was canceled after preparation. Nothing to send.
		now := time.Now().UTC()
		if err := e.db.WithContext(ctx).Model(&domain.FileBatch{}).
			Where("id = ?", batch.ID).
			Updates(map[string]any{"status": domain.BatchStatusEmpty, "updated_at": now}).Error; err != nil {
			return nil, err
		}
		e.metrics.BatchesExported.WithLabelValues(batch.Adapter, "empty").Inc()
		return &ExportResult{Empty: true, BatchID: batch.ID}, nil
	}

	result, err := e.buildAndStore(ctx, &batch, adapter, rows)
	if err != nil {
		e.rollback(ctx, &batch, attemptIDs, err)
		e.metrics.BatchesExported.WithLabelValues(batch.Adapter, "failed").Inc()
		return nil, fmt.Errorf("export batch %s: %w", batch.ID, err)
	}

	e.metrics.BatchesExported.WithLabelValues(batch.Adapter, "exported").Inc()
	e.log.Info("batch exported",
		zap.String("batch_id", batch.ID.String()),
		zap.String("file", result.FileName),
		zap.Int("rows", result.Totals.RecordCount),
		zap.Int64("amount_total_ars", result.Totals.AmountTotalARS))
	return result, nil
}

func (e *Exporter) buildAndStore(ctx context.Context, batch *domain.FileBatch, adapter adapters.BankAdapter, rows []adapters.OutboundRow) (*ExportResult, error) {
	file, err := adapter.BuildOutboundFile(ctx, batch.ID, batch.BusinessDate, rows)
	if err != nil {
		return nil, err
	}
	if err := adapter.ValidateOutboundTotals(file.Totals, rows); err != nil {
		return nil, err
	}

	key := storageKey(batch, file.FileName)
	// Upload happens outside any transaction: a slow blob store must not
	// hold database locks.
	if err := e.store.Upload(ctx, key, file.Content, storage.ContentTypeFor(file.FileName)); err != nil {
		return nil, err
	}

	hash := sha256.Sum256(file.Content)
	fileHash := hex.EncodeToString(hash[:])
	now := time.Now().UTC()

	err = pkgdb.Tx(ctx, e.db, e.txWait, e.txExec, func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":           domain.BatchStatusExported,
			"storage_key":      key,
			"file_name":        file.FileName,
			"file_hash":        fileHash,
			"adapter_version":  file.AdapterVersion,
			"record_count":     file.Totals.RecordCount,
			"amount_total_ars": file.Totals.AmountTotalARS,
			"exported_at":      now,
			"updated_at":       now,
			"error":            nil,
		}
		if len(file.Meta) > 0 {
			updates["meta"] = datatypes.JSONMap(file.Meta)
		}
		if err := tx.Model(&domain.FileBatch{}).Where("id = ?", batch.ID).Updates(updates).Error; err != nil {
			return err
		}

		if err := tx.Model(&domain.FileBatchItem{}).
			Where("batch_id = ? AND status = ?", batch.ID, domain.ItemStatusPending).
			Updates(map[string]any{"status": domain.ItemStatusSent, "updated_at": now}).Error; err != nil {
			return err
		}

		agencies := map[snowflake.ID]int{}
		for _, row := range rows {
			agencies[row.AgencyID]++
		}
		for agencyID, count := range agencies {
			if err := e.audit.Log(ctx, tx, auditdomain.Entry{
				AgencyID:  agencyID,
				EventType: auditdomain.EventBatchExported,
				Payload: map[string]any{
					"batch_id":  batch.ID.String(),
					"file_name": file.FileName,
					"file_hash": fileHash,
					"rows":      count,
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

	return &ExportResult{
		BatchID:    batch.ID,
		FileName:   file.FileName,
		StorageKey: key,
		FileHash:   fileHash,
		Totals:     file.Totals,
	}, nil
}

// rollback leaves the batch retry-safe: FAILED with the recorded error,
// attempts restored to PENDING.
func (e *Exporter) rollback(ctx context.Context, batch *domain.FileBatch, attemptIDs []snowflake.ID, cause error) {
	now := time.Now().UTC()
	msg := cause.Error()
	err := pkgdb.Tx(ctx, e.db, e.txWait, e.txExec, func(tx *gorm.DB) error {
		if err := tx.Model(&domain.FileBatch{}).
			Where("id = ?", batch.ID).
			Updates(map[string]any{
				"status":     domain.BatchStatusFailed,
				"error":      msg,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		var agencyIDs []snowflake.ID
		if err := tx.Model(&domain.FileBatchItem{}).
			Distinct("agency_id").
			Where("batch_id = ?", batch.ID).
			Pluck("agency_id", &agencyIDs).Error; err != nil {
			return err
		}
		for _, agencyID := range agencyIDs {
			if err := e.audit.Log(ctx, tx, auditdomain.Entry{
				AgencyID:  agencyID,
				EventType: auditdomain.EventBatchExportFailed,
				Payload: map[string]any{
					"batch_id": batch.ID.String(),
					"adapter":  batch.Adapter,
					"error":    msg,
				},
			}); err != nil {
				return err
			}
		}

		if len(attemptIDs) == 0 {
			return nil
		}
		return tx.Model(&chargedomain.Attempt{}).
			Where("id IN ? AND status = ?", attemptIDs, chargedomain.AttemptStatusProcessing).
			Updates(map[string]any{
				"status":     chargedomain.AttemptStatusPending,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		e.log.Error("export rollback failed", zap.String("batch_id", batch.ID.String()), zap.Error(err))
		return
	}
	e.log.Warn("export rolled back",
		zap.String("batch_id", batch.ID.String()),
		zap.String("cause", msg))
}

// loadRows re-reads the batch items and drops rows whose attempt is no
// longer PROCESSING (canceled by a cross-channel payment in the interim).
func (e *Exporter) loadRows(ctx context.Context, batchID snowflake.ID) ([]adapters.OutboundRow, []snowflake.ID, error) {
	var items []domain.FileBatchItem
	if err := e.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("line_no ASC").
		Find(&items).Error; err != nil {
		return nil, nil, err
	}

	attemptIDs := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		if item.AttemptID != nil {
			attemptIDs = append(attemptIDs, *item.AttemptID)
		}
	}
	var attempts []chargedomain.Attempt
	if len(attemptIDs) > 0 {
		if err := e.db.WithContext(ctx).Where("id IN ?", attemptIDs).Find(&attempts).Error; err != nil {
			return nil, nil, err
		}
	}
	byID := make(map[snowflake.ID]chargedomain.Attempt, len(attempts))
	for _, a := range attempts {
		byID[a.ID] = a
	}

	rows := make([]adapters.OutboundRow, 0, len(items))
	lineNo := 0
	for _, item := range items {
		if item.AttemptID == nil {
			continue
		}
		attempt, ok := byID[*item.AttemptID]
		if !ok || attempt.Status != chargedomain.AttemptStatusProcessing {
			continue
		}
		lineNo++
		mandateRef := ""
		if attempt.MandateID != nil {
			mandateRef = attempt.MandateID.String()
		}
		rows = append(rows, adapters.OutboundRow{
			LineNo:            lineNo,
			ExternalReference: attempt.ExternalReference,
			AgencyID:          attempt.AgencyID,
			AmountARS:         attempt.AmountARS,
			MandateRef:        mandateRef,
			ScheduledFor:      attempt.ScheduledFor,
		})
	}
	return rows, attemptIDs, nil
}

type BatchError struct {
	BatchID snowflake.ID `json:"batch_id"`
	Error   string       `json:"error"`
}

type ExportPendingResult struct {
	Exported int          `json:"exported"`
	Empty    int          `json:"empty"`
	Failed   []BatchError `json:"failed,omitempty"`
}

// ExportPending scans for PREPARED batches and exports each independently,
// collecting per-batch errors without aborting the scan.
func (e *Exporter) ExportPending(ctx context.Context) (*ExportPendingResult, error) {
	var batches []domain.FileBatch
	if err := e.db.WithContext(ctx).
		Where("direction = ? AND status = ?", domain.DirectionOutbound, domain.BatchStatusPrepared).
		Order("created_at ASC").
		Find(&batches).Error; err != nil {
		return nil, err
	}

	result := &ExportPendingResult{}
	for _, batch := range batches {
		res, err := e.Export(ctx, batch.ID)
		if err != nil {
			result.Failed = append(result.Failed, BatchError{BatchID: batch.ID, Error: err.Error()})
			continue
		}
		if res.Empty {
			result.Empty++
		} else {
			result.Exported++
		}
	}
	return result, nil
}

func exportedResult(batch *domain.FileBatch) *ExportResult {
	result := &ExportResult{
		AlreadyExported: true,
		BatchID:         batch.ID,
		Totals: adapters.ControlTotals{
			RecordCount:    batch.RecordCount,
			AmountTotalARS: batch.AmountTotalARS,
		},
	}
	if batch.FileName != nil {
		result.FileName = *batch.FileName
	}
	if batch.StorageKey != nil {
		result.StorageKey = *batch.StorageKey
	}
	if batch.FileHash != nil {
		result.FileHash = *batch.FileHash
	}
	return result
}

func storageKey(batch *domain.FileBatch, fileName string) string {
	date := batch.BusinessDate.Format("2006-01-02")
	ext := ""
	if idx := strings.LastIndex(fileName, "."); idx >= 0 {
		ext = fileName[idx:]
		fileName = fileName[:idx]
	}
	return path.Join("presentments", "outbound", date,
		fmt.Sprintf("batch-%s-%s%s", batch.ID.String(), slug.Make(fileName), ext))
}

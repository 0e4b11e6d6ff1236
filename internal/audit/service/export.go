package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	"gorm.io/gorm"
)

type ExportService struct {
	db *gorm.DB
}

func NewExportService(db *gorm.DB) auditdomain.ExportService {
	return &ExportService{db: db}
}

func (s *ExportService) Export(ctx context.Context, req auditdomain.ExportRequest) (*auditdomain.ExportResult, error) {
	query := s.db.WithContext(ctx).Model(&auditdomain.BillingEvent{}).
		Where("created_at >= ? AND created_at < ?", req.StartDate, req.EndDate)

	if req.AgencyID != nil {
		query = query.Where("agency_id = ?", *req.AgencyID)
	}
	if len(req.EventTypes) > 0 {
		query = query.Where("event_type IN ?", req.EventTypes)
	}

	var events []auditdomain.BillingEvent
	if err := query.Order("created_at ASC").Find(&events).Error; err != nil {
		return nil, err
	}

	var data []byte
	var err error
	switch req.Format {
	case auditdomain.ExportFormatCSV:
		data, err = formatCSV(events)
	case auditdomain.ExportFormatJSON:
		data, err = formatJSON(events)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	// Checksum lets downstream consumers verify the file survived transfer.
	hash := sha256.Sum256(data)

	return &auditdomain.ExportResult{
		Data:     data,
		Checksum: hex.EncodeToString(hash[:]),
		Format:   req.Format,
		Count:    len(events),
	}, nil
}

func formatCSV(events []auditdomain.BillingEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"timestamp", "agency_id", "charge_id", "event_type", "created_by", "payload"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, ev := range events {
		payloadJSON, _ := json.Marshal(ev.Payload)
		row := []string{
			ev.CreatedAt.Format(time.RFC3339),
			ev.AgencyID.String(),
			formatIDPtr(ev.ChargeID),
			ev.EventType,
			ev.CreatedBy,
			string(payloadJSON),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatJSON(events []auditdomain.BillingEvent) ([]byte, error) {
	type exportRecord struct {
		Timestamp string         `json:"timestamp"`
		AgencyID  string         `json:"agency_id"`
		ChargeID  string         `json:"charge_id,omitempty"`
		EventType string         `json:"event_type"`
		CreatedBy string         `json:"created_by"`
		Payload   map[string]any `json:"payload,omitempty"`
	}

	records := make([]exportRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, exportRecord{
			Timestamp: ev.CreatedAt.Format(time.RFC3339),
			AgencyID:  ev.AgencyID.String(),
			ChargeID:  formatIDPtr(ev.ChargeID),
			EventType: ev.EventType,
			CreatedBy: ev.CreatedBy,
			Payload:   ev.Payload,
		})
	}

	return json.MarshalIndent(records, "", "  ")
}

func formatIDPtr(id *snowflake.ID) string {
	if id == nil || *id == 0 {
		return ""
	}
	return id.String()
}

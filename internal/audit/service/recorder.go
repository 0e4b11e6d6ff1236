package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
}

type Recorder struct {
	log   *zap.Logger
	genID *snowflake.Node
}

func NewRecorder(p Params) auditdomain.Recorder {
	return &Recorder{
		log:   p.Log.Named("audit.recorder"),
		genID: p.GenID,
	}
}

func (r *Recorder) Log(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	record := &auditdomain.BillingEvent{
		ID:        r.genID.Generate(),
		AgencyID:  entry.AgencyID,
		ChargeID:  entry.ChargeID,
		EventType: entry.EventType,
		CreatedBy: entry.CreatedBy,
		CreatedAt: time.Now().UTC(),
	}
	if record.CreatedBy == "" {
		record.CreatedBy = "system"
	}
	if entry.Payload != nil {
		record.Payload = datatypes.JSONMap(entry.Payload)
	}
	return tx.WithContext(ctx).Create(record).Error
}

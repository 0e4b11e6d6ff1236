// Package migration runs the schema migrations for every persisted model.
package migration

import (
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	batchdomain "github.com/cobranzalabs/cobranza/internal/batch/domain"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	fallbackdomain "github.com/cobranzalabs/cobranza/internal/fallback/domain"
	rolloutdomain "github.com/cobranzalabs/cobranza/internal/rollout/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(Migrate),
)

func models() []any {
	return []any{
		&chargedomain.Charge{},
		&chargedomain.Attempt{},
		&chargedomain.Mandate{},
		&chargedomain.BillingCycle{},
		&chargedomain.DuplicatePaymentCase{},
		&batchdomain.FileBatch{},
		&batchdomain.FileBatchItem{},
		&batchdomain.ImportRun{},
		&fallbackdomain.FallbackIntent{},
		&rolloutdomain.AgencyRollout{},
		&auditdomain.BillingEvent{},
	}
}

// Migrate auto-migrates all tables. Additive only; destructive changes go
// through manual SQL.
func Migrate(db *gorm.DB, log *zap.Logger) error {
	log = log.Named("migration")
	for _, model := range models() {
		if err := db.AutoMigrate(model); err != nil {
			return err
		}
	}
	log.Info("schema migrated", zap.Int("models", len(models())))
	return nil
}

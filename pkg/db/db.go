package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cobranzalabs/cobranza/internal/config"
	"github.com/glebarez/sqlite"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(New),
)

// New opens the GORM handle selected by config. Tracing is always on;
// the prometheus plugin is opt-in because it spawns a refresh goroutine.
func New(cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg.Database)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := gdb.Use(otelgorm.NewPlugin()); err != nil {
		return nil, err
	}
	if cfg.Database.EnableMetrics {
		if err := gdb.Use(gormprometheus.New(gormprometheus.Config{
			DBName:          "cobranza",
			RefreshInterval: 15,
		})); err != nil {
			return nil, err
		}
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}

	log.Info("database connected", zap.String("driver", cfg.Database.Driver))
	return gdb, nil
}

// Tx runs fn in a transaction bounded by two budgets: exec caps the whole
// transaction through a context deadline, and wait caps lock acquisition.
// The lock budget rides on postgres lock_timeout; other drivers fall back
// to the exec deadline alone. Zero or negative budgets mean unbounded.
func Tx(ctx context.Context, gdb *gorm.DB, wait, exec time.Duration, fn func(tx *gorm.DB) error) error {
	if exec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, exec)
		defer cancel()
	}
	return gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if wait > 0 && tx.Dialector.Name() == "postgres" {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", wait.Milliseconds())).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "sqlite", "":
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

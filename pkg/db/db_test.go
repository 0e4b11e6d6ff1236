package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	pkgdb "github.com/cobranzalabs/cobranza/pkg/db"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type note struct {
	ID   int64  `gorm:"primaryKey"`
	Body string `gorm:"type:text"`
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&note{}))
	return gdb
}

func TestTxCommitsAndPropagatesDeadline(t *testing.T) {
	gdb := newTestDB(t)

	var sawDeadline bool
	err := pkgdb.Tx(context.Background(), gdb, 10*time.Second, 45*time.Second, func(tx *gorm.DB) error {
		_, sawDeadline = tx.Statement.Context.Deadline()
		return tx.Create(&note{ID: 1, Body: "first"}).Error
	})
	require.NoError(t, err)
	assert.True(t, sawDeadline)

	var count int64
	require.NoError(t, gdb.Model(&note{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestTxRollsBackOnError(t *testing.T) {
	gdb := newTestDB(t)

	boom := errors.New("boom")
	err := pkgdb.Tx(context.Background(), gdb, 10*time.Second, 45*time.Second, func(tx *gorm.DB) error {
		if err := tx.Create(&note{ID: 1, Body: "doomed"}).Error; err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, gdb.Model(&note{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestTxZeroBudgetsLeaveContextUnbounded(t *testing.T) {
	gdb := newTestDB(t)

	err := pkgdb.Tx(context.Background(), gdb, 0, 0, func(tx *gorm.DB) error {
		_, hasDeadline := tx.Statement.Context.Deadline()
		assert.False(t, hasDeadline)
		return nil
	})
	require.NoError(t, err)
}

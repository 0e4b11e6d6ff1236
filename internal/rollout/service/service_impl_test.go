package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/cobranzalabs/cobranza/internal/config"
	"github.com/cobranzalabs/cobranza/internal/rollout/domain"
	"github.com/cobranzalabs/cobranza/internal/rollout/service"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.AgencyRollout{}))
	return db
}

func seedRollout(t *testing.T, db *gorm.DB, agencyID snowflake.ID) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, db.Create(&domain.AgencyRollout{
		ID:                  node.Generate(),
		AgencyID:            agencyID,
		PDAutomationEnabled: true,
		FallbackEnabled:     true,
		FallbackProvider:    "mp",
		DunningEnabled:      true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}).Error)
}

func TestFlagsForWithoutCache(t *testing.T) {
	db := newTestDB(t)
	seedRollout(t, db, 100)

	svc := service.New(service.Params{
		DB:  db,
		Log: zap.NewNop(),
		Cfg: config.Config{RolloutCacheTTL: time.Minute},
	})

	flags, err := svc.FlagsFor(context.Background(), []snowflake.ID{100, 200})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.True(t, flags[100].PDAutomationEnabled)
	assert.Equal(t, "mp", flags[100].FallbackProvider)

	// Agencies with no rollout row are absent, not zero-valued.
	_, ok := flags[200]
	assert.False(t, ok)
}

func TestFlagsForCacheAside(t *testing.T) {
	db := newTestDB(t)
	seedRollout(t, db, 100)

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	svc := service.New(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Cfg:   config.Config{RolloutCacheTTL: time.Minute},
		Cache: cache,
	})

	// Miss populates the cache.
	flags, err := svc.FlagsFor(context.Background(), []snowflake.ID{100})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.True(t, mr.Exists("rollout:"+snowflake.ID(100).String()))

	// A hit no longer consults the database.
	require.NoError(t, db.Where("agency_id = ?", 100).Delete(&domain.AgencyRollout{}).Error)
	flags, err = svc.FlagsFor(context.Background(), []snowflake.ID{100})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.True(t, flags[100].FallbackEnabled)

	// Once the entry expires the database answers again.
	mr.FastForward(2 * time.Minute)
	flags, err = svc.FlagsFor(context.Background(), []snowflake.ID{100})
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestFlagsForCacheUnavailableFallsBack(t *testing.T) {
	db := newTestDB(t)
	seedRollout(t, db, 100)

	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	svc := service.New(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Cfg:   config.Config{RolloutCacheTTL: time.Minute},
		Cache: cache,
	})

	flags, err := svc.FlagsFor(context.Background(), []snowflake.ID{100})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.True(t, flags[100].PDAutomationEnabled)
}

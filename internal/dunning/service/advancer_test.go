package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	auditservice "github.com/cobranzalabs/cobranza/internal/audit/service"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	"github.com/cobranzalabs/cobranza/internal/config"
	"github.com/cobranzalabs/cobranza/internal/dunning/service"
	fallbackdomain "github.com/cobranzalabs/cobranza/internal/fallback/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// A single shared node for seeding rows: separate nodes with the same node
// number mint colliding IDs when two seeds land in the same millisecond.
var seedNode = func() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}()

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&chargedomain.Charge{},
		&chargedomain.Attempt{},
		&auditdomain.BillingEvent{},
	))
	return db
}

func newAdvancer(t *testing.T, db *gorm.DB, enabled bool) *service.Advancer {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return service.NewAdvancer(service.AdvancerParams{
		DB:    db,
		Log:   zap.NewNop(),
		Cfg:   config.Config{Dunning: config.DunningConfig{Enabled: enabled}},
		Audit: auditservice.NewRecorder(auditservice.Params{Log: zap.NewNop(), GenID: node}),
	})
}

func seedCharge(t *testing.T, db *gorm.DB, status chargedomain.ChargeStatus, stage int) *chargedomain.Charge {
	t.Helper()
	now := time.Now().UTC()
	charge := &chargedomain.Charge{
		ID:                   seedNode.Generate(),
		AgencyID:             7,
		AmountDueARS:         100000,
		Currency:             "ARS",
		Status:               status,
		DunningStage:         stage,
		ReconciliationStatus: chargedomain.ReconciliationPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, db.Create(charge).Error)
	return charge
}

func TestAdvanceStageMonotonic(t *testing.T) {
	db := newTestDB(t)
	advancer := newAdvancer(t, db, true)
	charge := seedCharge(t, db, chargedomain.ChargeStatusPastDue, 0)

	result, err := advancer.AdvanceStage(context.Background(), charge.ID, service.StageRepeatReject, "test")
	require.NoError(t, err)
	assert.True(t, result.Moved)
	assert.Equal(t, service.StageRepeatReject, result.Stage)

	// A lower target never moves the stage back.
	result, err = advancer.AdvanceStage(context.Background(), charge.ID, service.StageFirstReject, "test")
	require.NoError(t, err)
	assert.False(t, result.Moved)
	assert.Equal(t, service.StageRepeatReject, result.Stage)
	assert.Equal(t, "stage_not_advanced", result.Reason)

	var updated chargedomain.Charge
	require.NoError(t, db.First(&updated, "id = ?", charge.ID).Error)
	assert.Equal(t, service.StageRepeatReject, updated.DunningStage)
	require.NotNil(t, updated.OverdueSince)
	assert.Nil(t, updated.CollectionsEscalatedAt)
}

func TestAdvanceStageToCollectionsStampsEscalation(t *testing.T) {
	db := newTestDB(t)
	advancer := newAdvancer(t, db, true)
	charge := seedCharge(t, db, chargedomain.ChargeStatusPastDue, service.StageFallback)

	result, err := advancer.AdvanceStage(context.Background(), charge.ID, service.StageCollections, "test")
	require.NoError(t, err)
	assert.True(t, result.Moved)

	var updated chargedomain.Charge
	require.NoError(t, db.First(&updated, "id = ?", charge.ID).Error)
	require.NotNil(t, updated.CollectionsEscalatedAt)
}

func TestAdvanceStagePaidChargeNoOp(t *testing.T) {
	db := newTestDB(t)
	advancer := newAdvancer(t, db, true)
	charge := seedCharge(t, db, chargedomain.ChargeStatusPaid, 0)

	result, err := advancer.AdvanceStage(context.Background(), charge.ID, service.StageFirstReject, "test")
	require.NoError(t, err)
	assert.False(t, result.Moved)
	assert.Equal(t, "charge_already_paid", result.Reason)
}

func TestAdvanceStageDisabled(t *testing.T) {
	db := newTestDB(t)
	advancer := newAdvancer(t, db, false)
	charge := seedCharge(t, db, chargedomain.ChargeStatusPastDue, 0)

	result, err := advancer.AdvanceStage(context.Background(), charge.ID, service.StageFirstReject, "test")
	require.NoError(t, err)
	assert.False(t, result.Moved)
	assert.Equal(t, "dunning_disabled", result.Reason)
}

type stubCreator struct {
	calls  []fallbackdomain.CreateRequest
	result *fallbackdomain.CreateResult
}

func (s *stubCreator) CreateForCharge(_ context.Context, req fallbackdomain.CreateRequest) (*fallbackdomain.CreateResult, error) {
	s.calls = append(s.calls, req)
	if s.result != nil {
		return s.result, nil
	}
	return &fallbackdomain.CreateResult{Outcome: fallbackdomain.OutcomeCreated}, nil
}

func seedAttempt(t *testing.T, db *gorm.DB, chargeID snowflake.ID, attemptNo int, status chargedomain.AttemptStatus) *chargedomain.Attempt {
	t.Helper()
	now := time.Now().UTC()
	attempt := &chargedomain.Attempt{
		ID:                seedNode.Generate(),
		ChargeID:          chargeID,
		AgencyID:          7,
		AttemptNo:         attemptNo,
		Channel:           chargedomain.ChannelPD,
		Status:            status,
		ExternalReference: seedNode.Generate().String(),
		ScheduledFor:      now,
		AmountARS:         100000,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, db.Create(attempt).Error)
	return attempt
}

func TestOnAttemptRejectedFirstAttemptWithRetryPending(t *testing.T) {
	db := newTestDB(t)
	advancer := newAdvancer(t, db, true)
	creator := &stubCreator{}
	hooks := service.NewHooks(service.HooksParams{
		DB: db, Log: zap.NewNop(), Advancer: advancer, Fallback: creator,
	})

	charge := seedCharge(t, db, chargedomain.ChargeStatusPastDue, 0)
	rejected := seedAttempt(t, db, charge.ID, 1, chargedomain.AttemptStatusRejected)
	seedAttempt(t, db, charge.ID, 2, chargedomain.AttemptStatusPending)

	outcome, err := hooks.OnAttemptRejected(context.Background(), rejected, "test")
	require.NoError(t, err)
	assert.True(t, outcome.StageMoved)
	assert.Equal(t, service.StageFirstReject, outcome.Stage)
	assert.False(t, outcome.FinalAttempt)
	// A retry is still scheduled: no fallback yet.
	assert.Empty(t, creator.calls)
}

func TestOnAttemptRejectedFinalAttemptDelegatesToFallback(t *testing.T) {
	db := newTestDB(t)
	advancer := newAdvancer(t, db, true)
	creator := &stubCreator{}
	hooks := service.NewHooks(service.HooksParams{
		DB: db, Log: zap.NewNop(), Advancer: advancer, Fallback: creator,
	})

	charge := seedCharge(t, db, chargedomain.ChargeStatusPastDue, service.StageFirstReject)
	seedAttempt(t, db, charge.ID, 1, chargedomain.AttemptStatusRejected)
	final := seedAttempt(t, db, charge.ID, 2, chargedomain.AttemptStatusRejected)

	outcome, err := hooks.OnAttemptRejected(context.Background(), final, "test")
	require.NoError(t, err)
	assert.Equal(t, service.StageRepeatReject, outcome.Stage)
	assert.True(t, outcome.FinalAttempt)
	require.NotNil(t, outcome.FallbackOutcome)

	require.Len(t, creator.calls, 1)
	assert.Equal(t, charge.ID, creator.calls[0].ChargeID)
	assert.Equal(t, service.SourcePDRejectedFinal, creator.calls[0].Source)
}

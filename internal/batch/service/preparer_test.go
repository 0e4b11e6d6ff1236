package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	batchdomain "github.com/cobranzalabs/cobranza/internal/batch/domain"
	"github.com/cobranzalabs/cobranza/internal/batch/service"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	rolloutdomain "github.com/cobranzalabs/cobranza/internal/rollout/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareBuildsBatch(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID)

	_, att1 := env.seedDebit(t, agencyID, 100000)
	_, att2 := env.seedDebit(t, agencyID, 250000)

	result, err := env.preparer.Prepare(context.Background(), service.PrepareRequest{
		BusinessDate: env.clock.now,
	})
	require.NoError(t, err)
	assert.False(t, result.NoOp)
	assert.Equal(t, 2, result.Rows)
	assert.EqualValues(t, 350000, result.AmountTotalARS)
	assert.Equal(t, 1, result.Agencies)
	require.NotNil(t, result.BatchID)

	var batch batchdomain.FileBatch
	require.NoError(t, env.db.First(&batch, "id = ?", *result.BatchID).Error)
	assert.Equal(t, batchdomain.BatchStatusPrepared, batch.Status)
	assert.Equal(t, 2, batch.RecordCount)

	var items []batchdomain.FileBatchItem
	require.NoError(t, env.db.Where("batch_id = ?", batch.ID).Order("line_no ASC").Find(&items).Error)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].LineNo)
	assert.NotEmpty(t, items[0].RawHash)

	for _, id := range []snowflake.ID{att1.ID, att2.ID} {
		var attempt chargedomain.Attempt
		require.NoError(t, env.db.First(&attempt, "id = ?", id).Error)
		assert.Equal(t, chargedomain.AttemptStatusProcessing, attempt.Status)
	}
}

func TestPrepareDryRunWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID)
	env.seedDebit(t, agencyID, 100000)

	result, err := env.preparer.Prepare(context.Background(), service.PrepareRequest{
		BusinessDate: env.clock.now,
		DryRun:       true,
	})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.Rows)
	assert.Nil(t, result.BatchID)

	var batches int64
	require.NoError(t, env.db.Model(&batchdomain.FileBatch{}).Count(&batches).Error)
	assert.Zero(t, batches)

	var attempt chargedomain.Attempt
	require.NoError(t, env.db.First(&attempt).Error)
	assert.Equal(t, chargedomain.AttemptStatusPending, attempt.Status)
}

func TestPrepareSkipsPaidChargeAndInactiveMandate(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID)

	paidCharge, _ := env.seedDebit(t, agencyID, 100000)
	require.NoError(t, env.db.Model(&chargedomain.Charge{}).
		Where("id = ?", paidCharge.ID).
		Update("status", chargedomain.ChargeStatusPaid).Error)

	_, revokedAttempt := env.seedDebit(t, agencyID, 50000)
	require.NoError(t, env.db.Model(&chargedomain.Mandate{}).
		Where("id = ?", *revokedAttempt.MandateID).
		Update("status", chargedomain.MandateStatusRevoked).Error)

	env.seedDebit(t, agencyID, 75000)

	result, err := env.preparer.Prepare(context.Background(), service.PrepareRequest{
		BusinessDate: env.clock.now,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rows)
	assert.Equal(t, 1, result.SkippedPaid)
	assert.Equal(t, 1, result.SkippedMandate)
	assert.EqualValues(t, 75000, result.AmountTotalARS)
}

func TestPrepareRolloutGating(t *testing.T) {
	env := newTestEnv(t)
	// Agency 100 rolled out, agency 200 not.
	env.enableAgency(snowflake.ID(100))
	env.seedDebit(t, snowflake.ID(100), 100000)
	env.seedDebit(t, snowflake.ID(200), 50000)

	result, err := env.preparer.Prepare(context.Background(), service.PrepareRequest{
		BusinessDate: env.clock.now,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rows)
	assert.Equal(t, 1, result.SkippedRollout)

	// Force includes the non-rolled-out agency. Prior run left agency 100's
	// attempt PROCESSING, so only agency 200's row remains.
	forced, err := env.preparer.Prepare(context.Background(), service.PrepareRequest{
		BusinessDate: env.clock.now,
		Force:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, forced.Rows)
	assert.Zero(t, forced.SkippedRollout)
}

func TestPrepareCutoffDeferral(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID)
	env.seedDebit(t, agencyID, 100000)

	// Same-day run past the global cutoff defers, it does not fail.
	env.clock.now = time.Date(2026, 3, 16, 14, 0, 0, 0, time.UTC)
	result, err := env.preparer.Prepare(context.Background(), service.PrepareRequest{
		BusinessDate: env.clock.now,
	})
	require.NoError(t, err)
	assert.True(t, result.NoOp)
	assert.Equal(t, 1, result.DeferredByCutoff)

	// An agency opted out of cutoff deferral (-1) still goes through.
	optOut := -1
	env.rollout.flags[agencyID] = rolloutdomain.Flags{
		AgencyID:            agencyID,
		PDAutomationEnabled: true,
		CutoffHour:          &optOut,
	}
	result, err = env.preparer.Prepare(context.Background(), service.PrepareRequest{
		BusinessDate: env.clock.now,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rows)
	assert.Zero(t, result.DeferredByCutoff)
}

func TestPrepareNoPendingAttemptsIsNoOp(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.preparer.Prepare(context.Background(), service.PrepareRequest{
		BusinessDate: env.clock.now,
	})
	require.NoError(t, err)
	assert.True(t, result.NoOp)
	assert.Zero(t, result.Rows)
}

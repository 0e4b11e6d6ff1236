package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	auditservice "github.com/cobranzalabs/cobranza/internal/audit/service"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	chargeservice "github.com/cobranzalabs/cobranza/internal/charge/service"
	"github.com/cobranzalabs/cobranza/internal/config"
	dunningservice "github.com/cobranzalabs/cobranza/internal/dunning/service"
	"github.com/cobranzalabs/cobranza/internal/fallback/domain"
	"github.com/cobranzalabs/cobranza/internal/fallback/service"
	"github.com/cobranzalabs/cobranza/internal/observability"
	rolloutdomain "github.com/cobranzalabs/cobranza/internal/rollout/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now(context.Context) time.Time { return f.now }

type fakeRollout struct {
	flags map[snowflake.ID]rolloutdomain.Flags
}

func (f *fakeRollout) FlagsFor(_ context.Context, ids []snowflake.ID) (map[snowflake.ID]rolloutdomain.Flags, error) {
	out := make(map[snowflake.ID]rolloutdomain.Flags, len(ids))
	for _, id := range ids {
		if flags, ok := f.flags[id]; ok {
			out[id] = flags
		}
	}
	return out, nil
}

// fakeProvider is an in-memory PaymentProvider with scriptable status.
type fakeProvider struct {
	name       string
	created    []domain.CreateIntentRequest
	nextStatus *domain.ProviderStatus
	seq        int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreateIntent(_ context.Context, req domain.CreateIntentRequest) (*domain.ProviderIntent, error) {
	f.created = append(f.created, req)
	f.seq++
	return &domain.ProviderIntent{
		ProviderPaymentID: fmt.Sprintf("pay-%d", f.seq),
		ProviderStatus:    "pending",
		PaymentURL:        "https://pay.example/" + req.ExternalReference,
		QRPayload:         "qr-" + req.ExternalReference,
	}, nil
}

func (f *fakeProvider) GetStatus(_ context.Context, _ *domain.FallbackIntent) (*domain.ProviderStatus, error) {
	if f.nextStatus != nil {
		return f.nextStatus, nil
	}
	return &domain.ProviderStatus{Mapped: domain.MappedStatusPending, ProviderStatus: "pending"}, nil
}

func (f *fakeProvider) Cancel(_ context.Context, intent *domain.FallbackIntent) (*domain.ProviderStatus, error) {
	if f.nextStatus != nil {
		return f.nextStatus, nil
	}
	return &domain.ProviderStatus{Mapped: domain.MappedStatusFailed, ProviderStatus: "cancelled"}, nil
}

type testEnv struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *fakeClock
	rollout  *fakeRollout
	provider *fakeProvider
	orch     *service.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&chargedomain.Charge{},
		&chargedomain.Attempt{},
		&chargedomain.BillingCycle{},
		&chargedomain.DuplicatePaymentCase{},
		&domain.FallbackIntent{},
		&auditdomain.BillingEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{
		Fallback: config.FallbackConfig{
			Enabled:         true,
			MPEnabled:       true,
			DefaultProvider: "mp",
			ExpiryWindow:    72 * time.Hour,
		},
		Dunning: config.DunningConfig{Enabled: true},
	}

	log := zap.NewNop()
	audit := auditservice.NewRecorder(auditservice.Params{Log: log, GenID: node})
	metrics := observability.NewMetrics(observability.NewRegistry())
	clk := &fakeClock{now: time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)}
	rollout := &fakeRollout{flags: map[snowflake.ID]rolloutdomain.Flags{}}
	provider := &fakeProvider{name: "mp"}

	closer := chargeservice.NewCloser(chargeservice.Params{
		DB: db, Log: log, Cfg: cfg, GenID: node, Audit: audit, Metrics: metrics,
	})
	advancer := dunningservice.NewAdvancer(dunningservice.AdvancerParams{
		DB: db, Log: log, Cfg: cfg, Audit: audit,
	})

	orch := service.NewOrchestrator(service.Params{
		DB:        db,
		Log:       log,
		Cfg:       cfg,
		GenID:     node,
		Clock:     clk,
		Providers: domain.NewRegistry(provider),
		Rollout:   rollout,
		Closer:    closer,
		Advancer:  advancer,
		Audit:     audit,
		Metrics:   metrics,
	})

	return &testEnv{db: db, node: node, clock: clk, rollout: rollout, provider: provider, orch: orch}
}

func (e *testEnv) enableAgency(agencyID snowflake.ID, autoSync bool) {
	e.rollout.flags[agencyID] = rolloutdomain.Flags{
		AgencyID:         agencyID,
		FallbackEnabled:  true,
		FallbackAutoSync: autoSync,
		DunningEnabled:   true,
	}
}

func (e *testEnv) seedCharge(t *testing.T, agencyID snowflake.ID, status chargedomain.ChargeStatus, stage int) *chargedomain.Charge {
	t.Helper()
	now := e.clock.now
	charge := &chargedomain.Charge{
		ID:                   e.node.Generate(),
		AgencyID:             agencyID,
		AmountDueARS:         100000,
		Currency:             "ARS",
		Status:               status,
		DunningStage:         stage,
		ReconciliationStatus: chargedomain.ReconciliationPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, e.db.Create(charge).Error)
	return charge
}

func TestCreateForChargeCreatesIntent(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID, false)
	charge := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, dunningservice.StageRepeatReject)

	result, err := env.orch.CreateForCharge(context.Background(), domain.CreateRequest{
		ChargeID:  charge.ID,
		Source:    "PD_REJECTED_FINAL",
		CreatedBy: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCreated, result.Outcome)
	require.NotNil(t, result.Intent)
	assert.Equal(t, domain.IntentStatusPending, result.Intent.Status)
	assert.Contains(t, result.Intent.ExternalReference, "FBK-")
	require.NotNil(t, result.Intent.QRPayload)

	require.Len(t, env.provider.created, 1)
	assert.NotEmpty(t, env.provider.created[0].IdempotencyKey)
	assert.EqualValues(t, 100000, env.provider.created[0].AmountARS)

	var updated chargedomain.Charge
	require.NoError(t, env.db.First(&updated, "id = ?", charge.ID).Error)
	require.NotNil(t, updated.FallbackOfferedAt)
	require.NotNil(t, updated.FallbackExpiresAt)
	assert.Equal(t, dunningservice.StageFallback, updated.DunningStage)
	assert.Equal(t, env.clock.now.Add(72*time.Hour), updated.FallbackExpiresAt.UTC())
}

func TestCreateForChargeIdempotentPerProvider(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID, false)
	charge := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, 0)

	first, err := env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: charge.ID, Source: "MANUAL"})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeCreated, first.Outcome)

	second, err := env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: charge.ID, Source: "MANUAL"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyOpen, second.Outcome)
	assert.Equal(t, first.Intent.ID, second.Intent.ID)
	// The provider was only hit once.
	assert.Len(t, env.provider.created, 1)
}

func TestCreateForChargeGates(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)

	// Agency not rolled out.
	charge := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, 0)
	result, err := env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: charge.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, result.Outcome)
	assert.Equal(t, domain.ReasonFallbackAgencyDisabled, result.Reason)

	// Charge already paid.
	env.enableAgency(agencyID, false)
	paid := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPaid, 0)
	result, err = env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: paid.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSkipped, result.Outcome)
	assert.Equal(t, domain.ReasonChargeAlreadyPaid, result.Reason)

	assert.Empty(t, env.provider.created)
}

func TestMarkPaidClosesCharge(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID, false)
	charge := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, 0)

	created, err := env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: charge.ID, Source: "MANUAL"})
	require.NoError(t, err)

	paidAt := env.clock.now.Add(time.Hour)
	intent, err := env.orch.MarkPaid(context.Background(), created.Intent.ID, &paidAt, "operator")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPaid, intent.Status)
	require.NotNil(t, intent.PaidAt)

	var updated chargedomain.Charge
	require.NoError(t, env.db.First(&updated, "id = ?", charge.ID).Error)
	assert.Equal(t, chargedomain.ChargeStatusPaid, updated.Status)
	require.NotNil(t, updated.PaidViaChannel)
	assert.Equal(t, chargedomain.ChannelMPQR, *updated.PaidViaChannel)
	require.NotNil(t, updated.PaidSourceRef)
	assert.Equal(t, intent.ExternalReference, *updated.PaidSourceRef)

	// Marking the same intent paid again is a no-op.
	again, err := env.orch.MarkPaid(context.Background(), created.Intent.ID, &paidAt, "operator")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPaid, again.Status)
}

func TestMarkPaidRetriesChargeCloseAfterPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID, false)
	charge := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, dunningservice.StageFallback)

	created, err := env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: charge.ID, Source: "MANUAL"})
	require.NoError(t, err)

	// A prior run flipped the intent to PAID but crashed before the
	// charge was closed. The intent keeps the original payment time.
	paidAt := env.clock.now.Add(45 * time.Minute)
	require.NoError(t, env.db.Model(&domain.FallbackIntent{}).
		Where("id = ?", created.Intent.ID).
		Updates(map[string]any{"status": domain.IntentStatusPaid, "paid_at": paidAt}).Error)

	intent, err := env.orch.MarkPaid(context.Background(), created.Intent.ID, nil, "operator")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPaid, intent.Status)

	var updated chargedomain.Charge
	require.NoError(t, env.db.First(&updated, "id = ?", charge.ID).Error)
	assert.Equal(t, chargedomain.ChargeStatusPaid, updated.Status)
	require.NotNil(t, updated.PaidViaChannel)
	assert.Equal(t, chargedomain.ChannelMPQR, *updated.PaidViaChannel)
	require.NotNil(t, updated.PaidSourceRef)
	assert.Equal(t, created.Intent.ExternalReference, *updated.PaidSourceRef)

	// No second intent row, no status churn.
	var count int64
	require.NoError(t, env.db.Model(&domain.FallbackIntent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestOnIntentExpiredEscalatesToCollections(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID, false)
	charge := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, dunningservice.StageFallback)

	created, err := env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: charge.ID, Source: "MANUAL"})
	require.NoError(t, err)

	intent, err := env.orch.OnIntentExpired(context.Background(), created.Intent.ID, "sync")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusExpired, intent.Status)

	var updated chargedomain.Charge
	require.NoError(t, env.db.First(&updated, "id = ?", charge.ID).Error)
	assert.Equal(t, dunningservice.StageCollections, updated.DunningStage)
	require.NotNil(t, updated.CollectionsEscalatedAt)
}

func TestCancelReclassifiesWhenProviderReportsPaid(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID, false)
	charge := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, 0)

	created, err := env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: charge.ID, Source: "MANUAL"})
	require.NoError(t, err)

	paidAt := env.clock.now.Add(30 * time.Minute)
	env.provider.nextStatus = &domain.ProviderStatus{
		Mapped:         domain.MappedStatusPaid,
		ProviderStatus: "approved",
		PaidAt:         &paidAt,
	}

	intent, err := env.orch.Cancel(context.Background(), created.Intent.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPaid, intent.Status)

	var updated chargedomain.Charge
	require.NoError(t, env.db.First(&updated, "id = ?", charge.ID).Error)
	assert.Equal(t, chargedomain.ChargeStatusPaid, updated.Status)
}

func TestSyncStatusesHonorsAutoSyncFlag(t *testing.T) {
	env := newTestEnv(t)
	synced := snowflake.ID(100)
	ignored := snowflake.ID(200)
	env.enableAgency(synced, true)
	env.enableAgency(ignored, false)

	syncedCharge := env.seedCharge(t, synced, chargedomain.ChargeStatusPastDue, 0)
	ignoredCharge := env.seedCharge(t, ignored, chargedomain.ChargeStatusPastDue, 0)

	_, err := env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: syncedCharge.ID, Source: "MANUAL"})
	require.NoError(t, err)
	_, err = env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: ignoredCharge.ID, Source: "MANUAL"})
	require.NoError(t, err)

	env.provider.nextStatus = &domain.ProviderStatus{Mapped: domain.MappedStatusPaid, ProviderStatus: "approved"}

	result, err := env.orch.SyncStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Paid)

	var first, second chargedomain.Charge
	require.NoError(t, env.db.First(&first, "id = ?", syncedCharge.ID).Error)
	require.NoError(t, env.db.First(&second, "id = ?", ignoredCharge.ID).Error)
	assert.Equal(t, chargedomain.ChargeStatusPaid, first.Status)
	assert.Equal(t, chargedomain.ChargeStatusPastDue, second.Status)
}

func TestSyncStatusesExpiresStaleIntents(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID, true)
	charge := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, 0)

	_, err := env.orch.CreateForCharge(context.Background(), domain.CreateRequest{ChargeID: charge.ID, Source: "MANUAL"})
	require.NoError(t, err)

	// Provider still says pending, but the window has closed.
	env.clock.now = env.clock.now.Add(80 * time.Hour)
	result, err := env.orch.SyncStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)

	var updated chargedomain.Charge
	require.NoError(t, env.db.First(&updated, "id = ?", charge.ID).Error)
	assert.Equal(t, dunningservice.StageCollections, updated.DunningStage)
}

func TestSweepEligibleCharges(t *testing.T) {
	env := newTestEnv(t)
	agencyID := snowflake.ID(100)
	env.enableAgency(agencyID, false)

	// Eligible: past due at the fallback stage with no open intent
	// (the earlier offer expired before payment).
	atFallback := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, dunningservice.StageFallback)
	// Eligible: already escalated to collections but still unpaid.
	atCollections := env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, dunningservice.StageCollections)
	// Not eligible: direct debit retries still in play.
	env.seedCharge(t, agencyID, chargedomain.ChargeStatusPastDue, dunningservice.StageRepeatReject)

	result, err := env.orch.SweepEligibleCharges(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.Created)

	var intents []domain.FallbackIntent
	require.NoError(t, env.db.Order("charge_id").Find(&intents).Error)
	require.Len(t, intents, 2)
	chargeIDs := []snowflake.ID{intents[0].ChargeID, intents[1].ChargeID}
	assert.ElementsMatch(t, []snowflake.ID{atFallback.ID, atCollections.ID}, chargeIDs)
	assert.Equal(t, "SWEEP", intents[0].Source)

	// A second sweep finds nothing new.
	again, err := env.orch.SweepEligibleCharges(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Zero(t, again.Scanned)
}

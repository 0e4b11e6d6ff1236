package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/cobranzalabs/cobranza/internal/audit/domain"
	auditservice "github.com/cobranzalabs/cobranza/internal/audit/service"
	"github.com/cobranzalabs/cobranza/internal/batch/adapters"
	"github.com/cobranzalabs/cobranza/internal/batch/adapters/csvdebit"
	batchdomain "github.com/cobranzalabs/cobranza/internal/batch/domain"
	"github.com/cobranzalabs/cobranza/internal/batch/service"
	chargedomain "github.com/cobranzalabs/cobranza/internal/charge/domain"
	chargeservice "github.com/cobranzalabs/cobranza/internal/charge/service"
	"github.com/cobranzalabs/cobranza/internal/config"
	dunningservice "github.com/cobranzalabs/cobranza/internal/dunning/service"
	fallbackdomain "github.com/cobranzalabs/cobranza/internal/fallback/domain"
	"github.com/cobranzalabs/cobranza/internal/fiscal"
	"github.com/cobranzalabs/cobranza/internal/observability"
	rolloutdomain "github.com/cobranzalabs/cobranza/internal/rollout/domain"
	"github.com/glebarez/sqlite"
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

type memStore struct {
	mu         sync.Mutex
	files      map[string][]byte
	failUpload error
}

func newMemStore() *memStore {
	return &memStore{files: map[string][]byte{}}
}

func (m *memStore) Upload(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpload != nil {
		return m.failUpload
	}
	m.files[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[key]
	if !ok {
		return nil, errors.New("not stored")
	}
	return data, nil
}

type fakeCreator struct {
	calls  []fallbackdomain.CreateRequest
	result *fallbackdomain.CreateResult
}

func (f *fakeCreator) CreateForCharge(_ context.Context, req fallbackdomain.CreateRequest) (*fallbackdomain.CreateResult, error) {
	f.calls = append(f.calls, req)
	if f.result != nil {
		return f.result, nil
	}
	return &fallbackdomain.CreateResult{Outcome: fallbackdomain.OutcomeSkipped, Reason: fallbackdomain.ReasonFallbackDisabled}, nil
}

type testEnv struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *fakeClock
	rollout  *fakeRollout
	store    *memStore
	creator  *fakeCreator
	preparer *service.Preparer
	exporter *service.Exporter
	importer *service.Importer
	closer   *chargeservice.Closer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&chargedomain.Charge{},
		&chargedomain.Attempt{},
		&chargedomain.Mandate{},
		&chargedomain.BillingCycle{},
		&chargedomain.DuplicatePaymentCase{},
		&batchdomain.FileBatch{},
		&batchdomain.FileBatchItem{},
		&batchdomain.ImportRun{},
		&fallbackdomain.FallbackIntent{},
		&auditdomain.BillingEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{
		Collections: config.CollectionsConfig{
			Channel:              "PD",
			Adapter:              "csvdebit",
			GlobalCutoffHour:     13,
			RequireActiveMandate: true,
			TxWaitTimeout:        10 * time.Second,
			TxExecTimeout:        45 * time.Second,
		},
		Dunning: config.DunningConfig{Enabled: true},
	}

	log := zap.NewNop()
	audit := auditservice.NewRecorder(auditservice.Params{Log: log, GenID: node})
	metrics := observability.NewMetrics(observability.NewRegistry())
	registry := adapters.NewRegistry(csvdebit.New())
	store := newMemStore()
	// 10:00 UTC keeps same-day runs inside the default cutoff.
	clk := &fakeClock{now: time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)}
	rollout := &fakeRollout{flags: map[snowflake.ID]rolloutdomain.Flags{}}
	creator := &fakeCreator{}

	closer := chargeservice.NewCloser(chargeservice.Params{
		DB: db, Log: log, Cfg: cfg, GenID: node, Audit: audit, Metrics: metrics,
	})
	advancer := dunningservice.NewAdvancer(dunningservice.AdvancerParams{
		DB: db, Log: log, Cfg: cfg, Audit: audit,
	})
	hooks := dunningservice.NewHooks(dunningservice.HooksParams{
		DB: db, Log: log, Advancer: advancer, Fallback: creator,
	})

	return &testEnv{
		db:      db,
		node:    node,
		clock:   clk,
		rollout: rollout,
		store:   store,
		creator: creator,
		preparer: service.NewPreparer(service.PreparerParams{
			DB: db, Log: log, GenID: node, Cfg: cfg, Clock: clk, Rollout: rollout, Audit: audit,
		}),
		exporter: service.NewExporter(service.ExporterParams{
			DB: db, Log: log, Cfg: cfg, Adapters: registry, Store: store, Audit: audit, Metrics: metrics,
		}),
		importer: service.NewImporter(service.ImporterParams{
			DB: db, Log: log, Cfg: cfg, GenID: node, Adapters: registry, Store: store,
			Closer: closer, Dunning: hooks, Fiscal: fiscal.NewNoopIssuer(log),
			Audit: audit, Metrics: metrics,
		}),
		closer: closer,
	}
}

func (e *testEnv) enableAgency(agencyID snowflake.ID) {
	e.rollout.flags[agencyID] = rolloutdomain.Flags{
		AgencyID:            agencyID,
		PDAutomationEnabled: true,
		FallbackEnabled:     true,
		DunningEnabled:      true,
	}
}

// seedDebit creates a charge with one PENDING direct-debit attempt backed by
// an active mandate, scheduled for the env clock's business date.
func (e *testEnv) seedDebit(t *testing.T, agencyID snowflake.ID, amount int64) (*chargedomain.Charge, *chargedomain.Attempt) {
	t.Helper()
	now := e.clock.now

	mandate := &chargedomain.Mandate{
		ID:        e.node.Generate(),
		AgencyID:  agencyID,
		Status:    chargedomain.MandateStatusActive,
		BankRef:   "CBU-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.db.Create(mandate).Error)

	charge := &chargedomain.Charge{
		ID:                   e.node.Generate(),
		AgencyID:             agencyID,
		AmountDueARS:         amount,
		Currency:             "ARS",
		Status:               chargedomain.ChargeStatusReady,
		ReconciliationStatus: chargedomain.ReconciliationPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, e.db.Create(charge).Error)

	mandateID := mandate.ID
	attempt := &chargedomain.Attempt{
		ID:                e.node.Generate(),
		ChargeID:          charge.ID,
		AgencyID:          agencyID,
		AttemptNo:         1,
		Channel:           chargedomain.ChannelPD,
		Status:            chargedomain.AttemptStatusPending,
		ExternalReference: "ATT-" + e.node.Generate().String(),
		MandateID:         &mandateID,
		ScheduledFor:      now.Add(-time.Hour),
		AmountARS:         amount,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, e.db.Create(attempt).Error)
	return charge, attempt
}

// prepareAndExport runs the full outbound path and returns the batch id.
func (e *testEnv) prepareAndExport(t *testing.T) snowflake.ID {
	t.Helper()
	prepared, err := e.preparer.Prepare(context.Background(), service.PrepareRequest{
		BusinessDate: e.clock.now,
	})
	require.NoError(t, err)
	require.False(t, prepared.NoOp)
	require.NotNil(t, prepared.BatchID)

	exported, err := e.exporter.Export(context.Background(), *prepared.BatchID)
	require.NoError(t, err)
	require.False(t, exported.Empty)
	return *prepared.BatchID
}

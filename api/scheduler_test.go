package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solarshare/rateio-engine/rateio"
	"github.com/solarshare/rateio-engine/rateio/store"
)

// seedClosings creates three contracts for March 2024:
//   - CT-1 closed with an OK audit
//   - CT-2 with a DIVERGENT audit and no settlement
//   - CT-3 suspended, no records
func seedClosings(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	mar := rateio.MustParseMonth("2024-03")

	for _, c := range []rateio.Contract{
		{ID: "CT-1", ConsumerUnitID: "UC-1", Participation: decimal.NewFromInt(100), Status: rateio.ContractActive},
		{ID: "CT-2", ConsumerUnitID: "UC-2", Participation: decimal.NewFromInt(100), Status: rateio.ContractActive},
		{ID: "CT-3", ConsumerUnitID: "UC-3", Participation: decimal.NewFromInt(100), Status: rateio.ContractSuspended},
	} {
		require.NoError(t, m.SaveContract(ctx, c))
	}
	require.NoError(t, m.CreateAuditRecord(ctx, rateio.AuditRecord{ID: "a1", ContractID: "CT-1", Month: mar, Status: rateio.StatusOK}))
	require.NoError(t, m.CreateSettlementRecord(ctx, rateio.SettlementRecord{ID: "s1", ContractID: "CT-1", Month: mar}))
	require.NoError(t, m.CreateAuditRecord(ctx, rateio.AuditRecord{ID: "a2", ContractID: "CT-2", Month: mar, Status: rateio.StatusDivergent}))
	return m
}

func TestCheckClosings(t *testing.T) {
	m := seedClosings(t)

	status, err := CheckClosings(context.Background(), m, rateio.MustParseMonth("2024-03"))

	require.NoError(t, err)
	assert.Equal(t, []rateio.ContractID{"CT-2"}, status.Divergent)
	assert.Equal(t, []rateio.ContractID{"CT-2"}, status.Pending)

	// A month nobody touched is pending for every active contract
	status, err = CheckClosings(context.Background(), m, rateio.MustParseMonth("2024-04"))
	require.NoError(t, err)
	assert.Empty(t, status.Divergent)
	assert.Equal(t, []rateio.ContractID{"CT-1", "CT-2"}, status.Pending)
}

func TestCloseWatcher_RunNowChecksPreviousMonth(t *testing.T) {
	m := seedClosings(t)
	metrics := NewMetrics()
	cw := NewCloseWatcher(m, metrics, zaptest.NewLogger(t))
	cw.Now = func() time.Time { return time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC) }

	// WHEN: Running in early April
	status, err := cw.RunNow()

	// THEN: March is checked and the gauges are set
	require.NoError(t, err)
	assert.Equal(t, rateio.MustParseMonth("2024-03"), status.Month)
	assert.Len(t, status.Divergent, 1)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "rateio_divergent_audits 1")
	assert.Contains(t, rec.Body.String(), "rateio_pending_closings 1")
}

func TestCloseWatcher_StartStop(t *testing.T) {
	cw := NewCloseWatcher(store.NewMemory(), nil, zaptest.NewLogger(t))
	cw.CheckInterval = time.Millisecond

	cw.Start()
	cw.Start() // second start is a no-op
	time.Sleep(5 * time.Millisecond)
	cw.Stop()
	cw.Stop() // idempotent

	disabled := NewCloseWatcher(store.NewMemory(), nil, zaptest.NewLogger(t))
	disabled.Enabled = false
	disabled.Start()
	disabled.Stop()
}

func TestClosingStatusEndpoint(t *testing.T) {
	h := NewHandler(seedClosings(t), zaptest.NewLogger(t), DefaultOptions())
	router := NewRouter(h, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/closings/status?month=2024-03", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[ClosingStatusDTO](t, rec)
	assert.Equal(t, "2024-03", status.Month)
	assert.Equal(t, []string{"CT-2"}, status.Divergent)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/closings/status?month=03-2024", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

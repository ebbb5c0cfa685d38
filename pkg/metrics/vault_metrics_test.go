package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultMetricsScrape(t *testing.T) {
	m, err := NewVaultMetrics("evault")
	require.NoError(t, err)

	m.RecordDeposit()
	m.RecordWithdrawal()
	m.RecordReport(100, 0)
	m.UpdateLedger(1_100, 11_000_000, 0.0001, 900_000)
	m.UpdateStrategyDebt("strat-a", 1_100)
	m.UpdateOracleDelta(12)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, body, "evault_deposits_total 1")
	assert.Contains(t, body, "evault_total_assets 1100")
	assert.Contains(t, body, "evault_strategy_debt{strategy=\"strat-a\"} 1100")
	assert.Contains(t, body, "evault_profit_reported_total 100")
}

package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// VaultMetrics exposes the vault's operational counters and ledger gauges
// through a dedicated Prometheus registry.
type VaultMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Flow metrics
	deposits    prometheus.Counter
	withdrawals prometheus.Counter
	swaps       prometheus.Counter
	reports     prometheus.Counter
	tends       prometheus.Counter

	// Ledger gauges
	totalAssets  prometheus.Gauge
	totalSupply  prometheus.Gauge
	sharePrice   prometheus.Gauge
	lockedShares prometheus.Gauge
	strategyDebt prometheus.GaugeVec
	oracleDelta  prometheus.Gauge

	// P/L
	profitReported prometheus.Counter
	lossReported   prometheus.Counter

	// Operation latency
	opLatency prometheus.Histogram

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewVaultMetrics creates the registry and registers every collector.
func NewVaultMetrics(namespace string) (*VaultMetrics, error) {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &VaultMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Total deposit operations accepted",
		}),
		withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Total withdrawal operations fulfilled",
		}),
		swaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Total swap executions",
		}),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Total report cycles completed",
		}),
		tends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tends_total",
			Help:      "Total tend cycles completed",
		}),

		totalAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_assets",
			Help:      "Vault holdings in primary-asset terms",
		}),
		totalSupply: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_supply",
			Help:      "Externally visible share supply",
		}),
		sharePrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "share_price",
			Help:      "Assets per share",
		}),
		lockedShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locked_shares",
			Help:      "Unvested profit shares held by the vault",
		}),
		strategyDebt: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "strategy_debt",
			Help:      "Capital deployed per strategy in primary-asset terms",
		}, []string{"strategy"}),
		oracleDelta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_pool_delta_bps",
			Help:      "Divergence between the price feed and the pool spot rate",
		}),

		profitReported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profit_reported_total",
			Help:      "Cumulative profit recognized by reports",
		}),
		lossReported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loss_reported_total",
			Help:      "Cumulative loss recognized by reports",
		}),

		opLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_microseconds",
			Help:      "Vault operation latency in microseconds",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.deposits,
		m.withdrawals,
		m.swaps,
		m.reports,
		m.tends,
		m.totalAssets,
		m.totalSupply,
		m.sharePrice,
		m.lockedShares,
		m.strategyDebt,
		m.oracleDelta,
		m.profitReported,
		m.lossReported,
		m.opLatency,
		m.memoryUsage,
		m.goroutines,
	)

	logger.Info("vault metrics initialized", "namespace", namespace)
	return m, nil
}

// Handler returns the scrape endpoint handler for this registry.
func (m *VaultMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on the given port.
func (m *VaultMetrics) StartServer(port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("metrics server failed", "error", err)
		}
	}()
	m.logger.Info("Prometheus metrics available", "endpoint", "http://localhost:"+port+"/metrics")
	return nil
}

// RecordDeposit counts one accepted deposit.
func (m *VaultMetrics) RecordDeposit() { m.deposits.Inc() }

// RecordWithdrawal counts one fulfilled withdrawal.
func (m *VaultMetrics) RecordWithdrawal() { m.withdrawals.Inc() }

// RecordSwap counts one swap execution.
func (m *VaultMetrics) RecordSwap() { m.swaps.Inc() }

// RecordReport counts one report cycle and its recognized P/L.
func (m *VaultMetrics) RecordReport(profit, loss float64) {
	m.reports.Inc()
	if profit > 0 {
		m.profitReported.Add(profit)
	}
	if loss > 0 {
		m.lossReported.Add(loss)
	}
}

// RecordTend counts one tend cycle.
func (m *VaultMetrics) RecordTend() { m.tends.Inc() }

// RecordLatency records one operation's latency in microseconds.
func (m *VaultMetrics) RecordLatency(micros float64) { m.opLatency.Observe(micros) }

// UpdateLedger refreshes the ledger gauges.
func (m *VaultMetrics) UpdateLedger(totalAssets, totalSupply, sharePrice, lockedShares float64) {
	m.totalAssets.Set(totalAssets)
	m.totalSupply.Set(totalSupply)
	m.sharePrice.Set(sharePrice)
	m.lockedShares.Set(lockedShares)
}

// UpdateStrategyDebt refreshes one strategy's deployed-capital gauge.
func (m *VaultMetrics) UpdateStrategyDebt(strategy string, debt float64) {
	m.strategyDebt.WithLabelValues(strategy).Set(debt)
}

// UpdateOracleDelta refreshes the feed/pool divergence gauge.
func (m *VaultMetrics) UpdateOracleDelta(bps float64) { m.oracleDelta.Set(bps) }

// CollectSystemMetrics samples runtime stats until the context ends.
func (m *VaultMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

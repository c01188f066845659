package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Pipeline run counters
	RunsCompleted    prometheus.Counter
	RunsAborted      prometheus.Counter
	Discovered       prometheus.Counter
	Reconciled       prometheus.Counter
	MalformedSkipped prometheus.Counter
	Claimed          prometheus.Counter
	Purchased        prometheus.Counter
	FailedReleased   prometheus.Counter
	RunLatencySec    prometheus.Histogram

	// Purchase executor
	PurchaseLatencySec prometheus.Histogram

	// Journal / durability
	JournalAppended prometheus.Counter

	// Claim sweeper & recovery
	ClaimsSwept        prometheus.Counter
	ReplayApplied      prometheus.Counter
	ReplaySkipped      prometheus.Counter
	TTRSec             prometheus.Gauge
	LastManifestAgeSec prometheus.Gauge

	// Result publishing (EOS)
	TxProduced prometheus.Counter
	TxAborted  prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	runsCompleted := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_runs_completed_total"})
	runsAborted := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_runs_aborted_total"})
	discovered := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_items_discovered_total"})
	reconciled := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_items_reconciled_total"})
	malformed := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_items_malformed_skipped_total"})
	claimed := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_items_claimed_total"})
	purchased := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_items_purchased_total"})
	failedReleased := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_items_failed_released_total"})
	runLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snipe_run_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	purchaseLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snipe_purchase_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	journalAppended := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_journal_appended_total"})
	claimsSwept := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_claims_swept_total"})
	replayApplied := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_replay_applied_total"})
	replaySkipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_replay_skipped_total"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "snipe_recovery_ttr_seconds"})
	lastAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "snipe_last_manifest_age_seconds"})
	txProduced := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_tx_produced_total"})
	txAborted := prometheus.NewCounter(prometheus.CounterOpts{Name: "snipe_tx_aborted_total"})

	r.MustRegister(runsCompleted, runsAborted, discovered, reconciled, malformed,
		claimed, purchased, failedReleased, runLatency, purchaseLatency,
		journalAppended, claimsSwept, replayApplied, replaySkipped, ttr, lastAge,
		txProduced, txAborted)
	return &Registry{
		reg:                r,
		RunsCompleted:      runsCompleted,
		RunsAborted:        runsAborted,
		Discovered:         discovered,
		Reconciled:         reconciled,
		MalformedSkipped:   malformed,
		Claimed:            claimed,
		Purchased:          purchased,
		FailedReleased:     failedReleased,
		RunLatencySec:      runLatency,
		PurchaseLatencySec: purchaseLatency,
		JournalAppended:    journalAppended,
		ClaimsSwept:        claimsSwept,
		ReplayApplied:      replayApplied,
		ReplaySkipped:      replaySkipped,
		TTRSec:             ttr,
		LastManifestAgeSec: lastAge,
		TxProduced:         txProduced,
		TxAborted:          txAborted,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrixmagiq/eigenlayer/types"
)

type RestakeMetrics struct {
	// error-correction pipeline
	decodeFailures *prometheus.CounterVec
	escalations    prometheus.Counter
	// fill/kill engine
	inflightOps  prometheus.Gauge
	fillOutcomes *prometheus.CounterVec
	killsTotal   prometheus.Counter
	killAttempts *prometheus.GaugeVec
	killAlerts   prometheus.Counter
	// key material store
	liveTokens             prometheus.Gauge
	storeIntegrityFailures prometheus.Counter
	// ledger
	delegationsByStatus *prometheus.GaugeVec
	forcedUnwinds       prometheus.Counter
	slashings           *prometheus.CounterVec
	// validator set
	effectiveSetSize *prometheus.GaugeVec
	evictions        *prometheus.CounterVec
	// evidence poller
	lastPolledRound *prometheus.GaugeVec
	pollerFailures  *prometheus.GaugeVec
}

var restakeMetricsRegisterOnce sync.Once

var restakeMetricsInstance *RestakeMetrics

// NewRestakeMetrics returns the process-wide collectors, registering them on
// first use.
func NewRestakeMetrics() *RestakeMetrics {
	restakeMetricsRegisterOnce.Do(func() {
		restakeMetricsInstance = &RestakeMetrics{
			decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ecc_decode_failures_total",
				Help: "The total number of frames that could not be decoded, by failing tier",
			}, []string{"tier"}),
			escalations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ecc_escalations_total",
				Help: "The total number of times redundancy parameters were escalated after a decode failure",
			}),
			inflightOps: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "actorx_inflight_operations",
				Help: "Current number of fill and kill operations that have not finished",
			}),
			fillOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "actorx_fill_outcomes_total",
				Help: "The total number of fill operations by outcome",
			}, []string{"outcome"}),
			killsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "actorx_kills_total",
				Help: "The total number of committed kill operations",
			}),
			killAttempts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "actorx_kill_attempts",
				Help: "Failed attempts of the kill currently running for a validator and guest chain",
			}, []string{"pair"}),
			killAlerts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "actorx_kill_alerts_total",
				Help: "The total number of kills that kept failing past the alert threshold",
			}),
			liveTokens: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "keystore_live_tokens",
				Help: "Current number of filled capability tokens",
			}),
			storeIntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "keystore_integrity_failures_total",
				Help: "The total number of key material reads or writes rejected for integrity",
			}),
			delegationsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "ledger_delegations",
				Help: "Current number of restake delegations by status",
			}, []string{"status"}),
			forcedUnwinds: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_forced_unwinds_total",
				Help: "The total number of delegations unwound by slashing",
			}),
			slashings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_slashings_total",
				Help: "The total number of applied slashing events by originating chain",
			}, []string{"chain"}),
			effectiveSetSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "coordinator_effective_set_size",
				Help: "Current number of admitted validators per chain",
			}, []string{"chain"}),
			evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "coordinator_evictions_total",
				Help: "The total number of evictions by reason",
			}, []string{"reason"}),
			lastPolledRound: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "poller_last_polled_round",
				Help: "The most recent finalized round checked for evidence per chain",
			}, []string{"chain"}),
			pollerFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "poller_consecutive_failed_cycles",
				Help: "The number of consecutive failed polling cycles per chain",
			}, []string{"chain"}),
		}

		prometheus.MustRegister(restakeMetricsInstance.decodeFailures)
		prometheus.MustRegister(restakeMetricsInstance.escalations)
		prometheus.MustRegister(restakeMetricsInstance.inflightOps)
		prometheus.MustRegister(restakeMetricsInstance.fillOutcomes)
		prometheus.MustRegister(restakeMetricsInstance.killsTotal)
		prometheus.MustRegister(restakeMetricsInstance.killAttempts)
		prometheus.MustRegister(restakeMetricsInstance.killAlerts)
		prometheus.MustRegister(restakeMetricsInstance.liveTokens)
		prometheus.MustRegister(restakeMetricsInstance.storeIntegrityFailures)
		prometheus.MustRegister(restakeMetricsInstance.delegationsByStatus)
		prometheus.MustRegister(restakeMetricsInstance.forcedUnwinds)
		prometheus.MustRegister(restakeMetricsInstance.slashings)
		prometheus.MustRegister(restakeMetricsInstance.effectiveSetSize)
		prometheus.MustRegister(restakeMetricsInstance.evictions)
		prometheus.MustRegister(restakeMetricsInstance.lastPolledRound)
		prometheus.MustRegister(restakeMetricsInstance.pollerFailures)
	})
	return restakeMetricsInstance
}

func (rm *RestakeMetrics) RecordDecodeFailure(tier string) {
	rm.decodeFailures.WithLabelValues(tier).Inc()
}

func (rm *RestakeMetrics) IncrementEscalations() {
	rm.escalations.Inc()
}

func (rm *RestakeMetrics) IncrementInflightOps() {
	rm.inflightOps.Inc()
}

func (rm *RestakeMetrics) DecrementInflightOps() {
	rm.inflightOps.Dec()
}

func (rm *RestakeMetrics) RecordFillOutcome(outcome string) {
	rm.fillOutcomes.WithLabelValues(outcome).Inc()
}

func (rm *RestakeMetrics) IncrementKills() {
	rm.killsTotal.Inc()
}

func (rm *RestakeMetrics) RecordKillAttempts(pair string, attempts uint) {
	rm.killAttempts.WithLabelValues(pair).Set(float64(attempts))
}

func (rm *RestakeMetrics) ClearKillAttempts(pair string) {
	rm.killAttempts.DeleteLabelValues(pair)
}

func (rm *RestakeMetrics) IncrementKillAlerts() {
	rm.killAlerts.Inc()
}

func (rm *RestakeMetrics) RecordLiveTokens(n int) {
	rm.liveTokens.Set(float64(n))
}

func (rm *RestakeMetrics) IncrementStoreIntegrityFailures() {
	rm.storeIntegrityFailures.Inc()
}

func (rm *RestakeMetrics) AddForcedUnwinds(n int) {
	rm.forcedUnwinds.Add(float64(n))
}

func (rm *RestakeMetrics) IncrementSlashings(chain types.ChainID) {
	rm.slashings.WithLabelValues(string(chain)).Inc()
}

func (rm *RestakeMetrics) RecordEffectiveSetSize(chain types.ChainID, size int) {
	rm.effectiveSetSize.WithLabelValues(string(chain)).Set(float64(size))
}

func (rm *RestakeMetrics) IncrementEvictions(reason types.EvictionReason) {
	rm.evictions.WithLabelValues(reason.String()).Inc()
}

func (rm *RestakeMetrics) RecordLastPolledRound(chain types.ChainID, round uint64) {
	rm.lastPolledRound.WithLabelValues(string(chain)).Set(float64(round))
}

func (rm *RestakeMetrics) RecordPollerFailedCycles(chain types.ChainID, cycles uint32) {
	rm.pollerFailures.WithLabelValues(string(chain)).Set(float64(cycles))
}

// UpdateLedgerMetrics refreshes the per-status delegation gauges.
func (rm *RestakeMetrics) UpdateLedgerMetrics(delegations []*types.RestakeDelegation) {
	counts := make(map[types.DelegationStatus]int)
	for _, d := range delegations {
		counts[d.Status]++
	}
	for _, status := range types.DelegationStatuses() {
		rm.delegationsByStatus.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
}

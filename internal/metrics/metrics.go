package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace prefixes every metric name.
const namespace = "ethy"

// Metrics holds the node's prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry // registry owns every collector below

	ValidatorSetID   prometheus.Gauge        // ValidatorSetID is the active validator set id
	FinalizedBlock   prometheus.Gauge        // FinalizedBlock is the last processed finalized height
	WitnessSent      prometheus.Counter      // WitnessSent counts witnesses signed by this node
	GossipResults    *prometheus.CounterVec  // GossipResults counts validation outcomes by reason
	DoubleComplete   prometheus.Counter      // DoubleComplete counts repeated event completions
	ProofsMade       *prometheus.CounterVec  // ProofsMade counts sealed proofs by chain
	Notarizations    *prometheus.CounterVec  // Notarizations counts submitted notarizations by result kind
	CallResolutions  *prometheus.CounterVec  // CallResolutions counts resolved chain calls by outcome
	PendingCalls     prometheus.Gauge        // PendingCalls is the number of active chain calls
	Subscribers      prometheus.Gauge        // Subscribers is the number of proof subscribers
	OffchainDuration prometheus.Histogram    // OffchainDuration observes off-chain round latency
}

// New creates and registers all collectors on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ValidatorSetID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "validator_set_id",
			Help: "Current active validator set id.",
		}),
		FinalizedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "finalized_block",
			Help: "Last finalized block processed by the worker.",
		}),
		WitnessSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "witness_sent_total",
			Help: "Number of witnesses sent by this node.",
		}),
		GossipResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gossip_validation_total",
			Help: "Gossip validation outcomes by reason.",
		}, []string{"reason"}),
		DoubleComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "double_complete_total",
			Help: "Events marked complete more than once.",
		}),
		ProofsMade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "proofs_total",
			Help: "Event proofs sealed by chain.",
		}, []string{"chain"}),
		Notarizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notarizations_sent_total",
			Help: "Notarizations submitted by this node by result kind.",
		}, []string{"result"}),
		CallResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chain_call_resolutions_total",
			Help: "Resolved chain calls by outcome.",
		}, []string{"outcome"}),
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "chain_calls_pending",
			Help: "Active chain call requests.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "proof_subscribers",
			Help: "Open event proof subscriptions.",
		}),
		OffchainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "offchain_round_seconds",
			Help:    "Duration of off-chain notarization rounds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	cs := []prometheus.Collector{
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.ValidatorSetID, m.FinalizedBlock, m.WitnessSent, m.GossipResults,
		m.DoubleComplete, m.ProofsMade, m.Notarizations, m.CallResolutions,
		m.PendingCalls, m.Subscribers, m.OffchainDuration,
	}

	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector:\n%w", err)
		}
	}

	return m, nil
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gossip counts a gossip validation outcome.
func (m *Metrics) Gossip(reason string) {
	if m == nil {
		return
	}
	m.GossipResults.WithLabelValues(reason).Inc()
}

// IncDoubleComplete counts a repeated completion.
func (m *Metrics) IncDoubleComplete() {
	if m == nil {
		return
	}
	m.DoubleComplete.Inc()
}

// IncWitnessSent counts a locally signed witness.
func (m *Metrics) IncWitnessSent() {
	if m == nil {
		return
	}
	m.WitnessSent.Inc()
}

// SetValidatorSet records the active set id.
func (m *Metrics) SetValidatorSet(id uint64) {
	if m == nil {
		return
	}
	m.ValidatorSetID.Set(float64(id))
}

// SetFinalized records the last processed finalized height.
func (m *Metrics) SetFinalized(number uint64) {
	if m == nil {
		return
	}
	m.FinalizedBlock.Set(float64(number))
}

// IncProof counts a sealed proof for chain.
func (m *Metrics) IncProof(chain string) {
	if m == nil {
		return
	}
	m.ProofsMade.WithLabelValues(chain).Inc()
}

// IncNotarization counts a submitted notarization.
func (m *Metrics) IncNotarization(kind string) {
	if m == nil {
		return
	}
	m.Notarizations.WithLabelValues(kind).Inc()
}

// IncResolution counts a resolved chain call.
func (m *Metrics) IncResolution(outcome string) {
	if m == nil {
		return
	}
	m.CallResolutions.WithLabelValues(outcome).Inc()
}

// SetPendingCalls records the number of active chain calls.
func (m *Metrics) SetPendingCalls(n int) {
	if m == nil {
		return
	}
	m.PendingCalls.Set(float64(n))
}

// AddSubscribers adjusts the open subscription gauge.
func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(float64(delta))
}

// ObserveOffchain records an off-chain round duration in seconds.
func (m *Metrics) ObserveOffchain(seconds float64) {
	if m == nil {
		return
	}
	m.OffchainDuration.Observe(seconds)
}

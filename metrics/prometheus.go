// Package metrics provides Prometheus metrics for the consensus engines.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the consensus core. Each instance
// owns its registry so multiple nodes can run in one process.
type Metrics struct {
	mu       sync.RWMutex
	registry *prometheus.Registry

	// Consensus metrics
	consensusRoundsTotal *prometheus.CounterVec
	consensusDuration    *prometheus.HistogramVec
	currentView          prometheus.Gauge
	currentTerm          prometheus.Gauge

	// Message metrics
	messagesSentTotal     *prometheus.CounterVec
	messagesReceivedTotal *prometheus.CounterVec

	// Protocol lifecycle metrics
	viewChangesTotal      prometheus.Counter
	electionsTotal        prometheus.Counter
	gossipRoundsTotal     prometheus.Counter
	protocolSwitchesTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance and registers all collectors.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.consensusRoundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_rounds_total",
		Help:      "Total number of consensus rounds by protocol and outcome",
	}, []string{"protocol", "outcome"})

	m.consensusDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consensus_duration_seconds",
		Help:      "Duration of consensus rounds in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"protocol"})

	m.currentView = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_view",
		Help:      "Current PBFT view number",
	})

	m.currentTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_term",
		Help:      "Current Raft term",
	})

	m.messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of messages sent by protocol and type",
	}, []string{"protocol", "type"})

	m.messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of messages received by protocol and type",
	}, []string{"protocol", "type"})

	m.viewChangesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "view_changes_total",
		Help:      "Total number of PBFT view changes",
	})

	m.electionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "elections_total",
		Help:      "Total number of Raft elections started",
	})

	m.gossipRoundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gossip_rounds_total",
		Help:      "Total number of gossip dissemination rounds",
	})

	m.protocolSwitchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_switches_total",
		Help:      "Total number of protocol switches by target protocol",
	}, []string{"protocol"})

	m.registry.MustRegister(
		m.consensusRoundsTotal,
		m.consensusDuration,
		m.currentView,
		m.currentTerm,
		m.messagesSentTotal,
		m.messagesReceivedTotal,
		m.viewChangesTotal,
		m.electionsTotal,
		m.gossipRoundsTotal,
		m.protocolSwitchesTotal,
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveConsensus records a finished consensus round.
func (m *Metrics) ObserveConsensus(protocol string, d time.Duration, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.consensusRoundsTotal.WithLabelValues(protocol, outcome).Inc()
	m.consensusDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

// SetCurrentView sets the current PBFT view number.
func (m *Metrics) SetCurrentView(view uint64) {
	m.currentView.Set(float64(view))
}

// SetCurrentTerm sets the current Raft term.
func (m *Metrics) SetCurrentTerm(term uint64) {
	m.currentTerm.Set(float64(term))
}

// IncMessagesSent increments the messages sent counter.
func (m *Metrics) IncMessagesSent(protocol, msgType string) {
	m.messagesSentTotal.WithLabelValues(protocol, msgType).Inc()
}

// IncMessagesReceived increments the messages received counter.
func (m *Metrics) IncMessagesReceived(protocol, msgType string) {
	m.messagesReceivedTotal.WithLabelValues(protocol, msgType).Inc()
}

// IncViewChanges increments the view change counter.
func (m *Metrics) IncViewChanges() {
	m.viewChangesTotal.Inc()
}

// IncElections increments the election counter.
func (m *Metrics) IncElections() {
	m.electionsTotal.Inc()
}

// IncGossipRounds increments the gossip round counter.
func (m *Metrics) IncGossipRounds() {
	m.gossipRoundsTotal.Inc()
}

// IncProtocolSwitch increments the protocol switch counter.
func (m *Metrics) IncProtocolSwitch(protocol string) {
	m.protocolSwitchesTotal.WithLabelValues(protocol).Inc()
}

// Server provides an HTTP server exposing the metrics registry.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a metrics HTTP server for the given Metrics instance.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()
	return nil
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	return s.server.Close()
}

// Package metrics provides Prometheus metrics collection for the kernel.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors the kernel exposes. Every
// component that counts something takes a *Metrics at construction time.
type Metrics struct {
	// Action executor (C4)
	ActionsTotal    *prometheus.CounterVec
	ActionDuration  *prometheus.HistogramVec
	ActionsDenied   *prometheus.CounterVec

	// Resource manager (C2)
	ResourceExhaustedTotal *prometheus.CounterVec
	ResourceBalance        *prometheus.GaugeVec

	// Event log & checkpoint (C8)
	EventLogLength    prometheus.Gauge
	CheckpointsTotal  prometheus.Counter
	CheckpointSeconds prometheus.Histogram

	// Mint auction (C6)
	MintResolutionsTotal *prometheus.CounterVec
	MintSubmissionsOpen  prometheus.Gauge

	// Agent scheduler (C7)
	AgentCyclesTotal   *prometheus.CounterVec
	AgentCycleDuration *prometheus.HistogramVec
	AgentLoopState     *prometheus.GaugeVec

	// Kernel info
	KernelInfo *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New(kernelID string) *Metrics {
	return NewWithRegistry(kernelID, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance against a custom registerer,
// useful for tests that want an isolated prometheus.Registry.
func NewWithRegistry(kernelID string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_actions_total",
				Help: "Total number of actions executed, by action type and outcome",
			},
			[]string{"action", "outcome"},
		),
		ActionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_action_duration_seconds",
				Help:    "Action execution duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"action"},
		),
		ActionsDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_actions_denied_total",
				Help: "Total number of actions denied, by error code",
			},
			[]string{"action", "error_code"},
		),

		ResourceExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_resource_exhausted_total",
				Help: "Total number of resource exhaustion denials, by resource",
			},
			[]string{"resource"},
		),
		ResourceBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_resource_balance",
				Help: "Current balance of a depletable or allocatable resource, by resource and principal",
			},
			[]string{"resource", "principal"},
		),

		EventLogLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_event_log_length",
				Help: "Current number of events in the event log",
			},
		),
		CheckpointsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_checkpoints_total",
				Help: "Total number of checkpoints written",
			},
		),
		CheckpointSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kernel_checkpoint_duration_seconds",
				Help:    "Checkpoint write duration in seconds",
				Buckets: []float64{.001, .01, .1, .5, 1, 5, 10},
			},
		),

		MintResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_mint_resolutions_total",
				Help: "Total number of mint auction resolutions, by outcome",
			},
			[]string{"outcome"},
		),
		MintSubmissionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_mint_submissions_open",
				Help: "Current number of open mint submissions awaiting resolution",
			},
		),

		AgentCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_agent_cycles_total",
				Help: "Total number of agent loop cycles, by agent and outcome",
			},
			[]string{"agent_id", "outcome"},
		),
		AgentCycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_agent_cycle_duration_seconds",
				Help:    "Agent loop cycle duration in seconds",
				Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30},
			},
			[]string{"agent_id"},
		),
		AgentLoopState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_agent_loop_state",
				Help: "1 if the agent loop is currently in the given state, 0 otherwise",
			},
			[]string{"agent_id", "state"},
		),

		KernelInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_info",
				Help: "Kernel build/identity information",
			},
			[]string{"kernel_id"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.ActionsTotal,
			m.ActionDuration,
			m.ActionsDenied,
			m.ResourceExhaustedTotal,
			m.ResourceBalance,
			m.EventLogLength,
			m.CheckpointsTotal,
			m.CheckpointSeconds,
			m.MintResolutionsTotal,
			m.MintSubmissionsOpen,
			m.AgentCyclesTotal,
			m.AgentCycleDuration,
			m.AgentLoopState,
			m.KernelInfo,
		)
	}

	m.KernelInfo.WithLabelValues(kernelID).Set(1)

	return m
}

// RecordAction records an executed action's outcome and duration.
func (m *Metrics) RecordAction(action, outcome string, duration time.Duration) {
	m.ActionsTotal.WithLabelValues(action, outcome).Inc()
	m.ActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordDenial records a denied action, keyed by its error code.
func (m *Metrics) RecordDenial(action, errorCode string) {
	m.ActionsDenied.WithLabelValues(action, errorCode).Inc()
}

// RecordResourceExhausted records a resource exhaustion denial.
func (m *Metrics) RecordResourceExhausted(resource string) {
	m.ResourceExhaustedTotal.WithLabelValues(resource).Inc()
}

// SetResourceBalance records the current balance of a resource for a principal.
func (m *Metrics) SetResourceBalance(resource, principal string, balance float64) {
	m.ResourceBalance.WithLabelValues(resource, principal).Set(balance)
}

// SetEventLogLength records the event log's current length.
func (m *Metrics) SetEventLogLength(n int) {
	m.EventLogLength.Set(float64(n))
}

// RecordCheckpoint records a checkpoint write's duration.
func (m *Metrics) RecordCheckpoint(duration time.Duration) {
	m.CheckpointsTotal.Inc()
	m.CheckpointSeconds.Observe(duration.Seconds())
}

// RecordMintResolution records a mint auction resolution outcome.
func (m *Metrics) RecordMintResolution(outcome string) {
	m.MintResolutionsTotal.WithLabelValues(outcome).Inc()
}

// SetMintSubmissionsOpen records the number of open mint submissions.
func (m *Metrics) SetMintSubmissionsOpen(n int) {
	m.MintSubmissionsOpen.Set(float64(n))
}

// RecordAgentCycle records one agent loop cycle's outcome and duration.
func (m *Metrics) RecordAgentCycle(agentID, outcome string, duration time.Duration) {
	m.AgentCyclesTotal.WithLabelValues(agentID, outcome).Inc()
	m.AgentCycleDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// SetAgentLoopState marks state as the agent's current loop state, zeroing
// every other known state label for that agent.
func (m *Metrics) SetAgentLoopState(agentID, state string, knownStates []string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.AgentLoopState.WithLabelValues(agentID, s).Set(v)
	}
}

// Global metrics instance, used by components constructed without an
// explicit *Metrics (the cmd/kernel demo entrypoint).
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(kernelID string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(kernelID)
	}
	return globalMetrics
}

// Global returns the global metrics instance, creating one with an "unknown"
// kernel id if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}

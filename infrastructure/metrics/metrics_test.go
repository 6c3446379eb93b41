package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-kernel", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}
	if m.ActionsTotal == nil {
		t.Error("ActionsTotal should not be nil")
	}
	if m.ResourceBalance == nil {
		t.Error("ResourceBalance should not be nil")
	}
	if m.AgentLoopState == nil {
		t.Error("AgentLoopState should not be nil")
	}
}

func TestRecordAction(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-kernel", reg)

	m.RecordAction("write", "applied", 2*time.Millisecond)
	m.RecordAction("invoke", "denied", 5*time.Millisecond)
}

func TestRecordDenial(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-kernel", reg)

	m.RecordDenial("write", "PermissionDenied")
	m.RecordDenial("invoke", "ContractFault")
}

func TestRecordResourceExhausted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-kernel", reg)

	m.RecordResourceExhausted("llm_tokens")
}

func TestSetResourceBalance(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-kernel", reg)

	m.SetResourceBalance("scrip", "agent-1", 42.0)
}

func TestEventLogAndCheckpointMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-kernel", reg)

	m.SetEventLogLength(100)
	m.RecordCheckpoint(15 * time.Millisecond)
}

func TestMintMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-kernel", reg)

	m.RecordMintResolution("awarded")
	m.RecordMintResolution("no_bids")
	m.SetMintSubmissionsOpen(3)
}

func TestAgentCycleMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-kernel", reg)

	m.RecordAgentCycle("agent-1", "ok", 50*time.Millisecond)
	m.SetAgentLoopState("agent-1", "thinking", []string{"idle", "thinking", "acting", "sleeping", "paused", "stopped"})
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-kernel", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if len(metricFamilies) == 0 {
		t.Error("Expected metrics to be registered")
	}
}

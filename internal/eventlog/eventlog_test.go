package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/agentkernel/ecology/infrastructure/state"
)

func TestJournal_EmitAssignsMonotonicNumbers(t *testing.T) {
	var buf bytes.Buffer
	j := NewJournal(&buf, 0, nil)

	ev1, err := j.Emit("artifact_written", map[string]interface{}{"id": "a1"})
	if err != nil {
		t.Fatalf("emit 1 failed: %v", err)
	}
	ev2, err := j.Emit("artifact_written", map[string]interface{}{"id": "a2"})
	if err != nil {
		t.Fatalf("emit 2 failed: %v", err)
	}

	if ev1.Number != 1 || ev2.Number != 2 {
		t.Fatalf("expected consecutive numbers 1,2 got %d,%d", ev1.Number, ev2.Number)
	}
	if j.EventNumber() != 2 {
		t.Fatalf("expected journal high-water 2, got %d", j.EventNumber())
	}
}

func TestJournal_StartAtResumesNumbering(t *testing.T) {
	var buf bytes.Buffer
	j := NewJournal(&buf, 41, nil)

	ev, err := j.Emit("kernel_restarted", nil)
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if ev.Number != 42 {
		t.Fatalf("expected event number 42 after resuming at 41, got %d", ev.Number)
	}
}

func TestJournal_OnEachCallback(t *testing.T) {
	var buf bytes.Buffer
	var seen []Event
	j := NewJournal(&buf, 0, func(ev Event) { seen = append(seen, ev) })

	_, _ = j.Emit("scrip_transferred", map[string]interface{}{"amount": float64(5)})
	_, _ = j.Emit("scrip_transferred", map[string]interface{}{"amount": float64(3)})

	if len(seen) != 2 {
		t.Fatalf("expected callback invoked twice, got %d", len(seen))
	}
}

func TestEvent_RoundTripsThroughJSON(t *testing.T) {
	var buf bytes.Buffer
	j := NewJournal(&buf, 0, nil)
	_, _ = j.Emit("artifact_written", map[string]interface{}{"id": "a1", "type": "working_memory"})

	events, err := ReadEvents(&buf)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Number != 1 || ev.Type != "artifact_written" {
		t.Fatalf("unexpected event after round trip: %+v", ev)
	}
	if ev.Payload["id"] != "a1" || ev.Payload["type"] != "working_memory" {
		t.Fatalf("payload fields lost in round trip: %+v", ev.Payload)
	}
}

func TestEvent_MarshalFlattensPayload(t *testing.T) {
	ev := Event{Number: 7, Type: "mint_submitted", Payload: map[string]interface{}{"bid": float64(10)}}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(data, &raw)
	if raw["event_number"].(float64) != 7 || raw["type"] != "mint_submitted" || raw["bid"].(float64) != 10 {
		t.Fatalf("expected flattened envelope+payload, got %v", raw)
	}
}

func TestReadEvents_MultipleLinesInOrder(t *testing.T) {
	var buf bytes.Buffer
	j := NewJournal(&buf, 0, nil)
	for i := 0; i < 5; i++ {
		_, _ = j.Emit("action_executed", nil)
	}

	events, err := ReadEvents(&buf)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Number != int64(i+1) {
			t.Fatalf("expected event %d to have number %d, got %d", i, i+1, ev.Number)
		}
	}
}

func TestCheckpointer_SaveAndLoad(t *testing.T) {
	backend := state.NewMemoryBackend(0)
	c := NewCheckpointer(backend, "checkpoint:latest", 100)
	ctx := context.Background()

	cp := Checkpoint{Version: CheckpointVersion, EventNumber: 42, Store: json.RawMessage(`[]`)}
	if err := c.Save(ctx, cp); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, ok, err := c.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("expected load to succeed, ok=%v err=%v", ok, err)
	}
	if loaded.EventNumber != 42 {
		t.Fatalf("expected event number 42, got %d", loaded.EventNumber)
	}
}

func TestCheckpointer_LoadMissingReturnsNotOk(t *testing.T) {
	backend := state.NewMemoryBackend(0)
	c := NewCheckpointer(backend, "checkpoint:latest", 100)

	_, ok, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("expected no error for missing checkpoint, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a fresh kernel with no checkpoint")
	}
}

func TestCheckpointer_RejectsUnknownVersion(t *testing.T) {
	backend := state.NewMemoryBackend(0)
	ctx := context.Background()
	data, _ := json.Marshal(Checkpoint{Version: 99})
	_ = backend.Save(ctx, "checkpoint:latest", data)

	c := NewCheckpointer(backend, "checkpoint:latest", 100)
	_, _, err := c.Load(ctx)
	if err == nil {
		t.Fatal("expected error for unknown checkpoint version")
	}
}

func TestCheckpointer_ShouldCheckpoint(t *testing.T) {
	c := NewCheckpointer(state.NewMemoryBackend(0), "k", 10)
	if c.ShouldCheckpoint(5) {
		t.Fatal("expected no checkpoint due before interval reached")
	}
	if !c.ShouldCheckpoint(10) {
		t.Fatal("expected checkpoint due at interval")
	}
}

func TestCheckpointer_ZeroIntervalNeverCheckpoints(t *testing.T) {
	c := NewCheckpointer(state.NewMemoryBackend(0), "k", 0)
	if c.ShouldCheckpoint(1000000) {
		t.Fatal("expected interval<=0 to disable checkpointing")
	}
}

// Package eventlog implements C8: the append-only event journal and
// periodic checkpoint/restore machinery. The journal is the authoritative
// state-transition record (spec §4.8); a checkpoint is a point-in-time
// snapshot that, together with the journal tail beyond it, reconstructs the
// kernel. Grounded on infrastructure/state's PersistenceBackend for the
// actual bytes-on-disk concern, kept separate from the kernel's in-memory
// components so C8 has no import-time dependency on C1/C2/C6/C7.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
	"github.com/agentkernel/ecology/infrastructure/state"
)

// Event is one line of the journal: a strictly increasing event_number, a
// wall-clock timestamp, a stable type string, and a typed payload.
type Event struct {
	Number  int64                  `json:"event_number"`
	Time    time.Time              `json:"t"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// MarshalJSON flattens Payload's keys alongside the envelope fields, per the
// wire format in spec §6.2 ("{event_number, t, type, …payload}") rather than
// nesting them under a "payload" key.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(e.Payload)+3)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["event_number"] = e.Number
	flat["t"] = e.Time.UTC().Format(time.RFC3339Nano)
	flat["type"] = e.Type
	return json.Marshal(flat)
}

// UnmarshalJSON reverses MarshalJSON, pulling event_number/t/type out of the
// flattened object and leaving the rest in Payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if n, ok := raw["event_number"]; ok {
		switch v := n.(type) {
		case float64:
			e.Number = int64(v)
		}
		delete(raw, "event_number")
	}
	if ts, ok := raw["t"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("eventlog: bad timestamp %q: %w", ts, err)
		}
		e.Time = parsed
		delete(raw, "t")
	}
	if typ, ok := raw["type"].(string); ok {
		e.Type = typ
		delete(raw, "type")
	}
	e.Payload = raw
	return nil
}

// Journal is the append-only NDJSON event log. It owns the monotonic
// event_number counter; every mutation in the kernel must go through
// Journal.Emit to get its number, which is what makes C4's "whoever reaches
// the executor first gets the next event_number" guarantee (spec §5) hold.
type Journal struct {
	mu     sync.Mutex
	w      io.Writer
	next   int64
	onEach func(Event)
}

// NewJournal creates a Journal writing to w, starting numbering at
// startAt+1 (startAt is normally the event_number high-water mark loaded
// from the last checkpoint, or 0 for a fresh kernel). onEach, if non-nil, is
// called synchronously after every successful append — used by the kernel
// to update in-memory indices and metrics without the journal importing
// them.
func NewJournal(w io.Writer, startAt int64, onEach func(Event)) *Journal {
	return &Journal{w: w, next: startAt, onEach: onEach}
}

// Emit appends one event of the given type and payload, assigning it the
// next event_number, and returns the recorded Event.
func (j *Journal) Emit(eventType string, payload map[string]interface{}) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.next++
	ev := Event{Number: j.next, Time: time.Now().UTC(), Type: eventType, Payload: payload}

	line, err := json.Marshal(ev)
	if err != nil {
		j.next--
		return Event{}, kerrors.SystemError("failed to marshal event", err)
	}
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		j.next--
		return Event{}, kerrors.SystemError("failed to append event", err)
	}
	if j.onEach != nil {
		j.onEach(ev)
	}
	return ev, nil
}

// EventNumber returns the most recently assigned event_number.
func (j *Journal) EventNumber() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next
}

// ReadEvents decodes every NDJSON line from r in order. Used to replay the
// journal tail beyond a checkpoint during restore.
func ReadEvents(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var events []Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, kerrors.SystemError("failed to decode event line", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, kerrors.SystemError("failed to scan event journal", err)
	}
	return events, nil
}

// CheckpointVersion is the current snapshot format version (spec §6.3).
// Restore rejects any other value.
const CheckpointVersion = 1

// Checkpoint is the self-contained snapshot document described in spec
// §6.3: {version, event_number, store, ledger, resources, mint, agents}.
// The field types are left as json.RawMessage because eventlog has no
// dependency on the concrete component types that produce them — the
// kernel facade marshals/unmarshals each section against its own types.
type Checkpoint struct {
	Version     int             `json:"version"`
	EventNumber int64           `json:"event_number"`
	Store       json.RawMessage `json:"store"`
	Ledger      json.RawMessage `json:"ledger"`
	Resources   json.RawMessage `json:"resources"`
	Mint        json.RawMessage `json:"mint"`
	Agents      json.RawMessage `json:"agents"`
}

// Checkpointer periodically snapshots kernel state to a PersistenceBackend
// and knows how to load the latest snapshot back on restore.
type Checkpointer struct {
	backend       state.PersistenceBackend
	snapshotKey   string
	intervalEvents int64
}

// NewCheckpointer creates a Checkpointer that writes to a single key
// (snapshotKey) in backend, overwriting the previous snapshot each time —
// the journal tail beyond the snapshot is what makes older snapshots
// unnecessary to retain.
func NewCheckpointer(backend state.PersistenceBackend, snapshotKey string, intervalEvents int64) *Checkpointer {
	return &Checkpointer{backend: backend, snapshotKey: snapshotKey, intervalEvents: intervalEvents}
}

// ShouldCheckpoint reports whether a checkpoint is due given the number of
// events appended since the last one.
func (c *Checkpointer) ShouldCheckpoint(eventsSinceLast int64) bool {
	if c.intervalEvents <= 0 {
		return false
	}
	return eventsSinceLast >= c.intervalEvents
}

// Save serializes cp and writes it to the backend.
func (c *Checkpointer) Save(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return kerrors.SystemError("failed to marshal checkpoint", err)
	}
	if err := c.backend.Save(ctx, c.snapshotKey, data); err != nil {
		return kerrors.SystemError("failed to persist checkpoint", err)
	}
	return nil
}

// Load reads the most recent checkpoint, if any. ok is false if no
// checkpoint has ever been saved (a fresh kernel).
func (c *Checkpointer) Load(ctx context.Context) (cp Checkpoint, ok bool, err error) {
	data, err := c.backend.Load(ctx, c.snapshotKey)
	if errors.Is(err, state.ErrNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, kerrors.SystemError("failed to load checkpoint", err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, kerrors.SystemError("failed to decode checkpoint", err)
	}
	if cp.Version != CheckpointVersion {
		return Checkpoint{}, false, kerrors.SystemError(
			fmt.Sprintf("unknown checkpoint version %d", cp.Version), nil)
	}
	return cp, true, nil
}

// Package trigger implements the kernel's deferred event→invoke mechanism
// (spec §9: "Triggers...can be layered atop the event log + executor with
// deduplicated queued invocation; recursion-depth limits are implementation's
// responsibility"). Merges the teacher's domain/trigger.Trigger (Type/Rule
// shape) and domain/automation.Job (MaxRuns/NextRun/cron Schedule fields)
// into one model, since the kernel spec treats triggers as a single
// mechanism rather than two.
package trigger

import (
	"time"

	"github.com/robfig/cron/v3"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
)

// Type is one of the two supported trigger kinds. The teacher's third kind,
// TypeWebhook, has no kernel equivalent (no inbound network surface exists)
// and was dropped.
type Type string

const (
	TypeCron  Type = "cron"
	TypeEvent Type = "event"
)

// MaxRecursionDepth bounds how many trigger-chained invocations may nest
// within a single originating action, per spec §9's requirement that an
// implementation impose some bound.
const MaxRecursionDepth = 8

// Trigger binds a rule (a cron expression, or an event type to match) to an
// invoke call against a target artifact, owned by a principal.
type Trigger struct {
	ID         string
	Owner      string
	Type       Type
	Rule       string // cron expression for TypeCron; event type string for TypeEvent
	TargetID   string // artifact to invoke
	Method     string
	Args       map[string]interface{}
	MaxRuns    int // 0 means unlimited, mirrors the teacher's automation.Job
	RunCount   int
	Enabled    bool
	CreatedAt  time.Time

	// lastFiredEvent is the event_number of the last incoming event this
	// trigger fired on, used to dedup a TypeEvent trigger against replay
	// (checkpoint restore re-delivers the same event stream) and against
	// firing twice for one event if MatchEvent is called more than once.
	lastFiredEvent int64
	schedule       cron.Schedule
	nextRun        time.Time
}

// IsCompleted reports whether a bounded trigger has exhausted its run
// budget, mirroring automation.Job.IsCompleted.
func (t *Trigger) IsCompleted() bool {
	return t.MaxRuns > 0 && t.RunCount >= t.MaxRuns
}

// Registry owns every registered trigger. Not safe for concurrent use from
// multiple goroutines; the kernel's single-threaded apply loop is the only
// intended caller (spec §5).
type Registry struct {
	byID map[string]*Trigger
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*Trigger)}
}

// Register adds t, parsing its cron schedule eagerly for TypeCron so a
// malformed cron expression fails at registration rather than at the next
// tick. now is used to seed the first nextRun.
func (r *Registry) Register(t Trigger, now time.Time) (*Trigger, error) {
	if _, exists := r.byID[t.ID]; exists {
		return nil, kerrors.SystemError("trigger id already exists", nil).WithDetails("id", t.ID)
	}

	stored := t
	stored.Enabled = true
	if t.Type == TypeCron {
		schedule, err := cron.ParseStandard(t.Rule)
		if err != nil {
			return nil, kerrors.TypeMismatch("cron expression", t.Rule)
		}
		stored.schedule = schedule
		stored.nextRun = schedule.Next(now)
	}

	r.byID[t.ID] = &stored
	return &stored, nil
}

// Unregister removes a trigger by id.
func (r *Registry) Unregister(id string) error {
	if _, ok := r.byID[id]; !ok {
		return kerrors.NotFound("trigger", id)
	}
	delete(r.byID, id)
	return nil
}

// Get returns the trigger with id.
func (r *Registry) Get(id string) (Trigger, error) {
	t, ok := r.byID[id]
	if !ok {
		return Trigger{}, kerrors.NotFound("trigger", id)
	}
	return *t, nil
}

// ListByOwner returns every trigger owned by owner.
func (r *Registry) ListByOwner(owner string) []Trigger {
	var out []Trigger
	for _, t := range r.byID {
		if t.Owner == owner {
			out = append(out, *t)
		}
	}
	return out
}

// DueCronTriggers returns every enabled, not-yet-completed cron trigger
// whose schedule has elapsed as of now, advancing each one's nextRun and
// incrementing RunCount. The caller is responsible for actually invoking
// TargetID/Method/Args for each returned trigger.
func (r *Registry) DueCronTriggers(now time.Time) []Trigger {
	var due []Trigger
	for _, t := range r.byID {
		if t.Type != TypeCron || !t.Enabled || t.IsCompleted() {
			continue
		}
		if t.schedule == nil || now.Before(t.nextRun) {
			continue
		}
		t.RunCount++
		t.nextRun = t.schedule.Next(now)
		if t.IsCompleted() {
			t.Enabled = false
		}
		due = append(due, *t)
	}
	return due
}

// MatchEvent returns every enabled, not-yet-completed TypeEvent trigger
// whose Rule matches eventType, that has not already fired for
// eventNumber (dedup against replay), advancing RunCount for each match.
// depth is the current trigger-chain nesting depth of the caller; matching
// is skipped entirely (returning nil) once depth reaches MaxRecursionDepth.
func (r *Registry) MatchEvent(eventType string, eventNumber int64, depth int) []Trigger {
	if depth >= MaxRecursionDepth {
		return nil
	}
	var matched []Trigger
	for _, t := range r.byID {
		if t.Type != TypeEvent || !t.Enabled || t.IsCompleted() {
			continue
		}
		if t.Rule != eventType {
			continue
		}
		if t.lastFiredEvent >= eventNumber {
			continue
		}
		t.lastFiredEvent = eventNumber
		t.RunCount++
		if t.IsCompleted() {
			t.Enabled = false
		}
		matched = append(matched, *t)
	}
	return matched
}

// All returns every registered trigger; the kernel's query_kernel snapshot
// lists them.
func (r *Registry) All() []Trigger {
	out := make([]Trigger, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, *t)
	}
	return out
}

// Restore replaces the registry's contents wholesale from checkpoint data,
// re-deriving each TypeCron trigger's schedule.
func (r *Registry) Restore(triggers []Trigger, now time.Time) error {
	r.byID = make(map[string]*Trigger, len(triggers))
	for _, t := range triggers {
		stored := t
		if t.Type == TypeCron && t.Enabled && !t.IsCompleted() {
			schedule, err := cron.ParseStandard(t.Rule)
			if err != nil {
				return kerrors.SystemError("restored trigger has invalid cron expression", err).WithDetails("id", t.ID)
			}
			stored.schedule = schedule
			stored.nextRun = schedule.Next(now)
		}
		r.byID[t.ID] = &stored
	}
	return nil
}

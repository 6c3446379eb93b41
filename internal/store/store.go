// Package store implements the kernel's artifact store (C1): the sole
// owner of artifact records, their indices, and the immutability
// invariants that hold regardless of which contract governs an artifact.
package store

import (
	"strings"
	"sync"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
)

// reservedPrefixes lists the artifact-id namespaces that only a specific
// principal may create into (spec §3, §4.1, P7). "charge_delegation:<P>"
// reserves the suffix for the exact principal P. "right:<P>:..." reserves
// the first colon-delimited segment after the prefix for principal P — the
// spec names the namespace but not its internal format beyond "matching
// principal", so this is the Open Question decision recorded in DESIGN.md.
var reservedPrefixes = []string{"charge_delegation:", "right:"}

// reservedOwner returns the principal id that must match caller for id to
// be creatable, and true if id falls in a reserved namespace at all.
func reservedOwner(id string) (string, bool) {
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(id, prefix) {
			rest := id[len(prefix):]
			if idx := strings.IndexByte(rest, ':'); idx >= 0 {
				rest = rest[:idx]
			}
			return rest, true
		}
	}
	return "", false
}

// Artifact is the kernel's unit of persistent state (spec §3).
type Artifact struct {
	ID                string
	Type              string
	CreatedBy         string
	CreatedAt         int64
	Content           string
	Code              string
	AccessContractID  string
	HasStanding       bool
	KernelProtected   bool
	DependsOn         []string
	Metadata          map[string]interface{}
	EventNumber       int64
}

// Clone returns a deep copy so callers can never mutate store-owned state
// through a value returned by Get/List.
func (a Artifact) Clone() Artifact {
	c := a
	if a.DependsOn != nil {
		c.DependsOn = append([]string(nil), a.DependsOn...)
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// CreateIntent describes a new artifact. KernelProtected may only be set
// true by kernel-internal bootstrap code (the genesis package); the store
// itself does not gate who may pass it true — that trust boundary is
// enforced by which callers are wired to reach Create with it set.
type CreateIntent struct {
	ID               string
	Type             string
	CreatedBy        string
	Content          string
	Code             string
	AccessContractID string
	HasStanding      bool
	KernelProtected  bool
	DependsOn        []string
	Metadata         map[string]interface{}
}

// EventSink receives a notification after every successful mutation. The
// store package defines this interface rather than importing eventlog
// directly, keeping C1 free of a dependency on C8.
type EventSink interface {
	Emit(eventType string, payload map[string]interface{})
}

// Store is the sole owner of artifact records.
type Store struct {
	mu   sync.RWMutex
	sink EventSink

	byID      map[string]*Artifact
	byCreator map[string]map[string]struct{}
	byType    map[string]map[string]struct{}

	indexedMetadataKeys []string
	byMetadata          map[string]map[string]map[string]struct{} // key -> value -> ids
}

// New creates an empty Store. indexedMetadataKeys names metadata keys that
// get their own index in addition to the always-present by_id/by_creator/
// by_type indices (spec §4.1).
func New(indexedMetadataKeys []string, sink EventSink) *Store {
	s := &Store{
		sink:                sink,
		byID:                make(map[string]*Artifact),
		byCreator:           make(map[string]map[string]struct{}),
		byType:              make(map[string]map[string]struct{}),
		indexedMetadataKeys: append([]string(nil), indexedMetadataKeys...),
		byMetadata:          make(map[string]map[string]map[string]struct{}),
	}
	for _, key := range indexedMetadataKeys {
		s.byMetadata[key] = make(map[string]map[string]struct{})
	}
	return s
}

func addToIndex(idx map[string]map[string]struct{}, key, id string) {
	if idx[key] == nil {
		idx[key] = make(map[string]struct{})
	}
	idx[key][id] = struct{}{}
}

func removeFromIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Create validates reserved-id ownership and uniqueness, then stores and
// indexes the artifact.
func (s *Store) Create(intent CreateIntent, eventNumber int64) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, reserved := reservedOwner(intent.ID); reserved && owner != intent.CreatedBy {
		return Artifact{}, kerrors.ReservedIdViolation(intent.ID)
	}
	if _, exists := s.byID[intent.ID]; exists {
		// The spec's prose (§4.1) mentions a "DuplicateId" failure, but the
		// closed error_code set (§6.1) has no dedicated code for it; id
		// uniqueness is the kernel's own invariant (§7: "System - internal
		// invariant violation"), so a collision is reported as SystemError.
		return Artifact{}, kerrors.SystemError("id already exists", nil).WithDetails("id", intent.ID)
	}

	a := &Artifact{
		ID:               intent.ID,
		Type:             intent.Type,
		CreatedBy:        intent.CreatedBy,
		CreatedAt:        eventNumber,
		Content:          intent.Content,
		Code:             intent.Code,
		AccessContractID: intent.AccessContractID,
		HasStanding:      intent.HasStanding,
		KernelProtected:  intent.KernelProtected,
		DependsOn:        append([]string(nil), intent.DependsOn...),
		Metadata:         cloneMetadata(intent.Metadata),
		EventNumber:      eventNumber,
	}

	s.byID[a.ID] = a
	addToIndex(s.byCreator, a.CreatedBy, a.ID)
	addToIndex(s.byType, a.Type, a.ID)
	for _, key := range s.indexedMetadataKeys {
		if v, ok := a.Metadata[key]; ok {
			addToIndex(s.byMetadata[key], toIndexValue(v), a.ID)
		}
	}

	s.emit("artifact_written", map[string]interface{}{"id": a.ID, "created": true})
	return a.Clone(), nil
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toIndexValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// WriteIntent describes a mutation to an existing artifact's mutable
// fields. Pointer fields distinguish "leave unchanged" from "set to zero
// value".
type WriteIntent struct {
	Content          *string
	Code             *string
	Metadata         map[string]interface{}
	AccessContractID *string
	DependsOn        []string
}

// Write applies a WriteIntent, enforcing: type is never present in
// WriteIntent so it can never be altered through this path; access_contract_id
// may only change when caller == created_by; kernel_protected artifacts may
// only be mutated by the kernel itself (asKernel == true).
func (s *Store) Write(id string, caller string, asKernel bool, intent WriteIntent, eventNumber int64) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return Artifact{}, kerrors.NotFound("artifact", id)
	}
	if a.KernelProtected && !asKernel {
		return Artifact{}, kerrors.PermissionDenied("kernel_protected")
	}
	if intent.AccessContractID != nil && *intent.AccessContractID != a.AccessContractID && caller != a.CreatedBy {
		return Artifact{}, kerrors.PermissionDenied("only created_by may change access_contract_id")
	}

	// remove stale metadata index entries before mutating
	for _, key := range s.indexedMetadataKeys {
		if v, ok := a.Metadata[key]; ok {
			removeFromIndex(s.byMetadata[key], toIndexValue(v), a.ID)
		}
	}

	if intent.Content != nil {
		a.Content = *intent.Content
	}
	if intent.Code != nil {
		a.Code = *intent.Code
	}
	if intent.Metadata != nil {
		merged := cloneMetadata(a.Metadata)
		if merged == nil {
			merged = make(map[string]interface{})
		}
		for k, v := range intent.Metadata {
			merged[k] = v
		}
		a.Metadata = merged
	}
	if intent.AccessContractID != nil {
		a.AccessContractID = *intent.AccessContractID
	}
	if intent.DependsOn != nil {
		a.DependsOn = append([]string(nil), intent.DependsOn...)
	}
	a.EventNumber = eventNumber

	for _, key := range s.indexedMetadataKeys {
		if v, ok := a.Metadata[key]; ok {
			addToIndex(s.byMetadata[key], toIndexValue(v), a.ID)
		}
	}

	s.emit("artifact_written", map[string]interface{}{"id": a.ID, "created": false})
	return a.Clone(), nil
}

// Edit performs a single-occurrence string replacement in content, then
// delegates to Write for the same invariants and events. Cost accounting
// is done by the caller (internal/executor), not by the store.
func (s *Store) Edit(id, caller string, asKernel bool, oldString, newString string, eventNumber int64) (Artifact, error) {
	s.mu.RLock()
	a, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return Artifact{}, kerrors.NotFound("artifact", id)
	}

	count := strings.Count(a.Content, oldString)
	if count == 0 {
		return Artifact{}, kerrors.OldStringNotFound()
	}
	if count > 1 {
		return Artifact{}, kerrors.OldStringNotUnique()
	}

	newContent := strings.Replace(a.Content, oldString, newString, 1)
	return s.Write(id, caller, asKernel, WriteIntent{Content: &newContent}, eventNumber)
}

// Delete removes the artifact record. Dependents are not cascaded;
// dangling references surface as NotFound at next resolution.
func (s *Store) Delete(id, caller string, asKernel bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return kerrors.NotFound("artifact", id)
	}
	if a.KernelProtected && !asKernel {
		return kerrors.PermissionDenied("kernel_protected")
	}

	delete(s.byID, id)
	removeFromIndex(s.byCreator, a.CreatedBy, id)
	removeFromIndex(s.byType, a.Type, id)
	for _, key := range s.indexedMetadataKeys {
		if v, ok := a.Metadata[key]; ok {
			removeFromIndex(s.byMetadata[key], toIndexValue(v), id)
		}
	}

	s.emit("artifact_deleted", map[string]interface{}{"id": id})
	return nil
}

// MarkHasStanding sets has_standing=true on an existing artifact. Per the
// artifact field table (spec §3), this is the only field path the store
// exposes outside of Write/Create — callers other than create_principal
// (internal/kernel) must never reach it.
func (s *Store) MarkHasStanding(id string) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return Artifact{}, kerrors.NotFound("artifact", id)
	}
	a.HasStanding = true
	return a.Clone(), nil
}

// ListHasStanding returns every artifact with has_standing=true, used by
// checkpoint restore's standing-invariant drift repair (spec §4.2, §4.8).
func (s *Store) ListHasStanding() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Artifact
	for _, a := range s.byID {
		if a.HasStanding {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Get returns a copy of the artifact with id.
func (s *Store) Get(id string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return Artifact{}, kerrors.NotFound("artifact", id)
	}
	return a.Clone(), nil
}

// Exists reports whether id is present, without the cost of a clone.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

func (s *Store) listByIndex(idx map[string]map[string]struct{}, key string) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := idx[key]
	out := make([]Artifact, 0, len(ids))
	for id := range ids {
		if a, ok := s.byID[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// ListByCreator returns every artifact created by creator.
func (s *Store) ListByCreator(creator string) []Artifact {
	return s.listByIndex(s.byCreator, creator)
}

// ListByType returns every artifact of the given type.
func (s *Store) ListByType(t string) []Artifact {
	return s.listByIndex(s.byType, t)
}

// ListByMetadata returns every artifact whose metadata[key] == value, for a
// key configured as indexed at construction time.
func (s *Store) ListByMetadata(key, value string) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byMetadata[key]
	if !ok {
		return nil
	}
	ids := idx[value]
	out := make([]Artifact, 0, len(ids))
	for id := range ids {
		if a, ok := s.byID[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// All returns every artifact in the store. Intended for checkpoint
// snapshotting, not for hot-path queries.
func (s *Store) All() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Artifact, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a.Clone())
	}
	return out
}

// Restore replaces the store's contents with artifacts from a checkpoint,
// rebuilding every index. Used only during C8 restore.
func (s *Store) Restore(artifacts []Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]*Artifact, len(artifacts))
	s.byCreator = make(map[string]map[string]struct{})
	s.byType = make(map[string]map[string]struct{})
	s.byMetadata = make(map[string]map[string]map[string]struct{})
	for _, key := range s.indexedMetadataKeys {
		s.byMetadata[key] = make(map[string]map[string]struct{})
	}

	for _, a := range artifacts {
		clone := a.Clone()
		s.byID[clone.ID] = &clone
		addToIndex(s.byCreator, clone.CreatedBy, clone.ID)
		addToIndex(s.byType, clone.Type, clone.ID)
		for _, key := range s.indexedMetadataKeys {
			if v, ok := clone.Metadata[key]; ok {
				addToIndex(s.byMetadata[key], toIndexValue(v), clone.ID)
			}
		}
	}
}

func (s *Store) emit(eventType string, payload map[string]interface{}) {
	if s.sink != nil {
		s.sink.Emit(eventType, payload)
	}
}

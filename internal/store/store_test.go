package store

import (
	"testing"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
)

type recordingSink struct {
	events []string
}

func (r *recordingSink) Emit(eventType string, payload map[string]interface{}) {
	r.events = append(r.events, eventType)
}

func TestCreateAndGet(t *testing.T) {
	s := New(nil, nil)
	a, err := s.Create(CreateIntent{ID: "x", Type: "code", CreatedBy: "alice", Content: "hi"}, 1)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if a.EventNumber != 1 {
		t.Fatalf("expected event number 1, got %d", a.EventNumber)
	}

	got, err := s.Get("x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != "hi" {
		t.Fatalf("expected content 'hi', got %q", got.Content)
	}
}

func TestCreate_DuplicateIDRejected(t *testing.T) {
	s := New(nil, nil)
	_, _ = s.Create(CreateIntent{ID: "x", Type: "code", CreatedBy: "alice"}, 1)
	_, err := s.Create(CreateIntent{ID: "x", Type: "code", CreatedBy: "bob"}, 2)
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestCreate_ReservedIdViolation(t *testing.T) {
	s := New(nil, nil)
	_, err := s.Create(CreateIntent{ID: "charge_delegation:alice", Type: "code", CreatedBy: "bob"}, 1)
	se := kerrors.GetServiceError(err)
	if se == nil || se.Code != kerrors.ErrCodeReservedIdViolation {
		t.Fatalf("expected ReservedIdViolation, got %v", err)
	}
}

func TestCreate_ReservedIdAllowedForMatchingPrincipal(t *testing.T) {
	s := New(nil, nil)
	_, err := s.Create(CreateIntent{ID: "charge_delegation:alice", Type: "code", CreatedBy: "alice"}, 1)
	if err != nil {
		t.Fatalf("expected reserved-id create by matching principal to succeed, got %v", err)
	}
}

func TestWrite_RejectsAccessContractChangeByNonCreator(t *testing.T) {
	s := New(nil, nil)
	_, _ = s.Create(CreateIntent{ID: "x", Type: "code", CreatedBy: "alice", AccessContractID: "freeware"}, 1)

	newContract := "private"
	_, err := s.Write("x", "bob", false, WriteIntent{AccessContractID: &newContract}, 2)
	se := kerrors.GetServiceError(err)
	if se == nil || se.Code != kerrors.ErrCodePermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestWrite_AllowsAccessContractChangeByCreator(t *testing.T) {
	s := New(nil, nil)
	_, _ = s.Create(CreateIntent{ID: "x", Type: "code", CreatedBy: "alice", AccessContractID: "freeware"}, 1)

	newContract := "private"
	a, err := s.Write("x", "alice", false, WriteIntent{AccessContractID: &newContract}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.AccessContractID != "private" {
		t.Fatalf("expected access_contract_id 'private', got %q", a.AccessContractID)
	}
}

func TestWrite_KernelProtectedRejectsNonKernelCaller(t *testing.T) {
	s := New(nil, nil)
	_, _ = s.Create(CreateIntent{ID: "genesis_store", Type: "code", CreatedBy: "kernel", KernelProtected: true}, 1)

	content := "malicious"
	_, err := s.Write("genesis_store", "alice", false, WriteIntent{Content: &content}, 2)
	se := kerrors.GetServiceError(err)
	if se == nil || se.Code != kerrors.ErrCodePermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestWrite_KernelProtectedAllowsKernelCaller(t *testing.T) {
	s := New(nil, nil)
	_, _ = s.Create(CreateIntent{ID: "genesis_store", Type: "code", CreatedBy: "kernel", KernelProtected: true}, 1)

	content := "updated"
	a, err := s.Write("genesis_store", "kernel", true, WriteIntent{Content: &content}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Content != "updated" {
		t.Fatalf("expected content 'updated', got %q", a.Content)
	}
}

func TestEdit_SingleOccurrence(t *testing.T) {
	s := New(nil, nil)
	_, _ = s.Create(CreateIntent{ID: "x", Type: "memory", CreatedBy: "alice", Content: "hello world"}, 1)

	a, err := s.Edit("x", "alice", false, "world", "there", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Content != "hello there" {
		t.Fatalf("expected 'hello there', got %q", a.Content)
	}
}

func TestEdit_OldStringNotFound(t *testing.T) {
	s := New(nil, nil)
	_, _ = s.Create(CreateIntent{ID: "x", Type: "memory", CreatedBy: "alice", Content: "hello world"}, 1)

	_, err := s.Edit("x", "alice", false, "missing", "x", 2)
	se := kerrors.GetServiceError(err)
	if se == nil || se.Code != kerrors.ErrCodeOldStringNotFound {
		t.Fatalf("expected OldStringNotFound, got %v", err)
	}
}

func TestEdit_OldStringNotUnique(t *testing.T) {
	s := New(nil, nil)
	_, _ = s.Create(CreateIntent{ID: "x", Type: "memory", CreatedBy: "alice", Content: "aa-aa"}, 1)

	_, err := s.Edit("x", "alice", false, "aa", "bb", 2)
	se := kerrors.GetServiceError(err)
	if se == nil || se.Code != kerrors.ErrCodeOldStringNotUnique {
		t.Fatalf("expected OldStringNotUnique, got %v", err)
	}

	got, _ := s.Get("x")
	if got.Content != "aa-aa" {
		t.Fatalf("content should be unchanged, got %q", got.Content)
	}
}

func TestDelete(t *testing.T) {
	s := New(nil, nil)
	_, _ = s.Create(CreateIntent{ID: "x", Type: "memory", CreatedBy: "alice"}, 1)

	if err := s.Delete("x", "alice", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Get("x"); err == nil {
		t.Fatal("expected NotFound after delete")
	}
}

func TestListByCreatorAndType(t *testing.T) {
	s := New(nil, nil)
	_, _ = s.Create(CreateIntent{ID: "x1", Type: "memory", CreatedBy: "alice"}, 1)
	_, _ = s.Create(CreateIntent{ID: "x2", Type: "code", CreatedBy: "alice"}, 2)
	_, _ = s.Create(CreateIntent{ID: "x3", Type: "memory", CreatedBy: "bob"}, 3)

	byAlice := s.ListByCreator("alice")
	if len(byAlice) != 2 {
		t.Fatalf("expected 2 artifacts by alice, got %d", len(byAlice))
	}

	byMemory := s.ListByType("memory")
	if len(byMemory) != 2 {
		t.Fatalf("expected 2 memory artifacts, got %d", len(byMemory))
	}
}

func TestListByMetadata(t *testing.T) {
	s := New([]string{"authorized_writer"}, nil)
	_, _ = s.Create(CreateIntent{ID: "x", Type: "code", CreatedBy: "alice", Metadata: map[string]interface{}{"authorized_writer": "bob"}}, 1)

	found := s.ListByMetadata("authorized_writer", "bob")
	if len(found) != 1 || found[0].ID != "x" {
		t.Fatalf("expected to find artifact x by metadata index, got %v", found)
	}
}

func TestEventsEmittedOnMutation(t *testing.T) {
	sink := &recordingSink{}
	s := New(nil, sink)

	_, _ = s.Create(CreateIntent{ID: "x", Type: "memory", CreatedBy: "alice", Content: "a"}, 1)
	newContent := "b"
	_, _ = s.Write("x", "alice", false, WriteIntent{Content: &newContent}, 2)
	_ = s.Delete("x", "alice", false)

	want := []string{"artifact_written", "artifact_written", "artifact_deleted"}
	if len(sink.events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, sink.events)
	}
	for i := range want {
		if sink.events[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, sink.events)
		}
	}
}

func TestRestore_RebuildsIndices(t *testing.T) {
	s := New(nil, nil)
	s.Restore([]Artifact{
		{ID: "x1", Type: "memory", CreatedBy: "alice", EventNumber: 5},
		{ID: "x2", Type: "code", CreatedBy: "bob", EventNumber: 6},
	})

	if _, err := s.Get("x1"); err != nil {
		t.Fatalf("expected x1 to exist after restore: %v", err)
	}
	if len(s.ListByCreator("alice")) != 1 {
		t.Fatalf("expected 1 artifact by alice after restore")
	}
}

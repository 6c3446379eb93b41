package resource

import (
	"testing"
	"time"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDepletable_ConsumeAndRefund(t *testing.T) {
	m := New(nil)
	if err := m.Register("call_budget", Registration{Kind: KindDepletable, Capacity: 100}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	m.EnsurePrincipal("agent1")

	if err := m.Consume("call_budget", "agent1", 30); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	bal, err := m.Balance("call_budget", "agent1")
	if err != nil || bal != 70 {
		t.Fatalf("expected balance 70, got %v err=%v", bal, err)
	}

	if err := m.Refund("call_budget", "agent1", 10); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	bal, _ = m.Balance("call_budget", "agent1")
	if bal != 80 {
		t.Fatalf("expected balance 80 after refund, got %v", bal)
	}
}

func TestDepletable_ExhaustedRejected(t *testing.T) {
	m := New(nil)
	_ = m.Register("call_budget", Registration{Kind: KindDepletable, Capacity: 10})
	m.EnsurePrincipal("agent1")

	err := m.Consume("call_budget", "agent1", 11)
	se := kerrors.GetServiceError(err)
	if se == nil || se.Code != kerrors.ErrCodeResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestAllocatable_CapacityEnforced(t *testing.T) {
	m := New(nil)
	_ = m.Register("disk_bytes", Registration{Kind: KindAllocatable, Capacity: 1000})
	m.EnsurePrincipal("agent1")

	if err := m.Consume("disk_bytes", "agent1", 600); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if ok, _ := m.CanConsume("disk_bytes", "agent1", 500); ok {
		t.Fatal("expected CanConsume to report false over capacity")
	}
	err := m.Consume("disk_bytes", "agent1", 500)
	se := kerrors.GetServiceError(err)
	if se == nil || se.Code != kerrors.ErrCodeResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}

	if err := m.Refund("disk_bytes", "agent1", 600); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	bal, _ := m.Balance("disk_bytes", "agent1")
	if bal != 1000 {
		t.Fatalf("expected full capacity restored, got %v", bal)
	}
}

func TestRenewable_WindowedConsumption(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	m := New(func() time.Time { return clock })
	_ = m.Register("llm_calls", Registration{Kind: KindRenewable, Capacity: 5, WindowSeconds: 60})
	m.EnsurePrincipal("agent1")

	for i := 0; i < 5; i++ {
		if err := m.Consume("llm_calls", "agent1", 1); err != nil {
			t.Fatalf("consume %d failed: %v", i, err)
		}
	}
	err := m.Consume("llm_calls", "agent1", 1)
	se := kerrors.GetServiceError(err)
	if se == nil || se.Code != kerrors.ErrCodeResourceExhausted {
		t.Fatalf("expected ResourceExhausted on 6th call, got %v", err)
	}

	clock = base.Add(61 * time.Second)
	if err := m.Consume("llm_calls", "agent1", 1); err != nil {
		t.Fatalf("expected consumption to succeed after window elapses: %v", err)
	}
}

func TestTransferQuota_RequiresTradeable(t *testing.T) {
	m := New(nil)
	_ = m.Register("disk_bytes", Registration{Kind: KindDepletable, Capacity: 100, Tradeable: false})
	m.EnsurePrincipal("alice")
	m.EnsurePrincipal("bob")

	err := m.TransferQuota("disk_bytes", "alice", "bob", 10)
	se := kerrors.GetServiceError(err)
	if se == nil || se.Code != kerrors.ErrCodePermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestTransferQuota_MovesAllotment(t *testing.T) {
	m := New(nil)
	_ = m.Register("disk_bytes", Registration{Kind: KindDepletable, Capacity: 100, Tradeable: true})
	m.EnsurePrincipal("alice")
	m.EnsurePrincipal("bob")

	if err := m.TransferQuota("disk_bytes", "alice", "bob", 20); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	aBal, _ := m.Balance("disk_bytes", "alice")
	bBal, _ := m.Balance("disk_bytes", "bob")
	if aBal != 80 || bBal != 120 {
		t.Fatalf("unexpected balances: alice=%v bob=%v", aBal, bBal)
	}
}

func TestTransferQuota_AllocatableMovesInUse(t *testing.T) {
	m := New(nil)
	_ = m.Register("disk_bytes", Registration{Kind: KindAllocatable, Capacity: 100, Tradeable: true})
	m.EnsurePrincipal("alice")
	m.EnsurePrincipal("bob")
	if err := m.Consume("disk_bytes", "alice", 40); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	if err := m.TransferQuota("disk_bytes", "alice", "bob", 30); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	aBal, _ := m.Balance("disk_bytes", "alice")
	bBal, _ := m.Balance("disk_bytes", "bob")
	if aBal != 90 || bBal != 70 {
		t.Fatalf("unexpected balances: alice=%v bob=%v", aBal, bBal)
	}
}

func TestTransferQuota_AllocatableExceedsCapacityFails(t *testing.T) {
	m := New(nil)
	_ = m.Register("disk_bytes", Registration{Kind: KindAllocatable, Capacity: 100, Tradeable: true})
	m.EnsurePrincipal("alice")
	m.EnsurePrincipal("bob")
	if err := m.Consume("disk_bytes", "alice", 50); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if err := m.Consume("disk_bytes", "bob", 90); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	err := m.TransferQuota("disk_bytes", "alice", "bob", 50)
	if kerrors.CodeOf(err) != kerrors.ErrCodeResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestUnknownResourceOrPrincipal(t *testing.T) {
	m := New(nil)
	_ = m.Register("disk_bytes", Registration{Kind: KindDepletable, Capacity: 100})

	if _, err := m.Balance("ghost_resource", "agent1"); kerrors.CodeOf(err) != kerrors.ErrCodeNotFound {
		t.Fatalf("expected NotFound for unknown resource, got %v", err)
	}
	if _, err := m.Balance("disk_bytes", "ghost_agent"); kerrors.CodeOf(err) != kerrors.ErrCodeNotFound {
		t.Fatalf("expected NotFound for unknown principal, got %v", err)
	}
}

func TestRegister_IdempotentSameParams(t *testing.T) {
	m := New(nil)
	reg := Registration{Kind: KindDepletable, Capacity: 100}
	if err := m.Register("disk_bytes", reg); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := m.Register("disk_bytes", reg); err != nil {
		t.Fatalf("idempotent re-register should succeed: %v", err)
	}
}

func TestRegister_RejectsConflictingParams(t *testing.T) {
	m := New(nil)
	_ = m.Register("disk_bytes", Registration{Kind: KindDepletable, Capacity: 100})
	err := m.Register("disk_bytes", Registration{Kind: KindDepletable, Capacity: 200})
	if kerrors.CodeOf(err) != kerrors.ErrCodeSystemError {
		t.Fatalf("expected SystemError for conflicting re-registration, got %v", err)
	}
}

func TestDropPrincipal_RemovesFromAllResources(t *testing.T) {
	m := New(nil)
	_ = m.Register("a", Registration{Kind: KindDepletable, Capacity: 10})
	_ = m.Register("b", Registration{Kind: KindAllocatable, Capacity: 10})
	m.EnsurePrincipal("agent1")

	m.DropPrincipal("agent1")

	if m.HasPrincipal("a", "agent1") || m.HasPrincipal("b", "agent1") {
		t.Fatal("expected principal dropped from all resources")
	}
}

package kernel

import (
	"bytes"
	"testing"
	"time"

	"github.com/agentkernel/ecology/internal/config"
	"github.com/agentkernel/ecology/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		Resources: config.ResourcesConfig{
			LlmDollarBudget: 100,
			CallBudget:      config.CallBudgetConfig{Capacity: 1000, WindowSeconds: 60},
			DiskBytes:       config.DiskBytesConfig{Capacity: 1 << 20},
		},
		Mint: config.MintConfig{PeriodSeconds: 3600, FirstAuctionDelaySeconds: 3600, MinimumBid: 1},
		Agents: map[string]config.AgentConfig{
			"alice": {LlmModel: "test-model", MaxConsecutiveErrors: 5},
		},
		Supervisor: config.SupervisorConfig{
			InitialBackoffSeconds: 1, MaxBackoffSeconds: 60, Multiplier: 2, MaxRestartsPerHour: 10,
		},
		Checkpoint: config.CheckpointConfig{IntervalEvents: 1000, Directory: "/tmp/kernel-checkpoints-test"},
	}
}

func newTestKernel(t *testing.T) (*Kernel, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k, err := New(testConfig(), Deps{
		EventWriter: buf,
		Now:         func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k, buf
}

// createAndPromote creates a bare artifact record for id (the prerequisite
// a "write" action would normally satisfy) and then promotes it to a full
// principal via CreatePrincipal, matching the two-step path a self-
// registering agent would actually take.
func createAndPromote(t *testing.T, k *Kernel, id string) {
	t.Helper()
	if _, err := k.Store.Create(store.CreateIntent{
		ID: id, Type: "agent_self_record", CreatedBy: id,
	}, k.Journal.EventNumber()); err != nil {
		t.Fatalf("Store.Create(%q): %v", id, err)
	}
	if err := k.Actions().CreatePrincipal(id); err != nil {
		t.Fatalf("CreatePrincipal(%q): %v", id, err)
	}
}

func TestNew_BootstrapsKernelPrincipal(t *testing.T) {
	k, _ := newTestKernel(t)
	a, err := k.Store.Get(KernelPrincipal)
	if err != nil {
		t.Fatalf("Get(%q): %v", KernelPrincipal, err)
	}
	if !a.HasStanding {
		t.Fatalf("expected kernel principal to have standing")
	}
	if bal := k.Ledger.Balance(KernelPrincipal); bal != 0 {
		t.Fatalf("expected zero initial balance, got %d", bal)
	}
}

func TestCreatePrincipal_EstablishesStandingInvariant(t *testing.T) {
	k, _ := newTestKernel(t)
	createAndPromote(t, k, "agent_alice")
	a, err := k.Store.Get("agent_alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !a.HasStanding {
		t.Fatalf("expected has_standing=true")
	}
	if !k.Ledger.HasPrincipal("agent_alice") {
		t.Fatalf("expected ledger row")
	}
	for _, resourceID := range k.Resources.RegisteredResources() {
		if !k.Resources.HasPrincipal(resourceID, "agent_alice") {
			t.Fatalf("expected resource row on %q", resourceID)
		}
	}
}

func TestValidateInvariants_CatchesOrphanedLedgerRow(t *testing.T) {
	k, _ := newTestKernel(t)
	k.Ledger.EnsurePrincipal("ghost")
	if err := k.ValidateInvariants(); err == nil {
		t.Fatalf("expected ValidateInvariants to reject a ledger row with no standing artifact")
	}
}

func TestCheckpointRestore_RoundTrips(t *testing.T) {
	k, _ := newTestKernel(t)
	createAndPromote(t, k, "agent_bob")
	if err := k.Actions().TransferScrip(KernelPrincipal, "agent_bob", 0); err != nil {
		t.Fatalf("TransferScrip: %v", err)
	}

	cp, err := k.Checkpoint(nil)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	restored, err := New(testConfig(), Deps{EventWriter: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("New (restore target): %v", err)
	}
	if err := restored.Restore(testConfig(), cp, nil); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !restored.Ledger.HasPrincipal("agent_bob") {
		t.Fatalf("expected agent_bob to survive restore")
	}
}

func TestConsumeQuota_FallsBackToChargeDelegation(t *testing.T) {
	k, _ := newTestKernel(t)
	createAndPromote(t, k, "agent_payer")
	createAndPromote(t, k, "agent_payee")

	// Exhaust agent_payee's own call_budget so ConsumeQuota must fall back
	// to the delegation rather than satisfying the debit locally.
	if err := k.Resources.Consume(resourceCallBudget, "agent_payee", 1000); err != nil {
		t.Fatalf("Consume (exhaust payee's own budget): %v", err)
	}

	if err := k.Actions().GrantChargeDelegation("agent_payer", "agent_payee", resourceCallBudget, 5); err != nil {
		t.Fatalf("GrantChargeDelegation: %v", err)
	}

	payerBalBefore, err := k.State().ResourceBalance(resourceCallBudget, "agent_payer")
	if err != nil {
		t.Fatalf("ResourceBalance: %v", err)
	}

	if err := k.Actions().ConsumeQuota("agent_payee", resourceCallBudget, 2); err != nil {
		t.Fatalf("ConsumeQuota: %v", err)
	}

	payerBalAfter, err := k.State().ResourceBalance(resourceCallBudget, "agent_payer")
	if err != nil {
		t.Fatalf("ResourceBalance: %v", err)
	}
	if payerBalAfter != payerBalBefore-2 {
		t.Fatalf("expected payer's own resource row to absorb the debit: before=%v after=%v", payerBalBefore, payerBalAfter)
	}

	_, d, ok := k.findChargeDelegation("agent_payee", resourceCallBudget)
	if !ok {
		t.Fatalf("expected delegation to still exist")
	}
	if remaining, _ := d.Metadata["remaining"].(float64); remaining != 3 {
		t.Fatalf("expected remaining=3 after a 2-unit debit against a 5-unit grant, got %v", remaining)
	}
}

func TestModifyProtectedContent_RejectsNonKernelCaller(t *testing.T) {
	k, _ := newTestKernel(t)
	if err := k.EnsureSystemArtifact("some_protected", "code"); err != nil {
		t.Fatalf("EnsureSystemArtifact: %v", err)
	}
	if err := k.Actions().ModifyProtectedContent("agent_alice", "some_protected", "x"); err == nil {
		t.Fatalf("expected ModifyProtectedContent to reject a non-kernel caller")
	}
}

// TestMintEscrow_ConservesSupplyUntilResolution covers P3: a submitted bid
// must not shrink total scrip supply while it sits pending, only the
// winner's price at resolution may.
func TestMintEscrow_ConservesSupplyUntilResolution(t *testing.T) {
	k, _ := newTestKernel(t)
	createAndPromote(t, k, escrowPrincipal)
	createAndPromote(t, k, "alice")
	createAndPromote(t, k, "bob")
	if err := k.Ledger.Credit("alice", 100, k.Journal.EventNumber()); err != nil {
		t.Fatalf("fund alice: %v", err)
	}
	if err := k.Ledger.Credit("bob", 100, k.Journal.EventNumber()); err != nil {
		t.Fatalf("fund bob: %v", err)
	}
	before := k.Ledger.TotalSupply()

	if _, err := k.Auction.Submit("s1", "alice", "a", 10, k.State().Now(), k.Journal.EventNumber()); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if _, err := k.Auction.Submit("s2", "bob", "b", 15, k.State().Now(), k.Journal.EventNumber()); err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	if got := k.Ledger.TotalSupply(); got != before {
		t.Fatalf("expected total supply unchanged while bids are pending, before=%d got=%d", before, got)
	}

	res, resolved, err := k.Auction.Resolve(k.State().Now().Add(3600*time.Second), k.Journal.EventNumber())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved {
		t.Fatalf("expected resolution to fire")
	}
	if res.Winner != "s2" || res.Price != 10 {
		t.Fatalf("expected bob to win at price 10, got %+v", res)
	}
	if got := k.Ledger.Balance("bob"); got != 90 {
		t.Fatalf("expected bob's balance 90, got %d", got)
	}
	if got := k.Ledger.Balance("alice"); got != 100 {
		t.Fatalf("expected alice fully refunded to 100, got %d", got)
	}
	if got := k.Ledger.TotalSupply(); got != before-10 {
		t.Fatalf("expected total supply to drop by exactly the winning price, before=%d got=%d", before, got)
	}
}

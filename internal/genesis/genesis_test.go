package genesis

import (
	"bytes"
	"testing"
	"time"

	"github.com/agentkernel/ecology/internal/config"
	"github.com/agentkernel/ecology/internal/executor"
	"github.com/agentkernel/ecology/internal/kernel"
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
		Checkpoint: config.CheckpointConfig{IntervalEvents: 1000, Directory: "/tmp/genesis-checkpoints-test"},
	}
}

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k, err := kernel.New(testConfig(), kernel.Deps{
		EventWriter: &bytes.Buffer{},
		Now:         func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	if err := Bootstrap(k); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return k
}

// handlerFor builds the same handler Bootstrap registers with the
// executor, directly, so tests can call it without needing a fully wired
// invoke pipeline (contract checks, depends_on extraction, billing).
func handlerFor(k *kernel.Kernel, artifactID string) executor.GenesisHandler {
	switch artifactID {
	case StoreArtifactID:
		return storeHandler(k)
	case LedgerArtifactID:
		return ledgerHandler(k)
	case EventLogArtifactID:
		return eventLogHandler(k)
	case MintArtifactID:
		return mintHandler(k)
	case RightsRegistryArtifactID:
		return rightsRegistryHandler(k)
	case EscrowArtifactID:
		return newEscrow(k).handle
	default:
		return nil
	}
}

// createAndPromote creates a bare artifact record for id (the prerequisite
// a "write" action would normally satisfy) and then promotes it to a full
// principal via CreatePrincipal.
func createAndPromote(t *testing.T, k *kernel.Kernel, id string) {
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

func invoke(t *testing.T, k *kernel.Kernel, artifactID, caller, method string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	handler := handlerFor(k, artifactID)
	if handler == nil {
		t.Fatalf("no genesis handler for %q", artifactID)
	}
	out, err := handler(caller, method, args)
	if err != nil {
		t.Fatalf("%s.%s: %v", artifactID, method, err)
	}
	return out
}

func invokeErr(t *testing.T, k *kernel.Kernel, artifactID, caller, method string, args map[string]interface{}) error {
	t.Helper()
	handler := handlerFor(k, artifactID)
	if handler == nil {
		t.Fatalf("no genesis handler for %q", artifactID)
	}
	_, err := handler(caller, method, args)
	return err
}

func TestBootstrap_CreatesAllSixArtifacts(t *testing.T) {
	k := newTestKernel(t)
	for _, id := range allIDs {
		a, err := k.State().GetArtifact(id)
		if err != nil {
			t.Fatalf("GetArtifact(%q): %v", id, err)
		}
		if !a.KernelProtected {
			t.Fatalf("%q: expected kernel_protected", id)
		}
		if a.CreatedBy != kernel.KernelPrincipal {
			t.Fatalf("%q: expected created_by=%q, got %q", id, kernel.KernelPrincipal, a.CreatedBy)
		}
	}
}

func TestGenesisStore_GetAndList(t *testing.T) {
	k := newTestKernel(t)
	createAndPromote(t, k, "agent_alice")

	out := invoke(t, k, StoreArtifactID, "agent_alice", "get", map[string]interface{}{"id": "agent_alice"})
	if out["id"] != "agent_alice" {
		t.Fatalf("unexpected get result: %+v", out)
	}

	out = invoke(t, k, StoreArtifactID, "agent_alice", "by_type", map[string]interface{}{"type": "system_principal"})
	ids, _ := out["ids"].([]string)
	found := false
	for _, id := range ids {
		if id == kernel.KernelPrincipal {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected kernel principal in by_type results, got %+v", ids)
	}
}

func TestGenesisLedger_BalanceAndTransfer(t *testing.T) {
	k := newTestKernel(t)
	createAndPromote(t, k, "agent_alice")
	createAndPromote(t, k, "agent_bob")

	out := invoke(t, k, LedgerArtifactID, "agent_alice", "balance", map[string]interface{}{})
	if out["balance"] != int64(0) {
		t.Fatalf("expected zero balance, got %+v", out)
	}

	if err := invokeErr(t, k, LedgerArtifactID, "agent_alice", "transfer",
		map[string]interface{}{"to": "agent_bob", "amount": float64(5)}); err == nil {
		t.Fatalf("expected transfer to fail with insufficient balance")
	}
}

func TestGenesisMint_SubmitAndCancel(t *testing.T) {
	k := newTestKernel(t)
	createAndPromote(t, k, "agent_alice")
	if err := k.EnsureSystemArtifact("widget", "text"); err != nil {
		t.Fatalf("EnsureSystemArtifact: %v", err)
	}

	out := invoke(t, k, MintArtifactID, "agent_alice", "submit",
		map[string]interface{}{"artifact_id": "widget", "bid": float64(1)})
	submissionID, _ := out["submission_id"].(string)
	if submissionID == "" {
		t.Fatalf("expected a submission id, got %+v", out)
	}

	status := invoke(t, k, MintArtifactID, "agent_alice", "status", map[string]interface{}{})
	pending, _ := status["pending"].([]string)
	if len(pending) != 1 || pending[0] != submissionID {
		t.Fatalf("expected submission pending, got %+v", status)
	}

	invoke(t, k, MintArtifactID, "agent_alice", "cancel", map[string]interface{}{"submission_id": submissionID})

	status = invoke(t, k, MintArtifactID, "agent_alice", "status", map[string]interface{}{})
	pending, _ = status["pending"].([]string)
	if len(pending) != 0 {
		t.Fatalf("expected no pending submissions after cancel, got %+v", pending)
	}
}

func TestGenesisRightsRegistry_RegisteredResources(t *testing.T) {
	k := newTestKernel(t)
	createAndPromote(t, k, "agent_alice")

	out := invoke(t, k, RightsRegistryArtifactID, "agent_alice", "registered_resources", map[string]interface{}{})
	resources, _ := out["resources"].([]string)
	if len(resources) != 3 {
		t.Fatalf("expected 3 registered resources, got %+v", resources)
	}
}

func TestGenesisEscrow_ListPurchaseCancel(t *testing.T) {
	k := newTestKernel(t)
	createAndPromote(t, k, "agent_seller")
	createAndPromote(t, k, "agent_buyer")
	if err := k.Actions().TransferScrip(kernel.KernelPrincipal, "agent_buyer", 10); err != nil {
		t.Fatalf("TransferScrip: %v", err)
	}

	if _, err := k.Store.Create(store.CreateIntent{
		ID: "widget", Type: "text", CreatedBy: "agent_seller",
	}, k.Journal.EventNumber()); err != nil {
		t.Fatalf("Store.Create: %v", err)
	}

	// A single escrowBook instance, since its listing table is
	// process-local state that a fresh handlerFor call would otherwise
	// reset between invocations.
	escrow := newEscrow(k).handle

	out, err := escrow("agent_seller", "list", map[string]interface{}{"artifact_id": "widget", "price": float64(10)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	listingID, _ := out["listing_id"].(string)
	if listingID == "" {
		t.Fatalf("expected a listing id, got %+v", out)
	}

	if _, err := escrow("agent_other", "cancel", map[string]interface{}{"listing_id": listingID}); err == nil {
		t.Fatalf("expected cancel by a non-seller to be rejected")
	}

	purchase, err := escrow("agent_buyer", "purchase", map[string]interface{}{"listing_id": listingID})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if purchase["artifact_id"] != "widget" {
		t.Fatalf("unexpected purchase result: %+v", purchase)
	}
	if bal := k.State().Balance("agent_seller"); bal != 10 {
		t.Fatalf("expected seller to receive 10 scrip, got %d", bal)
	}
}

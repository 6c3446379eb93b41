// Package contract implements C3: the pure (caller, action, target) →
// Decision dispatch that gates every mutation. Genesis contracts are typed
// Go implementations of the five closed kinds in spec §4.3; executable
// contracts dispatch into the constrained interpreter (internal/interpreter)
// with a bounded time budget, any fault collapsing to a denial.
package contract

import (
	"time"
)

// Action identifies which of the permission table's three columns applies.
// read and invoke each have their own column; write, edit and delete share
// the WRITE column (spec §4.3's table lists WRITE/EDIT/DELETE together).
type Action string

const (
	ActionRead   Action = "read"
	ActionInvoke Action = "invoke"
	ActionWrite  Action = "write"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

func isMutating(a Action) bool {
	return a == ActionWrite || a == ActionEdit || a == ActionDelete
}

// Target is the read-only projection of an artifact the contract engine
// needs, built fresh for each check — a deliberately narrow view so a
// genesis or executable contract cannot reach anything beyond what the
// permission table depends on.
type Target struct {
	ID               string
	Type             string
	CreatedBy        string
	AccessContractID string
	KernelProtected  bool
	Metadata         map[string]interface{}
}

// Decision is the contract engine's verdict: allow/deny, a human-readable
// reason (populated on deny or contract_fault), and a non-negative scrip
// cost charged on success.
type Decision struct {
	Allowed bool
	Reason  string
	Cost    int64
}

func allow(cost int64) Decision  { return Decision{Allowed: true, Cost: cost} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// GenesisContractID is one of the five closed, host-implemented contract
// kinds (spec §4.3). The zero value maps to "freeware", which is also the
// default when an artifact's access_contract_id is unset.
type GenesisContractID string

const (
	ContractFreeware              GenesisContractID = "genesis_contract_freeware"
	ContractSelfOwned             GenesisContractID = "genesis_contract_self_owned"
	ContractPrivate               GenesisContractID = "genesis_contract_private"
	ContractCreatorOnly           GenesisContractID = "genesis_contract_creator_only"
	ContractTransferableFreeware  GenesisContractID = "genesis_contract_transferable_freeware"
)

// genesisContracts holds the pure Go implementation of each of the five
// closed contract kinds, keyed by id.
var genesisContracts = map[GenesisContractID]func(caller string, action Action, target Target) Decision{
	ContractFreeware:             checkFreeware,
	ContractSelfOwned:            checkSelfOwned,
	ContractPrivate:              checkPrivate,
	ContractCreatorOnly:          checkCreatorOnly,
	ContractTransferableFreeware: checkTransferableFreeware,
}

func checkFreeware(caller string, action Action, target Target) Decision {
	if isMutating(action) && caller != target.CreatedBy {
		return deny("freeware: only the creator may write, edit, or delete")
	}
	return allow(0)
}

func checkSelfOwned(caller string, action Action, target Target) Decision {
	if caller != target.CreatedBy {
		return deny("self_owned: only the creator may read, invoke, write, edit, or delete")
	}
	return allow(0)
}

func checkPrivate(caller string, action Action, target Target) Decision {
	if action == ActionInvoke {
		return deny("private: invoke is never permitted")
	}
	if caller != target.CreatedBy {
		return deny("private: only the creator may read, write, edit, or delete")
	}
	return allow(0)
}

func checkCreatorOnly(caller string, action Action, target Target) Decision {
	if isMutating(action) && caller != target.CreatedBy {
		return deny("creator_only: only the creator may write, edit, or delete")
	}
	return allow(0)
}

func checkTransferableFreeware(caller string, action Action, target Target) Decision {
	if !isMutating(action) {
		return allow(0)
	}
	authorized, _ := target.Metadata["authorized_writer"].(string)
	if authorized == "" {
		authorized = target.CreatedBy
	}
	if caller != authorized {
		return deny("transferable_freeware: only the authorized_writer (or creator, if unset) may write, edit, or delete")
	}
	return allow(0)
}

// defaultGenesisContractID is used when an artifact has no
// access_contract_id at all (spec §4.3 step 1).
const defaultGenesisContractID = ContractFreeware

// ExecutableEvaluator evaluates an executable contract artifact's code with
// the check(caller, action, target, ctx) signature, returning a coerced
// Decision or an error if evaluation faults, times out, or the return value
// cannot be coerced. Implemented by internal/interpreter; declared here as
// an interface so contract has no import-time dependency on the goja VM.
type ExecutableEvaluator interface {
	EvaluateContract(code string, budget time.Duration, caller string, action string, target Target) (Decision, error)
}

// ArtifactLookup resolves an artifact id to its Target projection and,
// for executable contracts, its code. Implemented by internal/store;
// declared here to avoid an import-time dependency on C1.
type ArtifactLookup interface {
	ContractTarget(id string) (Target, error)
	// ContractKind reports whether id names a genesis contract (returning
	// its id) or an executable contract (returning its code), or neither.
	ContractKind(id string) (genesisID GenesisContractID, code string, isExecutable bool, err error)
}

// Engine is C3: the pure dispatcher. Stateless beyond its dependencies, so
// a single Engine is safely reused across every check call within the
// kernel's single-threaded apply loop.
type Engine struct {
	store ArtifactLookup
	eval  ExecutableEvaluator
	// ContractTimeout bounds executable contract evaluation (spec §4.3:
	// "configurable; default 100 ms").
	ContractTimeout time.Duration
	// OnContractFault is invoked whenever an executable contract faults,
	// times out, or returns a non-coercible value, so the kernel facade can
	// log the contract_fault event without this package importing eventlog.
	OnContractFault func(contractID, reason string)
}

// NewEngine creates a C3 engine. store resolves access_contract_id targets
// and distinguishes genesis from executable contracts; eval runs executable
// contract code.
func NewEngine(store ArtifactLookup, eval ExecutableEvaluator) *Engine {
	return &Engine{store: store, eval: eval, ContractTimeout: 100 * time.Millisecond}
}

// Check implements the pure check(caller, action, target) → Decision
// dispatch from spec §4.3, including the kernel_protected override. The
// reserved-id and immutable-field overrides are enforced by internal/store
// and internal/executor, not here.
func (e *Engine) Check(caller string, action Action, target Target) Decision {
	// Kernel override (a): kernel_protected denies every non-kernel
	// mutation regardless of contract. Read/invoke may still be permitted
	// by the underlying contract; kernel_protected only gates mutation,
	// matching spec §4.9's "modify_protected_content...rejected from any
	// agent-reachable path" framing (protection is about writes, not reads).
	if target.KernelProtected && isMutating(action) {
		return deny("kernel_protected: mutation requires the kernel entrypoint")
	}

	contractID := target.AccessContractID
	if contractID == "" {
		contractID = string(defaultGenesisContractID)
	}

	if fn, ok := genesisContracts[GenesisContractID(contractID)]; ok {
		return fn(caller, action, target)
	}

	return e.checkExecutable(caller, action, target, contractID)
}

func (e *Engine) checkExecutable(caller string, action Action, target Target, contractID string) Decision {
	if e.store == nil || e.eval == nil {
		return e.fault(contractID, "executable contracts are not configured")
	}

	_, code, isExecutable, err := e.store.ContractKind(contractID)
	if err != nil {
		return e.fault(contractID, "contract artifact not found: "+err.Error())
	}
	if !isExecutable {
		return e.fault(contractID, "access_contract_id does not name a genesis or executable contract")
	}

	decision, err := e.eval.EvaluateContract(code, e.ContractTimeout, caller, string(action), target)
	if err != nil {
		return e.fault(contractID, err.Error())
	}
	if decision.Cost < 0 {
		return e.fault(contractID, "contract returned a negative cost")
	}
	return decision
}

func (e *Engine) fault(contractID, reason string) Decision {
	if e.OnContractFault != nil {
		e.OnContractFault(contractID, reason)
	}
	return deny("contract_fault: " + reason)
}

// Package genesis implements C5: the six genesis artifacts every kernel
// boots with, each a thin method-dispatch wrapper around one slice of the
// C9 surface (spec §4.5). Every handler body reaches the kernel only
// through kernel.KernelState/kernel.KernelActions — none of them import
// internal/store, internal/ledger, internal/resource, or internal/mint
// directly, matching the narrow-waist discipline the rest of the kernel
// core already enforces.
package genesis

import (
	"sort"
	"strconv"
	"sync"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
	"github.com/agentkernel/ecology/internal/executor"
	"github.com/agentkernel/ecology/internal/kernel"
	"github.com/agentkernel/ecology/internal/store"
)

// The six genesis artifact ids (spec §4.5), closed at this set.
const (
	StoreArtifactID          = "genesis_store"
	LedgerArtifactID         = "genesis_ledger"
	EventLogArtifactID       = "genesis_event_log"
	MintArtifactID           = "genesis_mint"
	EscrowArtifactID         = "genesis_escrow"
	RightsRegistryArtifactID = "genesis_rights_registry"
)

var allIDs = []string{
	StoreArtifactID, LedgerArtifactID, EventLogArtifactID,
	MintArtifactID, EscrowArtifactID, RightsRegistryArtifactID,
}

// Bootstrap creates the six genesis artifact records (idempotent, so a
// restored kernel can call it again safely) and registers their
// method-dispatch handlers with the executor.
func Bootstrap(k *kernel.Kernel) error {
	for _, id := range allIDs {
		if err := k.EnsureSystemArtifact(id, "code"); err != nil {
			return err
		}
	}

	// genesis_escrow holds scrip by being a principal itself (spec §4.5:
	// "has_standing=true"), not merely a passive method-dispatch wrapper —
	// purchase() settles buyer->escrow->seller through its own ledger row.
	if err := ensurePrincipal(k, EscrowArtifactID); err != nil {
		return err
	}

	k.RegisterGenesis(StoreArtifactID, storeHandler(k))
	k.RegisterGenesis(LedgerArtifactID, ledgerHandler(k))
	k.RegisterGenesis(EventLogArtifactID, eventLogHandler(k))
	k.RegisterGenesis(MintArtifactID, mintHandler(k))
	k.RegisterGenesis(RightsRegistryArtifactID, rightsRegistryHandler(k))
	k.RegisterGenesis(EscrowArtifactID, newEscrow(k).handle)
	return nil
}

// argString/argInt64/argFloat64 pull a typed value out of an invoke's args
// map, which — like everything crossing the invoke boundary — may have
// round-tripped through JSON.
func argString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func argFloat64(args map[string]interface{}, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func argInt64(args map[string]interface{}, key string) int64 {
	return int64(argFloat64(args, key))
}

func unknownMethod(id, method string) error {
	return kerrors.TypeMismatch("known "+id+" method", method)
}

// ensurePrincipal promotes an already-created system artifact to a real
// principal (has_standing=true, ledger/resource rows) exactly once;
// repeated Bootstrap calls after a restore see has_standing already set and
// skip re-emitting principal_created.
func ensurePrincipal(k *kernel.Kernel, id string) error {
	a, err := k.State().GetArtifact(id)
	if err != nil {
		return err
	}
	if a.HasStanding {
		return nil
	}
	return k.Actions().CreatePrincipal(id)
}

// ---- genesis_store: read/list projections of C1 ----

func storeHandler(k *kernel.Kernel) executor.GenesisHandler {
	st := k.State()
	return func(caller, method string, args map[string]interface{}) (map[string]interface{}, error) {
		switch method {
		case "get":
			a, err := st.GetArtifact(argString(args, "id"))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"id": a.ID, "type": a.Type, "created_by": a.CreatedBy,
				"access_contract_id": a.AccessContractID, "has_standing": a.HasStanding,
				"kernel_protected": a.KernelProtected, "depends_on": a.DependsOn,
				"metadata": a.Metadata,
			}, nil
		case "by_type":
			return map[string]interface{}{"ids": idsOf(st.ListByType(argString(args, "type")))}, nil
		case "by_owner":
			return map[string]interface{}{"ids": idsOf(st.ListByOwner(argString(args, "owner")))}, nil
		default:
			return nil, unknownMethod(StoreArtifactID, method)
		}
	}
}

func idsOf(artifacts []store.Artifact) []string {
	ids := make([]string, len(artifacts))
	for i, a := range artifacts {
		ids[i] = a.ID
	}
	return ids
}

// ---- genesis_ledger: scrip introspection and transfer of C2 ----

func ledgerHandler(k *kernel.Kernel) executor.GenesisHandler {
	st, act := k.State(), k.Actions()
	return func(caller, method string, args map[string]interface{}) (map[string]interface{}, error) {
		switch method {
		case "balance":
			principal := argString(args, "principal")
			if principal == "" {
				principal = caller
			}
			return map[string]interface{}{"balance": st.Balance(principal)}, nil
		case "transfer":
			to := argString(args, "to")
			amount := argInt64(args, "amount")
			if err := act.TransferScrip(caller, to, amount); err != nil {
				return nil, err
			}
			return map[string]interface{}{"transferred": amount}, nil
		default:
			return nil, unknownMethod(LedgerArtifactID, method)
		}
	}
}

// ---- genesis_event_log: event history projections of C8 ----

func eventLogHandler(k *kernel.Kernel) executor.GenesisHandler {
	st := k.State()
	return func(caller, method string, args map[string]interface{}) (map[string]interface{}, error) {
		switch method {
		case "recent":
			n := int(argInt64(args, "n"))
			events := st.RecentEvents(n)
			out := make([]map[string]interface{}, len(events))
			for i, ev := range events {
				out[i] = map[string]interface{}{
					"event_number": ev.Number, "type": ev.Type, "t": ev.Time, "payload": ev.Payload,
				}
			}
			return map[string]interface{}{"events": out}, nil
		case "get_invokers":
			return map[string]interface{}{"invokers": st.Invokers(argString(args, "artifact_id"))}, nil
		default:
			return nil, unknownMethod(EventLogArtifactID, method)
		}
	}
}

// ---- genesis_mint: auction introspection and bidding for C6 ----

func mintHandler(k *kernel.Kernel) executor.GenesisHandler {
	st, act := k.State(), k.Actions()
	return func(caller, method string, args map[string]interface{}) (map[string]interface{}, error) {
		switch method {
		case "status":
			pending, due := st.MintStatus()
			ids := make([]string, len(pending))
			for i, s := range pending {
				ids[i] = s.ID
			}
			return map[string]interface{}{"pending": ids, "next_resolution_due": due}, nil
		case "submit":
			id, err := act.SubmitForMint(caller, argString(args, "artifact_id"), argInt64(args, "bid"))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"submission_id": id}, nil
		case "cancel":
			if err := act.CancelMintSubmission(caller, argString(args, "submission_id")); err != nil {
				return nil, err
			}
			return map[string]interface{}{"cancelled": true}, nil
		case "history":
			limit := int(argInt64(args, "limit"))
			history := st.MintHistory(limit)
			out := make([]map[string]interface{}, len(history))
			for i, r := range history {
				out[i] = map[string]interface{}{
					"period_end": r.PeriodEnd, "winner": r.Winner, "price": r.Price, "losers": r.Losers,
				}
			}
			return map[string]interface{}{"resolutions": out}, nil
		default:
			return nil, unknownMethod(MintArtifactID, method)
		}
	}
}

// ---- genesis_rights_registry: resource-quota introspection/trading of C2 ----

func rightsRegistryHandler(k *kernel.Kernel) executor.GenesisHandler {
	st, act := k.State(), k.Actions()
	return func(caller, method string, args map[string]interface{}) (map[string]interface{}, error) {
		switch method {
		case "registered_resources":
			ids := st.RegisteredResources()
			sort.Strings(ids)
			return map[string]interface{}{"resources": ids}, nil
		case "balance":
			principal := argString(args, "principal")
			if principal == "" {
				principal = caller
			}
			bal, err := st.ResourceBalance(argString(args, "resource_id"), principal)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"balance": bal}, nil
		case "transfer":
			resourceID := argString(args, "resource_id")
			to := argString(args, "to")
			amount := argFloat64(args, "amount")
			if err := act.TransferResource(caller, to, resourceID, amount); err != nil {
				return nil, err
			}
			return map[string]interface{}{"transferred": amount}, nil
		default:
			return nil, unknownMethod(RightsRegistryArtifactID, method)
		}
	}
}

// ---- genesis_escrow: a scrip-for-content-control marketplace ----

// listing is one active sell offer: artifactID's control (its
// authorized_writer metadata, under a transferable_freeware contract) for
// price scrip, as listed by seller.
type listing struct {
	ID         string
	ArtifactID string
	Seller     string
	Price      int64
}

// escrowBook holds genesis_escrow's own bookkeeping. It is not artifact
// state — no other artifact can see it — matching the spec's framing of
// genesis_escrow as holding scrip by being a principal itself (has_standing
// =true) rather than by mutating caller-visible content.
type escrowBook struct {
	k *kernel.Kernel

	mu       sync.Mutex
	nextID   int64
	listings map[string]listing
}

func newEscrow(k *kernel.Kernel) *escrowBook {
	return &escrowBook{k: k, listings: make(map[string]listing)}
}

func (e *escrowBook) handle(caller, method string, args map[string]interface{}) (map[string]interface{}, error) {
	switch method {
	case "list":
		return e.list(caller, args)
	case "purchase":
		return e.purchase(caller, args)
	case "cancel":
		return e.cancel(caller, args)
	case "listings":
		return e.listAll()
	default:
		return nil, unknownMethod(EscrowArtifactID, method)
	}
}

func (e *escrowBook) list(caller string, args map[string]interface{}) (map[string]interface{}, error) {
	artifactID := argString(args, "artifact_id")
	price := argInt64(args, "price")

	st := e.k.State()
	a, err := st.GetArtifact(artifactID)
	if err != nil {
		return nil, err
	}
	if a.CreatedBy != caller {
		return nil, kerrors.PermissionDenied("only the creator may list an artifact in escrow")
	}

	e.mu.Lock()
	e.nextID++
	id := "listing_" + strconv.FormatInt(e.nextID, 10)
	e.listings[id] = listing{ID: id, ArtifactID: artifactID, Seller: caller, Price: price}
	e.mu.Unlock()

	return map[string]interface{}{"listing_id": id}, nil
}

func (e *escrowBook) purchase(caller string, args map[string]interface{}) (map[string]interface{}, error) {
	id := argString(args, "listing_id")

	e.mu.Lock()
	l, ok := e.listings[id]
	if ok {
		delete(e.listings, id)
	}
	e.mu.Unlock()
	if !ok {
		return nil, kerrors.NotFound("mint_listing", id)
	}

	// Settled buyer->escrow->seller rather than a direct transfer, so
	// genesis_escrow's own ledger row (spec §4.5) actually holds the funds
	// for the instant between the two legs rather than being a bystander to
	// a transfer it merely brokers.
	act := e.k.Actions()
	if err := act.TransferScrip(caller, EscrowArtifactID, l.Price); err != nil {
		e.mu.Lock()
		e.listings[id] = l
		e.mu.Unlock()
		return nil, err
	}
	if err := act.TransferScrip(EscrowArtifactID, l.Seller, l.Price); err != nil {
		// The buyer's payment already landed in escrow and cannot be
		// rolled back mid-apply (spec §5); reported as a fault rather than
		// silently succeeding so the caller can see the payout is stuck.
		return nil, kerrors.SystemError("purchase payment settled into escrow but seller payout failed", err)
	}
	if err := act.UpdateArtifactMetadata(l.Seller, l.ArtifactID, map[string]interface{}{"authorized_writer": caller}); err != nil {
		// Scrip already moved and cannot be rolled back mid-apply (spec §5);
		// the buyer has paid for a control transfer that failed to land, a
		// fault the caller observes via the returned error and may retry the
		// metadata update out-of-band through a support artifact. Recording
		// as a fault rather than silently succeeding keeps the listing
		// removed so it isn't double-sold.
		return nil, kerrors.SystemError("purchase payment settled but control transfer failed", err)
	}
	return map[string]interface{}{"artifact_id": l.ArtifactID, "price": l.Price}, nil
}

func (e *escrowBook) cancel(caller string, args map[string]interface{}) (map[string]interface{}, error) {
	id := argString(args, "listing_id")
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.listings[id]
	if !ok {
		return nil, kerrors.NotFound("mint_listing", id)
	}
	if l.Seller != caller {
		return nil, kerrors.PermissionDenied("only the seller may cancel their own listing")
	}
	delete(e.listings, id)
	return map[string]interface{}{"cancelled": true}, nil
}

func (e *escrowBook) listAll() (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(e.listings))
	for _, l := range e.listings {
		out = append(out, map[string]interface{}{
			"listing_id": l.ID, "artifact_id": l.ArtifactID, "seller": l.Seller, "price": l.Price,
		})
	}
	return map[string]interface{}{"listings": out}, nil
}

// Package kernel implements C9: the facade that constructs and owns every
// other component (C1-C8) and is the sole concrete wiring point between
// them. internal/executor, internal/contract, and internal/mint each
// declare narrow local interfaces for the dependencies they need rather
// than importing their neighbors directly; this package is where those
// interfaces meet their concrete implementations, where KernelState and
// KernelActions (spec §4.9) are defined, and where checkpoint save/restore
// ordering lives.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
	"github.com/agentkernel/ecology/internal/config"
	"github.com/agentkernel/ecology/internal/contract"
	"github.com/agentkernel/ecology/internal/eventlog"
	"github.com/agentkernel/ecology/internal/executor"
	"github.com/agentkernel/ecology/internal/interpreter"
	"github.com/agentkernel/ecology/internal/ledger"
	"github.com/agentkernel/ecology/internal/mint"
	"github.com/agentkernel/ecology/internal/resource"
	"github.com/agentkernel/ecology/internal/store"
	"github.com/agentkernel/ecology/internal/trigger"
)

// KernelPrincipal is the sentinel principal id used for the kernel's own
// ledger row (the recipient of genesis-artifact invoke costs, spec §4.4)
// and for the caller identity that gates modify_protected_content (spec
// §4.9: "kernel-only entrypoint; rejected from any agent-reachable path").
// No agent-reachable code path ever constructs bindings with this caller,
// which is what makes the rejection structural rather than a runtime check
// alone.
const KernelPrincipal = "__kernel__"

const (
	resourceLlmDollarBudget = "llm_dollar_budget"
	resourceCallBudget      = "call_budget"
	resourceDiskBytes       = "disk_bytes"
)

// escrowPrincipal mirrors internal/genesis.EscrowArtifactID. internal/kernel
// cannot import internal/genesis (genesis imports kernel for KernelState/
// KernelActions), so this is the same wire-stable-id duplication
// internal/scheduler already carries for the two resource ids above: a
// pending mint bid is held in this principal's own ledger row rather than
// debited into the void, so total scrip supply (spec P3) only ever changes
// at the moment a mint_resolution actually closes, never while a bid is
// merely pending. genesis.Bootstrap is what actually promotes this id to a
// real principal (has_standing=true); by the time any agent can submit a
// bid, Bootstrap has already run.
const escrowPrincipal = "genesis_escrow"

// maxRecentEvents bounds the in-memory event ring buffer genesis_event_log
// queries against (spec §4.5's recent(n) method). It is independent of the
// journal's own durable append, which is unbounded.
const maxRecentEvents = 2000

// Kernel owns every C1-C8 component plus the C4 executor, and implements
// the read/write surfaces (KernelState, KernelActions) genesis artifacts
// and invoked code reach it through.
type Kernel struct {
	Store     *store.Store
	Ledger    *ledger.Ledger
	Resources *resource.Manager
	Contracts *contract.Engine
	Interp    *interpreter.Interpreter
	Auction   *mint.Auction
	Triggers  *trigger.Registry
	Journal   *eventlog.Journal
	Executor  *executor.Executor

	log     *logrus.Logger
	now     func() time.Time
	metrics MetricsRecorder

	recentEvents []eventlog.Event
	invokers     map[string][]string // artifact_id -> principals that have invoked it
}

// MetricsRecorder is the kernel-level observability seam (infrastructure/metrics),
// covering the counters Execute's own MetricsRecorder does not: mint
// resolutions, checkpoint durations, and the event log's length. A nil
// MetricsRecorder (the default for tests) disables recording entirely.
type MetricsRecorder interface {
	executor.MetricsRecorder
	RecordMintResolution(outcome string)
	SetMintSubmissionsOpen(n int)
	RecordCheckpoint(duration time.Duration)
	SetEventLogLength(n int)
}

// Deps bundles the external collaborators NewKernel needs beyond Config:
// the event log's durable sink and the clock. Tests supply a bytes.Buffer
// and a fixed now; cmd/kernel supplies a real file and time.Now.
type Deps struct {
	EventWriter io.Writer
	Now         func() time.Time
	Logger      *logrus.Logger
	// StartEventNumber resumes journal numbering after a checkpoint load; 0
	// for a fresh kernel.
	StartEventNumber int64
	// Metrics is optional; nil disables Prometheus recording (the default
	// for tests).
	Metrics MetricsRecorder
}

// New constructs a Kernel from cfg, registering the three closed resource
// kinds from cfg.Resources and wiring every component's local-interface
// seam to this package's adapters.
func New(cfg config.Config, deps Deps) (*Kernel, error) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = logrus.New()
	}

	k := &Kernel{log: log, now: now, metrics: deps.Metrics, invokers: make(map[string][]string)}

	k.Journal = eventlog.NewJournal(deps.EventWriter, deps.StartEventNumber, k.onEvent)
	k.Store = store.New([]string{"authorized_writer"}, storeSink{k})
	k.Ledger = ledger.New()
	k.Resources = resource.New(now)
	k.Interp = interpreter.New()
	k.Triggers = trigger.New()

	k.Contracts = contract.NewEngine(storeLookup{k.Store}, k.Interp)
	k.Contracts.OnContractFault = func(contractID, reason string) {
		k.log.WithFields(logrus.Fields{"contract_id": contractID, "reason": reason}).Warn("contract_fault")
		if _, err := k.Journal.Emit("contract_fault", map[string]interface{}{
			"contract_id": contractID,
			"reason":      reason,
		}); err != nil {
			k.log.WithError(err).Error("failed to emit contract_fault event")
		}
	}

	k.Auction = mint.New(mint.Config{
		PeriodSeconds:            int64(cfg.Mint.PeriodSeconds),
		FirstAuctionDelaySeconds: int64(cfg.Mint.FirstAuctionDelaySeconds),
		MinimumBid:               cfg.Mint.MinimumBid,
	}, mint.BidOnlyScorer{}, mintLookup{k.Store}, mintEscrow{k.Ledger}, now())

	if err := k.registerResources(cfg.Resources); err != nil {
		return nil, err
	}

	k.Executor = executor.New(executor.Deps{
		Store:     k.Store,
		Contracts: k.Contracts,
		Resources: k.Resources,
		Ledger:    k.Ledger,
		Events:    journalSink{k.Journal},
		Code:      codeRunner{k.Interp},
		Queries:   k,
		Bindings:  k.bindingsFor,
		Now:       now,
		Metrics:   k.metrics,
	}, executor.Config{DiskResourceID: resourceDiskBytes})

	if err := k.bootstrapKernelPrincipal(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Kernel) registerResources(cfg config.ResourcesConfig) error {
	if err := k.Resources.Register(resourceLlmDollarBudget, resource.Registration{
		Kind:     resource.KindDepletable,
		Capacity: cfg.LlmDollarBudget,
	}); err != nil {
		return err
	}
	if err := k.Resources.Register(resourceCallBudget, resource.Registration{
		Kind:          resource.KindRenewable,
		Capacity:      cfg.CallBudget.Capacity,
		WindowSeconds: cfg.CallBudget.WindowSeconds,
	}); err != nil {
		return err
	}
	if err := k.Resources.Register(resourceDiskBytes, resource.Registration{
		Kind:      resource.KindAllocatable,
		Capacity:  cfg.DiskBytes.Capacity,
		Tradeable: true,
	}); err != nil {
		return err
	}
	return nil
}

// bootstrapKernelPrincipal gives KernelPrincipal standing the same way
// create_principal does for any other principal, so genesis-artifact
// invoke costs (billed to created_by="__kernel__") have somewhere to land
// and mint resolutions have a ledger row to debit/credit against escrow.
func (k *Kernel) bootstrapKernelPrincipal() error {
	if !k.Store.Exists(KernelPrincipal) {
		if _, err := k.Store.Create(store.CreateIntent{
			ID:        KernelPrincipal,
			Type:      "system_principal",
			CreatedBy: KernelPrincipal,
		}, k.Journal.EventNumber()); err != nil {
			return err
		}
	}
	if _, err := k.Store.MarkHasStanding(KernelPrincipal); err != nil {
		return err
	}
	k.Ledger.EnsurePrincipal(KernelPrincipal)
	k.Resources.EnsurePrincipal(KernelPrincipal)
	return nil
}

// EnsureSystemArtifact creates a kernel_protected artifact record owned by
// KernelPrincipal if one doesn't already exist. Used by internal/genesis to
// bootstrap the six genesis artifact records without that package needing
// to import internal/store itself — genesis method bodies still reach the
// kernel only through KernelState/KernelActions; this is purely the
// one-time record that makes the artifact id invocable at all.
func (k *Kernel) EnsureSystemArtifact(id, artifactType string) error {
	if k.Store.Exists(id) {
		return nil
	}
	_, err := k.Store.Create(store.CreateIntent{
		ID:              id,
		Type:            artifactType,
		CreatedBy:       KernelPrincipal,
		KernelProtected: true,
	}, k.Journal.EventNumber())
	return err
}

// RegisterGenesis exposes Executor.RegisterGenesis to internal/genesis
// without that package needing to import internal/executor's Deps wiring.
func (k *Kernel) RegisterGenesis(artifactID string, handler executor.GenesisHandler) {
	k.Executor.RegisterGenesis(artifactID, handler)
}

// onEvent is the journal's onEach hook: every event emitted by any
// component (store, executor, ledger-adjacent kernel actions) passes
// through here, letting the kernel maintain cross-cutting indices without
// eventlog importing anything that produces events.
func (k *Kernel) onEvent(ev eventlog.Event) {
	k.recentEvents = append(k.recentEvents, ev)
	if len(k.recentEvents) > maxRecentEvents {
		k.recentEvents = k.recentEvents[len(k.recentEvents)-maxRecentEvents:]
	}
	if k.metrics != nil {
		k.metrics.SetEventLogLength(int(k.Journal.EventNumber()))
	}
	if ev.Type != "action_executed" {
		return
	}
	action, _ := ev.Payload["action"].(string)
	if action != string(executor.ActionInvoke) {
		return
	}
	targetID, _ := ev.Payload["target_id"].(string)
	principal, _ := ev.Payload["principal"].(string)
	if targetID == "" {
		return
	}
	k.invokers[targetID] = append(k.invokers[targetID], principal)
}

func (k *Kernel) emit(eventType string, payload map[string]interface{}) (int64, error) {
	ev, err := k.Journal.Emit(eventType, payload)
	return ev.Number, err
}

// ---- adapters satisfying executor/contract/mint local interfaces ----

// storeLookup adapts *store.Store to contract.ArtifactLookup.
type storeLookup struct{ s *store.Store }

func (w storeLookup) ContractTarget(id string) (contract.Target, error) {
	a, err := w.s.Get(id)
	if err != nil {
		return contract.Target{}, err
	}
	return contract.Target{
		ID:               a.ID,
		Type:             a.Type,
		CreatedBy:        a.CreatedBy,
		AccessContractID: a.AccessContractID,
		KernelProtected:  a.KernelProtected,
		Metadata:         a.Metadata,
	}, nil
}

func (w storeLookup) ContractKind(id string) (contract.GenesisContractID, string, bool, error) {
	a, err := w.s.Get(id)
	if err != nil {
		return "", "", false, err
	}
	if a.Type != "contract" {
		return "", "", false, kerrors.TypeMismatch("contract", a.Type)
	}
	return "", a.Code, true, nil
}

// storeSink adapts *Kernel to store.EventSink (fire-and-forget, no
// event_number returned to the caller).
type storeSink struct{ k *Kernel }

func (s storeSink) Emit(eventType string, payload map[string]interface{}) {
	if _, err := s.k.emit(eventType, payload); err != nil {
		s.k.log.WithError(err).WithField("event_type", eventType).Error("failed to emit event")
	}
}

// journalSink adapts *eventlog.Journal to executor.EventSink, converting
// Emit's (eventlog.Event, error) return down to the (int64, error) the
// executor's narrower seam expects.
type journalSink struct{ j *eventlog.Journal }

func (s journalSink) Emit(eventType string, payload map[string]interface{}) (int64, error) {
	ev, err := s.j.Emit(eventType, payload)
	return ev.Number, err
}

// codeRunner adapts *interpreter.Interpreter to executor.CodeRunner,
// translating interpreter.InvokeResult to executor.InvokeOutput.
type codeRunner struct{ in *interpreter.Interpreter }

func (c codeRunner) Invoke(code, entryPoint string, input map[string]interface{}, bindings map[string]interface{}, budget time.Duration) (executor.InvokeOutput, error) {
	res, err := c.in.Invoke(code, entryPoint, input, bindings, budget)
	if err != nil {
		return executor.InvokeOutput{}, err
	}
	return executor.InvokeOutput{Output: res.Output, Logs: res.Logs}, nil
}

// mintLookup adapts *store.Store to mint.ContentLookup.
type mintLookup struct{ s *store.Store }

func (m mintLookup) Content(artifactID string) (string, error) {
	a, err := m.s.Get(artifactID)
	if err != nil {
		return "", err
	}
	return a.Content, nil
}

// mintEscrow adapts *ledger.Ledger to mint.Escrow: a bid is held by moving
// it into escrowPrincipal's own row rather than debiting it out of
// existence, so a pending bid never shrinks total scrip supply (spec P3)
// before it resolves. Only Burn, called once per cycle for the winner's
// price, actually removes scrip from circulation (spec S5) — it debits
// escrowPrincipal with no matching credit anywhere.
type mintEscrow struct{ l *ledger.Ledger }

func (m mintEscrow) Debit(principal string, amount int64, eventNumber int64) error {
	if amount == 0 {
		return nil
	}
	return m.l.Transfer(principal, escrowPrincipal, amount, eventNumber)
}

func (m mintEscrow) Credit(principal string, amount int64, eventNumber int64) error {
	if amount == 0 {
		return nil
	}
	return m.l.Transfer(escrowPrincipal, principal, amount, eventNumber)
}

func (m mintEscrow) Burn(amount int64, eventNumber int64) error {
	if amount == 0 {
		return nil
	}
	return m.l.Debit(escrowPrincipal, amount, eventNumber)
}

// ---- executor.QueryService ----

// querySnapshot is the document query_kernel's gjson path expressions
// project against (spec §4.4's "read-only projection of kernel state").
type querySnapshot struct {
	Time     string           `json:"time"`
	Balances map[string]int64 `json:"balances"`
	Mint     mintSnapshot     `json:"mint"`
	Triggers []trigger.Trigger `json:"triggers"`
}

type mintSnapshot struct {
	Pending            []mint.Submission `json:"pending"`
	NextResolutionDue  string            `json:"next_resolution_due"`
	LastResolutionTime string            `json:"last_resolution_time"`
}

// Snapshot implements executor.QueryService.
func (k *Kernel) Snapshot() ([]byte, error) {
	pending, due := k.Auction.Status()
	doc := querySnapshot{
		Time:     k.now().UTC().Format(time.RFC3339),
		Balances: k.Ledger.Snapshot(),
		Mint: mintSnapshot{
			Pending:            pending,
			NextResolutionDue:  due.UTC().Format(time.RFC3339),
			LastResolutionTime: k.Auction.LastResolution().UTC().Format(time.RFC3339),
		},
		Triggers: k.Triggers.All(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, kerrors.SystemError("failed to marshal kernel query snapshot", err)
	}
	return data, nil
}

// ---- KernelState: read-only surface (spec §4.9) ----

// KernelState is the read-only half of the C9 surface exposed to genesis
// artifacts and invoked code.
type KernelState struct{ k *Kernel }

// Balance returns a principal's current scrip balance.
func (s KernelState) Balance(principal string) int64 {
	return s.k.Ledger.Balance(principal)
}

// ResourceBalance returns a principal's remaining capacity on resourceID.
func (s KernelState) ResourceBalance(resourceID, principal string) (float64, error) {
	return s.k.Resources.Balance(resourceID, principal)
}

// RegisteredResources returns every registered resource id.
func (s KernelState) RegisteredResources() []string {
	return s.k.Resources.RegisteredResources()
}

// GetArtifact returns a copy of the artifact with id.
func (s KernelState) GetArtifact(id string) (store.Artifact, error) {
	return s.k.Store.Get(id)
}

// ListByOwner returns every artifact created by owner.
func (s KernelState) ListByOwner(owner string) []store.Artifact {
	return s.k.Store.ListByCreator(owner)
}

// ListByType returns every artifact of the given type.
func (s KernelState) ListByType(t string) []store.Artifact {
	return s.k.Store.ListByType(t)
}

// MintStatus returns the auction's currently pending submissions and the
// time the next resolution is due.
func (s KernelState) MintStatus() ([]mint.Submission, time.Time) {
	return s.k.Auction.Status()
}

// MintHistory returns up to limit of the most recent resolutions.
func (s KernelState) MintHistory(limit int) []mint.Resolution {
	return s.k.Auction.History(limit)
}

// RecentEvents returns up to the n most recent journal events.
func (s KernelState) RecentEvents(n int) []eventlog.Event {
	all := s.k.recentEvents
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]eventlog.Event, n)
	copy(out, all[len(all)-n:])
	return out
}

// Invokers returns every principal recorded as having invoked artifactID.
func (s KernelState) Invokers(artifactID string) []string {
	return append([]string(nil), s.k.invokers[artifactID]...)
}

// Now returns the kernel's current clock reading.
func (s KernelState) Now() time.Time { return s.k.now() }

// ---- KernelActions: mutating surface (spec §4.9) ----

// KernelActions is the mutating half of the C9 surface. Every method that
// succeeds emits one event of its own (ResolveMint only when a period
// closes); methods that also write to the store additionally produce the
// store's artifact_written or artifact_deleted event.
type KernelActions struct{ k *Kernel }

// TransferScrip moves amount scrip from caller to to.
func (a KernelActions) TransferScrip(caller, to string, amount int64) error {
	if err := a.k.Ledger.Transfer(caller, to, amount, a.k.Journal.EventNumber()); err != nil {
		return err
	}
	_, err := a.k.emit("scrip_transferred", map[string]interface{}{"from": caller, "to": to, "amount": amount})
	return err
}

// TransferResource moves amount of resourceID's allotment from caller to
// to, for resources registered as tradeable.
func (a KernelActions) TransferResource(caller, to, resourceID string, amount float64) error {
	if err := a.k.Resources.TransferQuota(resourceID, caller, to, amount); err != nil {
		return err
	}
	_, err := a.k.emit("resource_transferred", map[string]interface{}{
		"resource": resourceID, "from": caller, "to": to, "amount": amount,
	})
	return err
}

// ConsumeQuota debits amount of resourceID, outside the executor's action
// pipeline — used by genesis artifacts whose own method bodies consume
// resources beyond the invoke cost already charged. If caller's own row
// lacks sufficient quota but a charge_delegation artifact (spec-supplement
// §C.2) grants caller delegated quota against some payer's resourceID, the
// debit is redirected to the payer's row and the delegation's remaining
// balance is decremented instead of failing outright.
func (a KernelActions) ConsumeQuota(caller, resourceID string, amount float64) error {
	if ok, err := a.k.Resources.CanConsume(resourceID, caller, amount); err == nil && ok {
		if err := a.k.Resources.Consume(resourceID, caller, amount); err != nil {
			return err
		}
		_, err := a.k.emit("quota_consumed", map[string]interface{}{
			"resource": resourceID, "principal": caller, "amount": amount,
		})
		return err
	}

	payer, delegation, found := a.k.findChargeDelegation(caller, resourceID)
	if !found {
		return kerrors.ResourceExhausted(resourceID)
	}
	remaining, _ := delegation.Metadata["remaining"].(float64)
	if remaining < amount {
		return kerrors.ResourceExhausted(resourceID)
	}
	if err := a.k.Resources.Consume(resourceID, payer, amount); err != nil {
		return err
	}
	if _, err := a.k.Store.Write(delegation.ID, payer, false,
		store.WriteIntent{Metadata: map[string]interface{}{"remaining": remaining - amount}},
		a.k.Journal.EventNumber()); err != nil {
		return err
	}
	_, err := a.k.emit("quota_consumed", map[string]interface{}{
		"resource": resourceID, "principal": payer, "delegate": caller, "amount": amount,
	})
	return err
}

// findChargeDelegation scans charge_delegation artifacts for one granting
// delegate quota against resourceID, returning the payer id (recovered from
// the reserved "charge_delegation:<payer>" id) and the artifact itself.
func (k *Kernel) findChargeDelegation(delegate, resourceID string) (string, store.Artifact, bool) {
	for _, d := range k.Store.ListByType("charge_delegation") {
		if name, _ := d.Metadata["delegate"].(string); name != delegate {
			continue
		}
		if rid, _ := d.Metadata["resource_id"].(string); rid != resourceID {
			continue
		}
		return strings.TrimPrefix(d.ID, "charge_delegation:"), d, true
	}
	return "", store.Artifact{}, false
}

// SubmitForMint enters a new bid into the auction on caller's behalf,
// returning the generated submission id.
func (a KernelActions) SubmitForMint(caller, artifactID string, bid int64) (string, error) {
	id := uuid.NewString()
	sub, err := a.k.Auction.Submit(id, caller, artifactID, bid, a.k.now(), a.k.Journal.EventNumber())
	if err != nil {
		return "", err
	}
	if _, err := a.k.emit("mint_submitted", map[string]interface{}{
		"submission_id": sub.ID, "submitter": caller, "artifact_id": artifactID, "bid": bid,
	}); err != nil {
		return "", err
	}
	return sub.ID, nil
}

// CancelMintSubmission withdraws caller's own pending submission.
func (a KernelActions) CancelMintSubmission(caller, submissionID string) error {
	owned := false
	for _, sub := range a.k.Auction.Pending() {
		if sub.ID == submissionID {
			owned = sub.Submitter == caller
			break
		}
	}
	if !owned {
		return kerrors.PermissionDenied("only the submitter may cancel a mint submission")
	}
	if err := a.k.Auction.Cancel(submissionID, a.k.Journal.EventNumber()); err != nil {
		return err
	}
	_, err := a.k.emit("mint_submission_cancelled", map[string]interface{}{"submission_id": submissionID})
	return err
}

// ResolveMint drives the mint auction's periodic timer (spec §4.6, §4.7:
// "the mint timer run[s] as a cooperative task on one event loop"). It is a
// no-op returning resolved=false when the period hasn't elapsed yet; the
// caller (internal/scheduler) is expected to call this once per tick
// alongside every agent loop's own cycle. Emits mint_resolution only when a
// period actually closes.
func (a KernelActions) ResolveMint(now time.Time) (mint.Resolution, bool, error) {
	res, resolved, err := a.k.Auction.Resolve(now, a.k.Journal.EventNumber())
	if err != nil || !resolved {
		return res, resolved, err
	}
	if _, err := a.k.emit("mint_resolution", map[string]interface{}{
		"period_end": res.PeriodEnd.UTC().Format(time.RFC3339),
		"winner":     res.Winner,
		"price":      res.Price,
		"losers":     res.Losers,
	}); err != nil {
		return res, resolved, err
	}
	if a.k.metrics != nil {
		outcome := "winner"
		if res.Winner == "" {
			outcome = "no_winner"
		}
		a.k.metrics.RecordMintResolution(outcome)
		open, _ := a.k.State().MintStatus()
		a.k.metrics.SetMintSubmissionsOpen(len(open))
	}
	return res, resolved, nil
}

// CreatePrincipal marks an existing artifact has_standing=true and creates
// its ledger and resource-manager rows. This is the only path that may do
// so (spec §3, §4.2): the store's WriteIntent has no has_standing field,
// and the ledger/resource managers otherwise refuse to operate on a
// principal with no row.
func (a KernelActions) CreatePrincipal(id string) error {
	if _, err := a.k.Store.MarkHasStanding(id); err != nil {
		return err
	}
	a.k.Ledger.EnsurePrincipal(id)
	a.k.Resources.EnsurePrincipal(id)
	_, err := a.k.emit("principal_created", map[string]interface{}{"id": id})
	return err
}

// InstallLibrary declares artifactID as a dependency of caller's own
// artifact, the same effect a write's depends_on extraction would have had
// had the invoking code itself embedded an invoke("artifactID",...) call —
// a dependency is recorded, not an import in any language sense.
func (a KernelActions) InstallLibrary(caller, artifactID string) error {
	lib, err := a.k.Store.Get(artifactID)
	if err != nil {
		return err
	}
	if lib.Type != "code" {
		return kerrors.TypeMismatch("code", lib.Type)
	}
	target, err := a.k.Store.Get(caller)
	if err != nil {
		return err
	}
	dependsOn := append([]string(nil), target.DependsOn...)
	for _, id := range dependsOn {
		if id == artifactID {
			return nil
		}
	}
	dependsOn = append(dependsOn, artifactID)
	if _, err := a.k.Store.Write(caller, caller, false, store.WriteIntent{DependsOn: dependsOn}, a.k.Journal.EventNumber()); err != nil {
		return err
	}
	_, err = a.k.emit("library_installed", map[string]interface{}{"principal": caller, "artifact_id": artifactID})
	return err
}

// UpdateArtifactMetadata merges metadata into an artifact caller owns.
// Restricted to the owning principal (rather than anyone a genesis
// contract's checkExecutable would otherwise allow) since this bypasses
// the normal write permission check entirely.
func (a KernelActions) UpdateArtifactMetadata(caller, artifactID string, metadata map[string]interface{}) error {
	existing, err := a.k.Store.Get(artifactID)
	if err != nil {
		return err
	}
	if existing.CreatedBy != caller {
		return kerrors.PermissionDenied("only the creator may update artifact metadata via this entrypoint")
	}
	if _, err := a.k.Store.Write(artifactID, caller, false, store.WriteIntent{Metadata: metadata}, a.k.Journal.EventNumber()); err != nil {
		return err
	}
	_, err = a.k.emit("artifact_metadata_updated", map[string]interface{}{"id": artifactID, "principal": caller})
	return err
}

// GrantChargeDelegation records that delegate may spend up to amount of
// resourceID on caller's behalf, by writing into the
// "charge_delegation:<caller>" reserved namespace store.Create/Write only
// caller may create into (spec §3, P7).
func (a KernelActions) GrantChargeDelegation(caller, delegate, resourceID string, amount float64) error {
	id := "charge_delegation:" + caller
	meta := map[string]interface{}{"delegate": delegate, "resource_id": resourceID, "remaining": amount}
	var err error
	if a.k.Store.Exists(id) {
		_, err = a.k.Store.Write(id, caller, false, store.WriteIntent{Metadata: meta}, a.k.Journal.EventNumber())
	} else {
		_, err = a.k.Store.Create(store.CreateIntent{
			ID: id, Type: "charge_delegation", CreatedBy: caller, Metadata: meta,
		}, a.k.Journal.EventNumber())
	}
	if err != nil {
		return err
	}
	_, err = a.k.emit("charge_delegation_granted", map[string]interface{}{
		"grantor": caller, "delegate": delegate, "resource": resourceID, "amount": amount,
	})
	return err
}

// RevokeChargeDelegation deletes caller's charge delegation, if one exists.
func (a KernelActions) RevokeChargeDelegation(caller string) error {
	id := "charge_delegation:" + caller
	if !a.k.Store.Exists(id) {
		return kerrors.NotFound("charge_delegation", id)
	}
	if err := a.k.Store.Delete(id, caller, false); err != nil {
		return err
	}
	_, err := a.k.emit("charge_delegation_revoked", map[string]interface{}{"grantor": caller})
	return err
}

// ModifyProtectedContent is the sole path that may mutate a
// kernel_protected artifact's content, gated on caller == KernelPrincipal.
// Every KernelBindings closure is built with the real invoking principal
// as caller, so no agent-authored code can ever supply KernelPrincipal
// here — the rejection in spec §4.9 is structural, not a runtime allowlist
// check against a mutable list.
func (a KernelActions) ModifyProtectedContent(caller, artifactID, newContent string) error {
	if caller != KernelPrincipal {
		return kerrors.PermissionDenied("modify_protected_content is a kernel-only entrypoint")
	}
	if _, err := a.k.Store.Write(artifactID, caller, true, store.WriteIntent{Content: &newContent}, a.k.Journal.EventNumber()); err != nil {
		return err
	}
	_, err := a.k.emit("protected_content_modified", map[string]interface{}{"id": artifactID})
	return err
}

// ---- KernelBindings: the kernel.* object invoked code sees ----

// bindingsFor builds the kernel.* object passed into goja for code invoked
// as caller, binding every KernelState/KernelActions method to that
// principal so invoked code can never impersonate another. Implements
// executor.KernelBindings.
func (k *Kernel) bindingsFor(caller string) map[string]interface{} {
	st := KernelState{k: k}
	act := KernelActions{k: k}

	return map[string]interface{}{
		"balance":           func() int64 { return st.Balance(caller) },
		"resource_balance":  func(resourceID string) (float64, error) { return st.ResourceBalance(resourceID, caller) },
		"get_artifact":      func(id string) (store.Artifact, error) { return st.GetArtifact(id) },
		"list_by_owner":     func(owner string) []store.Artifact { return st.ListByOwner(owner) },
		"list_by_type":      func(t string) []store.Artifact { return st.ListByType(t) },
		"mint_status":       func() ([]mint.Submission, string) { p, due := st.MintStatus(); return p, due.UTC().Format(time.RFC3339) },
		"recent_events":     func(n int) []eventlog.Event { return st.RecentEvents(n) },
		"invokers":          func(artifactID string) []string { return st.Invokers(artifactID) },
		"now":               func() string { return st.Now().UTC().Format(time.RFC3339) },

		"transfer_scrip":           func(to string, amount int64) error { return act.TransferScrip(caller, to, amount) },
		"transfer_resource":        func(to, resourceID string, amount float64) error { return act.TransferResource(caller, to, resourceID, amount) },
		"consume_quota":            func(resourceID string, amount float64) error { return act.ConsumeQuota(caller, resourceID, amount) },
		"submit_for_mint":          func(artifactID string, bid int64) (string, error) { return act.SubmitForMint(caller, artifactID, bid) },
		"cancel_mint_submission":   func(submissionID string) error { return act.CancelMintSubmission(caller, submissionID) },
		"create_principal":         func(id string) error { return act.CreatePrincipal(id) },
		"install_library":          func(artifactID string) error { return act.InstallLibrary(caller, artifactID) },
		"update_artifact_metadata": func(artifactID string, metadata map[string]interface{}) error {
			return act.UpdateArtifactMetadata(caller, artifactID, metadata)
		},
		"grant_charge_delegation": func(delegate, resourceID string, amount float64) error {
			return act.GrantChargeDelegation(caller, delegate, resourceID, amount)
		},
		"revoke_charge_delegation": func() error { return act.RevokeChargeDelegation(caller) },
		"modify_protected_content": func(artifactID, newContent string) error {
			return act.ModifyProtectedContent(caller, artifactID, newContent)
		},
	}
}

// State returns the read-only KernelState surface, for Go-side callers
// (internal/genesis, internal/scheduler) that don't need the JS bindings
// map.
func (k *Kernel) State() KernelState { return KernelState{k: k} }

// Actions returns the mutating KernelActions surface, for Go-side callers.
func (k *Kernel) Actions() KernelActions { return KernelActions{k: k} }

// ---- checkpoint save/restore (spec §4.8) ----

// Checkpoint assembles a point-in-time snapshot of every component's
// state, keyed the way eventlog.Checkpoint expects (spec §6.3).
func (k *Kernel) Checkpoint(agents json.RawMessage) (eventlog.Checkpoint, error) {
	storeBytes, err := json.Marshal(k.Store.All())
	if err != nil {
		return eventlog.Checkpoint{}, kerrors.SystemError("failed to marshal store checkpoint", err)
	}
	ledgerBytes, err := json.Marshal(struct {
		Balances map[string]int64  `json:"balances"`
		History  []ledger.Transaction `json:"history"`
	}{k.Ledger.Snapshot(), k.Ledger.History()})
	if err != nil {
		return eventlog.Checkpoint{}, kerrors.SystemError("failed to marshal ledger checkpoint", err)
	}
	mintBytes, err := json.Marshal(struct {
		Pending        []mint.Submission `json:"pending"`
		Resolutions    []mint.Resolution `json:"resolutions"`
		LastResolution time.Time         `json:"last_resolution"`
	}{k.Auction.Pending(), k.Auction.Resolutions(), k.Auction.LastResolution()})
	if err != nil {
		return eventlog.Checkpoint{}, kerrors.SystemError("failed to marshal mint checkpoint", err)
	}
	if agents == nil {
		agents = json.RawMessage("null")
	}

	return eventlog.Checkpoint{
		Version:     eventlog.CheckpointVersion,
		EventNumber: k.Journal.EventNumber(),
		Store:       storeBytes,
		Ledger:      ledgerBytes,
		Resources:   json.RawMessage("null"),
		Mint:        mintBytes,
		Agents:      agents,
	}, nil
}

// Restore rebuilds every component from cp, then repairs standing-invariant
// drift, then replays tail (events with event_number > cp.EventNumber,
// typically read from the journal file beyond the checkpoint), then
// validates global invariants — the exact ordering spec §4.8 requires:
// load snapshot, re-register resources, repair standing, replay tail
// idempotently, rebuild indices, validate.
func (k *Kernel) Restore(cfg config.Config, cp eventlog.Checkpoint, tail []eventlog.Event) error {
	var artifacts []store.Artifact
	if err := json.Unmarshal(cp.Store, &artifacts); err != nil {
		return kerrors.SystemError("failed to decode store checkpoint", err)
	}
	k.Store.Restore(artifacts)

	var ledgerDoc struct {
		Balances map[string]int64     `json:"balances"`
		History  []ledger.Transaction `json:"history"`
	}
	if err := json.Unmarshal(cp.Ledger, &ledgerDoc); err != nil {
		return kerrors.SystemError("failed to decode ledger checkpoint", err)
	}
	k.Ledger.Restore(ledgerDoc.Balances, ledgerDoc.History)

	if err := k.registerResources(cfg.Resources); err != nil {
		return err
	}
	for principal := range ledgerDoc.Balances {
		k.Resources.EnsurePrincipal(principal)
	}

	var mintDoc struct {
		Pending        []mint.Submission `json:"pending"`
		Resolutions    []mint.Resolution `json:"resolutions"`
		LastResolution time.Time         `json:"last_resolution"`
	}
	if err := json.Unmarshal(cp.Mint, &mintDoc); err != nil {
		return kerrors.SystemError("failed to decode mint checkpoint", err)
	}
	k.Auction.Restore(mintDoc.Pending, mintDoc.Resolutions, mintDoc.LastResolution)

	// Standing-invariant drift repair: every has_standing artifact must have
	// a ledger row and a resource row on every registered resource; every
	// ledger row must correspond to a has_standing artifact. A mismatch here
	// means the checkpoint raced a create_principal/destroy that never made
	// it into the snapshot (spec §4.8).
	for _, a := range k.Store.ListHasStanding() {
		k.Ledger.EnsurePrincipal(a.ID)
		k.Resources.EnsurePrincipal(a.ID)
	}
	for principal := range k.Ledger.Snapshot() {
		if a, err := k.Store.Get(principal); err != nil || !a.HasStanding {
			k.Ledger.DropPrincipal(principal)
			k.Resources.DropPrincipal(principal)
		}
	}

	for _, ev := range tail {
		if ev.Number <= cp.EventNumber {
			continue // idempotent replay: already reflected in the snapshot
		}
		k.onEvent(ev)
	}

	return k.ValidateInvariants()
}

// ValidateInvariants checks the global cross-component invariants spec §4.8
// requires restore to confirm before the kernel is considered ready:
// every has_standing artifact has both a ledger and a resource row, and no
// ledger/resource row exists without a corresponding has_standing artifact.
func (k *Kernel) ValidateInvariants() error {
	standing := make(map[string]struct{})
	for _, a := range k.Store.ListHasStanding() {
		standing[a.ID] = struct{}{}
		if !k.Ledger.HasPrincipal(a.ID) {
			return kerrors.SystemError(fmt.Sprintf("has_standing artifact %q has no ledger row", a.ID), nil)
		}
		for _, resourceID := range k.Resources.RegisteredResources() {
			if !k.Resources.HasPrincipal(resourceID, a.ID) {
				return kerrors.SystemError(fmt.Sprintf("has_standing artifact %q has no %q row", a.ID, resourceID), nil)
			}
		}
	}
	for principal := range k.Ledger.Snapshot() {
		if _, ok := standing[principal]; !ok {
			return kerrors.SystemError(fmt.Sprintf("ledger row for %q has no has_standing artifact", principal), nil)
		}
	}
	return nil
}

// SaveCheckpoint is a convenience wrapper around Checkpointer.Save using
// this kernel's own Checkpoint().
func (k *Kernel) SaveCheckpoint(ctx context.Context, cpr *eventlog.Checkpointer, agents json.RawMessage) error {
	start := k.now()
	cp, err := k.Checkpoint(agents)
	if err != nil {
		return err
	}
	if err := cpr.Save(ctx, cp); err != nil {
		return err
	}
	if k.metrics != nil {
		k.metrics.RecordCheckpoint(k.now().Sub(start))
	}
	return nil
}

// Package executor implements C4: the total ActionIntent -> ActionResult
// function that orchestrates the artifact store (C1), ledger and resource
// manager (C2), and permission/contract engine (C3) for every one of the
// eleven actions in the kernel's narrow waist (spec §4.4). Every dependency
// is expressed as a local interface, the same seam pattern used throughout
// the kernel (store.EventSink, contract.ArtifactLookup, mint.Escrow): the
// concrete wiring of *store.Store, *ledger.Ledger, *resource.Manager, and
// *contract.Engine to these interfaces happens once, in internal/kernel,
// which is the only package that imports all of C1-C3 concretely.
package executor

import (
	"regexp"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
	"github.com/agentkernel/ecology/internal/contract"
	"github.com/agentkernel/ecology/internal/store"
)

// gjsonGet evaluates a gjson path against a JSON document, returning a
// plain Go value (string/float64/bool/map/slice/nil) suitable for
// embedding in an ActionResult's Data.
func gjsonGet(document []byte, path string) interface{} {
	return gjson.GetBytes(document, path).Value()
}

// Action is one of the eleven discriminants of the narrow-waist action
// surface (spec §3).
type Action string

const (
	ActionNoop               Action = "noop"
	ActionRead               Action = "read"
	ActionWrite              Action = "write"
	ActionEdit               Action = "edit"
	ActionInvoke             Action = "invoke"
	ActionDelete             Action = "delete"
	ActionQueryKernel        Action = "query_kernel"
	ActionSubscribe          Action = "subscribe"
	ActionUnsubscribe        Action = "unsubscribe"
	ActionConfigureContext   Action = "configure_context"
	ActionModifySystemPrompt Action = "modify_system_prompt"
)

// ActionIntent carries the caller's principal id, the target artifact id
// (where applicable), and every typed payload field any of the eleven
// actions might need. The executor consumes it by value (spec §3).
type ActionIntent struct {
	Principal string
	Action    Action
	TargetID  string

	// write: Type/AccessContractID are honored only when TargetID does not
	// yet exist (the executor's create-on-first-write policy, see
	// DESIGN.md's Open Question decision for 'write' as upsert); supplying a
	// Type that contradicts an existing artifact's type is rejected with
	// ImmutableField rather than silently ignored.
	Type             string
	Content          string
	Code             string
	AccessContractID string
	Metadata         map[string]interface{}

	// edit
	OldString string
	NewString string

	// invoke
	Method string
	Args   map[string]interface{}

	// query_kernel
	Query string

	// configure_context
	Context map[string]interface{}

	// modify_system_prompt
	SystemPrompt string
}

// ActionResult is the executor's total, never-throws output (spec §4.4).
type ActionResult struct {
	OK                bool
	ErrorCode         string
	Message           string
	Data              map[string]interface{}
	ResourcesConsumed map[string]float64
}

func fail(err error) ActionResult {
	se := kerrors.GetServiceError(err)
	if se == nil {
		se = kerrors.SystemError(err.Error(), err)
	}
	return ActionResult{OK: false, ErrorCode: string(se.Code), Message: se.Error()}
}

func ok(data map[string]interface{}, consumed map[string]float64) ActionResult {
	return ActionResult{OK: true, Data: data, ResourcesConsumed: consumed}
}

// ArtifactStore is C4's view of C1. Satisfied directly by *store.Store.
type ArtifactStore interface {
	Get(id string) (store.Artifact, error)
	Exists(id string) bool
	Create(intent store.CreateIntent, eventNumber int64) (store.Artifact, error)
	Write(id, caller string, asKernel bool, intent store.WriteIntent, eventNumber int64) (store.Artifact, error)
	Edit(id, caller string, asKernel bool, oldString, newString string, eventNumber int64) (store.Artifact, error)
	Delete(id, caller string, asKernel bool) error
}

// PermissionChecker is C4's view of C3. Satisfied directly by *contract.Engine.
type PermissionChecker interface {
	Check(caller string, action contract.Action, target contract.Target) contract.Decision
}

// ResourceManager is C4's view of the resource-manager half of C2. Satisfied
// directly by *resource.Manager.
type ResourceManager interface {
	CanConsume(resourceID, principal string, amount float64) (bool, error)
	Consume(resourceID, principal string, amount float64) error
	Refund(resourceID, principal string, amount float64) error
}

// Ledger is C4's view of the scrip half of C2. Satisfied directly by
// *ledger.Ledger.
type Ledger interface {
	Balance(p string) int64
	Transfer(from, to string, n int64, eventNumber int64) error
}

// EventSink is C4's view of C8; Number is the assigned event_number,
// ignored by every caller in this package but kept so a future caller can
// correlate an action with the events it produced.
type EventSink interface {
	Emit(eventType string, payload map[string]interface{}) (eventNumber int64, err error)
}

// InvokeOutput mirrors interpreter.InvokeResult's shape so CodeRunner
// implementations (internal/interpreter.Interpreter satisfies this
// structurally once wrapped) don't force this package to import goja.
type InvokeOutput struct {
	Output map[string]interface{}
	Logs   []string
}

// CodeRunner evaluates a type=code artifact's code for the invoke action.
type CodeRunner interface {
	Invoke(code, entryPoint string, input map[string]interface{}, bindings map[string]interface{}, budget time.Duration) (InvokeOutput, error)
}

// GenesisHandler dispatches an invoke against a genesis artifact's method
// table (C5); registered per artifact id by the kernel facade once
// internal/genesis constructs its six wrappers.
type GenesisHandler func(caller, method string, args map[string]interface{}) (map[string]interface{}, error)

// QueryService answers query_kernel's read-only projections (spec §4.4).
// Returning a JSON document keeps C4 decoupled from C9's concrete read
// surface; the query string is a gjson path evaluated against it.
type QueryService interface {
	Snapshot() ([]byte, error)
}

// KernelBindings builds the `kernel` object exposed to invoked code,
// supplied by C9 so genesis/executable artifacts reach KernelState/
// KernelActions bound to the calling principal (spec §4.9).
type KernelBindings func(caller string) map[string]interface{}

// Config tunes the executor's policy knobs that are not part of any single
// resource registration.
type Config struct {
	DiskResourceID      string        // default "disk_bytes"
	InvokeTimeout       time.Duration // default 100ms, mirrors contract's default
	MaxSubscriptions    int           // default 50
}

// MetricsRecorder is the local seam for the executor's one observability
// dependency (infrastructure/metrics), following the same pattern as
// ArtifactStore/PermissionChecker/Ledger: the concrete Prometheus collectors
// are wired only in internal/kernel. A nil MetricsRecorder disables
// recording entirely, so tests never need one.
type MetricsRecorder interface {
	RecordAction(action, outcome string, duration time.Duration)
	RecordDenial(action, errorCode string)
}

// Executor is C4.
type Executor struct {
	store     ArtifactStore
	contracts PermissionChecker
	resources ResourceManager
	ledger    Ledger
	events    EventSink
	code      CodeRunner
	queries   QueryService
	bindings  KernelBindings
	genesis   map[string]GenesisHandler
	metrics   MetricsRecorder

	cfg Config
	now func() time.Time

	subscriptions map[string]map[string]struct{}
}

// Deps bundles every dependency the executor needs; the kernel facade
// constructs one of these wiring its own concrete components.
type Deps struct {
	Store     ArtifactStore
	Contracts PermissionChecker
	Resources ResourceManager
	Ledger    Ledger
	Events    EventSink
	Code      CodeRunner
	Queries   QueryService
	Bindings  KernelBindings
	Now       func() time.Time
	// Metrics is optional; nil disables per-action metrics recording.
	Metrics MetricsRecorder
}

// New creates an Executor. Genesis handlers are registered afterward via
// RegisterGenesis, since internal/genesis's six artifacts are constructed
// after the executor itself (they need an Executor to recurse invoke through).
func New(deps Deps, cfg Config) *Executor {
	if cfg.DiskResourceID == "" {
		cfg.DiskResourceID = "disk_bytes"
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 100 * time.Millisecond
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = 50
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		store:         deps.Store,
		contracts:     deps.Contracts,
		resources:     deps.Resources,
		ledger:        deps.Ledger,
		events:        deps.Events,
		code:          deps.Code,
		queries:       deps.Queries,
		bindings:      deps.Bindings,
		genesis:       make(map[string]GenesisHandler),
		metrics:       deps.Metrics,
		cfg:           cfg,
		now:           now,
		subscriptions: make(map[string]map[string]struct{}),
	}
}

// RegisterGenesis binds a method-dispatch handler to a genesis artifact id,
// so invoke(id, method, args) against it skips the interpreter entirely.
func (e *Executor) RegisterGenesis(artifactID string, handler GenesisHandler) {
	e.genesis[artifactID] = handler
}

func toTarget(a store.Artifact) contract.Target {
	return contract.Target{
		ID:               a.ID,
		Type:             a.Type,
		CreatedBy:        a.CreatedBy,
		AccessContractID: a.AccessContractID,
		KernelProtected:  a.KernelProtected,
		Metadata:         a.Metadata,
	}
}

func (e *Executor) emit(eventType string, payload map[string]interface{}) {
	if e.events != nil {
		_, _ = e.events.Emit(eventType, payload)
	}
}

func (e *Executor) deny(principal string, action Action, targetID string, result ActionResult) ActionResult {
	e.emit("action_denied", map[string]interface{}{
		"principal":  principal,
		"action":     string(action),
		"target_id":  targetID,
		"error_code": result.ErrorCode,
		"message":    result.Message,
	})
	return result
}

func (e *Executor) succeed(principal string, action Action, targetID string, result ActionResult) ActionResult {
	e.emit("action_executed", map[string]interface{}{
		"principal": principal,
		"action":    string(action),
		"target_id": targetID,
	})
	return result
}

// numberToFloat coerces a metadata value that may have round-tripped through
// JSON (float64) or been set directly in-process (int/int64/float64) to a
// float64, defaulting to 0 for anything else.
func numberToFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

var invokePattern = regexp.MustCompile(`invoke\(\s*["']([^"']+)["']`)

// extractDependsOn performs the best-effort static extraction named in spec
// §4.4: a regex match of invoke("id", …) call sites within code. Dynamic
// targets (computed ids) are not captured, as the spec anticipates.
func extractDependsOn(code string) []string {
	matches := invokePattern.FindAllStringSubmatch(code, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if _, ok := seen[m[1]]; !ok {
			seen[m[1]] = struct{}{}
			out = append(out, m[1])
		}
	}
	sort.Strings(out)
	return out
}

// Execute runs the five-step pipeline from spec §4.4 for one ActionIntent,
// recording its outcome and duration through the optional MetricsRecorder.
func (e *Executor) Execute(intent ActionIntent) ActionResult {
	start := e.now()
	result := e.dispatch(intent)

	if e.metrics != nil {
		outcome := "ok"
		if !result.OK {
			outcome = "denied"
			e.metrics.RecordDenial(string(intent.Action), result.ErrorCode)
		}
		e.metrics.RecordAction(string(intent.Action), outcome, e.now().Sub(start))
	}
	return result
}

func (e *Executor) dispatch(intent ActionIntent) ActionResult {
	if intent.Principal == "" {
		return fail(kerrors.SystemError("action intent missing principal", nil))
	}

	switch intent.Action {
	case ActionNoop:
		return e.succeed(intent.Principal, intent.Action, "", ok(nil, nil))
	case ActionRead:
		return e.doRead(intent)
	case ActionWrite:
		return e.doWrite(intent)
	case ActionEdit:
		return e.doEdit(intent)
	case ActionInvoke:
		return e.doInvoke(intent)
	case ActionDelete:
		return e.doDelete(intent)
	case ActionQueryKernel:
		return e.doQueryKernel(intent)
	case ActionSubscribe:
		return e.doSubscribe(intent, true)
	case ActionUnsubscribe:
		return e.doSubscribe(intent, false)
	case ActionConfigureContext:
		return e.doConfigureContext(intent)
	case ActionModifySystemPrompt:
		return e.doModifySystemPrompt(intent)
	default:
		return fail(kerrors.TypeMismatch("known action", string(intent.Action)))
	}
}

func (e *Executor) doRead(intent ActionIntent) ActionResult {
	a, err := e.store.Get(intent.TargetID)
	if err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}
	decision := e.contracts.Check(intent.Principal, contract.ActionRead, toTarget(a))
	if !decision.Allowed {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.PermissionDenied(decision.Reason)))
	}
	if decision.Cost > 0 {
		affordable, err := affordScrip(e.ledger, intent.Principal, decision.Cost)
		if err != nil {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
		}
		if !affordable {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.ResourceExhausted("scrip")))
		}
	}
	if err := e.chargeCost(intent.Principal, a.CreatedBy, decision.Cost); err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}
	data := map[string]interface{}{
		"content":            a.Content,
		"code":               a.Code,
		"metadata":           a.Metadata,
		"type":               a.Type,
		"access_contract_id": a.AccessContractID,
		"created_by":         a.CreatedBy,
	}
	return e.succeed(intent.Principal, intent.Action, intent.TargetID, ok(data, nil))
}

// chargeCost moves a non-negative contract cost from caller to recipient.
// A zero cost, or caller == recipient, is a no-op (an artifact's own
// creator incurs no toll reading or invoking their own content).
func (e *Executor) chargeCost(caller, recipient string, cost int64) error {
	if cost <= 0 || caller == recipient {
		return nil
	}
	if err := e.ledger.Transfer(caller, recipient, cost, 0); err != nil {
		return err
	}
	e.emit("scrip_transferred", map[string]interface{}{"from": caller, "to": recipient, "amount": cost})
	return nil
}

func (e *Executor) doWrite(intent ActionIntent) ActionResult {
	existing, err := e.store.Get(intent.TargetID)
	exists := err == nil

	var decision contract.Decision
	var oldSize int
	if exists {
		if intent.Type != "" && intent.Type != existing.Type {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.ImmutableField("type")))
		}
		decision = e.contracts.Check(intent.Principal, contract.ActionWrite, toTarget(existing))
		if !decision.Allowed {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.PermissionDenied(decision.Reason)))
		}
		oldSize = len(existing.Content) + len(existing.Code)
		if decision.Cost > 0 {
			affordable, err := affordScrip(e.ledger, intent.Principal, decision.Cost)
			if err != nil {
				return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
			}
			if !affordable {
				return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.ResourceExhausted("scrip")))
			}
		}
	}
	newSize := len(intent.Content) + len(intent.Code)
	delta := float64(newSize - oldSize)

	if delta > 0 {
		affordable, err := e.resources.CanConsume(e.cfg.DiskResourceID, intent.Principal, delta)
		if err != nil {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
		}
		if !affordable {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.ResourceExhausted(e.cfg.DiskResourceID)))
		}
	}

	dependsOn := extractDependsOn(intent.Code + intent.Content)

	var result store.Artifact
	if exists {
		content := intent.Content
		code := intent.Code
		result, err = e.store.Write(intent.TargetID, intent.Principal, false, store.WriteIntent{
			Content:   &content,
			Code:      &code,
			Metadata:  intent.Metadata,
			DependsOn: dependsOn,
		}, 0)
	} else {
		result, err = e.store.Create(store.CreateIntent{
			ID:               intent.TargetID,
			Type:             intent.Type,
			CreatedBy:        intent.Principal,
			Content:          intent.Content,
			Code:             intent.Code,
			AccessContractID: intent.AccessContractID,
			DependsOn:        dependsOn,
			Metadata:         intent.Metadata,
		}, 0)
	}
	if err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}

	consumed := map[string]float64{}
	if delta > 0 {
		_ = e.resources.Consume(e.cfg.DiskResourceID, intent.Principal, delta)
		consumed[e.cfg.DiskResourceID] = delta
	} else if delta < 0 {
		_ = e.resources.Refund(e.cfg.DiskResourceID, intent.Principal, -delta)
	}
	if exists {
		if err := e.chargeCost(intent.Principal, existing.CreatedBy, decision.Cost); err != nil {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
		}
	}

	return e.succeed(intent.Principal, intent.Action, intent.TargetID, ok(map[string]interface{}{"id": result.ID}, consumed))
}

func (e *Executor) doEdit(intent ActionIntent) ActionResult {
	existing, err := e.store.Get(intent.TargetID)
	if err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}
	decision := e.contracts.Check(intent.Principal, contract.ActionEdit, toTarget(existing))
	if !decision.Allowed {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.PermissionDenied(decision.Reason)))
	}
	if decision.Cost > 0 {
		affordable, err := affordScrip(e.ledger, intent.Principal, decision.Cost)
		if err != nil {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
		}
		if !affordable {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.ResourceExhausted("scrip")))
		}
	}

	result, err := e.store.Edit(intent.TargetID, intent.Principal, false, intent.OldString, intent.NewString, 0)
	if err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}

	delta := float64(len(result.Content) - len(existing.Content))
	consumed := map[string]float64{}
	if delta > 0 {
		affordable, err := e.resources.CanConsume(e.cfg.DiskResourceID, intent.Principal, delta)
		if err != nil || !affordable {
			// The edit already landed in the store (spec's edit "delegates to
			// write semantics for cost and events" after the replacement
			// succeeds); a disk shortfall here charges no disk for the growth
			// and reports zero disk consumption rather than unwinding a
			// successful single-occurrence replacement.
			consumed[e.cfg.DiskResourceID] = 0
		} else {
			_ = e.resources.Consume(e.cfg.DiskResourceID, intent.Principal, delta)
			consumed[e.cfg.DiskResourceID] = delta
		}
	} else if delta < 0 {
		_ = e.resources.Refund(e.cfg.DiskResourceID, intent.Principal, -delta)
	}
	if err := e.chargeCost(intent.Principal, existing.CreatedBy, decision.Cost); err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}

	return e.succeed(intent.Principal, intent.Action, intent.TargetID, ok(map[string]interface{}{"id": result.ID}, consumed))
}

func (e *Executor) doDelete(intent ActionIntent) ActionResult {
	existing, err := e.store.Get(intent.TargetID)
	if err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}
	decision := e.contracts.Check(intent.Principal, contract.ActionDelete, toTarget(existing))
	if !decision.Allowed {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.PermissionDenied(decision.Reason)))
	}
	if decision.Cost > 0 {
		affordable, err := affordScrip(e.ledger, intent.Principal, decision.Cost)
		if err != nil {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
		}
		if !affordable {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.ResourceExhausted("scrip")))
		}
	}
	if err := e.store.Delete(intent.TargetID, intent.Principal, false); err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}

	freed := float64(len(existing.Content) + len(existing.Code))
	consumed := map[string]float64{}
	if freed > 0 {
		_ = e.resources.Refund(e.cfg.DiskResourceID, existing.CreatedBy, freed)
		consumed[e.cfg.DiskResourceID] = -freed
	}
	if err := e.chargeCost(intent.Principal, existing.CreatedBy, decision.Cost); err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}

	return e.succeed(intent.Principal, intent.Action, intent.TargetID, ok(nil, consumed))
}

// doInvoke evaluates an executable artifact's code, or dispatches to a
// registered genesis method table. Cost = contract.cost + invoke_price
// (spec §4.4); the callee runs as the caller, so nested actions raised from
// within invoked code bill the original caller, not the invoked artifact.
func (e *Executor) doInvoke(intent ActionIntent) ActionResult {
	a, err := e.store.Get(intent.TargetID)
	if err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}
	decision := e.contracts.Check(intent.Principal, contract.ActionInvoke, toTarget(a))
	if !decision.Allowed {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.PermissionDenied(decision.Reason)))
	}

	invokePrice := int64(numberToFloat(a.Metadata["invoke_price"]))
	total := decision.Cost + invokePrice
	if total > 0 {
		affordable, err := affordScrip(e.ledger, intent.Principal, total)
		if err != nil {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
		}
		if !affordable {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.ResourceExhausted("scrip")))
		}
	}

	var output map[string]interface{}
	var logs []string
	if handler, isGenesis := e.genesis[a.ID]; isGenesis {
		output, err = handler(intent.Principal, intent.Method, intent.Args)
	} else if a.Code != "" {
		if e.code == nil {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.SystemError("no code runner configured", nil)))
		}
		var bindings map[string]interface{}
		if e.bindings != nil {
			bindings = e.bindings(intent.Principal)
		}
		entry := intent.Method
		if entry == "" {
			entry = "invoke"
		}
		input := map[string]interface{}{"args": intent.Args}
		var res InvokeOutput
		res, err = e.code.Invoke(a.Code, entry, input, bindings, e.cfg.InvokeTimeout)
		output, logs = res.Output, res.Logs
	} else {
		err = kerrors.TypeMismatch("invocable artifact (code or genesis handler)", a.Type)
	}
	if err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.ContractFault(a.ID, err)))
	}

	if err := e.chargeCost(intent.Principal, a.CreatedBy, total); err != nil {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(err))
	}

	data := map[string]interface{}{"output": output}
	if logs != nil {
		data["logs"] = logs
	}
	return e.succeed(intent.Principal, intent.Action, intent.TargetID, ok(data, map[string]float64{"scrip": float64(total)}))
}

// affordScrip reports whether principal's scrip balance covers amount,
// without mutating it; chargeCost performs the actual transfer afterward.
func affordScrip(l Ledger, principal string, amount int64) (bool, error) {
	return l.Balance(principal) >= amount, nil
}

func (e *Executor) doQueryKernel(intent ActionIntent) ActionResult {
	if e.queries == nil {
		return e.deny(intent.Principal, intent.Action, "", fail(kerrors.SystemError("query service not configured", nil)))
	}
	data, err := e.queries.Snapshot()
	if err != nil {
		return e.deny(intent.Principal, intent.Action, "", fail(err))
	}
	value := gjsonGet(data, intent.Query)
	return e.succeed(intent.Principal, intent.Action, "", ok(map[string]interface{}{"result": value}, nil))
}

func (e *Executor) doSubscribe(intent ActionIntent, subscribe bool) ActionResult {
	if subscribe && !e.store.Exists(intent.TargetID) {
		return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.NotFound("artifact", intent.TargetID)))
	}
	set := e.subscriptions[intent.Principal]
	if subscribe {
		if set == nil {
			set = make(map[string]struct{})
			e.subscriptions[intent.Principal] = set
		}
		if _, already := set[intent.TargetID]; !already && len(set) >= e.cfg.MaxSubscriptions {
			return e.deny(intent.Principal, intent.Action, intent.TargetID, fail(kerrors.ResourceExhausted("subscriptions")))
		}
		set[intent.TargetID] = struct{}{}
	} else if set != nil {
		delete(set, intent.TargetID)
	}
	return e.succeed(intent.Principal, intent.Action, intent.TargetID, ok(nil, nil))
}

// Subscriptions returns principal's current subscribed artifact ids, for
// the scheduler to materialize into the next prompt.
func (e *Executor) Subscriptions(principal string) []string {
	set := e.subscriptions[principal]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// doConfigureContext and doModifySystemPrompt both mutate the calling
// agent's own principal artifact by convention its artifact id equals the
// principal id and merge a single metadata field, never touching type or
// created_by (spec §4.4: "must not alter type or created_by" — guaranteed
// structurally, since store.WriteIntent has no field for either).
func (e *Executor) doConfigureContext(intent ActionIntent) ActionResult {
	return e.writeOwnMetadata(intent, "context", intent.Context)
}

func (e *Executor) doModifySystemPrompt(intent ActionIntent) ActionResult {
	return e.writeOwnMetadata(intent, "system_prompt", intent.SystemPrompt)
}

func (e *Executor) writeOwnMetadata(intent ActionIntent, field string, value interface{}) ActionResult {
	targetID := intent.Principal
	existing, err := e.store.Get(targetID)
	if err != nil {
		return e.deny(intent.Principal, intent.Action, targetID, fail(err))
	}
	if intent.Type != "" && intent.Type != existing.Type {
		return e.deny(intent.Principal, intent.Action, targetID, fail(kerrors.ImmutableField("type")))
	}
	decision := e.contracts.Check(intent.Principal, contract.ActionWrite, toTarget(existing))
	if !decision.Allowed {
		return e.deny(intent.Principal, intent.Action, targetID, fail(kerrors.PermissionDenied(decision.Reason)))
	}
	_, err = e.store.Write(targetID, intent.Principal, false, store.WriteIntent{
		Metadata: map[string]interface{}{field: value},
	}, 0)
	if err != nil {
		return e.deny(intent.Principal, intent.Action, targetID, fail(err))
	}
	return e.succeed(intent.Principal, intent.Action, targetID, ok(nil, nil))
}

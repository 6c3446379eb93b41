// Package interpreter implements the constrained interpreter the kernel
// spec requires for evaluating executable contract and artifact code
// (spec §1: "code executed on behalf of artifacts is expected to run in a
// constrained interpreter whose design is not prescribed here"). Grounded
// on the teacher's gojaScriptEngine: a fresh goja.Runtime per execution,
// console.log capture, and a JSON round-trip of the return value. Unlike
// the teacher's engine, every execution here carries a real wall-clock
// deadline enforced via vm.Interrupt from a timer goroutine — the teacher's
// "TEE" framing assumed trusted scripts with no such budget, but spec §4.3
// requires executable contracts to fault rather than hang.
package interpreter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/agentkernel/ecology/internal/contract"
)

// timeoutMessage is the value passed to vm.Interrupt when a script exceeds
// its time budget; it surfaces in the wrapped error the caller receives.
const timeoutMessage = "interpreter: execution exceeded time budget"

// Interpreter evaluates artifact and contract code in isolated goja
// runtimes. It holds no per-execution state; a single Interpreter is safe
// for concurrent use, though the kernel's single-threaded apply loop never
// actually calls it concurrently.
type Interpreter struct {
	// DefaultTimeout is used when a caller passes a zero budget.
	DefaultTimeout time.Duration
}

// New creates an Interpreter with a 100ms default budget, matching the
// contract engine's default (spec §4.3).
func New() *Interpreter {
	return &Interpreter{DefaultTimeout: 100 * time.Millisecond}
}

// runResult captures goroutine-boundary results; goja panics the interrupted
// goroutine, so the timer and run must communicate through a channel rather
// than shared return values.
type runResult struct {
	value goja.Value
	err   error
}

// runWithBudget compiles and runs script in a fresh runtime, then calls the
// function named entryPoint with args, enforcing budget via vm.Interrupt.
// setup is called after the runtime is created but before the script runs,
// to inject globals.
func runWithBudget(script, entryPoint string, args []interface{}, budget time.Duration, setup func(*goja.Runtime) *[]string) (goja.Value, []string, error) {
	vm := goja.New()
	logsRef := setup(vm)

	timer := time.AfterFunc(budget, func() {
		vm.Interrupt(timeoutMessage)
	})
	defer timer.Stop()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("interpreter: panic during execution: %v", r)}
			}
		}()
		if _, err := vm.RunString(script); err != nil {
			done <- runResult{err: fmt.Errorf("interpreter: script error: %w", err)}
			return
		}
		fn, ok := goja.AssertFunction(vm.Get(entryPoint))
		if !ok {
			done <- runResult{err: fmt.Errorf("interpreter: entry point %q is not a function", entryPoint)}
			return
		}
		callArgs := make([]goja.Value, len(args))
		for i, a := range args {
			callArgs[i] = vm.ToValue(a)
		}
		val, err := fn(goja.Undefined(), callArgs...)
		if err != nil {
			done <- runResult{err: fmt.Errorf("interpreter: %w", err)}
			return
		}
		done <- runResult{value: val}
	}()

	result := <-done
	var logs []string
	if logsRef != nil {
		logs = *logsRef
	}
	return result.value, logs, result.err
}

func newConsole(vm *goja.Runtime) (*goja.Object, *[]string) {
	logs := make([]string, 0)
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		if len(parts) > 0 {
			logs = append(logs, fmt.Sprint(parts))
		}
		return goja.Undefined()
	})
	return console, &logs
}

// EvaluateContract runs an executable contract artifact's code, calling its
// top-level check(caller, action, target, ctx) function and coercing the
// return value to a contract.Decision. Implements
// contract.ExecutableEvaluator.
func (in *Interpreter) EvaluateContract(code string, budget time.Duration, caller string, action string, target contract.Target) (contract.Decision, error) {
	if budget <= 0 {
		budget = in.DefaultTimeout
	}

	ctxObj := map[string]interface{}{
		"target_type":       target.Type,
		"target_created_by": target.CreatedBy,
		"target_metadata":   target.Metadata,
		"action":            action,
		"caller_principal":  caller,
	}

	val, _, err := runWithBudget(code, "check", []interface{}{caller, action, targetToMap(target), ctxObj}, budget, func(vm *goja.Runtime) *[]string {
		console, logs := newConsole(vm)
		_ = vm.Set("console", console)
		return logs
	})
	if err != nil {
		return contract.Decision{}, err
	}

	return coerceDecision(val)
}

func targetToMap(target contract.Target) map[string]interface{} {
	return map[string]interface{}{
		"id":                 target.ID,
		"type":               target.Type,
		"created_by":         target.CreatedBy,
		"access_contract_id": target.AccessContractID,
		"kernel_protected":   target.KernelProtected,
		"metadata":           target.Metadata,
	}
}

// coerceDecision converts a goja return value (expected to export as
// {allowed, reason?, cost?}) into a contract.Decision, per spec §4.3's
// "return values are coerced to Decision; failures are denials".
func coerceDecision(val goja.Value) (contract.Decision, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return contract.Decision{}, fmt.Errorf("interpreter: check() returned no value")
	}

	exported := val.Export()
	m, ok := exported.(map[string]interface{})
	if !ok {
		data, jerr := json.Marshal(exported)
		if jerr != nil {
			return contract.Decision{}, fmt.Errorf("interpreter: check() return value is not coercible: %v", exported)
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return contract.Decision{}, fmt.Errorf("interpreter: check() return value is not coercible: %v", exported)
		}
	}

	allowed, _ := m["allowed"].(bool)
	reason, _ := m["reason"].(string)
	var cost int64
	switch c := m["cost"].(type) {
	case float64:
		cost = int64(c)
	case int64:
		cost = c
	}
	return contract.Decision{Allowed: allowed, Reason: reason, Cost: cost}, nil
}

// InvokeResult is the outcome of running an artifact's invoke entry point.
type InvokeResult struct {
	Output map[string]interface{}
	Logs   []string
}

// Invoke runs a `type=code` artifact's code, calling its top-level
// entryPoint function with input and a kernel bindings object built from
// bindings (typically KernelState/KernelActions methods bound to the
// calling principal, supplied by the C9 facade). Implements the `invoke`
// action's "evaluate executable artifact's code" path (spec §4.4).
func (in *Interpreter) Invoke(code, entryPoint string, input map[string]interface{}, bindings map[string]interface{}, budget time.Duration) (InvokeResult, error) {
	if budget <= 0 {
		budget = in.DefaultTimeout
	}

	val, logs, err := runWithBudget(code, entryPoint, []interface{}{input}, budget, func(vm *goja.Runtime) *[]string {
		console, logRef := newConsole(vm)
		_ = vm.Set("console", console)
		if bindings != nil {
			_ = vm.Set("kernel", bindings)
		}
		return logRef
	})
	if err != nil {
		return InvokeResult{}, err
	}

	var output map[string]interface{}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		exported := val.Export()
		if m, ok := exported.(map[string]interface{}); ok {
			output = m
		} else {
			data, jerr := json.Marshal(exported)
			if jerr == nil {
				_ = json.Unmarshal(data, &output)
			}
			if output == nil {
				output = map[string]interface{}{"result": exported}
			}
		}
	}

	return InvokeResult{Output: output, Logs: logs}, nil
}

// Validate compiles code without running it, used when an agent writes a
// new code artifact (spec §4.3 dispatches on validity implicitly via
// ValidateScript in the teacher's engine — carried here as an explicit
// pre-write check so malformed code fails fast instead of only at
// first-invoke time).
func (in *Interpreter) Validate(code string) error {
	_, err := goja.Compile("artifact.js", code, false)
	if err != nil {
		return fmt.Errorf("interpreter: invalid script: %w", err)
	}
	return nil
}

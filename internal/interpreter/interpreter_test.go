package interpreter

import (
	"strings"
	"testing"
	"time"

	"github.com/agentkernel/ecology/internal/contract"
)

func TestEvaluateContract_AllowWithCost(t *testing.T) {
	in := New()
	code := `function check(caller, action, target, ctx) {
		if (caller === target.created_by) { return {allowed: true, cost: 3}; }
		return {allowed: false, reason: "not creator"};
	}`

	target := contract.Target{CreatedBy: "alice"}
	d, err := in.EvaluateContract(code, 0, "alice", "write", target)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if !d.Allowed || d.Cost != 3 {
		t.Fatalf("expected allowed with cost 3, got %+v", d)
	}

	d2, err := in.EvaluateContract(code, 0, "bob", "write", target)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if d2.Allowed {
		t.Fatalf("expected bob denied, got %+v", d2)
	}
}

func TestEvaluateContract_SyntaxErrorFaults(t *testing.T) {
	in := New()
	_, err := in.EvaluateContract("this is not valid javascript {{{", 0, "alice", "write", contract.Target{})
	if err == nil {
		t.Fatal("expected syntax error to produce an error")
	}
}

func TestEvaluateContract_MissingEntryPointFaults(t *testing.T) {
	in := New()
	_, err := in.EvaluateContract("var x = 1;", 0, "alice", "write", contract.Target{})
	if err == nil {
		t.Fatal("expected missing check() function to fault")
	}
}

func TestEvaluateContract_TimeoutOnInfiniteLoop(t *testing.T) {
	in := New()
	code := `function check() { while (true) {} }`
	_, err := in.EvaluateContract(code, 20*time.Millisecond, "alice", "write", contract.Target{})
	if err == nil {
		t.Fatal("expected infinite loop to hit the time budget")
	}
}

func TestEvaluateContract_NonCoercibleReturnFaults(t *testing.T) {
	in := New()
	code := `function check() { return 42; }`
	d, err := in.EvaluateContract(code, 0, "alice", "write", contract.Target{})
	if err == nil {
		t.Fatalf("expected a bare number return to fault as not coercible to a decision, got %+v", d)
	}
	if d.Allowed {
		t.Fatal("expected a faulted contract to yield allowed=false")
	}
}

func TestInvoke_ReturnsOutputAndLogs(t *testing.T) {
	in := New()
	code := `function main(input) {
		console.log("hello", input.name);
		return {greeting: "hi " + input.name};
	}`

	result, err := in.Invoke(code, "main", map[string]interface{}{"name": "alice"}, nil, 0)
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if result.Output["greeting"] != "hi alice" {
		t.Fatalf("unexpected output: %+v", result.Output)
	}
	if len(result.Logs) != 1 || !strings.Contains(result.Logs[0], "hello") {
		t.Fatalf("expected captured console.log, got %+v", result.Logs)
	}
}

func TestInvoke_BindingsExposedAsKernelGlobal(t *testing.T) {
	in := New()
	code := `function main(input) {
		return {balance: kernel.balance(input.principal)};
	}`
	bindings := map[string]interface{}{
		"balance": func(p string) int64 { return 42 },
	}

	result, err := in.Invoke(code, "main", map[string]interface{}{"principal": "alice"}, bindings, 0)
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if result.Output["balance"].(int64) != 42 {
		t.Fatalf("expected bound kernel.balance to be callable, got %+v", result.Output)
	}
}

func TestValidate_AcceptsWellFormedScript(t *testing.T) {
	in := New()
	if err := in.Validate(`function check() { return {allowed: true}; }`); err != nil {
		t.Fatalf("expected valid script to pass validation: %v", err)
	}
}

func TestValidate_RejectsMalformedScript(t *testing.T) {
	in := New()
	if err := in.Validate("function check( { return"); err == nil {
		t.Fatal("expected malformed script to fail validation")
	}
}

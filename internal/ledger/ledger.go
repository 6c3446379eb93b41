// Package ledger implements the scrip half of C2: integer balances per
// principal, atomic transfers, and a transaction history used to audit
// conservation (spec P3). The transaction-history shape is grounded on the
// teacher's gasbank Transaction model, pared down to the fields the kernel
// actually needs.
package ledger

import (
	"sync"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
)

// Transaction records one completed scrip movement. Grounded on
// domain/gasbank/model.go's Transaction (From/To/Amount/timestamp shape);
// the teacher's wallet-address withdrawal-approval/dead-letter machinery
// has no kernel equivalent and was not carried over.
type Transaction struct {
	EventNumber int64
	From        string // empty for a mint credit with no debited source
	To          string
	Amount      int64
}

// Ledger maps principal_id to a non-negative integer scrip balance.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]int64
	history  []Transaction
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[string]int64)}
}

// EnsurePrincipal creates a zero-balance row for p if one doesn't exist
// yet. Idempotent, called by create_principal (spec §4.2).
func (l *Ledger) EnsurePrincipal(p string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[p]; !ok {
		l.balances[p] = 0
	}
}

// HasPrincipal reports whether p has a ledger row.
func (l *Ledger) HasPrincipal(p string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.balances[p]
	return ok
}

// DropPrincipal removes p's ledger row. Used by checkpoint restore when
// repairing standing-invariant drift (a ledger row with no corresponding
// has_standing artifact).
func (l *Ledger) DropPrincipal(p string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.balances, p)
}

// Balance returns p's current scrip balance.
func (l *Ledger) Balance(p string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[p]
}

// Credit adds n scrip to p's balance, e.g. a mint_resolution award. n must
// be non-negative.
func (l *Ledger) Credit(p string, n int64, eventNumber int64) error {
	if n < 0 {
		return kerrors.SystemError("credit amount must be non-negative", nil)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[p]; !ok {
		return kerrors.NotFound("principal", p)
	}
	l.balances[p] += n
	l.history = append(l.history, Transaction{EventNumber: eventNumber, To: p, Amount: n})
	return nil
}

// Debit subtracts n scrip from p's balance, failing with ResourceExhausted
// if the balance would go negative.
func (l *Ledger) Debit(p string, n int64, eventNumber int64) error {
	if n < 0 {
		return kerrors.SystemError("debit amount must be non-negative", nil)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[p]
	if !ok {
		return kerrors.NotFound("principal", p)
	}
	if bal < n {
		return kerrors.ResourceExhausted("scrip")
	}
	l.balances[p] = bal - n
	l.history = append(l.history, Transaction{EventNumber: eventNumber, From: p, Amount: n})
	return nil
}

// Transfer atomically moves n scrip from "from" to "to": both sides
// succeed or neither does.
func (l *Ledger) Transfer(from, to string, n int64, eventNumber int64) error {
	if n < 0 {
		return kerrors.SystemError("transfer amount must be non-negative", nil)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fromBal, ok := l.balances[from]
	if !ok {
		return kerrors.NotFound("principal", from)
	}
	if _, ok := l.balances[to]; !ok {
		return kerrors.NotFound("principal", to)
	}
	if fromBal < n {
		return kerrors.ResourceExhausted("scrip")
	}

	l.balances[from] -= n
	l.balances[to] += n
	l.history = append(l.history, Transaction{EventNumber: eventNumber, From: from, To: to, Amount: n})
	return nil
}

// History returns a copy of the transaction history, used for audit and
// checkpoint snapshotting.
func (l *Ledger) History() []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transaction, len(l.history))
	copy(out, l.history)
	return out
}

// Snapshot returns a copy of every principal's balance, for checkpointing.
func (l *Ledger) Snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

// Restore replaces the ledger's balances and history wholesale, used only
// during C8 restore. History is not validated against balances here; the
// kernel's validate_invariants() pass does that globally post-restore.
func (l *Ledger) Restore(balances map[string]int64, history []Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[string]int64, len(balances))
	for k, v := range balances {
		l.balances[k] = v
	}
	l.history = append([]Transaction(nil), history...)
}

// TotalSupply sums every principal's balance: the total scrip supply that
// P3's conservation property is stated over.
func (l *Ledger) TotalSupply() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, v := range l.balances {
		total += v
	}
	return total
}

// Package resource implements the resource-manager half of C2: depletable,
// allocatable, and renewable (rate-windowed) resource accounting, each
// exposing the same can_consume/consume/refund/balance API (spec §4.2).
// Renewable resources use infrastructure/ratelimit.SlidingWindow for the
// kernel's exact "sliding window of timestamped consumption" semantics.
package resource

import (
	"sync"
	"time"

	kerrors "github.com/agentkernel/ecology/infrastructure/errors"
	"github.com/agentkernel/ecology/infrastructure/ratelimit"
)

// Kind is one of the three closed resource kinds.
type Kind string

const (
	KindDepletable Kind = "depletable"
	KindAllocatable Kind = "allocatable"
	KindRenewable   Kind = "renewable"
)

// Registration describes a resource_id at registration time.
type Registration struct {
	Kind          Kind
	Capacity      float64 // depletable: initial budget; allocatable: cap
	WindowSeconds float64 // renewable only
	Tradeable     bool
}

// state holds one (principal, resource) row. Exactly one of the three
// sub-states is meaningful, selected by the resource's registered Kind.
type state struct {
	depletableBalance  float64
	allocatableInUse   float64
	renewableWindow    *ratelimit.SlidingWindow
}

// Manager is the kernel's resource manager.
type Manager struct {
	mu            sync.Mutex
	registrations map[string]Registration
	rows          map[string]map[string]*state // resource_id -> principal_id -> state
	now           func() time.Time
}

// New creates an empty Manager. now defaults to time.Now; tests may
// override it for deterministic sliding-window behavior.
func New(now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		registrations: make(map[string]Registration),
		rows:          make(map[string]map[string]*state),
		now:           now,
	}
}

// Register declares a resource_id with its kind and parameters. Idempotent
// re-registration with identical parameters is allowed; re-registration
// with different parameters is a SystemError (the set of registered
// resources is fixed at boot per spec §6.4).
func (m *Manager) Register(resourceID string, reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.registrations[resourceID]; ok {
		if existing != reg {
			return kerrors.SystemError("resource re-registered with different parameters", nil).WithDetails("resource", resourceID)
		}
		return nil
	}
	m.registrations[resourceID] = reg
	m.rows[resourceID] = make(map[string]*state)
	return nil
}

// EnsurePrincipal creates an empty state row for p on every registered
// resource. Idempotent. Called by create_principal and by checkpoint
// restore's drift repair (spec §4.2).
func (m *Manager) EnsurePrincipal(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for resourceID, reg := range m.registrations {
		m.ensureRowLocked(resourceID, reg, p)
	}
}

func (m *Manager) ensureRowLocked(resourceID string, reg Registration, p string) *state {
	row, ok := m.rows[resourceID][p]
	if ok {
		return row
	}
	row = &state{}
	switch reg.Kind {
	case KindDepletable:
		row.depletableBalance = reg.Capacity
	case KindRenewable:
		row.renewableWindow = ratelimit.NewSlidingWindow(time.Duration(reg.WindowSeconds*float64(time.Second)), reg.Capacity)
	}
	m.rows[resourceID][p] = row
	return row
}

func (m *Manager) lookup(resourceID, p string) (Registration, *state, error) {
	reg, ok := m.registrations[resourceID]
	if !ok {
		return Registration{}, nil, kerrors.NotFound("resource", resourceID)
	}
	row, ok := m.rows[resourceID][p]
	if !ok {
		return Registration{}, nil, kerrors.NotFound("principal", p)
	}
	return reg, row, nil
}

// CanConsume reports whether p could consume amount of resourceID right now
// without mutating state.
func (m *Manager) CanConsume(resourceID, p string, amount float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, row, err := m.lookup(resourceID, p)
	if err != nil {
		return false, err
	}
	switch reg.Kind {
	case KindDepletable:
		return row.depletableBalance-amount >= 0, nil
	case KindAllocatable:
		return row.allocatableInUse+amount <= reg.Capacity, nil
	case KindRenewable:
		return row.renewableWindow.CanConsume(m.now(), amount), nil
	default:
		return false, kerrors.SystemError("unknown resource kind", nil)
	}
}

// Consume debits amount of resourceID from p, failing with
// ResourceExhausted if it would violate the resource's kind-specific
// invariant.
func (m *Manager) Consume(resourceID, p string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, row, err := m.lookup(resourceID, p)
	if err != nil {
		return err
	}
	switch reg.Kind {
	case KindDepletable:
		if row.depletableBalance-amount < 0 {
			return kerrors.ResourceExhausted(resourceID)
		}
		row.depletableBalance -= amount
		return nil
	case KindAllocatable:
		if row.allocatableInUse+amount > reg.Capacity {
			return kerrors.ResourceExhausted(resourceID)
		}
		row.allocatableInUse += amount
		return nil
	case KindRenewable:
		if !row.renewableWindow.Consume(m.now(), amount) {
			return kerrors.ResourceExhausted(resourceID)
		}
		return nil
	default:
		return kerrors.SystemError("unknown resource kind", nil)
	}
}

// Refund credits amount of resourceID back to p.
func (m *Manager) Refund(resourceID, p string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, row, err := m.lookup(resourceID, p)
	if err != nil {
		return err
	}
	switch reg.Kind {
	case KindDepletable:
		row.depletableBalance += amount
		return nil
	case KindAllocatable:
		row.allocatableInUse -= amount
		if row.allocatableInUse < 0 {
			row.allocatableInUse = 0
		}
		return nil
	case KindRenewable:
		row.renewableWindow.Refund(amount)
		return nil
	default:
		return kerrors.SystemError("unknown resource kind", nil)
	}
}

// Balance returns p's remaining capacity on resourceID.
func (m *Manager) Balance(resourceID, p string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, row, err := m.lookup(resourceID, p)
	if err != nil {
		return 0, err
	}
	switch reg.Kind {
	case KindDepletable:
		return row.depletableBalance, nil
	case KindAllocatable:
		return reg.Capacity - row.allocatableInUse, nil
	case KindRenewable:
		return row.renewableWindow.Balance(m.now()), nil
	default:
		return 0, kerrors.SystemError("unknown resource kind", nil)
	}
}

// TransferQuota moves amount of resourceID's allotment from "from" to "to",
// for resources registered as Tradeable. Both principals must already have
// rows (require create_principal to have run).
func (m *Manager) TransferQuota(resourceID, from, to string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registrations[resourceID]
	if !ok {
		return kerrors.NotFound("resource", resourceID)
	}
	if !reg.Tradeable {
		return kerrors.PermissionDenied("resource is not tradeable")
	}
	fromRow, ok := m.rows[resourceID][from]
	if !ok {
		return kerrors.NotFound("principal", from)
	}
	toRow, ok := m.rows[resourceID][to]
	if !ok {
		return kerrors.NotFound("principal", to)
	}

	switch reg.Kind {
	case KindDepletable:
		if fromRow.depletableBalance < amount {
			return kerrors.ResourceExhausted(resourceID)
		}
		fromRow.depletableBalance -= amount
		toRow.depletableBalance += amount
		return nil
	case KindAllocatable:
		if fromRow.allocatableInUse < amount {
			return kerrors.ResourceExhausted(resourceID)
		}
		if toRow.allocatableInUse+amount > reg.Capacity {
			return kerrors.ResourceExhausted(resourceID)
		}
		fromRow.allocatableInUse -= amount
		toRow.allocatableInUse += amount
		return nil
	default:
		return kerrors.SystemError("quota transfer only supported for depletable and allocatable resources", nil)
	}
}

// HasPrincipal reports whether p has a row on resourceID.
func (m *Manager) HasPrincipal(resourceID, p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[resourceID][p]
	return ok
}

// DropPrincipal removes p's row from every registered resource, used by
// checkpoint restore's standing-invariant drift repair.
func (m *Manager) DropPrincipal(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rows := range m.rows {
		delete(rows, p)
	}
}

// RegisteredResources returns the ids of every registered resource.
func (m *Manager) RegisteredResources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.registrations))
	for id := range m.registrations {
		out = append(out, id)
	}
	return out
}

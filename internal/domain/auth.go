package domain

import "sync"

// Principal identifies a caller: a creator, a worker, the coordinator,
// the owner, or the task registry itself.
type Principal string

// Action is a privileged capability checked per call.
type Action string

const (
	ActionLedgerWrite   Action = "ledger_write"   // reserve / release / unlock
	ActionRecordOutcome Action = "record_outcome" // worker stats after a terminal outcome
	ActionPropose       Action = "propose"        // propose assignment
	ActionVerify        Action = "verify"         // verify and complete
	ActionTreasuryAdmin Action = "treasury_admin" // rule changes, emergency withdrawal
	ActionAdmin         Action = "admin"          // cancel any task, penalize, reactivate
)

// Role bundles actions. Roles are assigned to principals at configuration
// time, never stored in ledger state.
type Role string

const (
	RoleTaskRegistry Role = "task_registry"
	RoleCoordinator  Role = "coordinator"
	RoleOwner        Role = "owner"
	RoleAdmin        Role = "admin"
)

var roleActions = map[Role][]Action{
	RoleTaskRegistry: {ActionLedgerWrite, ActionRecordOutcome},
	RoleCoordinator:  {ActionPropose, ActionVerify},
	RoleOwner:        {ActionTreasuryAdmin, ActionAdmin},
	RoleAdmin:        {ActionAdmin},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleActions[r]
	return ok
}

// Authorizer decides whether a principal may perform an action.
type Authorizer interface {
	AuthorizedFor(p Principal, a Action) bool
}

// RoleTable is an Authorizer backed by a static principal → roles map.
type RoleTable struct {
	mu     sync.RWMutex
	grants map[Principal]map[Action]bool
}

// NewRoleTable builds a table from principal → role assignments.
// Unknown roles are ignored.
func NewRoleTable(assign map[Principal][]Role) *RoleTable {
	t := &RoleTable{grants: make(map[Principal]map[Action]bool)}
	for p, roles := range assign {
		for _, r := range roles {
			t.Grant(p, r)
		}
	}
	return t
}

// Grant adds a role to a principal.
func (t *RoleTable) Grant(p Principal, r Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	acts, ok := t.grants[p]
	if !ok {
		acts = make(map[Action]bool)
		t.grants[p] = acts
	}
	for _, a := range roleActions[r] {
		acts[a] = true
	}
}

// AuthorizedFor implements Authorizer.
func (t *RoleTable) AuthorizedFor(p Principal, a Action) bool {
	if p == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.grants[p][a]
}

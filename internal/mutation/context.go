package mutation

import (
	"github.com/Makepad-fr/tada/internal/model"
)

// Op names a mutation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpToggle Op = "toggle"
)

// State is the lifecycle of one in-flight mutation.
type State int

const (
	Idle State = iota
	OptimisticApplied
	ServerPending
	Reconciled
	RolledBack
)

func (s State) String() string {
	switch s {
	case OptimisticApplied:
		return "optimistic-applied"
	case ServerPending:
		return "server-pending"
	case Reconciled:
		return "reconciled"
	case RolledBack:
		return "rolled-back"
	default:
		return "idle"
	}
}

// Context carries what a mutation needs to undo its optimistic write.
// It is threaded explicitly from apply to reconcile or rollback.
type Context struct {
	Op    Op
	ID    string // target id; the provisional id for creates
	State State

	// List snapshot taken before the optimistic write. HadList is false
	// when no list was cached at all.
	PrevList []model.Todo
	HadList  bool
	// Version of the list right after the optimistic write. If it is still
	// current at rollback time the snapshot is restored as-is.
	AppliedListVersion uint64

	// Entity before the mutation, and its position in PrevList (-1 if absent).
	Prev      model.Todo
	HadPrev   bool
	PrevIndex int

	// Detail snapshot.
	PrevDetail model.Todo
	HadDetail  bool

	// Optimistic is the entity computed in the optimistic step. Applied is
	// set once it is written to the detail entry (update, toggle) and
	// ListApplied once the list itself was rewritten.
	Optimistic  model.Todo
	Applied     bool
	ListApplied bool
}

func indexOf(list []model.Todo, id string) int {
	for i, t := range list {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// replace returns a copy of list with the entry whose id is id swapped for t.
func replace(list []model.Todo, id string, t model.Todo) ([]model.Todo, bool) {
	i := indexOf(list, id)
	if i < 0 {
		return list, false
	}
	out := make([]model.Todo, len(list))
	copy(out, list)
	out[i] = t
	return out, true
}

func remove(list []model.Todo, id string) ([]model.Todo, bool) {
	i := indexOf(list, id)
	if i < 0 {
		return list, false
	}
	out := make([]model.Todo, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...), true
}

func prepend(list []model.Todo, t model.Todo) []model.Todo {
	out := make([]model.Todo, 0, len(list)+1)
	out = append(out, t)
	return append(out, list...)
}

func insertAt(list []model.Todo, i int, t model.Todo) []model.Todo {
	if i < 0 || i > len(list) {
		i = len(list)
	}
	out := make([]model.Todo, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, t)
	return append(out, list[i:]...)
}

// dedupe keeps the first entry of each id.
func dedupe(list []model.Todo) []model.Todo {
	seen := make(map[string]bool, len(list))
	out := make([]model.Todo, 0, len(list))
	for _, t := range list {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}

package model

// ActionKind is the outcome of a conflation decision.
type ActionKind int

const (
	// ActionNone means an equivalent record is already stored.
	ActionNone ActionKind = iota
	// ActionCreate inserts the incoming record as new.
	ActionCreate
	// ActionUpdate revises exactly one stored record in place.
	ActionUpdate
	// ActionMerge collapses two or more stored records into one.
	ActionMerge
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Action is a decision plus what is needed to apply it.
type Action struct {
	Kind ActionKind
	// IDs are the persistent records the action targets, ascending for Merge.
	IDs []int64
	// Versions holds the version observed for each entry of IDs.
	Versions []int64
	// Record is the record to write. Nil for ActionNone.
	Record *Address
}

// Mutates reports whether applying the action writes to the store.
func (a Action) Mutates() bool {
	return a.Kind != ActionNone
}

// Primary returns the id that survives an Update or Merge.
func (a Action) Primary() (int64, bool) {
	if len(a.IDs) == 0 {
		return 0, false
	}
	return a.IDs[0], true
}

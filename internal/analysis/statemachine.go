package analysis

import (
	"querymon/internal/errkind"
	"querymon/internal/store"
)

// allowedTransitions encodes the regression event lifecycle. Terminal states
// have no outgoing edges; a later regression opens a new event instead of
// reopening an old one.
var allowedTransitions = map[store.EventStatus]map[store.EventStatus]bool{
	store.StatusNew: {
		store.StatusAcknowledged: true,
		store.StatusResolved:     true,
		store.StatusAutoResolved: true,
		store.StatusDismissed:    true,
	},
	store.StatusAcknowledged: {
		store.StatusResolved:     true,
		store.StatusAutoResolved: true,
		store.StatusDismissed:    true,
	},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to store.EventStatus) bool {
	return allowedTransitions[from][to]
}

// checkTransition returns a BadInput error for illegal edges.
func checkTransition(from, to store.EventStatus) error {
	if !CanTransition(from, to) {
		return errkind.Newf(errkind.BadInput, "illegal event transition %s -> %s", from, to)
	}
	return nil
}

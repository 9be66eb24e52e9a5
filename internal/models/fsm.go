package models

import "fmt"

// validTransitions encodes the job lifecycle state machine. Terminal
// states have no outgoing edges.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true, // dispatcher claim + GPU alloc
		StatusCancelled:  true, // cancel_requested observed on a pending job
	},
	StatusProcessing: {
		StatusCompleted: true, // executor success
		StatusFailed:    true, // executor error, or reconciler: retries exhausted
		StatusCancelled: true, // cancel_requested observed at checkpoint
		StatusPending:   true, // reconciler: lease expired, retry budget remains
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// ValidateTransition reports an error if moving from `from` to `to` is
// not an allowed edge.
func ValidateTransition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// ==============================================================================
// WINDOW STATE MACHINE - internal/window/transitions.go
// ==============================================================================
// Defines the allowed lifecycle transitions for clearing windows. Transitions
// are monotonic: a window can never re-enter an earlier state, and the
// advance operation treats "already past that state" as a no-op rather than
// an error.
// ==============================================================================

package window

import "railnet/internal/domain"

// allowedTransitions is the authoritative transition table.
var allowedTransitions = map[domain.WindowStatus][]domain.WindowStatus{
	domain.WindowStatusScheduled: {
		domain.WindowStatusOpen,
		domain.WindowStatusFailed,
	},
	domain.WindowStatusOpen: {
		domain.WindowStatusClosing,
		domain.WindowStatusFailed,
	},
	domain.WindowStatusClosing: {
		domain.WindowStatusGracePeriod,
		domain.WindowStatusFailed,
	},
	domain.WindowStatusGracePeriod: {
		domain.WindowStatusProcessing,
		domain.WindowStatusFailed,
	},
	domain.WindowStatusProcessing: {
		domain.WindowStatusSettling,
		domain.WindowStatusFailed,
	},
	domain.WindowStatusSettling: {
		domain.WindowStatusCompleted,
		domain.WindowStatusFailed,
	},
	domain.WindowStatusCompleted: {},
	domain.WindowStatusFailed:    {},
}

// statusRank orders statuses along the lifecycle so idempotent advancement
// can tell "already past" from "not yet reached".
var statusRank = map[domain.WindowStatus]int{
	domain.WindowStatusScheduled:   0,
	domain.WindowStatusOpen:        1,
	domain.WindowStatusClosing:     2,
	domain.WindowStatusGracePeriod: 3,
	domain.WindowStatusProcessing:  4,
	domain.WindowStatusSettling:    5,
	domain.WindowStatusCompleted:   6,
	domain.WindowStatusFailed:      7,
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to domain.WindowStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Reached reports whether status is at or past target in the lifecycle.
// Failed windows count as past everything except Completed.
func Reached(status, target domain.WindowStatus) bool {
	if status == domain.WindowStatusFailed {
		return target != domain.WindowStatusCompleted
	}
	return statusRank[status] >= statusRank[target]
}

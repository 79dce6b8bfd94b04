// Package medication holds the prescription, dose and intake entities and the
// dose lifecycle table.
package medication

import "fmt"

// DoseStatus is the lifecycle status of a dose instance
type DoseStatus string

const (
	StatusScheduled DoseStatus = "scheduled"
	StatusNotified  DoseStatus = "notified"
	StatusTaken     DoseStatus = "taken"
	StatusLateTaken DoseStatus = "late_taken"
	StatusSkipped   DoseStatus = "skipped"
	StatusMissed    DoseStatus = "missed"
)

// Action is a state machine input
type Action string

const (
	ActionNotify Action = "notify"
	ActionTake   Action = "take"
	ActionSkip   Action = "skip"
	ActionMiss   Action = "miss"
)

// transitions is the complete dose lifecycle. Statuses without an entry are terminal.
var transitions = map[DoseStatus]map[Action]DoseStatus{
	StatusScheduled: {
		ActionNotify: StatusNotified,
		ActionTake:   StatusTaken,
		ActionSkip:   StatusSkipped,
	},
	StatusNotified: {
		ActionTake: StatusLateTaken,
		ActionMiss: StatusMissed,
		ActionSkip: StatusSkipped,
	},
}

// Transition returns the status reached by applying action to from.
// ok is false when the action is not valid from that status.
func Transition(from DoseStatus, action Action) (to DoseStatus, ok bool) {
	to, ok = transitions[from][action]
	return to, ok
}

// CanTransition reports whether some action moves from to to.
func CanTransition(from, to DoseStatus) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// PendingStatuses are the statuses a dose can still be taken from
func PendingStatuses() []DoseStatus {
	return []DoseStatus{StatusScheduled, StatusNotified}
}

// OutstandingStatuses are the statuses of doses that count against a capped
// course without having been satisfied by a linked intake
func OutstandingStatuses() []DoseStatus {
	return []DoseStatus{StatusScheduled, StatusNotified, StatusSkipped, StatusMissed}
}

// IsPending reports whether the dose still awaits an outcome
func (s DoseStatus) IsPending() bool {
	return s == StatusScheduled || s == StatusNotified
}

// IsTerminal reports whether no further transition is possible
func (s DoseStatus) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Valid reports whether s is a known status
func (s DoseStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusNotified, StatusTaken, StatusLateTaken, StatusSkipped, StatusMissed:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle. Observed ranks never decrease.
func (s DoseStatus) Rank() int {
	switch s {
	case StatusScheduled:
		return 0
	case StatusNotified:
		return 1
	default:
		return 2
	}
}

// ParseDoseStatus converts a persisted or user supplied value
func ParseDoseStatus(v string) (DoseStatus, error) {
	s := DoseStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown dose status %q", v)
	}
	return s, nil
}

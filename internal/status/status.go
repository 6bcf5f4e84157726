// Package status holds the project authoring state machine.
package status

import "strings"

type Status string

const (
	Draft       Status = "DRAFT"
	TruthLocked Status = "TRUTH_LOCKED"
	Published   Status = "PUBLISHED"
	Archived    Status = "ARCHIVED"
)

var transitions = map[Status][]Status{
	Draft:       {TruthLocked},
	TruthLocked: {Published, Draft},
	Published:   {Archived},
	Archived:    {},
}

// All lists every project status in lifecycle order.
func All() []Status {
	return []Status{Draft, TruthLocked, Published, Archived}
}

// Normalize matches raw against the known statuses ignoring case and
// surrounding whitespace. ok is false when nothing matches.
func Normalize(raw string) (Status, bool) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if _, known := transitions[candidate]; !known {
		return "", false
	}
	return candidate, true
}

// AllowedNext returns the statuses reachable from current in one step.
// Unknown statuses have no successors.
func AllowedNext(current Status) []Status {
	next := transitions[current]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

func CanTransition(current, next Status) bool {
	for _, candidate := range transitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// RequiresLockedTruth reports whether entering next needs the project's
// truth to be LOCKED first.
func RequiresLockedTruth(next Status) bool {
	return next == TruthLocked || next == Published
}

// IsPublic reports the visibility a project has while in s.
func IsPublic(s Status) bool {
	return s == Published
}

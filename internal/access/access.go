// Package access decides what a requester may do with a project based on
// their relation to its owner.
package access

import "strings"

type Relation string
type Action string

const (
	RelationOwner     Relation = "owner"
	RelationUnclaimed Relation = "unclaimed"
	RelationStranger  Relation = "stranger"
	RelationAnonymous Relation = "anonymous"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Resolve classifies userID against a project's (possibly unset) owner.
func Resolve(ownerID *string, userID string) Relation {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RelationAnonymous
	}
	if ownerID == nil || strings.TrimSpace(*ownerID) == "" {
		return RelationUnclaimed
	}
	if *ownerID == userID {
		return RelationOwner
	}
	return RelationStranger
}

// Can reports whether relation permits action. Writes by an unclaimed
// relation are allowed only after the caller claims ownership.
func Can(relation Relation, action Action, isPublic bool) bool {
	switch relation {
	case RelationOwner:
		return true
	case RelationUnclaimed:
		return action == ActionRead || action == ActionWrite
	case RelationStranger:
		return action == ActionRead && isPublic
	default:
		return false
	}
}

// NeedsClaim reports whether relation must claim the project before writing.
func NeedsClaim(relation Relation) bool {
	return relation == RelationUnclaimed
}

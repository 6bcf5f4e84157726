package access

import "testing"

func ptr(value string) *string { return &value }

func TestResolve(t *testing.T) {
	cases := []struct {
		name    string
		ownerID *string
		userID  string
		want    Relation
	}{
		{name: "owner", ownerID: ptr("usr_1"), userID: "usr_1", want: RelationOwner},
		{name: "stranger", ownerID: ptr("usr_1"), userID: "usr_2", want: RelationStranger},
		{name: "nil owner", ownerID: nil, userID: "usr_2", want: RelationUnclaimed},
		{name: "blank owner", ownerID: ptr(" "), userID: "usr_2", want: RelationUnclaimed},
		{name: "anonymous", ownerID: ptr("usr_1"), userID: "  ", want: RelationAnonymous},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(tc.ownerID, tc.userID); got != tc.want {
				t.Fatalf("Resolve() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCan(t *testing.T) {
	cases := []struct {
		name     string
		relation Relation
		action   Action
		isPublic bool
		allow    bool
	}{
		{name: "owner write", relation: RelationOwner, action: ActionWrite, allow: true},
		{name: "unclaimed write", relation: RelationUnclaimed, action: ActionWrite, allow: true},
		{name: "stranger write", relation: RelationStranger, action: ActionWrite, isPublic: true, allow: false},
		{name: "stranger read private", relation: RelationStranger, action: ActionRead, allow: false},
		{name: "stranger read public", relation: RelationStranger, action: ActionRead, isPublic: true, allow: true},
		{name: "anonymous read public", relation: RelationAnonymous, action: ActionRead, isPublic: true, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.relation, tc.action, tc.isPublic); got != tc.allow {
				t.Fatalf("Can(%q, %q, %v) = %v, want %v", tc.relation, tc.action, tc.isPublic, got, tc.allow)
			}
		})
	}
}

func TestNeedsClaim(t *testing.T) {
	if !NeedsClaim(RelationUnclaimed) {
		t.Fatal("expected unclaimed relation to need a claim")
	}
	if NeedsClaim(RelationOwner) || NeedsClaim(RelationStranger) {
		t.Fatal("expected only unclaimed relation to need a claim")
	}
}

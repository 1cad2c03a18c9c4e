package collab

import "testing"

var allActionTypes = []ActionType{
	ActionViewChange,
	ActionConceptSelect,
	ActionConceptDeselect,
	ActionConceptHighlight,
	ActionConceptFocus,
	ActionRelationshipTrace,
	ActionRelationshipHighlight,
	ActionAnnotationCreate,
	ActionAnnotationUpdate,
	ActionAnnotationDelete,
	ActionCalculationStart,
	ActionCalculationComplete,
	ActionCalculationCancel,
	ActionCursorMove,
	ActionUserJoin,
	ActionUserLeave,
	ActionUserTyping,
	ActionStateSyncRequest,
	ActionConflictResolution,
}

func TestPermissionTableIsTotal(t *testing.T) {
	for _, at := range allActionTypes {
		if !at.Known() {
			t.Fatalf("action type %s missing from permission table", at)
		}
	}
}

func TestUnknownActionTypeDenied(t *testing.T) {
	p := DefaultPermissions(RoleHost)
	if p.Allows(ActionType("time_travel")) {
		t.Fatal("unknown action type must be denied even for hosts")
	}
}

func TestRolePermissions(t *testing.T) {
	cases := []struct {
		role     Role
		action   ActionType
		expected bool
	}{
		{RoleHost, ActionViewChange, true},
		{RoleHost, ActionAnnotationCreate, true},
		{RoleEditor, ActionConceptSelect, true},
		{RoleEditor, ActionCalculationStart, true},
		{RoleViewer, ActionViewChange, false},
		{RoleViewer, ActionAnnotationCreate, true},
		{RoleViewer, ActionCursorMove, true},
		{RoleGuest, ActionConceptSelect, false},
		{RoleGuest, ActionAnnotationCreate, false},
		{RoleGuest, ActionUserTyping, true},
	}
	for _, tc := range cases {
		got := DefaultPermissions(tc.role).Allows(tc.action)
		if got != tc.expected {
			t.Errorf("%s performing %s: got %v, want %v", tc.role, tc.action, got, tc.expected)
		}
	}
}

func TestColorForDeterministic(t *testing.T) {
	a := ColorFor("user-1")
	b := ColorFor("user-1")
	if a != b {
		t.Fatalf("color derivation must be stable: %s != %s", a, b)
	}
	if a == "" {
		t.Fatal("expected a color")
	}
}

func TestSessionValidateSingleHost(t *testing.T) {
	s := &Session{
		SessionID: "s1",
		Participants: map[string]*Participant{
			"u1": {UserID: "u1", Role: RoleHost},
			"u2": {UserID: "u2", Role: RoleHost},
		},
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation error for two hosts")
	}
	s.Participants["u2"].Role = RoleEditor
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionValidateKeyMismatch(t *testing.T) {
	s := &Session{
		SessionID: "s1",
		Participants: map[string]*Participant{
			"u1": {UserID: "other", Role: RoleEditor},
		},
	}
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation error for key/identity mismatch")
	}
}

package collab

import (
	"encoding/json"
	"time"
)

// ActionType enumerates every collaborative intent a client may broadcast.
type ActionType string

const (
	ActionViewChange            ActionType = "view_change"
	ActionConceptSelect         ActionType = "concept_select"
	ActionConceptDeselect       ActionType = "concept_deselect"
	ActionConceptHighlight      ActionType = "concept_highlight"
	ActionConceptFocus          ActionType = "concept_focus"
	ActionRelationshipTrace     ActionType = "relationship_trace"
	ActionRelationshipHighlight ActionType = "relationship_highlight"
	ActionAnnotationCreate      ActionType = "annotation_create"
	ActionAnnotationUpdate      ActionType = "annotation_update"
	ActionAnnotationDelete      ActionType = "annotation_delete"
	ActionCalculationStart      ActionType = "calculation_start"
	ActionCalculationComplete   ActionType = "calculation_complete"
	ActionCalculationCancel     ActionType = "calculation_cancel"
	ActionCursorMove            ActionType = "cursor_move"
	ActionUserJoin              ActionType = "user_join"
	ActionUserLeave             ActionType = "user_leave"
	ActionUserTyping            ActionType = "user_typing"
	ActionStateSyncRequest      ActionType = "session_state_sync"
	ActionConflictResolution    ActionType = "conflict_resolution"
)

// permissionClass groups action types by the capability they require.
type permissionClass int

const (
	classPresence permissionClass = iota
	classEdit
	classAnnotate
)

// actionClasses is the total permission function required by the design:
// every action type maps to exactly one capability class, and an action type
// absent from the table is denied rather than silently permitted.
var actionClasses = map[ActionType]permissionClass{
	ActionViewChange:            classEdit,
	ActionConceptSelect:         classEdit,
	ActionConceptDeselect:       classEdit,
	ActionConceptHighlight:      classEdit,
	ActionConceptFocus:          classEdit,
	ActionRelationshipTrace:     classEdit,
	ActionRelationshipHighlight: classEdit,
	ActionAnnotationCreate:      classAnnotate,
	ActionAnnotationUpdate:      classAnnotate,
	ActionAnnotationDelete:      classAnnotate,
	ActionCalculationStart:      classEdit,
	ActionCalculationComplete:   classPresence,
	ActionCalculationCancel:     classPresence,
	ActionCursorMove:            classPresence,
	ActionUserJoin:              classPresence,
	ActionUserLeave:             classPresence,
	ActionUserTyping:            classPresence,
	ActionStateSyncRequest:      classPresence,
	ActionConflictResolution:    classPresence,
}

// Known reports whether t is an enumerated action type.
func (t ActionType) Known() bool {
	_, ok := actionClasses[t]
	return ok
}

// Allows reports whether the capability set permits an action of type t.
// Unknown action types are always denied.
func (p Permissions) Allows(t ActionType) bool {
	class, ok := actionClasses[t]
	if !ok {
		return false
	}
	switch class {
	case classEdit:
		return p.CanEdit
	case classAnnotate:
		return p.CanAnnotate
	default:
		return true
	}
}

// Action is an immutable, atomic intent to mutate shared state or broadcast
// presence. BaseVersion declares the shared-state version the sender observed
// when creating the action; the sequencer uses it to detect divergence.
type Action struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	UserID      string          `json:"userId"`
	Type        ActionType      `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	BaseVersion int64           `json:"baseVersion,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    string          `json:"priority,omitempty"`
}

// Mutating reports whether an accepted action of type t advances the shared
// state version. Presence and transient-highlight actions fan out without
// touching versioned state.
func (t ActionType) Mutating() bool {
	switch t {
	case ActionViewChange,
		ActionConceptSelect,
		ActionConceptDeselect,
		ActionConceptFocus,
		ActionRelationshipTrace,
		ActionAnnotationCreate,
		ActionAnnotationUpdate,
		ActionAnnotationDelete:
		return true
	default:
		return false
	}
}

// SelectionMode controls how a concept selection combines with the current set.
type SelectionMode string

const (
	SelectionReplace SelectionMode = "replace"
	SelectionAdd     SelectionMode = "add"
	SelectionToggle  SelectionMode = "toggle"
)

// ViewChangePayload moves the shared view.
type ViewChangePayload struct {
	View ViewDescriptor `json:"view"`
}

// ConceptSelectionPayload selects or deselects concepts.
type ConceptSelectionPayload struct {
	ConceptIDs []string      `json:"conceptIds"`
	Mode       SelectionMode `json:"mode,omitempty"`
}

// RelationshipPayload traces or highlights relationships.
type RelationshipPayload struct {
	RelationshipIDs []string `json:"relationshipIds"`
}

// AnnotationPayload carries an annotation create or update.
type AnnotationPayload struct {
	Annotation Annotation `json:"annotation"`
}

// AnnotationDeletePayload removes an annotation by id.
type AnnotationDeletePayload struct {
	AnnotationID string `json:"annotationId"`
}

// ConceptFocusPayload focuses a concept and records an exploration step.
type ConceptFocusPayload struct {
	ConceptID string         `json:"conceptId"`
	View      ViewDescriptor `json:"view"`
}

// CursorMovePayload broadcasts a pointer position.
type CursorMovePayload struct {
	Position CursorPosition `json:"position"`
	Focus    string         `json:"focus,omitempty"`
}

// CalculationPayload tracks a shared calculation's lifecycle.
type CalculationPayload struct {
	CalculationID string `json:"calculationId"`
	Expression    string `json:"expression,omitempty"`
	Result        string `json:"result,omitempty"`
}

package collab

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ViewDescriptor identifies what every participant is looking at.
type ViewDescriptor struct {
	Kind    string   `json:"kind"`
	CenterX float64  `json:"centerX"`
	CenterY float64  `json:"centerY"`
	Zoom    float64  `json:"zoom"`
	Filters []string `json:"filters,omitempty"`
}

// Annotation is a participant note attached to the shared exploration.
type Annotation struct {
	ID        string          `json:"id"`
	AuthorID  string          `json:"authorId"`
	Text      string          `json:"text"`
	Target    string          `json:"target,omitempty"`
	Position  *CursorPosition `json:"position,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ExplorationStep records one stop on the session's exploration path,
// including the view snapshot at the time of the visit.
type ExplorationStep struct {
	ID        string         `json:"id"`
	ConceptID string         `json:"conceptId"`
	View      ViewDescriptor `json:"view"`
	AddedBy   string         `json:"addedBy"`
	VisitedAt time.Time      `json:"visitedAt"`
}

// SharedState is the synchronized payload of a session. Version increases by
// exactly one per accepted mutation; the coordinating side is the ordering
// authority for that counter.
type SharedState struct {
	View                  ViewDescriptor    `json:"view"`
	SelectedConcepts      []string          `json:"selectedConcepts"`
	SelectedRelationships []string          `json:"selectedRelationships"`
	Annotations           []Annotation      `json:"annotations"`
	Path                  []ExplorationStep `json:"path"`
	Version               int64             `json:"version"`
	LastModified          time.Time         `json:"lastModified"`
	LastModifiedBy        string            `json:"lastModifiedBy,omitempty"`
}

// NewSharedState returns the initial state for a fresh session.
func NewSharedState() SharedState {
	return SharedState{
		View:                  ViewDescriptor{Kind: "overview", Zoom: 1},
		SelectedConcepts:      []string{},
		SelectedRelationships: []string{},
		Annotations:           []Annotation{},
		Path:                  []ExplorationStep{},
	}
}

// Apply mutates the state per the action's typed payload. It does not touch
// Version or the modification stamps; the sequencer owns those so the
// version invariant has a single writer. Actions whose type is not Mutating
// are rejected here.
func (s *SharedState) Apply(a Action) error {
	if !a.Type.Mutating() {
		return fmt.Errorf("action type %s does not mutate shared state", a.Type)
	}
	switch a.Type {
	case ActionViewChange:
		var p ViewChangePayload
		if err := unmarshalPayload(a, &p); err != nil {
			return err
		}
		s.View = p.View

	case ActionConceptSelect:
		var p ConceptSelectionPayload
		if err := unmarshalPayload(a, &p); err != nil {
			return err
		}
		s.applySelection(p)

	case ActionConceptDeselect:
		var p ConceptSelectionPayload
		if err := unmarshalPayload(a, &p); err != nil {
			return err
		}
		for _, id := range p.ConceptIDs {
			if i := slices.Index(s.SelectedConcepts, id); i >= 0 {
				s.SelectedConcepts = slices.Delete(s.SelectedConcepts, i, i+1)
			}
		}

	case ActionConceptFocus:
		var p ConceptFocusPayload
		if err := unmarshalPayload(a, &p); err != nil {
			return err
		}
		if p.ConceptID == "" {
			return fmt.Errorf("concept focus requires a conceptId")
		}
		s.Path = append(s.Path, ExplorationStep{
			ID:        a.ID,
			ConceptID: p.ConceptID,
			View:      p.View,
			AddedBy:   a.UserID,
			VisitedAt: a.Timestamp,
		})

	case ActionRelationshipTrace:
		var p RelationshipPayload
		if err := unmarshalPayload(a, &p); err != nil {
			return err
		}
		s.SelectedRelationships = append([]string{}, p.RelationshipIDs...)

	case ActionAnnotationCreate:
		var p AnnotationPayload
		if err := unmarshalPayload(a, &p); err != nil {
			return err
		}
		if p.Annotation.ID == "" {
			return fmt.Errorf("annotation requires an id")
		}
		s.Annotations = append(s.Annotations, p.Annotation)

	case ActionAnnotationUpdate:
		var p AnnotationPayload
		if err := unmarshalPayload(a, &p); err != nil {
			return err
		}
		for i := range s.Annotations {
			if s.Annotations[i].ID == p.Annotation.ID {
				p.Annotation.CreatedAt = s.Annotations[i].CreatedAt
				s.Annotations[i] = p.Annotation
				return nil
			}
		}
		return fmt.Errorf("annotation %s not found", p.Annotation.ID)

	case ActionAnnotationDelete:
		var p AnnotationDeletePayload
		if err := unmarshalPayload(a, &p); err != nil {
			return err
		}
		for i := range s.Annotations {
			if s.Annotations[i].ID == p.AnnotationID {
				s.Annotations = append(s.Annotations[:i], s.Annotations[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("annotation %s not found", p.AnnotationID)
	}
	return nil
}

func (s *SharedState) applySelection(p ConceptSelectionPayload) {
	switch p.Mode {
	case SelectionAdd:
		for _, id := range p.ConceptIDs {
			if !slices.Contains(s.SelectedConcepts, id) {
				s.SelectedConcepts = append(s.SelectedConcepts, id)
			}
		}
	case SelectionToggle:
		for _, id := range p.ConceptIDs {
			if i := slices.Index(s.SelectedConcepts, id); i >= 0 {
				s.SelectedConcepts = slices.Delete(s.SelectedConcepts, i, i+1)
			} else {
				s.SelectedConcepts = append(s.SelectedConcepts, id)
			}
		}
	default: // replace
		s.SelectedConcepts = append([]string{}, p.ConceptIDs...)
	}
}

// AnnotationCountBy returns how many annotations userID authored.
func (s *SharedState) AnnotationCountBy(userID string) int {
	n := 0
	for _, a := range s.Annotations {
		if a.AuthorID == userID {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (s SharedState) Clone() SharedState {
	out := s
	out.View.Filters = append([]string{}, s.View.Filters...)
	out.SelectedConcepts = append([]string{}, s.SelectedConcepts...)
	out.SelectedRelationships = append([]string{}, s.SelectedRelationships...)
	out.Annotations = append([]Annotation{}, s.Annotations...)
	out.Path = append([]ExplorationStep{}, s.Path...)
	return out
}

func unmarshalPayload(a Action, v interface{}) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("action %s has no payload", a.Type)
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", a.Type, err)
	}
	return nil
}

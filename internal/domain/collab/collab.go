package collab

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session id resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned for mutations against an inactive session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrSessionFull is returned when a join would exceed max participants.
	ErrSessionFull = errors.New("session is full")
	// ErrParticipantNotFound is returned when the actor is not in the session.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrParticipantInactive is returned for actions from a departed participant.
	ErrParticipantInactive = errors.New("participant is inactive")
	// ErrPermissionDenied is returned when the actor lacks the capability an
	// action type requires.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrGuestsNotAllowed is returned when guest access is disabled.
	ErrGuestsNotAllowed = errors.New("guest access is disabled for this session")
)

// Role describes a participant's standing within one session.
type Role string

const (
	RoleHost   Role = "host"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleGuest  Role = "guest"
)

// Permissions is the session-scoped capability set of one participant.
// Defaults derive from the role but sessions may override per participant.
type Permissions struct {
	CanEdit     bool `json:"canEdit"`
	CanAnnotate bool `json:"canAnnotate"`
	CanInvite   bool `json:"canInvite"`
	CanExport   bool `json:"canExport"`
}

// DefaultPermissions returns the capability set implied by a role.
func DefaultPermissions(role Role) Permissions {
	switch role {
	case RoleHost:
		return Permissions{CanEdit: true, CanAnnotate: true, CanInvite: true, CanExport: true}
	case RoleEditor:
		return Permissions{CanEdit: true, CanAnnotate: true, CanExport: true}
	case RoleViewer:
		return Permissions{CanAnnotate: true}
	default:
		return Permissions{}
	}
}

// CursorPosition is a participant's pointer location in view coordinates.
type CursorPosition struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	View string  `json:"view,omitempty"`
}

// Participant is a connected identity plus its session-scoped role.
type Participant struct {
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color"`
	Role        Role            `json:"role"`
	Permissions Permissions     `json:"permissions"`
	JoinedAt    time.Time       `json:"joinedAt"`
	Active      bool            `json:"active"`
	Cursor      *CursorPosition `json:"cursor,omitempty"`
	Focus       string          `json:"focus,omitempty"`
}

// Settings configures one session's behavior.
type Settings struct {
	MaxParticipants int    `json:"maxParticipants"`
	AllowGuests     bool   `json:"allowGuests"`
	RequireApproval bool   `json:"requireApproval"`
	AutoSave        bool   `json:"autoSave"`
	SyncLevel       string `json:"syncLevel"`
	AnnotationLimit int    `json:"annotationLimit"`
}

// Session is a named collaboration room. The coordinating side owns the
// authoritative copy; clients hold read-mostly mirrors updated through the
// validated action path only.
type Session struct {
	SessionID    string                  `json:"sessionId"`
	Title        string                  `json:"title"`
	HostID       string                  `json:"hostId"`
	Participants map[string]*Participant `json:"participants"`
	CreatedAt    time.Time               `json:"createdAt"`
	LastActivity time.Time               `json:"lastActivity"`
	Active       bool                    `json:"active"`
	Settings     Settings                `json:"settings"`
	State        SharedState             `json:"state"`
}

// Participant returns the participant for userID, or nil.
func (s *Session) Participant(userID string) *Participant {
	if s.Participants == nil {
		return nil
	}
	return s.Participants[userID]
}

// ActiveCount returns the number of participants still marked active.
func (s *Session) ActiveCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Active {
			n++
		}
	}
	return n
}

// Validate checks the single-host invariant and basic shape.
func (s *Session) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	hosts := 0
	for id, p := range s.Participants {
		if p.UserID != id {
			return fmt.Errorf("participant key %q does not match identity %q", id, p.UserID)
		}
		if p.Role == RoleHost {
			hosts++
		}
	}
	if hosts > 1 {
		return fmt.Errorf("session %s has %d hosts, expected at most one", s.SessionID, hosts)
	}
	return nil
}

var participantPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4",
	"#FFEAA7", "#DDA0DD", "#98D8C8", "#F7DC6F",
	"#BB8FCE", "#85C1E9",
}

// ColorFor derives a display color from an identity. The derivation is
// deterministic so every client renders the same remote cursor color for a
// given participant without coordination.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return participantPalette[h.Sum32()%uint32(len(participantPalette))]
}

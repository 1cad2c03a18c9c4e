package collab

import "time"

// ConflictType classifies a detected divergence.
type ConflictType string

const (
	ConflictConcurrentEdit      ConflictType = "concurrent_edit"
	ConflictStateDivergence     ConflictType = "state_divergence"
	ConflictVersionMismatch     ConflictType = "version_mismatch"
	ConflictPermissionViolation ConflictType = "permission_violation"
)

// ResolutionStrategy names the policy applied to a conflict.
type ResolutionStrategy string

const (
	ResolveLastWriterWins ResolutionStrategy = "last_writer_wins"
	ResolveMergeChanges   ResolutionStrategy = "merge_changes"
	ResolveUserChoice     ResolutionStrategy = "user_choice"
	ResolveRollback       ResolutionStrategy = "rollback"
)

// Automatic reports whether the strategy resolves without an external
// decision. Only last-writer-wins is automatic; the others hold the
// conflicting actions until someone resolves them.
func (s ResolutionStrategy) Automatic() bool {
	return s == ResolveLastWriterWins
}

// Resolution records how a conflict was settled.
type Resolution struct {
	Strategy        ResolutionStrategy `json:"strategy"`
	ResolvedBy      string             `json:"resolvedBy"`
	ResolvedAt      time.Time          `json:"resolvedAt"`
	WinningActionID string             `json:"winningActionId,omitempty"`
}

// Conflict is a detected divergence between concurrent mutations. Conflicts
// are retained for audit after resolution; they are never replayed.
type Conflict struct {
	ConflictID string       `json:"conflictId"`
	SessionID  string       `json:"sessionId"`
	Type       ConflictType `json:"type"`
	Actions    []Action     `json:"actions"`
	DetectedAt time.Time    `json:"detectedAt"`
	Resolution *Resolution  `json:"resolution,omitempty"`
}

// Resolved reports whether the conflict has been settled.
func (c *Conflict) Resolved() bool {
	return c.Resolution != nil
}

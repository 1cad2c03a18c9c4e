package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/explorehub/explorehub/internal/domain/collab"
	"github.com/explorehub/explorehub/internal/infrastructure/metrics"
	"github.com/explorehub/explorehub/internal/protocol"
)

// Broadcaster fans envelopes out to the clients attached to a session.
// Implemented by the websocket hub.
type Broadcaster interface {
	BroadcastToSession(sessionID, excludeUserID string, env protocol.Envelope)
	SendToUser(sessionID, userID string, env protocol.Envelope)
}

// Config holds session coordination defaults.
type Config struct {
	DefaultMaxParticipants int
	DefaultStrategy        collab.ResolutionStrategy
	AnnotationLimit        int
	IdleTimeout            time.Duration
}

func (c *Config) withDefaults() {
	if c.DefaultMaxParticipants <= 0 {
		c.DefaultMaxParticipants = 10
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = collab.ResolveLastWriterWins
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
}

// Service coordinates collaboration sessions. Every session is owned by one
// worker goroutine that serializes its mutations, making the shared-state
// version a total order per session while separate sessions run in parallel.
type Service struct {
	cfg         Config
	logger      zerolog.Logger
	metrics     *metrics.Collector
	broadcaster Broadcaster

	mu      sync.RWMutex
	workers map[string]*worker
}

// NewService creates the session coordinator.
func NewService(cfg Config, broadcaster Broadcaster, logger zerolog.Logger, collector *metrics.Collector) *Service {
	cfg.withDefaults()
	return &Service{
		cfg:         cfg,
		logger:      logger.With().Str("service", "session").Logger(),
		metrics:     collector,
		broadcaster: broadcaster,
		workers:     make(map[string]*worker),
	}
}

// worker owns exactly one session. All reads and writes of the session go
// through exec, which runs closures on the owning goroutine.
type worker struct {
	session    *collab.Session
	conflicts  []*collab.Conflict
	lastAction *collab.Action

	cmds chan func()
	done chan struct{}
	stop sync.Once
}

func newWorker(s *collab.Session) *worker {
	w := &worker{
		session: s,
		cmds:    make(chan func(), 64),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	for {
		select {
		case fn := <-w.cmds:
			fn()
		case <-w.done:
			return
		}
	}
}

func (w *worker) exec(fn func()) error {
	ran := make(chan struct{})
	select {
	case w.cmds <- func() { fn(); close(ran) }:
	case <-w.done:
		return collab.ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-w.done:
		return collab.ErrSessionClosed
	}
}

func (w *worker) shutdown() {
	w.stop.Do(func() { close(w.done) })
}

func (s *Service) worker(sessionID string) (*worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[sessionID]
	if !ok {
		return nil, collab.ErrSessionNotFound
	}
	return w, nil
}

// CreateSessionInput describes a host's request for a new room.
type CreateSessionInput struct {
	HostID   string
	HostName string
	Title    string
	Settings collab.Settings
}

// CreateSession registers a new session owned by the given host. The host
// still joins through the websocket path like any other participant.
func (s *Service) CreateSession(in CreateSessionInput) (*collab.Session, error) {
	if strings.TrimSpace(in.HostID) == "" {
		return nil, fmt.Errorf("host id is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = "exploration session"
	}
	settings := in.Settings
	if settings.MaxParticipants <= 0 {
		settings.MaxParticipants = s.cfg.DefaultMaxParticipants
	}
	if settings.AnnotationLimit <= 0 {
		settings.AnnotationLimit = s.cfg.AnnotationLimit
	}

	now := time.Now().UTC()
	sess := &collab.Session{
		SessionID:    uuid.NewString(),
		Title:        title,
		HostID:       in.HostID,
		Participants: make(map[string]*collab.Participant),
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
		Settings:     settings,
		State:        collab.NewSharedState(),
	}

	s.mu.Lock()
	s.workers[sess.SessionID] = newWorker(sess)
	s.mu.Unlock()
	s.metrics.ActiveSessions.Inc()

	s.logger.Info().
		Str("session_id", sess.SessionID).
		Str("host_id", in.HostID).
		Msg("session created")
	return snapshotSession(sess), nil
}

// JoinSession adds or reactivates a participant and returns a session
// snapshot for the joiner's mirror. The role request is clamped by session
// settings: guests need AllowGuests, and RequireApproval downgrades
// non-host joiners to viewer until the host promotes them.
func (s *Service) JoinSession(sessionID, userID, displayName string, requested collab.Role) (*collab.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	w, err := s.worker(sessionID)
	if err != nil {
		return nil, err
	}

	var snap *collab.Session
	var joinErr error
	execErr := w.exec(func() {
		sess := w.session
		if !sess.Active {
			joinErr = collab.ErrSessionClosed
			return
		}
		role := resolveRole(sess, userID, requested)
		if role == collab.RoleGuest && !sess.Settings.AllowGuests {
			joinErr = collab.ErrGuestsNotAllowed
			return
		}

		now := time.Now().UTC()
		if existing := sess.Participant(userID); existing != nil {
			existing.Active = true
			existing.DisplayName = pickName(displayName, existing.DisplayName)
		} else {
			if sess.ActiveCount() >= sess.Settings.MaxParticipants {
				joinErr = collab.ErrSessionFull
				return
			}
			sess.Participants[userID] = &collab.Participant{
				UserID:      userID,
				DisplayName: pickName(displayName, userID),
				Color:       collab.ColorFor(userID),
				Role:        role,
				Permissions: collab.DefaultPermissions(role),
				JoinedAt:    now,
				Active:      true,
			}
		}
		sess.LastActivity = now
		snap = snapshotSession(sess)
	})
	if execErr != nil {
		return nil, execErr
	}
	if joinErr != nil {
		return nil, joinErr
	}

	s.broadcastSessionUpdate(snap, userID)
	s.broadcastPresence(snap.SessionID, userID, collab.ActionUserJoin)
	s.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Msg("participant joined")
	return snap, nil
}

// LeaveSession removes a participant. A departing host hands the session to
// the longest-joined active editor; with nobody left to promote, the session
// ends (single-host invariant).
func (s *Service) LeaveSession(sessionID, userID string) error {
	w, err := s.worker(sessionID)
	if err != nil {
		return err
	}

	var snap *collab.Session
	var ended bool
	execErr := w.exec(func() {
		sess := w.session
		p := sess.Participant(userID)
		if p == nil {
			return
		}
		p.Active = false
		delete(sess.Participants, userID)
		sess.LastActivity = time.Now().UTC()

		if sess.HostID == userID {
			if next := promoteHost(sess); next != nil {
				sess.HostID = next.UserID
			} else {
				sess.Active = false
				ended = true
			}
		}
		snap = snapshotSession(sess)
	})
	if execErr != nil {
		return execErr
	}
	if snap == nil {
		return collab.ErrParticipantNotFound
	}

	s.broadcastPresence(sessionID, userID, collab.ActionUserLeave)
	s.broadcastSessionUpdate(snap, userID)
	if ended {
		s.removeSession(sessionID)
	}
	return nil
}

// Disconnect marks a participant inactive without removing them, so a
// dropped connection can rejoin and pick up where it left off.
func (s *Service) Disconnect(sessionID, userID string) error {
	w, err := s.worker(sessionID)
	if err != nil {
		return err
	}
	var snap *collab.Session
	execErr := w.exec(func() {
		p := w.session.Participant(userID)
		if p == nil {
			return
		}
		p.Active = false
		w.session.LastActivity = time.Now().UTC()
		snap = snapshotSession(w.session)
	})
	if execErr != nil {
		return execErr
	}
	if snap == nil {
		return collab.ErrParticipantNotFound
	}
	s.broadcastSessionUpdate(snap, userID)
	return nil
}

// ApplyAction is the single validated mutation path for shared state. It
// enforces permissions, sequences the mutation, advances the version, detects
// conflicts, and fans the accepted action out to every other participant.
func (s *Service) ApplyAction(action collab.Action) error {
	w, err := s.worker(action.SessionID)
	if err != nil {
		return err
	}

	var applyErr error
	var conflict *collab.Conflict
	var applied bool
	execErr := w.exec(func() {
		applied, conflict, applyErr = s.sequence(w, action)
	})
	if execErr != nil {
		return execErr
	}
	if applyErr != nil {
		s.metrics.ActionsRejected.Inc()
		return applyErr
	}

	if conflict != nil {
		s.metrics.ConflictsDetected.WithLabelValues(string(conflict.Type)).Inc()
		s.broadcastConflict(conflict)
	}
	if applied {
		s.metrics.ActionsApplied.WithLabelValues(string(action.Type)).Inc()
		if env, err := protocol.New(protocol.TypeActionBroadcast, action.SessionID, action.UserID, action); err == nil {
			s.broadcaster.BroadcastToSession(action.SessionID, action.UserID, env)
		}
	}
	return nil
}

// sequence runs on the session's owning goroutine.
func (s *Service) sequence(w *worker, action collab.Action) (bool, *collab.Conflict, error) {
	sess := w.session
	if !sess.Active {
		return false, nil, collab.ErrSessionClosed
	}
	p := sess.Participant(action.UserID)
	if p == nil {
		return false, nil, collab.ErrParticipantNotFound
	}
	if !p.Active {
		return false, nil, collab.ErrParticipantInactive
	}
	if !p.Permissions.Allows(action.Type) {
		w.conflicts = append(w.conflicts, &collab.Conflict{
			ConflictID: uuid.NewString(),
			SessionID:  sess.SessionID,
			Type:       collab.ConflictPermissionViolation,
			Actions:    []collab.Action{action},
			DetectedAt: time.Now().UTC(),
			Resolution: &collab.Resolution{
				Strategy:   collab.ResolveLastWriterWins,
				ResolvedBy: "system",
				ResolvedAt: time.Now().UTC(),
			},
		})
		return false, nil, collab.ErrPermissionDenied
	}
	if action.Type == collab.ActionAnnotationCreate && sess.Settings.AnnotationLimit > 0 {
		if sess.State.AnnotationCountBy(action.UserID) >= sess.Settings.AnnotationLimit {
			return false, nil, fmt.Errorf("annotation limit of %d reached for %s", sess.Settings.AnnotationLimit, action.UserID)
		}
	}

	sess.LastActivity = time.Now().UTC()
	s.trackPresence(p, action)

	if !action.Type.Mutating() {
		return true, nil, nil
	}
	return s.sequenceMutation(w, action)
}

func (s *Service) sequenceMutation(w *worker, action collab.Action) (bool, *collab.Conflict, error) {
	sess := w.session
	current := sess.State.Version

	switch {
	case action.BaseVersion == current:
		if err := sess.State.Apply(action); err != nil {
			return false, nil, err
		}
		s.commit(w, action)
		return true, nil, nil

	case action.BaseVersion < current:
		conflict := s.newVersionConflict(w, action, current)
		strategy := s.strategyFor(sess)
		if !strategy.Automatic() && !(strategy == collab.ResolveMergeChanges && mergeable(w.lastAction, action)) {
			w.conflicts = append(w.conflicts, conflict)
			return false, conflict, nil
		}
		// Last-writer-wins rebases the newer edit onto the current state;
		// an older timestamp loses to what is already applied. Disjoint
		// merge-changes rebases unconditionally.
		if strategy == collab.ResolveLastWriterWins && !action.Timestamp.After(sess.State.LastModified) {
			conflict.Resolution = resolvedBySystem(strategy, "")
			w.conflicts = append(w.conflicts, conflict)
			return false, conflict, nil
		}
		if err := sess.State.Apply(action); err != nil {
			return false, nil, err
		}
		s.commit(w, action)
		conflict.Resolution = resolvedBySystem(strategy, action.ID)
		w.conflicts = append(w.conflicts, conflict)
		return true, conflict, nil

	default: // BaseVersion > current: the client claims a future version.
		conflict := &collab.Conflict{
			ConflictID: uuid.NewString(),
			SessionID:  sess.SessionID,
			Type:       collab.ConflictStateDivergence,
			Actions:    []collab.Action{action},
			DetectedAt: time.Now().UTC(),
		}
		w.conflicts = append(w.conflicts, conflict)
		return false, conflict, nil
	}
}

func (s *Service) commit(w *worker, action collab.Action) {
	w.session.State.Version++
	w.session.State.LastModified = action.Timestamp
	w.session.State.LastModifiedBy = action.UserID
	cp := action
	w.lastAction = &cp
}

func (s *Service) newVersionConflict(w *worker, action collab.Action, current int64) *collab.Conflict {
	ctype := collab.ConflictVersionMismatch
	if action.BaseVersion == current-1 {
		// Both writers started from the same base version.
		ctype = collab.ConflictConcurrentEdit
	}
	actions := []collab.Action{action}
	if w.lastAction != nil {
		actions = []collab.Action{*w.lastAction, action}
	}
	return &collab.Conflict{
		ConflictID: uuid.NewString(),
		SessionID:  w.session.SessionID,
		Type:       ctype,
		Actions:    actions,
		DetectedAt: time.Now().UTC(),
	}
}

func (s *Service) strategyFor(sess *collab.Session) collab.ResolutionStrategy {
	if sess.Settings.SyncLevel != "" {
		if st := collab.ResolutionStrategy(sess.Settings.SyncLevel); st.Automatic() ||
			st == collab.ResolveMergeChanges || st == collab.ResolveUserChoice || st == collab.ResolveRollback {
			return st
		}
	}
	return s.cfg.DefaultStrategy
}

// mergeable reports whether two mutations touch disjoint state fields, which
// is what field-wise merge requires.
func mergeable(applied *collab.Action, incoming collab.Action) bool {
	if applied == nil {
		return false
	}
	return applied.Type != incoming.Type
}

func resolvedBySystem(strategy collab.ResolutionStrategy, winner string) *collab.Resolution {
	return &collab.Resolution{
		Strategy:        strategy,
		ResolvedBy:      "system",
		ResolvedAt:      time.Now().UTC(),
		WinningActionID: winner,
	}
}

func (s *Service) trackPresence(p *collab.Participant, action collab.Action) {
	switch action.Type {
	case collab.ActionCursorMove:
		var payload collab.CursorMovePayload
		if err := actionPayload(action, &payload); err == nil {
			pos := payload.Position
			p.Cursor = &pos
			if payload.Focus != "" {
				p.Focus = payload.Focus
			}
		}
	case collab.ActionConceptFocus:
		var payload collab.ConceptFocusPayload
		if err := actionPayload(action, &payload); err == nil {
			p.Focus = payload.ConceptID
		}
	}
}

// Snapshot returns a deep copy of the session for read-only use.
func (s *Service) Snapshot(sessionID string) (*collab.Session, error) {
	w, err := s.worker(sessionID)
	if err != nil {
		return nil, err
	}
	var snap *collab.Session
	if err := w.exec(func() { snap = snapshotSession(w.session) }); err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSessions returns snapshots of every live session.
func (s *Service) ListSessions() []*collab.Session {
	s.mu.RLock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]*collab.Session, 0, len(ids))
	for _, id := range ids {
		if snap, err := s.Snapshot(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// EndSession deactivates and removes a session. Only the host may end it.
func (s *Service) EndSession(sessionID, userID string) error {
	w, err := s.worker(sessionID)
	if err != nil {
		return err
	}
	var endErr error
	var snap *collab.Session
	execErr := w.exec(func() {
		if w.session.HostID != userID {
			endErr = collab.ErrPermissionDenied
			return
		}
		w.session.Active = false
		snap = snapshotSession(w.session)
	})
	if execErr != nil {
		return execErr
	}
	if endErr != nil {
		return endErr
	}
	s.broadcastSessionUpdate(snap, "")
	s.removeSession(sessionID)
	s.logger.Info().Str("session_id", sessionID).Msg("session ended by host")
	return nil
}

// ListConflicts returns the audit trail of detected conflicts.
func (s *Service) ListConflicts(sessionID string) ([]*collab.Conflict, error) {
	w, err := s.worker(sessionID)
	if err != nil {
		return nil, err
	}
	var out []*collab.Conflict
	if err := w.exec(func() {
		out = make([]*collab.Conflict, len(w.conflicts))
		copy(out, w.conflicts)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveConflict settles a pending conflict. For user_choice the winning
// action id selects which held action to apply; rollback discards the held
// actions and keeps the last agreed state.
func (s *Service) ResolveConflict(sessionID, conflictID, resolvedBy string, strategy collab.ResolutionStrategy, winningActionID string) error {
	w, err := s.worker(sessionID)
	if err != nil {
		return err
	}
	var resolveErr error
	var resolved *collab.Conflict
	execErr := w.exec(func() {
		var target *collab.Conflict
		for _, c := range w.conflicts {
			if c.ConflictID == conflictID {
				target = c
				break
			}
		}
		if target == nil {
			resolveErr = fmt.Errorf("conflict not found: %s", conflictID)
			return
		}
		if target.Resolved() {
			resolveErr = fmt.Errorf("conflict %s is already resolved", conflictID)
			return
		}
		if strategy == collab.ResolveUserChoice || strategy == collab.ResolveMergeChanges {
			for _, a := range target.Actions {
				if a.ID != winningActionID || !a.Type.Mutating() {
					continue
				}
				if err := w.session.State.Apply(a); err != nil {
					resolveErr = err
					return
				}
				s.commit(w, a)
			}
		}
		target.Resolution = &collab.Resolution{
			Strategy:        strategy,
			ResolvedBy:      resolvedBy,
			ResolvedAt:      time.Now().UTC(),
			WinningActionID: winningActionID,
		}
		resolved = target
	})
	if execErr != nil {
		return execErr
	}
	if resolveErr != nil {
		return resolveErr
	}
	s.broadcastConflict(resolved)
	s.broadcastStateSync(sessionID)
	return nil
}

// CleanupIdle ends sessions that have been inactive beyond the idle timeout
// with nobody attached. Returns the number of sessions reaped.
func (s *Service) CleanupIdle(now time.Time) int {
	reaped := 0
	for _, snap := range s.ListSessions() {
		if snap.ActiveCount() > 0 {
			continue
		}
		if now.Sub(snap.LastActivity) < s.cfg.IdleTimeout {
			continue
		}
		s.removeSession(snap.SessionID)
		reaped++
		s.logger.Info().Str("session_id", snap.SessionID).Msg("idle session reaped")
	}
	return reaped
}

// Close stops every session worker.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workers {
		w.shutdown()
		delete(s.workers, id)
		s.metrics.ActiveSessions.Dec()
	}
}

func (s *Service) removeSession(sessionID string) {
	s.mu.Lock()
	w, ok := s.workers[sessionID]
	if ok {
		delete(s.workers, sessionID)
	}
	s.mu.Unlock()
	if ok {
		w.shutdown()
		s.metrics.ActiveSessions.Dec()
	}
}

func (s *Service) broadcastSessionUpdate(snap *collab.Session, excludeUserID string) {
	env, err := protocol.New(protocol.TypeSessionUpdate, snap.SessionID, "", snap)
	if err != nil {
		return
	}
	s.broadcaster.BroadcastToSession(snap.SessionID, excludeUserID, env)
	if excludeUserID != "" {
		// The actor still needs the authoritative snapshot for its mirror.
		s.broadcaster.SendToUser(snap.SessionID, excludeUserID, env)
	}
}

func (s *Service) broadcastStateSync(sessionID string) {
	snap, err := s.Snapshot(sessionID)
	if err != nil {
		return
	}
	env, err := protocol.New(protocol.TypeStateSync, sessionID, "", snap.State)
	if err != nil {
		return
	}
	s.broadcaster.BroadcastToSession(sessionID, "", env)
}

// SendStateSync replies to one client with the authoritative shared state.
func (s *Service) SendStateSync(sessionID, userID string) error {
	snap, err := s.Snapshot(sessionID)
	if err != nil {
		return err
	}
	env, err := protocol.New(protocol.TypeStateSync, sessionID, "", snap.State)
	if err != nil {
		return err
	}
	s.broadcaster.SendToUser(sessionID, userID, env)
	return nil
}

func (s *Service) broadcastConflict(c *collab.Conflict) {
	env, err := protocol.New(protocol.TypeConflict, c.SessionID, "", c)
	if err != nil {
		return
	}
	s.broadcaster.BroadcastToSession(c.SessionID, "", env)
}

func (s *Service) broadcastPresence(sessionID, userID string, at collab.ActionType) {
	action := collab.Action{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Type:      at,
		Timestamp: time.Now().UTC(),
	}
	env, err := protocol.New(protocol.TypeActionBroadcast, sessionID, userID, action)
	if err != nil {
		return
	}
	s.broadcaster.BroadcastToSession(sessionID, userID, env)
}

func resolveRole(sess *collab.Session, userID string, requested collab.Role) collab.Role {
	if userID == sess.HostID {
		return collab.RoleHost
	}
	role := requested
	switch role {
	case collab.RoleEditor, collab.RoleViewer, collab.RoleGuest:
	default:
		role = collab.RoleEditor
	}
	if sess.Settings.RequireApproval && role == collab.RoleEditor {
		role = collab.RoleViewer
	}
	return role
}

func promoteHost(sess *collab.Session) *collab.Participant {
	var next *collab.Participant
	for _, p := range sess.Participants {
		if !p.Active || p.Role != collab.RoleEditor {
			continue
		}
		if next == nil || p.JoinedAt.Before(next.JoinedAt) {
			next = p
		}
	}
	if next != nil {
		next.Role = collab.RoleHost
		next.Permissions = collab.DefaultPermissions(collab.RoleHost)
	}
	return next
}

func snapshotSession(sess *collab.Session) *collab.Session {
	cp := *sess
	cp.Participants = make(map[string]*collab.Participant, len(sess.Participants))
	for id, p := range sess.Participants {
		pc := *p
		if p.Cursor != nil {
			cur := *p.Cursor
			pc.Cursor = &cur
		}
		cp.Participants[id] = &pc
	}
	cp.State = sess.State.Clone()
	return &cp
}

func pickName(candidate, fallback string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return fallback
	}
	return candidate
}

func actionPayload(a collab.Action, v interface{}) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("action %s has no payload", a.Type)
	}
	return json.Unmarshal(a.Payload, v)
}

package core

// session_store.go holds import sessions between preview and execute.
//
// Each session is guarded by its own mutex so execute, cancel, draft edits
// and late advisor updates against one handle are serialized, while
// unrelated handles never contend. The state field is the lock that matters
// across calls: Acquire flips Uploaded to Executing and every other mutation
// requires Uploaded, so nothing can change a session mid-commit.
//
// Terminated sessions are removed from the map immediately; any later
// operation on the handle fails with ErrSessionNotFound.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStore is an in-memory index of import sessions backed by an
// ArtifactStore that holds each session's parsed rows.
type SessionStore struct {
	artifacts ArtifactStore
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	mu      sync.Mutex
	session Session
}

// NewSessionStore creates an empty store.
func NewSessionStore(artifacts ArtifactStore) *SessionStore {
	return &SessionStore{
		artifacts: artifacts,
		now:       time.Now,
		sessions:  make(map[string]*sessionEntry),
	}
}

// Create persists table under a new handle and registers sess in Uploaded.
func (s *SessionStore) Create(ctx context.Context, sess Session, table *Table) (string, error) {
	handle := uuid.NewString()

	if err := s.artifacts.Put(ctx, handle, table); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}

	now := s.now()
	sess.Handle = handle
	sess.State = StateUploaded
	sess.CreatedAt = now
	sess.LastTouched = now

	s.mu.Lock()
	s.sessions[handle] = &sessionEntry{session: sess}
	s.mu.Unlock()

	return handle, nil
}

// Get returns a snapshot of the session. Sessions that are executing are
// still visible; terminated ones are not.
func (s *SessionStore) Get(handle string) (Session, error) {
	e, ok := s.lookup(handle)
	if !ok {
		return Session{}, notFound(handle)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if isTerminal(e.session.State) {
		return Session{}, notFound(handle)
	}
	if e.session.State == StateUploaded {
		e.session.LastTouched = s.now()
	}
	return e.session.snapshot(), nil
}

// UpdateDraft stores the operator's in-progress mapping and options.
// It has no commit side effects and is only allowed in Uploaded.
func (s *SessionStore) UpdateDraft(handle string, mapping Mapping, opts ImportOptions) (Session, error) {
	e, ok := s.lookup(handle)
	if !ok {
		return Session{}, notFound(handle)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State != StateUploaded {
		return Session{}, notFound(handle)
	}
	e.session.Mapping = mapping.Clone()
	e.session.Options = opts
	e.session.LastTouched = s.now()
	return e.session.snapshot(), nil
}

// ApplySuggestion records an advisor answer. It reports false, and changes
// nothing, once the session has left Uploaded.
func (s *SessionStore) ApplySuggestion(handle string, sug Suggestion) bool {
	e, ok := s.lookup(handle)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State != StateUploaded {
		return false
	}
	e.session.SuggestedMapping = sug.Mapping.Clone()
	e.session.AdvisorConfidence = sug.Confidence
	e.session.AdvisorNotes = sug.Notes
	return true
}

// Acquire moves the session from Uploaded to Executing and returns the lease
// that owns it. Any other state fails with ErrSessionNotFound.
func (s *SessionStore) Acquire(handle string) (*Lease, error) {
	e, ok := s.lookup(handle)
	if !ok {
		return nil, notFound(handle)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.State != StateUploaded {
		return nil, notFound(handle)
	}
	e.session.State = StateExecuting
	return &Lease{store: s, entry: e, session: e.session.snapshot()}, nil
}

// Cancel terminates an Uploaded session and deletes its artifact.
func (s *SessionStore) Cancel(ctx context.Context, handle string) error {
	e, ok := s.lookup(handle)
	if !ok {
		return notFound(handle)
	}

	e.mu.Lock()
	if e.session.State != StateUploaded {
		e.mu.Unlock()
		return notFound(handle)
	}
	e.session.State = StateCancelled
	e.mu.Unlock()

	s.discard(ctx, handle, "cancelled")
	return nil
}

// Sweep reclaims Uploaded sessions untouched for longer than idle, then
// deletes artifacts older than idle that no live session refers to.
// Executing sessions are never eligible. It returns the number of
// artifacts reclaimed.
func (s *SessionStore) Sweep(ctx context.Context, idle time.Duration) int {
	cutoff := s.now().Add(-idle)

	s.mu.RLock()
	entries := make(map[string]*sessionEntry, len(s.sessions))
	for h, e := range s.sessions {
		entries[h] = e
	}
	s.mu.RUnlock()

	reclaimed := 0
	for handle, e := range entries {
		e.mu.Lock()
		expired := e.session.State == StateUploaded && e.session.LastTouched.Before(cutoff)
		if expired {
			e.session.State = StateCancelled
		}
		e.mu.Unlock()

		if expired {
			s.discard(ctx, handle, "expired")
			reclaimed++
		}
	}

	lister, ok := s.artifacts.(ArtifactLister)
	if !ok {
		return reclaimed
	}

	infos, err := lister.List(ctx)
	if err != nil {
		slog.Warn("list artifacts for sweep", "error", err)
		return reclaimed
	}
	for _, info := range infos {
		if info.ModTime.After(cutoff) {
			continue
		}
		if _, live := s.lookup(info.Key); live {
			continue
		}
		s.deleteArtifact(ctx, info.Key)
		slog.Info("orphan artifact reclaimed", "key", info.Key, "modified", info.ModTime)
		reclaimed++
	}

	return reclaimed
}

// StartSweeper runs Sweep immediately and then every interval until ctx is
// cancelled. It blocks; run it in its own goroutine.
func (s *SessionStore) StartSweeper(ctx context.Context, interval, idle time.Duration) {
	slog.Info("session sweeper started", "interval", interval, "idle_timeout", idle)

	s.runSweep(ctx, idle)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session sweeper stopped")
			return
		case <-ticker.C:
			s.runSweep(ctx, idle)
		}
	}
}

func (s *SessionStore) runSweep(ctx context.Context, idle time.Duration) {
	start := time.Now()
	n := s.Sweep(ctx, idle)
	if n > 0 {
		slog.Info("session sweep completed",
			"reclaimed", n,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionStore) lookup(handle string) (*sessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[handle]
	return e, ok
}

// discard removes a terminated session and its artifact.
func (s *SessionStore) discard(ctx context.Context, handle, reason string) {
	s.mu.Lock()
	delete(s.sessions, handle)
	s.mu.Unlock()

	s.deleteArtifact(ctx, handle)
	slog.Info("import session terminated", "handle", handle, "reason", reason)
}

// deleteArtifact is idempotent: a missing artifact is logged, not returned.
func (s *SessionStore) deleteArtifact(ctx context.Context, key string) {
	err := s.artifacts.Delete(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, ErrArtifactNotFound):
		slog.Warn("artifact already removed", "key", key)
	default:
		slog.Error("delete artifact", "key", key, "error", err)
	}
}

// Lease is exclusive ownership of an Executing session.
// Exactly one of Release or Complete must be called.
type Lease struct {
	store   *SessionStore
	entry   *sessionEntry
	session Session
}

// Session returns the session as it was when the lease was taken.
func (l *Lease) Session() Session {
	return l.session
}

// Table loads the session's parsed rows from the artifact store.
func (l *Lease) Table(ctx context.Context) (*Table, error) {
	t, err := l.store.artifacts.Get(ctx, l.session.Handle)
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", l.session.Handle, err)
	}
	return t, nil
}

// Release returns the session to Uploaded so the operator can retry.
func (l *Lease) Release() {
	l.entry.mu.Lock()
	defer l.entry.mu.Unlock()

	if l.entry.session.State == StateExecuting {
		l.entry.session.State = StateUploaded
		l.entry.session.LastTouched = l.store.now()
	}
}

// Complete terminates the session and deletes its artifact.
func (l *Lease) Complete(ctx context.Context) {
	l.entry.mu.Lock()
	l.entry.session.State = StateCompleted
	l.entry.mu.Unlock()

	l.store.discard(ctx, l.session.Handle, "completed")
}

func (s Session) snapshot() Session {
	out := s
	out.Headers = append([]string(nil), s.Headers...)
	out.Warnings = append([]string(nil), s.Warnings...)
	out.SuggestedMapping = s.SuggestedMapping.Clone()
	out.Mapping = s.Mapping.Clone()
	if s.PreviewRows != nil {
		out.PreviewRows = make([]map[string]string, len(s.PreviewRows))
		for i, row := range s.PreviewRows {
			cp := make(map[string]string, len(row))
			for k, v := range row {
				cp[k] = v
			}
			out.PreviewRows[i] = cp
		}
	}
	return out
}

func isTerminal(state SessionState) bool {
	return state == StateCompleted || state == StateCancelled
}

func notFound(handle string) error {
	return fmt.Errorf("%w: %s", ErrSessionNotFound, handle)
}

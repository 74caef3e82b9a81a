package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrack/internal/platform"
	"github.com/thebtf/solvetrack/pkg/models"
)

// EndedFunc is invoked after a session is removed from the registry. The
// session is no longer reachable from the map, so the callback owns it.
type EndedFunc func(s *Session, reason models.EndReason)

// Registry owns the map of live sessions keyed by tab handle. At most one
// session exists per tab at any time.
type Registry struct {
	mu         sync.Mutex
	sessions   map[int64]*Session
	accountant *Accountant
	now        func() time.Time
	onEnded    EndedFunc
}

// NewRegistry creates an empty session registry.
func NewRegistry(accountant *Accountant) *Registry {
	return &Registry{
		sessions:   make(map[int64]*Session),
		accountant: accountant,
		now:        time.Now,
	}
}

// SetOnSessionEnded installs the terminal-event callback.
func (r *Registry) SetOnSessionEnded(fn EndedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnded = fn
}

// EnsureSession returns the session for a tab, creating one if needed. A
// URL pointing at a different problem first ends the existing session with
// reason navigation; a session's problem id never changes in place.
func (r *Registry) EnsureSession(tabID int64, url string) *Session {
	problemID := platform.ProblemID(url)

	r.mu.Lock()
	if existing, ok := r.sessions[tabID]; ok {
		if existing.ProblemID == problemID {
			existing.URL = url
			r.mu.Unlock()
			return existing
		}
		r.mu.Unlock()
		r.EndSession(tabID, models.EndReasonNavigation)
		r.mu.Lock()
	}

	now := r.now()
	s := &Session{
		TabID:               tabID,
		SessionID:           uuid.NewString(),
		URL:                 url,
		Platform:            platform.Detect(url),
		ProblemID:           problemID,
		StartTime:           now,
		LastActivity:        now,
		LastHeartbeat:       now,
		LastSubmissionCheck: now,
		Focused:             true,
		IsActive:            true,
	}
	r.sessions[tabID] = s
	r.mu.Unlock()

	log.Info().
		Int64("tabId", tabID).
		Str("problemId", problemID).
		Str("platform", string(s.Platform)).
		Msg("Session created")
	return s
}

// EndSession flushes accounting, removes the session, and fires the
// terminal callback. Unknown tab handles are a no-op.
func (r *Registry) EndSession(tabID int64, reason models.EndReason) bool {
	r.mu.Lock()
	s, ok := r.sessions[tabID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.accountant.UpdateActiveTime(s)
	s.IsActive = false
	delete(r.sessions, tabID)
	onEnded := r.onEnded
	r.mu.Unlock()

	log.Info().
		Int64("tabId", tabID).
		Str("problemId", s.ProblemID).
		Str("reason", string(reason)).
		Int64("activeMs", s.ActiveMs).
		Msg("Session ended")

	if onEnded != nil {
		onEnded(s, reason)
	}
	return true
}

// SetFocus flips a session's focus flag, flushing active time accrued
// under the previous focus state first.
func (r *Registry) SetFocus(tabID int64, focused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[tabID]
	if !ok {
		return
	}
	r.accountant.UpdateActiveTime(s)
	s.Focused = focused

	log.Debug().Int64("tabId", tabID).Bool("focused", focused).Msg("Session focus changed")
}

// FocusOnly focuses the named tab and defocuses every other session,
// mirroring a tab-activation signal.
func (r *Registry) FocusOnly(tabID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		r.accountant.UpdateActiveTime(s)
		s.Focused = id == tabID
	}
}

// DefocusAll clears focus on every focused session, mirroring the whole
// window losing focus.
func (r *Registry) DefocusAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.Focused {
			r.accountant.UpdateActiveTime(s)
			s.Focused = false
		}
	}
}

// Get returns the session for a tab handle, or nil.
func (r *Registry) Get(tabID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[tabID]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// TabIDs returns the tab handles of all live sessions.
func (r *Registry) TabIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Snapshots returns read-only views of all live sessions.
func (r *Registry) Snapshots() []models.SessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	snaps := make([]models.SessionSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		snaps = append(snaps, s.Snapshot(now))
	}
	return snaps
}

// EndAll terminates every live session with the given reason. Used at
// shutdown so terminal events are not lost.
func (r *Registry) EndAll(reason models.EndReason) {
	for _, id := range r.TabIDs() {
		r.EndSession(id, reason)
	}
}

// Mutate runs fn on the session for a tab handle under the registry lock,
// flushing active time first when flush is set. It reports whether the
// session existed; unknown handles are ignored per the message contract.
func (r *Registry) Mutate(tabID int64, flush bool, fn func(s *Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[tabID]
	if !ok {
		return false
	}
	if flush {
		r.accountant.UpdateActiveTime(s)
	}
	fn(s)
	return true
}

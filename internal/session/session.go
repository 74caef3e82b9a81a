// Package session provides session lifecycle management for solvetrack:
// the per-tab session model, the registry owning all live sessions, and
// active-time accounting.
package session

import (
	"time"

	"github.com/thebtf/solvetrack/internal/platform"
	"github.com/thebtf/solvetrack/pkg/models"
)

const (
	// MaxCodeHistory bounds the per-session code history; the oldest entry
	// is evicted first.
	MaxCodeHistory = 20

	// MaxProcessedSubmissions bounds the submission dedup set.
	MaxProcessedSubmissions = 50

	// TrimProcessedSubmissionsTo is the size the dedup set is cut down to
	// when it overflows, keeping the most recent keys.
	TrimProcessedSubmissionsTo = 25

	// EndEventHistoryTail is how many code-history entries the terminal
	// event carries.
	EndEventHistoryTail = 5
)

// Session tracks one tab's engagement with one coding problem. It is owned
// exclusively by the Registry; all mutation happens under the registry lock
// via the engine's serialized run loop.
type Session struct {
	TabID        int64
	SessionID    string
	URL          string
	Platform     platform.Platform
	ProblemID    string
	ProblemTitle string

	StartTime           time.Time
	LastActivity        time.Time
	LastHeartbeat       time.Time
	LastSubmissionCheck time.Time
	LastSubmissionTime  time.Time

	ActiveMs int64
	Focused  bool
	IsActive bool

	// StartEmitted records whether ProblemSessionStarted went out. Emission
	// is deferred until a real problem title arrives.
	StartEmitted bool

	Counters        models.Counters
	CurrentCode     string
	CurrentLanguage string
	CodeHistory     []models.CodeSnapshot

	processedOrder []string
	processedSet   map[string]struct{}
}

// UpdateCode stores the latest code snapshot, returning whether the code
// text changed. An empty language keeps the previous one.
func (s *Session) UpdateCode(code, language string) bool {
	if code == "" {
		return false
	}
	changed := s.CurrentCode != code
	s.CurrentCode = code
	if language != "" {
		s.CurrentLanguage = language
	}
	return changed
}

// AppendHistory records a code snapshot, evicting the oldest entry once
// the history exceeds MaxCodeHistory.
func (s *Session) AppendHistory(snap models.CodeSnapshot) {
	s.CodeHistory = append(s.CodeHistory, snap)
	if len(s.CodeHistory) > MaxCodeHistory {
		s.CodeHistory = s.CodeHistory[len(s.CodeHistory)-MaxCodeHistory:]
	}
}

// HistoryTail returns the last n code-history entries.
func (s *Session) HistoryTail(n int) []models.CodeSnapshot {
	if len(s.CodeHistory) <= n {
		return append([]models.CodeSnapshot(nil), s.CodeHistory...)
	}
	return append([]models.CodeSnapshot(nil), s.CodeHistory[len(s.CodeHistory)-n:]...)
}

// MarkSubmissionProcessed records a submission dedup key, reporting whether
// it was new. On overflow the set is trimmed to the most recent keys.
func (s *Session) MarkSubmissionProcessed(key string) bool {
	if s.processedSet == nil {
		s.processedSet = make(map[string]struct{})
	}
	if _, seen := s.processedSet[key]; seen {
		return false
	}

	s.processedSet[key] = struct{}{}
	s.processedOrder = append(s.processedOrder, key)

	if len(s.processedOrder) > MaxProcessedSubmissions {
		cut := len(s.processedOrder) - TrimProcessedSubmissionsTo
		for _, old := range s.processedOrder[:cut] {
			delete(s.processedSet, old)
		}
		s.processedOrder = append([]string(nil), s.processedOrder[cut:]...)
	}
	return true
}

// ProcessedSubmissionCount returns the current dedup set size.
func (s *Session) ProcessedSubmissionCount() int {
	return len(s.processedOrder)
}

// Snapshot produces a read-only view of the session at time now.
func (s *Session) Snapshot(now time.Time) models.SessionSnapshot {
	return models.SessionSnapshot{
		TabID:                s.TabID,
		SessionID:            s.SessionID,
		Platform:             string(s.Platform),
		ProblemID:            s.ProblemID,
		ProblemTitle:         s.ProblemTitle,
		URL:                  s.URL,
		StartTime:            s.StartTime.UnixMilli(),
		LastActivity:         s.LastActivity.UnixMilli(),
		ActiveMs:             s.ActiveMs,
		WallClockMs:          now.Sub(s.StartTime).Milliseconds(),
		Focused:              s.Focused,
		IsActive:             s.IsActive,
		Counters:             s.Counters,
		CurrentLanguage:      s.CurrentLanguage,
		CodeHistoryLen:       len(s.CodeHistory),
		ProcessedSubmissions: len(s.processedOrder),
	}
}

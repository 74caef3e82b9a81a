package session

import (
	"time"

	"github.com/thebtf/solvetrack/internal/config"
)

// Accountant converts raw activity timestamps into accumulated active time.
// It is the single accrual path: every handler that touches activity must
// call UpdateActiveTime before reading or reporting ActiveMs.
type Accountant struct {
	settings *config.Store
	now      func() time.Time
}

// NewAccountant creates an accountant reading the idle threshold from the
// settings store.
func NewAccountant(settings *config.Store) *Accountant {
	return &Accountant{
		settings: settings,
		now:      time.Now,
	}
}

// UpdateActiveTime accrues the elapsed time since the session's last
// activity if the session is active, focused, and the gap is within the
// idle threshold. Gaps beyond the threshold are treated as idle and
// dropped. The last-activity timestamp always advances when accounting
// runs, so a long idle stretch is only ever dropped once.
func (a *Accountant) UpdateActiveTime(s *Session) {
	if s == nil || !s.IsActive || !s.Focused {
		return
	}

	now := a.now()
	elapsed := now.Sub(s.LastActivity)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed <= a.settings.Get().IdleThreshold() {
		s.ActiveMs += elapsed.Milliseconds()
	}
	s.LastActivity = now
}

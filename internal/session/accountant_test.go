package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thebtf/solvetrack/internal/config"
)

func testAccountant(t *testing.T) (*Accountant, *Registry, *time.Time) {
	t.Helper()

	clock := time.UnixMilli(1_700_000_000_000)
	settings := config.NewStore(config.Default())

	accountant := NewAccountant(settings)
	accountant.now = func() time.Time { return clock }
	registry := NewRegistry(accountant)
	registry.now = accountant.now

	return accountant, registry, &clock
}

// TestUpdateActiveTime_AccruesWithinThreshold tests normal accrual.
func TestUpdateActiveTime_AccruesWithinThreshold(t *testing.T) {
	accountant, registry, clock := testAccountant(t)
	sess := registry.EnsureSession(1, "https://leetcode.com/problems/two-sum/")

	*clock = clock.Add(10 * time.Second)
	accountant.UpdateActiveTime(sess)
	assert.Equal(t, int64(10_000), sess.ActiveMs)

	*clock = clock.Add(20 * time.Second)
	accountant.UpdateActiveTime(sess)
	assert.Equal(t, int64(30_000), sess.ActiveMs)
}

// TestUpdateActiveTime_IdleGapDropped tests that gaps over the threshold
// are not accrued but still advance the activity timestamp.
func TestUpdateActiveTime_IdleGapDropped(t *testing.T) {
	accountant, registry, clock := testAccountant(t)
	sess := registry.EnsureSession(1, "https://leetcode.com/problems/two-sum/")

	*clock = clock.Add(40 * time.Second) // over the 30s default threshold
	accountant.UpdateActiveTime(sess)
	assert.Zero(t, sess.ActiveMs)

	// The gap was consumed; a follow-up short gap accrues normally.
	*clock = clock.Add(2 * time.Second)
	accountant.UpdateActiveTime(sess)
	assert.Equal(t, int64(2000), sess.ActiveMs)
}

// TestUpdateActiveTime_SkipsUnfocusedAndEnded tests the no-op guards.
func TestUpdateActiveTime_SkipsUnfocusedAndEnded(t *testing.T) {
	accountant, registry, clock := testAccountant(t)
	sess := registry.EnsureSession(1, "https://leetcode.com/problems/two-sum/")

	sess.Focused = false
	before := sess.LastActivity
	*clock = clock.Add(5 * time.Second)
	accountant.UpdateActiveTime(sess)
	assert.Zero(t, sess.ActiveMs)
	assert.Equal(t, before, sess.LastActivity)

	sess.Focused = true
	sess.IsActive = false
	accountant.UpdateActiveTime(sess)
	assert.Zero(t, sess.ActiveMs)

	// Nil session must not panic.
	accountant.UpdateActiveTime(nil)
}

// TestIdleScenario replays the keystroke-idle-keystroke sequence: a 1s
// active gap accrues, a 40s idle gap is dropped, both pings count.
func TestIdleScenario(t *testing.T) {
	accountant, registry, clock := testAccountant(t)
	_ = accountant

	sess := registry.EnsureSession(1, "https://leetcode.com/problems/two-sum/")
	assert.Equal(t, "two-sum", sess.ProblemID)

	ping := func() {
		registry.Mutate(1, true, func(s *Session) {
			s.Counters.Keystrokes++
		})
	}

	*clock = clock.Add(1 * time.Second)
	ping()

	*clock = clock.Add(40 * time.Second)
	ping()

	assert.Equal(t, int64(1000), sess.ActiveMs)
	assert.Equal(t, 2, sess.Counters.Keystrokes)
}

// Package engine runs the serialized message loop that coordinates
// sessions, timers, and event emission. All session mutation flows
// through one goroutine, so handlers never race each other.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrack/internal/config"
	"github.com/thebtf/solvetrack/internal/dispatch"
	"github.com/thebtf/solvetrack/internal/journal"
	"github.com/thebtf/solvetrack/internal/poller"
	"github.com/thebtf/solvetrack/internal/session"
	"github.com/thebtf/solvetrack/pkg/models"
)

const (
	// ExpectedSolveTimeSeconds is the advertised time budget carried on
	// every ProblemSessionStarted event.
	ExpectedSolveTimeSeconds = 1800

	// inboxDepth bounds the message inbox. Reporters send small messages
	// at human speed; hitting this bound means something is very wrong.
	inboxDepth = 256

	// journalTrimEvery is the scheduler-tick period between journal
	// compactions.
	journalTrimEvery = 60
)

// placeholderTitle reports whether a problem title is one of the interim
// values a page shows before it has really loaded. Session-start emission
// waits until the title is real.
func placeholderTitle(title string) bool {
	switch title {
	case "", "(unknown)", "(loading...)":
		return true
	default:
		return false
	}
}

// Engine is the coordination core: it owns the inbox, the scheduler, and
// the only goroutine allowed to mutate sessions.
type Engine struct {
	settings   *config.Store
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	poller     *poller.Poller
	journal    *journal.Store
	version    string

	inbox     chan Message
	now       func() time.Time
	startTime time.Time
	tickCount int64

	burstOffsets []time.Duration

	timerMu     sync.Mutex
	burstTimers []*time.Timer
}

// NewEngine wires the engine together and installs the session-ended
// callback on the registry. The journal may be nil.
func NewEngine(settings *config.Store, registry *session.Registry, dispatcher *dispatch.Dispatcher, p *poller.Poller, jnl *journal.Store, version string) *Engine {
	e := &Engine{
		settings:     settings,
		registry:     registry,
		dispatcher:   dispatcher,
		poller:       p,
		journal:      jnl,
		version:      version,
		inbox:        make(chan Message, inboxDepth),
		now:          time.Now,
		startTime:    time.Now(),
		burstOffsets: poller.BurstOffsets,
	}
	registry.SetOnSessionEnded(e.emitSessionEnded)
	return e
}

// HandleMessage posts a validated message into the engine inbox. It
// blocks only while the inbox is full.
func (e *Engine) HandleMessage(ctx context.Context, msg Message) error {
	select {
	case e.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the inbox and drives the scheduler until ctx is
// cancelled, then ends every live session so their terminal events are
// not lost.
func (e *Engine) Run(ctx context.Context) error {
	tick := e.settings.Get().SchedulerTick()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	log.Info().Dur("tick", tick).Str("version", e.version).Msg("Engine loop started")
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-ticker.C:
			e.handleTick(ctx)
			if next := e.settings.Get().SchedulerTick(); next != tick {
				tick = next
				ticker.Reset(tick)
			}
		case msg := <-e.inbox:
			e.handle(ctx, msg)
		}
	}
}

// Status reports the engine state served by the status API.
func (e *Engine) Status() models.EngineStatus {
	return models.EngineStatus{
		Version:       e.version,
		UptimeSeconds: int64(e.now().Sub(e.startTime).Seconds()),
		Online:        e.dispatcher.Online(),
		QueueDepth:    e.dispatcher.QueueDepth(),
		Sessions:      e.registry.Snapshots(),
	}
}

func (e *Engine) shutdown() {
	e.timerMu.Lock()
	for _, t := range e.burstTimers {
		t.Stop()
	}
	e.burstTimers = nil
	e.timerMu.Unlock()

	e.registry.EndAll(models.EndReasonUnknown)
	log.Info().Msg("Engine loop stopped")
}

func (e *Engine) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case MsgSettingsUpdated:
		e.handleSettingsUpdated(ctx, msg.Settings)
	case MsgSessionStart:
		e.handleSessionStart(ctx, msg.TabID, msg.SessionStart)
	case MsgFocusChange:
		e.registry.SetFocus(msg.TabID, msg.FocusChange.Focused)
	case MsgActivityPing:
		e.handleActivity(msg.TabID, msg.Activity)
	case MsgRunClicked:
		e.handleClick(ctx, msg.TabID, models.ProgressRunClicked, msg.Click)
	case MsgSubmitClicked:
		e.handleClick(ctx, msg.TabID, models.ProgressSubmitClicked, msg.Click)
	case MsgTabRemoved:
		e.registry.EndSession(msg.TabID, models.EndReasonTabClosed)
	case MsgTabActivated:
		e.registry.FocusOnly(msg.TabID)
	case MsgWindowBlur:
		e.registry.DefocusAll()
	case msgBurstPoll:
		go e.poller.Poll(ctx, msg.TabID)
	default:
		log.Warn().Str("type", string(msg.Type)).Msg("Dropping message of unknown type")
	}
}

func (e *Engine) handleSettingsUpdated(ctx context.Context, patch *config.Patch) {
	cfg := e.settings.Apply(*patch)
	log.Info().Int64("generation", e.settings.Generation()).Msg("Settings updated")

	// A backend may have just been configured; parked events can move.
	if cfg.BackendURL != "" && e.dispatcher.QueueDepth() > 0 {
		go e.dispatcher.ProcessRetryQueue(context.WithoutCancel(ctx))
	}
}

func (e *Engine) handleSessionStart(ctx context.Context, tabID int64, data *SessionStartData) {
	e.registry.EnsureSession(tabID, data.ProblemURL)

	cfg := e.settings.Get()
	var started *models.SessionStartedData
	e.registry.Mutate(tabID, false, func(s *session.Session) {
		if !placeholderTitle(data.ProblemTitle) {
			s.ProblemTitle = data.ProblemTitle
		}
		if s.StartEmitted || placeholderTitle(s.ProblemTitle) {
			// Emission waits for a real title; the page will resend
			// SESSION_START once it has one.
			return
		}
		s.StartEmitted = true
		started = &models.SessionStartedData{
			UserID:       cfg.UserID,
			Platform:     string(s.Platform),
			SessionID:    s.SessionID,
			ProblemID:    s.ProblemID,
			ProblemTitle: s.ProblemTitle,
			ProblemURL:   s.URL,
			ExpectedTime: ExpectedSolveTimeSeconds,
		}
	})
	if started == nil {
		return
	}
	if _, err := e.dispatcher.Post(ctx, models.EventSessionStarted, started); err != nil {
		log.Debug().Err(err).Int64("tabId", tabID).Msg("Session start event not delivered directly")
	}
}

func (e *Engine) handleActivity(tabID int64, data *ActivityData) {
	now := e.now()
	e.registry.Mutate(tabID, true, func(s *session.Session) {
		s.Counters.Keystrokes++
		changed := s.UpdateCode(data.Code, data.Language)
		if changed && data.SignificantChange {
			stats := data.Stats
			if stats == nil {
				stats = models.NewCodeStats(s.CurrentCode)
			}
			s.AppendHistory(models.CodeSnapshot{
				Code:      s.CurrentCode,
				Language:  s.CurrentLanguage,
				Stats:     stats,
				Timestamp: now.UnixMilli(),
			})
		}
	})
}

func (e *Engine) handleClick(ctx context.Context, tabID int64, tag models.ProgressTag, data *ClickData) {
	cfg := e.settings.Get()
	now := e.now()

	var progress *models.ProgressData
	e.registry.Mutate(tabID, true, func(s *session.Session) {
		switch tag {
		case models.ProgressRunClicked:
			s.Counters.Runs++
		case models.ProgressSubmitClicked:
			s.Counters.Submissions++
			s.LastSubmissionTime = now
		}
		s.UpdateCode(data.Code, data.Language)
		progress = e.progressData(cfg, s, now, tag)
	})
	if progress == nil {
		return
	}

	if _, err := e.dispatcher.Post(ctx, models.EventProgress, progress); err != nil {
		log.Debug().Err(err).Str("event", string(tag)).Msg("Progress event not delivered directly")
	}

	if tag == models.ProgressSubmitClicked {
		e.scheduleBurstPolls(tabID)
	}
}

// scheduleBurstPolls arms the after-submit feed checks. Each timer posts
// back into the inbox so the poll decision runs on the engine loop, and
// removes itself from the tracked set once it has fired.
func (e *Engine) scheduleBurstPolls(tabID int64) {
	for _, offset := range e.burstOffsets {
		// Registration happens under the same lock the removal takes, so a
		// timer firing immediately still finds itself tracked.
		e.timerMu.Lock()
		var t *time.Timer
		t = time.AfterFunc(offset, func() {
			e.dropBurstTimer(t)
			select {
			case e.inbox <- Message{Type: msgBurstPoll, TabID: tabID}:
			default:
				log.Warn().Int64("tabId", tabID).Msg("Inbox full, dropping burst poll")
			}
		})
		e.burstTimers = append(e.burstTimers, t)
		e.timerMu.Unlock()
	}
}

func (e *Engine) dropBurstTimer(t *time.Timer) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	for i, tracked := range e.burstTimers {
		if tracked == t {
			e.burstTimers = append(e.burstTimers[:i], e.burstTimers[i+1:]...)
			return
		}
	}
}

// handleTick runs the scheduler pass: due heartbeats and due periodic
// submission polls across all live sessions, plus occasional journal
// compaction.
func (e *Engine) handleTick(ctx context.Context) {
	cfg := e.settings.Get()
	now := e.now()

	var heartbeats []*models.ProgressData
	var pollTabs []int64
	for _, tabID := range e.registry.TabIDs() {
		e.registry.Mutate(tabID, true, func(s *session.Session) {
			if now.Sub(s.LastHeartbeat) >= cfg.HeartbeatInterval() {
				s.LastHeartbeat = now
				heartbeats = append(heartbeats, e.progressData(cfg, s, now, ""))
			}
			if cfg.LeetCodeUsername != "" && now.Sub(s.LastSubmissionCheck) >= cfg.SubmissionPollInterval() {
				s.LastSubmissionCheck = now
				pollTabs = append(pollTabs, s.TabID)
			}
		})
	}

	for _, hb := range heartbeats {
		if _, err := e.dispatcher.Post(ctx, models.EventProgress, hb); err != nil {
			log.Debug().Err(err).Str("sessionId", hb.SessionID).Msg("Heartbeat not delivered directly")
		}
	}
	for _, tabID := range pollTabs {
		go e.poller.Poll(ctx, tabID)
	}

	e.tickCount++
	if e.journal != nil && e.tickCount%journalTrimEvery == 0 {
		go func() {
			if err := e.journal.Trim(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("Journal trim failed")
			}
		}()
	}
}

func (e *Engine) progressData(cfg config.Settings, s *session.Session, now time.Time, tag models.ProgressTag) *models.ProgressData {
	return &models.ProgressData{
		UserID:          cfg.UserID,
		Platform:        string(s.Platform),
		SessionID:       s.SessionID,
		ProblemID:       s.ProblemID,
		Event:           tag,
		ActiveMs:        s.ActiveMs,
		WallClockMs:     now.Sub(s.StartTime).Milliseconds(),
		Counters:        s.Counters,
		Focused:         s.Focused,
		CurrentCode:     s.CurrentCode,
		CurrentLanguage: s.CurrentLanguage,
		CodeStats:       models.NewCodeStats(s.CurrentCode),
	}
}

// emitSessionEnded is the registry callback firing the terminal event.
// The session is already detached, so reading it here is safe.
func (e *Engine) emitSessionEnded(s *session.Session, reason models.EndReason) {
	cfg := e.settings.Get()
	data := &models.SessionEndedData{
		UserID:        cfg.UserID,
		Platform:      string(s.Platform),
		SessionID:     s.SessionID,
		ProblemID:     s.ProblemID,
		TotalWallTime: e.now().Sub(s.StartTime).Milliseconds(),
		ActiveMs:      s.ActiveMs,
		Counters:      s.Counters,
		FinalCode:     s.CurrentCode,
		FinalLanguage: s.CurrentLanguage,
		CodeEvolution: s.HistoryTail(session.EndEventHistoryTail),
		Reason:        reason,
	}
	if _, err := e.dispatcher.Post(context.Background(), models.EventSessionEnded, data); err != nil {
		log.Debug().Err(err).Str("sessionId", s.SessionID).Msg("Session end event not delivered directly")
	}
}

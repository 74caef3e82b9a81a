// Package poller periodically matches the external submissions feed
// against live sessions and emits deduplicated ProblemSubmitted events.
package poller

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/solvetrack/internal/config"
	"github.com/thebtf/solvetrack/internal/dispatch"
	"github.com/thebtf/solvetrack/internal/feed"
	"github.com/thebtf/solvetrack/internal/session"
	"github.com/thebtf/solvetrack/pkg/models"
)

// FetchLimit is how many recent submissions each poll requests.
const FetchLimit = 15

// BurstOffsets are the on-demand poll delays after a submit click. The
// external feed lags the judge, so a single immediate check would miss
// most verdicts.
var BurstOffsets = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

// Slugify normalizes an external submission title for comparison against
// a problem id: lowercase with whitespace runs collapsed to hyphens.
func Slugify(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), "-")
}

// Poller runs the matching/dedup routine shared by the periodic poll and
// the after-submit burst.
type Poller struct {
	settings   *config.Store
	feed       *feed.Client
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher

	polls   metric.Int64Counter
	matches metric.Int64Counter
}

// NewPoller creates a submission poller.
func NewPoller(settings *config.Store, feedClient *feed.Client, registry *session.Registry, dispatcher *dispatch.Dispatcher) *Poller {
	meter := otel.Meter("github.com/thebtf/solvetrack/internal/poller")
	p := &Poller{
		settings:   settings,
		feed:       feedClient,
		registry:   registry,
		dispatcher: dispatcher,
	}
	p.polls, _ = meter.Int64Counter("solvetrack.poller.polls")
	p.matches, _ = meter.Int64Counter("solvetrack.poller.matches")
	return p
}

// sessionView is the consistent snapshot a poll works from. The feed fetch
// is a suspension point; the session may be mutated or ended while it is
// in flight, so matching never reads live session fields directly.
type sessionView struct {
	sessionID    string
	platform     string
	problemID    string
	problemTitle string
	currentCode  string
}

// Poll fetches the feed once and emits a ProblemSubmitted event for every
// not-yet-processed submission matching the session's problem, in feed
// order. Feed failures and vanished sessions yield zero matches; neither
// is an error. Returns the number of events emitted.
func (p *Poller) Poll(ctx context.Context, tabID int64) int {
	cfg := p.settings.Get()
	if cfg.LeetCodeUsername == "" {
		return 0
	}

	var view sessionView
	ok := p.registry.Mutate(tabID, false, func(s *session.Session) {
		view = sessionView{
			sessionID:    s.SessionID,
			platform:     string(s.Platform),
			problemID:    s.ProblemID,
			problemTitle: s.ProblemTitle,
			currentCode:  s.CurrentCode,
		}
	})
	if !ok {
		// Session ended before the poll fired; drop it gracefully.
		return 0
	}

	if p.polls != nil {
		p.polls.Add(ctx, 1)
	}

	subs, err := p.feed.Recent(ctx, cfg.LeetCodeUsername, FetchLimit)
	if err != nil {
		log.Warn().Err(err).Int64("tabId", tabID).Msg("Submission feed fetch failed, treating as zero matches")
		return 0
	}

	emitted := 0
	for _, sub := range subs {
		if Slugify(sub.Title) != view.problemID {
			continue
		}

		key := view.problemID + ":" + sub.ID
		isNew := false
		if !p.registry.Mutate(tabID, false, func(s *session.Session) {
			isNew = s.MarkSubmissionProcessed(key)
		}) {
			return emitted
		}
		if !isNew {
			continue
		}

		if p.matches != nil {
			p.matches.Add(ctx, 1)
		}
		log.Info().
			Int64("tabId", tabID).
			Str("problemId", view.problemID).
			Str("submissionId", sub.ID).
			Str("verdict", sub.StatusDisplay).
			Msg("New submission detected")

		data := &models.SubmittedData{
			UserID:       cfg.UserID,
			Platform:     view.platform,
			SessionID:    view.sessionID,
			ProblemID:    view.problemID,
			ProblemTitle: view.problemTitle,
			Verdict:      sub.StatusDisplay,
			Runtime:      sub.Runtime,
			Memory:       sub.Memory,
			Language:     sub.Lang,
			SubmissionID: sub.ID,
			SubmittedAt:  sub.Timestamp,
			Code:         view.currentCode,
		}
		// The event carries the external submission time, not the poll time.
		// An unparseable feed timestamp leaves Timestamp zero (the dispatcher
		// stamps delivery time), but SubmittedAt still holds the raw value.
		data.Timestamp = sub.SubmittedAtMilli()

		if _, err := p.dispatcher.Post(ctx, models.EventSubmitted, data); err != nil {
			log.Warn().Err(err).Str("submissionId", sub.ID).Msg("Submission event parked for retry")
		}
		emitted++
	}
	return emitted
}

// Package models contains domain models for solvetrack.
package models

// EventType identifies a domain event emitted to the collector.
type EventType string

const (
	EventSessionStarted EventType = "ProblemSessionStarted"
	EventProgress       EventType = "ProblemProgress"
	EventSubmitted      EventType = "ProblemSubmitted"
	EventSessionEnded   EventType = "ProblemSessionEnded"
)

// EndReason explains why a session was terminated.
type EndReason string

const (
	EndReasonNavigation EndReason = "navigation"
	EndReasonTabClosed  EndReason = "tab_closed"
	EndReasonUnknown    EndReason = "unknown"
)

// ProgressTag marks what triggered a ProblemProgress event. Empty for
// heartbeats.
type ProgressTag string

const (
	ProgressRunClicked    ProgressTag = "run_clicked"
	ProgressSubmitClicked ProgressTag = "submit_clicked"
)

// Counters holds the per-session action counters.
type Counters struct {
	Runs        int `json:"runs"`
	Submissions int `json:"submissions"`
	Keystrokes  int `json:"keystrokes"`
}

// CodeStats summarizes a code snapshot.
type CodeStats struct {
	Lines int `json:"lines"`
	Chars int `json:"chars"`
	Words int `json:"words"`
}

// CodeSnapshot is one entry of a session's code history.
type CodeSnapshot struct {
	Code      string     `json:"code"`
	Language  string     `json:"language"`
	Stats     *CodeStats `json:"stats,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// EventData is implemented by every outbound event payload. The dispatcher
// stamps a delivery timestamp on payloads that do not already carry one.
type EventData interface {
	EventTimestamp() int64
	SetEventTimestamp(ms int64)
}

// Stamp carries the delivery timestamp shared by all event payloads.
type Stamp struct {
	Timestamp int64 `json:"timestamp"`
}

func (s *Stamp) EventTimestamp() int64      { return s.Timestamp }
func (s *Stamp) SetEventTimestamp(ms int64) { s.Timestamp = ms }

// Envelope is the wire format delivered to the collector.
type Envelope struct {
	EventType EventType `json:"eventType"`
	Data      EventData `json:"data"`
}

// SessionStartedData is the payload of ProblemSessionStarted.
type SessionStartedData struct {
	Stamp
	UserID       string `json:"userId"`
	Platform     string `json:"platform"`
	SessionID    string `json:"sessionId"`
	ProblemID    string `json:"problemId"`
	ProblemTitle string `json:"problemTitle"`
	ProblemURL   string `json:"problemUrl"`
	ExpectedTime int    `json:"expectedTime"`
}

// ProgressData is the payload of ProblemProgress, used for heartbeats and
// run/submit click events.
type ProgressData struct {
	Stamp
	UserID          string      `json:"userId"`
	Platform        string      `json:"platform"`
	SessionID       string      `json:"sessionId"`
	ProblemID       string      `json:"problemId"`
	Event           ProgressTag `json:"event,omitempty"`
	ActiveMs        int64       `json:"activeMs"`
	WallClockMs     int64       `json:"wallClockMs"`
	Counters        Counters    `json:"counters"`
	Focused         bool        `json:"focused"`
	CurrentCode     string      `json:"currentCode,omitempty"`
	CurrentLanguage string      `json:"currentLanguage,omitempty"`
	CodeStats       *CodeStats  `json:"codeStats,omitempty"`
}

// SubmittedData is the payload of ProblemSubmitted. Timestamp carries the
// external feed timestamp of the submission, not the poll time. SubmittedAt
// keeps the feed's raw timestamp string so the external time survives even
// when it cannot be parsed into epoch milliseconds.
type SubmittedData struct {
	Stamp
	UserID       string `json:"userId"`
	Platform     string `json:"platform"`
	SessionID    string `json:"sessionId"`
	ProblemID    string `json:"problemId"`
	ProblemTitle string `json:"problemTitle"`
	Verdict      string `json:"verdict"`
	Runtime      string `json:"runtime,omitempty"`
	Memory       string `json:"memory,omitempty"`
	Language     string `json:"language,omitempty"`
	SubmissionID string `json:"submissionId"`
	SubmittedAt  string `json:"submittedAt,omitempty"`
	Code         string `json:"code,omitempty"`
}

// SessionEndedData is the payload of ProblemSessionEnded.
type SessionEndedData struct {
	Stamp
	UserID        string         `json:"userId"`
	Platform      string         `json:"platform"`
	SessionID     string         `json:"sessionId"`
	ProblemID     string         `json:"problemId"`
	TotalWallTime int64          `json:"totalWallTime"`
	ActiveMs      int64          `json:"activeMs"`
	Counters      Counters       `json:"counters"`
	FinalCode     string         `json:"finalCode,omitempty"`
	FinalLanguage string         `json:"finalLanguage,omitempty"`
	CodeEvolution []CodeSnapshot `json:"codeEvolution"`
	Reason        EndReason      `json:"reason"`
}

// NewCodeStats computes stats for a code snapshot.
func NewCodeStats(code string) *CodeStats {
	if code == "" {
		return nil
	}
	lines := 1
	words := 0
	inWord := false
	for _, r := range code {
		switch {
		case r == '\n':
			lines++
			inWord = false
		case r == ' ' || r == '\t' || r == '\r':
			inWord = false
		default:
			if !inWord {
				words++
				inWord = true
			}
		}
	}
	return &CodeStats{Lines: lines, Chars: len(code), Words: words}
}

package models

// SessionSnapshot is a read-only view of a live session, served by the
// status API for the popup UI.
type SessionSnapshot struct {
	TabID                int64    `json:"tabId"`
	SessionID            string   `json:"sessionId"`
	Platform             string   `json:"platform"`
	ProblemID            string   `json:"problemId"`
	ProblemTitle         string   `json:"problemTitle"`
	URL                  string   `json:"url"`
	StartTime            int64    `json:"startTime"`
	LastActivity         int64    `json:"lastActivity"`
	ActiveMs             int64    `json:"activeMs"`
	WallClockMs          int64    `json:"wallClockMs"`
	Focused              bool     `json:"focused"`
	IsActive             bool     `json:"isActive"`
	Counters             Counters `json:"counters"`
	CurrentLanguage      string   `json:"currentLanguage,omitempty"`
	CodeHistoryLen       int      `json:"codeHistoryLen"`
	ProcessedSubmissions int      `json:"processedSubmissions"`
}

// EngineStatus is the full status report for the popup/status query.
type EngineStatus struct {
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptimeSeconds"`
	Online        bool              `json:"online"`
	QueueDepth    int               `json:"queueDepth"`
	Sessions      []SessionSnapshot `json:"sessions"`
}

package engine

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/thebtf/solvetrack/internal/config"
	"github.com/thebtf/solvetrack/pkg/models"
)

// MessageType tags an inbound reporter message.
type MessageType string

const (
	MsgSettingsUpdated MessageType = "SETTINGS_UPDATED"
	MsgSessionStart    MessageType = "SESSION_START"
	MsgFocusChange     MessageType = "FOCUS_CHANGE"
	MsgActivityPing    MessageType = "ACTIVITY_PING"
	MsgRunClicked      MessageType = "RUN_CLICKED"
	MsgSubmitClicked   MessageType = "SUBMIT_CLICKED"
	MsgTabRemoved      MessageType = "TAB_REMOVED"
	MsgTabActivated    MessageType = "TAB_ACTIVATED"
	MsgWindowBlur      MessageType = "WINDOW_BLUR"

	// Engine-internal kind posted by burst timers, never parsed off the wire.
	msgBurstPoll MessageType = "internal/burst_poll"
)

// SessionStartData is the payload of SESSION_START.
type SessionStartData struct {
	ProblemURL   string `json:"problemUrl"`
	ProblemTitle string `json:"problemTitle"`
}

// FocusChangeData is the payload of FOCUS_CHANGE.
type FocusChangeData struct {
	Focused bool `json:"focused"`
}

// ActivityData is the payload of ACTIVITY_PING.
type ActivityData struct {
	Code              string            `json:"code"`
	Language          string            `json:"language"`
	Stats             *models.CodeStats `json:"stats"`
	CodeChanged       bool              `json:"codeChanged"`
	SignificantChange bool              `json:"significantChange"`
}

// ClickData is the payload of RUN_CLICKED and SUBMIT_CLICKED.
type ClickData struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Message is the closed union of inbound messages. Exactly one payload
// field is set, matching Type.
type Message struct {
	Type  MessageType
	TabID int64

	Settings     *config.Patch
	SessionStart *SessionStartData
	FocusChange  *FocusChangeData
	Activity     *ActivityData
	Click        *ClickData
}

type wireMessage struct {
	Type  MessageType     `json:"type"`
	TabID int64           `json:"tabId"`
	Data  json.RawMessage `json:"data"`
}

// tabScoped reports whether a message kind requires a tab handle.
func tabScoped(t MessageType) bool {
	switch t {
	case MsgSessionStart, MsgFocusChange, MsgActivityPing, MsgRunClicked, MsgSubmitClicked, MsgTabRemoved, MsgTabActivated:
		return true
	default:
		return false
	}
}

// ParseMessage validates a raw wire message and converts it into the
// typed union. Unknown kinds and missing required fields are rejected at
// this boundary so the engine loop only ever sees well-formed input.
func ParseMessage(raw []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, fmt.Errorf("engine: malformed message: %w", err)
	}

	if tabScoped(wire.Type) && wire.TabID == 0 {
		return Message{}, fmt.Errorf("engine: %s requires a tabId", wire.Type)
	}

	msg := Message{Type: wire.Type, TabID: wire.TabID}

	decode := func(dst any) error {
		if len(wire.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(wire.Data, dst); err != nil {
			return fmt.Errorf("engine: invalid %s data: %w", wire.Type, err)
		}
		return nil
	}

	switch wire.Type {
	case MsgSettingsUpdated:
		msg.Settings = &config.Patch{}
		if err := decode(msg.Settings); err != nil {
			return Message{}, err
		}
	case MsgSessionStart:
		msg.SessionStart = &SessionStartData{}
		if err := decode(msg.SessionStart); err != nil {
			return Message{}, err
		}
	case MsgFocusChange:
		msg.FocusChange = &FocusChangeData{}
		if err := decode(msg.FocusChange); err != nil {
			return Message{}, err
		}
	case MsgActivityPing:
		msg.Activity = &ActivityData{}
		if err := decode(msg.Activity); err != nil {
			return Message{}, err
		}
	case MsgRunClicked, MsgSubmitClicked:
		msg.Click = &ClickData{}
		if err := decode(msg.Click); err != nil {
			return Message{}, err
		}
	case MsgTabRemoved, MsgTabActivated, MsgWindowBlur:
		// No payload.
	default:
		return Message{}, fmt.Errorf("engine: unknown message type %q", wire.Type)
	}

	return msg, nil
}

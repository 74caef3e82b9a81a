package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNewCodeStats_TableDriven tests code stat computation.
func TestNewCodeStats_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected *CodeStats
	}{
		{"empty code", "", nil},
		{"single line", "x = 1", &CodeStats{Lines: 1, Chars: 5, Words: 3}},
		{"multi line", "def f():\n    return 1\n", &CodeStats{Lines: 3, Chars: 22, Words: 4}},
		{"tabs and spaces", "a\tb  c", &CodeStats{Lines: 1, Chars: 6, Words: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NewCodeStats(tt.code))
		})
	}
}

// TestStamp tests the shared delivery timestamp behavior.
func TestStamp(t *testing.T) {
	data := &ProgressData{ProblemID: "two-sum"}

	assert.Zero(t, data.EventTimestamp())

	data.SetEventTimestamp(1234)
	assert.Equal(t, int64(1234), data.EventTimestamp())

	// An EventData with a pre-set timestamp keeps it.
	sub := &SubmittedData{SubmissionID: "987"}
	sub.Timestamp = 99
	assert.Equal(t, int64(99), sub.EventTimestamp())
}

// TestEndReasons tests terminal reason constants.
func TestEndReasons(t *testing.T) {
	assert.Equal(t, EndReason("navigation"), EndReasonNavigation)
	assert.Equal(t, EndReason("tab_closed"), EndReasonTabClosed)
	assert.Equal(t, EndReason("unknown"), EndReasonUnknown)
}

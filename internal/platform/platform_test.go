package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDetect_TableDriven tests platform detection for various URLs.
func TestDetect_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected Platform
	}{
		{"leetcode problem", "https://leetcode.com/problems/two-sum/", PlatformLeetCode},
		{"leetcode subdomain", "https://www.leetcode.com/problems/two-sum/description/", PlatformLeetCode},
		{"gfg problem", "https://www.geeksforgeeks.org/problems/reverse-a-string/0", PlatformGFG},
		{"unrelated site", "https://example.com/problems/two-sum", PlatformUnknown},
		{"empty url", "", PlatformUnknown},
		{"garbage", "://not-a-url", PlatformUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Detect(tt.url))
		})
	}
}

// TestProblemID_TableDriven tests problem slug extraction.
func TestProblemID_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"leetcode slug", "https://leetcode.com/problems/two-sum/", "two-sum"},
		{"leetcode with suffix", "https://leetcode.com/problems/add-two-numbers/description/", "add-two-numbers"},
		{"gfg slug", "https://www.geeksforgeeks.org/problems/reverse-a-string/0", "reverse-a-string"},
		{"no problems segment", "https://leetcode.com/contest/weekly", "https://leetcode.com"},
		{"empty url", "", "unknown"},
		{"short non-problem url", "https://a.com/x", "https://a.com/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ProblemID(tt.url))
		})
	}
}

// TestIsProblemPage tests trackable page detection.
func TestIsProblemPage(t *testing.T) {
	assert.True(t, IsProblemPage("https://leetcode.com/problems/two-sum/"))
	assert.True(t, IsProblemPage("https://www.geeksforgeeks.org/problems/reverse-a-string/0"))
	assert.False(t, IsProblemPage("https://leetcode.com/explore/"))
	assert.False(t, IsProblemPage("https://example.com/problems/two-sum"))
	assert.False(t, IsProblemPage(""))
}

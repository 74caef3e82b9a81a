// Package platform identifies the coding-problem site a URL belongs to and
// extracts the canonical problem identifier from it.
package platform

import (
	"net/url"
	"strings"
)

// Platform identifies a supported coding-problem site.
type Platform string

const (
	PlatformLeetCode Platform = "leetcode"
	PlatformGFG      Platform = "gfg"
	PlatformUnknown  Platform = "unknown"
)

// Detect returns the platform a page URL belongs to.
func Detect(rawURL string) Platform {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return PlatformUnknown
	}

	host := parsed.Hostname()
	switch {
	case strings.HasSuffix(host, "leetcode.com"):
		return PlatformLeetCode
	case strings.HasSuffix(host, "geeksforgeeks.org"):
		return PlatformGFG
	default:
		return PlatformUnknown
	}
}

// ProblemID extracts the problem slug from a problem-page URL.
// Both supported platforms use /problems/<slug>/ paths. URLs that do not
// look like problem pages fall back to a short prefix of the raw URL so a
// session key still exists; an empty URL yields "unknown".
func ProblemID(rawURL string) string {
	if rawURL == "" {
		return "unknown"
	}

	parsed, err := url.Parse(rawURL)
	if err == nil {
		parts := splitPath(parsed.Path)
		for i, part := range parts {
			if part == "problems" && i+1 < len(parts) {
				return parts[i+1]
			}
		}
	}

	if len(rawURL) > 20 {
		return rawURL[:20]
	}
	return rawURL
}

// IsProblemPage reports whether a URL points at a trackable problem page.
func IsProblemPage(rawURL string) bool {
	if Detect(rawURL) == PlatformUnknown {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	parts := splitPath(parsed.Path)
	for i, part := range parts {
		if part == "problems" && i+1 < len(parts) {
			return true
		}
	}
	return false
}

func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

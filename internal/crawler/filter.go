package crawler

import (
	"strings"
)

// Filter decides which discovered files become download tasks.
// A nil *Filter accepts everything.
type Filter struct {
	// Accept patterns (glob-style: *.tar, Manifest.*)
	AcceptPatterns []string

	// Reject patterns, checked first
	RejectPatterns []string
}

// NewFilter creates a filter from accept and reject glob patterns.
// It returns nil when both lists are empty.
func NewFilter(accept, reject []string) *Filter {
	accept = cleanPatterns(accept)
	reject = cleanPatterns(reject)
	if len(accept) == 0 && len(reject) == 0 {
		return nil
	}
	return &Filter{AcceptPatterns: accept, RejectPatterns: reject}
}

// Allow reports whether a file with the given name should be mirrored
func (f *Filter) Allow(name string) bool {
	if f == nil {
		return true
	}

	if matchesAny(name, f.RejectPatterns) {
		return false
	}

	if len(f.AcceptPatterns) > 0 {
		return matchesAny(name, f.AcceptPatterns)
	}

	return true
}

// matchesAny checks if name matches any of the glob patterns
func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchGlob(name, pattern) {
			return true
		}
	}
	return false
}

// matchGlob performs case-insensitive glob matching (supports * and ?)
func matchGlob(name, pattern string) bool {
	return simpleGlobMatch(strings.ToLower(name), strings.ToLower(pattern))
}

// simpleGlobMatch implements basic glob matching
func simpleGlobMatch(str, pattern string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			pattern = pattern[1:]
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(str); i++ {
				if simpleGlobMatch(str[i:], pattern) {
					return true
				}
			}
			return false

		case '?':
			if len(str) == 0 {
				return false
			}
			str = str[1:]
			pattern = pattern[1:]

		default:
			if len(str) == 0 || str[0] != pattern[0] {
				return false
			}
			str = str[1:]
			pattern = pattern[1:]
		}
	}

	return len(str) == 0
}

// cleanPatterns splits comma-separated entries and drops blanks
func cleanPatterns(patterns []string) []string {
	var result []string
	for _, entry := range patterns {
		for _, p := range strings.Split(entry, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
	}
	return result
}

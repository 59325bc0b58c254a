package moderation

import (
	"fmt"
	"regexp"
	"strings"
)

// TextResult reports whether a free-text field passed local moderation.
type TextResult struct {
	OK     bool
	Reason string
}

var (
	urlPattern    = regexp.MustCompile(`(?i)(https?://|www\.)\S+`)
	scriptPattern = regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed)`)
	ctrlPattern   = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
)

// blockedTerms are checked on word boundaries after lowercasing. Kept
// short on purpose: this is a pre-filter, not the moderation provider.
var blockedTerms = []string{
	"nude", "naked", "nsfw", "porn", "sex", "xxx", "erotic", "fetish",
	"kill", "gore", "behead",
}

// ValidateText runs the synchronous local checks on a free-text field such
// as a pet name or a custom breed. field names the input for the reason
// message.
func ValidateText(value, field string) TextResult {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return TextResult{OK: false, Reason: fmt.Sprintf("%s cannot be empty", field)}
	}
	if len(trimmed) > 100 {
		return TextResult{OK: false, Reason: fmt.Sprintf("%s is too long (max 100 characters)", field)}
	}
	if ctrlPattern.MatchString(trimmed) {
		return TextResult{OK: false, Reason: fmt.Sprintf("%s contains invalid characters", field)}
	}
	if urlPattern.MatchString(trimmed) {
		return TextResult{OK: false, Reason: fmt.Sprintf("%s cannot contain links", field)}
	}
	if scriptPattern.MatchString(trimmed) {
		return TextResult{OK: false, Reason: fmt.Sprintf("%s contains disallowed markup", field)}
	}

	lower := strings.ToLower(trimmed)
	for _, term := range blockedTerms {
		if containsWord(lower, term) {
			return TextResult{OK: false, Reason: fmt.Sprintf("%s contains inappropriate language", field)}
		}
	}
	return TextResult{OK: true}
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(haystack[start-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

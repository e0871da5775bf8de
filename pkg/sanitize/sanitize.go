package sanitize

import (
	"html"
	"regexp"

	"github.com/carapace-labs/carapace/pkg/contracts"
)

// Dangerous substrings stripped from every string value before escaping.
// Best-effort pattern removal; nested or obfuscated markup that survives
// the pass is neutralized by the HTML escape that follows.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
	regexp.MustCompile(`(?is)<script\b[^>]*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`\bFunction\s*\(`),
}

// CleanString strips the dangerous patterns from s, then HTML-escapes
// the five standard characters (& < > " ').
func CleanString(s string) string {
	for _, p := range dangerousPatterns {
		s = p.ReplaceAllString(s, "")
	}
	return html.EscapeString(s)
}

// CleanValue recursively walks strings, slices, and maps, cleaning every
// string it finds. Non-string scalars pass through untouched. Map keys
// are cleaned as well as values.
func CleanValue(v any) any {
	switch val := v.(type) {
	case string:
		return CleanString(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CleanValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[CleanString(k)] = CleanValue(item)
		}
		return out
	default:
		return val
	}
}

// CleanAction returns a copy of the action with its type and payload
// sanitized. Risk, timestamps, and identifiers are left untouched.
func CleanAction(action contracts.Action) contracts.Action {
	action.Type = CleanString(action.Type)
	if action.Payload != nil {
		cleaned, _ := CleanValue(action.Payload).(map[string]any)
		action.Payload = cleaned
	}
	return action
}

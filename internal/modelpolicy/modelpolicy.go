package modelpolicy

import (
	"regexp"
	"strings"
)

// DefaultModel is used whenever a requested model cannot be resolved
// against the allow-list. The request proceeds with the substitute
// instead of failing; callers surface the substitution to the client.
const DefaultModel = "gpt-4o-mini"

var allowed = map[string]struct{}{
	"gpt-4o":       {},
	"gpt-4o-mini":  {},
	"gpt-4.1":      {},
	"gpt-4.1-mini": {},
}

var aliases = map[string]string{
	"gpt4o":      "gpt-4o",
	"gpt4o-mini": "gpt-4o-mini",
	"gpt4.1":     "gpt-4.1",
	"4o":         "gpt-4o",
	"4o-mini":    "gpt-4o-mini",
}

// dated snapshots like gpt-4o-2024-08-06 collapse to their base model
var snapshotSuffix = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`)

// Resolve normalizes a free-text model label and checks it against the
// allow-list. It never fails: unknown or empty labels resolve to
// DefaultModel with substituted=true so the caller can emit a warning.
func Resolve(label string) (model string, substituted bool) {
	norm := normalize(label)
	if _, ok := allowed[norm]; ok {
		return norm, false
	}
	return DefaultModel, true
}

func normalize(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	s = strings.TrimSuffix(s, "-latest")
	s = snapshotSuffix.ReplaceAllString(s, "")
	if mapped, ok := aliases[s]; ok {
		return mapped
	}
	return s
}

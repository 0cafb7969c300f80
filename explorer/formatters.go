package explorer

import "strings"

// EventLabel returns the explorer display label for an archived event type,
// e.g. "escrow.appeal.side_funded" becomes "Appeal Side Funded".
func EventLabel(eventType string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(eventType), "escrow.")
	if trimmed == "" {
		return "Unknown"
	}
	parts := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == '.' || r == '_'
	})
	for i, part := range parts {
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}

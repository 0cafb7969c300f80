package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder substituted for sensitive values in logs.
const RedactedValue = "[REDACTED]"

// Keys that are safe to log verbatim. Anything else passed through MaskField
// is masked, which keeps bearer tokens and address-linked payloads out of the
// log stream.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"method":    {},
	"addr":      {},
}

// IsAllowlisted reports whether key may be logged without masking.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr that redacts the supplied value unless the
// key is allowlisted. Empty values pass through so absent fields stay absent.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

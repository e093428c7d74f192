package wgconf

import (
	"strings"
)

// quickOnly are wg-quick keys that wg(8) rejects.
var quickOnly = map[string]struct{}{
	"address":    {},
	"dns":        {},
	"mtu":        {},
	"table":      {},
	"preup":      {},
	"postup":     {},
	"predown":    {},
	"postdown":   {},
	"saveconfig": {},
}

// Strip converts a wg-quick file into the runtime form accepted by
// "wg syncconf". Comments and blank lines are dropped.
func Strip(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if key, _, ok := strings.Cut(trimmed, "="); ok {
			if _, drop := quickOnly[strings.ToLower(strings.TrimSpace(key))]; drop {
				continue
			}
		}
		if strings.HasPrefix(trimmed, "[") && b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(trimmed)
		b.WriteString("\n")
	}
	return b.String()
}

package toolexecutor

import (
	"fmt"
	"unicode/utf8"
)

// CapBytes truncates a tool response that exceeds limitBytes and
// appends a notice stating the original size. Responses at or under
// the limit pass through untouched. The cut never splits a UTF-8
// sequence. limitBytes <= 0 disables capping.
func CapBytes(s string, limitBytes int) (string, bool) {
	if limitBytes <= 0 || len(s) <= limitBytes {
		return s, false
	}

	cut := limitBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	notice := fmt.Sprintf("\n... [response truncated: %d of %d bytes]", cut, len(s))
	return s[:cut] + notice, true
}

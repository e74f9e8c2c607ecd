// internal/completion/completion.go
//
// Deciding whether an agent's output genuinely signals completion is the
// highest-risk behavior in churn: a false positive ends the loop with work
// still open. The matcher is a pure text predicate so it can be tested
// exhaustively without any I/O.
//
// A genuine signal means the last non-empty output line is exactly the
// marker token wrapped in the fixed delimiters, with nothing else on the
// line, and no negation cue precedes the token in the output tail. An agent
// that merely mentions the token ("I cannot emit <promise>DONE</promise>
// yet") must not trigger completion.
package completion

import "strings"

const (
	openDelim  = "<promise>"
	closeDelim = "</promise>"

	// DefaultMarker is the token agents are instructed to emit.
	DefaultMarker = "DONE"

	// tailWindow bounds how far back the negation scan looks.
	tailWindow = 500
)

// negationCues discard a textual match when they appear before the token.
// Ambiguity always resolves to "not complete".
var negationCues = []string{
	"cannot",
	"can't",
	"can not",
	"won't",
	"will not",
	"don't",
	"do not",
	"not yet",
	"unable to",
	"never",
}

// Token returns the delimited form of a marker, e.g. "<promise>DONE</promise>".
func Token(marker string) string {
	return openDelim + marker + closeDelim
}

// Match reports whether output ends with a genuine completion signal for
// marker.
func Match(output, marker string) bool {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return false
	}
	line, ok := lastNonEmptyLine(output)
	if !ok {
		return false
	}
	if line != Token(marker) {
		return false
	}
	return !negatedNearToken(output, marker)
}

// lastNonEmptyLine returns the final line of output carrying any
// non-whitespace content.
func lastNonEmptyLine(output string) (string, bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line, true
		}
	}
	return "", false
}

// negatedNearToken scans the tail of the output for a negation cue that
// precedes the marker token.
func negatedNearToken(output, marker string) bool {
	tail := output
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}
	lower := strings.ToLower(tail)
	idx := strings.LastIndex(lower, strings.ToLower(Token(marker)))
	if idx < 0 {
		return false
	}
	before := lower[:idx]
	for _, cue := range negationCues {
		if strings.Contains(before, cue) {
			return true
		}
	}
	return false
}

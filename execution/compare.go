package execution

import (
	"errors"
	"strings"
)

// NormalizeOutput canonicalises program output for comparison: CRLF becomes
// LF, trailing whitespace on every line and trailing blank lines are dropped.
func NormalizeOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// OutputMatches reports whether actual equals expected after normalisation.
func OutputMatches(actual, expected string) bool {
	return NormalizeOutput(actual) == NormalizeOutput(expected)
}

// ClassifyError maps an error to its FailureCode. Errors that do not carry a
// code are internal errors.
func ClassifyError(err error) FailureCode {
	var coder Coder
	if errors.As(err, &coder) {
		return coder.FailureCode()
	}
	return FailureInternal
}

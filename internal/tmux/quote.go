package tmux

import "strings"

// isSafeUnquoted reports whether r never needs quoting when it reaches a
// shell: alnum plus a handful of path/flag punctuation marks.
func isSafeUnquoted(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case '.', '_', '-', '/', ':', '@', '+', '=':
		return true
	}
	return false
}

// ShellQuote renders s as a single shell word. Characters in the safe set
// pass through unquoted; anything else forces single-quoting, with
// embedded single quotes escaped as '\'' (close quote, escaped quote,
// reopen quote). Round-trips through `bash -c 'echo ' + ShellQuote(s)`.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isSafeUnquoted(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellJoin quotes and joins a full argv into one shell command string,
// used when tmux itself needs a shell command string argument (e.g. as the
// command passed to new-session or respawn-pane).
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = ShellQuote(a)
	}
	return strings.Join(parts, " ")
}

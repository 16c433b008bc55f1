// Package classifier maps a scrollback snapshot plus recent log activity
// into a coarse status. It is a pure function package on purpose — no
// tmux calls, no I/O — grounded on the teacher's yoloPattern regex style
// (internal/session/session.go) but generalized from a single yes/no
// permission match into the full rule table.
package classifier

import (
	"regexp"
	"strings"
	"time"
)

type Status string

const (
	StatusWorking    Status = "working"
	StatusWaiting    Status = "waiting"
	StatusPermission Status = "permission"
	StatusUnknown    Status = "unknown"
)

// permissionPatterns matches known permission-prompt phrasing across the
// agent CLIs this controller drives.
var permissionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)do you want to`),
	regexp.MustCompile(`(?i)allow\s+\S.*\?`),
}

// thinkingPatterns matches a trailing "still working" spinner phrase.
var thinkingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(thinking|working|pondering|generating)\.\.\.\s*$`),
	regexp.MustCompile(`esc to interrupt\s*$`),
}

// promptGlyphs matches scrollback ending at an idle prompt with no
// trailing output, one glyph per agent CLI this controller drives.
var promptGlyphs = []*regexp.Regexp{
	regexp.MustCompile(`❯\s*$`),
	regexp.MustCompile(`▌\s*$`),
	regexp.MustCompile(`>\s*$`),
}

// Config carries the timing thresholds the rules are evaluated against.
type Config struct {
	WorkingWindow time.Duration // default 3s
	IdleWindow    time.Duration // default configurable, e.g. 5s
}

func DefaultConfig() Config {
	return Config{WorkingWindow: 3 * time.Second, IdleWindow: 5 * time.Second}
}

// Classify evaluates the rule table top-down against a scrollback
// snapshot. logGrewAt is the last time the scanner observed the log file
// grow (zero value means "never observed growth this run").
func Classify(scrollback string, logGrewAt time.Time, now time.Time, cfg Config) Status {
	trimmed := strings.TrimRight(scrollback, "\n")

	for _, p := range permissionPatterns {
		if p.MatchString(trimmed) {
			return StatusPermission
		}
	}

	if !logGrewAt.IsZero() && now.Sub(logGrewAt) <= cfg.WorkingWindow {
		return StatusWorking
	}
	for _, p := range thinkingPatterns {
		if p.MatchString(trimmed) {
			return StatusWorking
		}
	}

	endsAtPrompt := false
	for _, p := range promptGlyphs {
		if p.MatchString(trimmed) {
			endsAtPrompt = true
			break
		}
	}
	logIdle := logGrewAt.IsZero() || now.Sub(logGrewAt) >= cfg.IdleWindow
	if endsAtPrompt && logIdle {
		return StatusWaiting
	}

	return StatusUnknown
}

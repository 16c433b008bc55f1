// Package matcher pairs agent-session log files with live tmux windows by
// pattern-matching captured scrollback against each log's most recent
// user message. It runs on a dedicated goroutine reachable only through a
// request/response channel, grounded on the teacher's ansiRe stripping
// (internal/session/session.go) generalized from a single yolo-prompt
// match into a per-log message search. Requests are answered one at a
// time in arrival order; no result is discarded.
package matcher

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/agentboard/agentboard/internal/logscan"
	"github.com/agentboard/agentboard/internal/tmux"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][A-Z0-9]|\x1b[=>]`)

var promptGlyphRe = regexp.MustCompile(`[❯▌>]`)

// Request is one correlation ask from the registry: the current window
// set, the current uncorrelated-session candidates keyed by log path, and
// how many scrollback lines to capture per window.
type Request struct {
	Windows         []tmux.Window
	Candidates      []logscan.Entry
	// AlreadyCorrelated maps tmuxTarget -> log path for windows whose
	// session's log has not grown since the last pass (fast-path skip).
	AlreadyCorrelated map[string]string
	ScrollbackLines   int
}

type Result struct {
	MatchSkipped bool
	Matches      map[string]string // tmuxTarget -> logPath
}

// Worker owns the matcher goroutine. Match may be called from any
// goroutine; requests are served one at a time in arrival order and each
// gets its own result. A newer request does not cancel or discard one
// already in flight.
type Worker struct {
	reader tmux.Reader
	reqCh  chan workItem
}

type workItem struct {
	ctx  context.Context
	req  Request
	resp chan Result
}

func NewWorker(reader tmux.Reader) *Worker {
	w := &Worker{reader: reader, reqCh: make(chan workItem)}
	go w.run()
	return w
}

func (w *Worker) run() {
	for item := range w.reqCh {
		select {
		case <-item.ctx.Done():
			item.resp <- Result{}
			continue
		default:
		}
		item.resp <- w.match(item.ctx, item.req)
	}
}

// Match submits req and blocks for its result. The worker goroutine
// handles one request at a time, so a concurrent caller waits until every
// earlier request has been answered. A request whose ctx is already done
// when the worker picks it up gets an empty Result.
func (w *Worker) Match(ctx context.Context, req Request) Result {
	resp := make(chan Result, 1)
	w.reqCh <- workItem{ctx: ctx, req: req, resp: resp}
	return <-resp
}

func (w *Worker) match(ctx context.Context, req Request) Result {
	uncorrelated := uncorrelatedWindows(req.Windows, req.AlreadyCorrelated)
	if len(uncorrelated) == 0 {
		return Result{MatchSkipped: true, Matches: map[string]string{}}
	}

	matches := make(map[string]string)
	claimedLogs := make(map[string]bool)

	for _, win := range uncorrelated {
		scrollback, err := w.reader.CapturePane(ctx, win.Target, req.ScrollbackLines)
		if err != nil {
			continue
		}
		blocks := buildPromptBlocks(scrollback)

		var best *logscan.Entry
		for i := range req.Candidates {
			cand := &req.Candidates[i]
			if claimedLogs[cand.LogPath] || cand.IsCodexSubagent {
				continue
			}
			if !orderedSubsequencePresent(blocks, cand) {
				continue
			}
			if best == nil || betterCandidate(cand, best) {
				best = cand
			}
		}
		if best != nil {
			matches[win.Target] = best.LogPath
			claimedLogs[best.LogPath] = true
		}
	}

	return Result{MatchSkipped: false, Matches: matches}
}

func uncorrelatedWindows(windows []tmux.Window, already map[string]string) []tmux.Window {
	var out []tmux.Window
	for _, w := range windows {
		if _, ok := already[w.Target]; ok {
			continue
		}
		out = append(out, w)
	}
	return out
}

// buildPromptBlocks strips ANSI escapes and splits scrollback into blocks
// delimited by a prompt glyph, mirroring how a user-message turn appears
// right after the CLI's own prompt character.
func buildPromptBlocks(scrollback string) []string {
	clean := ansiRe.ReplaceAllString(scrollback, "")
	lines := strings.Split(clean, "\n")
	var blocks []string
	var cur strings.Builder
	for _, line := range lines {
		cur.WriteString(line)
		cur.WriteByte('\n')
		if promptGlyphRe.MatchString(line) {
			blocks = append(blocks, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		blocks = append(blocks, cur.String())
	}
	return blocks
}

// orderedSubsequencePresent checks whether the candidate's last user
// message appears somewhere in the scrollback blocks. A single
// LastUserMessage (the scanner's tail summary) is what we track per
// candidate, so "ordered subsequence" degrades to "does the last message
// appear in any block"; no ordering against earlier messages is checked.
func orderedSubsequencePresent(blocks []string, cand *logscan.Entry) bool {
	msg := strings.TrimSpace(cand.LastUserMessage)
	if msg == "" {
		return false
	}
	for _, b := range blocks {
		if strings.Contains(b, msg) {
			return true
		}
	}
	return false
}

// betterCandidate breaks ties: prefer matching agent type hints in the
// caller's context (not modeled here since blocks carry no reliable
// per-candidate hint beyond glyph shape), falling back to most recent log
// mtime.
func betterCandidate(a, b *logscan.Entry) bool {
	return a.LastActivityAt.After(b.LastActivityAt)
}

// sortCandidatesByRecency is exposed for callers (e.g. tests) that want a
// deterministic ordering of scanner output before constructing a Request.
func sortCandidatesByRecency(entries []logscan.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastActivityAt.After(entries[j].LastActivityAt)
	})
}

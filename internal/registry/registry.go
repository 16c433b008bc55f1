// Package registry owns the canonical view of tmux windows and agent
// sessions: one goroutine, one mailbox channel, no mutex shared with
// callers. Grounded on the snapshot-exec-apply polling shape of
// other_examples' TmuxMonitor and SessionRegistry, generalized into the
// explicit-task-with-mailbox idiom this module uses everywhere a single
// owner is required (see internal/store's writer goroutine for the same
// pattern applied to the database).
package registry

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/agentboard/agentboard/internal/classifier"
	"github.com/agentboard/agentboard/internal/logscan"
	"github.com/agentboard/agentboard/internal/matcher"
	"github.com/agentboard/agentboard/internal/notify"
	"github.com/agentboard/agentboard/internal/store"
	"github.com/agentboard/agentboard/internal/tmux"
)

// Session is the presentation view: a Window merged with its correlated
// AgentSession (if any) plus a computed status. Windows and AgentSessions
// have distinct lifecycles, joined here at read time.
type Session struct {
	TmuxTarget string
	SessionID  string // empty if uncorrelated
	Window     tmux.Window
	Agent      *store.AgentSession
	Status     classifier.Status
}

// Diff is one coalesced batch of changes, fanned out to every subscriber.
type Diff struct {
	Updated      []Session
	RemovedIDs   []string
	FullSnapshot []Session // non-nil only when the session set's shape changed

	// Created holds windows observed for the first time this tick (a
	// brand-new tmux window, correlated or not yet). Never populated on
	// the registry's very first tick, since there is no prior state to
	// compare against — those windows surface only in FullSnapshot.
	Created []Session
	// Orphaned holds sessions whose correlated window just disappeared
	// out from under them. The session row survives (see
	// store.Store.OrphanSession); this is the edge, not the removal.
	Orphaned []Session
	// Activated holds sessions that regained a window correlation after
	// having none, the inverse edge of Orphaned.
	Activated []Session
}

// ScanDelta is one batch of freshly scanned log candidates, posted by a
// scanner task on its own interval.
type ScanDelta struct {
	Entries []logscan.Entry
}

type Config struct {
	RefreshInterval  time.Duration
	ScrollbackLines  int
	DiscoverPrefixes []string
	Classifier       classifier.Config

	// MonitorTargets gates an extra CapturePane round trip per correlated
	// window each tick so the classifier sees live scrollback (permission
	// prompts, idle glyphs) instead of only log-growth timing. Off by
	// default: on a large fleet of windows the per-tick capture cost adds
	// up, and log-growth alone already drives the working/idle edge.
	MonitorTargets bool
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval: 2 * time.Second,
		ScrollbackLines: 200,
		Classifier:      classifier.DefaultConfig(),
	}
}

type subscriber struct {
	id int
	ch chan Diff
}

// Registry is the single-owner task. Construct with New and call Run in
// its own goroutine; every other method is a mailbox send, safe to call
// from any goroutine.
type Registry struct {
	adapter   tmux.Adapter
	mw        *matcher.Worker
	db        *store.Store
	cfg       Config
	logger    *slog.Logger
	notifiers []notify.Notifier

	opCh      chan func(*state)
	scanCh    chan ScanDelta
	subCh     chan subscriber
	unsubCh   chan int
	nextSubID int
}

type state struct {
	windows      map[string]tmux.Window
	sessions     map[string]*store.AgentSession // sessionID -> row
	prevView     map[string]Session
	prevStatus   map[string]classifier.Status // sessionID -> last classified status
	pendingScans []logscan.Entry
	subs         map[int]chan Diff
	lastGrewAt   map[string]time.Time // logPath -> last observed growth

	knownTargets  map[string]bool // tmux targets already reported via Created
	correlated    map[string]bool // sessionID -> was correlated to a window as of last tick
	seenFirstTick bool
}

func New(adapter tmux.Adapter, mw *matcher.Worker, db *store.Store, cfg Config, logger *slog.Logger, notifiers ...notify.Notifier) *Registry {
	return &Registry{
		adapter:   adapter,
		mw:        mw,
		db:        db,
		cfg:       cfg,
		logger:    logger,
		notifiers: notifiers,
		opCh:      make(chan func(*state), 64),
		scanCh:    make(chan ScanDelta, 16),
		subCh:     make(chan subscriber),
		unsubCh:   make(chan int),
	}
}

// Run owns state exclusively until ctx is done. Must be started in its
// own goroutine exactly once.
func (r *Registry) Run(ctx context.Context) {
	st := &state{
		windows:      make(map[string]tmux.Window),
		sessions:     make(map[string]*store.AgentSession),
		prevView:     make(map[string]Session),
		prevStatus:   make(map[string]classifier.Status),
		subs:         make(map[int]chan Diff),
		lastGrewAt:   make(map[string]time.Time),
		knownTargets: make(map[string]bool),
		correlated:   make(map[string]bool),
	}

	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, ch := range st.subs {
				close(ch)
			}
			return

		case op := <-r.opCh:
			op(st)

		case delta := <-r.scanCh:
			st.pendingScans = append(st.pendingScans, delta.Entries...)

		case sub := <-r.subCh:
			st.subs[sub.id] = sub.ch

		case id := <-r.unsubCh:
			if ch, ok := st.subs[id]; ok {
				close(ch)
				delete(st.subs, id)
			}

		case <-ticker.C:
			// Registry tasks never throw out of their loop: a failed tick
			// is logged and skipped, never left to hang the mailbox.
			if err := r.tick(ctx, st); err != nil {
				r.logger.Warn("registry tick failed", "error", err)
			}
		}
	}
}

// tick runs the five-step algorithm from spec.md §4.7: query tmux, diff,
// apply scanner deltas, correlate via the matcher, classify, then emit.
func (r *Registry) tick(ctx context.Context, st *state) error {
	tickCtx, cancel := context.WithTimeout(ctx, r.cfg.RefreshInterval)
	defer cancel()

	windows, err := r.queryAllWindows(tickCtx)
	if err != nil {
		return err
	}
	newWindows := make(map[string]tmux.Window, len(windows))
	for _, w := range windows {
		newWindows[w.Target] = w
	}

	tickStart := time.Now()
	entries := st.pendingScans
	st.pendingScans = nil
	r.applyScanDeltas(ctx, st, entries)

	alreadyCorrelated := make(map[string]string, len(st.sessions))
	for _, s := range st.sessions {
		if s.CurrentWindow == nil {
			continue
		}
		// A log that grew this tick sends its window back through the
		// matcher; only unchanged logs take the fast-path skip.
		if grewAt, ok := st.lastGrewAt[s.LogFilePath]; ok && !grewAt.Before(tickStart) {
			continue
		}
		alreadyCorrelated[*s.CurrentWindow] = s.LogFilePath
	}

	req := matcher.Request{
		Windows:           windows,
		Candidates:        entries,
		AlreadyCorrelated: alreadyCorrelated,
		ScrollbackLines:   r.cfg.ScrollbackLines,
	}
	result := r.mw.Match(tickCtx, req)
	if !result.MatchSkipped {
		r.applyMatches(ctx, st, result.Matches)
	}

	created := r.detectNewWindows(st, newWindows)
	orphaned := r.detectOrphans(ctx, st, newWindows)
	st.windows = newWindows

	view := r.buildView(tickCtx, st)
	activated := r.detectActivations(st, view)
	r.detectStatusEdges(ctx, st, view)
	r.emit(st, view, created, orphaned, activated)
	return nil
}

// detectNewWindows reports which tmux targets were never seen before this
// tick, marking them known so they are reported at most once. The very
// first tick only populates knownTargets — there is no prior poll to call
// these windows "new" against, so they ride along in the first
// FullSnapshot instead of a synthetic Created burst.
func (r *Registry) detectNewWindows(st *state, newWindows map[string]tmux.Window) []string {
	first := !st.seenFirstTick
	st.seenFirstTick = true

	var created []string
	for target := range newWindows {
		if st.knownTargets[target] {
			continue
		}
		st.knownTargets[target] = true
		if !first {
			created = append(created, target)
		}
	}
	return created
}

// detectActivations reports sessions that regained a window correlation
// this tick after having none last tick — the inverse of detectOrphans.
// A sessionID seen for the very first time here is a fresh correlation,
// not a reactivation, so it is excluded (it surfaces via Created instead).
func (r *Registry) detectActivations(st *state, view map[string]Session) []Session {
	var activated []Session
	seenThisTick := make(map[string]bool, len(view))

	for _, sess := range view {
		if sess.SessionID == "" {
			continue
		}
		seenThisTick[sess.SessionID] = true
		wasKnown := st.correlated[sess.SessionID]
		if _, everSeen := st.correlated[sess.SessionID]; everSeen && !wasKnown {
			activated = append(activated, sess)
		}
		st.correlated[sess.SessionID] = true
	}

	for sid, wasCorrelated := range st.correlated {
		if wasCorrelated && !seenThisTick[sid] {
			st.correlated[sid] = false
		}
	}
	return activated
}

// detectStatusEdges compares each session's freshly classified status
// against what it was last tick and notifies on the two edges spec.md
// calls out: working settling to idle, and a fresh permission prompt.
// Notifiers are best-effort; a failure is logged and never blocks the
// tick.
func (r *Registry) detectStatusEdges(ctx context.Context, st *state, view map[string]Session) {
	if len(r.notifiers) == 0 {
		for _, sess := range view {
			if sess.SessionID != "" {
				st.prevStatus[sess.SessionID] = sess.Status
			}
		}
		return
	}

	for _, sess := range view {
		if sess.SessionID == "" {
			continue
		}
		prev, seen := st.prevStatus[sess.SessionID]
		st.prevStatus[sess.SessionID] = sess.Status

		var kind notify.EventKind
		switch {
		case seen && prev == classifier.StatusWorking && sess.Status == classifier.StatusWaiting:
			kind = notify.EventWorkingToIdle
		case sess.Status == classifier.StatusPermission && prev != classifier.StatusPermission:
			kind = notify.EventPermission
		default:
			continue
		}

		displayName := sess.SessionID
		projectPath := ""
		if sess.Agent != nil {
			if sess.Agent.DisplayName != "" {
				displayName = sess.Agent.DisplayName
			}
			projectPath = sess.Agent.ProjectPath
		}
		event := notify.Event{
			Kind:        kind,
			SessionID:   sess.SessionID,
			DisplayName: displayName,
			ProjectPath: projectPath,
		}
		for _, n := range r.notifiers {
			if err := n.Notify(ctx, event); err != nil {
				r.logger.Warn("registry: notify failed", "session", sess.SessionID, "kind", kind, "error", err)
			}
		}
	}
}

func (r *Registry) queryAllWindows(ctx context.Context) ([]tmux.Window, error) {
	windows, err := r.adapter.ListWindows(ctx, "")
	if err != nil {
		return nil, err
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Target < windows[j].Target })
	return windows, nil
}

func (r *Registry) applyScanDeltas(ctx context.Context, st *state, entries []logscan.Entry) {
	for _, e := range entries {
		existing, err := r.db.GetSessionByLogPath(ctx, e.LogPath)
		if err != nil {
			r.logger.Warn("registry: lookup by log path failed", "path", e.LogPath, "error", err)
			continue
		}
		if existing == nil {
			row := store.AgentSession{
				SessionID:        e.SessionID,
				LogFilePath:      e.LogPath,
				ProjectPath:      e.ProjectPath,
				AgentType:        e.AgentType,
				DisplayName:      e.SessionID,
				CreatedAt:        time.Now(),
				LastActivityAt:   e.LastActivityAt,
				LastUserMessage:  e.LastUserMessage,
				LastKnownLogSize: e.LastKnownLogSize,
			}
			if err := r.db.InsertSession(ctx, row); err != nil {
				r.logger.Warn("registry: insert session failed", "session", e.SessionID, "error", err)
				continue
			}
			existing = &row
		} else {
			if e.LastKnownLogSize > existing.LastKnownLogSize {
				st.lastGrewAt[e.LogPath] = time.Now()
			}
			grown := e.LastKnownLogSize
			lum := e.LastUserMessage
			la := e.LastActivityAt
			_ = r.db.UpdateSession(ctx, existing.SessionID, store.Patch{
				LastKnownLogSize: &grown,
				LastUserMessage:  &lum,
				LastActivityAt:   &la,
			})
			existing.LastKnownLogSize = grown
			existing.LastUserMessage = lum
			existing.LastActivityAt = la
		}
		st.sessions[existing.SessionID] = existing
	}
}

// applyMatches enforces the single-owner invariant: before assigning a
// window to a session, clear whichever session previously owned it.
func (r *Registry) applyMatches(ctx context.Context, st *state, matches map[string]string) {
	for target, logPath := range matches {
		var owner *store.AgentSession
		for _, s := range st.sessions {
			if s.LogFilePath == logPath {
				owner = s
				break
			}
		}
		if owner == nil {
			continue
		}
		for _, s := range st.sessions {
			if s.CurrentWindow != nil && *s.CurrentWindow == target && s.SessionID != owner.SessionID {
				s.CurrentWindow = nil
				_ = r.db.UpdateSession(ctx, s.SessionID, store.Patch{CurrentWindow: doublePtr(nil)})
			}
		}
		t := target
		owner.CurrentWindow = &t
		_ = r.db.UpdateSession(ctx, owner.SessionID, store.Patch{CurrentWindow: doublePtr(&t)})
	}
}

func doublePtr(s *string) **string { return &s }

// detectOrphans walks sessions whose prior window has disappeared from the
// freshly queried set, orphans each in the store, and returns them for the
// connection hub's session-orphaned notification (spec.md §4.9 scenario
// S3) independent of whether the session is later dropped from the diff's
// RemovedIDs for being unpinned and stale.
func (r *Registry) detectOrphans(ctx context.Context, st *state, newWindows map[string]tmux.Window) []Session {
	var orphaned []Session
	for _, s := range st.sessions {
		if s.CurrentWindow == nil {
			continue
		}
		if _, stillThere := newWindows[*s.CurrentWindow]; stillThere {
			continue
		}
		s.CurrentWindow = nil
		if err := r.db.OrphanSession(ctx, s.SessionID); err != nil {
			r.logger.Warn("registry: orphan failed", "session", s.SessionID, "error", err)
			continue
		}
		st.correlated[s.SessionID] = false
		orphaned = append(orphaned, Session{SessionID: s.SessionID, Agent: s, Status: classifier.StatusUnknown})
	}
	return orphaned
}

func (r *Registry) buildView(ctx context.Context, st *state) map[string]Session {
	view := make(map[string]Session, len(st.windows))
	byWindow := make(map[string]*store.AgentSession, len(st.sessions))
	for _, s := range st.sessions {
		if s.CurrentWindow != nil {
			byWindow[*s.CurrentWindow] = s
		}
	}
	for target, w := range st.windows {
		agent := byWindow[target]
		logGrewAt := time.Time{}
		if agent != nil {
			logGrewAt = st.lastGrewAt[agent.LogFilePath]
		}
		status := classifier.StatusUnknown
		if agent != nil {
			scrollback := ""
			// TERMINAL_MONITOR_TARGETS opts into a live capture-pane round
			// trip per correlated window so permission prompts and idle
			// glyphs are seen as they happen; otherwise the rule table
			// only has log-growth timing to go on, still enough to flip
			// working -> waiting.
			if r.cfg.MonitorTargets {
				if text, err := r.adapter.CapturePane(ctx, target, r.cfg.ScrollbackLines); err != nil {
					r.logger.Warn("registry: capture pane failed", "target", target, "error", err)
				} else {
					scrollback = text
				}
			}
			status = classifier.Classify(scrollback, logGrewAt, time.Now(), r.cfg.Classifier)
		}
		sid := ""
		if agent != nil {
			sid = agent.SessionID
		}
		view[target] = Session{TmuxTarget: target, SessionID: sid, Window: w, Agent: agent, Status: status}
	}
	return view
}

// emit diffs view against the previous tick's view and fans the result out
// to every subscriber. A shape change (sessions added or removed) also
// includes a full snapshot, per spec.md §4.7. created/orphaned/activated
// carry the finer-grained edges detectNewWindows/detectOrphans/
// detectActivations already computed this tick, so the connection hub can
// tell session-created/session-orphaned/session-activated apart from a
// plain session-update (spec.md §4.9).
func (r *Registry) emit(st *state, view map[string]Session, created []string, orphaned, activated []Session) {
	createdSet := make(map[string]bool, len(created))
	for _, target := range created {
		createdSet[target] = true
	}

	var updated []Session
	var removed []string
	shapeChanged := len(view) != len(st.prevView)

	for target, sess := range view {
		if createdSet[target] {
			continue
		}
		prev, ok := st.prevView[target]
		if !ok || prev != sess {
			updated = append(updated, sess)
		}
	}
	for target := range st.prevView {
		if _, ok := view[target]; !ok {
			if sid := st.prevView[target].SessionID; sid != "" {
				removed = append(removed, sid)
			}
			shapeChanged = true
		}
	}
	st.prevView = view

	var createdSessions []Session
	for _, target := range created {
		if sess, ok := view[target]; ok {
			createdSessions = append(createdSessions, sess)
		}
	}
	if len(createdSessions) != 0 {
		shapeChanged = true
	}

	if len(updated) == 0 && len(removed) == 0 && len(createdSessions) == 0 &&
		len(orphaned) == 0 && len(activated) == 0 {
		return
	}

	diff := Diff{
		Updated:    updated,
		RemovedIDs: removed,
		Created:    createdSessions,
		Orphaned:   orphaned,
		Activated:  activated,
	}
	if shapeChanged {
		snap := make([]Session, 0, len(view))
		for _, s := range view {
			snap = append(snap, s)
		}
		sort.Slice(snap, func(i, j int) bool { return snap[i].TmuxTarget < snap[j].TmuxTarget })
		diff.FullSnapshot = snap
	}

	for _, ch := range st.subs {
		select {
		case ch <- diff:
		default:
			// A slow subscriber misses a coalesced diff; the next tick's
			// full snapshot (on any subsequent shape change) or its own
			// reconnect resync closes the gap.
		}
	}
}

// Subscribe registers a new diff channel. The returned unsubscribe func
// must be called exactly once, typically on connection close.
func (r *Registry) Subscribe() (<-chan Diff, func()) {
	ch := make(chan Diff, 8)
	r.nextSubID++
	id := r.nextSubID
	r.subCh <- subscriber{id: id, ch: ch}
	return ch, func() { r.unsubCh <- id }
}

// PostScanDelta feeds freshly scanned log candidates into the registry's
// mailbox; called by a scanner task on its own interval.
func (r *Registry) PostScanDelta(entries []logscan.Entry) {
	r.scanCh <- ScanDelta{Entries: entries}
}

// CorrelatedWindow reports the tmux target currently correlated with
// sessionID, if any. Implements resume.Matcher so the resume manager can
// poll for the registry to finish correlating a freshly spawned window.
func (r *Registry) CorrelatedWindow(sessionID string) (string, bool) {
	result := make(chan struct {
		target string
		ok     bool
	}, 1)
	r.opCh <- func(st *state) {
		for target, sess := range st.prevView {
			if sess.SessionID == sessionID {
				result <- struct {
					target string
					ok     bool
				}{target, true}
				return
			}
		}
		result <- struct {
			target string
			ok     bool
		}{"", false}
	}
	out := <-result
	return out.target, out.ok
}

// AgentSessionsPartition splits every known session row into active
// (currently correlated with a live tmux window) and inactive (orphaned or
// never correlated) buckets. The connection hub sends this as
// agent-sessions{active,inactive} on connect and after any diff that
// changes the partition (spec.md §4.9 scenario S3).
func (r *Registry) AgentSessionsPartition() (active, inactive []store.AgentSession) {
	type result struct{ active, inactive []store.AgentSession }
	out := make(chan result, 1)
	r.opCh <- func(st *state) {
		var res result
		for _, s := range st.sessions {
			if s.CurrentWindow != nil {
				res.active = append(res.active, *s)
			} else {
				res.inactive = append(res.inactive, *s)
			}
		}
		sort.Slice(res.active, func(i, j int) bool { return res.active[i].SessionID < res.active[j].SessionID })
		sort.Slice(res.inactive, func(i, j int) bool { return res.inactive[i].SessionID < res.inactive[j].SessionID })
		out <- res
	}
	r2 := <-out
	return r2.active, r2.inactive
}

// ForceTick requests an out-of-cadence poll, honoring spec.md:121's
// "session-refresh forces a poll tick" rather than leaving it advisory.
// The request is dropped (never blocks the caller) if the mailbox is
// already saturated; the next ticker-driven tick still runs on schedule.
func (r *Registry) ForceTick(ctx context.Context) {
	op := func(st *state) {
		if err := r.tick(ctx, st); err != nil {
			r.logger.Warn("registry: forced tick failed", "error", err)
		}
	}
	select {
	case r.opCh <- op:
	default:
		r.logger.Warn("registry: force tick dropped, mailbox saturated")
	}
}

// Snapshot synchronously reads the current presentation view through the
// mailbox, used by the HTTP facade's GET /api/sessions.
func (r *Registry) Snapshot() []Session {
	result := make(chan []Session, 1)
	r.opCh <- func(st *state) {
		snap := make([]Session, 0, len(st.prevView))
		for _, s := range st.prevView {
			snap = append(snap, s)
		}
		sort.Slice(snap, func(i, j int) bool { return snap[i].TmuxTarget < snap[j].TmuxTarget })
		result <- snap
	}
	return <-result
}

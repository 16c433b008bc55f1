// Package maintenance runs the low-frequency upkeep that doesn't belong
// on the registry's tight refresh loop: the startup sweep for orphaned
// helper sessions, periodic stale-FIFO cleanup, and a cached refresh of
// which inactive sessions are still worth showing. Grounded on the
// ecosystem convention of a seconds-resolution cron scheduler for
// "housekeeping on a schedule" rather than an ad hoc ticker, using the
// teacher's otherwise-unwired robfig/cron/v3 dependency.
package maintenance

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentboard/agentboard/internal/store"
	"github.com/agentboard/agentboard/internal/tmux"
)

const settingInactiveMaxAgeHours = "maintenance.inactive_max_age_hours"

const defaultInactiveMaxAgeHours = 24

// helperSessionPrefix matches the per-connection helper tmux sessions the
// proxy variants create (agentboard-ws-<uuid>); any left over from a
// crashed prior run are safe to kill, they hold no user-owned state.
const helperSessionPrefix = "agentboard-ws-"

// Scheduler owns the cron jobs and the cached inactive-session view the
// REST/WS surface reads from, so a request never blocks on a sqlite scan.
type Scheduler struct {
	db      *store.Store
	adapter tmux.Adapter
	logger  *slog.Logger
	cron    *cron.Cron

	mu       sync.Mutex
	cachedAt time.Time
	cached   []store.AgentSession

	maxAgeHours atomic.Int64
}

func New(db *store.Store, adapter tmux.Adapter, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		db:      db,
		adapter: adapter,
		logger:  logger,
		cron:    cron.New(cron.WithSeconds()),
	}
	s.maxAgeHours.Store(defaultInactiveMaxAgeHours)
	return s
}

// PruneWSSessions runs the startup sweep described in spec.md §6: list
// tmux sessions matching agentboard-ws-* and kill each one. Called once
// at boot when PRUNE_WS_SESSIONS is set, before Start.
func (s *Scheduler) PruneWSSessions(ctx context.Context) {
	windows, err := s.adapter.ListWindows(ctx, "")
	if err != nil {
		s.logger.Warn("maintenance: list windows for ws-session prune failed", "error", err)
		return
	}
	seen := make(map[string]bool)
	for _, w := range windows {
		if seen[w.SessionName] || !strings.HasPrefix(w.SessionName, helperSessionPrefix) {
			continue
		}
		seen[w.SessionName] = true
		if err := s.adapter.KillSession(ctx, w.SessionName); err != nil {
			s.logger.Warn("maintenance: kill orphaned helper session failed", "session", w.SessionName, "error", err)
		} else {
			s.logger.Info("maintenance: pruned orphaned helper session", "session", w.SessionName)
		}
	}
}

// Start loads the persisted max-age setting, primes the inactive-session
// cache, and schedules the recurring jobs. Call once after construction;
// Stop tears it down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.loadMaxAgeHours(ctx)
	s.refreshInactiveCache(ctx)

	if _, err := s.cron.AddFunc("@every 30s", func() { s.cleanStaleFIFOs(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", func() { s.refreshInactiveCache(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cleanStaleFIFOs removes leftover FIFO files from proxy pipe-pane
// sessions (internal/proxy's pipePane writes one <session>.pipe file per
// helper session under os.TempDir()/agentboard) whose helper tmux
// session no longer exists, e.g. after a hard crash skipped the proxy's
// own dispose cleanup.
func (s *Scheduler) cleanStaleFIFOs(ctx context.Context) {
	dir := filepath.Join(os.TempDir(), "agentboard")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // directory not created yet, nothing to clean
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pipe") {
			continue
		}
		sessionName := strings.TrimSuffix(e.Name(), ".pipe")
		if has, err := s.adapter.HasSession(ctx, sessionName); err == nil && !has {
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Warn("maintenance: remove stale FIFO failed", "path", path, "error", err)
			} else {
				s.logger.Debug("maintenance: removed stale FIFO", "path", path)
			}
		}
	}
}

// refreshInactiveCache re-runs GetInactiveSessions(maxAgeHours) and
// swaps the cache. Per spec.md's second Open Question, sessions are
// never hard-deleted here — this only changes what's reported as
// "inactive but still visible" versus "too stale to show".
func (s *Scheduler) refreshInactiveCache(ctx context.Context) {
	sessions, err := s.db.GetInactiveSessions(ctx, int(s.maxAgeHours.Load()))
	if err != nil {
		s.logger.Warn("maintenance: refresh inactive cache failed", "error", err)
		return
	}
	s.mu.Lock()
	s.cached = sessions
	s.cachedAt = time.Now()
	s.mu.Unlock()
}

// InactiveSessions returns the most recently cached inactive-session
// view, used by the HTTP facade instead of querying sqlite per request.
func (s *Scheduler) InactiveSessions() []store.AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AgentSession, len(s.cached))
	copy(out, s.cached)
	return out
}

func (s *Scheduler) MaxAgeHours() int {
	return int(s.maxAgeHours.Load())
}

// SetMaxAgeHours persists and applies a new inactive-session cutoff,
// called by PUT /api/settings/inactive-max-age-hours.
func (s *Scheduler) SetMaxAgeHours(ctx context.Context, hours int) error {
	if hours < 1 {
		hours = 1
	}
	if err := s.db.SetAppSetting(ctx, settingInactiveMaxAgeHours, strconv.Itoa(hours)); err != nil {
		return err
	}
	s.maxAgeHours.Store(int64(hours))
	s.refreshInactiveCache(ctx)
	return nil
}

func (s *Scheduler) loadMaxAgeHours(ctx context.Context) {
	val, ok, err := s.db.GetAppSetting(ctx, settingInactiveMaxAgeHours)
	if err != nil || !ok {
		return
	}
	hours, err := strconv.Atoi(val)
	if err != nil || hours < 1 {
		return
	}
	s.maxAgeHours.Store(int64(hours))
}

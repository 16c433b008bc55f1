// Package config parses the environment variables Agentboard recognizes
// into a typed, defaulted Config. Flags (port, dev mode, local mode) are
// parsed separately in cmd/agentboard; this package only covers the
// environment-driven knobs listed in the wire spec.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	Hostname string

	TmuxSession string

	RefreshInterval time.Duration

	DiscoverPrefixes []string
	PruneWSSessions  bool

	TerminalMode           string // auto | pty | pipe-pane
	TerminalMonitorTargets bool

	TLSCert string
	TLSKey  string

	LogPollInterval time.Duration
	LogPollMax      int
	RGThreads       int
	LogMatchWorker  bool

	ClaudeConfigDir string
	CodexHome       string

	ClaudeResumeCmd string
	CodexResumeCmd  string

	RemoteHosts        []string
	RemotePollInterval time.Duration
	RemoteTimeout      time.Duration
	RemoteStaleAfter   time.Duration
	RemoteSSHOpts      []string
	RemoteAllowControl bool

	SlackToken   string
	SlackChannel string
}

func Load() Config {
	home, _ := os.UserHomeDir()

	cfg := Config{
		Port:                   envInt("PORT", 8080),
		Hostname:               os.Getenv("HOSTNAME"),
		TmuxSession:            envString("TMUX_SESSION", "agentboard"),
		RefreshInterval:        envMillis("REFRESH_INTERVAL_MS", 2000),
		DiscoverPrefixes:       envCSV("DISCOVER_PREFIXES"),
		PruneWSSessions:        envBool("PRUNE_WS_SESSIONS", false),
		TerminalMode:           envString("TERMINAL_MODE", "auto"),
		TerminalMonitorTargets: envBool("TERMINAL_MONITOR_TARGETS", false),
		TLSCert:                os.Getenv("TLS_CERT"),
		TLSKey:                 os.Getenv("TLS_KEY"),
		LogPollInterval:        envMillis("AGENTBOARD_LOG_POLL_MS", 5000),
		LogPollMax:             envInt("AGENTBOARD_LOG_POLL_MAX", 25),
		RGThreads:              envInt("AGENTBOARD_RG_THREADS", 4),
		LogMatchWorker:         envBool("AGENTBOARD_LOG_MATCH_WORKER", true),
		ClaudeConfigDir:        envString("CLAUDE_CONFIG_DIR", filepath.Join(home, ".claude", "projects")),
		CodexHome:              envString("CODEX_HOME", filepath.Join(home, ".codex", "sessions")),
		ClaudeResumeCmd:        envString("CLAUDE_RESUME_CMD", "claude --resume {sessionId}"),
		CodexResumeCmd:         envString("CODEX_RESUME_CMD", "codex resume {sessionId}"),
		RemoteHosts:            envCSV("AGENTBOARD_REMOTE_HOSTS"),
		RemotePollInterval:     envMillis("AGENTBOARD_REMOTE_POLL_MS", 15000),
		RemoteTimeout:          envMillis("AGENTBOARD_REMOTE_TIMEOUT_MS", 10000),
		RemoteStaleAfter:       envMillis("AGENTBOARD_REMOTE_STALE_MS", 45000),
		RemoteSSHOpts:          strings.Fields(os.Getenv("AGENTBOARD_REMOTE_SSH_OPTS")),
		RemoteAllowControl:     envBool("AGENTBOARD_REMOTE_ALLOW_CONTROL", false),
		SlackToken:             os.Getenv("AGENTBOARD_SLACK_TOKEN"),
		SlackChannel:           os.Getenv("AGENTBOARD_SLACK_CHANNEL"),
	}
	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envMillis(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

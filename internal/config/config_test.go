package config

import (
	"path/filepath"
	"testing"
	"time"
)

func clearAgentboardEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "HOSTNAME", "TMUX_SESSION", "REFRESH_INTERVAL_MS",
		"DISCOVER_PREFIXES", "PRUNE_WS_SESSIONS", "TERMINAL_MODE",
		"TERMINAL_MONITOR_TARGETS", "TLS_CERT", "TLS_KEY",
		"AGENTBOARD_LOG_POLL_MS", "AGENTBOARD_LOG_POLL_MAX", "AGENTBOARD_RG_THREADS",
		"AGENTBOARD_LOG_MATCH_WORKER", "CLAUDE_CONFIG_DIR", "CODEX_HOME",
		"CLAUDE_RESUME_CMD", "CODEX_RESUME_CMD", "AGENTBOARD_REMOTE_HOSTS",
		"AGENTBOARD_REMOTE_POLL_MS", "AGENTBOARD_REMOTE_TIMEOUT_MS",
		"AGENTBOARD_REMOTE_STALE_MS", "AGENTBOARD_REMOTE_SSH_OPTS",
		"AGENTBOARD_REMOTE_ALLOW_CONTROL", "AGENTBOARD_SLACK_TOKEN", "AGENTBOARD_SLACK_CHANNEL",
		"HOME",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearAgentboardEnv(t)
	t.Setenv("HOME", "/home/tester")

	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.TmuxSession != "agentboard" {
		t.Errorf("TmuxSession = %q, want agentboard", cfg.TmuxSession)
	}
	if cfg.RefreshInterval != 2000*time.Millisecond {
		t.Errorf("RefreshInterval = %v, want 2s", cfg.RefreshInterval)
	}
	if cfg.PruneWSSessions {
		t.Error("PruneWSSessions = true, want false by default")
	}
	if cfg.TerminalMode != "auto" {
		t.Errorf("TerminalMode = %q, want auto", cfg.TerminalMode)
	}
	if cfg.LogPollInterval != 5000*time.Millisecond {
		t.Errorf("LogPollInterval = %v, want 5s", cfg.LogPollInterval)
	}
	if cfg.LogPollMax != 25 {
		t.Errorf("LogPollMax = %d, want 25", cfg.LogPollMax)
	}
	if cfg.RGThreads != 4 {
		t.Errorf("RGThreads = %d, want 4", cfg.RGThreads)
	}
	if !cfg.LogMatchWorker {
		t.Error("LogMatchWorker = false, want true by default")
	}
	wantClaudeDir := filepath.Join("/home/tester", ".claude", "projects")
	if cfg.ClaudeConfigDir != wantClaudeDir {
		t.Errorf("ClaudeConfigDir = %q, want %q", cfg.ClaudeConfigDir, wantClaudeDir)
	}
	wantCodexDir := filepath.Join("/home/tester", ".codex", "sessions")
	if cfg.CodexHome != wantCodexDir {
		t.Errorf("CodexHome = %q, want %q", cfg.CodexHome, wantCodexDir)
	}
	if cfg.ClaudeResumeCmd != "claude --resume {sessionId}" {
		t.Errorf("ClaudeResumeCmd = %q", cfg.ClaudeResumeCmd)
	}
	if cfg.CodexResumeCmd != "codex resume {sessionId}" {
		t.Errorf("CodexResumeCmd = %q", cfg.CodexResumeCmd)
	}
	if len(cfg.RemoteHosts) != 0 {
		t.Errorf("RemoteHosts = %v, want empty", cfg.RemoteHosts)
	}
	if cfg.RemoteAllowControl {
		t.Error("RemoteAllowControl = true, want false by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearAgentboardEnv(t)
	t.Setenv("HOME", "/home/tester")
	t.Setenv("PORT", "9090")
	t.Setenv("TMUX_SESSION", "mysession")
	t.Setenv("REFRESH_INTERVAL_MS", "500")
	t.Setenv("DISCOVER_PREFIXES", "claude-, codex-,")
	t.Setenv("PRUNE_WS_SESSIONS", "true")
	t.Setenv("TERMINAL_MODE", "pty")
	t.Setenv("AGENTBOARD_LOG_POLL_MAX", "50")
	t.Setenv("AGENTBOARD_LOG_MATCH_WORKER", "false")
	t.Setenv("AGENTBOARD_REMOTE_HOSTS", "box1,box2")
	t.Setenv("AGENTBOARD_SLACK_TOKEN", "xoxb-test")
	t.Setenv("AGENTBOARD_SLACK_CHANNEL", "#agents")

	cfg := Load()

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.TmuxSession != "mysession" {
		t.Errorf("TmuxSession = %q, want mysession", cfg.TmuxSession)
	}
	if cfg.RefreshInterval != 500*time.Millisecond {
		t.Errorf("RefreshInterval = %v, want 500ms", cfg.RefreshInterval)
	}
	if want := []string{"claude-", "codex-"}; !equalSlices(cfg.DiscoverPrefixes, want) {
		t.Errorf("DiscoverPrefixes = %v, want %v (blank entries trimmed)", cfg.DiscoverPrefixes, want)
	}
	if !cfg.PruneWSSessions {
		t.Error("PruneWSSessions = false, want true")
	}
	if cfg.TerminalMode != "pty" {
		t.Errorf("TerminalMode = %q, want pty", cfg.TerminalMode)
	}
	if cfg.LogPollMax != 50 {
		t.Errorf("LogPollMax = %d, want 50", cfg.LogPollMax)
	}
	if cfg.LogMatchWorker {
		t.Error("LogMatchWorker = true, want false")
	}
	if want := []string{"box1", "box2"}; !equalSlices(cfg.RemoteHosts, want) {
		t.Errorf("RemoteHosts = %v, want %v", cfg.RemoteHosts, want)
	}
	if cfg.SlackToken != "xoxb-test" {
		t.Errorf("SlackToken = %q, want xoxb-test", cfg.SlackToken)
	}
	if cfg.SlackChannel != "#agents" {
		t.Errorf("SlackChannel = %q, want #agents", cfg.SlackChannel)
	}
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	clearAgentboardEnv(t)
	t.Setenv("HOME", "/home/tester")
	t.Setenv("PORT", "not-a-number")

	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want default 8080 when PORT is unparsable", cfg.Port)
	}
}

func TestLoad_InvalidBoolFallsBackToDefault(t *testing.T) {
	clearAgentboardEnv(t)
	t.Setenv("HOME", "/home/tester")
	t.Setenv("PRUNE_WS_SESSIONS", "not-a-bool")

	cfg := Load()

	if cfg.PruneWSSessions {
		t.Error("PruneWSSessions = true, want default false when value is unparsable")
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

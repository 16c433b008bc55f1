package tmux

import "testing"

func TestParseWindows_WellFormed(t *testing.T) {
	out := []byte("agentboard\t0\tclaude-api\t1730000100\t1730000000\n" +
		"agentboard\t1\tcodex-worker\t1730000200\t1730000000\n")
	windows, err := parseWindows(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Target != "agentboard:0" {
		t.Fatalf("expected target agentboard:0, got %q", windows[0].Target)
	}
	if windows[1].Name != "codex-worker" {
		t.Fatalf("expected name codex-worker, got %q", windows[1].Name)
	}
	if windows[0].LastActivityAt.Unix() != 1730000100 {
		t.Fatalf("expected activity 1730000100, got %d", windows[0].LastActivityAt.Unix())
	}
}

func TestParseWindows_SkipsMalformedLines(t *testing.T) {
	out := []byte("agentboard\t0\tclaude-api\t1730000100\t1730000000\n" +
		"garbage line with no tabs\n" +
		"\n")
	windows, err := parseWindows(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("expected malformed/blank lines to be skipped, got %d windows", len(windows))
	}
}

func TestParseWindows_EmptyOutput(t *testing.T) {
	windows, err := parseWindows([]byte(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 0 {
		t.Fatalf("expected no windows, got %d", len(windows))
	}
}

func TestIsNoServerErr(t *testing.T) {
	err := &CommandError{Args: []string{"list-windows"}, ExitCode: 1, Stderr: "no server running on /tmp/tmux-0/default"}
	if !isNoServerErr(err) {
		t.Fatal("expected no-server stderr to be classified as isNoServerErr")
	}
	other := &CommandError{Args: []string{"kill-session"}, ExitCode: 1, Stderr: "session not found: foo"}
	if isNoServerErr(other) {
		t.Fatal("expected unrelated exit-1 error to not be classified as isNoServerErr")
	}
}

func TestCommandError_Error(t *testing.T) {
	err := &CommandError{Args: []string{"kill-session", "-t", "foo"}, ExitCode: 1, Stderr: "can't find session foo"}
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
}

package remote

import (
	"strings"
	"testing"

	"github.com/agentboard/agentboard/internal/tmux"
)

func TestSSHArgs_DefaultsToNoControlMaster(t *testing.T) {
	a := New(Options{Host: "devbox"})
	args := a.sshArgs()
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "ControlMaster=no") {
		t.Fatalf("expected ControlMaster=no by default, got %q", joined)
	}
	if args[len(args)-1] != "devbox" {
		t.Fatalf("expected host to be last arg, got %q", args[len(args)-1])
	}
}

func TestSSHArgs_AllowControlMasterOptIn(t *testing.T) {
	a := New(Options{Host: "devbox", AllowControlMaster: true})
	joined := strings.Join(a.sshArgs(), " ")
	if !strings.Contains(joined, "ControlMaster=auto") {
		t.Fatalf("expected ControlMaster=auto when opted in, got %q", joined)
	}
	if strings.Contains(joined, "ControlMaster=no") {
		t.Fatalf("did not expect ControlMaster=no alongside the opt-in, got %q", joined)
	}
}

func TestSSHArgs_AppendsExtraOpts(t *testing.T) {
	a := New(Options{Host: "devbox", SSHOpts: []string{"-p", "2222"}})
	args := a.sshArgs()
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-p 2222") {
		t.Fatalf("expected extra ssh opts to be included, got %q", joined)
	}
}

func TestParseRemoteWindows(t *testing.T) {
	out := "agentboard\t0\tclaude-api\t1730000100\t1730000000\nagentboard\t1\tcodex\t1730000200\t1730000000"
	windows, err := parseRemoteWindows(out, "devbox")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Source != "external" {
		t.Fatalf("expected remote windows to be marked external, got %q", windows[0].Source)
	}
	if windows[1].Target != "agentboard:1" {
		t.Fatalf("expected target agentboard:1, got %q", windows[1].Target)
	}
}

func TestParseRemoteWindows_Empty(t *testing.T) {
	windows, err := parseRemoteWindows("", "devbox")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if windows != nil {
		t.Fatalf("expected nil windows for empty output, got %v", windows)
	}
}

func TestIsNoServer(t *testing.T) {
	err := &tmux.CommandError{Args: []string{"list-windows"}, ExitCode: 1, Stderr: "no server running on /tmp/tmux-0/default"}
	if !isNoServer(err) {
		t.Fatal("expected no-server stderr to be classified as isNoServer")
	}
	other := &tmux.CommandError{Args: []string{"kill-session"}, ExitCode: 1, Stderr: "permission denied"}
	if isNoServer(other) {
		t.Fatal("expected unrelated error to not be classified as isNoServer")
	}
}

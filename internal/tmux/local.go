package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// LocalAdapter shells out to the tmux binary on this host. Grounded on the
// teacher's internal/session/tmux.go: one exec.Command per operation, a
// stable "-F" delimiter format for list operations, and the same
// single-digit-flag parsing style for display-message probes.
type LocalAdapter struct {
	// Bin is the tmux executable name or path. Empty means "tmux" (PATH lookup).
	Bin string
}

func NewLocalAdapter() *LocalAdapter {
	return &LocalAdapter{Bin: "tmux"}
}

func (a *LocalAdapter) bin() string {
	if a.Bin == "" {
		return "tmux"
	}
	return a.Bin
}

func (a *LocalAdapter) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, a.bin(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return stdout.Bytes(), &CommandError{Args: args, ExitCode: exitCode, Stderr: truncateStderr(stderr.Bytes())}
	}
	return stdout.Bytes(), nil
}

const listWindowsFormat = "#{session_name}\t#{window_index}\t#{window_name}\t#{window_activity}\t#{session_created}"

func (a *LocalAdapter) ListWindows(ctx context.Context, sessionFilter string) ([]Window, error) {
	args := []string{"list-windows", "-F", listWindowsFormat}
	if sessionFilter != "" {
		args = append(args, "-t", sessionFilter)
	} else {
		args = append(args, "-a")
	}
	out, err := a.run(ctx, args...)
	if err != nil {
		if isNoServerErr(err) {
			return nil, nil
		}
		return nil, err
	}
	return parseWindows(out)
}

func parseWindows(out []byte) ([]Window, error) {
	var windows []Window
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 5)
		if len(parts) != 5 {
			continue
		}
		idx, _ := strconv.Atoi(parts[1])
		activity := parseUnixSeconds(parts[3])
		created := parseUnixSeconds(parts[4])
		windows = append(windows, Window{
			Target:         fmt.Sprintf("%s:%s", parts[0], parts[1]),
			SessionName:    parts[0],
			Index:          idx,
			Name:           parts[2],
			LastActivityAt: activity,
			CreatedAt:      created,
		})
	}
	return windows, nil
}

func parseUnixSeconds(s string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

func (a *LocalAdapter) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	args := []string{"capture-pane", "-t", target, "-p", "-e"}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	out, err := a.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (a *LocalAdapter) DisplayMessage(ctx context.Context, target, format string) (string, error) {
	out, err := a.run(ctx, "display-message", "-t", target, "-p", format)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (a *LocalAdapter) CancelCopyMode(ctx context.Context, target string) error {
	_, err := a.run(ctx, "send-keys", "-t", target, "-X", "cancel")
	return err
}

func (a *LocalAdapter) NewWindow(ctx context.Context, session, cwd, command string) (string, error) {
	args := []string{"new-window", "-t", session, "-P", "-F", "#{session_name}:#{window_index}"}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if command != "" {
		args = append(args, command)
	}
	out, err := a.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (a *LocalAdapter) KillWindow(ctx context.Context, target string) error {
	_, err := a.run(ctx, "kill-window", "-t", target)
	return err
}

func (a *LocalAdapter) RenameWindow(ctx context.Context, target, name string) error {
	_, err := a.run(ctx, "rename-window", "-t", target, name)
	return err
}

func (a *LocalAdapter) ResizeWindow(ctx context.Context, target string, cols, rows int) error {
	_, err := a.run(ctx, "resize-window", "-t", target, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

func (a *LocalAdapter) SwitchClient(ctx context.Context, clientTTY, target string) error {
	_, err := a.run(ctx, "switch-client", "-c", clientTTY, "-t", target)
	return err
}

func (a *LocalAdapter) ListClients(ctx context.Context, session string) ([]Client, error) {
	args := []string{"list-clients", "-F", "#{client_tty}\t#{client_pid}"}
	if session != "" {
		args = append(args, "-t", session)
	}
	out, err := a.run(ctx, args...)
	if err != nil {
		if isNoServerErr(err) {
			return nil, nil
		}
		return nil, err
	}
	var clients []Client
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		pid, _ := strconv.Atoi(parts[1])
		clients = append(clients, Client{TTY: parts[0], PID: pid})
	}
	return clients, nil
}

func (a *LocalAdapter) NewSession(ctx context.Context, name, cwd string) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	_, err := a.run(ctx, args...)
	return err
}

func (a *LocalAdapter) SendKeys(ctx context.Context, target, text string) error {
	if _, err := a.run(ctx, "send-keys", "-t", target, "-l", text); err != nil {
		return err
	}
	_, err := a.run(ctx, "send-keys", "-t", target, "Enter")
	return err
}

func (a *LocalAdapter) NewGroupedSession(ctx context.Context, name, baseSession string) error {
	_, err := a.run(ctx, "new-session", "-d", "-t", baseSession, "-s", name)
	return err
}

func (a *LocalAdapter) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := a.run(ctx, "has-session", "-t", name)
	if err == nil {
		return true, nil
	}
	if isNoServerErr(err) {
		return false, nil
	}
	var cmdErr *CommandError
	if asCommandError(err, &cmdErr) && cmdErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

func (a *LocalAdapter) KillSession(ctx context.Context, name string) error {
	_, err := a.run(ctx, "kill-session", "-t", name)
	return err
}

// isNoServerErr reports whether err is tmux's "no server running" exit,
// which is not a failure worth surfacing — it just means zero sessions.
func isNoServerErr(err error) bool {
	var cmdErr *CommandError
	if !asCommandError(err, &cmdErr) {
		return false
	}
	return cmdErr.ExitCode == 1 && strings.Contains(cmdErr.Stderr, "no server running")
}

func asCommandError(err error, target **CommandError) bool {
	ce, ok := err.(*CommandError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

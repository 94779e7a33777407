// Package tmux is the Terminal-Multiplexer Adapter (spec.md §4.1): a typed
// wrapper around the external tmux binary providing session/window
// lifecycle, literal typing, pane capture, and pipe-pane-to-file streaming
// for O(1) change detection.
//
// Grounded on session/tmux/tmux.go and session/tmux/tmux_io.go, generalized
// from a hardcoded Claude/Aider/Gemini/OpenCode switch to an arbitrary
// tool/command pair supplied by the caller (internal/orchestrator/worker).
package tmux

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/ryanashbaugh/openhive/log"
)

// SessionName is the fixed, process-wide tmux session name the engine owns.
// Only one orchestrator instance may own it at a time (spec.md §5).
const SessionName = "openhive-orch"

const commandTimeout = 10 * time.Second

var ansiStripRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences from captured pane text.
func StripANSI(s string) string {
	return ansiStripRe.ReplaceAllString(s, "")
}

// Adapter wraps the tmux CLI. One Adapter owns the process-wide session.
type Adapter struct {
	executor   Executor
	ptyFactory PtyFactory

	sessionReady bool
}

// NewAdapter returns the production Adapter, shelling out to the real tmux binary.
func NewAdapter() *Adapter {
	return &Adapter{executor: NewExecutor(), ptyFactory: NewPtyFactory()}
}

// NewAdapterWithDeps returns an Adapter with injected fakes, for tests.
func NewAdapterWithDeps(executor Executor, ptyFactory PtyFactory) *Adapter {
	return &Adapter{executor: executor, ptyFactory: ptyFactory}
}

func (a *Adapter) timeoutCmd(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// EnsureSession idempotently creates the process-wide orchestrator session
// with a wide viewport. Revalidates against the real tmux state even when
// the cached flag is set, since the session may have died externally.
func (a *Adapter) EnsureSession() error {
	if a.sessionReady && a.SessionExists() {
		return nil
	}
	if a.SessionExists() {
		a.sessionReady = true
		return nil
	}

	cmd := a.timeoutCmd("tmux", "new-session", "-d", "-s", SessionName, "-x", "220", "-y", "60")
	if err := a.executor.Run(cmd); err != nil {
		return fmt.Errorf("creating orchestrator session: %w", err)
	}
	a.sessionReady = true
	return nil
}

// SessionExists asks tmux directly whether the orchestrator session exists.
func (a *Adapter) SessionExists() bool {
	cmd := a.timeoutCmd("tmux", "has-session", fmt.Sprintf("-t=%s", SessionName))
	return a.executor.Run(cmd) == nil
}

// KillSession tears down the process-wide orchestrator session, used on
// shutdown. Not an error if the session is already gone.
func (a *Adapter) KillSession() error {
	if !a.SessionExists() {
		a.sessionReady = false
		return nil
	}
	cmd := a.timeoutCmd("tmux", "kill-session", "-t", SessionName)
	err := a.executor.Run(cmd)
	a.sessionReady = false
	if err != nil {
		return fmt.Errorf("killing orchestrator session: %w", err)
	}
	return nil
}

// CreateWindow kills any prior window of the same name, creates a new one
// running command, and returns the opaque target "<session>:<name>".
func (a *Adapter) CreateWindow(name, command string, cwd string) (string, error) {
	target := fmt.Sprintf("%s:%s", SessionName, name)
	if a.IsWindowAlive(target) {
		if err := a.KillWindow(target); err != nil {
			return "", fmt.Errorf("killing prior window %s: %w", target, err)
		}
	}

	args := []string{"new-window", "-t", SessionName, "-n", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, command)

	cmd := exec.Command("tmux", args...)
	ptmx, err := a.ptyFactory.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("creating window %s: %w", target, err)
	}
	defer ptmx.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.IsWindowAlive(target) {
			return target, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return "", fmt.Errorf("timed out waiting for window %s to appear", target)
}

// KillWindow destroys a window by target.
func (a *Adapter) KillWindow(target string) error {
	cmd := a.timeoutCmd("tmux", "kill-window", "-t", target)
	return a.executor.Run(cmd)
}

// GetPanePID returns the PID of target's pane process, used by callers that
// sample CPU/RSS for the process tree rooted there.
func (a *Adapter) GetPanePID(target string) (int, error) {
	cmd := exec.Command("tmux", "list-panes", "-t", target, "-F", "#{pane_pid}")
	out, err := a.executor.Output(cmd)
	if err != nil {
		return 0, fmt.Errorf("getting pane pid for %s: %w", target, err)
	}
	var pid int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &pid); err != nil {
		return 0, fmt.Errorf("parsing pane pid for %s: %w", target, err)
	}
	return pid, nil
}

// IsWindowAlive reports whether target still exists.
func (a *Adapter) IsWindowAlive(target string) bool {
	cmd := a.timeoutCmd("tmux", "list-panes", "-t", target)
	return a.executor.Run(cmd) == nil
}

// SendKeys sends key tokens (including named keys like "Enter", "Escape",
// "C-c") via tmux's own key-binding interpretation.
func (a *Adapter) SendKeys(target string, keys []string) error {
	args := append([]string{"send-keys", "-t", target}, keys...)
	cmd := exec.Command("tmux", args...)
	return a.executor.Run(cmd)
}

// SendText sends text literally (no key-token interpretation), waits for
// the TUI to settle, then submits with Enter. The split avoids tmux
// interpreting special characters embedded in agent prompts.
func (a *Adapter) SendText(target string, text string) error {
	cmd := exec.Command("tmux", "send-keys", "-l", "-t", target, text)
	if err := a.executor.Run(cmd); err != nil {
		return fmt.Errorf("sending literal text to %s: %w", target, err)
	}
	time.Sleep(500 * time.Millisecond)
	return a.SendKeys(target, []string{"Enter"})
}

// CapturePane returns the pane's visible text including scrollback lines
// (scrollback is a negative start offset, e.g. -60 for the last 60 lines).
func (a *Adapter) CapturePane(target string, scrollback int) (string, error) {
	cmd := exec.Command("tmux", "capture-pane", "-p", "-e", "-J", "-t", target,
		"-S", fmt.Sprintf("%d", scrollback))
	out, err := a.executor.Output(cmd)
	if err != nil {
		return "", fmt.Errorf("capturing pane %s: %w", target, err)
	}
	return StripANSI(string(out)), nil
}

// StartPipePane installs a sidecar consumer that appends every byte of pane
// output to file, enabling O(1) change detection via stat rather than
// repeated full-pane captures.
func (a *Adapter) StartPipePane(target, file string) error {
	escaped := shellEscapeSingleQuote(file)
	cmd := exec.Command("tmux", "pipe-pane", "-t", target, "-o", "cat >> "+escaped)
	return a.executor.Run(cmd)
}

// StopPipePane removes the sidecar consumer installed by StartPipePane.
func (a *Adapter) StopPipePane(target string) error {
	cmd := exec.Command("tmux", "pipe-pane", "-t", target)
	return a.executor.Run(cmd)
}

// GetFileSize returns path's byte count, or 0 if the file does not exist.
func (a *Adapter) GetFileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

const tailChunkSize = 8 * 1024
const tailMaxChunks = 4

// ReadPipeTail reads roughly the last `lines` lines of path by seeking from
// EOF in 8 KB chunks (up to 4 chunks, ~32 KB), returning ANSI-stripped text.
func (a *Adapter) ReadPipeTail(path string, lines int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("opening pipe file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat pipe file %s: %w", path, err)
	}

	size := info.Size()
	var read int64
	var tail []byte
	for chunk := 0; chunk < tailMaxChunks && read < size; chunk++ {
		want := int64(tailChunkSize)
		if read+want > size {
			want = size - read
		}
		offset := size - read - want
		chunkBuf := make([]byte, want)
		if _, err := f.ReadAt(chunkBuf, offset); err != nil {
			break
		}
		tail = append(chunkBuf, tail...)
		read += want

		if offset == 0 || strings.Count(StripANSI(string(tail)), "\n") >= lines {
			break
		}
	}

	text := strings.TrimSuffix(StripANSI(string(tail)), "\n")
	all := strings.Split(text, "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n"), nil
}

// WaitForReady polls CapturePane until readyRegex matches the trailing
// non-blank lines, or maxWaitMs elapses. If startupDialogRegex matches
// first, it dismisses the dialog with Enter and keeps polling.
func (a *Adapter) WaitForReady(target string, readyRegex, startupDialogRegex *regexp.Regexp, maxWaitMs, pollMs int) (string, error) {
	deadline := time.Now().Add(time.Duration(maxWaitMs) * time.Millisecond)
	poll := time.Duration(pollMs) * time.Millisecond
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	var last string
	for {
		content, err := a.CapturePane(target, -60)
		if err == nil {
			last = content
			if startupDialogRegex != nil && matchesTrailingLines(startupDialogRegex, content, 5) {
				if sendErr := a.SendKeys(target, []string{"Enter"}); sendErr != nil {
					log.WarningLog.Printf("dismissing startup dialog on %s: %v", target, sendErr)
				}
			} else if readyRegex != nil && matchesTrailingLines(readyRegex, content, 60) {
				return content, nil
			}
		}

		if time.Now().After(deadline) {
			return last, nil
		}
		time.Sleep(poll)
	}
}

func matchesTrailingLines(re *regexp.Regexp, text string, n int) bool {
	lines := nonBlankTrailingLines(text, n)
	return re.MatchString(strings.Join(lines, "\n"))
}

func nonBlankTrailingLines(text string, n int) []string {
	raw := strings.Split(text, "\n")
	var nonBlank []string
	for _, l := range raw {
		if strings.TrimSpace(l) != "" {
			nonBlank = append(nonBlank, l)
		}
	}
	if len(nonBlank) > n {
		nonBlank = nonBlank[len(nonBlank)-n:]
	}
	return nonBlank
}

func shellEscapeSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

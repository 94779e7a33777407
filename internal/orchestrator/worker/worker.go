// Package worker is the Worker Session (spec.md §4.4): one instance per
// subprocess, owning a multiplexer window and a pipe file.
//
// Grounded on session/instance_lifecycle.go's Start/Kill/Resume/
// AdoptOrphanTmuxSession flow, generalized from a fixed per-instance git
// worktree + tmux session pairing to an arbitrary tool profile driven
// through internal/tmux.Adapter.
package worker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/profile"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/state"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
	"github.com/ryanashbaugh/openhive/internal/tmux"
	"github.com/ryanashbaugh/openhive/log"
)

// Worker drives one tool subprocess inside a multiplexer window.
type Worker struct {
	ID   string
	Tool string
	Cwd  string

	config  task.OrchestratorConfig
	profile profile.ToolOrchestrationProfile
	adapter *tmux.Adapter

	Target   string // "<session>:<window>"
	PipeFile string

	State          task.WorkerState
	Assignment     *task.TaskAssignment
	TasksCompleted int

	LastPipeSize       int64
	LastCheckAt        time.Time
	LastOutputChangeAt time.Time
	CreatedAt          time.Time
}

// New constructs a Worker for tool, erroring if tool has no orchestration
// profile. The worker starts in "starting" with counters zeroed.
func New(id, tool string, cfg task.OrchestratorConfig, adapter *tmux.Adapter, cwd string) (*Worker, error) {
	p, err := profile.Get(tool)
	if err != nil {
		return nil, err
	}
	return &Worker{
		ID:        id,
		Tool:      tool,
		Cwd:       cwd,
		config:    cfg,
		profile:   p,
		adapter:   adapter,
		PipeFile:  pipeFilePath(cwd, id),
		State:     task.StateStarting,
		CreatedAt: time.Now(),
	}, nil
}

func pipeFilePath(cwd, id string) string {
	base := cwd
	if base == "" {
		base = "."
	}
	return filepath.Join(base, ".openhive", "logs", fmt.Sprintf("worker-%s.pipe", id))
}

// Start ensures the session exists, truncates the pipe file, creates the
// window, installs the pipe-pane sidecar, waits for readiness, and
// transitions to idle.
func (w *Worker) Start() error {
	if err := w.adapter.EnsureSession(); err != nil {
		return fmt.Errorf("worker %s: ensuring session: %w", w.ID, err)
	}

	logDir := filepath.Dir(w.PipeFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("worker %s: creating log dir: %w", w.ID, err)
	}
	f, err := os.OpenFile(w.PipeFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("worker %s: truncating pipe file: %w", w.ID, err)
	}
	f.Close()

	startCmd := w.composeStartCommand()
	target, err := w.adapter.CreateWindow(w.ID, startCmd, w.Cwd)
	if err != nil {
		return fmt.Errorf("worker %s: creating window: %w", w.ID, err)
	}
	w.Target = target

	if err := w.adapter.StartPipePane(w.Target, w.PipeFile); err != nil {
		return fmt.Errorf("worker %s: starting pipe-pane: %w", w.ID, err)
	}

	maxWait := w.profile.StuckTimeoutMsDefault
	if maxWait <= 0 {
		maxWait = 120_000
	}
	if _, err := w.adapter.WaitForReady(w.Target, w.profile.ReadyPattern, w.profile.StartupDialogPattern, 30_000, 200); err != nil {
		return fmt.Errorf("worker %s: waiting for readiness: %w", w.ID, err)
	}

	time.Sleep(2 * time.Second)

	now := time.Now()
	w.State = task.StateIdle
	w.LastCheckAt = now
	w.LastOutputChangeAt = now
	return nil
}

func (w *Worker) composeStartCommand() string {
	parts := append([]string{w.profile.StartCommand}, w.profile.StartArgs...)
	return strings.Join(parts, " ")
}

// AssignTask binds t to this worker and submits its prompt. Fails unless
// the worker is idle.
func (w *Worker) AssignTask(t task.Task) error {
	if w.State != task.StateIdle {
		return fmt.Errorf("worker %s: cannot assign task while in state %s", w.ID, w.State)
	}
	w.Assignment = &task.TaskAssignment{Task: t, AssignedAt: time.Now()}
	if err := w.adapter.SendText(w.Target, t.Prompt); err != nil {
		w.Assignment = nil
		return fmt.Errorf("worker %s: sending task prompt: %w", w.ID, err)
	}
	w.State = task.StateWorking
	return nil
}

// HasNewOutput stats the pipe file; if it has grown, refreshes the
// cached size and the last-output-change timestamp and returns true.
func (w *Worker) HasNewOutput() bool {
	size := w.adapter.GetFileSize(w.PipeFile)
	if size > w.LastPipeSize {
		w.LastPipeSize = size
		w.LastOutputChangeAt = time.Now()
		return true
	}
	return false
}

// DetectState captures the pane, classifies it, refines for stuck, and
// updates idle-settling bookkeeping on the active assignment.
func (w *Worker) DetectState() (task.StateSnapshot, error) {
	text, err := w.adapter.CapturePane(w.Target, -60)
	if err != nil {
		return task.StateSnapshot{}, fmt.Errorf("worker %s: capturing pane: %w", w.ID, err)
	}

	snap := state.Detect(w.profile, text)
	snap = state.Refine(snap, w.LastOutputChangeAt, w.effectiveStuckTimeoutMs())

	wasIdle := w.State == task.StateIdle
	w.State = snap.State
	w.LastCheckAt = snap.Timestamp

	if w.Assignment != nil {
		switch {
		case snap.State == task.StateIdle && !wasIdle:
			if !w.Assignment.IdleDetected() {
				w.Assignment.IdleDetectedAt = snap.Timestamp
			}
		case snap.State != task.StateIdle && wasIdle:
			w.Assignment.IdleDetectedAt = time.Time{}
			w.Assignment.HasWorked = true
		}
	}

	return snap, nil
}

func (w *Worker) effectiveStuckTimeoutMs() int {
	if w.config.StuckTimeoutMs > 0 {
		return w.config.StuckTimeoutMs
	}
	if w.profile.StuckTimeoutMsDefault > 0 {
		return w.profile.StuckTimeoutMsDefault
	}
	return 120_000
}

// Approve sends Enter, the universal confirm keystroke.
func (w *Worker) Approve() error {
	return w.adapter.SendKeys(w.Target, []string{"Enter"})
}

// Dismiss sends the tool's dismiss key, used to clear startup dialogs.
func (w *Worker) Dismiss() error {
	key := w.profile.DismissKey
	if key == "" {
		key = "Enter"
	}
	return w.adapter.SendKeys(w.Target, []string{key})
}

// SendKeysToAgent is a thin passthrough to the adapter.
func (w *Worker) SendKeysToAgent(keys []string) error {
	return w.adapter.SendKeys(w.Target, keys)
}

// SendTextToAgent is a thin passthrough to the adapter.
func (w *Worker) SendTextToAgent(text string) error {
	return w.adapter.SendText(w.Target, text)
}

// MarkTaskComplete drops the current assignment, bumps the completed
// counter, and returns to idle.
func (w *Worker) MarkTaskComplete() {
	if w.Assignment != nil {
		w.TasksCompleted++
	}
	w.Assignment = nil
	w.State = task.StateIdle
}

// MarkTaskFailed drops the current assignment and returns to idle; reason
// is left for the caller to record against the task.
func (w *Worker) MarkTaskFailed(reason string) {
	w.Assignment = nil
	w.State = task.StateIdle
	log.WarningLog.Printf("worker %s: task failed: %s", w.ID, reason)
}

// ReadContextTail reads roughly the last `lines` lines of this worker's
// pipe file, for building Tier 2 escalation prompts.
func (w *Worker) ReadContextTail(lines int) (string, error) {
	return w.adapter.ReadPipeTail(w.PipeFile, lines)
}

// IsAlive queries the multiplexer for window liveness.
func (w *Worker) IsAlive() bool {
	return w.adapter.IsWindowAlive(w.Target)
}

// Restart stops and restarts the worker. Conversation context is not
// preserved — the tool subprocess starts fresh.
func (w *Worker) Restart() error {
	if err := w.Stop(); err != nil {
		log.WarningLog.Printf("worker %s: stop during restart: %v", w.ID, err)
	}
	time.Sleep(1 * time.Second)
	return w.Start()
}

// Stop tears down the pipe-pane sidecar and the window, transitioning to
// dead regardless of teardown errors.
func (w *Worker) Stop() error {
	var errStop error
	if w.Target != "" {
		if err := w.adapter.StopPipePane(w.Target); err != nil {
			errStop = fmt.Errorf("stopping pipe-pane: %w", err)
		}
		if err := w.adapter.KillWindow(w.Target); err != nil {
			if errStop != nil {
				errStop = fmt.Errorf("%v; killing window: %w", errStop, err)
			} else {
				errStop = fmt.Errorf("killing window: %w", err)
			}
		}
	}
	w.State = task.StateDead
	return errStop
}

// ResourceUsage reports a worker pane's process-tree CPU/memory footprint,
// sampled via pgrep/ps. Valid is false when the pane's PID couldn't be
// resolved or ps didn't return parseable output — callers should keep
// whatever reading they already had rather than treat 0 as real.
type ResourceUsage struct {
	CPUPercent float64
	MemMB      float64
	Valid      bool
}

// CollectMetadata samples this worker's pane process tree for CPU/memory
// usage. Safe to call from a goroutine: reads only, no worker mutation.
func (w *Worker) CollectMetadata() ResourceUsage {
	if w.Target == "" {
		return ResourceUsage{}
	}

	pid, err := w.adapter.GetPanePID(w.Target)
	if err != nil {
		return ResourceUsage{}
	}

	targetPID := strconv.Itoa(pid)
	if childOut, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output(); err == nil {
		if children := strings.Fields(strings.TrimSpace(string(childOut))); len(children) > 0 {
			targetPID = children[0]
		}
	}

	psOut, err := exec.Command("ps", "-o", "%cpu=,rss=", "-p", targetPID).Output()
	if err != nil {
		return ResourceUsage{}
	}
	fields := strings.Fields(strings.TrimSpace(string(psOut)))
	if len(fields) < 2 {
		return ResourceUsage{}
	}
	cpu, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return ResourceUsage{}
	}
	rssKB, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return ResourceUsage{}
	}
	return ResourceUsage{CPUPercent: cpu, MemMB: rssKB / 1024, Valid: true}
}

// AdoptOrphan attaches this worker to an already-running multiplexer
// window, e.g. one that survived an engine crash/restart, instead of
// creating a fresh one. No readiness wait is performed since the window's
// program is presumably already up.
func (w *Worker) AdoptOrphan(target string) error {
	if !w.adapter.IsWindowAlive(target) {
		return fmt.Errorf("worker %s: orphan window %s is not alive", w.ID, target)
	}
	w.Target = target
	if err := w.adapter.StartPipePane(w.Target, w.PipeFile); err != nil {
		return fmt.Errorf("worker %s: starting pipe-pane on orphan: %w", w.ID, err)
	}
	now := time.Now()
	w.State = task.StateIdle
	w.LastCheckAt = now
	w.LastOutputChangeAt = now
	return nil
}

// Package task holds the data model shared by every orchestration
// component: Task, WorkerState, WorkerInfo, TaskAssignment, pattern/rule
// records, the OrchestratorAction sum type, and OrchestratorConfig.
//
// Mirrors session/instance_session.go's InstanceMetadata shape: plain
// value structs collected per tick, safe to pass across goroutine
// boundaries because nothing here holds a pointer into shared state.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is a Task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is a caller-supplied unit of work routed to one tool's worker pool.
type Task struct {
	ID     string // caller-supplied, stable
	Prompt string
	Agent  string // tool selector, e.g. "claude", "codex", "gemini"

	DependsOn []string

	Status Status

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64

	WorkerState    WorkerState // mirror of the assigned worker's last observed state
	WorktreePath   string
	WorktreeBranch string
	Error          string
	WorkerID       string
}

// DurationSince returns the milliseconds elapsed from start until now.
func (t *Task) DurationSince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

// WorkerState is the small closed set of runtime states a worker can occupy.
type WorkerState string

const (
	StateStarting         WorkerState = "starting"
	StateIdle             WorkerState = "idle"
	StateWorking          WorkerState = "working"
	StateWaitingApproval  WorkerState = "waiting_approval"
	StateWaitingInput     WorkerState = "waiting_input"
	StateRateLimited      WorkerState = "rate_limited"
	StateError            WorkerState = "error"
	StateStuck            WorkerState = "stuck"
	StateDead             WorkerState = "dead"
)

// WorkerInfo is the orchestrator's view of one persistent worker process.
type WorkerInfo struct {
	ID     string // "<tool>-<shortid>"
	Tool   string
	Target string // multiplexer target "session:window"

	State WorkerState

	Assignment *TaskAssignment

	TasksCompleted int

	PipeFile    string
	LastPipeSize int64

	LastCheckAt        time.Time
	LastOutputChangeAt time.Time
	CreatedAt          time.Time
}

// NewWorkerID synthesizes the "<tool>-<shortid>" worker identity.
func NewWorkerID(tool string) string {
	id := uuid.New().String()
	return tool + "-" + id[:8]
}

// TaskAssignment binds a worker to the task it is currently running.
type TaskAssignment struct {
	Task          Task
	AssignedAt    time.Time
	IdleDetectedAt time.Time // zero means unset
	HasWorked     bool
}

// IdleDetected reports whether IdleDetectedAt has been set.
func (a *TaskAssignment) IdleDetected() bool {
	return a != nil && !a.IdleDetectedAt.IsZero()
}

// StatePattern is one priority-ordered regex rule the State Detector tests.
type StatePattern struct {
	Name       string
	Regex      string // compiled by the profile registry
	State      WorkerState
	Priority   int
	WindowSize int // 0 means "use the detector's default window"
}

// ActionKind tags the OrchestratorAction sum type.
type ActionKind string

const (
	ActionNoop         ActionKind = "noop"
	ActionSendKeys     ActionKind = "send_keys"
	ActionSendText     ActionKind = "send_text"
	ActionApprove      ActionKind = "approve"
	ActionDismiss      ActionKind = "dismiss"
	ActionWait         ActionKind = "wait"
	ActionRestart      ActionKind = "restart"
	ActionEscalateLLM  ActionKind = "escalate_llm"
	ActionMarkComplete ActionKind = "mark_complete"
	ActionMarkFailed   ActionKind = "mark_failed"
)

// OrchestratorAction is the closed sum type every decision (Tier 1 or
// Tier 2) resolves to. Exactly one of the payload fields is meaningful,
// selected by Kind.
type OrchestratorAction struct {
	Kind ActionKind

	Keys   []string // send_keys
	Text   string   // send_text, escalate_llm's prompt
	WaitMs int      // wait
	Reason string   // mark_failed
}

// Noop is the zero-cost default action.
func Noop() OrchestratorAction { return OrchestratorAction{Kind: ActionNoop} }

// StateSnapshot is a single classification result.
type StateSnapshot struct {
	State        WorkerState
	MatchedRule  string
	PaneText     string // ANSI-stripped
	Timestamp    time.Time
	StuckForMs   int64 // set only when State == StateStuck
}

// OrchestratorConfig tunes the control loop (spec.md §3).
type OrchestratorConfig struct {
	Enabled                bool   `toml:"enabled"`
	MaxWorkers             int    `toml:"max_workers"`
	TickIntervalMs         int    `toml:"tick_interval_ms"`
	AutoApprove            bool   `toml:"auto_approve"`
	StuckTimeoutMs         int    `toml:"stuck_timeout_ms"`
	LLMEscalationTool      string `toml:"llm_escalation_tool"`
	LLMContextLines        int    `toml:"llm_context_lines"`
	IdleSettlingMs         int    `toml:"idle_settling_ms"`
	MaxTasksPerWorker      int    `toml:"max_tasks_per_worker"` // 0 = unbounded
	UseWorktrees           bool   `toml:"use_worktrees"`
	WorktreeDir            string `toml:"worktree_dir"`
	RepoRoot               string `toml:"repo_root,omitempty"`
	TaskTimeoutMs          int    `toml:"task_timeout_ms"`
	LLMEscalationTimeoutMs int    `toml:"llm_escalation_timeout_ms"`

	GranularPermissions   bool   `toml:"granular_permissions"`
	AllowedCommandPattern string `toml:"allowed_command_pattern,omitempty"` // regex; empty matches nothing
	DeniedCommandPattern  string `toml:"denied_command_pattern,omitempty"`  // regex; empty matches nothing
}

// DefaultOrchestratorConfig mirrors the teacher's DefaultConfig shape
// (config/config.go) — sane values an operator rarely needs to override.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Enabled:                true,
		MaxWorkers:             4,
		TickIntervalMs:         2000,
		AutoApprove:            false,
		StuckTimeoutMs:         120_000,
		LLMEscalationTool:      "claude",
		LLMContextLines:        60,
		IdleSettlingMs:         3000,
		MaxTasksPerWorker:      0,
		UseWorktrees:           false,
		WorktreeDir:            ".openhive/worktrees",
		TaskTimeoutMs:          0,
		LLMEscalationTimeoutMs: 60_000,
		GranularPermissions:    false,
	}
}

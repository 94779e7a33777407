// Package action is the Response Engine (spec.md §4.5): Tier 1 programmatic
// rules that turn a StateSnapshot into an OrchestratorAction, and Tier 2
// headless-LLM escalation for states a static rule can't resolve alone.
//
// Grounded on session/permission_prompt.go's opencode "Permission required"
// dialog parser and session/tmux/permission.go's three-way PermissionChoice
// key sequence for the waiting_approval classification, and on the overall
// priority-ordered dispatch shape of app/wave_orchestrator.go's task
// routing.
package action

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
)

// Rule is one priority-ordered decision: if the current state is in States
// and Predicate (when set) returns true, Build resolves the action.
type Rule struct {
	Name      string
	States    []task.WorkerState
	Predicate func(ctx Context) bool
	Build     func(ctx Context) task.OrchestratorAction
	Priority  int
}

// Context is everything a Rule needs to decide and build an action.
type Context struct {
	Snapshot   task.StateSnapshot
	Assignment *task.TaskAssignment
	Config     task.OrchestratorConfig
	Now        time.Time
}

func inStates(s task.WorkerState, states []task.WorkerState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// RuleSet is a priority-sorted collection of Rules. Ties are broken by
// registration order: sort.SliceStable preserves the input order among
// equal priorities, so the first-registered rule of a tied group wins.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet sorts rules once by descending priority, stable on ties.
func NewRuleSet(rules []Rule) *RuleSet {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &RuleSet{rules: sorted}
}

// Decide returns the first matching rule's action, or Noop if none match.
func (rs *RuleSet) Decide(ctx Context) task.OrchestratorAction {
	for _, r := range rs.rules {
		if !inStates(ctx.Snapshot.State, r.States) {
			continue
		}
		if r.Predicate != nil && !r.Predicate(ctx) {
			continue
		}
		return r.Build(ctx)
	}
	return task.Noop()
}

// DefaultRuleSet builds the rule set spec.md §4.5 describes. Every state
// but idle has exactly one rule below; idle's two rules (settled complete,
// then noop) are ordered by their distinct priorities.
func DefaultRuleSet() *RuleSet {
	return NewRuleSet([]Rule{
		{
			Name:     "waiting_approval",
			States:   []task.WorkerState{task.StateWaitingApproval},
			Priority: 100,
			Build:    buildApprovalAction,
		},
		{
			Name:     "starting_dismiss",
			States:   []task.WorkerState{task.StateStarting},
			Priority: 90,
			Build: func(ctx Context) task.OrchestratorAction {
				return task.OrchestratorAction{Kind: task.ActionDismiss}
			},
		},
		{
			Name:     "rate_limited_wait",
			States:   []task.WorkerState{task.StateRateLimited},
			Priority: 80,
			Build: func(ctx Context) task.OrchestratorAction {
				return task.OrchestratorAction{Kind: task.ActionWait, WaitMs: 60_000}
			},
		},
		{
			Name:     "waiting_input_escalate",
			States:   []task.WorkerState{task.StateWaitingInput},
			Priority: 70,
			Build: func(ctx Context) task.OrchestratorAction {
				return task.OrchestratorAction{Kind: task.ActionEscalateLLM}
			},
		},
		{
			Name:     "stuck_escalate",
			States:   []task.WorkerState{task.StateStuck},
			Priority: 60,
			Build: func(ctx Context) task.OrchestratorAction {
				return task.OrchestratorAction{Kind: task.ActionEscalateLLM}
			},
		},
		{
			Name:     "error_escalate",
			States:   []task.WorkerState{task.StateError},
			Priority: 50,
			Build: func(ctx Context) task.OrchestratorAction {
				return task.OrchestratorAction{Kind: task.ActionEscalateLLM}
			},
		},
		{
			Name:     "working_noop",
			States:   []task.WorkerState{task.StateWorking},
			Priority: 40,
			Build: func(ctx Context) task.OrchestratorAction {
				return task.Noop()
			},
		},
		{
			Name:     "idle_settled_complete",
			States:   []task.WorkerState{task.StateIdle},
			Priority: 30,
			Predicate: func(ctx Context) bool {
				if ctx.Assignment == nil || !ctx.Assignment.IdleDetected() {
					return false
				}
				settlingMs := ctx.Config.IdleSettlingMs
				if settlingMs <= 0 {
					settlingMs = 3000
				}
				return ctx.Snapshot.Timestamp.Sub(ctx.Assignment.IdleDetectedAt) >= time.Duration(settlingMs)*time.Millisecond
			},
			Build: func(ctx Context) task.OrchestratorAction {
				return task.OrchestratorAction{Kind: task.ActionMarkComplete}
			},
		},
		{
			Name:     "idle_noop",
			States:   []task.WorkerState{task.StateIdle},
			Priority: 20,
			Build: func(ctx Context) task.OrchestratorAction {
				return task.Noop()
			},
		},
		{
			Name:     "dead_restart",
			States:   []task.WorkerState{task.StateDead},
			Priority: 10,
			Build: func(ctx Context) task.OrchestratorAction {
				return task.OrchestratorAction{Kind: task.ActionRestart}
			},
		},
	})
}

var (
	reFileWrite  = regexp.MustCompile(`(?i)\b(write|edit|create)\s*\(|writing to file|create file`)
	reShellExec  = regexp.MustCompile(`(?i)\bbash\s*\(|run(ning)? command|execute shell`)
	reNetwork    = regexp.MustCompile(`(?i)\bfetch\s*\(|webfetch|curl\s|http(s)?://`)
	rePkgInstall = regexp.MustCompile(`(?i)npm install|pip install|go get|cargo add|gem install`)
)

// buildApprovalAction implements the waiting_approval rule's granular
// classification (spec.md §4.5 / SPEC_FULL.md §4 "Granular permission
// classification").
func buildApprovalAction(ctx Context) task.OrchestratorAction {
	text := ctx.Snapshot.PaneText

	if ctx.Config.GranularPermissions {
		decision, category := classifyApproval(text, ctx.Config)
		switch decision {
		case decisionAllow:
			return task.OrchestratorAction{Kind: task.ActionApprove}
		case decisionDeny:
			return task.OrchestratorAction{Kind: task.ActionMarkFailed, Reason: "denied (" + category + "): " + lastNLines(text, 10)}
		default:
			return task.OrchestratorAction{Kind: task.ActionEscalateLLM}
		}
	}

	if ctx.Config.AutoApprove {
		return task.OrchestratorAction{Kind: task.ActionApprove}
	}
	return task.OrchestratorAction{Kind: task.ActionEscalateLLM}
}

const (
	decisionAllow = "allow"
	decisionDeny  = "deny"
	decisionAsk   = "ask"
)

// classifyApproval buckets approval-prompt text into a category and an
// allow/deny/ask decision. Explicit denied/allowed command regexes from
// config take precedence over the built-in category defaults.
func classifyApproval(text string, cfg task.OrchestratorConfig) (decision, category string) {
	if cfg.DeniedCommandPattern != "" {
		if re, err := regexp.Compile(cfg.DeniedCommandPattern); err == nil && re.MatchString(text) {
			return decisionDeny, "denied_command_regex"
		}
	}
	if cfg.AllowedCommandPattern != "" {
		if re, err := regexp.Compile(cfg.AllowedCommandPattern); err == nil && re.MatchString(text) {
			return decisionAllow, "allowed_command_regex"
		}
	}

	switch {
	case reFileWrite.MatchString(text):
		return decisionAllow, "file_write"
	case rePkgInstall.MatchString(text):
		return decisionAsk, "package_install"
	case reNetwork.MatchString(text):
		return decisionAsk, "network"
	case reShellExec.MatchString(text):
		return decisionAsk, "shell_exec"
	default:
		return decisionAsk, "unclassified"
	}
}

func lastNLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

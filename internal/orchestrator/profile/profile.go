// Package profile is the Tool Profile Registry (spec.md §4.2): a static
// mapping from tool name to the regex/keybinding knowledge needed to drive
// that tool's TUI from inside a multiplexer window.
//
// Grounded on session/tmux/tmux.go's isClaudeProgram/isAiderProgram/
// isGeminiProgram/isOpenCodeProgram switches (trust-dialog search strings,
// per-tool ready banners) and session/tmux/permission.go's opencode
// permission-dialog key sequence, generalized from a hardcoded Start()
// switch into data the State Detector and Response Engine consume.
package profile

import (
	"fmt"
	"regexp"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
)

const (
	ToolClaude   = "claude"
	ToolAider    = "aider"
	ToolGemini   = "gemini"
	ToolOpenCode = "opencode"
)

// StatePatternSpec is one priority-ordered regex rule, pre-compiled.
type StatePatternSpec struct {
	Name       string
	Regex      *regexp.Regexp
	State      task.WorkerState
	Priority   int // higher wins
	WindowSize int // 0 means "use the detector's default window (30 lines)"
}

// ToolOrchestrationProfile is everything the engine needs to drive one tool.
type ToolOrchestrationProfile struct {
	Tool string

	StartCommand string
	StartArgs    []string

	ReadyPattern         *regexp.Regexp
	StartupDialogPattern *regexp.Regexp
	DismissKey           string

	ExitSequence [][]string // list of key-arrays, sent in order
	ExitDelayMs  int

	StatePatterns    []StatePatternSpec
	ActivityPatterns []*regexp.Regexp

	// CompletionPattern is the idle/prompt-ready banner IsComplete() tests
	// against the trailing 5 lines. It must be distinct from any higher-
	// priority StatePattern (e.g. a startup/approval dialog) — otherwise
	// that rule claims the match first and StateIdle is never reached.
	CompletionPattern *regexp.Regexp

	StuckTimeoutMsDefault int
}

var (
	reTrustDialog  = regexp.MustCompile(`Do you trust the files in this folder\?`)
	rePermReqd     = regexp.MustCompile(`Permission required`)
	reAskAnything  = regexp.MustCompile(`Ask anything`)
	reAiderDocsURL = regexp.MustCompile(`Open documentation url for more info`)
	reQuestionEnd  = regexp.MustCompile(`\?\s*$`)
	reRateLimited  = regexp.MustCompile(`(?i)rate.?limit|usage limit reached|try again (later|in)`)
	reErrorBanner  = regexp.MustCompile(`(?i)^\s*(error|failed|exception)[:\s]`)
	reCostMarker   = regexp.MustCompile(`(?i)esc to interrupt|thinking|\$\d+\.\d\d`)
	reSpinner      = regexp.MustCompile(`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`)

	// Idle composer banners, observed only once a tool's startup dialog has
	// already been dismissed — distinct from each tool's StartupDialogPattern
	// so IsComplete() can still fire after the higher-priority dialog
	// StatePattern stops matching.
	reClaudeIdlePrompt = regexp.MustCompile(`Try "`)
	reAiderIdlePrompt  = regexp.MustCompile(`(?m)^>\s*$`)
	reGeminiIdlePrompt = regexp.MustCompile(`Type your message`)
)

var registry = map[string]ToolOrchestrationProfile{
	ToolClaude: {
		Tool:                 ToolClaude,
		StartCommand:         "claude",
		ReadyPattern:         reTrustDialog,
		StartupDialogPattern: reTrustDialog,
		DismissKey:           "Enter",
		ExitSequence:         [][]string{{"C-c"}, {"C-c"}},
		ExitDelayMs:          200,
		StatePatterns: []StatePatternSpec{
			{Name: "rate_limited", Regex: reRateLimited, State: task.StateRateLimited, Priority: 100},
			{Name: "trust_dialog", Regex: reTrustDialog, State: task.StateWaitingApproval, Priority: 90, WindowSize: 5},
			{Name: "permission_required", Regex: rePermReqd, State: task.StateWaitingApproval, Priority: 90, WindowSize: 10},
			{Name: "error_banner", Regex: reErrorBanner, State: task.StateError, Priority: 80},
			{Name: "question_prompt", Regex: reQuestionEnd, State: task.StateWaitingInput, Priority: 50, WindowSize: 5},
			{Name: "thinking_spinner", Regex: reSpinner, State: task.StateWorking, Priority: 10},
			{Name: "cost_marker", Regex: reCostMarker, State: task.StateWorking, Priority: 10},
		},
		ActivityPatterns:      []*regexp.Regexp{reSpinner, reCostMarker},
		CompletionPattern:     reClaudeIdlePrompt,
		StuckTimeoutMsDefault: 120_000,
	},
	ToolAider: {
		Tool:                 ToolAider,
		StartCommand:         "aider",
		ReadyPattern:         reAiderDocsURL,
		StartupDialogPattern: reAiderDocsURL,
		DismissKey:           "Enter",
		ExitSequence:         [][]string{{"/exit"}, {"Enter"}},
		ExitDelayMs:          300,
		StatePatterns: []StatePatternSpec{
			{Name: "rate_limited", Regex: reRateLimited, State: task.StateRateLimited, Priority: 100},
			{Name: "docs_url_dialog", Regex: reAiderDocsURL, State: task.StateWaitingApproval, Priority: 90, WindowSize: 5},
			{Name: "error_banner", Regex: reErrorBanner, State: task.StateError, Priority: 80},
			{Name: "question_prompt", Regex: reQuestionEnd, State: task.StateWaitingInput, Priority: 50, WindowSize: 5},
		},
		ActivityPatterns:      []*regexp.Regexp{regexp.MustCompile(`(?i)tokens:|repo-map`)},
		CompletionPattern:     reAiderIdlePrompt,
		StuckTimeoutMsDefault: 150_000,
	},
	ToolGemini: {
		Tool:                 ToolGemini,
		StartCommand:         "gemini",
		ReadyPattern:         reAiderDocsURL,
		StartupDialogPattern: reAiderDocsURL,
		DismissKey:           "Enter",
		ExitSequence:         [][]string{{"C-c"}, {"C-c"}},
		ExitDelayMs:          200,
		StatePatterns: []StatePatternSpec{
			{Name: "rate_limited", Regex: reRateLimited, State: task.StateRateLimited, Priority: 100},
			{Name: "docs_url_dialog", Regex: reAiderDocsURL, State: task.StateWaitingApproval, Priority: 90, WindowSize: 5},
			{Name: "error_banner", Regex: reErrorBanner, State: task.StateError, Priority: 80},
			{Name: "question_prompt", Regex: reQuestionEnd, State: task.StateWaitingInput, Priority: 50, WindowSize: 5},
		},
		ActivityPatterns:      []*regexp.Regexp{reSpinner},
		CompletionPattern:     reGeminiIdlePrompt,
		StuckTimeoutMsDefault: 150_000,
	},
	ToolOpenCode: {
		Tool:                 ToolOpenCode,
		StartCommand:         "opencode",
		ReadyPattern:         reAskAnything,
		StartupDialogPattern: nil, // opencode's placeholder text doubles as the ready signal; no dialog to dismiss
		DismissKey:           "Enter",
		ExitSequence:         [][]string{{"C-c"}, {"C-c"}},
		ExitDelayMs:          200,
		StatePatterns: []StatePatternSpec{
			{Name: "rate_limited", Regex: reRateLimited, State: task.StateRateLimited, Priority: 100},
			{Name: "permission_required", Regex: rePermReqd, State: task.StateWaitingApproval, Priority: 90, WindowSize: 10},
			{Name: "error_banner", Regex: reErrorBanner, State: task.StateError, Priority: 80},
			{Name: "question_prompt", Regex: reQuestionEnd, State: task.StateWaitingInput, Priority: 50, WindowSize: 5},
		},
		ActivityPatterns:      []*regexp.Regexp{regexp.MustCompile(`(?i)working|generating`)},
		CompletionPattern:     reAskAnything,
		StuckTimeoutMsDefault: 120_000,
	},
}

// Get returns the profile for tool, or an error if tool has no orchestration
// profile — some tools are wired only for one-shot dispatch and are never
// driven interactively.
func Get(tool string) (ToolOrchestrationProfile, error) {
	p, ok := registry[tool]
	if !ok {
		return ToolOrchestrationProfile{}, fmt.Errorf("no orchestration profile registered for tool %q", tool)
	}
	return p, nil
}

// Registered lists every tool with an orchestration profile.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

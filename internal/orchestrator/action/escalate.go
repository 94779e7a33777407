package action

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/worker"
	"github.com/ryanashbaugh/openhive/log"
)

// Invoker runs a headless LLM CLI and returns its stdout. Abstracted so
// tests can script responses without a real CLI on PATH — mirrors
// internal/tmux.Executor's fakeability pattern.
type Invoker interface {
	Invoke(ctx context.Context, tool, prompt string) (string, error)
}

type execInvoker struct{}

// NewExecInvoker returns the Invoker that shells out to the named tool's
// headless mode.
func NewExecInvoker() Invoker { return execInvoker{} }

// headlessArgv builds each escalation tool's one-shot CLI invocation. Every
// tool speaks a different headless dialect (spec.md §6), so this is a
// lookup keyed the same way internal/orchestrator/profile's registry is,
// not one universal flag set.
func headlessArgv(tool, prompt string) []string {
	switch tool {
	case "codex":
		return []string{"exec", "--json", prompt}
	case "gemini":
		return []string{"-p", prompt, "--output-format", "stream-json"}
	case "aider":
		return []string{"--message", prompt, "--yes-always"}
	default: // claude and anything else registered like it
		return []string{"-p", prompt, "--output-format", "text"}
	}
}

func (execInvoker) Invoke(ctx context.Context, tool, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, tool, headlessArgv(tool, prompt)...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("invoking %s headless: %w", tool, err)
	}
	return string(out), nil
}

// EscalationResult is the full record of a Tier 2 decision, kept for audit
// logging even though only Action drives the control loop.
type EscalationResult struct {
	RawResponse string
	Parsed      string // one of the meta-commands, or "TEXT"
	Action      task.OrchestratorAction
	DurationMs  int64
}

var metaCommands = map[string]bool{
	"APPROVE": true,
	"WAIT":    true,
	"RESTART": true,
	"DONE":    true,
	"FAILED":  true,
}

// ResolveEscalation builds a supervisor prompt from w's recent output and
// the current task, invokes the escalation tool headlessly, and maps its
// response to an action.
func ResolveEscalation(ctx Context, w *worker.Worker, invoker Invoker) EscalationResult {
	start := time.Now()

	contextLines := ctx.Config.LLMContextLines
	if contextLines <= 0 {
		contextLines = 60
	}
	paneTail, err := w.ReadContextTail(contextLines)
	if err != nil || strings.TrimSpace(paneTail) == "" {
		paneTail = lastNLines(ctx.Snapshot.PaneText, contextLines)
	}

	prompt := buildEscalationPrompt(ctx, paneTail)

	timeoutMs := ctx.Config.LLMEscalationTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 60_000
	}
	cctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	tool := ctx.Config.LLMEscalationTool
	if tool == "" {
		tool = "claude"
	}

	raw, err := invoker.Invoke(cctx, tool, prompt)
	if err != nil {
		log.WarningLog.Printf("escalation invoke failed for tool %s: %v", tool, err)
		raw = ""
	}

	parsed, resolved := parseEscalationResponse(raw, ctx.Snapshot.State)
	return EscalationResult{
		RawResponse: raw,
		Parsed:      parsed,
		Action:      resolved,
		DurationMs:  time.Since(start).Milliseconds(),
	}
}

func buildEscalationPrompt(ctx Context, paneTail string) string {
	var b strings.Builder
	b.WriteString("You are a supervisor overseeing an autonomous coding agent.\n\n")
	b.WriteString(fmt.Sprintf("Situation: the agent is in state %q.\n", ctx.Snapshot.State))
	b.WriteString(explainState(ctx.Snapshot.State))
	b.WriteString("\n")
	if ctx.Assignment != nil {
		b.WriteString(fmt.Sprintf("Current task prompt:\n%s\n\n", ctx.Assignment.Task.Prompt))
	}
	b.WriteString("Recent pane output:\n```\n")
	b.WriteString(paneTail)
	b.WriteString("\n```\n\n")
	b.WriteString("Respond with exactly one of APPROVE, WAIT, RESTART, DONE, FAILED on the first line, ")
	b.WriteString("or plain text to send to the agent verbatim if none of those apply.\n")
	return b.String()
}

func explainState(s task.WorkerState) string {
	switch s {
	case task.StateWaitingInput:
		return "The agent appears to be asking a question and is blocked until it's answered."
	case task.StateStuck:
		return "The agent has produced no new output for longer than its stuck timeout."
	case task.StateError:
		return "The agent's pane shows an error banner."
	default:
		return ""
	}
}

// parseEscalationResponse applies spec.md §4.5 step 4: the first non-blank
// line, upper-cased and trimmed, is checked against the closed meta-command
// set; otherwise the whole response is literal text. Empty response → WAIT.
func parseEscalationResponse(raw string, state task.WorkerState) (parsed string, act task.OrchestratorAction) {
	firstLine := ""
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) != "" {
			firstLine = strings.ToUpper(strings.TrimSpace(line))
			break
		}
	}

	if firstLine == "" {
		return "WAIT", task.OrchestratorAction{Kind: task.ActionWait, WaitMs: 30_000}
	}

	if metaCommands[firstLine] {
		switch firstLine {
		case "APPROVE":
			return firstLine, task.OrchestratorAction{Kind: task.ActionApprove}
		case "WAIT":
			return firstLine, task.OrchestratorAction{Kind: task.ActionWait, WaitMs: 30_000}
		case "RESTART":
			return firstLine, task.OrchestratorAction{Kind: task.ActionRestart}
		case "DONE":
			return firstLine, task.OrchestratorAction{Kind: task.ActionMarkComplete}
		case "FAILED":
			return firstLine, task.OrchestratorAction{Kind: task.ActionMarkFailed, Reason: string(state)}
		}
	}

	return "TEXT", task.OrchestratorAction{Kind: task.ActionSendText, Text: strings.TrimSpace(raw)}
}

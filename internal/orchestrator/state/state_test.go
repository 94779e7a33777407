package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/profile"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
)

func TestDetect_FirstMatchByPriorityWins(t *testing.T) {
	p, err := profile.Get(profile.ToolClaude)
	require.NoError(t, err)

	snap := Detect(p, "we are being rate limited, please wait\nDo you trust the files in this folder?")
	assert.Equal(t, task.StateRateLimited, snap.State, "rate_limited has higher priority than trust_dialog")
}

func TestDetect_EmptyTextIsStarting(t *testing.T) {
	p, err := profile.Get(profile.ToolClaude)
	require.NoError(t, err)

	snap := Detect(p, "   \n\n  ")
	assert.Equal(t, task.StateStarting, snap.State)
}

func TestDetect_NoMatchFallsBackToWorking(t *testing.T) {
	p, err := profile.Get(profile.ToolClaude)
	require.NoError(t, err)

	snap := Detect(p, "writing main.go...\nediting tests...")
	assert.Equal(t, task.StateWorking, snap.State)
}

func TestDetect_CompletionPatternFallsBackToIdle(t *testing.T) {
	p, err := profile.Get(profile.ToolOpenCode)
	require.NoError(t, err)

	snap := Detect(p, "some prior output\nAsk anything")
	assert.Equal(t, task.StateIdle, snap.State)
	assert.Equal(t, "completion_pattern", snap.MatchedRule)
}

func TestRefine_RewritesWorkingToStuckPastTimeout(t *testing.T) {
	now := time.Now()
	snap := task.StateSnapshot{State: task.StateWorking, Timestamp: now}
	lastChange := now.Add(-200 * time.Second)

	refined := Refine(snap, lastChange, 120_000)
	assert.Equal(t, task.StateStuck, refined.State)
	assert.Equal(t, "stuck_timeout", refined.MatchedRule)
	assert.Greater(t, refined.StuckForMs, int64(119_000))
}

func TestRefine_LeavesNonWorkingStatesAlone(t *testing.T) {
	now := time.Now()
	snap := task.StateSnapshot{State: task.StateIdle, Timestamp: now}
	refined := Refine(snap, now.Add(-1*time.Hour), 1000)
	assert.Equal(t, task.StateIdle, refined.State)
}

func TestRefine_DoesNotRewriteWithinTimeout(t *testing.T) {
	now := time.Now()
	snap := task.StateSnapshot{State: task.StateWorking, Timestamp: now}
	lastChange := now.Add(-5 * time.Second)

	refined := Refine(snap, lastChange, 120_000)
	assert.Equal(t, task.StateWorking, refined.State)
}

func TestHasActivity(t *testing.T) {
	p, err := profile.Get(profile.ToolClaude)
	require.NoError(t, err)

	assert.True(t, HasActivity(p, "thinking...\nsome text"))
	assert.False(t, HasActivity(p, "nothing special here"))
}

func TestIsComplete(t *testing.T) {
	p, err := profile.Get(profile.ToolClaude)
	require.NoError(t, err)

	assert.True(t, IsComplete(p, `Try "explain this code"`))
	assert.False(t, IsComplete(p, "writing code..."))
}

// TestDetect_ClaudeReachesIdleAfterDialogDismissed guards against the
// completion pattern regressing to duplicate a higher-priority StatePattern
// (e.g. the trust dialog), which would make StateIdle unreachable for any
// tool whose approval dialog is also its only completion signal.
func TestDetect_ClaudeReachesIdleAfterDialogDismissed(t *testing.T) {
	p, err := profile.Get(profile.ToolClaude)
	require.NoError(t, err)

	snap := Detect(p, "implemented the feature\n"+`Try "explain this code"`)
	assert.Equal(t, task.StateIdle, snap.State)
	assert.Equal(t, "completion_pattern", snap.MatchedRule)
}

func TestDetect_AiderAndGeminiReachIdleViaDistinctCompletionPattern(t *testing.T) {
	aider, err := profile.Get(profile.ToolAider)
	require.NoError(t, err)
	snap := Detect(aider, "applied edits\n>")
	assert.Equal(t, task.StateIdle, snap.State)

	gemini, err := profile.Get(profile.ToolGemini)
	require.NoError(t, err)
	snap = Detect(gemini, "applied edits\nType your message")
	assert.Equal(t, task.StateIdle, snap.State)
}

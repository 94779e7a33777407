// Package state is the State Detector (spec.md §4.3): classifies
// ANSI-stripped pane text into a task.StateSnapshot using a tool's
// priority-sorted state patterns, then refines "working" into "stuck" when
// output hasn't moved for too long.
//
// Grounded on session/instance_session.go's status-classification flow
// (the teacher inlines this per-instance; here it's pulled out into a pure
// function over profile.StatePatternSpec so it's independent of any one
// multiplexer window).
package state

import (
	"sort"
	"strings"
	"time"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/profile"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
)

const defaultWindowSize = 30

// Detect classifies text (already ANSI-stripped) using p's state patterns.
func Detect(p profile.ToolOrchestrationProfile, text string) task.StateSnapshot {
	now := time.Now()
	patterns := make([]profile.StatePatternSpec, len(p.StatePatterns))
	copy(patterns, p.StatePatterns)
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Priority > patterns[j].Priority
	})

	for _, pat := range patterns {
		window := pat.WindowSize
		if window == 0 {
			window = defaultWindowSize
		}
		candidate := trailingNonBlankLines(text, window)
		if pat.Regex != nil && pat.Regex.MatchString(candidate) {
			return task.StateSnapshot{
				State:       pat.State,
				MatchedRule: pat.Name,
				PaneText:    text,
				Timestamp:   now,
			}
		}
	}

	if strings.TrimSpace(text) == "" {
		return task.StateSnapshot{State: task.StateStarting, PaneText: text, Timestamp: now}
	}
	if IsComplete(p, text) {
		return task.StateSnapshot{State: task.StateIdle, MatchedRule: "completion_pattern", PaneText: text, Timestamp: now}
	}
	return task.StateSnapshot{State: task.StateWorking, PaneText: text, Timestamp: now}
}

// Refine rewrites a "working" snapshot to "stuck" if output has been
// unchanged longer than stuckTimeoutMs. This is the only place "stuck" is
// produced.
func Refine(snapshot task.StateSnapshot, lastOutputChangeAt time.Time, stuckTimeoutMs int) task.StateSnapshot {
	if snapshot.State != task.StateWorking {
		return snapshot
	}
	idleFor := snapshot.Timestamp.Sub(lastOutputChangeAt)
	if idleFor > time.Duration(stuckTimeoutMs)*time.Millisecond {
		snapshot.State = task.StateStuck
		snapshot.MatchedRule = "stuck_timeout"
		snapshot.StuckForMs = idleFor.Milliseconds()
	}
	return snapshot
}

// HasActivity tests p's activity patterns against the trailing 15 lines —
// a cheaper check than full classification for callers that only need to
// know "is this worker producing output right now".
func HasActivity(p profile.ToolOrchestrationProfile, text string) bool {
	candidate := trailingNonBlankLines(text, 15)
	for _, re := range p.ActivityPatterns {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

// IsComplete tests p's completion pattern against the trailing 5 lines.
func IsComplete(p profile.ToolOrchestrationProfile, text string) bool {
	if p.CompletionPattern == nil {
		return false
	}
	candidate := trailingNonBlankLines(text, 5)
	return p.CompletionPattern.MatchString(candidate)
}

func trailingNonBlankLines(text string, n int) string {
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
	return strings.Join(nonBlank, "\n")
}

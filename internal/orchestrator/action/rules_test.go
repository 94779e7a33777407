package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
)

func TestDecide_StartingDismisses(t *testing.T) {
	rs := DefaultRuleSet()
	act := rs.Decide(Context{Snapshot: task.StateSnapshot{State: task.StateStarting}})
	assert.Equal(t, task.ActionDismiss, act.Kind)
}

func TestDecide_RateLimitedWaits60s(t *testing.T) {
	rs := DefaultRuleSet()
	act := rs.Decide(Context{Snapshot: task.StateSnapshot{State: task.StateRateLimited}})
	assert.Equal(t, task.ActionWait, act.Kind)
	assert.Equal(t, 60_000, act.WaitMs)
}

func TestDecide_WorkingIsNoop(t *testing.T) {
	rs := DefaultRuleSet()
	act := rs.Decide(Context{Snapshot: task.StateSnapshot{State: task.StateWorking}})
	assert.Equal(t, task.ActionNoop, act.Kind)
}

func TestDecide_DeadRestarts(t *testing.T) {
	rs := DefaultRuleSet()
	act := rs.Decide(Context{Snapshot: task.StateSnapshot{State: task.StateDead}})
	assert.Equal(t, task.ActionRestart, act.Kind)
}

func TestDecide_IdleWithoutAssignmentIsNoop(t *testing.T) {
	rs := DefaultRuleSet()
	act := rs.Decide(Context{Snapshot: task.StateSnapshot{State: task.StateIdle}})
	assert.Equal(t, task.ActionNoop, act.Kind)
}

func TestDecide_IdleBeforeSettlingIsNoop(t *testing.T) {
	rs := DefaultRuleSet()
	now := time.Now()
	assignment := &task.TaskAssignment{IdleDetectedAt: now}
	act := rs.Decide(Context{
		Snapshot:   task.StateSnapshot{State: task.StateIdle, Timestamp: now.Add(500 * time.Millisecond)},
		Assignment: assignment,
		Config:     task.OrchestratorConfig{IdleSettlingMs: 3000},
	})
	assert.Equal(t, task.ActionNoop, act.Kind)
}

func TestDecide_IdleAfterSettlingCompletes(t *testing.T) {
	rs := DefaultRuleSet()
	now := time.Now()
	assignment := &task.TaskAssignment{IdleDetectedAt: now}
	act := rs.Decide(Context{
		Snapshot:   task.StateSnapshot{State: task.StateIdle, Timestamp: now.Add(5 * time.Second)},
		Assignment: assignment,
		Config:     task.OrchestratorConfig{IdleSettlingMs: 3000},
	})
	assert.Equal(t, task.ActionMarkComplete, act.Kind)
}

func TestBuildApprovalAction_AutoApproveWithoutGranular(t *testing.T) {
	act := buildApprovalAction(Context{
		Snapshot: task.StateSnapshot{State: task.StateWaitingApproval, PaneText: "Write(main.go)"},
		Config:   task.OrchestratorConfig{AutoApprove: true},
	})
	assert.Equal(t, task.ActionApprove, act.Kind)
}

func TestBuildApprovalAction_NeitherGranularNorAutoApproveEscalates(t *testing.T) {
	act := buildApprovalAction(Context{
		Snapshot: task.StateSnapshot{State: task.StateWaitingApproval, PaneText: "Bash(rm -rf /)"},
		Config:   task.OrchestratorConfig{},
	})
	assert.Equal(t, task.ActionEscalateLLM, act.Kind)
}

func TestBuildApprovalAction_GranularDeniedRegexFails(t *testing.T) {
	act := buildApprovalAction(Context{
		Snapshot: task.StateSnapshot{State: task.StateWaitingApproval, PaneText: "Bash(rm -rf /)"},
		Config: task.OrchestratorConfig{
			GranularPermissions:  true,
			DeniedCommandPattern: `rm -rf`,
		},
	})
	assert.Equal(t, task.ActionMarkFailed, act.Kind)
}

func TestBuildApprovalAction_GranularAllowedRegexApproves(t *testing.T) {
	act := buildApprovalAction(Context{
		Snapshot: task.StateSnapshot{State: task.StateWaitingApproval, PaneText: "Bash(go test ./...)"},
		Config: task.OrchestratorConfig{
			GranularPermissions:   true,
			AllowedCommandPattern: `go test`,
		},
	})
	assert.Equal(t, task.ActionApprove, act.Kind)
}

func TestBuildApprovalAction_GranularFileWriteDefaultsAllow(t *testing.T) {
	act := buildApprovalAction(Context{
		Snapshot: task.StateSnapshot{State: task.StateWaitingApproval, PaneText: "Write(internal/foo.go)"},
		Config:   task.OrchestratorConfig{GranularPermissions: true},
	})
	assert.Equal(t, task.ActionApprove, act.Kind)
}

func TestBuildApprovalAction_GranularNetworkAsksByDefault(t *testing.T) {
	act := buildApprovalAction(Context{
		Snapshot: task.StateSnapshot{State: task.StateWaitingApproval, PaneText: "WebFetch(https://example.com)"},
		Config:   task.OrchestratorConfig{GranularPermissions: true},
	})
	assert.Equal(t, task.ActionEscalateLLM, act.Kind)
}

func TestClassifyApproval_DeniedTakesPrecedenceOverAllowed(t *testing.T) {
	decision, category := classifyApproval("go test ./... && rm -rf /", task.OrchestratorConfig{
		DeniedCommandPattern:  `rm -rf`,
		AllowedCommandPattern: `go test`,
	})
	assert.Equal(t, decisionDeny, decision)
	assert.Equal(t, "denied_command_regex", category)
}

func TestDecide_PriorityTiesBrokenByRegistrationOrder(t *testing.T) {
	calls := []string{}
	rs := NewRuleSet([]Rule{
		{
			Name:     "first",
			States:   []task.WorkerState{task.StateIdle},
			Priority: 5,
			Build: func(ctx Context) task.OrchestratorAction {
				calls = append(calls, "first")
				return task.Noop()
			},
		},
		{
			Name:     "second",
			States:   []task.WorkerState{task.StateIdle},
			Priority: 5,
			Build: func(ctx Context) task.OrchestratorAction {
				calls = append(calls, "second")
				return task.Noop()
			},
		},
	})

	rs.Decide(Context{Snapshot: task.StateSnapshot{State: task.StateIdle}})
	assert.Equal(t, []string{"first"}, calls, "first-registered rule among equal priorities wins")
}

package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewWorkerID_PrefixesToolAndShortensID(t *testing.T) {
	id := NewWorkerID("claude")

	assert.True(t, strings.HasPrefix(id, "claude-"))
	assert.Len(t, strings.TrimPrefix(id, "claude-"), 8)
}

func TestNewWorkerID_Unique(t *testing.T) {
	a := NewWorkerID("codex")
	b := NewWorkerID("codex")
	assert.NotEqual(t, a, b)
}

func TestTaskAssignment_IdleDetected(t *testing.T) {
	var a *TaskAssignment
	assert.False(t, a.IdleDetected(), "nil assignment is never idle")

	a = &TaskAssignment{}
	assert.False(t, a.IdleDetected())

	a.IdleDetectedAt = time.Now()
	assert.True(t, a.IdleDetected())
}

func TestNoop_ReturnsNoopKind(t *testing.T) {
	assert.Equal(t, ActionNoop, Noop().Kind)
}

func TestDefaultOrchestratorConfig_EnabledWithSaneDefaults(t *testing.T) {
	cfg := DefaultOrchestratorConfig()

	assert.True(t, cfg.Enabled)
	assert.Greater(t, cfg.MaxWorkers, 0)
	assert.Greater(t, cfg.TickIntervalMs, 0)
	assert.Greater(t, cfg.StuckTimeoutMs, 0)
}

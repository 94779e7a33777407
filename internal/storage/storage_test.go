package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveTask_GetTask_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Truncate(time.Millisecond)
	tsk := task.Task{
		ID:             "task-1",
		Prompt:         "add tests",
		Agent:          "claude",
		DependsOn:      []string{"task-0"},
		Status:         task.StatusRunning,
		CreatedAt:      now,
		StartedAt:      now,
		WorkerState:    task.StateWorking,
		WorktreePath:   "/repo/.openhive/worktrees/task-1",
		WorktreeBranch: "openhive/task-1",
		WorkerID:       "claude-abcd1234",
	}

	require.NoError(t, s.SaveTask(tsk))

	got, found, err := s.GetTask("task-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, tsk.ID, got.ID)
	assert.Equal(t, tsk.Prompt, got.Prompt)
	assert.Equal(t, tsk.Agent, got.Agent)
	assert.Equal(t, tsk.DependsOn, got.DependsOn)
	assert.Equal(t, tsk.Status, got.Status)
	assert.Equal(t, tsk.WorkerState, got.WorkerState)
	assert.Equal(t, tsk.WorktreePath, got.WorktreePath)
	assert.Equal(t, tsk.WorktreeBranch, got.WorktreeBranch)
	assert.Equal(t, tsk.WorkerID, got.WorkerID)
	assert.WithinDuration(t, tsk.CreatedAt, got.CreatedAt, time.Second)
}

func TestGetTask_MissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.GetTask("nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveTask_UpsertsOnConflict(t *testing.T) {
	s := newTestStore(t)
	tsk := task.Task{ID: "task-1", Prompt: "first", Status: task.StatusPending}
	require.NoError(t, s.SaveTask(tsk))

	tsk.Status = task.StatusCompleted
	tsk.Prompt = "first"
	tsk.Error = ""
	require.NoError(t, s.SaveTask(tsk))

	got, found, err := s.GetTask("task-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestListTasks_ReturnsAllInCreatedOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	require.NoError(t, s.SaveTask(task.Task{ID: "a", CreatedAt: base}))
	require.NoError(t, s.SaveTask(task.Task{ID: "b", CreatedAt: base.Add(time.Minute)}))

	tasks, err := s.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, "b", tasks[1].ID)
}

func TestSaveSnapshot_LatestSnapshotReturnsMostRecent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSnapshot(`{"workers":[]}`))
	require.NoError(t, s.SaveSnapshot(`{"workers":["w1"]}`))

	latest, err := s.LatestSnapshot()
	require.NoError(t, err)
	assert.Equal(t, `{"workers":["w1"]}`, latest)
}

func TestLatestSnapshot_EmptyWhenNoneSaved(t *testing.T) {
	s := newTestStore(t)
	latest, err := s.LatestSnapshot()
	require.NoError(t, err)
	assert.Empty(t, latest)
}

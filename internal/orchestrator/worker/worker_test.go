package worker

import (
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
	"github.com/ryanashbaugh/openhive/internal/tmux"
)

// fakeExecutor and fakePtyFactory duplicate the doubles in internal/tmux's
// own test package (unexported there) so worker tests can drive a real
// *tmux.Adapter without a tmux binary on PATH.

type fakeExecutor struct {
	outputs map[string][]byte
	runErr  map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{outputs: map[string][]byte{}, runErr: map[string]error{}}
}

func key(cmd *exec.Cmd) string {
	return strings.Join(cmd.Args, " ")
}

func (f *fakeExecutor) Run(cmd *exec.Cmd) error {
	k := key(cmd)
	for substr, err := range f.runErr {
		if strings.Contains(k, substr) {
			return err
		}
	}
	return nil
}

func (f *fakeExecutor) Output(cmd *exec.Cmd) ([]byte, error) {
	k := key(cmd)
	for substr, out := range f.outputs {
		if strings.Contains(k, substr) {
			return out, nil
		}
	}
	return nil, nil
}

type fakePtyFactory struct{}

func (fakePtyFactory) Start(cmd *exec.Cmd) (*os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	w.Close()
	return r, nil
}

func newTestWorker(t *testing.T, exec *fakeExecutor) *Worker {
	t.Helper()
	adapter := tmux.NewAdapterWithDeps(exec, fakePtyFactory{})
	exec.outputs["capture-pane"] = []byte("Do you trust the files in this folder?\n")

	w, err := New("claude-abcd1234", "claude", task.DefaultOrchestratorConfig(), adapter, t.TempDir())
	require.NoError(t, err)
	return w
}

func TestCollectMetadata_NoTargetReturnsZeroValue(t *testing.T) {
	w := newTestWorker(t, newFakeExecutor())

	usage := w.CollectMetadata()
	assert.False(t, usage.Valid)
}

func TestCollectMetadata_UnresolvablePanePIDReturnsInvalid(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorker(t, exec)
	require.NoError(t, w.Start())
	// No "list-panes" output queued beyond the default startup probing, so
	// GetPanePID's #{pane_pid} query returns an empty string it can't parse.

	usage := w.CollectMetadata()
	assert.False(t, usage.Valid)
}

func TestNew_UnknownToolErrors(t *testing.T) {
	adapter := tmux.NewAdapterWithDeps(newFakeExecutor(), fakePtyFactory{})
	_, err := New("w1", "not-a-tool", task.DefaultOrchestratorConfig(), adapter, "")
	require.Error(t, err)
}

func TestStart_TransitionsToIdle(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorker(t, exec)

	require.NoError(t, w.Start())
	assert.Equal(t, task.StateIdle, w.State)
	assert.NotEmpty(t, w.Target)
}

func TestAssignTask_FailsUnlessIdle(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorker(t, exec)
	w.State = task.StateWorking

	err := w.AssignTask(task.Task{ID: "t1", Prompt: "do the thing"})
	require.Error(t, err)
}

func TestAssignTask_SendsPromptAndTransitions(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorker(t, exec)
	require.NoError(t, w.Start())

	require.NoError(t, w.AssignTask(task.Task{ID: "t1", Prompt: "implement the feature"}))
	assert.Equal(t, task.StateWorking, w.State)
	require.NotNil(t, w.Assignment)
	assert.Equal(t, "t1", w.Assignment.Task.ID)
}

func TestHasNewOutput_DetectsGrowth(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorker(t, exec)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(w.PipeFile, []byte("some output\n"), 0644))
	assert.True(t, w.HasNewOutput())
	assert.False(t, w.HasNewOutput(), "size unchanged since last check")
}

func TestMarkTaskComplete_IncrementsCounterAndClearsAssignment(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorker(t, exec)
	require.NoError(t, w.Start())
	require.NoError(t, w.AssignTask(task.Task{ID: "t1", Prompt: "x"}))

	w.MarkTaskComplete()
	assert.Equal(t, task.StateIdle, w.State)
	assert.Nil(t, w.Assignment)
	assert.Equal(t, 1, w.TasksCompleted)
}

func TestMarkTaskFailed_ClearsAssignmentWithoutIncrementing(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorker(t, exec)
	require.NoError(t, w.Start())
	require.NoError(t, w.AssignTask(task.Task{ID: "t1", Prompt: "x"}))

	w.MarkTaskFailed("gave up")
	assert.Equal(t, task.StateIdle, w.State)
	assert.Nil(t, w.Assignment)
	assert.Equal(t, 0, w.TasksCompleted)
}

func TestStop_TransitionsToDead(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorker(t, exec)
	require.NoError(t, w.Start())

	require.NoError(t, w.Stop())
	assert.Equal(t, task.StateDead, w.State)
}

func TestDetectState_SetsIdleDetectedAtOnceAndClearsOnLeave(t *testing.T) {
	exec := newFakeExecutor()
	w := newTestWorker(t, exec)
	require.NoError(t, w.Start())
	require.NoError(t, w.AssignTask(task.Task{ID: "t1", Prompt: "x"}))

	exec.outputs["capture-pane"] = []byte("implemented the feature\nTry \"explain this code\"\n")
	snap, err := w.DetectState()
	require.NoError(t, err)
	require.Equal(t, task.StateIdle, snap.State)
	require.True(t, w.Assignment.IdleDetected())
	firstIdleAt := w.Assignment.IdleDetectedAt

	snap, err = w.DetectState()
	require.NoError(t, err)
	assert.Equal(t, task.StateIdle, snap.State)
	assert.Equal(t, firstIdleAt, w.Assignment.IdleDetectedAt, "re-detecting idle does not bump the timestamp")

	exec.outputs["capture-pane"] = []byte("writing more code...\n")
	snap, err = w.DetectState()
	require.NoError(t, err)
	assert.Equal(t, task.StateWorking, snap.State)
	assert.True(t, w.Assignment.IdleDetectedAt.IsZero(), "leaving idle clears the detected-at timestamp")
	assert.True(t, w.Assignment.HasWorked)
}

package specrunner

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
	"github.com/ryanashbaugh/openhive/internal/tmux"
)

// fakeExecutor/fakePtyFactory duplicate the doubles used across the
// orchestrator packages' own test files so specrunner tests can drive a
// real *tmux.Adapter without a tmux binary on PATH.

type fakeExecutor struct {
	outputs map[string][]byte
	runErr  map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{outputs: map[string][]byte{}, runErr: map[string]error{}}
}

func (f *fakeExecutor) Run(cmd *exec.Cmd) error {
	k := strings.Join(cmd.Args, " ")
	for substr, err := range f.runErr {
		if strings.Contains(k, substr) {
			return err
		}
	}
	return nil
}

func (f *fakeExecutor) Output(cmd *exec.Cmd) ([]byte, error) {
	k := strings.Join(cmd.Args, " ")
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

func TestComputeWaves_OrdersByDependency(t *testing.T) {
	tasks := []SpecTask{
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}

	waves, err := computeWaves(tasks)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.Equal(t, []string{"a"}, idsOf(waves[0]))
	assert.Equal(t, []string{"b"}, idsOf(waves[1]))
	assert.Equal(t, []string{"c"}, idsOf(waves[2]))
}

func TestComputeWaves_IndependentTasksShareAWave(t *testing.T) {
	tasks := []SpecTask{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	waves, err := computeWaves(tasks)
	require.NoError(t, err)
	require.Len(t, waves, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, idsOf(waves[0]))
}

func TestComputeWaves_CycleReturnsErrorListingRemainingIDs(t *testing.T) {
	tasks := []SpecTask{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}

	_, err := computeWaves(tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestComputeWaves_DependencyOnUnknownTaskNeverBecomesReady(t *testing.T) {
	tasks := []SpecTask{{ID: "a", DependsOn: []string{"ghost"}}}

	_, err := computeWaves(tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
}

func idsOf(w Wave) []string {
	ids := make([]string, len(w.Tasks))
	for i, t := range w.Tasks {
		ids[i] = t.ID
	}
	return ids
}

func TestRunSpecOrchestrated_RunsWavesInOrderAndWritesLaunchSession(t *testing.T) {
	exec := newFakeExecutor()
	exec.outputs["capture-pane"] = []byte("Ask anything")
	adapter := tmux.NewAdapterWithDeps(exec, fakePtyFactory{})

	sessionDir := t.TempDir()
	spec := Spec{
		Name: "demo",
		Tasks: []SpecTask{
			{ID: "a", Prompt: "do a", Agent: "opencode"},
			{ID: "b", Prompt: "do b", Agent: "opencode", DependsOn: []string{"a"}},
		},
	}

	result, err := RunSpecOrchestrated(spec, Options{
		Config:           task.DefaultOrchestratorConfig(),
		Cwd:              t.TempDir(),
		Adapter:          adapter,
		SessionDir:       sessionDir,
		WavePollInterval: time.Millisecond,
		WaveBarrierCap:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, launchStatusFailed, result.Status, "worker startup alone sleeps 2s, so the 20ms barrier cap expires during the first tick while task a is still running, and runWave records it as failed")
	require.Len(t, result.Waves, 1, "wave b is never launched once wave a's barrier cap trips it into failed")
	assert.Contains(t, result.Waves[0].Failed, "a")

	data, err := os.ReadFile(filepath.Join(sessionDir, "launch-session.json"))
	require.NoError(t, err)
	var session launchSession
	require.NoError(t, json.Unmarshal(data, &session))
	assert.Equal(t, "demo", session.SpecName)
	assert.Equal(t, 2, session.TotalWaves)
	assert.Equal(t, launchStatusFailed, session.Waves[0].Status)
	assert.Equal(t, launchStatusFailed, session.Waves[1].Status, "skipped wave is still recorded as failed in the launch session")
}

func TestRunSpecOrchestrated_StopsLaunchingAfterWaveFailure(t *testing.T) {
	exec := newFakeExecutor()
	adapter := tmux.NewAdapterWithDeps(exec, fakePtyFactory{})

	spec := Spec{
		Name: "demo",
		Tasks: []SpecTask{
			{ID: "a", Prompt: "x", Agent: "not-a-tool"},
			{ID: "b", Prompt: "y", Agent: "not-a-tool", DependsOn: []string{"a"}},
		},
	}

	result, err := RunSpecOrchestrated(spec, Options{
		Config:  task.DefaultOrchestratorConfig(),
		Cwd:     t.TempDir(),
		Adapter: adapter,
	})
	require.NoError(t, err)
	assert.Equal(t, launchStatusFailed, result.Status)
	require.Len(t, result.Waves, 1, "wave b is never launched once wave a fails")
	assert.Contains(t, result.Waves[0].Failed, "a")
}

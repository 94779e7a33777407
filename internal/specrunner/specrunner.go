// Package specrunner is the Spec Runner (spec.md §4.7): it topologically
// sorts a task graph into dependency waves, then dispatches each wave
// through a fresh internal/orchestrator/engine.Orchestrator, enforcing a
// hard wave barrier before advancing.
//
// Grounded on other_examples' dag_scheduler.go's in-degree/ready-queue
// construction for computeWaves (adapted from that file's live,
// channel-fed per-task dispatch into a pure batch function — spec.md
// requires up-front wave partitioning, not dynamic per-task readiness),
// and app/wave_orchestrator.go's per-wave completion bookkeeping for the
// barrier loop and launch-session status tracking.
//
// Open question (spec.md §9): a task's dependsOn is passed to the engine
// purely as an affinity hint (engine.Orchestrator.QueueTask's variadic
// dependsOn only ever populates worker-affinity lookups) — the hard
// barrier that actually blocks a dependent task from starting before its
// dependency finishes is enforced here, at wave granularity, since every
// task in a wave by construction has all its dependencies in an earlier,
// already-completed wave.
package specrunner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/engine"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
	"github.com/ryanashbaugh/openhive/internal/storage"
	"github.com/ryanashbaugh/openhive/internal/tmux"
	"github.com/ryanashbaugh/openhive/log"
)

// wavePollInterval is the barrier loop's tick/sleep cadence.
const wavePollInterval = 2 * time.Second

// waveBarrierCap bounds how long runSpecOrchestrated waits for one wave to
// drain before giving up and failing the remaining tasks outright.
const waveBarrierCap = 2 * time.Hour

// SpecTask is one caller-declared unit of work in a Spec's task graph.
type SpecTask struct {
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	Agent     string   `json:"agent,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Spec is the caller-supplied task graph plus run metadata.
type Spec struct {
	Name  string     `json:"name"`
	Goal  string     `json:"goal,omitempty"`
	Tasks []SpecTask `json:"tasks"`
}

// Options configures one RunSpecOrchestrated invocation.
type Options struct {
	Config       task.OrchestratorConfig
	Cwd          string
	Adapter      *tmux.Adapter // nil creates a production tmux.Adapter
	Store        *storage.Store
	SessionDir   string // directory for the launch-session file; "" skips persistence
	DefaultAgent string // used when a SpecTask omits Agent
	EventSink    engine.EventSink

	// WavePollInterval and WaveBarrierCap override the wave barrier's
	// tick/sleep cadence and give-up deadline (spec.md §4.7's "tick();
	// sleep(2s)... up to a generous cap"). Zero means the production
	// defaults (wavePollInterval, waveBarrierCap).
	WavePollInterval time.Duration
	WaveBarrierCap   time.Duration
}

// Wave is one batch of tasks whose dependencies are all satisfied by
// earlier waves.
type Wave struct {
	Number int
	Tasks  []SpecTask
}

// computeWaves runs Kahn's algorithm over tasks' dependsOn edges,
// returning 1-indexed waves in dependency order. Returns an error naming
// the remaining task IDs if a cycle (or a dependency on an unknown task
// id, which has the same unsatisfiable effect) prevents any further
// progress.
func computeWaves(tasks []SpecTask) ([]Wave, error) {
	byID := make(map[string]SpecTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	remaining := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		remaining[t.ID] = true
	}

	var waves []Wave
	for len(remaining) > 0 {
		var ready []string
		for id := range remaining {
			t := byID[id]
			satisfied := true
			for _, dep := range t.DependsOn {
				if remaining[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, id)
			}
		}

		if len(ready) == 0 {
			return nil, fmt.Errorf("cycle detected among tasks: %s", strings.Join(remainingIDs(remaining), ", "))
		}

		sort.Strings(ready)
		wave := Wave{Number: len(waves) + 1}
		for _, id := range ready {
			wave.Tasks = append(wave.Tasks, byID[id])
			delete(remaining, id)
		}
		waves = append(waves, wave)
	}

	return waves, nil
}

func remainingIDs(remaining map[string]bool) []string {
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// launchTask is one task's status within the launch-session file.
type launchTask struct {
	SpecID     string `json:"specId"`
	InternalID string `json:"internalId"`
	Agent      string `json:"agent,omitempty"`
	Status     string `json:"status"`
}

type launchWave struct {
	Number int          `json:"number"`
	Status string       `json:"status"`
	Tasks  []launchTask `json:"tasks"`
}

// launchSession is the per-run file written to Options.SessionDir (spec.md
// §6's "Launch-session file").
type launchSession struct {
	SpecName    string       `json:"specName"`
	StartedAt   time.Time    `json:"startedAt"`
	TotalWaves  int          `json:"totalWaves"`
	CurrentWave int          `json:"currentWave"`
	Status      string       `json:"status"`
	Waves       []launchWave `json:"waves"`
}

const (
	launchStatusPending   = "pending"
	launchStatusRunning   = "running"
	launchStatusCompleted = "completed"
	launchStatusFailed    = "failed"
)

// Result is the outcome RunSpecOrchestrated returns once every launched
// wave has either fully drained or the run was stopped early by a
// wave failure.
type Result struct {
	Status string
	Waves  []WaveResult
}

// WaveResult is one wave's terminal bookkeeping.
type WaveResult struct {
	Number    int
	Completed []string
	Failed    map[string]string // specId -> reason
}

// RunSpecOrchestrated computes waves, then dispatches each wave through a
// fresh orchestrator, enforcing the wave barrier described in spec.md
// §4.7 before advancing. Stops launching further waves (but still shuts
// down cleanly) the first time a wave contains a failed task.
func RunSpecOrchestrated(spec Spec, opts Options) (Result, error) {
	waves, err := computeWaves(spec.Tasks)
	if err != nil {
		return Result{}, fmt.Errorf("computing waves for spec %q: %w", spec.Name, err)
	}

	session := &launchSession{
		SpecName:   spec.Name,
		StartedAt:  time.Now(),
		TotalWaves: len(waves),
		Status:     launchStatusRunning,
	}
	for _, w := range waves {
		lw := launchWave{Number: w.Number, Status: launchStatusPending}
		for _, t := range w.Tasks {
			lw.Tasks = append(lw.Tasks, launchTask{SpecID: t.ID, InternalID: t.ID, Agent: resolveAgent(t, opts), Status: launchStatusPending})
		}
		session.Waves = append(session.Waves, lw)
	}
	persistLaunchSession(opts.SessionDir, spec.Name, session)

	result := Result{Status: launchStatusCompleted}
	overallFailed := false

	for i, wave := range waves {
		session.CurrentWave = wave.Number
		session.Waves[i].Status = launchStatusRunning
		persistLaunchSession(opts.SessionDir, spec.Name, session)

		if overallFailed {
			session.Waves[i].Status = launchStatusFailed
			for j := range session.Waves[i].Tasks {
				session.Waves[i].Tasks[j].Status = launchStatusFailed
			}
			continue
		}

		wr, waveErr := runWave(wave, opts)
		result.Waves = append(result.Waves, wr)

		for j, lt := range session.Waves[i].Tasks {
			if _, ok := wr.Failed[lt.SpecID]; ok {
				session.Waves[i].Tasks[j].Status = launchStatusFailed
			} else {
				session.Waves[i].Tasks[j].Status = launchStatusCompleted
			}
		}

		if waveErr != nil || len(wr.Failed) > 0 {
			session.Waves[i].Status = launchStatusFailed
			overallFailed = true
			result.Status = launchStatusFailed
		} else {
			session.Waves[i].Status = launchStatusCompleted
		}
		persistLaunchSession(opts.SessionDir, spec.Name, session)
	}

	session.Status = result.Status
	persistLaunchSession(opts.SessionDir, spec.Name, session)

	return result, nil
}

func resolveAgent(t SpecTask, opts Options) string {
	if t.Agent != "" {
		return t.Agent
	}
	return opts.DefaultAgent
}

// runWave queues one wave's tasks into a fresh orchestrator, ticking it
// until every task in the wave has terminated (completed or failed), up
// to waveBarrierCap.
func runWave(wave Wave, opts Options) (WaveResult, error) {
	adapter := opts.Adapter
	if adapter == nil {
		adapter = tmux.NewAdapter()
	}

	o := engine.New(opts.Config, adapter, opts.Cwd)
	if opts.Store != nil {
		o.SetStore(opts.Store)
	}
	if opts.EventSink != nil {
		o.SetEventSink(opts.EventSink)
	}

	for _, t := range wave.Tasks {
		o.QueueTask(task.Task{
			ID:        t.ID,
			Prompt:    t.Prompt,
			Agent:     resolveAgent(t, opts),
			DependsOn: t.DependsOn,
		}, t.DependsOn...)
	}

	barrierCap := opts.WaveBarrierCap
	if barrierCap <= 0 {
		barrierCap = waveBarrierCap
	}
	poll := opts.WavePollInterval
	if poll <= 0 {
		poll = wavePollInterval
	}

	deadline := time.Now().Add(barrierCap)
	for {
		o.Tick()

		allTerminal := true
		for _, t := range wave.Tasks {
			if !o.IsTaskCompleted(t.ID) && !o.IsTaskFailed(t.ID) {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			break
		}
		if time.Now().After(deadline) {
			log.ErrorLog.Printf("wave %d: barrier cap exceeded, giving up on remaining tasks", wave.Number)
			break
		}
		time.Sleep(poll)
	}

	wr := WaveResult{Number: wave.Number, Failed: map[string]string{}}
	for _, t := range wave.Tasks {
		switch {
		case o.IsTaskCompleted(t.ID):
			wr.Completed = append(wr.Completed, t.ID)
		case o.IsTaskFailed(t.ID):
			wr.Failed[t.ID] = o.GetFailureReason(t.ID)
		default:
			wr.Failed[t.ID] = "did not terminate before the wave barrier cap"
		}
	}

	if err := o.Shutdown(); err != nil {
		log.WarningLog.Printf("wave %d: shutting down orchestrator: %v", wave.Number, err)
	}

	return wr, nil
}

func persistLaunchSession(dir, specName string, session *launchSession) {
	if dir == "" {
		return
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		log.WarningLog.Printf("marshaling launch session for %s: %v", specName, err)
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WarningLog.Printf("creating session dir %s: %v", dir, err)
		return
	}
	path := filepath.Join(dir, "launch-session.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.WarningLog.Printf("writing launch session to %s: %v", path, err)
	}
}

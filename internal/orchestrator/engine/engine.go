// Package engine is the Orchestrator Control Loop (spec.md §4.6): a single
// cooperative tick driving dispatch, per-worker monitoring, dead-worker
// reaping, and session-state snapshotting.
//
// Grounded on app/wave_orchestrator.go's WaveOrchestrator — a plain struct
// owning maps of per-task state plus small state-machine methods called
// from a host loop — generalized from a fixed two-wave state machine into
// an indefinitely-ticking dispatcher over a worker pool.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ryanashbaugh/openhive/internal/orchestrator/action"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/profile"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/worker"
	"github.com/ryanashbaugh/openhive/internal/storage"
	"github.com/ryanashbaugh/openhive/internal/tmux"
	"github.com/ryanashbaugh/openhive/internal/worktree"
	"github.com/ryanashbaugh/openhive/log"
)

// maxDispatchRetries bounds how many ticks a task may fail to dispatch
// before it is failed outright.
const maxDispatchRetries = 5

// cheapCheckInterval is the minimum gap between full DetectState calls for
// a worker with no new pipe-file output.
const cheapCheckInterval = 5 * time.Second

// EventKind tags the orchestrator's in-process event stream (spec.md §6).
type EventKind string

const (
	EventWorkerCreated   EventKind = "worker_created"
	EventTaskAssigned    EventKind = "task_assigned"
	EventStateChanged    EventKind = "state_changed"
	EventActionTaken     EventKind = "action_taken"
	EventTaskCompleted   EventKind = "task_completed"
	EventTaskFailed      EventKind = "task_failed"
	EventWorkerDied      EventKind = "worker_died"
	EventWorkerRestarted EventKind = "worker_restarted"
	EventLLMEscalation   EventKind = "llm_escalation"
)

// Event is one tagged-variant record on the event stream.
type Event struct {
	Kind      EventKind
	WorkerID  string
	TaskID    string
	Tool      string
	State     task.WorkerState
	Action    task.ActionKind
	Reason    string
	Timestamp time.Time
}

// EventSink receives events. The engine recovers panics from it so a buggy
// listener never disturbs the loop.
type EventSink func(Event)

// Orchestrator owns one worker pool and the pending/completed/failed task
// bookkeeping that drives it. Not safe for concurrent Tick calls; the
// control loop is meant to be single-threaded (spec.md §5).
type Orchestrator struct {
	cfg     task.OrchestratorConfig
	adapter *tmux.Adapter
	cwd     string

	workers  map[string]*worker.Worker
	ruleSets map[string]*action.RuleSet
	invoker  action.Invoker

	pending            []task.Task
	completedTaskIds   map[string]bool
	failedTasks        map[string]string
	providerCooldowns  map[string]time.Time
	taskWorkerAffinity map[string]string
	taskDependencies   map[string][]string
	dispatchRetries    map[string]int

	running bool

	store           *storage.Store
	events          EventSink
	snapshotPath    string
	worktreeFactory func(taskID string) (*worktree.Worktree, error)
}

// New constructs an Orchestrator against adapter, rooted at cwd for
// worker pipe files and (if enabled) worktrees.
func New(cfg task.OrchestratorConfig, adapter *tmux.Adapter, cwd string) *Orchestrator {
	o := &Orchestrator{
		cfg:                cfg,
		adapter:            adapter,
		cwd:                cwd,
		workers:            map[string]*worker.Worker{},
		ruleSets:           map[string]*action.RuleSet{},
		invoker:            action.NewExecInvoker(),
		completedTaskIds:   map[string]bool{},
		failedTasks:        map[string]string{},
		providerCooldowns:  map[string]time.Time{},
		taskWorkerAffinity: map[string]string{},
		taskDependencies:   map[string][]string{},
		dispatchRetries:    map[string]int{},
		snapshotPath:       defaultSnapshotPath(),
	}
	if cfg.UseWorktrees {
		repoRoot := cfg.RepoRoot
		if repoRoot == "" {
			repoRoot = cwd
		}
		worktreeDir := cfg.WorktreeDir
		o.worktreeFactory = func(taskID string) (*worktree.Worktree, error) {
			wt := worktree.New(repoRoot, worktreeDir, taskID)
			if err := wt.Setup(); err != nil {
				return nil, err
			}
			return wt, nil
		}
	}
	return o
}

func defaultSnapshotPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".openhive", "orchestration-state.json")
}

// SetStore wires best-effort task/snapshot persistence.
func (o *Orchestrator) SetStore(s *storage.Store) { o.store = s }

// SetEventSink installs the in-process event callback.
func (o *Orchestrator) SetEventSink(sink EventSink) { o.events = sink }

// SetInvoker overrides the Tier 2 escalation invoker, e.g. for tests.
func (o *Orchestrator) SetInvoker(inv action.Invoker) { o.invoker = inv }

// SetSnapshotPath overrides the session-state snapshot file location.
func (o *Orchestrator) SetSnapshotPath(path string) { o.snapshotPath = path }

// QueueTask appends t to the pending list. dependsOn, if given, overrides
// t.DependsOn as the affinity hint recorded for dispatch; it does not
// gate dispatch itself (spec.md §5's dependsOn is affinity-only; wave
// barriers are the spec runner's concern).
func (o *Orchestrator) QueueTask(t task.Task, dependsOn ...string) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = task.StatusPending
	deps := dependsOn
	if deps == nil {
		deps = t.DependsOn
	}
	o.taskDependencies[t.ID] = deps
	o.pending = append(o.pending, t)
	o.persistTask(t)
}

// QueueTasks queues each task in order.
func (o *Orchestrator) QueueTasks(tasks []task.Task) {
	for _, t := range tasks {
		o.QueueTask(t)
	}
}

// Start installs SIGINT/SIGTERM handlers, then loops Tick/sleep until the
// pending list is empty and no worker holds an assignment, or a signal
// arrives. Always runs Shutdown before returning.
func (o *Orchestrator) Start() error {
	o.running = true

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			o.running = false
		case <-done:
		}
	}()
	defer func() {
		close(done)
		signal.Stop(sigCh)
	}()

	interval := time.Duration(o.effectiveTickIntervalMs()) * time.Millisecond
	for o.running {
		o.Tick()
		if len(o.pending) == 0 && !o.anyWorkerHasAssignment() {
			break
		}
		time.Sleep(interval)
	}
	return o.Shutdown()
}

func (o *Orchestrator) effectiveTickIntervalMs() int {
	if o.cfg.TickIntervalMs > 0 {
		return o.cfg.TickIntervalMs
	}
	return 2000
}

func (o *Orchestrator) anyWorkerHasAssignment() bool {
	for _, w := range o.workers {
		if w.Assignment != nil {
			return true
		}
	}
	return false
}

// Tick runs one full pass: dispatch, monitor, reap, snapshot. Exported so
// an external driver (internal/specrunner) can step it directly for its
// own wave-barrier loop. A panic anywhere in the pass is caught and logged
// rather than propagated — the control loop must survive a bad worker or
// pattern match and pick back up on the next tick.
func (o *Orchestrator) Tick() {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("tick panicked, recovering: %v", r)
		}
	}()

	now := time.Now()
	o.dispatchPending(now)
	o.monitorWorkers(now)
	o.reapDeadWorkers()
	o.writeSnapshot("running")
}

func (o *Orchestrator) dispatchPending(now time.Time) {
	still := o.pending[:0:0]
	for _, t := range o.pending {
		if _, err := profile.Get(t.Agent); err != nil {
			o.failTask(t, fmt.Sprintf("Unsupported tool: %s", t.Agent))
			continue
		}

		if cooldown, ok := o.providerCooldowns[t.Agent]; ok && now.Before(cooldown) {
			still = append(still, t)
			continue
		}

		o.dispatchRetries[t.ID]++
		if o.dispatchRetries[t.ID] > maxDispatchRetries {
			o.failTask(t, "exceeded maximum dispatch retries")
			continue
		}

		if o.cfg.UseWorktrees && t.WorktreePath == "" && o.worktreeFactory != nil {
			if wt, err := o.worktreeFactory(t.ID); err != nil {
				log.WarningLog.Printf("creating worktree for task %s: %v", t.ID, err)
			} else {
				t.WorktreePath = wt.Path()
				t.WorktreeBranch = wt.Branch()
			}
		}

		w := o.selectWorker(t)
		if w == nil {
			still = append(still, t)
			continue
		}

		if err := w.AssignTask(t); err != nil {
			log.WarningLog.Printf("assigning task %s to worker %s: %v", t.ID, w.ID, err)
			still = append(still, t)
			continue
		}

		t.Status = task.StatusRunning
		t.StartedAt = now
		t.WorkerID = w.ID
		o.dispatchRetries[t.ID] = 0
		o.persistTask(t)
		o.emit(Event{Kind: EventTaskAssigned, WorkerID: w.ID, TaskID: t.ID, Tool: t.Agent})
	}
	o.pending = still
}

// selectWorker implements spec.md §4.6's candidate selection: affinity
// first, then any idle worker for the tool, then a freshly created one if
// under maxWorkers, else nil (leave the task pending).
func (o *Orchestrator) selectWorker(t task.Task) *worker.Worker {
	for _, dep := range o.taskDependencies[t.ID] {
		wid, ok := o.taskWorkerAffinity[dep]
		if !ok {
			continue
		}
		if w, ok := o.workers[wid]; ok && o.isAssignable(w, t.Agent) {
			return w
		}
	}

	for _, w := range o.workers {
		if o.isAssignable(w, t.Agent) {
			return w
		}
	}

	if len(o.workers) >= o.cfg.MaxWorkers {
		return nil
	}

	w, err := o.createWorker(t.Agent)
	if err != nil {
		if o.dispatchRetries[t.ID] >= maxDispatchRetries {
			log.ErrorLog.Printf("creating worker for tool %s: %v", t.Agent, err)
		} else {
			log.WarningLog.Printf("creating worker for tool %s: %v", t.Agent, err)
		}
		return nil
	}
	return w
}

func (o *Orchestrator) isAssignable(w *worker.Worker, tool string) bool {
	return w.Tool == tool && w.State == task.StateIdle && w.Assignment == nil && !o.isDueForRecycling(w)
}

func (o *Orchestrator) isDueForRecycling(w *worker.Worker) bool {
	return o.cfg.MaxTasksPerWorker > 0 && w.TasksCompleted >= o.cfg.MaxTasksPerWorker
}

func (o *Orchestrator) createWorker(tool string) (*worker.Worker, error) {
	id := task.NewWorkerID(tool)
	w, err := worker.New(id, tool, o.cfg, o.adapter, o.cwd)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	o.workers[id] = w
	o.emit(Event{Kind: EventWorkerCreated, WorkerID: id, Tool: tool})
	return w, nil
}

func (o *Orchestrator) failTask(t task.Task, reason string) {
	t.Status = task.StatusFailed
	t.Error = reason
	t.CompletedAt = time.Now()
	o.failedTasks[t.ID] = reason
	o.persistTask(t)
	o.emit(Event{Kind: EventTaskFailed, TaskID: t.ID, Tool: t.Agent, Reason: reason})
}

func (o *Orchestrator) monitorWorkers(now time.Time) {
	for _, w := range o.workers {
		if w.State == task.StateDead {
			continue
		}

		if o.cfg.TaskTimeoutMs > 0 && w.Assignment != nil &&
			now.Sub(w.Assignment.AssignedAt) > time.Duration(o.cfg.TaskTimeoutMs)*time.Millisecond {
			o.executeAction(w, task.OrchestratorAction{Kind: task.ActionMarkFailed, Reason: "timeout"},
				action.Context{Assignment: w.Assignment, Config: o.cfg, Now: now})
			continue
		}

		if !w.HasNewOutput() && now.Sub(w.LastCheckAt) < cheapCheckInterval {
			continue
		}

		prevState := w.State
		snap, err := w.DetectState()
		if err != nil {
			log.WarningLog.Printf("worker %s: detecting state: %v", w.ID, err)
			continue
		}

		if snap.State != prevState {
			o.emit(Event{Kind: EventStateChanged, WorkerID: w.ID, Tool: w.Tool, State: snap.State})
			if snap.State == task.StateRateLimited {
				o.providerCooldowns[w.Tool] = now.Add(60 * time.Second)
			}
			if w.Assignment != nil {
				w.Assignment.Task.WorkerState = snap.State
			}
		}

		ctx := action.Context{Snapshot: snap, Assignment: w.Assignment, Config: o.cfg, Now: now}
		act := o.ruleSetFor(w.Tool).Decide(ctx)
		o.executeAction(w, act, ctx)
	}
}

func (o *Orchestrator) ruleSetFor(tool string) *action.RuleSet {
	if rs, ok := o.ruleSets[tool]; ok {
		return rs
	}
	rs := action.DefaultRuleSet()
	o.ruleSets[tool] = rs
	return rs
}

// executeAction applies one resolved action to w. ctx is reused to build
// an escalation prompt if act is escalate_llm.
func (o *Orchestrator) executeAction(w *worker.Worker, act task.OrchestratorAction, ctx action.Context) {
	o.emit(Event{Kind: EventActionTaken, WorkerID: w.ID, Tool: w.Tool, Action: act.Kind})

	switch act.Kind {
	case task.ActionNoop:
		// nothing

	case task.ActionSendKeys:
		if err := w.SendKeysToAgent(act.Keys); err != nil {
			log.WarningLog.Printf("worker %s: sending keys: %v", w.ID, err)
		}

	case task.ActionSendText:
		if err := w.SendTextToAgent(act.Text); err != nil {
			log.WarningLog.Printf("worker %s: sending text: %v", w.ID, err)
		}

	case task.ActionApprove:
		if err := w.Approve(); err != nil {
			log.WarningLog.Printf("worker %s: approving: %v", w.ID, err)
		}

	case task.ActionDismiss:
		if err := w.Dismiss(); err != nil {
			log.WarningLog.Printf("worker %s: dismissing: %v", w.ID, err)
		}

	case task.ActionWait:
		w.LastCheckAt = time.Now().Add(time.Duration(act.WaitMs) * time.Millisecond)

	case task.ActionRestart:
		o.restartWorker(w)

	case task.ActionEscalateLLM:
		result := action.ResolveEscalation(ctx, w, o.invoker)
		o.emit(Event{Kind: EventLLMEscalation, WorkerID: w.ID, Tool: w.Tool, Reason: result.Parsed})

		// Open question: a worker that dies mid-escalation drops the
		// escalation's resolved action rather than acting on a dead window.
		if !w.IsAlive() {
			return
		}
		resolved := result.Action
		if resolved.Kind == task.ActionEscalateLLM {
			resolved = task.OrchestratorAction{Kind: task.ActionWait, WaitMs: 30_000}
		}
		o.executeAction(w, resolved, ctx)

	case task.ActionMarkComplete:
		o.completeTask(w)

	case task.ActionMarkFailed:
		o.failWorkerTask(w, act.Reason)
	}
}

func (o *Orchestrator) restartWorker(w *worker.Worker) {
	if err := w.Restart(); err != nil {
		log.ErrorLog.Printf("worker %s: restart failed: %v", w.ID, err)
		delete(o.workers, w.ID)
		o.emit(Event{Kind: EventWorkerDied, WorkerID: w.ID, Tool: w.Tool})
		return
	}
	o.emit(Event{Kind: EventWorkerRestarted, WorkerID: w.ID, Tool: w.Tool})
}

func (o *Orchestrator) completeTask(w *worker.Worker) {
	if w.Assignment == nil {
		w.MarkTaskComplete()
		return
	}
	t := w.Assignment.Task
	t.Status = task.StatusCompleted
	t.CompletedAt = time.Now()
	t.DurationMs = t.CompletedAt.Sub(t.StartedAt).Milliseconds()
	o.completedTaskIds[t.ID] = true
	o.taskWorkerAffinity[t.ID] = w.ID
	o.persistTask(t)
	o.emit(Event{Kind: EventTaskCompleted, WorkerID: w.ID, TaskID: t.ID, Tool: t.Agent})

	w.MarkTaskComplete()
	if o.isDueForRecycling(w) {
		o.restartWorker(w)
	}
}

func (o *Orchestrator) failWorkerTask(w *worker.Worker, reason string) {
	if w.Assignment == nil {
		w.MarkTaskFailed(reason)
		return
	}
	t := w.Assignment.Task
	t.Status = task.StatusFailed
	t.Error = reason
	t.CompletedAt = time.Now()
	o.failedTasks[t.ID] = reason
	o.persistTask(t)
	o.emit(Event{Kind: EventTaskFailed, WorkerID: w.ID, TaskID: t.ID, Tool: t.Agent, Reason: reason})
	w.MarkTaskFailed(reason)
}

func (o *Orchestrator) reapDeadWorkers() {
	for id, w := range o.workers {
		if w.State == task.StateDead {
			continue
		}
		if w.IsAlive() {
			continue
		}
		w.State = task.StateDead
		if w.Assignment != nil {
			t := w.Assignment.Task
			t.Status = task.StatusPending
			t.WorkerID = ""
			o.pending = append(o.pending, t)
		}
		o.emit(Event{Kind: EventWorkerDied, WorkerID: id, Tool: w.Tool})
		delete(o.workers, id)
	}
}

type workerSnapshot struct {
	ID             string     `json:"id"`
	Tool           string     `json:"tool"`
	State          string     `json:"state"`
	TaskID         string     `json:"taskId,omitempty"`
	TaskPrompt     string     `json:"taskPrompt,omitempty"`
	TasksCompleted int        `json:"tasksCompleted"`
	AssignedAt     *time.Time `json:"assignedAt,omitempty"`
}

type sessionSnapshot struct {
	Status             string           `json:"status"`
	Workers            []workerSnapshot `json:"workers"`
	PendingTaskCount   int              `json:"pendingTaskCount"`
	CompletedTaskCount int              `json:"completedTaskCount"`
	FailedTaskCount    int              `json:"failedTaskCount"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (o *Orchestrator) writeSnapshot(status string) {
	snap := sessionSnapshot{
		Status:             status,
		Workers:            make([]workerSnapshot, 0, len(o.workers)),
		PendingTaskCount:   len(o.pending),
		CompletedTaskCount: len(o.completedTaskIds),
		FailedTaskCount:    len(o.failedTasks),
		UpdatedAt:          time.Now(),
	}
	for id, w := range o.workers {
		ws := workerSnapshot{ID: id, Tool: w.Tool, State: string(w.State), TasksCompleted: w.TasksCompleted}
		if w.Assignment != nil {
			ws.TaskID = w.Assignment.Task.ID
			ws.TaskPrompt = truncate(w.Assignment.Task.Prompt, 120)
			at := w.Assignment.AssignedAt
			ws.AssignedAt = &at
		}
		snap.Workers = append(snap.Workers, ws)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.WarningLog.Printf("marshaling session snapshot: %v", err)
		return
	}
	if o.snapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(o.snapshotPath), 0755); err == nil {
			if err := os.WriteFile(o.snapshotPath, data, 0644); err != nil {
				log.WarningLog.Printf("writing session snapshot: %v", err)
			}
		}
	}
	if o.store != nil {
		if err := o.store.SaveSnapshot(string(data)); err != nil {
			log.WarningLog.Printf("persisting session snapshot: %v", err)
		}
	}
}

func (o *Orchestrator) persistTask(t task.Task) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveTask(t); err != nil {
		log.WarningLog.Printf("persisting task %s: %v", t.ID, err)
	}
}

func (o *Orchestrator) emit(e Event) {
	if o.events == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("event sink panicked: %v", r)
		}
	}()
	e.Timestamp = time.Now()
	o.events(e)
}

// GetWorkerStates returns each live worker's current state, keyed by ID.
func (o *Orchestrator) GetWorkerStates() map[string]task.WorkerState {
	out := make(map[string]task.WorkerState, len(o.workers))
	for id, w := range o.workers {
		out[id] = w.State
	}
	return out
}

// IsTaskCompleted reports whether id has terminated successfully.
func (o *Orchestrator) IsTaskCompleted(id string) bool { return o.completedTaskIds[id] }

// IsTaskFailed reports whether id has terminated in failure.
func (o *Orchestrator) IsTaskFailed(id string) bool {
	_, ok := o.failedTasks[id]
	return ok
}

// GetFailureReason returns id's recorded failure reason, or "" if it
// hasn't failed.
func (o *Orchestrator) GetFailureReason(id string) string { return o.failedTasks[id] }

// IsRunning reports whether the control loop's run flag is set.
func (o *Orchestrator) IsRunning() bool { return o.running }

// Shutdown stops the loop, stops every worker concurrently, cancels any
// still-pending tasks, clears the session-state snapshot, and kills the
// multiplexer session. Idempotent.
func (o *Orchestrator) Shutdown() error {
	o.running = false

	var wg sync.WaitGroup
	for _, w := range o.workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Stop(); err != nil {
				log.WarningLog.Printf("worker %s: stopping during shutdown: %v", w.ID, err)
			}
		}(w)
	}
	wg.Wait()
	o.workers = map[string]*worker.Worker{}

	for _, t := range o.pending {
		t.Status = task.StatusCancelled
		o.persistTask(t)
	}
	o.pending = nil

	o.writeSnapshot("stopped")

	if err := o.adapter.KillSession(); err != nil {
		log.WarningLog.Printf("killing multiplexer session during shutdown: %v", err)
	}
	return nil
}

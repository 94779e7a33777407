// openhive's CLI entrypoint, grounded on the teacher's cobra rootCmd/
// resetCmd/debugCmd wiring and its sentry/log bracketing around RunE. The
// teacher's interactive dashboard invocation (app.Run) and daemon/autoyes
// machinery are dropped — out of scope per spec.md §1 — and replaced with
// the two drivers that exercise the engine end to end: `run` (a full spec's
// dependency-wave graph) and `queue` (ad-hoc tasks with no spec).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ryanashbaugh/openhive/config"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/engine"
	"github.com/ryanashbaugh/openhive/internal/orchestrator/task"
	sentrypkg "github.com/ryanashbaugh/openhive/internal/sentry"
	"github.com/ryanashbaugh/openhive/internal/specrunner"
	"github.com/ryanashbaugh/openhive/internal/storage"
	"github.com/ryanashbaugh/openhive/internal/tmux"
	"github.com/ryanashbaugh/openhive/internal/worktree"
	"github.com/ryanashbaugh/openhive/log"
)

var (
	version = "0.1.0"

	defaultAgentFlag string
	dbPathFlag       string

	rootCmd = &cobra.Command{
		Use:   "openhive",
		Short: "openhive - orchestrate a pool of AI coding CLIs through a task graph",
	}

	runCmd = &cobra.Command{
		Use:   "run <spec.json>",
		Short: "Run a spec's task graph wave by wave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading spec file: %w", err)
			}
			var spec specrunner.Spec
			if err := json.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("parsing spec file: %w", err)
			}

			cwd, err := filepath.Abs(".")
			if err != nil {
				return fmt.Errorf("resolving working directory: %w", err)
			}
			cfg.Orchestrator.RepoRoot = cwd
			sentrypkg.SetContext(cfg.Orchestrator.LLMEscalationTool, cfg.Orchestrator.MaxWorkers, filepath.Base(cwd))

			store, err := openStore(dbPathFlag, cwd)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := specrunner.Options{
				Config:       cfg.Orchestrator,
				Cwd:          cwd,
				Store:        store,
				SessionDir:   filepath.Join(cwd, ".openhive"),
				DefaultAgent: resolveDefaultAgent(defaultAgentFlag, cfg),
			}

			result, err := specrunner.RunSpecOrchestrated(spec, opts)
			if err != nil {
				return fmt.Errorf("running spec %q: %w", spec.Name, err)
			}

			fmt.Printf("spec %q finished: %s\n", spec.Name, result.Status)
			for _, wr := range result.Waves {
				fmt.Printf("  wave %d: %d completed, %d failed\n", wr.Number, len(wr.Completed), len(wr.Failed))
				for id, reason := range wr.Failed {
					fmt.Printf("    - %s: %s\n", id, reason)
				}
			}
			if result.Status != "completed" {
				os.Exit(1)
			}
			return nil
		},
	}

	queueCmd = &cobra.Command{
		Use:   "queue <task.json>...",
		Short: "Queue one or more ad-hoc tasks outside of a spec and run them to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			cwd, err := filepath.Abs(".")
			if err != nil {
				return fmt.Errorf("resolving working directory: %w", err)
			}
			cfg.Orchestrator.RepoRoot = cwd
			sentrypkg.SetContext(cfg.Orchestrator.LLMEscalationTool, cfg.Orchestrator.MaxWorkers, filepath.Base(cwd))

			store, err := openStore(dbPathFlag, cwd)
			if err != nil {
				return err
			}
			defer store.Close()

			adapter := tmux.NewAdapter()
			o := engine.New(cfg.Orchestrator, adapter, cwd)
			o.SetStore(store)

			for _, path := range args {
				t, dependsOn, err := loadTaskFile(path, resolveDefaultAgent(defaultAgentFlag, cfg))
				if err != nil {
					return fmt.Errorf("loading task file %s: %w", path, err)
				}
				o.QueueTask(t, dependsOn...)
			}

			if err := o.Start(); err != nil {
				return fmt.Errorf("running orchestrator: %w", err)
			}
			return nil
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Kill the orchestrator's tmux session and clear its worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter := tmux.NewAdapter()
			if err := adapter.KillSession(); err != nil {
				return fmt.Errorf("failed to kill tmux session: %w", err)
			}
			fmt.Println("tmux session has been cleaned up")

			cwd, err := filepath.Abs(".")
			if err != nil {
				return fmt.Errorf("failed to get current directory: %w", err)
			}
			cfg := config.LoadConfig()
			if err := worktree.CleanupAll(cwd, cfg.Orchestrator.WorktreeDir); err != nil {
				return fmt.Errorf("failed to cleanup worktrees: %w", err)
			}
			fmt.Println("worktrees have been cleaned up")
			return nil
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print the resolved config path and contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			dir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Printf("Config: %s\n%s\n", filepath.Join(dir, config.ConfigFileName), data)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of openhive",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("openhive version %s\n", version)
		},
	}
)

func resolveDefaultAgent(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	return cfg.Orchestrator.LLMEscalationTool
}

func openStore(dbPath, cwd string) (*storage.Store, error) {
	path := dbPath
	if path == "" {
		path = filepath.Join(cwd, ".openhive", "openhive.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	store, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// taskFile is the minimal JSON shape `openhive queue` reads — a trimmed
// version of specrunner.SpecTask for one-off tasks outside a spec.
type taskFile struct {
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	Agent     string   `json:"agent,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

func loadTaskFile(path, defaultAgent string) (task.Task, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return task.Task{}, nil, err
	}
	var tf taskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return task.Task{}, nil, err
	}
	agent := tf.Agent
	if agent == "" {
		agent = defaultAgent
	}
	return task.Task{ID: tf.ID, Prompt: tf.Prompt, Agent: agent, DependsOn: tf.DependsOn}, tf.DependsOn, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&defaultAgentFlag, "agent", "", "Default tool to use for tasks that don't specify one")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Path to the sqlite task database (default: <cwd>/.openhive/openhive.db)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	cfg := config.LoadConfig()
	telemetryEnabled := cfg.Orchestrator.Enabled

	if err := sentrypkg.Init(version, telemetryEnabled); err != nil {
		// Non-fatal: telemetry failure should not prevent startup.
		_ = err
	}
	defer sentrypkg.Flush()
	defer sentrypkg.RecoverPanic()

	cwd, _ := filepath.Abs(".")
	if err := log.Initialize(cwd, false, telemetryEnabled); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to initialize log file: %v\n", err)
	}
	defer log.Close()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

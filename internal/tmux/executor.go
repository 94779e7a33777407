package tmux

import "os/exec"

// Executor runs *exec.Cmd, abstracted so tests can fake subprocess
// execution without a real tmux binary on PATH. Mirrors the
// session/tmux.cmdExec shape the teacher's TmuxSession is built on.
type Executor interface {
	Run(cmd *exec.Cmd) error
	Output(cmd *exec.Cmd) ([]byte, error)
}

type realExecutor struct{}

// NewExecutor returns the Executor that actually shells out.
func NewExecutor() Executor { return realExecutor{} }

func (realExecutor) Run(cmd *exec.Cmd) error { return cmd.Run() }

func (realExecutor) Output(cmd *exec.Cmd) ([]byte, error) { return cmd.Output() }

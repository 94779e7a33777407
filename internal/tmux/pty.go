package tmux

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// PtyFactory starts a command attached to a pseudo-terminal, returning the
// master end. Used only by Adapter.CreateWindow, which runs the `tmux
// new-window` invocation through a PTY and then polls for the window to
// appear; the PTY's output is not read.
type PtyFactory interface {
	Start(cmd *exec.Cmd) (*os.File, error)
}

type realPtyFactory struct{}

// NewPtyFactory returns the PtyFactory backed by github.com/creack/pty.
func NewPtyFactory() PtyFactory { return realPtyFactory{} }

func (realPtyFactory) Start(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}

package tmux

import (
	"os"
	"os/exec"
	"strings"
)

func stringsContains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

// fakeExecutor records invocations and lets tests script per-binary results.
type fakeExecutor struct {
	runErr    map[string]error // keyed by joined args
	outputs   map[string][]byte
	outputErr map[string]error
	calls     []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		runErr:    map[string]error{},
		outputs:   map[string][]byte{},
		outputErr: map[string]error{},
	}
}

func key(cmd *exec.Cmd) string {
	s := ""
	for _, a := range cmd.Args {
		s += a + " "
	}
	return s
}

func (f *fakeExecutor) Run(cmd *exec.Cmd) error {
	k := key(cmd)
	f.calls = append(f.calls, k)
	for substr, err := range f.runErr {
		if containsAll(k, substr) {
			return err
		}
	}
	return nil
}

func (f *fakeExecutor) Output(cmd *exec.Cmd) ([]byte, error) {
	k := key(cmd)
	f.calls = append(f.calls, k)
	for substr, err := range f.outputErr {
		if containsAll(k, substr) {
			return nil, err
		}
	}
	for substr, out := range f.outputs {
		if containsAll(k, substr) {
			return out, nil
		}
	}
	return nil, nil
}

func containsAll(haystack, needle string) bool {
	return needle == "" || stringsContains(haystack, needle)
}

// fakePtyFactory returns a closed pipe end immediately; no real PTY needed
// for tests that only assert on command shape.
type fakePtyFactory struct {
	startErr error
}

func (f *fakePtyFactory) Start(cmd *exec.Cmd) (*os.File, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	w.Close()
	return r, nil
}

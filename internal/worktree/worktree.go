// Package worktree is the optional git-worktree boundary collaborator
// (spec.md §6): on dispatch the engine may ask it to create an isolated
// worktree+branch for a task so concurrent workers never collide on the
// same checkout.
//
// Grounded on session/git/worktree_ops.go's Setup/Cleanup/Remove/Prune/
// CleanupWorktrees, trimmed of plan-commit and branch-prefix-from-config
// concerns that belong to the dashboard's plan lifecycle, not task
// dispatch.
package worktree

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/ryanashbaugh/openhive/log"
)

// Worktree is one task's isolated checkout.
type Worktree struct {
	repoPath      string
	branchName    string
	worktreePath  string
	baseCommitSHA string
}

// New derives a deterministic branch/worktree-path pair from taskID under
// worktreeDir (relative to repoPath unless absolute) and returns an
// unconfigured Worktree — call Setup to actually create it.
func New(repoPath, worktreeDir, taskID string) *Worktree {
	branch := "openhive/" + sanitize(taskID)
	dir := worktreeDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoPath, dir)
	}
	return &Worktree{
		repoPath:     repoPath,
		branchName:   branch,
		worktreePath: filepath.Join(dir, sanitize(taskID)),
	}
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}

// Path returns the worktree's filesystem path.
func (w *Worktree) Path() string { return w.worktreePath }

// Branch returns the worktree's branch name.
func (w *Worktree) Branch() string { return w.branchName }

func (w *Worktree) runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %v: %s (%w)", args, out, err)
	}
	return string(out), nil
}

// Setup creates the worktree directory and either reuses an existing
// branch or creates a new one from HEAD.
func (w *Worktree) Setup() error {
	if err := os.MkdirAll(filepath.Dir(w.worktreePath), 0755); err != nil {
		return fmt.Errorf("creating worktree parent dir: %w", err)
	}

	repo, err := git.PlainOpen(w.repoPath)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(w.branchName)
	if _, err := repo.Reference(branchRef, false); err == nil {
		return w.setupFromExistingBranch()
	}
	return w.setupNewWorktree()
}

func (w *Worktree) setupFromExistingBranch() error {
	_, _ = w.runGit(w.repoPath, "worktree", "remove", "-f", w.worktreePath)
	if _, err := w.runGit(w.repoPath, "worktree", "add", w.worktreePath, w.branchName); err != nil {
		return fmt.Errorf("creating worktree from branch %s: %w", w.branchName, err)
	}
	if out, err := w.runGit(w.repoPath, "merge-base", "HEAD", w.branchName); err == nil {
		w.baseCommitSHA = strings.TrimSpace(out)
	}
	return nil
}

func (w *Worktree) setupNewWorktree() error {
	_, _ = w.runGit(w.repoPath, "worktree", "remove", "-f", w.worktreePath)

	head, err := w.runGit(w.repoPath, "rev-parse", "HEAD")
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	w.baseCommitSHA = strings.TrimSpace(head)

	if _, err := w.runGit(w.repoPath, "worktree", "add", "-b", w.branchName, w.worktreePath, w.baseCommitSHA); err != nil {
		return fmt.Errorf("creating worktree from commit %s: %w", w.baseCommitSHA, err)
	}
	return nil
}

// Cleanup removes the worktree and its branch.
func (w *Worktree) Cleanup() error {
	var errs []error

	if _, err := os.Stat(w.worktreePath); err == nil {
		if _, err := w.runGit(w.repoPath, "worktree", "remove", "-f", w.worktreePath); err != nil {
			errs = append(errs, err)
		}
	} else if !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("checking worktree path: %w", err))
	}

	repo, err := git.PlainOpen(w.repoPath)
	if err != nil {
		errs = append(errs, fmt.Errorf("opening repository for cleanup: %w", err))
		return errors.Join(errs...)
	}

	branchRef := plumbing.NewBranchReferenceName(w.branchName)
	if _, err := repo.Reference(branchRef, false); err == nil {
		if err := repo.Storer.RemoveReference(branchRef); err != nil {
			errs = append(errs, fmt.Errorf("removing branch %s: %w", w.branchName, err))
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		errs = append(errs, fmt.Errorf("checking branch %s: %w", w.branchName, err))
	}

	if err := w.Prune(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Remove removes the worktree but keeps the branch.
func (w *Worktree) Remove() error {
	if _, err := w.runGit(w.repoPath, "worktree", "remove", "-f", w.worktreePath); err != nil {
		return fmt.Errorf("removing worktree: %w", err)
	}
	return nil
}

// Prune cleans up stale worktree administrative files.
func (w *Worktree) Prune() error {
	if _, err := w.runGit(w.repoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("pruning worktrees: %w", err)
	}
	return nil
}

// CleanupAll removes every worktree under worktreeDir and their branches,
// for `openhive reset`.
func CleanupAll(repoPath, worktreeDir string) error {
	dir := worktreeDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoPath, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading worktree directory: %w", err)
	}

	run := func(args ...string) (string, error) {
		cmd := exec.Command("git", append([]string{"-C", repoPath}, args...)...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("git %v: %s (%w)", args, out, err)
		}
		return string(out), nil
	}

	output, err := run("worktree", "list", "--porcelain")
	if err != nil {
		return fmt.Errorf("listing worktrees: %w", err)
	}

	branchByPath := map[string]string{}
	current := ""
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			branchByPath[current] = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if _, err := run("worktree", "remove", "-f", path); err != nil {
			log.WarningLog.Printf("git worktree remove failed for %s, falling back to os.RemoveAll: %v", path, err)
			if rmErr := os.RemoveAll(path); rmErr != nil {
				log.ErrorLog.Printf("failed to remove worktree path %s: %v", path, rmErr)
			}
		}
		for wtPath, branch := range branchByPath {
			if strings.Contains(wtPath, entry.Name()) {
				if _, err := run("branch", "-D", branch); err != nil {
					log.ErrorLog.Printf("failed to delete branch %s: %v", branch, err)
				}
				break
			}
		}
	}

	if _, err := run("worktree", "prune"); err != nil {
		return fmt.Errorf("pruning worktrees: %w", err)
	}
	return nil
}

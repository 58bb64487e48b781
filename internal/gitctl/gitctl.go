// Package gitctl wraps the narrow git surface the LoopRunner needs: branch
// checkout/creation at loop start and an optional merge when a loop
// completes with a configured merge target. It is adapted from adaf's
// internal/worktree package, trimmed from per-spawn worktree isolation down
// to operations against the single already-checked-out repository a Ralph
// loop runs in.
package gitctl

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ralphrun/ralph/internal/debug"
)

// Repo is a git repository the LoopRunner drives one branch in.
type Repo struct {
	root string
}

// NewRepo creates a Repo rooted at repoRoot (the parent of a task directory).
func NewRepo(repoRoot string) *Repo {
	return &Repo{root: repoRoot}
}

// EnsureBranch checks out branchName, creating it from the current HEAD if
// it does not yet exist. It fails with an error if the working tree has
// conflicting uncommitted changes that checkout would clobber.
func (r *Repo) EnsureBranch(ctx context.Context, branchName string) error {
	debug.LogKV("gitctl", "EnsureBranch()", "branch", branchName, "repo_root", r.root)

	status, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("checking working tree status: %w", err)
	}

	current, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return fmt.Errorf("resolving current branch: %w", err)
	}
	current = strings.TrimSpace(current)
	if current == branchName {
		return nil
	}

	exists, err := r.branchExists(ctx, branchName)
	if err != nil {
		return err
	}

	if strings.TrimSpace(status) != "" {
		return fmt.Errorf("working tree has uncommitted changes; refusing to switch to %s", branchName)
	}

	if exists {
		if _, err := r.git(ctx, "checkout", branchName); err != nil {
			return fmt.Errorf("checking out branch %s: %w", branchName, err)
		}
		return nil
	}

	if _, err := r.git(ctx, "checkout", "-b", branchName); err != nil {
		return fmt.Errorf("creating branch %s: %w", branchName, err)
	}
	return nil
}

func (r *Repo) branchExists(ctx context.Context, branchName string) (bool, error) {
	_, err := r.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branchName)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if asExitError(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// MergeResult describes the outcome of MergeToTarget.
type MergeResult struct {
	FastForward bool
	Hash        string
}

// MergeToTarget merges branchName into targetBranch: fast-forward if
// possible, otherwise a merge commit. The repository is left checked out on
// targetBranch.
func (r *Repo) MergeToTarget(ctx context.Context, branchName, targetBranch string) (*MergeResult, error) {
	debug.LogKV("gitctl", "MergeToTarget()", "branch", branchName, "target", targetBranch)
	if _, err := r.git(ctx, "checkout", targetBranch); err != nil {
		return nil, fmt.Errorf("checking out merge target %s: %w", targetBranch, err)
	}

	if _, err := r.git(ctx, "merge", "--ff-only", branchName); err == nil {
		hash, herr := r.git(ctx, "rev-parse", "HEAD")
		if herr != nil {
			return nil, herr
		}
		return &MergeResult{FastForward: true, Hash: strings.TrimSpace(hash)}, nil
	}

	msg := fmt.Sprintf("Merge %s into %s", branchName, targetBranch)
	if _, err := r.git(ctx, "merge", "--no-ff", "-m", msg, branchName); err != nil {
		return nil, fmt.Errorf("merging %s into %s: %w", branchName, targetBranch, err)
	}
	hash, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &MergeResult{FastForward: false, Hash: strings.TrimSpace(hash)}, nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogKV("gitctl", "git exec failed", "cmd", "git "+strings.Join(args, " "), "error", err)
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), string(out), err)
	}
	return string(out), nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

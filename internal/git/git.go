package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client provides the git operations the sync pipeline needs. Every method
// runs against the repository (or work tree) at dir.
type Client interface {
	// RevList lists commits in the range touching path, oldest first, merges excluded.
	RevList(ctx context.Context, dir string, revs []string, path string, firstParent bool) ([]string, error)
	// FormatPatch renders a single commit as an mbox patch restricted to path,
	// with file names made relative to relative.
	FormatPatch(ctx context.Context, dir, commit, relative, path string) ([]byte, error)

	// Am applies an mbox patch with a three-way fallback, prefixing paths with directory.
	// A patch without changes fails with ErrEmptyPatch; one already present in
	// the target succeeds without creating a commit.
	Am(ctx context.Context, dir, patchFile, directory string) error
	AmContinue(ctx context.Context, dir string) error
	AmSkip(ctx context.Context, dir string) error
	AmAbort(ctx context.Context, dir string) error
	// AmInProgress reports whether a git am session is waiting for resolution.
	AmInProgress(ctx context.Context, dir string) (bool, error)
	// UnmergedPaths lists paths with unresolved merge conflicts.
	UnmergedPaths(ctx context.Context, dir string) ([]string, error)

	IsClean(ctx context.Context, dir string) (bool, error)
	StashPush(ctx context.Context, dir, message string) error
	StashPop(ctx context.Context, dir string) error

	// CurrentBranch returns the checked out branch, or "" for a detached HEAD.
	CurrentBranch(ctx context.Context, dir string) (string, error)
	BranchExists(ctx context.Context, dir, name string) (bool, error)
	Checkout(ctx context.Context, dir, branch string, create bool) error
	HeadHash(ctx context.Context, dir string) (string, error)
	// GitDir returns the absolute path of the repository's private directory.
	GitDir(ctx context.Context, dir string) (string, error)
}

// ErrEmptyPatch is returned by Am and AmContinue when git stops because the
// patch carries no change for the target.
var ErrEmptyPatch = errors.New("patch is empty")

// emptyPatchMessages are the git am outputs for a patch without net change:
// an mbox without a diff, a change the target already has, and a continue
// with nothing staged.
var emptyPatchMessages = []string{
	"Patch is empty.",
	"No changes -- Patch already applied.",
	"No changes - did you forget to use 'git add'?",
}

func amError(op string, err error) error {
	for _, msg := range emptyPatchMessages {
		if strings.Contains(err.Error(), msg) {
			return fmt.Errorf("%s failed: %w: %w", op, ErrEmptyPatch, err)
		}
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	binary string
}

// NewShellClient creates a new git client that runs binary ("git" when empty)
func NewShellClient(binary string) *ShellClient {
	if binary == "" {
		binary = "git"
	}
	return &ShellClient{binary: binary}
}

// RevList enumerates the commits of revs that touch path
func (c *ShellClient) RevList(ctx context.Context, dir string, revs []string, path string, firstParent bool) ([]string, error) {
	args := []string{"rev-list", "--reverse", "--no-merges"}
	if firstParent {
		args = append(args, "--first-parent")
	}
	args = append(args, revs...)
	args = append(args, "--")
	if path != "" {
		args = append(args, path)
	}

	out, err := c.output(ctx, dir, args...)
	if err != nil {
		return nil, fmt.Errorf("git rev-list failed: %w", err)
	}
	return strings.Fields(out), nil
}

// FormatPatch emits commit as a binary-safe mbox patch
func (c *ShellClient) FormatPatch(ctx context.Context, dir, commit, relative, path string) ([]byte, error) {
	args := []string{"format-patch", "-1", "--stdout", "--binary", "--full-index", "--no-signature"}
	if relative != "" {
		args = append(args, "--relative="+relative)
	}
	args = append(args, commit, "--")
	if path != "" {
		args = append(args, path)
	}

	cmd := c.command(ctx, dir, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git format-patch failed for %s: %w: %s", commit, err, stderr.String())
	}
	return out, nil
}

// Am applies patchFile with --3way
func (c *ShellClient) Am(ctx context.Context, dir, patchFile, directory string) error {
	args := []string{"am", "--3way", "--keep-non-patch"}
	if directory != "" {
		args = append(args, "--directory="+directory)
	}
	args = append(args, patchFile)

	if err := c.runCommand(c.command(ctx, dir, args...)); err != nil {
		return amError("git am", err)
	}
	return nil
}

// AmContinue resumes an am session after the operator resolved conflicts
func (c *ShellClient) AmContinue(ctx context.Context, dir string) error {
	if err := c.runCommand(c.command(ctx, dir, "am", "--continue")); err != nil {
		return amError("git am --continue", err)
	}
	return nil
}

// AmSkip drops the current patch of an am session
func (c *ShellClient) AmSkip(ctx context.Context, dir string) error {
	if err := c.runCommand(c.command(ctx, dir, "am", "--skip")); err != nil {
		return fmt.Errorf("git am --skip failed: %w", err)
	}
	return nil
}

// AmAbort restores the tree to its state before the am session
func (c *ShellClient) AmAbort(ctx context.Context, dir string) error {
	if err := c.runCommand(c.command(ctx, dir, "am", "--abort")); err != nil {
		return fmt.Errorf("git am --abort failed: %w", err)
	}
	return nil
}

// AmInProgress checks for the rebase-apply directory git am leaves behind.
// A rebase using the apply backend shares the directory but not the "applying" marker.
func (c *ShellClient) AmInProgress(ctx context.Context, dir string) (bool, error) {
	out, err := c.output(ctx, dir, "rev-parse", "--git-path", "rebase-apply")
	if err != nil {
		return false, fmt.Errorf("git rev-parse failed: %w", err)
	}

	applyDir := strings.TrimSpace(out)
	if !filepath.IsAbs(applyDir) {
		applyDir = filepath.Join(dir, applyDir)
	}
	if _, err := os.Stat(filepath.Join(applyDir, "applying")); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UnmergedPaths lists paths in conflict
func (c *ShellClient) UnmergedPaths(ctx context.Context, dir string) ([]string, error) {
	out, err := c.output(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	return splitLines(out), nil
}

// IsClean reports whether the work tree has no staged, unstaged or untracked changes
func (c *ShellClient) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := c.output(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	return strings.TrimSpace(out) == "", nil
}

// StashPush stashes tracked and untracked changes
func (c *ShellClient) StashPush(ctx context.Context, dir, message string) error {
	if err := c.runCommand(c.command(ctx, dir, "stash", "push", "--include-untracked", "-m", message)); err != nil {
		return fmt.Errorf("git stash push failed: %w", err)
	}
	return nil
}

// StashPop restores the most recent stash entry
func (c *ShellClient) StashPop(ctx context.Context, dir string) error {
	if err := c.runCommand(c.command(ctx, dir, "stash", "pop")); err != nil {
		return fmt.Errorf("git stash pop failed: %w", err)
	}
	return nil
}

// CurrentBranch returns the short name of HEAD's branch
func (c *ShellClient) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.output(ctx, dir, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", fmt.Errorf("git symbolic-ref failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// BranchExists checks for a local branch
func (c *ShellClient) BranchExists(ctx context.Context, dir, name string) (bool, error) {
	_, err := c.output(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("git rev-parse failed: %w", err)
	}
	return true, nil
}

// Checkout switches to branch, creating it from HEAD when create is set
func (c *ShellClient) Checkout(ctx context.Context, dir, branch string, create bool) error {
	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, branch)

	if err := c.runCommand(c.command(ctx, dir, args...)); err != nil {
		return fmt.Errorf("git checkout failed for branch %q: %w", branch, err)
	}
	return nil
}

// HeadHash returns the commit hash HEAD points at
func (c *ShellClient) HeadHash(ctx context.Context, dir string) (string, error) {
	out, err := c.output(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// GitDir returns the absolute git directory of the repository at dir
func (c *ShellClient) GitDir(ctx context.Context, dir string) (string, error) {
	out, err := c.output(ctx, dir, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// command builds a git invocation rooted at dir. Paths are printed verbatim
// so conflicted file names can be reported as-is; messages stay untranslated
// for amError.
func (c *ShellClient) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.binary, append([]string{"-C", dir}, args...)...)
	cmd.Args = insertGitFlags(cmd.Args, "-c", "core.quotepath=off")
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true", "LC_ALL=C")
	return cmd
}

// output runs a command and returns its stdout. Failures carry stderr.
func (c *ShellClient) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := c.command(ctx, dir, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() == 0 {
			return "", err
		}
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "am", "stash").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

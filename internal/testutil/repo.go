// Package testutil provides git repository fixtures for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Repo is a throwaway git repository rooted in a test temp directory.
type Repo struct {
	t   testing.TB
	Dir string
}

// NewRepo initializes a repository on branch with a local identity configured.
func NewRepo(t testing.TB, branch string) *Repo {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	r := &Repo{t: t, Dir: dir}
	r.Git("init", "-q", "-b", branch)
	r.Git("config", "user.email", "test@test.com")
	r.Git("config", "user.name", "Test")
	r.Git("config", "commit.gpgsign", "false")
	return r
}

// Git runs a git command in the repository and returns its trimmed stdout.
func (r *Repo) Git(args ...string) string {
	r.t.Helper()
	out, err := r.TryGit(args...)
	if err != nil {
		r.t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return out
}

// TryGit runs a git command and returns combined output and error without failing.
func (r *Repo) TryGit(args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", r.Dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_CONFIG_NOSYSTEM=1", "GIT_EDITOR=true")
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// WriteFile writes content to a path relative to the work tree, creating parents.
func (r *Repo) WriteFile(rel, content string) {
	r.t.Helper()
	path := filepath.Join(r.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		r.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		r.t.Fatal(err)
	}
}

// ReadFile returns the content of a work tree file.
func (r *Repo) ReadFile(rel string) string {
	r.t.Helper()
	data, err := os.ReadFile(filepath.Join(r.Dir, filepath.FromSlash(rel)))
	if err != nil {
		r.t.Fatal(err)
	}
	return string(data)
}

// Commit writes files (path -> content), stages everything and commits.
// It returns the new commit hash.
func (r *Repo) Commit(msg string, files map[string]string) string {
	r.t.Helper()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		r.WriteFile(p, files[p])
	}
	r.Git("add", "-A")
	r.Git("commit", "-q", "--allow-empty", "-m", msg)
	return r.Head()
}

// Head returns the commit hash of HEAD.
func (r *Repo) Head() string {
	r.t.Helper()
	return r.Git("rev-parse", "HEAD")
}

// Count returns the number of commits reachable from HEAD.
func (r *Repo) Count() int {
	r.t.Helper()
	return len(strings.Fields(r.Git("rev-list", "HEAD")))
}

// Subjects returns commit subjects reachable from HEAD, newest first.
func (r *Repo) Subjects() []string {
	r.t.Helper()
	out := r.Git("log", "--format=%s")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

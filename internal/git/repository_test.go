package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/subsync/internal/testutil"
)

func TestOpen(t *testing.T) {
	r := testutil.NewRepo(t, "main")
	r.Commit("c1", map[string]string{"lib/a.txt": "one\n"})

	repo, err := Open(filepath.Join(r.Dir, "lib"), true)
	if err != nil {
		t.Fatalf("Open with detection: %v", err)
	}
	if repo.Root() != r.Dir {
		t.Errorf("Root() = %q, want %q", repo.Root(), r.Dir)
	}

	if _, err := Open(filepath.Join(r.Dir, "lib"), false); !errors.Is(err, ErrNotRepository) {
		t.Errorf("Open(subdir, false) error = %v, want ErrNotRepository", err)
	}

	plain := t.TempDir()
	if err := os.MkdirAll(filepath.Join(plain, "x"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(filepath.Join(plain, "x"), true); !errors.Is(err, ErrNotRepository) {
		t.Errorf("Open(non-repo) error = %v, want ErrNotRepository", err)
	}
}

func TestResolveCommitAndBranch(t *testing.T) {
	r := testutil.NewRepo(t, "main")
	c1 := r.Commit("c1", map[string]string{"a.txt": "1\n"})
	c2 := r.Commit("c2", map[string]string{"a.txt": "2\n"})

	repo, err := Open(r.Dir, false)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		rev  string
		want string
	}{
		{"main", c2},
		{"HEAD", c2},
		{"HEAD^", c1},
		{c1, c1},
		{c2 + "~1", c1},
	}
	for _, tt := range tests {
		t.Run(tt.rev, func(t *testing.T) {
			commit, err := repo.ResolveCommit(tt.rev)
			if err != nil {
				t.Fatalf("ResolveCommit(%q): %v", tt.rev, err)
			}
			if commit.Hash.String() != tt.want {
				t.Errorf("ResolveCommit(%q) = %s, want %s", tt.rev, commit.Hash, tt.want)
			}
		})
	}

	if _, err := repo.ResolveCommit("no-such-branch"); !errors.Is(err, ErrRevisionNotFound) {
		t.Errorf("expected ErrRevisionNotFound, got %v", err)
	}

	branch, err := repo.CurrentBranch()
	if err != nil || branch != "main" {
		t.Errorf("CurrentBranch() = %q, %v", branch, err)
	}

	r.Git("checkout", "-q", "--detach", c1)
	repo, err = Open(r.Dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if branch, _ = repo.CurrentBranch(); branch != c1 {
		t.Errorf("CurrentBranch() on detached HEAD = %q, want %s", branch, c1)
	}
}

func TestTouchesPath(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRepo(t, "main")
	root := r.Commit("root", map[string]string{"lib/a.txt": "1\n"})
	inside := r.Commit("inside", map[string]string{"lib/sub/b.txt": "b\n"})
	outside := r.Commit("outside", map[string]string{"library.txt": "x\n"})

	repo, err := Open(r.Dir, false)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		commit string
		path   string
		want   bool
	}{
		{"root commit against empty tree", root, "lib", true},
		{"nested change", inside, "lib", true},
		{"sibling with shared prefix", outside, "lib", false},
		{"scoped file", inside, "lib/a.txt", false},
		{"whole repository", outside, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.TouchesPath(ctx, tt.commit, tt.path)
			if err != nil {
				t.Fatalf("TouchesPath: %v", err)
			}
			if got != tt.want {
				t.Errorf("TouchesPath(%s, %q) = %v, want %v", tt.name, tt.path, got, tt.want)
			}
		})
	}
}

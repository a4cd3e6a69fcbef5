package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	// ErrNotRepository is returned when a path is not inside a git work tree.
	ErrNotRepository = errors.New("not a git repository")
	// ErrRevisionNotFound is returned when a revision does not name a commit.
	ErrRevisionNotFound = errors.New("revision not found")
)

// Repository is a read-only view of a repository used for inspection:
// locating the work tree, resolving revisions and walking first-parent history.
type Repository struct {
	repo *gogit.Repository
	root string
}

// Open opens the repository whose work tree contains path. When detect is
// false, path must be the work tree root itself.
func Open(path string, detect bool) (*Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit:          detect,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotRepository, path, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotRepository, path, err)
	}

	root, err := filepath.EvalSymlinks(wt.Filesystem.Root())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work tree root: %w", err)
	}

	return &Repository{repo: repo, root: root}, nil
}

// Root returns the absolute, symlink-free work tree root
func (r *Repository) Root() string {
	return r.root
}

// ResolveCommit resolves any revision expression go-git understands
// (branch, tag, hash or prefix, HEAD, rev^, rev~n) to a commit.
func (r *Repository) ResolveCommit(rev string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrRevisionNotFound, rev)
	}

	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a commit", ErrRevisionNotFound, rev)
	}
	return commit, nil
}

// CurrentBranch returns the short name of the checked out branch. A detached
// HEAD yields its commit hash.
func (r *Repository) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return head.Hash().String(), nil
}

// TouchesPath reports whether commit changes anything under path compared to
// its first parent. Root commits are compared to the empty tree.
func (r *Repository) TouchesPath(ctx context.Context, hash, path string) (bool, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}

	tree, err := commit.Tree()
	if err != nil {
		return false, fmt.Errorf("failed to read tree of %s: %w", hash, err)
	}

	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return false, fmt.Errorf("failed to read parent of %s: %w", hash, err)
		}
		if parentTree, err = parent.Tree(); err != nil {
			return false, fmt.Errorf("failed to read tree of %s: %w", parent.Hash, err)
		}
	}

	changes, err := object.DiffTreeWithOptions(ctx, parentTree, tree, nil)
	if err != nil {
		return false, fmt.Errorf("failed to diff %s: %w", hash, err)
	}

	for _, change := range changes {
		if underPath(change.From.Name, path) || underPath(change.To.Name, path) {
			return true, nil
		}
	}
	return false, nil
}

func underPath(name, path string) bool {
	if name == "" {
		return false
	}
	if path == "" {
		return true
	}
	return name == path || strings.HasPrefix(name, path+"/")
}

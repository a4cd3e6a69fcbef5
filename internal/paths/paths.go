// Package paths normalizes the user supplied source and target locations.
package paths

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/subsync/internal/git"
)

var (
	// ErrInvalidSource is returned when the source path is missing or outside a work tree.
	ErrInvalidSource = errors.New("invalid source path")
	// ErrInvalidTarget is returned when the target is not the root of a repository.
	ErrInvalidTarget = errors.New("invalid target repository")
)

// Locations are the resolved endpoints of a sync session.
type Locations struct {
	SourceRoot string // absolute work tree root of the source repository
	ScopedPath string // slash-separated, relative to SourceRoot, "" for the whole tree
	TargetRoot string // absolute work tree root of the target repository

	Source *git.Repository
	Target *git.Repository
}

// Relative returns the --relative prefix that strips the scoped path from
// patch file names. A scoped file keeps its own name.
func (l Locations) Relative() string {
	if l.ScopedPath == "" {
		return ""
	}
	info, err := os.Stat(filepath.Join(l.SourceRoot, filepath.FromSlash(l.ScopedPath)))
	if err == nil && !info.IsDir() {
		if dir := filepath.ToSlash(filepath.Dir(l.ScopedPath)); dir != "." {
			return dir + "/"
		}
		return ""
	}
	return l.ScopedPath + "/"
}

// Resolve locates the source repository and scoped path, and checks that
// target is a distinct repository root.
func Resolve(ctx context.Context, source, target string) (Locations, error) {
	if err := ctx.Err(); err != nil {
		return Locations{}, err
	}

	srcAbs, err := canonical(source)
	if err != nil {
		return Locations{}, fmt.Errorf("%w: %s: %v", ErrInvalidSource, source, err)
	}
	srcRepo, err := git.Open(srcAbs, true)
	if err != nil {
		return Locations{}, fmt.Errorf("%w: %s is not inside a git work tree", ErrInvalidSource, source)
	}

	rel, err := filepath.Rel(srcRepo.Root(), srcAbs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return Locations{}, fmt.Errorf("%w: %s is outside %s", ErrInvalidSource, source, srcRepo.Root())
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		rel = ""
	}
	if rel == ".git" || strings.HasPrefix(rel, ".git/") {
		return Locations{}, fmt.Errorf("%w: %s is inside the git directory", ErrInvalidSource, source)
	}

	dstRepo, err := ResolveTarget(target)
	if err != nil {
		return Locations{}, err
	}
	if dstRepo.Root() == srcRepo.Root() {
		return Locations{}, fmt.Errorf("%w: source and target are the same repository", ErrInvalidTarget)
	}

	return Locations{
		SourceRoot: srcRepo.Root(),
		ScopedPath: rel,
		TargetRoot: dstRepo.Root(),
		Source:     srcRepo,
		Target:     dstRepo,
	}, nil
}

// ResolveTarget returns the canonical root of the target repository. The
// path must be the work tree root itself.
func ResolveTarget(target string) (*git.Repository, error) {
	abs, err := canonical(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTarget, target, err)
	}
	repo, err := git.Open(abs, false)
	if err != nil || repo.Root() != abs {
		return nil, fmt.Errorf("%w: %s is not the root of a git repository", ErrInvalidTarget, target)
	}
	return repo, nil
}

// canonical returns an absolute, symlink-free path that must exist.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// NormalizeTargetDir cleans a target subdirectory into a slash-separated
// relative path. It rejects absolute paths and escapes above the root.
func NormalizeTargetDir(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if filepath.IsAbs(dir) {
		return "", fmt.Errorf("%w: target directory %q must be relative", ErrInvalidTarget, dir)
	}
	cleaned := filepath.ToSlash(filepath.Clean(dir))
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: target directory %q escapes the repository", ErrInvalidTarget, dir)
	}
	return cleaned, nil
}

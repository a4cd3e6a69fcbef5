// Package revrange turns user supplied revision range expressions into
// concrete, fully resolved ranges over the source repository.
package revrange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/schaermu/subsync/internal/models"
)

var (
	// ErrAmbiguousRevision is returned when the start of a range has no parent
	// and the caller asked to include it.
	ErrAmbiguousRevision = errors.New("ambiguous revision")
	// ErrUnknownRevision is returned when an endpoint does not resolve to a commit.
	ErrUnknownRevision = errors.New("unknown revision")
	// ErrInvalidRange is returned for malformed range expressions.
	ErrInvalidRange = errors.New("invalid revision range")
)

const headMarker = "HEAD"

// Repository is the part of the source repository the resolver reads.
type Repository interface {
	ResolveCommit(rev string) (*object.Commit, error)
	CurrentBranch() (string, error)
}

// Resolver resolves range expressions against one repository.
type Resolver struct {
	repo Repository
}

// NewResolver creates a resolver for repo
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// SourceBranch returns explicit when set, otherwise the current branch of the
// repository (a commit hash when HEAD is detached).
func (r *Resolver) SourceBranch(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return r.repo.CurrentBranch()
}

// Resolve turns expr into a two-endpoint range.
//
// A bare revision R means R..branch, HEAD on either side means branch, and
// includeStart rewrites A..B into A^..B.
func (r *Resolver) Resolve(expr, branch string, includeStart bool) (models.Range, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return models.Range{}, fmt.Errorf("%w: empty expression", ErrInvalidRange)
	}
	if strings.Contains(expr, "...") {
		return models.Range{}, fmt.Errorf("%w: symmetric difference %q is not supported", ErrInvalidRange, expr)
	}

	from, to := expr, ""
	if parts := strings.Split(expr, ".."); len(parts) == 2 {
		from, to = parts[0], parts[1]
	} else if len(parts) > 2 {
		return models.Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, expr)
	}
	if from == "" && to == "" {
		return models.Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, expr)
	}
	if from == "" {
		from = headMarker
	}
	if to == "" {
		to = headMarker
	}

	from = replaceHead(from, branch)
	to = replaceHead(to, branch)

	if strings.HasSuffix(from, "^") {
		if err := r.requireParent(strings.TrimSuffix(from, "^")); err != nil {
			return models.Range{}, err
		}
	} else if includeStart {
		if err := r.requireParent(from); err != nil {
			return models.Range{}, err
		}
		from += "^"
	}

	fromCommit, err := r.resolve(from)
	if err != nil {
		return models.Range{}, err
	}
	toCommit, err := r.resolve(to)
	if err != nil {
		return models.Range{}, err
	}

	return models.Range{
		Expr: from + ".." + to,
		From: fromCommit.Hash.String(),
		To:   toCommit.Hash.String(),
	}, nil
}

// ResolveFromRoot returns a range covering every commit reachable from end,
// with the root commit included as an initial full-content addition.
func (r *Resolver) ResolveFromRoot(end, branch string) (models.Range, error) {
	end = strings.TrimSpace(end)
	if end == "" {
		end = headMarker
	}
	end = replaceHead(end, branch)

	toCommit, err := r.resolve(end)
	if err != nil {
		return models.Range{}, err
	}

	return models.Range{
		Expr: "(root).." + end,
		To:   toCommit.Hash.String(),
		Root: true,
	}, nil
}

func (r *Resolver) resolve(rev string) (*object.Commit, error) {
	commit, err := r.repo.ResolveCommit(rev)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRevision, rev)
	}
	return commit, nil
}

// requireParent fails when rev is a root commit: "rev^" does not exist and
// including the commit needs an explicit decision.
func (r *Resolver) requireParent(rev string) error {
	commit, err := r.resolve(rev)
	if err != nil {
		return err
	}
	if commit.NumParents() == 0 {
		return fmt.Errorf("%w: %s is the root commit and has no parent; use --from-root to include it", ErrAmbiguousRevision, rev)
	}
	return nil
}

// replaceHead substitutes the floating tip marker with the concrete branch,
// keeping any ancestry suffix (HEAD~2 -> main~2).
func replaceHead(rev, branch string) string {
	if branch == "" || !strings.HasPrefix(rev, headMarker) {
		return rev
	}
	rest := rev[len(headMarker):]
	if rest == "" || rest[0] == '^' || rest[0] == '~' {
		return branch + rest
	}
	return rev
}

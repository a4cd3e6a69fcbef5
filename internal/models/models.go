// Package models holds the data shared by the sync pipeline: the immutable
// session specification, the resolved revision range and extracted patch records.
package models

import (
	"fmt"
	"time"
)

// Range is a concrete two-endpoint revision range in the source repository.
type Range struct {
	// Expr is the canonical range expression, e.g. "abc123..main" or "abc123^..main".
	Expr string `json:"expr"`
	// From is the commit hash of the excluded lower bound. Empty when Root is set.
	From string `json:"from,omitempty"`
	// To is the commit hash of the included upper bound.
	To string `json:"to"`
	// Root means the range starts at the repository's first commit and includes it
	// as an initial full-content addition.
	Root bool `json:"root,omitempty"`
}

// RevList returns the arguments that select this range for git rev-list.
func (r Range) RevList() []string {
	if r.Root {
		return []string{r.To}
	}
	return []string{fmt.Sprintf("%s..%s", r.From, r.To)}
}

// String returns the canonical expression.
func (r Range) String() string {
	if r.Expr != "" {
		return r.Expr
	}
	if r.Root {
		return "(root).." + r.To
	}
	return r.From + ".." + r.To
}

// Specification is the immutable input of a sync session.
type Specification struct {
	SourceRoot   string `json:"source_root"`
	ScopedPath   string `json:"scoped_path"` // relative to SourceRoot, "" for the whole repository
	SourceBranch string `json:"source_branch"`
	TargetRoot   string `json:"target_root"`
	TargetDir    string `json:"target_dir,omitempty"` // relative to TargetRoot, "" for the root
	TargetBranch string `json:"target_branch"`
	Range        Range  `json:"range"`

	FirstParent  bool `json:"first_parent"`
	IncludeStart bool `json:"include_start"`
	FromRoot     bool `json:"from_root,omitempty"`
	AutoStash    bool `json:"auto_stash"`
	SkipEmpty    bool `json:"skip_empty"`
	Interactive  bool `json:"interactive"`
}

// PatchRecord is one extracted commit, ready to be replayed in the target.
type PatchRecord struct {
	Index        int       `json:"index"` // 1-based, application order
	Hash         string    `json:"hash"`
	ShortHash    string    `json:"short_hash"`
	Subject      string    `json:"subject"`
	Author       string    `json:"author"`
	AuthorDate   time.Time `json:"author_date"`
	File         string    `json:"file"` // patch file name inside the owning directory
	FilesTouched int       `json:"files_touched"`
	LikelyEmpty  bool      `json:"likely_empty"`
}

// Label renders the record for progress output, e.g. "[3/12] 1a2b3c4 Fix parser".
func (p PatchRecord) Label(total int) string {
	return fmt.Sprintf("[%d/%d] %s %s", p.Index, total, p.ShortHash, p.Subject)
}

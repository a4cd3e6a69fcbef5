// Package session runs sync, continue, abort and dry-run against a target
// repository, owning tree hygiene, branch selection and stash bookkeeping.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/subsync/internal/checkpoint"
	"github.com/schaermu/subsync/internal/git"
	"github.com/schaermu/subsync/internal/models"
	"github.com/schaermu/subsync/internal/patch"
	"github.com/schaermu/subsync/internal/paths"
	"github.com/schaermu/subsync/internal/revrange"
	"github.com/schaermu/subsync/internal/sync"
)

// Options are the inputs of sync and dry-run
type Options struct {
	Source       string
	Target       string
	Range        string
	TargetDir    string
	Branch       string // target branch; empty keeps the current branch
	SourceBranch string // empty means the source's current branch

	FirstParent  bool
	IncludeStart bool
	FromRoot     bool
	AutoStash    bool
	SkipEmpty    bool
	Interactive  bool
}

// Controller drives sessions
type Controller struct {
	git    git.Client
	prompt sync.Prompter
	logger *slog.Logger
	out    io.Writer
}

// NewController creates a controller. Dry-run listings are written to out.
func NewController(gitClient git.Client, prompter sync.Prompter, logger *slog.Logger, out io.Writer) *Controller {
	return &Controller{
		git:    gitClient,
		prompt: prompter,
		logger: logger,
		out:    out,
	}
}

// target bundles what every mutating command needs about the target
type target struct {
	root  string
	store *checkpoint.Store
	audit *checkpoint.AuditLog
}

func (t *target) close() {
	_ = t.audit.Close()
	_ = t.store.Unlock()
}

// openTarget locks the checkpoint store of the repository rooted at root
func (c *Controller) openTarget(ctx context.Context, root string) (*target, error) {
	gitDir, err := c.git.GitDir(ctx, root)
	if err != nil {
		return nil, err
	}

	store := checkpoint.NewStore(gitDir)
	if err := store.Lock(); err != nil {
		return nil, err
	}

	audit, err := checkpoint.OpenAuditLog(gitDir)
	if err != nil {
		_ = store.Unlock()
		return nil, err
	}

	return &target{root: root, store: store, audit: audit}, nil
}

// plan resolves everything a session needs without touching the target
func (c *Controller) plan(ctx context.Context, opts Options) (models.Specification, *patch.Set, error) {
	loc, err := paths.Resolve(ctx, opts.Source, opts.Target)
	if err != nil {
		return models.Specification{}, nil, err
	}
	targetDir, err := paths.NormalizeTargetDir(opts.TargetDir)
	if err != nil {
		return models.Specification{}, nil, err
	}

	resolver := revrange.NewResolver(loc.Source)
	branch, err := resolver.SourceBranch(opts.SourceBranch)
	if err != nil {
		return models.Specification{}, nil, err
	}

	var rng models.Range
	if opts.FromRoot {
		rng, err = resolver.ResolveFromRoot(opts.Range, branch)
	} else {
		rng, err = resolver.Resolve(opts.Range, branch, opts.IncludeStart)
	}
	if err != nil {
		return models.Specification{}, nil, err
	}

	spec := models.Specification{
		SourceRoot:   loc.SourceRoot,
		ScopedPath:   loc.ScopedPath,
		SourceBranch: branch,
		TargetRoot:   loc.TargetRoot,
		TargetDir:    targetDir,
		TargetBranch: opts.Branch,
		Range:        rng,
		FirstParent:  opts.FirstParent,
		IncludeStart: opts.IncludeStart,
		FromRoot:     opts.FromRoot,
		AutoStash:    opts.AutoStash,
		SkipEmpty:    opts.SkipEmpty,
		Interactive:  opts.Interactive,
	}

	c.logger.Info("resolved session",
		"source", spec.SourceRoot,
		"path", spec.ScopedPath,
		"source_branch", spec.SourceBranch,
		"range", rng.String(),
		"target", spec.TargetRoot,
		"target_dir", spec.TargetDir)

	extractor := patch.NewExtractor(c.git, loc.Source, c.logger)
	set, err := extractor.Extract(ctx, patch.Request{
		SourceRoot:  spec.SourceRoot,
		ScopedPath:  spec.ScopedPath,
		Relative:    loc.Relative(),
		Range:       rng,
		FirstParent: spec.FirstParent,
	})
	if err != nil {
		return models.Specification{}, nil, err
	}

	return spec, set, nil
}

// Sync starts a new session and applies it until completion or a halt.
func (c *Controller) Sync(ctx context.Context, opts Options) (sync.Stats, error) {
	targetRepo, err := paths.ResolveTarget(opts.Target)
	if err != nil {
		return sync.Stats{}, err
	}
	root := targetRepo.Root()

	t, err := c.openTarget(ctx, root)
	if err != nil {
		return sync.Stats{}, err
	}
	defer t.close()

	if t.store.Exists() {
		return sync.Stats{}, halt(checkpoint.ErrSessionAlreadyExists, root,
			"run 'subsync continue %s' to resume it or 'subsync abort %s' to discard it", root, root)
	}
	if err := c.checkNoMerge(ctx, root); err != nil {
		return sync.Stats{}, err
	}

	spec, set, err := c.plan(ctx, opts)
	if err != nil {
		return sync.Stats{}, err
	}
	defer func() {
		_ = set.Close()
	}()

	if set.Len() == 0 {
		c.logger.Info("no commits to sync", "range", spec.Range.String(), "path", spec.ScopedPath)
		return sync.Stats{}, nil
	}

	stashed, err := c.prepareTree(ctx, root, spec)
	if err != nil {
		return sync.Stats{}, err
	}

	var original string
	if spec.TargetBranch, original, err = c.switchBranch(ctx, root, spec.TargetBranch); err != nil {
		c.restoreStash(ctx, root, stashed)
		return sync.Stats{}, err
	}

	state, err := t.store.Create(checkpoint.Input{
		Spec:           spec,
		Records:        set.Records,
		PatchDir:       set.Dir,
		Stashed:        stashed,
		OriginalBranch: original,
	})
	if err != nil {
		if !errors.Is(err, checkpoint.ErrSessionAlreadyExists) {
			_ = t.store.Clear()
		}
		c.restoreBranch(ctx, root, original)
		c.restoreStash(ctx, root, stashed)
		return sync.Stats{}, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	t.audit.Record("session started",
		"session_id", state.SessionID,
		"source", spec.SourceRoot,
		"path", spec.ScopedPath,
		"range", spec.Range.String(),
		"target_branch", spec.TargetBranch,
		"patches", len(state.Records))
	c.logger.Info("starting sync", "session_id", state.SessionID, "patches", len(state.Records), "target_branch", spec.TargetBranch)

	engine := sync.NewEngine(c.git, t.store, c.prompt, c.logger)
	stats, err := engine.Run(ctx, state)
	return stats, c.finish(ctx, t, state, stats, err)
}

// Continue resumes the session of the target. Without a session it does nothing.
func (c *Controller) Continue(ctx context.Context, targetPath string) (sync.Stats, error) {
	targetRepo, err := paths.ResolveTarget(targetPath)
	if err != nil {
		return sync.Stats{}, err
	}
	root := targetRepo.Root()

	t, err := c.openTarget(ctx, root)
	if err != nil {
		return sync.Stats{}, err
	}
	defer t.close()

	state, err := t.store.Load()
	if errors.Is(err, checkpoint.ErrNoActiveSession) {
		c.logger.Info("no active session, nothing to continue", "target", root)
		return sync.Stats{}, nil
	}
	if err != nil {
		return sync.Stats{}, halt(err, root, "run 'subsync abort %s' to discard the session", root)
	}

	c.logger.Info("resuming sync", "session_id", state.SessionID, "cursor", state.Cursor, "patches", len(state.Records))
	t.audit.Record("session resumed", "session_id", state.SessionID, "cursor", state.Cursor)

	engine := sync.NewEngine(c.git, t.store, c.prompt, c.logger)
	stats, err := engine.Resume(ctx, state)
	return stats, c.finish(ctx, t, state, stats, err)
}

// Abort discards the session of the target and reverts a pending apply.
// Already committed records stay.
func (c *Controller) Abort(ctx context.Context, targetPath string) error {
	targetRepo, err := paths.ResolveTarget(targetPath)
	if err != nil {
		return err
	}
	root := targetRepo.Root()

	t, err := c.openTarget(ctx, root)
	if err != nil {
		return err
	}
	defer t.close()

	// A corrupt checkpoint is still removed; only the stash flag is lost.
	state, loadErr := t.store.Load()
	if loadErr != nil && !errors.Is(loadErr, checkpoint.ErrNoActiveSession) {
		c.logger.Warn("checkpoint unreadable, removing it anyway", "error", loadErr)
	}

	engine := sync.NewEngine(c.git, t.store, c.prompt, c.logger)
	if err := engine.Abort(ctx, root); err != nil {
		return err
	}

	if state != nil {
		c.restoreBranch(ctx, root, state.OriginalBranch)
		c.restoreStash(ctx, root, state.Stashed)
		t.audit.Record("session aborted",
			"session_id", state.SessionID,
			"cursor", state.Cursor,
			"patches", len(state.Records))
		c.logger.Info("session aborted", "session_id", state.SessionID, "applied", state.Cursor, "discarded", len(state.Records)-state.Cursor)
	} else {
		c.logger.Info("no active session", "target", root)
	}
	return nil
}

// DryRun lists the commits a sync would replay. Nothing is written to the target.
func (c *Controller) DryRun(ctx context.Context, opts Options) ([]models.PatchRecord, error) {
	spec, set, err := c.plan(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = set.Close()
	}()

	dest := spec.TargetRoot
	if spec.TargetDir != "" {
		dest += "/" + spec.TargetDir
	}
	_, _ = fmt.Fprintf(c.out, "%d commit(s) from %s (%s) would be synced into %s\n",
		set.Len(), displayPath(spec), spec.Range.String(), dest)

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, rec := range set.Records {
		marker := ""
		if rec.LikelyEmpty {
			marker = "(likely empty)"
		}
		_, _ = fmt.Fprintf(w, "%4d\t%s\t%s\t%s\t%s\n",
			rec.Index, rec.ShortHash, humanize.Time(rec.AuthorDate), rec.Subject, marker)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}

	c.logger.Info("dry-run complete, no changes applied", "commits", set.Len())
	return set.Records, nil
}

// checkNoMerge refuses to start on top of a pending am or merge
func (c *Controller) checkNoMerge(ctx context.Context, root string) error {
	pending, err := c.git.AmInProgress(ctx, root)
	if err != nil {
		return err
	}
	unmerged, err := c.git.UnmergedPaths(ctx, root)
	if err != nil {
		return err
	}
	if pending || len(unmerged) > 0 {
		return halt(ErrUnresolvedMerge, root,
			"finish it with 'git am --continue' or 'git am --abort' (or resolve the merge) in %s first", root)
	}
	return nil
}

// prepareTree ensures a clean tree, stashing when requested. It reports
// whether a stash entry was created.
func (c *Controller) prepareTree(ctx context.Context, root string, spec models.Specification) (bool, error) {
	clean, err := c.git.IsClean(ctx, root)
	if err != nil {
		return false, err
	}
	if clean {
		return false, nil
	}
	if !spec.AutoStash {
		return false, halt(ErrDirtyWorkingTree, root,
			"commit or stash the changes in %s, or rerun with --stash", root)
	}

	if err := c.git.StashPush(ctx, root, "subsync: auto-stash before syncing "+spec.Range.String()); err != nil {
		return false, err
	}
	c.logger.Info("stashed uncommitted changes", "target", root)
	return true, nil
}

// switchBranch checks out branch (creating it from HEAD when missing). It
// returns the branch the session runs on and, when it switched, the branch
// (or detached commit) to return to afterwards.
func (c *Controller) switchBranch(ctx context.Context, root, branch string) (string, string, error) {
	current, err := c.git.CurrentBranch(ctx, root)
	if err != nil {
		return "", "", err
	}

	if branch == "" || branch == current {
		if current == "" {
			head, err := c.git.HeadHash(ctx, root)
			return head, "", err
		}
		return current, "", nil
	}

	original := current
	if original == "" {
		if original, err = c.git.HeadHash(ctx, root); err != nil {
			return "", "", err
		}
	}

	exists, err := c.git.BranchExists(ctx, root, branch)
	if err != nil {
		return "", "", err
	}
	if err := c.git.Checkout(ctx, root, branch, !exists); err != nil {
		return "", "", err
	}
	c.logger.Info("switched target branch", "from", original, "to", branch, "created", !exists)
	return branch, original, nil
}

// restoreBranch checks out the branch a session started from. Failure leaves
// the target on the session branch.
func (c *Controller) restoreBranch(ctx context.Context, root, original string) {
	if original == "" {
		return
	}
	if err := c.git.Checkout(ctx, root, original, false); err != nil {
		c.logger.Warn("failed to switch back to the original branch", "target", root, "branch", original, "error", err)
		return
	}
	c.logger.Info("switched back to original branch", "target", root, "branch", original)
}

// restoreStash pops the auto-stash. Failure leaves the entry in the stash list.
func (c *Controller) restoreStash(ctx context.Context, root string, stashed bool) {
	if !stashed {
		return
	}
	if err := c.git.StashPop(ctx, root); err != nil {
		c.logger.Warn("failed to restore stashed changes; they remain in 'git stash list'", "target", root, "error", err)
		return
	}
	c.logger.Info("restored stashed changes", "target", root)
}

// finish handles the end of an engine run: completion bookkeeping or a halt hint
func (c *Controller) finish(ctx context.Context, t *target, state *checkpoint.State, stats sync.Stats, err error) error {
	if err == nil {
		c.restoreBranch(ctx, t.root, state.OriginalBranch)
		c.restoreStash(ctx, t.root, state.Stashed)
		t.audit.Record("session completed",
			"session_id", state.SessionID,
			"applied", stats.Applied,
			"skipped", stats.Skipped,
			"total", stats.Total)
		c.logger.Info("sync completed",
			"applied", stats.Applied,
			"skipped", stats.Skipped,
			"total", stats.Total)
		return nil
	}

	t.audit.Record("session halted",
		"session_id", state.SessionID,
		"cursor", state.Cursor,
		"error", err.Error())

	root := t.root
	switch {
	case errors.Is(err, sync.ErrMergeConflict):
		return halt(err, root,
			"resolve the conflicts in %s and stage them with 'git add', then run 'subsync continue %s'; or run 'subsync abort %s'", root, root, root)
	case errors.Is(err, sync.ErrApplyFailed):
		return halt(err, root,
			"apply the change in %s by hand and stage it with 'git add', then run 'subsync continue %s'; or run 'subsync abort %s'", root, root, root)
	case errors.Is(err, sync.ErrDeclined):
		return halt(err, root,
			"run 'subsync continue %s' to be asked again, or 'subsync abort %s' to stop", root, root)
	default:
		return halt(err, root,
			"fix the problem and run 'subsync continue %s', or run 'subsync abort %s'", root, root)
	}
}

func displayPath(spec models.Specification) string {
	if spec.ScopedPath == "" {
		return spec.SourceRoot
	}
	return spec.SourceRoot + "/" + spec.ScopedPath
}

// Package sync replays an extracted patch series onto the target work tree,
// one record at a time, advancing the checkpoint cursor as records resolve.
package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/schaermu/subsync/internal/checkpoint"
	"github.com/schaermu/subsync/internal/models"
)

// Git is the subset of the git client the engine drives
type Git interface {
	Am(ctx context.Context, dir, patchFile, directory string) error
	AmContinue(ctx context.Context, dir string) error
	AmSkip(ctx context.Context, dir string) error
	AmAbort(ctx context.Context, dir string) error
	AmInProgress(ctx context.Context, dir string) (bool, error)
	UnmergedPaths(ctx context.Context, dir string) ([]string, error)
	HeadHash(ctx context.Context, dir string) (string, error)
}

// Prompter asks the operator a yes/no question
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Engine applies the records of a checkpointed session
type Engine struct {
	git    Git
	store  *checkpoint.Store
	prompt Prompter
	logger *slog.Logger
}

// NewEngine creates a new apply engine
func NewEngine(gitClient Git, store *checkpoint.Store, prompter Prompter, logger *slog.Logger) *Engine {
	return &Engine{
		git:    gitClient,
		store:  store,
		prompt: prompter,
		logger: logger,
	}
}

// Run applies every record from the cursor on. It returns when all records are
// resolved (the checkpoint is then cleared) or a record halts the session.
func (e *Engine) Run(ctx context.Context, state *checkpoint.State) (stats Stats, err error) {
	stats.Total = len(state.Records)
	defer func() {
		stats.Remaining = len(state.Records) - state.Cursor
	}()

	for !state.Done() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rec := state.Records[state.Cursor]
		label := rec.Label(len(state.Records))

		if state.Spec.Interactive {
			apply, err := e.prompt.Confirm(ctx, fmt.Sprintf("Apply %s?", label))
			if err != nil {
				return stats, fmt.Errorf("failed to confirm %s: %w", rec.ShortHash, err)
			}
			if !apply {
				e.logger.Info("patch skipped by user", "patch", label)
				if err := e.store.Advance(state, state.Cursor+1); err != nil {
					return stats, err
				}
				stats.Skipped++
				continue
			}
		}

		e.logger.Info("applying patch", "patch", label, "author", rec.Author)
		if err := e.apply(ctx, state, rec, &stats); err != nil {
			return stats, err
		}
	}

	e.logger.Info("all patches resolved", "total", stats.Total)
	if err := e.store.Clear(); err != nil {
		return stats, err
	}
	return stats, nil
}

// Resume continues a halted session. A pending git am is continued first; a
// conflict resolved by hand (HEAD moved since the halt) counts as applied.
func (e *Engine) Resume(ctx context.Context, state *checkpoint.State) (Stats, error) {
	target := state.Spec.TargetRoot

	pending, err := e.git.AmInProgress(ctx, target)
	if err != nil {
		return Stats{}, err
	}

	var resolved Stats
	switch {
	case pending && !state.Done():
		rec := state.Records[state.Cursor]
		e.logger.Info("continuing pending apply", "patch", rec.Label(len(state.Records)))

		if err := e.git.AmContinue(ctx, target); err != nil {
			e.logger.Debug("git am --continue failed", "error", err)
			if err := e.classify(ctx, state, rec, err, &resolved); err != nil {
				return e.halted(state, resolved), err
			}
		} else if err := e.resolved(state, &resolved); err != nil {
			return e.halted(state, resolved), err
		}

	case pending:
		// Every record is already resolved; the pending am is not ours to finish.
		return Stats{}, fmt.Errorf("git am is in progress in %s but the session has no pending record", target)

	case state.Conflict != nil && !state.Done() && state.Conflict.Index == state.Records[state.Cursor].Index:
		head, err := e.git.HeadHash(ctx, target)
		if err != nil {
			return Stats{}, err
		}
		rec := state.Records[state.Cursor]
		if head != state.Conflict.Head {
			e.logger.Info("conflicted patch was committed manually", "patch", rec.Label(len(state.Records)))
			if err := e.resolved(state, &resolved); err != nil {
				return e.halted(state, resolved), err
			}
		} else {
			e.logger.Info("retrying conflicted patch", "patch", rec.Label(len(state.Records)))
			if err := e.store.ClearConflict(state); err != nil {
				return e.halted(state, resolved), err
			}
		}
	}

	stats, err := e.Run(ctx, state)
	stats.Applied += resolved.Applied
	stats.Skipped += resolved.Skipped
	return stats, err
}

func (e *Engine) halted(state *checkpoint.State, stats Stats) Stats {
	stats.Total = len(state.Records)
	stats.Remaining = len(state.Records) - state.Cursor
	return stats
}

// Abort reverts a pending git am in targetRoot and deletes the checkpoint.
// Records already committed stay in the target history.
func (e *Engine) Abort(ctx context.Context, targetRoot string) error {
	pending, err := e.git.AmInProgress(ctx, targetRoot)
	if err != nil {
		return err
	}
	if pending {
		e.logger.Info("aborting pending apply", "target", targetRoot)
		if err := e.git.AmAbort(ctx, targetRoot); err != nil {
			return err
		}
	}
	return e.store.Clear()
}

// apply runs git am for rec and resolves the outcome
func (e *Engine) apply(ctx context.Context, state *checkpoint.State, rec models.PatchRecord, stats *Stats) error {
	if rec.FilesTouched == 0 {
		return e.skipEmpty(ctx, state, rec, false, stats)
	}

	target := state.Spec.TargetRoot
	before, err := e.git.HeadHash(ctx, target)
	if err != nil {
		return err
	}

	amErr := e.git.Am(ctx, target, e.store.PatchPath(rec), state.Spec.TargetDir)
	if amErr != nil {
		e.logger.Debug("git am failed", "commit", rec.ShortHash, "error", amErr)
		return e.classify(ctx, state, rec, amErr, stats)
	}

	after, err := e.git.HeadHash(ctx, target)
	if err != nil {
		return err
	}
	if after == before {
		// git drops a patch whose change the target already has
		e.logger.Info("patch already present in target", "commit", rec.ShortHash)
		return e.skipEmpty(ctx, state, rec, false, stats)
	}

	e.logger.Info("patch applied", "commit", rec.ShortHash)
	return e.resolved(state, stats)
}

// classify inspects the tree after a failed am and dispatches on the outcome.
// Conflicts and failed applies keep the am pending for the operator.
func (e *Engine) classify(ctx context.Context, state *checkpoint.State, rec models.PatchRecord, amErr error, stats *Stats) error {
	target := state.Spec.TargetRoot

	unmerged, err := e.git.UnmergedPaths(ctx, target)
	if err != nil {
		return err
	}

	outcome := Classify(amErr, unmerged)
	if outcome == Empty {
		pending, err := e.git.AmInProgress(ctx, target)
		if err != nil {
			return err
		}
		return e.skipEmpty(ctx, state, rec, pending, stats)
	}

	head, err := e.git.HeadHash(ctx, target)
	if err != nil {
		return err
	}
	if err := e.store.MarkConflict(state, rec.Index, head); err != nil {
		return err
	}

	if outcome == Conflicted {
		e.logger.Warn("merge conflict",
			"commit", rec.ShortHash,
			"subject", rec.Subject,
			"paths", unmerged)
		return &ConflictError{Record: rec, Paths: unmerged}
	}

	e.logger.Warn("patch does not apply",
		"commit", rec.ShortHash,
		"subject", rec.Subject,
		"error", amErr)
	return &ApplyError{Record: rec, Err: amErr}
}

// skipEmpty skips an empty record, asking first unless SkipEmpty is set.
// Declining aborts the pending am and halts without advancing.
func (e *Engine) skipEmpty(ctx context.Context, state *checkpoint.State, rec models.PatchRecord, pending bool, stats *Stats) error {
	target := state.Spec.TargetRoot

	skip := state.Spec.SkipEmpty
	if !skip {
		ok, err := e.prompt.Confirm(ctx, fmt.Sprintf("Patch %s %q has no changes for the target. Skip it?", rec.ShortHash, rec.Subject))
		if err != nil {
			if pending {
				_ = e.git.AmAbort(ctx, target)
			}
			return fmt.Errorf("failed to confirm skipping %s: %w", rec.ShortHash, err)
		}
		skip = ok
	}

	if !skip {
		if pending {
			if err := e.git.AmAbort(ctx, target); err != nil {
				return err
			}
		}
		return fmt.Errorf("%w: empty patch %s %s was not skipped", ErrDeclined, rec.ShortHash, rec.Subject)
	}

	if pending {
		if err := e.git.AmSkip(ctx, target); err != nil {
			return err
		}
	}
	if err := e.store.ClearConflict(state); err != nil {
		return err
	}
	if err := e.store.Advance(state, state.Cursor+1); err != nil {
		return err
	}
	e.logger.Info("empty patch skipped", "commit", rec.ShortHash, "likely_empty", rec.LikelyEmpty)
	stats.Skipped++
	return nil
}

// resolved advances past a committed record
func (e *Engine) resolved(state *checkpoint.State, stats *Stats) error {
	if err := e.store.ClearConflict(state); err != nil {
		return err
	}
	if err := e.store.Advance(state, state.Cursor+1); err != nil {
		return err
	}
	stats.Applied++
	return nil
}

// Package patch extracts the history of a scoped path as an ordered list of
// per-commit mbox patches.
package patch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/schaermu/subsync/internal/models"
)

// Git is the subset of the git client used for extraction.
type Git interface {
	RevList(ctx context.Context, dir string, revs []string, path string, firstParent bool) ([]string, error)
	FormatPatch(ctx context.Context, dir, commit, relative, path string) ([]byte, error)
}

// Inspector reads commit metadata and first-parent changes.
type Inspector interface {
	ResolveCommit(rev string) (*object.Commit, error)
	TouchesPath(ctx context.Context, hash, path string) (bool, error)
}

// Request describes what to extract.
type Request struct {
	SourceRoot  string
	ScopedPath  string
	Relative    string // prefix stripped from file names in the patches
	Range       models.Range
	FirstParent bool
}

// Set is an extracted, ordered patch series stored in a temporary directory
// it owns. Close removes the directory.
type Set struct {
	Dir     string
	Records []models.PatchRecord
}

// Path returns the absolute location of a record's patch file
func (s *Set) Path(rec models.PatchRecord) string {
	return filepath.Join(s.Dir, rec.File)
}

// Len returns the number of records
func (s *Set) Len() int {
	return len(s.Records)
}

// Close removes the working area. It is safe to call more than once.
func (s *Set) Close() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	err := os.RemoveAll(s.Dir)
	s.Dir = ""
	return err
}

// Extractor materializes patch sets
type Extractor struct {
	git     Git
	repo    Inspector
	logger  *slog.Logger
	tempDir string
}

// NewExtractor creates an extractor; temporary areas go to os.TempDir().
func NewExtractor(gitClient Git, repo Inspector, logger *slog.Logger) *Extractor {
	return &Extractor{
		git:    gitClient,
		repo:   repo,
		logger: logger,
	}
}

// Extract enumerates the commits of the range touching the scoped path and
// writes one patch file per commit, oldest first. No commits yields an empty set.
//
// With FirstParent, commits that reached the range through a merged side
// branch stay in the list but are marked likely empty and carry no payload.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Set, error) {
	hashes, err := e.git.RevList(ctx, req.SourceRoot, req.Range.RevList(), req.ScopedPath, false)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate commits: %w", err)
	}

	var mainline map[string]bool
	if req.FirstParent {
		members, err := e.git.RevList(ctx, req.SourceRoot, req.Range.RevList(), "", true)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate first-parent history: %w", err)
		}
		mainline = make(map[string]bool, len(members))
		for _, hash := range members {
			mainline[hash] = true
		}
	}

	e.logger.Info("enumerated commits",
		"range", req.Range.String(),
		"path", req.ScopedPath,
		"first_parent", req.FirstParent,
		"count", len(hashes))

	dir, err := os.MkdirTemp(e.tempDir, "subsync-patches-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create patch directory: %w", err)
	}
	set := &Set{Dir: dir, Records: make([]models.PatchRecord, 0, len(hashes))}

	for i, hash := range hashes {
		onMainline := mainline == nil || mainline[hash]
		rec, err := e.extractOne(ctx, req, set.Dir, i+1, hash, onMainline)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.Records = append(set.Records, rec)
	}

	return set, nil
}

func (e *Extractor) extractOne(ctx context.Context, req Request, dir string, index int, hash string, onMainline bool) (models.PatchRecord, error) {
	commit, err := e.repo.ResolveCommit(hash)
	if err != nil {
		return models.PatchRecord{}, fmt.Errorf("failed to read commit %s: %w", hash, err)
	}

	touches := false
	if onMainline {
		if touches, err = e.repo.TouchesPath(ctx, hash, req.ScopedPath); err != nil {
			return models.PatchRecord{}, err
		}
	}

	// format-patch -1 <commit> -- <path> walks back to the newest commit
	// touching path, so a commit outside the scope gets an empty payload.
	var data []byte
	if touches {
		if data, err = e.git.FormatPatch(ctx, req.SourceRoot, hash, req.Relative, req.ScopedPath); err != nil {
			return models.PatchRecord{}, err
		}
	}

	short := ShortHash(hash)
	rec := models.PatchRecord{
		Index:        index,
		Hash:         hash,
		ShortHash:    short,
		Subject:      Subject(commit.Message),
		Author:       fmt.Sprintf("%s <%s>", commit.Author.Name, commit.Author.Email),
		AuthorDate:   commit.Author.When,
		File:         fmt.Sprintf("%04d-%s.patch", index, short),
		FilesTouched: CountFiles(data),
	}

	rec.LikelyEmpty = !touches || rec.FilesTouched == 0

	if err := os.WriteFile(filepath.Join(dir, rec.File), data, 0644); err != nil {
		return models.PatchRecord{}, fmt.Errorf("failed to write patch %s: %w", rec.File, err)
	}

	e.logger.Debug("extracted patch",
		"index", index,
		"commit", short,
		"files", rec.FilesTouched,
		"first_parent", onMainline,
		"likely_empty", rec.LikelyEmpty)

	return rec, nil
}

// CountFiles counts the file sections of a patch
func CountFiles(data []byte) int {
	n := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "diff --git ") {
			n++
		}
	}
	return n
}

// Subject returns the first line of a commit message
func Subject(message string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	return strings.TrimSpace(line)
}

// ShortHash abbreviates a commit hash to seven characters
func ShortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

package patch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/subsync/internal/git"
	"github.com/schaermu/subsync/internal/models"
	"github.com/schaermu/subsync/internal/revrange"
	"github.com/schaermu/subsync/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedList lists a predetermined commit sequence instead of asking rev-list.
type fixedList struct {
	*git.ShellClient
	hashes []string
}

func (f fixedList) RevList(context.Context, string, []string, string, bool) ([]string, error) {
	return f.hashes, nil
}

type fixture struct {
	src  *testutil.Repo
	repo *git.Repository
	c    []string
}

// newFixture builds c1, c2, an out-of-scope commit and c3 on main.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := testutil.NewRepo(t, "main")
	c1 := src.Commit("c1", map[string]string{"lib/a.txt": "1\n"})
	c2 := src.Commit("c2: edit a", map[string]string{"lib/a.txt": "2\n"})
	out := src.Commit("docs only", map[string]string{"docs/readme.md": "x\n"})
	c3 := src.Commit("c3: add b", map[string]string{"lib/b.txt": "b\n"})

	repo, err := git.Open(src.Dir, false)
	require.NoError(t, err)
	return &fixture{src: src, repo: repo, c: []string{c1, c2, out, c3}}
}

func (f *fixture) request(t *testing.T, expr string, includeStart bool) Request {
	t.Helper()
	rng, err := revrange.NewResolver(f.repo).Resolve(expr, "main", includeStart)
	require.NoError(t, err)
	return Request{
		SourceRoot:  f.src.Dir,
		ScopedPath:  "lib",
		Relative:    "lib/",
		Range:       rng,
		FirstParent: true,
	}
}

func TestExtract(t *testing.T) {
	f := newFixture(t)
	ex := NewExtractor(git.NewShellClient(""), f.repo, testLogger())

	set, err := ex.Extract(context.Background(), f.request(t, f.c[0]+"..main", false))
	require.NoError(t, err)
	defer func() { _ = set.Close() }()

	require.Equal(t, 2, set.Len())

	first, second := set.Records[0], set.Records[1]
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, f.c[1], first.Hash)
	assert.Equal(t, f.c[1][:7], first.ShortHash)
	assert.Equal(t, "c2: edit a", first.Subject)
	assert.Equal(t, "Test <test@test.com>", first.Author)
	assert.Equal(t, "0001-"+f.c[1][:7]+".patch", first.File)
	assert.Equal(t, 1, first.FilesTouched)
	assert.False(t, first.LikelyEmpty)

	assert.Equal(t, 2, second.Index)
	assert.Equal(t, f.c[3], second.Hash)

	data, err := os.ReadFile(set.Path(second))
	require.NoError(t, err)
	assert.Contains(t, string(data), "diff --git a/b.txt b/b.txt")

	dir := set.Dir
	require.NoError(t, set.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "patch directory should be removed")
	assert.NoError(t, set.Close())
}

func TestExtract_IncludeStartAddsStartCommit(t *testing.T) {
	f := newFixture(t)
	ex := NewExtractor(git.NewShellClient(""), f.repo, testLogger())
	ctx := context.Background()

	without, err := ex.Extract(ctx, f.request(t, f.c[1]+"..main", false))
	require.NoError(t, err)
	defer func() { _ = without.Close() }()

	with, err := ex.Extract(ctx, f.request(t, f.c[1]+"..main", true))
	require.NoError(t, err)
	defer func() { _ = with.Close() }()

	require.Equal(t, without.Len()+1, with.Len())
	assert.Equal(t, f.c[1], with.Records[0].Hash)
}

func TestExtract_FromRoot(t *testing.T) {
	f := newFixture(t)
	ex := NewExtractor(git.NewShellClient(""), f.repo, testLogger())

	rng, err := revrange.NewResolver(f.repo).ResolveFromRoot("main", "main")
	require.NoError(t, err)

	set, err := ex.Extract(context.Background(), Request{
		SourceRoot: f.src.Dir, ScopedPath: "lib", Relative: "lib/", Range: rng, FirstParent: true,
	})
	require.NoError(t, err)
	defer func() { _ = set.Close() }()

	require.Equal(t, 3, set.Len())
	assert.Equal(t, f.c[0], set.Records[0].Hash)
	data, err := os.ReadFile(set.Path(set.Records[0]))
	require.NoError(t, err)
	assert.Contains(t, string(data), "new file mode")
}

func TestExtract_EmptyRange(t *testing.T) {
	f := newFixture(t)
	ex := NewExtractor(git.NewShellClient(""), f.repo, testLogger())

	set, err := ex.Extract(context.Background(), f.request(t, "main..main", false))
	require.NoError(t, err)
	defer func() { _ = set.Close() }()

	assert.Equal(t, 0, set.Len())
	assert.DirExists(t, set.Dir)
}

func TestExtract_FirstParentMarksSideBranchLikelyEmpty(t *testing.T) {
	src := testutil.NewRepo(t, "main")
	base := src.Commit("base", map[string]string{"lib/a.txt": "1\n"})
	src.Git("checkout", "-q", "-b", "side")
	side := src.Commit("side change", map[string]string{"lib/side.txt": "s\n"})
	src.Git("checkout", "-q", "main")
	onMain := src.Commit("main change", map[string]string{"lib/a.txt": "2\n"})
	src.Git("merge", "-q", "--no-ff", "-m", "merge side", "side")

	repo, err := git.Open(src.Dir, false)
	require.NoError(t, err)
	ex := NewExtractor(git.NewShellClient(""), repo, testLogger())
	rng := models.Range{Expr: base + "..main", From: base, To: src.Head()}

	tests := []struct {
		name        string
		firstParent bool
		wantEmpty   map[string]bool
	}{
		{"first parent", true, map[string]bool{side: true, onMain: false}},
		{"all parents", false, map[string]bool{side: false, onMain: false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := ex.Extract(context.Background(), Request{
				SourceRoot: src.Dir, ScopedPath: "lib", Relative: "lib/", Range: rng, FirstParent: tt.firstParent,
			})
			require.NoError(t, err)
			defer func() { _ = set.Close() }()

			got := make(map[string]bool)
			for _, rec := range set.Records {
				got[rec.Hash] = rec.LikelyEmpty
				if rec.LikelyEmpty {
					assert.Equal(t, 0, rec.FilesTouched)
					data, err := os.ReadFile(set.Path(rec))
					require.NoError(t, err)
					assert.Empty(t, data)
				} else {
					assert.Equal(t, 1, rec.FilesTouched)
				}
			}
			assert.Equal(t, tt.wantEmpty, got)
		})
	}
}

func TestExtract_OutOfScopeCommitIsLikelyEmpty(t *testing.T) {
	f := newFixture(t)
	lister := fixedList{ShellClient: git.NewShellClient(""), hashes: []string{f.c[1], f.c[2], f.c[3]}}
	ex := NewExtractor(lister, f.repo, testLogger())

	set, err := ex.Extract(context.Background(), f.request(t, f.c[0]+"..main", false))
	require.NoError(t, err)
	defer func() { _ = set.Close() }()

	require.Equal(t, 3, set.Len())
	assert.False(t, set.Records[0].LikelyEmpty)
	assert.True(t, set.Records[1].LikelyEmpty)
	assert.Equal(t, 0, set.Records[1].FilesTouched)
	assert.False(t, set.Records[2].LikelyEmpty)
}

func TestExtract_RemovesAreaOnFailure(t *testing.T) {
	f := newFixture(t)
	tmp := t.TempDir()
	lister := fixedList{ShellClient: git.NewShellClient(""), hashes: []string{f.c[1], strings.Repeat("0", 40)}}
	ex := NewExtractor(lister, f.repo, testLogger())
	ex.tempDir = tmp

	_, err := ex.Extract(context.Background(), f.request(t, f.c[0]+"..main", false))
	require.Error(t, err)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "working area should be removed, found %v", entries)
}

func TestCountFilesAndSubject(t *testing.T) {
	patch := strings.Join([]string{
		"From abc Mon Sep 17 00:00:00 2001",
		"Subject: [PATCH] x",
		"---",
		"diff --git a/a.txt b/a.txt",
		"diff --git a/b.txt b/b.txt",
		" context diff --git not a header",
	}, "\n")
	assert.Equal(t, 2, CountFiles([]byte(patch)))
	assert.Equal(t, 0, CountFiles(nil))

	assert.Equal(t, "first line", Subject("first line\n\nbody"))
	assert.Equal(t, "abcdef1", ShortHash("abcdef1234"))
	assert.Equal(t, "abc", ShortHash("abc"))
}
